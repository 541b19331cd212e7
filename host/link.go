package host

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ppopth/qrstream/frame"
	"github.com/ppopth/qrstream/session"
)

// SendFrames sends frames in order and starts over after the last one, like
// an animation on loop. It returns after rounds passes, or when ctx is done
// if rounds is zero. A positive interval paces consecutive frames. Frames
// that do not fit s are rejected before anything is sent.
func SendFrames(ctx context.Context, s Sender, frames []frame.Frame, interval time.Duration, rounds int) error {
	if len(frames) == 0 {
		return errors.New("no frames to send")
	}
	limit := s.MaxFrameLen()
	encoded := make([][]byte, len(frames))
	for i, f := range frames {
		encoded[i] = f.Marshal()
		if len(encoded[i]) > limit {
			return fmt.Errorf("%w: frame %d is %d bytes, use a chunk size of at most %d",
				ErrFrameTooLarge, f.FrameIndex, len(encoded[i]), MaxChunkSize(limit))
		}
	}

	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for round := 0; rounds == 0 || round < rounds; round++ {
		for _, buf := range encoded {
			if tick != nil {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-tick:
				}
			} else if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.Send(buf); err != nil {
				return err
			}
		}
		log.Debugf("sent round %d of %d frames to %s", round, len(encoded), s.RemoteAddr())
	}
	return nil
}

// MaxChunkSize is the largest chunk size whose frames fit in frameLen bytes
func MaxChunkSize(frameLen int) int {
	return frameLen - frame.HeaderSize
}

// ReceiveFrames ingests frames from r into sess until the session finishes.
// Frames the session rejects are skipped. It returns the session's terminal
// error if the payload cannot be opened.
func ReceiveFrames(ctx context.Context, r Receiver, sess *session.DecodeSession) error {
	sess.Start()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-sess.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		buf, err := r.Receive(ctx)
		if err != nil {
			select {
			case <-sess.Done():
				_, err := sess.Result()
				return err
			default:
			}
			return err
		}

		err = sess.Ingest(buf)
		switch {
		case err == nil, errors.Is(err, session.ErrCompleted):
		case sess.State() == session.StateFailed:
			return err
		default:
			log.Debugf("dropping frame from %s: %v", r.RemoteAddr(), err)
		}
	}
}
