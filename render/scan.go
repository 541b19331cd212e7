package render

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/ppopth/qrstream/session"

	lru "github.com/hashicorp/golang-lru"
	"github.com/makiuchi-d/gozxing"
	zxqrcode "github.com/makiuchi-d/gozxing/qrcode"
)

// DefaultSeenCacheSize is the number of recently scanned texts remembered
const DefaultSeenCacheSize = 1024

// Scanner decodes QR symbols from images. It remembers recently decoded texts
// so that a symbol held in view for several ticks is ingested once.
type Scanner struct {
	reader gozxing.Reader
	hints  map[gozxing.DecodeHintType]interface{}
	seen   *lru.Cache
}

// NewScanner creates a scanner remembering up to cacheSize texts
func NewScanner(cacheSize int) (*Scanner, error) {
	seen, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Scanner{
		reader: zxqrcode.NewQRCodeReader(),
		hints: map[gozxing.DecodeHintType]interface{}{
			gozxing.DecodeHintType_TRY_HARDER: true,
		},
		seen: seen,
	}, nil
}

// Scan decodes the symbol in an image and returns its text
func (s *Scanner) Scan(img image.Image) (string, error) {
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", fmt.Errorf("failed to binarize image: %w", err)
	}
	result, err := s.reader.Decode(bmp, s.hints)
	if err != nil {
		return "", err
	}
	return result.GetText(), nil
}

// Seen reports whether text was scanned recently, and remembers it
func (s *Scanner) Seen(text string) bool {
	found, _ := s.seen.ContainsOrAdd(text, struct{}{})
	return found
}

// Forget clears the recently scanned texts
func (s *Scanner) Forget() {
	s.seen.Purge()
}

// Feed scans images in order and ingests their frames into a session. Images
// without a readable symbol, repeated texts and frames the session rejects
// are skipped like a camera tick that saw nothing. Feed stops once the
// session finishes and returns the number of frames ingested.
func (s *Scanner) Feed(ctx context.Context, images []image.Image, sess *session.DecodeSession) (int, error) {
	sess.Start()
	ingested := 0
	for i, img := range images {
		select {
		case <-ctx.Done():
			return ingested, ctx.Err()
		case <-sess.Done():
			return ingested, nil
		default:
		}

		text, err := s.Scan(img)
		if err != nil {
			log.Debugf("image %d: no symbol: %v", i, err)
			continue
		}
		if s.Seen(text) {
			continue
		}

		err = sess.IngestText(text)
		switch {
		case err == nil:
			ingested++
		case errors.Is(err, session.ErrCompleted):
			return ingested, nil
		case sess.State() == session.StateFailed:
			return ingested, err
		default:
			log.Debugf("image %d: frame rejected: %v", i, err)
		}
	}
	return ingested, nil
}
