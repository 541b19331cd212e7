package session

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/ppopth/qrstream/ec"
	"github.com/ppopth/qrstream/ec/field"
	"github.com/ppopth/qrstream/ec/rs"
	"github.com/ppopth/qrstream/envelope"
	"github.com/ppopth/qrstream/frame"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("session")

var (
	// ErrCompleted is returned when frames arrive after the session finished
	ErrCompleted = errors.New("session: transfer already finished")
	// ErrNotComplete is returned by Result while plain chunks are still missing
	ErrNotComplete = errors.New("session: transfer not complete")
	// ErrMismatchedFrame is returned for a frame whose header disagrees with
	// the transfer the session latched onto
	ErrMismatchedFrame = errors.New("session: frame belongs to a different transfer")
	// ErrInconsistentHeader is returned when a header describes an impossible layout
	ErrInconsistentHeader = errors.New("session: inconsistent transfer header")
)

// State is the lifecycle state of a DecodeSession
type State int

const (
	// StateIdle is a fresh or reset session
	StateIdle State = iota
	// StateScanning means the frame source was started but nothing was accepted yet
	StateScanning
	// StateAccumulating means at least one frame was accepted
	StateAccumulating
	// StateCompleted means the payload was reassembled
	StateCompleted
	// StateFailed means all segments resolved but the payload could not be opened
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateAccumulating:
		return "accumulating"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Result is the file carried by a completed transfer
type Result struct {
	Filename string
	Data     []byte
}

// Observer receives session notifications. Methods are called synchronously
// from Ingest, after the session lock is released.
type Observer interface {
	// SegmentResolved is called once per segment whose plain chunks became available
	SegmentResolved(segment int, plainStart, plainEnd int)
	// TransferComplete is called once when the payload is reassembled
	TransferComplete(Result)
	// TransferFailed is called once when the resolved payload cannot be opened
	TransferFailed(error)
}

// Option configures a DecodeSession during construction
type Option func(*DecodeSession) error

// WithObserver registers an observer for session notifications
func WithObserver(o Observer) Option {
	return func(s *DecodeSession) error {
		s.observer = o
		return nil
	}
}

// WithCompressor sets the compressor used to open the payload
func WithCompressor(c envelope.Compressor) Option {
	return func(s *DecodeSession) error {
		if c == nil {
			return fmt.Errorf("compressor must not be nil")
		}
		s.compressor = c
		return nil
	}
}

// WithLegacyErasureLimit makes the session wait for more frames whenever more
// than half of a segment's parity chunks are missing. By default a segment is
// decoded as soon as no more than ExtraBlocksCount of its chunks are missing.
func WithLegacyErasureLimit() Option {
	return func(s *DecodeSession) error {
		s.legacyLimit = true
		return nil
	}
}

// DecodeSession accumulates frames of one transfer and reassembles the payload.
// It is safe for concurrent use.
type DecodeSession struct {
	compressor  envelope.Compressor
	observer    Observer
	legacyLimit bool

	mutex sync.Mutex // Protects everything below

	id     string
	state  State
	header *frame.Header // Latched from the first accepted frame
	layout ec.Layout
	codec  *rs.Codec

	frames   map[int][]byte      // Raw chunks by frame index
	parsed   map[int][]byte      // Plain chunks by plain chunk index
	resolved map[int]struct{}    // Segments whose plain chunks are all in parsed
	current  int                 // Last frame index seen, -1 before the first
	result   *Result
	err      error
	done     chan struct{}
}

// NewDecodeSession creates an idle session
func NewDecodeSession(opts ...Option) (*DecodeSession, error) {
	s := &DecodeSession{
		compressor: envelope.DefaultCompressor(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.resetLocked()
	return s, nil
}

func (s *DecodeSession) resetLocked() {
	s.id = uuid.NewString()
	s.state = StateIdle
	s.header = nil
	s.layout = ec.Layout{}
	s.codec = nil
	s.frames = make(map[int][]byte)
	s.parsed = make(map[int][]byte)
	s.resolved = make(map[int]struct{})
	s.current = -1
	s.result = nil
	s.err = nil
	s.done = make(chan struct{})
}

// Reset discards all accumulated state and returns the session to idle
func (s *DecodeSession) Reset() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	log.Debugf("session %s reset in state %s", s.id, s.state)
	s.resetLocked()
}

// Start marks the frame source as running
func (s *DecodeSession) Start() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.state == StateIdle {
		s.state = StateScanning
	}
}

// ID returns the identifier of the current scan, regenerated on Reset
func (s *DecodeSession) ID() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.id
}

// State returns the current lifecycle state
func (s *DecodeSession) State() State {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

// Done returns a channel closed when the session completes or fails. The
// frame source should stop once it is closed.
func (s *DecodeSession) Done() <-chan struct{} {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.done
}

// IngestText accepts one scanner tick carrying base64 frame text
func (s *DecodeSession) IngestText(text string) error {
	f, err := frame.ParseText(text)
	if err != nil {
		return err
	}
	return s.IngestFrame(f)
}

// Ingest accepts one raw frame
func (s *DecodeSession) Ingest(raw []byte) error {
	f, err := frame.Unmarshal(raw)
	if err != nil {
		return err
	}
	return s.IngestFrame(f)
}

// IngestFrame records a parsed frame. A frame index that was already recorded
// is a no-op. Segment decode failures are not errors: the segment stays
// unresolved until more frames arrive. Only a terminal failure to open the
// reassembled payload, or an internal field error, is returned.
func (s *DecodeSession) IngestFrame(f frame.Frame) error {
	var notes []func()
	err := func() error {
		s.mutex.Lock()
		defer s.mutex.Unlock()
		return s.ingestLocked(f, &notes)
	}()
	for _, note := range notes {
		note()
	}
	return err
}

func (s *DecodeSession) ingestLocked(f frame.Frame, notes *[]func()) error {
	if s.state == StateCompleted || s.state == StateFailed {
		return ErrCompleted
	}
	if err := f.Validate(); err != nil {
		return err
	}

	if s.header == nil {
		if err := s.latchLocked(f.Header); err != nil {
			return err
		}
	} else if !s.header.SameTransfer(f.Header) {
		log.Warnf("session %s: dropping frame %d from another transfer", s.id, f.FrameIndex)
		return fmt.Errorf("%w: got %+v, latched %+v", ErrMismatchedFrame, f.Header, *s.header)
	}

	index := int(f.FrameIndex)
	s.current = index
	s.state = StateAccumulating
	if _, exists := s.frames[index]; exists {
		return nil
	}
	s.frames[index] = f.Chunk

	if s.layout.Bypass() {
		s.parsed[index] = f.Chunk
		return s.checkCompleteLocked(notes)
	}

	resolved, err := s.tryResolveLocked(s.layout.SegmentOf(index), notes)
	if err != nil || !resolved {
		return err
	}
	return s.checkCompleteLocked(notes)
}

// latchLocked configures the session from the first frame's header
func (s *DecodeSession) latchLocked(h frame.Header) error {
	layout := ec.Layout{
		BlocksCount:      int(h.BlocksCount),
		ExtraBlocksCount: int(h.ExtraBlocksCount),
		TotalPlain:       int(h.TotalPlainFrames),
	}
	if err := layout.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInconsistentHeader, err)
	}
	if layout.TotalFrames() != int(h.TotalFrames) {
		return fmt.Errorf("%w: layout has %d frames, header claims %d",
			ErrInconsistentHeader, layout.TotalFrames(), h.TotalFrames)
	}

	if !layout.Bypass() {
		codec, err := rs.NewCodec(layout.ExtraBlocksCount)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInconsistentHeader, err)
		}
		s.codec = codec
	}

	header := h
	header.FrameIndex = 0
	s.header = &header
	s.layout = layout

	log.Infof("session %s: %d frames, %d plain, blocks %d, extra blocks %d",
		s.id, h.TotalFrames, h.TotalPlainFrames, h.BlocksCount, h.ExtraBlocksCount)
	return nil
}

// tryResolveLocked attempts to recover the plain chunks of one segment
func (s *DecodeSession) tryResolveLocked(segment int, notes *[]func()) (bool, error) {
	if _, done := s.resolved[segment]; done {
		return false, nil
	}

	seg := s.layout.Segment(segment)
	slots := make([][]byte, seg.Len())
	missing := 0
	for i := range slots {
		slots[i] = s.frames[seg.FrameStart+i]
		if slots[i] == nil {
			missing++
		}
	}
	if s.legacyLimit && 2*missing > s.layout.ExtraBlocksCount {
		return false, nil
	}

	plain, err := ec.RecoverSegment(s.codec, slots, seg.DataLen())
	if err != nil {
		if errors.Is(err, field.ErrDivisionByZero) {
			return false, fmt.Errorf("session %s: segment %d: %w", s.id, segment, err)
		}
		if !errors.Is(err, ec.ErrInsufficientData) {
			log.Debugf("session %s: segment %d not decodable yet: %v", s.id, segment, err)
		}
		return false, nil
	}

	for i, chunk := range plain {
		s.parsed[seg.PlainStart+i] = chunk
	}
	s.resolved[segment] = struct{}{}
	log.Debugf("session %s: segment %d resolved with %d missing frames", s.id, segment, missing)

	if o := s.observer; o != nil {
		*notes = append(*notes, func() { o.SegmentResolved(segment, seg.PlainStart, seg.PlainEnd) })
	}
	return true, nil
}

// checkCompleteLocked opens the payload once every plain chunk is available
func (s *DecodeSession) checkCompleteLocked(notes *[]func()) error {
	total := s.layout.TotalPlain
	if len(s.parsed) != total {
		return nil
	}

	size := 0
	for i := 0; i < total; i++ {
		size += len(s.parsed[i])
	}
	buf := make([]byte, 0, size)
	for i := 0; i < total; i++ {
		buf = append(buf, s.parsed[i]...)
	}

	close(s.done)
	o := s.observer

	filename, data, err := envelope.Open(s.compressor, buf)
	if err != nil {
		s.state = StateFailed
		s.err = err
		log.Errorf("session %s: failed to open payload: %v", s.id, err)
		if o != nil {
			*notes = append(*notes, func() { o.TransferFailed(err) })
		}
		return err
	}

	result := Result{Filename: filename, Data: data}
	s.state = StateCompleted
	s.result = &result
	log.Infof("session %s: received %q (%d bytes) from %d of %d frames",
		s.id, filename, len(data), len(s.frames), s.layout.TotalFrames())
	if o != nil {
		*notes = append(*notes, func() { o.TransferComplete(result) })
	}
	return nil
}

// IsComplete reports whether the payload was reassembled
func (s *DecodeSession) IsComplete() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state == StateCompleted
}

// Result returns the reassembled file, the terminal error, or ErrNotComplete
func (s *DecodeSession) Result() (Result, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	switch {
	case s.result != nil:
		return *s.result, nil
	case s.err != nil:
		return Result{}, s.err
	default:
		return Result{}, ErrNotComplete
	}
}

// MissingFrames returns the frame indices that are neither received nor
// covered by an already resolved segment. It is nil before the first frame.
func (s *DecodeSession) MissingFrames() []int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.header == nil {
		return nil
	}
	missing := []int{}
	for i := 0; i < s.layout.TotalFrames(); i++ {
		if _, ok := s.frames[i]; ok {
			continue
		}
		if !s.layout.Bypass() {
			if _, ok := s.resolved[s.layout.SegmentOf(i)]; ok {
				continue
			}
		}
		missing = append(missing, i)
	}
	return missing
}

// Received returns the sorted indices of the frames recorded so far
func (s *DecodeSession) Received() []int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	indices := make([]int, 0, len(s.frames))
	for i := range s.frames {
		indices = append(indices, i)
	}
	slices.Sort(indices)
	return indices
}

// Current returns the index of the last frame seen
func (s *DecodeSession) Current() (int, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.current, s.current >= 0
}

// Progress summarizes how far a transfer has come
type Progress struct {
	ReceivedFrames int
	TotalFrames    int
	ResolvedPlain  int
	TotalPlain     int
}

// Percent returns received frames as a percentage of all frames
func (p Progress) Percent() float64 {
	if p.TotalFrames == 0 {
		return 0
	}
	return float64(p.ReceivedFrames) / float64(p.TotalFrames) * 100
}

// Progress returns the current progress
func (s *DecodeSession) Progress() Progress {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.header == nil {
		return Progress{}
	}
	return Progress{
		ReceivedFrames: len(s.frames),
		TotalFrames:    s.layout.TotalFrames(),
		ResolvedPlain:  len(s.parsed),
		TotalPlain:     s.layout.TotalPlain,
	}
}
