package ec

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/ppopth/qrstream/ec/rs"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"
)

var log = logging.Logger("ec")

var (
	// ErrInsufficientData means a segment does not yet have enough chunks to be
	// recovered. It is an ordinary outcome while frames are still arriving.
	ErrInsufficientData = errors.New("ec: insufficient data to recover segment")
	ErrInvalidParams    = errors.New("ec: invalid parameters")
)

// Layout describes how plain chunks and parity chunks are arranged into
// segments and frame indices for one transfer
type Layout struct {
	// Number of plain chunks per full segment
	BlocksCount int
	// Number of parity chunks appended to every segment
	ExtraBlocksCount int
	// Number of plain chunks in the whole transfer
	TotalPlain int
}

// Segment is the frame and plain chunk range of one segment
type Segment struct {
	Index      int
	FrameStart int // first frame index of the segment
	FrameEnd   int // one past the last frame index
	PlainStart int // first plain chunk index recovered by the segment
	PlainEnd   int // one past the last plain chunk index
}

// DataLen returns the number of plain chunks in the segment
func (s Segment) DataLen() int {
	return s.PlainEnd - s.PlainStart
}

// Len returns the number of frames in the segment
func (s Segment) Len() int {
	return s.FrameEnd - s.FrameStart
}

// Validate checks the layout against the GF(2^8) codeword limit
func (l Layout) Validate() error {
	if l.BlocksCount <= 0 {
		return fmt.Errorf("%w: blocks count must be positive, got %d", ErrInvalidParams, l.BlocksCount)
	}
	if l.ExtraBlocksCount < 0 {
		return fmt.Errorf("%w: extra blocks count must not be negative, got %d", ErrInvalidParams, l.ExtraBlocksCount)
	}
	if l.BlocksCount+l.ExtraBlocksCount > rs.MaxCodewordLength {
		return fmt.Errorf("%w: blocks count (%d) + extra blocks count (%d) exceeds %d",
			ErrInvalidParams, l.BlocksCount, l.ExtraBlocksCount, rs.MaxCodewordLength)
	}
	if l.TotalPlain < 0 {
		return fmt.Errorf("%w: negative plain chunk count %d", ErrInvalidParams, l.TotalPlain)
	}
	return nil
}

// Bypass reports whether the transfer is too small for Reed-Solomon
// structure, in which case frames are the plain chunks verbatim
func (l Layout) Bypass() bool {
	return l.TotalPlain < l.BlocksCount
}

// SegmentSize returns the number of frames in a full segment
func (l Layout) SegmentSize() int {
	return l.BlocksCount + l.ExtraBlocksCount
}

// NumSegments returns the number of segments. A bypassed transfer has none.
func (l Layout) NumSegments() int {
	if l.Bypass() {
		return 0
	}
	return (l.TotalPlain + l.BlocksCount - 1) / l.BlocksCount
}

// TotalFrames returns the number of frames produced for the transfer
func (l Layout) TotalFrames() int {
	if l.Bypass() {
		return l.TotalPlain
	}
	n := l.NumSegments()
	return l.Segment(n - 1).FrameEnd
}

// Segment returns the ranges of the i-th segment. The last segment may hold
// fewer than BlocksCount plain chunks but always carries ExtraBlocksCount parity chunks.
func (l Layout) Segment(i int) Segment {
	plainStart := i * l.BlocksCount
	plainEnd := min(plainStart+l.BlocksCount, l.TotalPlain)
	frameStart := i * l.SegmentSize()
	return Segment{
		Index:      i,
		FrameStart: frameStart,
		FrameEnd:   frameStart + (plainEnd - plainStart) + l.ExtraBlocksCount,
		PlainStart: plainStart,
		PlainEnd:   plainEnd,
	}
}

// SegmentOf returns the index of the segment containing a frame
func (l Layout) SegmentOf(frameIndex int) int {
	return frameIndex / l.SegmentSize()
}

// Split cuts data into chunks of chunkSize bytes. The last chunk may be shorter.
func Split(data []byte, chunkSize int) ([][]byte, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidParams, chunkSize)
	}
	count := (len(data) + chunkSize - 1) / chunkSize
	chunks := make([][]byte, count)
	for i := range chunks {
		start := i * chunkSize
		end := min(start+chunkSize, len(data))
		chunks[i] = data[start:end]
	}
	return chunks, nil
}

// Interleave turns plain chunks into the full frame chunk sequence. Every byte
// column of a segment is encoded as one Reed-Solomon codeword, so the output
// of a segment is its plain chunks (zero padded to chunkSize) followed by
// ExtraBlocksCount parity chunks. Segments are encoded concurrently.
//
// When there are fewer chunks than BlocksCount the input is returned unchanged.
func Interleave(ctx context.Context, chunks [][]byte, chunkSize, blocksCount, extraBlocksCount int) ([][]byte, error) {
	layout := Layout{
		BlocksCount:      blocksCount,
		ExtraBlocksCount: extraBlocksCount,
		TotalPlain:       len(chunks),
	}
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidParams, chunkSize)
	}
	for i, c := range chunks {
		if len(c) > chunkSize {
			return nil, fmt.Errorf("%w: chunk %d is %d bytes, larger than chunk size %d", ErrInvalidParams, i, len(c), chunkSize)
		}
	}
	if layout.Bypass() {
		return chunks, nil
	}

	codec, err := rs.NewCodec(extraBlocksCount)
	if err != nil {
		return nil, err
	}

	out := make([][]byte, layout.TotalFrames())
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := 0; i < layout.NumSegments(); i++ {
		seg := layout.Segment(i)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			encoded, err := encodeSegment(codec, chunks[seg.PlainStart:seg.PlainEnd], chunkSize)
			if err != nil {
				return fmt.Errorf("segment %d: %w", seg.Index, err)
			}
			copy(out[seg.FrameStart:seg.FrameEnd], encoded)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	log.Debugf("interleaved %d plain chunks into %d frames over %d segments",
		len(chunks), len(out), layout.NumSegments())
	return out, nil
}

// encodeSegment RS-encodes every byte column of a segment
func encodeSegment(codec *rs.Codec, plain [][]byte, chunkSize int) ([][]byte, error) {
	out := make([][]byte, len(plain)+codec.NSym())
	for i := range out {
		out[i] = make([]byte, chunkSize)
	}

	column := make([]byte, len(plain))
	for pos := 0; pos < chunkSize; pos++ {
		for i, chunk := range plain {
			column[i] = 0
			if pos < len(chunk) {
				column[i] = chunk[pos]
			}
		}
		codeword, err := codec.EncodeMsg(column)
		if err != nil {
			return nil, err
		}
		for j, symbol := range codeword {
			out[j][pos] = symbol
		}
	}
	return out, nil
}

// RecoverSegment reconstructs the plain chunks of one segment. slots holds
// the segment's frame chunks in order, nil for chunks not received yet; its
// length must be dataLen + codec.NSym(). Missing slots are decoded as
// erasures, so up to NSym of them can be recovered.
//
// The segment is recovered entirely or not at all. ErrInsufficientData is
// returned while too many slots are missing.
func RecoverSegment(codec *rs.Codec, slots [][]byte, dataLen int) ([][]byte, error) {
	if dataLen <= 0 || len(slots) != dataLen+codec.NSym() {
		return nil, fmt.Errorf("%w: %d slots for %d data chunks and %d parity chunks",
			ErrInvalidParams, len(slots), dataLen, codec.NSym())
	}

	missing := 0
	chunkSize := 0
	for _, s := range slots {
		if s == nil {
			missing++
			continue
		}
		chunkSize = max(chunkSize, len(s))
	}

	// All plain chunks present: nothing to decode
	plainPresent := true
	for _, s := range slots[:dataLen] {
		if s == nil {
			plainPresent = false
			break
		}
	}
	if plainPresent {
		plain := make([][]byte, dataLen)
		for i, s := range slots[:dataLen] {
			plain[i] = padTo(s, chunkSize)
		}
		return plain, nil
	}

	if missing > codec.NSym() {
		return nil, fmt.Errorf("%w: %d of %d chunks missing, %d parity chunks",
			ErrInsufficientData, missing, len(slots), codec.NSym())
	}

	plain := make([][]byte, dataLen)
	for i := range plain {
		plain[i] = make([]byte, chunkSize)
	}

	column := make([]byte, len(slots))
	erased := make([]bool, len(slots))
	for pos := 0; pos < chunkSize; pos++ {
		for i, s := range slots {
			column[i] = 0
			erased[i] = s == nil
			if s != nil && pos < len(s) {
				column[i] = s[pos]
			}
		}
		decoded, err := codec.CorrectMsg(column, erased)
		if err != nil {
			return nil, fmt.Errorf("byte column %d: %w", pos, err)
		}
		for i, symbol := range decoded {
			plain[i][pos] = symbol
		}
	}
	return plain, nil
}

func padTo(b []byte, size int) []byte {
	out := make([]byte, size)
	copy(out, b)
	return out
}
