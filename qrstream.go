package qrstream

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ppopth/qrstream/ec"
	"github.com/ppopth/qrstream/envelope"
	"github.com/ppopth/qrstream/frame"

	logging "github.com/ipfs/go-log/v2"
	qrcode "github.com/skip2/go-qrcode"
)

var log = logging.Logger("qrstream")

var (
	// ErrNoFrames is returned when the frame selection leaves nothing to render
	ErrNoFrames = errors.New("qrstream: no frames selected")
	// ErrTooManyFrames is returned when a transfer does not fit the 16-bit frame index
	ErrTooManyFrames = errors.New("qrstream: too many frames")
)

// Params configures the encode pipeline
type Params struct {
	// Bytes of compressed payload carried per frame
	ChunkSize int
	// Plain chunks per segment
	BlocksCount int
	// Parity chunks per segment
	ExtraBlocksCount int

	// Error correction level of each rendered symbol
	Level qrcode.RecoveryLevel
	// Display time of each frame in the animation
	FrameDelay time.Duration
	// Side length of each rendered symbol in pixels
	ImageSize int

	// If not empty, only these frame indices are kept. Headers still describe
	// the whole transfer.
	IncludeFrames []int
}

// DefaultParams returns the default encode parameters
func DefaultParams() Params {
	return Params{
		ChunkSize:        100,
		BlocksCount:      40,
		ExtraBlocksCount: 10,
		Level:            qrcode.Medium,
		FrameDelay:       200 * time.Millisecond,
		ImageSize:        500,
	}
}

// ExtraBlocksFromPercent converts an error correction percentage into a
// parity chunk count, truncating toward zero
func ExtraBlocksFromPercent(blocksCount, percent int) int {
	return blocksCount * percent / 100
}

// Validate checks the parameters
func (p Params) Validate() error {
	if p.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", p.ChunkSize)
	}
	layout := ec.Layout{BlocksCount: p.BlocksCount, ExtraBlocksCount: p.ExtraBlocksCount}
	if err := layout.Validate(); err != nil {
		return err
	}
	if p.FrameDelay < 0 {
		return fmt.Errorf("frame delay must not be negative, got %v", p.FrameDelay)
	}
	if p.ImageSize <= 0 {
		return fmt.Errorf("image size must be positive, got %d", p.ImageSize)
	}
	return nil
}

// Transfer is the encoded form of one file
type Transfer struct {
	Filename  string
	ChunkSize int
	Layout    ec.Layout
	// Frames in display order
	Frames []frame.Frame
}

// TotalFrames returns the frame count of the whole transfer, including frames
// dropped by IncludeFrames
func (t *Transfer) TotalFrames() int {
	return t.Layout.TotalFrames()
}

// Texts returns the base64 text of every frame
func (t *Transfer) Texts() []string {
	texts := make([]string, len(t.Frames))
	for i, f := range t.Frames {
		texts[i] = f.Text()
	}
	return texts
}

// Encode compresses a file and turns it into frames. Filenames longer than
// envelope.MaxFilenameLength bytes are truncated.
func Encode(ctx context.Context, filename string, data []byte, params Params) (*Transfer, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	filename = envelope.TruncateFilename(filename)

	sealed, err := envelope.Seal(envelope.DefaultCompressor(), filename, data)
	if err != nil {
		return nil, fmt.Errorf("failed to build envelope: %w", err)
	}
	chunks, err := ec.Split(sealed, params.ChunkSize)
	if err != nil {
		return nil, err
	}

	layout := ec.Layout{
		BlocksCount:      params.BlocksCount,
		ExtraBlocksCount: params.ExtraBlocksCount,
		TotalPlain:       len(chunks),
	}
	if layout.TotalFrames() > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d frames, at most %d", ErrTooManyFrames, layout.TotalFrames(), math.MaxUint16)
	}

	encoded, err := ec.Interleave(ctx, chunks, params.ChunkSize, params.BlocksCount, params.ExtraBlocksCount)
	if err != nil {
		return nil, err
	}

	include := make(map[int]struct{}, len(params.IncludeFrames))
	for _, i := range params.IncludeFrames {
		include[i] = struct{}{}
	}

	frames := make([]frame.Frame, 0, len(encoded))
	for i, chunk := range encoded {
		if len(include) > 0 {
			if _, ok := include[i]; !ok {
				continue
			}
		}
		frames = append(frames, frame.Frame{
			Header: frame.Header{
				TotalFrames:      uint16(len(encoded)),
				TotalPlainFrames: uint16(len(chunks)),
				FrameIndex:       uint16(i),
				BlocksCount:      uint8(params.BlocksCount),
				ExtraBlocksCount: uint8(params.ExtraBlocksCount),
			},
			Chunk: chunk,
		})
	}
	if len(frames) == 0 {
		return nil, ErrNoFrames
	}

	log.Infof("encoded %q (%d bytes, %d compressed) into %d frames, %d kept",
		filename, len(data), len(sealed), len(encoded), len(frames))

	return &Transfer{
		Filename:  filename,
		ChunkSize: params.ChunkSize,
		Layout:    layout,
		Frames:    frames,
	}, nil
}
