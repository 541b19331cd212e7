package frame

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the length of the binary frame header in bytes
const HeaderSize = 8

var (
	ErrShortFrame     = errors.New("frame: shorter than header")
	ErrInvalidHeader  = errors.New("frame: invalid header")
	ErrInvalidPayload = errors.New("frame: invalid base64 payload")
)

// Header carries the transfer parameters. Every frame has the full header so
// that a receiver can configure itself from whichever frame it sees first.
//
// Wire layout, little-endian:
//
//	offset 0: uint16 TotalFrames
//	offset 2: uint16 TotalPlainFrames
//	offset 4: uint16 FrameIndex
//	offset 6: uint8  BlocksCount
//	offset 7: uint8  ExtraBlocksCount
type Header struct {
	TotalFrames      uint16
	TotalPlainFrames uint16
	FrameIndex       uint16
	BlocksCount      uint8
	ExtraBlocksCount uint8
}

// Validate checks the header for internal consistency
func (h Header) Validate() error {
	if h.TotalFrames == 0 {
		return fmt.Errorf("%w: zero total frames", ErrInvalidHeader)
	}
	if h.FrameIndex >= h.TotalFrames {
		return fmt.Errorf("%w: frame index %d out of range [0, %d)", ErrInvalidHeader, h.FrameIndex, h.TotalFrames)
	}
	if h.TotalPlainFrames > h.TotalFrames {
		return fmt.Errorf("%w: %d plain frames exceed %d total frames", ErrInvalidHeader, h.TotalPlainFrames, h.TotalFrames)
	}
	if h.BlocksCount == 0 {
		return fmt.Errorf("%w: zero blocks count", ErrInvalidHeader)
	}
	return nil
}

// SameTransfer reports whether two headers describe the same transfer
func (h Header) SameTransfer(o Header) bool {
	return h.TotalFrames == o.TotalFrames &&
		h.TotalPlainFrames == o.TotalPlainFrames &&
		h.BlocksCount == o.BlocksCount &&
		h.ExtraBlocksCount == o.ExtraBlocksCount
}

// Frame is one chunk with its header, the unit rendered as a single symbol
type Frame struct {
	Header
	Chunk []byte
}

// Marshal serializes the header followed by the chunk
func (f Frame) Marshal() []byte {
	buf := make([]byte, HeaderSize+len(f.Chunk))
	binary.LittleEndian.PutUint16(buf[0:], f.TotalFrames)
	binary.LittleEndian.PutUint16(buf[2:], f.TotalPlainFrames)
	binary.LittleEndian.PutUint16(buf[4:], f.FrameIndex)
	buf[6] = f.BlocksCount
	buf[7] = f.ExtraBlocksCount
	copy(buf[HeaderSize:], f.Chunk)
	return buf
}

// Text returns the base64 form embedded in a rendered symbol
func (f Frame) Text() string {
	return base64.StdEncoding.EncodeToString(f.Marshal())
}

// Unmarshal parses a frame. The returned chunk is a copy of the input bytes.
func Unmarshal(b []byte) (Frame, error) {
	if len(b) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(b))
	}
	f := Frame{
		Header: Header{
			TotalFrames:      binary.LittleEndian.Uint16(b[0:]),
			TotalPlainFrames: binary.LittleEndian.Uint16(b[2:]),
			FrameIndex:       binary.LittleEndian.Uint16(b[4:]),
			BlocksCount:      b[6],
			ExtraBlocksCount: b[7],
		},
		Chunk: make([]byte, len(b)-HeaderSize),
	}
	copy(f.Chunk, b[HeaderSize:])
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// ParseText decodes the base64 text delivered by a scanner and parses the frame
func ParseText(s string) (Frame, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return Unmarshal(b)
}
