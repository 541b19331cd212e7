package qrstream

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ppopth/qrstream/ec"
	"github.com/ppopth/qrstream/envelope"
	"github.com/ppopth/qrstream/frame"
)

// noise returns deterministic incompressible bytes
func noise(n int) []byte {
	data := make([]byte, n)
	var x uint32 = 1
	for i := range data {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		data[i] = byte(x)
	}
	return data
}

func TestParamsValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Params)
	}{
		{"zero chunk size", func(p *Params) { p.ChunkSize = 0 }},
		{"zero blocks", func(p *Params) { p.BlocksCount = 0 }},
		{"negative extra blocks", func(p *Params) { p.ExtraBlocksCount = -1 }},
		{"codeword too long", func(p *Params) { p.BlocksCount = 200; p.ExtraBlocksCount = 56 }},
		{"negative delay", func(p *Params) { p.FrameDelay = -1 }},
		{"zero image size", func(p *Params) { p.ImageSize = 0 }},
	}
	if err := DefaultParams().Validate(); err != nil {
		t.Fatalf("default params rejected: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParams()
			tt.modify(&p)
			if err := p.Validate(); err == nil {
				t.Error("expected validation to fail")
			}
		})
	}
}

func TestExtraBlocksFromPercent(t *testing.T) {
	tests := []struct {
		blocks, percent, want int
	}{
		{40, 25, 10},
		{40, 0, 0},
		{3, 50, 1},
		{7, 33, 2},
	}
	for _, tt := range tests {
		if got := ExtraBlocksFromPercent(tt.blocks, tt.percent); got != tt.want {
			t.Errorf("ExtraBlocksFromPercent(%d, %d) = %d, want %d", tt.blocks, tt.percent, got, tt.want)
		}
	}
}

func TestEncodeFrames(t *testing.T) {
	data := noise(200)
	params := DefaultParams()
	params.ChunkSize = 8
	params.BlocksCount = 4
	params.ExtraBlocksCount = 2

	transfer, err := Encode(context.Background(), "noise.bin", data, params)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	layout := transfer.Layout
	if layout.Bypass() {
		t.Fatal("expected a Reed-Solomon layout")
	}
	if len(transfer.Frames) != layout.TotalFrames() {
		t.Fatalf("expected %d frames, got %d", layout.TotalFrames(), len(transfer.Frames))
	}

	var plain []byte
	for i, f := range transfer.Frames {
		if int(f.FrameIndex) != i {
			t.Fatalf("frame %d carries index %d", i, f.FrameIndex)
		}
		if int(f.TotalFrames) != layout.TotalFrames() || int(f.TotalPlainFrames) != layout.TotalPlain {
			t.Fatalf("frame %d has header %+v", i, f.Header)
		}
		if f.BlocksCount != 4 || f.ExtraBlocksCount != 2 {
			t.Fatalf("frame %d has header %+v", i, f.Header)
		}
		if len(f.Chunk) != params.ChunkSize {
			t.Fatalf("frame %d chunk is %d bytes, want %d", i, len(f.Chunk), params.ChunkSize)
		}
		seg := layout.Segment(layout.SegmentOf(i))
		if i < seg.FrameStart+seg.DataLen() {
			plain = append(plain, f.Chunk...)
		}
	}

	// The plain frames concatenate to the zero padded envelope
	name, got, err := envelope.Open(envelope.DefaultCompressor(), plain)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if name != "noise.bin" || !bytes.Equal(got, data) {
		t.Errorf("unexpected envelope %q with %d bytes", name, len(got))
	}

	for _, text := range transfer.Texts() {
		if _, err := frame.ParseText(text); err != nil {
			t.Fatalf("ParseText failed: %v", err)
		}
	}
}

func TestEncodeIncludeFrames(t *testing.T) {
	params := DefaultParams()
	params.ChunkSize = 4
	params.BlocksCount = 3
	params.ExtraBlocksCount = 2
	params.IncludeFrames = []int{1, 3, 4, 1000}

	transfer, err := Encode(context.Background(), "a.txt", []byte("HELLO WORLD"), params)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(transfer.Frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(transfer.Frames))
	}
	for i, want := range []uint16{1, 3, 4} {
		f := transfer.Frames[i]
		if f.FrameIndex != want {
			t.Errorf("expected frame %d, got %d", want, f.FrameIndex)
		}
		if int(f.TotalFrames) != transfer.TotalFrames() {
			t.Errorf("frame %d header does not describe the whole transfer", f.FrameIndex)
		}
	}

	params.IncludeFrames = []int{1000}
	if _, err := Encode(context.Background(), "a.txt", []byte("HELLO WORLD"), params); !errors.Is(err, ErrNoFrames) {
		t.Errorf("expected ErrNoFrames, got %v", err)
	}
}

func TestEncodeBypass(t *testing.T) {
	transfer, err := Encode(context.Background(), "a.txt", []byte("small"), DefaultParams())
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !transfer.Layout.Bypass() || len(transfer.Frames) != 1 {
		t.Fatalf("expected a single bypassed frame, got %d frames", len(transfer.Frames))
	}
	f := transfer.Frames[0]
	if f.TotalFrames != 1 || f.TotalPlainFrames != 1 || f.FrameIndex != 0 {
		t.Errorf("unexpected header %+v", f.Header)
	}
	// Bypassed chunks are not padded
	if len(f.Chunk) >= DefaultParams().ChunkSize {
		t.Errorf("expected a short chunk, got %d bytes", len(f.Chunk))
	}
}

func TestEncodeTruncatesFilename(t *testing.T) {
	transfer, err := Encode(context.Background(), strings.Repeat("n", 300), []byte("x"), DefaultParams())
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(transfer.Filename) != envelope.MaxFilenameLength {
		t.Errorf("expected a %d byte filename, got %d", envelope.MaxFilenameLength, len(transfer.Filename))
	}
}

func TestEncodeTooManyFrames(t *testing.T) {
	params := DefaultParams()
	params.ChunkSize = 1
	params.BlocksCount = 1
	params.ExtraBlocksCount = 0
	_, err := Encode(context.Background(), "big.bin", noise(70000), params)
	if !errors.Is(err, ErrTooManyFrames) {
		t.Errorf("expected ErrTooManyFrames, got %v", err)
	}
}

func TestEncodeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	params := DefaultParams()
	params.ChunkSize = 4
	params.BlocksCount = 2
	params.ExtraBlocksCount = 1
	_, err := Encode(ctx, "a.txt", bytes.Repeat([]byte{1, 2, 3}, 100), params)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestEncodeInvalidParams(t *testing.T) {
	params := DefaultParams()
	params.BlocksCount = 255
	params.ExtraBlocksCount = 1
	if _, err := Encode(context.Background(), "a", []byte("x"), params); !errors.Is(err, ec.ErrInvalidParams) {
		t.Errorf("expected ErrInvalidParams, got %v", err)
	}
}
