package frame

import (
	"bytes"
	"errors"
	"testing"
)

func TestMarshalLayout(t *testing.T) {
	f := Frame{
		Header: Header{
			TotalFrames:      0x0105,
			TotalPlainFrames: 0x0003,
			FrameIndex:       0x0102,
			BlocksCount:      3,
			ExtraBlocksCount: 2,
		},
		Chunk: []byte("HELL"),
	}
	got := f.Marshal()
	want := []byte{0x05, 0x01, 0x03, 0x00, 0x02, 0x01, 3, 2, 'H', 'E', 'L', 'L'}
	if !bytes.Equal(got, want) {
		t.Errorf("Marshal = %v, want %v", got, want)
	}

	parsed, err := Unmarshal(got)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if parsed.Header != f.Header {
		t.Errorf("expected header %+v, got %+v", f.Header, parsed.Header)
	}
	if !bytes.Equal(parsed.Chunk, f.Chunk) {
		t.Errorf("expected chunk %q, got %q", f.Chunk, parsed.Chunk)
	}
}

func TestTextRoundTrip(t *testing.T) {
	f := Frame{
		Header: Header{TotalFrames: 5, TotalPlainFrames: 3, FrameIndex: 4, BlocksCount: 3, ExtraBlocksCount: 2},
		Chunk:  []byte{0, 255, 17, 42},
	}
	parsed, err := ParseText(f.Text())
	if err != nil {
		t.Fatalf("ParseText failed: %v", err)
	}
	if parsed.Header != f.Header || !bytes.Equal(parsed.Chunk, f.Chunk) {
		t.Errorf("expected %+v, got %+v", f, parsed)
	}
}

func TestUnmarshalCopiesChunk(t *testing.T) {
	raw := Frame{
		Header: Header{TotalFrames: 1, TotalPlainFrames: 1, BlocksCount: 1},
		Chunk:  []byte("abc"),
	}.Marshal()
	f, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	raw[HeaderSize] = 'z'
	if string(f.Chunk) != "abc" {
		t.Error("parsed chunk aliases the input buffer")
	}
}

func TestUnmarshalErrors(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want error
	}{
		{"empty", nil, ErrShortFrame},
		{"short", []byte{1, 0, 1, 0, 0}, ErrShortFrame},
		{"zero total", []byte{0, 0, 0, 0, 0, 0, 1, 1}, ErrInvalidHeader},
		{"index out of range", []byte{2, 0, 1, 0, 2, 0, 1, 1}, ErrInvalidHeader},
		{"plain exceeds total", []byte{2, 0, 3, 0, 0, 0, 1, 1}, ErrInvalidHeader},
		{"zero blocks", []byte{2, 0, 1, 0, 0, 0, 0, 1}, ErrInvalidHeader},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Unmarshal(tt.in); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if _, err := ParseText("not base64!"); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestSameTransfer(t *testing.T) {
	a := Header{TotalFrames: 5, TotalPlainFrames: 3, FrameIndex: 0, BlocksCount: 3, ExtraBlocksCount: 2}
	b := a
	b.FrameIndex = 4
	if !a.SameTransfer(b) {
		t.Error("headers differing only by index should match")
	}
	b.TotalFrames = 6
	if a.SameTransfer(b) {
		t.Error("headers with different totals should not match")
	}
}
