package envelope

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSealOpen(t *testing.T) {
	c := DefaultCompressor()
	tests := []struct {
		name     string
		filename string
		data     []byte
	}{
		{"short", "a.txt", []byte("HELLO WORLD")},
		{"no filename", "", []byte("contents")},
		{"empty data", "empty.bin", nil},
		{"repetitive", "big.txt", bytes.Repeat([]byte("lorem ipsum "), 1000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := Seal(c, tt.filename, tt.data)
			if err != nil {
				t.Fatalf("Seal failed: %v", err)
			}
			name, data, err := Open(c, sealed)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			if name != tt.filename {
				t.Errorf("expected filename %q, got %q", tt.filename, name)
			}
			if !bytes.Equal(data, tt.data) {
				t.Errorf("expected %d bytes of data, got %d", len(tt.data), len(data))
			}
		})
	}
}

func TestOpenIgnoresTrailingPadding(t *testing.T) {
	c := DefaultCompressor()
	sealed, err := Seal(c, "a.txt", []byte("HELLO WORLD"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	padded := append(sealed, make([]byte, 37)...)
	name, data, err := Open(c, padded)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if name != "a.txt" || string(data) != "HELLO WORLD" {
		t.Errorf("unexpected result %q / %q", name, data)
	}
}

func TestOpenGarbage(t *testing.T) {
	_, _, err := Open(DefaultCompressor(), []byte("definitely not zlib"))
	if !errors.Is(err, ErrDecompressionFailed) {
		t.Errorf("expected ErrDecompressionFailed, got %v", err)
	}
}

func TestUnmarshalMalformed(t *testing.T) {
	if _, _, err := Unmarshal(nil); !errors.Is(err, ErrMalformedEnvelope) {
		t.Errorf("expected ErrMalformedEnvelope, got %v", err)
	}
	if _, _, err := Unmarshal([]byte{5, 'a', 'b'}); !errors.Is(err, ErrMalformedEnvelope) {
		t.Errorf("expected ErrMalformedEnvelope, got %v", err)
	}
}

func TestMarshalLayout(t *testing.T) {
	raw, err := Marshal("a.txt", []byte("xy"))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	want := []byte{5, 'a', '.', 't', 'x', 't', 'x', 'y'}
	if !bytes.Equal(raw, want) {
		t.Errorf("Marshal = %v, want %v", raw, want)
	}
	if _, err := Marshal(strings.Repeat("n", 256), nil); !errors.Is(err, ErrFilenameTooLong) {
		t.Errorf("expected ErrFilenameTooLong, got %v", err)
	}
}

func TestTruncateFilename(t *testing.T) {
	if got := TruncateFilename("short.txt"); got != "short.txt" {
		t.Errorf("short name changed to %q", got)
	}
	long := strings.Repeat("a", 300)
	if got := TruncateFilename(long); len(got) != MaxFilenameLength {
		t.Errorf("expected %d bytes, got %d", MaxFilenameLength, len(got))
	}
	// 254 ASCII bytes followed by a two-byte rune straddling the limit
	mixed := strings.Repeat("a", 254) + "é" + "tail"
	got := TruncateFilename(mixed)
	if !utf8.ValidString(got) || len(got) != 254 {
		t.Errorf("expected 254 valid bytes, got %d (valid=%v)", len(got), utf8.ValidString(got))
	}
}
