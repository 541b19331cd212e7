package main

import (
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/ppopth/qrstream/frame"
	"github.com/ppopth/qrstream/session"

	qrcode "github.com/skip2/go-qrcode"
)

func TestParseIndices(t *testing.T) {
	tests := []struct {
		in      string
		want    []int
		wantErr bool
	}{
		{"0", []int{0}, false},
		{"0,3,5-7", []int{0, 3, 5, 6, 7}, false},
		{" 2 , 4-4 ", []int{2, 4}, false},
		{"", nil, true},
		{"a", nil, true},
		{"5-3", nil, true},
		{"-1", nil, true},
		{"0-2000000000", nil, true},
		{"65536", nil, true},
		{"65535", []int{65535}, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseIndices(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseIndices(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && !slices.Equal(got, tt.want) {
				t.Errorf("parseIndices(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestFormatIndices(t *testing.T) {
	tests := []struct {
		in   []int
		want string
	}{
		{nil, ""},
		{[]int{4}, "4"},
		{[]int{0, 1, 2, 3, 7, 9, 10}, "0-3,7,9-10"},
	}
	for _, tt := range tests {
		if got := formatIndices(tt.in); got != tt.want {
			t.Errorf("formatIndices(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	if level, err := parseLevel("q"); err != nil || level != qrcode.High {
		t.Errorf("parseLevel(q) = %v, %v", level, err)
	}
	if _, err := parseLevel("X"); err == nil {
		t.Error("expected an error for an unknown level")
	}
}

func TestIsPlainFrame(t *testing.T) {
	// 7 plain chunks, blocks 3, extra 2: segments of 5, 5 and 3 frames
	h := frame.Header{TotalFrames: 13, TotalPlainFrames: 7, BlocksCount: 3, ExtraBlocksCount: 2}
	plain := map[uint16]bool{0: true, 1: true, 2: true, 5: true, 6: true, 7: true, 10: true}
	for i := uint16(0); i < h.TotalFrames; i++ {
		h.FrameIndex = i
		if got := isPlainFrame(h); got != plain[i] {
			t.Errorf("frame %d: isPlainFrame = %v, want %v", i, got, plain[i])
		}
	}

	bypass := frame.Header{TotalFrames: 2, TotalPlainFrames: 2, FrameIndex: 1, BlocksCount: 40, ExtraBlocksCount: 10}
	if !isPlainFrame(bypass) {
		t.Error("frames of a bypassed transfer are plain")
	}
}

func TestWriteResult(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		filename string
		want     string
	}{
		{"a.txt", "a.txt"},
		{"../../etc/passwd", "passwd"},
		{"", "qrstream.out"},
	}
	for _, tt := range tests {
		path, err := writeResult(dir, session.Result{Filename: tt.filename, Data: []byte("x")})
		if err != nil {
			t.Fatalf("writeResult(%q) failed: %v", tt.filename, err)
		}
		if path != filepath.Join(dir, tt.want) {
			t.Errorf("writeResult(%q) wrote %s, want %s", tt.filename, path, tt.want)
		}
		if b, err := os.ReadFile(path); err != nil || string(b) != "x" {
			t.Errorf("unexpected file contents %q, %v", b, err)
		}
	}
}
