// Package envelope builds and opens the payload carried by a transfer: a
// one-byte filename length, the filename, and the file contents, compressed
// together as a single stream.
package envelope

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/klauspost/compress/zlib"
)

// MaxFilenameLength is the longest filename the one-byte length prefix can describe
const MaxFilenameLength = 255

// MaxPayloadSize bounds the decompressed envelope
const MaxPayloadSize = 256 << 20

var (
	ErrDecompressionFailed = errors.New("envelope: decompression failed")
	ErrMalformedEnvelope   = errors.New("envelope: malformed envelope")
	ErrFilenameTooLong     = errors.New("envelope: filename too long")
)

// Compressor is a reversible, deterministic byte transform. Decompress must
// ignore bytes following the end of the compressed stream, since the last
// chunk of a transfer may arrive zero padded.
type Compressor interface {
	Compress([]byte) ([]byte, error)
	Decompress([]byte) ([]byte, error)
}

// Zlib compresses with a zlib stream
type Zlib struct {
	Level int
}

// DefaultCompressor returns the compressor used when none is configured
func DefaultCompressor() Compressor {
	return Zlib{Level: zlib.BestCompression}
}

func (z Zlib) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, z.Level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (z Zlib) Decompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompressionFailed, err)
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, MaxPayloadSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompressionFailed, err)
	}
	if len(out) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload exceeds %d bytes", ErrDecompressionFailed, MaxPayloadSize)
	}
	return out, nil
}

// TruncateFilename shortens name to at most MaxFilenameLength bytes without
// splitting a UTF-8 sequence
func TruncateFilename(name string) string {
	if len(name) <= MaxFilenameLength {
		return name
	}
	name = name[:MaxFilenameLength]
	for len(name) > 0 && !utf8.ValidString(name) {
		name = name[:len(name)-1]
	}
	return name
}

// Marshal returns the uncompressed envelope bytes
func Marshal(filename string, data []byte) ([]byte, error) {
	if len(filename) > MaxFilenameLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrFilenameTooLong, len(filename))
	}
	buf := make([]byte, 0, 1+len(filename)+len(data))
	buf = append(buf, byte(len(filename)))
	buf = append(buf, filename...)
	buf = append(buf, data...)
	return buf, nil
}

// Unmarshal splits uncompressed envelope bytes into filename and contents
func Unmarshal(b []byte) (string, []byte, error) {
	if len(b) == 0 {
		return "", nil, fmt.Errorf("%w: empty", ErrMalformedEnvelope)
	}
	n := int(b[0])
	if len(b) < 1+n {
		return "", nil, fmt.Errorf("%w: filename length %d exceeds %d remaining bytes", ErrMalformedEnvelope, n, len(b)-1)
	}
	return string(b[1 : 1+n]), b[1+n:], nil
}

// Seal builds the envelope and compresses it
func Seal(c Compressor, filename string, data []byte) ([]byte, error) {
	raw, err := Marshal(filename, data)
	if err != nil {
		return nil, err
	}
	return c.Compress(raw)
}

// Open decompresses an envelope and splits it into filename and contents
func Open(c Compressor, compressed []byte) (string, []byte, error) {
	raw, err := c.Decompress(compressed)
	if err != nil {
		if !errors.Is(err, ErrDecompressionFailed) {
			err = fmt.Errorf("%w: %v", ErrDecompressionFailed, err)
		}
		return "", nil, err
	}
	return Unmarshal(raw)
}
