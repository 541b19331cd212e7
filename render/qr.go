package render

import (
	"context"
	"fmt"
	"image"
	"io"
	"runtime"

	logging "github.com/ipfs/go-log/v2"
	qrcode "github.com/skip2/go-qrcode"
	"golang.org/x/sync/errgroup"
)

var log = logging.Logger("render")

// Symbol renders frame text as a square QR symbol of size pixels
func Symbol(text string, level qrcode.RecoveryLevel, size int) (image.Image, error) {
	q, err := qrcode.New(text, level)
	if err != nil {
		return nil, fmt.Errorf("failed to build symbol: %w", err)
	}
	return q.Image(size), nil
}

// WritePNG renders frame text as a PNG image
func WritePNG(w io.Writer, text string, level qrcode.RecoveryLevel, size int) error {
	q, err := qrcode.New(text, level)
	if err != nil {
		return fmt.Errorf("failed to build symbol: %w", err)
	}
	return q.Write(size, w)
}

// RenderAll renders every text concurrently. The output keeps the input order.
func RenderAll(ctx context.Context, texts []string, level qrcode.RecoveryLevel, size int) ([]image.Image, error) {
	images := make([]image.Image, len(texts))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, text := range texts {
		i, text := i, text
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			img, err := Symbol(text, level, size)
			if err != nil {
				return fmt.Errorf("frame %d: %w", i, err)
			}
			images[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	log.Debugf("rendered %d symbols at %dpx", len(images), size)
	return images, nil
}
