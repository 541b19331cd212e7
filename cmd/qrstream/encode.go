package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ppopth/qrstream"
	"github.com/ppopth/qrstream/render"
)

func runEncode(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("encode", flag.ExitOnError)
	ef := addEncodeFlags(fs)
	defaults := qrstream.DefaultParams()
	output := fs.String("o", "", "output GIF path (default: <file>.gif)")
	delay := fs.Duration("delay", defaults.FrameDelay, "display time of each frame")
	size := fs.Int("size", defaults.ImageSize, "symbol size in pixels")
	pngDir := fs.String("png", "", "also write every frame as a PNG into this directory")
	logLevel := fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.Parse(args)
	setupLogging(*logLevel)

	if fs.NArg() != 1 {
		return errors.New("encode takes exactly one input file")
	}
	input := fs.Arg(0)

	params, err := ef.params()
	if err != nil {
		return err
	}
	params.FrameDelay = *delay
	params.ImageSize = *size
	if err := params.Validate(); err != nil {
		return err
	}

	data, err := os.ReadFile(input)
	if err != nil {
		return err
	}

	start := time.Now()
	transfer, err := qrstream.Encode(ctx, filepath.Base(input), data, params)
	if err != nil {
		return err
	}
	texts := transfer.Texts()
	images, err := render.RenderAll(ctx, texts, params.Level, params.ImageSize)
	if err != nil {
		return err
	}

	if *output == "" {
		*output = input + ".gif"
	}
	out, err := os.Create(*output)
	if err != nil {
		return err
	}
	if err := render.WriteGIF(out, images, params.FrameDelay); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	if *pngDir != "" {
		if err := os.MkdirAll(*pngDir, 0o755); err != nil {
			return err
		}
		for i, text := range texts {
			path := filepath.Join(*pngDir, fmt.Sprintf("frame-%05d.png", transfer.Frames[i].FrameIndex))
			if err := writePNG(path, text, params); err != nil {
				return err
			}
		}
	}

	layout := transfer.Layout
	okf("Wrote %s in %s\n", *output, elapsed(start))
	fmt.Printf("  file:     %s (%d bytes)\n", transfer.Filename, len(data))
	fmt.Printf("  frames:   %d of %d, %d plain\n", len(transfer.Frames), layout.TotalFrames(), layout.TotalPlain)
	if layout.Bypass() {
		fmt.Printf("  coding:   none, fewer chunks than -blocks\n")
	} else {
		fmt.Printf("  coding:   %d segments of %d+%d chunks\n", layout.NumSegments(), layout.BlocksCount, layout.ExtraBlocksCount)
	}
	return nil
}

func writePNG(path, text string, params qrstream.Params) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := render.WritePNG(f, text, params.Level, params.ImageSize); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
