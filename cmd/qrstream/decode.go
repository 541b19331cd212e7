package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ppopth/qrstream/ec"
	"github.com/ppopth/qrstream/frame"
	"github.com/ppopth/qrstream/render"
	"github.com/ppopth/qrstream/session"
)

// loadImages reads captures: every frame of a GIF, or a single still image
func loadImages(paths []string) ([]image.Image, error) {
	var images []image.Image
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		if strings.EqualFold(filepath.Ext(path), ".gif") {
			frames, err := render.ReadGIF(f)
			f.Close()
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			images = append(images, frames...)
			continue
		}
		img, _, err := image.Decode(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		images = append(images, img)
	}
	return images, nil
}

func runDecode(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("decode", flag.ExitOnError)
	outDir := fs.String("o", ".", "directory to write the recovered file into")
	legacy := fs.Bool("legacy-threshold", false, "wait until at most half of a segment's parity chunks are missing")
	logLevel := fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.Parse(args)
	setupLogging(*logLevel)

	if fs.NArg() == 0 {
		return errors.New("decode needs at least one GIF or image file")
	}
	images, err := loadImages(fs.Args())
	if err != nil {
		return err
	}

	var opts []session.Option
	if *legacy {
		opts = append(opts, session.WithLegacyErasureLimit())
	}
	sess, err := newSession(opts...)
	if err != nil {
		return err
	}

	scanner, err := render.NewScanner(render.DefaultSeenCacheSize)
	if err != nil {
		return err
	}
	start := time.Now()
	n, err := scanner.Feed(ctx, images, sess)
	if err != nil {
		return err
	}

	progress := sess.Progress()
	fmt.Printf("scanned %d images, %d new frames, %d/%d frames received in %s\n",
		len(images), n, progress.ReceivedFrames, progress.TotalFrames, elapsed(start))

	result, err := sess.Result()
	if err != nil {
		if missing := sess.MissingFrames(); len(missing) > 0 {
			warnf("Missing frames: %s\n", formatIndices(missing))
		}
		return err
	}
	path, err := writeResult(*outDir, result)
	if err != nil {
		return err
	}
	okf("Wrote %s\n", path)
	return nil
}

func runInspect(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	logLevel := fs.String("log-level", "warn", "log level (debug, info, warn, error)")
	fs.Parse(args)
	setupLogging(*logLevel)

	if fs.NArg() == 0 {
		return errors.New("inspect needs at least one GIF or image file")
	}
	images, err := loadImages(fs.Args())
	if err != nil {
		return err
	}

	scanner, err := render.NewScanner(render.DefaultSeenCacheSize)
	if err != nil {
		return err
	}
	seen := make(map[uint16]bool)
	var header *frame.Header
	for i, img := range images {
		if err := ctx.Err(); err != nil {
			return err
		}
		text, err := scanner.Scan(img)
		if err != nil {
			warnf("image %d: no symbol\n", i)
			continue
		}
		f, err := frame.ParseText(text)
		if err != nil {
			warnf("image %d: %v\n", i, err)
			continue
		}
		kind := "parity"
		if isPlainFrame(f.Header) {
			kind = "plain"
		}
		fmt.Printf("image %d: frame %d/%d (%s, %d bytes)\n", i, f.FrameIndex, f.TotalFrames, kind, len(f.Chunk))
		if header == nil {
			h := f.Header
			header = &h
		} else if !header.SameTransfer(f.Header) {
			warnf("image %d: belongs to another transfer\n", i)
			continue
		}
		seen[f.FrameIndex] = true
	}

	if header == nil {
		return errors.New("no frames found")
	}
	var missing []int
	for i := 0; i < int(header.TotalFrames); i++ {
		if !seen[uint16(i)] {
			missing = append(missing, i)
		}
	}
	fmt.Printf("transfer: %d frames, %d plain, blocks %d, extra blocks %d\n",
		header.TotalFrames, header.TotalPlainFrames, header.BlocksCount, header.ExtraBlocksCount)
	if len(missing) == 0 {
		okf("All %d frames present\n", header.TotalFrames)
	} else {
		warnf("Missing frames: %s\n", formatIndices(missing))
	}
	return nil
}

// isPlainFrame reports whether a frame carries plain chunk data
func isPlainFrame(h frame.Header) bool {
	layout := ec.Layout{
		BlocksCount:      int(h.BlocksCount),
		ExtraBlocksCount: int(h.ExtraBlocksCount),
		TotalPlain:       int(h.TotalPlainFrames),
	}
	if layout.Bypass() {
		return true
	}
	index := int(h.FrameIndex)
	seg := layout.Segment(layout.SegmentOf(index))
	return index < seg.FrameStart+seg.DataLen()
}

// formatIndices renders sorted indices with runs collapsed, e.g. 0-3,7,9-10
func formatIndices(indices []int) string {
	var b strings.Builder
	for i := 0; i < len(indices); {
		j := i
		for j+1 < len(indices) && indices[j+1] == indices[j]+1 {
			j++
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		if j == i {
			fmt.Fprintf(&b, "%d", indices[i])
		} else {
			fmt.Fprintf(&b, "%d-%d", indices[i], indices[j])
		}
		i = j + 1
	}
	return b.String()
}
