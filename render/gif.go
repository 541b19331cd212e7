package render

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"io"
	"time"
)

// ErrNoImages is returned when an animation would have no frames
var ErrNoImages = errors.New("render: no images")

var symbolPalette = color.Palette{color.White, color.Black}

// DelayUnits converts a frame delay into GIF delay units of 10ms, at least one
func DelayUnits(delay time.Duration) int {
	return max(int(delay/(10*time.Millisecond)), 1)
}

// WriteGIF writes the images as an animation that loops forever
func WriteGIF(w io.Writer, images []image.Image, delay time.Duration) error {
	if len(images) == 0 {
		return ErrNoImages
	}

	anim := &gif.GIF{
		Image:     make([]*image.Paletted, len(images)),
		Delay:     make([]int, len(images)),
		LoopCount: 0,
	}
	units := DelayUnits(delay)
	for i, img := range images {
		anim.Image[i] = toPaletted(img)
		anim.Delay[i] = units
	}

	if err := gif.EncodeAll(w, anim); err != nil {
		return fmt.Errorf("failed to encode animation: %w", err)
	}
	log.Debugf("wrote animation of %d frames, %dms each", len(images), units*10)
	return nil
}

func toPaletted(img image.Image) *image.Paletted {
	if p, ok := img.(*image.Paletted); ok {
		return p
	}
	bounds := img.Bounds()
	p := image.NewPaletted(bounds, symbolPalette)
	draw.Draw(p, bounds, img, bounds.Min, draw.Src)
	return p
}

// ReadGIF decodes an animation into full frames, compositing each frame over
// the previous ones
func ReadGIF(r io.Reader) ([]image.Image, error) {
	anim, err := gif.DecodeAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode animation: %w", err)
	}
	if len(anim.Image) == 0 {
		return nil, ErrNoImages
	}

	bounds := image.Rect(0, 0, anim.Config.Width, anim.Config.Height)
	if bounds.Empty() {
		bounds = anim.Image[0].Bounds()
	}
	canvas := image.NewRGBA(bounds)
	draw.Draw(canvas, bounds, image.NewUniform(color.White), image.Point{}, draw.Src)

	frames := make([]image.Image, len(anim.Image))
	for i, img := range anim.Image {
		draw.Draw(canvas, img.Bounds(), img, img.Bounds().Min, draw.Over)
		snapshot := image.NewRGBA(bounds)
		copy(snapshot.Pix, canvas.Pix)
		frames[i] = snapshot
	}
	return frames, nil
}
