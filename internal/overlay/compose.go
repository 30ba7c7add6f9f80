package overlay

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/color/palette"
	"image/gif"
	"image/jpeg"

	"golang.org/x/image/draw"
)

const (
	// MinClipFrames is the fewest buffered frames a clip is built from.
	MinClipFrames = 5

	clipWidth  = 320
	clipHeight = 240
	clipDelay  = 10 // 1/100 s per frame

	DefaultJPEGQuality = 80
)

// ErrNotEnoughFrames is returned by Clip when fewer than MinClipFrames are given.
var ErrNotEnoughFrames = errors.New("not enough frames buffered")

// Grid returns a 2x2 mosaic of src scaled to half size. The result has the
// same dimensions as src (rounded down to even).
func Grid(src image.Image) *image.RGBA {
	b := src.Bounds()
	hw, hh := b.Dx()/2, b.Dy()/2
	dst := image.NewRGBA(image.Rect(0, 0, hw*2, hh*2))
	if hw == 0 || hh == 0 {
		return dst
	}

	small := image.NewRGBA(image.Rect(0, 0, hw, hh))
	draw.ApproxBiLinear.Scale(small, small.Bounds(), src, b, draw.Src, nil)

	for _, off := range []image.Point{{0, 0}, {hw, 0}, {0, hh}, {hw, hh}} {
		draw.Draw(dst, small.Bounds().Add(off), small, image.Point{}, draw.Src)
	}
	return dst
}

// Placeholder is the frame published while the camera is disabled.
func Placeholder(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	fillRect(img, img.Bounds(), color.Black)

	box := image.Rect(width*100/640, height*180/480, width*540/640, height*300/480)
	drawRect(img, box, color.RGBA{60, 60, 60, 255}, 2)

	title, sub := "CAMERA DISABLED", "Privacy Mode Active"
	cx := box.Min.X + box.Dx()/2
	drawText(img, title, image.Pt(cx-textWidth(title), box.Min.Y+box.Dy()/2-4), color.RGBA{100, 100, 100, 255}, 2)
	drawText(img, sub, image.Pt(cx-textWidth(sub)/2, box.Min.Y+box.Dy()/2+28), color.RGBA{80, 80, 80, 255}, 1)
	return img
}

// EncodeJPEG encodes img at the given quality (DefaultJPEGQuality if <= 0).
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 {
		quality = DefaultJPEGQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Clip encodes an animated GIF from every other frame, scaled to 320x240.
func Clip(frames []image.Image) ([]byte, error) {
	if len(frames) < MinClipFrames {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughFrames, len(frames), MinClipFrames)
	}

	anim := &gif.GIF{}
	bounds := image.Rect(0, 0, clipWidth, clipHeight)
	for i := 0; i < len(frames); i += 2 {
		src := frames[i]
		scaled := image.NewRGBA(bounds)
		draw.ApproxBiLinear.Scale(scaled, bounds, src, src.Bounds(), draw.Src, nil)

		p := image.NewPaletted(bounds, palette.WebSafe)
		draw.FloydSteinberg.Draw(p, bounds, scaled, image.Point{})

		anim.Image = append(anim.Image, p)
		anim.Delay = append(anim.Delay, clipDelay)
	}

	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, anim); err != nil {
		return nil, fmt.Errorf("encode gif: %w", err)
	}
	return buf.Bytes(), nil
}
