// Package overlay renders threat annotations onto frames and composes the
// derived images served to consumers (grid view, placeholder, GIF clip).
package overlay

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	ColorRed    = color.RGBA{255, 0, 0, 255}
	ColorYellow = color.RGBA{255, 255, 0, 255}
	ColorGreen  = color.RGBA{0, 255, 0, 255}
	ColorBlue   = color.RGBA{0, 0, 255, 255}
	ColorWhite  = color.RGBA{255, 255, 255, 255}
	ColorBarBg  = color.RGBA{50, 50, 50, 255}
)

var face = basicfont.Face7x13

// toRGBA returns a mutable copy of src with its origin at (0,0).
func toRGBA(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

// drawRect strokes rect with the given thickness, growing inwards.
func drawRect(img *image.RGBA, rect image.Rectangle, col color.Color, thickness int) {
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		return
	}
	u := image.NewUniform(col)
	for i := 0; i < thickness; i++ {
		r := rect.Inset(i)
		if r.Empty() {
			return
		}
		draw.Draw(img, image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+1), u, image.Point{}, draw.Src)
		draw.Draw(img, image.Rect(r.Min.X, r.Max.Y-1, r.Max.X, r.Max.Y), u, image.Point{}, draw.Src)
		draw.Draw(img, image.Rect(r.Min.X, r.Min.Y, r.Min.X+1, r.Max.Y), u, image.Point{}, draw.Src)
		draw.Draw(img, image.Rect(r.Max.X-1, r.Min.Y, r.Max.X, r.Max.Y), u, image.Point{}, draw.Src)
	}
}

func fillRect(img *image.RGBA, rect image.Rectangle, col color.Color) {
	draw.Draw(img, rect.Intersect(img.Bounds()), image.NewUniform(col), image.Point{}, draw.Src)
}

// textWidth returns the advance of s in pixels at scale 1.
func textWidth(s string) int {
	return font.MeasureString(face, s).Ceil()
}

// drawText draws s with its baseline at pt. scale > 1 renders the bitmap
// font once and enlarges it with nearest neighbour so banners stay crisp.
func drawText(img *image.RGBA, s string, pt image.Point, col color.Color, scale int) {
	if scale <= 1 {
		d := &font.Drawer{
			Dst:  img,
			Src:  image.NewUniform(col),
			Face: face,
			Dot:  fixed.P(pt.X, pt.Y),
		}
		d.DrawString(s)
		return
	}

	m := face.Metrics()
	ascent, descent := m.Ascent.Ceil(), m.Descent.Ceil()
	tmp := image.NewRGBA(image.Rect(0, 0, textWidth(s), ascent+descent))
	d := &font.Drawer{
		Dst:  tmp,
		Src:  image.NewUniform(col),
		Face: face,
		Dot:  fixed.P(0, ascent),
	}
	d.DrawString(s)

	top := pt.Y - ascent*scale
	dst := image.Rect(pt.X, top, pt.X+tmp.Bounds().Dx()*scale, top+tmp.Bounds().Dy()*scale)
	draw.NearestNeighbor.Scale(img, dst, tmp, tmp.Bounds(), draw.Over, nil)
}

// labelPoint places a label just above box, or inside it near the top when
// there is no room above.
func labelPoint(box image.Rectangle) image.Point {
	if box.Min.Y-10 < face.Metrics().Ascent.Ceil() {
		return image.Pt(box.Min.X+2, box.Min.Y+face.Metrics().Ascent.Ceil()+2)
	}
	return image.Pt(box.Min.X, box.Min.Y-10)
}
