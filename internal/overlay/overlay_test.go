package overlay

import (
	"bytes"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/citywatch/sentinel-server/internal/threat"
	"github.com/dj-oyu/citywatch/sentinel-server/pkg/types"
)

func gray(w, h int, v uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

func rgbaAt(img *image.RGBA, x, y int) color.RGBA {
	return img.RGBAAt(x, y)
}

func TestAnnotate_DoesNotModifySource(t *testing.T) {
	src := gray(640, 480, 128)
	before := append([]byte(nil), src.Pix...)

	res := threat.Result{
		Assessment: threat.Assessment{WeaponDetected: true, ThreatLevel: 60},
		Weapons:    []types.Detection{{ClassID: types.ClassKnife, BBox: types.BBox{X1: 100, Y1: 100, X2: 200, Y2: 200}}},
	}
	out := Annotate(src, res)

	assert.Equal(t, before, src.Pix)
	assert.Equal(t, src.Bounds(), out.Bounds())
	assert.Equal(t, ColorRed, rgbaAt(out, 150, 100), "weapon box top edge")
	assert.Equal(t, color.RGBA{128, 128, 128, 128}, rgbaAt(out, 150, 150), "box interior untouched")
}

func TestAnnotate_PersonBoxColours(t *testing.T) {
	src := gray(640, 480, 0)
	persons := []threat.PersonBox{
		{BBox: types.BBox{X1: 10, Y1: 300, X2: 200, Y2: 360}, Confidence: 0.9},
		{BBox: types.BBox{X1: 300, Y1: 100, X2: 400, Y2: 300}, Confidence: 0.8},
	}

	out := Annotate(src, threat.Result{
		Assessment:  threat.Assessment{FallDetected: true, ThreatLevel: 30},
		Persons:     persons,
		FallIndices: []int{0},
	})
	assert.Equal(t, ColorYellow, rgbaAt(out, 100, 300))
	assert.Equal(t, ColorGreen, rgbaAt(out, 350, 100))

	out = Annotate(src, threat.Result{
		Assessment:  threat.Assessment{SOSDetected: true, ThreatLevel: 40},
		Persons:     persons,
		SOSProgress: threat.SOSThreshold,
	})
	assert.Equal(t, ColorBlue, rgbaAt(out, 350, 100))
}

func TestAnnotate_ThreatBar(t *testing.T) {
	tests := []struct {
		level int
		want  color.RGBA
	}{
		{20, ColorGreen},
		{60, ColorYellow},
		{90, ColorRed},
	}
	for _, tt := range tests {
		out := Annotate(gray(640, 480, 0), threat.Result{Assessment: threat.Assessment{ThreatLevel: tt.level}})
		x := 640 - barWidth - barMargin
		assert.Equal(t, tt.want, rgbaAt(out, x+5, barMargin+barHeight/2), "level %d", tt.level)
		assert.Equal(t, ColorBarBg, rgbaAt(out, x+barWidth-5, barMargin+barHeight/2), "level %d", tt.level)
	}
}

func TestGrid(t *testing.T) {
	src := gray(640, 480, 0)
	// Mark the top-left quarter of the source.
	for y := 0; y < 240; y++ {
		for x := 0; x < 320; x++ {
			src.SetRGBA(x, y, ColorRed)
		}
	}

	g := Grid(src)
	require.Equal(t, image.Rect(0, 0, 640, 480), g.Bounds())
	for _, p := range []image.Point{{40, 40}, {360, 40}, {40, 280}, {360, 280}} {
		assert.Equal(t, ColorRed, rgbaAt(g, p.X, p.Y), "quadrant at %v", p)
	}
	assert.Equal(t, uint8(0), rgbaAt(g, 300, 200).R)
}

func TestPlaceholder(t *testing.T) {
	p := Placeholder(640, 480)
	require.Equal(t, image.Rect(0, 0, 640, 480), p.Bounds())
	assert.Equal(t, color.RGBA{0, 0, 0, 255}, rgbaAt(p, 5, 5))
	assert.Equal(t, color.RGBA{60, 60, 60, 255}, rgbaAt(p, 300, 180))

	data, err := EncodeJPEG(p, 0)
	require.NoError(t, err)
	_, err = jpeg.Decode(bytes.NewReader(data))
	assert.NoError(t, err)
}

func TestClip(t *testing.T) {
	_, err := Clip([]image.Image{gray(64, 48, 0), gray(64, 48, 0)})
	assert.ErrorIs(t, err, ErrNotEnoughFrames)

	frames := make([]image.Image, 15)
	for i := range frames {
		frames[i] = gray(640, 480, uint8(i*10))
	}
	data, err := Clip(frames)
	require.NoError(t, err)

	anim, err := gif.DecodeAll(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Len(t, anim.Image, 8)
	assert.Equal(t, 320, anim.Config.Width)
	assert.Equal(t, 240, anim.Config.Height)
	for _, d := range anim.Delay {
		assert.Equal(t, 10, d)
	}
}
