package overlay

import (
	"fmt"
	"image"
	"image/color"
	"slices"

	"github.com/dj-oyu/citywatch/sentinel-server/internal/threat"
)

const (
	barWidth  = 150
	barHeight = 20
	barMargin = 20
)

// BandColor maps a threat level to its indicator colour.
func BandColor(level int) color.RGBA {
	switch threat.BandOf(level) {
	case threat.BandNominal:
		return ColorGreen
	case threat.BandElevated:
		return ColorYellow
	default:
		return ColorRed
	}
}

// Annotate returns a copy of src with the evaluation result drawn on it.
// src is never modified.
func Annotate(src image.Image, res threat.Result) *image.RGBA {
	img := toRGBA(src)
	a := res.Assessment
	h := img.Bounds().Dy()

	for _, w := range res.Weapons {
		box := w.BBox.Rect()
		drawRect(img, box, ColorRed, 3)
		drawText(img, "THREAT DETECTED", labelPoint(box), ColorRed, 1)
	}
	if a.WeaponDetected {
		drawText(img, "! WEAPON DETECTED !", image.Pt(10, 30), ColorRed, 2)
	}
	if a.FallDetected {
		drawText(img, "! FALL DETECTED !", image.Pt(10, 70), ColorYellow, 2)
	}
	if res.SOSProgress > 0 {
		msg := fmt.Sprintf("SOS Signal: %d/%d", res.SOSProgress, threat.SOSThreshold)
		drawText(img, msg, image.Pt(10, h-20), ColorBlue, 1)
	}
	if a.SOSDetected {
		drawText(img, "! SOS RECEIVED !", image.Pt(10, 110), ColorBlue, 2)
	}

	// One box per person; fall beats SOS beats normal.
	for i, p := range res.Persons {
		box := p.BBox.Rect()
		col, thickness, label := ColorGreen, 2, fmt.Sprintf("person %.2f", p.Confidence)
		switch {
		case slices.Contains(res.FallIndices, i):
			col, thickness, label = ColorYellow, 3, "FALL"
		case a.SOSDetected:
			col, thickness, label = ColorBlue, 3, "SOS"
		}
		drawRect(img, box, col, thickness)
		drawText(img, label, labelPoint(box), col, 1)
	}

	drawThreatBar(img, a.ThreatLevel)
	return img
}

func drawThreatBar(img *image.RGBA, level int) {
	x := img.Bounds().Dx() - barWidth - barMargin
	y := barMargin
	if x < 0 {
		x = 0
	}
	frame := image.Rect(x, y, x+barWidth, y+barHeight)

	fillRect(img, frame, ColorBarBg)
	fill := level * barWidth / 100
	fillRect(img, image.Rect(x, y, x+fill, y+barHeight), BandColor(level))
	drawRect(img, frame, ColorWhite, 2)
	drawText(img, fmt.Sprintf("Threat: %d%%", level), image.Pt(x, y-5), ColorWhite, 1)
}
