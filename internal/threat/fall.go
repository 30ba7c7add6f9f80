package threat

import "github.com/dj-oyu/citywatch/sentinel-server/internal/ring"

const (
	aspectHistorySize = 10
	fallAspectRatio   = 1.3
	fallLowFraction   = 0.65
)

// FallDetector flags person boxes that are both horizontal and low in frame.
//
// Every computed aspect ratio is kept in a bounded history. The decision
// does not read it back; it is retained for diagnostics only.
type FallDetector struct {
	aspectRatios *ring.Ring[float64]
}

// NewFallDetector returns a detector with an empty history.
func NewFallDetector() *FallDetector {
	return &FallDetector{aspectRatios: ring.New[float64](aspectHistorySize)}
}

// Detect returns whether any box indicates a fall and the indices of the
// triggering boxes. Boxes with non-positive height contribute nothing.
func (d *FallDetector) Detect(persons []PersonBox, frameHeight int) (bool, []int) {
	var indices []int
	for i, p := range persons {
		h := p.BBox.Height()
		if h <= 0 {
			continue
		}
		ratio := float64(p.BBox.Width()) / float64(h)
		d.aspectRatios.Push(ratio)

		horizontal := ratio > fallAspectRatio
		low := p.BBox.CenterY() > float64(frameHeight)*fallLowFraction
		if horizontal && low {
			indices = append(indices, i)
		}
	}
	return len(indices) > 0, indices
}

// AspectRatios returns the retained history, oldest first.
func (d *FallDetector) AspectRatios() []float64 {
	return d.aspectRatios.All()
}
