package threat

// SOSThreshold is the number of net qualifying observations needed to raise SOS.
const SOSThreshold = 15

const (
	sosWidthRatio = 0.8
	sosMinHeight  = 50
)

// SOSDetector is a temporal counter of "arms extended" person boxes.
//
// All person boxes in a frame feed one shared counter, so several people in
// view alias into the same count.
type SOSDetector struct {
	handRaiseCount int
}

// NewSOSDetector returns a detector with a zero counter.
func NewSOSDetector() *SOSDetector {
	return &SOSDetector{}
}

// Detect updates the counter with this frame's persons and reports whether
// the SOS threshold is met. Iteration stops at the first box that brings the
// counter to the threshold. A frame with no persons resets the counter.
func (d *SOSDetector) Detect(persons []PersonBox) bool {
	if len(persons) == 0 {
		d.handRaiseCount = 0
		return false
	}

	detected := false
	for _, p := range persons {
		w, h := p.BBox.Width(), p.BBox.Height()
		if float64(w) > float64(h)*sosWidthRatio && h > sosMinHeight {
			d.handRaiseCount++
		} else if d.handRaiseCount > 0 {
			d.handRaiseCount--
		}

		if d.handRaiseCount >= SOSThreshold {
			detected = true
			break
		}
	}
	return detected
}

// Count returns the raw counter.
func (d *SOSDetector) Count() int {
	return d.handRaiseCount
}

// Progress returns the counter saturated at SOSThreshold, for display.
func (d *SOSDetector) Progress() int {
	return min(d.handRaiseCount, SOSThreshold)
}
