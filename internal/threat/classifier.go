package threat

import "github.com/dj-oyu/citywatch/sentinel-server/pkg/types"

// WeaponClasses is the closed set of class ids flagged as weapons for this
// deployment. Household objects stand in for real weapons during demos; cell
// phone is deliberately absent.
var WeaponClasses = map[int]struct{}{
	types.ClassKnife:      {},
	types.ClassScissors:   {},
	types.ClassBottle:     {},
	types.ClassFork:       {},
	types.ClassRemote:     {},
	types.ClassToothbrush: {},
}

// PersonBox is a person detection reduced to what the heuristics use.
type PersonBox struct {
	BBox       types.BBox `json:"bbox"`
	Confidence float64    `json:"confidence"`
}

// Classification is the per-frame partition of detector output.
type Classification struct {
	WeaponDetected bool
	Weapons        []types.Detection
	Persons        []PersonBox
	// Rejected counts detections below the confidence threshold that reached
	// the classifier anyway.
	Rejected int
}

// Classify partitions detections into weapon hits and person boxes. Anything
// under threshold is dropped and counted, never silently accepted.
func Classify(dets []types.Detection, threshold float64) Classification {
	var c Classification
	for _, d := range dets {
		if d.Confidence < threshold {
			c.Rejected++
			continue
		}
		if _, ok := WeaponClasses[d.ClassID]; ok {
			c.WeaponDetected = true
			c.Weapons = append(c.Weapons, d)
			continue
		}
		if d.ClassID == types.ClassPerson {
			c.Persons = append(c.Persons, PersonBox{BBox: d.BBox, Confidence: d.Confidence})
		}
	}
	return c
}
