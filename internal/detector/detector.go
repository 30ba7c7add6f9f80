// Package detector adapts external object detectors to the threat engine.
package detector

import (
	"context"
	"image"

	"github.com/dj-oyu/citywatch/sentinel-server/pkg/types"
)

// Detector locates objects in one frame. Implementations filter out anything
// below threshold before returning.
type Detector interface {
	Detect(ctx context.Context, img image.Image, threshold float64) ([]types.Detection, error)
}

// Func adapts a function to the Detector interface.
type Func func(ctx context.Context, img image.Image, threshold float64) ([]types.Detection, error)

// Detect calls f.
func (f Func) Detect(ctx context.Context, img image.Image, threshold float64) ([]types.Detection, error) {
	return f(ctx, img, threshold)
}

// Static returns the same detections for every frame. Used for demos and tests.
type Static struct {
	Detections []types.Detection
}

// Detect returns the configured detections at or above threshold.
func (s *Static) Detect(_ context.Context, _ image.Image, threshold float64) ([]types.Detection, error) {
	out := make([]types.Detection, 0, len(s.Detections))
	for _, d := range s.Detections {
		if d.Confidence >= threshold {
			out = append(out, d)
		}
	}
	return out, nil
}
