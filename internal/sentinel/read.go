package sentinel

import (
	"image"

	"github.com/dj-oyu/citywatch/sentinel-server/internal/alert"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/state"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/threat"
)

// Read-side API. Every method is safe to call from any goroutine while Run
// is active.

// LatestFrame returns the currently published frame, or false before the
// first one.
func (p *Pipeline) LatestFrame() (*state.Published, bool) {
	return p.store.Latest()
}

// RecentFrames returns up to n recent annotated frames, oldest first.
func (p *Pipeline) RecentFrames(n int) []image.Image {
	return p.store.Recent(n)
}

// Statistics returns the engine counters.
func (p *Pipeline) Statistics() threat.Statistics {
	return p.engine.Statistics()
}

// Started reports whether any frame has been evaluated.
func (p *Pipeline) Started() bool {
	return p.engine.Started()
}

// ThreatHistory returns up to n recent threat levels, oldest first.
func (p *Pipeline) ThreatHistory(n int) []int {
	return p.engine.ThreatHistory(n)
}

// StatusFlags returns the last frame's assessment.
func (p *Pipeline) StatusFlags() threat.Assessment {
	return p.engine.StatusFlags()
}

// ThreatEvents returns fired alerts, newest first.
func (p *Pipeline) ThreatEvents() []alert.Event {
	return p.alerts.Events()
}

// ToggleGridMode flips grid view and returns the new state.
func (p *Pipeline) ToggleGridMode() bool {
	return p.store.ToggleGrid()
}

// GridMode reports the grid view state.
func (p *Pipeline) GridMode() bool {
	return p.store.GridMode()
}

// ToggleCamera flips the privacy switch and returns the new state.
func (p *Pipeline) ToggleCamera() bool {
	return p.store.ToggleCamera()
}

// IsCameraEnabled reports whether frames are being captured.
func (p *Pipeline) IsCameraEnabled() bool {
	return p.store.CameraEnabled()
}

// TriggerTestAlert dispatches a manual alert with the current frame.
func (p *Pipeline) TriggerTestAlert() bool {
	var jpeg []byte
	if pub, ok := p.store.Latest(); ok {
		jpeg = pub.JPEG
	}
	return p.alerts.Trigger(p.now(), alert.TypeTest, jpeg)
}
