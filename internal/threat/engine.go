// Package threat turns raw detector output into per-frame threat assessments.
package threat

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/dj-oyu/citywatch/sentinel-server/internal/detector"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/ring"
	"github.com/dj-oyu/citywatch/sentinel-server/pkg/types"
)

// DefaultThreshold is the confidence threshold used when a caller passes none.
const DefaultThreshold = 0.35

const (
	historySize       = 60
	threatSampleEvery = 30
	defaultZones      = 4
	// avgResponseTime is the reported mean response time once any threat was
	// counted today. There is no responder feedback loop to measure it.
	avgResponseTime = 2.1
)

// ErrDetector wraps failures of the external detector.
var ErrDetector = errors.New("detector failed")

// Assessment is the immutable per-frame verdict.
type Assessment struct {
	WeaponDetected bool `json:"weapon_detected"`
	FallDetected   bool `json:"fall_detected"`
	SOSDetected    bool `json:"sos_detected"`
	ThreatLevel    int  `json:"threat_level"`
}

// Any reports whether any threat flag is set.
func (a Assessment) Any() bool {
	return a.WeaponDetected || a.FallDetected || a.SOSDetected
}

// Result is an Assessment plus what the overlay needs to annotate the frame.
type Result struct {
	Assessment  Assessment
	Weapons     []types.Detection
	Persons     []PersonBox
	FallIndices []int
	SOSProgress int
	Rejected    int
}

// Statistics is a consistent snapshot of the engine counters.
type Statistics struct {
	ThreatsToday    int     `json:"threats_today"`
	AvgResponseTime float64 `json:"avg_response_time"`
	FramesProcessed int     `json:"frames_processed"`
	UptimeSeconds   int     `json:"uptime_seconds"`
	ZonesMonitored  int     `json:"zones_monitored"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithZones sets the reported number of monitored zones.
func WithZones(n int) Option {
	return func(e *Engine) { e.zones = n }
}

// WithDefaultThreshold sets the threshold used when Evaluate gets <= 0.
func WithDefaultThreshold(th float64) Option {
	return func(e *Engine) { e.threshold = th }
}

// Engine owns all per-stream heuristic state and statistics.
//
// Evaluate must only be called from a single goroutine (the producer). The
// read accessors are safe from any goroutine.
type Engine struct {
	detector  detector.Detector
	threshold float64
	zones     int
	now       func() time.Time

	fall *FallDetector
	sos  *SOSDetector

	mu              sync.RWMutex
	startTime       time.Time
	framesProcessed int
	threatsToday    int
	history         *ring.Ring[int]
	flags           Assessment
}

// NewEngine returns an engine that asks d for detections.
func NewEngine(d detector.Detector, opts ...Option) *Engine {
	e := &Engine{
		detector:  d,
		threshold: DefaultThreshold,
		zones:     defaultZones,
		now:       time.Now,
		fall:      NewFallDetector(),
		sos:       NewSOSDetector(),
		history:   ring.New[int](historySize),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs the detector on img and derives this frame's assessment.
//
// A nil or empty image yields a zero Result without calling the detector or
// touching statistics. A detector failure is returned wrapping ErrDetector
// and likewise leaves statistics untouched.
func (e *Engine) Evaluate(ctx context.Context, img image.Image, threshold float64) (Result, error) {
	if img == nil || img.Bounds().Empty() {
		return Result{}, nil
	}
	if threshold <= 0 {
		threshold = e.threshold
	}

	dets, err := e.detector.Detect(ctx, img, threshold)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrDetector, err)
	}

	c := Classify(dets, threshold)
	fall, fallIdx := e.fall.Detect(c.Persons, img.Bounds().Dy())
	sos := e.sos.Detect(c.Persons)

	a := Assessment{
		WeaponDetected: c.WeaponDetected,
		FallDetected:   fall,
		SOSDetected:    sos,
		ThreatLevel:    Score(c.WeaponDetected, fall, sos),
	}
	e.record(a)

	return Result{
		Assessment:  a,
		Weapons:     c.Weapons,
		Persons:     c.Persons,
		FallIndices: fallIdx,
		SOSProgress: e.sos.Progress(),
		Rejected:    c.Rejected,
	}, nil
}

func (e *Engine) record(a Assessment) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.startTime.IsZero() {
		e.startTime = e.now()
	}
	e.framesProcessed++
	e.history.Push(a.ThreatLevel)
	e.flags = a

	// At most one count per 30-frame window, sampled on the boundary frame.
	if a.Any() && e.framesProcessed%threatSampleEvery == 0 {
		e.threatsToday++
	}
}

// Statistics returns the current counters. Repeated calls without new frames
// differ only in UptimeSeconds.
func (e *Engine) Statistics() Statistics {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := Statistics{
		ThreatsToday:    e.threatsToday,
		FramesProcessed: e.framesProcessed,
		ZonesMonitored:  e.zones,
	}
	if !e.startTime.IsZero() {
		s.UptimeSeconds = int(e.now().Sub(e.startTime).Seconds())
	}
	if e.threatsToday > 0 {
		s.AvgResponseTime = avgResponseTime
	}
	return s
}

// Started reports whether at least one frame has been processed.
func (e *Engine) Started() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.startTime.IsZero()
}

// ThreatHistory returns the newest n threat levels, oldest first. n <= 0
// returns the whole history.
func (e *Engine) ThreatHistory(n int) []int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.history.Last(n)
}

// StatusFlags returns the assessment of the most recent processed frame.
func (e *Engine) StatusFlags() Assessment {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.flags
}

// SOSCount exposes the raw SOS counter. Producer goroutine only.
func (e *Engine) SOSCount() int {
	return e.sos.Count()
}
