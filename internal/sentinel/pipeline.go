// Package sentinel runs the producer loop: capture, evaluate, annotate,
// publish and alert. It also exposes the read API consumers use.
package sentinel

import (
	"context"
	"errors"
	"image"
	"time"

	"github.com/dj-oyu/citywatch/sentinel-server/internal/alert"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/capture"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/logger"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/metrics"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/overlay"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/state"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/threat"
)

// Config tunes the producer loop.
type Config struct {
	Threshold           float64       // detector confidence threshold
	JPEGQuality         int           // published frame quality
	PlaceholderInterval time.Duration // publish rate while the camera is off
	PlaceholderSize     image.Point
	ErrorBackoff        time.Duration // pause after a capture failure
}

// DefaultConfig returns the live-loop settings.
func DefaultConfig() Config {
	return Config{
		Threshold:           0.5,
		JPEGQuality:         overlay.DefaultJPEGQuality,
		PlaceholderInterval: 100 * time.Millisecond,
		PlaceholderSize:     image.Pt(640, 480),
		ErrorBackoff:        100 * time.Millisecond,
	}
}

// PublishFunc is notified after every publish, on the producer goroutine.
// It must not block.
type PublishFunc func(p *state.Published, annotated image.Image)

// Pipeline is the single producer. It is the only writer of the engine, the
// debounce state and the shared frame state.
type Pipeline struct {
	cfg     Config
	src     capture.Source
	engine  *threat.Engine
	store   *state.Store
	alerts  *alert.Orchestrator
	metrics *metrics.Metrics
	now     func() time.Time

	listeners []PublishFunc

	seq         uint64
	placeholder *state.Published
}

// New wires a pipeline. Nothing runs until Run.
func New(cfg Config, src capture.Source, engine *threat.Engine, store *state.Store, alerts *alert.Orchestrator, m *metrics.Metrics) *Pipeline {
	if m == nil {
		m = metrics.New()
	}
	return &Pipeline{
		cfg:     cfg,
		src:     src,
		engine:  engine,
		store:   store,
		alerts:  alerts,
		metrics: m,
		now:     time.Now,
	}
}

// OnPublish registers fn. Call before Run.
func (p *Pipeline) OnPublish(fn PublishFunc) {
	p.listeners = append(p.listeners, fn)
}

// Run loops until ctx is done or the source is closed.
func (p *Pipeline) Run(ctx context.Context) error {
	logger.Info("Pipeline", "Producer loop started (threshold=%.2f)", p.cfg.Threshold)
	defer logger.Info("Pipeline", "Producer loop stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		if !p.store.CameraEnabled() {
			p.publishPlaceholder()
			if !sleep(ctx, p.cfg.PlaceholderInterval) {
				return nil
			}
			continue
		}

		err := p.Step(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, capture.ErrClosed):
			return err
		default:
			logger.Warn("Pipeline", "Capture error: %v", err)
			if !sleep(ctx, p.cfg.ErrorBackoff) {
				return nil
			}
		}
	}
}

// Step captures and processes one frame. A detector failure skips the frame
// and is not returned; capture failures are.
func (p *Pipeline) Step(ctx context.Context) error {
	frame, err := p.src.Next(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.metrics.CaptureErrors.Add(1)
		}
		return err
	}
	p.metrics.FramesCaptured.Add(1)
	if dc, ok := p.src.(capture.DropCounter); ok {
		p.metrics.CaptureDropped.Store(dc.Dropped())
	}
	if frame.Empty() {
		return nil
	}

	start := time.Now()
	res, err := p.engine.Evaluate(ctx, frame.Image, p.cfg.Threshold)
	if err != nil {
		p.metrics.DetectorErrors.Add(1)
		logger.Warn("Pipeline", "Frame %d skipped: %v", frame.Seq, err)
		return nil
	}
	p.metrics.UpdateEvalLatency(time.Since(start))
	p.metrics.FramesProcessed.Add(1)
	p.metrics.RejectedDetections.Add(uint64(res.Rejected))
	p.metrics.ThreatLevel.Store(uint64(res.Assessment.ThreatLevel))
	p.metrics.SOSCount.Store(uint64(p.engine.SOSCount()))

	annotated := overlay.Annotate(frame.Image, res)
	p.store.AppendRecent(annotated)

	alertJPEG, err := overlay.EncodeJPEG(annotated, p.cfg.JPEGQuality)
	if err != nil {
		logger.Error("Pipeline", "Encode frame %d: %v", frame.Seq, err)
		return nil
	}

	if al, fired := p.alerts.Observe(p.now(), res.Assessment, alertJPEG); fired {
		logger.Warn("Pipeline", "ALERT %s (level=%d, id=%s)", al.Type, al.ThreatLevel, al.ID)
	}
	p.metrics.AlertsPending.Store(uint64(p.alerts.Pending()))

	// Grid is purely presentational and applied after evaluation.
	var out image.Image = annotated
	outJPEG := alertJPEG
	if p.store.GridMode() {
		out = overlay.Grid(annotated)
		if outJPEG, err = overlay.EncodeJPEG(out, p.cfg.JPEGQuality); err != nil {
			logger.Error("Pipeline", "Encode grid %d: %v", frame.Seq, err)
			return nil
		}
	}

	p.publish(&state.Published{
		Image:      out,
		JPEG:       outJPEG,
		Assessment: res.Assessment,
		At:         frame.Timestamp,
	}, annotated)
	p.metrics.UpdateFrameLatency(frame.Timestamp)
	return nil
}

func (p *Pipeline) publishPlaceholder() {
	if p.placeholder == nil {
		img := overlay.Placeholder(p.cfg.PlaceholderSize.X, p.cfg.PlaceholderSize.Y)
		data, err := overlay.EncodeJPEG(img, p.cfg.JPEGQuality)
		if err != nil {
			logger.Error("Pipeline", "Encode placeholder: %v", err)
			return
		}
		p.placeholder = &state.Published{Image: img, JPEG: data}
	}

	ph := *p.placeholder
	ph.At = p.now()
	p.metrics.FramesPlaceholder.Add(1)
	p.publish(&ph, nil)
}

func (p *Pipeline) publish(pub *state.Published, annotated image.Image) {
	p.seq++
	pub.Seq = p.seq
	p.store.Publish(pub)
	for _, fn := range p.listeners {
		fn(pub, annotated)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
