package alert

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dj-oyu/citywatch/sentinel-server/internal/metrics"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/ring"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/threat"
)

// Config controls debounce and the dispatch pool.
type Config struct {
	Debounce        time.Duration // minimum gap between two alerts
	QueueSize       int
	Workers         int
	DispatchTimeout time.Duration
	EventCapacity   int
	Zone            string
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Debounce:        5 * time.Second,
		QueueSize:       16,
		Workers:         2,
		DispatchTimeout: 30 * time.Second,
		EventCapacity:   10,
		Zone:            "NORTH SECTOR",
	}
}

// Orchestrator debounces candidate assessments and dispatches alerts on a
// worker pool. Observe is producer-only; everything else is safe for any
// goroutine.
type Orchestrator struct {
	cfg        Config
	dispatcher Dispatcher
	log        *zap.Logger
	metrics    *metrics.Metrics

	last time.Time // producer-only

	eventsMu sync.RWMutex
	events   *ring.Ring[Event]

	queueMu sync.RWMutex
	queue   chan Alert
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator creates an orchestrator and starts its workers. Close must
// be called to stop them.
func NewOrchestrator(d Dispatcher, cfg Config, log *zap.Logger, m *metrics.Metrics) *Orchestrator {
	def := DefaultConfig()
	if cfg.Debounce <= 0 {
		cfg.Debounce = def.Debounce
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = def.DispatchTimeout
	}
	if cfg.EventCapacity <= 0 {
		cfg.EventCapacity = def.EventCapacity
	}
	if cfg.Zone == "" {
		cfg.Zone = def.Zone
	}
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:        cfg,
		dispatcher: d,
		log:        log.Named("alert"),
		metrics:    m,
		events:     ring.New[Event](cfg.EventCapacity),
		queue:      make(chan Alert, cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}

	o.wg.Add(cfg.Workers)
	for i := range cfg.Workers {
		go o.worker(i)
	}
	return o
}

// Observe feeds one frame's assessment. It returns the alert and true when
// the assessment fired, after logging the event and queueing dispatch.
// It never blocks on dispatch.
func (o *Orchestrator) Observe(now time.Time, a threat.Assessment, jpeg []byte) (Alert, bool) {
	if !Candidate(a) {
		return Alert{}, false
	}
	if !o.last.IsZero() && now.Sub(o.last) <= o.cfg.Debounce {
		return Alert{}, false
	}
	o.last = now

	al := Alert{
		ID:          uuid.NewString(),
		Type:        TypeOf(a),
		Time:        now,
		Zone:        o.cfg.Zone,
		ThreatLevel: a.ThreatLevel,
		JPEG:        jpeg,
	}
	o.record(al)
	o.metrics.AlertsFired.Add(1)
	o.enqueue(al)
	return al, true
}

// Trigger sends a manual alert, bypassing debounce and the event log.
func (o *Orchestrator) Trigger(now time.Time, t Type, jpeg []byte) bool {
	return o.enqueue(Alert{
		ID:   uuid.NewString(),
		Type: t,
		Time: now,
		Zone: o.cfg.Zone,
		JPEG: jpeg,
	})
}

func (o *Orchestrator) record(al Alert) {
	o.eventsMu.Lock()
	o.events.Push(Event{ID: al.ID, Type: al.Type, Time: al.Time, Zone: al.Zone})
	o.eventsMu.Unlock()
}

func (o *Orchestrator) enqueue(al Alert) bool {
	o.queueMu.RLock()
	defer o.queueMu.RUnlock()
	if o.closed {
		return false
	}

	select {
	case o.queue <- al:
		return true
	default:
		o.metrics.AlertsDropped.Add(1)
		o.log.Warn("dispatch queue full, alert dropped",
			zap.String("alert_id", al.ID),
			zap.String("type", string(al.Type)))
		return false
	}
}

func (o *Orchestrator) worker(id int) {
	defer o.wg.Done()
	for al := range o.queue {
		o.dispatch(id, al)
	}
}

func (o *Orchestrator) dispatch(worker int, al Alert) {
	ctx, cancel := context.WithTimeout(o.ctx, o.cfg.DispatchTimeout)
	defer cancel()

	start := time.Now()
	if err := o.dispatcher.Dispatch(ctx, al); err != nil {
		o.metrics.AlertsFailed.Add(1)
		o.log.Error("alert dispatch failed",
			zap.Int("worker", worker),
			zap.String("alert_id", al.ID),
			zap.String("type", string(al.Type)),
			zap.Error(err))
		return
	}
	o.metrics.AlertsDispatched.Add(1)
	o.log.Info("alert dispatched",
		zap.Int("worker", worker),
		zap.String("alert_id", al.ID),
		zap.String("type", string(al.Type)),
		zap.Duration("took", time.Since(start)))
}

// Events returns the logged events, newest first.
func (o *Orchestrator) Events() []Event {
	o.eventsMu.RLock()
	all := o.events.All()
	o.eventsMu.RUnlock()

	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return all
}

// Pending returns the number of queued, undispatched alerts.
func (o *Orchestrator) Pending() int {
	return len(o.queue)
}

// Close stops accepting alerts, lets workers drain the queue until ctx is
// done, then cancels in-flight dispatches.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.queueMu.Lock()
	if !o.closed {
		o.closed = true
		close(o.queue)
	}
	o.queueMu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.cancel()
		<-done
		return ctx.Err()
	}
}
