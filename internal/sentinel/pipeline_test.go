package sentinel

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dj-oyu/citywatch/sentinel-server/internal/alert"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/capture"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/detector"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/metrics"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/state"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/threat"
	"github.com/dj-oyu/citywatch/sentinel-server/pkg/types"
)

type sink struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (s *sink) Dispatch(_ context.Context, a alert.Alert) error {
	s.mu.Lock()
	s.alerts = append(s.alerts, a)
	s.mu.Unlock()
	return nil
}

var knife = types.Detection{ClassID: types.ClassKnife, ClassName: "knife", Confidence: 0.9,
	BBox: types.BBox{X1: 100, Y1: 100, X2: 160, Y2: 140}}

type harness struct {
	p       *Pipeline
	store   *state.Store
	alerts  *alert.Orchestrator
	metrics *metrics.Metrics
	sink    *sink
}

func newHarness(t *testing.T, d detector.Detector, src capture.Source) *harness {
	t.Helper()
	m := metrics.New()
	sk := &sink{}
	orch := alert.NewOrchestrator(sk, alert.DefaultConfig(), zap.NewNop(), m)
	t.Cleanup(func() { orch.Close(context.Background()) })

	store := state.NewStore()
	p := New(DefaultConfig(), src, threat.NewEngine(d), store, orch, m)
	return &harness{p: p, store: store, alerts: orch, metrics: m, sink: sk}
}

func still() *capture.Still {
	return &capture.Still{Image: image.NewRGBA(image.Rect(0, 0, 640, 480))}
}

func TestStep_PublishesAnnotatedFrame(t *testing.T) {
	h := newHarness(t, &detector.Static{Detections: []types.Detection{knife}}, still())

	_, ok := h.p.LatestFrame()
	require.False(t, ok)

	require.NoError(t, h.p.Step(context.Background()))

	pub, ok := h.p.LatestFrame()
	require.True(t, ok)
	assert.True(t, pub.Assessment.WeaponDetected)
	assert.Equal(t, 60, pub.Assessment.ThreatLevel)
	assert.NotEmpty(t, pub.JPEG)
	assert.Equal(t, uint64(1), pub.Seq)
	assert.Len(t, h.p.RecentFrames(0), 1)
	assert.Equal(t, []int{60}, h.p.ThreatHistory(0))
	assert.Len(t, h.p.ThreatEvents(), 1)
	assert.Equal(t, uint64(1), h.metrics.AlertsFired.Load())
}

func TestStep_DetectorErrorSkipsFrame(t *testing.T) {
	failing := detector.Func(func(context.Context, image.Image, float64) ([]types.Detection, error) {
		return nil, errors.New("timeout")
	})
	h := newHarness(t, failing, still())

	require.NoError(t, h.p.Step(context.Background()))

	_, ok := h.p.LatestFrame()
	assert.False(t, ok)
	assert.Equal(t, uint64(1), h.metrics.DetectorErrors.Load())
	assert.Equal(t, 0, h.p.Statistics().FramesProcessed)
	assert.False(t, h.p.Started())
}

func TestStep_GridDoesNotChangeAssessment(t *testing.T) {
	det := &detector.Static{Detections: []types.Detection{knife}}
	single := newHarness(t, det, still())
	grid := newHarness(t, det, still())
	grid.p.ToggleGridMode()

	for range 10 {
		require.NoError(t, single.p.Step(context.Background()))
		require.NoError(t, grid.p.Step(context.Background()))
	}

	a, _ := single.p.LatestFrame()
	b, _ := grid.p.LatestFrame()
	assert.Equal(t, a.Assessment, b.Assessment)
	assert.Equal(t, single.p.Statistics(), grid.p.Statistics())
	assert.Equal(t, single.p.ThreatHistory(0), grid.p.ThreatHistory(0))
	assert.Equal(t, a.Image.Bounds(), b.Image.Bounds())

	// The clip buffer holds the single annotated view in both modes.
	assert.Equal(t, single.p.RecentFrames(1)[0].Bounds(), grid.p.RecentFrames(1)[0].Bounds())
}

func TestRun_CameraDisabledPublishesPlaceholder(t *testing.T) {
	called := false
	d := detector.Func(func(context.Context, image.Image, float64) ([]types.Detection, error) {
		called = true
		return nil, nil
	})
	h := newHarness(t, d, still())
	require.False(t, h.p.ToggleCamera())

	var mu sync.Mutex
	var published []*state.Published
	h.p.OnPublish(func(p *state.Published, _ image.Image) {
		mu.Lock()
		published = append(published, p)
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 350*time.Millisecond)
	defer cancel()
	require.NoError(t, h.p.Run(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, len(published), 2)
	assert.False(t, called)
	assert.Equal(t, threat.Assessment{}, published[0].Assessment)
	assert.Equal(t, image.Rect(0, 0, 640, 480), published[0].Image.Bounds())
	assert.Equal(t, 0, h.store.RecentLen())
	assert.Equal(t, uint64(len(published)), h.metrics.FramesPlaceholder.Load())
}

func TestRun_StopsOnClosedSource(t *testing.T) {
	src := still()
	h := newHarness(t, &detector.Static{}, closedSource{src})

	err := h.p.Run(context.Background())
	assert.ErrorIs(t, err, capture.ErrClosed)
}

type closedSource struct{ *capture.Still }

func (closedSource) Next(context.Context) (*types.Frame, error) {
	return nil, capture.ErrClosed
}

func TestRun_DebouncesAlertsAcrossFrames(t *testing.T) {
	h := newHarness(t, &detector.Static{Detections: []types.Detection{knife}}, still())

	for range 30 {
		require.NoError(t, h.p.Step(context.Background()))
	}
	require.NoError(t, h.alerts.Close(context.Background()))

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	require.Len(t, h.sink.alerts, 1)
	assert.Equal(t, alert.TypeWeapon, h.sink.alerts[0].Type)
	assert.NotEmpty(t, h.sink.alerts[0].JPEG)
	assert.Equal(t, 1, h.p.Statistics().ThreatsToday)
}

type blockingSink struct{ release chan struct{} }

func (s *blockingSink) Dispatch(ctx context.Context, _ alert.Alert) error {
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return nil
}

type droppingSource struct {
	*capture.Still
	dropped uint64
}

func (s *droppingSource) Dropped() uint64 { return s.dropped }

func TestStep_ExportsQueueAndCounterGauges(t *testing.T) {
	m := metrics.New()
	sk := &blockingSink{release: make(chan struct{})}
	cfg := alert.DefaultConfig()
	cfg.Workers = 1
	orch := alert.NewOrchestrator(sk, cfg, zap.NewNop(), m)
	t.Cleanup(func() { orch.Close(context.Background()) })
	t.Cleanup(func() { close(sk.release) })

	// wide enough to count as raised arms
	raised := types.Detection{ClassID: types.ClassPerson, ClassName: "person", Confidence: 0.9,
		BBox: types.BBox{X1: 200, Y1: 200, X2: 300, Y2: 280}}
	src := &droppingSource{Still: still(), dropped: 7}
	p := New(DefaultConfig(), src, threat.NewEngine(&detector.Static{Detections: []types.Detection{knife, raised}}), state.NewStore(), orch, m)
	now := time.Unix(1_700_000_000, 0)
	p.now = func() time.Time { return now }

	require.NoError(t, p.Step(context.Background()))
	assert.Equal(t, uint64(7), m.CaptureDropped.Load())
	assert.Equal(t, uint64(1), m.SOSCount.Load())

	// the single worker is now stuck on the first alert
	require.Eventually(t, func() bool { return orch.Pending() == 0 }, time.Second, 5*time.Millisecond)

	now = now.Add(cfg.Debounce + time.Second)
	require.NoError(t, p.Step(context.Background()))
	assert.Equal(t, uint64(2), m.SOSCount.Load())
	assert.Equal(t, uint64(1), m.AlertsPending.Load())
	assert.Equal(t, uint64(2), m.AlertsFired.Load())
}
