package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Frame pipeline counters
	FramesCaptured     atomic.Uint64
	FramesProcessed    atomic.Uint64
	FramesPlaceholder  atomic.Uint64
	CaptureErrors      atomic.Uint64
	CaptureDropped     atomic.Uint64 // Frames the source replaced before the loop read them
	DetectorErrors     atomic.Uint64
	RejectedDetections atomic.Uint64

	// Threat state
	ThreatLevel atomic.Uint64 // Level of the last evaluated frame (0-100)
	SOSCount    atomic.Uint64 // Raw SOS hand-raise counter, not saturated

	// Alert counters
	AlertsFired      atomic.Uint64
	AlertsDispatched atomic.Uint64
	AlertsFailed     atomic.Uint64
	AlertsDropped    atomic.Uint64 // Dispatch queue full
	AlertsPending    atomic.Uint64 // Queued, not yet picked up by a worker

	// Latency tracking
	FrameLatencyMs atomic.Uint64 // Capture to publish, last frame
	EvalLatencyMs  atomic.Uint64 // Detector + heuristics, last frame

	// Consumer tracking
	MJPEGClients          atomic.Uint64
	SSEClients            atomic.Uint64
	WebRTCActiveClients   atomic.Uint64
	WebRTCPendingClients  atomic.Uint64 // Answered, data channel not open yet
	WebRTCTotalClients    atomic.Uint64
	WebRTCMessagesSent    atomic.Uint64
	WebRTCMessagesDropped atomic.Uint64

	// Recording state
	RecordingActive       atomic.Uint64 // 0 = inactive, 1 = active
	RecordingBytes        atomic.Uint64
	RecordingFrames       atomic.Uint64
	RecorderFramesDropped atomic.Uint64

	// Bot
	LeaseHeld     atomic.Uint64 // 0 = another process polls, 1 = we poll
	BotCommands   atomic.Uint64
	BotPollErrors atomic.Uint64

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) gauge(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "sentinel",
			Name:      name,
			Help:      help,
		},
		func() float64 { return float64(v.Load()) },
	))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	m.gauge("frames_captured_total", "Total frames read from the capture source", &m.FramesCaptured)
	m.gauge("frames_processed_total", "Total frames evaluated by the threat engine", &m.FramesProcessed)
	m.gauge("frames_placeholder_total", "Total placeholder frames published while the camera is disabled", &m.FramesPlaceholder)
	m.gauge("capture_errors_total", "Total capture source errors", &m.CaptureErrors)
	m.gauge("capture_frames_dropped_total", "Frames the capture source replaced before they were read", &m.CaptureDropped)
	m.gauge("detector_errors_total", "Total detector failures (frame skipped)", &m.DetectorErrors)
	m.gauge("rejected_detections_total", "Detections below threshold dropped by the classifier", &m.RejectedDetections)

	m.gauge("threat_level", "Threat level of the last evaluated frame", &m.ThreatLevel)
	m.gauge("sos_count", "Raw SOS hand-raise counter", &m.SOSCount)

	m.gauge("alerts_fired_total", "Alerts that passed debounce", &m.AlertsFired)
	m.gauge("alerts_dispatched_total", "Alerts delivered to every dispatcher", &m.AlertsDispatched)
	m.gauge("alerts_failed_total", "Alerts with at least one dispatcher failure", &m.AlertsFailed)
	m.gauge("alerts_dropped_total", "Alerts dropped because the dispatch queue was full", &m.AlertsDropped)
	m.gauge("alerts_pending", "Alerts queued for dispatch", &m.AlertsPending)

	m.gauge("frame_latency_ms", "Capture to publish latency of the last frame in milliseconds", &m.FrameLatencyMs)
	m.gauge("eval_latency_ms", "Evaluation latency of the last frame in milliseconds", &m.EvalLatencyMs)

	m.gauge("mjpeg_clients", "Connected MJPEG stream clients", &m.MJPEGClients)
	m.gauge("sse_clients", "Connected status stream clients", &m.SSEClients)
	m.gauge("webrtc_active_clients", "Number of active WebRTC clients", &m.WebRTCActiveClients)
	m.gauge("webrtc_pending_clients", "WebRTC peers answered but not yet streaming", &m.WebRTCPendingClients)
	m.gauge("webrtc_total_clients", "Total WebRTC clients connected", &m.WebRTCTotalClients)
	m.gauge("webrtc_messages_sent_total", "Data channel messages sent", &m.WebRTCMessagesSent)
	m.gauge("webrtc_messages_dropped_total", "Data channel messages dropped", &m.WebRTCMessagesDropped)

	m.gauge("recording_active", "Recording active (0=inactive, 1=active)", &m.RecordingActive)
	m.gauge("recording_bytes", "Total bytes written to recording", &m.RecordingBytes)
	m.gauge("recording_frames", "Total frames written to recording", &m.RecordingFrames)
	m.gauge("recorder_frames_dropped_total", "Frames the recorder could not keep up with", &m.RecorderFramesDropped)

	m.gauge("lease_held", "Bot polling lease held by this process (0/1)", &m.LeaseHeld)
	m.gauge("bot_commands_total", "Bot commands handled", &m.BotCommands)
	m.gauge("bot_poll_errors_total", "Bot polling errors", &m.BotPollErrors)
}

// UpdateFrameLatency records the latency of a frame captured at captureTime
func (m *Metrics) UpdateFrameLatency(captureTime time.Time) {
	m.FrameLatencyMs.Store(uint64(time.Since(captureTime).Milliseconds()))
}

// UpdateEvalLatency records the evaluation latency of the last frame
func (m *Metrics) UpdateEvalLatency(d time.Duration) {
	m.EvalLatencyMs.Store(uint64(d.Milliseconds()))
}

// SetBool stores a 0/1 gauge
func SetBool(v *atomic.Uint64, b bool) {
	if b {
		v.Store(1)
		return
	}
	v.Store(0)
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on a dedicated address
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
