// Package api serves the pipeline's read side over HTTP: live MJPEG, a
// snapshot, a GIF clip, statistics, an SSE status stream and control
// toggles.
package api

import (
	"context"
	"errors"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dj-oyu/citywatch/sentinel-server/internal/alert"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/logger"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/metrics"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/overlay"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/recorder"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/state"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/threat"
)

// Source is the pipeline read API.
type Source interface {
	LatestFrame() (*state.Published, bool)
	RecentFrames(n int) []image.Image
	Started() bool
	Statistics() threat.Statistics
	ThreatHistory(n int) []int
	StatusFlags() threat.Assessment
	ThreatEvents() []alert.Event
	ToggleGridMode() bool
	GridMode() bool
	ToggleCamera() bool
	IsCameraEnabled() bool
}

// Recorder is the recording control used by /api/recording/*.
type Recorder interface {
	Start() (string, error)
	Stop() (string, error)
	Status() recorder.RecordingStatus
}

// OfferHandler answers WebRTC offers.
type OfferHandler interface {
	HandleOffer(offerJSON []byte) ([]byte, error)
}

// PeerStats is implemented by offer handlers that can report per-peer
// delivery counters.
type PeerStats interface {
	GetClientStats() map[string]map[string]uint64
	GetPendingCount() int
}

// UserCounter reports how many chats are subscribed to alerts.
type UserCounter interface {
	Len() int
}

// Config holds API tuning.
type Config struct {
	StatusInterval time.Duration // SSE status cadence
	MJPEGKeepalive time.Duration // idle frame resend when the producer stalls
	SSEKeepalive   time.Duration
	HistoryLength  int
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		StatusInterval: time.Second,
		MJPEGKeepalive: 5 * time.Second,
		SSEKeepalive:   30 * time.Second,
		HistoryLength:  60,
	}
}

// Server serves the HTTP consumer endpoints.
type Server struct {
	cfg      Config
	source   Source
	metrics  *metrics.Metrics
	frames   *FrameBroadcaster
	status   *StatusBroadcaster
	idle     []byte
	recorder Recorder
	webrtc   OfferHandler
	users    UserCounter
}

// NewServer returns a server reading from src. Recording, WebRTC and the
// user count are optional; see the Set methods.
func NewServer(cfg Config, src Source, m *metrics.Metrics) *Server {
	def := DefaultConfig()
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = def.StatusInterval
	}
	if cfg.MJPEGKeepalive <= 0 {
		cfg.MJPEGKeepalive = def.MJPEGKeepalive
	}
	if cfg.SSEKeepalive <= 0 {
		cfg.SSEKeepalive = def.SSEKeepalive
	}
	if cfg.HistoryLength <= 0 {
		cfg.HistoryLength = def.HistoryLength
	}
	if m == nil {
		m = metrics.New()
	}

	s := &Server{
		cfg:     cfg,
		source:  src,
		metrics: m,
		frames:  NewFrameBroadcaster(),
	}
	s.status = NewStatusBroadcaster(s.statusPayload, cfg.StatusInterval)

	idle, err := overlay.EncodeJPEG(overlay.Placeholder(640, 480), overlay.DefaultJPEGQuality)
	if err != nil {
		logger.Error("API", "Failed to render idle frame: %v", err)
	}
	s.idle = idle
	return s
}

// SetRecorder enables /api/recording/*.
func (s *Server) SetRecorder(r Recorder) { s.recorder = r }

// SetWebRTC enables /api/webrtc/offer.
func (s *Server) SetWebRTC(o OfferHandler) { s.webrtc = o }

// SetUsers reports the bot audience in / and /stats.
func (s *Server) SetUsers(u UserCounter) { s.users = u }

// Run drives the SSE status broadcaster until ctx is done.
func (s *Server) Run(ctx context.Context) {
	s.status.Run(ctx)
}

// OnPublish forwards a published frame to MJPEG clients. It matches the
// pipeline's publish hook and never blocks.
func (s *Server) OnPublish(p *state.Published, _ image.Image) {
	if len(p.JPEG) > 0 {
		s.frames.Broadcast(p.JPEG)
	}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("POST /toggle_grid", s.handleToggleGrid)
	mux.HandleFunc("POST /toggle_camera", s.handleToggleCamera)
	mux.HandleFunc("GET /camera_status", s.handleCameraStatus)
	mux.HandleFunc("POST /connect_bot", s.handleConnectBot)
	mux.HandleFunc("GET /video_feed", s.handleVideoFeed)
	mux.HandleFunc("GET /snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /clip", s.handleClip)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/status/stream", s.handleStatusStream)
	mux.HandleFunc("POST /api/webrtc/offer", s.handleWebRTCOffer)
	mux.HandleFunc("GET /api/webrtc/clients", s.handleWebRTCClients)
	mux.HandleFunc("POST /api/recording/start", s.handleRecordingStart)
	mux.HandleFunc("POST /api/recording/stop", s.handleRecordingStop)
	mux.HandleFunc("GET /api/recording/status", s.handleRecordingStatus)
	mux.Handle("GET /metrics", s.metrics.Handler())

	return withCORS(mux)
}

// withCORS allows any origin; the API carries no credentials of its own.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Accept")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) userCount() int {
	if s.users == nil {
		return 0
	}
	return s.users.Len()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status": "online",
		"system": "CityWatch Sentinel",
		"users":  s.userCount(),
	})
}

func writeInitializing(w http.ResponseWriter) {
	writeJSONWithStatus(w, map[string]any{"status": "initializing"}, http.StatusServiceUnavailable)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.source.Started() {
		writeInitializing(w)
		return
	}
	st := s.source.Statistics()
	flags := s.source.StatusFlags()
	writeJSON(w, map[string]any{
		"threats_today":     st.ThreatsToday,
		"avg_response_time": st.AvgResponseTime,
		"frames_processed":  st.FramesProcessed,
		"uptime_seconds":    st.UptimeSeconds,
		"zones_monitored":   st.ZonesMonitored,
		"grid_mode":         s.source.GridMode(),
		"bot_users":         s.userCount(),
		"weapon_detected":   flags.WeaponDetected,
		"fall_detected":     flags.FallDetected,
		"sos_detected":      flags.SOSDetected,
		"threat_level":      flags.ThreatLevel,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history := s.source.ThreatHistory(s.cfg.HistoryLength)
	if history == nil {
		history = []int{}
	}
	writeJSON(w, map[string]any{"history": history})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events := s.source.ThreatEvents()
	if events == nil {
		events = []alert.Event{}
	}
	writeJSON(w, map[string]any{"events": events})
}

func (s *Server) handleToggleGrid(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"grid_mode": s.source.ToggleGridMode()})
}

func cameraStatus(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}

func (s *Server) handleToggleCamera(w http.ResponseWriter, r *http.Request) {
	enabled := s.source.ToggleCamera()
	logger.Info("API", "Camera %s", cameraStatus(enabled))
	writeJSON(w, map[string]any{"camera_enabled": enabled, "status": cameraStatus(enabled)})
}

func (s *Server) handleCameraStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"camera_enabled": s.source.IsCameraEnabled()})
}

func (s *Server) handleConnectBot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "connected", "bot_name": "CityWatch Sentinel", "users": s.userCount()})
}

func (s *Server) handleVideoFeed(w http.ResponseWriter, r *http.Request) {
	id, frameCh := s.frames.Subscribe()
	defer s.frames.Unsubscribe(id)

	s.metrics.MJPEGClients.Add(1)
	defer s.metrics.MJPEGClients.Add(^uint64(0))

	var first []byte
	if pub, ok := s.source.LatestFrame(); ok {
		first = pub.JPEG
	}
	streamMJPEGFromChannel(r.Context(), w, frameCh, first, s.idle, s.cfg.MJPEGKeepalive)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	pub, ok := s.source.LatestFrame()
	if !ok || len(pub.JPEG) == 0 {
		writeInitializing(w)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(pub.JPEG)
}

func (s *Server) handleClip(w http.ResponseWriter, r *http.Request) {
	gif, err := overlay.Clip(s.source.RecentFrames(0))
	if errors.Is(err, overlay.ErrNotEnoughFrames) {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		logger.Error("API", "Clip encoding failed: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": "clip encoding failed"}, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/gif")
	_, _ = w.Write(gif)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.statusPayload())
}

func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.status.Subscribe()
	defer s.status.Unsubscribe(id)

	s.metrics.SSEClients.Add(1)
	defer s.metrics.SSEClients.Add(^uint64(0))

	streamStatusEventsFromChannel(r.Context(), w, s.status.Event(), eventCh, wantsProtobuf(r), s.cfg.SSEKeepalive)
}

// statusPayload uses only JSON-native value types so that the same map
// converts to a structpb.Struct.
func (s *Server) statusPayload() map[string]any {
	st := s.source.Statistics()
	flags := s.source.StatusFlags()

	history := s.source.ThreatHistory(s.cfg.HistoryLength)
	jsonHistory := make([]any, len(history))
	for i, v := range history {
		jsonHistory[i] = float64(v)
	}

	events := s.source.ThreatEvents()
	jsonEvents := make([]any, len(events))
	for i, e := range events {
		jsonEvents[i] = map[string]any{
			"id":   e.ID,
			"type": string(e.Type),
			"time": e.Time.Format(time.RFC3339),
			"zone": e.Zone,
		}
	}

	return map[string]any{
		"started": s.source.Started(),
		"stats": map[string]any{
			"threats_today":     float64(st.ThreatsToday),
			"avg_response_time": st.AvgResponseTime,
			"frames_processed":  float64(st.FramesProcessed),
			"uptime_seconds":    float64(st.UptimeSeconds),
			"zones_monitored":   float64(st.ZonesMonitored),
		},
		"flags": map[string]any{
			"weapon_detected": flags.WeaponDetected,
			"fall_detected":   flags.FallDetected,
			"sos_detected":    flags.SOSDetected,
			"threat_level":    float64(flags.ThreatLevel),
		},
		"grid_mode":      s.source.GridMode(),
		"camera_enabled": s.source.IsCameraEnabled(),
		"threat_history": jsonHistory,
		"events":         jsonEvents,
		"timestamp":      float64(time.Now().Unix()),
	}
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	if s.webrtc == nil {
		writeJSONWithStatus(w, map[string]any{"error": "webrtc disabled"}, http.StatusServiceUnavailable)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	answer, err := s.webrtc.HandleOffer(body)
	if err != nil {
		logger.Warn("API", "WebRTC offer rejected: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answer)
}

func (s *Server) handleWebRTCClients(w http.ResponseWriter, r *http.Request) {
	ps, ok := s.webrtc.(PeerStats)
	if !ok {
		writeJSONWithStatus(w, map[string]any{"error": "webrtc disabled"}, http.StatusServiceUnavailable)
		return
	}
	clients := map[string]any{}
	for id, st := range ps.GetClientStats() {
		clients[id] = st
	}
	writeJSON(w, map[string]any{
		"clients": clients,
		"pending": ps.GetPendingCount(),
	})
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeJSONWithStatus(w, map[string]any{"error": "recording disabled"}, http.StatusServiceUnavailable)
		return
	}
	filename, err := s.recorder.Start()
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{
		"status":     "recording",
		"file":       filename,
		"started_at": float64(time.Now().Unix()),
	})
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeJSONWithStatus(w, map[string]any{"error": "recording disabled"}, http.StatusServiceUnavailable)
		return
	}
	filename, err := s.recorder.Stop()
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{
		"status":     "stopped",
		"file":       filename,
		"stats":      s.recorder.Status(),
		"stopped_at": float64(time.Now().Unix()),
	})
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeJSON(w, recorder.RecordingStatus{})
		return
	}
	writeJSON(w, s.recorder.Status())
}
