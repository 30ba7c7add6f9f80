package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"image"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-redis/redis/v8"

	"github.com/dj-oyu/citywatch/sentinel-server/internal/alert"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/api"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/capture"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/config"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/detector"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/lease"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/logger"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/metrics"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/notify"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/recorder"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/sentinel"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/state"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/threat"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/webrtc"
)

var (
	cfg = config.Default()

	envFile     = flag.String("env-file", ".env", "Environment file loaded before reading env vars (missing file is ignored)")
	pprofAddr   = flag.String("pprof", "", "pprof server address (empty to disable)")
	stunServers = flag.String("stun", "stun:stun.l.google.com:19302", "STUN server URLs (comma-separated)")
)

func init() {
	flag.StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "HTTP server address")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Separate metrics server address (empty: /metrics on -http only)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error, silent)")
	flag.BoolVar(&cfg.LogColor, "log-color", cfg.LogColor, "Enable colored log output")
	flag.BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "Emit JSON logs")

	flag.StringVar(&cfg.CameraURL, "camera", cfg.CameraURL, "MJPEG camera stream URL (env CAMERA_URL)")
	flag.StringVar(&cfg.CameraDir, "camera-dir", cfg.CameraDir, "Replay images from a directory instead of a stream")
	flag.DurationVar(&cfg.CameraInterval, "camera-interval", cfg.CameraInterval, "Frame interval for -camera-dir")
	flag.DurationVar(&cfg.CameraIdleTimeout, "camera-idle-timeout", cfg.CameraIdleTimeout, "Reconnect the MJPEG stream after this long without a frame")

	flag.StringVar(&cfg.DetectorURL, "detector", cfg.DetectorURL, "Object detection server URL (env DETECTOR_URL)")
	flag.DurationVar(&cfg.DetectorTimeout, "detector-timeout", cfg.DetectorTimeout, "Detector request timeout")
	flag.Float64Var(&cfg.Threshold, "threshold", cfg.Threshold, "Detection confidence threshold")
	flag.IntVar(&cfg.JPEGQuality, "jpeg-quality", cfg.JPEGQuality, "Published JPEG quality")

	flag.DurationVar(&cfg.AlertDebounce, "alert-debounce", cfg.AlertDebounce, "Minimum gap between alerts")
	flag.IntVar(&cfg.AlertQueue, "alert-queue", cfg.AlertQueue, "Pending alert queue size")
	flag.IntVar(&cfg.AlertWorkers, "alert-workers", cfg.AlertWorkers, "Alert dispatch workers")

	flag.StringVar(&cfg.RecordPath, "record-path", cfg.RecordPath, "Recording output path")
	flag.IntVar(&cfg.MaxWebRTC, "max-clients", cfg.MaxWebRTC, "Maximum WebRTC clients")

	flag.StringVar(&cfg.Lease.Backend, "lease", cfg.Lease.Backend, "Bot lease backend (file, redis)")
	flag.StringVar(&cfg.Lease.Path, "lease-path", cfg.Lease.Path, "File lease path")
	flag.StringVar(&cfg.Lease.Key, "lease-key", cfg.Lease.Key, "Redis lease key")
}

// Server owns every long-running component.
type Server struct {
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	metrics    *metrics.Metrics
	source     capture.Source
	pipeline   *sentinel.Pipeline
	alerts     *alert.Orchestrator
	api        *api.Server
	webrtc     *webrtc.Server
	recorder   *recorder.Recorder
	bot        *notify.Bot
	mqtt       mqtt.Client
	redis      *redis.Client
	httpServer *http.Server
}

func main() {
	flag.Parse()
	cfg.STUNServers = config.SplitList(*stunServers)

	envLoaded, err := config.LoadEnvFile(*envFile)
	if err != nil {
		log.Fatalf("Invalid env file: %v", err)
	}
	cfg.LoadFromEnv()

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	if cfg.LogJSON {
		logger.InitJSON(level, os.Stdout, "citywatch-sentinel")
	} else {
		logger.Init(level, os.Stderr, cfg.LogColor)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration:\n%v", err)
	}

	logger.Info("Main", "Sentinel server starting...")
	logger.Info("Main", "Log level: %s", level)
	if envLoaded {
		logger.Info("Main", "Loaded environment variables from %s", *envFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := NewServer(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}
	srv.Start()

	// srv.ctx also ends when a component fails fatally
	<-srv.ctx.Done()
	logger.Info("Main", "Shutting down...")

	if err := srv.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}
	logger.Info("Main", "Server stopped")
}

// NewServer wires the components described by c.
func NewServer(parent context.Context, c config.Config) (*Server, error) {
	ctx, cancel := context.WithCancel(parent)
	m := metrics.New()
	zl := logger.Zap()

	s := &Server{ctx: ctx, cancel: cancel, metrics: m}

	src, err := newSource(c)
	if err != nil {
		cancel()
		return nil, err
	}
	s.source = src

	var (
		dispatchers notify.Multi
		telegram    *notify.Telegram
		recipients  = notify.NewRegistry()
		loc         = notify.Location{Lat: c.Telegram.Lat, Lon: c.Telegram.Lon, Jitter: 0.001, Sector: c.Telegram.Sector}
	)
	if c.Telegram.Token != "" {
		telegram = notify.NewTelegram(c.Telegram.BaseURL, c.Telegram.Token, zl)
		dispatchers = append(dispatchers, notify.NewTelegramDispatcher(telegram, recipients, loc, zl))
	} else {
		logger.Warn("Main", "TELEGRAM_BOT_TOKEN not set: bot and Telegram alerts disabled")
	}
	if c.MQTT.Broker != "" {
		client, err := notify.ConnectMQTT(c.MQTT.Broker, c.MQTT.ClientID, c.MQTT.Username, c.MQTT.Password)
		if err != nil {
			// Alerts still go to Telegram; the broker may come back later.
			logger.Error("Main", "MQTT disabled: %v", err)
		} else {
			s.mqtt = client
			dispatchers = append(dispatchers, notify.NewMQTTDispatcher(client, c.MQTT.Topic))
			logger.Info("Main", "MQTT alerts -> %s (topic %s)", c.MQTT.Broker, c.MQTT.Topic)
		}
	}

	var dispatcher alert.Dispatcher = dispatchers
	if len(dispatchers) == 0 {
		dispatcher = alert.DispatcherFunc(func(_ context.Context, a alert.Alert) error {
			logger.Warn("Alert", "No dispatcher configured, dropping %s at %s", a.Type, a.Time.Format(time.TimeOnly))
			return nil
		})
	}

	alertCfg := alert.DefaultConfig()
	alertCfg.Debounce = c.AlertDebounce
	alertCfg.QueueSize = c.AlertQueue
	alertCfg.Workers = c.AlertWorkers
	alertCfg.Zone = c.AlertZone
	s.alerts = alert.NewOrchestrator(dispatcher, alertCfg, zl, m)

	engine := newEngine(c)

	pipeCfg := sentinel.DefaultConfig()
	pipeCfg.Threshold = c.Threshold
	pipeCfg.JPEGQuality = c.JPEGQuality
	s.pipeline = sentinel.New(pipeCfg, src, engine, state.NewStore(), s.alerts, m)

	s.webrtc = webrtc.NewServer(c.STUNServers, c.MaxWebRTC, m)
	s.recorder = recorder.NewRecorder(c.RecordPath, m)

	apiCfg := api.DefaultConfig()
	apiCfg.StatusInterval = c.StatusPeriod
	s.api = api.NewServer(apiCfg, s.pipeline, m)
	s.api.SetRecorder(s.recorder)
	s.api.SetWebRTC(s.webrtc)
	s.api.SetUsers(recipients)

	s.pipeline.OnPublish(s.api.OnPublish)
	s.pipeline.OnPublish(s.pushAssessment)
	s.pipeline.OnPublish(func(p *state.Published, _ image.Image) {
		s.recorder.SendFrame(p.JPEG)
	})

	if telegram != nil {
		l, err := s.newLease(c)
		if err != nil {
			cancel()
			return nil, err
		}
		botCfg := notify.DefaultBotConfig()
		botCfg.Zones = c.Zones
		botCfg.Location = loc
		botCfg.LeaseRefresh = c.Lease.TTL / 3
		s.bot = notify.NewBot(telegram, recipients, s.pipeline, l, botCfg, zl, m)
	}

	s.httpServer = &http.Server{
		Addr:              c.HTTPAddr,
		Handler:           s.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// newEngine keeps the engine's own fallback threshold; the live loop passes
// c.Threshold on every frame.
func newEngine(c config.Config) *threat.Engine {
	return threat.NewEngine(
		detector.NewHTTP(c.DetectorURL, c.DetectorTimeout),
		threat.WithZones(len(c.Zones)),
	)
}

func newSource(c config.Config) (capture.Source, error) {
	if c.CameraDir != "" {
		src, err := capture.NewDir(c.CameraDir, c.CameraInterval)
		if err != nil {
			return nil, fmt.Errorf("failed to open camera dir: %w", err)
		}
		logger.Info("Main", "Replaying images from %s", c.CameraDir)
		return src, nil
	}
	logger.Info("Main", "Reading MJPEG stream %s", c.CameraURL)
	return capture.NewMJPEG(c.CameraURL, capture.WithIdleTimeout(c.CameraIdleTimeout)), nil
}

func (s *Server) newLease(c config.Config) (lease.Lease, error) {
	switch c.Lease.Backend {
	case config.LeaseRedis:
		s.redis = redis.NewClient(&redis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		defer cancel()
		if err := s.redis.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis %s: %w", c.Redis.Addr, err)
		}
		logger.Info("Main", "Bot lease: redis %s key %s", c.Redis.Addr, c.Lease.Key)
		return lease.NewRedisLease(s.redis, c.Lease.Key, c.Lease.TTL), nil
	default:
		logger.Info("Main", "Bot lease: file %s", c.Lease.Path)
		return lease.NewFileLease(c.Lease.Path, c.Lease.TTL), nil
	}
}

// pushAssessment sends each frame's verdict to WebRTC data channels.
func (s *Server) pushAssessment(p *state.Published, _ image.Image) {
	if s.webrtc.GetClientCount() == 0 {
		return
	}
	payload, err := json.Marshal(struct {
		Seq uint64 `json:"seq"`
		At  int64  `json:"at_ms"`
		threat.Assessment
	}{p.Seq, p.At.UnixMilli(), p.Assessment})
	if err != nil {
		return
	}
	s.webrtc.Broadcast(payload)
}

// Start launches every component.
func (s *Server) Start() {
	logger.Info("Main", "Starting sentinel server...")
	logger.Info("Main", "  HTTP server: %s", s.httpServer.Addr)
	logger.Info("Main", "  Recording path: %s", cfg.RecordPath)

	if *pprofAddr != "" {
		go func() {
			logger.Info("Main", "Starting pprof server on %s", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				logger.Warn("Main", "pprof server error: %v", err)
			}
		}()
	}

	if cfg.MetricsAddr != "" {
		go func() {
			logger.Info("Main", "Starting metrics server on %s", cfg.MetricsAddr)
			if err := s.metrics.StartServer(cfg.MetricsAddr); err != nil {
				logger.Warn("Main", "Metrics server error: %v", err)
			}
		}()
	}

	go func() {
		logger.Info("Main", "Starting HTTP server on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Main", "HTTP server error: %v", err)
			s.cancel()
		}
	}()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.pipeline.Run(s.ctx); err != nil {
			logger.Error("Main", "Pipeline stopped: %v", err)
			s.cancel()
		}
	}()
	go func() {
		defer s.wg.Done()
		s.api.Run(s.ctx)
	}()

	if s.bot != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.bot.Run(s.ctx)
		}()
	}

	logger.Info("Main", "Server started successfully")
}

// Shutdown stops the loops, drains alerts and closes clients.
func (s *Server) Shutdown() error {
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpErr := s.httpServer.Shutdown(ctx)

	if err := s.source.Close(); err != nil {
		logger.Warn("Main", "Capture close: %v", err)
	}
	s.wg.Wait()

	var errs []error
	if err := s.alerts.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("alert drain: %w", err))
	}
	if err := s.recorder.Close(); err != nil {
		errs = append(errs, fmt.Errorf("recorder: %w", err))
	}
	if err := s.webrtc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("webrtc: %w", err))
	}
	if s.mqtt != nil {
		s.mqtt.Disconnect(250)
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if httpErr != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", httpErr))
	}
	return errors.Join(errs...)
}
