// Package config holds the sentinel server settings. Defaults come from
// Default, flags are bound in cmd/server, and secrets and infrastructure
// endpoints are read from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/dj-oyu/citywatch/sentinel-server/pkg/types"
)

// Lease backends.
const (
	LeaseFile  = "file"
	LeaseRedis = "redis"
)

// RedisConfig is the Redis connection used by the lease.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoadFromEnv reads <prefix>_ADDR, <prefix>_PASSWORD and <prefix>_DB.
func (c *RedisConfig) LoadFromEnv(prefix string) {
	if addr := os.Getenv(prefix + "_ADDR"); addr != "" {
		c.Addr = addr
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if db := os.Getenv(prefix + "_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			c.DB = n
		}
	}
}

// MQTTConfig is the alert broker. An empty Broker disables MQTT alerts.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
}

// LoadFromEnv reads <prefix>_BROKER, _CLIENT_ID, _USERNAME, _PASSWORD and _TOPIC.
func (c *MQTTConfig) LoadFromEnv(prefix string) {
	if broker := os.Getenv(prefix + "_BROKER"); broker != "" {
		c.Broker = broker
	}
	if clientID := os.Getenv(prefix + "_CLIENT_ID"); clientID != "" {
		c.ClientID = clientID
	}
	if username := os.Getenv(prefix + "_USERNAME"); username != "" {
		c.Username = username
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if topic := os.Getenv(prefix + "_TOPIC"); topic != "" {
		c.Topic = topic
	}
}

// TelegramConfig is the bot. An empty Token disables the bot and Telegram alerts.
type TelegramConfig struct {
	Token   string
	BaseURL string
	Lat     float64
	Lon     float64
	Sector  string
}

// LeaseConfig selects the singleton lock guarding the bot's polling loop.
type LeaseConfig struct {
	Backend string
	Path    string // file backend
	Key     string // redis backend
	TTL     time.Duration
}

// Config is the complete server configuration.
type Config struct {
	HTTPAddr    string
	MetricsAddr string // separate metrics listener, empty to serve only on HTTPAddr
	LogLevel    string
	LogColor    bool
	LogJSON     bool

	CameraURL         string // MJPEG stream
	CameraDir         string // replay jpg/png files instead of a stream
	CameraInterval    time.Duration
	CameraIdleTimeout time.Duration // redial the stream after this long without a frame

	DetectorURL     string
	DetectorTimeout time.Duration
	Threshold       float64
	JPEGQuality     int

	AlertDebounce time.Duration
	AlertQueue    int
	AlertWorkers  int
	AlertZone     string

	RecordPath   string
	MaxWebRTC    int
	STUNServers  []string
	StatusPeriod time.Duration

	Lease    LeaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig
	Telegram TelegramConfig
	Zones    []types.Zone
}

// DefaultZones are the monitored sectors shown by /zones.
func DefaultZones() []types.Zone {
	return []types.Zone{
		{ID: 1, Name: "NORTH SECTOR", Status: "🟢 Clear", Lat: 21.1458, Lon: 79.0882},
		{ID: 2, Name: "SOUTH SECTOR", Status: "🟢 Clear", Lat: 21.1358, Lon: 79.0782},
		{ID: 3, Name: "EAST SECTOR", Status: "🟢 Clear", Lat: 21.1558, Lon: 79.0982},
		{ID: 4, Name: "WEST SECTOR", Status: "🟢 Clear", Lat: 21.1258, Lon: 79.0682},
	}
}

// Default returns the production defaults.
func Default() Config {
	return Config{
		HTTPAddr: ":8000",
		LogLevel: "info",
		LogColor: true,

		CameraInterval:    33 * time.Millisecond,
		CameraIdleTimeout: 10 * time.Second,

		DetectorURL:     "http://localhost:9000",
		DetectorTimeout: 5 * time.Second,
		Threshold:       0.5,
		JPEGQuality:     80,

		AlertDebounce: 5 * time.Second,
		AlertQueue:    16,
		AlertWorkers:  2,
		AlertZone:     "NORTH SECTOR",

		RecordPath:   "./recordings",
		MaxWebRTC:    10,
		STUNServers:  []string{"stun:stun.l.google.com:19302"},
		StatusPeriod: time.Second,

		Lease: LeaseConfig{
			Backend: LeaseFile,
			Path:    "/tmp/citywatch_bot.lock",
			Key:     "citywatch:bot:lease",
			TTL:     30 * time.Second,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		MQTT: MQTTConfig{
			ClientID: "citywatch-sentinel",
			Topic:    "citywatch/alerts",
		},
		Telegram: TelegramConfig{
			Lat:    40.7580,
			Lon:    -73.9855,
			Sector: "North-East (Cam 01)",
		},
		Zones: DefaultZones(),
	}
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not an
// error; loaded reports whether it existed.
func LoadEnvFile(path string) (loaded bool, err error) {
	if path == "" {
		return false, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err := godotenv.Load(path); err != nil {
		return false, fmt.Errorf("load %s: %w", path, err)
	}
	return true, nil
}

// LoadFromEnv overlays environment variables onto c.
func (c *Config) LoadFromEnv() {
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		c.Telegram.Token = token
	}
	if url := os.Getenv("TELEGRAM_API_URL"); url != "" {
		c.Telegram.BaseURL = url
	}
	if url := os.Getenv("DETECTOR_URL"); url != "" {
		c.DetectorURL = url
	}
	if url := os.Getenv("CAMERA_URL"); url != "" {
		c.CameraURL = url
	}
	if backend := os.Getenv("LEASE_BACKEND"); backend != "" {
		c.Lease.Backend = backend
	}
	c.Redis.LoadFromEnv("REDIS")
	c.MQTT.LoadFromEnv("MQTT")
	// REDIS_ADDR alone selects the redis lease
	if os.Getenv("REDIS_ADDR") != "" && os.Getenv("LEASE_BACKEND") == "" {
		c.Lease.Backend = LeaseRedis
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Threshold <= 0 || c.Threshold > 1 {
		errs = append(errs, fmt.Errorf("threshold %.2f outside (0, 1]", c.Threshold))
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("jpeg quality %d outside [1, 100]", c.JPEGQuality))
	}
	for name, d := range map[string]time.Duration{
		"camera interval":     c.CameraInterval,
		"camera idle timeout": c.CameraIdleTimeout,
		"detector timeout":    c.DetectorTimeout,
		"alert debounce":      c.AlertDebounce,
		"lease ttl":           c.Lease.TTL,
		"status period":       c.StatusPeriod,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", name, d))
		}
	}
	if c.AlertQueue <= 0 || c.AlertWorkers <= 0 {
		errs = append(errs, errors.New("alert queue and workers must be positive"))
	}
	if c.CameraURL == "" && c.CameraDir == "" {
		errs = append(errs, errors.New("one of camera url or camera dir is required"))
	}
	switch c.Lease.Backend {
	case LeaseFile:
		if c.Lease.Path == "" {
			errs = append(errs, errors.New("file lease needs a path"))
		}
	case LeaseRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis lease needs an address"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown lease backend %q", c.Lease.Backend))
	}
	if len(c.Zones) == 0 {
		errs = append(errs, errors.New("at least one zone is required"))
	}
	return errors.Join(errs...)
}

// SplitList parses a comma-separated flag value, dropping empty entries.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
