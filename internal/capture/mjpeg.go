package capture

import (
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"mime"
	"mime/multipart"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/dj-oyu/citywatch/sentinel-server/internal/logger"
	"github.com/dj-oyu/citywatch/sentinel-server/pkg/types"
)

const (
	defaultReconnectDelay = 2 * time.Second
	// A camera that sends nothing for this long is treated as dead.
	defaultIdleTimeout = 10 * time.Second
)

var errStalled = errors.New("no frame within idle timeout")

// MJPEG reads a multipart/x-mixed-replace JPEG stream, as served by IP
// cameras and by our own /video_feed. A background reader keeps only the
// newest frame and reconnects on failure.
type MJPEG struct {
	url    string
	client *resty.Client
	box    *mailbox

	seq            uint64
	idleTimeout    time.Duration
	reconnectDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// MJPEGOption tunes an MJPEG reader.
type MJPEGOption func(*MJPEG)

// WithIdleTimeout sets how long a connection may go without a complete part
// before it is dropped and redialled.
func WithIdleTimeout(d time.Duration) MJPEGOption {
	return func(m *MJPEG) { m.idleTimeout = d }
}

// WithReconnectDelay sets the pause between connection attempts.
func WithReconnectDelay(d time.Duration) MJPEGOption {
	return func(m *MJPEG) { m.reconnectDelay = d }
}

// NewMJPEG starts reading from url. No overall timeout is set since the
// stream is expected to stay open; an idle watchdog catches silent stalls.
func NewMJPEG(url string, opts ...MJPEGOption) *MJPEG {
	client := resty.New().
		SetHeader("Accept", "multipart/x-mixed-replace")

	ctx, cancel := context.WithCancel(context.Background())
	m := &MJPEG{
		url:            url,
		client:         client,
		box:            newMailbox(),
		idleTimeout:    defaultIdleTimeout,
		reconnectDelay: defaultReconnectDelay,
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.wg.Add(1)
	go m.run()
	return m
}

// Next returns the newest frame.
func (m *MJPEG) Next(ctx context.Context) (*types.Frame, error) {
	return m.box.get(ctx, m.ctx.Done())
}

// Dropped returns the number of frames replaced before being consumed.
func (m *MJPEG) Dropped() uint64 { return m.box.drops.Load() }

// Close stops the reader.
func (m *MJPEG) Close() error {
	m.once.Do(func() {
		m.cancel()
		m.wg.Wait()
	})
	return nil
}

func (m *MJPEG) run() {
	defer m.wg.Done()

	for {
		err := m.stream()
		if m.ctx.Err() != nil {
			return
		}
		logger.Warn("Capture", "MJPEG stream %s: %v (reconnecting in %v)", m.url, err, m.reconnectDelay)

		select {
		case <-m.ctx.Done():
			return
		case <-time.After(m.reconnectDelay):
		}
	}
}

// stream reads one connection until it fails. The watchdog cancels the
// connection when no part completes within idleTimeout, which also bounds
// the dial and the response headers.
func (m *MJPEG) stream() (err error) {
	ctx, cancel := context.WithCancelCause(m.ctx)
	defer cancel(nil)
	var watchdog *time.Timer
	if m.idleTimeout > 0 {
		watchdog = time.AfterFunc(m.idleTimeout, func() { cancel(errStalled) })
		defer watchdog.Stop()
	}
	defer func() {
		if errors.Is(context.Cause(ctx), errStalled) {
			err = fmt.Errorf("%w: %w", errStalled, err)
		}
	}()

	resp, err := m.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(m.url)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.IsError() {
		return fmt.Errorf("connect: status %d", resp.StatusCode())
	}

	boundary, err := parseBoundary(resp.Header().Get("Content-Type"))
	if err != nil {
		return err
	}
	logger.Info("Capture", "Connected to %s (boundary=%q)", m.url, boundary)

	mr := multipart.NewReader(body, boundary)
	for {
		part, err := mr.NextPart()
		if err != nil {
			return fmt.Errorf("next part: %w", err)
		}
		img, err := jpeg.Decode(part)
		part.Close()
		if watchdog != nil {
			watchdog.Reset(m.idleTimeout)
		}
		if err != nil {
			logger.Debug("Capture", "Skipping undecodable part: %v", err)
			continue
		}
		m.seq++
		m.box.put(&types.Frame{Image: img, Timestamp: time.Now(), Seq: m.seq})
	}
}

func parseBoundary(contentType string) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("content type %q: %w", contentType, err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return "", fmt.Errorf("content type %q is not multipart", contentType)
	}
	b := params["boundary"]
	if b == "" {
		return "", fmt.Errorf("content type %q has no boundary", contentType)
	}
	// Some cameras send the boundary with the leading dashes.
	return strings.TrimPrefix(b, "--"), nil
}
