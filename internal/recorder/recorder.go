// Package recorder writes annotated frames to an MJPEG file on demand.
package recorder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dj-oyu/citywatch/sentinel-server/internal/logger"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/metrics"
)

var (
	ErrRecording    = errors.New("already recording")
	ErrNotRecording = errors.New("not recording")
)

// Recorder appends JPEG frames to a file as a raw MJPEG stream. Frames are
// handed off through a buffered channel so the producer never waits on disk.
type Recorder struct {
	mu           sync.RWMutex
	file         *os.File
	filename     string
	basePath     string
	recording    bool
	frameCount   uint64
	bytesWritten uint64
	startTime    time.Time
	stopTime     time.Time
	frameChan    chan []byte
	wg           sync.WaitGroup
	now          func() time.Time
	metrics      *metrics.Metrics
}

// NewRecorder returns a recorder writing under basePath.
func NewRecorder(basePath string, m *metrics.Metrics) *Recorder {
	if m == nil {
		m = metrics.New()
	}
	return &Recorder{
		basePath: basePath,
		now:      time.Now,
		metrics:  m,
	}
}

// Start opens a new recording file and returns its name.
func (r *Recorder) Start() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return "", ErrRecording
	}

	if err := os.MkdirAll(r.basePath, 0o755); err != nil {
		return "", fmt.Errorf("failed to create recording dir: %w", err)
	}

	now := r.now()
	filename := fmt.Sprintf("recording_%s.mjpeg", now.Format("20060102_150405"))
	file, err := os.Create(filepath.Join(r.basePath, filename))
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}

	r.file = file
	r.filename = filename
	r.recording = true
	r.frameCount = 0
	r.bytesWritten = 0
	r.startTime = now
	r.stopTime = time.Time{}
	// 2 seconds at 30fps
	r.frameChan = make(chan []byte, 60)

	r.wg.Add(1)
	go r.writeFrames(file, r.frameChan)

	metrics.SetBool(&r.metrics.RecordingActive, true)
	logger.Info("Recorder", "Recording started: %s", filename)
	return filename, nil
}

// Stop flushes pending frames, closes the file and returns its name.
func (r *Recorder) Stop() (string, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return "", ErrNotRecording
	}
	r.recording = false
	r.stopTime = r.now()
	close(r.frameChan)
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	metrics.SetBool(&r.metrics.RecordingActive, false)

	file := r.file
	r.file = nil
	if err := file.Sync(); err != nil {
		file.Close()
		return r.filename, fmt.Errorf("failed to sync file: %w", err)
	}
	if err := file.Close(); err != nil {
		return r.filename, fmt.Errorf("failed to close file: %w", err)
	}

	logger.Info("Recorder", "Recording stopped: %s (%d frames, %d bytes)", r.filename, r.frameCount, r.bytesWritten)
	return r.filename, nil
}

// SendFrame queues one JPEG. It reports false when not recording or when the
// writer is behind and the frame was dropped.
func (r *Recorder) SendFrame(jpeg []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.recording {
		return false
	}

	select {
	case r.frameChan <- jpeg:
		return true
	default:
		r.metrics.RecorderFramesDropped.Add(1)
		return false
	}
}

func (r *Recorder) writeFrames(file *os.File, frames <-chan []byte) {
	defer r.wg.Done()
	for data := range frames {
		n, err := file.Write(data)
		if err != nil {
			logger.Warn("Recorder", "Write failed: %v", err)
			continue
		}

		r.mu.Lock()
		r.bytesWritten += uint64(n)
		r.frameCount++
		r.mu.Unlock()

		r.metrics.RecordingBytes.Add(uint64(n))
		r.metrics.RecordingFrames.Add(1)
	}
}

// IsRecording reports whether a recording is open.
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// Status returns the current or last recording.
func (r *Recorder) Status() RecordingStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var duration time.Duration
	switch {
	case r.recording:
		duration = r.now().Sub(r.startTime)
	case !r.stopTime.IsZero():
		duration = r.stopTime.Sub(r.startTime)
	}

	return RecordingStatus{
		Recording:    r.recording,
		Filename:     r.filename,
		FrameCount:   r.frameCount,
		BytesWritten: r.bytesWritten,
		DurationMs:   duration.Milliseconds(),
		StartTime:    r.startTime,
	}
}

// Close stops any open recording.
func (r *Recorder) Close() error {
	if r.IsRecording() {
		_, err := r.Stop()
		return err
	}
	return nil
}

// RecordingStatus holds the current recording status
type RecordingStatus struct {
	Recording    bool      `json:"recording"`
	Filename     string    `json:"filename"`
	FrameCount   uint64    `json:"frame_count"`
	BytesWritten uint64    `json:"bytes_written"`
	DurationMs   int64     `json:"duration_ms"`
	StartTime    time.Time `json:"start_time"`
}
