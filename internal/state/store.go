// Package state holds the most recently published frame and assessment,
// shared between the producer and every reader.
package state

import (
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/citywatch/sentinel-server/internal/ring"
	"github.com/dj-oyu/citywatch/sentinel-server/internal/threat"
)

// RecentCapacity is the number of annotated frames kept for clips.
const RecentCapacity = 15

// ErrNotReady is returned before the producer has published its first frame.
var ErrNotReady = errors.New("no frame published yet")

// Published is one immutable frame/assessment pair. Readers must not modify
// Image or JPEG.
type Published struct {
	Image      image.Image
	JPEG       []byte
	Assessment threat.Assessment
	Seq        uint64
	At         time.Time
}

// Store publishes frames from a single producer to many readers. A reader
// always sees a complete Published value, never a mix of two frames.
type Store struct {
	latest atomic.Pointer[Published]

	mu     sync.Mutex
	recent *ring.Ring[image.Image]

	grid   atomic.Bool
	camera atomic.Bool
}

// NewStore returns an empty store with the camera enabled and grid mode off.
func NewStore() *Store {
	s := &Store{recent: ring.New[image.Image](RecentCapacity)}
	s.camera.Store(true)
	return s
}

// Publish replaces the current frame. The caller must not modify p afterwards.
func (s *Store) Publish(p *Published) {
	s.latest.Store(p)
}

// Latest returns the current frame, or false before the first Publish.
func (s *Store) Latest() (*Published, bool) {
	p := s.latest.Load()
	return p, p != nil
}

// Snapshot returns the current encoded frame or ErrNotReady.
func (s *Store) Snapshot() ([]byte, error) {
	p := s.latest.Load()
	if p == nil || len(p.JPEG) == 0 {
		return nil, ErrNotReady
	}
	return p.JPEG, nil
}

// AppendRecent adds an annotated frame to the clip buffer, evicting the oldest.
func (s *Store) AppendRecent(img image.Image) {
	s.mu.Lock()
	s.recent.Push(img)
	s.mu.Unlock()
}

// Recent returns up to n of the newest buffered frames, oldest first.
// n <= 0 returns all of them.
func (s *Store) Recent(n int) []image.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recent.Last(n)
}

// RecentLen returns the number of buffered frames.
func (s *Store) RecentLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recent.Len()
}

// ToggleGrid flips grid mode and returns the new value.
func (s *Store) ToggleGrid() bool {
	for {
		old := s.grid.Load()
		if s.grid.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

// GridMode reports whether the published image is a 2x2 grid.
func (s *Store) GridMode() bool { return s.grid.Load() }

// ToggleCamera flips the privacy switch and returns the new value.
func (s *Store) ToggleCamera() bool {
	for {
		old := s.camera.Load()
		if s.camera.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

// SetCamera sets the privacy switch.
func (s *Store) SetCamera(enabled bool) { s.camera.Store(enabled) }

// CameraEnabled reports whether frames are captured and evaluated.
func (s *Store) CameraEnabled() bool { return s.camera.Load() }
