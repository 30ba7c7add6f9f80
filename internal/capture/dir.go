package capture

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/citywatch/sentinel-server/pkg/types"
)

// Dir replays the JPEG/PNG files of a directory in name order, looping
// forever at a fixed interval. Useful for demos without a camera.
type Dir struct {
	files    []string
	interval time.Duration
	pos      int
	seq      uint64
	closed   atomic.Bool
}

// NewDir lists the images under path. It fails if there are none.
func NewDir(path string, interval time.Duration) (*Dir, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read capture dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			files = append(files, filepath.Join(path, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("capture dir %s: no images", path)
	}
	slices.Sort(files)

	return &Dir{files: files, interval: interval}, nil
}

// Next decodes the next file after waiting one interval.
func (d *Dir) Next(ctx context.Context) (*types.Frame, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	if d.interval > 0 {
		t := time.NewTimer(d.interval)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	name := d.files[d.pos]
	d.pos = (d.pos + 1) % len(d.files)

	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open frame: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(name), err)
	}
	d.seq++
	return &types.Frame{Image: img, Timestamp: time.Now(), Seq: d.seq}, nil
}

// Close makes further Next calls fail.
func (d *Dir) Close() error {
	d.closed.Store(true)
	return nil
}
