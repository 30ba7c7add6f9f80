// Package capture provides the frame sources feeding the producer loop.
package capture

import (
	"context"
	"errors"
	"image"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/citywatch/sentinel-server/pkg/types"
)

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("capture source closed")

// Source yields decoded frames. Next blocks until a frame is available, ctx
// is done or the source fails.
type Source interface {
	Next(ctx context.Context) (*types.Frame, error)
	Close() error
}

// DropCounter is implemented by sources that discard frames the reader
// was too slow to take.
type DropCounter interface {
	Dropped() uint64
}

// mailbox is a single-slot latest-frame buffer: a new frame replaces an
// unconsumed one, so a slow consumer always gets the freshest frame.
type mailbox struct {
	ch    chan *types.Frame
	drops atomic.Uint64
}

func newMailbox() *mailbox {
	return &mailbox{ch: make(chan *types.Frame, 1)}
}

func (m *mailbox) put(f *types.Frame) {
	for {
		select {
		case m.ch <- f:
			return
		default:
		}
		select {
		case <-m.ch:
			m.drops.Add(1)
		default:
		}
	}
}

func (m *mailbox) get(ctx context.Context, done <-chan struct{}) (*types.Frame, error) {
	select {
	case f := <-m.ch:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
		return nil, ErrClosed
	}
}

// Still returns the same image at a fixed rate. Used for demos and tests.
type Still struct {
	Image    image.Image
	Interval time.Duration
	seq      atomic.Uint64
}

// Next waits one interval and returns the image.
func (s *Still) Next(ctx context.Context) (*types.Frame, error) {
	if s.Interval > 0 {
		t := time.NewTimer(s.Interval)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &types.Frame{Image: s.Image, Timestamp: time.Now(), Seq: s.seq.Add(1)}, nil
}

// Close is a no-op.
func (s *Still) Close() error { return nil }
