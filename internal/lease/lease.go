// Package lease provides a cross-process singleton lock with a time to live.
//
// A holder that stops refreshing loses the lease after the TTL, so a crashed
// process never blocks its successors forever.
package lease

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/citywatch/sentinel-server/internal/logger"
)

// DefaultTTL is how long an unrefreshed lease stays valid.
const DefaultTTL = 30 * time.Second

var (
	// ErrNotAcquired means another live process holds the lease.
	ErrNotAcquired = errors.New("lease held by another process")
	// ErrLost means the lease expired or was taken over while we held it.
	ErrLost = errors.New("lease lost")
)

// Lease is a named exclusive lock with a TTL.
type Lease interface {
	// Acquire takes the lease if it is free or stale. It reports false,
	// without error, when another live holder has it.
	Acquire(ctx context.Context) (bool, error)
	// Refresh extends the TTL. It returns ErrLost if we no longer hold it.
	Refresh(ctx context.Context) error
	// Release frees the lease if we still hold it.
	Release(ctx context.Context) error
	// Holder is this process's identity as written to the lease.
	Holder() string
}

// NewHolderID returns a process-unique identity "pid:uuid".
func NewHolderID() string {
	return fmt.Sprintf("%d:%s", os.Getpid(), uuid.NewString())
}

// Run acquires l, keeps it alive every refreshEvery while fn runs, and
// releases it on every return path. It returns ErrNotAcquired without
// calling fn when the lease is held elsewhere. fn's context is cancelled if
// the lease is lost. With refreshEvery <= 0 no heartbeat runs and fn must
// call Refresh itself.
func Run(ctx context.Context, l Lease, refreshEvery time.Duration, fn func(ctx context.Context) error) error {
	ok, err := l.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		return ErrNotAcquired
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	defer func() {
		// Release with a fresh context; ctx is usually already cancelled here.
		relCtx, relCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer relCancel()
		if err := l.Release(relCtx); err != nil {
			logger.Warn("Lease", "Release failed: %v", err)
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		if refreshEvery <= 0 {
			return
		}
		ticker := time.NewTicker(refreshEvery)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := l.Refresh(runCtx); err != nil {
					if errors.Is(err, ErrLost) {
						logger.Error("Lease", "Lease lost: %v", err)
						cancel(err)
						return
					}
					logger.Warn("Lease", "Refresh failed: %v", err)
				}
			}
		}
	}()

	err = fn(runCtx)
	cancel(nil)
	<-heartbeatDone

	if cause := context.Cause(runCtx); err == nil && errors.Is(cause, ErrLost) {
		return cause
	}
	return err
}
