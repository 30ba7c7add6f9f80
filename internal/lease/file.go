package lease

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FileLease is a lease backed by a marker file on a shared filesystem.
//
// The marker holds the holder identity and its mtime is the heartbeat. A
// marker not touched for longer than the TTL is considered stale and may be
// taken over.
type FileLease struct {
	path   string
	holder string
	ttl    time.Duration
	now    func() time.Time
}

// NewFileLease returns a lease on the marker at path.
func NewFileLease(path string, ttl time.Duration) *FileLease {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &FileLease{
		path:   path,
		holder: NewHolderID(),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Holder returns this process's identity.
func (l *FileLease) Holder() string { return l.holder }

// Path returns the marker path.
func (l *FileLease) Path() string { return l.path }

// Acquire creates the marker exclusively, replacing it once if stale.
func (l *FileLease) Acquire(ctx context.Context) (bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		err := l.create()
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return false, err
		}

		info, err := os.Stat(l.path)
		if errors.Is(err, fs.ErrNotExist) {
			continue // released between create and stat
		}
		if err != nil {
			return false, fmt.Errorf("stat lease marker: %w", err)
		}
		if l.now().Sub(info.ModTime()) <= l.ttl {
			return false, nil
		}

		retry, err := l.reclaim(info)
		if err != nil || !retry {
			return false, err
		}
	}
	return false, nil
}

// reclaim moves the stale marker aside and deletes it only if it is still
// the file that was judged stale. Another reclaimer may have replaced it
// with a live marker in the meantime; that one is put back. It reports
// whether the caller should retry create.
func (l *FileLease) reclaim(stale fs.FileInfo) (bool, error) {
	aside := fmt.Sprintf("%s.reclaim-%s", l.path, uuid.NewString())
	if err := os.Rename(l.path, aside); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true, nil
		}
		return false, fmt.Errorf("move stale lease marker: %w", err)
	}

	moved, err := os.Stat(aside)
	if err == nil && os.SameFile(moved, stale) && l.now().Sub(moved.ModTime()) > l.ttl {
		if err := os.Remove(aside); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("remove stale lease marker: %w", err)
		}
		return true, nil
	}

	// Link does not overwrite, so a marker created since stays in place.
	if err := os.Link(aside, l.path); err != nil && !errors.Is(err, fs.ErrExist) {
		os.Remove(aside)
		return false, fmt.Errorf("restore lease marker: %w", err)
	}
	os.Remove(aside)
	return false, nil
}

func (l *FileLease) create() error {
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(l.holder); err != nil {
		f.Close()
		os.Remove(l.path)
		return fmt.Errorf("write lease marker: %w", err)
	}
	return f.Close()
}

func (l *FileLease) owned() (bool, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read lease marker: %w", err)
	}
	return strings.TrimSpace(string(data)) == l.holder, nil
}

// Refresh touches the marker mtime while it still names us.
func (l *FileLease) Refresh(_ context.Context) error {
	ok, err := l.owned()
	if err != nil {
		return err
	}
	if !ok {
		return ErrLost
	}
	now := l.now()
	if err := os.Chtimes(l.path, now, now); err != nil {
		return fmt.Errorf("touch lease marker: %w", err)
	}
	return nil
}

// Release removes the marker only if it still names us.
func (l *FileLease) Release(_ context.Context) error {
	ok, err := l.owned()
	if err != nil || !ok {
		return err
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lease marker: %w", err)
	}
	return nil
}
