// Package workspace provides a directory lock that hands its holder an
// empty directory.
//
// The lock is an advisory flock on a sentinel file inside the directory,
// so it excludes other processes as well as other Lock values in this
// process. Every successful acquisition deletes everything except the
// sentinel; releasing the lock leaves the content in place for
// inspection until the next holder acquires it.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"

	"github.com/yndnr/snapkeeper/internal/core/domain"
)

// SentinelName is the lock file kept inside the workspace.
const SentinelName = ".lock"

// openRetryInterval is the wait between failed sentinel opens in Lock.
const openRetryInterval = time.Second

// noCopy triggers go vet's copylocks check.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Lock guards one workspace directory. It is not reentrant.
type Lock struct {
	noCopy noCopy

	dir    string
	logger *slog.Logger

	mu   sync.Mutex
	file *os.File
}

// New returns an unheld lock for dir.
func New(dir string, logger *slog.Logger) *Lock {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lock{dir: dir, logger: logger.With("workspace", dir)}
}

// Dir returns the workspace directory.
func (l *Lock) Dir() string {
	return l.dir
}

// SentinelPath returns the sentinel file path.
func (l *Lock) SentinelPath() string {
	return filepath.Join(l.dir, SentinelName)
}

// Held reports whether this Lock currently holds the workspace.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file != nil
}

// Lock blocks until the workspace is acquired. A failing sentinel open is
// retried every second without limit.
func (l *Lock) Lock() error {
	return l.LockContext(context.Background())
}

// LockContext is Lock with sentinel open retries bounded by ctx. Once the
// sentinel is open, the flock wait itself is not interruptible.
func (l *Lock) LockContext(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return domain.ErrWorkspaceHeld.WithDetails(l.dir)
	}

	for {
		f, err := l.openWithRetry(ctx)
		if err != nil {
			return err
		}
		if err := flock(f, unix.LOCK_EX); err != nil {
			f.Close()
			return fmt.Errorf("workspace: flock %s: %w", l.dir, err)
		}
		ok, err := l.current(f)
		if err != nil {
			release(f)
			return err
		}
		if ok {
			return l.acquired(f)
		}
		// the holder removed the workspace while we waited
		release(f)
		l.logger.Debug("workspace sentinel replaced while waiting, retrying")
		if err := ctx.Err(); err != nil {
			return domain.ErrWorkspaceOpen.WithCause(err)
		}
	}
}

func (l *Lock) openWithRetry(ctx context.Context) (*os.File, error) {
	var f *os.File
	open := func() error {
		var err error
		f, err = l.openSentinel()
		return err
	}
	notify := func(err error, wait time.Duration) {
		l.logger.Warn("cannot open workspace sentinel, retrying",
			"error", err,
			"retry_in", wait)
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(openRetryInterval), ctx)
	if err := backoff.RetryNotify(open, b, notify); err != nil {
		return nil, domain.ErrWorkspaceOpen.WithCause(err)
	}
	return f, nil
}

// TryLock makes one attempt to acquire the workspace. It returns false
// without error when another holder has it.
func (l *Lock) TryLock() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return false, domain.ErrWorkspaceHeld.WithDetails(l.dir)
	}

	for {
		f, err := l.openSentinel()
		if err != nil {
			return false, domain.ErrWorkspaceOpen.WithCause(err)
		}
		if err := flock(f, unix.LOCK_EX|unix.LOCK_NB); err != nil {
			f.Close()
			if errors.Is(err, unix.EWOULDBLOCK) {
				return false, nil
			}
			return false, fmt.Errorf("workspace: flock %s: %w", l.dir, err)
		}
		ok, err := l.current(f)
		if err != nil {
			release(f)
			return false, err
		}
		if !ok {
			release(f)
			continue
		}
		if err := l.acquired(f); err != nil {
			return false, err
		}
		return true, nil
	}
}

// current reports whether f is still the file at the sentinel path. A
// flock on an unlinked or replaced sentinel excludes nobody.
func (l *Lock) current(f *os.File) (bool, error) {
	var held, onDisk unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &held); err != nil {
		return false, fmt.Errorf("workspace: stat held sentinel: %w", err)
	}
	if err := unix.Stat(l.SentinelPath(), &onDisk); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return false, nil
		}
		return false, fmt.Errorf("workspace: stat %s: %w", l.SentinelPath(), err)
	}
	return held.Dev == onDisk.Dev && held.Ino == onDisk.Ino, nil
}

// Remove deletes the held workspace and releases the lock. Content goes
// first and the sentinel last, so waiters on the old sentinel see it
// replaced and start over on a fresh one.
func (l *Lock) Remove() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return errors.New("workspace: remove of unheld lock")
	}
	f := l.file
	l.file = nil
	defer release(f)

	if _, err := l.clean(); err != nil {
		return err
	}
	if err := os.Remove(l.SentinelPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("workspace: remove sentinel: %w", err)
	}
	// a new holder may already have recreated the sentinel
	if err := os.Remove(l.dir); err != nil && !os.IsNotExist(err) && !errors.Is(err, unix.ENOTEMPTY) && !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("workspace: remove %s: %w", l.dir, err)
	}
	return nil
}

// Unlock releases the workspace. Its content is left in place.
func (l *Lock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return errors.New("workspace: unlock of unheld lock")
	}
	f := l.file
	l.file = nil

	uerr := flock(f, unix.LOCK_UN)
	cerr := f.Close()
	if uerr != nil {
		return fmt.Errorf("workspace: unlock %s: %w", l.dir, uerr)
	}
	return cerr
}

// acquired cleans the workspace after the flock is taken. On failure the
// lock is released again.
func (l *Lock) acquired(f *os.File) error {
	removed, err := l.clean()
	if err != nil {
		release(f)
		return err
	}
	l.file = f
	if removed > 0 {
		l.logger.Info("workspace acquired, removed stale entries", "removed", removed)
	}
	return nil
}

// clean deletes every entry of the directory except the sentinel.
func (l *Lock) clean() (int, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return 0, fmt.Errorf("workspace: read %s: %w", l.dir, err)
	}
	removed := 0
	for _, e := range entries {
		if e.Name() == SentinelName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(l.dir, e.Name())); err != nil {
			return removed, fmt.Errorf("workspace: remove %s: %w", e.Name(), err)
		}
		removed++
	}
	return removed, nil
}

func (l *Lock) openSentinel() (*os.File, error) {
	if err := os.MkdirAll(l.dir, 0750); err != nil {
		return nil, err
	}
	return os.OpenFile(l.SentinelPath(), os.O_CREATE|os.O_RDWR, 0600)
}

func release(f *os.File) {
	flock(f, unix.LOCK_UN)
	f.Close()
}

func flock(f *os.File, how int) error {
	for {
		err := unix.Flock(int(f.Fd()), how)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}
