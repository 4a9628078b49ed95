// Package guard marks intervals in which multi-store atomicity does not
// hold, and detects whether a previous process died inside one.
//
// A Guard owns one marker file in a base directory. The file exists
// exactly while at least one region is open. Finding it when a Guard is
// created means the previous process crashed inside a region.
package guard

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/yndnr/snapkeeper/internal/core/domain"
	"github.com/yndnr/snapkeeper/internal/telemetry/metric"
)

// DefaultMarkerName is the marker file created inside the base path.
const DefaultMarkerName = "skaled.lock"

var (
	// ErrAlreadyInitialized is returned by New for a base path that already
	// has a live Guard in this process.
	ErrAlreadyInitialized = errors.New("guard: already initialized for this path")

	// ErrUnbalanced is returned by End without a matching Start.
	ErrUnbalanced = errors.New("guard: end without start")
)

var (
	registryMu sync.Mutex
	registry   = make(map[string]struct{})
)

// Option configures a Guard.
type Option func(*Guard)

// WithMarkerName overrides DefaultMarkerName.
func WithMarkerName(name string) Option {
	return func(g *Guard) { g.markerName = name }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// WithMetrics records region activity in reg.
func WithMetrics(reg *metric.Registry) Option {
	return func(g *Guard) { g.metrics = reg }
}

// Guard is the process-wide unsafe-region tracker for one base path.
// It is safe for concurrent use.
type Guard struct {
	basePath   string
	markerName string
	markerPath string
	logger     *slog.Logger
	metrics    *metric.Registry

	mu        sync.Mutex
	count     int
	started   bool // Start was called at least once in this process
	enteredAt time.Time
	unsafe    time.Duration
	unclean   bool
	resolved  bool
	closed    bool
}

// New creates the guard for basePath, creating the directory if needed,
// and records whether a marker from a previous process is present.
func New(basePath string, opts ...Option) (*Guard, error) {
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("guard: resolve %s: %w", basePath, err)
	}

	g := &Guard{
		basePath:   abs,
		markerName: DefaultMarkerName,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.markerPath = filepath.Join(abs, g.markerName)

	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[g.markerPath]; ok {
		return nil, ErrAlreadyInitialized
	}

	if err := os.MkdirAll(abs, 0750); err != nil {
		return nil, fmt.Errorf("guard: create %s: %w", abs, err)
	}
	switch _, err := os.Stat(g.markerPath); {
	case err == nil:
		g.unclean = true
		g.logger.Warn("unsafe region marker found, previous shutdown was unclean",
			"marker", g.markerPath)
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("guard: stat marker: %w", err)
	}

	registry[g.markerPath] = struct{}{}
	return g, nil
}

// MarkerPath returns the marker file path.
func (g *Guard) MarkerPath() string {
	return g.markerPath
}

// WasUnclean reports whether the marker existed when the guard was created.
func (g *Guard) WasUnclean() bool {
	return g.unclean
}

// UncleanErr returns domain.ErrUncleanShutdown naming the marker file if
// the previous process stopped inside a region, and nil otherwise.
func (g *Guard) UncleanErr() error {
	if !g.unclean {
		return nil
	}
	return domain.ErrUncleanShutdown.WithDetails(g.markerPath)
}

// IsActive reports whether a region is open. Before the first Start in
// this process it also reports a marker left by a crashed predecessor.
func (g *Guard) IsActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.count > 0 {
		return true
	}
	return g.unclean && !g.started && !g.resolved
}

// Resolve removes a marker left by a crashed predecessor once the caller
// has recovered the protected state. It is a no-op while a region is
// open or when the previous shutdown was clean. WasUnclean keeps
// reporting the original observation.
func (g *Guard) Resolve() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.unclean || g.resolved || g.count > 0 {
		return nil
	}
	if err := g.removeMarker(); err != nil {
		return err
	}
	g.resolved = true
	g.logger.Info("stale unsafe region marker removed", "marker", g.markerPath)
	return nil
}

// Start opens a region. The first open region creates and syncs the
// marker before returning, so it is on disk before any protected write.
func (g *Guard) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return errors.New("guard: closed")
	}
	if g.count == 0 {
		if err := g.createMarker(); err != nil {
			return err
		}
		g.enteredAt = time.Now()
		g.metrics.UnsafeEntered()
	}
	g.count++
	g.started = true
	return nil
}

// End closes a region. Closing the last open region removes the marker.
func (g *Guard) End() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.count == 0 {
		return ErrUnbalanced
	}
	if g.count == 1 {
		if err := g.removeMarker(); err != nil {
			return err
		}
		elapsed := time.Since(g.enteredAt)
		g.unsafe += elapsed
		g.metrics.UnsafeExited(elapsed)
	}
	g.count--
	return nil
}

// UnsafeDuration returns the total time spent with a region open.
func (g *Guard) UnsafeDuration() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.count > 0 {
		return g.unsafe + time.Since(g.enteredAt)
	}
	return g.unsafe
}

// Close releases the base path so a new Guard may be created for it.
// Open regions are left untouched, so their marker survives.
func (g *Guard) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true

	registryMu.Lock()
	delete(registry, g.markerPath)
	registryMu.Unlock()
	return nil
}

func (g *Guard) createMarker() error {
	f, err := os.OpenFile(g.markerPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("guard: create marker: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()
		return fmt.Errorf("guard: write marker: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("guard: sync marker: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("guard: close marker: %w", err)
	}
	return syncDir(g.basePath)
}

func (g *Guard) removeMarker() error {
	if err := os.Remove(g.markerPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("guard: remove marker: %w", err)
	}
	return syncDir(g.basePath)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("guard: open dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("guard: sync dir: %w", err)
	}
	return nil
}
