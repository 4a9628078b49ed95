// Package commit defines the cross-store commit contract and the
// coordinator that keeps a set of stores on one epoch history.
package commit

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/yndnr/snapkeeper/internal/core/domain"
)

// Store is the contract every participating store satisfies.
type Store interface {
	// Name identifies the store in diagnostics.
	Name() string

	// IsOpen reports whether the store is ready to accept commits.
	IsOpen() bool

	// Latest returns the marker committed most recently, or
	// domain.EmptyMarker if the store never committed.
	Latest() domain.Marker

	// Commit durably persists marker as the new latest epoch. Committing
	// the current latest again is a no-op.
	Commit(marker domain.Marker) error

	// Recover repairs partial state left by an interrupted commit so that
	// Latest is a fully written epoch. It must be idempotent.
	Recover() error
}

// Discarder is implemented by stores that can drop a staged epoch which
// no store committed.
type Discarder interface {
	Discard() error
}

// Planner is implemented by stores that can report, before recovering,
// the marker Recover would leave them at.
type Planner interface {
	RecoveryTarget() domain.Marker
}

// Coordinator keeps a fixed set of stores on one epoch history.
type Coordinator struct {
	stores []Store
	logger *slog.Logger
}

// NewCoordinator creates a coordinator over stores. Stores are committed
// in the given order.
func NewCoordinator(logger *slog.Logger, stores ...Store) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{stores: stores, logger: logger}
}

// Stores returns the registered stores.
func (c *Coordinator) Stores() []Store {
	return c.stores
}

// Markers returns the latest marker of every store, in registration order.
func (c *Coordinator) Markers() []domain.StoreMarker {
	out := make([]domain.StoreMarker, len(c.stores))
	for i, s := range c.stores {
		out[i] = domain.StoreMarker{Store: s.Name(), Marker: s.Latest()}
	}
	return out
}

// Reconcile runs the startup check. If the stores disagree, every store
// below the maximum marker is recovered. Stores that still disagree
// afterwards yield *domain.InconsistentStoreSetError.
//
// Lagging stores implementing Planner are checked first: if any of them
// cannot reach the maximum marker, Reconcile fails without recovering any
// store, so their staged epochs survive for another attempt.
//
// Once the markers agree, stores implementing Discarder drop any staged
// epoch, since no store committed it.
func (c *Coordinator) Reconcile() (domain.Marker, error) {
	if err := c.checkOpen(); err != nil {
		return domain.EmptyMarker, err
	}

	before := c.Markers()
	top, equal := maxMarker(before)

	if !equal {
		c.logger.Warn("store markers disagree, recovering lagging stores",
			"markers", formatMarkers(before),
			"max", top)

		if err := c.checkReachable(before, top); err != nil {
			return domain.EmptyMarker, err
		}

		for i, s := range c.stores {
			if before[i].Marker >= top {
				continue
			}
			if err := s.Recover(); err != nil {
				return domain.EmptyMarker, fmt.Errorf("commit: recover %s: %w", s.Name(), err)
			}
		}

		after := c.Markers()
		if _, ok := maxMarker(after); !ok {
			return domain.EmptyMarker, &domain.InconsistentStoreSetError{Before: before, After: after}
		}
		c.logger.Info("stores reconciled", "marker", after[0].Marker)
		top = after[0].Marker
	}

	for _, s := range c.stores {
		d, ok := s.(Discarder)
		if !ok {
			continue
		}
		if err := d.Discard(); err != nil {
			return domain.EmptyMarker, fmt.Errorf("commit: discard %s: %w", s.Name(), err)
		}
	}

	return top, nil
}

// checkReachable fails when a lagging store reports that recovery would
// not bring it to top.
func (c *Coordinator) checkReachable(before []domain.StoreMarker, top domain.Marker) error {
	for i, s := range c.stores {
		if before[i].Marker >= top {
			continue
		}
		p, ok := s.(Planner)
		if !ok {
			continue
		}
		if got := p.RecoveryTarget(); got != top {
			c.logger.Error("lagging store cannot recover to the maximum marker",
				"store", s.Name(),
				"reachable", got,
				"max", top)
			return &domain.InconsistentStoreSetError{Before: before, After: c.Markers()}
		}
	}
	return nil
}

// CommitAll commits marker on every store in registration order. It is
// not atomic across stores: callers run it inside an unsafe region so
// that an interruption is detected on the next start.
func (c *Coordinator) CommitAll(marker domain.Marker) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	for _, s := range c.stores {
		if err := s.Commit(marker); err != nil {
			return fmt.Errorf("commit: %s at %s: %w", s.Name(), marker, err)
		}
	}
	return nil
}

// Consistent reports whether every store is at the same marker.
func (c *Coordinator) Consistent() bool {
	_, ok := maxMarker(c.Markers())
	return ok
}

func (c *Coordinator) checkOpen() error {
	if len(c.stores) == 0 {
		return errors.New("commit: no stores registered")
	}
	for _, s := range c.stores {
		if !s.IsOpen() {
			return domain.ErrStoreClosed.WithDetails(s.Name())
		}
	}
	return nil
}

// maxMarker returns the maximum marker and whether all markers are equal.
func maxMarker(ms []domain.StoreMarker) (domain.Marker, bool) {
	if len(ms) == 0 {
		return domain.EmptyMarker, true
	}
	top, equal := ms[0].Marker, true
	for _, m := range ms[1:] {
		if m.Marker != ms[0].Marker {
			equal = false
		}
		if m.Marker > top {
			top = m.Marker
		}
	}
	return top, equal
}

func formatMarkers(ms []domain.StoreMarker) string {
	s := ""
	for i, m := range ms {
		if i > 0 {
			s += " "
		}
		s += m.Store + "=" + m.Marker.String()
	}
	return s
}
