// Package epoch implements the cross-store commit contract on top of a
// storage.KVEngine.
//
// Key layout inside the engine:
//
//	d/<key>   committed (or staged) data
//	u/<key>   undo record for <key>: 0x00 = key was absent, 0x01+value = prior value
//	m/latest  latest committed marker (8 bytes, big endian)
//	m/pending marker of the staged, uncommitted epoch
//
// Stage writes data, undo records and m/pending in one engine batch, and
// Commit swaps m/pending for m/latest in another. A crash between the two
// leaves a pending epoch that Recover resolves per RecoveryPolicy.
package epoch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/yndnr/snapkeeper/internal/core/domain"
	"github.com/yndnr/snapkeeper/internal/storage"
	"github.com/yndnr/snapkeeper/internal/telemetry/metric"
)

var (
	dataPrefix = []byte("d/")
	undoPrefix = []byte("u/")
	keyLatest  = []byte("m/latest")
	keyPending = []byte("m/pending")
)

const (
	undoAbsent  byte = 0x00
	undoPresent byte = 0x01
)

// RecoveryPolicy selects how Recover resolves a pending epoch.
type RecoveryPolicy string

const (
	// RollForward makes the pending epoch the latest one. Staged data is
	// complete because staging is a single atomic batch.
	RollForward RecoveryPolicy = "roll-forward"

	// RollBack applies the undo journal and keeps the previous latest.
	// A commit interrupted after some stores committed cannot be repaired
	// under this policy: the committed stores have dropped their journal,
	// so the lagging ones would stay behind. The coordinator detects this
	// before recovering anything, which leaves the staged epochs intact
	// for a restart with RollForward.
	RollBack RecoveryPolicy = "roll-back"
)

// ParsePolicy parses a configured policy name. Empty means RollForward.
func ParsePolicy(s string) (RecoveryPolicy, error) {
	switch RecoveryPolicy(s) {
	case "", RollForward:
		return RollForward, nil
	case RollBack:
		return RollBack, nil
	default:
		return "", fmt.Errorf("epoch: unknown recovery policy %q", s)
	}
}

// Write is one staged key change.
type Write struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// Config configures an epoch store.
type Config struct {
	// Name identifies the store in logs, metrics and diagnostics
	// (e.g. "blocks", "extras", "state", "aux").
	Name string

	// Policy is the recovery policy. Default: RollForward.
	Policy RecoveryPolicy

	// Engine is the backing KV engine. The store takes ownership and
	// closes it on Close.
	Engine storage.KVEngine

	Logger  *slog.Logger
	Metrics *metric.Registry
}

// Store is one participating store of the commit epoch. It satisfies
// commit.Store.
type Store struct {
	name    string
	policy  RecoveryPolicy
	engine  storage.KVEngine
	logger  *slog.Logger
	metrics *metric.Registry

	mu      sync.Mutex
	open    atomic.Bool
	latest  domain.Marker
	pending domain.Marker
}

// Open loads the store's markers from the engine.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Name == "" {
		return nil, errors.New("epoch: name is required")
	}
	if cfg.Engine == nil {
		return nil, errors.New("epoch: engine is required")
	}
	if cfg.Policy == "" {
		cfg.Policy = RollForward
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Store{
		name:    cfg.Name,
		policy:  cfg.Policy,
		engine:  cfg.Engine,
		logger:  cfg.Logger.With("store", cfg.Name),
		metrics: cfg.Metrics,
	}

	var err error
	if s.latest, err = s.readMarker(ctx, keyLatest); err != nil {
		return nil, fmt.Errorf("epoch: %s: read latest: %w", s.name, err)
	}
	if s.pending, err = s.readMarker(ctx, keyPending); err != nil {
		return nil, fmt.Errorf("epoch: %s: read pending: %w", s.name, err)
	}
	s.open.Store(true)

	s.logger.Info("epoch store opened",
		"latest", s.latest,
		"pending", s.pending,
		"policy", s.policy)

	return s, nil
}

// Name returns the store name.
func (s *Store) Name() string {
	return s.name
}

// IsOpen reports whether the store accepts commits.
func (s *Store) IsOpen() bool {
	return s.open.Load()
}

// Latest returns the most recently committed marker, or EmptyMarker.
// It panics on a closed store: reading a closed store is a programming error.
func (s *Store) Latest() domain.Marker {
	if !s.IsOpen() {
		panic(fmt.Sprintf("epoch: Latest on closed store %q", s.name))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// Pending returns the staged, uncommitted marker, or EmptyMarker.
func (s *Store) Pending() domain.Marker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Stage writes an epoch's data together with its undo journal. Staging the
// same marker again appends to the epoch; the undo journal keeps the value
// each key had before the epoch started.
func (s *Store) Stage(ctx context.Context, marker domain.Marker, writes []Write) error {
	if !s.IsOpen() {
		return domain.ErrStoreClosed.WithDetails(s.name)
	}
	if marker.IsEmpty() {
		return domain.ErrInvalidMarker
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if marker <= s.latest {
		return domain.ErrMarkerRegression.WithDetails(
			fmt.Sprintf("%s: stage %s, latest %s", s.name, marker, s.latest))
	}
	if !s.pending.IsEmpty() && s.pending != marker {
		return domain.ErrPendingEpoch.WithDetails(
			fmt.Sprintf("%s: pending %s, stage %s", s.name, s.pending, marker))
	}

	batch := storage.NewBatch()
	journaled := make(map[string]struct{}, len(writes))
	for _, w := range writes {
		if len(w.Key) == 0 {
			return fmt.Errorf("epoch: %s: empty key", s.name)
		}
		dk := dataKey(w.Key)
		if _, ok := journaled[string(dk)]; !ok {
			journaled[string(dk)] = struct{}{}
			if err := s.journal(ctx, batch, w.Key); err != nil {
				return err
			}
		}
		if w.Delete {
			batch.Delete(dk)
		} else {
			batch.Set(dk, w.Value)
		}
	}
	batch.Set(keyPending, marker.Bytes())

	if err := s.engine.Apply(ctx, batch); err != nil {
		return fmt.Errorf("epoch: %s: stage %s: %w", s.name, marker, err)
	}
	s.pending = marker
	return nil
}

// journal adds the undo record for key unless the epoch already has one.
func (s *Store) journal(ctx context.Context, batch *storage.Batch, key []byte) error {
	uk := undoKey(key)
	if _, err := s.engine.Get(ctx, uk); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrKeyNotFound) {
		return fmt.Errorf("epoch: %s: read undo: %w", s.name, err)
	}

	prev, err := s.engine.Get(ctx, dataKey(key))
	switch {
	case errors.Is(err, storage.ErrKeyNotFound):
		batch.Set(uk, []byte{undoAbsent})
	case err != nil:
		return fmt.Errorf("epoch: %s: read prior value: %w", s.name, err)
	default:
		batch.Set(uk, append([]byte{undoPresent}, prev...))
	}
	return nil
}

// Commit durably makes marker the latest epoch. Committing the current
// latest again is a no-op so that a commit with an ambiguous outcome can
// be retried.
func (s *Store) Commit(marker domain.Marker) error {
	if !s.IsOpen() {
		return domain.ErrStoreClosed.WithDetails(s.name)
	}
	if marker.IsEmpty() {
		return domain.ErrInvalidMarker
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case marker == s.latest:
		return nil
	case marker < s.latest:
		return domain.ErrMarkerRegression.WithDetails(
			fmt.Sprintf("%s: commit %s, latest %s", s.name, marker, s.latest))
	case !s.pending.IsEmpty() && s.pending != marker:
		return domain.ErrPendingEpoch.WithDetails(
			fmt.Sprintf("%s: pending %s, commit %s", s.name, s.pending, marker))
	}

	ctx := context.Background()
	batch := storage.NewBatch().Set(keyLatest, marker.Bytes())
	if !s.pending.IsEmpty() {
		if err := s.dropJournal(ctx, batch); err != nil {
			return err
		}
	}
	if err := s.engine.Apply(ctx, batch); err != nil {
		return fmt.Errorf("epoch: %s: commit %s: %w", s.name, marker, err)
	}

	s.latest = marker
	s.pending = domain.EmptyMarker
	s.metrics.Committed(s.name, uint64(marker))
	return nil
}

// Recover resolves a pending epoch left by an interrupted commit, using
// the store's policy. It is a no-op when nothing is pending, so calling
// it twice is safe.
func (s *Store) Recover() error {
	return s.resolve(s.policy)
}

// RecoveryTarget returns the marker Recover would leave the store at,
// without changing anything.
func (s *Store) RecoveryTarget() domain.Marker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending.IsEmpty() || s.policy == RollBack {
		return s.latest
	}
	return s.pending
}

// Discard rolls back a pending epoch regardless of policy. It is used
// when every store agrees on the latest marker, which proves no store
// committed the pending epoch.
func (s *Store) Discard() error {
	return s.resolve(RollBack)
}

func (s *Store) resolve(policy RecoveryPolicy) error {
	if !s.IsOpen() {
		return domain.ErrStoreClosed.WithDetails(s.name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending.IsEmpty() {
		return nil
	}

	ctx := context.Background()
	pending := s.pending
	batch := storage.NewBatch()

	switch policy {
	case RollForward:
		if err := s.dropJournal(ctx, batch); err != nil {
			return err
		}
		batch.Set(keyLatest, pending.Bytes())
	case RollBack:
		if err := s.undo(ctx, batch); err != nil {
			return err
		}
		batch.Delete(keyPending)
	default:
		return fmt.Errorf("epoch: %s: unknown recovery policy %q", s.name, policy)
	}

	if err := s.engine.Apply(ctx, batch); err != nil {
		return fmt.Errorf("epoch: %s: recover: %w", s.name, err)
	}

	if policy == RollForward {
		s.latest = pending
	}
	s.pending = domain.EmptyMarker
	s.metrics.Recovered(s.name, string(policy))

	s.logger.Warn("recovered pending epoch",
		"pending", pending,
		"policy", policy,
		"latest", s.latest)
	return nil
}

// dropJournal queues removal of every undo record and the pending flag.
func (s *Store) dropJournal(ctx context.Context, batch *storage.Batch) error {
	err := s.engine.Scan(ctx, undoPrefix, func(k, _ []byte) bool {
		batch.Delete(k)
		return true
	})
	if err != nil {
		return fmt.Errorf("epoch: %s: scan journal: %w", s.name, err)
	}
	batch.Delete(keyPending)
	return nil
}

// undo queues restoration of every journaled key.
func (s *Store) undo(ctx context.Context, batch *storage.Batch) error {
	var bad error
	err := s.engine.Scan(ctx, undoPrefix, func(k, v []byte) bool {
		dk := append(append([]byte{}, dataPrefix...), k[len(undoPrefix):]...)
		switch {
		case len(v) == 1 && v[0] == undoAbsent:
			batch.Delete(dk)
		case len(v) >= 1 && v[0] == undoPresent:
			batch.Set(dk, v[1:])
		default:
			bad = fmt.Errorf("epoch: %s: corrupt undo record for %q", s.name, k)
			return false
		}
		batch.Delete(k)
		return true
	})
	if err != nil {
		return fmt.Errorf("epoch: %s: scan journal: %w", s.name, err)
	}
	return bad
}

// Get returns the current value of key.
// Returns storage.ErrKeyNotFound if the key doesn't exist.
func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	if !s.IsOpen() {
		return nil, domain.ErrStoreClosed.WithDetails(s.name)
	}
	return s.engine.Get(ctx, dataKey(key))
}

// Scan visits data keys with the given prefix in ascending order. Keys
// passed to fn have the internal prefix stripped.
func (s *Store) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) bool) error {
	if !s.IsOpen() {
		return domain.ErrStoreClosed.WithDetails(s.name)
	}
	return s.engine.Scan(ctx, dataKey(prefix), func(k, v []byte) bool {
		return fn(k[len(dataPrefix):], v)
	})
}

// Stats returns the backing engine's statistics.
func (s *Store) Stats(ctx context.Context) (*storage.KVStats, error) {
	return s.engine.Stats(ctx)
}

// Close closes the store and its engine.
func (s *Store) Close() error {
	if !s.open.CompareAndSwap(true, false) {
		return nil
	}
	return s.engine.Close()
}

func (s *Store) readMarker(ctx context.Context, key []byte) (domain.Marker, error) {
	v, err := s.engine.Get(ctx, key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return domain.EmptyMarker, nil
	}
	if err != nil {
		return domain.EmptyMarker, err
	}
	return domain.MarkerFromBytes(v)
}

func dataKey(key []byte) []byte {
	return append(append(make([]byte, 0, len(dataPrefix)+len(key)), dataPrefix...), key...)
}

func undoKey(key []byte) []byte {
	return append(append(make([]byte, 0, len(undoPrefix)+len(key)), undoPrefix...), key...)
}
