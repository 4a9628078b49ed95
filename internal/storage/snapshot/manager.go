package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/yndnr/snapkeeper/internal/core/domain"
	"github.com/yndnr/snapkeeper/internal/storage/commit"
	"github.com/yndnr/snapkeeper/internal/storage/guard"
	"github.com/yndnr/snapkeeper/internal/storage/workspace"
	"github.com/yndnr/snapkeeper/internal/telemetry/metric"
)

const (
	// IncomingDir is the workspace a fetched snapshot is written into.
	IncomingDir = "incoming"

	DefaultRetentionCount = 3
)

// Store is a participating store that can be frozen into and restored
// from a snapshot.
type Store interface {
	commit.Store
	Export(ctx context.Context, w io.Writer) (domain.Marker, int64, error)
	Import(ctx context.Context, r io.Reader, marker domain.Marker) (int64, error)
}

// Config configures the snapshot manager.
type Config struct {
	// Dir is the snapshot root. Each snapshot is a workspace
	// Dir/<marker>; fetched snapshots arrive in Dir/incoming.
	Dir string

	// RetentionCount is the number of complete snapshots kept.
	// Default: 3
	RetentionCount int

	NodeID  string
	Logger  *slog.Logger
	Metrics *metric.Registry
}

func DefaultConfig(dir string) Config {
	return Config{
		Dir:            dir,
		RetentionCount: DefaultRetentionCount,
	}
}

// Manager produces, lists and installs snapshots of a fixed store set.
type Manager struct {
	cfg     Config
	guard   *guard.Guard
	stores  []Store
	coord   *commit.Coordinator
	logger  *slog.Logger
	metrics *metric.Registry

	// mu serializes producers and installers inside this process; the
	// workspace lock covers other processes.
	mu sync.Mutex
}

// NewManager creates a manager. g is the process-wide unsafe-region guard.
func NewManager(cfg Config, g *guard.Guard, stores ...Store) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("snapshot: dir is required")
	}
	if g == nil {
		return nil, fmt.Errorf("snapshot: guard is required")
	}
	if len(stores) == 0 {
		return nil, fmt.Errorf("snapshot: no stores")
	}
	if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
		return nil, fmt.Errorf("snapshot: create dir: %w", err)
	}
	if cfg.RetentionCount <= 0 {
		cfg.RetentionCount = DefaultRetentionCount
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	cs := make([]commit.Store, len(stores))
	for i, s := range stores {
		cs[i] = s
	}

	return &Manager{
		cfg:     cfg,
		guard:   g,
		stores:  stores,
		coord:   commit.NewCoordinator(cfg.Logger, cs...),
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

// Info contains metadata about a complete snapshot.
type Info struct {
	Marker    uint64       `json:"marker" yaml:"marker"`
	Hash      string       `json:"hash" yaml:"hash"`
	Path      string       `json:"path" yaml:"path"`
	Size      int64        `json:"size" yaml:"size"`
	CreatedAt int64        `json:"created_at" yaml:"created_at"`
	NodeID    string       `json:"node_id,omitempty" yaml:"node_id,omitempty"`
	RunID     string       `json:"run_id" yaml:"run_id"`
	Stores    []StoreEntry `json:"stores" yaml:"stores"`
}

func infoFromManifest(dir string, m *Manifest) *Info {
	info := &Info{
		Marker:    m.Marker,
		Hash:      m.Hash,
		Path:      dir,
		CreatedAt: m.CreatedAt,
		NodeID:    m.NodeID,
		RunID:     m.RunID,
		Stores:    m.Stores,
	}
	for _, s := range m.Stores {
		info.Size += s.Size
	}
	return info
}

// Dir returns the snapshot root.
func (m *Manager) Dir() string {
	return m.cfg.Dir
}

// Path returns the workspace directory of the snapshot at marker.
func (m *Manager) Path(marker domain.Marker) string {
	return filepath.Join(m.cfg.Dir, strconv.FormatUint(uint64(marker), 10))
}

// Create freezes every store at marker into Dir/<marker>. All stores must
// have committed marker. The workspace is locked and an unsafe region is
// held while files are written; the manifest is written last.
func (m *Manager) Create(ctx context.Context, marker domain.Marker) (*Info, error) {
	if marker.IsEmpty() {
		return nil, domain.ErrInvalidMarker
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sm := range m.coord.Markers() {
		if sm.Marker != marker {
			return nil, fmt.Errorf("snapshot: store %s is at %s, want %s", sm.Store, sm.Marker, marker)
		}
	}

	start := time.Now()
	dir := m.Path(marker)
	lock := workspace.New(dir, m.logger)
	if err := lock.LockContext(ctx); err != nil {
		return nil, err
	}
	defer lock.Unlock()

	manifest, err := m.produce(ctx, dir, marker)
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(start)
	m.metrics.SnapshotCreated(elapsed)
	m.logger.Info("snapshot created",
		"marker", marker,
		"hash", manifest.Hash,
		"run_id", manifest.RunID,
		"elapsed", elapsed)

	return infoFromManifest(dir, manifest), nil
}

func (m *Manager) produce(ctx context.Context, dir string, marker domain.Marker) (_ *Manifest, err error) {
	region, err := m.guard.Enter()
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := region.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	now := time.Now()
	runID := ulid.Make().String()
	entries := make([]StoreEntry, 0, len(m.stores))

	for _, s := range m.stores {
		name := s.Name() + fileExtension
		hdr := fileHeader{
			Version:   headerVersion,
			Store:     s.Name(),
			Marker:    uint64(marker),
			CreatedAt: now.UnixMilli(),
			NodeID:    m.cfg.NodeID,
			RunID:     runID,
		}
		res, err := writeStoreFile(ctx, filepath.Join(dir, name), hdr, s.Export)
		if err != nil {
			return nil, err
		}
		entries = append(entries, StoreEntry{
			Name:        s.Name(),
			File:        name,
			Size:        res.Size,
			Records:     res.Records,
			Checksum:    res.Checksum,
			ContentHash: res.ContentHash,
		})
	}

	hash, err := ComputeHash(marker, entries)
	if err != nil {
		return nil, err
	}
	manifest := &Manifest{
		Version:   manifestVersion,
		Marker:    uint64(marker),
		Hash:      hash,
		NodeID:    m.cfg.NodeID,
		RunID:     runID,
		CreatedAt: now.UnixMilli(),
		Stores:    entries,
	}
	if err := writeManifest(dir, manifest); err != nil {
		return nil, err
	}
	return manifest, nil
}

// Get returns the complete snapshot at marker.
func (m *Manager) Get(marker domain.Marker) (*Info, error) {
	dir := m.Path(marker)
	manifest, err := readManifest(dir)
	if err != nil {
		return nil, err
	}
	return infoFromManifest(dir, manifest), nil
}

// HashAt returns the hash of the local snapshot at block.
func (m *Manager) HashAt(block uint64) (string, error) {
	info, err := m.Get(domain.Marker(block))
	if err != nil {
		return "", err
	}
	return info.Hash, nil
}

// List returns complete snapshots in ascending marker order.
func (m *Manager) List() ([]*Info, error) {
	markers, err := m.markerDirs()
	if err != nil {
		return nil, err
	}

	var infos []*Info
	for _, mk := range markers {
		info, err := m.Get(mk)
		if err != nil {
			if errors.Is(err, domain.ErrSnapshotNotFound) || errors.Is(err, domain.ErrSnapshotCorrupt) {
				continue
			}
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Latest returns the newest complete snapshot.
func (m *Manager) Latest() (*Info, error) {
	infos, err := m.List()
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, domain.ErrSnapshotNotFound
	}
	return infos[len(infos)-1], nil
}

// Prune applies the retention policy. Complete snapshots beyond
// RetentionCount and incomplete ones are removed, skipping any workspace
// currently locked by someone else.
func (m *Manager) Prune() (int, error) {
	markers, err := m.markerDirs()
	if err != nil {
		return 0, err
	}

	var complete []domain.Marker
	var stale []domain.Marker
	for _, mk := range markers {
		if _, err := readManifest(m.Path(mk)); err != nil {
			stale = append(stale, mk)
			continue
		}
		complete = append(complete, mk)
	}
	if n := len(complete) - m.cfg.RetentionCount; n > 0 {
		stale = append(stale, complete[:n]...)
	}

	removed := 0
	for _, mk := range stale {
		ok, err := m.removeWorkspace(m.Path(mk))
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("snapshots pruned", "removed", removed, "kept", m.cfg.RetentionCount)
	}
	return removed, nil
}

// removeWorkspace deletes dir if its workspace lock is free.
func (m *Manager) removeWorkspace(dir string) (bool, error) {
	lock := workspace.New(dir, m.logger)
	ok, err := lock.TryLock()
	if err != nil || !ok {
		return false, err
	}
	if err := lock.Remove(); err != nil {
		return false, fmt.Errorf("snapshot: remove %s: %w", dir, err)
	}
	return true, nil
}

// markerDirs lists snapshot workspaces in ascending marker order.
func (m *Manager) markerDirs() ([]domain.Marker, error) {
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var markers []domain.Marker
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, err := strconv.ParseUint(e.Name(), 10, 64)
		if err != nil || n == 0 {
			continue
		}
		markers = append(markers, domain.Marker(n))
	}
	sort.Slice(markers, func(i, j int) bool { return markers[i] < markers[j] })
	return markers, nil
}

// Verify checks every file of the snapshot in dir against its manifest
// and recomputes the snapshot hash.
func Verify(dir string) (*Manifest, error) {
	manifest, err := readManifest(dir)
	if err != nil {
		return nil, err
	}

	for _, entry := range manifest.Stores {
		sf, err := openStoreFile(filepath.Join(dir, entry.File))
		if err != nil {
			return nil, err
		}
		sf.Close()

		switch {
		case sf.header.Store != entry.Name:
			err = fmt.Errorf("file %s holds store %q", entry.File, sf.header.Store)
		case sf.header.Marker != manifest.Marker:
			err = fmt.Errorf("file %s is at marker %d", entry.File, sf.header.Marker)
		case sf.result.Checksum != entry.Checksum:
			err = fmt.Errorf("file %s checksum differs from manifest", entry.File)
		case sf.result.ContentHash != entry.ContentHash:
			err = fmt.Errorf("file %s content hash differs from manifest", entry.File)
		}
		if err != nil {
			return nil, domain.ErrSnapshotCorrupt.WithDetails(err.Error())
		}
	}

	hash, err := ComputeHash(domain.Marker(manifest.Marker), manifest.Stores)
	if err != nil {
		return nil, err
	}
	if hash != manifest.Hash {
		return nil, domain.ErrSnapshotCorrupt.WithDetails(
			fmt.Sprintf("hash %s, manifest says %s", hash, manifest.Hash))
	}
	return manifest, nil
}

// Incoming is the locked workspace a fetched snapshot is written into.
type Incoming struct {
	lock *workspace.Lock
}

// Dir returns the directory to write the fetched files into.
func (in *Incoming) Dir() string {
	return in.lock.Dir()
}

// Close releases the workspace.
func (in *Incoming) Close() error {
	return in.lock.Unlock()
}

// Receive locks the incoming workspace, which leaves it empty.
func (m *Manager) Receive(ctx context.Context) (*Incoming, error) {
	lock := workspace.New(filepath.Join(m.cfg.Dir, IncomingDir), m.logger)
	if err := lock.LockContext(ctx); err != nil {
		return nil, err
	}
	return &Incoming{lock: lock}, nil
}

// Install verifies the snapshot in the incoming workspace against
// expectedHash and imports it into every store inside an unsafe region.
// An empty expectedHash skips the comparison but not verification.
func (m *Manager) Install(ctx context.Context, in *Incoming, expectedHash string) (_ *Manifest, err error) {
	if !in.lock.Held() {
		return nil, errors.New("snapshot: incoming workspace not locked")
	}

	manifest, err := Verify(in.Dir())
	if err != nil {
		return nil, err
	}
	if expectedHash != "" && manifest.Hash != expectedHash {
		return nil, domain.ErrSnapshotCorrupt.WithDetails(
			fmt.Sprintf("hash %s, agreed %s", manifest.Hash, expectedHash))
	}

	files := make(map[string]string, len(manifest.Stores))
	for _, e := range manifest.Stores {
		files[e.Name] = e.File
	}
	for _, s := range m.stores {
		if _, ok := files[s.Name()]; !ok {
			return nil, domain.ErrSnapshotCorrupt.WithDetails("no file for store " + s.Name())
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	marker := domain.Marker(manifest.Marker)
	if err := m.guard.Do(func() error {
		for _, s := range m.stores {
			if err := m.importStore(ctx, s, filepath.Join(in.Dir(), files[s.Name()]), marker); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if !m.coord.Consistent() {
		return nil, &domain.InconsistentStoreSetError{After: m.coord.Markers()}
	}

	m.metrics.SnapshotInstalled()
	m.logger.Info("snapshot installed", "marker", marker, "hash", manifest.Hash)
	return manifest, nil
}

func (m *Manager) importStore(ctx context.Context, s Store, path string, marker domain.Marker) error {
	sf, err := openStoreFile(path)
	if err != nil {
		return err
	}
	defer sf.Close()

	n, err := s.Import(ctx, sf.data, marker)
	if err != nil {
		return fmt.Errorf("snapshot: import %s: %w", s.Name(), err)
	}
	m.logger.Debug("store imported", "store", s.Name(), "records", n)
	return nil
}
