// Package node assembles a snapkeeper node: the epoch stores, the
// unsafe-region guard, the commit coordinator, the snapshot manager, the
// hash agreement agent and the peer RPC server.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/yndnr/snapkeeper/internal/agreement"
	"github.com/yndnr/snapkeeper/internal/core/domain"
	"github.com/yndnr/snapkeeper/internal/infra/peertls"
	"github.com/yndnr/snapkeeper/internal/server/config"
	"github.com/yndnr/snapkeeper/internal/server/rpcserver"
	"github.com/yndnr/snapkeeper/internal/storage"
	"github.com/yndnr/snapkeeper/internal/storage/commit"
	"github.com/yndnr/snapkeeper/internal/storage/epoch"
	"github.com/yndnr/snapkeeper/internal/storage/guard"
	"github.com/yndnr/snapkeeper/internal/storage/snapshot"
	"github.com/yndnr/snapkeeper/internal/telemetry/metric"
)

// Options carries the process-level collaborators of a node.
type Options struct {
	Logger  *slog.Logger
	Metrics *metric.Registry

	// HTTPClient is used for peer queries and snapshot downloads.
	HTTPClient *http.Client
}

// Node is one running snapkeeper node.
type Node struct {
	cfg     *config.NodeConfig
	id      string
	logger  *slog.Logger
	metrics *metric.Registry

	guard     *guard.Guard
	stores    []*epoch.Store
	byName    map[string]*epoch.Store
	coord     *commit.Coordinator
	snapshots *snapshot.Manager
	agent     *agreement.Agent
	fetcher   *snapshot.Fetcher

	// mu serializes commits, snapshot production and installation.
	mu   sync.Mutex
	head atomic.Uint64

	server    *rpcserver.Server
	certs     *peertls.Reloader
	closeOnce sync.Once
}

// Open opens every configured store and brings the store set to a
// consistent marker. A marker left by an unclean shutdown is reported and
// incomplete snapshot workspaces are pruned.
func Open(ctx context.Context, cfg *config.NodeConfig, opts Options) (n *Node, err error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	policy, err := epoch.ParsePolicy(cfg.Storage.RecoveryPolicy)
	if err != nil {
		return nil, err
	}
	id, err := config.ResolveNodeID(cfg, log)
	if err != nil {
		return nil, err
	}

	n = &Node{
		cfg:     cfg,
		id:      id,
		logger:  log.With("node_id", id),
		metrics: opts.Metrics,
		byName:  make(map[string]*epoch.Store, len(cfg.Storage.Stores)),
	}
	defer func() {
		if err != nil {
			n.closeStores()
		}
	}()

	n.guard, err = guard.New(cfg.Storage.DataDir,
		guard.WithLogger(n.logger),
		guard.WithMetrics(opts.Metrics))
	if err != nil {
		return nil, err
	}
	if uerr := n.guard.UncleanErr(); uerr != nil {
		n.logger.Warn("previous run stopped inside an unsafe region", "error", uerr)
	}

	for _, sc := range cfg.Storage.Stores {
		s, err := n.openStore(ctx, sc, policy)
		if err != nil {
			return nil, err
		}
		n.stores = append(n.stores, s)
		n.byName[s.Name()] = s
	}

	members := make([]commit.Store, len(n.stores))
	for i, s := range n.stores {
		members[i] = s
	}
	n.coord = commit.NewCoordinator(n.logger, members...)

	head, err := n.coord.Reconcile()
	if err != nil {
		return nil, err
	}
	n.head.Store(uint64(head))

	snapStores := make([]snapshot.Store, len(n.stores))
	for i, s := range n.stores {
		snapStores[i] = s
	}
	n.snapshots, err = snapshot.NewManager(
		config.ToSnapshotConfig(cfg, id, n.logger, opts.Metrics), n.guard, snapStores...)
	if err != nil {
		return nil, err
	}
	if n.guard.WasUnclean() {
		if _, err := n.snapshots.Prune(); err != nil {
			n.logger.Warn("prune after unclean shutdown failed", "error", err)
		}
		if err := n.guard.Resolve(); err != nil {
			return nil, err
		}
	}

	client := agreement.NewClient(opts.HTTPClient)
	n.fetcher = &snapshot.Fetcher{Client: opts.HTTPClient, Logger: n.logger}
	if len(cfg.Chain.Participants) > 0 {
		ac := config.ToAgreementConfig(cfg, id, n.logger, opts.Metrics)
		ac.Client = client
		if cfg.Chain.IsParticipant(id) {
			ac.LocalHash = n.snapshots.HashAt
		}
		if n.agent, err = agreement.New(ac); err != nil {
			return nil, err
		}
	}

	if tc := cfg.RPC.TLS; tc.Enabled() {
		if n.certs, err = peertls.NewReloader(tc.CertFile, tc.KeyFile, peertls.WithLogger(n.logger)); err != nil {
			return nil, err
		}
	}

	n.logger.Info("node opened",
		"head", head,
		"stores", len(n.stores),
		"participants", len(cfg.Chain.Participants))
	return n, nil
}

func (n *Node) openStore(ctx context.Context, sc config.StoreConfig, policy epoch.RecoveryPolicy) (*epoch.Store, error) {
	kv := config.ToKVConfig(n.cfg, sc)
	engine, err := storage.Open(kv, n.logger)
	if err != nil {
		return nil, fmt.Errorf("node: open store %s: %w", sc.Name, err)
	}
	if be, ok := engine.(*storage.BadgerEngine); ok && n.metrics != nil {
		be.RegisterMetrics(n.metrics.Prometheus(), sc.Name)
	}

	s, err := epoch.Open(ctx, epoch.Config{
		Name:    sc.Name,
		Policy:  policy,
		Engine:  engine,
		Logger:  n.logger,
		Metrics: n.metrics,
	})
	if err != nil {
		engine.Close()
		return nil, err
	}
	return s, nil
}

// ID returns the node id.
func (n *Node) ID() string {
	return n.id
}

// Head returns the marker every store has committed.
func (n *Node) Head() uint64 {
	return n.head.Load()
}

// Markers returns the latest marker of every store.
func (n *Node) Markers() []domain.StoreMarker {
	return n.coord.Markers()
}

// WasUnclean reports whether the previous run stopped inside an unsafe
// region.
func (n *Node) WasUnclean() bool {
	return n.guard.WasUnclean()
}

// Store returns the named store, or nil.
func (n *Node) Store(name string) *epoch.Store {
	return n.byName[name]
}

// Snapshots returns the snapshot manager.
func (n *Node) Snapshots() *snapshot.Manager {
	return n.snapshots
}

// Agent returns the agreement agent, or nil when no participants are
// configured.
func (n *Node) Agent() *agreement.Agent {
	return n.agent
}

// Apply commits one epoch across the store set. writes maps store names
// to that store's writes; stores without writes still advance to marker.
// Staging and committing run inside an unsafe region. When marker is a
// snapshot boundary, a snapshot is produced before Apply returns.
func (n *Node) Apply(ctx context.Context, marker domain.Marker, writes map[string][]epoch.Write) error {
	for name := range writes {
		if _, ok := n.byName[name]; !ok {
			return fmt.Errorf("node: unknown store %q", name)
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if head := domain.Marker(n.head.Load()); marker <= head {
		return domain.ErrMarkerRegression.WithDetails(fmt.Sprintf("apply %s, head %s", marker, head))
	}

	err := n.guard.Do(func() error {
		for _, s := range n.stores {
			if err := s.Stage(ctx, marker, writes[s.Name()]); err != nil {
				return err
			}
		}
		return n.coord.CommitAll(marker)
	})
	if err != nil {
		n.abort(marker)
		return err
	}
	n.head.Store(uint64(marker))

	if uint64(marker)%n.cfg.Chain.SnapshotInterval == 0 {
		if _, err := n.createSnapshot(ctx, marker); err != nil {
			n.logger.Error("snapshot at boundary failed", "marker", marker, "error", err)
		}
	}
	return nil
}

// abort discards a staged epoch that no store has committed yet. Once
// any store committed it, the set is left for Reconcile on next start.
func (n *Node) abort(marker domain.Marker) {
	for _, s := range n.stores {
		if s.IsOpen() && s.Latest() == marker {
			n.logger.Error("epoch partially committed, restart to reconcile",
				"marker", marker,
				"markers", n.coord.Markers())
			return
		}
	}
	for _, s := range n.stores {
		if s.IsOpen() && s.Pending() == marker {
			if err := s.Discard(); err != nil {
				n.logger.Error("discard staged epoch failed", "store", s.Name(), "error", err)
			}
		}
	}
}

// CreateSnapshot produces a snapshot at the current head.
func (n *Node) CreateSnapshot(ctx context.Context) (*snapshot.Info, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	head := domain.Marker(n.head.Load())
	if head.IsEmpty() {
		return nil, domain.ErrInvalidMarker.WithDetails("nothing committed yet")
	}
	return n.createSnapshot(ctx, head)
}

func (n *Node) createSnapshot(ctx context.Context, marker domain.Marker) (*snapshot.Info, error) {
	info, err := n.snapshots.Create(ctx, marker)
	if err != nil {
		return nil, err
	}
	if _, err := n.snapshots.Prune(); err != nil {
		n.logger.Warn("snapshot prune failed", "error", err)
	}
	return info, nil
}

// Router returns the peer HTTP handler of the node.
func (n *Node) Router() http.Handler {
	rc := &rpcserver.RouterConfig{
		Head:        rpcserver.ChainHeadFunc(n.Head),
		Snapshots:   n.snapshots,
		Transfer:    n.snapshots.Handler(),
		Status:      n.statusHandler(),
		Logger:      n.logger,
		RateLimit:   n.cfg.RPC.RateLimit,
		EnableAudit: n.cfg.RPC.Audit,
	}
	if n.cfg.Metrics.Enabled && n.metrics != nil {
		rc.Metrics = n.metrics.Handler()
	}
	return rpcserver.NewRouter(rc)
}

// Serve runs the peer RPC server on ln until Shutdown.
func (n *Node) Serve(ln net.Listener) error {
	n.mu.Lock()
	if n.server != nil {
		n.mu.Unlock()
		return errors.New("node: already serving")
	}
	n.server = rpcserver.New(ln.Addr().String(), n.Router())
	srv := n.server
	n.mu.Unlock()

	n.logger.Info("peer rpc server listening",
		"addr", ln.Addr().String(),
		"tls", n.certs != nil)
	return srv.Serve(n.listener(ln))
}

// Shutdown stops the peer RPC server.
func (n *Node) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	srv := n.server
	n.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Close closes the stores and releases the guard. The node must not be
// used afterwards.
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		err = n.closeStores()
	})
	return err
}

func (n *Node) closeStores() error {
	var errs []error
	for _, s := range n.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.Name(), err))
		}
	}
	if n.certs != nil {
		n.certs.Stop()
	}
	if n.guard != nil {
		if err := n.guard.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
