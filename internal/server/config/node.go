package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/yndnr/snapkeeper/internal/agreement"
	"github.com/yndnr/snapkeeper/internal/storage"
	"github.com/yndnr/snapkeeper/internal/storage/snapshot"
	"github.com/yndnr/snapkeeper/internal/telemetry/metric"
)

// ResolveNodeID returns the configured node id or generates an observer
// id when none is set.
func ResolveNodeID(cfg *NodeConfig, logger *slog.Logger) (string, error) {
	if cfg.Node.ID != "" {
		return cfg.Node.ID, nil
	}
	id, err := generateNodeID()
	if err != nil {
		return "", fmt.Errorf("generate node ID: %w", err)
	}
	logger.Info("generated observer node ID", "node_id", id)
	return id, nil
}

// IsParticipant reports whether id is in the chain participant list.
func (c *ChainSection) IsParticipant(id string) bool {
	for _, p := range c.Participants {
		if p.ID == id {
			return true
		}
	}
	return false
}

// SnapshotPath returns the effective snapshot directory.
func (s *StorageSection) SnapshotPath() string {
	if s.SnapshotDir != "" {
		return s.SnapshotDir
	}
	return filepath.Join(s.DataDir, "snapshots")
}

// ToKVConfig returns the engine configuration of one store.
func ToKVConfig(cfg *NodeConfig, store StoreConfig) storage.KVConfig {
	kv := storage.DefaultKVConfig(filepath.Join(cfg.Storage.DataDir, store.Name))
	if store.Engine != "" {
		kv.Engine = store.Engine
	}
	b := cfg.Storage.Badger
	if b.GCInterval != "" {
		kv.Badger.GCInterval = b.GCInterval
	}
	if b.CacheSize > 0 {
		kv.Badger.CacheSize = b.CacheSize
	}
	kv.Badger.SyncWrites = b.SyncWrites
	return kv
}

// ToSnapshotConfig converts NodeConfig to snapshot.Config.
func ToSnapshotConfig(cfg *NodeConfig, nodeID string, logger *slog.Logger, metrics *metric.Registry) snapshot.Config {
	sc := snapshot.DefaultConfig(cfg.Storage.SnapshotPath())
	sc.RetentionCount = cfg.Storage.SnapshotKeep
	sc.NodeID = nodeID
	sc.Logger = logger
	sc.Metrics = metrics
	return sc
}

// ToAgreementConfig converts NodeConfig to agreement.Config. The local
// hash source and the client are left to the caller.
func ToAgreementConfig(cfg *NodeConfig, nodeID string, logger *slog.Logger, metrics *metric.Registry) agreement.Config {
	return agreement.Config{
		NodeID:           nodeID,
		Participants:     cfg.Chain.Participants,
		SnapshotInterval: cfg.Chain.SnapshotInterval,
		PeerTimeout:      cfg.Agreement.PeerTimeout,
		Logger:           logger,
		Metrics:          metrics,
	}
}

// generateNodeID generates an observer node identifier.
//
// Format: sknode-<16 hex chars> (e.g., "sknode-a1b2c3d4e5f67890")
func generateNodeID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return "sknode-" + hex.EncodeToString(buf), nil
}
