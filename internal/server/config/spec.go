// Package config defines the node configuration structure.
package config

import (
	"time"

	"github.com/yndnr/snapkeeper/internal/core/domain"
)

// NodeConfig is the root configuration for snapkeeper-node.
type NodeConfig struct {
	Node      NodeSection      `koanf:"node" json:"node" yaml:"node"`
	Storage   StorageSection   `koanf:"storage" json:"storage" yaml:"storage"`
	Chain     ChainSection     `koanf:"chain" json:"chain" yaml:"chain"`
	Agreement AgreementSection `koanf:"agreement" json:"agreement" yaml:"agreement"`
	RPC       RPCSection       `koanf:"rpc" json:"rpc" yaml:"rpc"`
	Metrics   MetricsSection   `koanf:"metrics" json:"metrics" yaml:"metrics"`
	Log       LogSection       `koanf:"log" json:"log" yaml:"log"`
}

// NodeSection identifies the local node.
type NodeSection struct {
	// ID is the local node's participant id. A node whose id is not in
	// chain.participants runs as an observer and never votes.
	// If empty, a random observer ID is generated at startup.
	ID string `koanf:"id" json:"id" yaml:"id"`

	// Bootstrap downloads the agreed snapshot from peers when the local
	// stores are empty.
	Bootstrap bool `koanf:"bootstrap" json:"bootstrap" yaml:"bootstrap"`
}

// StorageSection configures the store set and snapshots.
type StorageSection struct {
	DataDir string `koanf:"data_dir" json:"data_dir" yaml:"data_dir"`

	// SnapshotDir holds snapshot workspaces.
	// Default: <data_dir>/snapshots
	SnapshotDir string `koanf:"snapshot_dir" json:"snapshot_dir" yaml:"snapshot_dir"`

	// SnapshotKeep is the number of completed snapshots retained.
	SnapshotKeep int `koanf:"snapshot_keep" json:"snapshot_keep" yaml:"snapshot_keep"`

	// RecoveryPolicy is "roll-forward" or "roll-back".
	RecoveryPolicy string `koanf:"recovery_policy" json:"recovery_policy" yaml:"recovery_policy"`

	// Stores lists the member stores of the commit set, in order.
	Stores []StoreConfig `koanf:"stores" json:"stores" yaml:"stores"`

	Badger BadgerSection `koanf:"badger" json:"badger" yaml:"badger"`
}

// StoreConfig names one store and its engine.
type StoreConfig struct {
	Name   string `koanf:"name" json:"name" yaml:"name"`
	Engine string `koanf:"engine" json:"engine" yaml:"engine"`
}

// BadgerSection tunes the badger-backed stores.
type BadgerSection struct {
	GCInterval string `koanf:"gc_interval" json:"gc_interval" yaml:"gc_interval"`
	CacheSize  int64  `koanf:"cache_size" json:"cache_size" yaml:"cache_size"`
	SyncWrites bool   `koanf:"sync_writes" json:"sync_writes" yaml:"sync_writes"`
}

// ChainSection carries the chain-configured values agreement depends on.
type ChainSection struct {
	// Participants is the fixed node set. Order defines vote slots.
	Participants []domain.Participant `koanf:"participants" json:"participants" yaml:"participants"`

	// SnapshotInterval is the block distance between snapshots.
	SnapshotInterval uint64 `koanf:"snapshot_interval" json:"snapshot_interval" yaml:"snapshot_interval"`
}

// AgreementSection configures snapshot hash agreement.
type AgreementSection struct {
	// PeerTimeout bounds every peer query.
	PeerTimeout time.Duration `koanf:"peer_timeout" json:"peer_timeout" yaml:"peer_timeout"`

	// RetryInterval is the pause between failed bootstrap attempts.
	RetryInterval time.Duration `koanf:"retry_interval" json:"retry_interval" yaml:"retry_interval"`

	// MaxAttempts bounds bootstrap attempts. Zero retries until stopped.
	MaxAttempts int `koanf:"max_attempts" json:"max_attempts" yaml:"max_attempts"`
}

// RPCSection configures the peer HTTP server.
type RPCSection struct {
	Addr string `koanf:"addr" json:"addr" yaml:"addr"`

	// RateLimit is the per-IP JSON-RPC limit in requests/second.
	// Zero disables limiting.
	RateLimit int `koanf:"rate_limit" json:"rate_limit" yaml:"rate_limit"`

	// Audit logs every request at debug level.
	Audit bool `koanf:"audit" json:"audit" yaml:"audit"`

	TLS TLSSection `koanf:"tls" json:"tls" yaml:"tls"`
}

// TLSSection configures TLS on the peer surface.
type TLSSection struct {
	// CertFile and KeyFile enable TLS on the peer server. Both or neither.
	CertFile string `koanf:"cert_file" json:"cert_file" yaml:"cert_file"`
	KeyFile  string `koanf:"key_file" json:"key_file" yaml:"key_file"`

	// CAFile adds trusted roots for https:// participant endpoints.
	CAFile string `koanf:"ca_file" json:"ca_file" yaml:"ca_file"`
}

// Enabled reports whether the peer server serves TLS.
func (t TLSSection) Enabled() bool {
	return t.CertFile != ""
}

// MetricsSection configures the Prometheus endpoint.
type MetricsSection struct {
	Enabled bool `koanf:"enabled" json:"enabled" yaml:"enabled"`
}

// LogSection configures logging.
type LogSection struct {
	Level  string `koanf:"level" json:"level" yaml:"level"`
	Format string `koanf:"format" json:"format" yaml:"format"`
}
