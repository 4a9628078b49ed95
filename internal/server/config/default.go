package config

import (
	"time"

	"github.com/yndnr/snapkeeper/internal/storage"
	"github.com/yndnr/snapkeeper/internal/storage/epoch"
)

// Default configuration values.
const (
	DefaultRPCAddr   = "127.0.0.1:5090"
	DefaultRateLimit = 50

	DefaultDataDir        = "/var/lib/snapkeeper/data"
	DefaultSnapshotKeep   = 3
	DefaultRecoveryPolicy = string(epoch.RollForward)

	DefaultSnapshotInterval = 1000

	DefaultPeerTimeout   = 10 * time.Second
	DefaultRetryInterval = 30 * time.Second

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// DefaultStores is the store set of a node: three badger stores for
// chain data and one bolt store for auxiliary metadata.
func DefaultStores() []StoreConfig {
	return []StoreConfig{
		{Name: "blocks", Engine: storage.EngineBadger},
		{Name: "extras", Engine: storage.EngineBadger},
		{Name: "state", Engine: storage.EngineBadger},
		{Name: "aux", Engine: storage.EngineBolt},
	}
}

// Default returns the default node configuration.
func Default() *NodeConfig {
	badger := storage.DefaultBadgerConfig()
	return &NodeConfig{
		Storage: StorageSection{
			DataDir:        DefaultDataDir,
			SnapshotKeep:   DefaultSnapshotKeep,
			RecoveryPolicy: DefaultRecoveryPolicy,
			Stores:         DefaultStores(),
			Badger: BadgerSection{
				GCInterval: badger.GCInterval,
				CacheSize:  badger.CacheSize,
				SyncWrites: badger.SyncWrites,
			},
		},
		Chain: ChainSection{
			SnapshotInterval: DefaultSnapshotInterval,
		},
		Agreement: AgreementSection{
			PeerTimeout:   DefaultPeerTimeout,
			RetryInterval: DefaultRetryInterval,
		},
		RPC: RPCSection{
			Addr:      DefaultRPCAddr,
			RateLimit: DefaultRateLimit,
		},
		Metrics: MetricsSection{
			Enabled: true,
		},
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}
