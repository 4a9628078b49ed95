package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/yndnr/snapkeeper/internal/core/domain"
	"github.com/yndnr/snapkeeper/internal/storage"
	"github.com/yndnr/snapkeeper/internal/storage/epoch"
)

// Verify validates the configuration.
func Verify(cfg *NodeConfig) error {
	if err := verifyStorage(&cfg.Storage); err != nil {
		return err
	}
	if err := verifyChain(&cfg.Chain, cfg.Node.Bootstrap); err != nil {
		return err
	}
	if cfg.RPC.Addr == "" {
		return errors.New("rpc.addr is required")
	}
	if cfg.RPC.RateLimit < 0 {
		return errors.New("rpc.rate_limit must not be negative")
	}
	if (cfg.RPC.TLS.CertFile == "") != (cfg.RPC.TLS.KeyFile == "") {
		return errors.New("rpc.tls.cert_file and rpc.tls.key_file must be set together")
	}
	if cfg.Agreement.MaxAttempts < 0 {
		return errors.New("agreement.max_attempts must not be negative")
	}
	return nil
}

func verifyStorage(cfg *StorageSection) error {
	if cfg.DataDir == "" {
		return errors.New("storage.data_dir is required")
	}

	// Check if data directory exists or can be created
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return errors.New("cannot create data directory: " + err.Error())
	}

	if cfg.SnapshotKeep < 1 {
		return errors.New("storage.snapshot_keep must be at least 1")
	}
	if _, err := epoch.ParsePolicy(cfg.RecoveryPolicy); err != nil {
		return fmt.Errorf("storage.recovery_policy: %w", err)
	}

	if len(cfg.Stores) == 0 {
		return errors.New("storage.stores must name at least one store")
	}
	seen := make(map[string]struct{}, len(cfg.Stores))
	for i, s := range cfg.Stores {
		if s.Name == "" {
			return fmt.Errorf("storage.stores[%d]: name is required", i)
		}
		if _, ok := seen[s.Name]; ok {
			return fmt.Errorf("storage.stores[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = struct{}{}
		switch s.Engine {
		case "", storage.EngineBadger, storage.EngineBolt:
		default:
			return fmt.Errorf("storage.stores[%d] (%s): unknown engine %q", i, s.Name, s.Engine)
		}
	}
	return nil
}

func verifyChain(cfg *ChainSection, bootstrap bool) error {
	if cfg.SnapshotInterval == 0 {
		return errors.New("chain.snapshot_interval must be positive")
	}
	if len(cfg.Participants) == 0 {
		if bootstrap {
			return errors.New("chain.participants is required for bootstrap")
		}
		return nil
	}
	if err := domain.ValidateParticipants(cfg.Participants); err != nil {
		return fmt.Errorf("chain.%w", err)
	}
	return nil
}
