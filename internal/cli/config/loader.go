package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Environment variables read by Merge.
const (
	EnvNode       = "SNAPKEEPER_CLI_NODE"
	EnvOutput     = "SNAPKEEPER_CLI_OUTPUT"
	EnvNodeConfig = "SNAPKEEPER_CLI_NODE_CONFIG"
)

// DefaultConfigPath returns the default CLI config file path.
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".snapkeeper", "cli.yaml")
}

// Load loads CLI configuration from file. A missing file yields the
// defaults.
func Load(path string) (*CLIConfig, error) {
	if path == "" {
		path = DefaultConfigPath()
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Nodes == nil {
		cfg.Nodes = make(map[string]string)
	}
	return cfg, nil
}

// Save writes cfg to path, readable by the owner only.
func Save(cfg *CLIConfig, path string) error {
	if path == "" {
		path = DefaultConfigPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Merge overrides cfg with environment variables, then with non-empty
// flag values. flags keys are "node", "output" and "node-config".
func Merge(cfg *CLIConfig, env func(string) string, flags map[string]string) *CLIConfig {
	out := *cfg
	if env != nil {
		set(&out.DefaultNode, env(EnvNode))
		set(&out.DefaultOutput, env(EnvOutput))
		set(&out.NodeConfig, env(EnvNodeConfig))
	}
	set(&out.DefaultNode, flags["node"])
	set(&out.DefaultOutput, flags["output"])
	set(&out.NodeConfig, flags["node-config"])
	return &out
}

func set(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
