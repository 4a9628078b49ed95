// Package config provides node configuration for snapkeeper.
//
// This package defines the node configuration structure and validation:
//
//   - spec.go: NodeConfig struct definition
//   - default.go: Default configuration values
//   - verify.go: Business validation (store set, participants, paths)
//   - sanitize.go: Log sanitization (hide endpoint credentials)
//   - node.go: Mapping onto storage, snapshot and agreement configs
//
// Configuration is loaded via internal/infra/confloader and supports
// multiple sources: files, environment variables, and flags.
package config
