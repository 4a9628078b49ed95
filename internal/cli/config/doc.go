// Package config holds the snapkeeper-cli settings file
// (~/.snapkeeper/cli.yaml): named node addresses, the default node, the
// default output format and the node configuration file used by the
// offline commands.
package config
