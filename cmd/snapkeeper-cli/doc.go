// Package main provides the entry point for snapkeeper-cli.
//
// The CLI is the operator tool for snapkeeper nodes:
//
//   - status, health: query a running node
//   - vote: run a snapshot hash agreement pass and print the tally
//   - snapshot list|create|verify: inspect and produce snapshots
//   - workspace clean: remove incomplete snapshot workspaces
//   - config cli|node: show and validate configuration
//
// Usage:
//
//	snapkeeper-cli [global flags] command [flags]
//	snapkeeper-cli -n 10.0.0.5:5090 status
//	snapkeeper-cli -c /etc/snapkeeper/node.yaml vote --wide
package main
