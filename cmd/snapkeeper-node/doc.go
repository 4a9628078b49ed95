// Package main provides the entry point for snapkeeper-node.
//
// The node process owns the epoch stores of one chain node and serves:
//
//   - JSON-RPC methods eth_blockNumber and snapshot_getHash for peers
//   - Snapshot file transfer under /snapshots/
//   - /health, /status and Prometheus /metrics
//
// Usage:
//
//	snapkeeper-node [flags]
//	snapkeeper-node --config /etc/snapkeeper/node.yaml --bootstrap
//
// On start the node reconciles its stores to one marker. With --bootstrap
// an empty node first agrees with the participant set on a snapshot hash
// and installs that snapshot from a peer.
package main
