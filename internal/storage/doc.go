// Package storage provides the embedded key/value engines used by
// snapkeeper's epoch stores.
//
// Two engines implement KVEngine:
//
//   - BadgerEngine: LSM engine for block bodies, block extras and state
//   - BoltEngine: single-file B+tree for auxiliary metadata
//
// Both apply a Batch atomically, which is the single-store atomicity the
// cross-store commit contract relies on.
package storage
