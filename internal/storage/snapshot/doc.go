// Package snapshot freezes a set of epoch stores into a snapshot and
// installs a snapshot fetched from a peer.
//
// Each snapshot lives in its own workspace directory named after its
// marker:
//
//	<dir>/<marker>/.lock            workspace sentinel
//	<dir>/<marker>/<store>.snap     one file per store
//	<dir>/<marker>/manifest.json    written last
//
// Store file format:
//
//	[magic:8 "SKPRSNAP"]
//	[HeaderLen:4][HeaderJSON:HeaderLen]
//	[records...]                    uvarint-prefixed key/value pairs
//	[checksum:32 SHA-256 of all bytes above]
//
// The snapshot hash is Keccak-256 over the marker and each store's
// record stream hash, so it depends on state only. Peers compare it to
// agree on a download source.
//
// Producing and installing both hold the workspace lock and an unsafe
// region for the whole operation.
package snapshot
