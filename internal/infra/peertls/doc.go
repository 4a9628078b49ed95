// Package peertls builds the TLS configuration of the peer RPC surface.
//
//   - pool.go: root pools from the system store and extra CA files
//   - reloader.go: server certificate hot-reload via fsnotify
//
// Peers that list an https:// endpoint are verified against the pool
// built from rpc.tls.ca_file. A node serves TLS when rpc.tls.cert_file
// and rpc.tls.key_file are set; replacing either file on disk swaps the
// certificate without a restart.
package peertls
