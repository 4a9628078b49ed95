// Package storage provides the embedded key/value engines that back every
// epoch store.
//
// This file defines the KVEngine interface and engine configuration.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Engine names accepted by KVConfig.Engine.
const (
	EngineBadger = "badger"
	EngineBolt   = "bolt"
)

// KVEngine defines the interface for an ordered embedded key/value store.
//
// This abstraction lets each epoch store pick its engine (Badger for the
// write-heavy block and state data, bbolt for small metadata) without
// changes above this package.
//
// Implementation requirements:
//   - Thread-safe: concurrent reads/writes must be safe
//   - Durable: a successful Apply survives process restarts
//   - Atomic: a Batch is applied entirely or not at all
//   - Ordered: Scan visits keys in ascending byte order
type KVEngine interface {
	// Get retrieves a value by key.
	// Returns ErrKeyNotFound if key doesn't exist.
	Get(ctx context.Context, key []byte) ([]byte, error)

	// Set stores a single key-value pair.
	Set(ctx context.Context, key, value []byte) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key []byte) error

	// Apply writes every operation of the batch atomically.
	Apply(ctx context.Context, b *Batch) error

	// Scan iterates over keys with a given prefix in ascending order.
	// Callback returns false to stop iteration.
	Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) bool) error

	// DropAll removes every key.
	DropAll(ctx context.Context) error

	// Stats returns storage statistics (size, keys count, etc.).
	Stats(ctx context.Context) (*KVStats, error)

	// Close gracefully shuts down the KV engine.
	Close() error
}

// KVStats contains storage engine statistics.
type KVStats struct {
	// Engine is the engine name ("badger" or "bolt").
	Engine string

	// TotalKeys is the approximate number of keys.
	TotalKeys uint64

	// TotalSize is the total disk usage in bytes.
	TotalSize uint64

	// LSMSize is the LSM tree size (Badger only).
	LSMSize uint64

	// ValueLogSize is the value log size (Badger only).
	ValueLogSize uint64

	// LastGCTime is the last GC run timestamp (Unix milliseconds).
	LastGCTime int64
}

// KVConfig configures an embedded KV engine.
type KVConfig struct {
	// Engine specifies the KV engine type ("badger", "bolt").
	// Default: "badger"
	Engine string

	// Dir is the storage directory.
	Dir string

	// Badger-specific configuration
	Badger BadgerConfig

	// Bolt-specific configuration
	Bolt BoltConfig
}

// BadgerConfig contains Badger-specific tuning parameters.
type BadgerConfig struct {
	// GCInterval is the interval between automatic GC runs.
	// Default: 10m
	GCInterval string

	// GCThreshold is the GC discard ratio threshold (0.0-1.0).
	// Default: 0.5
	GCThreshold float64

	// CacheSize is the block cache size in bytes.
	// Default: 64MB
	CacheSize int64

	// ValueLogFileSize is the max value log file size in bytes.
	// Default: 256MB
	ValueLogFileSize int64

	// NumMemtables is the number of memtables.
	// Default: 2
	NumMemtables int

	// SyncWrites enables fsync after each write. Epoch markers are only
	// durable with this on.
	// Default: true
	SyncWrites bool
}

// BoltConfig contains bbolt-specific parameters.
type BoltConfig struct {
	// FileName is the database file inside Dir.
	// Default: "store.db"
	FileName string

	// OpenTimeout bounds the wait for bbolt's own file lock.
	// Default: 1s
	OpenTimeout time.Duration

	// NoSync disables fsync after each commit. Never enable it for a
	// store whose markers must survive a crash.
	NoSync bool
}

// DefaultKVConfig returns the default KV configuration.
func DefaultKVConfig(dir string) KVConfig {
	return KVConfig{
		Engine: EngineBadger,
		Dir:    dir,
		Badger: DefaultBadgerConfig(),
		Bolt:   DefaultBoltConfig(),
	}
}

// DefaultBadgerConfig returns the default Badger configuration.
func DefaultBadgerConfig() BadgerConfig {
	return BadgerConfig{
		GCInterval:       "10m",
		GCThreshold:      0.5,
		CacheSize:        64 << 20,  // 64MB
		ValueLogFileSize: 256 << 20, // 256MB
		NumMemtables:     2,
		SyncWrites:       true,
	}
}

// DefaultBoltConfig returns the default bbolt configuration.
func DefaultBoltConfig() BoltConfig {
	return BoltConfig{
		FileName:    "store.db",
		OpenTimeout: time.Second,
	}
}

// Open opens the engine selected by cfg.Engine.
func Open(cfg KVConfig, logger *slog.Logger) (KVEngine, error) {
	switch cfg.Engine {
	case "", EngineBadger:
		return NewBadgerEngine(cfg, logger)
	case EngineBolt:
		return NewBoltEngine(cfg, logger)
	default:
		return nil, fmt.Errorf("storage: unknown engine %q", cfg.Engine)
	}
}

// OpKind distinguishes batch operations.
type OpKind uint8

const (
	OpSet OpKind = iota + 1
	OpDelete
)

// Op is one batch operation.
type Op struct {
	Kind  OpKind
	Key   []byte
	Value []byte
}

// Batch collects writes that must be applied atomically.
type Batch struct {
	ops []Op
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Set queues a write. Key and value are copied.
func (b *Batch) Set(key, value []byte) *Batch {
	b.ops = append(b.ops, Op{Kind: OpSet, Key: clone(key), Value: clone(value)})
	return b
}

// Delete queues a removal. The key is copied.
func (b *Batch) Delete(key []byte) *Batch {
	b.ops = append(b.ops, Op{Kind: OpDelete, Key: clone(key)})
	return b
}

// Ops returns the queued operations in order.
func (b *Batch) Ops() []Op {
	return b.ops
}

// Len returns the number of queued operations.
func (b *Batch) Len() int {
	return len(b.ops)
}

func clone(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
