package storage

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	bolt "go.etcd.io/bbolt"
)

// boltBucket holds every key of a BoltEngine.
var boltBucket = []byte("snapkeeper")

// BoltEngine implements KVEngine on a single bbolt bucket. It suits small
// metadata stores where a B+tree with one fsync per commit is cheaper than
// an LSM.
type BoltEngine struct {
	db     *bolt.DB
	path   string
	logger *slog.Logger
	closed atomic.Bool
}

// NewBoltEngine opens (creating if needed) the bbolt file in cfg.Dir.
func NewBoltEngine(cfg KVConfig, logger *slog.Logger) (*BoltEngine, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("bolt: dir is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	boltCfg := cfg.Bolt
	name := boltCfg.FileName
	if name == "" {
		name = DefaultBoltConfig().FileName
	}
	if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
		return nil, fmt.Errorf("bolt: create dir: %w", err)
	}

	path := filepath.Join(cfg.Dir, name)
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: boltCfg.OpenTimeout,
		NoSync:  boltCfg.NoSync,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("bolt: create bucket: %w", err)
	}

	logger.Info("bolt engine started", "path", path)

	return &BoltEngine{db: db, path: path, logger: logger}, nil
}

// Get retrieves a value by key.
func (e *BoltEngine) Get(ctx context.Context, key []byte) ([]byte, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	var value []byte
	err := e.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(boltBucket).Get(key)
		if v == nil {
			return ErrKeyNotFound
		}
		// v is only valid inside the transaction
		value = bytes.Clone(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Set stores a key-value pair.
func (e *BoltEngine) Set(ctx context.Context, key, value []byte) error {
	return e.Apply(ctx, NewBatch().Set(key, value))
}

// Delete removes a key.
func (e *BoltEngine) Delete(ctx context.Context, key []byte) error {
	return e.Apply(ctx, NewBatch().Delete(key))
}

// Apply writes the batch in one bbolt read-write transaction.
func (e *BoltEngine) Apply(ctx context.Context, b *Batch) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if b == nil || b.Len() == 0 {
		return nil
	}

	return e.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(boltBucket)
		for _, op := range b.Ops() {
			var err error
			switch op.Kind {
			case OpSet:
				err = bkt.Put(op.Key, op.Value)
			case OpDelete:
				err = bkt.Delete(op.Key)
			default:
				err = fmt.Errorf("bolt: unknown op kind %d", op.Kind)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Scan iterates over keys with a given prefix.
func (e *BoltEngine) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) bool) error {
	if e.closed.Load() {
		return ErrClosed
	}

	return e.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(boltBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !fn(bytes.Clone(k), bytes.Clone(v)) {
				break
			}
		}
		return nil
	})
}

// DropAll recreates the bucket.
func (e *BoltEngine) DropAll(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}

	return e.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(boltBucket); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket(boltBucket)
		return err
	})
}

// Stats returns storage statistics.
func (e *BoltEngine) Stats(ctx context.Context) (*KVStats, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	stats := &KVStats{Engine: EngineBolt}
	err := e.db.View(func(tx *bolt.Tx) error {
		stats.TotalKeys = uint64(tx.Bucket(boltBucket).Stats().KeyN)
		stats.TotalSize = uint64(tx.Size())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Close closes the database file.
func (e *BoltEngine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.logger.Info("shutting down bolt engine", "path", e.path)
	if err := e.db.Close(); err != nil {
		return fmt.Errorf("bolt: close: %w", err)
	}
	return nil
}
