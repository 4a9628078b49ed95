package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
)

// openEngines returns one engine of each kind, closed on cleanup.
func openEngines(t *testing.T) map[string]KVEngine {
	t.Helper()

	engines := make(map[string]KVEngine)
	for _, name := range []string{EngineBadger, EngineBolt} {
		cfg := DefaultKVConfig(t.TempDir())
		cfg.Engine = name
		cfg.Badger.GCInterval = "1h" // keep auto GC out of tests
		cfg.Badger.SyncWrites = false

		e, err := Open(cfg, slog.Default())
		if err != nil {
			t.Fatalf("Open(%s): %v", name, err)
		}
		t.Cleanup(func() { e.Close() })
		engines[name] = e
	}
	return engines
}

func TestKVEngine_BasicOperations(t *testing.T) {
	ctx := context.Background()

	for name, engine := range openEngines(t) {
		t.Run(name, func(t *testing.T) {
			if err := engine.Set(ctx, []byte("k"), []byte("v")); err != nil {
				t.Fatal(err)
			}
			got, err := engine.Get(ctx, []byte("k"))
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != "v" {
				t.Errorf("Get = %q, want v", got)
			}

			if _, err := engine.Get(ctx, []byte("missing")); !errors.Is(err, ErrKeyNotFound) {
				t.Errorf("expected ErrKeyNotFound, got %v", err)
			}

			if err := engine.Delete(ctx, []byte("k")); err != nil {
				t.Fatal(err)
			}
			if _, err := engine.Get(ctx, []byte("k")); !errors.Is(err, ErrKeyNotFound) {
				t.Errorf("expected ErrKeyNotFound after delete, got %v", err)
			}
			if err := engine.Delete(ctx, []byte("never-set")); err != nil {
				t.Errorf("deleting a missing key should succeed, got %v", err)
			}
		})
	}
}

func TestKVEngine_ApplyBatch(t *testing.T) {
	ctx := context.Background()

	for name, engine := range openEngines(t) {
		t.Run(name, func(t *testing.T) {
			if err := engine.Set(ctx, []byte("old"), []byte("1")); err != nil {
				t.Fatal(err)
			}

			b := NewBatch().
				Set([]byte("a"), []byte("A")).
				Set([]byte("b"), []byte("B")).
				Delete([]byte("old"))
			if err := engine.Apply(ctx, b); err != nil {
				t.Fatalf("Apply: %v", err)
			}

			for k, want := range map[string]string{"a": "A", "b": "B"} {
				got, err := engine.Get(ctx, []byte(k))
				if err != nil || string(got) != want {
					t.Errorf("Get(%s) = %q, %v; want %q", k, got, err, want)
				}
			}
			if _, err := engine.Get(ctx, []byte("old")); !errors.Is(err, ErrKeyNotFound) {
				t.Errorf("old should be deleted, got %v", err)
			}
		})
	}
}

func TestKVEngine_ScanOrderedPrefix(t *testing.T) {
	ctx := context.Background()

	for name, engine := range openEngines(t) {
		t.Run(name, func(t *testing.T) {
			b := NewBatch()
			for _, k := range []string{"p/3", "p/1", "q/1", "p/2"} {
				b.Set([]byte(k), []byte(k))
			}
			if err := engine.Apply(ctx, b); err != nil {
				t.Fatal(err)
			}

			var keys []string
			err := engine.Scan(ctx, []byte("p/"), func(k, v []byte) bool {
				keys = append(keys, string(k))
				return true
			})
			if err != nil {
				t.Fatal(err)
			}
			if fmt.Sprint(keys) != "[p/1 p/2 p/3]" {
				t.Errorf("Scan keys = %v", keys)
			}

			count := 0
			_ = engine.Scan(ctx, []byte("p/"), func(k, v []byte) bool {
				count++
				return false
			})
			if count != 1 {
				t.Errorf("early stop visited %d keys, want 1", count)
			}
		})
	}
}

func TestKVEngine_DropAll(t *testing.T) {
	ctx := context.Background()

	for name, engine := range openEngines(t) {
		t.Run(name, func(t *testing.T) {
			if err := engine.Set(ctx, []byte("x"), []byte("y")); err != nil {
				t.Fatal(err)
			}
			if err := engine.DropAll(ctx); err != nil {
				t.Fatalf("DropAll: %v", err)
			}
			if _, err := engine.Get(ctx, []byte("x")); !errors.Is(err, ErrKeyNotFound) {
				t.Errorf("expected empty engine, got %v", err)
			}
			if err := engine.Set(ctx, []byte("x"), []byte("z")); err != nil {
				t.Errorf("engine should stay writable after DropAll: %v", err)
			}
		})
	}
}

func TestKVEngine_ClosedEngineFails(t *testing.T) {
	ctx := context.Background()

	for name, engine := range openEngines(t) {
		t.Run(name, func(t *testing.T) {
			if err := engine.Close(); err != nil {
				t.Fatal(err)
			}
			if err := engine.Close(); err != nil {
				t.Errorf("second Close should be a no-op, got %v", err)
			}
			if _, err := engine.Get(ctx, []byte("k")); !errors.Is(err, ErrClosed) {
				t.Errorf("Get after close = %v, want ErrClosed", err)
			}
			if err := engine.Set(ctx, []byte("k"), nil); !errors.Is(err, ErrClosed) {
				t.Errorf("Set after close = %v, want ErrClosed", err)
			}
		})
	}
}

func TestKVEngine_Stats(t *testing.T) {
	ctx := context.Background()

	for name, engine := range openEngines(t) {
		t.Run(name, func(t *testing.T) {
			stats, err := engine.Stats(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if stats.Engine != name {
				t.Errorf("Engine = %q, want %q", stats.Engine, name)
			}
		})
	}
}

func TestOpen_UnknownEngine(t *testing.T) {
	cfg := DefaultKVConfig(t.TempDir())
	cfg.Engine = "pebble"
	if _, err := Open(cfg, nil); err == nil {
		t.Fatal("expected error for unknown engine")
	}
}

func TestBadgerEngine_GC(t *testing.T) {
	cfg := DefaultKVConfig(t.TempDir())
	cfg.Badger.GCInterval = "1h"
	cfg.Badger.SyncWrites = false

	engine, err := NewBadgerEngine(cfg, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	defer engine.Close()

	if _, err := engine.GC(context.Background()); err != nil {
		t.Fatalf("GC: %v", err)
	}
	stats, err := engine.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.LastGCTime == 0 {
		t.Error("LastGCTime should be set after GC")
	}
}
