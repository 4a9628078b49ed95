package cmap

import (
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
)

func TestNewWithShards(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{in: 4, want: 4},
		{in: 32, want: 32},
		{in: 0, want: DefaultShardCount},
		{in: -2, want: DefaultShardCount},
		{in: 12, want: DefaultShardCount},
	}
	for _, tt := range tests {
		if got := len(NewWithShards[int](tt.in).shards); got != tt.want {
			t.Errorf("NewWithShards(%d) shards = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestMap_Basic(t *testing.T) {
	m := New[int]()

	if _, ok := m.Get("a"); ok {
		t.Fatal("Get on empty map found a value")
	}
	m.Set("a", 1)
	m.Set("b", 2)
	if v, ok := m.Get("a"); !ok || v != 1 {
		t.Errorf("Get(a) = %d, %v; want 1, true", v, ok)
	}
	if m.Count() != 2 {
		t.Errorf("Count() = %d, want 2", m.Count())
	}
	m.Delete("a")
	if _, ok := m.Get("a"); ok {
		t.Error("Get(a) after Delete found a value")
	}

	sum := 0
	m.Range(func(_ string, v int) bool {
		sum += v
		return true
	})
	if sum != 2 {
		t.Errorf("Range sum = %d, want 2", sum)
	}
}

func TestMap_RangeStops(t *testing.T) {
	m := New[int]()
	for i := 0; i < 100; i++ {
		m.Set(strconv.Itoa(i), i)
	}
	visited := 0
	m.Range(func(string, int) bool {
		visited++
		return visited < 5
	})
	if visited != 5 {
		t.Errorf("visited = %d, want 5", visited)
	}
}

func TestMap_GetOrCreateOnce(t *testing.T) {
	m := New[*int]()
	var created atomic.Int32

	var wg sync.WaitGroup
	results := make([]*int, 50)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.GetOrCreate("k", func() *int {
				created.Add(1)
				v := i
				return &v
			})
		}(i)
	}
	wg.Wait()

	if created.Load() != 1 {
		t.Errorf("fn ran %d times, want 1", created.Load())
	}
	for i, r := range results {
		if r != results[0] {
			t.Fatalf("result %d differs from result 0", i)
		}
	}
}

func TestMap_DeleteIf(t *testing.T) {
	m := New[int]()
	for i := 0; i < 10; i++ {
		m.Set(strconv.Itoa(i), i)
	}
	removed := m.DeleteIf(func(_ string, v int) bool { return v%2 == 0 })
	if removed != 5 {
		t.Errorf("DeleteIf removed %d, want 5", removed)
	}
	if m.Count() != 5 {
		t.Errorf("Count() = %d, want 5", m.Count())
	}
	if _, ok := m.Get("4"); ok {
		t.Error("even key survived DeleteIf")
	}
}
