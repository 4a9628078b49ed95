package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/yndnr/snapkeeper/internal/core/domain"
)

func entries(t *testing.T, dir string) []string {
	t.Helper()
	es, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	names := make([]string, 0, len(es))
	for _, e := range es {
		names = append(names, e.Name())
	}
	return names
}

func TestLock_CleanSlate(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "stale.bin"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "old", "nested"), 0750); err != nil {
		t.Fatal(err)
	}

	l := New(dir, nil)
	if err := l.Lock(); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	defer l.Unlock()

	got := entries(t, dir)
	if len(got) != 1 || got[0] != SentinelName {
		t.Errorf("entries after Lock = %v, want [%s]", got, SentinelName)
	}
}

func TestLock_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	l := New(dir, nil)

	ok, err := l.TryLock()
	if err != nil || !ok {
		t.Fatalf("TryLock() = %v, %v; want true", ok, err)
	}
	defer l.Unlock()

	if _, err := os.Stat(l.SentinelPath()); err != nil {
		t.Errorf("sentinel missing: %v", err)
	}
}

func TestLock_TryLockContention(t *testing.T) {
	dir := t.TempDir()
	first := New(dir, nil)
	second := New(dir, nil)

	if err := first.Lock(); err != nil {
		t.Fatal(err)
	}

	ok, err := second.TryLock()
	if err != nil {
		t.Fatalf("TryLock() error = %v", err)
	}
	if ok {
		t.Fatal("TryLock() = true while another holder has the lock")
	}

	if err := first.Unlock(); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}

	ok, err = second.TryLock()
	if err != nil || !ok {
		t.Fatalf("TryLock() after Unlock = %v, %v; want true", ok, err)
	}
	second.Unlock()
}

func TestLock_UnlockKeepsContent(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, nil)

	if err := l.Lock(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "result"), []byte("done"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := l.Unlock(); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(dir, "result")); err != nil {
		t.Errorf("content removed by Unlock: %v", err)
	}

	// the next holder cleans up
	if err := l.Lock(); err != nil {
		t.Fatal(err)
	}
	defer l.Unlock()
	if got := entries(t, dir); len(got) != 1 {
		t.Errorf("entries after relock = %v, want only sentinel", got)
	}
}

func TestLock_NotReentrant(t *testing.T) {
	l := New(t.TempDir(), nil)

	if err := l.Lock(); err != nil {
		t.Fatal(err)
	}
	defer l.Unlock()

	if err := l.Lock(); !errors.Is(err, domain.ErrWorkspaceHeld) {
		t.Errorf("second Lock() error = %v, want ErrWorkspaceHeld", err)
	}
	if _, err := l.TryLock(); !errors.Is(err, domain.ErrWorkspaceHeld) {
		t.Errorf("TryLock() on held lock error = %v, want ErrWorkspaceHeld", err)
	}
	if !l.Held() {
		t.Error("Held() = false")
	}
}

func TestLock_UnlockUnheld(t *testing.T) {
	if err := New(t.TempDir(), nil).Unlock(); err == nil {
		t.Error("Unlock() of unheld lock succeeded")
	}
}

func TestLock_BlocksUntilReleased(t *testing.T) {
	dir := t.TempDir()
	first := New(dir, nil)
	second := New(dir, nil)

	if err := first.Lock(); err != nil {
		t.Fatal(err)
	}

	acquired := make(chan error, 1)
	go func() {
		acquired <- second.Lock()
	}()

	select {
	case err := <-acquired:
		t.Fatalf("Lock() returned while held: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	if err := first.Unlock(); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("Lock() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Lock() did not return after Unlock")
	}
	second.Unlock()
}

func TestLock_SentinelOpenFailure(t *testing.T) {
	parent := t.TempDir()
	// a regular file where the workspace directory should be
	dir := filepath.Join(parent, "ws")
	if err := os.WriteFile(dir, nil, 0600); err != nil {
		t.Fatal(err)
	}
	l := New(dir, nil)

	if _, err := l.TryLock(); !errors.Is(err, domain.ErrWorkspaceOpen) {
		t.Errorf("TryLock() error = %v, want ErrWorkspaceOpen", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := l.LockContext(ctx); !errors.Is(err, domain.ErrWorkspaceOpen) {
		t.Errorf("LockContext() error = %v, want ErrWorkspaceOpen", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("LockContext() took %v after context expiry", elapsed)
	}
}

func TestLock_WaiterSkipsUnlinkedSentinel(t *testing.T) {
	dir := t.TempDir()
	holder := New(dir, nil)
	waiter := New(dir, nil)
	newcomer := New(dir, nil)

	if ok, err := holder.TryLock(); err != nil || !ok {
		t.Fatalf("holder TryLock() = %v, %v", ok, err)
	}

	acquired := make(chan error, 1)
	go func() {
		acquired <- waiter.Lock()
	}()
	time.Sleep(100 * time.Millisecond)

	// the holder wipes the workspace, sentinel included, while holding it
	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}

	ok, err := newcomer.TryLock()
	if err != nil || !ok {
		t.Fatalf("newcomer TryLock() = %v, %v; want true on the fresh sentinel", ok, err)
	}
	work := filepath.Join(dir, "work.bin")
	if err := os.WriteFile(work, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	if err := holder.Unlock(); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-acquired:
		t.Fatalf("waiter acquired the old sentinel while newcomer holds the workspace (err=%v)", err)
	case <-time.After(200 * time.Millisecond):
	}
	if waiter.Held() {
		t.Fatal("two holders of one workspace")
	}
	if _, err := os.Stat(work); err != nil {
		t.Errorf("newcomer's file removed: %v", err)
	}

	if err := newcomer.Unlock(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("waiter Lock() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter did not acquire after newcomer released")
	}
	defer waiter.Unlock()
	if got := entries(t, dir); len(got) != 1 || got[0] != SentinelName {
		t.Errorf("entries after waiter acquired = %v, want [%s]", got, SentinelName)
	}
}

func TestLock_Remove(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ws")
	holder := New(dir, nil)
	waiter := New(dir, nil)

	if err := holder.Remove(); err == nil {
		t.Fatal("Remove() of unheld lock succeeded")
	}
	if ok, err := holder.TryLock(); err != nil || !ok {
		t.Fatalf("TryLock() = %v, %v", ok, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "part.bin"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	acquired := make(chan error, 1)
	go func() {
		acquired <- waiter.Lock()
	}()
	time.Sleep(100 * time.Millisecond)

	if err := holder.Remove(); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if holder.Held() {
		t.Error("Held() = true after Remove")
	}

	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("waiter Lock() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter did not acquire after Remove")
	}
	defer waiter.Unlock()

	// the waiter must hold the sentinel now on disk, not the removed one
	other := New(dir, nil)
	if ok, err := other.TryLock(); err != nil || ok {
		t.Fatalf("TryLock() while waiter holds = %v, %v; want false", ok, err)
	}
	if got := entries(t, dir); len(got) != 1 || got[0] != SentinelName {
		t.Errorf("entries = %v, want [%s]", got, SentinelName)
	}
}
