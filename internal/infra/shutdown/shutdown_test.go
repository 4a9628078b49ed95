package shutdown

import (
	"context"
	"errors"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/yndnr/snapkeeper/internal/telemetry/logger"
)

func TestHandler_ReverseOrder(t *testing.T) {
	h := NewHandler(5*time.Second, logger.Discard())

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"stores", "snapshots", "rpc"} {
		h.OnShutdown(name, func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		})
	}

	h.Trigger("test")
	if err := h.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	if got := strings.Join(order, ","); got != "rpc,snapshots,stores" {
		t.Errorf("order = %s", got)
	}
	select {
	case <-h.Done():
	default:
		t.Error("Done() not closed after Wait")
	}
}

func TestHandler_JoinsErrors(t *testing.T) {
	h := NewHandler(time.Second, logger.Discard())
	errA := errors.New("a failed")
	ran := false
	h.OnShutdown("a", func(context.Context) error { return errA })
	h.OnShutdown("b", func(context.Context) error { return errors.New("b failed") })
	h.OnShutdown("c", func(context.Context) error { ran = true; return nil })

	h.Trigger("test")
	err := h.Wait(context.Background())
	if !errors.Is(err, errA) {
		t.Errorf("Wait() error = %v, want to wrap errA", err)
	}
	if !strings.Contains(err.Error(), "b: b failed") {
		t.Errorf("error missing hook name: %v", err)
	}
	if !ran {
		t.Error("hook after failing hook did not run")
	}
}

func TestHandler_HookTimeout(t *testing.T) {
	h := NewHandler(50*time.Millisecond, logger.Discard())
	h.OnShutdown("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := h.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("hook timeout not applied")
	}
}

func TestHandler_Signal(t *testing.T) {
	h := NewHandler(time.Second, logger.Discard())
	called := make(chan struct{})
	h.OnShutdown("hook", func(context.Context) error {
		close(called)
		return nil
	})

	errCh := make(chan error, 1)
	go func() { errCh <- h.Wait(context.Background()) }()

	// let Wait install the signal handler
	time.Sleep(50 * time.Millisecond)
	if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Wait() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait() did not return after SIGTERM")
	}
	select {
	case <-called:
	default:
		t.Error("hook not called")
	}
}

func TestHandler_TriggerKeepsFirstReason(t *testing.T) {
	h := NewHandler(time.Second, logger.Discard())
	h.Trigger("first")
	h.Trigger("second")
	if got := <-h.trigger; got != "first" {
		t.Errorf("reason = %q, want first", got)
	}
}
