package output

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"
)

// lockedBuffer is a bytes.Buffer safe for the spinner goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSpinner_StartStop(t *testing.T) {
	var buf lockedBuffer
	s := NewSpinner(&buf, "Collecting votes")
	s.Start()
	time.Sleep(150 * time.Millisecond)
	s.Stop()

	out := buf.String()
	if !strings.Contains(out, "Collecting votes") {
		t.Errorf("output missing message: %q", out)
	}
	if !strings.HasSuffix(out, "\r\033[K") {
		t.Errorf("output not cleared: %q", out)
	}
}

func TestSpinner_Finish(t *testing.T) {
	tests := []struct {
		name   string
		finish func(*Spinner)
		want   string
	}{
		{"success", func(s *Spinner) { s.Success("done") }, "✓ done\n"},
		{"fail", func(s *Spinner) { s.Fail("no quorum") }, "✗ no quorum\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf lockedBuffer
			s := NewSpinner(&buf, "working")
			s.Start()
			tt.finish(s)
			if out := buf.String(); !strings.HasSuffix(out, tt.want) {
				t.Errorf("output = %q, want suffix %q", out, tt.want)
			}
		})
	}
}

func TestSpinner_StopTwiceAndWithoutStart(t *testing.T) {
	var buf lockedBuffer
	s := NewSpinner(&buf, "idle")
	s.Stop()
	s.Stop()
	if out := buf.String(); strings.Contains(out, "idle") {
		t.Errorf("spinner drew a frame without Start: %q", out)
	}
}
