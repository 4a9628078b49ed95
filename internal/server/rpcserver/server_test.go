package rpcserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/yndnr/snapkeeper/internal/agreement"
	"github.com/yndnr/snapkeeper/internal/core/domain"
	"github.com/yndnr/snapkeeper/internal/telemetry/logger"
)

type hashTable map[uint64]string

func (h hashTable) HashAt(block uint64) (string, error) {
	hash, ok := h[block]
	if !ok {
		return "", domain.ErrSnapshotNotFound
	}
	return hash, nil
}

type failingHashes struct{}

func (failingHashes) HashAt(uint64) (string, error) { return "", errors.New("disk on fire") }

func hashOf(b byte) string {
	return "0x" + strings.Repeat(fmt.Sprintf("%02x", b), 32)
}

func rpcCall(t *testing.T, h http.Handler, body string) agreement.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.RemoteAddr = "10.0.0.1:5000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp agreement.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return resp
}

func TestHandler_Methods(t *testing.T) {
	h := NewRouter(&RouterConfig{
		Head:      ChainHeadFunc(func() uint64 { return 250 }),
		Snapshots: hashTable{200: hashOf(0xab)},
	})

	tests := []struct {
		name     string
		body     string
		wantCode int
		want     string
	}{
		{"block number", `{"jsonrpc":"2.0","id":1,"method":"eth_blockNumber","params":[]}`, 0, `"0xfa"`},
		{"hash", `{"jsonrpc":"2.0","id":2,"method":"snapshot_getHash","params":{"blockNumber":200}}`, 0, `"` + hashOf(0xab) + `"`},
		{"no snapshot", `{"jsonrpc":"2.0","id":3,"method":"snapshot_getHash","params":{"blockNumber":100}}`, agreement.CodeNoSnapshot, ""},
		{"missing params", `{"jsonrpc":"2.0","id":4,"method":"snapshot_getHash"}`, agreement.CodeInvalidParams, ""},
		{"zero block", `{"jsonrpc":"2.0","id":5,"method":"snapshot_getHash","params":{"blockNumber":0}}`, agreement.CodeInvalidParams, ""},
		{"unknown method", `{"jsonrpc":"2.0","id":6,"method":"eth_call"}`, agreement.CodeMethodNotFound, ""},
		{"bad version", `{"jsonrpc":"1.0","id":7,"method":"eth_blockNumber"}`, agreement.CodeInvalidRequest, ""},
		{"garbage", `{not json`, agreement.CodeParseError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := rpcCall(t, h, tt.body)
			if tt.wantCode != 0 {
				if resp.Error == nil || resp.Error.Code != tt.wantCode {
					t.Fatalf("error = %+v, want code %d", resp.Error, tt.wantCode)
				}
				return
			}
			if resp.Error != nil {
				t.Fatalf("unexpected error: %v", resp.Error)
			}
			if string(resp.Result) != tt.want {
				t.Errorf("result = %s, want %s", resp.Result, tt.want)
			}
		})
	}
}

func TestHandler_EchoesID(t *testing.T) {
	h := NewHandler(ChainHeadFunc(func() uint64 { return 1 }), hashTable{})
	resp := rpcCall(t, h, `{"jsonrpc":"2.0","id":"abc","method":"eth_blockNumber"}`)
	if string(resp.ID) != `"abc"` {
		t.Errorf("id = %s, want \"abc\"", resp.ID)
	}
}

func TestHandler_InternalError(t *testing.T) {
	h := NewHandler(ChainHeadFunc(func() uint64 { return 1 }), failingHashes{})
	resp := rpcCall(t, h, `{"jsonrpc":"2.0","id":1,"method":"snapshot_getHash","params":{"blockNumber":1}}`)
	if resp.Error == nil || resp.Error.Code != agreement.CodeInternal {
		t.Fatalf("error = %+v, want internal", resp.Error)
	}
	if strings.Contains(resp.Error.Message, "disk") {
		t.Error("internal error details leaked to caller")
	}
}

func TestRouter_LogsWithRequestID(t *testing.T) {
	var buf bytes.Buffer
	h := NewRouter(&RouterConfig{
		Head:        ChainHeadFunc(func() uint64 { return 1 }),
		Snapshots:   failingHashes{},
		Logger:      slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})),
		EnableAudit: true,
	})

	req := httptest.NewRequest(http.MethodPost, "/",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"snapshot_getHash","params":{"blockNumber":1}}`))
	req.Header.Set("X-Request-ID", "req-trace")
	h.ServeHTTP(httptest.NewRecorder(), req)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d log lines, want 2:\n%s", len(lines), buf.String())
	}
	for _, line := range lines {
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("log line %q: %v", line, err)
		}
		if rec["request_id"] != "req-trace" {
			t.Errorf("log line %q lacks request_id", line)
		}
	}
	if !strings.Contains(lines[0], "snapshot hash lookup failed") {
		t.Errorf("first line = %q, want lookup failure", lines[0])
	}
}

func TestHandler_RejectsGet(t *testing.T) {
	h := NewHandler(ChainHeadFunc(func() uint64 { return 1 }), hashTable{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	h := NewRouter(&RouterConfig{
		Head:      ChainHeadFunc(func() uint64 { return 1 }),
		Snapshots: hashTable{},
		RateLimit: 2,
	})
	body := `{"jsonrpc":"2.0","id":1,"method":"eth_blockNumber"}`

	limited := 0
	for i := 0; i < 5; i++ {
		resp := rpcCall(t, h, body)
		if resp.Error != nil && resp.Error.Code == agreement.CodeRateLimited {
			limited++
		}
	}
	if limited == 0 {
		t.Error("expected some requests to be rate limited")
	}

	// a different client has its own bucket
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.RemoteAddr = "10.0.0.2:5000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var resp agreement.Response
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Error != nil {
		t.Errorf("second client limited: %v", resp.Error)
	}
}

func TestLimiterRegistry_Sweep(t *testing.T) {
	reg := newLimiterRegistry(1)
	start := time.Now()

	if !reg.allow("10.0.0.1", start) {
		t.Fatal("first request limited")
	}
	if reg.allow("10.0.0.1", start) {
		t.Error("burst of 1 allowed a second request")
	}
	reg.allow("10.0.0.2", start.Add(2*limiterIdleAfter))

	if n := reg.sweep(start.Add(2 * limiterIdleAfter)); n != 1 {
		t.Errorf("sweep removed %d, want 1", n)
	}
	if _, ok := reg.limiters.Get("10.0.0.1"); ok {
		t.Error("idle limiter survived sweep")
	}
	if _, ok := reg.limiters.Get("10.0.0.2"); !ok {
		t.Error("active limiter was swept")
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		header map[string]string
		want   string
	}{
		{"remote addr", "192.168.1.1:1234", nil, "192.168.1.1"},
		{"ipv6", "[::1]:8080", nil, "::1"},
		{"forwarded", "127.0.0.1:1", map[string]string{"X-Forwarded-For": "10.1.1.1, 10.2.2.2"}, "10.1.1.1"},
		{"real ip", "127.0.0.1:1", map[string]string{"X-Real-IP": "10.3.3.3"}, "10.3.3.3"},
		{"no port", "host", nil, "host"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			if got := getClientIP(r); got != tt.want {
				t.Errorf("getClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	log := logger.Discard()
	h := RequestID(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = r.Context().Value(ContextKeyRequestID).(string)
		if logger.FromContext(r.Context()) != log {
			t.Error("request context does not carry the router logger")
		}
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if !strings.HasPrefix(seen, "req-") {
		t.Errorf("request id = %q", seen)
	}
	if rec.Header().Get("X-Request-ID") != seen {
		t.Error("response header does not carry the request id")
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "given")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "given" {
		t.Errorf("request id = %q, want given", seen)
	}
}

func TestRecover(t *testing.T) {
	h := Recover(logger.Discard())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestRouter_OptionalRoutes(t *testing.T) {
	h := NewRouter(&RouterConfig{
		Head:      ChainHeadFunc(func() uint64 { return 1 }),
		Snapshots: hashTable{},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("metrics"))
		}),
	})

	tests := []struct {
		path string
		want int
	}{
		{"/health", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/snapshots/1/x", http.StatusMethodNotAllowed},
		{"/status", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rec.Code != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, rec.Code, tt.want)
		}
	}
}

// TestAgreementOverRPC runs a full agreement pass against four peers
// served by the router.
func TestAgreementOverRPC(t *testing.T) {
	good := hashOf(0x11)
	peers := []struct {
		head uint64
		hash string
	}{
		{head: 305, hash: good},
		{head: 300, hash: good},
		{head: 301, hash: good},
		{head: 310, hash: hashOf(0x22)},
	}

	var participants []domain.Participant
	for i, p := range peers {
		table := hashTable{300: p.hash}
		srv := httptest.NewServer(NewRouter(&RouterConfig{
			Head:      ChainHeadFunc(func() uint64 { return p.head }),
			Snapshots: table,
		}))
		t.Cleanup(srv.Close)
		participants = append(participants, domain.Participant{
			ID:       fmt.Sprintf("node-%d", i),
			Endpoint: srv.URL,
		})
	}

	agent, err := agreement.New(agreement.Config{
		NodeID:           "node-9",
		Participants:     participants,
		SnapshotInterval: 100,
		PeerTimeout:      2 * time.Second,
		Logger:           logger.Discard(),
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	src, err := agent.Run(ctx)
	// n=4 requires 5 votes, so three matching hashes are not enough
	var iv *domain.InsufficientVotesError
	if !errors.As(err, &iv) {
		t.Fatalf("Run() error = %v, want InsufficientVotesError", err)
	}
	if src != nil {
		t.Error("source returned without quorum")
	}
	if iv.Tallies[0].Hash != good || iv.Tallies[0].Votes != 3 {
		t.Errorf("leading tally = %+v", iv.Tallies[0])
	}
	if agent.Target() != 300 {
		t.Errorf("target = %d, want 300", agent.Target())
	}
}

func TestAgreementOverRPC_Quorum(t *testing.T) {
	good := hashOf(0x33)
	var participants []domain.Participant
	for i := 0; i < 7; i++ {
		srv := httptest.NewServer(NewRouter(&RouterConfig{
			Head:      ChainHeadFunc(func() uint64 { return 1234 }),
			Snapshots: hashTable{1200: good},
		}))
		t.Cleanup(srv.Close)
		participants = append(participants, domain.Participant{
			ID:       fmt.Sprintf("node-%d", i),
			Endpoint: srv.URL,
		})
	}

	agent, err := agreement.New(agreement.Config{
		NodeID:           "node-0",
		Participants:     participants,
		SnapshotInterval: 100,
		Logger:           logger.Discard(),
	})
	if err != nil {
		t.Fatal(err)
	}

	src, err := agent.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if src.Hash != good || src.Block != 1200 || src.Votes != 7 {
		t.Errorf("source = %+v", src)
	}
	if src.Primary.ID == "node-0" {
		t.Error("local node selected as download source")
	}
	if len(src.Fallbacks) != 5 {
		t.Errorf("fallbacks = %d, want 5", len(src.Fallbacks))
	}
}

func TestServer_ServeAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := New(ln.Addr().String(), NewRouter(&RouterConfig{
		Head:      ChainHeadFunc(func() uint64 { return 7 }),
		Snapshots: hashTable{},
	}))

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ln) }()

	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"eth_blockNumber"}`)
	resp, err := http.Post("http://"+ln.Addr().String()+"/", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown error: %v", err)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("timeout waiting for Serve to return")
	}
}
