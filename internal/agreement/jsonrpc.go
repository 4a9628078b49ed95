package agreement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/yndnr/snapkeeper/internal/core/domain"
)

// Peer RPC methods.
const (
	MethodBlockNumber = "eth_blockNumber"
	MethodGetHash     = "snapshot_getHash"
)

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603

	// CodeNoSnapshot is returned by snapshot_getHash when the peer has no
	// snapshot at the requested block.
	CodeNoSnapshot = -32004

	// CodeRateLimited is returned when the server throttles the caller.
	CodeRateLimited = -32005
)

// maxResponseSize bounds a peer response body.
const maxResponseSize = 1 << 20

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// GetHashParams are the params of snapshot_getHash.
type GetHashParams struct {
	BlockNumber uint64 `json:"blockNumber"`
}

// Client calls peer JSON-RPC endpoints over HTTP.
type Client struct {
	http *http.Client
}

// NewClient creates a client. Deadlines come from the caller's context.
func NewClient(hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Transport: http.DefaultTransport}
	}
	return &Client{http: hc}
}

// Call sends one request to endpoint and decodes its result into result.
//
// Connection failures and timeouts yield domain.ErrPeerUnreachable. An
// empty or undecodable body yields domain.ErrMalformedResponse. A
// JSON-RPC error object is returned as *RPCError.
func (c *Client) Call(ctx context.Context, endpoint, method string, params, result any) error {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("agreement: marshal params: %w", err)
	}
	id, _ := json.Marshal(ulid.Make().String())
	body, err := json.Marshal(Request{JSONRPC: "2.0", ID: id, Method: method, Params: rawParams})
	if err != nil {
		return fmt.Errorf("agreement: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, NormalizeEndpoint(endpoint), bytes.NewReader(body))
	if err != nil {
		return domain.ErrPeerUnreachable.WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "snapkeeper/1.0")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.ErrPeerUnreachable.WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return domain.ErrPeerUnreachable.WithCause(err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return domain.ErrMalformedResponse.WithDetails(
			fmt.Sprintf("%s: empty response (status %d)", method, resp.StatusCode))
	}

	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return domain.ErrMalformedResponse.WithCause(err)
	}
	if r.Error != nil {
		return r.Error
	}
	if len(r.Result) == 0 || string(r.Result) == "null" {
		return domain.ErrMalformedResponse.WithDetails(method + ": missing result")
	}
	if err := json.Unmarshal(r.Result, result); err != nil {
		return domain.ErrMalformedResponse.WithCause(err)
	}
	return nil
}

// BlockNumber returns the peer's chain head.
func (c *Client) BlockNumber(ctx context.Context, endpoint string) (uint64, error) {
	var hex string
	if err := c.Call(ctx, endpoint, MethodBlockNumber, struct{}{}, &hex); err != nil {
		return 0, err
	}
	n, err := domain.ParseHexQuantity(hex)
	if err != nil {
		return 0, domain.ErrMalformedResponse.WithCause(err)
	}
	return n, nil
}

// SnapshotHash returns the hash of the peer's snapshot at block.
func (c *Client) SnapshotHash(ctx context.Context, endpoint string, block uint64) (string, error) {
	var hash string
	if err := c.Call(ctx, endpoint, MethodGetHash, GetHashParams{BlockNumber: block}, &hash); err != nil {
		return "", err
	}
	normalized, ok := NormalizeHash(hash)
	if !ok {
		return "", domain.ErrMalformedResponse.WithDetails("bad hash " + hash)
	}
	return normalized, nil
}

// NormalizeHash lowercases a "0x"-prefixed 32-byte hex hash and reports
// whether it is well formed.
func NormalizeHash(s string) (string, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != 66 || !strings.HasPrefix(s, "0x") {
		return "", false
	}
	for _, c := range s[2:] {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", false
		}
	}
	return s, true
}

// outcome classifies a call error for metrics and logs.
func outcome(err error) string {
	var rpcErr *RPCError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrPeerUnreachable):
		if errors.Is(err, context.DeadlineExceeded) {
			return "timeout"
		}
		return "unreachable"
	case errors.Is(err, domain.ErrMalformedResponse):
		return "malformed"
	case errors.As(err, &rpcErr):
		return "rpc_error"
	default:
		return "error"
	}
}

// NormalizeEndpoint adds the http scheme to a bare host:port endpoint.
func NormalizeEndpoint(endpoint string) string {
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return "http://" + endpoint
	}
	return endpoint
}

// defaultPeerTimeout bounds each peer query.
const defaultPeerTimeout = 10 * time.Second
