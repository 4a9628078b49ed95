package rpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/yndnr/snapkeeper/internal/agreement"
	"github.com/yndnr/snapkeeper/internal/core/domain"
	"github.com/yndnr/snapkeeper/internal/telemetry/logger"
)

// maxRequestSize bounds a JSON-RPC request body.
const maxRequestSize = 64 << 10

// ChainHead reports the node's latest committed block.
type ChainHead interface {
	Head() uint64
}

// SnapshotHashes looks up the hash of a local snapshot.
type SnapshotHashes interface {
	HashAt(block uint64) (string, error)
}

// ChainHeadFunc adapts a function to ChainHead.
type ChainHeadFunc func() uint64

func (f ChainHeadFunc) Head() uint64 { return f() }

// Handler serves the peer JSON-RPC methods.
type Handler struct {
	head      ChainHead
	snapshots SnapshotHashes
}

// NewHandler creates the JSON-RPC handler. It logs through the logger
// carried by the request context, see RequestID.
func NewHandler(head ChainHead, snapshots SnapshotHashes) *Handler {
	return &Handler{head: head, snapshots: snapshots}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		writeResponse(w, nil, nil, &agreement.RPCError{Code: agreement.CodeParseError, Message: "read error"})
		return
	}

	var req agreement.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeResponse(w, nil, nil, &agreement.RPCError{Code: agreement.CodeParseError, Message: "parse error"})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeResponse(w, req.ID, nil, &agreement.RPCError{Code: agreement.CodeInvalidRequest, Message: "invalid request"})
		return
	}

	result, rpcErr := h.dispatch(r.Context(), &req)
	writeResponse(w, req.ID, result, rpcErr)
}

func (h *Handler) dispatch(ctx context.Context, req *agreement.Request) (any, *agreement.RPCError) {
	switch req.Method {
	case agreement.MethodBlockNumber:
		return domain.FormatHexQuantity(h.head.Head()), nil

	case agreement.MethodGetHash:
		var p agreement.GetHashParams
		if len(req.Params) == 0 || json.Unmarshal(req.Params, &p) != nil || p.BlockNumber == 0 {
			return nil, &agreement.RPCError{Code: agreement.CodeInvalidParams, Message: "blockNumber required"}
		}
		hash, err := h.snapshots.HashAt(p.BlockNumber)
		if errors.Is(err, domain.ErrSnapshotNotFound) {
			return nil, &agreement.RPCError{Code: agreement.CodeNoSnapshot, Message: "no snapshot at requested block"}
		}
		if err != nil {
			logger.L(ctx).Error("snapshot hash lookup failed",
				"block", p.BlockNumber,
				"error", err)
			return nil, &agreement.RPCError{Code: agreement.CodeInternal, Message: "internal error"}
		}
		return hash, nil

	default:
		return nil, &agreement.RPCError{Code: agreement.CodeMethodNotFound, Message: "method not found: " + req.Method}
	}
}

func writeResponse(w http.ResponseWriter, id json.RawMessage, result any, rpcErr *agreement.RPCError) {
	resp := agreement.Response{JSONRPC: "2.0", ID: id, Error: rpcErr}
	if rpcErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			resp.Error = &agreement.RPCError{Code: agreement.CodeInternal, Message: "encode error"}
		} else {
			resp.Result = raw
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
