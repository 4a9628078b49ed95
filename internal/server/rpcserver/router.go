package rpcserver

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/yndnr/snapkeeper/internal/infra/buildinfo"
)

// RouterConfig holds configuration for the peer router.
type RouterConfig struct {
	// Head reports the local chain head for eth_blockNumber.
	Head ChainHead

	// Snapshots answers snapshot_getHash.
	Snapshots SnapshotHashes

	// Transfer serves snapshot files under /snapshots/. Optional.
	Transfer http.Handler

	// Metrics serves /metrics. Optional.
	Metrics http.Handler

	// Status serves /status. Optional.
	Status http.Handler

	// Logger for request logging.
	Logger *slog.Logger

	// RateLimit is the per-IP JSON-RPC rate limit (requests/second).
	// Zero disables limiting.
	RateLimit int

	// EnableAudit enables request logging.
	EnableAudit bool
}

// NewRouter creates the peer router with all routes and middleware.
func NewRouter(cfg *RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	// Order: Recover -> RequestID -> RateLimit -> Audit -> Handler
	var rpc http.Handler = NewHandler(cfg.Head, cfg.Snapshots)
	if cfg.EnableAudit {
		rpc = Audit()(rpc)
	}
	if cfg.RateLimit > 0 {
		rpc = RateLimit(cfg.RateLimit)(rpc)
	}
	rpc = Chain(rpc, Recover(log), RequestID(log))

	mux := http.NewServeMux()
	mux.Handle("POST /", rpc)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "ok",
			"version": buildinfo.Version,
		})
	})
	if cfg.Status != nil {
		mux.Handle("GET /status", Chain(cfg.Status, Recover(log), RequestID(log)))
	}
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", Chain(cfg.Metrics, Recover(log), RequestID(log)))
	}
	if cfg.Transfer != nil {
		transfer := cfg.Transfer
		if cfg.EnableAudit {
			transfer = Audit()(transfer)
		}
		mux.Handle("GET /snapshots/", Chain(transfer, Recover(log), RequestID(log)))
	}
	return mux
}
