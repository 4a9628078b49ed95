// Package rpcserver serves the peer-facing HTTP surface of a node: the
// JSON-RPC methods used by snapshot agreement, snapshot file transfer
// and the Prometheus metrics endpoint.
package rpcserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// Server represents the peer HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
}

// New creates a new server.
func New(addr string, handler http.Handler) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		handler: handler,
	}
}

// ListenAndServe starts the server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
