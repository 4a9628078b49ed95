package rpcserver

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/yndnr/snapkeeper/internal/agreement"
	"github.com/yndnr/snapkeeper/internal/telemetry/logger"
	"github.com/yndnr/snapkeeper/pkg/cmap"
)

// Context keys for request-scoped values.
type contextKey string

const (
	// ContextKeyRequestID is the context key for request ID.
	ContextKeyRequestID contextKey = "request_id"

	// ContextKeyStartTime is the context key for request start time.
	ContextKeyStartTime contextKey = "start_time"
)

// Middleware wraps an http.Handler with additional functionality.
type Middleware func(http.Handler) http.Handler

// Chain chains multiple middlewares together.
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// RequestID adds a unique request ID to each request and carries log in
// the request context for logger.L.
func RequestID(log *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = "req-" + ulid.Make().String()
			}
			w.Header().Set("X-Request-ID", requestID)

			ctx := context.WithValue(r.Context(), ContextKeyRequestID, requestID)
			ctx = logger.WithRequestID(ctx, requestID)
			ctx = logger.WithLogger(ctx, log)
			ctx = context.WithValue(ctx, ContextKeyStartTime, time.Now())

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Idle limiters are dropped once more than maxTrackedClients are held.
const (
	maxTrackedClients = 4096
	limiterIdleAfter  = time.Minute
)

type clientLimiter struct {
	lim      *rate.Limiter
	lastSeen atomic.Int64
}

// limiterRegistry holds one token bucket per client IP.
type limiterRegistry struct {
	limiters *cmap.Map[*clientLimiter]
	rps      int
}

func newLimiterRegistry(rps int) *limiterRegistry {
	return &limiterRegistry{limiters: cmap.New[*clientLimiter](), rps: rps}
}

func (l *limiterRegistry) allow(ip string, now time.Time) bool {
	cl := l.limiters.GetOrCreate(ip, func() *clientLimiter {
		return &clientLimiter{lim: rate.NewLimiter(rate.Limit(l.rps), l.rps)}
	})
	cl.lastSeen.Store(now.UnixNano())
	ok := cl.lim.AllowN(now, 1)

	if l.limiters.Count() > maxTrackedClients {
		l.sweep(now)
	}
	return ok
}

// sweep drops limiters idle for longer than limiterIdleAfter.
func (l *limiterRegistry) sweep(now time.Time) int {
	cutoff := now.Add(-limiterIdleAfter).UnixNano()
	return l.limiters.DeleteIf(func(_ string, cl *clientLimiter) bool {
		return cl.lastSeen.Load() < cutoff
	})
}

// RateLimit applies per-IP rate limiting. Throttled calls get a JSON-RPC
// error so that agreement clients classify them as an answer failure.
func RateLimit(requestsPerSecond int) Middleware {
	reg := newLimiterRegistry(requestsPerSecond)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !reg.allow(getClientIP(r), time.Now()) {
				w.Header().Set("Retry-After", "1")
				writeResponse(w, nil, nil, &agreement.RPCError{
					Code:    agreement.CodeRateLimited,
					Message: "too many requests",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Audit logs each request through the request-scoped logger.
func Audit() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			startTime, _ := r.Context().Value(ContextKeyStartTime).(time.Time)
			log := logger.L(r.Context())

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.statusCode,
				"duration_ms", time.Since(startTime).Milliseconds(),
				"client_ip", getClientIP(r),
			}
			if wrapped.statusCode >= 500 {
				log.Error("request completed with error", attrs...)
			} else {
				log.Debug("request completed", attrs...)
			}
		})
	}
}

// Recover recovers from panics and returns 500 error.
func Recover(log *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					requestID, _ := r.Context().Value(ContextKeyRequestID).(string)
					log.Error("panic recovered",
						"request_id", requestID,
						"error", err,
						"path", r.URL.Path,
					)
					w.WriteHeader(http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	// net.SplitHostPort handles IPv6 addresses like [::1]:8080
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
