// Package http exposes the ledger as a JSON API.
package http

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"bolsillo/internal/core"
	"bolsillo/internal/services"
)

// Service ports the handlers depend on. The registries and the processor
// satisfy them; tests plug in fakes.
type (
	AccountService interface {
		Create(ctx context.Context, ownerID, name string, kind core.AccountKind, primary core.Currency) (core.Account, error)
		Get(ctx context.Context, id string) (core.Account, error)
		List(ctx context.Context, ownerID string) ([]core.Account, error)
		Balances(ctx context.Context, accountID string) ([]core.AccountCurrency, error)
		AddCurrency(ctx context.Context, accountID string, currency core.Currency) error
	}

	PocketService interface {
		Create(ctx context.Context, cfg core.PocketConfig) (core.Pocket, error)
		Get(ctx context.Context, id string) (core.Pocket, error)
		List(ctx context.Context, ownerID string) ([]core.Pocket, error)
		UpdateConfig(ctx context.Context, id string, cfg core.PocketConfig) (core.Pocket, error)
	}

	MovementService interface {
		Apply(ctx context.Context, intent services.MovementIntent) (core.Movement, error)
		Reverse(ctx context.Context, movementID string) (core.Movement, error)
	}
)

type Server struct {
	http.Server
	accounts  AccountService
	pockets   PocketService
	movements MovementService
	snapshots services.SnapshotReader
	ready     func(ctx context.Context) error

	rateLimiter  *rateLimiter
	shutdownOnce sync.Once
}

// NewServer wires routes and middleware, returning a ready-to-run server.
// ready is probed by /readyz; nil means always ready.
func NewServer(addr string, accounts AccountService, pockets PocketService, movements MovementService, snapshots services.SnapshotReader, ready func(ctx context.Context) error) *Server {
	mux := http.NewServeMux()

	s := &Server{
		Server: http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		accounts:    accounts,
		pockets:     pockets,
		movements:   movements,
		snapshots:   snapshots,
		ready:       ready,
		rateLimiter: newRateLimiter(),
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	mux.HandleFunc("POST /accounts", s.wrap(s.handleCreateAccount))
	mux.HandleFunc("GET /accounts", s.wrap(s.handleListAccounts))
	mux.HandleFunc("GET /accounts/{id}", s.wrap(s.handleGetAccount))
	mux.HandleFunc("GET /accounts/{id}/balances", s.wrap(s.handleAccountBalances))
	mux.HandleFunc("POST /accounts/{id}/currencies", s.wrap(s.handleAddCurrency))

	mux.HandleFunc("POST /pockets", s.wrap(s.handleCreatePocket))
	mux.HandleFunc("GET /pockets", s.wrap(s.handleListPockets))
	mux.HandleFunc("GET /pockets/{id}", s.wrap(s.handleGetPocket))
	mux.HandleFunc("PUT /pockets/{id}", s.wrap(s.handleUpdatePocket))
	mux.HandleFunc("GET /pockets/{id}/allowance", s.wrap(s.handleAllowance))
	mux.HandleFunc("GET /pockets/{id}/recommendation", s.wrap(s.handleRecommendation))

	mux.HandleFunc("POST /movements", s.wrap(s.handleCreateMovement))
	mux.HandleFunc("POST /movements/{id}/reverse", s.wrap(s.handleReverseMovement))

	return s
}

// wrap adds security headers, rate limiting on writes, a request id and
// request logging around a handler.
func (s *Server) wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		clientIP := extractClientIP(r)
		requestID := generateRequestID()

		slog.InfoContext(r.Context(), "Request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"client_ip", clientIP)

		if r.Method != http.MethodGet && !s.rateLimiter.allow(clientIP) {
			slog.WarnContext(r.Context(), "Rate limit exceeded",
				"request_id", requestID, "client_ip", clientIP, "path", r.URL.Path)
			w.Header().Set("Retry-After", "60")
			http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
			return
		}

		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("X-Request-ID", requestID)

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next(rw, r)

		slog.InfoContext(r.Context(), "Request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.statusCode,
			"duration_ms", time.Since(start).Milliseconds())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

// Shutdown stops the rate limiter cleanup and the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if s.rateLimiter != nil {
			s.rateLimiter.stop()
		}
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

// responseWriter captures the status code for request logging.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func generateRequestID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return "req_" + hex.EncodeToString(bytes)
}
