// Package api is the HTTP surface of cashew-hub, the wallet sync server.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/marcus/cashew/internal/serverdb"
)

// Server is the HTTP API server for cashew-hub.
type Server struct {
	config Config
	http   *http.Server
	store  *serverdb.HubDB
}

// NewServer creates a new Server with the given config and store.
func NewServer(cfg Config, store *serverdb.HubDB) (*Server, error) {
	s := &Server{
		config: cfg,
		store:  store,
	}

	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Handler returns the routed handler, for tests driving the server through
// httptest without a listener.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start begins listening for HTTP requests (non-blocking).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "err", err)
		}
	}()

	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// routes builds the HTTP handler with all routes and middleware.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /v1/wallet/push", s.requireAuth(s.handlePush))
	mux.HandleFunc("GET /v1/wallet/pull", s.requireAuth(s.handlePull))
	mux.HandleFunc("GET /v1/wallet/accounts/{id}/snapshot", s.requireAuth(s.handleSnapshot))

	return chain(mux, recoveryMiddleware, requestIDMiddleware, loggerMiddleware, loggingMiddleware, maxBytesMiddleware(10<<20))
}

// handleHealth returns a health check response, pinging the hub DB.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "detail": "db unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
