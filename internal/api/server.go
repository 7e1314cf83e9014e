// Package api serves the fitsync table API: generic insert, update, delete
// and filtered select over named collections, plus a websocket keepalive
// endpoint clients use to observe connectivity.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marcus/fitsync/internal/remote"
)

// Store is the backing table store.
type Store interface {
	remote.Store
	Ping(ctx context.Context) error
}

// Server is the HTTP API server for fitsync.
type Server struct {
	config      Config
	http        *http.Server
	store       Store
	metrics     *Metrics
	rateLimiter *RateLimiter
	upgrader    websocket.Upgrader

	// ctx ends hijacked websocket connections, which http.Server.Shutdown
	// does not track.
	ctx     context.Context
	cancel  context.CancelFunc
	sockets sync.WaitGroup
}

// NewServer creates a new Server with the given config and store.
func NewServer(cfg Config, store Store) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("api: nil store")
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 600
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:      cfg,
		store:       store,
		metrics:     NewMetrics(),
		rateLimiter: NewRateLimiter(),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
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

// Start begins listening for HTTP requests (non-blocking) and returns the
// bound address.
func (s *Server) Start() (net.Addr, error) {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "err", err)
		}
	}()
	go s.rateLimiter.RunCleanup(s.ctx, 5*time.Minute)

	return ln.Addr(), nil
}

// Shutdown gracefully stops the server and closes live sockets.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	err := s.http.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.sockets.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return err
}

// Handler returns the routed handler with middleware.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Metrics returns the server's counters.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// routes builds the HTTP handler with all routes and middleware.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Health & metrics
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metricz", s.handleMetrics)

	// Tables
	mux.HandleFunc("POST /v1/tables/{collection}", s.requireKey(s.withRateLimit(s.handleInsert)))
	mux.HandleFunc("GET /v1/tables/{collection}", s.requireKey(s.withRateLimit(s.handleSelect)))
	mux.HandleFunc("PATCH /v1/tables/{collection}/{id}", s.requireKey(s.withRateLimit(s.handleUpdate)))
	mux.HandleFunc("DELETE /v1/tables/{collection}/{id}", s.requireKey(s.withRateLimit(s.handleDelete)))

	// Connectivity
	mux.HandleFunc("GET /v1/connectivity", s.requireKey(s.handleConnectivity))

	return chain(mux, recoveryMiddleware, requestIDMiddleware, loggerMiddleware, metricsMiddleware(s.metrics), loggingMiddleware, s.corsMiddleware, maxBytesMiddleware(s.config.MaxBodyBytes))
}

// handleHealth returns a health check response, pinging the store.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "detail": "db unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMetrics returns a snapshot of server metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}
