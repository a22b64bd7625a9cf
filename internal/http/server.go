package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lsmkv/pkg/config"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/metrics"
	"lsmkv/pkg/store"
)

const (
	contentTypeJSON        = "application/json"
	defaultAddr            = "127.0.0.1:8080"
	defaultShutdownTimeout = time.Second * 5
)

type iStoreAPI interface {
	Stats() (store.Stats, error)
	Flush() error
	Compact(ctx context.Context) error
}

// Server is the admin endpoint of a store. It exposes health, statistics
// and manual flush/compaction; it never serves keys or values.
type Server struct {
	store      iStoreAPI
	registry   *prometheus.Registry
	httpServer *http.Server
	listener   net.Listener
	URL        string
	addr       string
	timeout    time.Duration
}

// NewServer creates a new server instance
func NewServer(st iStoreAPI, cfg config.AdminConfig) *Server {
	addr := cfg.Addr
	if addr == "" {
		addr = defaultAddr
	}
	timeout := cfg.ReadHeaderTimeout
	if timeout <= 0 {
		timeout = time.Second
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(st))

	return &Server{
		store:    st,
		registry: registry,
		addr:     addr,
		timeout:  timeout,
	}
}

// Start binds the listen address and serves in the background. URL is set
// once Start returns.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	s.listener = ln
	s.URL = "http://" + ln.Addr().String()

	s.httpServer = &http.Server{
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.timeout,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}).ServeHTTP)
	r.Post("/flush", s.handleFlush)
	r.Post("/compact", s.handleCompact)

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, dberrors.ErrClosed) {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, failedReply(err))
}

// handleHealth reports 503 once the store is closed or a background error
// has made it read-only.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats()
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if stats.BackgroundError != "" {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, healthReply(stats))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if err := s.store.Flush(); err != nil {
		s.writeError(w, err)
		return
	}
	slog.Info("manual flush done", "duration", time.Since(start))
	s.writeJSON(w, http.StatusOK, doneReply(start))
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if err := s.store.Compact(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	slog.Info("manual compaction done", "duration", time.Since(start))
	s.writeJSON(w, http.StatusOK, doneReply(start))
}
