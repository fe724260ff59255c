// Package server exposes the sync engine's HTTP surface: the
// server-of-record mutation endpoint, the backfill REST contract, the
// live text-event stream, and operational endpoints.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tidesync/tidesync/internal/schema"
)

// EventSource is the read side of the remote event log consumed by the
// backfill and live endpoints.
type EventSource interface {
	ReadFrom(ctx context.Context, tenantID, cursor string, limit int) ([]*schema.Event, string, error)
	HasCursor(ctx context.Context, tenantID, cursor string) (bool, error)
	Count(ctx context.Context, tenantID string) (int64, error)
}

// EventSink is the write side: applied mutations are published as
// events.
type EventSink interface {
	Append(ctx context.Context, event *schema.Event) (string, error)
}

// Config holds server tuning.
type Config struct {
	// Addr is the listen address, e.g. ":8094".
	Addr string

	// HeartbeatInterval is the live-stream heartbeat cadence.
	HeartbeatInterval time.Duration

	// LivePollInterval is how often a live stream checks the event log
	// for new entries.
	LivePollInterval time.Duration

	// StrictCursors makes backfill reject unrecognized cursors instead
	// of failing open with a full replay.
	StrictCursors bool

	Logger *log.Logger
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:              ":8094",
		HeartbeatInterval: 15 * time.Second,
		LivePollInterval:  500 * time.Millisecond,
		Logger:            log.New(os.Stderr, "[server] ", log.LstdFlags),
	}
}

// Server is the sync HTTP server. The server-of-record table lives in
// memory; the durable store behind it is out of scope here and the
// event log carries everything clients need to catch up.
type Server struct {
	config *Config
	source EventSource
	sink   EventSink
	logger *log.Logger

	mu      sync.Mutex
	records map[string]*record
	applied map[string]*appliedResult

	registry *prometheus.Registry
	httpSrv  *http.Server
}

// record is one server-of-record row.
type record struct {
	Version   int64          `json:"version"`
	Data      map[string]any `json:"data"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// appliedResult replays a previous apply for a repeated idempotency
// key.
type appliedResult struct {
	status    int
	body      []byte
	expiresAt time.Time
}

// New creates a server over an event log. source and sink are usually
// the same eventlog client; either may be nil for reduced deployments.
func New(config *Config, source EventSource, sink EventSink) *Server {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.LivePollInterval <= 0 {
		config.LivePollInterval = defaults.LivePollInterval
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	return &Server{
		config:   config,
		source:   source,
		sink:     sink,
		logger:   config.Logger,
		records:  make(map[string]*record),
		applied:  make(map[string]*appliedResult),
		registry: prometheus.NewRegistry(),
	}
}

// Registry exposes the metrics registry so the engine can register its
// collectors on the same /metrics endpoint.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/mutations", s.handleMutation)
		r.Post("/backfill", s.handleBackfill)
		r.Get("/live", s.handleLive)
	})
	return r
}

// Start runs the HTTP server until the context is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:    s.config.Addr,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("Listening on %s", s.config.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}
