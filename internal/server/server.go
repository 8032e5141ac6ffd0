package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/aadk-dev/aadk/internal/registry"
)

// RunStreamDefaults are the service-wide run stream tunables; requests may
// override them per subscription.
type RunStreamDefaults struct {
	BufferMax         int
	MaxDelay          time.Duration
	DiscoveryInterval time.Duration
	FlushInterval     time.Duration
}

// Config holds all dependencies and settings for creating a Server.
type Config struct {
	Registry *registry.Registry
	Logger   *slog.Logger

	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Version      string

	RunStream RunStreamDefaults
}

// Server is the job service HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := &Handlers{
		reg:       cfg.Registry,
		logger:    cfg.Logger,
		version:   cfg.Version,
		runStream: cfg.RunStream,
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()

	mux.Handle("POST /v1/jobs", http.HandlerFunc(h.HandleStartJob))
	mux.Handle("GET /v1/jobs", http.HandlerFunc(h.HandleListJobs))
	mux.Handle("GET /v1/jobs/{job_id}", http.HandlerFunc(h.HandleGetJob))
	mux.Handle("POST /v1/jobs/{job_id}/cancel", http.HandlerFunc(h.HandleCancelJob))
	mux.Handle("POST /v1/jobs/{job_id}/events", http.HandlerFunc(h.HandlePublishJobEvent))
	mux.Handle("GET /v1/jobs/{job_id}/history", http.HandlerFunc(h.HandleListJobHistory))

	// Streaming endpoints (long-lived SSE connections).
	mux.Handle("GET /v1/jobs/{job_id}/events", http.HandlerFunc(h.HandleStreamJobEvents))
	mux.Handle("GET /v1/runs/events", http.HandlerFunc(h.HandleStreamRunEvents))

	mux.HandleFunc("GET /health", h.HandleHealth)

	handler := Chain(cfg.Logger, mux)

	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("job service listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("job service shutting down")
	return s.httpServer.Shutdown(ctx)
}
