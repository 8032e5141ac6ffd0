package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/aadk-dev/aadk/internal/model"
	"github.com/aadk-dev/aadk/internal/observe"
	"github.com/aadk-dev/aadk/internal/server"
	"github.com/aadk-dev/aadk/sdk/go/aadk"
)

// Config holds all dependencies and settings for creating a Service.
type Config struct {
	Jobs   *aadk.Client
	Peers  Gateway
	Runs   *observe.RunStore
	Logger *slog.Logger

	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Version      string
}

// Service is the workflow HTTP server: the pipeline RPC plus read access to
// run records.
type Service struct {
	runner  *Runner
	jobs    *aadk.Client
	runs    *observe.RunStore
	logger  *slog.Logger
	version string

	httpServer *http.Server
	handler    http.Handler
}

// New creates the workflow service with all routes configured.
func New(cfg Config) *Service {
	s := &Service{
		runner:  NewRunner(cfg.Jobs, cfg.Peers, cfg.Runs, cfg.Logger),
		jobs:    cfg.Jobs,
		runs:    cfg.Runs,
		logger:  cfg.Logger,
		version: cfg.Version,
	}

	mux := http.NewServeMux()
	mux.Handle("POST /v1/pipelines", http.HandlerFunc(s.HandleRunPipeline))
	mux.Handle("GET /v1/runs", http.HandlerFunc(s.HandleListRuns))
	mux.Handle("GET /v1/runs/{run_id}", http.HandlerFunc(s.HandleGetRun))
	mux.HandleFunc("GET /health", s.HandleHealth)

	handler := server.Chain(cfg.Logger, mux)
	s.handler = handler
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the root HTTP handler for use in tests.
func (s *Service) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests.
func (s *Service) Start() error {
	s.logger.Info("workflow service listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Service) Shutdown(ctx context.Context) error {
	s.logger.Info("workflow service shutting down")
	return s.httpServer.Shutdown(ctx)
}

// HandleRunPipeline handles POST /v1/pipelines: derive the run identity,
// reserve the parent workflow.pipeline job, and launch the runner in the
// background. The response returns as soon as the parent job exists.
func (s *Service) HandleRunPipeline(w http.ResponseWriter, r *http.Request) {
	var req model.RunPipelineRequest
	if err := server.DecodeJSON(r, &req); err != nil {
		server.WriteError(w, r, model.CodeInvalidArgument, "invalid request body")
		return
	}

	runID := req.RunID
	if runID == "" {
		runID = "run-" + uuid.NewString()
	}
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = runID
	}

	parentJobID := req.JobID
	if parentJobID == "" {
		params := []aadk.KeyValue{
			{Key: "run_id", Value: runID},
			{Key: "correlation_id", Value: correlationID},
		}
		job, err := s.jobs.StartJob(r.Context(), aadk.StartJobRequest{
			JobType:        "workflow.pipeline",
			Params:         params,
			CorrelationID:  correlationID,
			RunID:          runID,
			ProjectID:      req.ProjectID,
			TargetID:       req.TargetID,
			ToolchainSetID: req.ToolchainSetID,
		})
		if err != nil {
			s.logger.Error("parent job reservation failed", "error", err)
			server.WriteError(w, r, model.CodeUnavailable,
				fmt.Sprintf("job service unavailable: %v", err))
			return
		}
		parentJobID = job.JobID
	}
	if parentJobID == "" {
		server.WriteError(w, r, model.CodeInternal, "pipeline job_id is empty")
		return
	}

	go s.runner.Execute(context.Background(), parentJobID, runID, correlationID, req)

	server.WriteJSON(w, r, http.StatusAccepted, model.RunPipelineResponse{
		RunID:         runID,
		JobID:         parentJobID,
		CorrelationID: correlationID,
	})
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (s *Service) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	rec, err := s.runs.Get(r.Context(), runID)
	if err != nil {
		if errors.Is(err, observe.ErrNotFound) {
			server.WriteError(w, r, model.CodeNotFound, "run not found")
			return
		}
		s.logger.Error("get run failed", "run_id", runID, "error", err)
		server.WriteError(w, r, model.CodeInternal, "internal error")
		return
	}
	server.WriteJSON(w, r, http.StatusOK, rec)
}

// HandleListRuns handles GET /v1/runs.
func (s *Service) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pageSize := 0
	if v := q.Get("page_size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			pageSize = n
		}
	}
	resp, err := s.runs.List(r.Context(), q.Get("page_token"), pageSize)
	if err != nil {
		s.logger.Error("list runs failed", "error", err)
		server.WriteError(w, r, model.CodeInternal, "internal error")
		return
	}
	server.WriteJSON(w, r, http.StatusOK, resp)
}

// HandleHealth handles GET /health.
func (s *Service) HandleHealth(w http.ResponseWriter, r *http.Request) {
	server.WriteJSON(w, r, http.StatusOK, map[string]any{
		"status":  "healthy",
		"version": s.version,
	})
}
