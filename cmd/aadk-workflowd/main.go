// Command aadk-workflowd runs the workflow service: the pipeline runner and
// the run-record store.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/aadk-dev/aadk/internal/config"
	"github.com/aadk-dev/aadk/internal/observe"
	"github.com/aadk-dev/aadk/internal/telemetry"
	"github.com/aadk-dev/aadk/internal/workflow"
	"github.com/aadk-dev/aadk/sdk/go/aadk"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("AADK_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("aadk-workflowd starting", "version", version, "addr", cfg.WorkflowAddr)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName+"-workflowd", version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	jobs, err := aadk.NewClient(aadk.Config{BaseURL: "http://" + cfg.JobAddr})
	if err != nil {
		return fmt.Errorf("job client: %w", err)
	}

	runs, err := observe.Open(cfg.RunDBFile(), logger)
	if err != nil {
		return fmt.Errorf("run store: %w", err)
	}
	defer func() { _ = runs.Close() }()

	peers := workflow.NewHTTPGateway(workflow.PeerAddrs{
		Toolchain: cfg.ToolchainAddr,
		Project:   cfg.ProjectAddr,
		Build:     cfg.BuildAddr,
		Targets:   cfg.TargetsAddr,
		Observe:   cfg.ObserveAddr,
	})

	svc := workflow.New(workflow.Config{
		Jobs:         jobs,
		Peers:        peers,
		Runs:         runs,
		Logger:       logger,
		Addr:         cfg.WorkflowAddr,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Version:      version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := svc.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	slog.Info("aadk-workflowd shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := svc.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	slog.Info("aadk-workflowd stopped")
	return nil
}
