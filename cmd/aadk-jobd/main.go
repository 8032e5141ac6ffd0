// Command aadk-jobd runs the job service: the process-wide job registry,
// event bus, run aggregation, persistence, and retention.
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
	"github.com/aadk-dev/aadk/internal/registry"
	"github.com/aadk-dev/aadk/internal/server"
	"github.com/aadk-dev/aadk/internal/store"
	"github.com/aadk-dev/aadk/internal/telemetry"
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

	slog.Info("aadk-jobd starting", "version", version, "addr", cfg.JobAddr)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName+"-jobd", version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	reg := registry.New(registry.Options{Logger: logger})
	st := store.New(cfg.StateFile(), reg, store.RetentionPolicy{
		RetentionDays: cfg.RetentionDays,
		MaxCompleted:  cfg.MaxCompleted,
	}, logger)

	// An unreadable document is corruption, not a fresh start: refuse to run
	// over it rather than silently dropping history.
	if err := st.Load(); err != nil {
		return fmt.Errorf("state load: %w", err)
	}
	reg.SetPersister(st)

	// Jobs that were live when the previous process died have lost their
	// workers; finalize them before accepting traffic.
	reg.FinalizeOrphans(ctx)

	storeCtx, storeCancel := context.WithCancel(context.Background())
	defer storeCancel()
	storeDone := make(chan struct{})
	go func() {
		st.Run(storeCtx)
		close(storeDone)
	}()
	st.Schedule()

	srv := server.New(server.Config{
		Registry:     reg,
		Logger:       logger,
		Addr:         cfg.JobAddr,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Version:      version,
		RunStream: server.RunStreamDefaults{
			BufferMax:         cfg.RunStreamBufferMax,
			MaxDelay:          cfg.RunStreamMaxDelay,
			DiscoveryInterval: cfg.RunStreamDiscovery,
			FlushInterval:     cfg.RunStreamFlush,
		},
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	case err := <-st.Fatal():
		return fmt.Errorf("persistence: %w", err)
	}

	// Graceful shutdown: stop accepting requests and drain in-flight ones
	// (they may still publish events), then let the store write its final
	// snapshot.
	slog.Info("aadk-jobd shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()
	storeCancel()

	select {
	case <-storeDone:
	case <-time.After(10 * time.Second):
		slog.Error("store shutdown timed out")
	}

	slog.Info("aadk-jobd stopped")
	return nil
}
