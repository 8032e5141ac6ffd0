// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Default loopback bind addresses for the service suite.
const (
	DefaultJobAddr       = "127.0.0.1:50051"
	DefaultToolchainAddr = "127.0.0.1:50052"
	DefaultProjectAddr   = "127.0.0.1:50053"
	DefaultBuildAddr     = "127.0.0.1:50054"
	DefaultTargetsAddr   = "127.0.0.1:50055"
	DefaultObserveAddr   = "127.0.0.1:50056"
	DefaultWorkflowAddr  = "127.0.0.1:50057"
)

// Config holds all application configuration. It is read once at startup
// into an immutable snapshot; nothing re-reads the environment afterwards.
type Config struct {
	// Bind addresses.
	JobAddr      string
	WorkflowAddr string

	// Peer service addresses (consumed by the workflow runner).
	ToolchainAddr string
	ProjectAddr   string
	BuildAddr     string
	TargetsAddr   string
	ObserveAddr   string

	// DataDir is the root for persisted state (jobs.json, runs.db).
	DataDir string

	// Retention policy for terminal jobs. Zero disables the corresponding
	// dimension.
	RetentionDays int
	MaxCompleted  int

	// Run stream tunables.
	RunStreamBufferMax int
	RunStreamMaxDelay  time.Duration
	RunStreamDiscovery time.Duration
	RunStreamFlush     time.Duration

	// HTTP server settings.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		JobAddr:            envStr("AADK_JOB_ADDR", DefaultJobAddr),
		WorkflowAddr:       envStr("AADK_WORKFLOW_ADDR", DefaultWorkflowAddr),
		ToolchainAddr:      envStr("AADK_TOOLCHAIN_ADDR", DefaultToolchainAddr),
		ProjectAddr:        envStr("AADK_PROJECT_ADDR", DefaultProjectAddr),
		BuildAddr:          envStr("AADK_BUILD_ADDR", DefaultBuildAddr),
		TargetsAddr:        envStr("AADK_TARGETS_ADDR", DefaultTargetsAddr),
		ObserveAddr:        envStr("AADK_OBSERVE_ADDR", DefaultObserveAddr),
		DataDir:            envStr("AADK_DATA_DIR", defaultDataDir()),
		RetentionDays:      envInt("AADK_JOB_HISTORY_RETENTION_DAYS", 0),
		MaxCompleted:       envInt("AADK_JOB_HISTORY_MAX", 0),
		RunStreamBufferMax: envInt("AADK_RUN_STREAM_BUFFER_MAX", 512),
		RunStreamMaxDelay:  envMillis("AADK_RUN_STREAM_MAX_DELAY_MS", 1500*time.Millisecond),
		RunStreamDiscovery: envMillis("AADK_RUN_STREAM_DISCOVERY_MS", 750*time.Millisecond),
		RunStreamFlush:     envMillis("AADK_RUN_STREAM_FLUSH_MS", 200*time.Millisecond),
		ReadTimeout:        envDuration("AADK_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:       envDuration("AADK_WRITE_TIMEOUT", 30*time.Second),
		OTELEndpoint:       envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:       envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:        envStr("OTEL_SERVICE_NAME", "aadk"),
		LogLevel:           envStr("AADK_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and sane.
func (c Config) Validate() error {
	if c.JobAddr == "" {
		return fmt.Errorf("config: AADK_JOB_ADDR must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: AADK_DATA_DIR must not be empty")
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("config: AADK_JOB_HISTORY_RETENTION_DAYS must not be negative")
	}
	if c.MaxCompleted < 0 {
		return fmt.Errorf("config: AADK_JOB_HISTORY_MAX must not be negative")
	}
	if c.RunStreamBufferMax <= 0 {
		return fmt.Errorf("config: AADK_RUN_STREAM_BUFFER_MAX must be positive")
	}
	if c.RunStreamMaxDelay <= 0 || c.RunStreamDiscovery <= 0 || c.RunStreamFlush <= 0 {
		return fmt.Errorf("config: run stream intervals must be positive")
	}
	return nil
}

// StateFile is the path of the persisted job document.
func (c Config) StateFile() string {
	return filepath.Join(c.DataDir, "state", "jobs.json")
}

// RunDBFile is the path of the run-record database.
func (c Config) RunDBFile() string {
	return filepath.Join(c.DataDir, "state", "runs.db")
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "aadk")
	}
	return filepath.Join(os.TempDir(), "aadk")
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envMillis(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
