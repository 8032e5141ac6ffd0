package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.JobAddr != DefaultJobAddr {
		t.Fatalf("expected default job addr, got %s", cfg.JobAddr)
	}
	if cfg.WorkflowAddr != DefaultWorkflowAddr {
		t.Fatalf("expected default workflow addr, got %s", cfg.WorkflowAddr)
	}
	if cfg.RetentionDays != 0 || cfg.MaxCompleted != 0 {
		t.Fatalf("retention must default to disabled, got %d/%d", cfg.RetentionDays, cfg.MaxCompleted)
	}
	if cfg.RunStreamBufferMax != 512 {
		t.Fatalf("expected default run stream buffer 512, got %d", cfg.RunStreamBufferMax)
	}
	if cfg.RunStreamMaxDelay != 1500*time.Millisecond {
		t.Fatalf("expected default max delay 1500ms, got %s", cfg.RunStreamMaxDelay)
	}
	if cfg.RunStreamDiscovery != 750*time.Millisecond {
		t.Fatalf("expected default discovery 750ms, got %s", cfg.RunStreamDiscovery)
	}
	if cfg.RunStreamFlush != 200*time.Millisecond {
		t.Fatalf("expected default flush 200ms, got %s", cfg.RunStreamFlush)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("AADK_JOB_ADDR", "127.0.0.1:6001")
	t.Setenv("AADK_JOB_HISTORY_RETENTION_DAYS", "14")
	t.Setenv("AADK_JOB_HISTORY_MAX", "500")
	t.Setenv("AADK_RUN_STREAM_MAX_DELAY_MS", "300")
	t.Setenv("AADK_DATA_DIR", "/tmp/aadk-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.JobAddr != "127.0.0.1:6001" {
		t.Fatalf("job addr override not applied: %s", cfg.JobAddr)
	}
	if cfg.RetentionDays != 14 || cfg.MaxCompleted != 500 {
		t.Fatalf("retention overrides not applied: %d/%d", cfg.RetentionDays, cfg.MaxCompleted)
	}
	if cfg.RunStreamMaxDelay != 300*time.Millisecond {
		t.Fatalf("max delay override not applied: %s", cfg.RunStreamMaxDelay)
	}
	if got := cfg.StateFile(); got != "/tmp/aadk-test/state/jobs.json" {
		t.Fatalf("unexpected state file path: %s", got)
	}
	if got := cfg.RunDBFile(); got != "/tmp/aadk-test/state/runs.db" {
		t.Fatalf("unexpected run db path: %s", got)
	}
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("AADK_RUN_STREAM_BUFFER_MAX", "not-a-number")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RunStreamBufferMax != 512 {
		t.Fatalf("malformed value must fall back to default, got %d", cfg.RunStreamBufferMax)
	}
}

func TestValidateRejectsNegativeRetention(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg.RetentionDays = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for negative retention")
	}
	cfg.RetentionDays = 0
	cfg.RunStreamBufferMax = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for zero run stream buffer")
	}
}
