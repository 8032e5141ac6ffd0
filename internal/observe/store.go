// Package observe owns the run records written by the workflow service: one
// row per pipeline run, upserted with merge-on-conflict semantics and read
// by front-ends listing past runs. Backed by SQLite so records survive
// restarts independently of the job registry's document store.
package observe

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	_ "modernc.org/sqlite"

	"github.com/aadk-dev/aadk/internal/model"
)

// ErrNotFound is returned when a requested run record does not exist.
var ErrNotFound = errors.New("observe: run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id           TEXT PRIMARY KEY,
	correlation_id   TEXT NOT NULL DEFAULT '',
	result           TEXT NOT NULL DEFAULT 'running',
	started_at       INTEGER NOT NULL DEFAULT 0,
	finished_at      INTEGER NOT NULL DEFAULT 0,
	project_id       TEXT NOT NULL DEFAULT '',
	target_id        TEXT NOT NULL DEFAULT '',
	toolchain_set_id TEXT NOT NULL DEFAULT '',
	job_ids          TEXT NOT NULL DEFAULT '[]',
	summary          TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs (started_at DESC);
`

// RunStore persists run records in a local SQLite database.
type RunStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the run database and ensures the schema exists.
func Open(path string, logger *slog.Logger) (*RunStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("observe: mkdir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("observe: open %s: %w", path, err)
	}
	// One writer at a time keeps the upsert read-merge-write race-free.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("observe: migrate: %w", err)
	}
	logger.Debug("run store opened", "path", path)
	return &RunStore{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (s *RunStore) Close() error {
	return s.db.Close()
}

// Upsert merges an incoming record into the stored one. Non-empty incoming
// fields win, job ids are unioned preserving order, summary keys merge with
// incoming precedence, started_at keeps the earliest, finished_at the
// latest. Returns the merged record.
func (s *RunStore) Upsert(ctx context.Context, incoming model.RunRecord) (model.RunRecord, error) {
	if incoming.RunID == "" {
		return model.RunRecord{}, fmt.Errorf("observe: run_id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.RunRecord{}, fmt.Errorf("observe: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := getTx(ctx, tx, incoming.RunID)
	switch {
	case errors.Is(err, ErrNotFound):
		existing = model.RunRecord{RunID: incoming.RunID}
	case err != nil:
		return model.RunRecord{}, err
	}

	merged := mergeRuns(existing, incoming)
	jobIDs, err := json.Marshal(merged.JobIDs)
	if err != nil {
		return model.RunRecord{}, fmt.Errorf("observe: marshal job_ids: %w", err)
	}
	summary, err := json.Marshal(merged.Summary)
	if err != nil {
		return model.RunRecord{}, fmt.Errorf("observe: marshal summary: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, correlation_id, result, started_at, finished_at,
		                  project_id, target_id, toolchain_set_id, job_ids, summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			correlation_id = excluded.correlation_id,
			result = excluded.result,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			project_id = excluded.project_id,
			target_id = excluded.target_id,
			toolchain_set_id = excluded.toolchain_set_id,
			job_ids = excluded.job_ids,
			summary = excluded.summary`,
		merged.RunID, merged.CorrelationID, string(merged.Result),
		merged.StartedAt, merged.FinishedAt,
		merged.ProjectID, merged.TargetID, merged.ToolchainSetID,
		string(jobIDs), string(summary),
	)
	if err != nil {
		return model.RunRecord{}, fmt.Errorf("observe: upsert %s: %w", merged.RunID, err)
	}
	if err := tx.Commit(); err != nil {
		return model.RunRecord{}, fmt.Errorf("observe: commit: %w", err)
	}
	return merged, nil
}

// Get returns one run record.
func (s *RunStore) Get(ctx context.Context, runID string) (model.RunRecord, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return model.RunRecord{}, fmt.Errorf("observe: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	return getTx(ctx, tx, runID)
}

// List returns run records newest-first with offset-token pagination.
func (s *RunStore) List(ctx context.Context, pageToken string, pageSize int) (model.ListRunsResponse, error) {
	if pageSize <= 0 {
		pageSize = 50
	}
	offset := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil || n < 0 {
			return model.ListRunsResponse{}, fmt.Errorf("observe: invalid page_token")
		}
		offset = n
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, correlation_id, result, started_at, finished_at,
		       project_id, target_id, toolchain_set_id, job_ids, summary
		FROM runs ORDER BY started_at DESC, run_id ASC LIMIT ? OFFSET ?`,
		pageSize+1, offset)
	if err != nil {
		return model.ListRunsResponse{}, fmt.Errorf("observe: list: %w", err)
	}
	defer rows.Close()

	var runs []model.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return model.ListRunsResponse{}, err
		}
		runs = append(runs, rec)
	}
	if err := rows.Err(); err != nil {
		return model.ListRunsResponse{}, fmt.Errorf("observe: list rows: %w", err)
	}

	next := ""
	if len(runs) > pageSize {
		runs = runs[:pageSize]
		next = strconv.Itoa(offset + pageSize)
	}
	return model.ListRunsResponse{Runs: runs, NextPageToken: next}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (model.RunRecord, error) {
	var rec model.RunRecord
	var result, jobIDs, summary string
	err := row.Scan(&rec.RunID, &rec.CorrelationID, &result, &rec.StartedAt,
		&rec.FinishedAt, &rec.ProjectID, &rec.TargetID, &rec.ToolchainSetID,
		&jobIDs, &summary)
	if err != nil {
		return model.RunRecord{}, fmt.Errorf("observe: scan run: %w", err)
	}
	rec.Result = model.RunResult(result)
	if err := json.Unmarshal([]byte(jobIDs), &rec.JobIDs); err != nil {
		return model.RunRecord{}, fmt.Errorf("observe: decode job_ids: %w", err)
	}
	if err := json.Unmarshal([]byte(summary), &rec.Summary); err != nil {
		return model.RunRecord{}, fmt.Errorf("observe: decode summary: %w", err)
	}
	return rec, nil
}

func getTx(ctx context.Context, tx *sql.Tx, runID string) (model.RunRecord, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT run_id, correlation_id, result, started_at, finished_at,
		       project_id, target_id, toolchain_set_id, job_ids, summary
		FROM runs WHERE run_id = ?`, runID)
	rec, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.RunRecord{}, ErrNotFound
		}
		return model.RunRecord{}, err
	}
	return rec, nil
}

// mergeRuns applies the merge-on-conflict policy.
func mergeRuns(existing, incoming model.RunRecord) model.RunRecord {
	out := existing

	if incoming.CorrelationID != "" {
		out.CorrelationID = incoming.CorrelationID
	}
	if incoming.Result != "" {
		out.Result = incoming.Result
	}
	if out.Result == "" {
		out.Result = model.RunResultRunning
	}
	if incoming.ProjectID != "" {
		out.ProjectID = incoming.ProjectID
	}
	if incoming.TargetID != "" {
		out.TargetID = incoming.TargetID
	}
	if incoming.ToolchainSetID != "" {
		out.ToolchainSetID = incoming.ToolchainSetID
	}
	if incoming.StartedAt != 0 && (out.StartedAt == 0 || incoming.StartedAt < out.StartedAt) {
		out.StartedAt = incoming.StartedAt
	}
	if incoming.FinishedAt > out.FinishedAt {
		out.FinishedAt = incoming.FinishedAt
	}

	seen := make(map[string]struct{}, len(out.JobIDs))
	for _, id := range out.JobIDs {
		seen[id] = struct{}{}
	}
	for _, id := range incoming.JobIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out.JobIDs = append(out.JobIDs, id)
	}

	keys := make(map[string]int, len(out.Summary))
	for i, kv := range out.Summary {
		keys[kv.Key] = i
	}
	for _, kv := range incoming.Summary {
		if i, dup := keys[kv.Key]; dup {
			out.Summary[i] = kv
			continue
		}
		keys[kv.Key] = len(out.Summary)
		out.Summary = append(out.Summary, kv)
	}
	return out
}
