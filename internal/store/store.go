// Package store persists the job registry to a single JSON document with
// atomic rewrites, and applies the retention policy on every write.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/aadk-dev/aadk/internal/registry"
)

const (
	schemaVersion = 1

	// debounce coalesces bursts of Schedule calls into one rewrite.
	debounce = 50 * time.Millisecond

	// retentionTick is the period of the background retention pass. Each
	// pass is just a scheduled persist; retention applies on every write.
	retentionTick = 5 * time.Minute

	writeAttempts     = 5
	writeInitialDelay = 50 * time.Millisecond
)

// RetentionPolicy trims terminal jobs by age and count. Zero disables the
// corresponding dimension. Active jobs are never trimmed.
type RetentionPolicy struct {
	RetentionDays int
	MaxCompleted  int
}

// stateFile is the on-disk document: a schema version and every job with its
// bounded history.
type stateFile struct {
	SchemaVersion int                     `json:"schema_version"`
	Jobs          []registry.PersistedJob `json:"jobs"`
}

// Store owns the durable copy of the registry. It is the registry's single
// writer: all rewrites flow through one goroutine plus the synchronous
// Flush path for terminal transitions.
type Store struct {
	path   string
	reg    *registry.Registry
	policy RetentionPolicy
	logger *slog.Logger

	trigger chan struct{}
	fatal   chan error

	writeMu sync.Mutex
}

// New creates a store bound to a registry. Call Load before Run.
func New(path string, reg *registry.Registry, policy RetentionPolicy, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:    path,
		reg:     reg,
		policy:  policy,
		logger:  logger,
		trigger: make(chan struct{}, 1),
		fatal:   make(chan error, 1),
	}
}

// Load reads the document and restores every surviving record into the
// registry. A missing file is a fresh start; an unparseable one is reported
// as corruption so the service can refuse to run over it.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("store: read %s: %w", s.path, err)
	}

	var file stateFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("store: corrupt state file %s: %w", s.path, err)
	}

	jobs := applyRetention(file.Jobs, s.policy, time.Now().UnixMilli())
	for _, pj := range jobs {
		s.reg.Restore(pj.Job, pj.History)
	}
	if len(jobs) > 0 {
		s.logger.Info("loaded persisted jobs", "count", len(jobs), "path", s.path)
	}
	return nil
}

// Schedule requests a coalesced background write. Never blocks.
func (s *Store) Schedule() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Flush writes the current state synchronously. Terminal job transitions
// call this before their RPC reply is considered durable.
func (s *Store) Flush(ctx context.Context) error {
	return s.persistWithRetry(ctx)
}

// Fatal delivers at most one unrecoverable persistence error. The main
// loop treats it as a reason to exit non-zero.
func (s *Store) Fatal() <-chan error {
	return s.fatal
}

// Run drains Schedule triggers until ctx is cancelled, then writes one final
// snapshot. It also owns the retention tick.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(retentionTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.persistWithRetry(flushCtx); err != nil {
				s.logger.Error("final persist failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			s.Schedule()
		case <-s.trigger:
			// Let a burst of mutations settle into one write.
			timer := time.NewTimer(debounce)
			select {
			case <-ctx.Done():
				timer.Stop()
				continue
			case <-timer.C:
			}
			for {
				select {
				case <-s.trigger:
					continue
				default:
				}
				break
			}
			if err := s.persistWithRetry(ctx); err != nil && ctx.Err() == nil {
				s.escalate(err)
			}
		}
	}
}

func (s *Store) escalate(err error) {
	s.logger.Error("persistence failed permanently", "error", err)
	select {
	case s.fatal <- err:
	default:
	}
}

func (s *Store) persistWithRetry(ctx context.Context) error {
	delay := writeInitialDelay
	var last error
	for attempt := 0; attempt < writeAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}
		if err := s.persist(); err != nil {
			last = err
			s.logger.Warn("persist attempt failed", "attempt", attempt+1, "error", err)
			continue
		}
		return nil
	}
	return last
}

// persist snapshots the registry, applies retention (pruning the in-memory
// index to match), and rewrites the document atomically.
func (s *Store) persist() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	jobs := applyRetention(s.reg.Snapshot(), s.policy, time.Now().UnixMilli())
	keep := make(map[string]struct{}, len(jobs))
	for _, pj := range jobs {
		keep[pj.Job.JobID] = struct{}{}
	}
	s.reg.PruneTo(keep)

	file := stateFile{SchemaVersion: schemaVersion, Jobs: jobs}
	return writeJSONAtomic(s.path, &file)
}

// writeJSONAtomic writes via a temp file and rename so a crash mid-write
// never leaves the live document corrupt.
func writeJSONAtomic(path string, value any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("store: mkdir: %w", err)
	}
	payload, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("store: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("store: rename: %w", err)
	}
	return nil
}

// sortKey orders terminal jobs for retention: finish time when set, else
// creation time.
func sortKey(pj *registry.PersistedJob) int64 {
	if pj.Job.FinishedAt != 0 {
		return pj.Job.FinishedAt
	}
	return pj.Job.CreatedAt
}

// applyRetention keeps every active job, drops terminal jobs beyond the age
// limit, then trims oldest-finished-first down to the count cap.
func applyRetention(jobs []registry.PersistedJob, policy RetentionPolicy, nowMillis int64) []registry.PersistedJob {
	var active, completed []registry.PersistedJob
	for _, pj := range jobs {
		if pj.Job.State.Terminal() {
			completed = append(completed, pj)
		} else {
			active = append(active, pj)
		}
	}

	if policy.RetentionDays > 0 {
		maxAge := int64(policy.RetentionDays) * 24 * int64(time.Hour/time.Millisecond)
		kept := completed[:0]
		for _, pj := range completed {
			if nowMillis-sortKey(&pj) <= maxAge {
				kept = append(kept, pj)
			}
		}
		completed = kept
	}

	if policy.MaxCompleted > 0 && len(completed) > policy.MaxCompleted {
		sort.Slice(completed, func(i, j int) bool {
			return sortKey(&completed[i]) > sortKey(&completed[j])
		})
		completed = completed[:policy.MaxCompleted]
	}

	out := make([]registry.PersistedJob, 0, len(active)+len(completed))
	out = append(out, active...)
	out = append(out, completed...)
	sort.Slice(out, func(i, j int) bool {
		return sortKey(&out[i]) > sortKey(&out[j])
	})
	return out
}
