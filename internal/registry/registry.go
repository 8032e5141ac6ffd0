// Package registry is the authoritative owner of job records, their bounded
// event histories, the per-job broadcast channels, and the cancel latches.
// Everything else in the job service composes over it.
package registry

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aadk-dev/aadk/internal/model"
)

const (
	// DefaultHistoryCapacity bounds the per-job event log.
	DefaultHistoryCapacity = 1024

	// maxLogChunkBytes caps LogChunk.Data per event. Larger chunks are split
	// into multiple events with truncated set on every fragment but the last.
	maxLogChunkBytes = 16 * 1024

	// subscriberBuffer bounds the per-subscriber live queue. On overflow the
	// oldest queued events for that subscriber are dropped.
	subscriberBuffer = 256

	defaultPageSize = 50
	maxPageSize     = 200
)

// ErrNotFound is returned for operations on unknown job ids.
var ErrNotFound = fmt.Errorf("registry: job not found")

// ErrInvalidArgument is returned for malformed requests (empty or unknown
// job_type, bad page tokens, malformed events).
type ErrInvalidArgument struct{ Reason string }

func (e *ErrInvalidArgument) Error() string { return "registry: " + e.Reason }

// Persister is the durability hook the store package wires in. Schedule
// coalesces a background write; Flush blocks until the current state is on
// disk and is used for terminal transitions.
type Persister interface {
	Schedule()
	Flush(ctx context.Context) error
}

// noopPersister keeps the registry usable in tests without a store.
type noopPersister struct{}

func (noopPersister) Schedule()                   {}
func (noopPersister) Flush(context.Context) error { return nil }

type record struct {
	mu        sync.Mutex
	job       model.Job
	history   []model.JobEvent
	broadcast *broadcaster
	cancelled bool
}

// Registry indexes all known jobs. The index lock is held briefly for
// create/list; per-record locks serialize publishes to one job so that
// publishers to distinct jobs never contend.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]*record

	historyCap int
	logger     *slog.Logger
	persist    Persister

	nowFn func() int64
}

// Options configures a Registry. Zero values pick defaults.
type Options struct {
	HistoryCapacity int
	Logger          *slog.Logger
	Persister       Persister

	// Now overrides the clock, for tests.
	Now func() int64
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.HistoryCapacity <= 0 {
		opts.HistoryCapacity = DefaultHistoryCapacity
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Persister == nil {
		opts.Persister = noopPersister{}
	}
	if opts.Now == nil {
		opts.Now = func() int64 { return time.Now().UnixMilli() }
	}
	return &Registry{
		jobs:       make(map[string]*record),
		historyCap: opts.HistoryCapacity,
		logger:     opts.Logger,
		persist:    opts.Persister,
		nowFn:      opts.Now,
	}
}

// SetPersister wires the durability hook after construction. The store needs
// a registry to snapshot, so the two are connected in a second step.
func (r *Registry) SetPersister(p Persister) {
	r.mu.Lock()
	r.persist = p
	r.mu.Unlock()
}

func (r *Registry) now() int64 { return r.nowFn() }

func (r *Registry) get(jobID string) (*record, bool) {
	r.mu.Lock()
	rec, ok := r.jobs[jobID]
	r.mu.Unlock()
	return rec, ok
}

// CreateJob validates the job type, assigns identity, and registers the job
// in state Queued. The correlation id defaults to the job id; the run id
// defaults to the caller's correlation id when one was given.
func (r *Registry) CreateJob(req model.StartJobRequest) (model.Job, error) {
	jobType := strings.TrimSpace(req.JobType)
	if err := model.ValidateJobType(jobType); err != nil {
		return model.Job{}, &ErrInvalidArgument{Reason: err.Error()}
	}

	jobID := uuid.NewString()
	correlationRaw := strings.TrimSpace(req.CorrelationID)
	correlationID := correlationRaw
	if correlationID == "" {
		correlationID = jobID
	}
	runID := strings.TrimSpace(req.RunID)
	if runID == "" && correlationRaw != "" {
		runID = correlationRaw
	}

	job := model.Job{
		JobID:          jobID,
		JobType:        jobType,
		State:          model.JobStateQueued,
		CreatedAt:      r.now(),
		DisplayName:    model.DisplayNameFor(jobType),
		CorrelationID:  correlationID,
		RunID:          runID,
		ProjectID:      strings.TrimSpace(req.ProjectID),
		TargetID:       strings.TrimSpace(req.TargetID),
		ToolchainSetID: strings.TrimSpace(req.ToolchainSetID),
	}

	rec := &record{
		job:       job,
		history:   make([]model.JobEvent, 0, 16),
		broadcast: newBroadcaster(),
	}

	r.mu.Lock()
	r.jobs[jobID] = rec
	persist := r.persist
	r.mu.Unlock()

	persist.Schedule()
	r.logger.Debug("job created", "job_id", jobID, "job_type", jobType, "run_id", runID)
	return job, nil
}

// Restore inserts a job loaded from the persistent store, bypassing type
// validation so records written by older builds keep replaying.
func (r *Registry) Restore(job model.Job, history []model.JobEvent) {
	if len(history) > r.historyCap {
		history = history[len(history)-r.historyCap:]
	}
	rec := &record{
		job:       job,
		history:   append([]model.JobEvent(nil), history...),
		broadcast: newBroadcaster(),
		cancelled: job.CancelRequested,
	}
	r.mu.Lock()
	r.jobs[job.JobID] = rec
	r.mu.Unlock()
}

// GetJob returns a snapshot of the job record.
func (r *Registry) GetJob(jobID string) (model.Job, error) {
	rec, ok := r.get(jobID)
	if !ok {
		return model.Job{}, ErrNotFound
	}
	rec.mu.Lock()
	job := rec.job
	rec.mu.Unlock()
	return job, nil
}

// CancelRequested reports the cancel latch, for in-process workers.
func (r *Registry) CancelRequested(jobID string) bool {
	rec, ok := r.get(jobID)
	if !ok {
		return false
	}
	rec.mu.Lock()
	cancelled := rec.cancelled
	rec.mu.Unlock()
	return cancelled
}

// CancelJob sets the cancel latch. It does not move the job to Cancelled:
// the worker must observe the latch and publish a terminal event. Returns
// false for unknown jobs and for jobs already terminal.
func (r *Registry) CancelJob(jobID string) bool {
	rec, ok := r.get(jobID)
	if !ok {
		return false
	}
	rec.mu.Lock()
	if rec.job.State.Terminal() {
		rec.mu.Unlock()
		return false
	}
	rec.cancelled = true
	rec.job.CancelRequested = true
	rec.mu.Unlock()

	r.persistHook().Schedule()
	r.logger.Info("job cancel requested", "job_id", jobID)
	return true
}

func (r *Registry) persistHook() Persister {
	r.mu.Lock()
	p := r.persist
	r.mu.Unlock()
	return p
}

// Publish appends an event to the job's log, applies the derived-state rule,
// and broadcasts to live subscribers. Log chunks above the per-event cap are
// split into multiple events. Terminal events are flushed to the store
// before Publish returns.
func (r *Registry) Publish(ctx context.Context, evt model.JobEvent) error {
	if evt.JobID == "" {
		return &ErrInvalidArgument{Reason: "event.job_id is required"}
	}
	if err := evt.Payload.Validate(); err != nil {
		return &ErrInvalidArgument{Reason: err.Error()}
	}
	rec, ok := r.get(evt.JobID)
	if !ok {
		return ErrNotFound
	}
	if evt.AtUnixMillis == 0 {
		evt.AtUnixMillis = r.now()
	}

	events := splitLogEvent(evt, maxLogChunkBytes)
	terminal := false

	rec.mu.Lock()
	for _, e := range events {
		r.applyDerivedState(rec, &e)
		r.appendBounded(rec, e)
		if e.Payload.Terminal() {
			terminal = true
		}
	}
	rec.mu.Unlock()

	// Broadcast outside the per-job lock so publishers never block on
	// subscriber queues.
	for _, e := range events {
		rec.broadcast.send(e)
	}

	p := r.persistHook()
	if terminal {
		if err := p.Flush(ctx); err != nil {
			return fmt.Errorf("registry: flush terminal state: %w", err)
		}
	} else {
		p.Schedule()
	}
	return nil
}

// applyDerivedState mutates rec.job per the publish rules. Regressive state
// changes are ignored for state but the event is still logged by the caller.
func (r *Registry) applyDerivedState(rec *record, evt *model.JobEvent) {
	job := &rec.job
	switch evt.Payload.Type {
	case model.EventStateChanged:
		next := evt.Payload.StateChanged.NewState
		if job.State.Terminal() || next <= job.State {
			return
		}
		r.transition(job, next, evt.AtUnixMillis)
	case model.EventProgress:
		if job.State == model.JobStateQueued {
			r.transition(job, model.JobStateRunning, evt.AtUnixMillis)
		}
	case model.EventCompleted:
		if !job.State.Terminal() {
			r.transition(job, model.JobStateSuccess, evt.AtUnixMillis)
		}
	case model.EventFailed:
		if !job.State.Terminal() {
			r.transition(job, model.JobStateFailed, evt.AtUnixMillis)
		}
	}
}

func (r *Registry) transition(job *model.Job, next model.JobState, at int64) {
	if next == model.JobStateRunning && job.StartedAt == 0 {
		job.StartedAt = at
	}
	if next.Terminal() {
		if job.StartedAt == 0 && job.State == model.JobStateRunning {
			job.StartedAt = at
		}
		job.FinishedAt = at
	}
	job.State = next
}

// appendBounded appends under the history cap. At capacity the oldest
// non-state-change event is evicted first so the state-progression trace
// survives burst load; only when every resident event is a state change does
// the oldest one go.
func (r *Registry) appendBounded(rec *record, evt model.JobEvent) {
	if len(rec.history) >= r.historyCap {
		drop := 0
		for i, e := range rec.history {
			if e.Payload.Type != model.EventStateChanged {
				drop = i
				break
			}
		}
		rec.history = append(rec.history[:drop], rec.history[drop+1:]...)
	}
	rec.history = append(rec.history, evt)
}

// splitLogEvent breaks an oversized log chunk into capped fragments. Every
// fragment except the last carries truncated=true. Non-log events pass
// through unchanged.
func splitLogEvent(evt model.JobEvent, limit int) []model.JobEvent {
	if evt.Payload.Type != model.EventLog || evt.Payload.Log == nil || len(evt.Payload.Log.Data) <= limit {
		return []model.JobEvent{evt}
	}
	chunk := *evt.Payload.Log
	data := chunk.Data
	var out []model.JobEvent
	for len(data) > 0 {
		n := len(data)
		if n > limit {
			n = limit
		}
		frag := model.LogChunk{
			Stream:    chunk.Stream,
			Data:      data[:n],
			Truncated: len(data) > n,
		}
		out = append(out, model.NewLogEvent(evt.JobID, evt.AtUnixMillis, frag))
		data = data[n:]
	}
	return out
}

// ListJobs returns one page ordered by (created_at desc, job_id asc). The
// page token encodes the last (created_at, job_id) seen.
func (r *Registry) ListJobs(filter model.JobFilter, pageToken string, pageSize int) (model.ListJobsResponse, error) {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	jobs := r.snapshotJobs()
	matched := jobs[:0]
	for _, job := range jobs {
		if filter.Matches(&job) {
			matched = append(matched, job)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt != matched[j].CreatedAt {
			return matched[i].CreatedAt > matched[j].CreatedAt
		}
		return matched[i].JobID < matched[j].JobID
	})

	start := 0
	if pageToken != "" {
		lastCreated, lastID, err := decodePageToken(pageToken)
		if err != nil {
			return model.ListJobsResponse{}, &ErrInvalidArgument{Reason: "invalid page_token"}
		}
		for start < len(matched) {
			j := matched[start]
			if j.CreatedAt < lastCreated || (j.CreatedAt == lastCreated && j.JobID > lastID) {
				break
			}
			start++
		}
	}

	end := start + pageSize
	if end > len(matched) {
		end = len(matched)
	}
	page := append([]model.Job(nil), matched[start:end]...)

	next := ""
	if end < len(matched) && len(page) > 0 {
		last := page[len(page)-1]
		next = encodePageToken(last.CreatedAt, last.JobID)
	}
	return model.ListJobsResponse{Jobs: page, NextPageToken: next}, nil
}

func (r *Registry) snapshotJobs() []model.Job {
	r.mu.Lock()
	recs := make([]*record, 0, len(r.jobs))
	for _, rec := range r.jobs {
		recs = append(recs, rec)
	}
	r.mu.Unlock()

	jobs := make([]model.Job, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		jobs = append(jobs, rec.job)
		rec.mu.Unlock()
	}
	return jobs
}

func encodePageToken(createdAt int64, jobID string) string {
	raw := strconv.FormatInt(createdAt, 10) + ":" + jobID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodePageToken(token string) (int64, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, "", err
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("malformed token")
	}
	createdAt, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", err
	}
	return createdAt, parts[1], nil
}

// ListJobHistory returns one page of a job's event log, oldest first. The
// token is a plain offset: histories are bounded, so offset pagination stays
// cheap and stable enough here.
func (r *Registry) ListJobHistory(jobID string, filter model.HistoryFilter, pageToken string, pageSize int) (model.ListJobHistoryResponse, error) {
	rec, ok := r.get(jobID)
	if !ok {
		return model.ListJobHistoryResponse{}, ErrNotFound
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	start := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil || n < 0 {
			return model.ListJobHistoryResponse{}, &ErrInvalidArgument{Reason: "invalid page_token"}
		}
		start = n
	}

	rec.mu.Lock()
	events := make([]model.JobEvent, 0, len(rec.history))
	for _, evt := range rec.history {
		if filter.Matches(&evt) {
			events = append(events, evt)
		}
	}
	rec.mu.Unlock()

	if start > len(events) {
		start = len(events)
	}
	end := start + pageSize
	if end > len(events) {
		end = len(events)
	}
	page := append([]model.JobEvent(nil), events[start:end]...)
	next := ""
	if end < len(events) {
		next = strconv.Itoa(end)
	}
	return model.ListJobHistoryResponse{Events: page, NextPageToken: next}, nil
}

// Snapshot exports every record for persistence.
func (r *Registry) Snapshot() []PersistedJob {
	r.mu.Lock()
	recs := make([]*record, 0, len(r.jobs))
	for _, rec := range r.jobs {
		recs = append(recs, rec)
	}
	r.mu.Unlock()

	out := make([]PersistedJob, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		out = append(out, PersistedJob{
			Job:     rec.job,
			History: append([]model.JobEvent(nil), rec.history...),
		})
		rec.mu.Unlock()
	}
	return out
}

// PersistedJob pairs a job with its bounded history for the store.
type PersistedJob struct {
	Job     model.Job        `json:"job"`
	History []model.JobEvent `json:"history"`
}

// PruneTo drops every record whose id is not in keep. The retention policy
// decides the keep set; active jobs are always in it.
func (r *Registry) PruneTo(keep map[string]struct{}) {
	r.mu.Lock()
	for id := range r.jobs {
		if _, ok := keep[id]; !ok {
			delete(r.jobs, id)
		}
	}
	r.mu.Unlock()
}

// FinalizeOrphans marks every non-terminal job as Failed with a synthetic
// event. Called once at startup: a job that was live when the service died
// has lost its worker, so the conservative policy is to finalize it.
func (r *Registry) FinalizeOrphans(ctx context.Context) int {
	jobs := r.snapshotJobs()
	n := 0
	for _, job := range jobs {
		if job.State.Terminal() {
			continue
		}
		detail := model.ErrorDetail{
			Code:          model.CodeInternal,
			Message:       "service restarted",
			CorrelationID: job.CorrelationID,
		}
		evt := model.NewFailedEvent(job.JobID, r.now(), detail)
		if err := r.Publish(ctx, evt); err != nil {
			r.logger.Warn("finalize orphan failed", "job_id", job.JobID, "error", err)
			continue
		}
		n++
	}
	if n > 0 {
		r.logger.Info("finalized orphaned jobs from previous run", "count", n)
	}
	return n
}
