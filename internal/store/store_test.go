package store

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aadk-dev/aadk/internal/model"
	"github.com/aadk-dev/aadk/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func tempStatePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "state", "jobs.json")
}

func TestPersistRoundTrip(t *testing.T) {
	path := tempStatePath(t)
	ctx := context.Background()

	reg := registry.New(registry.Options{Logger: testLogger()})
	st := New(path, reg, RetentionPolicy{}, testLogger())
	reg.SetPersister(st)

	job, err := reg.CreateJob(model.StartJobRequest{JobType: "build.run", RunID: "r1"})
	require.NoError(t, err)
	require.NoError(t, reg.Publish(ctx, model.NewStateChangedEvent(job.JobID, 100, model.JobStateRunning)))
	require.NoError(t, reg.Publish(ctx, model.NewLogEvent(job.JobID, 110, model.LogChunk{Stream: "stdout", Data: []byte("hello\n")})))
	require.NoError(t, reg.Publish(ctx, model.NewCompletedEvent(job.JobID, 120, "ok", []model.KeyValue{{Key: "artifact", Value: "/tmp/a.apk"}})))

	require.NoError(t, st.Flush(ctx))

	// A fresh registry loading the same document sees the terminal job and
	// its log byte-for-byte.
	reg2 := registry.New(registry.Options{Logger: testLogger()})
	st2 := New(path, reg2, RetentionPolicy{}, testLogger())
	require.NoError(t, st2.Load())

	got, err := reg2.GetJob(job.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateSuccess, got.State)
	assert.Equal(t, "r1", got.RunID)
	assert.Equal(t, int64(120), got.FinishedAt)

	hist, err := reg2.ListJobHistory(job.JobID, model.HistoryFilter{}, "", 0)
	require.NoError(t, err)
	require.Len(t, hist.Events, 3)
	assert.Equal(t, []byte("hello\n"), hist.Events[1].Payload.Log.Data)
	assert.Equal(t, "/tmp/a.apk", hist.Events[2].Payload.Completed.Outputs[0].Value)
}

func TestLoadMissingFileIsFreshStart(t *testing.T) {
	reg := registry.New(registry.Options{Logger: testLogger()})
	st := New(tempStatePath(t), reg, RetentionPolicy{}, testLogger())
	require.NoError(t, st.Load())
}

func TestLoadCorruptFileFails(t *testing.T) {
	path := tempStatePath(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	reg := registry.New(registry.Options{Logger: testLogger()})
	st := New(path, reg, RetentionPolicy{}, testLogger())
	err := st.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt")
}

func TestRestartRecoveryFinalizesRunningJobs(t *testing.T) {
	path := tempStatePath(t)
	ctx := context.Background()

	reg := registry.New(registry.Options{Logger: testLogger()})
	st := New(path, reg, RetentionPolicy{}, testLogger())
	reg.SetPersister(st)

	job, err := reg.CreateJob(model.StartJobRequest{JobType: "build.run"})
	require.NoError(t, err)
	require.NoError(t, reg.Publish(ctx, model.NewStateChangedEvent(job.JobID, 100, model.JobStateRunning)))
	require.NoError(t, reg.Publish(ctx, model.NewProgressEvent(job.JobID, 110, model.Progress{Percent: 40})))
	require.NoError(t, st.Flush(ctx))

	// "Restart": a fresh registry loads the document and finalizes the
	// orphaned running job.
	reg2 := registry.New(registry.Options{Logger: testLogger()})
	st2 := New(path, reg2, RetentionPolicy{}, testLogger())
	require.NoError(t, st2.Load())
	reg2.SetPersister(st2)
	assert.Equal(t, 1, reg2.FinalizeOrphans(ctx))

	got, err := reg2.GetJob(job.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateFailed, got.State)
	assert.NotZero(t, got.FinishedAt)

	// The two original events replay, then the synthetic failure.
	hist, err := reg2.ListJobHistory(job.JobID, model.HistoryFilter{}, "", 0)
	require.NoError(t, err)
	require.Len(t, hist.Events, 3)
	assert.Equal(t, model.EventStateChanged, hist.Events[0].Payload.Type)
	assert.Equal(t, model.EventProgress, hist.Events[1].Payload.Type)
	require.Equal(t, model.EventFailed, hist.Events[2].Payload.Type)
	assert.Equal(t, "service restarted", hist.Events[2].Payload.Failed.Error.Message)
}

func TestAtomicWriteLeavesNoTempFile(t *testing.T) {
	path := tempStatePath(t)
	reg := registry.New(registry.Options{Logger: testLogger()})
	st := New(path, reg, RetentionPolicy{}, testLogger())
	reg.SetPersister(st)

	_, err := reg.CreateJob(model.StartJobRequest{JobType: "demo.job"})
	require.NoError(t, err)
	require.NoError(t, st.Flush(context.Background()))

	_, err = os.Stat(path)
	require.NoError(t, err)
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func makeJob(id string, state model.JobState, createdAt, finishedAt int64) registry.PersistedJob {
	return registry.PersistedJob{
		Job: model.Job{
			JobID:      id,
			JobType:    "build.run",
			State:      state,
			CreatedAt:  createdAt,
			FinishedAt: finishedAt,
		},
	}
}

func TestRetentionByAge(t *testing.T) {
	day := int64(24 * time.Hour / time.Millisecond)
	now := 100 * day

	jobs := []registry.PersistedJob{
		makeJob("old", model.JobStateSuccess, 1*day, 2*day),
		makeJob("recent", model.JobStateSuccess, 99*day, 99*day+10),
		makeJob("active-old", model.JobStateRunning, 1*day, 0),
	}

	kept := applyRetention(jobs, RetentionPolicy{RetentionDays: 7}, now)
	ids := make(map[string]bool)
	for _, pj := range kept {
		ids[pj.Job.JobID] = true
	}
	assert.False(t, ids["old"], "terminal job past the age limit must be trimmed")
	assert.True(t, ids["recent"])
	assert.True(t, ids["active-old"], "active jobs are never trimmed")
}

func TestRetentionByCount(t *testing.T) {
	jobs := []registry.PersistedJob{
		makeJob("t1", model.JobStateSuccess, 10, 11),
		makeJob("t2", model.JobStateFailed, 20, 21),
		makeJob("t3", model.JobStateSuccess, 30, 31),
		makeJob("run", model.JobStateRunning, 5, 0),
	}

	kept := applyRetention(jobs, RetentionPolicy{MaxCompleted: 2}, 1000)
	ids := make(map[string]bool)
	for _, pj := range kept {
		ids[pj.Job.JobID] = true
	}
	// Oldest-finished-first trimming drops t1.
	assert.False(t, ids["t1"])
	assert.True(t, ids["t2"])
	assert.True(t, ids["t3"])
	assert.True(t, ids["run"])
}

func TestRetentionDisabledKeepsEverything(t *testing.T) {
	jobs := []registry.PersistedJob{
		makeJob("a", model.JobStateSuccess, 1, 2),
		makeJob("b", model.JobStateFailed, 3, 4),
	}
	kept := applyRetention(jobs, RetentionPolicy{}, 1<<50)
	assert.Len(t, kept, 2)
}

func TestPersistPrunesRegistryToMatch(t *testing.T) {
	path := tempStatePath(t)
	ctx := context.Background()

	reg := registry.New(registry.Options{Logger: testLogger()})
	st := New(path, reg, RetentionPolicy{MaxCompleted: 1}, testLogger())
	reg.SetPersister(st)

	a, err := reg.CreateJob(model.StartJobRequest{JobType: "build.run"})
	require.NoError(t, err)
	require.NoError(t, reg.Publish(ctx, model.NewCompletedEvent(a.JobID, 10, "ok", nil)))
	b, err := reg.CreateJob(model.StartJobRequest{JobType: "build.run"})
	require.NoError(t, err)
	require.NoError(t, reg.Publish(ctx, model.NewCompletedEvent(b.JobID, 20, "ok", nil)))

	require.NoError(t, st.Flush(ctx))

	// Only the newest terminal job survives, in memory as well as on disk.
	_, err = reg.GetJob(a.JobID)
	assert.ErrorIs(t, err, registry.ErrNotFound)
	_, err = reg.GetJob(b.JobID)
	assert.NoError(t, err)
}
