package observe

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aadk-dev/aadk/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestStore(t *testing.T) *RunStore {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "runs.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestUpsertRequiresRunID(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Upsert(context.Background(), model.RunRecord{})
	require.Error(t, err)
}

func TestUpsertInsertAndGet(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec, err := store.Upsert(ctx, model.RunRecord{
		RunID:         "r1",
		CorrelationID: "c1",
		Result:        model.RunResultRunning,
		StartedAt:     100,
		JobIDs:        []string{"j1"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunResultRunning, rec.Result)

	got, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.CorrelationID)
	assert.Equal(t, int64(100), got.StartedAt)
	assert.Equal(t, []string{"j1"}, got.JobIDs)
}

func TestGetUnknownRun(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertMergeSemantics(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.Upsert(ctx, model.RunRecord{
		RunID:     "r2",
		Result:    model.RunResultRunning,
		StartedAt: 100,
		ProjectID: "p1",
		JobIDs:    []string{"parent", "j1"},
		Summary:   []model.KeyValue{{Key: "phase", Value: "build"}},
	})
	require.NoError(t, err)

	merged, err := store.Upsert(ctx, model.RunRecord{
		RunID:      "r2",
		Result:     model.RunResultSuccess,
		StartedAt:  150, // later start must not win
		FinishedAt: 300,
		JobIDs:     []string{"j1", "j2"}, // j1 already present
		Summary: []model.KeyValue{
			{Key: "phase", Value: "done"}, // overwrites
			{Key: "artifact", Value: "/tmp/a.apk"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, model.RunResultSuccess, merged.Result)
	assert.Equal(t, int64(100), merged.StartedAt, "earliest start wins")
	assert.Equal(t, int64(300), merged.FinishedAt)
	assert.Equal(t, "p1", merged.ProjectID, "empty incoming field keeps the stored value")
	assert.Equal(t, []string{"parent", "j1", "j2"}, merged.JobIDs, "job ids union preserves order")

	summary := map[string]string{}
	for _, kv := range merged.Summary {
		summary[kv.Key] = kv.Value
	}
	assert.Equal(t, "done", summary["phase"])
	assert.Equal(t, "/tmp/a.apk", summary["artifact"])

	// The merge is durable, not just returned.
	got, err := store.Get(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, merged.JobIDs, got.JobIDs)
	assert.Equal(t, int64(100), got.StartedAt)
}

func TestListNewestFirstWithPaging(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		_, err := store.Upsert(ctx, model.RunRecord{
			RunID:     id,
			Result:    model.RunResultSuccess,
			StartedAt: int64(100 + i*10),
		})
		require.NoError(t, err)
	}

	page1, err := store.List(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, page1.Runs, 2)
	assert.Equal(t, "c", page1.Runs[0].RunID)
	assert.Equal(t, "b", page1.Runs[1].RunID)
	require.NotEmpty(t, page1.NextPageToken)

	page2, err := store.List(ctx, page1.NextPageToken, 2)
	require.NoError(t, err)
	require.Len(t, page2.Runs, 1)
	assert.Equal(t, "a", page2.Runs[0].RunID)
	assert.Empty(t, page2.NextPageToken)
}

func TestStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runs.db")
	ctx := context.Background()

	store, err := Open(path, testLogger())
	require.NoError(t, err)
	_, err = store.Upsert(ctx, model.RunRecord{RunID: "r9", Result: model.RunResultFailed})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(path, testLogger())
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	got, err := reopened.Get(ctx, "r9")
	require.NoError(t, err)
	assert.Equal(t, model.RunResultFailed, got.Result)
}
