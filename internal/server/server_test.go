package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aadk-dev/aadk/internal/model"
	"github.com/aadk-dev/aadk/internal/registry"
	"github.com/aadk-dev/aadk/sdk/go/aadk"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestServer boots the job service on an httptest listener and returns an
// SDK client pointed at it plus the backing registry.
func newTestServer(t *testing.T) (*aadk.Client, *registry.Registry) {
	t.Helper()
	reg := registry.New(registry.Options{Logger: testLogger()})
	srv := New(Config{
		Registry: reg,
		Logger:   testLogger(),
		Version:  "test",
		RunStream: RunStreamDefaults{
			BufferMax:         64,
			MaxDelay:          250 * time.Millisecond,
			DiscoveryInterval: 40 * time.Millisecond,
			FlushInterval:     20 * time.Millisecond,
		},
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	client, err := aadk.NewClient(aadk.Config{BaseURL: ts.URL})
	require.NoError(t, err)
	return client, reg
}

func TestStartJobValidationOverHTTP(t *testing.T) {
	client, _ := newTestServer(t)
	ctx := context.Background()

	_, err := client.StartJob(ctx, aadk.StartJobRequest{JobType: ""})
	assert.True(t, aadk.IsInvalidArgument(err), "empty job_type must be rejected: %v", err)

	_, err = client.StartJob(ctx, aadk.StartJobRequest{JobType: "bogus.kind"})
	assert.True(t, aadk.IsInvalidArgument(err), "unknown job_type must be rejected: %v", err)
}

func TestGetJobNotFound(t *testing.T) {
	client, _ := newTestServer(t)
	_, err := client.GetJob(context.Background(), "missing")
	assert.True(t, aadk.IsNotFound(err), "unexpected error: %v", err)
}

func TestPublishToUnknownJobIsNotFound(t *testing.T) {
	client, _ := newTestServer(t)
	err := client.PublishJobEvent(context.Background(), aadk.JobEvent{
		JobID:   "missing",
		Payload: aadk.EventPayload{Type: aadk.EventCompleted, Completed: &aadk.Completed{Summary: "x"}},
	})
	assert.True(t, aadk.IsNotFound(err), "unexpected error: %v", err)
}

func TestCancelFlowOverHTTP(t *testing.T) {
	client, _ := newTestServer(t)
	ctx := context.Background()

	job, err := client.StartJob(ctx, aadk.StartJobRequest{JobType: "toolchain.install"})
	require.NoError(t, err)

	require.NoError(t, client.PublishJobEvent(ctx, aadk.JobEvent{
		AtUnixMillis: 100, JobID: job.JobID,
		Payload: aadk.EventPayload{Type: aadk.EventStateChanged, StateChanged: &aadk.StateChanged{NewState: aadk.JobStateRunning}},
	}))
	require.NoError(t, client.PublishJobEvent(ctx, aadk.JobEvent{
		AtUnixMillis: 120, JobID: job.JobID,
		Payload: aadk.EventPayload{Type: aadk.EventProgress, Progress: &aadk.Progress{Percent: 10}},
	}))

	accepted, err := client.CancelJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.True(t, accepted)

	// The latch is observable through GetJob for remote workers.
	got, err := client.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)
	assert.Equal(t, aadk.JobStateRunning, got.State)

	// Worker reacts with a terminal failure carrying the cancelled code.
	require.NoError(t, client.PublishJobEvent(ctx, aadk.JobEvent{
		AtUnixMillis: 130, JobID: job.JobID,
		Payload: aadk.EventPayload{Type: aadk.EventFailed, Failed: &aadk.Failed{
			Error: &aadk.ErrorDetail{Code: int32(model.CodeCancelled), Message: "cancelled"},
		}},
	}))

	got, err = client.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, aadk.JobStateFailed, got.State)
	assert.Equal(t, int64(130), got.FinishedAt)

	accepted, err = client.CancelJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.False(t, accepted, "cancel after terminal must not be accepted")
}

func TestListJobsAndHistoryOverHTTP(t *testing.T) {
	client, _ := newTestServer(t)
	ctx := context.Background()

	job, err := client.StartJob(ctx, aadk.StartJobRequest{JobType: "build.run", RunID: "r7"})
	require.NoError(t, err)
	_, err = client.StartJob(ctx, aadk.StartJobRequest{JobType: "demo.job"})
	require.NoError(t, err)

	require.NoError(t, client.PublishJobEvent(ctx, aadk.JobEvent{
		AtUnixMillis: 10, JobID: job.JobID,
		Payload: aadk.EventPayload{Type: aadk.EventProgress, Progress: &aadk.Progress{Percent: 5, Phase: "compile"}},
	}))

	list, err := client.ListJobs(ctx, &aadk.ListJobsOptions{RunID: "r7"})
	require.NoError(t, err)
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, job.JobID, list.Jobs[0].JobID)

	hist, err := client.ListJobHistory(ctx, job.JobID, &aadk.ListJobHistoryOptions{Kinds: []string{aadk.EventProgress}})
	require.NoError(t, err)
	require.Len(t, hist.Events, 1)
	assert.Equal(t, "compile", hist.Events[0].Payload.Progress.Phase)
}

func TestStreamJobEventsReplayOverSSE(t *testing.T) {
	client, _ := newTestServer(t)
	ctx := context.Background()

	job, err := client.StartJob(ctx, aadk.StartJobRequest{JobType: "build.run"})
	require.NoError(t, err)

	publish := func(at int64, payload aadk.EventPayload) {
		require.NoError(t, client.PublishJobEvent(ctx, aadk.JobEvent{
			AtUnixMillis: at, JobID: job.JobID, Payload: payload,
		}))
	}
	publish(100, aadk.EventPayload{Type: aadk.EventStateChanged, StateChanged: &aadk.StateChanged{NewState: aadk.JobStateRunning}})
	publish(110, aadk.EventPayload{Type: aadk.EventProgress, Progress: &aadk.Progress{Percent: 33}})
	publish(120, aadk.EventPayload{Type: aadk.EventProgress, Progress: &aadk.Progress{Percent: 66}})
	publish(130, aadk.EventPayload{Type: aadk.EventProgress, Progress: &aadk.Progress{Percent: 99}})
	publish(140, aadk.EventPayload{Type: aadk.EventCompleted, Completed: &aadk.Completed{Summary: "ok"}})

	stream, err := client.StreamJobEvents(ctx, job.JobID, true)
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	var got []aadk.JobEvent
	for {
		evt, err := stream.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, evt)
	}

	require.Len(t, got, 5)
	wantAt := []int64{100, 110, 120, 130, 140}
	for i, evt := range got {
		assert.Equal(t, wantAt[i], evt.AtUnixMillis)
	}
	assert.Equal(t, aadk.EventCompleted, got[4].Payload.Type)
	assert.Equal(t, "ok", got[4].Payload.Completed.Summary)
}

func TestStreamRunEventsRequiresIdentity(t *testing.T) {
	client, _ := newTestServer(t)
	_, err := client.StreamRunEvents(context.Background(), aadk.RunStreamOptions{})
	assert.True(t, aadk.IsInvalidArgument(err), "unexpected error: %v", err)
}

func TestStreamRunEventsMergesJobsOverSSE(t *testing.T) {
	client, _ := newTestServer(t)
	ctx := context.Background()

	parent, err := client.StartJob(ctx, aadk.StartJobRequest{JobType: "workflow.pipeline", RunID: "R9"})
	require.NoError(t, err)
	child, err := client.StartJob(ctx, aadk.StartJobRequest{JobType: "build.run", RunID: "R9"})
	require.NoError(t, err)

	publish := func(jobID string, at int64, payload aadk.EventPayload) {
		require.NoError(t, client.PublishJobEvent(ctx, aadk.JobEvent{
			AtUnixMillis: at, JobID: jobID, Payload: payload,
		}))
	}
	publish(child.JobID, 200, aadk.EventPayload{Type: aadk.EventProgress, Progress: &aadk.Progress{Percent: 1}})
	publish(parent.JobID, 210, aadk.EventPayload{Type: aadk.EventProgress, Progress: &aadk.Progress{Percent: 2}})
	publish(child.JobID, 205, aadk.EventPayload{Type: aadk.EventCompleted, Completed: &aadk.Completed{Summary: "child ok"}})
	publish(parent.JobID, 220, aadk.EventPayload{Type: aadk.EventCompleted, Completed: &aadk.Completed{Summary: "parent ok"}})

	stream, err := client.StreamRunEvents(ctx, aadk.RunStreamOptions{
		RunID:               "R9",
		IncludeHistory:      true,
		MaxDelayMillis:      250,
		DiscoveryIntervalMS: 40,
	})
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	var got []aadk.JobEvent
	for {
		evt, err := stream.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, evt)
	}

	// All four events, best-effort timestamp order inside the window.
	require.Len(t, got, 4)
	wantAt := []int64{200, 205, 210, 220}
	for i, evt := range got {
		assert.Equal(t, wantAt[i], evt.AtUnixMillis)
	}
}

func TestDemoJobEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("demo job takes a few seconds")
	}
	client, _ := newTestServer(t)
	ctx := context.Background()

	job, err := client.StartJob(ctx, aadk.StartJobRequest{JobType: "demo.job"})
	require.NoError(t, err)

	stream, err := client.StreamJobEvents(ctx, job.JobID, true)
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	progressSeen := 0
	logSeen := 0
	completed := false
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		evt, err := stream.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		switch evt.Payload.Type {
		case aadk.EventProgress:
			progressSeen++
		case aadk.EventLog:
			logSeen++
		case aadk.EventCompleted:
			completed = true
		}
		if completed {
			break
		}
	}

	assert.True(t, completed, "demo job never completed")
	assert.Equal(t, 10, progressSeen)
	assert.Equal(t, 10, logSeen)

	got, err := client.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, aadk.JobStateSuccess, got.State)
}

func TestResponseEnvelopeShape(t *testing.T) {
	reg := registry.New(registry.Options{Logger: testLogger()})
	srv := New(Config{Registry: reg, Logger: testLogger(), Version: "test"})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/jobs", "application/json",
		strings.NewReader(`{"job_type":"demo.job"}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var envelope struct {
		Data json.RawMessage `json:"data"`
		Meta struct {
			RequestID string `json:"request_id"`
		} `json:"meta"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.NotEmpty(t, envelope.Data)
	assert.NotEmpty(t, envelope.Meta.RequestID)
}
