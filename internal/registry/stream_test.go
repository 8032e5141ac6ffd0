package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aadk-dev/aadk/internal/model"
)

// collectUntilClosed drains a stream channel until it closes or the timeout
// fires, returning everything received.
func collectUntilClosed(t *testing.T, ch <-chan model.JobEvent, timeout time.Duration) []model.JobEvent {
	t.Helper()
	var out []model.JobEvent
	deadline := time.After(timeout)
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, evt)
		case <-deadline:
			return out
		}
	}
}

func TestStreamReplayAfterCompletion(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	ctx := context.Background()
	job := mustCreate(t, reg, "demo.job")

	// The demo-job trace from the service contract: state change, three
	// progress updates, completion.
	require.NoError(t, reg.Publish(ctx, model.NewStateChangedEvent(job.JobID, 100, model.JobStateRunning)))
	require.NoError(t, reg.Publish(ctx, model.NewProgressEvent(job.JobID, 110, model.Progress{Percent: 33})))
	require.NoError(t, reg.Publish(ctx, model.NewProgressEvent(job.JobID, 120, model.Progress{Percent: 66})))
	require.NoError(t, reg.Publish(ctx, model.NewProgressEvent(job.JobID, 130, model.Progress{Percent: 99})))
	require.NoError(t, reg.Publish(ctx, model.NewCompletedEvent(job.JobID, 140, "ok", nil)))

	ch, err := reg.StreamJobEvents(ctx, job.JobID, true)
	require.NoError(t, err)

	events := collectUntilClosed(t, ch, 2*time.Second)
	require.Len(t, events, 5)
	wantAt := []int64{100, 110, 120, 130, 140}
	for i, evt := range events {
		assert.Equal(t, wantAt[i], evt.AtUnixMillis, "event %d out of order", i)
	}
	assert.Equal(t, model.EventCompleted, events[4].Payload.Type)
}

func TestStreamWithoutHistorySkipsReplay(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	job := mustCreate(t, reg, "build.run")

	require.NoError(t, reg.Publish(ctx, model.NewProgressEvent(job.JobID, 10, model.Progress{Percent: 1})))

	ch, err := reg.StreamJobEvents(ctx, job.JobID, false)
	require.NoError(t, err)

	require.NoError(t, reg.Publish(ctx, model.NewProgressEvent(job.JobID, 20, model.Progress{Percent: 2})))

	select {
	case evt := <-ch:
		assert.Equal(t, int64(20), evt.AtUnixMillis)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live event")
	}
}

func TestStreamUnknownJob(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	_, err := reg.StreamJobEvents(context.Background(), "missing", true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStreamDedupAcrossJoin(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	job := mustCreate(t, reg, "build.run")

	evt := model.NewProgressEvent(job.JobID, 50, model.Progress{Percent: 5, Phase: "warm"})
	require.NoError(t, reg.Publish(ctx, evt))

	ch, err := reg.StreamJobEvents(ctx, job.JobID, true)
	require.NoError(t, err)

	// Replay of the first event.
	select {
	case got := <-ch:
		assert.Equal(t, int64(50), got.AtUnixMillis)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for replay")
	}

	// An identical publish inside the join window is suppressed; a later
	// distinct event still flows.
	require.NoError(t, reg.Publish(ctx, evt))
	require.NoError(t, reg.Publish(ctx, model.NewProgressEvent(job.JobID, 60, model.Progress{Percent: 6})))

	select {
	case got := <-ch:
		assert.Equal(t, int64(60), got.AtUnixMillis, "duplicate should have been suppressed")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live event")
	}

	// The duplicate is not deduplicated in the log itself.
	hist, err := reg.ListJobHistory(job.JobID, model.HistoryFilter{}, "", 0)
	require.NoError(t, err)
	assert.Len(t, hist.Events, 3)
}

func TestStreamClosesAfterTerminalEvent(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	ctx := context.Background()
	job := mustCreate(t, reg, "build.run")

	ch, err := reg.StreamJobEvents(ctx, job.JobID, false)
	require.NoError(t, err)

	require.NoError(t, reg.Publish(ctx, model.NewCompletedEvent(job.JobID, 10, "ok", nil)))

	events := collectUntilClosed(t, ch, 2*time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventCompleted, events[0].Payload.Type)
}

func TestStreamSlowSubscriberLagNotice(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	ctx := context.Background()
	job := mustCreate(t, reg, "build.run")

	ch, err := reg.StreamJobEvents(ctx, job.JobID, false)
	require.NoError(t, err)

	// Without a reader attached, the out channel (32) plus the subscriber
	// queue (256) eventually overflow; the oldest queued events are shed.
	total := subscriberBuffer + 200
	for i := 0; i < total; i++ {
		require.NoError(t, reg.Publish(ctx, model.NewProgressEvent(job.JobID, int64(i+1), model.Progress{Percent: uint32(i % 100)})))
	}
	require.NoError(t, reg.Publish(ctx, model.NewCompletedEvent(job.JobID, int64(total+1), "ok", nil)))

	events := collectUntilClosed(t, ch, 3*time.Second)
	require.NotEmpty(t, events)
	assert.Less(t, len(events), total+2, "a slow subscriber must shed events")

	lagSeen := false
	terminalSeen := false
	for _, evt := range events {
		if evt.Payload.Type == model.EventLog && evt.Payload.Log.Stream == "server" {
			lagSeen = true
		}
		if evt.Payload.Type == model.EventCompleted {
			terminalSeen = true
		}
	}
	assert.True(t, lagSeen, "expected a lag notice on the stream")
	assert.True(t, terminalSeen, "the terminal event must survive the shedding")
}

func TestStreamOtherSubscribersUnaffectedBySlowOne(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	ctx := context.Background()
	job := mustCreate(t, reg, "build.run")

	slow, err := reg.StreamJobEvents(ctx, job.JobID, false)
	require.NoError(t, err)
	fast, err := reg.StreamJobEvents(ctx, job.JobID, false)
	require.NoError(t, err)

	// Drain the fast subscriber concurrently while the slow one sits idle.
	fastDone := make(chan []model.JobEvent, 1)
	go func() {
		fastDone <- collectUntilClosed(t, fast, 5*time.Second)
	}()

	total := subscriberBuffer + 100
	for i := 0; i < total; i++ {
		require.NoError(t, reg.Publish(ctx, model.NewProgressEvent(job.JobID, int64(i+1), model.Progress{Percent: 1})))
		if i%64 == 0 {
			time.Sleep(time.Millisecond) // let the fast drainer keep pace
		}
	}
	require.NoError(t, reg.Publish(ctx, model.NewCompletedEvent(job.JobID, int64(total+1), "ok", nil)))

	fastEvents := <-fastDone
	assert.Equal(t, total+1, len(fastEvents), "the fast subscriber must see every event")

	_ = collectUntilClosed(t, slow, 2*time.Second)
}
