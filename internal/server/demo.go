package server

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aadk-dev/aadk/internal/model"
)

const (
	demoSteps    = 10
	demoStepWait = 250 * time.Millisecond
)

// runDemoJob drives a demo.job through the full lifecycle: Queued → Running,
// ten progress/log steps, then Completed. It checks the cancel latch between
// steps and finishes with a Cancelled state when it fires.
func (h *Handlers) runDemoJob(jobID string) {
	ctx := context.Background()

	publish := func(evt model.JobEvent) bool {
		if err := h.reg.Publish(ctx, evt); err != nil {
			h.logger.Warn("demo job publish failed", "job_id", jobID, "error", err)
			return false
		}
		return true
	}

	time.Sleep(150 * time.Millisecond)
	if !publish(model.NewStateChangedEvent(jobID, 0, model.JobStateRunning)) {
		return
	}

	for step := 1; step <= demoSteps; step++ {
		if h.reg.CancelRequested(jobID) {
			publish(model.NewStateChangedEvent(jobID, 0, model.JobStateCancelled))
			publish(model.NewCompletedEvent(jobID, 0, "Demo job cancelled", nil))
			return
		}

		time.Sleep(demoStepWait)

		pct := uint32(step * demoSteps)
		publish(model.NewProgressEvent(jobID, 0, model.Progress{
			Percent: pct,
			Phase:   fmt.Sprintf("Demo phase %d", step),
			Metrics: []model.KeyValue{
				{Key: "step", Value: strconv.Itoa(step)},
				{Key: "total_steps", Value: strconv.Itoa(demoSteps)},
			},
		}))
		line := fmt.Sprintf("demo: step %d complete (%d%%)\n", step, pct)
		publish(model.NewLogEvent(jobID, 0, model.LogChunk{
			Stream: "stdout",
			Data:   []byte(line),
		}))
	}

	publish(model.NewCompletedEvent(jobID, 0, "Demo job finished successfully", []model.KeyValue{
		{Key: "artifact", Value: "/tmp/demo-artifact.txt"},
	}))
}
