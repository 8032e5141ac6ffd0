package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aadk-dev/aadk/internal/model"
)

// drainGrace is how long a per-job stream stays open after delivering a
// terminal event, so trailing publishes (a Completed right after a final
// StateChanged) still reach the subscriber before close.
const drainGrace = 150 * time.Millisecond

// StreamJobEvents subscribes to one job: optional history replay followed by
// live events, in publish order. Events republished across the replay-live
// join (same timestamp, byte-identical payload) are suppressed. The
// returned channel closes when ctx is done or when the job has reached a
// terminal state and the drain grace has elapsed.
func (r *Registry) StreamJobEvents(ctx context.Context, jobID string, includeHistory bool) (<-chan model.JobEvent, error) {
	rec, ok := r.get(jobID)
	if !ok {
		return nil, ErrNotFound
	}

	// Subscribe and snapshot under the record lock so the cursor starts
	// exactly where the snapshot ends.
	rec.mu.Lock()
	var history []model.JobEvent
	if includeHistory {
		history = append(history, rec.history...)
	}
	terminal := rec.job.State.Terminal()
	sub := rec.broadcast.subscribe()
	rec.mu.Unlock()

	out := make(chan model.JobEvent, 32)
	go r.runJobStream(ctx, jobID, rec, sub, history, terminal, out)
	return out, nil
}

func (r *Registry) runJobStream(ctx context.Context, jobID string, rec *record, sub *subscriber, history []model.JobEvent, terminalAtStart bool, out chan<- model.JobEvent) {
	defer rec.broadcast.unsubscribe(sub)
	defer close(out)

	// Dedup window across the join point: remember replayed payloads keyed
	// by (at, payload bytes); a live event inside the window is dropped if
	// it is one of these.
	var lastReplayedAt int64
	replayed := make(map[string]struct{}, len(history))
	terminalSeen := terminalAtStart

	for _, evt := range history {
		select {
		case out <- evt:
		case <-ctx.Done():
			return
		}
		lastReplayedAt = evt.AtUnixMillis
		replayed[joinKey(&evt)] = struct{}{}
		if evt.Payload.Terminal() {
			terminalSeen = true
		}
	}

	var grace *time.Timer
	var graceC <-chan time.Time
	if terminalSeen {
		grace = time.NewTimer(drainGrace)
		graceC = grace.C
		defer grace.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-graceC:
			return
		case evt, ok := <-sub.ch:
			if !ok {
				return
			}
			if dropped := sub.takeDropped(); dropped > 0 {
				notice := r.lagNotice(jobID, dropped)
				select {
				case out <- notice:
				case <-ctx.Done():
					return
				}
			}
			if evt.AtUnixMillis <= lastReplayedAt {
				if _, dup := replayed[joinKey(&evt)]; dup {
					continue
				}
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
			if evt.Payload.Terminal() {
				terminalSeen = true
			}
			if terminalSeen {
				if grace == nil {
					grace = time.NewTimer(drainGrace)
					defer grace.Stop()
				} else {
					if !grace.Stop() {
						select {
						case <-grace.C:
						default:
						}
					}
					grace.Reset(drainGrace)
				}
				graceC = grace.C
			}
		}
	}
}

// lagNotice is the synthetic server-side log event emitted when a slow
// subscriber lost queued events.
func (r *Registry) lagNotice(jobID string, skipped uint64) model.JobEvent {
	line := "WARNING: client lagged; skipped " + strconv.FormatUint(skipped, 10) + " events\n"
	return model.NewLogEvent(jobID, r.now(), model.LogChunk{
		Stream: "server",
		Data:   []byte(line),
	})
}

func joinKey(evt *model.JobEvent) string {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Sprintf("%d|unmarshalable", evt.AtUnixMillis)
	}
	return fmt.Sprintf("%d|%s", evt.AtUnixMillis, payload)
}
