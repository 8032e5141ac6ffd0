package registry

import (
	"container/heap"
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aadk-dev/aadk/internal/model"
)

// RunStreamOptions tunes one StreamRunEvents subscription. Zero durations
// and counts fall back to fixed defaults: 512 events, 1500 ms max delay,
// 750 ms discovery interval, 200 ms flush interval.
type RunStreamOptions struct {
	RunID          string
	CorrelationID  string
	IncludeHistory bool

	BufferMax         int
	MaxDelay          time.Duration
	DiscoveryInterval time.Duration
	FlushInterval     time.Duration
}

func (o *RunStreamOptions) normalize() {
	if o.BufferMax <= 0 {
		o.BufferMax = 512
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 1500 * time.Millisecond
	}
	if o.DiscoveryInterval <= 0 {
		o.DiscoveryInterval = 750 * time.Millisecond
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 200 * time.Millisecond
	}
}

// jobMatchesRun decides run membership. With a run id, a job is a member
// when its run id matches, or when it carries no run id but shares the
// correlation id. With only a correlation id, correlation equality decides.
func jobMatchesRun(job *model.Job, runID, correlationID string) bool {
	if runID != "" {
		if job.RunID == runID {
			return true
		}
		if job.RunID == "" && correlationID != "" && job.CorrelationID == correlationID {
			return true
		}
		return false
	}
	if correlationID != "" {
		return job.CorrelationID == correlationID
	}
	return false
}

// bufferedEvent is one entry of the reorder buffer.
type bufferedEvent struct {
	at      int64
	seq     uint64
	arrived time.Time
	event   model.JobEvent
}

// eventHeap is a min-heap on (at, seq); seq keeps arrival order stable for
// equal timestamps.
type eventHeap []bufferedEvent

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	return h[i].seq < h[j].seq
}
func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)   { *h = append(*h, x.(bufferedEvent)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// StreamRunEvents merges the event streams of every job sharing the run
// identity. Arriving events sit in a bounded reorder buffer for up to
// MaxDelay so that out-of-order publishes from independent jobs come out in
// timestamp order; anything further apart than MaxDelay is ordered strictly.
// New member jobs are discovered on a periodic rescan. The stream ends when
// the run's workflow.pipeline parent and all members are terminal and the
// buffer has drained, or when ctx is cancelled.
func (r *Registry) StreamRunEvents(ctx context.Context, opts RunStreamOptions) (<-chan model.JobEvent, error) {
	if opts.RunID == "" && opts.CorrelationID == "" {
		return nil, &ErrInvalidArgument{Reason: "run_id or correlation_id is required"}
	}
	opts.normalize()

	out := make(chan model.JobEvent, 32)
	go r.runRunStream(ctx, opts, out)
	return out, nil
}

func (r *Registry) runRunStream(ctx context.Context, opts RunStreamOptions, out chan<- model.JobEvent) {
	defer close(out)

	memberCtx, cancelMembers := context.WithCancel(ctx)
	defer cancelMembers()
	g, memberCtx := errgroup.WithContext(memberCtx)

	intake := make(chan model.JobEvent, opts.BufferMax*2)
	known := make(map[string]struct{})
	var buf eventHeap
	var seq uint64

	// activeMembers counts member streams still forwarding. Termination must
	// wait for it to reach zero so replays in flight are never cut off;
	// member streams close themselves once their job is terminal.
	var activeMembers atomic.Int64

	discover := func() {
		for _, job := range r.snapshotJobs() {
			if _, seen := known[job.JobID]; seen {
				continue
			}
			if !jobMatchesRun(&job, opts.RunID, opts.CorrelationID) {
				continue
			}
			known[job.JobID] = struct{}{}
			ch, err := r.StreamJobEvents(memberCtx, job.JobID, opts.IncludeHistory)
			if err != nil {
				continue
			}
			activeMembers.Add(1)
			g.Go(func() error {
				defer activeMembers.Add(-1)
				for evt := range ch {
					select {
					case intake <- evt:
					case <-memberCtx.Done():
						return nil
					}
				}
				return nil
			})
		}
	}

	// send delivers one event to the client; false means the client is gone.
	send := func(evt model.JobEvent) bool {
		select {
		case out <- evt:
			return true
		case <-ctx.Done():
			return false
		}
	}

	// flush releases buffered events per the reorder policy: everything when
	// forced, overflow beyond BufferMax, and any head older than MaxDelay.
	flush := func(force bool) bool {
		for buf.Len() > 0 {
			release := force || buf.Len() > opts.BufferMax ||
				time.Since(buf[0].arrived) >= opts.MaxDelay
			if !release {
				return true
			}
			next := heap.Pop(&buf).(bufferedEvent)
			if !send(next.event) {
				return false
			}
		}
		return true
	}

	// finished reports whether the run can close: a workflow.pipeline parent
	// exists among the members and it plus every member job is terminal.
	finished := func() bool {
		parentSeen := false
		for id := range known {
			job, err := r.GetJob(id)
			if err != nil {
				continue
			}
			if !job.State.Terminal() {
				return false
			}
			if job.JobType == "workflow.pipeline" {
				parentSeen = true
			}
		}
		return parentSeen
	}

	discover()

	discoveryTick := time.NewTicker(opts.DiscoveryInterval)
	defer discoveryTick.Stop()
	flushTick := time.NewTicker(opts.FlushInterval)
	defer flushTick.Stop()

	drainAndExit := func() {
		cancelMembers()
		_ = g.Wait()
		for {
			select {
			case evt := <-intake:
				heap.Push(&buf, bufferedEvent{at: evt.AtUnixMillis, seq: seq, arrived: time.Now(), event: evt})
				seq++
			default:
				_ = flush(true)
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-discoveryTick.C:
			discover()
			if activeMembers.Load() == 0 && finished() && buf.Len() == 0 && len(intake) == 0 {
				drainAndExit()
				return
			}
		case <-flushTick.C:
			if !flush(false) {
				return
			}
			if activeMembers.Load() == 0 && finished() && buf.Len() == 0 && len(intake) == 0 {
				drainAndExit()
				return
			}
		case evt := <-intake:
			heap.Push(&buf, bufferedEvent{at: evt.AtUnixMillis, seq: seq, arrived: time.Now(), event: evt})
			seq++
			if !flush(false) {
				return
			}
		}
	}
}
