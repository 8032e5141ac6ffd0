package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/aadk-dev/aadk/internal/model"
	"github.com/aadk-dev/aadk/internal/registry"
)

const keepaliveInterval = 15 * time.Second

// sseWriter prepares a response for Server-Sent Events and returns the
// flusher, or reports that the connection cannot stream.
func sseWriter(w http.ResponseWriter, r *http.Request) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, r, model.CodeInternal, "streaming not supported")
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle streams are killed after WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	return flusher, true
}

// writeSSEEvent emits one job event frame. Returns false once the client is
// unreachable.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, evt model.JobEvent) bool {
	payload, err := json.Marshal(evt)
	if err != nil {
		return false
	}
	if _, err := w.Write([]byte("event: job_event\ndata: " + string(payload) + "\n\n")); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

// pumpEvents forwards a registry stream onto the SSE connection with
// keepalives until the stream closes or the client disconnects.
func pumpEvents(w http.ResponseWriter, r *http.Request, flusher http.Flusher, events <-chan model.JobEvent) {
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case evt, ok := <-events:
			if !ok {
				return
			}
			if !writeSSEEvent(w, flusher, evt) {
				return
			}
		}
	}
}

// HandleStreamJobEvents handles GET /v1/jobs/{job_id}/events (SSE).
// With include_history=true the job's history replays before live events.
func (h *Handlers) HandleStreamJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	includeHistory := r.URL.Query().Get("include_history") == "true"

	events, err := h.reg.StreamJobEvents(r.Context(), jobID, includeHistory)
	if err != nil {
		writeRegistryError(w, r, err)
		return
	}

	flusher, ok := sseWriter(w, r)
	if !ok {
		return
	}
	pumpEvents(w, r, flusher, events)
}

// HandleStreamRunEvents handles GET /v1/runs/events (SSE): the merged
// best-effort-ordered stream of every job sharing the run identity.
func (h *Handlers) HandleStreamRunEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := registry.RunStreamOptions{
		RunID:             q.Get("run_id"),
		CorrelationID:     q.Get("correlation_id"),
		IncludeHistory:    q.Get("include_history") == "true",
		BufferMax:         h.runStream.BufferMax,
		MaxDelay:          h.runStream.MaxDelay,
		DiscoveryInterval: h.runStream.DiscoveryInterval,
		FlushInterval:     h.runStream.FlushInterval,
	}
	// Request-level tuning overrides.
	if n := queryInt(q.Get("buffer_max_events")); n > 0 {
		opts.BufferMax = n
	}
	if ms := queryMillis(q.Get("max_delay_ms")); ms > 0 {
		opts.MaxDelay = time.Duration(ms) * time.Millisecond
	}
	if ms := queryMillis(q.Get("discovery_interval_ms")); ms > 0 {
		opts.DiscoveryInterval = time.Duration(ms) * time.Millisecond
	}

	events, err := h.reg.StreamRunEvents(r.Context(), opts)
	if err != nil {
		writeRegistryError(w, r, err)
		return
	}

	flusher, ok := sseWriter(w, r)
	if !ok {
		return
	}
	pumpEvents(w, r, flusher, events)
}
