package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aadk-dev/aadk/internal/model"
	"github.com/aadk-dev/aadk/internal/registry"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	reg       *registry.Registry
	logger    *slog.Logger
	version   string
	runStream RunStreamDefaults
	startedAt time.Time
}

// writeRegistryError maps registry errors onto the wire taxonomy.
func writeRegistryError(w http.ResponseWriter, r *http.Request, err error) {
	var invalid *registry.ErrInvalidArgument
	switch {
	case errors.Is(err, registry.ErrNotFound):
		WriteError(w, r, model.CodeNotFound, "job not found")
	case errors.As(err, &invalid):
		WriteError(w, r, model.CodeInvalidArgument, invalid.Reason)
	default:
		WriteError(w, r, model.CodeInternal, "internal error")
	}
}

// HandleStartJob handles POST /v1/jobs.
func (h *Handlers) HandleStartJob(w http.ResponseWriter, r *http.Request) {
	var req model.StartJobRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, r, model.CodeInvalidArgument, "invalid request body")
		return
	}

	job, err := h.reg.CreateJob(req)
	if err != nil {
		writeRegistryError(w, r, err)
		return
	}

	// demo.job carries its own in-process worker so the substrate can be
	// exercised end to end without any peer service.
	if job.JobType == "demo.job" {
		go h.runDemoJob(job.JobID)
	}

	WriteJSON(w, r, http.StatusCreated, model.StartJobResponse{Job: job})
}

// HandleGetJob handles GET /v1/jobs/{job_id}.
func (h *Handlers) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	job, err := h.reg.GetJob(jobID)
	if err != nil {
		writeRegistryError(w, r, err)
		return
	}
	WriteJSON(w, r, http.StatusOK, job)
}

// HandleCancelJob handles POST /v1/jobs/{job_id}/cancel. Cancelling a
// terminal or unknown job is not an error; accepted=false reports it.
func (h *Handlers) HandleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	accepted := h.reg.CancelJob(jobID)
	WriteJSON(w, r, http.StatusOK, model.CancelJobResponse{Accepted: accepted})
}

// HandlePublishJobEvent handles POST /v1/jobs/{job_id}/events.
func (h *Handlers) HandlePublishJobEvent(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	var req model.PublishJobEventRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, r, model.CodeInvalidArgument, "invalid request body")
		return
	}
	evt := req.Event
	if evt.JobID == "" {
		evt.JobID = jobID
	} else if evt.JobID != jobID {
		WriteError(w, r, model.CodeInvalidArgument, "event.job_id does not match path")
		return
	}

	if err := h.reg.Publish(r.Context(), evt); err != nil {
		writeRegistryError(w, r, err)
		return
	}
	WriteJSON(w, r, http.StatusOK, model.PublishJobEventResponse{Accepted: true})
}

// HandleListJobs handles GET /v1/jobs.
func (h *Handlers) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.JobFilter{
		CorrelationID: q.Get("correlation_id"),
		RunID:         q.Get("run_id"),
	}
	if v := q.Get("job_types"); v != "" {
		filter.JobTypes = strings.Split(v, ",")
	}
	if v := q.Get("states"); v != "" {
		for _, label := range strings.Split(v, ",") {
			if s := model.ParseJobState(label); s != model.JobStateUnspecified {
				filter.States = append(filter.States, s)
			}
		}
	}
	filter.CreatedAfter = queryMillis(q.Get("created_after"))
	filter.CreatedBefore = queryMillis(q.Get("created_before"))
	filter.FinishedAfter = queryMillis(q.Get("finished_after"))
	filter.FinishedBefore = queryMillis(q.Get("finished_before"))

	resp, err := h.reg.ListJobs(filter, q.Get("page_token"), queryInt(q.Get("page_size")))
	if err != nil {
		writeRegistryError(w, r, err)
		return
	}
	WriteJSON(w, r, http.StatusOK, resp)
}

// HandleListJobHistory handles GET /v1/jobs/{job_id}/history.
func (h *Handlers) HandleListJobHistory(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	q := r.URL.Query()
	filter := model.HistoryFilter{
		After:  queryMillis(q.Get("after")),
		Before: queryMillis(q.Get("before")),
	}
	if v := q.Get("kinds"); v != "" {
		for _, kind := range strings.Split(v, ",") {
			filter.Kinds = append(filter.Kinds, model.EventKind(kind))
		}
	}

	resp, err := h.reg.ListJobHistory(jobID, filter, q.Get("page_token"), queryInt(q.Get("page_size")))
	if err != nil {
		writeRegistryError(w, r, err)
		return
	}
	WriteJSON(w, r, http.StatusOK, resp)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, r, http.StatusOK, map[string]any{
		"status":         "healthy",
		"version":        h.version,
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
	})
}

func queryInt(v string) int {
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func queryMillis(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
