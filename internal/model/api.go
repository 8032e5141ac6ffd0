package model

import "time"

// ResponseMeta is attached to every API response for request correlation.
type ResponseMeta struct {
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// APIResponse is the standard success envelope.
type APIResponse struct {
	Data any          `json:"data"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error envelope. The detail uses the common
// numeric taxonomy; RPC-level errors never mutate job state.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// StartJobRequest creates a job. CorrelationID and RunID are optional; empty
// strings are treated as absent. When CorrelationID is set and RunID is not,
// the run identity defaults to the correlation id.
type StartJobRequest struct {
	JobType        string     `json:"job_type"`
	Params         []KeyValue `json:"params,omitempty"`
	CorrelationID  string     `json:"correlation_id,omitempty"`
	RunID          string     `json:"run_id,omitempty"`
	ProjectID      string     `json:"project_id,omitempty"`
	TargetID       string     `json:"target_id,omitempty"`
	ToolchainSetID string     `json:"toolchain_set_id,omitempty"`
}

// StartJobResponse returns the created job.
type StartJobResponse struct {
	Job Job `json:"job"`
}

// CancelJobResponse reports whether the cancel was accepted: the job exists
// and is not terminal, so its cancel latch is now set (repeat requests are
// accepted too). Accepted is false for unknown jobs and for jobs already
// terminal.
type CancelJobResponse struct {
	Accepted bool `json:"accepted"`
}

// PublishJobEventRequest appends an event to an existing job.
type PublishJobEventRequest struct {
	Event JobEvent `json:"event"`
}

// PublishJobEventResponse acknowledges the append.
type PublishJobEventResponse struct {
	Accepted bool `json:"accepted"`
}

// JobFilter narrows ListJobs. Zero values mean "no constraint".
type JobFilter struct {
	JobTypes       []string   `json:"job_types,omitempty"`
	States         []JobState `json:"states,omitempty"`
	CorrelationID  string     `json:"correlation_id,omitempty"`
	RunID          string     `json:"run_id,omitempty"`
	CreatedAfter   int64      `json:"created_after_unix_millis,omitempty"`
	CreatedBefore  int64      `json:"created_before_unix_millis,omitempty"`
	FinishedAfter  int64      `json:"finished_after_unix_millis,omitempty"`
	FinishedBefore int64      `json:"finished_before_unix_millis,omitempty"`
}

// Matches applies the filter to one job.
func (f *JobFilter) Matches(job *Job) bool {
	if len(f.JobTypes) > 0 {
		found := false
		for _, t := range f.JobTypes {
			if t == job.JobType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.States) > 0 {
		found := false
		for _, s := range f.States {
			if s == job.State {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.CorrelationID != "" && job.CorrelationID != f.CorrelationID {
		return false
	}
	if f.RunID != "" && job.RunID != f.RunID {
		return false
	}
	if f.CreatedAfter != 0 && job.CreatedAt < f.CreatedAfter {
		return false
	}
	if f.CreatedBefore != 0 && job.CreatedAt > f.CreatedBefore {
		return false
	}
	if f.FinishedAfter != 0 && (job.FinishedAt == 0 || job.FinishedAt < f.FinishedAfter) {
		return false
	}
	if f.FinishedBefore != 0 && (job.FinishedAt == 0 || job.FinishedAt > f.FinishedBefore) {
		return false
	}
	return true
}

// ListJobsResponse is one page of jobs plus the continuation token.
type ListJobsResponse struct {
	Jobs          []Job  `json:"jobs"`
	NextPageToken string `json:"next_page_token,omitempty"`
}

// HistoryFilter narrows ListJobHistory by event kind and time window.
type HistoryFilter struct {
	Kinds  []EventKind `json:"kinds,omitempty"`
	After  int64       `json:"after_unix_millis,omitempty"`
	Before int64       `json:"before_unix_millis,omitempty"`
}

// Matches applies the filter to one event.
func (f *HistoryFilter) Matches(evt *JobEvent) bool {
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == evt.Payload.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.After != 0 && evt.AtUnixMillis < f.After {
		return false
	}
	if f.Before != 0 && evt.AtUnixMillis > f.Before {
		return false
	}
	return true
}

// ListJobHistoryResponse is one page of a job's event history.
type ListJobHistoryResponse struct {
	Events        []JobEvent `json:"events"`
	NextPageToken string     `json:"next_page_token,omitempty"`
}

// PipelineOptions selects pipeline steps explicitly. When nil on the
// request, steps are inferred from the provided inputs instead.
type PipelineOptions struct {
	CreateProject        bool `json:"create_project,omitempty"`
	OpenProject          bool `json:"open_project,omitempty"`
	VerifyToolchain      bool `json:"verify_toolchain,omitempty"`
	Build                bool `json:"build,omitempty"`
	InstallApk           bool `json:"install_apk,omitempty"`
	LaunchApp            bool `json:"launch_app,omitempty"`
	ExportSupportBundle  bool `json:"export_support_bundle,omitempty"`
	ExportEvidenceBundle bool `json:"export_evidence_bundle,omitempty"`
}

// RunPipelineRequest starts a workflow pipeline. JobID may pre-reserve the
// parent job; RunID and CorrelationID join an existing run identity.
type RunPipelineRequest struct {
	JobID         string           `json:"job_id,omitempty"`
	CorrelationID string           `json:"correlation_id,omitempty"`
	RunID         string           `json:"run_id,omitempty"`
	Options       *PipelineOptions `json:"options,omitempty"`

	ProjectID      string   `json:"project_id,omitempty"`
	ProjectName    string   `json:"project_name,omitempty"`
	ProjectPath    string   `json:"project_path,omitempty"`
	TemplateID     string   `json:"template_id,omitempty"`
	ToolchainID    string   `json:"toolchain_id,omitempty"`
	ToolchainSetID string   `json:"toolchain_set_id,omitempty"`
	TargetID       string   `json:"target_id,omitempty"`
	ApplicationID  string   `json:"application_id,omitempty"`
	Activity       string   `json:"activity,omitempty"`
	ApkPath        string   `json:"apk_path,omitempty"`
	BuildVariant   string   `json:"build_variant,omitempty"`
	Module         string   `json:"module,omitempty"`
	Tasks          []string `json:"tasks,omitempty"`
}

// RunPipelineResponse acknowledges the pipeline start; progress flows
// through the parent job's event stream.
type RunPipelineResponse struct {
	RunID         string `json:"run_id"`
	JobID         string `json:"job_id"`
	CorrelationID string `json:"correlation_id"`
}

// ListRunsResponse is one page of run records.
type ListRunsResponse struct {
	Runs          []RunRecord `json:"runs"`
	NextPageToken string      `json:"next_page_token,omitempty"`
}
