// Package model defines the core domain types for the AADK job substrate.
//
// All types correspond directly to the persisted document and the wire
// envelopes exchanged by the services. Types use strong typing (enums,
// explicit millisecond timestamps) and avoid interface{} wherever possible.
package model

import "fmt"

// JobState is the lifecycle state of a job. The numeric values are part of
// the wire contract and must not be reordered.
type JobState int32

const (
	JobStateUnspecified JobState = 0
	JobStateQueued      JobState = 1
	JobStateRunning     JobState = 2
	JobStateSuccess     JobState = 3
	JobStateFailed      JobState = 4
	JobStateCancelled   JobState = 5
)

// Terminal reports whether the state absorbs all further transitions.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateSuccess, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// String returns the lowercase label used in logs and list filters.
func (s JobState) String() string {
	switch s {
	case JobStateQueued:
		return "queued"
	case JobStateRunning:
		return "running"
	case JobStateSuccess:
		return "success"
	case JobStateFailed:
		return "failed"
	case JobStateCancelled:
		return "cancelled"
	default:
		return "unspecified"
	}
}

// ParseJobState maps a label back to its state. Unknown labels map to
// JobStateUnspecified without error so list filters can ignore them.
func ParseJobState(label string) JobState {
	switch label {
	case "queued":
		return JobStateQueued
	case "running":
		return JobStateRunning
	case "success":
		return JobStateSuccess
	case "failed":
		return JobStateFailed
	case "cancelled":
		return JobStateCancelled
	default:
		return JobStateUnspecified
	}
}

// knownJobTypes is the registry of job types StartJob accepts. Peer services
// own the semantics of their types; the job service only gatekeeps the set.
var knownJobTypes = map[string]struct{}{
	"demo.job":                       {},
	"workflow.pipeline":              {},
	"toolchain.install":              {},
	"toolchain.verify":               {},
	"toolchain.update":               {},
	"toolchain.uninstall":            {},
	"toolchain.cache_cleanup":        {},
	"project.create":                 {},
	"project.open":                   {},
	"build.run":                      {},
	"target.install":                 {},
	"target.launch":                  {},
	"target.stop":                    {},
	"target.logcat":                  {},
	"target.cuttlefish.install":      {},
	"target.cuttlefish.start":        {},
	"target.cuttlefish.stop":         {},
	"target.cuttlefish.status":       {},
	"targets.install":                {},
	"targets.launch":                 {},
	"observe.export_support_bundle":  {},
	"observe.export_evidence_bundle": {},
	"observe.support_bundle":         {},
	"observe.evidence_bundle":        {},
}

// IsKnownJobType reports whether jobType belongs to the registered set.
func IsKnownJobType(jobType string) bool {
	_, ok := knownJobTypes[jobType]
	return ok
}

// ValidateJobType rejects empty and unregistered job types.
func ValidateJobType(jobType string) error {
	if jobType == "" {
		return fmt.Errorf("model: job_type is required")
	}
	if !IsKnownJobType(jobType) {
		return fmt.Errorf("model: unknown job_type: %s", jobType)
	}
	return nil
}

// DisplayNameFor returns the human label for a job type. Types without a
// curated label fall back to the type itself.
func DisplayNameFor(jobType string) string {
	switch jobType {
	case "demo.job":
		return "Demo Job"
	case "workflow.pipeline":
		return "Workflow Pipeline"
	default:
		return jobType
	}
}

// Job is the registry entity for one unit of long-running work.
type Job struct {
	JobID       string   `json:"job_id"`
	JobType     string   `json:"job_type"`
	State       JobState `json:"state"`
	CreatedAt   int64    `json:"created_at_unix_millis"`
	StartedAt   int64    `json:"started_at_unix_millis,omitempty"`
	FinishedAt  int64    `json:"finished_at_unix_millis,omitempty"`
	DisplayName string   `json:"display_name"`

	// Correlation and run identity. CorrelationID is never empty once the
	// job exists (it defaults to the job id); RunID may be empty.
	CorrelationID string `json:"correlation_id"`
	RunID         string `json:"run_id,omitempty"`

	// Optional linkage ids to peer-service entities.
	ProjectID      string `json:"project_id,omitempty"`
	TargetID       string `json:"target_id,omitempty"`
	ToolchainSetID string `json:"toolchain_set_id,omitempty"`

	// CancelRequested mirrors the cancel latch so remote workers can observe
	// it through GetJob. Set once, never cleared.
	CancelRequested bool `json:"cancel_requested,omitempty"`
}

// KeyValue is an opaque string pair used for progress metrics, completion
// outputs, and run summaries.
type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}
