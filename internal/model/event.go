package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EventKind is the payload discriminator of a JobEvent. The string values
// appear on the wire and in the persisted document.
type EventKind string

const (
	EventStateChanged EventKind = "state_changed"
	EventProgress     EventKind = "progress"
	EventLog          EventKind = "log"
	EventCompleted    EventKind = "completed"
	EventFailed       EventKind = "failed"
)

// Progress carries a percent in [0,100], a free-form phase label, and
// step-specific metric pairs.
type Progress struct {
	Percent uint32     `json:"percent"`
	Phase   string     `json:"phase"`
	Metrics []KeyValue `json:"metrics,omitempty"`
}

// LogChunk is one fragment of captured output. Data is raw bytes
// (base64 in JSON). Truncated marks a fragment that was split off a chunk
// exceeding the per-event cap.
type LogChunk struct {
	Stream    string `json:"stream"`
	Data      []byte `json:"data"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Completed is the success terminal payload.
type Completed struct {
	Summary string     `json:"summary"`
	Outputs []KeyValue `json:"outputs,omitempty"`
}

// Failed is the failure terminal payload.
type Failed struct {
	Error *ErrorDetail `json:"error,omitempty"`
}

// StateChanged announces a state transition the worker performed.
type StateChanged struct {
	NewState JobState `json:"new_state"`
}

// EventPayload is the tagged union carried by a JobEvent. Exactly one of the
// variant pointers is non-nil, selected by Type.
type EventPayload struct {
	Type         EventKind     `json:"type"`
	StateChanged *StateChanged `json:"state_changed,omitempty"`
	Progress     *Progress     `json:"progress,omitempty"`
	Log          *LogChunk     `json:"log,omitempty"`
	Completed    *Completed    `json:"completed,omitempty"`
	Failed       *Failed       `json:"failed,omitempty"`
}

// Validate checks that the discriminator matches the populated variant.
func (p *EventPayload) Validate() error {
	switch p.Type {
	case EventStateChanged:
		if p.StateChanged == nil {
			return fmt.Errorf("model: state_changed payload missing")
		}
	case EventProgress:
		if p.Progress == nil {
			return fmt.Errorf("model: progress payload missing")
		}
	case EventLog:
		if p.Log == nil {
			return fmt.Errorf("model: log payload missing")
		}
	case EventCompleted:
		if p.Completed == nil {
			return fmt.Errorf("model: completed payload missing")
		}
	case EventFailed:
		if p.Failed == nil {
			return fmt.Errorf("model: failed payload missing")
		}
	default:
		return fmt.Errorf("model: unknown event payload type: %q", p.Type)
	}
	return nil
}

// Terminal reports whether the payload ends the job: Completed, Failed, or a
// StateChanged into a terminal state.
func (p *EventPayload) Terminal() bool {
	switch p.Type {
	case EventCompleted, EventFailed:
		return true
	case EventStateChanged:
		return p.StateChanged != nil && p.StateChanged.NewState.Terminal()
	}
	return false
}

// JobEvent is the immutable envelope published onto a job's event log and
// broadcast to subscribers.
type JobEvent struct {
	AtUnixMillis int64        `json:"at_unix_millis"`
	JobID        string       `json:"job_id"`
	Payload      EventPayload `json:"payload"`
}

// PayloadEqual reports whether two events carry byte-identical payloads.
// Used for deduplication across the replay-to-live join of a stream.
func PayloadEqual(a, b *JobEvent) bool {
	ab, err := json.Marshal(a.Payload)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b.Payload)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// NewStateChangedEvent builds a state-change event envelope.
func NewStateChangedEvent(jobID string, at int64, state JobState) JobEvent {
	return JobEvent{
		AtUnixMillis: at,
		JobID:        jobID,
		Payload: EventPayload{
			Type:         EventStateChanged,
			StateChanged: &StateChanged{NewState: state},
		},
	}
}

// NewProgressEvent builds a progress event envelope.
func NewProgressEvent(jobID string, at int64, p Progress) JobEvent {
	return JobEvent{
		AtUnixMillis: at,
		JobID:        jobID,
		Payload:      EventPayload{Type: EventProgress, Progress: &p},
	}
}

// NewLogEvent builds a log event envelope.
func NewLogEvent(jobID string, at int64, chunk LogChunk) JobEvent {
	return JobEvent{
		AtUnixMillis: at,
		JobID:        jobID,
		Payload:      EventPayload{Type: EventLog, Log: &chunk},
	}
}

// NewCompletedEvent builds a success terminal event envelope.
func NewCompletedEvent(jobID string, at int64, summary string, outputs []KeyValue) JobEvent {
	return JobEvent{
		AtUnixMillis: at,
		JobID:        jobID,
		Payload: EventPayload{
			Type:      EventCompleted,
			Completed: &Completed{Summary: summary, Outputs: outputs},
		},
	}
}

// NewFailedEvent builds a failure terminal event envelope.
func NewFailedEvent(jobID string, at int64, detail ErrorDetail) JobEvent {
	return JobEvent{
		AtUnixMillis: at,
		JobID:        jobID,
		Payload:      EventPayload{Type: EventFailed, Failed: &Failed{Error: &detail}},
	}
}
