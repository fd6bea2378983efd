package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies the variant carried by an Envelope
type EventType string

const (
	EventWorkflowUpdate       EventType = "workflow_update"
	EventHITLApprovalRequired EventType = "hitl_approval_required"
	EventHITLProgress         EventType = "hitl_progress"
	EventHITLApprovalComplete EventType = "hitl_approval_complete"
	EventHITLTimeout          EventType = "hitl_timeout"
	EventWorkflowComplete     EventType = "workflow_complete"
)

// Event is a progress event published for a run. The set of implementations
// is closed; each carries only the fields of its kind.
type Event interface {
	EventType() EventType
	isEvent()
}

// WorkflowUpdate reports a step transition. Informational updates carry step
// fields only and never describe the run state machine.
type WorkflowUpdate struct {
	Step          string     `json:"step"`
	Status        StepStatus `json:"status"`
	Message       string     `json:"message,omitempty"`
	Progress      *int       `json:"progress,omitempty"`
	RunStatus     RunStatus  `json:"run_status,omitempty"`
	Error         string     `json:"error,omitempty"`
	Informational bool       `json:"informational,omitempty"`
}

// ApprovalRequiredData is the payload of HITLApprovalRequired
type ApprovalRequiredData struct {
	Mappings       []MappingCandidate `json:"mappings"`
	Count          int                `json:"count"`
	TimeoutSeconds int                `json:"timeout_seconds,omitempty"`
}

// HITLApprovalRequired announces that the run is waiting on human review.
type HITLApprovalRequired struct {
	Step    string               `json:"step"`
	Message string               `json:"message,omitempty"`
	Data    ApprovalRequiredData `json:"data"`
}

// ReviewProgress is the payload of HITLProgress
type ReviewProgress struct {
	Reviewed int `json:"reviewed"`
	Pending  int `json:"pending"`
}

// HITLProgress reports how many candidates have been reviewed.
type HITLProgress struct {
	Step    string         `json:"step"`
	Message string         `json:"message,omitempty"`
	Data    ReviewProgress `json:"data"`
}

// HITLApprovalComplete reports that every candidate has been resolved.
type HITLApprovalComplete struct {
	Step    string `json:"step"`
	Message string `json:"message,omitempty"`
}

// TimeoutData is the payload of HITLTimeout
type TimeoutData struct {
	Pending        int `json:"pending"`
	TimeoutSeconds int `json:"timeout_seconds"`
}

// HITLTimeout reports that review did not finish in time. The failing
// workflow_update follows it.
type HITLTimeout struct {
	Step    string      `json:"step"`
	Message string      `json:"message,omitempty"`
	Data    TimeoutData `json:"data"`
}

// CompletionData is the payload of WorkflowComplete
type CompletionData struct {
	Mappings        []MappingCandidate `json:"mappings"`
	Transformations any                `json:"transformations,omitempty"`
}

// WorkflowComplete is the single terminal event of a successful run.
type WorkflowComplete struct {
	Message string         `json:"message,omitempty"`
	Data    CompletionData `json:"data"`
}

func (WorkflowUpdate) EventType() EventType       { return EventWorkflowUpdate }
func (HITLApprovalRequired) EventType() EventType { return EventHITLApprovalRequired }
func (HITLProgress) EventType() EventType         { return EventHITLProgress }
func (HITLApprovalComplete) EventType() EventType { return EventHITLApprovalComplete }
func (HITLTimeout) EventType() EventType          { return EventHITLTimeout }
func (WorkflowComplete) EventType() EventType     { return EventWorkflowComplete }

func (WorkflowUpdate) isEvent()       {}
func (HITLApprovalRequired) isEvent() {}
func (HITLProgress) isEvent()         {}
func (HITLApprovalComplete) isEvent() {}
func (HITLTimeout) isEvent()          {}
func (WorkflowComplete) isEvent()     {}

// Envelope is the wire form of an event: the variant's own fields flattened
// next to the common header.
type Envelope struct {
	Type      EventType
	RunID     string
	Seq       uint64
	Timestamp time.Time
	Event     Event
}

// NewEnvelope wraps ev for delivery.
func NewEnvelope(runID string, seq uint64, ev Event) Envelope {
	return Envelope{
		Type:      ev.EventType(),
		RunID:     runID,
		Seq:       seq,
		Timestamp: time.Now().UTC(),
		Event:     ev,
	}
}

type envelopeHeader struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

// MarshalJSON implements json.Marshaler.
func (e Envelope) MarshalJSON() ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if e.Event != nil {
		body, err := json.Marshal(e.Event)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, err
		}
	}

	header, err := json.Marshal(envelopeHeader{Type: e.Type, RunID: e.RunID, Seq: e.Seq, Timestamp: e.Timestamp})
	if err != nil {
		return nil, err
	}
	var head map[string]json.RawMessage
	if err := json.Unmarshal(header, &head); err != nil {
		return nil, err
	}
	for k, v := range head {
		fields[k] = v
	}
	return json.Marshal(fields)
}

// UnmarshalJSON implements json.Unmarshaler, restoring the concrete variant.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var head envelopeHeader
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}

	var ev Event
	switch head.Type {
	case EventWorkflowUpdate:
		var v WorkflowUpdate
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		ev = v
	case EventHITLApprovalRequired:
		var v HITLApprovalRequired
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		ev = v
	case EventHITLProgress:
		var v HITLProgress
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		ev = v
	case EventHITLApprovalComplete:
		var v HITLApprovalComplete
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		ev = v
	case EventHITLTimeout:
		var v HITLTimeout
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		ev = v
	case EventWorkflowComplete:
		var v WorkflowComplete
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		ev = v
	default:
		return fmt.Errorf("unknown event type %q", head.Type)
	}

	*e = Envelope{Type: head.Type, RunID: head.RunID, Seq: head.Seq, Timestamp: head.Timestamp, Event: ev}
	return nil
}

// IsTerminal reports whether the envelope ends the run's event stream.
func (e Envelope) IsTerminal() bool {
	switch ev := e.Event.(type) {
	case WorkflowComplete:
		return true
	case WorkflowUpdate:
		return !ev.Informational && ev.RunStatus == RunStatusFailed
	}
	return false
}

// DecodeEnvelope parses one wire frame.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(data, &env)
	return env, err
}
