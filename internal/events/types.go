// Package events provides the run event taxonomy, an in-memory publisher and
// a recorder that persists events before broadcasting them.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/randalmurphal/orcflow/internal/db"
)

// EventType defines the type of event.
type EventType string

const (
	// Run lifecycle
	EventWorkflowStarted   EventType = "workflow_started"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"

	// Phase lifecycle
	EventPhaseStarted   EventType = "phase_started"
	EventPhaseCompleted EventType = "phase_completed"
	EventPhaseFailed    EventType = "phase_failed"

	// Steps
	EventStepFailed      EventType = "step_failed"
	EventAnnotationAdded EventType = "annotation_added"
	EventCommandExecuted EventType = "command_executed"

	// EventDefinitionsReloaded is broadcast (not persisted) after a reload.
	EventDefinitionsReloaded EventType = "definitions_reloaded"
)

// Event represents a published event. Key deduplicates persisted events
// within a run: an event whose Key was already recorded is dropped.
type Event struct {
	ID      int64           `json:"id,omitempty"`
	Type    EventType       `json:"type"`
	RunID   string          `json:"run_id"`
	Title   string          `json:"title"`
	Body    string          `json:"body,omitempty"`
	Phase   string          `json:"phase,omitempty"`
	Key     string          `json:"key,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Time    time.Time       `json:"time"`
}

// NewEvent creates a new event with the current timestamp. data is
// marshaled into the payload.
func NewEvent(eventType EventType, runID, title string, data any) Event {
	ev := Event{
		Type:  eventType,
		RunID: runID,
		Title: title,
		Time:  time.Now(),
	}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			ev.Payload = raw
		}
	}
	return ev
}

// Record converts the event to its stored form.
func (e Event) Record() *db.WorkflowEvent {
	return &db.WorkflowEvent{
		RunID:     e.RunID,
		Type:      string(e.Type),
		Title:     e.Title,
		Body:      e.Body,
		Payload:   e.Payload,
		Phase:     e.Phase,
		StepID:    e.Key,
		CreatedAt: e.Time,
	}
}

// FromRecord converts a stored event.
func FromRecord(r *db.WorkflowEvent) Event {
	return Event{
		ID:      r.ID,
		Type:    EventType(r.Type),
		RunID:   r.RunID,
		Title:   r.Title,
		Body:    r.Body,
		Phase:   r.Phase,
		Key:     r.StepID,
		Payload: r.Payload,
		Time:    r.CreatedAt,
	}
}

// RunData is the payload of workflow lifecycle events.
type RunData struct {
	DefinitionID string `json:"definition_id"`
	Error        string `json:"error,omitempty"`
	Duration     string `json:"duration,omitempty"`
}

// PhaseData is the payload of phase lifecycle events.
type PhaseData struct {
	Phase string `json:"phase"`
	Error string `json:"error,omitempty"`
}

// StepData is the payload of step_failed.
type StepData struct {
	Step  string `json:"step"`
	Type  string `json:"type"`
	Error string `json:"error"`
}

// CommandData is the payload of command_executed.
type CommandData struct {
	Step       string   `json:"step"`
	Command    string   `json:"command"`
	Args       []string `json:"args,omitempty"`
	ExitCode   int      `json:"exit_code"`
	DurationMs int64    `json:"duration_ms"`
}

// AnnotationData is the payload of annotation_added.
type AnnotationData struct {
	Step  string         `json:"step"`
	Level string         `json:"level,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// ReloadData is the payload of definitions_reloaded.
type ReloadData struct {
	New      []string `json:"new,omitempty"`
	Updated  []string `json:"updated,omitempty"`
	Archived []string `json:"archived,omitempty"`
	Errors   int      `json:"errors"`
}

// WorkflowStarted is emitted once per run, on its first start.
func WorkflowStarted(runID, definitionID string) Event {
	ev := NewEvent(EventWorkflowStarted, runID, fmt.Sprintf("Workflow %s started", definitionID),
		RunData{DefinitionID: definitionID})
	ev.Key = "workflow:started"
	return ev
}

// WorkflowCompleted is emitted when the body returns without error.
func WorkflowCompleted(runID, definitionID string, took time.Duration) Event {
	ev := NewEvent(EventWorkflowCompleted, runID, fmt.Sprintf("Workflow %s completed", definitionID),
		RunData{DefinitionID: definitionID, Duration: took.Round(time.Millisecond).String()})
	ev.Key = "workflow:completed"
	return ev
}

// WorkflowFailed is emitted when the run fails.
func WorkflowFailed(runID, definitionID string, err error) Event {
	ev := NewEvent(EventWorkflowFailed, runID, fmt.Sprintf("Workflow %s failed", definitionID),
		RunData{DefinitionID: definitionID, Error: errString(err)})
	ev.Body = errString(err)
	ev.Key = "workflow:failed"
	return ev
}

// PhaseStarted is emitted when a phase is entered.
func PhaseStarted(runID, phase string) Event {
	return phaseEvent(EventPhaseStarted, runID, phase, "started", nil)
}

// PhaseCompleted is emitted when a phase body returns without error.
func PhaseCompleted(runID, phase string) Event {
	return phaseEvent(EventPhaseCompleted, runID, phase, "completed", nil)
}

// PhaseFailed is emitted when a phase body returns an error.
func PhaseFailed(runID, phase string, err error) Event {
	return phaseEvent(EventPhaseFailed, runID, phase, "failed", err)
}

func phaseEvent(t EventType, runID, phase, verb string, err error) Event {
	ev := NewEvent(t, runID, fmt.Sprintf("Phase %s %s", phase, verb),
		PhaseData{Phase: phase, Error: errString(err)})
	ev.Phase = phase
	ev.Body = errString(err)
	ev.Key = "phase:" + phase + ":" + verb
	return ev
}

// StepFailed is emitted once per failed step row.
func StepFailed(runID, phase string, stepRowID int64, step, typ string, err error) Event {
	ev := NewEvent(EventStepFailed, runID, fmt.Sprintf("Step %s failed", step),
		StepData{Step: step, Type: typ, Error: errString(err)})
	ev.Phase = phase
	ev.Body = errString(err)
	ev.Key = fmt.Sprintf("step:%d:failed", stepRowID)
	return ev
}

// CommandExecuted is emitted after a CLI step's process exits.
func CommandExecuted(runID, phase string, data CommandData) Event {
	ev := NewEvent(EventCommandExecuted, runID,
		fmt.Sprintf("Command %s exited %d", data.Command, data.ExitCode), data)
	ev.Phase = phase
	ev.Key = "command:" + data.Step
	return ev
}

// AnnotationAdded is emitted by an annotation step.
func AnnotationAdded(runID, phase, title, body string, data AnnotationData) Event {
	ev := NewEvent(EventAnnotationAdded, runID, title, data)
	ev.Phase = phase
	ev.Body = body
	ev.Key = "annotation:" + data.Step
	return ev
}

// DefinitionsReloaded is broadcast on the global channel after a reload.
func DefinitionsReloaded(data ReloadData) Event {
	return NewEvent(EventDefinitionsReloaded, GlobalRunID, "Workflow definitions reloaded", data)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
