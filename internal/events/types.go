// Package events defines the event-sourcing record types and the pub/sub
// bus that persists and fans them out.
package events

import (
	"encoding/json"
	"time"

	"github.com/maruel/ksid"
)

// Type is the wire-visible, stable event type string.
type Type string

// Event type taxonomy (spec.md §6).
const (
	SessionCreated   Type = "session.created"
	SessionStarted   Type = "session.started"
	SessionPaused    Type = "session.paused"
	SessionResumed   Type = "session.resumed"
	SessionCompleted Type = "session.completed"
	SessionFailed    Type = "session.failed"

	RunCreated   Type = "run.created"
	RunStarted   Type = "run.started"
	RunPaused    Type = "run.paused"
	RunResumed   Type = "run.resumed"
	RunCompleted Type = "run.completed"
	RunFailed    Type = "run.failed"
	RunBranched  Type = "run.branched"

	StreamInit      Type = "stream.init"
	StreamSystem    Type = "stream.system"
	StreamAssistant Type = "stream.assistant"
	StreamUser      Type = "stream.user"
	StreamToolUse   Type = "stream.tool_use"
	StreamToolResult Type = "stream.tool_result"
	StreamResult    Type = "stream.result"
	StreamError     Type = "stream.error"

	InterventionPause      Type = "intervention.pause"
	InterventionResume     Type = "intervention.resume"
	InterventionPromptEdit Type = "intervention.prompt_edit"
	InterventionRetry      Type = "intervention.retry"
	InterventionBranch     Type = "intervention.branch"
	InterventionInject     Type = "intervention.inject"
	InterventionAbort      Type = "intervention.abort"

	GitSnapshot   Type = "git.snapshot"
	GitDiff       Type = "git.diff"
	GitFileChange Type = "git.file_change"

	MetricsTokens   Type = "metrics.tokens"
	MetricsCost     Type = "metrics.cost"
	MetricsDuration Type = "metrics.duration"
)

// Event is the canonical, immutable unit of history (spec.md §3 "Event").
//
// Stream-subtype fields (Role, Content, ...) are denormalized onto the base
// struct rather than modeled as a type hierarchy: persistence and the wire
// format both want one flat record per event, and Go has no cheap tagged
// union, so a single struct with a Type discriminant and optional fields
// mirrors how the teacher's eventconv.go builds one wire DTO with many
// optional fields instead of many DTO types.
type Event struct {
	ID            string          `json:"id"`
	Type          Type            `json:"type"`
	SessionID     string          `json:"session_id"`
	RunID         string          `json:"run_id"`
	Sequence      int             `json:"sequence"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       map[string]any  `json:"payload,omitempty"`
	ParentEventID string          `json:"parent_event_id,omitempty"`

	// Stream-subtype denormalized fields.
	Role        string         `json:"role,omitempty"`
	Content     string         `json:"content,omitempty"`
	ContentType string         `json:"content_type,omitempty"`
	ToolName    string         `json:"tool_name,omitempty"`
	ToolID      string         `json:"tool_id,omitempty"`
	ToolInput   map[string]any `json:"tool_input,omitempty"`
	ToolOutput  string         `json:"tool_output,omitempty"`
	IsError     bool           `json:"is_error,omitempty"`
}

// New creates an Event with a fresh sortable id and the current timestamp.
// Sequence is left at zero; the Bus assigns it on Publish.
func New(typ Type, sessionID, runID string) *Event {
	return &Event{
		ID:        ksid.New().String(),
		Type:      typ,
		SessionID: sessionID,
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Payload:   map[string]any{},
	}
}

// MarshalPayload returns the event's payload (merged with the denormalized
// stream fields) as JSON, for persistence.
func (e *Event) MarshalPayload() ([]byte, error) {
	full := map[string]any{}
	for k, v := range e.Payload {
		full[k] = v
	}
	if e.Content != "" {
		full["content"] = e.Content
	}
	if e.ContentType != "" {
		full["content_type"] = e.ContentType
	}
	if e.Role != "" {
		full["role"] = e.Role
	}
	if e.ToolName != "" {
		full["tool_name"] = e.ToolName
	}
	if e.ToolID != "" {
		full["tool_id"] = e.ToolID
	}
	if e.ToolInput != nil {
		full["tool_input"] = e.ToolInput
	}
	if e.ToolOutput != "" {
		full["tool_output"] = e.ToolOutput
	}
	if e.IsError {
		full["is_error"] = e.IsError
	}
	return json.Marshal(full)
}
