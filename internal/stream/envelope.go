package stream

import (
	"encoding/json"
	"fmt"
)

// Outer envelope types (spec.md §4.A, §6).
const (
	TypeAssistant   = "assistant"
	TypeUser        = "user"
	TypeSystem      = "system"
	TypeResult      = "result"
	TypeError       = "error"
	TypeStreamEvent = "stream_event"
)

// Envelope is a single line of the child CLI's stream-json output.
// Use the As* accessors to get the concrete type after
// checking Type.
type Envelope struct {
	Type string `json:"type"`

	raw json.RawMessage
}

// UnmarshalJSON implements json.Unmarshaler. Only the discriminator is
// decoded eagerly; the full payload is decoded lazily by the As* accessors,
// mirroring the teacher's Record.UnmarshalJSON probe-then-defer pattern.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("Envelope: %w", err)
	}
	e.Type = probe.Type
	e.raw = append(e.raw[:0], data...)
	return nil
}

// Raw returns the original JSON bytes for this envelope.
func (e *Envelope) Raw() json.RawMessage { return e.raw }

// AsAssistant decodes the envelope as an AssistantEnvelope.
func (e *Envelope) AsAssistant() (*AssistantEnvelope, error) {
	var v AssistantEnvelope
	if err := json.Unmarshal(e.raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// AsUser decodes the envelope as a UserEnvelope.
func (e *Envelope) AsUser() (*UserEnvelope, error) {
	var v UserEnvelope
	if err := json.Unmarshal(e.raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// AsSystem decodes the envelope as a SystemEnvelope.
func (e *Envelope) AsSystem() (*SystemEnvelope, error) {
	var v SystemEnvelope
	if err := json.Unmarshal(e.raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// AsResult decodes the envelope as a ResultEnvelope.
func (e *Envelope) AsResult() (*ResultEnvelope, error) {
	var v ResultEnvelope
	if err := json.Unmarshal(e.raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// AsErrorEnvelope decodes the envelope as an ErrorEnvelope.
func (e *Envelope) AsErrorEnvelope() (*ErrorEnvelope, error) {
	var v ErrorEnvelope
	if err := json.Unmarshal(e.raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// AsStreamEvent decodes the envelope as a StreamEventEnvelope.
func (e *Envelope) AsStreamEvent() (*StreamEventEnvelope, error) {
	var v StreamEventEnvelope
	if err := json.Unmarshal(e.raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// ContentBlock is one block of an assistant message's content array: text,
// a tool_use request, or a tool_result.
type ContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result fields, present when Type == "tool_result".
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	Overflow
}

var contentBlockKnown = makeSet("type", "text", "id", "name", "input", "tool_use_id", "content", "is_error")

// UnmarshalJSON implements json.Unmarshaler.
func (c *ContentBlock) UnmarshalJSON(data []byte) error {
	type alias ContentBlock
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("ContentBlock: %w", err)
	}
	if err := json.Unmarshal(data, (*alias)(c)); err != nil {
		return fmt.Errorf("ContentBlock: %w", err)
	}
	c.Extra = collectUnknown(raw, contentBlockKnown)
	warnUnknown("ContentBlock", c.Extra)
	return nil
}

// APIMessage is the nested Anthropic-API-shaped message carried by
// AssistantEnvelope and UserEnvelope.
type APIMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`

	Overflow
}

var apiMessageKnown = makeSet("role", "content")

// UnmarshalJSON implements json.Unmarshaler.
func (m *APIMessage) UnmarshalJSON(data []byte) error {
	type alias APIMessage
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("APIMessage: %w", err)
	}
	if err := json.Unmarshal(data, (*alias)(m)); err != nil {
		return fmt.Errorf("APIMessage: %w", err)
	}
	m.Extra = collectUnknown(raw, apiMessageKnown)
	warnUnknown("APIMessage", m.Extra)
	return nil
}

// AssistantEnvelope carries one assistant turn (text and/or tool_use blocks).
type AssistantEnvelope struct {
	Type      string     `json:"type"`
	SessionID string     `json:"session_id,omitempty"`
	Message   APIMessage `json:"message"`

	Overflow
}

var assistantKnown = makeSet("type", "session_id", "message")

// UnmarshalJSON implements json.Unmarshaler.
func (a *AssistantEnvelope) UnmarshalJSON(data []byte) error {
	type alias AssistantEnvelope
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("AssistantEnvelope: %w", err)
	}
	if err := json.Unmarshal(data, (*alias)(a)); err != nil {
		return fmt.Errorf("AssistantEnvelope: %w", err)
	}
	a.Extra = collectUnknown(raw, assistantKnown)
	warnUnknown("AssistantEnvelope", a.Extra)
	return nil
}

// UserEnvelope carries a tool_result (or, rarely, direct user text) fed back
// into the conversation.
type UserEnvelope struct {
	Type            string     `json:"type"`
	SessionID       string     `json:"session_id,omitempty"`
	Message         APIMessage `json:"message"`
	ParentToolUseID *string    `json:"parent_tool_use_id,omitempty"`

	Overflow
}

var userKnown = makeSet("type", "session_id", "message", "parent_tool_use_id")

// UnmarshalJSON implements json.Unmarshaler.
func (u *UserEnvelope) UnmarshalJSON(data []byte) error {
	type alias UserEnvelope
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("UserEnvelope: %w", err)
	}
	if err := json.Unmarshal(data, (*alias)(u)); err != nil {
		return fmt.Errorf("UserEnvelope: %w", err)
	}
	u.Extra = collectUnknown(raw, userKnown)
	warnUnknown("UserEnvelope", u.Extra)
	return nil
}

// SystemEnvelope is an out-of-band system notice. Subtype "init" carries
// session setup info (model, tools, cwd); other subtypes are status notes.
type SystemEnvelope struct {
	Type      string   `json:"type"`
	Subtype   string   `json:"subtype,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	Model     string   `json:"model,omitempty"`
	Tools     []string `json:"tools,omitempty"`
	Cwd       string   `json:"cwd,omitempty"`

	Overflow
}

var systemKnown = makeSet("type", "subtype", "session_id", "model", "tools", "cwd")

// UnmarshalJSON implements json.Unmarshaler.
func (s *SystemEnvelope) UnmarshalJSON(data []byte) error {
	type alias SystemEnvelope
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("SystemEnvelope: %w", err)
	}
	if err := json.Unmarshal(data, (*alias)(s)); err != nil {
		return fmt.Errorf("SystemEnvelope: %w", err)
	}
	s.Extra = collectUnknown(raw, systemKnown)
	warnUnknown("SystemEnvelope", s.Extra)
	return nil
}

// ResultEnvelope is the terminal envelope for a turn: final text, cost,
// duration, and usage.
type ResultEnvelope struct {
	Type          string  `json:"type"`
	Subtype       string  `json:"subtype,omitempty"`
	IsError       bool    `json:"is_error,omitempty"`
	Result        string  `json:"result,omitempty"`
	TotalCostUSD  float64 `json:"total_cost_usd,omitempty"`
	DurationMs    int64   `json:"duration_ms,omitempty"`
	DurationAPIMs int64   `json:"duration_api_ms,omitempty"`
	NumTurns      int     `json:"num_turns,omitempty"`
	Usage         Usage   `json:"usage"`

	Overflow
}

var resultKnown = makeSet("type", "subtype", "is_error", "result", "total_cost_usd",
	"duration_ms", "duration_api_ms", "num_turns", "usage")

// UnmarshalJSON implements json.Unmarshaler.
func (r *ResultEnvelope) UnmarshalJSON(data []byte) error {
	type alias ResultEnvelope
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("ResultEnvelope: %w", err)
	}
	if err := json.Unmarshal(data, (*alias)(r)); err != nil {
		return fmt.Errorf("ResultEnvelope: %w", err)
	}
	r.Extra = collectUnknown(raw, resultKnown)
	warnUnknown("ResultEnvelope", r.Extra)
	return nil
}

// Usage carries token accounting for a turn.
type Usage struct {
	InputTokens              int `json:"input_tokens,omitempty"`
	OutputTokens             int `json:"output_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// ErrorEnvelope reports a fatal, turn-ending error from the child process.
type ErrorEnvelope struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`

	Overflow
}

var errorEnvelopeKnown = makeSet("type", "message")

// UnmarshalJSON implements json.Unmarshaler.
func (e *ErrorEnvelope) UnmarshalJSON(data []byte) error {
	type alias ErrorEnvelope
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("ErrorEnvelope: %w", err)
	}
	if err := json.Unmarshal(data, (*alias)(e)); err != nil {
		return fmt.Errorf("ErrorEnvelope: %w", err)
	}
	e.Extra = collectUnknown(raw, errorEnvelopeKnown)
	warnUnknown("ErrorEnvelope", e.Extra)
	return nil
}
