package stream

import (
	"encoding/json"
	"fmt"
)

// Inner stream_event types, carried by StreamEventEnvelope.Event.Type.
const (
	EventMessageStart      = "message_start"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventError             = "error"
)

// Delta types within a content_block_delta event.
const (
	DeltaText       = "text_delta"
	DeltaInputJSON  = "input_json_delta"
	DeltaThinking   = "thinking_delta"
)

// StreamEventEnvelope wraps a single incremental streaming event
// (content_block_delta and friends), used when the child CLI streams an
// assistant turn token-by-token instead of emitting one complete
// AssistantEnvelope.
type StreamEventEnvelope struct {
	Type  string        `json:"type"`
	Event InnerEvent    `json:"event"`

	Overflow
}

var streamEventKnown = makeSet("type", "event")

// UnmarshalJSON implements json.Unmarshaler.
func (s *StreamEventEnvelope) UnmarshalJSON(data []byte) error {
	type alias StreamEventEnvelope
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("StreamEventEnvelope: %w", err)
	}
	if err := json.Unmarshal(data, (*alias)(s)); err != nil {
		return fmt.Errorf("StreamEventEnvelope: %w", err)
	}
	s.Extra = collectUnknown(raw, streamEventKnown)
	warnUnknown("StreamEventEnvelope", s.Extra)
	return nil
}

// InnerEvent is one frame of the nested stream_event wrapper.
type InnerEvent struct {
	Type         string         `json:"type"`
	Index        int            `json:"index,omitempty"`
	ContentBlock *ContentBlock  `json:"content_block,omitempty"`
	Delta        *InnerDelta    `json:"delta,omitempty"`
	Usage        *Usage         `json:"usage,omitempty"` // populated on type == "message_delta"
	Message      *ErrorEnvelope `json:"message,omitempty"` // populated on type == "error"

	Overflow
}

var innerEventKnown = makeSet("type", "index", "content_block", "delta", "usage", "message")

// UnmarshalJSON implements json.Unmarshaler.
func (e *InnerEvent) UnmarshalJSON(data []byte) error {
	type alias InnerEvent
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("InnerEvent: %w", err)
	}
	if err := json.Unmarshal(data, (*alias)(e)); err != nil {
		return fmt.Errorf("InnerEvent: %w", err)
	}
	e.Extra = collectUnknown(raw, innerEventKnown)
	warnUnknown("InnerEvent", e.Extra)
	return nil
}

// InnerDelta is the incremental payload of a content_block_delta or
// message_delta event. For content_block_delta exactly one of Text or
// PartialJSON is populated, per Type; for message_delta, StopReason is
// populated instead.
type InnerDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`

	Overflow
}

var innerDeltaKnown = makeSet("type", "text", "partial_json", "stop_reason")

// UnmarshalJSON implements json.Unmarshaler.
func (d *InnerDelta) UnmarshalJSON(data []byte) error {
	type alias InnerDelta
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("InnerDelta: %w", err)
	}
	if err := json.Unmarshal(data, (*alias)(d)); err != nil {
		return fmt.Errorf("InnerDelta: %w", err)
	}
	d.Extra = collectUnknown(raw, innerDeltaKnown)
	warnUnknown("InnerDelta", d.Extra)
	return nil
}
