package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/caic-xyz/agentling/internal/events"
)

// Parser turns a line-oriented stream-json byte stream into events.Event
// records, reassembling fragmented tool_use input across a run of
// content_block_delta frames. One Parser is scoped to a single run: the
// fragment buffers it holds are run-local state, mirroring the teacher's
// per-task toolTimingTracker (eventconv.go) which is likewise instantiated
// fresh per task rather than shared.
type Parser struct {
	sessionID string
	runID     string

	// pending accumulates partial_json fragments for tool_use content
	// blocks still being streamed, keyed by content block index.
	pending map[int]*pendingToolUse
}

type pendingToolUse struct {
	id   string
	name string
	buf  []byte
}

// NewParser constructs a Parser for a single run.
func NewParser(sessionID, runID string) *Parser {
	return &Parser{
		sessionID: sessionID,
		runID:     runID,
		pending:   make(map[int]*pendingToolUse),
	}
}

// ReadLines reads newline-delimited stream-json from r and calls emit for
// every events.Event produced. A non-JSON line is logged and emitted as an
// assistant text event carrying the raw line; an envelope that fails to
// decode is logged and skipped. A single bad line never aborts the whole
// stream.
func (p *Parser) ReadLines(r io.Reader, emit func(*events.Event)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			slog.Warn("non-JSON stream-json line, emitting as raw assistant text", "line", lineNo, "error", err)
			evt := events.New(events.StreamAssistant, p.sessionID, p.runID)
			evt.Role = "assistant"
			evt.ContentType = "text"
			evt.Content = string(line)
			emit(evt)
			continue
		}
		evts, err := p.Handle(&env)
		if err != nil {
			slog.Warn("failed to handle stream-json envelope", "line", lineNo, "type", env.Type, "error", err)
			continue
		}
		for _, e := range evts {
			emit(e)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stream-json: %w", err)
	}
	return nil
}

// Handle decodes one envelope into zero or more events.Event records. A
// single stream_event (content_block_start for a tool_use) produces no
// event until its matching content_block_stop finalizes the buffered input;
// an AssistantEnvelope with an already-complete tool_use block produces one
// event immediately.
func (p *Parser) Handle(env *Envelope) ([]*events.Event, error) {
	switch env.Type {
	case TypeSystem:
		sys, err := env.AsSystem()
		if err != nil {
			return nil, err
		}
		return []*events.Event{p.systemEvent(sys)}, nil

	case TypeAssistant:
		a, err := env.AsAssistant()
		if err != nil {
			return nil, err
		}
		return p.assistantEvents(a), nil

	case TypeUser:
		u, err := env.AsUser()
		if err != nil {
			return nil, err
		}
		return p.userEvents(u), nil

	case TypeResult:
		res, err := env.AsResult()
		if err != nil {
			return nil, err
		}
		return []*events.Event{p.resultEvent(res)}, nil

	case TypeError:
		e, err := env.AsErrorEnvelope()
		if err != nil {
			return nil, err
		}
		evt := events.New(events.StreamError, p.sessionID, p.runID)
		evt.IsError = true
		evt.Content = e.Message
		return []*events.Event{evt}, nil

	case TypeStreamEvent:
		se, err := env.AsStreamEvent()
		if err != nil {
			return nil, err
		}
		return p.handleInner(&se.Event), nil

	default:
		slog.Warn("unknown stream-json envelope type", "type", env.Type)
		return nil, nil
	}
}

func (p *Parser) systemEvent(sys *SystemEnvelope) *events.Event {
	evt := events.New(events.StreamSystem, p.sessionID, p.runID)
	evt.Payload["subtype"] = sys.Subtype
	if sys.Subtype == "init" {
		evt.Type = events.StreamInit
		evt.Payload["model"] = sys.Model
		evt.Payload["tools"] = sys.Tools
		evt.Payload["cwd"] = sys.Cwd
	}
	return evt
}

func (p *Parser) assistantEvents(a *AssistantEnvelope) []*events.Event {
	var out []*events.Event
	for _, block := range a.Message.Content {
		switch block.Type {
		case "text":
			evt := events.New(events.StreamAssistant, p.sessionID, p.runID)
			evt.Role = "assistant"
			evt.ContentType = "text"
			evt.Content = block.Text
			out = append(out, evt)

		case "tool_use":
			evt := events.New(events.StreamToolUse, p.sessionID, p.runID)
			evt.ToolID = block.ID
			evt.ToolName = block.Name
			evt.ToolInput = decodeToolInput(block.Input)
			out = append(out, evt)
		}
	}
	return out
}

func (p *Parser) userEvents(u *UserEnvelope) []*events.Event {
	var out []*events.Event
	for _, block := range u.Message.Content {
		if block.Type != "tool_result" {
			continue
		}
		evt := events.New(events.StreamToolResult, p.sessionID, p.runID)
		evt.ToolID = block.ToolUseID
		evt.ToolOutput = block.Content
		evt.IsError = block.IsError
		if u.ParentToolUseID != nil {
			evt.ToolID = *u.ParentToolUseID
		}
		out = append(out, evt)
	}
	return out
}

func (p *Parser) resultEvent(res *ResultEnvelope) *events.Event {
	evt := events.New(events.StreamResult, p.sessionID, p.runID)
	evt.IsError = res.IsError
	evt.Content = res.Result
	evt.Payload["total_cost_usd"] = res.TotalCostUSD
	evt.Payload["duration_ms"] = res.DurationMs
	evt.Payload["duration_api_ms"] = res.DurationAPIMs
	evt.Payload["num_turns"] = res.NumTurns
	evt.Payload["usage"] = res.Usage
	return evt
}

// handleInner processes one frame of the nested stream_event wrapper,
// accumulating tool_use input fragments and finalizing them on
// content_block_stop.
func (p *Parser) handleInner(in *InnerEvent) []*events.Event {
	switch in.Type {
	case EventContentBlockStart:
		if in.ContentBlock != nil && in.ContentBlock.Type == "tool_use" {
			p.pending[in.Index] = &pendingToolUse{
				id:   in.ContentBlock.ID,
				name: in.ContentBlock.Name,
			}
		}
		return nil

	case EventContentBlockDelta:
		if in.Delta == nil {
			return nil
		}
		switch in.Delta.Type {
		case DeltaText:
			evt := events.New(events.StreamAssistant, p.sessionID, p.runID)
			evt.Role = "assistant"
			evt.ContentType = "text_delta"
			evt.Content = in.Delta.Text
			return []*events.Event{evt}
		case DeltaInputJSON:
			if pend, ok := p.pending[in.Index]; ok {
				pend.buf = append(pend.buf, []byte(in.Delta.PartialJSON)...)
			}
		}
		return nil

	case EventContentBlockStop:
		pend, ok := p.pending[in.Index]
		if !ok {
			return nil
		}
		delete(p.pending, in.Index)
		evt := events.New(events.StreamToolUse, p.sessionID, p.runID)
		evt.ToolID = pend.id
		evt.ToolName = pend.name
		evt.ToolInput = decodeToolInput(pend.buf)
		return []*events.Event{evt}

	case EventMessageDelta:
		if in.Usage == nil {
			return nil
		}
		evt := events.New(events.StreamResult, p.sessionID, p.runID)
		evt.Payload["usage"] = *in.Usage
		if in.Delta != nil {
			evt.Payload["stop_reason"] = in.Delta.StopReason
		}
		return []*events.Event{evt}

	case EventMessageStop:
		return []*events.Event{events.New(events.StreamResult, p.sessionID, p.runID)}

	case EventError:
		evt := events.New(events.StreamError, p.sessionID, p.runID)
		evt.IsError = true
		if in.Message != nil {
			evt.Content = in.Message.Message
		}
		return []*events.Event{evt}

	default:
		return nil
	}
}

// decodeToolInput parses a tool_use input buffer as a JSON object. A parse
// failure (possible with a truncated or malformed stream) falls back to
// wrapping the raw bytes rather than dropping the tool call entirely.
func decodeToolInput(raw []byte) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{"raw": string(raw)}
	}
	return m
}
