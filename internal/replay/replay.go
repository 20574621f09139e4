// Package replay exports a run's persisted event log as a timed
// or instant playback, and as a compressed bundle for archival/transfer.
//
// Grounded on original_source/agentling/commands/replay.py's
// execute_replay: same event-to-icon pretty-printing, same timing-
// simulation/speed-multiplier/2-second cap, same NDJSON --json mode.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/caic-xyz/agentling/internal/events"
	"github.com/caic-xyz/agentling/internal/store"
	"github.com/klauspost/compress/zstd"
)

// Codec names a compression scheme for WriteCompressed, matching the
// encoding names compress.go negotiates over Accept-Encoding.
type Codec string

const (
	CodecZstd   Codec = "zstd"
	CodecBrotli Codec = "br"
)

// maxInterEventDelay caps simulated timing between two events, so a run
// with a long idle gap doesn't stall playback for real-world minutes.
const maxInterEventDelay = 2 * time.Second

// Options controls how Replay paces and filters event output.
type Options struct {
	// Speed is the playback speed multiplier; 1.0 is real-time. Values
	// <= 0 behave like NoTiming (no delay between events).
	Speed float64
	// FromSequence skips every event before this sequence number.
	FromSequence int
	// NoTiming disables the timing simulation entirely (instant replay).
	NoTiming bool
}

// Bundle is a run's exported event log plus the identifying context a
// reader needs to make sense of it without a live database connection.
type Bundle struct {
	RunID       string
	SessionName string
	Prompt      string
	Status      string
	Events      []*events.Event
}

// ExportRun loads every event for runID from sequence order, returning a
// self-contained Bundle. Mirrors replay.py's run/session lookup plus
// EventBus.replay.
func ExportRun(ctx context.Context, st *store.Store, runID string) (*Bundle, error) {
	run, err := st.Runs.Get(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	if run == nil {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	sessionName := "Unknown"
	if sess, err := st.Sessions.Get(ctx, run.SessionID); err == nil && sess != nil {
		sessionName = sess.Name
	}
	evts, err := st.Events.EventsForRun(ctx, runID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	return &Bundle{
		RunID:       run.ID,
		SessionName: sessionName,
		Prompt:      run.Prompt,
		Status:      run.Status,
		Events:      evts,
	}, nil
}

// WriteNDJSON writes bundle's events as newline-delimited JSON, one event
// object per line, matching replay.py's --json mode.
func WriteNDJSON(w io.Writer, bundle *Bundle) error {
	enc := json.NewEncoder(w)
	for _, evt := range bundle.Events {
		if err := enc.Encode(evt); err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
	}
	return nil
}

// WriteCompressed zstd-compresses bundle's NDJSON form at the fastest
// encoder level, matching compress.go's zstd.WithEncoderLevel(SpeedFastest)
// choice for response compression.
func WriteCompressed(w io.Writer, bundle *Bundle) error {
	return WriteCompressedCodec(w, bundle, CodecZstd)
}

// WriteCompressedCodec compresses bundle's NDJSON form with the requested
// codec. zstd and brotli are the two compress.go negotiated for response
// bodies; both are tuned for speed over ratio here, since a replay export
// is a one-shot dump, not a cached asset.
func WriteCompressedCodec(w io.Writer, bundle *Bundle, codec Codec) error {
	switch codec {
	case CodecBrotli:
		enc := brotli.NewWriterLevel(w, brotli.BestSpeed)
		if err := WriteNDJSON(enc, bundle); err != nil {
			enc.Close()
			return err
		}
		return enc.Close()
	case CodecZstd, "":
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return fmt.Errorf("create zstd writer: %w", err)
		}
		if err := WriteNDJSON(enc, bundle); err != nil {
			enc.Close()
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown compression codec %q", codec)
	}
}

// Play writes bundle's events to w as human-readable lines, pacing output
// to simulate the original run's timing (bounded by maxInterEventDelay and
// opts.Speed) unless opts.NoTiming is set. sleep is injected so tests don't
// have to wait on a real clock; production callers pass time.Sleep.
func Play(ctx context.Context, w io.Writer, bundle *Bundle, opts Options, sleep func(time.Duration)) (int, error) {
	bw := bufio.NewWriter(w)
	defer bw.Flush()

	fmt.Fprintln(bw, strings.Repeat("=", 60))
	fmt.Fprintf(bw, "  Replaying Run: %s\n", bundle.RunID)
	fmt.Fprintf(bw, "  Session: %s\n", bundle.SessionName)
	fmt.Fprintf(bw, "  Prompt: %s\n", truncate(bundle.Prompt, 50))
	fmt.Fprintf(bw, "  Status: %s\n", bundle.Status)
	fmt.Fprintf(bw, "  Speed: %gx\n", opts.Speed)
	fmt.Fprintln(bw, strings.Repeat("=", 60))
	fmt.Fprintln(bw)

	var lastTimestamp time.Time
	count := 0
	for _, evt := range bundle.Events {
		if evt.Sequence < opts.FromSequence {
			continue
		}
		if err := ctx.Err(); err != nil {
			bw.Flush()
			return count, err
		}

		if !opts.NoTiming && !lastTimestamp.IsZero() && opts.Speed > 0 {
			delay := evt.Timestamp.Sub(lastTimestamp)
			delay = time.Duration(float64(delay) / opts.Speed)
			if delay > maxInterEventDelay {
				delay = maxInterEventDelay
			}
			if delay > 0 && sleep != nil {
				bw.Flush()
				sleep(delay)
			}
		}
		lastTimestamp = evt.Timestamp
		count++

		fmt.Fprintln(bw, formatLine(evt))
	}

	fmt.Fprintln(bw)
	fmt.Fprintln(bw, strings.Repeat("=", 60))
	fmt.Fprintf(bw, "  Replay complete: %d events\n", count)
	fmt.Fprintln(bw, strings.Repeat("=", 60))
	return count, nil
}

// formatLine renders one event the way replay.py's pretty-printer does,
// picking an icon per event type and truncating long payload fields.
func formatLine(evt *events.Event) string {
	ts := evt.Timestamp.Format("15:04:05.000")
	switch evt.Type {
	case events.StreamAssistant:
		content := truncate(evt.Content, 80)
		if content == "" {
			return fmt.Sprintf("[%s]", ts)
		}
		return fmt.Sprintf("[%s] %s", ts, content)
	case events.StreamToolUse:
		return fmt.Sprintf("[%s] tool: %s", ts, firstNonEmpty(evt.ToolName, "unknown"))
	case events.StreamToolResult:
		icon := "ok"
		if evt.IsError {
			icon = "error"
		}
		return fmt.Sprintf("[%s] %s result: %s", ts, icon, truncate(evt.ToolOutput, 60))
	case events.GitSnapshot:
		dirty, _ := evt.Payload["dirty_files"].([]any)
		return fmt.Sprintf("[%s] git: %d files changed", ts, len(dirty))
	case events.RunStarted:
		return fmt.Sprintf("[%s] run started", ts)
	case events.RunCompleted:
		return fmt.Sprintf("[%s] run completed", ts)
	case events.RunFailed:
		return fmt.Sprintf("[%s] run failed", ts)
	case events.RunPaused, events.RunResumed:
		return fmt.Sprintf("[%s] %s", ts, evt.Type)
	default:
		if strings.HasPrefix(string(evt.Type), "intervention.") {
			return fmt.Sprintf("[%s] %s", ts, evt.Type)
		}
		return fmt.Sprintf("[%s] %s", ts, evt.Type)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
