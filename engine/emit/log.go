package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// LogEmitter writes events as structured log lines to an io.Writer.
//
// Two output modes:
//   - text (default): human-readable "[msg] run_id=... step_id=..." lines
//   - json: one JSON object per line (JSONL), for log shippers
type LogEmitter struct {
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter builds a LogEmitter writing to writer. A nil writer
// defaults to os.Stdout.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

func (l *LogEmitter) Emit(event Event) {
	if l.jsonMode {
		l.emitJSON(event)
		return
	}
	l.emitText(event)
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		RunID   string                 `json:"run_id"`
		StepID  string                 `json:"step_id,omitempty"`
		Attempt int                    `json:"attempt,omitempty"`
		Msg     string                 `json:"msg"`
		Meta    map[string]interface{} `json:"meta,omitempty"`
	}{
		RunID:   event.RunID,
		StepID:  event.StepID,
		Attempt: event.Attempt,
		Msg:     event.Msg,
		Meta:    event.Meta,
	})
	if err != nil {
		_, _ = fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	_, _ = fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	_, _ = fmt.Fprintf(l.writer, "[%s] run_id=%s step_id=%s attempt=%d",
		event.Msg, event.RunID, event.StepID, event.Attempt)
	if len(event.Meta) > 0 {
		if metaJSON, err := json.Marshal(event.Meta); err == nil {
			_, _ = fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			_, _ = fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}
	_, _ = fmt.Fprint(l.writer, "\n")
}

// EmitBatch writes each event in order. Errors are never returned; write
// failures to the configured writer are not something a step runner can
// act on, so they are simply not surfaced to the hot path.
func (l *LogEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, event := range events {
		l.Emit(event)
	}
	return nil
}

// Flush is a no-op: LogEmitter writes synchronously with no internal
// buffer. Wrap writer in a bufio.Writer and flush that directly if buffered
// writes are desired.
func (l *LogEmitter) Flush(_ context.Context) error { return nil }

var _ Emitter = (*LogEmitter)(nil)
