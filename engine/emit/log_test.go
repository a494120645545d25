package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogEmitterTextMode(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, false)

	e.Emit(Event{RunID: "run-1", StepID: "fetch", Attempt: 1, Msg: "step_retry", Meta: map[string]interface{}{"error_code": "TIMEOUT"}})

	out := buf.String()
	if !strings.Contains(out, "[step_retry]") {
		t.Fatalf("expected msg tag in output, got %q", out)
	}
	if !strings.Contains(out, "run_id=run-1") {
		t.Fatalf("expected run_id in output, got %q", out)
	}
	if !strings.Contains(out, `meta={"error_code":"TIMEOUT"}`) {
		t.Fatalf("expected meta JSON in output, got %q", out)
	}
}

func TestLogEmitterJSONMode(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, true)

	e.Emit(Event{RunID: "run-1", StepID: "fetch", Msg: "step_ok"})

	var decoded map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("expected valid JSON line, got error: %v, content: %q", err, buf.String())
	}
	if decoded["run_id"] != "run-1" || decoded["msg"] != "step_ok" {
		t.Fatalf("unexpected decoded event: %+v", decoded)
	}
}

func TestLogEmitterEmitBatchPreservesOrder(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, true)

	events := []Event{
		{RunID: "r", StepID: "a", Msg: "step_started"},
		{RunID: "r", StepID: "a", Msg: "step_ok"},
	}
	if err := e.EmitBatch(context.Background(), events); err != nil {
		t.Fatalf("EmitBatch: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "step_started") || !strings.Contains(lines[1], "step_ok") {
		t.Fatalf("expected order preserved, got %v", lines)
	}
}

func TestNullEmitterDiscards(t *testing.T) {
	e := NullEmitter{}
	e.Emit(Event{Msg: "anything"})
	if err := e.EmitBatch(context.Background(), []Event{{Msg: "x"}}); err != nil {
		t.Fatalf("EmitBatch: %v", err)
	}
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestMultiEmitterFansOut(t *testing.T) {
	var a, b bytes.Buffer
	m := NewMultiEmitter(NewLogEmitter(&a, false), NewLogEmitter(&b, false))

	m.Emit(Event{RunID: "r", Msg: "step_ok"})

	if a.Len() == 0 || b.Len() == 0 {
		t.Fatal("expected both emitters to receive the event")
	}
}
