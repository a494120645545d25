package engine

import (
	"context"
	"testing"
	"time"

	"github.com/duskrun/duskrun/engine/fingerprint"
)

// scriptedStep returns a scripted sequence of results/behaviors, one per
// call to Run, repeating the last entry if Run is called more times than
// the script has entries.
type scriptedStep struct {
	id         string
	timeoutMs  int64
	maxRetries int
	script     []scriptedAttempt
	calls      int
}

type scriptedAttempt struct {
	result StepRunnerResult
	sleep  time.Duration
	panics bool
}

func (s *scriptedStep) ID() string            { return s.id }
func (s *scriptedStep) Name() string          { return s.id }
func (s *scriptedStep) Deps() []string        { return nil }
func (s *scriptedStep) TimeoutMs() int64      { return s.timeoutMs }
func (s *scriptedStep) MaxRetries() int       { return s.maxRetries }
func (s *scriptedStep) Model() string         { return "test-model" }
func (s *scriptedStep) PromptVersion() string { return "v1" }
func (s *scriptedStep) SchemaVersion() string { return "v1" }
func (s *scriptedStep) GetInputs(_ *ExecContext) fingerprint.Inputs {
	return fingerprint.Inputs{Params: map[string]interface{}{"call": s.calls}}
}

func (s *scriptedStep) Run(ctx context.Context, _ *ExecContext) StepRunnerResult {
	attempt := s.calls
	if attempt >= len(s.script) {
		attempt = len(s.script) - 1
	}
	s.calls++
	a := s.script[attempt]
	if a.sleep > 0 {
		select {
		case <-time.After(a.sleep):
		case <-ctx.Done():
		}
	}
	if a.panics {
		panic("boom")
	}
	return a.result
}

func newExecContext() *ExecContext {
	return NewExecContext("run-1", nil, DefaultRunConfig, "")
}

func zeroBackoff() BackoffConfig {
	return BackoffConfig{Base: 1 * time.Millisecond, Max: 5 * time.Millisecond, Factor: 1, Jitter: 0}
}

func TestRunStepSucceedsFirstTry(t *testing.T) {
	step := &scriptedStep{id: "s1", timeoutMs: 1000, maxRetries: 2, script: []scriptedAttempt{
		{result: OK([]string{"a1"})},
	}}
	out := RunStep(context.Background(), step, newExecContext(), zeroBackoff(), nil)
	if out.Result.Kind != ResultOK {
		t.Fatalf("kind = %v, want OK", out.Result.Kind)
	}
	if len(out.Events) != 2 || out.Events[0].Kind != EventStarted || out.Events[1].Kind != EventOK {
		t.Fatalf("events = %v", out.Events)
	}
}

func TestRunStepRetriesTransientThenSucceeds(t *testing.T) {
	step := &scriptedStep{id: "s1", timeoutMs: 1000, maxRetries: 2, script: []scriptedAttempt{
		{result: Retry(ErrToolErrorTransient)},
		{result: OK([]string{"a1"})},
	}}
	out := RunStep(context.Background(), step, newExecContext(), zeroBackoff(), nil)
	if out.Result.Kind != ResultOK {
		t.Fatalf("kind = %v, want OK", out.Result.Kind)
	}
	if out.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", out.RetryCount)
	}
}

func TestRunStepSchemaInvalidShortCircuitsToBlocked(t *testing.T) {
	step := &scriptedStep{id: "s1", timeoutMs: 1000, maxRetries: 3, script: []scriptedAttempt{
		{result: Retry(ErrSchemaInvalid)},
		{result: OK([]string{"a1"})}, // must never be reached
	}}
	out := RunStep(context.Background(), step, newExecContext(), zeroBackoff(), nil)
	if out.Result.Kind != ResultBlocked || out.Result.Error != ErrSchemaInvalid {
		t.Fatalf("result = %+v, want BLOCKED/SCHEMA_INVALID", out.Result)
	}
	if step.calls != 1 {
		t.Fatalf("step invoked %d times, want exactly 1 (no retries on schema-invalid)", step.calls)
	}
}

func TestRunStepExhaustsRetriesToFailed(t *testing.T) {
	step := &scriptedStep{id: "s1", timeoutMs: 1000, maxRetries: 2, script: []scriptedAttempt{
		{result: Retry(ErrToolErrorTransient)},
		{result: Retry(ErrToolErrorTransient)},
		{result: Retry(ErrToolErrorTransient)},
	}}
	out := RunStep(context.Background(), step, newExecContext(), zeroBackoff(), nil)
	if out.Result.Kind != ResultFailed {
		t.Fatalf("kind = %v, want FAILED", out.Result.Kind)
	}
	if step.calls != 3 {
		t.Fatalf("step invoked %d times, want 3 (1 initial + 2 retries)", step.calls)
	}
}

func TestRunStepTimeoutThenRecovers(t *testing.T) {
	step := &scriptedStep{id: "s1", timeoutMs: 20, maxRetries: 2, script: []scriptedAttempt{
		{sleep: 200 * time.Millisecond, result: OK(nil)},
		{result: OK([]string{"a1"})},
	}}
	out := RunStep(context.Background(), step, newExecContext(), zeroBackoff(), nil)
	if out.Result.Kind != ResultOK {
		t.Fatalf("kind = %v, want OK", out.Result.Kind)
	}
	if out.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", out.RetryCount)
	}
	foundTimeout := false
	for _, ev := range out.Events {
		if ev.Kind == EventRetry && ev.Error == ErrTimeout {
			foundTimeout = true
		}
	}
	if !foundTimeout {
		t.Fatalf("expected a RETRY event with TIMEOUT, got %v", out.Events)
	}
}

func TestRunStepPanicClassifiedAsTransient(t *testing.T) {
	step := &scriptedStep{id: "s1", timeoutMs: 1000, maxRetries: 1, script: []scriptedAttempt{
		{panics: true},
		{result: OK([]string{"a1"})},
	}}
	out := RunStep(context.Background(), step, newExecContext(), zeroBackoff(), nil)
	if out.Result.Kind != ResultOK {
		t.Fatalf("kind = %v, want OK", out.Result.Kind)
	}
}

func TestRunStepBlockedPassesThrough(t *testing.T) {
	step := &scriptedStep{id: "s1", timeoutMs: 1000, maxRetries: 2, script: []scriptedAttempt{
		{result: Blocked(nil, ErrHumanRequired, "needs a human")},
	}}
	out := RunStep(context.Background(), step, newExecContext(), zeroBackoff(), nil)
	if out.Result.Kind != ResultBlocked || out.Result.Error != ErrHumanRequired {
		t.Fatalf("result = %+v", out.Result)
	}
}
