// Package emit provides pluggable observability for run execution: a
// generic instrumentation Event distinct from the durable StepEvent log a
// RunRecord stores, emitted so operators can watch a run without reading
// the store.
package emit

// Event is a single observability event raised during run execution.
//
// Events are emitted to an Emitter, which can log them, forward them to
// OpenTelemetry, or discard them. They carry enough context to correlate
// with the durable run record (RunID, StepID) without duplicating it.
type Event struct {
	// RunID identifies the run that raised this event.
	RunID string

	// StepID identifies the DAG node this event concerns. Empty for
	// run-level events (run started, run finalized).
	StepID string

	// Attempt is the 0-indexed retry attempt this event concerns. Zero for
	// run-level events.
	Attempt int

	// Msg names the event. The driver emits "run_started",
	// "batch_dispatched", "step_fingerprint", "step_started", "step_ok",
	// "step_blocked", "step_failed", "step_skipped",
	// "step_result_persist_error", "semaphore_release_error" and
	// "run_finalized".
	Msg string

	// Meta carries event-specific structured data. Common keys:
	//   - "error_code":  step result's error code on step_ok/step_blocked/step_failed
	//   - "retry_count": retries the dispatched step consumed
	//   - "error":       error text on step_failed and the *_error events
	//   - "batch_size":  number of steps dispatched together
	Meta map[string]interface{}
}
