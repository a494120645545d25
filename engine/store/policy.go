package store

import (
	"fmt"
	"math"
)

// TTL defaults (spec §6 limits, §4.2 table). Expressed in seconds.
const (
	TTLEphemeral   int64 = 60 * 60      // 1 hour, the catch-all default
	TTLRunSuccess  int64 = 7 * 24 * 3600  // 7 days
	TTLRunFailure  int64 = 30 * 24 * 3600 // 30 days
)

// DefaultDataSizeLimit is the per-kind serialized-data size cap in chars,
// applied to every kind except those overridden in kindSizeLimits.
const DefaultDataSizeLimit = 200_000

// TextSizeLimit is the absolute cap on Artifact.Text, in chars.
const TextSizeLimit = 12_000

// RunRecordSizeLimit is run-record's overridden, larger size cap: the
// default plus headroom for a growing StepRecord/event list, expressed as
// 256 KiB worth of chars.
const RunRecordSizeLimit = 256 * 1024

// Kind labels used by the run-execution engine; these are the
// "required-TTL kinds" per spec §4.2.
const (
	KindRunRecord  = "run-record"
	KindStepResult = "step-result"
)

// WorkspaceRuns is the fixed workspace name the engine uses for run records
// and step results.
const WorkspaceRuns = "runs"

var kindSizeLimits = map[string]int{
	KindRunRecord: RunRecordSizeLimit,
}

var requiredTTLKinds = map[string]bool{
	KindRunRecord:  true,
	KindStepResult: true,
}

// workspaceDefaultTTL returns the default ttl_seconds for a workspace when
// the caller supplies neither ttl_seconds nor an explicit null.
func workspaceDefaultTTL(workspaceNorm string) *int64 {
	switch workspaceNorm {
	case Normalize(WorkspaceRuns):
		v := TTLRunSuccess
		return &v
	case Normalize("dlq"):
		return nil // no expiry
	default:
		v := TTLEphemeral
		return &v
	}
}

// sizeLimitForKind returns the serialized-data size cap for kind.
func sizeLimitForKind(kind string) int {
	if limit, ok := kindSizeLimits[kind]; ok {
		return limit
	}
	return DefaultDataSizeLimit
}

// checkDataSize validates a serialized data length against the per-kind
// cap, returning an error naming the kind and limit on violation.
func checkDataSize(kind string, serializedLen int) error {
	limit := sizeLimitForKind(kind)
	if serializedLen > limit {
		return fmt.Errorf("%w: kind %q exceeds %d char limit (got %d)", ErrDataTooLarge, kind, limit, serializedLen)
	}
	return nil
}

// checkTextSize validates Artifact.Text against the absolute cap.
func checkTextSize(textLen int) error {
	if textLen > TextSizeLimit {
		return fmt.Errorf("%w: text exceeds %d char limit (got %d)", ErrTextTooLarge, TextSizeLimit, textLen)
	}
	return nil
}

// validateRequiredTTL enforces that required-TTL kinds carry a positive,
// finite ttl_seconds. nil, zero, negative, NaN and +/-Inf all fail.
func validateRequiredTTL(kind string, ttl *int64) error {
	if !requiredTTLKinds[kind] {
		return nil
	}
	if ttl == nil {
		return fmt.Errorf("%w: kind %q requires a positive ttl_seconds", ErrInvalidRequest, kind)
	}
	f := float64(*ttl)
	if *ttl <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: kind %q requires a positive finite ttl_seconds, got %d", ErrInvalidRequest, kind, *ttl)
	}
	return nil
}

// RunRecordTTL returns the run-record TTL in seconds for a terminal run
// status, per spec §4.2's getRunRecordTtl helper.
func RunRecordTTL(status string) int64 {
	switch status {
	case "OK":
		return TTLRunSuccess
	case "BLOCKED", "FAILED":
		return TTLRunFailure
	default:
		return TTLRunFailure
	}
}

// TTLRunRunning is the interim ttl_seconds a run record carries while its
// status is RUNNING, before finalize() re-aligns it to RunRecordTTL. It
// uses the longer of the two terminal TTLs so a crashed-and-never-resumed
// run still outlives a merely slow one.
const TTLRunRunning = TTLRunFailure
