// Package engine implements the durable, resumable DAG workflow execution
// engine: topological sort and level batching, a per-step retry/timeout
// state machine, a bounded-concurrency dispatcher, idempotency-fingerprint
// driven skip and crash recovery, and a serialized durable run log with
// optimistic locking.
package engine

import "errors"

// Executor-tier sentinel errors (spec §7). These surface to the caller of
// Execute and are never retried.
var (
	ErrCycleDetected          = errors.New("engine: cycle detected")
	ErrMissingDependency      = errors.New("engine: missing dependency")
	ErrDuplicateStepID        = errors.New("engine: duplicate step id")
	ErrRunOwnedByOther        = errors.New("engine: run owned by another owner")
	ErrRunAlreadyComplete     = errors.New("engine: run already complete")
	ErrInvalidRunRecord       = errors.New("engine: invalid run record")
	ErrStepNotFound           = errors.New("engine: step not found")
	ErrStepDefinitionMismatch = errors.New("engine: step definition mismatch")
	ErrInvariantViolation     = errors.New("engine: invariant violation")
)

// ErrorCode is the closed set of step-level error codes carried by RETRY,
// BLOCKED, and FAILED step results (spec §6).
type ErrorCode string

const (
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrSchemaInvalid      ErrorCode = "SCHEMA_INVALID"
	ErrToolErrorTransient ErrorCode = "TOOL_ERROR_TRANSIENT"
	ErrToolErrorPermanent ErrorCode = "TOOL_ERROR_PERMANENT"
	ErrRateLimit          ErrorCode = "RATE_LIMIT"
	ErrThrashing          ErrorCode = "THRASHING"
	ErrHumanRequired      ErrorCode = "HUMAN_REQUIRED"
)

// DAGError carries the offending ids for a topological-sort failure.
type DAGError struct {
	Code    error
	StepID  string   // the offending step, for DUPLICATE_STEP_ID / MISSING_DEPENDENCY
	Missing string   // the missing dependency id, for MISSING_DEPENDENCY
	Cycle   []string // surviving node ids, for CYCLE_DETECTED
}

func (e *DAGError) Error() string {
	switch {
	case e.Missing != "":
		return e.Code.Error() + ": step " + e.StepID + " depends on missing step " + e.Missing
	case len(e.Cycle) > 0:
		s := e.Code.Error() + ": "
		for i, id := range e.Cycle {
			if i > 0 {
				s += ","
			}
			s += id
		}
		return s
	default:
		return e.Code.Error() + ": " + e.StepID
	}
}

func (e *DAGError) Unwrap() error { return e.Code }
