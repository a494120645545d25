package engine

import (
	"context"

	"github.com/duskrun/duskrun/engine/fingerprint"
)

// Step is a unit of work in the DAG. Step bodies are external collaborators
// the engine never authors: implementations may call LLMs, tools, or plain
// functions, but must be idempotent, since a fingerprint hit lets the
// engine skip re-invoking Run for equivalent inputs.
type Step interface {
	ID() string
	Name() string
	Deps() []string

	TimeoutMs() int64
	MaxRetries() int
	Model() string
	PromptVersion() string
	SchemaVersion() string

	// GetInputs is pure and performs no I/O; its result feeds the
	// idempotency fingerprint.
	GetInputs(ctx *ExecContext) fingerprint.Inputs

	// Run may suspend and must observe ctx for cooperative cancellation.
	// It must tolerate being invoked more than once with the same
	// fingerprint.
	Run(ctx context.Context, execCtx *ExecContext) StepRunnerResult
}

// Action is an opaque record of a side effect a step performed, passed
// through the engine unchanged.
type Action struct {
	ActionID    string `json:"action_id"`
	Path        string `json:"path"`
	Op          string `json:"op"` // edit | create | delete | external
	PreHash     string `json:"pre_hash,omitempty"`
	PostHash    string `json:"post_hash,omitempty"`
	ExternalRef string `json:"external_ref,omitempty"`
}

// ResultKind tags which variant a StepRunnerResult holds.
type ResultKind string

const (
	ResultOK      ResultKind = "OK"
	ResultRetry   ResultKind = "RETRY"
	ResultBlocked ResultKind = "BLOCKED"
	ResultFailed  ResultKind = "FAILED"
)

// StepRunnerResult is the tagged union a step body returns (spec §6).
type StepRunnerResult struct {
	Kind ResultKind

	ArtifactIDs []string
	Actions     []Action

	Error ErrorCode // set on RETRY / BLOCKED / FAILED
	Note  string    // set on BLOCKED / FAILED
}

func OK(artifactIDs []string, actions ...Action) StepRunnerResult {
	return StepRunnerResult{Kind: ResultOK, ArtifactIDs: artifactIDs, Actions: actions}
}

func Retry(errCode ErrorCode) StepRunnerResult {
	return StepRunnerResult{Kind: ResultRetry, Error: errCode}
}

func Blocked(artifactIDs []string, errCode ErrorCode, note string, actions ...Action) StepRunnerResult {
	return StepRunnerResult{Kind: ResultBlocked, ArtifactIDs: artifactIDs, Error: errCode, Note: note, Actions: actions}
}

func Failed(artifactIDs []string, errCode ErrorCode, note string, actions ...Action) StepRunnerResult {
	return StepRunnerResult{Kind: ResultFailed, ArtifactIDs: artifactIDs, Error: errCode, Note: note, Actions: actions}
}
