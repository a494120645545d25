package engine

import "time"

// StepStatus is the lifecycle status of one StepRecord.
type StepStatus string

const (
	StatusPending  StepStatus = "PENDING"
	StatusRunning  StepStatus = "RUNNING"
	StatusOK       StepStatus = "OK"
	StatusRetrying StepStatus = "RETRYING"
	StatusBlocked  StepStatus = "BLOCKED"
	StatusFailed   StepStatus = "FAILED"
)

// RunStatus is the lifecycle status of a whole run.
type RunStatus string

const (
	RunRunning RunStatus = "RUNNING"
	RunOK      RunStatus = "OK"
	RunBlocked RunStatus = "BLOCKED"
	RunFailed  RunStatus = "FAILED"
)

// WorkflowTag classifies the kind of work a run performs.
type WorkflowTag string

const (
	WorkflowPlan WorkflowTag = "plan"
	WorkflowFeat WorkflowTag = "feat"
	WorkflowFix  WorkflowTag = "fix"
)

// EventKind tags a StepEvent's variant (spec §3 StepEvent).
type EventKind string

const (
	EventStarted   EventKind = "STARTED"
	EventRetry     EventKind = "RETRY"
	EventOK        EventKind = "OK"
	EventBlocked   EventKind = "BLOCKED"
	EventFailed    EventKind = "FAILED"
	EventSkipped   EventKind = "SKIPPED"
	EventRecovered EventKind = "RECOVERED"
)

// StepEvent is one tagged, ordered, point-in-time transition in a
// StepRecord's event list.
type StepEvent struct {
	Kind EventKind
	At   time.Time

	// RETRY only.
	Error         ErrorCode
	RepairAttempt bool

	// SKIPPED only.
	Reason string
}

// RunConfig is the per-run execution configuration (spec §6 default
// config: rounds 2, retries 2, timeout_ms 60000).
type RunConfig struct {
	Rounds    int   `json:"rounds"`
	Retries   int   `json:"retries"`
	TimeoutMs int64 `json:"timeout_ms"`
}

// DefaultRunConfig is the spec's bit-exact default config.
var DefaultRunConfig = RunConfig{Rounds: 2, Retries: 2, TimeoutMs: 60_000}

// StepRecord is one step's lifecycle inside a RunRecord (spec §3).
type StepRecord struct {
	StepID         string      `json:"step_id"`
	StepInstanceID string      `json:"step_instance_id"`
	StepSeq        int         `json:"step_seq"`
	Name           string      `json:"name"`
	Status         StepStatus  `json:"status"`
	InputsDigest   string      `json:"inputs_digest"`
	SchemaVersion  string      `json:"schema_version"`
	Events         []StepEvent `json:"events"`
	ArtifactIDs    []string    `json:"artifact_ids"`
	Actions        []Action    `json:"actions,omitempty"`
	RetryCount     int         `json:"retry_count"`
	RepairCount    int         `json:"repair_count"`
	ErrorCode      ErrorCode   `json:"error_code,omitempty"`
	Trace          string      `json:"trace,omitempty"`
}

// Clone returns a deep-enough copy of the record for clone-on-mutate
// semantics in the Run Writer.
func (r StepRecord) Clone() StepRecord {
	cp := r
	cp.Events = append([]StepEvent(nil), r.Events...)
	cp.ArtifactIDs = append([]string(nil), r.ArtifactIDs...)
	cp.Actions = append([]Action(nil), r.Actions...)
	return cp
}

// RunRecord is the single durable log of one workflow run (spec §3),
// persisted as artifact kind "run-record" in workspace "runs", name
// run_id.
type RunRecord struct {
	RunID      string                 `json:"run_id"`
	OwnerID    string                 `json:"owner_id"`
	Status     RunStatus              `json:"status"`
	Workflow   WorkflowTag            `json:"workflow"`
	Args       map[string]interface{} `json:"args,omitempty"`
	RepoHash   string                 `json:"repo_hash,omitempty"`
	Config     RunConfig              `json:"config"`
	Steps      []StepRecord           `json:"steps"`
	CreatedAt  string                 `json:"created_at"` // ISO-8601 UTC, ms precision
	UpdatedAt  string                 `json:"updated_at"`
	LastError  string                 `json:"last_error,omitempty"`
	ResumeFrom string                 `json:"resume_from,omitempty"`
}

// Clone returns a deep-enough copy for clone-on-mutate.
func (r RunRecord) Clone() RunRecord {
	cp := r
	cp.Steps = make([]StepRecord, len(r.Steps))
	for i, s := range r.Steps {
		cp.Steps[i] = s.Clone()
	}
	return cp
}

// PersistedStepResult is the terminal-only artifact recording a step's
// outcome for idempotent skip (spec §3), stored as kind "step-result" in
// workspace "runs", name "{run_id}-{step_instance_id}".
type PersistedStepResult struct {
	Status      StepStatus `json:"status"` // OK | BLOCKED | FAILED
	ArtifactIDs []string   `json:"artifact_ids"`
	Actions     []Action   `json:"actions,omitempty"`
	Error       ErrorCode  `json:"error,omitempty"`
	Note        string     `json:"note,omitempty"`
	RunID       string     `json:"run_id"`
}

func nowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}
