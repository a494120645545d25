package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/duskrun/duskrun/engine/store"
)

// RunWriter is the single-writer serializer for one run's durable log (spec
// §4.8). All mutation methods go through store.Store with expected_version
// set to the writer's last-known version; a VERSION_MISMATCH triggers one
// reload-and-retry before the mutation is reported failed as an invalid run
// record. Callers must not share a RunWriter across goroutines without
// external synchronization beyond what Init/the mutation methods already
// provide internally, since the whole point is a single logical writer per
// run.
type RunWriter struct {
	store    store.ArtifactStore
	runID    string
	ownerID  string
	workflow WorkflowTag
	args     map[string]interface{}
	repoHash string
	config   RunConfig

	mu             sync.Mutex
	record         RunRecord
	currentVersion int
}

// NewRunWriter constructs a RunWriter for one run. Call Init before any
// other method.
func NewRunWriter(st store.ArtifactStore, runID, ownerID string, workflow WorkflowTag, args map[string]interface{}, repoHash string, cfg RunConfig) *RunWriter {
	return &RunWriter{
		store:    st,
		runID:    runID,
		ownerID:  ownerID,
		workflow: workflow,
		args:     args,
		repoHash: repoHash,
		config:   cfg,
	}
}

// Init loads or creates the run record (spec §4.8 init()). isResume is true
// when an existing RUNNING record owned by owner_id was found; its step
// records have already had ApplyEventFold re-run on them.
func (w *RunWriter) Init(ctx context.Context) (record RunRecord, isResume bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	artifact, err := w.store.Fetch(ctx, store.FetchOptions{Workspace: store.WorkspaceRuns, Name: w.runID})
	if err == nil && artifact == nil {
		rec := RunRecord{
			RunID:     w.runID,
			OwnerID:   w.ownerID,
			Status:    RunRunning,
			Workflow:  w.workflow,
			Args:      w.args,
			RepoHash:  w.repoHash,
			Config:    w.config,
			CreatedAt: nowISO(),
			UpdatedAt: nowISO(),
		}
		ttl := store.TTLRunRunning
		stored, serr := w.store.Store(ctx, store.StoreOptions{
			Workspace:  store.WorkspaceRuns,
			Name:       w.runID,
			Kind:       store.KindRunRecord,
			Data:       rec,
			RunID:      w.runID,
			TTLSeconds: &ttl,
			Mode:       store.ModeError,
		})
		if serr != nil {
			return RunRecord{}, false, serr
		}
		w.record = rec
		w.currentVersion = stored.Version
		return rec.Clone(), false, nil
	}
	if err != nil {
		return RunRecord{}, false, err
	}

	rec, derr := decodeRunRecord(artifact)
	if derr != nil {
		return RunRecord{}, false, fmt.Errorf("%w: %v", ErrInvalidRunRecord, derr)
	}
	if rec.OwnerID != w.ownerID {
		return RunRecord{}, false, ErrRunOwnedByOther
	}
	if rec.Status != RunRunning {
		return RunRecord{}, false, ErrRunAlreadyComplete
	}

	for i := range rec.Steps {
		ApplyEventFold(&rec.Steps[i])
	}
	w.record = rec
	w.currentVersion = artifact.Version
	return rec.Clone(), true, nil
}

// Snapshot returns a point-in-time copy of the writer's in-memory view of
// the run record.
func (w *RunWriter) Snapshot() RunRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.record.Clone()
}

// RecordStepStarted appends a fresh STARTED-only step record (spec §4.8
// recordStepStarted). It is written before the step runner is invoked so a
// crash mid-attempt leaves visible RUNNING state for recovery. A
// StepRecord with the same step_instance_id already present is a sign of a
// redispatch (retry-of-retry, racing batch re-entry after resume) and is a
// no-op rather than an error.
func (w *RunWriter) RecordStepStarted(ctx context.Context, stepID, stepInstanceID, name, inputsDigest, schemaVersion string) error {
	return w.apply(ctx, func(rec RunRecord) (RunRecord, error) {
		if findStepIndexByInstance(rec, stepInstanceID) >= 0 {
			return rec, errWriterNoop
		}
		sr := StepRecord{
			StepID:         stepID,
			StepInstanceID: stepInstanceID,
			StepSeq:        nextStepSeq(rec),
			Name:           name,
			InputsDigest:   inputsDigest,
			SchemaVersion:  schemaVersion,
			Events:         []StepEvent{{Kind: EventStarted, At: time.Now().UTC()}},
		}
		ApplyEventFold(&sr)
		rec.Steps = append(rec.Steps, sr)
		return rec, nil
	})
}

// RecordStepCompleted overwrites stepID's event list and terminal fields
// with the runner's final outcome (spec §4.8 recordStepCompleted). When more
// than one StepRecord carries stepID (duplicate dispatch), the one still
// RUNNING is preferred.
func (w *RunWriter) RecordStepCompleted(ctx context.Context, stepID string, events []StepEvent, result StepRunnerResult, trace string) error {
	return w.apply(ctx, func(rec RunRecord) (RunRecord, error) {
		idx := findRunningOrLastStepIndex(rec, stepID)
		if idx < 0 {
			return rec, fmt.Errorf("%w: step %q was not started", ErrStepNotFound, stepID)
		}
		sr := &rec.Steps[idx]
		sr.Events = append([]StepEvent(nil), events...)
		sr.ArtifactIDs = result.ArtifactIDs
		sr.Actions = result.Actions
		sr.ErrorCode = result.Error
		sr.Trace = trace
		ApplyEventFold(sr)
		return rec, nil
	})
}

// RecordStepSkipped records a fingerprint-hit skip: the step is not
// re-executed, and its record is backed by a previously persisted terminal
// result (spec §4.8 recordStepSkipped, §5 idempotent skip). If a terminal
// StepRecord already carries stepInstanceID — the normal case when a
// resumed or re-dispatched run re-probes a fingerprint it already resolved
// — this is a no-op.
func (w *RunWriter) RecordStepSkipped(ctx context.Context, stepID, stepInstanceID, name, inputsDigest, schemaVersion, reason string, persisted PersistedStepResult) error {
	return w.apply(ctx, func(rec RunRecord) (RunRecord, error) {
		if idx := findStepIndexByInstance(rec, stepInstanceID); idx >= 0 && isTerminalStatus(rec.Steps[idx].Status) {
			return rec, errWriterNoop
		}

		now := time.Now().UTC()
		sr := StepRecord{
			StepID:         stepID,
			StepInstanceID: stepInstanceID,
			StepSeq:        nextStepSeq(rec),
			Name:           name,
			InputsDigest:   inputsDigest,
			SchemaVersion:  schemaVersion,
			Events: []StepEvent{
				{Kind: EventStarted, At: now},
				{Kind: EventSkipped, At: now, Reason: reason},
				{Kind: terminalEventKind(persisted.Status), At: now},
			},
			ArtifactIDs: persisted.ArtifactIDs,
			Actions:     persisted.Actions,
			ErrorCode:   persisted.Error,
		}
		ApplyEventFold(&sr)
		rec.Steps = append(rec.Steps, sr)
		return rec, nil
	})
}

// RecordStepRecovered appends a RECOVERED event, then the terminal event
// implied by persisted, to a step that Init found RUNNING (spec §4.8
// recordStepRecovered, §5 resume semantics). The step must already exist;
// callers are expected to have already confirmed a persisted step-result
// exists before calling this (an absent one should fall through to the
// normal miss/re-run path instead).
func (w *RunWriter) RecordStepRecovered(ctx context.Context, stepID string, persisted PersistedStepResult) error {
	return w.apply(ctx, func(rec RunRecord) (RunRecord, error) {
		idx := findStepIndex(rec, stepID)
		if idx < 0 {
			return rec, fmt.Errorf("%w: step %q not found for recovery", ErrStepNotFound, stepID)
		}
		sr := &rec.Steps[idx]
		now := time.Now().UTC()
		sr.Events = append(sr.Events,
			StepEvent{Kind: EventRecovered, At: now},
			StepEvent{Kind: terminalEventKind(persisted.Status), At: now},
		)
		sr.ArtifactIDs = persisted.ArtifactIDs
		sr.Actions = persisted.Actions
		sr.ErrorCode = persisted.Error
		ApplyEventFold(sr)
		return rec, nil
	})
}

// Finalize sets the run's terminal status and last_error, which realigns
// the stored record's ttl_seconds to RunRecordTTL (spec §4.8 finalize()).
func (w *RunWriter) Finalize(ctx context.Context, status RunStatus, lastError string) error {
	return w.apply(ctx, func(rec RunRecord) (RunRecord, error) {
		rec.Status = status
		rec.LastError = lastError
		return rec, nil
	})
}

// errWriterNoop is returned by a mutation closure passed to apply to signal
// that the operation is an idempotent no-op (spec §4.8): no store write
// happens and apply reports success without advancing currentVersion.
var errWriterNoop = errors.New("engine: writer no-op")

// apply runs fn against the writer's current in-memory record, persists the
// result with optimistic locking, and on a single VERSION_MISMATCH reloads
// the latest persisted record — re-checking the owner/status invariants
// Init itself enforces, since a concurrent writer could have finalized or
// taken over the run in between — re-runs fn against it, and retries once.
// A second mismatch is reported as an invalid run record rather than
// retried further, since it indicates a concurrent writer the
// single-writer contract was supposed to rule out.
func (w *RunWriter) apply(ctx context.Context, fn func(RunRecord) (RunRecord, error)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	next, err := fn(w.record.Clone())
	if errors.Is(err, errWriterNoop) {
		return nil
	}
	if err != nil {
		return err
	}
	next.UpdatedAt = nowISO()
	artifact, err := w.storeRecord(ctx, next, w.currentVersion)
	if err == nil {
		w.record = next
		w.currentVersion = artifact.Version
		return nil
	}
	if !errors.Is(err, store.ErrVersionMismatch) {
		return err
	}

	reloaded, version, rerr := w.reload(ctx)
	if rerr != nil {
		return rerr
	}
	w.record = reloaded
	w.currentVersion = version

	next2, err2 := fn(w.record.Clone())
	if errors.Is(err2, errWriterNoop) {
		return nil
	}
	if err2 != nil {
		return err2
	}
	next2.UpdatedAt = nowISO()
	artifact2, err3 := w.storeRecord(ctx, next2, w.currentVersion)
	if err3 != nil {
		return fmt.Errorf("%w: reconciliation retry failed: %v", ErrInvalidRunRecord, err3)
	}
	w.record = next2
	w.currentVersion = artifact2.Version
	return nil
}

func (w *RunWriter) storeRecord(ctx context.Context, rec RunRecord, expectedVersion int) (store.Artifact, error) {
	var ttl int64
	if rec.Status == RunRunning {
		ttl = store.TTLRunRunning
	} else {
		ttl = store.RunRecordTTL(string(rec.Status))
	}
	ev := expectedVersion
	return w.store.Store(ctx, store.StoreOptions{
		Workspace:       store.WorkspaceRuns,
		Name:            w.runID,
		Kind:            store.KindRunRecord,
		Data:            rec,
		RunID:           w.runID,
		TTLSeconds:      &ttl,
		ExpectedVersion: &ev,
		Mode:            store.ModeReplace,
	})
}

// reload re-fetches the persisted run record after a VERSION_MISMATCH and
// re-checks the same owner/status invariants Init enforces on a fresh
// load, since the mismatch means some other writer touched the record
// since w's last known version.
func (w *RunWriter) reload(ctx context.Context) (RunRecord, int, error) {
	artifact, err := w.store.Fetch(ctx, store.FetchOptions{Workspace: store.WorkspaceRuns, Name: w.runID})
	if err != nil {
		return RunRecord{}, 0, err
	}
	if artifact == nil {
		return RunRecord{}, 0, fmt.Errorf("%w: run record not found on reload", ErrInvalidRunRecord)
	}
	rec, derr := decodeRunRecord(artifact)
	if derr != nil {
		return RunRecord{}, 0, fmt.Errorf("%w: %v", ErrInvalidRunRecord, derr)
	}
	if rec.OwnerID != w.ownerID {
		return RunRecord{}, 0, ErrRunOwnedByOther
	}
	if rec.Status != RunRunning {
		return RunRecord{}, 0, ErrRunAlreadyComplete
	}
	return rec, artifact.Version, nil
}

func decodeRunRecord(artifact *store.Artifact) (RunRecord, error) {
	var rec RunRecord
	if err := decodeJSON(artifact.Data, &rec); err != nil {
		return RunRecord{}, err
	}
	return rec, nil
}

func findStepIndex(rec RunRecord, stepID string) int {
	for i := range rec.Steps {
		if rec.Steps[i].StepID == stepID {
			return i
		}
	}
	return -1
}

// findStepIndexByInstance matches on step_instance_id, the key recordStepStarted
// and recordStepSkipped use to detect an already-resolved dispatch.
func findStepIndexByInstance(rec RunRecord, stepInstanceID string) int {
	for i := range rec.Steps {
		if rec.Steps[i].StepInstanceID == stepInstanceID {
			return i
		}
	}
	return -1
}

// findRunningOrLastStepIndex returns the RUNNING StepRecord matching stepID
// if one exists, else the last matching index (duplicate dispatches under
// the same step_id are logged but tolerated per spec §4.8).
func findRunningOrLastStepIndex(rec RunRecord, stepID string) int {
	found := -1
	for i := range rec.Steps {
		if rec.Steps[i].StepID != stepID {
			continue
		}
		found = i
		if rec.Steps[i].Status == StatusRunning {
			return i
		}
	}
	return found
}

func isTerminalStatus(s StepStatus) bool {
	switch s {
	case StatusOK, StatusBlocked, StatusFailed:
		return true
	default:
		return false
	}
}

func nextStepSeq(rec RunRecord) int {
	max := 0
	for _, s := range rec.Steps {
		if s.StepSeq > max {
			max = s.StepSeq
		}
	}
	return max + 1
}

func terminalEventKind(status StepStatus) EventKind {
	switch status {
	case StatusBlocked:
		return EventBlocked
	case StatusFailed:
		return EventFailed
	default:
		return EventOK
	}
}
