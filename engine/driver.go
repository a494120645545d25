package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/duskrun/duskrun/engine/emit"
	"github.com/duskrun/duskrun/engine/fingerprint"
	"github.com/duskrun/duskrun/engine/store"
)

// ExecuteOptions configures one call to Execute (spec §4.9).
type ExecuteOptions struct {
	Steps    []Step
	RunID    string
	OwnerID  string
	Workflow WorkflowTag
	Args     map[string]interface{}
	RepoHash string
	Store    store.ArtifactStore

	// Config defaults to DefaultRunConfig when nil.
	Config *RunConfig
	// Backoff defaults to DefaultBackoff when nil.
	Backoff *BackoffConfig
	// Concurrency defaults to 4 when <= 0.
	Concurrency int
	// Emitter defaults to emit.NullEmitter{} when nil.
	Emitter emit.Emitter
	// Metrics is optional; a nil Metrics records nothing.
	Metrics *Metrics
}

// ExecuteResult is the outcome of a run to completion or first halt (spec
// §4.9).
type ExecuteResult struct {
	Status       RunStatus
	Steps        []StepRecord
	FailedStepID string
	ErrorCode    ErrorCode
}

// Execute drives every step in opts.Steps through the DAG to completion,
// one level-batch at a time, halting the first time a batch produces a
// BLOCKED or FAILED step (spec §4.9). It is safe to call again with the
// same run_id and owner_id after a crash: Init's resume path picks up
// where the run left off, and fingerprint-hit steps are skipped rather
// than re-executed.
func Execute(ctx context.Context, opts ExecuteOptions) (ExecuteResult, error) {
	if opts.Store == nil {
		return ExecuteResult{}, fmt.Errorf("%w: store is required", ErrInvariantViolation)
	}

	cfg := DefaultRunConfig
	if opts.Config != nil {
		cfg = *opts.Config
	}
	backoff := DefaultBackoff
	if opts.Backoff != nil {
		backoff = *opts.Backoff
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	emitter := opts.Emitter
	if emitter == nil {
		emitter = emit.NullEmitter{}
	}

	nodes := make([]StepNode, len(opts.Steps))
	stepsByID := make(map[string]Step, len(opts.Steps))
	for i, s := range opts.Steps {
		nodes[i] = StepNode{ID: s.ID(), Deps: s.Deps()}
		stepsByID[s.ID()] = s
	}
	sorted, err := TopoSort(nodes)
	if err != nil {
		return ExecuteResult{}, err
	}
	batches := GroupIntoBatches(sorted)

	writer := NewRunWriter(opts.Store, opts.RunID, opts.OwnerID, opts.Workflow, opts.Args, opts.RepoHash, cfg)
	record, isResume, err := writer.Init(ctx)
	if err != nil {
		return ExecuteResult{}, err
	}
	emitter.Emit(emit.Event{RunID: opts.RunID, Msg: "run_started", Meta: map[string]interface{}{"resume": isResume}})

	execCtx := NewExecContext(opts.RunID, opts.Store, cfg, opts.RepoHash)

	if isResume {
		for _, sr := range record.Steps {
			if sr.Status != StatusRunning {
				continue
			}
			resultName := opts.RunID + "-" + sr.StepInstanceID
			cached, ferr := opts.Store.Fetch(ctx, store.FetchOptions{Workspace: store.WorkspaceRuns, Name: resultName})
			if ferr != nil || cached == nil {
				// No persisted step-result (or a fetch error): leave the step
				// RUNNING. The normal fingerprint miss/re-run path in the
				// batch loop below will re-dispatch it.
				continue
			}
			var persisted PersistedStepResult
			if derr := decodeJSON(cached.Data, &persisted); derr != nil {
				// Corrupted step-result: same treatment as absent.
				continue
			}
			if rerr := writer.RecordStepRecovered(ctx, sr.StepID, persisted); rerr != nil {
				return ExecuteResult{}, rerr
			}
			execCtx.SetArtifacts(sr.StepID, ArtifactRefSet{
				ArtifactIDs: persisted.ArtifactIDs,
				Versions:    resolveArtifactVersions(ctx, opts.Store, persisted.ArtifactIDs),
			})
		}
	}

	sem, err := NewSemaphore(concurrency)
	if err != nil {
		return ExecuteResult{}, err
	}
	defer sem.Close()

	env := &stepEnv{store: opts.Store, writer: writer, execCtx: execCtx, backoff: backoff, emitter: emitter, metrics: opts.Metrics, runID: opts.RunID}

	finalStatus := RunOK
	var failedStepID string
	var errorCode ErrorCode

batchLoop:
	for _, batch := range batches {
		emitter.Emit(emit.Event{RunID: opts.RunID, Msg: "batch_dispatched", Meta: map[string]interface{}{"batch_size": len(batch)}})
		opts.Metrics.BatchDispatched(len(batch))

		// Separate into (toRun, skipped) before touching the semaphore at
		// all (spec §4.9 step 5, §2): a fingerprint hit never competes for a
		// concurrency permit, since it never runs the step body.
		var toRun []StepNode
		probes := make(map[string]fingerprintProbe, len(batch))
		skipFailed, skipBlocked := false, false

		for _, node := range batch {
			step := stepsByID[node.ID]
			probe, perr := computeFingerprint(env, step)
			if perr != nil {
				status, code := failStepImmediately(ctx, env, step, "", "", perr)
				if status == StatusFailed {
					skipFailed = true
				} else if !skipFailed {
					skipBlocked = true
				}
				failedStepID, errorCode = step.ID(), code
				continue
			}
			probes[node.ID] = probe
			env.emitter.Emit(emit.Event{RunID: opts.RunID, StepID: step.ID(), Msg: "step_fingerprint", Meta: map[string]interface{}{"inputs_digest": probe.digest}})

			persisted, lerr := lookupStepResult(ctx, env, probe)
			if lerr != nil {
				status, code := failStepImmediately(ctx, env, step, probe.digest, probe.instanceID, fmt.Errorf("fetch persisted step result: %w", lerr))
				if status == StatusFailed {
					skipFailed = true
				} else if !skipFailed {
					skipBlocked = true
				}
				failedStepID, errorCode = step.ID(), code
				continue
			}
			if persisted == nil {
				toRun = append(toRun, node)
				continue
			}

			status, code := recordSkippedStep(ctx, env, step, probe, *persisted)
			switch status {
			case StatusFailed:
				skipFailed = true
				failedStepID, errorCode = step.ID(), code
			case StatusBlocked:
				if !skipFailed {
					skipBlocked = true
					failedStepID, errorCode = step.ID(), code
				}
			}
		}

		if skipFailed {
			finalStatus = RunFailed
			break batchLoop
		}
		if skipBlocked {
			finalStatus = RunBlocked
			break batchLoop
		}

		type outcome struct {
			stepID  string
			status  StepStatus
			errCode ErrorCode
		}
		results := make(chan outcome, len(toRun))
		var wg sync.WaitGroup

		for _, node := range toRun {
			step := stepsByID[node.ID]
			probe := probes[node.ID]
			wg.Add(1)
			go func() {
				defer wg.Done()
				if aerr := sem.Acquire(ctx); aerr != nil {
					results <- outcome{stepID: step.ID(), status: StatusFailed, errCode: ErrToolErrorPermanent}
					return
				}
				defer func() {
					if rerr := sem.Release(); rerr != nil {
						emitter.Emit(emit.Event{RunID: opts.RunID, StepID: step.ID(), Msg: "semaphore_release_error", Meta: map[string]interface{}{"error": rerr.Error()}})
					}
				}()
				status, code := dispatchStep(ctx, step, probe, env)
				results <- outcome{stepID: step.ID(), status: status, errCode: code}
			}()
		}
		wg.Wait()
		close(results)

		batchFailed, batchBlocked := false, false
		for r := range results {
			switch r.status {
			case StatusFailed:
				batchFailed = true
				failedStepID, errorCode = r.stepID, r.errCode
			case StatusBlocked:
				if !batchFailed {
					batchBlocked = true
					failedStepID, errorCode = r.stepID, r.errCode
				}
			}
		}
		if batchFailed {
			finalStatus = RunFailed
			break batchLoop
		}
		if batchBlocked {
			finalStatus = RunBlocked
			break batchLoop
		}
	}

	lastError := ""
	if finalStatus != RunOK {
		lastError = string(errorCode)
	}
	if ferr := writer.Finalize(ctx, finalStatus, lastError); ferr != nil {
		return ExecuteResult{}, ferr
	}
	emitter.Emit(emit.Event{RunID: opts.RunID, Msg: "run_finalized", Meta: map[string]interface{}{"status": string(finalStatus)}})
	opts.Metrics.RunFinalized(finalStatus)

	final := writer.Snapshot()
	return ExecuteResult{
		Status:       finalStatus,
		Steps:        final.Steps,
		FailedStepID: failedStepID,
		ErrorCode:    errorCode,
	}, nil
}

// stepEnv bundles the dependencies dispatchStep needs, shared read-only
// across every goroutine dispatching a batch.
type stepEnv struct {
	store   store.ArtifactStore
	writer  *RunWriter
	execCtx *ExecContext
	backoff BackoffConfig
	emitter emit.Emitter
	metrics *Metrics
	runID   string
}

// fingerprintProbe is a step's resolved identity for this attempt: its
// inputs digest, its step_instance_id, and the standalone step-result
// artifact name that identity maps to (spec §4.9, §5).
type fingerprintProbe struct {
	digest     string
	instanceID string
	resultName string
}

// computeFingerprint canonicalizes a step's current inputs and derives its
// step_instance_id. It does no store I/O and never touches the semaphore,
// so it is safe to run for every step in a batch before any concurrency
// permit is acquired.
func computeFingerprint(env *stepEnv, step Step) (fingerprintProbe, error) {
	rawInputs := step.GetInputs(env.execCtx)
	canonical, cerr := fingerprint.Canonicalize(rawInputs)
	if cerr != nil {
		return fingerprintProbe{}, fmt.Errorf("canonicalize inputs: %w", cerr)
	}
	digest, derr := fingerprint.InputsDigest(canonical)
	if derr != nil {
		return fingerprintProbe{}, fmt.Errorf("compute inputs digest: %w", derr)
	}
	instanceID := fingerprint.StepInstanceID(step.ID(), digest, step.Model(), step.SchemaVersion(), step.PromptVersion())
	return fingerprintProbe{digest: digest, instanceID: instanceID, resultName: env.runID + "-" + instanceID}, nil
}

// lookupStepResult checks whether an earlier attempt of this run already
// persisted a step-result for probe's step_instance_id. A nil, nil return
// means no usable result exists (absent, or present but undecodable) and
// the step must be dispatched for real; this never acquires a concurrency
// permit (spec §2: a permit is only acquired on a fingerprint miss).
func lookupStepResult(ctx context.Context, env *stepEnv, probe fingerprintProbe) (*PersistedStepResult, error) {
	cached, ferr := env.store.Fetch(ctx, store.FetchOptions{Workspace: store.WorkspaceRuns, Name: probe.resultName})
	switch {
	case ferr == nil && cached == nil, errors.Is(ferr, store.ErrNotFound):
		return nil, nil
	case ferr == nil:
		var persisted PersistedStepResult
		if derr := decodeJSON(cached.Data, &persisted); derr != nil {
			// Corrupted step-result: treated as a miss, so the step re-runs.
			return nil, nil
		}
		return &persisted, nil
	default:
		return nil, ferr
	}
}

// recordSkippedStep folds a fingerprint-hit step into the run record as
// SKIPPED plus its original terminal event, without ever invoking the
// step's body.
func recordSkippedStep(ctx context.Context, env *stepEnv, step Step, probe fingerprintProbe, persisted PersistedStepResult) (StepStatus, ErrorCode) {
	stepID := step.ID()
	if rerr := env.writer.RecordStepSkipped(ctx, stepID, probe.instanceID, step.Name(), probe.digest, step.SchemaVersion(), "fingerprint hit", persisted); rerr != nil {
		return StatusFailed, ErrToolErrorPermanent
	}
	env.execCtx.SetArtifacts(stepID, ArtifactRefSet{
		ArtifactIDs: persisted.ArtifactIDs,
		Versions:    resolveArtifactVersions(ctx, env.store, persisted.ArtifactIDs),
	})
	env.emitter.Emit(emit.Event{RunID: env.runID, StepID: stepID, Msg: "step_skipped"})
	env.metrics.StepSkipped(stepID)
	return persisted.Status, persisted.Error
}

// dispatchStep runs a fingerprint-miss step through the retry/timeout
// state machine, persisting both the run record and a standalone
// step-result artifact keyed by step_instance_id for future resume
// lookups (spec §4.9, §5). Callers must hold a semaphore permit.
func dispatchStep(ctx context.Context, step Step, probe fingerprintProbe, env *stepEnv) (StepStatus, ErrorCode) {
	stepID := step.ID()

	if serr := env.writer.RecordStepStarted(ctx, stepID, probe.instanceID, step.Name(), probe.digest, step.SchemaVersion()); serr != nil {
		return StatusFailed, ErrToolErrorPermanent
	}
	env.emitter.Emit(emit.Event{RunID: env.runID, StepID: stepID, Msg: "step_started"})
	env.metrics.StepStarted(env.runID, stepID)

	exec := RunStep(ctx, step, env.execCtx, env.backoff, nil)

	if cerr := env.writer.RecordStepCompleted(ctx, stepID, exec.Events, exec.Result, ""); cerr != nil {
		return StatusFailed, ErrToolErrorPermanent
	}

	status := resultKindToStatus(exec.Result.Kind)
	env.metrics.StepFinished(env.runID, stepID, status)
	for _, ev := range exec.Events {
		if ev.Kind == EventRetry {
			env.metrics.StepRetried(stepID, ev.Error)
		}
	}
	persisted := PersistedStepResult{
		Status:      status,
		ArtifactIDs: exec.Result.ArtifactIDs,
		Actions:     exec.Result.Actions,
		Error:       exec.Result.Error,
		Note:        exec.Result.Note,
		RunID:       env.runID,
	}
	ttl := store.RunRecordTTL(string(status))
	if _, perr := env.store.Store(ctx, store.StoreOptions{
		Workspace:  store.WorkspaceRuns,
		Name:       probe.resultName,
		Kind:       store.KindStepResult,
		Data:       persisted,
		RunID:      env.runID,
		TTLSeconds: &ttl,
		Mode:       store.ModeError,
	}); perr != nil && !errors.Is(perr, store.ErrNameExists) {
		env.emitter.Emit(emit.Event{RunID: env.runID, StepID: stepID, Msg: "step_result_persist_error", Meta: map[string]interface{}{"error": perr.Error()}})
	}

	env.execCtx.SetArtifacts(stepID, ArtifactRefSet{
		ArtifactIDs: exec.Result.ArtifactIDs,
		Versions:    resolveArtifactVersions(ctx, env.store, exec.Result.ArtifactIDs),
	})
	env.emitter.Emit(emit.Event{RunID: env.runID, StepID: stepID, Msg: stepEventMsg(status), Meta: map[string]interface{}{"retry_count": exec.RetryCount, "error_code": string(exec.Result.Error)}})

	return status, exec.Result.Error
}

// resolveArtifactVersions best-effort resolves the current store version
// of each artifact id (spec §5's ctx.artifacts {artifact_ids, versions}
// tuple). A fetch failure for one id is skipped rather than propagated:
// this is ancillary bookkeeping and never gates step success.
func resolveArtifactVersions(ctx context.Context, st store.ArtifactStore, artifactIDs []string) map[string]int {
	if len(artifactIDs) == 0 {
		return nil
	}
	versions := make(map[string]int, len(artifactIDs))
	for _, id := range artifactIDs {
		art, err := st.Fetch(ctx, store.FetchOptions{ID: id, IncludeExpired: true, IncludeDeleted: true})
		if err != nil || art == nil {
			continue
		}
		versions[id] = art.Version
	}
	return versions
}

// failStepImmediately records a step that failed before or without ever
// invoking its body (inputs could not be canonicalized or fingerprinted),
// as a single STARTED+FAILED pair.
func failStepImmediately(ctx context.Context, env *stepEnv, step Step, digest, instanceID string, cause error) (StepStatus, ErrorCode) {
	stepID := step.ID()
	if instanceID == "" {
		instanceID = stepID
	}
	now := time.Now().UTC()
	_ = env.writer.RecordStepStarted(ctx, stepID, instanceID, step.Name(), digest, step.SchemaVersion())
	result := Failed(nil, ErrToolErrorPermanent, cause.Error())
	events := []StepEvent{{Kind: EventStarted, At: now}, {Kind: EventFailed, At: now}}
	_ = env.writer.RecordStepCompleted(ctx, stepID, events, result, cause.Error())
	env.emitter.Emit(emit.Event{RunID: env.runID, StepID: stepID, Msg: "step_failed", Meta: map[string]interface{}{"error": cause.Error()}})
	return StatusFailed, ErrToolErrorPermanent
}

func resultKindToStatus(kind ResultKind) StepStatus {
	switch kind {
	case ResultOK:
		return StatusOK
	case ResultBlocked:
		return StatusBlocked
	default:
		return StatusFailed
	}
}

func stepEventMsg(status StepStatus) string {
	switch status {
	case StatusOK:
		return "step_ok"
	case StatusBlocked:
		return "step_blocked"
	default:
		return "step_failed"
	}
}

func decodeJSON(data interface{}, out interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
