package engine

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// StepExecutionResult is what RunStep returns: the step's terminal result
// plus the full ordered event list the state machine emitted along the
// way.
type StepExecutionResult struct {
	Result     StepRunnerResult
	Events     []StepEvent
	RetryCount int
}

// RunStep drives one step through the per-step retry/timeout state machine
// (spec §4.6). It never persists anything; the executor driver is
// responsible for recording events and results through the Run Writer.
func RunStep(ctx context.Context, step Step, execCtx *ExecContext, backoff BackoffConfig, rng *rand.Rand) StepExecutionResult {
	var events []StepEvent
	emit := func(kind EventKind, errCode ErrorCode, repairAttempt bool, reason string) {
		events = append(events, StepEvent{Kind: kind, At: time.Now().UTC(), Error: errCode, RepairAttempt: repairAttempt, Reason: reason})
	}

	emit(EventStarted, "", false, "")

	retryCount := 0
	timeout := time.Duration(step.TimeoutMs()) * time.Millisecond
	maxRetries := step.MaxRetries()

	for {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)

		resultCh := make(chan stepAttemptOutcome, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					resultCh <- stepAttemptOutcome{panicked: true, panicVal: r}
				}
			}()
			res := step.Run(attemptCtx, execCtx)
			resultCh <- stepAttemptOutcome{result: res}
		}()

		var outcome stepAttemptOutcome
		var timedOut bool
		select {
		case outcome = <-resultCh:
		case <-attemptCtx.Done():
			timedOut = true
		}
		cancel()

		if timedOut {
			if retryCount < maxRetries {
				emit(EventRetry, ErrTimeout, false, "")
				sleepBackoff(ctx, backoff, retryCount, rng)
				retryCount++
				continue
			}
			emit(EventFailed, "", false, "")
			return StepExecutionResult{
				Result:     Failed(nil, ErrTimeout, "deadline exceeded"),
				Events:     events,
				RetryCount: retryCount,
			}
		}

		if outcome.panicked {
			if retryCount < maxRetries {
				emit(EventRetry, ErrToolErrorTransient, false, "")
				sleepBackoff(ctx, backoff, retryCount, rng)
				retryCount++
				continue
			}
			emit(EventFailed, "", false, "")
			return StepExecutionResult{
				Result:     Failed(nil, ErrToolErrorTransient, fmt.Sprintf("step panicked: %v", outcome.panicVal)),
				Events:     events,
				RetryCount: retryCount,
			}
		}

		res := outcome.result
		switch res.Kind {
		case ResultOK:
			emit(EventOK, "", false, "")
			return StepExecutionResult{Result: res, Events: events, RetryCount: retryCount}

		case ResultRetry:
			if res.Error == ErrSchemaInvalid {
				emit(EventBlocked, "", false, "")
				return StepExecutionResult{
					Result:     Blocked(nil, ErrSchemaInvalid, ""),
					Events:     events,
					RetryCount: retryCount,
				}
			}
			if retryCount < maxRetries {
				emit(EventRetry, res.Error, false, "")
				sleepBackoff(ctx, backoff, retryCount, rng)
				retryCount++
				continue
			}
			emit(EventFailed, "", false, "")
			return StepExecutionResult{
				Result:     Failed(nil, res.Error, ""),
				Events:     events,
				RetryCount: retryCount,
			}

		case ResultBlocked:
			emit(EventBlocked, "", false, "")
			return StepExecutionResult{Result: res, Events: events, RetryCount: retryCount}

		case ResultFailed:
			emit(EventFailed, "", false, "")
			return StepExecutionResult{Result: res, Events: events, RetryCount: retryCount}

		default:
			emit(EventFailed, "", false, "")
			return StepExecutionResult{
				Result:     Failed(nil, ErrToolErrorPermanent, fmt.Sprintf("unknown result kind %q", res.Kind)),
				Events:     events,
				RetryCount: retryCount,
			}
		}
	}
}

type stepAttemptOutcome struct {
	result   StepRunnerResult
	panicked bool
	panicVal interface{}
}

func sleepBackoff(ctx context.Context, cfg BackoffConfig, attempt int, rng *rand.Rand) {
	delay := computeBackoff(cfg, attempt, rng)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
