package engine

// FoldEvents derives (status, retry_count, repair_count) from an ordered
// event list (spec §4.7). It never inspects stored pre-fold values, so
// applying it is always safe after a resume or a replay.
func FoldEvents(events []StepEvent) (status StepStatus, retryCount, repairCount int) {
	status = StatusPending
	for _, ev := range events {
		switch ev.Kind {
		case EventStarted:
			status = StatusRunning
		case EventRetry:
			retryCount++
			if ev.RepairAttempt {
				repairCount++
			}
		case EventOK:
			status = StatusOK
		case EventBlocked:
			status = StatusBlocked
		case EventFailed:
			status = StatusFailed
		case EventSkipped:
			// no status change; always followed by a terminal event
		case EventRecovered:
			status = StatusRunning
		}
	}
	return status, retryCount, repairCount
}

// ApplyEventFold overwrites step's three derived fields from its own event
// list. It never touches ErrorCode: BLOCKED/FAILED events carry no code of
// their own, so the code set when the terminal result was recorded is
// authoritative.
func ApplyEventFold(step *StepRecord) {
	status, retryCount, repairCount := FoldEvents(step.Events)
	step.Status = status
	step.RetryCount = retryCount
	step.RepairCount = repairCount
}
