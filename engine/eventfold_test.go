package engine

import "testing"

func TestFoldEventsHappyPath(t *testing.T) {
	events := []StepEvent{
		{Kind: EventStarted},
		{Kind: EventOK},
	}
	status, retries, repairs := FoldEvents(events)
	if status != StatusOK || retries != 0 || repairs != 0 {
		t.Fatalf("got (%v, %d, %d), want (OK, 0, 0)", status, retries, repairs)
	}
}

func TestFoldEventsCountsRetriesAndRepairs(t *testing.T) {
	events := []StepEvent{
		{Kind: EventStarted},
		{Kind: EventRetry, Error: ErrToolErrorTransient},
		{Kind: EventRetry, Error: ErrSchemaInvalid, RepairAttempt: true},
		{Kind: EventOK},
	}
	status, retries, repairs := FoldEvents(events)
	if status != StatusOK || retries != 2 || repairs != 1 {
		t.Fatalf("got (%v, %d, %d), want (OK, 2, 1)", status, retries, repairs)
	}
}

func TestFoldEventsSkippedThenTerminal(t *testing.T) {
	events := []StepEvent{
		{Kind: EventSkipped, Reason: "fingerprint hit"},
		{Kind: EventOK},
	}
	status, _, _ := FoldEvents(events)
	if status != StatusOK {
		t.Fatalf("got %v, want OK", status)
	}
}

func TestFoldEventsRecoveredResumesRunning(t *testing.T) {
	events := []StepEvent{
		{Kind: EventStarted},
		{Kind: EventRecovered},
	}
	status, _, _ := FoldEvents(events)
	if status != StatusRunning {
		t.Fatalf("got %v, want RUNNING", status)
	}
}

func TestFoldEventsBlockedAndFailedTerminal(t *testing.T) {
	cases := []struct {
		kind EventKind
		want StepStatus
	}{
		{EventBlocked, StatusBlocked},
		{EventFailed, StatusFailed},
	}
	for _, c := range cases {
		events := []StepEvent{{Kind: EventStarted}, {Kind: c.kind}}
		status, _, _ := FoldEvents(events)
		if status != c.want {
			t.Fatalf("kind %v: got %v, want %v", c.kind, status, c.want)
		}
	}
}

func TestFoldEventsEmptyListIsPending(t *testing.T) {
	status, retries, repairs := FoldEvents(nil)
	if status != StatusPending || retries != 0 || repairs != 0 {
		t.Fatalf("got (%v, %d, %d), want (PENDING, 0, 0)", status, retries, repairs)
	}
}

func TestApplyEventFoldOverwritesDerivedFieldsOnly(t *testing.T) {
	step := &StepRecord{
		ErrorCode: ErrSchemaInvalid,
		Events: []StepEvent{
			{Kind: EventStarted},
			{Kind: EventRetry},
			{Kind: EventFailed},
		},
	}
	ApplyEventFold(step)
	if step.Status != StatusFailed {
		t.Fatalf("status = %v, want FAILED", step.Status)
	}
	if step.RetryCount != 1 {
		t.Fatalf("retry_count = %d, want 1", step.RetryCount)
	}
	if step.ErrorCode != ErrSchemaInvalid {
		t.Fatalf("ApplyEventFold must not touch error_code, got %v", step.ErrorCode)
	}
}
