package emit

import "context"

// Emitter receives observability events raised during run execution.
//
// Implementations should be:
//   - Non-blocking: never slow down the driver's dispatch loop.
//   - Thread-safe: steps within a batch emit concurrently.
//   - Resilient: a broken backend must not fail the run.
type Emitter interface {
	// Emit sends a single event. It must not panic; backend errors should
	// be logged internally rather than propagated.
	Emit(event Event)

	// EmitBatch sends multiple events as a unit, preserving order.
	// Returns an error only on catastrophic, non-per-event failures.
	EmitBatch(ctx context.Context, events []Event) error

	// Flush blocks until any buffered events are delivered or ctx expires.
	// Safe to call multiple times.
	Flush(ctx context.Context) error
}

// MultiEmitter fans out every event to each of its emitters in order.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter builds an Emitter that forwards to all of emitters.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

func (m *MultiEmitter) Emit(event Event) {
	for _, e := range m.emitters {
		e.Emit(event)
	}
}

func (m *MultiEmitter) EmitBatch(ctx context.Context, events []Event) error {
	var firstErr error
	for _, e := range m.emitters {
		if err := e.EmitBatch(ctx, events); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *MultiEmitter) Flush(ctx context.Context) error {
	var firstErr error
	for _, e := range m.emitters {
		if err := e.Flush(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NullEmitter discards every event. Useful as a default when no
// observability backend is configured.
type NullEmitter struct{}

func (NullEmitter) Emit(Event)                              {}
func (NullEmitter) EmitBatch(context.Context, []Event) error { return nil }
func (NullEmitter) Flush(context.Context) error              { return nil }

var _ Emitter = NullEmitter{}
var _ Emitter = (*MultiEmitter)(nil)
