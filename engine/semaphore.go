package engine

import (
	"context"
	"fmt"
)

// Semaphore is a counting semaphore with a FIFO waiter queue (spec §4.4).
type Semaphore struct {
	permits   int
	max       int
	acquireCh chan acquireRequest
	releaseCh chan releaseRequest
	done      chan struct{}
}

type acquireRequest struct {
	grant chan struct{}
}

type releaseRequest struct {
	err chan error
}

// NewSemaphore constructs a Semaphore with the given permit count. permits
// must be >= 1.
func NewSemaphore(permits int) (*Semaphore, error) {
	if permits < 1 {
		return nil, fmt.Errorf("%w: semaphore permits must be >= 1, got %d", ErrInvariantViolation, permits)
	}
	s := &Semaphore{
		permits:   permits,
		max:       permits,
		acquireCh: make(chan acquireRequest),
		releaseCh: make(chan releaseRequest),
		done:      make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// run is the single goroutine owning semaphore state, serializing
// acquire/release so the waiter queue is exactly FIFO.
func (s *Semaphore) run() {
	var queue []chan struct{}
	for {
		select {
		case req := <-s.acquireCh:
			if s.permits > 0 && len(queue) == 0 {
				s.permits--
				close(req.grant)
			} else {
				queue = append(queue, req.grant)
			}
		case req := <-s.releaseCh:
			if len(queue) > 0 {
				next := queue[0]
				queue = queue[1:]
				close(next)
				req.err <- nil
			} else if s.permits >= s.max {
				req.err <- fmt.Errorf("%w: release with no waiters at max permits", ErrInvariantViolation)
			} else {
				s.permits++
				req.err <- nil
			}
		case <-s.done:
			return
		}
	}
}

// Acquire blocks until a permit is available or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	req := acquireRequest{grant: make(chan struct{})}
	select {
	case s.acquireCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.grant:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a permit, waking the longest-waiting acquirer if any.
// Releasing past the construction maximum with no waiters is a caller bug
// and returns ErrInvariantViolation.
func (s *Semaphore) Release() error {
	req := releaseRequest{err: make(chan error, 1)}
	s.releaseCh <- req
	return <-req.err
}

// Close stops the semaphore's internal goroutine. Safe to call once.
func (s *Semaphore) Close() {
	close(s.done)
}
