// Package signal provides a one-shot, replayable completion primitive for
// progress coordination. A [Signal] completes at most once, with or without
// a terminal error; waiters that arrive after completion observe the
// outcome immediately instead of blocking, and the single terminal error is
// delivered to every current and future waiter.
//
// Both consumption styles are built on the same state: blocking waits via
// [Signal.Wait], and callback delivery via [Signal.OnComplete], which runs
// callbacks on a bounded worker [Pool].
package signal

import (
	"context"
	"sync"
	"time"
)

// Pool is a bounded worker pool used to deliver completion callbacks.
// Delivery never runs on the completing goroutine, so a slow subscriber
// cannot stall the sync lane.
type Pool struct {
	tasks chan func()
	wg    sync.WaitGroup

	closeOnce sync.Once
}

// NewPool starts a pool with the given number of workers and a queue of
// the given capacity.
func NewPool(workers, queue int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{tasks: make(chan func(), queue)}
	p.wg.Add(workers)
	for range workers {
		go func() {
			defer p.wg.Done()
			for fn := range p.tasks {
				fn()
			}
		}()
	}
	return p
}

// Submit enqueues fn for execution, blocking when the queue is full.
func (p *Pool) Submit(fn func()) {
	p.tasks <- fn
}

// Close stops accepting work and waits for queued tasks to drain.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.tasks) })
	p.wg.Wait()
}

// Signal is a one-shot, broadcastable completion signal. The zero value is
// not usable; create signals with [New].
type Signal struct {
	pool *Pool

	mu        sync.Mutex
	done      chan struct{}
	err       error
	callbacks []func(error)
}

// New creates an incomplete Signal whose callbacks are delivered on pool.
// A nil pool delivers each callback on its own goroutine.
func New(pool *Pool) *Signal {
	return &Signal{pool: pool, done: make(chan struct{})}
}

// Complete marks the signal successfully completed. Only the first
// Complete or Fail takes effect; later calls are no-ops.
func (s *Signal) Complete() { s.finish(nil) }

// Fail marks the signal completed with a terminal error. Only the first
// Complete or Fail takes effect; later calls are no-ops.
func (s *Signal) Fail(err error) { s.finish(err) }

func (s *Signal) finish(err error) {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return
	default:
	}
	s.err = err
	cbs := s.callbacks
	s.callbacks = nil
	close(s.done)
	s.mu.Unlock()

	for _, cb := range cbs {
		s.dispatch(cb, err)
	}
}

// Done returns a channel closed when the signal completes.
func (s *Signal) Done() <-chan struct{} { return s.done }

// Completed reports whether the signal has already completed.
func (s *Signal) Completed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Err returns the terminal error, or nil. Only meaningful once the signal
// has completed.
func (s *Signal) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Wait blocks until the signal completes or ctx is done. On completion it
// returns the signal's terminal error. A completion arriving after the
// wait has given up is a no-op for that detached waiter.
func (s *Signal) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitTimeout is Wait with a caller-supplied timeout.
func (s *Signal) WaitTimeout(d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return s.Wait(ctx)
}

// OnComplete registers fn to receive the terminal outcome. If the signal
// has already completed, fn is delivered immediately (replay); otherwise
// it runs once on completion. Delivery happens on the worker pool.
func (s *Signal) OnComplete(fn func(error)) {
	s.mu.Lock()
	select {
	case <-s.done:
		err := s.err
		s.mu.Unlock()
		s.dispatch(fn, err)
		return
	default:
	}
	s.callbacks = append(s.callbacks, fn)
	s.mu.Unlock()
}

func (s *Signal) dispatch(fn func(error), err error) {
	if s.pool == nil {
		go fn(err)
		return
	}
	s.pool.Submit(func() { fn(err) })
}
