// Package worker hosts the per-worker runtime: a single-goroutine event
// loop that owns all counters, a bounded compute pool that runs job bodies,
// the cooperative pull loop, and the task executor.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
)

// EventLoop is a single-goroutine cooperative executor. Everything posted to
// it runs serially on the loop goroutine, so state owned by the loop needs
// no locking. The queue is unbounded; posting never blocks the caller.
type EventLoop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	running atomic.Bool
}

// NewEventLoop creates a stopped event loop.
func NewEventLoop() *EventLoop {
	return &EventLoop{wake: make(chan struct{}, 1)}
}

// Running reports whether the loop is processing callbacks.
func (l *EventLoop) Running() bool {
	return l.running.Load()
}

// CallSoon schedules fn to run on the loop goroutine. Intended for calls
// made from the loop itself; one fn runs per turn.
func (l *EventLoop) CallSoon(fn func()) {
	l.post(fn)
}

// CallSoonThreadsafe schedules fn to run on the loop goroutine from any
// other goroutine. This is the only way compute workers communicate results
// back to loop-owned state.
func (l *EventLoop) CallSoonThreadsafe(fn func()) {
	l.post(fn)
}

func (l *EventLoop) post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run processes posted callbacks until the context is cancelled. Callbacks
// posted after cancellation are dropped.
func (l *EventLoop) Run(ctx context.Context) {
	l.running.Store(true)
	defer l.running.Store(false)

	for {
		l.mu.Lock()
		pending := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range pending {
			if ctx.Err() != nil {
				return
			}
			fn()
		}

		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		}
	}
}
