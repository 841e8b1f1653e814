package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/taskforge/taskforge/internal/backend"
	"github.com/taskforge/taskforge/internal/domain/model"
	"github.com/taskforge/taskforge/internal/registry"
)

const (
	defaultBacklog  = 5
	defaultPoolSize = 4
)

// Options groups dependencies for a Worker.
type Options struct {
	Backend *backend.Backend // Required: task engine
	Logger  *slog.Logger     // Optional: structured logger
	Backlog int              // Max concurrent tasks on this worker; defaults to 5
	Pool    int              // Compute pool size; defaults to 4
	Now     func() time.Time // Optional time source for tests
}

// Worker pulls tasks from the backend and executes them on its compute
// pool. One goroutine (the event loop) owns concurrentRequests and the poll
// state; the compute pool posts completions back to it, so those fields are
// never touched from two goroutines.
type Worker struct {
	backend *backend.Backend
	logger  *slog.Logger
	loop    *EventLoop
	backlog int
	pool    *ThreadPool
	now     func() time.Time

	// Event-loop-owned state. Only touched from loop callbacks.
	concurrentRequests int
	pollInFlight       bool

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	done    chan struct{}
}

// New constructs a Worker.
func New(opts Options) (*Worker, error) {
	if opts.Backend == nil {
		return nil, errors.New("backend is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	backlog := opts.Backlog
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	poolSize := opts.Pool
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	w := &Worker{
		backend: opts.Backend,
		logger:  logger.With("component", "worker"),
		loop:    NewEventLoop(),
		backlog: backlog,
		now:     now,
	}
	w.pool = NewThreadPool(poolSize)
	return w, nil
}

// Running reports whether the worker is consuming tasks.
func (w *Worker) Running() bool {
	return w.loop.Running()
}

// Start arms the pull loop on the event loop and begins consuming tasks.
// It returns immediately; Close stops the worker.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return errors.New("worker already started")
	}
	w.started = true

	w.ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		w.loop.Run(w.ctx)
	}()

	w.loop.CallSoon(w.mayPollTask)
	w.logger.DebugContext(ctx, "started polling tasks", "backlog", w.backlog)
	return nil
}

// Run starts the worker and blocks until the context is cancelled, then
// closes it. Suitable for errgroup orchestration.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	w.Close()
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

// Close cancels the task poller and waits for in-flight task bodies to run
// to completion. Their results are discarded if their tasks were already
// revoked.
func (w *Worker) Close() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	cancel()
	<-done
	w.pool.Close()
	w.logger.Debug("stopped polling tasks")
}

// mayPollTask is the pull loop body, run on the event loop. It polls a new
// task when the backlog allows and hands it to the compute pool, then
// re-arms itself. It never blocks the loop: the actual dequeue happens on a
// helper goroutine that posts its result back.
func (w *Worker) mayPollTask() {
	if !w.Running() {
		return
	}
	if w.pool == nil {
		// Yield without consuming; tasks stay queued for other workers.
		w.logger.Warn("no thread pool, cannot poll tasks")
		w.loop.CallSoon(w.mayPollTask)
		return
	}
	if w.concurrentRequests >= w.backlog {
		w.logger.Debug("cannot poll tasks, backlog full",
			"concurrent_requests", w.concurrentRequests, "backlog", w.backlog)
		// Re-armed by doneTask when a slot frees.
		return
	}
	if w.pollInFlight {
		return
	}
	w.pollInFlight = true
	go w.pollOnce()
}

// pollOnce performs one dequeue off the event loop and posts the outcome
// back to it.
func (w *Worker) pollOnce() {
	task, err := w.backend.NextTask(w.ctx)

	w.loop.CallSoonThreadsafe(func() {
		w.pollInFlight = false

		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				w.logger.Warn("poll task failed", "error", err)
			}
		} else if task != nil && w.Running() {
			w.concurrentRequests++
			dispatched := w.pool.ApplyAsync(func() { w.executeTask(task) })
			if !dispatched {
				w.concurrentRequests--
			}
		}

		w.loop.CallSoon(w.mayPollTask)
	})
}

// doneTask runs on the event loop once a task execution finished on the
// compute pool. It frees a backlog slot and re-arms the pull loop.
func (w *Worker) doneTask(taskID string) {
	w.concurrentRequests--
	w.logger.Debug("task done", "task_id", taskID,
		"concurrent_requests", w.concurrentRequests)
	w.loop.CallSoon(w.mayPollTask)
}

// ConcurrentRequests reads the in-flight counter through the event loop, so
// the observation is consistent with loop-owned state.
func (w *Worker) ConcurrentRequests() int {
	ch := make(chan int, 1)
	w.loop.CallSoonThreadsafe(func() { ch <- w.concurrentRequests })
	select {
	case n := <-ch:
		return n
	case <-time.After(time.Second):
		return -1
	}
}

var _ registry.WorkerRef = (*Worker)(nil)

// taskAlreadyOwned reports whether another worker has progressed the task to
// STARTED or beyond, in which case this worker must not execute it.
func taskAlreadyOwned(task *model.Task) bool {
	return task.StatusCode() <= model.PrecedenceStarted
}
