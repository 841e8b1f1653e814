// Package backend implements the task engine core: task creation with
// deduplication, the pluggable task store contract, the callback table, and
// the periodic scheduler table. A Backend is responsible for creating tasks
// and putting them into the distributed queue; it also schedules the run of
// periodic jobs when enabled to do so.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/taskforge/taskforge/internal/domain/model"
	"github.com/taskforge/taskforge/internal/domain/schedule"
	"github.com/taskforge/taskforge/internal/registry"
)

const defaultPollTimeout = time.Second

// Hook is called on the compute worker around a task execution.
type Hook func(c *registry.Consumer)

// Options groups dependencies for a Backend.
type Options struct {
	Store            TaskStore          // Required: queue and record store
	Registry         *registry.Registry // Optional: defaults to the process registry
	Logger           *slog.Logger       // Optional: structured logger
	SchedulePeriodic bool               // Enables the periodic scheduler table
	PollTimeout      time.Duration      // Dequeue poll timeout; defaults to 1s
	Now              func() time.Time   // Optional time source for tests

	// OnStartTask and OnFinishTask run on the compute worker around each
	// task execution.
	OnStartTask  Hook
	OnFinishTask Hook
}

// Backend is the task engine core. All of its methods are safe for
// concurrent use; the scheduler entry table is guarded internally because
// create paths and the tick loop both advance entries.
type Backend struct {
	store       TaskStore
	registry    *registry.Registry
	logger      *slog.Logger
	pollTimeout time.Duration
	now         func() time.Time

	onStartTask  Hook
	onFinishTask Hook

	schedulePeriodic bool
	mu               sync.Mutex
	entries          map[string]*schedule.Entry
	nextRun          time.Time
}

// New constructs a Backend. When SchedulePeriodic is set, the scheduler
// entry table is built from the periodic jobs in the registry.
func New(opts Options) (*Backend, error) {
	if opts.Store == nil {
		return nil, errors.New("task store is required")
	}
	reg := opts.Registry
	if reg == nil {
		reg = registry.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pollTimeout := opts.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = defaultPollTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	b := &Backend{
		store:            opts.Store,
		registry:         reg,
		logger:           logger,
		pollTimeout:      pollTimeout,
		now:              now,
		onStartTask:      opts.OnStartTask,
		onFinishTask:     opts.OnFinishTask,
		schedulePeriodic: opts.SchedulePeriodic,
		nextRun:          now(),
	}
	if opts.SchedulePeriodic {
		b.entries = b.setupSchedule()
	}
	return b, nil
}

// setupSchedule builds one scheduler entry per periodic job in the registry.
func (b *Backend) setupSchedule() map[string]*schedule.Entry {
	entries := make(map[string]*schedule.Entry)
	now := b.now()
	for _, job := range b.registry.FilterType(registry.TypePeriodic) {
		entries[job.Name] = schedule.NewEntry(job.Name, schedule.New(job.RunEvery, job.Anchor), now)
	}
	return entries
}

// Registry returns the job registry backing this engine.
func (b *Backend) Registry() *registry.Registry {
	return b.registry
}

// Store returns the underlying task store.
func (b *Backend) Store() TaskStore {
	return b.store
}

// SchedulePeriodic reports whether this backend runs the periodic scheduler.
func (b *Backend) SchedulePeriodic() bool {
	return b.schedulePeriodic
}

// NextRun returns when the scheduler expects its next due entry.
func (b *Backend) NextRun() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextRun
}

// OnStartTask runs the start hook for a task executing on a compute worker.
func (b *Backend) OnStartTask(c *registry.Consumer) {
	if b.onStartTask != nil {
		b.onStartTask(c)
	}
}

// OnFinishTask runs the finish hook for a task executing on a compute
// worker.
func (b *Backend) OnFinishTask(c *registry.Consumer) {
	if b.onFinishTask != nil {
		b.onFinishTask(c)
	}
}

// CreateParams describes one task creation request.
type CreateParams struct {
	JobName  string
	Args     []any
	Kwargs   map[string]any
	Expiry   *Expiry // Optional: explicit deadline, overrides the job timeout
	FromTask string  // Optional: parent task id for lineage
}

// RunJob creates a task for the named job and puts its id into the queue.
// Returns the task id, or the empty string when the request was absorbed by
// an earlier identical request still in flight.
func (b *Backend) RunJob(ctx context.Context, jobname string, args []any, kwargs map[string]any) (string, error) {
	return b.RunJobWith(ctx, CreateParams{JobName: jobname, Args: args, Kwargs: kwargs})
}

// Run is a shortcut for RunJob with positional arguments only.
func (b *Backend) Run(ctx context.Context, jobname string, args ...any) (string, error) {
	return b.RunJob(ctx, jobname, args, nil)
}

// RunJobWith creates a task with full meta parameters and puts its id into
// the queue.
func (b *Backend) RunJobWith(ctx context.Context, p CreateParams) (string, error) {
	taskID, err := b.CreateTask(ctx, p)
	if err != nil {
		return "", err
	}
	if taskID == "" {
		return "", nil
	}
	if err := b.store.PutTask(ctx, taskID); err != nil {
		return "", fmt.Errorf("put task %s: %w", taskID, err)
	}
	return taskID, nil
}

// CreateTask materialises a new task for the named job without queueing it.
//
// The task id is computed by the job (deterministic by default), and an
// existing task under that id controls deduplication: a live task absorbs
// the request, a done task is rewritten under a fresh id before the new
// record is created. Returns the new task id, or the empty string when the
// request was absorbed.
func (b *Backend) CreateTask(ctx context.Context, p CreateParams) (string, error) {
	job := b.registry.Get(p.JobName)
	if job == nil {
		return "", &model.TaskNotAvailableError{Name: p.JobName}
	}

	taskID := job.TaskID(p.Args, p.Kwargs)

	existing, err := b.store.GetTask(ctx, GetTaskParams{ID: taskID})
	if err != nil {
		return "", fmt.Errorf("look up task %s: %w", taskID, err)
	}
	if existing != nil {
		if existing.Done() {
			existing, err = b.handleTaskDone(ctx, existing)
			if err != nil {
				return "", err
			}
		}
	}
	if existing != nil {
		b.logger.DebugContext(ctx, "task already requested, abort",
			"job", job.Name, "task_id", taskID, "status", existing.Status)
		return "", nil
	}

	b.advanceEntry(job.Name)

	timeExecuted := b.now()
	var expiry *time.Time
	switch {
	case p.Expiry != nil:
		e := p.Expiry.Resolve(timeExecuted)
		expiry = &e
	case job.Timeout > 0:
		e := timeExecuted.Add(job.Timeout)
		expiry = &e
	}

	b.logger.DebugContext(ctx, "queue new task", "job", job.Name, "task_id", taskID)

	fields := Fields{
		Name:         ptr(job.Name),
		Args:         p.Args,
		Kwargs:       p.Kwargs,
		Status:       ptr(model.StatusPending),
		TimeExecuted: ptr(timeExecuted),
	}
	if expiry != nil {
		fields.Expiry = expiry
	}
	if p.FromTask != "" {
		fields.FromTask = ptr(p.FromTask)
	}
	if _, err := b.store.SaveTask(ctx, taskID, fields); err != nil {
		return "", fmt.Errorf("save task %s: %w", taskID, err)
	}
	return taskID, nil
}

// handleTaskDone frees a deterministic id held by a completed task: the old
// record is deleted first, then rewritten under a fresh id so its result
// history survives. Returns nil to signal the id is free again.
func (b *Backend) handleTaskDone(ctx context.Context, task *model.Task) (*model.Task, error) {
	newID := registry.RandomTaskID()
	fields := FieldsFromTask(task)

	if _, err := b.store.DeleteTasks(ctx, []string{task.ID}); err != nil {
		return nil, fmt.Errorf("delete done task %s: %w", task.ID, err)
	}
	if _, err := b.store.SaveTask(ctx, newID, fields); err != nil {
		return nil, fmt.Errorf("rewrite done task %s as %s: %w", task.ID, newID, err)
	}
	return nil, nil
}

// advanceEntry moves the scheduler entry for a job forward when a task for
// it is actually created, which makes duplicate ticks at the same instant
// fire each entry at most once.
func (b *Backend) advanceEntry(jobName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if entry, ok := b.entries[jobName]; ok {
		entry.Next(b.now())
	}
}

// GetTask retrieves a task from the store; see GetTaskParams.
func (b *Backend) GetTask(ctx context.Context, p GetTaskParams) (*model.Task, error) {
	if p.Timeout <= 0 {
		p.Timeout = b.pollTimeout
	}
	return b.store.GetTask(ctx, p)
}

// NextTask dequeues the next ready task within the backend poll timeout.
func (b *Backend) NextTask(ctx context.Context) (*model.Task, error) {
	return b.store.GetTask(ctx, GetTaskParams{Timeout: b.pollTimeout})
}

// GetTasks retrieves a group of tasks from the store.
func (b *Backend) GetTasks(ctx context.Context, f TaskFilter) ([]*model.Task, error) {
	return b.store.GetTasks(ctx, f)
}

// SaveTask creates or updates a task record.
func (b *Backend) SaveTask(ctx context.Context, taskID string, fields Fields) (*model.Task, error) {
	return b.store.SaveTask(ctx, taskID, fields)
}

// DeleteTasks deletes a group of tasks.
func (b *Backend) DeleteTasks(ctx context.Context, taskIDs []string) (int, error) {
	return b.store.DeleteTasks(ctx, taskIDs)
}

// NumTasks returns the number of queued task ids.
func (b *Backend) NumTasks(ctx context.Context) (int, error) {
	return b.store.NumTasks(ctx)
}

// WaitForTask suspends until the task reaches a ready state and returns it.
func (b *Backend) WaitForTask(ctx context.Context, taskID string) (*model.Task, error) {
	return b.store.GetTask(ctx, GetTaskParams{ID: taskID, WhenDone: true, Timeout: b.pollTimeout})
}

// Tick runs one iteration of the periodic scheduler: every due entry fires
// a run of its job, and the next tick time is derived from the smallest
// remaining wait. A single job's failure never stops the tick.
func (b *Backend) Tick(ctx context.Context, now time.Time) int {
	if !b.schedulePeriodic {
		return 0
	}

	type due struct {
		name string
	}
	var fire []due
	var remaining []time.Duration

	b.mu.Lock()
	for _, entry := range b.entries {
		isDue, wait := entry.IsDue(now)
		if isDue {
			fire = append(fire, due{name: entry.Name})
		}
		if wait > 0 {
			remaining = append(remaining, wait)
		}
	}
	b.mu.Unlock()

	fired := 0
	for _, d := range fire {
		if _, err := b.RunJob(ctx, d.name, nil, nil); err != nil {
			b.logger.ErrorContext(ctx, "scheduler run job failed", "job", d.name, "error", err)
			continue
		}
		fired++
	}

	next := now
	if len(remaining) > 0 {
		wait := remaining[0]
		for _, r := range remaining[1:] {
			if r < wait {
				wait = r
			}
		}
		next = now.Add(wait)
	}
	b.mu.Lock()
	b.nextRun = next
	b.mu.Unlock()

	return fired
}

// NextScheduled returns the entry that fires soonest among the given job
// names (all entries when none are given) and the wait until it fires. ok is
// false when no entry matched.
func (b *Backend) NextScheduled(jobnames ...string) (string, time.Duration, bool) {
	if !b.schedulePeriodic {
		return "", 0, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	candidates := b.entries
	if len(jobnames) > 0 {
		candidates = make(map[string]*schedule.Entry, len(jobnames))
		for _, name := range jobnames {
			if entry, ok := b.entries[name]; ok {
				candidates[name] = entry
			}
		}
	}

	now := b.now()
	var nextName string
	var nextWait time.Duration
	found := false
	for _, entry := range candidates {
		isDue, wait := entry.IsDue(now)
		if isDue {
			return entry.Name, 0, true
		}
		if !found || wait < nextWait {
			nextName = entry.Name
			nextWait = wait
			found = true
		}
	}
	if !found {
		return "", 0, false
	}
	return nextName, nextWait, true
}

// Entry returns the scheduler entry for a job, or nil.
func (b *Backend) Entry(jobName string) *schedule.Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries[jobName]
}

// JobInfo describes one registered job for introspection.
type JobInfo struct {
	Name       string
	Doc        string
	Type       registry.Type
	CanOverlap string
	Periodic   *PeriodicInfo
}

// PeriodicInfo extends JobInfo for jobs with a scheduler entry.
type PeriodicInfo struct {
	NextRun  time.Duration
	RunEvery time.Duration
	RunCount int
}

// JobList reports the registered jobs, restricted to the given names when
// any are passed. Unknown names are skipped.
func (b *Backend) JobList(jobnames ...string) []JobInfo {
	names := jobnames
	if len(names) == 0 {
		names = b.registry.Names()
	}

	var infos []JobInfo
	for _, name := range names {
		job := b.registry.Get(name)
		if job == nil {
			continue
		}
		overlap := "false"
		if job.CanOverlapFunc != nil {
			overlap = "maybe"
		} else if job.CanOverlap {
			overlap = "true"
		}
		info := JobInfo{
			Name:       job.Name,
			Doc:        job.Doc,
			Type:       job.Type,
			CanOverlap: overlap,
		}
		if entry := b.Entry(name); entry != nil {
			_, wait, _ := b.NextScheduled(name)
			info.Periodic = &PeriodicInfo{
				NextRun:  wait,
				RunEvery: entry.RunEvery(),
				RunCount: entry.TotalRunCount,
			}
		}
		infos = append(infos, info)
	}
	return infos
}

// Close releases the underlying store.
func (b *Backend) Close() error {
	return b.store.Close()
}
