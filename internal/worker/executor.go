package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/taskforge/taskforge/internal/backend"
	"github.com/taskforge/taskforge/internal/domain/model"
	"github.com/taskforge/taskforge/internal/registry"
)

// outcomeKind tags the result of one task body invocation.
type outcomeKind int

const (
	outcomeCompleted outcomeKind = iota
	outcomeTimeout
	outcomeFailed
	outcomeSkipped
)

// outcome is the tagged result of the executor's inner step, classified
// into a status in one switch.
type outcome struct {
	kind  outcomeKind
	value any
	err   error
}

// executeTask runs one task body to completion on a compute goroutine and
// writes its terminal state. Completion is always signalled back to the
// event loop, whatever the outcome.
func (w *Worker) executeTask(task *model.Task) {
	defer w.loop.CallSoonThreadsafe(func() { w.doneTask(task.ID) })

	ctx := w.ctx
	job := w.backend.Registry().Get(task.Name)
	if job == nil {
		w.logger.ErrorContext(ctx, "task not in registry", "task_id", task.ID, "name", task.Name)
		w.finishTask(ctx, task, model.StatusFailure,
			fmt.Sprintf("task %q not in registry", task.Name), true)
		return
	}

	// Another worker owns any task already at STARTED or beyond; the
	// precedence check is the guard against double-start.
	if taskAlreadyOwned(task) {
		w.logger.DebugContext(ctx, "task already progressed, skipping",
			"task_id", task.ID, "status", task.Status)
		return
	}

	consumer := &registry.Consumer{
		Backend: w.backend,
		Worker:  w,
		TaskID:  task.ID,
		Job:     job,
	}

	out := w.runBody(ctx, consumer, task)
	if out.kind == outcomeSkipped {
		return
	}

	var status model.Status
	result := out.value
	resultSet := out.value != nil
	switch out.kind {
	case outcomeTimeout:
		w.logger.DebugContext(ctx, "task timed out", "task_id", task.ID)
		status = model.StatusRevoked
	case outcomeFailed:
		w.logger.ErrorContext(ctx, "task failed", "task_id", task.ID, "name", task.Name, "error", out.err)
		status = model.StatusFailure
		result = out.err.Error()
		resultSet = true
	default:
		status = model.StatusSuccess
		resultSet = true
	}

	// A task revoked while its body ran keeps REVOKED; the late result is
	// discarded.
	if current, err := w.backend.GetTask(ctx, backend.GetTaskParams{ID: task.ID}); err == nil &&
		current != nil && current.Status == model.StatusRevoked {
		w.logger.DebugContext(ctx, "task revoked while running, result discarded", "task_id", task.ID)
	} else {
		w.finishTask(ctx, task, status, result, resultSet)
	}
	w.backend.OnFinishTask(consumer)
}

// runBody performs the expiry check, the STARTED transition, and the job
// invocation, returning a tagged outcome.
func (w *Worker) runBody(ctx context.Context, consumer *registry.Consumer, task *model.Task) outcome {
	now := w.now()
	if task.Expired(now) {
		return outcome{kind: outcomeTimeout}
	}

	w.logger.DebugContext(ctx, "starting task", "task_id", task.ID, "name", task.Name)
	if _, err := w.backend.SaveTask(ctx, task.ID, backend.Fields{
		Status:      ptrStatus(model.StatusStarted),
		TimeStarted: &now,
	}); err != nil {
		return outcome{kind: outcomeFailed, err: fmt.Errorf("save started: %w", err)}
	}
	w.backend.OnStartTask(consumer)

	bodyCtx := ctx
	if task.Expiry != nil {
		var cancel context.CancelFunc
		bodyCtx, cancel = context.WithDeadline(ctx, *task.Expiry)
		defer cancel()
	}

	value, err := consumer.Job.Handler(bodyCtx, consumer, task.Args, task.Kwargs)
	switch {
	case err == nil:
		return outcome{kind: outcomeCompleted, value: value}
	case errors.Is(err, model.ErrTaskTimeout), errors.Is(err, context.DeadlineExceeded):
		return outcome{kind: outcomeTimeout}
	default:
		return outcome{kind: outcomeFailed, err: err}
	}
}

// finishTask writes the terminal state for a task.
func (w *Worker) finishTask(
	ctx context.Context,
	task *model.Task,
	status model.Status,
	result any,
	resultSet bool,
) {
	timeEnded := w.now()
	fields := backend.Fields{
		Status:    &status,
		TimeEnded: &timeEnded,
	}
	if resultSet {
		fields.Result = result
		fields.ResultSet = true
	}
	if _, err := w.backend.SaveTask(ctx, task.ID, fields); err != nil {
		w.logger.ErrorContext(ctx, "save terminal state failed",
			"task_id", task.ID, "status", status, "error", err)
		return
	}
	w.logger.DebugContext(ctx, "finished task", "task_id", task.ID, "status", status)
}

func ptrStatus(s model.Status) *model.Status { return &s }
