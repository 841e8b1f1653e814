package backend

import (
	"context"
	"time"

	"github.com/taskforge/taskforge/internal/domain/model"
)

// GetTaskParams selects what GetTask retrieves. With ID set it is a point
// lookup; without, it dequeues the next ready id and loads the task. With
// WhenDone the call suspends until the task reaches a ready state.
type GetTaskParams struct {
	ID       string
	WhenDone bool
	Timeout  time.Duration
}

// TaskFilter narrows GetTasks. Zero fields match everything.
type TaskFilter struct {
	IDs      []string
	Name     string
	Statuses []model.Status
}

// Match reports whether a task satisfies the filter.
func (f TaskFilter) Match(t *model.Task) bool {
	if len(f.IDs) > 0 {
		found := false
		for _, id := range f.IDs {
			if id == t.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Name != "" && f.Name != t.Name {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if s == t.Status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Fields is a partial task update for SaveTask. Nil pointers leave the
// stored value untouched; last writer wins per field. Status is applied only
// when the transition is admissible under the precedence order.
type Fields struct {
	Name         *string
	Args         []any
	Kwargs       map[string]any
	Status       *model.Status
	TimeExecuted *time.Time
	TimeStarted  *time.Time
	TimeEnded    *time.Time
	Expiry       *time.Time
	Result       any
	ResultSet    bool
	FromTask     *string
}

// Apply merges the fields into a task, enforcing status monotonicity against
// the task's current status. A task with no status yet (a fresh record)
// accepts any status.
func (f Fields) Apply(t *model.Task) {
	if f.Name != nil {
		t.Name = *f.Name
	}
	if f.Args != nil {
		t.Args = f.Args
	}
	if f.Kwargs != nil {
		t.Kwargs = f.Kwargs
	}
	if f.Status != nil {
		if t.Status == "" || t.Status.Admits(*f.Status) {
			t.Status = *f.Status
		}
	}
	if f.TimeExecuted != nil {
		t.TimeExecuted = *f.TimeExecuted
	}
	if f.TimeStarted != nil {
		t.TimeStarted = f.TimeStarted
	}
	if f.TimeEnded != nil {
		t.TimeEnded = f.TimeEnded
	}
	if f.Expiry != nil {
		t.Expiry = f.Expiry
	}
	if f.ResultSet {
		t.Result = f.Result
	}
	if f.FromTask != nil {
		t.FromTask = *f.FromTask
	}
}

// FieldsFromTask rebuilds a full field set from an existing task, used when
// a completed record is rewritten under a fresh id.
func FieldsFromTask(t *model.Task) Fields {
	f := Fields{
		Name:         ptr(t.Name),
		Args:         t.Args,
		Kwargs:       t.Kwargs,
		Status:       ptr(t.Status),
		TimeExecuted: ptr(t.TimeExecuted),
		TimeStarted:  t.TimeStarted,
		TimeEnded:    t.TimeEnded,
		Expiry:       t.Expiry,
		Result:       t.Result,
		ResultSet:    true,
	}
	if t.FromTask != "" {
		f.FromTask = ptr(t.FromTask)
	}
	return f
}

func ptr[T any](v T) *T { return &v }

// TaskStore is the pluggable contract over an external queue and store. A
// concrete store owns task identity persistence, status transitions, and
// delete semantics; in-memory and remote implementations are
// interchangeable behind it.
type TaskStore interface {
	// PutTask appends a task id to the shared queue with at-least-once
	// delivery to some worker.
	PutTask(ctx context.Context, taskID string) error

	// GetTask retrieves a task per GetTaskParams. Returns (nil, nil) when no
	// task matches or no id is ready within the poll timeout.
	GetTask(ctx context.Context, p GetTaskParams) (*model.Task, error)

	// GetTasks retrieves a group of tasks matching the filter, in
	// unspecified order.
	GetTasks(ctx context.Context, f TaskFilter) ([]*model.Task, error)

	// SaveTask creates or updates a task with the given fields and returns
	// the persisted record. The status transition must be observable
	// atomically.
	SaveTask(ctx context.Context, taskID string, fields Fields) (*model.Task, error)

	// DeleteTasks deletes the given ids, returning how many existed.
	// Idempotent.
	DeleteTasks(ctx context.Context, taskIDs []string) (int, error)

	// NumTasks returns the number of ids currently in the queue.
	NumTasks(ctx context.Context) (int, error)

	// Close releases any resources held by the store.
	Close() error
}
