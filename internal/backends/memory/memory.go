// Package memory implements the task store contract in process memory. It
// is the default store for single-process deployments and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/taskforge/taskforge/internal/backend"
	"github.com/taskforge/taskforge/internal/domain/model"
)

func init() {
	backend.RegisterStore("memory", func(_ context.Context, _ backend.StoreConfig) (backend.TaskStore, error) {
		return New(), nil
	})
}

// Store keeps tasks in a map and queued ids in a slice. All waiters in this
// process share one callback table, fulfilled by SaveTask when a task
// reaches a ready state.
type Store struct {
	mu        sync.Mutex
	tasks     map[string]*model.Task
	queue     []string
	wake      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	callbacks *backend.Callbacks
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		tasks:     make(map[string]*model.Task),
		wake:      make(chan struct{}, 1),
		closed:    make(chan struct{}),
		callbacks: backend.NewCallbacks(),
	}
}

// PutTask appends the id to the queue.
func (s *Store) PutTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	s.queue = append(s.queue, taskID)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// GetTask retrieves a task; see backend.GetTaskParams.
func (s *Store) GetTask(ctx context.Context, p backend.GetTaskParams) (*model.Task, error) {
	if p.ID != "" {
		if p.WhenDone {
			return s.waitDone(ctx, p.ID)
		}
		return s.lookup(p.ID), nil
	}
	return s.dequeue(ctx, p.Timeout)
}

func (s *Store) lookup(taskID string) *model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[taskID].Clone()
}

func (s *Store) waitDone(ctx context.Context, taskID string) (*model.Task, error) {
	task := s.lookup(taskID)
	if task == nil {
		return nil, nil
	}
	if task.Done() {
		return task, nil
	}

	ch := s.callbacks.WhenDone(task)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, nil
	case done := <-ch:
		return done, nil
	}
}

func (s *Store) dequeue(ctx context.Context, timeout time.Duration) (*model.Task, error) {
	if timeout <= 0 {
		timeout = time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		s.mu.Lock()
		for len(s.queue) > 0 {
			taskID := s.queue[0]
			s.queue = s.queue[1:]
			if task := s.tasks[taskID]; task != nil {
				s.mu.Unlock()
				return task.Clone(), nil
			}
			// Stale id (task deleted while queued); keep draining.
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.closed:
			return nil, nil
		case <-deadline.C:
			return nil, nil
		case <-s.wake:
		}
	}
}

// GetTasks returns the tasks matching the filter.
func (s *Store) GetTasks(_ context.Context, f backend.TaskFilter) ([]*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Task
	for _, task := range s.tasks {
		if f.Match(task) {
			out = append(out, task.Clone())
		}
	}
	return out, nil
}

// SaveTask upserts a task record. Status transitions follow the precedence
// order; local waiters are fulfilled when the task reaches a ready state.
func (s *Store) SaveTask(_ context.Context, taskID string, fields backend.Fields) (*model.Task, error) {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		task = &model.Task{ID: taskID}
		s.tasks[taskID] = task
	}
	fields.Apply(task)
	saved := task.Clone()
	s.mu.Unlock()

	s.callbacks.Fire(saved)
	return saved, nil
}

// DeleteTasks removes the given ids, returning how many existed.
func (s *Store) DeleteTasks(_ context.Context, taskIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for _, taskID := range taskIDs {
		if _, ok := s.tasks[taskID]; ok {
			delete(s.tasks, taskID)
			deleted++
		}
	}
	return deleted, nil
}

// NumTasks returns the number of queued ids.
func (s *Store) NumTasks(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue), nil
}

// Close unblocks pending waiters and dequeues.
func (s *Store) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

var _ backend.TaskStore = (*Store)(nil)
