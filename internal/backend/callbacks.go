package backend

import (
	"sync"

	"github.com/taskforge/taskforge/internal/domain/model"
)

// Callbacks maps task ids to one-shot completion waiters. One waiter exists
// per id; multiplexing several observers is the caller's responsibility.
// Entries are removed on fulfilment so the table never owns a task beyond
// the wait.
type Callbacks struct {
	mu      sync.Mutex
	waiters map[string]chan *model.Task
}

// NewCallbacks creates an empty callback table.
func NewCallbacks() *Callbacks {
	return &Callbacks{waiters: make(map[string]chan *model.Task)}
}

// WhenDone returns a channel that receives the task once it reaches a ready
// state. If the task is already done the channel is fulfilled immediately.
func (c *Callbacks) WhenDone(task *model.Task) <-chan *model.Task {
	if task.Done() {
		return c.pop(task)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.waiters[task.ID]
	if !ok {
		ch = make(chan *model.Task, 1)
		c.waiters[task.ID] = ch
	}
	return ch
}

// Finish completes a task: if it is not yet done its status is forced to
// REVOKED, then any waiter is fulfilled. Returns the task.
func (c *Callbacks) Finish(task *model.Task) *model.Task {
	if !task.Done() {
		task.Status = model.StatusRevoked
	}
	c.pop(task)
	return task
}

// Fire fulfils the waiter for a done task, if any. Tasks that are not yet
// done are left alone.
func (c *Callbacks) Fire(task *model.Task) {
	if task.Done() {
		c.pop(task)
	}
}

func (c *Callbacks) pop(task *model.Task) chan *model.Task {
	c.mu.Lock()
	ch, ok := c.waiters[task.ID]
	if ok {
		delete(c.waiters, task.ID)
	}
	c.mu.Unlock()

	if !ok {
		ch = make(chan *model.Task, 1)
	}
	ch <- task
	return ch
}
