package backend_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/backend"
	"github.com/taskforge/taskforge/internal/backends/memory"
	"github.com/taskforge/taskforge/internal/domain/model"
	"github.com/taskforge/taskforge/internal/registry"
)

func noopHandler(_ context.Context, _ *registry.Consumer, _ []any, _ map[string]any) (any, error) {
	return nil, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(t0 time.Time) *clock { return &clock{now: t0} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// recordingStore logs the order of mutating store operations so tests can
// assert sequencing guarantees.
type recordingStore struct {
	backend.TaskStore
	mu  sync.Mutex
	ops []string
}

func (r *recordingStore) record(op string) {
	r.mu.Lock()
	r.ops = append(r.ops, op)
	r.mu.Unlock()
}

func (r *recordingStore) SaveTask(ctx context.Context, id string, f backend.Fields) (*model.Task, error) {
	r.record("save:" + id)
	return r.TaskStore.SaveTask(ctx, id, f)
}

func (r *recordingStore) DeleteTasks(ctx context.Context, ids []string) (int, error) {
	for _, id := range ids {
		r.record("delete:" + id)
	}
	return r.TaskStore.DeleteTasks(ctx, ids)
}

func newTestBackend(t *testing.T, opts backend.Options) (*backend.Backend, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	opts.Registry = reg
	if opts.Store == nil {
		opts.Store = memory.New()
	}
	b, err := backend.New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b, reg
}

func TestRunJobUnknownName(t *testing.T) {
	b, _ := newTestBackend(t, backend.Options{})

	_, err := b.RunJob(context.Background(), "ghost", nil, nil)
	require.Error(t, err)
	assert.True(t, model.IsTaskNotAvailable(err))
}

func TestRunJobCreatesPendingTask(t *testing.T) {
	b, reg := newTestBackend(t, backend.Options{})
	reg.MustRegister(&registry.Descriptor{Name: "sum", Handler: noopHandler})

	ctx := context.Background()
	id, err := b.RunJob(ctx, "sum", []any{1, 2}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	task, err := b.GetTask(ctx, backend.GetTaskParams{ID: id})
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, model.StatusPending, task.Status)
	assert.Equal(t, "sum", task.Name)
	assert.False(t, task.TimeExecuted.IsZero())

	n, err := b.NumTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// A second identical request while the first is still live is absorbed: no
// new id, exactly one stored task.
func TestRunJobDeduplicatesLiveTask(t *testing.T) {
	b, reg := newTestBackend(t, backend.Options{})
	reg.MustRegister(&registry.Descriptor{Name: "sum", Handler: noopHandler})

	ctx := context.Background()
	id1, err := b.RunJob(ctx, "sum", []any{1, 2}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	id2, err := b.RunJob(ctx, "sum", []any{1, 2}, nil)
	require.NoError(t, err)
	assert.Empty(t, id2, "second identical request is absorbed")

	tasks, err := b.GetTasks(ctx, backend.TaskFilter{Name: "sum"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, id1, tasks[0].ID)

	n, err := b.NumTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the first request was queued")

	// Different arguments are a different identity.
	id3, err := b.RunJob(ctx, "sum", []any{3, 4}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id3)
	assert.NotEqual(t, id1, id3)
}

// Once the task under a deterministic id completed, a new identical request
// re-keys the old record to a fresh id (keeping its result) and queues a new
// PENDING task under the deterministic id. The old record is deleted before
// the rewrite.
func TestRunJobRecyclesDoneTask(t *testing.T) {
	rec := &recordingStore{TaskStore: memory.New()}
	b, reg := newTestBackend(t, backend.Options{Store: rec})
	reg.MustRegister(&registry.Descriptor{Name: "sum", Handler: noopHandler})

	ctx := context.Background()
	id, err := b.RunJob(ctx, "sum", []any{1, 2}, nil)
	require.NoError(t, err)

	// Simulate a worker completing the task with a result.
	ended := time.Now()
	status := model.StatusSuccess
	_, err = b.SaveTask(ctx, id, backend.Fields{
		Status:    &status,
		TimeEnded: &ended,
		Result:    float64(42),
		ResultSet: true,
	})
	require.NoError(t, err)

	rec.mu.Lock()
	rec.ops = nil
	rec.mu.Unlock()

	id2, err := b.RunJob(ctx, "sum", []any{1, 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, id, id2, "deterministic id is free again")

	fresh, err := b.GetTask(ctx, backend.GetTaskParams{ID: id})
	require.NoError(t, err)
	require.NotNil(t, fresh)
	assert.Equal(t, model.StatusPending, fresh.Status)

	done, err := b.GetTasks(ctx, backend.TaskFilter{Statuses: []model.Status{model.StatusSuccess}})
	require.NoError(t, err)
	require.Len(t, done, 1, "completed record survives under a fresh id")
	assert.NotEqual(t, id, done[0].ID)
	assert.Equal(t, float64(42), done[0].Result)
	assert.Equal(t, "sum", done[0].Name)

	rec.mu.Lock()
	ops := append([]string(nil), rec.ops...)
	rec.mu.Unlock()
	require.GreaterOrEqual(t, len(ops), 3)
	assert.Equal(t, "delete:"+id, ops[0], "old record is deleted first")
	assert.Equal(t, "save:"+done[0].ID, ops[1], "then rewritten under the fresh id")
	assert.Equal(t, "save:"+id, ops[2], "then the new PENDING is saved")
}

func TestCreateTaskExpiry(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clk := newClock(t0)
	b, reg := newTestBackend(t, backend.Options{Now: clk.Now})
	reg.MustRegister(&registry.Descriptor{Name: "plain", Handler: noopHandler})
	reg.MustRegister(&registry.Descriptor{Name: "bounded", Handler: noopHandler, Timeout: 30 * time.Second})

	ctx := context.Background()

	id, err := b.CreateTask(ctx, backend.CreateParams{JobName: "plain"})
	require.NoError(t, err)
	task, _ := b.GetTask(ctx, backend.GetTaskParams{ID: id})
	assert.Nil(t, task.Expiry, "no timeout, no expiry")

	id, err = b.CreateTask(ctx, backend.CreateParams{JobName: "bounded"})
	require.NoError(t, err)
	task, _ = b.GetTask(ctx, backend.GetTaskParams{ID: id})
	require.NotNil(t, task.Expiry)
	assert.Equal(t, t0.Add(30*time.Second), *task.Expiry, "job timeout is the default expiry")

	id, err = b.CreateTask(ctx, backend.CreateParams{
		JobName: "bounded",
		Args:    []any{1},
		Expiry:  backend.ExpireIn(5 * time.Second),
	})
	require.NoError(t, err)
	task, _ = b.GetTask(ctx, backend.GetTaskParams{ID: id})
	require.NotNil(t, task.Expiry)
	assert.Equal(t, t0.Add(5*time.Second), *task.Expiry, "explicit expiry wins over the job timeout")

	id, err = b.CreateTask(ctx, backend.CreateParams{
		JobName: "plain",
		Args:    []any{2},
		Expiry:  backend.ExpireAtUnix(float64(t0.Add(time.Hour).Unix())),
	})
	require.NoError(t, err)
	task, _ = b.GetTask(ctx, backend.GetTaskParams{ID: id})
	require.NotNil(t, task.Expiry)
	assert.Equal(t, t0.Add(time.Hour), *task.Expiry)
}

func TestCreateTaskFromTaskLineage(t *testing.T) {
	b, reg := newTestBackend(t, backend.Options{})
	reg.MustRegister(&registry.Descriptor{Name: "child", Handler: noopHandler})

	ctx := context.Background()
	id, err := b.RunJobWith(ctx, backend.CreateParams{JobName: "child", FromTask: "parent-id"})
	require.NoError(t, err)

	task, err := b.GetTask(ctx, backend.GetTaskParams{ID: id})
	require.NoError(t, err)
	assert.Equal(t, "parent-id", task.FromTask)
}

func TestTickFiresDueEntriesOnce(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clk := newClock(t0)

	reg := registry.New()
	reg.MustRegister(&registry.Descriptor{
		Name:     "beat",
		Handler:  noopHandler,
		Type:     registry.TypePeriodic,
		RunEvery: time.Minute,
	})

	b, err := backend.New(backend.Options{
		Store:            memory.New(),
		Registry:         reg,
		SchedulePeriodic: true,
		Now:              clk.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	ctx := context.Background()

	fired := b.Tick(ctx, t0.Add(30*time.Second))
	assert.Zero(t, fired, "nothing due yet")

	now := clk.Advance(time.Minute)
	fired = b.Tick(ctx, now)
	assert.Equal(t, 1, fired)

	entry := b.Entry("beat")
	require.NotNil(t, entry)
	assert.Equal(t, 1, entry.TotalRunCount)
	assert.Equal(t, now, entry.LastRunAt)

	// A duplicate tick at the same instant does not fire again: the entry
	// advanced when the job ran.
	fired = b.Tick(ctx, now)
	assert.Zero(t, fired)
	assert.Equal(t, 1, entry.TotalRunCount)

	assert.Equal(t, now.Add(time.Minute), b.NextRun())

	n, err := b.NumTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "exactly one task was queued")
}

func TestTickDisabled(t *testing.T) {
	b, _ := newTestBackend(t, backend.Options{})
	assert.Zero(t, b.Tick(context.Background(), time.Now()))
}

func TestNextScheduled(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clk := newClock(t0)

	reg := registry.New()
	reg.MustRegister(&registry.Descriptor{
		Name: "fast", Handler: noopHandler, Type: registry.TypePeriodic, RunEvery: time.Minute,
	})
	reg.MustRegister(&registry.Descriptor{
		Name: "slow", Handler: noopHandler, Type: registry.TypePeriodic, RunEvery: time.Hour,
	})

	b, err := backend.New(backend.Options{
		Store:            memory.New(),
		Registry:         reg,
		SchedulePeriodic: true,
		Now:              clk.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	name, wait, ok := b.NextScheduled()
	require.True(t, ok)
	assert.Equal(t, "fast", name)
	assert.Equal(t, time.Minute, wait)

	name, wait, ok = b.NextScheduled("slow")
	require.True(t, ok)
	assert.Equal(t, "slow", name)
	assert.Equal(t, time.Hour, wait)

	_, _, ok = b.NextScheduled("missing")
	assert.False(t, ok, "no entry matched")

	clk.Advance(time.Minute)
	name, wait, ok = b.NextScheduled()
	require.True(t, ok)
	assert.Equal(t, "fast", name)
	assert.Zero(t, wait, "due entries report zero wait")
}

func TestJobList(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clk := newClock(t0)

	reg := registry.New()
	reg.MustRegister(&registry.Descriptor{Name: "plain", Doc: "adds numbers", Handler: noopHandler})
	reg.MustRegister(&registry.Descriptor{
		Name:           "beat",
		Handler:        noopHandler,
		Type:           registry.TypePeriodic,
		RunEvery:       time.Minute,
		CanOverlapFunc: func([]any, map[string]any) bool { return true },
	})

	b, err := backend.New(backend.Options{
		Store:            memory.New(),
		Registry:         reg,
		SchedulePeriodic: true,
		Now:              clk.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	infos := b.JobList()
	require.Len(t, infos, 2)

	byName := map[string]backend.JobInfo{}
	for _, info := range infos {
		byName[info.Name] = info
	}

	plain := byName["plain"]
	assert.Equal(t, "adds numbers", plain.Doc)
	assert.Equal(t, registry.TypeRegular, plain.Type)
	assert.Equal(t, "false", plain.CanOverlap)
	assert.Nil(t, plain.Periodic)

	beat := byName["beat"]
	assert.Equal(t, "maybe", beat.CanOverlap, "predicate overlap reports maybe")
	require.NotNil(t, beat.Periodic)
	assert.Equal(t, time.Minute, beat.Periodic.RunEvery)
	assert.Zero(t, beat.Periodic.RunCount)

	infos = b.JobList("beat", "missing")
	require.Len(t, infos, 1)
	assert.Equal(t, "beat", infos[0].Name)
}

func TestWaitForTask(t *testing.T) {
	b, reg := newTestBackend(t, backend.Options{})
	reg.MustRegister(&registry.Descriptor{Name: "sum", Handler: noopHandler})

	ctx := context.Background()
	id, err := b.RunJob(ctx, "sum", nil, nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		status := model.StatusSuccess
		ended := time.Now()
		_, _ = b.SaveTask(ctx, id, backend.Fields{
			Status: &status, TimeEnded: &ended, Result: "ok", ResultSet: true,
		})
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	task, err := b.WaitForTask(waitCtx, id)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, model.StatusSuccess, task.Status)
	assert.Equal(t, "ok", task.Result)
}

func TestCallbacks(t *testing.T) {
	cb := backend.NewCallbacks()

	done := &model.Task{ID: "a", Status: model.StatusSuccess}
	select {
	case got := <-cb.WhenDone(done):
		assert.Equal(t, done, got, "done tasks fire immediately")
	default:
		t.Fatal("expected immediate fulfilment")
	}

	pending := &model.Task{ID: "b", Status: model.StatusStarted}
	ch := cb.WhenDone(pending)
	ch2 := cb.WhenDone(pending)
	assert.Equal(t, ch, ch2, "one waiter per id")

	finished := cb.Finish(pending)
	assert.Equal(t, model.StatusRevoked, finished.Status, "finish revokes undone tasks")
	select {
	case got := <-ch:
		assert.Equal(t, model.StatusRevoked, got.Status)
	default:
		t.Fatal("waiter should have been fulfilled")
	}
}
