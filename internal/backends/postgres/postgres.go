// Package postgres implements the task store contract on PostgreSQL. Task
// records live in a tasks table, the queue is a dedicated table drained with
// FOR UPDATE SKIP LOCKED, and LISTEN/NOTIFY wakes dequeuers and done
// waiters.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/taskforge/taskforge/internal/backend"
	"github.com/taskforge/taskforge/internal/domain/model"
)

const (
	queueChannel = "taskforge_queue"
	doneChannel  = "taskforge_done"

	saveTaskRetries = 3
)

func init() {
	backend.RegisterStore("postgres", func(ctx context.Context, cfg backend.StoreConfig) (backend.TaskStore, error) {
		dsn := cfg.String("dsn", "")
		if dsn == "" {
			dsn = fmt.Sprintf(
				"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
				cfg.String("host", "localhost"),
				cfg.Int("port", 5432),
				cfg.String("user", "taskforge"),
				cfg.String("password", "taskforge"),
				cfg.String("dbname", "taskforge"),
				cfg.String("sslmode", "disable"),
			)
		}

		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}

		store := New(db)
		if err := store.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return store, nil
	})
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS tasks (
  id            text PRIMARY KEY,
  name          text NOT NULL DEFAULT '',
  args          jsonb,
  kwargs        jsonb,
  status        text NOT NULL DEFAULT '',
  time_executed timestamptz,
  time_started  timestamptz,
  time_ended    timestamptz,
  expiry        timestamptz,
  result        jsonb,
  from_task     text NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS task_queue (
  seq     bigserial PRIMARY KEY,
  task_id text NOT NULL
);
`

const taskColumns = `
  id,
  name,
  args,
  kwargs,
  status,
  time_executed,
  time_started,
  time_ended,
  expiry,
  result,
  from_task
`

// Store is a PostgreSQL-backed task store.
type Store struct {
	db *sql.DB
}

// New creates a Store on an existing database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the tasks and queue tables when absent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate task store: %w", err)
	}
	return nil
}

// PutTask appends the id to the queue table and notifies dequeuers.
func (s *Store) PutTask(ctx context.Context, taskID string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO task_queue (task_id) VALUES ($1)`, taskID); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`SELECT pg_notify($1::text, $2::text)`, queueChannel, taskID); err != nil {
		return fmt.Errorf("notify queue: %w", err)
	}
	return nil
}

// GetTask retrieves a task; see backend.GetTaskParams.
func (s *Store) GetTask(ctx context.Context, p backend.GetTaskParams) (*model.Task, error) {
	if p.ID != "" {
		if p.WhenDone {
			return s.waitDone(ctx, p.ID)
		}
		return s.load(ctx, p.ID)
	}
	return s.dequeue(ctx, p.Timeout)
}

func (s *Store) load(ctx context.Context, taskID string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	return task, nil
}

// popQueue atomically removes and returns the oldest queued id, or "" when
// the queue is empty. SKIP LOCKED keeps concurrent workers from contending
// on the same row.
func (s *Store) popQueue(ctx context.Context) (string, error) {
	var taskID string
	err := s.db.QueryRowContext(ctx, `
	  DELETE FROM task_queue
	  WHERE seq = (
	    SELECT seq FROM task_queue
	    ORDER BY seq
	    LIMIT 1
	    FOR UPDATE SKIP LOCKED
	  )
	  RETURNING task_id
	`).Scan(&taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("pop queue: %w", err)
	}
	return taskID, nil
}

func (s *Store) dequeue(ctx context.Context, timeout time.Duration) (*model.Task, error) {
	if timeout <= 0 {
		timeout = time.Second
	}
	deadline := time.Now().Add(timeout)

	for {
		taskID, err := s.popQueue(ctx)
		if err != nil {
			return nil, err
		}
		if taskID != "" {
			task, loadErr := s.load(ctx, taskID)
			if loadErr != nil {
				return nil, loadErr
			}
			if task != nil {
				return task, nil
			}
			// Stale queue entry; keep draining.
			continue
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if err := s.waitNotification(ctx, queueChannel, remaining, nil); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, nil
			}
			return nil, err
		}
	}
}

// waitNotification blocks on a LISTEN channel for up to timeout. When accept
// is non-nil, notifications whose payload it rejects are ignored.
func (s *Store) waitNotification(
	ctx context.Context,
	channel string,
	timeout time.Duration,
	accept func(payload string) bool,
) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, `LISTEN `+channel); err != nil {
		return fmt.Errorf("listen %s: %w", channel, err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), `UNLISTEN `+channel)
	}()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		for {
			notification, err := sc.Conn().WaitForNotification(waitCtx)
			if err != nil {
				return err
			}
			if accept == nil || accept(notification.Payload) {
				return nil
			}
		}
	})
}

func (s *Store) waitDone(ctx context.Context, taskID string) (*model.Task, error) {
	for {
		task, err := s.load(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if task == nil || task.Done() {
			return task, nil
		}

		err = s.waitNotification(ctx, doneChannel, time.Minute, func(payload string) bool {
			return payload == taskID
		})
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		// Re-check on notification or after the wait window lapses, so a
		// completion raced with the LISTEN setup is still observed.
	}
}

// GetTasks returns the tasks matching the filter.
func (s *Store) GetTasks(ctx context.Context, f backend.TaskFilter) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Task
	for rows.Next() {
		task, scanErr := scanTask(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan task: %w", scanErr)
		}
		if f.Match(task) {
			out = append(out, task)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// SaveTask merges the fields into the stored record inside a transaction.
// The row is locked for the merge so the status transition is observable
// atomically; a concurrent insert of the same id is retried.
func (s *Store) SaveTask(ctx context.Context, taskID string, fields backend.Fields) (*model.Task, error) {
	var saved *model.Task
	var err error
	for range saveTaskRetries {
		saved, err = s.saveTaskOnce(ctx, taskID, fields)
		if isUniqueViolation(err) {
			continue
		}
		break
	}
	if err != nil {
		return nil, err
	}

	if saved.Done() {
		if _, err := s.db.ExecContext(ctx,
			`SELECT pg_notify($1::text, $2::text)`, doneChannel, taskID); err != nil {
			return nil, fmt.Errorf("notify done: %w", err)
		}
	}
	return saved, nil
}

func (s *Store) saveTaskOnce(ctx context.Context, taskID string, fields backend.Fields) (*model.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, taskID)
	task, err := scanTask(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		task = &model.Task{ID: taskID}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tasks (id) VALUES ($1)`, taskID); err != nil {
			return nil, fmt.Errorf("insert task %s: %w", taskID, err)
		}
	case err != nil:
		return nil, fmt.Errorf("lock task %s: %w", taskID, err)
	}

	fields.Apply(task)

	args, kwargs, result, err := encodeJSONColumns(task)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
	  UPDATE tasks SET
	    name = $2,
	    args = $3,
	    kwargs = $4,
	    status = $5,
	    time_executed = $6,
	    time_started = $7,
	    time_ended = $8,
	    expiry = $9,
	    result = $10,
	    from_task = $11
	  WHERE id = $1
	`,
		task.ID,
		task.Name,
		args,
		kwargs,
		string(task.Status),
		nullableTime(task.TimeExecuted),
		task.TimeStarted,
		task.TimeEnded,
		task.Expiry,
		result,
		task.FromTask,
	); err != nil {
		return nil, fmt.Errorf("update task %s: %w", taskID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit save: %w", err)
	}
	return task, nil
}

// DeleteTasks removes the given ids, returning how many existed.
func (s *Store) DeleteTasks(ctx context.Context, taskIDs []string) (int, error) {
	deleted := 0
	for _, taskID := range taskIDs {
		res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, taskID)
		if err != nil {
			return deleted, fmt.Errorf("delete task %s: %w", taskID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return deleted, fmt.Errorf("rows affected: %w", err)
		}
		deleted += int(n)
	}
	return deleted, nil
}

// NumTasks returns the number of queued ids.
func (s *Store) NumTasks(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM task_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}
	return n, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(scanner rowScanner) (*model.Task, error) {
	var (
		task                            model.Task
		args, kwargs, result            []byte
		status                          string
		executed, started, ended, expry sql.NullTime
	)
	if err := scanner.Scan(
		&task.ID,
		&task.Name,
		&args,
		&kwargs,
		&status,
		&executed,
		&started,
		&ended,
		&expry,
		&result,
		&task.FromTask,
	); err != nil {
		return nil, err
	}

	task.Status = model.Status(status)
	if executed.Valid {
		task.TimeExecuted = executed.Time.UTC()
	}
	task.TimeStarted = nullableTimePtr(started)
	task.TimeEnded = nullableTimePtr(ended)
	task.Expiry = nullableTimePtr(expry)

	if len(args) > 0 {
		if err := json.Unmarshal(args, &task.Args); err != nil {
			return nil, fmt.Errorf("decode args: %w", err)
		}
	}
	if len(kwargs) > 0 {
		if err := json.Unmarshal(kwargs, &task.Kwargs); err != nil {
			return nil, fmt.Errorf("decode kwargs: %w", err)
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &task.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	return &task, nil
}

func encodeJSONColumns(task *model.Task) (args, kwargs, result []byte, err error) {
	if task.Args != nil {
		if args, err = json.Marshal(task.Args); err != nil {
			return nil, nil, nil, fmt.Errorf("encode args: %w", err)
		}
	}
	if task.Kwargs != nil {
		if kwargs, err = json.Marshal(task.Kwargs); err != nil {
			return nil, nil, nil, fmt.Errorf("encode kwargs: %w", err)
		}
	}
	if task.Result != nil {
		if result, err = json.Marshal(task.Result); err != nil {
			return nil, nil, nil, fmt.Errorf("encode result: %w", err)
		}
	}
	return args, kwargs, result, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullableTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

var _ backend.TaskStore = (*Store)(nil)
