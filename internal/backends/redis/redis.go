// Package redis implements the task store contract on a Redis server. The
// queue is a Redis list, task records are JSON strings, and done
// notifications ride pub/sub so waiters in other processes resume promptly.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskforge/taskforge/internal/backend"
	"github.com/taskforge/taskforge/internal/domain/model"
)

const (
	defaultPrefix   = "taskforge"
	saveTaskRetries = 8
)

func init() {
	backend.RegisterStore("redis", func(ctx context.Context, cfg backend.StoreConfig) (backend.TaskStore, error) {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.String("addr", "localhost:6379"),
			Password: cfg.String("password", ""),
			DB:       cfg.Int("db", 0),
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return New(client, cfg.String("prefix", defaultPrefix)), nil
	})
}

// Store is a Redis-backed task store.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// New creates a Store on an existing Redis client. The prefix namespaces all
// keys so several queues can share one server.
func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) queueKey() string {
	return s.prefix + ":queue"
}

func (s *Store) taskKey(taskID string) string {
	return s.prefix + ":task:" + taskID
}

func (s *Store) doneChannel(taskID string) string {
	return s.prefix + ":done:" + taskID
}

// PutTask pushes the id onto the shared list queue.
func (s *Store) PutTask(ctx context.Context, taskID string) error {
	if err := s.client.LPush(ctx, s.queueKey(), taskID).Err(); err != nil {
		return fmt.Errorf("redis lpush: %w", err)
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
	data, err := s.client.Get(ctx, s.taskKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return decodeTask(data)
}

func (s *Store) dequeue(ctx context.Context, timeout time.Duration) (*model.Task, error) {
	if timeout <= 0 {
		timeout = time.Second
	}

	res, err := s.client.BRPop(ctx, timeout, s.queueKey()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis brpop: %w", err)
	}
	// BRPOP returns [key, value].
	if len(res) < 2 {
		return nil, nil
	}
	return s.load(ctx, res[1])
}

// waitDone subscribes to the task's done channel before checking its state,
// so a completion between the check and the wait is not lost.
func (s *Store) waitDone(ctx context.Context, taskID string) (*model.Task, error) {
	sub := s.client.Subscribe(ctx, s.doneChannel(taskID))
	defer func() { _ = sub.Close() }()

	task, err := s.load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil || task.Done() {
		return task, nil
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil, errors.New("redis done subscription closed")
			}
			done, decodeErr := decodeTask([]byte(msg.Payload))
			if decodeErr != nil {
				return nil, decodeErr
			}
			return done, nil
		}
	}
}

// GetTasks scans the task keyspace and filters client-side. Best effort;
// order unspecified.
func (s *Store) GetTasks(ctx context.Context, f backend.TaskFilter) ([]*model.Task, error) {
	if len(f.IDs) > 0 {
		return s.getByIDs(ctx, f)
	}

	var out []*model.Task
	iter := s.client.Scan(ctx, 0, s.taskKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		task, err := s.load(ctx, strings.TrimPrefix(iter.Val(), s.prefix+":task:"))
		if err != nil {
			return nil, err
		}
		if task != nil && f.Match(task) {
			out = append(out, task)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return out, nil
}

func (s *Store) getByIDs(ctx context.Context, f backend.TaskFilter) ([]*model.Task, error) {
	keys := make([]string, len(f.IDs))
	for i, id := range f.IDs {
		keys[i] = s.taskKey(id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	var out []*model.Task
	for _, v := range values {
		data, ok := v.(string)
		if !ok {
			continue
		}
		task, decodeErr := decodeTask([]byte(data))
		if decodeErr != nil {
			return nil, decodeErr
		}
		if f.Match(task) {
			out = append(out, task)
		}
	}
	return out, nil
}

// SaveTask merges the fields into the stored record under an optimistic
// WATCH transaction, so concurrent writers cannot interleave a
// read-modify-write and the status transition stays atomic. Completions are
// published to the task's done channel.
func (s *Store) SaveTask(ctx context.Context, taskID string, fields backend.Fields) (*model.Task, error) {
	key := s.taskKey(taskID)
	var saved *model.Task

	merge := func(tx *redis.Tx) error {
		task := &model.Task{ID: taskID}
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("redis get: %w", err)
		default:
			if task, err = decodeTask(data); err != nil {
				return err
			}
		}

		fields.Apply(task)
		encoded, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("encode task %s: %w", taskID, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			return nil
		})
		if err != nil {
			return err
		}
		saved = task
		return nil
	}

	var err error
	for range saveTaskRetries {
		err = s.client.Watch(ctx, merge, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		break
	}
	if err != nil {
		return nil, fmt.Errorf("save task %s: %w", taskID, err)
	}

	if saved.Done() {
		payload, marshalErr := json.Marshal(saved)
		if marshalErr == nil {
			_ = s.client.Publish(ctx, s.doneChannel(taskID), payload).Err()
		}
	}
	return saved, nil
}

// DeleteTasks removes the given ids, returning how many existed.
func (s *Store) DeleteTasks(ctx context.Context, taskIDs []string) (int, error) {
	if len(taskIDs) == 0 {
		return 0, nil
	}
	keys := make([]string, len(taskIDs))
	for i, id := range taskIDs {
		keys[i] = s.taskKey(id)
	}
	deleted, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis del: %w", err)
	}
	return int(deleted), nil
}

// NumTasks returns the length of the queue list.
func (s *Store) NumTasks(ctx context.Context) (int, error) {
	n, err := s.client.LLen(ctx, s.queueKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis llen: %w", err)
	}
	return int(n), nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func decodeTask(data []byte) (*model.Task, error) {
	var task model.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &task, nil
}

var _ backend.TaskStore = (*Store)(nil)
