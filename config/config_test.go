package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Queue.Backend)
	assert.Equal(t, 5, cfg.Queue.Backlog)
	assert.Equal(t, 4, cfg.Queue.Pool)
	assert.False(t, cfg.Queue.SchedulePeriodic)
	assert.Equal(t, time.Second, cfg.Queue.PollTimeout)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "taskforge", cfg.Redis.Prefix)
	assert.Equal(t, 5432, cfg.Postgres.Port)
	assert.Equal(t, "disable", cfg.Postgres.SSLMode)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TASKFORGE_BACKEND", "redis")
	t.Setenv("TASKFORGE_BACKLOG", "8")
	t.Setenv("TASKFORGE_SCHEDULE_PERIODIC", "true")
	t.Setenv("TASKFORGE_SCHEDULER_INTERVAL", "250ms")
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	t.Setenv("DB_NAME", "queue")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Queue.Backend)
	assert.Equal(t, 8, cfg.Queue.Backlog)
	assert.True(t, cfg.Queue.SchedulePeriodic)
	assert.Equal(t, 250*time.Millisecond, cfg.Queue.SchedulerInterval)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, "queue", cfg.Postgres.Name)
}

func TestSanitizeClampsValues(t *testing.T) {
	cfg := AppConfig{}
	cfg.Queue.Backlog = -1
	cfg.Queue.Pool = 0
	cfg.Sanitize()

	assert.Equal(t, "memory", cfg.Queue.Backend)
	assert.Equal(t, 5, cfg.Queue.Backlog)
	assert.Equal(t, 4, cfg.Queue.Pool)
	assert.Equal(t, time.Second, cfg.Queue.PollTimeout)
	assert.Equal(t, time.Second, cfg.Queue.SchedulerInterval)
}
