package config

import "time"

// QueueConfig contains task queue and worker configuration.
type QueueConfig struct {
	// Backend selects the task store: memory, redis, or postgres.
	Backend string `env:"BACKEND" envDefault:"memory"`

	// Backlog is the per-worker cap on concurrent in-flight tasks. A number
	// in the order of 5 to 10 is normal.
	Backlog int `env:"BACKLOG" envDefault:"5"`

	// Pool is the compute pool size per worker.
	Pool int `env:"POOL" envDefault:"4"`

	// SchedulePeriodic enables the periodic scheduler tick.
	SchedulePeriodic bool `env:"SCHEDULE_PERIODIC" envDefault:"false"`

	// PollTimeout bounds one dequeue poll against the store.
	PollTimeout time.Duration `env:"POLL_TIMEOUT" envDefault:"1s"`

	// SchedulerInterval is the tick cadence of the periodic scheduler.
	SchedulerInterval time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"1s"`
}

// Sanitize clamps queue configuration to workable values.
func (c *QueueConfig) Sanitize() {
	if c.Backend == "" {
		c.Backend = "memory"
	}
	if c.Backlog <= 0 {
		c.Backlog = 5
	}
	if c.Pool <= 0 {
		c.Pool = 4
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = time.Second
	}
	if c.SchedulerInterval <= 0 {
		c.SchedulerInterval = time.Second
	}
}
