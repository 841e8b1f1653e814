// Package schedulerd runs the periodic scheduler tick loop against a task
// backend.
package schedulerd

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/taskforge/taskforge/internal/backend"
)

// Runner drives Backend.Tick at a fixed interval. A single entry's failure
// never stops the loop; only context cancellation does.
type Runner struct {
	backend  *backend.Backend
	interval time.Duration
	logger   *slog.Logger
}

// Options holds the dependencies for creating a Runner.
type Options struct {
	Backend  *backend.Backend
	Interval time.Duration
	Logger   *slog.Logger
}

// NewRunner creates a scheduler runner.
func NewRunner(opts Options) (*Runner, error) {
	if opts.Backend == nil {
		return nil, errors.New("backend is required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		backend:  opts.Backend,
		interval: interval,
		logger:   logger.With("component", "scheduler"),
	}, nil
}

// Run ticks the scheduler until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	if !r.backend.SchedulePeriodic() {
		r.logger.InfoContext(ctx, "periodic scheduling disabled, scheduler idle")
		<-ctx.Done()
		return nil
	}

	r.logger.InfoContext(ctx, "starting scheduler", "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case now := <-ticker.C:
			fired := r.backend.Tick(ctx, now)
			if fired > 0 {
				r.logger.DebugContext(ctx, "scheduler tick fired jobs",
					"fired", fired, "next_run", r.backend.NextRun())
			}
		}
	}
}
