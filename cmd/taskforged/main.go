package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/taskforge/taskforge/config"
	"github.com/taskforge/taskforge/internal/adapters/schedulerd"
	"github.com/taskforge/taskforge/internal/backend"
	"github.com/taskforge/taskforge/internal/worker"

	// Task store implementations register themselves by name.
	_ "github.com/taskforge/taskforge/internal/backends/memory"
	_ "github.com/taskforge/taskforge/internal/backends/postgres"
	_ "github.com/taskforge/taskforge/internal/backends/redis"
)

func main() {
	ctx := context.Background()
	logger := initLogger()
	if err := run(ctx, logger); err != nil {
		logger.ErrorContext(ctx, "fatal error", "error", err)
		os.Exit(1)
	}
}

func initLogger() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("DEV") == "true" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func run(ctx context.Context, logger *slog.Logger) error {
	// A .env file, when present, supplements the environment; absence is not
	// an error.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger.InfoContext(ctx, "starting taskforge",
		"backend", cfg.Queue.Backend,
		"backlog", cfg.Queue.Backlog,
		"schedule_periodic", cfg.Queue.SchedulePeriodic)

	store, err := backend.OpenStore(ctx, cfg.Queue.Backend, storeConfig(&cfg))
	if err != nil {
		return err
	}

	engine, err := backend.New(backend.Options{
		Store:            store,
		Logger:           logger,
		SchedulePeriodic: cfg.Queue.SchedulePeriodic,
		PollTimeout:      cfg.Queue.PollTimeout,
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := engine.Close(); cerr != nil {
			logger.ErrorContext(ctx, "close backend failed", "error", cerr)
		}
	}()

	w, err := worker.New(worker.Options{
		Backend: engine,
		Logger:  logger,
		Backlog: cfg.Queue.Backlog,
		Pool:    cfg.Queue.Pool,
	})
	if err != nil {
		return err
	}

	scheduler, err := schedulerd.NewRunner(schedulerd.Options{
		Backend:  engine,
		Interval: cfg.Queue.SchedulerInterval,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error { return scheduler.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.InfoContext(ctx, "taskforge stopped")
	return nil
}

// storeConfig assembles the configuration mapping the selected store is
// instantiated with.
func storeConfig(cfg *config.AppConfig) backend.StoreConfig {
	switch cfg.Queue.Backend {
	case "redis":
		return backend.StoreConfig{
			"addr":     cfg.Redis.Addr,
			"password": cfg.Redis.Password,
			"db":       cfg.Redis.DB,
			"prefix":   cfg.Redis.Prefix,
		}
	case "postgres":
		return backend.StoreConfig{
			"dsn":      cfg.Postgres.DSN,
			"host":     cfg.Postgres.Host,
			"port":     cfg.Postgres.Port,
			"user":     cfg.Postgres.User,
			"password": cfg.Postgres.Password,
			"dbname":   cfg.Postgres.Name,
			"sslmode":  cfg.Postgres.SSLMode,
		}
	default:
		return backend.StoreConfig{}
	}
}
