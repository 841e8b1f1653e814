// Package config loads taskforge configuration from environment variables
// using the github.com/caarlos0/env library. See the per-domain config files
// for available variables:
//   - queue.go: task queue and worker configuration
//   - database.go: Redis and Postgres store configuration
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// AppConfig is the main application configuration struct composing
// domain-specific configuration.
type AppConfig struct {
	// IsDev reports development mode (DEV=true). The entrypoint reads DEV
	// directly for debug logging and loads a .env file whenever one exists.
	IsDev bool `env:"DEV" envDefault:"false"`

	// Queue and worker configuration
	Queue QueueConfig `envPrefix:"TASKFORGE_"`

	// Store configuration
	Redis    RedisConfig `envPrefix:"REDIS_"`
	Postgres DBConfig    `envPrefix:"DB_"`
}

// Load parses the configuration from the environment and applies
// guardrails.
func Load() (AppConfig, error) {
	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.Sanitize()
	return cfg, nil
}

// Sanitize applies guardrails to configuration values loaded from env.
func (c *AppConfig) Sanitize() {
	c.Queue.Sanitize()
}
