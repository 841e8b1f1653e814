package config

// RedisConfig contains Redis store configuration.
type RedisConfig struct {
	Addr     string `env:"ADDR"     envDefault:"localhost:6379"`
	Password string `env:"PASSWORD" envDefault:""`
	DB       int    `env:"DB"       envDefault:"0"`
	// Prefix namespaces all taskforge keys on the server.
	Prefix string `env:"PREFIX" envDefault:"taskforge"`
}

// DBConfig contains PostgreSQL store configuration.
type DBConfig struct {
	Host     string `env:"HOST"     envDefault:"localhost"`
	Port     int    `env:"PORT"     envDefault:"5432"`
	User     string `env:"USER"     envDefault:"taskforge"`
	Password string `env:"PASSWORD" envDefault:"taskforge"`
	Name     string `env:"NAME"     envDefault:"taskforge"`
	SSLMode  string `env:"SSL_MODE" envDefault:"disable"` // Use 'disable' for local dev, 'require' for production
	// DSN overrides the assembled connection string when set.
	DSN string `env:"DSN" envDefault:""`
}
