// Package testutil provides helpers shared by integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	_ "github.com/jackc/pgx/v5/stdlib" // register the pgx database/sql driver
)

// RedisAddr returns the test Redis address, skipping the test when the
// server is not reachable. Set TASKFORGE_TEST_REDIS_ADDR to point the
// integration tests at a server.
func RedisAddr(t *testing.T) string {
	t.Helper()

	addr := os.Getenv("TASKFORGE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TASKFORGE_TEST_REDIS_ADDR not set; skipping Redis integration test")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available for testing:", err)
	}
	return addr
}

// TestDB returns a database handle for the test Postgres, skipping the test
// when the server is not reachable. Set TASKFORGE_TEST_DATABASE_DSN to point
// the integration tests at a database.
func TestDB(t *testing.T) *sql.DB {
	t.Helper()

	dsn := os.Getenv("TASKFORGE_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("TASKFORGE_TEST_DATABASE_DSN not set; skipping Postgres integration test")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Skip("Test database not available:", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if pingErr := db.PingContext(ctx); pingErr != nil {
		_ = db.Close()
		t.Skip("Test database not available:", pingErr)
	}

	t.Cleanup(func() { _ = db.Close() })
	return db
}
