package testutils

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/krew-solutions/courier-go/courier/session"
	pgxsession "github.com/krew-solutions/courier-go/courier/session/pgx"
)

// NewPgSessionPool connects to the integration database described by the
// DB_* environment variables.
func NewPgSessionPool() (*pgxsession.SessionPool, error) {
	var dbUsername string = getEnv("DB_USERNAME", "devel")
	var dbPassword string = getEnv("DB_PASSWORD", "devel")
	var dbHost string = getEnv("DB_HOST", "localhost")
	var dbPort string = getEnv("DB_PORT", "5432")
	var dbBasename string = getEnv("DB_DATABASE", "devel_courier")

	connString := "postgres://" + dbUsername + ":" + dbPassword + "@" + dbHost + ":" + dbPort + "/" + dbBasename

	return pgxsession.Connect(context.Background(), connString)
}

// PgSessionPoolOrSkip skips the test when the integration database is not
// reachable.
func PgSessionPoolOrSkip(t *testing.T) session.SessionPool {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
	pool, err := NewPgSessionPool()
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("postgres unavailable: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}

	return fallback
}
