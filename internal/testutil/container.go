package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startContainer launches a throwaway PostgreSQL container and returns its
// connection string plus a terminate function. The test is skipped when no
// container runtime is available.
func startContainer(t *testing.T) (string, func()) {
	t.Helper()

	ctx := context.Background()
	pg, err := func() (pg *postgres.PostgresContainer, err error) {
		// testcontainers panics (rather than returning an error) when no
		// Docker host can be detected at all; convert that to an error so
		// the skip below still fires on machines without a container runtime.
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("docker host detection panicked: %v", r)
			}
		}()
		return postgres.Run(ctx, "postgres:16-alpine",
			postgres.WithDatabase("sessionpay_test"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("postgres"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second),
			),
		)
	}()
	if err != nil {
		t.Skipf("pgtest: no POSTGRES_URL and cannot start container: %v", err)
	}

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pg.Terminate(ctx)
		t.Fatalf("pgtest: container connection string: %v", err)
	}

	return dsn, func() { _ = pg.Terminate(ctx) }
}
