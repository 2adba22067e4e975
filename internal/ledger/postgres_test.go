package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/piwi3910/assetbridge/internal/testutil"
)

// TestPostgresStore runs the store contract against a real PostgreSQL.
func TestPostgresStore(t *testing.T) {
	if !testutil.IntegrationEnabled() {
		t.Skip("skipping integration test: TEST_INTEGRATION not set")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		testutil.GetEnvOrDefault("TEST_POSTGRES_IMAGE", "docker.io/postgres:17-alpine"),
		postgres.WithDatabase("assetbridge_test"),
		postgres.WithUsername("assetbridge"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	runStoreContract(t, func(t *testing.T) Store {
		t.Helper()

		s, err := OpenSQL(ctx, SQLConfig{Dialect: DialectPostgres, DSN: dsn, MaxOpenConns: 8})
		require.NoError(t, err)

		_, err = s.db.ExecContext(ctx, `TRUNCATE migration_records`)
		require.NoError(t, err)

		t.Cleanup(func() { _ = s.Close() })

		return s
	})
}
