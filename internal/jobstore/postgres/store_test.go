package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/jobflow/internal/jobstore"
	"github.com/ChuLiYu/jobflow/internal/jobstore/storetest"
)

// Set JOBFLOW_TEST_POSTGRES_DSN to a disposable database to run these.
func testDSN(t *testing.T) string {
	dsn := os.Getenv("JOBFLOW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("JOBFLOW_TEST_POSTGRES_DSN not set")
	}
	return dsn
}

func TestPostgresStore(t *testing.T) {
	dsn := testDSN(t)

	storetest.Run(t, func(t *testing.T) jobstore.Store {
		ctx := context.Background()
		s, err := New(ctx, dsn)
		require.NoError(t, err)
		require.NoError(t, s.Migrate(ctx))
		_, err = s.Pool().Exec(ctx, `TRUNCATE jobflow_jobs`)
		require.NoError(t, err)
		return s
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, testDSN(t))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Ping(ctx))
}
