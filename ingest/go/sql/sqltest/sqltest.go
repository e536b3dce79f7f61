// Package sqltest creates randomly named throwaway databases for tests that
// exercise the sqlstore implementations against a real CockroachDB or
// Postgres instance.
package sqltest

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/stretchr/testify/require"

	"go.scholarhound.org/scholarhound/ingest/go/sql/schema"
)

// EnvVar names the environment variable holding the connection string of a
// running database instance, e.g.
// "postgresql://root@localhost:26257/defaultdb?sslmode=disable". Tests that
// need a database are skipped when it is unset.
const EnvVar = "SCHOLARHOUND_TEST_DB"

// NewDBForTests creates a fresh database with the full schema applied and
// returns a pool connected to it. The pool is closed in test cleanup; the
// database itself is left behind for post-mortem inspection and is cheap to
// discard with the test instance.
func NewDBForTests(ctx context.Context, t *testing.T) *pgxpool.Pool {
	t.Helper()
	base := os.Getenv(EnvVar)
	if base == "" {
		t.Skipf("Skipping; set %s to run database tests.", EnvVar)
	}

	dbName := "scholarhound_test_" + strings.ReplaceAll(uuid.NewString(), "-", "_")
	admin, err := pgxpool.Connect(ctx, base)
	require.NoError(t, err)
	_, err = admin.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s", dbName))
	admin.Close()
	require.NoError(t, err)

	cfg, err := pgxpool.ParseConfig(base)
	require.NoError(t, err)
	cfg.ConnConfig.Database = dbName
	db, err := pgxpool.ConnectConfig(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	_, err = db.Exec(ctx, schema.Schema)
	require.NoError(t, err)
	return db
}
