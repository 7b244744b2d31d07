// Package repotest opens throwaway ledger stores for tests.
//
// SQLite stores are always available. PostgreSQL stores are opened when
// ACT_TEST_DSN points at a server the tests may create schemas on; each
// store gets its own migrated schema, dropped when the test ends.
package repotest

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"actcredits/internal/repository"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// DSNEnv names the variable holding the PostgreSQL test DSN.
const DSNEnv = "ACT_TEST_DSN"

func SQLite(t testing.TB) *repository.SQLiteRepo {
	t.Helper()
	s, err := repository.NewSQLiteRepo(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// Postgres returns a LedgerRepo on a fresh schema, or skips the test when
// no DSN is configured.
func Postgres(t testing.TB) *repository.LedgerRepo {
	t.Helper()
	dsn := os.Getenv(DSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", DSNEnv)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	admin, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	schema := "act_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	})

	scoped, err := withSearchPath(dsn, schema)
	require.NoError(t, err)
	require.NoError(t, repository.RunMigrations(ctx, scoped, "up"))

	pool, err := pgxpool.New(ctx, scoped)
	require.NoError(t, err)
	repo := repository.NewLedgerRepo(pool)
	t.Cleanup(repo.Close)
	return repo
}

// Each runs fn once per available store, as subtests named after the driver.
func Each(t *testing.T, fn func(t *testing.T, s repository.Store)) {
	t.Helper()
	t.Run("sqlite", func(t *testing.T) { fn(t, SQLite(t)) })
	t.Run("postgres", func(t *testing.T) { fn(t, Postgres(t)) })
}

// RowLocking reports whether concurrent transactions on s can hold
// different rows at once. SQLite serialises every transaction.
func RowLocking(s repository.Store) bool {
	_, ok := s.(*repository.LedgerRepo)
	return ok
}

func withSearchPath(dsn, schema string) (string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", err
		}
		q := u.Query()
		q.Set("search_path", schema)
		u.RawQuery = q.Encode()
		return u.String(), nil
	}
	return dsn + " search_path=" + schema, nil
}
