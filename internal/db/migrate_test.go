package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrations(t *testing.T) {
	for _, dialect := range []string{"postgres", "sqlite3", "mysql"} {
		t.Run(dialect, func(t *testing.T) {
			migs, err := loadMigrations(dialect)
			require.NoError(t, err)
			require.NotEmpty(t, migs)
			assert.Equal(t, "001_init.sql", migs[0].Name)
			assert.Len(t, migs[0].Hash, 64)
			assert.Contains(t, migs[0].Content, "occupancy_observations")
		})
	}

	_, err := loadMigrations("oracle")
	assert.Error(t, err)
}

func TestStatements(t *testing.T) {
	got := statements("CREATE TABLE a (x int);\n\n  CREATE INDEX i ON a (x);\n;")
	assert.Equal(t, []string{"CREATE TABLE a (x int)", "CREATE INDEX i ON a (x)"}, got)
}

func TestApplySQLMigrations_SQLite(t *testing.T) {
	ctx := context.Background()
	sdb, err := OpenSQL(ctx, "sqlite3", filepath.Join(t.TempDir(), "occupancy.db"))
	require.NoError(t, err)
	defer sdb.Close()

	// Idempotent across repeated runs.
	for i := 0; i < 2; i++ {
		require.NoError(t, ApplySQLMigrations(ctx, sdb, "sqlite3"))
	}

	var n int
	require.NoError(t, sdb.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
	assert.Equal(t, 1, n)

	for _, table := range []string{"buildings", "occupancy_observations"} {
		var name string
		err := sdb.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		assert.NoError(t, err, "table %s", table)
	}

	var fk int
	require.NoError(t, sdb.QueryRowContext(ctx, `PRAGMA foreign_keys`).Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestApplySQLMigrations_HashMismatch(t *testing.T) {
	ctx := context.Background()
	sdb, err := OpenSQL(ctx, "sqlite3", filepath.Join(t.TempDir(), "occupancy.db"))
	require.NoError(t, err)
	defer sdb.Close()

	require.NoError(t, ApplySQLMigrations(ctx, sdb, "sqlite3"))
	_, err = sdb.ExecContext(ctx, `UPDATE schema_migrations SET sha256='tampered'`)
	require.NoError(t, err)

	err = ApplySQLMigrations(ctx, sdb, "sqlite3")
	assert.ErrorContains(t, err, "hash mismatch")
}

func TestOpenSQL_UnknownDriver(t *testing.T) {
	_, err := OpenSQL(context.Background(), "postgres", "postgres://localhost")
	assert.Error(t, err)
}

func TestOpenSQL_SQLitePragmasOnEveryConnection(t *testing.T) {
	ctx := context.Background()
	sdb, err := OpenSQL(ctx, "sqlite3", filepath.Join(t.TempDir(), "occupancy.db"))
	require.NoError(t, err)
	defer sdb.Close()
	// No idle pool: every query below runs on a freshly opened connection.
	sdb.SetMaxIdleConns(0)

	for i := 0; i < 3; i++ {
		var fk, busy int
		var mode string
		require.NoError(t, sdb.QueryRowContext(ctx, `PRAGMA foreign_keys`).Scan(&fk))
		require.NoError(t, sdb.QueryRowContext(ctx, `PRAGMA busy_timeout`).Scan(&busy))
		require.NoError(t, sdb.QueryRowContext(ctx, `PRAGMA journal_mode`).Scan(&mode))
		assert.Equal(t, 1, fk)
		assert.Equal(t, 5000, busy)
		assert.Equal(t, "wal", mode)
	}
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t,
		"/tmp/o.db?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL",
		sqliteDSN("/tmp/o.db"))
	assert.Equal(t,
		"file:o.db?_busy_timeout=100&_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL&cache=shared",
		sqliteDSN("file:o.db?cache=shared&_busy_timeout=100"))
}
