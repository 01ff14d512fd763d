package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

//go:embed migrations
var migrationsFS embed.FS

type migration struct {
	Name    string
	Content string
	Hash    string
}

func loadMigrations(dialect string) ([]migration, error) {
	dir := path.Join("migrations", dialect)
	entries, err := migrationsFS.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir %s: %w", dir, err)
	}
	var out []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		b, err := migrationsFS.ReadFile(path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		h := sha256.Sum256(b)
		out = append(out, migration{Name: e.Name(), Content: string(b), Hash: hex.EncodeToString(h[:])})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// statements splits a migration file on semicolons. Migration files must not
// contain semicolons inside literals.
func statements(content string) []string {
	var out []string
	for _, s := range strings.Split(content, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func EnsureMigrationsTable(ctx context.Context, d *DB) error {
	_, err := d.Pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  name text PRIMARY KEY,
  sha256 text NOT NULL,
  applied_at timestamptz NOT NULL DEFAULT now()
);
`)
	return err
}

// ApplyMigrations applies the postgres migrations that are not yet recorded.
func ApplyMigrations(ctx context.Context, d *DB) error {
	if err := EnsureMigrationsTable(ctx, d); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	migs, err := loadMigrations("postgres")
	if err != nil {
		return err
	}

	for _, m := range migs {
		var existingHash string
		err := d.Pool.QueryRow(ctx, `SELECT sha256 FROM schema_migrations WHERE name=$1`, m.Name).Scan(&existingHash)
		if err == nil {
			if existingHash != m.Hash {
				return fmt.Errorf("migration %s hash mismatch (db=%s fs=%s)", m.Name, existingHash, m.Hash)
			}
			continue
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("lookup %s: %w", m.Name, err)
		}

		tx, err := d.Pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		if _, err := tx.Exec(ctx, m.Content); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("apply %s: %w", m.Name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(name, sha256) VALUES ($1,$2)`, m.Name, m.Hash); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("record %s: %w", m.Name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit %s: %w", m.Name, err)
		}
	}
	return nil
}

// ApplySQLMigrations is ApplyMigrations for the database/sql dialects.
func ApplySQLMigrations(ctx context.Context, sdb *sql.DB, dialect string) error {
	ddl := `CREATE TABLE IF NOT EXISTS schema_migrations (
  name TEXT PRIMARY KEY,
  sha256 TEXT NOT NULL,
  applied_at DATETIME NOT NULL
)`
	if dialect == "mysql" {
		ddl = `CREATE TABLE IF NOT EXISTS schema_migrations (
  name VARCHAR(255) PRIMARY KEY,
  sha256 CHAR(64) NOT NULL,
  applied_at DATETIME(6) NOT NULL
) ENGINE=InnoDB`
	}
	if _, err := sdb.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	migs, err := loadMigrations(dialect)
	if err != nil {
		return err
	}

	for _, m := range migs {
		var existingHash string
		err := sdb.QueryRowContext(ctx, `SELECT sha256 FROM schema_migrations WHERE name=?`, m.Name).Scan(&existingHash)
		if err == nil {
			if existingHash != m.Hash {
				return fmt.Errorf("migration %s hash mismatch (db=%s fs=%s)", m.Name, existingHash, m.Hash)
			}
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lookup %s: %w", m.Name, err)
		}

		tx, err := sdb.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		for _, stmt := range statements(m.Content) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("apply %s: %w", m.Name, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(name, sha256, applied_at) VALUES (?,?,?)`, m.Name, m.Hash, time.Now().UTC()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record %s: %w", m.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit %s: %w", m.Name, err)
		}
	}
	return nil
}
