package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the postgres pool.
type DB struct {
	Pool *pgxpool.Pool
}

func Open(ctx context.Context, dsn string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &DB{Pool: pool}, nil
}

func (d *DB) Close() {
	if d != nil && d.Pool != nil {
		d.Pool.Close()
	}
}

// OpenSQL opens a database/sql handle for the sqlite3 and mysql dialects.
func OpenSQL(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	switch driver {
	case "sqlite3":
		dsn = sqliteDSN(dsn)
	case "mysql":
		// Timestamps must scan into time.Time and round-trip in UTC.
		mc, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse dsn: %w", err)
		}
		mc.ParseTime = true
		mc.Loc = time.UTC
		dsn = mc.FormatDSN()
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	sdb, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := sdb.PingContext(ctx); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	if driver == "sqlite3" {
		// One writer avoids SQLITE_BUSY.
		sdb.SetMaxOpenConns(1)
		sdb.SetMaxIdleConns(1)
	}
	return sdb, nil
}

// sqliteDSN adds the connection pragmas as driver parameters, so every
// connection database/sql opens gets them, not only the first. Parameters
// already present in dsn win.
func sqliteDSN(dsn string) string {
	path, query, _ := strings.Cut(dsn, "?")
	params, err := url.ParseQuery(query)
	if err != nil {
		// Leave it to the driver to report.
		return dsn
	}
	for k, v := range map[string]string{
		"_foreign_keys": "on",
		"_journal_mode": "WAL",
		"_synchronous":  "NORMAL",
		"_busy_timeout": "5000",
	} {
		if params.Get(k) == "" {
			params.Set(k, v)
		}
	}
	return path + "?" + params.Encode()
}
