// Package store opens the transactional datastore required by the design,
// selecting a database/sql driver by DSN scheme so the same table code runs
// against SQLite in tests and Postgres/MySQL in production. Adapted from
// the reference implementation's multi-driver registration in internal/tools/sql.go.
package store

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Open opens a *sql.DB for the given DATABASE_URL-style DSN, picking the
// driver from its scheme:
//
//	sqlite://path/to/file.db   -> modernc.org/sqlite
//	postgres://...             -> pgx stdlib
//	mysql://...                -> go-sql-driver/mysql
//
// A bare file path (no scheme) is treated as sqlite.
func Open(dsn string) (*sql.DB, error) {
	driver, conn, err := resolveDriver(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, conn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s store: %w", driver, err)
	}
	return db, nil
}

func resolveDriver(dsn string) (driver, conn string, err error) {
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		return "sqlite", strings.TrimPrefix(dsn, "sqlite://"), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "pgx", dsn, nil
	case strings.HasPrefix(dsn, "mysql://"):
		return "mysql", strings.TrimPrefix(dsn, "mysql://"), nil
	case dsn == "":
		return "", "", fmt.Errorf("store: empty DATABASE_URL")
	default:
		// No recognized scheme: treat as a plain sqlite file path.
		return "sqlite", dsn, nil
	}
}
