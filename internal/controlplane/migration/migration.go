// Package migration tracks the applied schema version of a SQLite-backed
// store so callers can assert a minimum version at startup without running
// a full migration framework. Grounded on the single-table version-stamp
// pattern implied by the jobs and audit stores' own schema bootstrap code.
package migration

import (
	"database/sql"
	"fmt"
)

// EnsureVersion records that the schema is at least at version `want` and
// fails if a higher version is already recorded (the binary is older than
// the database it is pointed at).
func EnsureVersion(db *sql.DB, want int) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		id      INTEGER PRIMARY KEY CHECK (id = 1),
		version INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	err := db.QueryRow(`SELECT version FROM schema_version WHERE id = 1`).Scan(&current)
	switch err {
	case sql.ErrNoRows:
		if _, err := db.Exec(`INSERT INTO schema_version (id, version) VALUES (1, ?)`, want); err != nil {
			return fmt.Errorf("seed schema_version: %w", err)
		}
		return nil
	case nil:
		if current > want {
			return fmt.Errorf("database schema version %d is newer than this binary supports (%d)", current, want)
		}
		if current < want {
			if _, err := db.Exec(`UPDATE schema_version SET version = ? WHERE id = 1`, want); err != nil {
				return fmt.Errorf("advance schema_version: %w", err)
			}
		}
		return nil
	default:
		return fmt.Errorf("read schema_version: %w", err)
	}
}
