// Package storage opens the relational store shared by every repository.
// SQLite is the default; postgres and mysql drivers are registered so the
// same repository code runs against a server database.
package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	// Database drivers register themselves with database/sql.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Open opens a database handle for the given driver ("sqlite", "pgx",
// "mysql"). For sqlite it applies the pragmas every store relies on.
func Open(driver, dsn string) (*sql.DB, error) {
	driver = strings.TrimSpace(strings.ToLower(driver))
	if driver == "" {
		driver = "sqlite"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}

	if driver == "sqlite" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set WAL: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set busy_timeout: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
		// Single writer; avoids SQLITE_BUSY under the worker pools.
		db.SetMaxOpenConns(1)
	}

	return db, nil
}

// FormatTime renders a timestamp in the canonical storage format (UTC,
// RFC3339 with nanoseconds).
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime parses a canonical storage timestamp. Zero time on failure.
func ParseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// NullableTime converts an optional timestamp for storage.
func NullableTime(ts *time.Time) sql.NullString {
	if ts == nil || ts.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: FormatTime(*ts), Valid: true}
}

// TimePtr converts a stored nullable timestamp back to *time.Time.
func TimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// NullableString converts an optional string for storage.
func NullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
