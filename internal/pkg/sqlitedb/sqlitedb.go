// Package sqlitedb opens the service-owned SQLite databases with the
// settings every store here relies on.
//
// WAL mode lets readers run while the writer is busy. The connection pool is
// capped at one because SQLite performs best with a single writer — and that
// single writer is also what serialises check-then-update sequences (stock
// reservation, version bumps) without explicit row locks.
package sqlitedb

import (
	"database/sql"
	"fmt"
	"time"

	// Pure-Go SQLite driver: no CGO, easy to build in Alpine images.
	_ "modernc.org/sqlite"
)

// Open opens (or creates) the database at path and applies the schema DDL.
func Open(path, schema string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitedb: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitedb: apply schema: %w", err)
	}
	return db, nil
}

// FormatTime renders a timestamp the way these stores persist it: RFC3339
// TEXT with a fixed-width fraction so lexicographic ORDER BY matches
// chronological order.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}

// ParseTime parses a timestamp stored by FormatTime.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlitedb: parse time %q: %w", s, err)
	}
	return t, nil
}
