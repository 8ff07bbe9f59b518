// Package database opens the sqlite handle shared by Quill's stores.
//
// Two drivers are supported: "sqlite3" (github.com/mattn/go-sqlite3,
// cgo) and "sqlite" (modernc.org/sqlite, pure Go). Both are opened in
// WAL mode with a busy timeout so concurrent turns on different
// conversations do not fail with SQLITE_BUSY.
package database

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names accepted by Open.
const (
	DriverCgo  = "sqlite3"
	DriverPure = "sqlite"
)

// TimeLayout is the fixed-width UTC layout used for every timestamp
// column so lexical order matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// Open opens (creating if needed) the database at path with the given
// driver and verifies the connection.
func Open(driver, path string) (*sql.DB, error) {
	dsn, err := dsnFor(driver, path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func dsnFor(driver, path string) (string, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	switch driver {
	case DriverCgo:
		return path + sep + "_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", nil
	case DriverPure:
		q := url.Values{}
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "busy_timeout(5000)")
		q.Add("_pragma", "foreign_keys(1)")
		return path + sep + q.Encode(), nil
	default:
		return "", fmt.Errorf("unsupported database driver %q (valid: %s, %s)", driver, DriverCgo, DriverPure)
	}
}
