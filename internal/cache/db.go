// Package cache persists confirmed messages, conversations and pending
// outbox entries to a local sqlite database, so a restarted client shows
// history immediately and finishes sends it never got to deliver.
package cache

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the sqlite connection for the client-owned cache database.
type DB struct {
	*sql.DB
}

// Open creates the sqlite connection with WAL mode and the pragmas the
// concurrent reader/writer pattern needs.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping cache db: %w", err)
	}
	return &DB{db}, nil
}
