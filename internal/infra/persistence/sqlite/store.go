// Package sqlite opens the registry store on an embedded SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"floppa/internal/infra/persistence/sqlstore"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Dialect is the SQLite schema and placeholder style.
var Dialect = sqlstore.Dialect{
	Name: "sqlite",
	Schema: []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`CREATE TABLE IF NOT EXISTS registries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			parent TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS commands (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			owner INTEGER NOT NULL,
			type TEXT NOT NULL,
			registry INTEGER NOT NULL REFERENCES registries(id),
			added INTEGER NOT NULL,
			data BLOB,
			UNIQUE(registry, name)
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY,
			roles BLOB NOT NULL
		)`,
	},
}

// Store is a sqlstore.Store bound to a file path.
type Store struct {
	*sqlstore.Store
	path string
}

// NewStore opens (creating if needed) the database at path.
func NewStore(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = "floppa.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps pragmas and serializes writers.
	db.SetMaxOpenConns(1)
	st, err := sqlstore.Open(ctx, db, Dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: st, path: path}, nil
}

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
