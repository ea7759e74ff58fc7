// Package postgres opens the registry store on a PostgreSQL server through
// the pgx database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"floppa/internal/infra/persistence/sqlstore"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

const defaultDriver = "pgx"

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Dialect is the PostgreSQL schema and placeholder style.
var Dialect = sqlstore.Dialect{
	Name: "postgres",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS registries (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			parent TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS commands (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			owner BIGINT NOT NULL,
			type TEXT NOT NULL,
			registry BIGINT NOT NULL REFERENCES registries(id),
			added BIGINT NOT NULL,
			data BYTEA,
			UNIQUE(registry, name)
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id BIGINT PRIMARY KEY,
			roles BYTEA NOT NULL
		)`,
	},
	Rebind: sqlstore.DollarRebind,
}

// NewStore connects to dsn, verifies the connection and applies the schema.
func NewStore(ctx context.Context, dsn string) (*sqlstore.Store, error) {
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	st, err := sqlstore.Open(ctx, db, Dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
