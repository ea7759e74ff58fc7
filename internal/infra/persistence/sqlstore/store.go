// Package sqlstore implements domain.PersistentStore on database/sql. The
// sqlite and postgres packages supply a Dialect and an opened *sql.DB.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"floppa/pkg/domain"
	"fmt"
	"strconv"
	"strings"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

// Dialect captures what differs between SQL engines.
type Dialect struct {
	Name string
	// Schema lists idempotent DDL statements applied on open.
	Schema []string
	// Rebind rewrites '?' placeholders into the engine's syntax. Nil keeps
	// them unchanged.
	Rebind func(query string) string
}

func (d Dialect) bind(query string) string {
	if d.Rebind == nil {
		return query
	}
	return d.Rebind(query)
}

// DollarRebind converts '?' placeholders to $1, $2, ...
func DollarRebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Store persists registries, commands and role assignments in three tables.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open applies the dialect schema to db and returns a store over it.
func Open(ctx context.Context, db *sql.DB, dialect Dialect) (*Store, error) {
	for _, stmt := range dialect.Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("%s: apply schema: %w", dialect.Name, err)
		}
	}
	return &Store{db: db, dialect: dialect}, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database handle.
func (s *Store) Close() error { return s.db.Close() }

const (
	selectRegistries = `SELECT id, name, COALESCE(parent, '') FROM registries ORDER BY id`
	selectCommands   = `SELECT c.id, c.name, c.owner, c.type, r.name, c.added, c.data
		FROM commands c JOIN registries r ON r.id = c.registry ORDER BY c.id`
	selectUsers = `SELECT id, roles FROM users ORDER BY id`
)

// Load reads every table.
func (s *Store) Load(ctx context.Context) (domain.Snapshot, error) {
	var snap domain.Snapshot

	rows, err := s.db.QueryContext(ctx, selectRegistries)
	if err != nil {
		return snap, fmt.Errorf("select registries: %w", err)
	}
	for rows.Next() {
		var r domain.Registry
		if err := rows.Scan(&r.ID, &r.Name, &r.Parent); err != nil {
			_ = rows.Close()
			return snap, fmt.Errorf("scan registry: %w", err)
		}
		snap.Registries = append(snap.Registries, r)
	}
	if err := closeRows(rows); err != nil {
		return snap, fmt.Errorf("iterate registries: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, selectCommands)
	if err != nil {
		return snap, fmt.Errorf("select commands: %w", err)
	}
	for rows.Next() {
		var (
			c     domain.CommandRow
			owner int64
		)
		if err := rows.Scan(&c.ID, &c.Name, &owner, &c.Type, &c.Registry, &c.Added, &c.Data); err != nil {
			_ = rows.Close()
			return snap, fmt.Errorf("scan command: %w", err)
		}
		c.Owner = domain.UserID(owner)
		snap.Commands = append(snap.Commands, c)
	}
	if err := closeRows(rows); err != nil {
		return snap, fmt.Errorf("iterate commands: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, selectUsers)
	if err != nil {
		return snap, fmt.Errorf("select users: %w", err)
	}
	for rows.Next() {
		var (
			u  domain.UserRow
			id int64
		)
		if err := rows.Scan(&id, &u.Roles); err != nil {
			_ = rows.Close()
			return snap, fmt.Errorf("scan user: %w", err)
		}
		u.ID = domain.UserID(id)
		snap.Users = append(snap.Users, u)
	}
	if err := closeRows(rows); err != nil {
		return snap, fmt.Errorf("iterate users: %w", err)
	}
	return snap, nil
}

func closeRows(rows *sql.Rows) error {
	return errors.Join(rows.Err(), rows.Close())
}

// Begin opens a synchronization transaction.
func (s *Store) Begin(ctx context.Context) (domain.SyncTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &syncTx{tx: tx, dialect: s.dialect}, nil
}

type syncTx struct {
	tx        *sql.Tx
	dialect   Dialect
	savepoint int
}

func (t *syncTx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.dialect.bind(query), args...)
}

func (t *syncTx) queryID(ctx context.Context, query string, args ...any) (int64, error) {
	var id int64
	if err := t.tx.QueryRowContext(ctx, t.dialect.bind(query), args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullableData(data []byte) any {
	if data == nil {
		return nil
	}
	return data
}

func nullableParent(parent string) any {
	if parent == "" {
		return nil
	}
	return parent
}

func (t *syncTx) UpsertRegistry(ctx context.Context, reg domain.Registry) (int64, error) {
	id, err := t.queryID(ctx,
		`INSERT INTO registries(name, parent) VALUES(?, ?)
		ON CONFLICT(name) DO UPDATE SET parent = excluded.parent
		RETURNING id`, reg.Name, nullableParent(reg.Parent))
	if err != nil {
		return 0, fmt.Errorf("upsert registry %s: %w", reg.Name, err)
	}
	return id, nil
}

func (t *syncTx) InsertCommand(ctx context.Context, registryID int64, row domain.CommandRow) (int64, error) {
	id, err := t.queryID(ctx,
		`INSERT INTO commands(name, owner, type, registry, added, data) VALUES(?, ?, ?, ?, ?, ?) RETURNING id`,
		row.Name, int64(row.Owner), row.Type, registryID, row.Added, nullableData(row.Data))
	if err != nil {
		return 0, fmt.Errorf("insert command %s:%s: %w", row.Registry, row.Name, err)
	}
	return id, nil
}

func (t *syncTx) UpdateCommand(ctx context.Context, registryID int64, row domain.CommandRow, keepData bool) error {
	var (
		res sql.Result
		err error
	)
	if keepData {
		res, err = t.exec(ctx,
			`UPDATE commands SET name = ?, owner = ?, type = ?, registry = ?, added = ? WHERE id = ?`,
			row.Name, int64(row.Owner), row.Type, registryID, row.Added, row.ID)
	} else {
		res, err = t.exec(ctx,
			`UPDATE commands SET name = ?, owner = ?, type = ?, registry = ?, added = ?, data = ? WHERE id = ?`,
			row.Name, int64(row.Owner), row.Type, registryID, row.Added, nullableData(row.Data), row.ID)
	}
	if err != nil {
		return fmt.Errorf("update command %d: %w", row.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update command %d: %w", row.ID, domain.ErrNotFound)
	}
	return nil
}

func (t *syncTx) DeleteCommand(ctx context.Context, id int64) error {
	if _, err := t.exec(ctx, `DELETE FROM commands WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete command %d: %w", id, err)
	}
	return nil
}

func (t *syncTx) UpsertUser(ctx context.Context, row domain.UserRow) error {
	if _, err := t.exec(ctx,
		`INSERT INTO users(id, roles) VALUES(?, ?) ON CONFLICT(id) DO UPDATE SET roles = excluded.roles`,
		int64(row.ID), row.Roles); err != nil {
		return fmt.Errorf("upsert user %d: %w", uint64(row.ID), err)
	}
	return nil
}

func (t *syncTx) DeleteUser(ctx context.Context, id domain.UserID) error {
	if _, err := t.exec(ctx, `DELETE FROM users WHERE id = ?`, int64(id)); err != nil {
		return fmt.Errorf("delete user %d: %w", uint64(id), err)
	}
	return nil
}

// Savepoint runs fn inside SAVEPOINT so a failing statement does not abort
// the surrounding transaction.
func (t *syncTx) Savepoint(ctx context.Context, fn func() error) error {
	t.savepoint++
	name := "sp_" + strconv.Itoa(t.savepoint)
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if err := fn(); err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback to savepoint: %w", rbErr))
		}
		_, _ = t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
		return err
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

func (t *syncTx) Commit() error   { return t.tx.Commit() }
func (t *syncTx) Rollback() error { return t.tx.Rollback() }
