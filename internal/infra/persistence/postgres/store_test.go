package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"
)

type stubDriver struct {
	conn *stubConn
}

func (d *stubDriver) Open(string) (driver.Conn, error) {
	return d.conn, nil
}

type stubConn struct {
	execs    []string
	failPing bool
}

func newStubDB() (*sql.DB, *stubConn) {
	conn := &stubConn{}
	name := fmt.Sprintf("stubpg%d", time.Now().UnixNano())
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	return db, conn
}

func (c *stubConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }
func (c *stubConn) Close() error                        { return nil }
func (c *stubConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *stubConn) Ping(_ context.Context) error {
	if c.failPing {
		return fmt.Errorf("ping fail")
	}
	return nil
}

func (c *stubConn) BeginTx(_ context.Context, _ driver.TxOptions) (driver.Tx, error) {
	return stubTx{}, nil
}

func (c *stubConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	c.execs = append(c.execs, query)
	return driver.RowsAffected(1), nil
}

func (c *stubConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	return &emptyRows{}, nil
}

type stubTx struct{}

func (stubTx) Commit() error   { return nil }
func (stubTx) Rollback() error { return nil }

type emptyRows struct{}

func (*emptyRows) Columns() []string           { return []string{"id"} }
func (*emptyRows) Close() error                { return nil }
func (*emptyRows) Next(_ []driver.Value) error { return io.EOF }

func TestNewStoreAppliesSchema(t *testing.T) {
	db, conn := newStubDB()
	restore := OverrideSQLOpen(func(driverName, _ string) (*sql.DB, error) {
		if driverName != "pgx" {
			t.Fatalf("expected pgx driver, got %s", driverName)
		}
		return db, nil
	})
	defer restore()

	st, err := NewStore(context.Background(), "postgres://example")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	var sawBigserial bool
	for _, stmt := range conn.execs {
		if strings.Contains(stmt, "BIGSERIAL") {
			sawBigserial = true
		}
	}
	if !sawBigserial {
		t.Fatalf("expected postgres DDL to be applied, got %v", conn.execs)
	}

	snap, err := st.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(snap.Registries)+len(snap.Commands)+len(snap.Users) != 0 {
		t.Fatalf("expected empty snapshot, got %+v", snap)
	}
}

func TestStatementsUseDollarPlaceholders(t *testing.T) {
	db, conn := newStubDB()
	restore := OverrideSQLOpen(func(string, string) (*sql.DB, error) { return db, nil })
	defer restore()

	ctx := context.Background()
	st, err := NewStore(ctx, "dsn")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	tx, err := st.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.DeleteUser(ctx, 9); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	last := conn.execs[len(conn.execs)-1]
	if last != "DELETE FROM users WHERE id = $1" {
		t.Fatalf("unexpected statement %q", last)
	}
}

func TestNewStorePingFailure(t *testing.T) {
	db, conn := newStubDB()
	conn.failPing = true
	restore := OverrideSQLOpen(func(string, string) (*sql.DB, error) { return db, nil })
	defer restore()

	if _, err := NewStore(context.Background(), "dsn"); err == nil || !strings.Contains(err.Error(), "ping postgres") {
		t.Fatalf("expected ping error, got %v", err)
	}
}

func TestNewStoreOpenFailure(t *testing.T) {
	boom := errors.New("boom")
	restore := OverrideSQLOpen(func(string, string) (*sql.DB, error) { return nil, boom })
	defer restore()

	if _, err := NewStore(context.Background(), "dsn"); !errors.Is(err, boom) {
		t.Fatalf("expected open error, got %v", err)
	}
}
