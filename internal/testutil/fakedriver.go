// Package testutil provides a minimal database/sql/driver fake used by
// this module's tests so they exercise the real *sql.DB code paths
// (Ping, Exec, QueryRow) without a live SQL Server.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// FakeDriver is a toggle-able database/sql/driver.Driver. Its failure
// modes are switched at runtime so a single *sql.DB can simulate a
// backend going down and recovering.
type FakeDriver struct {
	mu       sync.Mutex
	failOpen bool
	failPing bool
	failExec bool
}

// SetFailOpen controls whether Open (dial) fails.
func (d *FakeDriver) SetFailOpen(fail bool) {
	d.mu.Lock()
	d.failOpen = fail
	d.mu.Unlock()
}

// SetFailPing controls whether Ping/probe queries fail.
func (d *FakeDriver) SetFailPing(fail bool) {
	d.mu.Lock()
	d.failPing = fail
	d.mu.Unlock()
}

// SetFailExec controls whether Exec (e.g. sp_reset_connection) fails.
func (d *FakeDriver) SetFailExec(fail bool) {
	d.mu.Lock()
	d.failExec = fail
	d.mu.Unlock()
}

func (d *FakeDriver) Open(name string) (driver.Conn, error) {
	d.mu.Lock()
	fail := d.failOpen
	d.mu.Unlock()
	if fail {
		return nil, errors.New("fakedriver: connection refused")
	}
	return &fakeConn{driver: d}, nil
}

type fakeConn struct {
	driver *FakeDriver
	closed bool
}

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) {
	return &fakeStmt{}, nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func (c *fakeConn) Begin() (driver.Tx, error) {
	return fakeTx{}, nil
}

// Ping implements driver.Pinger.
func (c *fakeConn) Ping(ctx context.Context) error {
	c.driver.mu.Lock()
	fail := c.driver.failPing
	c.driver.mu.Unlock()
	if fail {
		return errors.New("fakedriver: ping failed")
	}
	return nil
}

// ExecContext implements driver.ExecerContext, used for sp_reset_connection
// and SET statements.
func (c *fakeConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.driver.mu.Lock()
	fail := c.driver.failExec
	c.driver.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("fakedriver: exec failed: %s", query)
	}
	return fakeResult{}, nil
}

type fakeStmt struct{}

func (fakeStmt) Close() error  { return nil }
func (fakeStmt) NumInput() int { return -1 }
func (fakeStmt) Exec(args []driver.Value) (driver.Result, error) {
	return fakeResult{}, nil
}
func (fakeStmt) Query(args []driver.Value) (driver.Rows, error) {
	return &fakeRows{}, nil
}

type fakeResult struct{}

func (fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (fakeResult) RowsAffected() (int64, error) { return 0, nil }

// fakeRows always yields a single row with one integer column, enough to
// satisfy "SELECT 1"-style heartbeat queries.
type fakeRows struct{ done bool }

func (r *fakeRows) Columns() []string { return []string{"result"} }
func (r *fakeRows) Close() error      { return nil }
func (r *fakeRows) Next(dest []driver.Value) error {
	if r.done {
		return io.EOF
	}
	r.done = true
	dest[0] = int64(1)
	return nil
}

type fakeTx struct{}

func (fakeTx) Commit() error   { return nil }
func (fakeTx) Rollback() error { return nil }

var driverSeq atomic.Int64

// NewFakeDB registers a freshly named fake driver and opens a *sql.DB
// against it, returning the driver so the caller can toggle its failure
// modes after the fact.
func NewFakeDB() (*sql.DB, *FakeDriver) {
	d := &FakeDriver{}
	name := fmt.Sprintf("connpool_fakedriver_%d", driverSeq.Add(1))
	sql.Register(name, d)
	db, err := sql.Open(name, "fake")
	if err != nil {
		panic(err)
	}
	return db, d
}
