// Package factory implements the session factory consumed by
// internal/queue: one *sql.DB per PooledSession, each pinned to a single
// physical connection, following the teacher's createConn convention.
package factory

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sync"

	_ "github.com/microsoft/go-mssqldb"
)

// Config describes how to open and prepare one backend session.
type Config struct {
	DriverName string
	URL        string
	Username   string
	Password   string
	Properties map[string]string

	IsolationLevel string
	AutoCommit     bool

	ConnectTimeoutSecs int
}

// SQL opens one *sql.DB per session, configured for exactly one physical
// connection (SetMaxOpenConns(1)) so the pool — not database/sql's own
// internal pool — owns all admission and queueing decisions.
type SQL struct {
	cfg Config

	mu     sync.Mutex
	closed bool
}

// New validates the config and returns a ready factory.
func New(cfg Config) (*SQL, error) {
	if cfg.DriverName == "" {
		return nil, fmt.Errorf("factory: driver_name is required")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("factory: url is required")
	}
	return &SQL{cfg: cfg}, nil
}

// Open implements queue.SessionOpener.
func (f *SQL) Open(ctx context.Context) (*sql.DB, error) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("factory: closed")
	}

	db, err := sql.Open(f.cfg.DriverName, f.dsn())
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	if err := f.applySessionSettings(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying session settings: %w", err)
	}

	return db, nil
}

// applySessionSettings applies the configured isolation level and
// autocommit mode immediately after opening, mirroring the original's
// per-connection session setup step.
func (f *SQL) applySessionSettings(ctx context.Context, db *sql.DB) error {
	if f.cfg.IsolationLevel != "" {
		stmt := "SET TRANSACTION ISOLATION LEVEL " + f.cfg.IsolationLevel
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if !f.cfg.AutoCommit {
		if _, err := db.ExecContext(ctx, "SET IMPLICIT_TRANSACTIONS ON"); err != nil {
			return err
		}
	}
	return nil
}

func (f *SQL) dsn() string {
	q := url.Values{}
	q.Set("database", f.cfg.Properties["database"])
	if f.cfg.ConnectTimeoutSecs > 0 {
		q.Set("connection timeout", fmt.Sprintf("%d", f.cfg.ConnectTimeoutSecs))
	}
	for k, v := range f.cfg.Properties {
		if k == "database" {
			continue
		}
		q.Set(k, v)
	}

	u := url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(f.cfg.Username, f.cfg.Password),
		Host:     f.cfg.URL,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// ResetForUse runs the vendor reset-session call used before handing a
// reused connection back to a new borrower (spec.md §4.5), following the
// teacher's sp_reset_connection convention.
func ResetForUse(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, "EXEC sp_reset_connection")
	return err
}

// ResetForUse implements queue.SessionResetter: the queue calls this
// (via a type assertion, so factories with nothing to reset don't need
// it) on every free-list reuse and direct handoff, immediately before
// the session reaches its next borrower.
func (f *SQL) ResetForUse(ctx context.Context, db *sql.DB) error {
	return ResetForUse(ctx, db)
}

// Close marks the factory closed, refusing any further Open calls. Each
// session already opened owns closing its own *sql.DB; this is the Go
// analogue of the original's deregisterDriver step, guarded so it only
// takes effect once.
func (f *SQL) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}
