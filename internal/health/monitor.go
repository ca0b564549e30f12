// Package health implements HealthMonitor, the periodic background task
// that trims the pool and probes the backend, driving the UP/DOWN
// transitions described in spec.md §4.3 and §4.4.
package health

import (
	"context"
	"database/sql"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Prober is the facade's probe+transition surface, consumed here so this
// package never imports the pool package.
type Prober interface {
	// Trim runs the trim protocol if the trim gate allows it.
	Trim()
	// Probe borrows one session, runs the configured liveness check
	// against it, and returns it, reporting whether the backend is
	// currently healthy. It also performs the UP/DOWN transition itself
	// (spec.md §4.4 clear-then-notify ordering lives in the facade).
	Probe(ctx context.Context) error
}

// Monitor runs Prober.Trim and Prober.Probe on a fixed interval until
// stopped.
type Monitor struct {
	poolName string
	prober   Prober
	interval time.Duration
	timeout  time.Duration

	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	started atomic.Bool
}

// New creates a Monitor. Start must be called to begin ticking.
func New(poolName string, prober Prober, interval, timeout time.Duration) *Monitor {
	return &Monitor{
		poolName: poolName,
		prober:   prober,
		interval: interval,
		timeout:  timeout,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background ticking goroutine. Callers with a
// non-positive interval (heartbeat disabled) should not call Start at
// all; run() would panic building its ticker otherwise.
func (m *Monitor) Start() {
	m.started.Store(true)
	go m.run()
}

// Stop halts the monitor and waits for the current tick, if any, to
// finish. A no-op if Start was never called, so a Pool built with the
// health monitor disabled can still call Stop unconditionally on shutdown.
func (m *Monitor) Stop() {
	if !m.started.Load() {
		return
	}
	m.once.Do(func() { close(m.stop) })
	<-m.done
}

func (m *Monitor) run() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Monitor) tick() {
	m.prober.Trim()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	if err := m.prober.Probe(ctx); err != nil {
		log.Printf("[health] %s: probe failed: %v", m.poolName, err)
	}
}

// IsValidOrPing runs the liveness check. With no heartbeat SQL configured
// it is a driver-level Ping, following database/sql's own notion of
// connection validity; otherwise it runs the heartbeat SQL inside a
// transaction, reads one row, and commits (spec.md §4.3 "vendor isValid()
// vs. configured heartbeat SQL").
func IsValidOrPing(ctx context.Context, db *sql.DB, heartbeatSQL string) error {
	if heartbeatSQL == "" {
		return db.PingContext(ctx)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	var discard any
	if err := tx.QueryRowContext(ctx, heartbeatSQL).Scan(&discard); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
