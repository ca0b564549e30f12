// Package pool implements Pool, the facade spec.md §4.1 describes:
// Borrow/Return, resize, status/statistics, shutdown, and the UP/DOWN
// data-source transition with clear-then-notify ordering (spec.md §4.4).
package pool

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lrsouza/connpool/internal/alertsink"
	"github.com/lrsouza/connpool/internal/health"
	"github.com/lrsouza/connpool/internal/listener"
	"github.com/lrsouza/connpool/internal/metrics"
	"github.com/lrsouza/connpool/internal/poolerr"
	"github.com/lrsouza/connpool/internal/queue"
	"github.com/lrsouza/connpool/internal/session"
)

// Opener is the session factory surface the pool depends on, satisfied by
// internal/factory.SQL in production and by fakes in tests.
type Opener interface {
	queue.SessionOpener
	Close() error
}

// Options bundles the construction-time parameters of a Pool.
type Options struct {
	Name string

	Opener   Opener
	Listener listener.PoolListener
	Alert    alertsink.AlertSink

	MinSize       int
	MaxSize       int
	WarningSize   int
	WaitTimeoutMs int64

	MaxInactiveMillis int64
	MaxAgeMillis      int64
	TrimPoolFreqMs    int64

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	HeartbeatSQL      string

	LeakTimeMinutes int64

	CaptureStack   bool
	MaxStackSize   int
	PstmtCacheSize int
}

// Pool is one managed connection pool.
type Pool struct {
	name string

	opener   Opener
	listener listener.PoolListener
	alert    alertsink.AlertSink

	q *queue.SessionQueue
	m *health.Monitor

	maxInactiveMillis int64
	maxAgeMillis      int64
	trimPoolFreqMs    int64
	heartbeatSQL      string
	leakTimeMinutes   int64

	upMu       sync.Mutex
	up         bool
	downReason error

	inWarning atomic.Bool
}

// New constructs and starts a Pool: it performs the synchronous initial
// fill, registers metrics, and launches the health monitor when
// HeartbeatInterval is positive.
func New(ctx context.Context, opts Options) *Pool {
	p := &Pool{
		name:              opts.Name,
		opener:            opts.Opener,
		listener:          opts.Listener,
		alert:             opts.Alert,
		maxInactiveMillis: opts.MaxInactiveMillis,
		maxAgeMillis:      opts.MaxAgeMillis,
		trimPoolFreqMs:    opts.TrimPoolFreqMs,
		heartbeatSQL:      opts.HeartbeatSQL,
		leakTimeMinutes:   opts.LeakTimeMinutes,
		up:                true,
	}
	if p.listener == nil {
		p.listener = listener.Noop{}
	}
	if p.alert == nil {
		p.alert = alertsink.Noop{}
	}

	p.q = queue.New(queue.Config{
		PoolName:       opts.Name,
		Opener:         opts.Opener,
		Returner:       p,
		MinSize:        opts.MinSize,
		MaxSize:        opts.MaxSize,
		WarningSize:    opts.WarningSize,
		WaitTimeoutMs:  opts.WaitTimeoutMs,
		MaxAgeMillis:   opts.MaxAgeMillis,
		CaptureStack:   opts.CaptureStack,
		MaxStackSize:   opts.MaxStackSize,
		PstmtCacheSize: opts.PstmtCacheSize,
		Hooks: queue.Hooks{
			OnSessionCreated: p.onSessionCreated,
			OnWarning:        p.onWarning,
		},
	})

	p.q.EnsureMinimum(ctx)
	p.refreshGauges()
	log.Printf("[pool] %s: initialized min=%d max=%d", opts.Name, opts.MinSize, opts.MaxSize)

	p.m = health.New(opts.Name, p, opts.HeartbeatInterval, opts.HeartbeatTimeout)
	if opts.HeartbeatInterval > 0 {
		p.m.Start()
	}

	return p
}

// Borrow implements the pooled borrow path of spec.md §4.1.
func (p *Pool) Borrow(ctx context.Context) (*session.Handle, error) {
	start := time.Now()
	handle, err := p.q.Acquire(ctx)
	waited := time.Since(start)

	if err != nil {
		p.refreshGauges()
		switch err.(type) {
		case *poolerr.PoolTimeout:
			metrics.BorrowTotal.WithLabelValues(p.name, "timeout").Inc()
		case *poolerr.PoolClosed:
			metrics.BorrowTotal.WithLabelValues(p.name, "closed").Inc()
		default:
			metrics.BorrowTotal.WithLabelValues(p.name, "error").Inc()
			p.transitionDown(err)
			return nil, &poolerr.BackendDown{Pool: p.name, Err: err}
		}
		return nil, err
	}

	metrics.BorrowTotal.WithLabelValues(p.name, "ok").Inc()
	p.listener.AfterBorrow(handle.Session(), waited)
	p.refreshGauges()
	return handle, nil
}

// BorrowUnpooled opens a one-off session outside the pool's accounting,
// for callers that need credentials other than the pool's own (spec.md
// §4.1 "Borrow(user, password)"). The caller is responsible for closing
// the returned *sql.DB directly; it never touches the queue.
func (p *Pool) BorrowUnpooled(ctx context.Context, openWithCredentials func(ctx context.Context) (*sql.DB, error)) (*sql.DB, error) {
	db, err := openWithCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("unpooled borrow: %w", err)
	}
	return db, nil
}

// ReturnSession implements session.Returner; it is the bridge a
// session.Handle calls through to on Close().
func (p *Pool) ReturnSession(s *session.PooledSession, forceClose bool) {
	held := time.Duration(time.Now().UnixMilli()-s.LastUsedAtMs()) * time.Millisecond
	p.listener.BeforeReturn(s, held)
	p.q.Release(s, forceClose)
	p.refreshGauges()
}

// Resize changes the pool's min/max/warning sizes at runtime (spec.md §4.1).
func (p *Pool) Resize(minSize, maxSize, warningSize int) error {
	if minSize < 0 || maxSize <= 0 || minSize > maxSize {
		return &poolerr.ConfigInvalid{Reason: fmt.Sprintf("min=%d max=%d warning=%d is not a valid pool size", minSize, maxSize, warningSize)}
	}
	p.q.SetMinSize(minSize)
	p.q.SetMaxSize(maxSize)
	p.q.SetWarningSize(warningSize)
	metrics.SessionsMax.WithLabelValues(p.name).Set(float64(maxSize))
	return nil
}

// Status returns the current pool status snapshot (spec.md §6).
func (p *Pool) Status(reset bool) queue.Status {
	return p.q.Status(reset)
}

// Statistics returns the aggregated timing snapshot (spec.md §6).
func (p *Pool) Statistics(reset bool) queue.Statistics {
	return p.q.Statistics(reset)
}

// GetBusyInformation returns a diagnostic snapshot of every busy session.
func (p *Pool) GetBusyInformation() []queue.BusyInfo {
	return p.q.BusyInformation()
}

// DumpBusyInformation logs the diagnostic snapshot of every busy session,
// mirroring the original's dumpBusyConnectionInformation debug aid.
func (p *Pool) DumpBusyInformation() {
	for _, b := range p.GetBusyInformation() {
		if b.Stack != "" {
			log.Printf("[pool] %s: busy %s borrow=%s lastUsed=%dms\n%s", p.name, b.Name, b.BorrowID, b.LastUsedAtMs, b.Stack)
		} else {
			log.Printf("[pool] %s: busy %s borrow=%s lastUsed=%dms", p.name, b.Name, b.BorrowID, b.LastUsedAtMs)
		}
	}
}

// TestAlert forces a synthetic alert through the configured sink, useful
// for verifying alert wiring without waiting for a real outage.
func (p *Pool) TestAlert() {
	p.alert.OnDown(p.name, fmt.Errorf("test alert"))
	p.alert.OnUp(p.name)
}

// Reset destroys every free session, reclaims any session that has been
// busy longer than leakTimeMinutes, and clears the warning latch (spec.md
// §4.1 reset(), invoked on every UP/DOWN edge).
func (p *Pool) Reset() {
	p.q.DestroyAllFree()
	p.q.CloseBusyConnections(p.leakTimeMinutes)
	p.inWarning.Store(false)
}

const (
	shutdownDrainTimeout = 30 * time.Second
	shutdownPollInterval = 50 * time.Millisecond
)

// Shutdown stops the health monitor, closes every free session, waits a
// bounded period for busy sessions to be returned by their in-flight
// borrowers (spec.md §5 "Shutdown is cooperative"), then force-closes any
// stragglers still busy, and optionally closes the underlying factory
// (the deregisterDriver parameter of the original implementation).
func (p *Pool) Shutdown(ctx context.Context, deregisterDriver bool) error {
	p.m.Stop()
	p.q.Shutdown()

	p.waitForBusyToDrain(ctx)
	p.q.CloseBusyConnections(0)

	if deregisterDriver {
		return p.opener.Close()
	}
	return nil
}

// waitForBusyToDrain polls the busy count until it reaches zero or a
// bounded deadline passes, giving in-flight borrowers a chance to return
// their sessions instead of having them torn out from under the caller.
func (p *Pool) waitForBusyToDrain(ctx context.Context) {
	deadline := time.Now().Add(shutdownDrainTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	ticker := time.NewTicker(shutdownPollInterval)
	defer ticker.Stop()

	for {
		if p.q.Status(false).Busy == 0 {
			return
		}
		if time.Now().After(deadline) {
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// --- health.Prober implementation ---

// Trim runs the trim protocol if the trim gate allows it.
func (p *Pool) Trim() {
	if !p.q.ShouldTrim(p.trimPoolFreqMs) {
		return
	}
	p.q.Trim(p.maxInactiveMillis, p.maxAgeMillis)
	if p.leakTimeMinutes > 0 {
		p.q.CloseBusyConnections(p.leakTimeMinutes)
	}
}

// Probe borrows one session, validates it, returns it, and performs the
// UP/DOWN transition (spec.md §4.3/§4.4).
func (p *Pool) Probe(ctx context.Context) error {
	handle, err := p.q.Acquire(ctx)
	if err != nil {
		p.transitionDown(err)
		return err
	}

	probeErr := health.IsValidOrPing(ctx, handle.DB(), p.heartbeatSQL)
	if probeErr != nil {
		handle.MarkFatal()
		handle.Close()
		p.transitionDown(probeErr)
		return probeErr
	}

	handle.Close()
	p.transitionUp()
	return nil
}

// onSessionCreated fires whenever the queue successfully opens a new
// backend session, mirroring the original's createConnectionForQueue
// calling notifyDataSourceIsUp() whenever it had been down.
func (p *Pool) onSessionCreated() {
	p.transitionUp()
}

// onWarning fires when busy crosses warningSize; the latch lives here so
// the queue stays free of facade-level state (spec.md §3 "inWarning").
func (p *Pool) onWarning() {
	if !p.inWarning.CompareAndSwap(false, true) {
		return
	}
	st := p.q.Status(false)
	metrics.AlertsTotal.WithLabelValues(p.name, "warning").Inc()
	p.alert.OnWarning(p.name, st.Busy, p.q.WarningSize())
}

// transitionDown flips the pool to DOWN exactly once per outage,
// notifying after the state is set (spec.md §4.4).
func (p *Pool) transitionDown(cause error) {
	p.upMu.Lock()
	if !p.up {
		p.upMu.Unlock()
		return
	}
	p.up = false
	p.downReason = cause
	p.upMu.Unlock()

	p.Reset()
	metrics.DataSourceUp.WithLabelValues(p.name).Set(0)
	metrics.AlertsTotal.WithLabelValues(p.name, "down").Inc()
	log.Printf("[pool] %s: data source DOWN: %v", p.name, cause)
	p.alert.OnDown(p.name, cause)
}

// transitionUp flips the pool to UP exactly once per recovery. The down
// flag is cleared *before* the alert sink is notified: the original Java
// implementation clears dataSourceDownAlertSent before calling
// notify.dataSourceUp(), because a borrow from inside that callback must
// see the pool as already up or it recurses back into the transition
// (spec.md §4.4, resolved from original_source/ConnectionPool.java).
func (p *Pool) transitionUp() {
	p.upMu.Lock()
	if p.up {
		p.upMu.Unlock()
		return
	}
	p.up = true
	p.downReason = nil
	p.upMu.Unlock()

	p.Reset()
	metrics.DataSourceUp.WithLabelValues(p.name).Set(1)
	metrics.AlertsTotal.WithLabelValues(p.name, "up").Inc()
	log.Printf("[pool] %s: data source UP", p.name)
	p.alert.OnUp(p.name)
}

// IsUp reports the last known backend reachability.
func (p *Pool) IsUp() bool {
	p.upMu.Lock()
	defer p.upMu.Unlock()
	return p.up
}

func (p *Pool) refreshGauges() {
	st := p.q.Status(false)
	metrics.SessionsFree.WithLabelValues(p.name).Set(float64(st.Free))
	metrics.SessionsBusy.WithLabelValues(p.name).Set(float64(st.Busy))
	metrics.SessionsMax.WithLabelValues(p.name).Set(float64(st.MaxSize))
	metrics.HighWaterMark.WithLabelValues(p.name).Set(float64(st.HighWaterMark))
	metrics.WaitersQueued.WithLabelValues(p.name).Set(float64(st.Waiting))
}
