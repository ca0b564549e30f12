// Package queue implements SessionQueue, the central data structure of the
// connection pool: the free/busy collections, the FIFO of blocked
// borrowers, growth/trim rules and the admission protocol (spec.md §4.2).
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lrsouza/connpool/internal/poolerr"
	"github.com/lrsouza/connpool/internal/session"
)

// SessionOpener is the session factory as consumed by the queue (spec.md
// §6 "Session factory (consumed)"). The queue never holds its lock while
// calling Open.
type SessionOpener interface {
	Open(ctx context.Context) (*sql.DB, error)
}

// SessionResetter is implemented by openers that need to run a vendor
// reset command against a reused physical connection before it is handed
// to a new borrower (e.g. SQL Server's sp_reset_connection via
// internal/factory). Optional: checked with a type assertion, so an
// opener with nothing to reset simply doesn't implement it.
type SessionResetter interface {
	ResetForUse(ctx context.Context, db *sql.DB) error
}

// Hooks lets the owning Pool facade observe queue-internal events it must
// react to without the queue importing the facade package (spec.md §4.4
// requires these transitions to happen "safe to call while holding no
// queue lock" — the queue always invokes them after unlocking).
type Hooks struct {
	// OnSessionCreated fires after every successful session creation,
	// mirroring the original's createConnectionForQueue calling
	// notifyDataSourceIsUp() when the pool was down.
	OnSessionCreated func()

	// OnWarning fires when busy crosses warningSize; the facade owns the
	// single-shot latch and the alert-sink call.
	OnWarning func()
}

type waiterResult struct {
	handle *session.Handle
	err    error
}

type waiter struct {
	ch       chan waiterResult
	deadline time.Time
}

// BusyInfo is a diagnostic snapshot of one busy session.
type BusyInfo struct {
	Name         string
	BorrowID     string
	LastUsedAtMs int64
	Stack        string
}

// Status is the public snapshot described in spec.md §6.
type Status struct {
	MinSize       int
	MaxSize       int
	Free          int
	Busy          int
	Waiting       int
	HighWaterMark int
	WaitCount     uint64
	HitCount      uint64
}

// Statistics is the aggregated timing snapshot described in spec.md §6.
type Statistics struct {
	Count      uint64
	TotalMicros uint64
	HwmMicros  uint64
	AvgMicros  uint64
}

// SessionQueue is the core engine of the pool (spec.md §4.2).
type SessionQueue struct {
	mu sync.Mutex

	poolName string
	opener   SessionOpener
	hooks    Hooks

	captureStack   bool
	maxStackSize   int
	pstmtCacheSize int

	returner session.Returner

	free    []*session.PooledSession
	busy    map[uint64]*session.PooledSession
	waiters []*waiter

	nextID atomic.Uint64

	minSize     int
	maxSize     int
	warningSize int
	waitTimeoutMs int64
	maxAgeMillis  int64

	createdCount   uint64
	destroyedCount uint64
	highWaterMark  int
	hitCount       uint64
	waitCount      uint64

	statCount       uint64
	statTotalMicros uint64
	statHwmMicros   uint64

	lastTrimAtMs int64

	closed bool
}

// Config bundles the construction-time parameters of a SessionQueue.
type Config struct {
	PoolName       string
	Opener         SessionOpener
	Returner       session.Returner
	MinSize        int
	MaxSize        int
	WarningSize    int
	WaitTimeoutMs  int64
	MaxAgeMillis   int64
	CaptureStack   bool
	MaxStackSize   int
	PstmtCacheSize int
	Hooks          Hooks
}

// New constructs an empty SessionQueue. Callers must invoke EnsureMinimum
// separately to perform the initial synchronous fill.
func New(cfg Config) *SessionQueue {
	return &SessionQueue{
		poolName:       cfg.PoolName,
		opener:         cfg.Opener,
		hooks:          cfg.Hooks,
		captureStack:   cfg.CaptureStack,
		maxStackSize:   cfg.MaxStackSize,
		pstmtCacheSize: cfg.PstmtCacheSize,
		returner:       cfg.Returner,
		busy:           make(map[uint64]*session.PooledSession),
		minSize:        cfg.MinSize,
		maxSize:        cfg.MaxSize,
		warningSize:    cfg.WarningSize,
		waitTimeoutMs:  cfg.WaitTimeoutMs,
		maxAgeMillis:   cfg.MaxAgeMillis,
	}
}

// EnsureMinimum synchronously creates minSize sessions and places them in
// free. Failures are logged but do not abort construction (spec.md §4.2).
func (q *SessionQueue) EnsureMinimum(ctx context.Context) {
	q.mu.Lock()
	deficit := q.minSize - (len(q.free) + len(q.busy))
	q.mu.Unlock()

	for i := 0; i < deficit; i++ {
		db, err := q.opener.Open(ctx)
		if err != nil {
			log.Printf("[queue] %s: failed to create initial session %d/%d: %v", q.poolName, i+1, deficit, err)
			continue
		}
		id := q.nextID.Add(1)
		s := session.NewIdle(id, q.poolName, db, q.returner, q.pstmtCacheSize)

		q.mu.Lock()
		q.free = append(q.free, s)
		q.createdCount++
		q.mu.Unlock()

		if q.hooks.OnSessionCreated != nil {
			q.hooks.OnSessionCreated()
		}
	}
}

// Acquire implements the admission protocol of spec.md §4.2. A free
// session that fails its pre-reuse reset (resetForReuse) is discarded and
// the loop retries, which either reuses the next free session or falls
// through to growth/waiting.
func (q *SessionQueue) Acquire(ctx context.Context) (*session.Handle, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, &poolerr.PoolClosed{Pool: q.poolName}
		}
		q.hitCount++

		if n := len(q.free); n > 0 {
			s := q.free[n-1]
			q.free = q.free[:n-1]
			q.mu.Unlock()

			if err := q.resetForReuse(ctx, s); err != nil {
				log.Printf("[queue] %s: discarding session %s on reuse failure: %v", q.poolName, s.Name(), err)
				session.MarkClosed(s)
				q.mu.Lock()
				q.destroyedCount++
				q.mu.Unlock()
				_ = s.CloseBackend()
				continue
			}

			handle := session.ResetForUse(s, q.captureStack)
			q.mu.Lock()
			q.busy[s.ID()] = s
			if len(q.busy) > q.highWaterMark {
				q.highWaterMark = len(q.busy)
			}
			q.mu.Unlock()
			return handle, nil
		}

		if len(q.busy)+len(q.free) < q.maxSize {
			q.mu.Unlock()
			return q.growAndBorrow(ctx)
		}

		// Saturated: enqueue as a waiter.
		q.waitCount++
		w := &waiter{ch: make(chan waiterResult, 1), deadline: time.Now().Add(time.Duration(q.waitTimeoutMs) * time.Millisecond)}
		q.waiters = append(q.waiters, w)
		q.mu.Unlock()

		return q.waitForHandoff(ctx, w)
	}
}

// resetForReuse runs the opener's vendor reset command against s, if the
// opener implements SessionResetter. A no-op for openers that don't.
func (q *SessionQueue) resetForReuse(ctx context.Context, s *session.PooledSession) error {
	resetter, ok := q.opener.(SessionResetter)
	if !ok {
		return nil
	}
	return resetter.ResetForUse(ctx, s.DB())
}

// growAndBorrow opens a new session via the factory without holding the
// queue lock, then inserts it into busy.
func (q *SessionQueue) growAndBorrow(ctx context.Context) (*session.Handle, error) {
	db, err := q.opener.Open(ctx)
	if err != nil {
		return nil, err
	}

	id := q.nextID.Add(1)
	s, handle := session.New(id, q.poolName, db, q.returner, q.pstmtCacheSize, q.captureStack, q.maxStackSize)

	q.mu.Lock()
	q.busy[id] = s
	q.createdCount++
	if len(q.busy) > q.highWaterMark {
		q.highWaterMark = len(q.busy)
	}
	q.mu.Unlock()

	if q.hooks.OnSessionCreated != nil {
		q.hooks.OnSessionCreated()
	}
	return handle, nil
}

func (q *SessionQueue) waitForHandoff(ctx context.Context, w *waiter) (*session.Handle, error) {
	timer := time.NewTimer(time.Until(w.deadline))
	defer timer.Stop()

	select {
	case res := <-w.ch:
		return res.handle, res.err

	case <-timer.C:
		q.mu.Lock()
		select {
		case res := <-w.ch:
			q.mu.Unlock()
			return res.handle, res.err
		default:
		}
		q.removeWaiterLocked(w)
		free, busy := len(q.free), len(q.busy)
		busyInfo := q.busyInfoLocked(8)
		q.mu.Unlock()

		summary := make([]string, 0, len(busyInfo))
		for _, b := range busyInfo {
			summary = append(summary, fmt.Sprintf("%s borrow=%s lastUsed=%dms", b.Name, b.BorrowID, b.LastUsedAtMs))
		}
		return nil, &poolerr.PoolTimeout{
			Pool:         q.poolName,
			WaitedMillis: q.waitTimeoutMs,
			Free:         free,
			Busy:         busy,
			Max:          q.maxSize,
			BusySummary:  summary,
		}

	case <-ctx.Done():
		q.mu.Lock()
		select {
		case res := <-w.ch:
			q.mu.Unlock()
			return res.handle, res.err
		default:
		}
		q.removeWaiterLocked(w)
		q.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (q *SessionQueue) removeWaiterLocked(target *waiter) {
	for i, w := range q.waiters {
		if w == target {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}

// Release implements the release protocol of spec.md §4.2. It records the
// hold duration in the timing statistics and, when busy is at or above
// warningSize, invokes the OnWarning hook after releasing the queue lock.
func (q *SessionQueue) Release(s *session.PooledSession, forceClose bool) {
	q.mu.Lock()

	if _, ok := q.busy[s.ID()]; !ok {
		// Double return (e.g. already reclaimed as a leak) — idempotent ignore.
		q.mu.Unlock()
		log.Printf("[queue] %s: ignoring return of session %s not in busy set", q.poolName, s.Name())
		return
	}
	delete(q.busy, s.ID())

	borrowedAtMs := s.LastUsedAtMs()
	holdMicros := uint64(time.Now().UnixMilli()-borrowedAtMs) * 1000
	q.statCount++
	q.statTotalMicros += holdMicros
	if holdMicros > q.statHwmMicros {
		q.statHwmMicros = holdMicros
	}

	destroy := forceClose || q.closed ||
		(q.maxAgeMillis > 0 && s.Age() >= time.Duration(q.maxAgeMillis)*time.Millisecond) ||
		(len(q.free)+len(q.busy)+1 > q.maxSize)

	if len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters = q.waiters[1:]

		if !destroy {
			// Direct handoff: the returning session goes straight to the
			// oldest waiter, never touching the free list.
			q.mu.Unlock()

			if err := q.resetForReuse(context.Background(), s); err != nil {
				log.Printf("[queue] %s: discarding session %s on reuse failure: %v", q.poolName, s.Name(), err)
				session.MarkClosed(s)
				q.mu.Lock()
				q.destroyedCount++
				q.mu.Unlock()
				_ = s.CloseBackend()

				handle, err := q.growAndBorrow(context.Background())
				w.ch <- waiterResult{handle: handle, err: err}
				return
			}

			handle := session.ResetForUse(s, q.captureStack)
			q.mu.Lock()
			q.busy[s.ID()] = s
			if len(q.busy) > q.highWaterMark {
				q.highWaterMark = len(q.busy)
			}
			warn := q.maybeWarnLocked()
			q.mu.Unlock()
			w.ch <- waiterResult{handle: handle}
			if warn {
				q.hooks.OnWarning()
			}
			return
		}

		// The returning session is not eligible for handoff (bad, aged
		// out, or the pool shrank). Destroy it and create a fresh one for
		// the waiter instead, without holding the lock.
		session.MarkClosed(s)
		q.destroyedCount++
		q.mu.Unlock()
		_ = s.CloseBackend()

		handle, err := q.growAndBorrow(context.Background())
		w.ch <- waiterResult{handle: handle, err: err}
		return
	}

	if destroy {
		session.MarkClosed(s)
		q.destroyedCount++
		q.mu.Unlock()
		_ = s.CloseBackend()
		return
	}

	session.MarkIdle(s)
	q.free = append(q.free, s)
	warn := q.maybeWarnLocked()
	q.mu.Unlock()
	if warn {
		q.hooks.OnWarning()
	}
}

// maybeWarnLocked must be called with q.mu held; it only reports whether
// the OnWarning hook should fire, and the caller invokes the hook after
// unlocking, leaving latch bookkeeping to the facade.
func (q *SessionQueue) maybeWarnLocked() bool {
	return q.warningSize > 0 && len(q.busy) >= q.warningSize && q.hooks.OnWarning != nil
}

// Trim walks free from the oldest entry, destroying sessions past
// maxInactiveMs or maxAgeMs while keeping at least minSize total sessions
// (spec.md §4.2). free is ordered oldest-first..newest-last since Acquire
// always pops from the tail (LIFO), so the scan starts at index 0.
func (q *SessionQueue) Trim(maxInactiveMs, maxAgeMs int64) {
	q.mu.Lock()
	total := len(q.free) + len(q.busy)
	var toClose []*session.PooledSession
	kept := make([]*session.PooledSession, 0, len(q.free))

	for _, s := range q.free {
		idleExpired := maxInactiveMs > 0 && s.IdleDuration() >= time.Duration(maxInactiveMs)*time.Millisecond
		ageExpired := maxAgeMs > 0 && s.Age() >= time.Duration(maxAgeMs)*time.Millisecond

		if (idleExpired || ageExpired) && total > q.minSize {
			toClose = append(toClose, s)
			total--
			continue
		}
		kept = append(kept, s)
	}

	q.free = kept
	for _, s := range toClose {
		session.MarkClosed(s)
		q.destroyedCount++
	}
	q.mu.Unlock()

	for _, s := range toClose {
		_ = s.CloseBackend()
	}
	if len(toClose) > 0 {
		log.Printf("[queue] %s: trimmed %d idle session(s)", q.poolName, len(toClose))
	}
}

// CloseBusyConnections reclaims busy sessions that have been borrowed
// longer than ageMinutes without activity (spec.md §4.2 leak reclamation).
// It returns diagnostics for each reclaimed session.
func (q *SessionQueue) CloseBusyConnections(ageMinutes int64) []BusyInfo {
	cutoff := time.Now().Add(-time.Duration(ageMinutes) * time.Minute).UnixMilli()

	q.mu.Lock()
	var reclaimed []*session.PooledSession
	var diag []BusyInfo
	for id, s := range q.busy {
		if s.LastUsedAtMs() < cutoff {
			reclaimed = append(reclaimed, s)
			diag = append(diag, BusyInfo{Name: s.Name(), BorrowID: s.BorrowID(), LastUsedAtMs: s.LastUsedAtMs(), Stack: s.Stack()})
			delete(q.busy, id)
		}
	}
	q.destroyedCount += uint64(len(reclaimed))
	q.mu.Unlock()

	for _, s := range reclaimed {
		session.MarkClosed(s)
		_ = s.CloseBackend()
	}
	for _, d := range diag {
		if d.Stack != "" {
			log.Printf("[queue] leak reclaimed: %s borrow=%s last used at %dms, borrowed at:\n%s", d.Name, d.BorrowID, d.LastUsedAtMs, d.Stack)
		} else {
			log.Printf("[queue] leak reclaimed: %s borrow=%s last used at %dms", d.Name, d.BorrowID, d.LastUsedAtMs)
		}
	}
	return diag
}

// DestroyAllFree closes every free session, used by Pool.Reset and by
// the UP/DOWN transition to discard potentially stale sessions.
func (q *SessionQueue) DestroyAllFree() {
	q.mu.Lock()
	toClose := q.free
	q.free = nil
	q.destroyedCount += uint64(len(toClose))
	q.mu.Unlock()

	for _, s := range toClose {
		session.MarkClosed(s)
		_ = s.CloseBackend()
	}
}

// Shutdown marks the queue closed, drains free sessions, and returns the
// current busy sessions for the facade to wait on.
func (q *SessionQueue) Shutdown() (busy []*session.PooledSession) {
	q.mu.Lock()
	q.closed = true
	toClose := q.free
	q.free = nil
	for _, s := range q.busy {
		busy = append(busy, s)
	}
	for _, w := range q.waiters {
		w.ch <- waiterResult{err: &poolerr.PoolClosed{Pool: q.poolName}}
	}
	q.waiters = nil
	q.mu.Unlock()

	for _, s := range toClose {
		session.MarkClosed(s)
		_ = s.CloseBackend()
	}
	return busy
}

// SetMinSize updates the minimum pool size.
func (q *SessionQueue) SetMinSize(min int) {
	q.mu.Lock()
	q.minSize = min
	q.mu.Unlock()
}

// SetMaxSize updates the maximum pool size. Reducing max does not force-
// close busy sessions; they are destroyed on return once over the new max.
func (q *SessionQueue) SetMaxSize(max int) {
	q.mu.Lock()
	q.maxSize = max
	q.mu.Unlock()
}

// SetWarningSize updates the warning threshold.
func (q *SessionQueue) SetWarningSize(warn int) {
	q.mu.Lock()
	q.warningSize = warn
	q.mu.Unlock()
}

// WarningSize returns the current warning threshold.
func (q *SessionQueue) WarningSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.warningSize
}

// ShouldTrim reports whether trimPoolFreqMillis has elapsed since the
// last trim, and records "now" as the new last-trim time if so (the gate
// is enforced here so every caller, however it ticks, shares one clock).
func (q *SessionQueue) ShouldTrim(trimPoolFreqMillis int64) bool {
	now := time.Now().UnixMilli()
	q.mu.Lock()
	defer q.mu.Unlock()
	if now < q.lastTrimAtMs+trimPoolFreqMillis {
		return false
	}
	q.lastTrimAtMs = now
	return true
}

// Status returns the snapshot described in spec.md §6, optionally
// resetting the monotonic counters.
func (q *SessionQueue) Status(reset bool) Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := Status{
		MinSize:       q.minSize,
		MaxSize:       q.maxSize,
		Free:          len(q.free),
		Busy:          len(q.busy),
		Waiting:       len(q.waiters),
		HighWaterMark: q.highWaterMark,
		WaitCount:     q.waitCount,
		HitCount:      q.hitCount,
	}
	if reset {
		q.waitCount = 0
		q.hitCount = 0
		q.highWaterMark = len(q.busy)
	}
	return st
}

// Statistics returns the aggregated timing snapshot of spec.md §6.
func (q *SessionQueue) Statistics(reset bool) Statistics {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := Statistics{
		Count:       q.statCount,
		TotalMicros: q.statTotalMicros,
	}
	if st.Count > 0 {
		st.AvgMicros = st.TotalMicros / st.Count
	}
	st.HwmMicros = q.statHwmMicros
	if reset {
		q.statCount = 0
		q.statTotalMicros = 0
		q.statHwmMicros = 0
	}
	return st
}

// BusyInformation returns a diagnostic snapshot of every busy session.
func (q *SessionQueue) BusyInformation() []BusyInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.busyInfoLocked(len(q.busy))
}

func (q *SessionQueue) busyInfoLocked(limit int) []BusyInfo {
	out := make([]BusyInfo, 0, limit)
	for _, s := range q.busy {
		if len(out) >= limit {
			break
		}
		out = append(out, BusyInfo{Name: s.Name(), BorrowID: s.BorrowID(), LastUsedAtMs: s.LastUsedAtMs(), Stack: s.Stack()})
	}
	return out
}

// CreatedCount returns the total number of sessions ever created.
func (q *SessionQueue) CreatedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.createdCount
}

// DestroyedCount returns the total number of sessions ever destroyed.
func (q *SessionQueue) DestroyedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.destroyedCount
}
