// Package session implements PooledSession, the wrapper around one backend
// session tracking its identity, acquisition state, timestamps, and an
// optional captured borrow stack trace (spec.md §3, §4.5).
package session

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lrsouza/connpool/internal/stmtcache"
)

// State is the lifecycle state of a PooledSession.
type State int

const (
	Idle State = iota
	Borrowed
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Borrowed:
		return "BORROWED"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Returner is the non-owning back-reference a PooledSession uses to return
// itself to its owning pool. Modelled as an interface (rather than a
// pointer to the pool type) so this package never imports the pool or
// queue packages — see DESIGN.md for the cyclic-reference note.
type Returner interface {
	ReturnSession(s *PooledSession, forceClose bool)
}

// PooledSession wraps one backend *sql.DB (itself configured for exactly
// one physical connection, following the teacher's one-DB-per-session
// convention) with the pool bookkeeping spec.md §3 requires.
type PooledSession struct {
	mu sync.Mutex

	id       uint64
	poolName string
	db       *sql.DB
	returner Returner
	stmts    *stmtcache.Cache

	state State

	createdAtMs  int64
	lastUsedAtMs int64

	captureStack bool
	maxStackSize int
	stack        string
	borrowID     string

	fatal bool

	generation uint64
}

// New creates a PooledSession in the BORROWED state (the constructor
// reserves it for the caller that triggered growth, per spec.md §3) and
// returns it together with a Handle bound to its first generation.
func New(id uint64, poolName string, db *sql.DB, returner Returner, pstmtCacheSize int, captureStack bool, maxStackSize int) (*PooledSession, *Handle) {
	now := time.Now().UnixMilli()
	s := &PooledSession{
		id:           id,
		poolName:     poolName,
		db:           db,
		returner:     returner,
		stmts:        stmtcache.New(pstmtCacheSize),
		state:        Borrowed,
		createdAtMs:  now,
		lastUsedAtMs: now,
		captureStack: captureStack,
		maxStackSize: maxStackSize,
		generation:   1,
		borrowID:     NewBorrowID(),
	}
	if captureStack {
		s.stack = captureCallStack(maxStackSize)
	}
	return s, NewHandle(s, s.generation)
}

// NewIdle creates a PooledSession already in the IDLE state, used for the
// synchronous initial fill (spec.md §4.2 ensureMinimum) where no borrower
// is waiting to receive it.
func NewIdle(id uint64, poolName string, db *sql.DB, returner Returner, pstmtCacheSize int) *PooledSession {
	now := time.Now().UnixMilli()
	return &PooledSession{
		id:           id,
		poolName:     poolName,
		db:           db,
		returner:     returner,
		stmts:        stmtcache.New(pstmtCacheSize),
		state:        Idle,
		createdAtMs:  now,
		lastUsedAtMs: now,
		generation:   0,
	}
}

// ID returns the monotonic identifier assigned to this session.
func (s *PooledSession) ID() uint64 { return s.id }

// Name returns the display name "<pool>.<id>".
func (s *PooledSession) Name() string {
	return fmt.Sprintf("%s.%d", s.poolName, s.id)
}

// DB returns the underlying *sql.DB for executing statements.
func (s *PooledSession) DB() *sql.DB { return s.db }

// State returns the current lifecycle state.
func (s *PooledSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CreatedAtMs returns the creation timestamp in unix millis.
func (s *PooledSession) CreatedAtMs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAtMs
}

// LastUsedAtMs returns the last-use timestamp in unix millis.
func (s *PooledSession) LastUsedAtMs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsedAtMs
}

// IdleDuration returns how long the session has been idle, valid only
// while the session is actually in the free list.
func (s *PooledSession) IdleDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(time.UnixMilli(s.lastUsedAtMs))
}

// Age returns how long ago this session was created.
func (s *PooledSession) Age() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(time.UnixMilli(s.createdAtMs))
}

// Stack returns the captured borrow-site stack trace, if any.
func (s *PooledSession) Stack() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stack
}

// BorrowID returns the correlation id assigned at the current borrow,
// used to tell apart two leak diagnostics for the same session id.
func (s *PooledSession) BorrowID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.borrowID
}

// MarkFatal flags the session for force-close on return. Any operation
// the caller classifies as connection-fatal should call this before
// closing the handle (spec.md §4.5).
func (s *PooledSession) MarkFatal() {
	s.mu.Lock()
	s.fatal = true
	s.mu.Unlock()
}

// IsFatal reports whether the session has been marked for force-close.
func (s *PooledSession) IsFatal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

// Prepare returns a cached *sql.Stmt for sqlText under the given context
// key (e.g. the active schema), preparing and caching a new one if needed.
func (s *PooledSession) Prepare(ctx context.Context, sqlText, contextKey string) (*sql.Stmt, error) {
	return s.stmts.Prepare(ctx, s.db, sqlText, contextKey)
}

// resetForUse transitions the session to BORROWED and stamps lastUsedAtMs,
// bumping the generation so handles from a previous borrow become stale.
// Called by the queue, without holding its own lock, when handing a
// session out.
func (s *PooledSession) resetForUse(captureStack bool) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Borrowed
	s.lastUsedAtMs = time.Now().UnixMilli()
	s.fatal = false
	s.generation++
	s.borrowID = NewBorrowID()
	if captureStack {
		s.stack = captureCallStack(s.maxStackSize)
	} else {
		s.stack = ""
	}
	return s.generation
}

// markIdle transitions the session back to IDLE and stamps lastUsedAtMs.
// Called by the queue under its own lock on a normal return.
func (s *PooledSession) markIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Idle
	s.lastUsedAtMs = time.Now().UnixMilli()
}

// markClosed transitions the session to CLOSED. Idempotent.
func (s *PooledSession) markClosed() {
	s.mu.Lock()
	s.state = Closed
	s.mu.Unlock()
}

// CloseBackend transitions to CLOSED and releases the underlying backend
// session. Safe to call more than once.
func (s *PooledSession) CloseBackend() error {
	s.mu.Lock()
	already := s.state == Closed
	s.state = Closed
	s.mu.Unlock()
	if already {
		return nil
	}
	s.stmts.Close()
	return s.db.Close()
}

// Handle is the generic session handle presented to callers of Borrow.
// Its Close() returns the underlying PooledSession to the pool exactly
// once per borrow: a stale handle from a prior borrow (the session has
// since been re-borrowed by someone else) is a silent no-op, and a
// second Close() on the same handle is a no-op too (spec.md §8
// idempotence property).
type Handle struct {
	session    *PooledSession
	generation uint64
	closed     atomic.Bool
}

// NewHandle wraps a freshly (re)borrowed PooledSession in a Handle bound
// to its current generation.
func NewHandle(s *PooledSession, generation uint64) *Handle {
	return &Handle{session: s, generation: generation}
}

// Session returns the underlying PooledSession.
func (h *Handle) Session() *PooledSession { return h.session }

// DB returns the underlying *sql.DB.
func (h *Handle) DB() *sql.DB { return h.session.DB() }

// MarkFatal flags the underlying session for force-close on return.
func (h *Handle) MarkFatal() { h.session.MarkFatal() }

// Close returns the session to the pool (or is a no-op if already closed
// or superseded by a later borrow of the same session).
func (h *Handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.session.mu.Lock()
	stale := h.session.generation != h.generation
	forceClose := h.session.fatal
	h.session.mu.Unlock()
	if stale {
		return nil
	}
	h.session.returner.ReturnSession(h.session, forceClose)
	return nil
}

// ForceClose is like Close but always force-closes the session (used by
// the pool itself on validation failure, spec.md §4.1 return(forceClose)).
func (h *Handle) ForceClose() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	h.session.mu.Lock()
	stale := h.session.generation != h.generation
	h.session.mu.Unlock()
	if stale {
		return
	}
	h.session.returner.ReturnSession(h.session, true)
}

// ResetForUse is called by the queue when handing this session to a new
// borrower and returns the Handle the borrower should use.
func ResetForUse(s *PooledSession, captureStack bool) *Handle {
	gen := s.resetForUse(captureStack)
	return NewHandle(s, gen)
}

// MarkIdle is called by the queue on a normal return.
func MarkIdle(s *PooledSession) { s.markIdle() }

// MarkClosed is called by the queue when destroying a session.
func MarkClosed(s *PooledSession) { s.markClosed() }

// captureCallStack renders up to maxFrames of the current goroutine's
// call stack, skipping the session-package frames themselves.
func captureCallStack(maxFrames int) string {
	if maxFrames <= 0 {
		maxFrames = 32
	}
	pcs := make([]uintptr, maxFrames)
	n := runtime.Callers(4, pcs)
	if n == 0 {
		return ""
	}
	frames := runtime.CallersFrames(pcs[:n])
	out := ""
	for {
		frame, more := frames.Next()
		out += fmt.Sprintf("%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
	}
	return out
}

// NewBorrowID returns a short correlation id stamped onto a session on
// every (re)borrow and surfaced in BusyInfo, so a leak diagnostic can be
// correlated with application-side logs from the same borrow.
func NewBorrowID() string {
	return uuid.NewString()
}
