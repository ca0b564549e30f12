// Package poolerr defines the error kinds raised by the connection pool.
//
// Each kind is a distinct Go type rather than a sentinel value so callers
// can recover structured context (e.g. the busy-session snapshot attached
// to a timeout) with errors.As instead of string matching.
package poolerr

import (
	"fmt"
)

// ConfigInvalid is raised at pool construction when configuration is
// missing credentials or has nonsensical limits. Fatal — construction
// does not proceed.
type ConfigInvalid struct {
	Reason string
}

func (e *ConfigInvalid) Error() string {
	return fmt.Sprintf("pool config invalid: %s", e.Reason)
}

// BackendDown is raised when opening a new session fails, surfacing the
// underlying driver error unchanged.
type BackendDown struct {
	Pool string
	Err  error
}

func (e *BackendDown) Error() string {
	return fmt.Sprintf("pool %q: backend down: %v", e.Pool, e.Err)
}

func (e *BackendDown) Unwrap() error { return e.Err }

// PoolTimeout is raised when a borrower's wait deadline elapses before a
// session becomes available. It carries a snapshot of the pool's size and
// busy sessions at the moment of timeout, to aid leak diagnosis.
type PoolTimeout struct {
	Pool         string
	WaitedMillis int64
	Free         int
	Busy         int
	Max          int
	BusySummary  []string
}

func (e *PoolTimeout) Error() string {
	return fmt.Sprintf("pool %q: timed out waiting %dms for a session (free=%d busy=%d max=%d)",
		e.Pool, e.WaitedMillis, e.Free, e.Busy, e.Max)
}

// PoolClosed is raised when borrow is attempted after shutdown has started.
type PoolClosed struct {
	Pool string
}

func (e *PoolClosed) Error() string {
	return fmt.Sprintf("pool %q: closed", e.Pool)
}

// NotSupported is raised for operations the facade declines to implement.
type NotSupported struct {
	Operation string
}

func (e *NotSupported) Error() string {
	return fmt.Sprintf("operation not supported: %s", e.Operation)
}

// SessionInvalid is raised when a session fails validation. The session
// has already been force-closed by the time this error is observed by a
// caller; it exists mainly for the facade's internal bookkeeping and for
// callers that want to distinguish "bad session" from other failures.
type SessionInvalid struct {
	SessionName string
	Err         error
}

func (e *SessionInvalid) Error() string {
	return fmt.Sprintf("session %q invalid: %v", e.SessionName, e.Err)
}

func (e *SessionInvalid) Unwrap() error { return e.Err }
