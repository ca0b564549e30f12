// Package listener defines PoolListener, the borrow/return observation
// hook used to feed metrics and application-level auditing (spec.md §4.5).
package listener

import (
	"time"

	"github.com/lrsouza/connpool/internal/metrics"
	"github.com/lrsouza/connpool/internal/session"
)

// PoolListener observes borrow and return events. Implementations must
// not block; they run synchronously on the borrowing goroutine.
type PoolListener interface {
	AfterBorrow(s *session.PooledSession, waited time.Duration)
	BeforeReturn(s *session.PooledSession, held time.Duration)
}

// Noop implements PoolListener with no side effects.
type Noop struct{}

func (Noop) AfterBorrow(*session.PooledSession, time.Duration)  {}
func (Noop) BeforeReturn(*session.PooledSession, time.Duration) {}

// Metrics records borrow wait and hold durations against the pool's
// Prometheus collectors.
type Metrics struct {
	PoolName string
}

func (m Metrics) AfterBorrow(_ *session.PooledSession, waited time.Duration) {
	metrics.BorrowWaitSeconds.WithLabelValues(m.PoolName).Observe(waited.Seconds())
}

func (m Metrics) BeforeReturn(_ *session.PooledSession, held time.Duration) {
	metrics.BorrowHoldSeconds.WithLabelValues(m.PoolName).Observe(held.Seconds())
}

// Multi fans a single event out to several listeners in order.
type Multi []PoolListener

func (ml Multi) AfterBorrow(s *session.PooledSession, waited time.Duration) {
	for _, l := range ml {
		l.AfterBorrow(s, waited)
	}
}

func (ml Multi) BeforeReturn(s *session.PooledSession, held time.Duration) {
	for _, l := range ml {
		l.BeforeReturn(s, held)
	}
}
