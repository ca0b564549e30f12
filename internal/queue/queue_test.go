package queue

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lrsouza/connpool/internal/poolerr"
	"github.com/lrsouza/connpool/internal/session"
	"github.com/lrsouza/connpool/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeReturner routes Handle.Close() straight back into the queue under
// test, standing in for the Pool facade in isolation.
type fakeReturner struct {
	q *SessionQueue
}

func (r *fakeReturner) ReturnSession(s *session.PooledSession, forceClose bool) {
	r.q.Release(s, forceClose)
}

// resettingOpener wraps a FakeOpener with a SessionResetter, so tests can
// assert the queue actually calls ResetForUse on reuse/handoff and
// handles a failing reset by discarding the session.
type resettingOpener struct {
	*testutil.FakeOpener
	mu         sync.Mutex
	resetCalls int
	failReset  bool
}

func (r *resettingOpener) ResetForUse(ctx context.Context, db *sql.DB) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetCalls++
	if r.failReset {
		return errors.New("resettingOpener: simulated reset failure")
	}
	return nil
}

func (r *resettingOpener) ResetCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resetCalls
}

func newResettingTestQueue(t *testing.T, minSize, maxSize int) (*SessionQueue, *resettingOpener) {
	t.Helper()
	opener := &resettingOpener{FakeOpener: &testutil.FakeOpener{}}
	r := &fakeReturner{}
	q := New(Config{
		PoolName:      "test",
		Opener:        opener,
		Returner:      r,
		MinSize:       minSize,
		MaxSize:       maxSize,
		WarningSize:   maxSize,
		WaitTimeoutMs: 200,
	})
	r.q = q
	q.EnsureMinimum(context.Background())
	return q, opener
}

func TestAcquireResetsFreeSessionBeforeReuse(t *testing.T) {
	q, opener := newResettingTestQueue(t, 1, 5)

	h, err := q.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.Close())

	assert.Equal(t, 1, opener.ResetCalls(), "reusing a free session must run ResetForUse exactly once")
}

func TestAcquireDiscardsSessionOnResetFailure(t *testing.T) {
	q, opener := newResettingTestQueue(t, 1, 5)
	opener.failReset = true

	h, err := q.Acquire(context.Background())
	require.NoError(t, err, "a failed reset must fall through to opening a fresh session")
	require.NoError(t, h.Close())

	assert.GreaterOrEqual(t, opener.ResetCalls(), 1)
	assert.GreaterOrEqual(t, opener.OpenCount(), int64(2), "the discarded session's slot must be backfilled by a new Open")
}

func newTestQueue(t *testing.T, minSize, maxSize int) (*SessionQueue, *testutil.FakeOpener) {
	t.Helper()
	opener := &testutil.FakeOpener{}
	r := &fakeReturner{}
	q := New(Config{
		PoolName:      "test",
		Opener:        opener,
		Returner:      r,
		MinSize:       minSize,
		MaxSize:       maxSize,
		WarningSize:   maxSize,
		WaitTimeoutMs: 200,
	})
	r.q = q
	q.EnsureMinimum(context.Background())
	return q, opener
}

func TestEnsureMinimumFillsFreeList(t *testing.T) {
	q, opener := newTestQueue(t, 2, 5)
	st := q.Status(false)
	assert.Equal(t, 2, st.Free)
	assert.Equal(t, int64(2), opener.OpenCount())
}

func TestAcquireReusesFreeBeforeGrowing(t *testing.T) {
	q, opener := newTestQueue(t, 1, 5)
	require.EqualValues(t, 1, opener.OpenCount())

	h, err := q.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, h)

	assert.EqualValues(t, 1, opener.OpenCount(), "reusing the free session must not open a new one")
	st := q.Status(false)
	assert.Equal(t, 0, st.Free)
	assert.Equal(t, 1, st.Busy)
}

func TestAcquireGrowsUpToMax(t *testing.T) {
	q, opener := newTestQueue(t, 0, 3)

	handles := make([]*session.Handle, 0, 3)
	for i := 0; i < 3; i++ {
		h, err := q.Acquire(context.Background())
		require.NoError(t, err)
		handles = append(handles, h)
	}

	assert.EqualValues(t, 3, opener.OpenCount())
	st := q.Status(false)
	assert.Equal(t, 3, st.Busy)
	assert.Equal(t, 3, st.HighWaterMark)
}

func TestAcquireTimesOutWhenSaturated(t *testing.T) {
	q, _ := newTestQueue(t, 0, 1)

	h, err := q.Acquire(context.Background())
	require.NoError(t, err)

	start := time.Now()
	_, err = q.Acquire(context.Background())
	elapsed := time.Since(start)

	require.Error(t, err)
	var timeoutErr *poolerr.PoolTimeout
	require.ErrorAs(t, err, &timeoutErr)
	assert.GreaterOrEqual(t, elapsed, 190*time.Millisecond)

	require.NoError(t, h.Close())
}

func TestReleaseHandsOffDirectlyToOldestWaiter(t *testing.T) {
	q, opener := newTestQueue(t, 0, 1)

	h, err := q.Acquire(context.Background())
	require.NoError(t, err)

	type result struct {
		h   *session.Handle
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		h2, err := q.Acquire(context.Background())
		resCh <- result{h2, err}
	}()

	time.Sleep(20 * time.Millisecond) // let the waiter enqueue
	require.NoError(t, h.Close())

	select {
	case res := <-resCh:
		require.NoError(t, res.err)
		require.NotNil(t, res.h)
		require.NoError(t, res.h.Close())
	case <-time.After(time.Second):
		t.Fatal("waiter was never handed the returned session")
	}

	assert.EqualValues(t, 1, opener.OpenCount(), "direct handoff must not create a second session")
}

func TestAcquireConcurrentGrowthStaysAtOrNearMax(t *testing.T) {
	q, opener := newTestQueue(t, 0, 4)

	var wg sync.WaitGroup
	handles := make(chan *session.Handle, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := q.Acquire(context.Background())
			if err == nil {
				handles <- h
			}
		}()
	}
	wg.Wait()
	close(handles)

	count := 0
	for h := range handles {
		count++
		require.NoError(t, h.Close())
	}
	assert.Equal(t, 4, count)
	assert.LessOrEqual(t, opener.OpenCount(), int64(4))
}

func TestTrimRespectsMinSize(t *testing.T) {
	q, _ := newTestQueue(t, 2, 5)
	h, err := q.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.Close())

	q.Trim(0, 0) // maxInactiveMs=0 disables idle trimming
	st := q.Status(false)
	assert.GreaterOrEqual(t, st.Free, 2)
}

func TestTrimEvictsExpiredIdleSessionsAboveMin(t *testing.T) {
	q, _ := newTestQueue(t, 0, 5)
	h, err := q.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.Close())

	st := q.Status(false)
	require.Equal(t, 1, st.Free)

	q.Trim(1, 0) // 1ms inactivity threshold; the session may not have been idle that long yet
	time.Sleep(5 * time.Millisecond)
	q.Trim(1, 0)

	st = q.Status(false)
	assert.Equal(t, 0, st.Free)
}

func TestCloseBusyConnectionsReclaimsLeaked(t *testing.T) {
	q, _ := newTestQueue(t, 0, 2)
	h, err := q.Acquire(context.Background())
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	diag := q.CloseBusyConnections(0) // ageMinutes=0 reclaims anything idle at all
	require.Len(t, diag, 1)

	st := q.Status(false)
	assert.Equal(t, 0, st.Busy)

	// The borrower's eventual Close() must be a harmless no-op: the
	// session is gone from busy, so Release just logs and returns.
	require.NoError(t, h.Close())
}

func TestShutdownRejectsNewAcquires(t *testing.T) {
	q, _ := newTestQueue(t, 0, 1)
	q.Shutdown()

	_, err := q.Acquire(context.Background())
	require.Error(t, err)
	var closedErr *poolerr.PoolClosed
	require.ErrorAs(t, err, &closedErr)
}
