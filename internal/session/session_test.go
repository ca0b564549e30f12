package session

import (
	"testing"

	"github.com/lrsouza/connpool/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopReturner struct {
	calls []bool
}

func (r *noopReturner) ReturnSession(s *PooledSession, forceClose bool) {
	r.calls = append(r.calls, forceClose)
}

func TestHandleCloseIsIdempotent(t *testing.T) {
	db, _ := testutil.NewFakeDB()
	defer db.Close()

	r := &noopReturner{}
	_, handle := New(1, "p", db, r, 0, false, 0)

	require.NoError(t, handle.Close())
	require.NoError(t, handle.Close())

	assert.Len(t, r.calls, 1, "a second Close on the same handle must be a no-op")
}

func TestStaleHandleCloseIsNoop(t *testing.T) {
	db, _ := testutil.NewFakeDB()
	defer db.Close()

	r := &noopReturner{}
	s, firstHandle := New(1, "p", db, r, 0, false, 0)

	// Simulate the queue reborrowing this same physical session before the
	// first borrower gets around to closing its handle.
	secondHandle := ResetForUse(s, false)

	require.NoError(t, firstHandle.Close())
	assert.Empty(t, r.calls, "a stale handle's Close must not return the session")

	require.NoError(t, secondHandle.Close())
	assert.Len(t, r.calls, 1)
}

func TestMarkFatalForcesCloseOnReturn(t *testing.T) {
	db, _ := testutil.NewFakeDB()
	defer db.Close()

	r := &noopReturner{}
	_, handle := New(1, "p", db, r, 0, false, 0)
	handle.MarkFatal()

	require.NoError(t, handle.Close())
	require.Len(t, r.calls, 1)
	assert.True(t, r.calls[0], "a fatal session must be returned with forceClose=true")
}

func TestNewIdleStartsIdleWithNoGeneration(t *testing.T) {
	db, _ := testutil.NewFakeDB()
	defer db.Close()

	s := NewIdle(1, "p", db, &noopReturner{}, 0)
	assert.Equal(t, Idle, s.State())
	assert.Zero(t, s.generation, "an idle session starts before its first generation")

	handle := ResetForUse(s, false)
	assert.Equal(t, Borrowed, s.State())
	require.NoError(t, handle.Close())
}

func TestBorrowIDIsAssignedAndChangesOnReborrow(t *testing.T) {
	db, _ := testutil.NewFakeDB()
	defer db.Close()

	s, handle := New(1, "p", db, &noopReturner{}, 0, false, 0)
	first := s.BorrowID()
	assert.NotEmpty(t, first, "a freshly created session must carry a borrow id")
	require.NoError(t, handle.Close())

	ResetForUse(s, false)
	second := s.BorrowID()
	assert.NotEmpty(t, second)
	assert.NotEqual(t, first, second, "reborrowing must stamp a new correlation id")
}
