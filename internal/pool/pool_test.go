package pool

import (
	"context"
	"testing"
	"time"

	"github.com/lrsouza/connpool/internal/listener"
	"github.com/lrsouza/connpool/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAlert struct {
	downs []error
	ups   int
	warns int

	// isUp, when set, is sampled inside OnUp so a test can see the pool
	// state the sink observes at notification time.
	isUp       func() bool
	upAtNotify []bool
}

func (r *recordingAlert) OnDown(pool string, err error) { r.downs = append(r.downs, err) }
func (r *recordingAlert) OnUp(pool string) {
	r.ups++
	if r.isUp != nil {
		r.upAtNotify = append(r.upAtNotify, r.isUp())
	}
}
func (r *recordingAlert) OnWarning(pool string, busy, warningSize int) { r.warns++ }

func newTestPool(t *testing.T, opener *testutil.FakeOpener, minSize, maxSize, warningSize int) *Pool {
	t.Helper()
	return New(context.Background(), Options{
		Name:              "test",
		Opener:            opener,
		Listener:          listener.Noop{},
		Alert:             &recordingAlert{},
		MinSize:           minSize,
		MaxSize:           maxSize,
		WarningSize:       warningSize,
		WaitTimeoutMs:     200,
		HeartbeatInterval: time.Hour, // tests drive Probe/Trim directly
		HeartbeatTimeout:  time.Second,
	})
}

func TestBorrowAndReturnRoundTrip(t *testing.T) {
	opener := &testutil.FakeOpener{}
	p := newTestPool(t, opener, 0, 2, 2)
	defer p.Shutdown(context.Background(), true)

	h, err := p.Borrow(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.Close())

	st := p.Status(false)
	assert.Equal(t, 1, st.Free)
	assert.Equal(t, 0, st.Busy)
}

func TestStatisticsAggregateHoldTime(t *testing.T) {
	opener := &testutil.FakeOpener{}
	p := newTestPool(t, opener, 0, 2, 2)
	defer p.Shutdown(context.Background(), true)

	h1, err := p.Borrow(context.Background())
	require.NoError(t, err)
	h2, err := p.Borrow(context.Background())
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, h1.Close())
	require.NoError(t, h2.Close())

	stats := p.Statistics(false)
	assert.EqualValues(t, 2, stats.Count)
	assert.GreaterOrEqual(t, stats.HwmMicros, uint64(90_000))
}

func TestBorrowSurfacesBackendDownOnCreationFailure(t *testing.T) {
	opener := &testutil.FakeOpener{}
	opener.SetFailAll(true)
	p := newTestPool(t, opener, 0, 2, 2)
	defer p.Shutdown(context.Background(), true)

	_, err := p.Borrow(context.Background())
	require.Error(t, err)
	assert.False(t, p.IsUp())
}

func TestProbeRecoversAndClearsDownBeforeNotifying(t *testing.T) {
	opener := &testutil.FakeOpener{}
	p := newTestPool(t, opener, 0, 1, 1)
	defer p.Shutdown(context.Background(), true)
	alert := p.alert.(*recordingAlert)
	alert.isUp = p.IsUp

	opener.SetFailAll(true)
	_, err := p.Borrow(context.Background())
	require.Error(t, err)
	require.False(t, p.IsUp())

	opener.SetFailAll(false)
	require.NoError(t, p.Probe(context.Background()))
	assert.True(t, p.IsUp())
	require.Len(t, alert.upAtNotify, 1)
	assert.True(t, alert.upAtNotify[0], "the pool must already read as up when OnUp is called")
}

func TestShutdownClosesFreeSessionsAndDeregistersFactory(t *testing.T) {
	opener := &testutil.FakeOpener{}
	p := newTestPool(t, opener, 1, 2, 2)
	require.Equal(t, 1, p.Status(false).Free)

	require.NoError(t, p.Shutdown(context.Background(), true))
	assert.Equal(t, 0, p.Status(false).Free, "shutdown must close every free session")

	_, err := opener.Open(context.Background())
	require.Error(t, err, "factory must be deregistered after shutdown")
}

func TestResetReclaimsLeakedBusySessionAndClearsWarningLatch(t *testing.T) {
	opener := &testutil.FakeOpener{}
	p := newTestPool(t, opener, 0, 2, 1)
	defer p.Shutdown(context.Background(), true)

	_, err := p.Borrow(context.Background())
	require.NoError(t, err, "borrowing past warningSize must still succeed")
	time.Sleep(5 * time.Millisecond)

	p.leakTimeMinutes = 0 // reclaim anything currently busy
	p.inWarning.Store(true)

	p.Reset()

	st := p.Status(false)
	assert.Equal(t, 0, st.Busy, "reset must force-close the leaked busy session")
	assert.False(t, p.inWarning.Load(), "reset must clear the warning latch")
}

func TestShutdownWaitsForBusySessionToReturnBeforeForceClosing(t *testing.T) {
	opener := &testutil.FakeOpener{}
	p := newTestPool(t, opener, 0, 1, 1)

	h, err := p.Borrow(context.Background())
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, h.Close())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx, true))

	st := p.Status(false)
	assert.Equal(t, 0, st.Busy)
}

func TestShutdownForceClosesStragglerPastDeadline(t *testing.T) {
	opener := &testutil.FakeOpener{}
	p := newTestPool(t, opener, 0, 1, 1)

	_, err := p.Borrow(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx, true))

	st := p.Status(false)
	assert.Equal(t, 0, st.Busy, "a borrower that never returns must still be reclaimed")
}

func TestHeartbeatDisabledNeverStartsMonitor(t *testing.T) {
	opener := &testutil.FakeOpener{}
	p := New(context.Background(), Options{
		Name:              "test",
		Opener:            opener,
		Listener:          listener.Noop{},
		Alert:             &recordingAlert{},
		MinSize:           0,
		MaxSize:           2,
		WarningSize:       2,
		WaitTimeoutMs:     200,
		HeartbeatInterval: 0, // disabled
		HeartbeatTimeout:  time.Second,
	})

	done := make(chan struct{})
	go func() {
		require.NoError(t, p.Shutdown(context.Background(), true))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Shutdown blocked: monitor.Stop must not hang when Start was never called")
	}
}
