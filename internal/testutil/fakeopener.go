package testutil

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
)

// FakeOpener implements queue.SessionOpener (and the superset pool.Opener
// needs) backed by FakeDriver-based *sql.DB instances, for tests that
// need to control session creation without a live backend.
type FakeOpener struct {
	mu        sync.Mutex
	failNext  bool
	failAll   bool
	opened    []*sql.DB
	drivers   []*FakeDriver
	closed    bool
	openCount atomic.Int64
}

// SetFailNext makes the next Open call fail once.
func (f *FakeOpener) SetFailNext(fail bool) {
	f.mu.Lock()
	f.failNext = fail
	f.mu.Unlock()
}

// SetFailAll makes every subsequent Open call fail until cleared.
func (f *FakeOpener) SetFailAll(fail bool) {
	f.mu.Lock()
	f.failAll = fail
	f.mu.Unlock()
}

// OpenCount returns how many times Open has been called.
func (f *FakeOpener) OpenCount() int64 {
	return f.openCount.Load()
}

// Drivers returns every FakeDriver backing a session opened so far, in
// creation order, so a test can toggle failures on a specific session.
func (f *FakeOpener) Drivers() []*FakeDriver {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*FakeDriver, len(f.drivers))
	copy(out, f.drivers)
	return out
}

func (f *FakeOpener) Open(ctx context.Context) (*sql.DB, error) {
	f.openCount.Add(1)

	f.mu.Lock()
	fail := f.failAll || f.failNext
	f.failNext = false
	closed := f.closed
	f.mu.Unlock()

	if closed {
		return nil, errors.New("fakeopener: closed")
	}
	if fail {
		return nil, errors.New("fakeopener: simulated open failure")
	}

	db, drv := NewFakeDB()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	f.mu.Lock()
	f.opened = append(f.opened, db)
	f.drivers = append(f.drivers, drv)
	f.mu.Unlock()

	return db, nil
}

// Close marks the opener closed and closes every *sql.DB it ever opened
// that is still around (mirroring factory.SQL's deregisterDriver role).
func (f *FakeOpener) Close() error {
	f.mu.Lock()
	f.closed = true
	opened := f.opened
	f.opened = nil
	f.mu.Unlock()

	for _, db := range opened {
		db.Close()
	}
	return nil
}
