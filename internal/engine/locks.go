package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// sessionLocks serializes turns per session. A second turn for a busy
// session waits for the first one; different sessions never contend.
// Entries live only while a turn holds or awaits them.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	sem  *semaphore.Weighted
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sessionLock)}
}

// Lock blocks until the session is free or ctx is done.
func (l *sessionLocks) Lock(ctx context.Context, id string) error {
	l.mu.Lock()
	lk, ok := l.locks[id]
	if !ok {
		lk = &sessionLock{sem: semaphore.NewWeighted(1)}
		l.locks[id] = lk
	}
	lk.refs++
	l.mu.Unlock()

	if err := lk.sem.Acquire(ctx, 1); err != nil {
		l.release(id, lk)
		return err
	}
	return nil
}

// Unlock frees the session. It must follow a successful Lock.
func (l *sessionLocks) Unlock(id string) {
	l.mu.Lock()
	lk := l.locks[id]
	l.mu.Unlock()
	if lk == nil {
		return
	}
	lk.sem.Release(1)
	l.release(id, lk)
}

func (l *sessionLocks) release(id string, lk *sessionLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, id)
	}
}

// size returns the number of sessions currently locked or awaited.
func (l *sessionLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
