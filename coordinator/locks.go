package coordinator

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/warp/progression-engine/ledger"
)

// userLocks hands out one exclusive section per user. Entries are
// reference counted and dropped when the last holder or waiter leaves, so
// the map only holds users with work in flight.
type userLocks struct {
	mu    sync.Mutex
	locks map[ledger.UserID]*userLock
}

type userLock struct {
	sem  *semaphore.Weighted
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[ledger.UserID]*userLock)}
}

// lock blocks until the user's section is free or ctx is done.
func (l *userLocks) lock(ctx context.Context, userID ledger.UserID) (func(), error) {
	l.mu.Lock()
	ul, ok := l.locks[userID]
	if !ok {
		ul = &userLock{sem: semaphore.NewWeighted(1)}
		l.locks[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	if err := ul.sem.Acquire(ctx, 1); err != nil {
		l.release(userID, ul)
		return nil, err
	}
	return func() {
		ul.sem.Release(1)
		l.release(userID, ul)
	}, nil
}

func (l *userLocks) release(userID ledger.UserID, ul *userLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ul.refs--
	if ul.refs == 0 {
		delete(l.locks, userID)
	}
}

// held reports how many users currently have an entry (tests).
func (l *userLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
