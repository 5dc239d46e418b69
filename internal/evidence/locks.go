package evidence

import (
	"sync"

	"github.com/alibi-app/alibi/internal/blob"
)

// locatorLocks serialises blob writes and deletes per locator so a delete
// cannot remove bytes a concurrent upload has just referenced.
type locatorLocks struct {
	mu    sync.Mutex
	locks map[blob.Locator]*locatorLock
}

type locatorLock struct {
	mu   sync.Mutex
	refs int
}

func newLocatorLocks() *locatorLocks {
	return &locatorLocks{locks: make(map[blob.Locator]*locatorLock)}
}

// Lock blocks until loc is free and returns the unlock function.
func (l *locatorLocks) Lock(loc blob.Locator) func() {
	l.mu.Lock()
	lk, ok := l.locks[loc]
	if !ok {
		lk = &locatorLock{}
		l.locks[loc] = lk
	}
	lk.refs++
	l.mu.Unlock()

	lk.mu.Lock()
	return func() {
		lk.mu.Unlock()

		l.mu.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(l.locks, loc)
		}
		l.mu.Unlock()
	}
}
