package handoff

import "sync"

// sessionLocks serializes work per session name. Entries are reference
// counted and dropped once no goroutine holds or waits on them.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sessionLock)}
}

// Lock blocks until the caller owns name and returns the matching unlock.
func (l *sessionLocks) Lock(name string) (unlock func()) {
	l.mu.Lock()
	lock, ok := l.locks[name]
	if !ok {
		lock = &sessionLock{}
		l.locks[name] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		l.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(l.locks, name)
		}
		l.mu.Unlock()
	}
}

// Len returns the number of live entries.
func (l *sessionLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
