package runner

import "sync"

// UserLocks serializes all profile- and memory-touching work per user:
// concurrent briefing runs for the same user, and consolidation against an
// active run, take the same lock. Different users never contend.
type UserLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewUserLocks creates an empty lock registry.
func NewUserLocks() *UserLocks {
	return &UserLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for a user, creating it on first use.
func (l *UserLocks) Lock(userID string) {
	l.userMutex(userID).Lock()
}

// Unlock releases the mutex for a user.
func (l *UserLocks) Unlock(userID string) {
	l.userMutex(userID).Unlock()
}

func (l *UserLocks) userMutex(userID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[userID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[userID] = m
	}
	return m
}
