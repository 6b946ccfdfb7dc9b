package workflow

import "sync"

// LockSet hands out one writer lock per workflow id. A pass that cannot
// take the lock does not wait; it reports ErrWorkflowBusy.
type LockSet struct {
	mu     sync.Mutex
	locked map[string]bool
}

func NewLockSet() *LockSet {
	return &LockSet{locked: make(map[string]bool)}
}

func (l *LockSet) TryLock(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.locked[id] {
		return false
	}
	l.locked[id] = true
	return true
}

func (l *LockSet) Unlock(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locked, id)
}

func (l *LockSet) Held(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked[id]
}

func (l *LockSet) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locked)
}
