// Package poslock is the per-position advisory lock table: the
// Gateway's serializable-transaction conflict detection catches a lost
// update after the fact, but a position under concurrent fills still
// benefits from not racing two transactions against it at once. This
// table serializes operations on the same positionId in-process; it is a
// courtesy, not a substitute for the Gateway's own conflict detection —
// the latter remains the authority a distributed deployment relies on.
package poslock

import "sync"

// Locks is the table, keyed by positionId.
type Locks struct {
	mu    sync.Mutex
	perID map[string]*sync.Mutex
}

// New constructs an empty table.
func New() *Locks {
	return &Locks{perID: make(map[string]*sync.Mutex)}
}

// Lock acquires the advisory lock for positionID, blocking until it is
// free, and returns a function the caller must defer to release it.
func (l *Locks) Lock(positionID string) func() {
	l.mu.Lock()
	m, ok := l.perID[positionID]
	if !ok {
		m = &sync.Mutex{}
		l.perID[positionID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
