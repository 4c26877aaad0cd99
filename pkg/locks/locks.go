// Package locks provides keyed mutual exclusion for per-task operations.
package locks

import "sync"

// Manager hands out named mutexes. Every mutating task operation runs under
// the lock for that task id, so two goroutines can never interleave a
// read-modify-write on the same card. Locks are created on demand and
// reclaimed when the last holder releases them.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// NewManager creates an empty lock manager.
func NewManager() *Manager {
	return &Manager{locks: make(map[string]*entry)}
}

// WithLock runs fn while holding the lock for key. Not reentrant: calling
// WithLock for the same key from inside fn deadlocks.
func (m *Manager) WithLock(key string, fn func() error) error {
	e := m.acquire(key)
	defer m.release(key, e)

	e.mu.Lock()
	defer e.mu.Unlock()
	return fn()
}

func (m *Manager) acquire(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{}
		m.locks[key] = e
	}
	e.refs++
	return e
}

func (m *Manager) release(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
}

// Len returns the number of keys currently contended or held.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
