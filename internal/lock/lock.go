package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrTimeout is returned when a lock could not be acquired before the context ended.
var ErrTimeout = errors.New("lock: wait timed out")

// Locker serializes work per key. The returned unlock func is safe to call
// more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

type memoryEntry struct {
	ch   chan struct{}
	refs int
}

// Memory is a process-local Locker.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

var _ Locker = (*Memory)(nil)

// NewMemory constructs an in-process locker.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*memoryEntry)}
}

// Lock blocks until key is free or ctx ends.
func (m *Memory) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &memoryEntry{ch: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(key, e)
		return nil, errors.Join(ErrTimeout, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			m.release(key, e)
		})
	}, nil
}

func (m *Memory) release(key string, e *memoryEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
}

// held reports how many keys currently have waiters or holders.
func (m *Memory) held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
