package kvcache

import (
	"sync"
	"time"
)

// Store is a keyed store with per-entry TTL. A zero TTL means the entry never expires.
//
// The in-memory implementation is per process. Deployments running more than one scheduler
// instance must back this with a shared cache so per-user decisions stay consistent.
type Store[V any] interface {
	Get(key string) (V, bool)
	Set(key string, value V, ttl time.Duration)
	Delete(key string)
	Range(fn func(key string, value V) bool)
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Memory is an in-memory Store guarded by a mutex.
type Memory[V any] struct {
	mu    sync.Mutex
	items map[string]entry[V]
	now   func() time.Time
}

func NewMemory[V any]() *Memory[V] {
	return &Memory[V]{
		items: make(map[string]entry[V]),
		now:   time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (m *Memory[V]) WithClock(now func() time.Time) *Memory[V] {
	m.now = now
	return m
}

func (m *Memory[V]) Get(key string) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	if m.expired(e) {
		delete(m.items, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

func (m *Memory[V]) Set(key string, value V, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := entry[V]{value: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.items[key] = e
}

func (m *Memory[V]) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
}

// Range calls fn for every live entry until fn returns false. fn must not call back into the store.
func (m *Memory[V]) Range(fn func(key string, value V) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, e := range m.items {
		if m.expired(e) {
			delete(m.items, k)
			continue
		}
		if !fn(k, e.value) {
			return
		}
	}
}

// Sweep drops expired entries.
func (m *Memory[V]) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k, e := range m.items {
		if m.expired(e) {
			delete(m.items, k)
			removed++
		}
	}
	return removed
}

func (m *Memory[V]) expired(e entry[V]) bool {
	return !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt)
}
