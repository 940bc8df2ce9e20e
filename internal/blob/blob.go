// Package blob provides the keyed blob store shared by every coordinator:
// the snapshot cache, the in-flight fetch marker, the global rate and credit
// counters, persisted coordinator state, and settlement result archives.
// Everything carries a TTL.
//
// The production backend is Redis. The in-memory backend serves tests and
// single-node runs without a Redis deployment; it implements the same
// semantics including expiry and atomic counters.
package blob

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Store is the minimal keyed store surface the arena needs. TTL ≤ 0 means
// no expiry.
type Store interface {
	// Get returns the value for key, or ok=false if absent or expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set writes key=val with the given TTL.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	// SetNX writes key=val only if the key is absent. Returns true if the
	// write happened. This is the in-flight marker primitive.
	SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error)
	// IncrBy atomically adds delta to the integer at key, creating it at
	// zero with the given TTL on first write. Returns the new value.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	// GetInt64 reads a counter, returning 0 if absent.
	GetInt64(ctx context.Context, key string) (int64, error)
	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// entry is one in-memory value with its expiry deadline (zero = no expiry).
type entry struct {
	val       []byte
	expiresAt time.Time
}

// Memory is the in-process Store. All operations are mutex-protected.
type Memory struct {
	mu    sync.Mutex
	items map[string]entry
	now   func() time.Time // injectable for expiry tests
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		items: make(map[string]entry),
		now:   time.Now,
	}
}

// NewMemoryAt creates an in-memory store with an injected clock.
func NewMemoryAt(now func() time.Time) *Memory {
	m := NewMemory()
	m.now = now
	return m
}

func (m *Memory) live(key string) ([]byte, bool) {
	e, ok := m.items[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && m.now().After(e.expiresAt) {
		delete(m.items, key)
		return nil, false
	}
	return e.val, true
}

func (m *Memory) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.live(key)
	return val, ok, nil
}

func (m *Memory) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = entry{val: val, expiresAt: m.deadline(ttl)}
	return nil
}

func (m *Memory) SetNX(_ context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.items[key] = entry{val: val, expiresAt: m.deadline(ttl)}
	return true, nil
}

func (m *Memory) IncrBy(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cur int64
	if raw, ok := m.live(key); ok {
		cur, _ = strconv.ParseInt(string(raw), 10, 64)
		cur += delta
		e := m.items[key]
		e.val = []byte(strconv.FormatInt(cur, 10))
		m.items[key] = e
		return cur, nil
	}

	cur = delta
	m.items[key] = entry{
		val:       []byte(strconv.FormatInt(cur, 10)),
		expiresAt: m.deadline(ttl),
	}
	return cur, nil
}

func (m *Memory) GetInt64(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.live(key)
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}
