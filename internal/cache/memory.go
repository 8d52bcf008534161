package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
)

// entry wraps a cached value with its expiration time.
// A zero expiresAt means the entry never expires.
type entry struct {
	data      []byte
	expiresAt time.Time
}

// Memory is an in-memory W-TinyLFU cache backed by otter, with a separate
// mutex-guarded map for FIFO lists. Lists do not expire; the only list in
// practice is the durable usage retry queue.
type Memory struct {
	cache *otter.Cache[string, entry]

	mu    sync.Mutex
	lists map[string][][]byte
}

// NewMemory creates an in-memory cache with the given max entry count and
// default TTL for entries stored without an explicit TTL.
func NewMemory(maxSize int, defaultTTL time.Duration) (*Memory, error) {
	c, err := otter.New[string, entry](&otter.Options[string, entry]{
		MaximumSize:      maxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, entry](defaultTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &Memory{cache: c, lists: make(map[string][][]byte)}, nil
}

// Get retrieves a value from the cache if present and not expired.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	e, ok := m.cache.GetIfPresent(key)
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		m.cache.Invalidate(key)
		return nil, false, nil
	}
	return e.data, true, nil
}

// Set stores a value with per-entry TTL.
func (m *Memory) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	e := entry{data: val}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	m.cache.Set(key, e)
	return nil
}

// Delete removes a value from the cache.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.cache.Invalidate(key)
	return nil
}

// ListPush appends values to the tail of the list at key.
func (m *Memory) ListPush(_ context.Context, key string, vals ...[]byte) error {
	m.mu.Lock()
	m.lists[key] = append(m.lists[key], vals...)
	m.mu.Unlock()
	return nil
}

// ListPop removes and returns up to n values from the head of the list.
func (m *Memory) ListPop(_ context.Context, key string, n int) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.lists[key]
	if len(list) == 0 || n <= 0 {
		return nil, nil
	}
	if n > len(list) {
		n = len(list)
	}
	popped := list[:n:n]
	rest := list[n:]
	if len(rest) == 0 {
		delete(m.lists, key)
	} else {
		m.lists[key] = rest
	}
	return popped, nil
}

// ListLen returns the length of the list at key.
func (m *Memory) ListLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	n := int64(len(m.lists[key]))
	m.mu.Unlock()
	return n, nil
}

// Ping always succeeds for the in-memory variant.
func (m *Memory) Ping(_ context.Context) error { return nil }
