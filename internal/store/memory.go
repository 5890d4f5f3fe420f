package store

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Memory is a process-local Store backed by go-cache. It is meant for
// single-instance deployments and tests.
type Memory struct {
	// mu serialises mutations so Take and Add are atomic with respect to
	// each other and to Set/Delete.
	mu sync.Mutex
	c  *gocache.Cache
}

// NewMemory creates an in-memory store that purges expired keys every
// cleanupInterval.
func NewMemory(cleanupInterval time.Duration) *Memory {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	return &Memory{c: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBytes(v.([]byte)), nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.c.Set(key, cloneBytes(value), expiration(ttl))
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.c.Delete(key)
	return nil
}

// Take returns the value and removes it in one step.
func (m *Memory) Take(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.c.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	m.c.Delete(key)
	return v.([]byte), nil
}

// Add writes the value only if the key is absent or expired.
func (m *Memory) Add(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.c.Add(key, cloneBytes(value), expiration(ttl)); err != nil {
		return false, nil
	}
	return true, nil
}

// Flush drops every key.
func (m *Memory) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.c.Flush()
}

func expiration(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return gocache.NoExpiration
	}
	return ttl
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
