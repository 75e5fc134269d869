package cache

import (
	"context"
	"sync"
	"time"
)

// Kind selects the TTL class for a cached response.
type Kind string

const (
	KindPreview Kind = "preview"
	KindScraped Kind = "scraped"
	KindContact Kind = "contact"
	KindDefault Kind = "default"
)

// TTLConfig maps response kinds to their lifetimes.
type TTLConfig struct {
	Preview time.Duration `yaml:"preview" mapstructure:"preview"`
	Scraped time.Duration `yaml:"scraped" mapstructure:"scraped"`
	Contact time.Duration `yaml:"contact" mapstructure:"contact"`
	Default time.Duration `yaml:"default" mapstructure:"default"`
}

// DefaultTTLConfig returns production TTLs: short for previews, long for
// rarely-changing lookups.
func DefaultTTLConfig() TTLConfig {
	return TTLConfig{
		Preview: time.Hour,
		Scraped: 7 * 24 * time.Hour,
		Contact: 30 * 24 * time.Hour,
		Default: 30 * time.Minute,
	}
}

// For returns the TTL for a kind.
func (c TTLConfig) For(kind Kind) time.Duration {
	switch kind {
	case KindPreview:
		return c.Preview
	case KindScraped:
		return c.Scraped
	case KindContact:
		return c.Contact
	default:
		return c.Default
	}
}

// Store is the cache contract. Get returns ok=false on miss or expiry.
// Put overwrites any previous value for the key.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is an in-process Store. Entries are evicted lazily on read and
// by a periodic sweep when one is started.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]entry

	nowFunc func() time.Time
}

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]entry),
		nowFunc: time.Now,
	}
}

// Get returns the cached value if present and unexpired.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if m.nowFunc().After(e.expiresAt) {
		m.mu.Lock()
		// Re-check under the write lock; a concurrent Put may have
		// refreshed the entry.
		if cur, ok := m.entries[key]; ok && m.nowFunc().After(cur.expiresAt) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return nil, false, nil
	}
	return e.value, true, nil
}

// Put stores value under key for ttl. The whole write happens under one
// lock so concurrent puts never interleave.
func (m *Memory) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	cp := make([]byte, len(value))
	copy(cp, value)

	m.mu.Lock()
	m.entries[key] = entry{value: cp, expiresAt: m.nowFunc().Add(ttl)}
	m.mu.Unlock()
	return nil
}

// Delete removes a key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Sweep removes expired entries and returns how many were dropped.
func (m *Memory) Sweep() int {
	now := m.nowFunc()
	m.mu.Lock()
	defer m.mu.Unlock()

	dropped := 0
	for k, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, k)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of live entries, counting expired-but-unswept.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
