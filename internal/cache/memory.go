package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultMaxEntries bounds a memory cache created with a non-positive size.
const DefaultMaxEntries = 1000

// Memory is an in-process LRU cache whose entries expire after a fixed TTL.
type Memory struct {
	name string
	lru  *expirable.LRU[string, []byte]
}

var _ Cache = (*Memory)(nil)

// NewMemory returns a cache keeping at most maxEntries entries for ttl. A zero ttl never expires.
func NewMemory(name string, maxEntries int, ttl time.Duration) *Memory {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Memory{name: name, lru: expirable.NewLRU[string, []byte](maxEntries, nil, ttl)}
}

func (m *Memory) Name() string { return m.name }

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.lru.Get(key)
	return v, ok, nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	m.lru.Add(key, append([]byte(nil), value...))
	return nil
}

func (m *Memory) HasEntry(_ context.Context, key string) (bool, error) {
	return m.lru.Contains(key), nil
}

func (m *Memory) Invalidate(_ context.Context, keys ...string) error {
	for _, k := range keys {
		m.lru.Remove(k)
	}
	return nil
}

func (m *Memory) InvalidateAll(context.Context) error {
	m.lru.Purge()
	return nil
}

// Len returns the number of live entries.
func (m *Memory) Len() int {
	return m.lru.Len()
}
