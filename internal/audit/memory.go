package audit

import (
	"context"
	"sort"
	"sync"

	"ecm/internal/repository"
)

// MemoryStore keeps entries in process.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*LogEntry
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Add(_ context.Context, entries ...*LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		c := *e
		m.entries = append(m.entries, &c)
	}
	return nil
}

func (m *MemoryStore) ByDocument(_ context.Context, docUUID string, pq repository.PageQuery) (*repository.PageResult[*LogEntry], error) {
	m.mu.RLock()
	var out []*LogEntry
	for _, e := range m.entries {
		if e.DocUUID == docUUID {
			c := *e
			out = append(out, &c)
		}
	}
	m.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].EventDate.Before(out[j].EventDate) })
	return repository.Paginate(out, pq), nil
}

func (m *MemoryStore) Count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}
