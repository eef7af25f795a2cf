package storage

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/onexay/revcache/internal/types"
)

// memoryStore provides an in-memory fallback for development and testing.
type memoryStore struct {
	mu    sync.RWMutex
	clock func() time.Time
	opts  Options
	docs  map[string]envelope
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore(opts Options) Store {
	return &memoryStore{
		clock: time.Now,
		opts:  opts,
		docs:  make(map[string]envelope),
	}
}

func (m *memoryStore) Put(ctx context.Context, id string, rev types.Revision) error {
	if err := validatePut(id); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[id] = m.opts.envelope(rev, m.clock())
	return nil
}

func (m *memoryStore) Search(ctx context.Context, q Query) ([]Document, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.clock()
	ids := make([]string, 0, len(m.docs))
	for id, env := range m.docs {
		if env.expired(now) || !q.matches(env.Revision) {
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)

	limit := q.size()
	result := make([]Document, 0, min(len(ids), limit))
	for _, id := range ids {
		if len(result) >= limit {
			break
		}
		result = append(result, Document{ID: id, Revision: m.docs[id].Revision})
	}
	return result, nil
}

func (m *memoryStore) Close() error { return nil }
