package storage

import (
	"context"
	"sync"
)

// MemoryStore keeps documents in process memory, in insertion order.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string][]document
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string][]document)}
}

func (m *MemoryStore) Insert(_ context.Context, collection string, doc any) error {
	d, err := toDocument(doc)
	if err != nil {
		return err
	}
	id, err := d.id()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.collections[collection] {
		if existing["id"] == id {
			return ErrDuplicate
		}
	}
	m.collections[collection] = append(m.collections[collection], d)
	return nil
}

func (m *MemoryStore) FindOne(_ context.Context, collection string, filter Filter, dst any) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.collections[collection] {
		if d.matches(filter) {
			return decode(d, dst)
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) Find(_ context.Context, collection string, filter Filter, opts FindOptions, dst any) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]document, 0)
	for _, d := range m.collections[collection] {
		if opts.Limit > 0 && int64(len(out)) >= opts.Limit {
			break
		}
		if d.matches(filter) {
			out = append(out, d)
		}
	}
	return decode(out, dst)
}

func (m *MemoryStore) UpdateOne(_ context.Context, collection string, filter Filter, u Update) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, d := range m.collections[collection] {
		if !d.matches(filter) {
			continue
		}
		next := d.clone()
		if err := next.apply(u); err != nil {
			return 0, err
		}
		m.collections[collection][i] = next
		return 1, nil
	}
	return 0, nil
}

func (m *MemoryStore) DeleteOne(_ context.Context, collection string, filter Filter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	docs := m.collections[collection]
	for i, d := range docs {
		if d.matches(filter) {
			m.collections[collection] = append(docs[:i:i], docs[i+1:]...)
			return 1, nil
		}
	}
	return 0, nil
}

func (m *MemoryStore) Count(_ context.Context, collection string, filter Filter) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, d := range m.collections[collection] {
		if d.matches(filter) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close(context.Context) error { return nil }
