package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend keeps history for the lifetime of the process only. It is
// the fallback when no durable backend is reachable.
type MemoryBackend struct {
	mu       sync.Mutex
	sequence int64
	entries  map[int64]Entry
	ids      map[string]int64
	index    map[string]int64
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[int64]Entry),
		ids:     make(map[string]int64),
		index:   make(map[string]int64),
	}
}

func (m *MemoryBackend) Append(_ context.Context, entry Entry) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.ids[entry.ID]; exists {
		return Entry{}, ErrDuplicateID
	}
	m.sequence++
	entry.Sequence = m.sequence
	m.entries[entry.Sequence] = entry
	m.ids[entry.ID] = entry.Sequence
	return entry, nil
}

func (m *MemoryBackend) Get(_ context.Context, sequence int64) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[sequence]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

func (m *MemoryBackend) GetByID(_ context.Context, id string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sequence, ok := m.ids[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return m.entries[sequence], nil
}

func (m *MemoryBackend) Update(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[entry.Sequence]; !ok {
		return ErrNotFound
	}
	m.entries[entry.Sequence] = entry
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, sequence int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[sequence]
	if !ok {
		return nil
	}
	delete(m.entries, sequence)
	delete(m.ids, entry.ID)
	return nil
}

func (m *MemoryBackend) Scan(_ context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]Entry, 0, len(m.entries))
	for _, entry := range m.entries {
		items = append(items, entry)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Sequence < items[j].Sequence })
	return items, nil
}

func (m *MemoryBackend) LookupHash(_ context.Context, key string) (HashRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sequence, ok := m.index[key]
	if !ok {
		return HashRecord{}, ErrNotFound
	}
	return HashRecord{Key: key, Sequence: sequence}, nil
}

func (m *MemoryBackend) UpsertHash(_ context.Context, record HashRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.index[record.Key] = record.Sequence
	return nil
}

func (m *MemoryBackend) RemoveHash(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.index, key)
	return nil
}

func (m *MemoryBackend) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[int64]Entry)
	m.ids = make(map[string]int64)
	m.index = make(map[string]int64)
	return nil
}

func (m *MemoryBackend) Close() error { return nil }
