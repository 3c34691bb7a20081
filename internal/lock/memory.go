package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryKV is an in-process KV. It only serializes sessions within one
// process.
type MemoryKV struct {
	mu          sync.Mutex
	records     map[string]Record
	subscribers map[string]map[chan struct{}]struct{}
	now         func() time.Time
}

func NewMemoryKV() *MemoryKV {
	return NewMemoryKVWithClock(time.Now)
}

func NewMemoryKVWithClock(now func() time.Time) *MemoryKV {
	return &MemoryKV{
		records:     make(map[string]Record),
		subscribers: make(map[string]map[chan struct{}]struct{}),
		now:         now,
	}
}

func (m *MemoryKV) SetIfAbsent(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if record, ok := m.records[key]; ok && now.Before(record.ExpiresAt) {
		return false, nil
	}
	m.records[key] = Record{Token: token, ExpiresAt: now.Add(ttl)}
	return true, nil
}

func (m *MemoryKV) CompareAndDelete(_ context.Context, key, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[key]
	if !ok || record.Token != token {
		return false, nil
	}
	delete(m.records, key)
	return m.now().Before(record.ExpiresAt), nil
}

func (m *MemoryKV) Get(key string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[key]
	if !ok || !m.now().Before(record.ExpiresAt) {
		return Record{}, false
	}
	return record, true
}

func (m *MemoryKV) Publish(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.subscribers[key] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (m *MemoryKV) Subscribe(_ context.Context, key string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	if m.subscribers[key] == nil {
		m.subscribers[key] = make(map[chan struct{}]struct{})
	}
	m.subscribers[key][ch] = struct{}{}
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers[key], ch)
	}
}
