package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemKV is an in-memory KV used by tests and dry runs.
type MemKV struct {
	mu      sync.RWMutex
	data    map[string][]byte
	vectors map[string]VectorEntry
}

// NewMemKV creates an empty in-memory store.
func NewMemKV() *MemKV {
	return &MemKV{
		data:    make(map[string][]byte),
		vectors: make(map[string]VectorEntry),
	}
}

func (m *MemKV) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, &notFoundError{key: key}
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (m *MemKV) Put(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[key] = cp
	return nil
}

func (m *MemKV) Batch(ctx context.Context, ops []BatchOp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range ops {
		switch op.Type {
		case BatchPut:
			cp := make([]byte, len(op.Value))
			copy(cp, op.Value)
			m.data[op.Key] = cp
		case BatchDelete:
			delete(m.data, op.Key)
		}
	}
	return nil
}

func (m *MemKV) ScanByPrefix(ctx context.Context, prefix string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var entries []Entry
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			cp := make([]byte, len(v))
			copy(cp, v)
			entries = append(entries, Entry{Key: k, Value: cp})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (m *MemKV) Close() error { return nil }
