package store

import (
	"context"
	"sort"
	"sync"

	"stockwatch/internal/model"
)

// Memory is a process-local Store.
type Memory struct {
	mu      sync.RWMutex
	records map[model.Identity]model.StateRecord
	closed  bool
}

func NewMemory() *Memory {
	return &Memory{records: map[model.Identity]model.StateRecord{}}
}

func (m *Memory) Get(_ context.Context, id model.Identity) (model.StateRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return model.StateRecord{}, false, wrap("get", id, ErrClosed)
	}
	rec, ok := m.records[id]
	return rec, ok, nil
}

func (m *Memory) Put(_ context.Context, rec model.StateRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return wrap("put", rec.Identity, ErrClosed)
	}
	m.records[rec.Identity] = rec
	return nil
}

func (m *Memory) List(context.Context) ([]model.StateRecord, error) {
	m.mu.RLock()
	out := make([]model.StateRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
