package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Store backed by a map, used for tests and for
// branches/namespaces too small to justify a real backend.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory returns an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[key] = cp
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) List(_ context.Context, prefix string, maxKeys int, cursor string) ([]string, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			matched = append(matched, k)
		}
	}
	sort.Strings(matched)

	start := 0
	if cursor != "" {
		start = sort.SearchStrings(matched, cursor)
		if start < len(matched) && matched[start] == cursor {
			start++
		}
	}
	if start >= len(matched) {
		return nil, "", nil
	}
	end := len(matched)
	next := ""
	if maxKeys > 0 && start+maxKeys < end {
		end = start + maxKeys
		next = matched[end-1]
	}
	return matched[start:end], next, nil
}

func (m *Memory) BatchGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	return BatchBySizingPolicy(ctx, keys, m.Get, nil)
}
