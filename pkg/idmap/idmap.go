// Package idmap maintains the UUID<->uint32 bijection the bitmap-backed
// metadata index (pkg/minvert) needs, since roaring bitmaps index dense
// integers, not UUID strings.
package idmap

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/liliang-cn/triplestore/pkg/kv"
)

// blob is the persisted shape of `_system/idmap`: { next: u32, entries:
// [[uuid, intId], …] } per spec.md §6.
type blob struct {
	Next    uint32   `json:"next"`
	Entries [][2]any `json:"entries"`
}

// Map is a bijective UUID<->uint32 mapping, persisted as a single blob.
type Map struct {
	mu      sync.RWMutex
	store   kv.Store
	next    uint32
	forward map[string]uint32
	reverse map[uint32]string
}

// Load reads the id-map blob from store, or starts empty if absent.
func Load(ctx context.Context, store kv.Store) (*Map, error) {
	m := &Map{store: store, forward: make(map[string]uint32), reverse: make(map[uint32]string)}

	data, ok, err := store.Get(ctx, kv.KeyIdMap)
	if err != nil {
		return nil, fmt.Errorf("idmap load: %w", err)
	}
	if !ok {
		return m, nil
	}

	var b blob
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("idmap load: corrupt blob: %w", err)
	}
	m.next = b.Next
	for _, entry := range b.Entries {
		uuidStr, ok := entry[0].(string)
		if !ok {
			continue
		}
		f, ok := entry[1].(float64)
		if !ok {
			continue
		}
		intID := uint32(f)
		m.forward[uuidStr] = intID
		m.reverse[intID] = uuidStr
	}
	return m, nil
}

// GetOrAssign returns the int id for uuidStr, assigning the next monotonic
// id if it doesn't already have one.
func (m *Map) GetOrAssign(uuidStr string) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.forward[uuidStr]; ok {
		return id
	}
	id := m.next
	m.next++
	m.forward[uuidStr] = id
	m.reverse[id] = uuidStr
	return id
}

// Lookup returns the int id for uuidStr, if assigned.
func (m *Map) Lookup(uuidStr string) (uint32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.forward[uuidStr]
	return id, ok
}

// Reverse returns the uuid for an int id, if assigned.
func (m *Map) Reverse(id uint32) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	uuidStr, ok := m.reverse[id]
	return uuidStr, ok
}

// Remove clears both directions of the mapping for uuidStr. The int id is
// never reused (next only grows), so a stale bitmap entry that still
// references it is simply a dangling reference rather than a collision.
func (m *Map) Remove(uuidStr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.forward[uuidStr]
	if !ok {
		return
	}
	delete(m.forward, uuidStr)
	delete(m.reverse, id)
}

// Save persists the full map as a single blob.
func (m *Map) Save(ctx context.Context) error {
	m.mu.RLock()
	b := blob{Next: m.next, Entries: make([][2]any, 0, len(m.forward))}
	for uuidStr, id := range m.forward {
		b.Entries = append(b.Entries, [2]any{uuidStr, id})
	}
	m.mu.RUnlock()

	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("idmap save: %w", err)
	}
	return m.store.Put(ctx, kv.KeyIdMap, data)
}

// Len returns the number of live mappings.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.forward)
}
