// Package graph maintains the adjacency-list index: O(1) neighbor lookup
// per noun, rebuildable from the verbMetadata/ namespace (spec.md §4.3).
package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/liliang-cn/triplestore/pkg/entity"
	"github.com/liliang-cn/triplestore/pkg/kv"
)

// Direction filters a neighbor lookup by edge orientation relative to the
// queried node.
type Direction string

const (
	DirOut  Direction = "out"
	DirIn   Direction = "in"
	DirBoth Direction = "both"
)

// Edge is one adjacency-list entry: the neighbor reached, the verb record
// that connects them, its direction from the owning node's perspective,
// and its type (denormalized here so neighbor filtering by type doesn't
// need a second lookup into verbMetadata/).
type Edge struct {
	NeighborID string
	VerbID     string
	Direction  Direction
	VerbType   entity.VerbType
}

// Index is the in-memory adjacency list, keyed by noun id. It is a cache:
// durable state lives in verbMetadata/ records, and Rebuild reconstructs
// this structure from there.
type Index struct {
	mu    sync.RWMutex
	store kv.Store
	edges map[string][]Edge
}

// New returns an empty adjacency index over store. Call Rebuild to
// populate it from existing verbMetadata/ records, or Relate incrementally
// as verbs are added.
func New(store kv.Store) *Index {
	return &Index{store: store, edges: make(map[string][]Edge)}
}

// Rebuild reconstructs the adjacency index from the verbMetadata/ listing,
// discarding any in-memory state. Target rebuild rate is >=1000 edges/s
// per core (spec.md §4.3); the only I/O here is the paginated List scan.
func (idx *Index) Rebuild(ctx context.Context) error {
	fresh := make(map[string][]Edge)

	cursor := ""
	for {
		keys, next, err := idx.store.List(ctx, kv.PrefixVerbMeta, 500, cursor)
		if err != nil {
			return fmt.Errorf("graph rebuild: list: %w", err)
		}
		if len(keys) > 0 {
			values, err := idx.store.BatchGet(ctx, keys)
			if err != nil {
				return fmt.Errorf("graph rebuild: batch get: %w", err)
			}
			for _, key := range keys {
				data, ok := values[key]
				if !ok {
					continue
				}
				vm, err := entity.DecodeVerbMetadata(data)
				if err != nil {
					return fmt.Errorf("graph rebuild: decode %s: %w", key, err)
				}
				addEdges(fresh, vm)
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}

	idx.mu.Lock()
	idx.edges = fresh
	idx.mu.Unlock()
	return nil
}

func addEdges(m map[string][]Edge, vm entity.VerbMetadata) {
	m[vm.SourceID] = append(m[vm.SourceID], Edge{NeighborID: vm.TargetID, VerbID: vm.ID, Direction: DirOut, VerbType: vm.Verb})
	m[vm.TargetID] = append(m[vm.TargetID], Edge{NeighborID: vm.SourceID, VerbID: vm.ID, Direction: DirIn, VerbType: vm.Verb})
}

// Relate adds the adjacency entries for a new verb: an outgoing edge on
// the source, an incoming edge on the target. O(1) amortized (two slice
// appends).
func (idx *Index) Relate(vm entity.VerbMetadata) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	addEdges(idx.edges, vm)
}

// Unrelate removes the adjacency entries a verb contributed. O(deg) in
// the endpoints' own neighbor lists, not O(total edges).
func (idx *Index) Unrelate(vm entity.VerbMetadata) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.edges[vm.SourceID] = removeByVerbID(idx.edges[vm.SourceID], vm.ID)
	idx.edges[vm.TargetID] = removeByVerbID(idx.edges[vm.TargetID], vm.ID)
}

func removeByVerbID(edges []Edge, verbID string) []Edge {
	kept := edges[:0:0]
	for _, e := range edges {
		if e.VerbID != verbID {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}

// Neighbors returns id's adjacency entries, optionally filtered by
// direction and verb type. dir == "" behaves like DirBoth; verbType == nil
// matches any type. O(1) + O(deg).
func (idx *Index) Neighbors(id string, dir Direction, verbType *entity.VerbType) []Edge {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	all := idx.edges[id]
	out := make([]Edge, 0, len(all))
	for _, e := range all {
		if dir != "" && dir != DirBoth && e.Direction != dir {
			continue
		}
		if verbType != nil && e.VerbType != *verbType {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Degree returns the number of adjacency entries recorded for id.
func (idx *Index) Degree(id string) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.edges[id])
}

// BFS traverses the adjacency index breadth-first from start out to
// depth hops, optionally restricted to a single verb type, and returns
// the reached node ids (excluding start itself) per spec.md §4.4 step 3
// ("BFS over graph adjacency to the requested depth").
func (idx *Index) BFS(start string, depth int, dir Direction, verbType *entity.VerbType) []string {
	if depth <= 0 {
		return nil
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	visited := map[string]bool{start: true}
	type frontierItem struct {
		id    string
		depth int
	}
	queue := []frontierItem{{start, 0}}
	var reached []string

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= depth {
			continue
		}
		for _, e := range idx.edges[cur.id] {
			if dir != "" && dir != DirBoth && e.Direction != dir {
				continue
			}
			if verbType != nil && e.VerbType != *verbType {
				continue
			}
			if visited[e.NeighborID] {
				continue
			}
			visited[e.NeighborID] = true
			reached = append(reached, e.NeighborID)
			queue = append(queue, frontierItem{e.NeighborID, cur.depth + 1})
		}
	}
	return reached
}

// Size returns the number of distinct nodes carrying adjacency entries.
func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.edges)
}
