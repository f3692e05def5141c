// Package hnsw implements the Hierarchical Navigable Small World
// approximate nearest-neighbor index over nouns and verbs (both are
// HNSW-searchable vectors; verbs support semantic verb search the same
// way nouns support semantic entity search).
//
// The in-memory adjacency is a cache: the index is fully rebuildable from
// a `nouns/` (or `verbs/`) listing, with a separate entry-point record
// persisted alongside it.
package hnsw

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/liliang-cn/triplestore/pkg/entity"
	"github.com/liliang-cn/triplestore/pkg/idmap"
	"github.com/liliang-cn/triplestore/pkg/kv"
)

// Config tunes the index. Defaults match the teacher's parameter names.
type Config struct {
	M              int // max bidirectional links per node above layer 0
	EfConstruction int // dynamic candidate list size during insertion
	EfSearch       int // dynamic candidate list size during search
}

// DefaultConfig returns M=16, efConstruction=200, efSearch=100, per
// spec.md §4.2.
func DefaultConfig() Config {
	return Config{M: 16, EfConstruction: 200, EfSearch: 100}
}

func (c Config) maxM0() int { return c.M * 2 }

// Index is an incrementally-maintained HNSW graph over either the
// `nouns/` or `verbs/` namespace, selected by the prefix passed to New.
type Index struct {
	mu     sync.RWMutex
	store  kv.Store
	prefix string // kv.PrefixNouns or kv.PrefixVerbs
	config Config
	dist   entity.SimilarityFunc // distance: smaller is closer

	nodes      map[string]*entity.Noun
	entryPoint string
	maxLevel   uint8

	ids     *idmap.Map   // int ids for the tombstone bitset
	deleted *bitset.BitSet

	rng *rand.Rand
}

// New returns an empty index bound to store, indexing blobs under prefix
// (kv.PrefixNouns or kv.PrefixVerbs).
func New(store kv.Store, ids *idmap.Map, prefix string, config Config, dist entity.SimilarityFunc, seed int64) *Index {
	return &Index{
		store:   store,
		prefix:  prefix,
		config:  config,
		dist:    dist,
		nodes:   make(map[string]*entity.Noun),
		ids:     ids,
		deleted: bitset.New(0),
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Rebuild reconstructs the in-memory adjacency from every blob under
// prefix, plus the persisted entry-point record (kv.KeyHNSWEntryPoint).
// The index structure is a cache over the façade, so this is the recovery
// path after a process restart (spec.md §4.2).
func (idx *Index) Rebuild(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.nodes = make(map[string]*entity.Noun)
	cursor := ""
	for {
		keys, next, err := idx.store.List(ctx, idx.prefix, 500, cursor)
		if err != nil {
			return fmt.Errorf("hnsw rebuild: %w", err)
		}
		values, err := idx.store.BatchGet(ctx, keys)
		if err != nil {
			return fmt.Errorf("hnsw rebuild: %w", err)
		}
		for _, key := range keys {
			data, ok := values[key]
			if !ok {
				continue
			}
			noun, err := entity.DecodeNoun(data)
			if err != nil {
				return fmt.Errorf("hnsw rebuild %s: %w", key, err)
			}
			idx.nodes[noun.ID] = &noun
			if noun.Level > idx.maxLevel {
				idx.maxLevel = noun.Level
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}

	data, ok, err := idx.store.Get(ctx, kv.KeyHNSWEntryPoint)
	if err != nil {
		return fmt.Errorf("hnsw rebuild: entrypoint: %w", err)
	}
	if ok {
		idx.entryPoint = string(data)
	} else if len(idx.nodes) > 0 {
		for id := range idx.nodes {
			idx.entryPoint = id
			break
		}
	}
	return nil
}

func (idx *Index) persistEntryPoint(ctx context.Context) error {
	return idx.store.Put(ctx, kv.KeyHNSWEntryPoint, []byte(idx.entryPoint))
}

func (idx *Index) persistNode(ctx context.Context, n *entity.Noun) error {
	data, err := entity.EncodeNoun(*n)
	if err != nil {
		return err
	}
	return idx.store.Put(ctx, idx.prefix+n.ID, data)
}

// selectLevel draws a level via exponential decay with base 1/ln(M), the
// standard HNSW level-assignment distribution (spec.md §4.2).
func (idx *Index) selectLevel() uint8 {
	ml := 1.0 / math.Log(float64(idx.config.M))
	level := 0
	for -math.Log(idx.rng.Float64())*ml > 1.0 && level < 32 {
		level++
	}
	return uint8(level)
}

// Insert adds vector under id, wiring it into the graph at a randomly
// selected level, then writes the touched nodes and (if changed) the
// entry point back through the KV façade.
func (idx *Index) Insert(ctx context.Context, id string, vector []float32) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.nodes[id]; exists {
		return fmt.Errorf("hnsw insert %s: already indexed", id)
	}

	level := idx.selectLevel()
	node := &entity.Noun{
		ID:          id,
		Vector:      vector,
		Level:       level,
		Connections: make(map[uint8][]string, level+1),
	}
	for l := uint8(0); l <= level; l++ {
		node.Connections[l] = nil
	}
	idx.nodes[id] = node

	if idx.ids != nil {
		idx.ids.GetOrAssign(id)
	}

	touched := map[string]*entity.Noun{id: node}

	if idx.entryPoint == "" {
		idx.entryPoint = id
		idx.maxLevel = level
		if err := idx.persistNode(ctx, node); err != nil {
			return fmt.Errorf("hnsw insert %s: %w", id, err)
		}
		return idx.persistEntryPoint(ctx)
	}

	currNearest := []string{idx.entryPoint}
	entryNode := idx.nodes[idx.entryPoint]
	for lc := entryNode.Level; lc > level; lc-- {
		currNearest = idx.searchLayerClosest(vector, currNearest, 1, lc)
	}

	for lc := int(level); lc >= 0; lc-- {
		layer := uint8(lc)
		m := idx.config.M
		if layer == 0 {
			m = idx.config.maxM0()
		}

		candidates := idx.searchLayer(vector, currNearest, idx.config.EfConstruction, layer)
		neighbors := idx.selectNeighborsHeuristic(vector, candidates, m)

		node.Connections[layer] = neighbors
		for _, neighborID := range neighbors {
			idx.addConnection(neighborID, id, layer)
			touched[neighborID] = idx.nodes[neighborID]

			neighborNode := idx.nodes[neighborID]
			maxConn := idx.config.M
			if layer == 0 {
				maxConn = idx.config.maxM0()
			}
			if existing := neighborNode.Connections[layer]; len(existing) > maxConn {
				neighborNode.Connections[layer] = idx.selectNeighborsHeuristic(neighborNode.Vector, existing, maxConn)
			}
		}
		if len(candidates) > 0 {
			currNearest = candidates
		}
	}

	if level > idx.maxLevel {
		idx.maxLevel = level
		idx.entryPoint = id
		if err := idx.persistEntryPoint(ctx); err != nil {
			return fmt.Errorf("hnsw insert %s: %w", id, err)
		}
	}

	for _, n := range touched {
		if n == nil {
			continue
		}
		if err := idx.persistNode(ctx, n); err != nil {
			return fmt.Errorf("hnsw insert %s: %w", id, err)
		}
	}
	return nil
}

// searchLayer runs a greedy best-first expansion at layer, returning up to
// ef candidates closest to query. Tombstoned (deleted) nodes are skipped
// when added to the result list but their outgoing links are still
// traversed, so deletes don't fragment the graph before the next rebuild
// (spec.md §4.2).
func (idx *Index) searchLayer(query []float32, entryPoints []string, ef int, layer uint8) []string {
	visited := make(map[string]bool)
	candidates := &distHeap{}
	dynamicList := &distHeap{}

	for _, point := range entryPoints {
		node, ok := idx.nodes[point]
		if !ok {
			continue
		}
		d := idx.dist(query, node.Vector)
		heap.Push(candidates, &heapItem{id: point, dist: d})
		if !idx.isDeleted(point) {
			heap.Push(dynamicList, &heapItem{id: point, dist: -d})
		}
		visited[point] = true
	}

	for candidates.Len() > 0 {
		if dynamicList.Len() > 0 {
			lowerBound := (*candidates)[0].dist
			if lowerBound > -(*dynamicList)[0].dist {
				break
			}
		}

		current := heap.Pop(candidates).(*heapItem)
		currentNode, ok := idx.nodes[current.id]
		if !ok {
			continue
		}
		neighbors := currentNode.Connections[layer]

		for _, neighborID := range neighbors {
			if visited[neighborID] {
				continue
			}
			visited[neighborID] = true

			neighborNode, ok := idx.nodes[neighborID]
			if !ok {
				continue
			}
			d := idx.dist(query, neighborNode.Vector)

			betterThanWorst := dynamicList.Len() < ef
			if dynamicList.Len() > 0 {
				betterThanWorst = betterThanWorst || d < -(*dynamicList)[0].dist
			}
			if betterThanWorst {
				heap.Push(candidates, &heapItem{id: neighborID, dist: d})
				if !idx.isDeleted(neighborID) {
					heap.Push(dynamicList, &heapItem{id: neighborID, dist: -d})
					if dynamicList.Len() > ef {
						heap.Pop(dynamicList)
					}
				}
			}
		}
	}

	result := make([]string, 0, dynamicList.Len())
	for dynamicList.Len() > 0 {
		result = append(result, heap.Pop(dynamicList).(*heapItem).id)
	}
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result
}

func (idx *Index) searchLayerClosest(query []float32, entryPoints []string, num int, layer uint8) []string {
	candidates := idx.searchLayer(query, entryPoints, num, layer)
	if len(candidates) > num {
		return candidates[:num]
	}
	return candidates
}

// selectNeighborsHeuristic keeps candidates that improve graph coverage
// rather than the naive closest-m, per spec.md §4.2. A candidate is kept
// if it is closer to the query than to every neighbor already kept
// (the standard HNSW diversification heuristic).
func (idx *Index) selectNeighborsHeuristic(query []float32, candidates []string, m int) []string {
	if len(candidates) <= m {
		return candidates
	}

	type scored struct {
		id   string
		dist float32
	}
	pairs := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		node, ok := idx.nodes[c]
		if !ok {
			continue
		}
		pairs = append(pairs, scored{id: c, dist: idx.dist(query, node.Vector)})
	}
	for i := 0; i < len(pairs)-1; i++ {
		for j := i + 1; j < len(pairs); j++ {
			if pairs[j].dist < pairs[i].dist {
				pairs[i], pairs[j] = pairs[j], pairs[i]
			}
		}
	}

	kept := make([]string, 0, m)
	for _, cand := range pairs {
		if len(kept) >= m {
			break
		}
		candNode := idx.nodes[cand.id]
		diversified := true
		for _, k := range kept {
			keptNode := idx.nodes[k]
			if idx.dist(candNode.Vector, keptNode.Vector) < cand.dist {
				diversified = false
				break
			}
		}
		if diversified {
			kept = append(kept, cand.id)
		}
	}
	// Backfill with the remaining closest candidates if the heuristic
	// pruned below m, so insertion never leaves a node under-connected.
	if len(kept) < m {
		seen := make(map[string]bool, len(kept))
		for _, k := range kept {
			seen[k] = true
		}
		for _, cand := range pairs {
			if len(kept) >= m {
				break
			}
			if !seen[cand.id] {
				kept = append(kept, cand.id)
			}
		}
	}
	return kept
}

func (idx *Index) addConnection(from, to string, layer uint8) {
	fromNode, exists := idx.nodes[from]
	if !exists {
		return
	}
	for _, n := range fromNode.Connections[layer] {
		if n == to {
			return
		}
	}
	fromNode.Connections[layer] = append(fromNode.Connections[layer], to)
}

func (idx *Index) isDeleted(id string) bool {
	if idx.ids == nil {
		return false
	}
	intID, ok := idx.ids.Lookup(id)
	if !ok {
		return false
	}
	return idx.deleted.Test(uint(intID))
}

// Search returns up to k ids closest to query, skipping tombstoned nodes.
func (idx *Index) Search(query []float32, k int) ([]string, []float32) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.entryPoint == "" {
		return nil, nil
	}

	ef := idx.config.EfSearch
	if k > ef {
		ef = k
	}

	entryNode, ok := idx.nodes[idx.entryPoint]
	if !ok {
		return nil, nil
	}
	currNearest := []string{idx.entryPoint}
	for layer := entryNode.Level; layer > 0; layer-- {
		currNearest = idx.searchLayerClosest(query, currNearest, 1, layer)
	}

	candidates := idx.searchLayer(query, currNearest, ef, 0)

	type result struct {
		id   string
		dist float32
	}
	results := make([]result, 0, len(candidates))
	for _, c := range candidates {
		if idx.isDeleted(c) {
			continue
		}
		node, ok := idx.nodes[c]
		if !ok {
			continue
		}
		results = append(results, result{id: c, dist: idx.dist(query, node.Vector)})
	}
	for i := 0; i < len(results)-1; i++ {
		for j := i + 1; j < len(results); j++ {
			if results[j].dist < results[i].dist {
				results[i], results[j] = results[j], results[i]
			}
		}
	}

	if k > len(results) {
		k = len(results)
	}
	ids := make([]string, k)
	dists := make([]float32, k)
	for i := 0; i < k; i++ {
		ids[i] = results[i].id
		dists[i] = results[i].dist
	}
	return ids, dists
}

// Delete tombstones id: it is excluded from Search results immediately but
// its outgoing edges remain traversable until the next Rebuild, matching
// spec.md §4.2's "treat outgoing links as traversable to avoid graph
// fragmentation until rebuild".
func (idx *Index) Delete(ctx context.Context, id string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.ids == nil {
		return fmt.Errorf("hnsw delete %s: no id-map configured", id)
	}
	intID, ok := idx.ids.Lookup(id)
	if !ok {
		return fmt.Errorf("hnsw delete %s: not indexed", id)
	}
	idx.deleted.Set(uint(intID))

	if idx.entryPoint == id {
		for candidateID := range idx.nodes {
			if !idx.isDeleted(candidateID) {
				idx.entryPoint = candidateID
				return idx.persistEntryPoint(ctx)
			}
		}
		idx.entryPoint = ""
		return idx.persistEntryPoint(ctx)
	}
	return nil
}

// Size returns the number of live (non-tombstoned) nodes.
func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	count := 0
	for id := range idx.nodes {
		if !idx.isDeleted(id) {
			count++
		}
	}
	return count
}

// Stabilize restores the symmetric-link invariant (spec.md §8 property 2:
// "for all persisted noun pairs (a,b) and layers l, if b is connected to a
// then a is connected to b after a flush()"). Per-insert pruning can leave
// a one-sided edge when a neighbor's list was re-pruned without the other
// side knowing; Stabilize closes every such gap, either restoring the
// missing back-link (if the neighbor has spare capacity at that layer) or
// dropping the now-dangling forward link. Meant to run at flush time, not
// on every insert.
func (idx *Index) Stabilize(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	touched := make(map[string]*entity.Noun)
	for id, node := range idx.nodes {
		for layer, neighbors := range node.Connections {
			maxConn := idx.config.M
			if layer == 0 {
				maxConn = idx.config.maxM0()
			}
			kept := neighbors[:0:0]
			for _, neighborID := range neighbors {
				neighborNode, ok := idx.nodes[neighborID]
				if !ok {
					continue
				}
				if hasBackLink(neighborNode, layer, id) {
					kept = append(kept, neighborID)
					continue
				}
				if len(neighborNode.Connections[layer]) < maxConn {
					neighborNode.Connections[layer] = append(neighborNode.Connections[layer], id)
					touched[neighborID] = neighborNode
					kept = append(kept, neighborID)
				}
				// else: no spare capacity on the neighbor's side, drop
				// the dangling forward link.
			}
			if len(kept) != len(neighbors) {
				node.Connections[layer] = kept
				touched[id] = node
			}
		}
	}

	for _, n := range touched {
		if err := idx.persistNode(ctx, n); err != nil {
			return fmt.Errorf("hnsw stabilize: %w", err)
		}
	}
	return nil
}

func hasBackLink(node *entity.Noun, layer uint8, id string) bool {
	for _, n := range node.Connections[layer] {
		if n == id {
			return true
		}
	}
	return false
}

type heapItem struct {
	id   string
	dist float32
}

type distHeap []*heapItem

func (h distHeap) Len() int           { return len(h) }
func (h distHeap) Less(i, j int) bool { return h[i].dist < h[j].dist }
func (h distHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *distHeap) Push(x any)        { *h = append(*h, x.(*heapItem)) }
func (h *distHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
