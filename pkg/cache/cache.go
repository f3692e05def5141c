// Package cache implements the unified multi-class cost-weighted LRU
// cache (spec.md §4.7): hnsw/graph/metadata/
// entity/bitmap/other classes, each with its own size and item-count
// caps, evicted by accessCount x rebuildCost with a per-class fairness
// floor.
package cache

import (
	"container/list"
	"sync"

	"github.com/kelindar/binary"
)

// Class names one of the six cache partitions spec.md §4.7 defines.
type Class string

const (
	ClassHNSW     Class = "hnsw"
	ClassGraph    Class = "graph"
	ClassMetadata Class = "metadata"
	ClassEntity   Class = "entity"
	ClassBitmap   Class = "bitmap"
	ClassOther    Class = "other"
)

var allClasses = []Class{ClassHNSW, ClassGraph, ClassMetadata, ClassEntity, ClassBitmap, ClassOther}

// ClassLimits caps one class's footprint.
type ClassLimits struct {
	MaxBytes int64
	MaxItems int
}

// Config tunes per-class limits, rebuild cost weights, and the fairness
// floor fraction below which a class is protected from eviction while
// another class is over its own cap.
type Config struct {
	Limits        map[Class]ClassLimits
	RebuildCost   map[Class]int
	FairnessFloor float64
}

// DefaultConfig returns spec.md §4.7's rebuild-cost defaults (hnsw=50,
// bitmap=30, graph=10, metadata=1) and a 10% fairness floor, with
// generous per-class limits a caller is expected to override.
func DefaultConfig() Config {
	limits := make(map[Class]ClassLimits, len(allClasses))
	for _, c := range allClasses {
		limits[c] = ClassLimits{MaxBytes: 64 << 20, MaxItems: 10000}
	}
	return Config{
		Limits: limits,
		RebuildCost: map[Class]int{
			ClassHNSW:     50,
			ClassBitmap:   30,
			ClassGraph:    10,
			ClassMetadata: 1,
			ClassEntity:   1,
			ClassOther:    1,
		},
		FairnessFloor: 0.10,
	}
}

func (c Config) rebuildCost(class Class) int {
	if cost, ok := c.RebuildCost[class]; ok {
		return cost
	}
	return 1
}

func (c Config) limits(class Class) ClassLimits {
	if l, ok := c.Limits[class]; ok {
		return l
	}
	return ClassLimits{MaxBytes: 1 << 20, MaxItems: 1000}
}

type entry struct {
	key         string
	class       Class
	value       any
	sizeBytes   int64
	accessCount int64
}

// Cache is a multi-class cache whose eviction trades off across classes
// instead of each class managing its own bespoke LRU. The root store
// keeps one instance for branch-resolved entities and each asOf view
// keeps its own; pkg/hnsw, pkg/graph and pkg/minvert do not use it.
type Cache struct {
	mu     sync.Mutex
	config Config

	index      map[string]*list.Element
	classLists map[Class]*list.List
	classBytes map[Class]int64
	classItems map[Class]int
}

// New returns an empty cache configured by config.
func New(config Config) *Cache {
	c := &Cache{
		config:     config,
		index:      make(map[string]*list.Element),
		classLists: make(map[Class]*list.List, len(allClasses)),
		classBytes: make(map[Class]int64, len(allClasses)),
		classItems: make(map[Class]int, len(allClasses)),
	}
	for _, class := range allClasses {
		c.classLists[class] = list.New()
	}
	return c
}

// estimateSize prices an arbitrary cached value via a fast binary
// encoding rather than round-tripping through JSON, since cost only
// needs to be an approximate byte count for eviction accounting, not a
// wire format.
func estimateSize(value any) int64 {
	data, err := binary.Marshal(value)
	if err != nil {
		return 64 // conservative flat estimate for non-encodable values
	}
	return int64(len(data))
}

// Get returns the cached value for key and bumps its access count and
// recency, or ok=false on a miss.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	e.accessCount++
	c.classLists[e.class].MoveToFront(el)
	return e.value, true
}

// Put inserts or replaces key's cached value under class, then evicts
// until every class is back within its caps.
func (c *Cache) Put(class Class, key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := estimateSize(value)

	if el, ok := c.index[key]; ok {
		old := el.Value.(*entry)
		c.classBytes[old.class] -= old.sizeBytes
		c.classItems[old.class]--
		c.classLists[old.class].Remove(el)
		delete(c.index, key)
	}

	e := &entry{key: key, class: class, value: value, sizeBytes: size, accessCount: 1}
	el := c.classLists[class].PushFront(e)
	c.index[key] = el
	c.classBytes[class] += size
	c.classItems[class]++

	c.evictOverflow()
}

// Remove evicts key if present, independent of cap pressure.
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeElement(key)
}

func (c *Cache) removeElement(key string) {
	el, ok := c.index[key]
	if !ok {
		return
	}
	e := el.Value.(*entry)
	c.classLists[e.class].Remove(el)
	c.classBytes[e.class] -= e.sizeBytes
	c.classItems[e.class]--
	delete(c.index, key)
}

func (c *Cache) overCap(class Class) bool {
	limits := c.config.limits(class)
	return c.classBytes[class] > limits.MaxBytes || c.classItems[class] > limits.MaxItems
}

// anyClassOverCap reports whether some class other than except is
// currently over either of its caps, used to decide whether a
// fairness-floor-protected class may still be raided.
func (c *Cache) anyClassOverCap(except Class) bool {
	for _, class := range allClasses {
		if class == except {
			continue
		}
		if c.overCap(class) {
			return true
		}
	}
	return false
}

func (c *Cache) atOrBelowFloor(class Class) bool {
	limits := c.config.limits(class)
	floorItems := float64(limits.MaxItems) * c.config.FairnessFloor
	return float64(c.classItems[class]) <= floorItems
}

// evictOverflow evicts the globally lowest-score entry (accessCount x
// rebuildCost) repeatedly until no class is over cap, skipping classes
// that are at or below their fairness floor while another class is still
// over cap. If every remaining candidate is floor-protected (all classes
// over cap simultaneously, or only one class holds any entries), the
// floor protection is waived rather than spin forever.
func (c *Cache) evictOverflow() {
	for c.anyOverCap() {
		victim, protectedOnly := c.pickVictim()
		if victim == nil {
			if !protectedOnly {
				return
			}
			victim, _ = c.pickVictimIgnoringFloor()
			if victim == nil {
				return
			}
		}
		c.removeElement(victim.key)
	}
}

func (c *Cache) anyOverCap() bool {
	for _, class := range allClasses {
		if c.overCap(class) {
			return true
		}
	}
	return false
}

func (c *Cache) pickVictim() (*entry, bool) {
	var best *entry
	var bestScore float64
	sawProtected := false
	for _, class := range allClasses {
		if c.atOrBelowFloor(class) && c.anyClassOverCap(class) {
			if c.classLists[class].Len() > 0 {
				sawProtected = true
			}
			continue
		}
		if e := lowestScoreIn(c.classLists[class], c.config.rebuildCost(class)); e != nil {
			score := float64(e.accessCount) * float64(c.config.rebuildCost(class))
			if best == nil || score < bestScore {
				best, bestScore = e, score
			}
		}
	}
	return best, sawProtected
}

func (c *Cache) pickVictimIgnoringFloor() (*entry, bool) {
	var best *entry
	var bestScore float64
	for _, class := range allClasses {
		if e := lowestScoreIn(c.classLists[class], c.config.rebuildCost(class)); e != nil {
			score := float64(e.accessCount) * float64(c.config.rebuildCost(class))
			if best == nil || score < bestScore {
				best, bestScore = e, score
			}
		}
	}
	return best, false
}

func lowestScoreIn(lst *list.List, rebuildCost int) *entry {
	var best *entry
	var bestScore float64
	for el := lst.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		score := float64(e.accessCount) * float64(rebuildCost)
		if best == nil || score < bestScore {
			best, bestScore = e, score
		}
	}
	return best
}

// Len returns the total number of cached entries across all classes.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, class := range allClasses {
		total += c.classItems[class]
	}
	return total
}

// ClassLen returns the number of entries currently cached in class.
func (c *Cache) ClassLen(class Class) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.classItems[class]
}
