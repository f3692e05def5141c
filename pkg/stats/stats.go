// Package stats maintains the running node/edge/metadata counters that back
// the store's reporting endpoints, flushed to the KV façade under the
// `statistics` distributed lock (spec.md §4.5).
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/liliang-cn/triplestore/pkg/kv"
	"github.com/liliang-cn/triplestore/pkg/lock"
)

// Blob is the persisted shape of `_system/stats/<yyyy-mm-dd>`.
type Blob struct {
	TotalNodes    int64            `json:"totalNodes"`
	TotalEdges    int64            `json:"totalEdges"`
	TotalMetadata int64            `json:"totalMetadata"`
	ByType        map[string]int64 `json:"byType"`
	LastUpdated   time.Time        `json:"lastUpdated"`
}

func emptyBlob() Blob {
	return Blob{ByType: make(map[string]int64)}
}

// merge combines two blobs by taking the max of each scalar counter and
// unioning per-type sub-records (also by max), per spec.md §4.5's
// "commutative" merge rule — safe regardless of flush order.
func merge(a, b Blob) Blob {
	out := Blob{
		TotalNodes:    maxInt64(a.TotalNodes, b.TotalNodes),
		TotalEdges:    maxInt64(a.TotalEdges, b.TotalEdges),
		TotalMetadata: maxInt64(a.TotalMetadata, b.TotalMetadata),
		ByType:        make(map[string]int64, len(a.ByType)+len(b.ByType)),
		LastUpdated:   laterOf(a.LastUpdated, b.LastUpdated),
	}
	for k, v := range a.ByType {
		out.ByType[k] = v
	}
	for k, v := range b.ByType {
		if existing, ok := out.ByType[k]; !ok || v > existing {
			out.ByType[k] = v
		}
	}
	return out
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// Config tunes flush cadence.
type Config struct {
	MinFlushInterval time.Duration
	MaxFlushDelay    time.Duration
}

// DefaultConfig: 5s minimum between flushes, 30s maximum delay before a
// forced flush, matching spec.md §4.5.
func DefaultConfig() Config {
	return Config{MinFlushInterval: 5 * time.Second, MaxFlushDelay: 30 * time.Second}
}

// legacyKey is read once on cold start for backward compatibility with a
// pre-date-keyed deployment, then migrated into the canonical per-date key.
const legacyKey = kv.PrefixStats + "legacy"

// Counters is the in-memory accumulator flushed to the KV façade.
type Counters struct {
	mu     sync.Mutex
	store  kv.Store
	locks  *lock.Manager
	config Config

	current   Blob
	dirty     bool
	lastFlush time.Time
}

// New starts an empty in-memory counter set bound to store.
func New(store kv.Store, locks *lock.Manager, config Config) *Counters {
	return &Counters{store: store, locks: locks, config: config, current: emptyBlob()}
}

// dateKey returns the canonical per-date key for t, spec.md §6.
func dateKey(t time.Time) string {
	return fmt.Sprintf("%s%s", kv.PrefixStats, t.UTC().Format("2006-01-02"))
}

// IncrNode records a node creation, optionally attributing it to a noun
// type for the byType breakdown.
func (c *Counters) IncrNode(nounType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current.TotalNodes++
	if nounType != "" {
		c.current.ByType[nounType]++
	}
	c.dirty = true
}

// IncrEdge records an edge creation, optionally attributing it to a verb
// type.
func (c *Counters) IncrEdge(verbType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current.TotalEdges++
	if verbType != "" {
		c.current.ByType[verbType]++
	}
	c.dirty = true
}

// IncrMetadata records a metadata write.
func (c *Counters) IncrMetadata() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current.TotalMetadata++
	c.dirty = true
}

// ShouldFlush reports whether the counters are dirty and at least
// MinFlushInterval or MaxFlushDelay has passed since the last flush.
// Counters with no unflushed change never report a flush as due.
func (c *Counters) ShouldFlush(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return false
	}
	elapsed := now.Sub(c.lastFlush)
	return elapsed >= c.config.MinFlushInterval || elapsed >= c.config.MaxFlushDelay
}

// Flush merges the in-memory counters with the persisted copy under the
// `statistics` distributed lock and writes the result back. A lock
// acquisition failure is tolerated (spec.md §4.8: idempotent critical
// sections proceed without the lock with a warning) since merge is
// commutative.
func (c *Counters) Flush(ctx context.Context, logger Logger) error {
	c.mu.Lock()
	local := c.current
	c.mu.Unlock()

	const lockName = "statistics"
	value, err := c.locks.Acquire(ctx, lockName, 10*time.Second)
	held := err == nil
	if err != nil && err != lock.ErrHeld {
		if logger != nil {
			logger.Warn("stats: lock acquisition failed, proceeding without lock", "err", err)
		}
	}
	if held {
		defer c.locks.Release(ctx, lockName, value)
	}

	now := time.Now()
	key := dateKey(now)
	persisted, err := c.readBlob(ctx, key)
	if err != nil {
		return fmt.Errorf("stats flush: %w", err)
	}

	merged := merge(persisted, local)
	merged.LastUpdated = now

	data, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("stats flush: %w", err)
	}
	if err := c.store.Put(ctx, key, data); err != nil {
		return fmt.Errorf("stats flush: %w", err)
	}

	c.mu.Lock()
	c.current = merged
	c.dirty = false
	c.lastFlush = now
	c.mu.Unlock()

	if logger != nil {
		logger.Debug("stats flushed", "nodes", humanize.Comma(merged.TotalNodes), "edges", humanize.Comma(merged.TotalEdges))
	}
	return nil
}

// LoadOrMigrate reads today's stats key, falling back to the legacy
// unscoped key on cold start; when the legacy key exists it is migrated
// into today's canonical key and then deleted, per spec.md §4.5.
func (c *Counters) LoadOrMigrate(ctx context.Context) error {
	key := dateKey(time.Now())
	blob, err := c.readBlob(ctx, key)
	if err != nil {
		return fmt.Errorf("stats load: %w", err)
	}
	if blob.TotalNodes != 0 || blob.TotalEdges != 0 || blob.TotalMetadata != 0 {
		c.mu.Lock()
		c.current = blob
		c.mu.Unlock()
		return nil
	}

	legacy, ok, err := c.store.Get(ctx, legacyKey)
	if err != nil {
		return fmt.Errorf("stats load: %w", err)
	}
	if !ok {
		return nil
	}
	var legacyBlob Blob
	if err := json.Unmarshal(legacy, &legacyBlob); err != nil {
		return fmt.Errorf("stats load: corrupt legacy blob: %w", err)
	}
	if legacyBlob.ByType == nil {
		legacyBlob.ByType = make(map[string]int64)
	}

	c.mu.Lock()
	c.current = legacyBlob
	c.dirty = true
	c.mu.Unlock()

	data, err := json.Marshal(legacyBlob)
	if err != nil {
		return fmt.Errorf("stats migrate: %w", err)
	}
	if err := c.store.Put(ctx, key, data); err != nil {
		return fmt.Errorf("stats migrate: %w", err)
	}
	return c.store.Delete(ctx, legacyKey)
}

func (c *Counters) readBlob(ctx context.Context, key string) (Blob, error) {
	data, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return Blob{}, err
	}
	if !ok {
		return emptyBlob(), nil
	}
	var blob Blob
	if err := json.Unmarshal(data, &blob); err != nil {
		return Blob{}, fmt.Errorf("corrupt stats blob %s: %w", key, err)
	}
	if blob.ByType == nil {
		blob.ByType = make(map[string]int64)
	}
	return blob, nil
}

// Snapshot returns a copy of the in-memory counters for read paths that
// don't need to force a flush first.
func (c *Counters) Snapshot() Blob {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.current
	out.ByType = make(map[string]int64, len(c.current.ByType))
	for k, v := range c.current.ByType {
		out.ByType[k] = v
	}
	return out
}

// Logger is the minimal interface Counters needs; satisfied by the
// engine-wide Logger.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
}
