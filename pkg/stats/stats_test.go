package stats

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/liliang-cn/triplestore/pkg/kv"
	"github.com/liliang-cn/triplestore/pkg/lock"
)

func newCounters() (*Counters, kv.Store) {
	store := kv.NewMemory()
	locks := lock.New(store, lock.DefaultConfig())
	return New(store, locks, DefaultConfig()), store
}

func TestFlushPersistsCounters(t *testing.T) {
	ctx := context.Background()
	c, store := newCounters()

	c.IncrNode("Concept")
	c.IncrEdge("BuiltOn")
	c.IncrMetadata()

	if err := c.Flush(ctx, nil); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	key := dateKey(time.Now())
	data, ok, err := store.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("expected stats blob at %s, ok=%v err=%v", key, ok, err)
	}
	_ = data
}

func TestMergeTakesMaxAndUnionsByType(t *testing.T) {
	a := Blob{TotalNodes: 10, ByType: map[string]int64{"Concept": 5, "Person": 2}}
	b := Blob{TotalNodes: 7, ByType: map[string]int64{"Concept": 8, "Event": 1}}

	merged := merge(a, b)
	if merged.TotalNodes != 10 {
		t.Fatalf("expected max(10,7)=10, got %d", merged.TotalNodes)
	}
	if merged.ByType["Concept"] != 8 || merged.ByType["Person"] != 2 || merged.ByType["Event"] != 1 {
		t.Fatalf("unexpected byType union: %+v", merged.ByType)
	}
}

func TestLoadOrMigrateFromLegacyKey(t *testing.T) {
	ctx := context.Background()
	c, store := newCounters()

	legacy := Blob{TotalNodes: 42, ByType: map[string]int64{"Concept": 42}}
	data, err := json.Marshal(legacy)
	if err != nil {
		t.Fatalf("marshal legacy: %v", err)
	}
	if err := store.Put(ctx, legacyKey, data); err != nil {
		t.Fatalf("seed legacy: %v", err)
	}

	if err := c.LoadOrMigrate(ctx); err != nil {
		t.Fatalf("LoadOrMigrate: %v", err)
	}

	snap := c.Snapshot()
	if snap.TotalNodes != 42 {
		t.Fatalf("expected migrated total 42, got %d", snap.TotalNodes)
	}

	_, ok, _ := store.Get(ctx, legacyKey)
	if ok {
		t.Fatalf("expected legacy key deleted after migration")
	}
}

func TestShouldFlushRespectsIntervals(t *testing.T) {
	c, _ := newCounters()
	c.config = Config{MinFlushInterval: time.Hour, MaxFlushDelay: time.Hour}

	if c.ShouldFlush(time.Now()) {
		t.Fatalf("expected no flush needed when clean")
	}
	c.IncrNode("Concept")
	if !c.ShouldFlush(time.Now().Add(2 * time.Hour)) {
		t.Fatalf("expected forced flush past MaxFlushDelay")
	}
}
