package hnsw

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/liliang-cn/triplestore/pkg/entity"
	"github.com/liliang-cn/triplestore/pkg/idmap"
	"github.com/liliang-cn/triplestore/pkg/kv"
)

func newTestIndex(t *testing.T) (*Index, *idmap.Map, kv.Store) {
	ctx := context.Background()
	store := kv.NewMemory()
	ids, err := idmap.Load(ctx, store)
	if err != nil {
		t.Fatalf("idmap.Load: %v", err)
	}
	idx := New(store, ids, kv.PrefixNouns, DefaultConfig(), entity.CosineDistance, 42)
	return idx, ids, store
}

func randomVector(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = rng.Float32()
	}
	return entity.Normalize(v)
}

func TestInsertAndSearchFindsExactMatch(t *testing.T) {
	ctx := context.Background()
	idx, _, _ := newTestIndex(t)
	rng := rand.New(rand.NewSource(1))

	var target []float32
	for i := 0; i < 200; i++ {
		v := randomVector(rng, 16)
		id := fmt.Sprintf("n%d", i)
		if i == 100 {
			target = v
		}
		if err := idx.Insert(ctx, id, v); err != nil {
			t.Fatalf("Insert %s: %v", id, err)
		}
	}

	ids, _ := idx.Search(target, 1)
	if len(ids) != 1 || ids[0] != "n100" {
		t.Fatalf("expected exact match n100, got %v", ids)
	}
}

func TestSearchReturnsKResults(t *testing.T) {
	ctx := context.Background()
	idx, _, _ := newTestIndex(t)
	rng := rand.New(rand.NewSource(2))

	for i := 0; i < 50; i++ {
		if err := idx.Insert(ctx, fmt.Sprintf("n%d", i), randomVector(rng, 8)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	ids, dists := idx.Search(randomVector(rng, 8), 10)
	if len(ids) != 10 || len(dists) != 10 {
		t.Fatalf("expected 10 results, got %d ids, %d dists", len(ids), len(dists))
	}
	for i := 1; i < len(dists); i++ {
		if dists[i] < dists[i-1] {
			t.Fatalf("expected ascending distances, got %v", dists)
		}
	}
}

func TestDeleteExcludesFromSearch(t *testing.T) {
	ctx := context.Background()
	idx, _, _ := newTestIndex(t)
	rng := rand.New(rand.NewSource(3))

	var target []float32
	for i := 0; i < 30; i++ {
		v := randomVector(rng, 8)
		if i == 5 {
			target = v
		}
		if err := idx.Insert(ctx, fmt.Sprintf("n%d", i), v); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	if err := idx.Delete(ctx, "n5"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	ids, _ := idx.Search(target, 30)
	for _, id := range ids {
		if id == "n5" {
			t.Fatalf("expected tombstoned node excluded from search results")
		}
	}
	if idx.Size() != 29 {
		t.Fatalf("expected Size()=29 after delete, got %d", idx.Size())
	}
}

func TestRebuildRecoversFromStore(t *testing.T) {
	ctx := context.Background()
	idx, ids, store := newTestIndex(t)
	rng := rand.New(rand.NewSource(4))

	for i := 0; i < 40; i++ {
		if err := idx.Insert(ctx, fmt.Sprintf("n%d", i), randomVector(rng, 8)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	fresh := New(store, ids, kv.PrefixNouns, DefaultConfig(), entity.CosineDistance, 99)
	if err := fresh.Rebuild(ctx); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if fresh.Size() != 40 {
		t.Fatalf("expected 40 nodes after rebuild, got %d", fresh.Size())
	}
	if fresh.entryPoint == "" {
		t.Fatalf("expected entry point recovered after rebuild")
	}
}

func TestConnectionsAreSymmetricAfterInsert(t *testing.T) {
	ctx := context.Background()
	idx, _, _ := newTestIndex(t)
	rng := rand.New(rand.NewSource(5))

	for i := 0; i < 60; i++ {
		if err := idx.Insert(ctx, fmt.Sprintf("n%d", i), randomVector(rng, 8)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	if err := idx.Stabilize(ctx); err != nil {
		t.Fatalf("Stabilize: %v", err)
	}

	for id, node := range idx.nodes {
		for layer, neighbors := range node.Connections {
			for _, neighborID := range neighbors {
				neighborNode, ok := idx.nodes[neighborID]
				if !ok {
					continue
				}
				found := false
				for _, back := range neighborNode.Connections[layer] {
					if back == id {
						found = true
						break
					}
				}
				if !found {
					t.Fatalf("connection %s -> %s at layer %d is not symmetric", id, neighborID, layer)
				}
			}
		}
	}
}
