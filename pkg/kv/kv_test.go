package kv

import (
	"context"
	"path/filepath"
	"testing"
)

func storeFactories(t *testing.T) map[string]Store {
	dir := t.TempDir()
	disk, err := NewDisk(filepath.Join(dir, "disk"))
	if err != nil {
		t.Fatalf("NewDisk: %v", err)
	}
	sqliteStore, err := OpenSQLite(context.Background(), filepath.Join(dir, "kv.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { sqliteStore.Close() })

	return map[string]Store{
		"memory": NewMemory(),
		"disk":   disk,
		"sqlite": sqliteStore,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.Put(ctx, "nouns/a", []byte("alpha")); err != nil {
				t.Fatalf("Put: %v", err)
			}
			val, ok, err := store.Get(ctx, "nouns/a")
			if err != nil || !ok || string(val) != "alpha" {
				t.Fatalf("Get = %q, %v, %v", val, ok, err)
			}

			_, ok, err = store.Get(ctx, "nouns/missing")
			if err != nil || ok {
				t.Fatalf("expected missing key to be (nil, false, nil), got (%v, %v, %v)", ok, ok, err)
			}

			if err := store.Delete(ctx, "nouns/a"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			_, ok, _ = store.Get(ctx, "nouns/a")
			if ok {
				t.Fatalf("expected key deleted")
			}
		})
	}
}

func TestStoreList(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"nouns/a", "nouns/b", "nouns/c", "verbs/x"} {
				if err := store.Put(ctx, k, []byte(k)); err != nil {
					t.Fatalf("Put %s: %v", k, err)
				}
			}
			keys, _, err := store.List(ctx, "nouns/", 0, "")
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(keys) != 3 {
				t.Fatalf("expected 3 keys, got %d (%v)", len(keys), keys)
			}
		})
	}
}

func TestStoreBatchGet(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			want := map[string]string{}
			keys := make([]string, 0, 20)
			for i := 0; i < 20; i++ {
				k := "nouns/" + string(rune('a'+i))
				if err := store.Put(ctx, k, []byte(k)); err != nil {
					t.Fatalf("Put: %v", err)
				}
				want[k] = k
				keys = append(keys, k)
			}
			got, err := store.BatchGet(ctx, keys)
			if err != nil {
				t.Fatalf("BatchGet: %v", err)
			}
			if len(got) != len(want) {
				t.Fatalf("expected %d results, got %d", len(want), len(got))
			}
			for k, v := range want {
				if string(got[k]) != v {
					t.Fatalf("key %s: expected %q, got %q", k, v, got[k])
				}
			}
		})
	}
}

func TestBatchBySizingPolicyChunking(t *testing.T) {
	ctx := context.Background()
	keys := make([]string, 200)
	seen := make([]string, 0, 200)
	get := func(_ context.Context, key string) ([]byte, bool, error) {
		seen = append(seen, key)
		return []byte(key), true, nil
	}
	for i := range keys {
		keys[i] = string(rune('a' + i%26))
	}
	got, err := BatchBySizingPolicy(ctx, keys, get, nil)
	if err != nil {
		t.Fatalf("BatchBySizingPolicy: %v", err)
	}
	if len(got) == 0 {
		t.Fatalf("expected results")
	}
}
