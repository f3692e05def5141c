package triplestore

import (
	"context"

	"github.com/liliang-cn/triplestore/pkg/kv"
)

// entryPointScopedStore rewrites kv.KeyHNSWEntryPoint to a fixed,
// caller-supplied key before delegating to the wrapped store. pkg/hnsw
// persists its entry-point record at the bare key "hnsw-entrypoint" with
// no prefix of its own, since it was designed around one index per store.
// This façade runs two (nouns and verbs) over the same branch store, so
// each gets its own view with a distinct entry-point key to avoid
// clobbering the other's.
type entryPointScopedStore struct {
	kv.Store
	entryPointKey string
}

func (s *entryPointScopedStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if key == kv.KeyHNSWEntryPoint {
		key = s.entryPointKey
	}
	return s.Store.Get(ctx, key)
}

func (s *entryPointScopedStore) Put(ctx context.Context, key string, value []byte) error {
	if key == kv.KeyHNSWEntryPoint {
		key = s.entryPointKey
	}
	return s.Store.Put(ctx, key, value)
}

func (s *entryPointScopedStore) Delete(ctx context.Context, key string) error {
	if key == kv.KeyHNSWEntryPoint {
		key = s.entryPointKey
	}
	return s.Store.Delete(ctx, key)
}
