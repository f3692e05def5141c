package triplestore

import (
	"context"
	"sort"
	"strings"

	"github.com/liliang-cn/triplestore/pkg/branch"
	"github.com/liliang-cn/triplestore/pkg/coalescer"
	"github.com/liliang-cn/triplestore/pkg/kv"
)

// rawBranchStore adapts a branch.Overlay plus a fixed branch name to the
// kv.Store interface with no buffering: every call round-trips through
// the overlay's fallthrough resolution immediately. It is what every
// index (pkg/hnsw, pkg/graph, pkg/minvert, pkg/idmap) actually reads
// through, and what a branchStore's write buffers flush into.
type rawBranchStore struct {
	overlay *branch.Overlay
	branch  string
}

func (r *rawBranchStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return r.overlay.Get(ctx, r.branch, key)
}

func (r *rawBranchStore) Put(ctx context.Context, key string, value []byte) error {
	return r.overlay.Put(ctx, r.branch, key, value)
}

func (r *rawBranchStore) Delete(ctx context.Context, key string) error {
	return r.overlay.Delete(ctx, r.branch, key)
}

func (r *rawBranchStore) List(ctx context.Context, prefix string, maxKeys int, cursor string) ([]string, string, error) {
	keys, err := r.overlay.List(ctx, r.branch, prefix)
	if err != nil {
		return nil, "", err
	}
	return paginateKeys(keys, maxKeys, cursor)
}

func (r *rawBranchStore) BatchGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		value, ok, err := r.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out[key] = value
		}
	}
	return out, nil
}

// paginateKeys slices a full, sorted key listing into a page, matching
// the cursor semantics every other kv.Store adapter uses: cursor is the
// last key returned by the previous page.
func paginateKeys(keys []string, maxKeys int, cursor string) ([]string, string, error) {
	start := 0
	if cursor != "" {
		start = sort.SearchStrings(keys, cursor)
		if start < len(keys) && keys[start] == cursor {
			start++
		}
	}
	if start >= len(keys) {
		return nil, "", nil
	}
	end := len(keys)
	if maxKeys > 0 && start+maxKeys < end {
		end = start + maxKeys
	}
	page := keys[start:end]
	next := ""
	if end < len(keys) {
		next = keys[end-1]
	}
	return page, next, nil
}

// branchStore is the buffered view of a single branch: noun and verb
// blob writes enter their write buffer and return immediately (spec.md
// §4.7); everything else — metadata, locks, stats, changelog, version
// and commit records — writes straight through rawBranchStore. Reads
// check the relevant write buffer first so a caller never observes a
// buffered write as missing.
type branchStore struct {
	raw     *rawBranchStore
	nounBuf *coalescer.WriteBuffer
	verbBuf *coalescer.WriteBuffer
}

func (b *branchStore) bufferFor(key string) *coalescer.WriteBuffer {
	switch {
	case strings.HasPrefix(key, kv.PrefixNouns):
		return b.nounBuf
	case strings.HasPrefix(key, kv.PrefixVerbs):
		return b.verbBuf
	default:
		return nil
	}
}

func (b *branchStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if buf := b.bufferFor(key); buf != nil {
		if v, ok := buf.Peek(key); ok {
			return v, true, nil
		}
	}
	return b.raw.Get(ctx, key)
}

func (b *branchStore) Put(ctx context.Context, key string, value []byte) error {
	if buf := b.bufferFor(key); buf != nil {
		buf.Add(key, value)
		return nil
	}
	return b.raw.Put(ctx, key, value)
}

func (b *branchStore) Delete(ctx context.Context, key string) error {
	if buf := b.bufferFor(key); buf != nil {
		buf.Drop(key)
	}
	return b.raw.Delete(ctx, key)
}

func (b *branchStore) List(ctx context.Context, prefix string, maxKeys int, cursor string) ([]string, string, error) {
	return b.raw.List(ctx, prefix, maxKeys, cursor)
}

func (b *branchStore) BatchGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	return b.raw.BatchGet(ctx, keys)
}
