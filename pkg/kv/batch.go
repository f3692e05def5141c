package kv

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// pointGetter is the single-key primitive every adapter already exposes as
// Get; BatchBySizingPolicy implements the §4.1 batch-read policy generically
// so each adapter only has to provide Get, List and (optionally) a faster
// native batch path.
type pointGetter func(ctx context.Context, key string) ([]byte, bool, error)

// BatchBySizingPolicy implements spec.md §4.1's batch-read sizing policy:
//   - <=10 ids: parallel point gets bounded by a semaphore of 50.
//   - 11-1000: chunk into groups of min(50, ceil(n/10)) and run with a
//     semaphore of min(5, chunks).
//   - >1000: delegate to a caller-supplied scan (list + hash-set filter)
//     and return its result as is; with no scan, run chunks of 50 keys
//     with a semaphore of 5.
func BatchBySizingPolicy(ctx context.Context, keys []string, get pointGetter, scan func(ctx context.Context, keys []string) (map[string][]byte, error)) (map[string][]byte, error) {
	n := len(keys)
	switch {
	case n == 0:
		return map[string][]byte{}, nil
	case n <= 10:
		return parallelPointGets(ctx, keys, get, 50)
	case n <= 1000:
		chunkSize := min(50, ceilDiv(n, 10))
		chunks := chunkKeys(keys, chunkSize)
		return parallelChunkedGets(ctx, chunks, get, min(5, len(chunks)))
	default:
		if scan != nil {
			return scan(ctx, keys)
		}
		chunkSize := 50
		chunks := chunkKeys(keys, chunkSize)
		return parallelChunkedGets(ctx, chunks, get, 5)
	}
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}

func chunkKeys(keys []string, size int) [][]string {
	if size < 1 {
		size = 1
	}
	var chunks [][]string
	for i := 0; i < len(keys); i += size {
		end := i + size
		if end > len(keys) {
			end = len(keys)
		}
		chunks = append(chunks, keys[i:end])
	}
	return chunks
}

func parallelPointGets(ctx context.Context, keys []string, get pointGetter, maxConcurrent int) (map[string][]byte, error) {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	results := make(map[string][]byte, len(keys))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)

	for _, key := range keys {
		g.Go(func() error {
			val, ok, err := get(gctx, key)
			if err != nil {
				return err
			}
			if ok {
				mu.Lock()
				results[key] = val
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// parallelChunkedGets runs each chunk's point-gets serially within the
// chunk (mirroring a single logical "batch request" per chunk) while
// running up to maxConcurrent chunks at once.
func parallelChunkedGets(ctx context.Context, chunks [][]string, get pointGetter, maxConcurrent int) (map[string][]byte, error) {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	results := make(map[string][]byte)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)

	for _, chunk := range chunks {
		g.Go(func() error {
			local := make(map[string][]byte, len(chunk))
			for _, key := range chunk {
				val, ok, err := get(gctx, key)
				if err != nil {
					return err
				}
				if ok {
					local[key] = val
				}
			}
			mu.Lock()
			for k, v := range local {
				results[k] = v
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
