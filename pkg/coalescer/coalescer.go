// Package coalescer implements the write buffers and request coalescer
// from spec.md §4.6: a caller's add/update/relate returns as soon as the
// item enters a buffer, with flush triggered by size, byte, or age
// thresholds; concurrent reads for the same key share one underlying
// fetch.
package coalescer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/liliang-cn/triplestore/pkg/kv"
)

// Config tunes the write buffer's flush triggers and flush concurrency.
type Config struct {
	MaxSize          int
	MaxBytes         int64
	MaxAge           time.Duration
	FlushConcurrency int
}

// DefaultConfig returns spec.md §4.6's defaults: 500 items, 1 MiB, 250ms.
func DefaultConfig() Config {
	return Config{MaxSize: 500, MaxBytes: 1 << 20, MaxAge: 250 * time.Millisecond, FlushConcurrency: 8}
}

// Logger is the minimal logging surface write-buffer flush failures use.
type Logger interface {
	Warn(msg string, kv ...any)
}

type nopLogger struct{}

func (nopLogger) Warn(string, ...any) {}

// WriteBuffer batches point-puts to a single KV prefix family (nouns or
// verbs have separate buffers per spec.md §4.6) and flushes them in the
// background once a size, byte, or age threshold is crossed.
type WriteBuffer struct {
	mu      sync.Mutex
	store   kv.Store
	config  Config
	logger  Logger
	pending map[string][]byte
	bytes   int64
	timer   *time.Timer
	closed  bool
}

// NewWriteBuffer returns a buffer that flushes point-puts to store.
func NewWriteBuffer(store kv.Store, config Config, logger Logger) *WriteBuffer {
	if logger == nil {
		logger = nopLogger{}
	}
	return &WriteBuffer{store: store, config: config, logger: logger, pending: make(map[string][]byte)}
}

// Add buffers key=value, replacing any unflushed value already buffered
// for key, and returns once it has entered the buffer. It triggers an
// asynchronous flush if the size or byte threshold is now reached, and
// arms the age timer on the first item added to an empty buffer.
func (b *WriteBuffer) Add(key string, value []byte) {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.armTimer()
	}
	if old, exists := b.pending[key]; exists {
		b.bytes -= int64(len(old))
	}
	b.pending[key] = value
	b.bytes += int64(len(value))

	overflow := len(b.pending) >= b.config.MaxSize || b.bytes >= b.config.MaxBytes
	b.mu.Unlock()

	if overflow {
		go func() {
			if err := b.Flush(context.Background()); err != nil {
				b.logger.Warn("write buffer flush failed", "err", err)
			}
		}()
	}
}

func (b *WriteBuffer) armTimer() {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.config.MaxAge, func() {
		if err := b.Flush(context.Background()); err != nil {
			b.logger.Warn("write buffer age-triggered flush failed", "err", err)
		}
	})
}

// Flush issues batch point-puts for everything currently buffered, with
// bounded concurrency (spec.md §4.6: "batch point-puts with bounded
// concurrency").
func (b *WriteBuffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := b.pending
	b.pending = make(map[string][]byte)
	b.bytes = 0
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	concurrency := b.config.FlushConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)
	for key, value := range batch {
		key, value := key, value
		group.Go(func() error {
			if err := b.store.Put(gctx, key, value); err != nil {
				return fmt.Errorf("write buffer flush %s: %w", key, err)
			}
			return nil
		})
	}
	return group.Wait()
}

// Close flushes any remaining buffered items and stops the age timer.
func (b *WriteBuffer) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return b.Flush(ctx)
}

// Len returns the number of items currently buffered (not yet flushed).
func (b *WriteBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Peek returns the not-yet-flushed value buffered for key, if any, so a
// caller reading immediately after a buffered write observes it without
// waiting for the next flush.
func (b *WriteBuffer) Peek(key string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.pending[key]
	return v, ok
}

// Drop discards any unflushed value buffered for key, so a subsequent
// delete of that key isn't resurrected by a stale pending write on the
// next flush.
func (b *WriteBuffer) Drop(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.pending[key]; ok {
		b.bytes -= int64(len(old))
		delete(b.pending, key)
	}
}

// ReadCoalescer shares one underlying fetch across concurrent Get calls
// for the same key (spec.md §4.6's "coalescing window"), backed by
// golang.org/x/sync/singleflight: any Get that arrives while an
// identical in-flight fetch is already running attaches to it instead of
// issuing a second KV round-trip.
type ReadCoalescer struct {
	store kv.Store
	group singleflight.Group
}

// NewReadCoalescer returns a coalescer over store.
func NewReadCoalescer(store kv.Store) *ReadCoalescer {
	return &ReadCoalescer{store: store}
}

type getResult struct {
	value []byte
	ok    bool
}

// Get fetches key, coalescing with any identical concurrent fetch.
func (r *ReadCoalescer) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err, _ := r.group.Do(key, func() (any, error) {
		value, ok, err := r.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		return getResult{value: value, ok: ok}, nil
	})
	if err != nil {
		return nil, false, err
	}
	res := v.(getResult)
	return res.value, res.ok, nil
}
