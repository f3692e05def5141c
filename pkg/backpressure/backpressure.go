// Package backpressure implements the admission controller from
// spec.md §4.7: rolling heap/error health tracking drives dynamic batch
// sizing and a weighted semaphore, plus the smart delay/retry schedule
// for throttled and transient KV errors.
package backpressure

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/liliang-cn/triplestore/pkg/kv"
)

// Config tunes the controller's thresholds and schedules.
type Config struct {
	BaseBatchSize int
	MaxConcurrent int64

	HeapThreshold   float64 // fraction of HeapLimitBytes, default 0.8
	HeapLimitBytes  uint64
	ErrorThreshold  int // consecutive errors before degrading
	RecoveryWindow  time.Duration
	VolumeThreshold float64 // buffered items/sec over the volume window

	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultConfig returns spec.md §4.7's defaults.
func DefaultConfig() Config {
	return Config{
		BaseBatchSize:   500,
		MaxConcurrent:   32,
		HeapThreshold:   0.8,
		HeapLimitBytes:  1 << 30,
		ErrorThreshold:  3,
		RecoveryWindow:  10 * time.Second,
		VolumeThreshold: 2000,
		BaseDelay:       100 * time.Millisecond,
		MaxDelay:        30 * time.Second,
		MaxAttempts:     5,
	}
}

// HeapReader returns the current fraction of the configured heap limit in
// use, 0..1+. Overridable for tests; defaults to runtime.MemStats.
type HeapReader func() float64

// Controller is the admission controller: one instance guards a single
// family of batched operations (e.g. noun writes), shrinking/growing its
// batch size and semaphore capacity as heap pressure and error rate
// change.
type Controller struct {
	mu     sync.Mutex
	config Config
	sem    *semaphore.Weighted
	heap   HeapReader

	batchSize         int
	consecutiveErrors int
	healthySince      time.Time
	degraded          bool

	highVolume       bool
	throughputWindow time.Time
	throughputCount  int
}

// New returns a controller at full health (batchSize = BaseBatchSize).
// heap defaults to a runtime.MemStats-based reader when nil.
func New(config Config, heap HeapReader) *Controller {
	if heap == nil {
		heap = defaultHeapReader(config.HeapLimitBytes)
	}
	return &Controller{
		config:           config,
		sem:              semaphore.NewWeighted(config.MaxConcurrent),
		heap:             heap,
		batchSize:        config.BaseBatchSize,
		healthySince:     time.Time{},
		throughputWindow: time.Time{},
	}
}

// BatchSize returns the currently admitted batch size.
func (c *Controller) BatchSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batchSize
}

// HighVolume reports whether high-volume mode (faster flush, larger
// buffers) is currently active.
func (c *Controller) HighVolume() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.highVolume
}

// Acquire blocks until a semaphore slot is available. The weight
// requested grows as the batch size shrinks, so degraded mode admits
// fewer concurrent operations without changing the semaphore's fixed
// total capacity ("count shrinks proportionally", spec.md §4.7).
func (c *Controller) Acquire(ctx context.Context) error {
	weight := c.acquireWeight()
	return c.sem.Acquire(ctx, weight)
}

// Release returns the slot most recently acquired via Acquire. Callers
// must pair each Acquire with exactly one Release using the same
// weight Acquire requested (read it with AcquireWeight); Acquire itself
// recomputes that weight internally rather than returning it.
func (c *Controller) Release(weight int64) {
	c.sem.Release(weight)
}

// AcquireWeight exposes the weight Acquire will request right now, so a
// caller can pass the same value back to Release.
func (c *Controller) AcquireWeight() int64 {
	return c.acquireWeight()
}

func (c *Controller) acquireWeight() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.batchSize <= 0 || c.batchSize >= c.config.BaseBatchSize {
		return 1
	}
	ratio := float64(c.config.BaseBatchSize) / float64(c.batchSize)
	return int64(math.Ceil(ratio))
}

// RecordSuccess marks an operation as healthy, counting toward the
// recovery window that doubles the batch size back up.
func (c *Controller) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveErrors = 0
	c.reconcileLocked()
}

// RecordError marks an operation as failed, counting toward the error
// threshold that halves the batch size.
func (c *Controller) RecordError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveErrors++
	c.healthySince = time.Time{}
	c.reconcileLocked()
}

func (c *Controller) reconcileLocked() {
	heapFrac := c.heap()
	unhealthy := heapFrac > c.config.HeapThreshold || c.consecutiveErrors > c.config.ErrorThreshold

	floor := c.config.BaseBatchSize / 8
	if floor < 1 {
		floor = 1
	}

	if unhealthy {
		c.degraded = true
		c.healthySince = time.Time{}
		if c.batchSize > floor {
			c.batchSize = maxInt(c.batchSize/2, floor)
		}
		return
	}

	if !c.degraded {
		return
	}
	if c.healthySince.IsZero() {
		c.healthySince = time.Now()
		return
	}
	if time.Since(c.healthySince) < c.config.RecoveryWindow {
		return
	}
	c.batchSize = minInt(c.batchSize*2, c.config.BaseBatchSize)
	c.healthySince = time.Now()
	if c.batchSize >= c.config.BaseBatchSize {
		c.degraded = false
	}
}

// RecordThroughput feeds the number of items that entered a buffer since
// the last call, driving high-volume mode on/off symmetrically once
// sustained throughput crosses VolumeThreshold per second.
func (c *Controller) RecordThroughput(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if c.throughputWindow.IsZero() {
		c.throughputWindow = now
	}
	c.throughputCount += n

	elapsed := now.Sub(c.throughputWindow)
	if elapsed < time.Second {
		return
	}
	rate := float64(c.throughputCount) / elapsed.Seconds()
	c.highVolume = rate > c.config.VolumeThreshold
	c.throughputWindow = now
	c.throughputCount = 0
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// SmartDelay computes how long to sleep before retry attempt (0-indexed)
// given the failure's Class, per spec.md §4.7: throttled errors back off
// exponentially (`min(maxDelay, baseDelay*2^attempt+jitter)`), transient
// errors use a shorter linear schedule, permanent errors are never
// retried. ok is false once attempt has reached MaxAttempts or the class
// is not retryable.
func (c *Controller) SmartDelay(class kv.Class, attempt int) (delay time.Duration, ok bool) {
	if attempt >= c.config.MaxAttempts {
		return 0, false
	}
	jitter := time.Duration(rand.Int63n(int64(c.config.BaseDelay) + 1))
	switch class {
	case kv.ClassThrottled:
		d := time.Duration(float64(c.config.BaseDelay) * math.Pow(2, float64(attempt)))
		return minDuration(c.config.MaxDelay, d+jitter), true
	case kv.ClassTransient:
		d := c.config.BaseDelay * time.Duration(attempt+1)
		return minDuration(c.config.MaxDelay, d+jitter), true
	default:
		return 0, false
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// Retry runs op, classifying failures via classify, sleeping per
// SmartDelay between attempts, and recording success/error against the
// controller's health tracking as it goes.
func (c *Controller) Retry(ctx context.Context, classify func(error) kv.Class, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := c.Acquire(ctx); err != nil {
			return err
		}
		weight := c.AcquireWeight()
		err := op(ctx)
		c.Release(weight)

		if err == nil {
			c.RecordSuccess()
			return nil
		}
		c.RecordError()
		lastErr = err

		delay, retryable := c.SmartDelay(classify(err), attempt)
		if !retryable {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
