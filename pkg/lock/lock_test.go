package lock

import (
	"context"
	"testing"
	"time"

	"github.com/liliang-cn/triplestore/pkg/kv"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	m := New(store, DefaultConfig())

	value, err := m.Acquire(ctx, "entity-1", time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := m.Release(ctx, "entity-1", value); err != nil {
		t.Fatalf("Release: %v", err)
	}

	_, ok, _ := store.Get(ctx, lockKey("entity-1"))
	if ok {
		t.Fatalf("expected lock record removed after Release")
	}
}

func TestAcquireHeldByOther(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	m := New(store, DefaultConfig())

	if _, err := m.Acquire(ctx, "entity-1", time.Minute); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	if _, err := m.Acquire(ctx, "entity-1", time.Minute); err != ErrHeld {
		t.Fatalf("expected ErrHeld, got %v", err)
	}
}

func TestAcquireExpiredLeaseReclaimable(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	m := New(store, DefaultConfig())

	if _, err := m.Acquire(ctx, "entity-1", time.Millisecond); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := m.Acquire(ctx, "entity-1", time.Minute); err != nil {
		t.Fatalf("expected reclaim of expired lease, got %v", err)
	}
}

func TestReleaseWithStaleLockValueIsNoop(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	m := New(store, DefaultConfig())

	if _, err := m.Acquire(ctx, "entity-1", time.Millisecond); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	newValue, err := m.Acquire(ctx, "entity-1", time.Minute)
	if err != nil {
		t.Fatalf("reclaim Acquire: %v", err)
	}

	if err := m.Release(ctx, "entity-1", "stale-value"); err != nil {
		t.Fatalf("Release with stale value: %v", err)
	}
	_, ok, _ := store.Get(ctx, lockKey("entity-1"))
	if !ok {
		t.Fatalf("expected current lock to survive a release with a stale lockValue")
	}

	if err := m.Release(ctx, "entity-1", newValue); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	m := New(store, DefaultConfig())

	if _, err := m.Acquire(ctx, "entity-1", time.Millisecond); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := m.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	_, ok, _ := store.Get(ctx, lockKey("entity-1"))
	if ok {
		t.Fatalf("expected expired lock swept")
	}
}
