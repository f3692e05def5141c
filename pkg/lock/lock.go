// Package lock implements the distributed cooperative lock that protects
// concurrent writers to the same noun/verb across processes and branches,
// since pkg/kv's backends (disk, SQLite, S3) have no native lease primitive
// of their own.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/liliang-cn/triplestore/pkg/kv"
)

// ErrHeld is returned by Acquire when the lock is currently held by another
// owner and has not expired.
var ErrHeld = errors.New("lock: held by another owner")

// Config tunes the background sweep cadence. Lease TTL is supplied per call
// to Acquire, not fixed here, since callers hold locks of very different
// expected durations (a single metadata write vs. a whole rebuild).
type Config struct {
	SweepEvery time.Duration
}

// DefaultConfig matches the teacher's DefaultConfig convention.
func DefaultConfig() Config {
	return Config{SweepEvery: 30 * time.Second}
}

type record struct {
	LockValue string    `json:"lockValue"`
	ExpiresAt time.Time `json:"expiresAt"`
	PID       int       `json:"pid"`
	Timestamp time.Time `json:"timestamp"`
}

// Manager grants short leases over keys in the `_system/locks/` namespace
// (kv.PrefixLocks), which is never branch-rooted: a lock on a name is
// global across all branches.
type Manager struct {
	store  kv.Store
	config Config
}

// New returns a lock Manager bound to store.
func New(store kv.Store, config Config) *Manager {
	return &Manager{store: store, config: config}
}

func lockKey(name string) string {
	return kv.PrefixLocks + name
}

// Acquire reads `_system/locks/<name>`; if absent or expired (expiresAt <=
// now), writes a new record with a random lockValue and expiresAt = now +
// ttl, returning that lockValue. A last-writer-wins race is tolerated: two
// concurrent callers can both observe an expired/absent record and both
// succeed, each believing it holds the lock. Callers must treat the
// protected section as idempotent under that race (spec.md's statistics
// merges are commutative; metadata writes are last-writer-wins).
func (m *Manager) Acquire(ctx context.Context, name string, ttl time.Duration) (lockValue string, err error) {
	key := lockKey(name)
	data, ok, err := m.store.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("lock acquire %s: %w", name, err)
	}
	if ok {
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return "", fmt.Errorf("lock acquire %s: corrupt record: %w", name, err)
		}
		if time.Now().Before(rec.ExpiresAt) {
			return "", ErrHeld
		}
	}

	value := uuid.NewString()
	now := time.Now()
	rec := record{LockValue: value, ExpiresAt: now.Add(ttl), PID: os.Getpid(), Timestamp: now}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("lock acquire %s: %w", name, err)
	}
	if err := m.store.Put(ctx, key, encoded); err != nil {
		return "", fmt.Errorf("lock acquire %s: %w", name, err)
	}
	return value, nil
}

// Release deletes the record at name only if its stored lockValue matches,
// so a caller whose lease already expired and was reclaimed by someone else
// can't accidentally release the new owner's lock.
func (m *Manager) Release(ctx context.Context, name, lockValue string) error {
	key := lockKey(name)
	data, ok, err := m.store.Get(ctx, key)
	if err != nil || !ok {
		return err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil
	}
	if rec.LockValue != lockValue {
		return nil
	}
	return m.store.Delete(ctx, key)
}

// WithLock acquires name for ttl, runs fn, and releases it afterward
// regardless of fn's outcome. If acquisition fails because the lock is
// held, ErrHeld is returned and fn does not run.
func (m *Manager) WithLock(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) error {
	value, err := m.Acquire(ctx, name, ttl)
	if err != nil {
		return err
	}
	defer m.Release(ctx, name, value)
	return fn(ctx)
}

// Sweep deletes lock records whose expiresAt is in the past.
func (m *Manager) Sweep(ctx context.Context) error {
	cursor := ""
	for {
		keys, next, err := m.store.List(ctx, kv.PrefixLocks, 200, cursor)
		if err != nil {
			return fmt.Errorf("lock sweep: %w", err)
		}
		for _, key := range keys {
			data, ok, err := m.store.Get(ctx, key)
			if err != nil || !ok {
				continue
			}
			var rec record
			if err := json.Unmarshal(data, &rec); err != nil {
				continue
			}
			if time.Now().After(rec.ExpiresAt) {
				_ = m.store.Delete(ctx, key)
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}
	return nil
}

// Run starts a background sweep loop that stops when ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = m.Sweep(ctx)
		}
	}
}
