// Package hooks implements the augmentation bus spec.md §9 describes:
// a pre-mutation interceptor chain and a post-read rewriter chain,
// both ordered by priority. Registration is an external concern; this
// package only runs what's registered and tolerates hook failure by
// logging and continuing rather than failing the caller's operation.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrRejected is returned by RunPreMutation when a hook deliberately
// rejects a mutation (as opposed to failing unexpectedly, which is
// tolerated and logged instead).
var ErrRejected = errors.New("hooks: mutation rejected")

// Logger is the minimal logging surface hook failures use.
type Logger interface {
	Warn(msg string, kv ...any)
}

type nopLogger struct{}

func (nopLogger) Warn(string, ...any) {}

// PreMutationFunc inspects or rewrites the parameters of a mutating
// operation before it runs. Returning accept=false deliberately rejects
// the operation; returning a non-nil error signals the hook itself
// malfunctioned and is tolerated (logged, original params kept, chain
// continues).
type PreMutationFunc func(ctx context.Context, op string, params any) (rewritten any, accept bool, err error)

// PostReadFunc rewrites the results of a read operation after it runs.
// A non-nil error is tolerated the same way: logged, original results
// kept, chain continues.
type PostReadFunc func(ctx context.Context, op string, results any) (rewritten any, err error)

// Hook is one registered augmentation, ordered by Priority (ascending;
// lower runs first). Either PreMutation or PostRead (or both) may be
// set.
type Hook struct {
	Name        string
	Priority    int
	PreMutation PreMutationFunc
	PostRead    PostReadFunc
}

// Bus runs registered hooks in priority order.
type Bus struct {
	mu     sync.RWMutex
	hooks  []Hook
	logger Logger
}

// New returns an empty Bus. logger may be nil, in which case hook
// failures are silently swallowed instead of logged.
func New(logger Logger) *Bus {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Bus{logger: logger}
}

// Register adds h to the bus, keeping hooks sorted by ascending
// priority. Safe for concurrent use.
func (b *Bus) Register(h Hook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = append(b.hooks, h)
	sort.SliceStable(b.hooks, func(i, j int) bool { return b.hooks[i].Priority < b.hooks[j].Priority })
}

func (b *Bus) snapshot() []Hook {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Hook, len(b.hooks))
	copy(out, b.hooks)
	return out
}

// RunPreMutation runs every registered PreMutation hook in priority
// order, threading the (possibly rewritten) params through the chain.
// A hook that deliberately rejects aborts the chain and returns
// ErrRejected wrapping the hook's name; a hook that errors instead is
// logged and skipped, keeping the params as they were before it ran.
func (b *Bus) RunPreMutation(ctx context.Context, op string, params any) (any, error) {
	for _, h := range b.snapshot() {
		if h.PreMutation == nil {
			continue
		}
		rewritten, accept, err := h.PreMutation(ctx, op, params)
		if err != nil {
			b.logger.Warn("hooks: pre-mutation hook failed, continuing", "hook", h.Name, "op", op, "error", err)
			continue
		}
		if !accept {
			return params, fmt.Errorf("%w: hook %q rejected op %q", ErrRejected, h.Name, op)
		}
		params = rewritten
	}
	return params, nil
}

// RunPostRead runs every registered PostRead hook in priority order,
// threading the (possibly rewritten) results through the chain. A
// failing hook is logged and skipped; RunPostRead itself never fails
// the caller's read.
func (b *Bus) RunPostRead(ctx context.Context, op string, results any) any {
	for _, h := range b.snapshot() {
		if h.PostRead == nil {
			continue
		}
		rewritten, err := h.PostRead(ctx, op, results)
		if err != nil {
			b.logger.Warn("hooks: post-read hook failed, continuing", "hook", h.Name, "op", op, "error", err)
			continue
		}
		results = rewritten
	}
	return results
}
