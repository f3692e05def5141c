// Package branch implements the copy-on-write branch overlay and entity
// versioning from spec.md §4.8: reads on a branch fall through to its
// parent recursively to main, writes always land on the current branch,
// and deletes on a non-main branch record a tombstone rather than
// removing the parent's copy.
package branch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/liliang-cn/triplestore/pkg/kv"
)

// ErrUnknownBranch is returned when an operation names a branch with no
// recorded metadata (never created via CreateBranch).
var ErrUnknownBranch = errors.New("branch: unknown branch")

// tombstone marks a key deleted on the branch it's written to, stopping
// the fallthrough to the parent branch rather than exposing the
// parent's (stale) value.
var tombstoneMarker = []byte("\x00branch-tombstone")

func isTombstone(data []byte) bool {
	return len(data) == len(tombstoneMarker) && string(data) == string(tombstoneMarker)
}

// meta is the persisted branch record: its parent and creation time; the
// chain to main is reconstructed by walking parents.
type meta struct {
	Parent    string    `json:"parent"`
	CreatedAt time.Time `json:"createdAt"`
}

func metaKey(branch string) string { return kv.PrefixBranchMeta + branch }

// Overlay resolves reads/writes through the branch hierarchy over a
// single underlying KV façade.
type Overlay struct {
	store kv.Store
}

// NewOverlay returns an overlay over store. The main branch always
// exists implicitly; no metadata record is needed for it.
func NewOverlay(store kv.Store) *Overlay {
	return &Overlay{store: store}
}

// CreateBranch records branch as a child of parent. parent must already
// exist (main always does).
func (o *Overlay) CreateBranch(ctx context.Context, branchName, parent string) error {
	if parent != kv.MainBranch {
		if _, ok, err := o.store.Get(ctx, metaKey(parent)); err != nil {
			return fmt.Errorf("branch create %s: %w", branchName, err)
		} else if !ok {
			return fmt.Errorf("branch create %s: %w: %s", branchName, ErrUnknownBranch, parent)
		}
	}
	data, err := json.Marshal(meta{Parent: parent, CreatedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("branch create %s: %w", branchName, err)
	}
	return o.store.Put(ctx, metaKey(branchName), data)
}

// chain returns [branchName, parent, ..., main].
func (o *Overlay) chain(ctx context.Context, branchName string) ([]string, error) {
	chain := []string{branchName}
	cur := branchName
	for cur != kv.MainBranch {
		data, ok, err := o.store.Get(ctx, metaKey(cur))
		if err != nil {
			return nil, fmt.Errorf("branch chain %s: %w", branchName, err)
		}
		if !ok {
			return nil, fmt.Errorf("branch chain %s: %w: %s", branchName, ErrUnknownBranch, cur)
		}
		var m meta
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("branch chain %s: corrupt metadata for %s: %w", branchName, cur, err)
		}
		chain = append(chain, m.Parent)
		cur = m.Parent
	}
	return chain, nil
}

// Get resolves key on branchName, falling through to ancestor branches
// until a value, a tombstone, or main's absence is found.
func (o *Overlay) Get(ctx context.Context, branchName, key string) ([]byte, bool, error) {
	chain, err := o.chain(ctx, branchName)
	if err != nil {
		return nil, false, err
	}
	for _, b := range chain {
		data, ok, err := o.store.Get(ctx, kv.BranchKey(b, key))
		if err != nil {
			return nil, false, err
		}
		if !ok {
			continue
		}
		if isTombstone(data) {
			return nil, false, nil
		}
		return data, true, nil
	}
	return nil, false, nil
}

// Put always writes under branchName, never its ancestors (copy-on-write).
func (o *Overlay) Put(ctx context.Context, branchName, key string, value []byte) error {
	return o.store.Put(ctx, kv.BranchKey(branchName, key), value)
}

// Delete removes key outright on main, or records a tombstone on any
// other branch so the parent's value stops being visible through it.
func (o *Overlay) Delete(ctx context.Context, branchName, key string) error {
	if branchName == kv.MainBranch {
		return o.store.Delete(ctx, key)
	}
	return o.store.Put(ctx, kv.BranchKey(branchName, key), tombstoneMarker)
}

// Exists reports whether branchName has a recorded metadata entry (main
// always exists implicitly).
func (o *Overlay) Exists(ctx context.Context, branchName string) (bool, error) {
	if branchName == kv.MainBranch {
		return true, nil
	}
	_, ok, err := o.store.Get(ctx, metaKey(branchName))
	return ok, err
}

// List merges key listings across branchName's fallthrough chain: a
// logical key decided by a nearer branch (including as a tombstone)
// shadows the same key on an ancestor, same as Get. Unlike the raw KV
// façade's List, this returns the full merged key set in one call rather
// than paginating page-by-page through each chain layer — its callers are
// index rebuilds at checkout/fork time, not a caller-facing mass scan.
func (o *Overlay) List(ctx context.Context, branchName, prefix string) ([]string, error) {
	chain, err := o.chain(ctx, branchName)
	if err != nil {
		return nil, err
	}

	resolved := make(map[string]bool) // logical key -> live (true) or tombstoned (false)
	for _, b := range chain {
		rootedPrefix := kv.BranchKey(b, prefix)
		rootedKeys, err := o.listAllKeys(ctx, rootedPrefix)
		if err != nil {
			return nil, fmt.Errorf("branch list %s: %w", branchName, err)
		}
		if len(rootedKeys) == 0 {
			continue
		}
		values, err := o.store.BatchGet(ctx, rootedKeys)
		if err != nil {
			return nil, fmt.Errorf("branch list %s: %w", branchName, err)
		}
		for _, rootedKey := range rootedKeys {
			logical := prefix + strings.TrimPrefix(rootedKey, rootedPrefix)
			if _, seen := resolved[logical]; seen {
				continue // a nearer branch already decided this key
			}
			resolved[logical] = !isTombstone(values[rootedKey])
		}
	}

	out := make([]string, 0, len(resolved))
	for key, live := range resolved {
		if live {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (o *Overlay) listAllKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	cursor := ""
	for {
		page, next, err := o.store.List(ctx, prefix, 1000, cursor)
		if err != nil {
			return nil, err
		}
		keys = append(keys, page...)
		if next == "" {
			break
		}
		cursor = next
	}
	return keys, nil
}
