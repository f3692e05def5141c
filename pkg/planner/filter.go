package planner

import (
	"context"
	"fmt"

	"github.com/liliang-cn/triplestore/pkg/minvert"
)

// MetadataFetcher hydrates the raw metadata fields for a single
// entity, used to post-filter range queries at the temporal bucket's
// edge (minvert's bucket bitmaps only guarantee 1-minute granularity).
type MetadataFetcher func(ctx context.Context, id string) (map[string]any, bool, error)

func toIDSet(ids []uint32) map[uint32]bool {
	set := make(map[uint32]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func intersect(a, b map[uint32]bool) map[uint32]bool {
	if len(a) == 0 || len(b) == 0 {
		return map[uint32]bool{}
	}
	small, big := a, b
	if len(big) < len(small) {
		small, big = big, small
	}
	out := make(map[uint32]bool, len(small))
	for id := range small {
		if big[id] {
			out[id] = true
		}
	}
	return out
}

func union(a, b map[uint32]bool) map[uint32]bool {
	out := make(map[uint32]bool, len(a)+len(b))
	for id := range a {
		out[id] = true
	}
	for id := range b {
		out[id] = true
	}
	return out
}

func numberOf(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func stringOf(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// evalFilter resolves node against the metadata index, returning the
// set of matching integer ids. Range leaves (greaterThan/lessThan/
// between) are bucket-matched by minvert and then post-filtered
// against hydrated raw values, since a 1-minute bucket only guarantees
// coarse membership.
func evalFilter(ctx context.Context, idx *minvert.Index, fetch MetadataFetcher, resolve func(uint32) (string, bool), node FilterNode) (map[uint32]bool, error) {
	switch {
	case node.Leaf != nil:
		return evalLeaf(ctx, idx, fetch, resolve, *node.Leaf)
	case len(node.All) > 0:
		var acc map[uint32]bool
		for i, child := range node.All {
			ids, err := evalFilter(ctx, idx, fetch, resolve, child)
			if err != nil {
				return nil, err
			}
			if i == 0 {
				acc = ids
				continue
			}
			acc = intersect(acc, ids)
			if len(acc) == 0 {
				return acc, nil
			}
		}
		return acc, nil
	case len(node.Any) > 0:
		acc := map[uint32]bool{}
		for _, child := range node.Any {
			ids, err := evalFilter(ctx, idx, fetch, resolve, child)
			if err != nil {
				return nil, err
			}
			acc = union(acc, ids)
		}
		return acc, nil
	default:
		return map[uint32]bool{}, nil
	}
}

func evalLeaf(ctx context.Context, idx *minvert.Index, fetch MetadataFetcher, resolve func(uint32) (string, bool), leaf FilterLeaf) (map[uint32]bool, error) {
	switch leaf.Op {
	case OpEquals:
		s, ok := stringOf(leaf.Value)
		if !ok {
			s = fmt.Sprintf("%v", leaf.Value)
		}
		return toIDSet(idx.GetIds(leaf.Field, s)), nil

	case OpOneOf:
		acc := map[uint32]bool{}
		for _, v := range leaf.Values {
			s, ok := stringOf(v)
			if !ok {
				s = fmt.Sprintf("%v", v)
			}
			acc = union(acc, toIDSet(idx.GetIds(leaf.Field, s)))
		}
		return acc, nil

	case OpGreaterThan, OpLessThan, OpBetween:
		from, to := rangeBounds(leaf)
		candidates := idx.GetIdsInRange(leaf.Field, from, to)
		if fetch == nil {
			return toIDSet(candidates), nil
		}
		return postFilterRange(ctx, fetch, resolve, leaf, candidates)

	default:
		return map[uint32]bool{}, fmt.Errorf("planner: unknown filter op %q", leaf.Op)
	}
}

func rangeBounds(leaf FilterLeaf) (from, to int64) {
	const maxMillis = int64(1) << 62
	from, to = -maxMillis, maxMillis
	if leaf.Op == OpGreaterThan || leaf.Op == OpBetween {
		if n, ok := numberOf(leaf.From); ok {
			from = int64(n)
		}
	}
	if leaf.Op == OpLessThan || leaf.Op == OpBetween {
		if n, ok := numberOf(leaf.To); ok {
			to = int64(n)
		}
	}
	return from, to
}

func postFilterRange(ctx context.Context, fetch MetadataFetcher, resolve func(uint32) (string, bool), leaf FilterLeaf, candidates []uint32) (map[uint32]bool, error) {
	out := map[uint32]bool{}
	for _, id := range candidates {
		uuid, ok := resolve(id)
		if !ok {
			continue
		}
		fields, ok, err := fetch(ctx, uuid)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		raw, ok := fields[leaf.Field]
		if !ok {
			continue
		}
		n, ok := numberOf(raw)
		if !ok {
			continue
		}
		switch leaf.Op {
		case OpGreaterThan:
			if from, ok := numberOf(leaf.From); ok && n > from {
				out[id] = true
			}
		case OpLessThan:
			if to, ok := numberOf(leaf.To); ok && n < to {
				out[id] = true
			}
		case OpBetween:
			from, okFrom := numberOf(leaf.From)
			to, okTo := numberOf(leaf.To)
			if okFrom && okTo && n >= from && n <= to {
				out[id] = true
			}
		}
	}
	return out, nil
}
