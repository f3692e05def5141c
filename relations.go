package triplestore

import (
	"context"
	"fmt"
	"time"

	"github.com/liliang-cn/triplestore/pkg/changelog"
	"github.com/liliang-cn/triplestore/pkg/entity"
	"github.com/liliang-cn/triplestore/pkg/graph"
	"github.com/liliang-cn/triplestore/pkg/kv"
)

// Relate creates a directed, typed edge from->to, deriving the verb's
// own search vector (embedded when an Embedder is configured, otherwise
// a deterministic pseudo-random unit vector) so the relationship itself
// is HNSW-searchable. Returns the new verb's id.
func (s *Store) Relate(ctx context.Context, from, to string, verbType entity.VerbType, weight float64, metadata map[string]any) (string, error) {
	if err := s.checkReady(); err != nil {
		return "", err
	}

	item := RelateItem{From: from, To: to, Type: verbType, Weight: weight, Metadata: metadata}
	rewritten, err := s.hooks.RunPreMutation(ctx, "relate", item)
	if err != nil {
		return "", wrapError("relate", err)
	}
	item = rewritten.(RelateItem)

	bs, err := s.branch(ctx, s.currentBranch())
	if err != nil {
		return "", wrapError("relate", err)
	}

	if _, ok, err := bs.kv.Get(ctx, nounMetaKey(item.From)); err != nil {
		return "", wrapError("relate", err)
	} else if !ok {
		return "", newError("relate", CodeNotFound, fmt.Errorf("source %s: %w", item.From, ErrNotFound))
	}
	if _, ok, err := bs.kv.Get(ctx, nounMetaKey(item.To)); err != nil {
		return "", wrapError("relate", err)
	} else if !ok {
		return "", newError("relate", CodeNotFound, fmt.Errorf("target %s: %w", item.To, ErrNotFound))
	}

	weightVal := s.verbBudget.AcquireWeight()
	if err := s.verbBudget.Acquire(ctx); err != nil {
		return "", wrapError("relate", err)
	}
	defer s.verbBudget.Release(weightVal)

	id := newID()
	now := time.Now().UTC()
	vm := entity.VerbMetadata{ID: id, SourceID: item.From, TargetID: item.To, Verb: item.Type, Weight: item.Weight, Metadata: item.Metadata, CreatedAt: now, UpdatedAt: now}
	if err := vm.Validate(); err != nil {
		return "", newError("relate", CodeInvalidArgument, err)
	}

	data, err := entity.EncodeVerbMetadata(vm)
	if err != nil {
		s.verbBudget.RecordError()
		return "", wrapError("relate", err)
	}
	if err := bs.kv.Put(ctx, kv.PrefixVerbMeta+id, data); err != nil {
		s.verbBudget.RecordError()
		return "", wrapError("relate", err)
	}

	vector := s.deriveVerbVector(ctx, id, item.Type, item.Metadata)
	if err := bs.verbIdx.Insert(ctx, id, vector); err != nil {
		s.verbBudget.RecordError()
		return "", wrapError("relate", err)
	}

	bs.graphIdx.Relate(vm)

	intID := bs.ids.GetOrAssign(id)
	fields := verbMetadataFields(vm)
	bs.metaIdx.Add(intID, fields)
	for _, v := range fields {
		if text, ok := v.(string); ok {
			bs.metaIdx.IndexText(intID, text)
		}
	}

	if err := s.changelog.Append(ctx, changelog.OpAddVerb, id); err != nil {
		s.logger.Warn("triplestore: changelog append failed", "op", "relate", "id", id, "error", err)
	}
	bs.stats.IncrEdge(string(item.Type))
	s.verbBudget.RecordSuccess()
	return id, nil
}

// Unrelate removes a verb record, its HNSW entry, and its graph
// adjacency entries.
func (s *Store) Unrelate(ctx context.Context, verbID string) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	if _, err := s.hooks.RunPreMutation(ctx, "unrelate", verbID); err != nil {
		return wrapError("unrelate", err)
	}

	bs, err := s.branch(ctx, s.currentBranch())
	if err != nil {
		return wrapError("unrelate", err)
	}

	data, ok, err := bs.kv.Get(ctx, kv.PrefixVerbMeta+verbID)
	if err != nil {
		return wrapError("unrelate", err)
	}
	if !ok {
		return newError("unrelate", CodeNotFound, fmt.Errorf("verb %s: %w", verbID, ErrNotFound))
	}
	vm, err := entity.DecodeVerbMetadata(data)
	if err != nil {
		return wrapError("unrelate", err)
	}

	if err := bs.verbIdx.Delete(ctx, verbID); err != nil {
		return wrapError("unrelate", err)
	}
	bs.graphIdx.Unrelate(vm)
	if intID, ok := bs.ids.Lookup(verbID); ok {
		bs.metaIdx.Remove(intID, verbMetadataFields(vm))
	}
	if err := bs.kv.Delete(ctx, kv.PrefixVerbMeta+verbID); err != nil {
		return wrapError("unrelate", err)
	}

	if err := s.changelog.Append(ctx, changelog.OpDeleteVerb, verbID); err != nil {
		s.logger.Warn("triplestore: changelog append failed", "op", "unrelate", "id", verbID, "error", err)
	}
	return nil
}

// RelateMany creates each edge independently.
func (s *Store) RelateMany(ctx context.Context, items []RelateItem) []BatchResult {
	out := make([]BatchResult, len(items))
	for i, item := range items {
		id, err := s.Relate(ctx, item.From, item.To, item.Type, item.Weight, item.Metadata)
		out[i] = BatchResult{ID: id, Err: err}
	}
	return out
}

// GetRelations resolves the edges matching q: From or To selects the
// anchor node (From wins when both are set), Type optionally filters by
// verb type, and Direction selects which side's edges to return (default
// both when From is set, incoming when only To is set). Returns one
// Relation per matching edge, hydrated from its verb record.
func (s *Store) GetRelations(ctx context.Context, q RelationQuery) ([]Relation, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	bs, err := s.branch(ctx, s.currentBranch())
	if err != nil {
		return nil, wrapError("getRelations", err)
	}

	anchor := q.From
	dir := q.Direction
	if anchor == "" {
		anchor = q.To
		if dir == "" {
			dir = graph.DirIn
		}
	}
	if anchor == "" {
		return nil, newError("getRelations", CodeInvalidArgument, fmt.Errorf("from or to is required"))
	}

	edges := bs.graphIdx.Neighbors(anchor, dir, q.Type)
	out := make([]Relation, 0, len(edges))
	for _, e := range edges {
		data, ok, err := bs.kv.Get(ctx, kv.PrefixVerbMeta+e.VerbID)
		if err != nil {
			return nil, wrapError("getRelations", err)
		}
		if !ok {
			continue
		}
		vm, err := entity.DecodeVerbMetadata(data)
		if err != nil {
			return nil, wrapError("getRelations", err)
		}
		out = append(out, Relation{ID: vm.ID, From: vm.SourceID, To: vm.TargetID, Type: vm.Verb, Weight: vm.Weight, Metadata: vm.Metadata, CreatedAt: vm.CreatedAt, UpdatedAt: vm.UpdatedAt})
	}

	result := s.hooks.RunPostRead(ctx, "getRelations", out)
	return result.([]Relation), nil
}
