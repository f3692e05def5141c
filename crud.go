package triplestore

import (
	"context"
	"fmt"
	"time"

	"github.com/liliang-cn/triplestore/pkg/cache"
	"github.com/liliang-cn/triplestore/pkg/changelog"
	"github.com/liliang-cn/triplestore/pkg/entity"
	"github.com/liliang-cn/triplestore/pkg/kv"
)

// Add creates a noun with typ, vector and metadata, indexing it in the
// current branch's HNSW and metadata indexes. Returns the new entity's
// id.
func (s *Store) Add(ctx context.Context, typ entity.NounType, vector []float32, metadata map[string]any) (string, error) {
	if err := s.checkReady(); err != nil {
		return "", err
	}
	if !typ.Valid() {
		return "", newError("add", CodeInvalidArgument, fmt.Errorf("unknown noun type %q", typ))
	}
	if err := entity.ValidateVector(vector, s.config.Dim); err != nil {
		return "", newError("add", CodeInvalidArgument, err)
	}

	item := AddItem{Type: typ, Vector: vector, Metadata: metadata}
	rewritten, err := s.hooks.RunPreMutation(ctx, "add", item)
	if err != nil {
		return "", wrapError("add", err)
	}
	item = rewritten.(AddItem)

	bs, err := s.branch(ctx, s.currentBranch())
	if err != nil {
		return "", wrapError("add", err)
	}

	weight := s.nounBudget.AcquireWeight()
	if err := s.nounBudget.Acquire(ctx); err != nil {
		return "", wrapError("add", err)
	}
	defer s.nounBudget.Release(weight)

	id := newID()
	now := time.Now().UTC()
	rec := entity.MetadataRecord{Noun: item.Type, Fields: item.Metadata, CreatedAt: now, UpdatedAt: now}
	data, err := entity.EncodeMetadata(rec)
	if err != nil {
		s.nounBudget.RecordError()
		return "", wrapError("add", err)
	}
	if err := bs.kv.Put(ctx, nounMetaKey(id), data); err != nil {
		s.nounBudget.RecordError()
		return "", wrapError("add", err)
	}

	if err := bs.nounIdx.Insert(ctx, id, item.Vector); err != nil {
		s.nounBudget.RecordError()
		return "", wrapError("add", err)
	}

	intID := bs.ids.GetOrAssign(id)
	fields := nounMetadataFields(rec)
	bs.metaIdx.Add(intID, fields)
	for _, v := range fields {
		if text, ok := v.(string); ok {
			bs.metaIdx.IndexText(intID, text)
		}
	}

	if err := s.changelog.Append(ctx, changelog.OpAddNoun, id); err != nil {
		s.logger.Warn("triplestore: changelog append failed", "op", "add", "id", id, "error", err)
	}
	bs.stats.IncrNode(string(item.Type))
	s.nounBudget.RecordSuccess()

	s.cache.Put(cache.ClassEntity, cacheKey(bs.name, id), Entity{ID: id, Type: item.Type, Vector: item.Vector, Metadata: item.Metadata, CreatedAt: now, UpdatedAt: now})
	return id, nil
}

// Get resolves id's current entity on the current branch, checking the
// entity cache first.
func (s *Store) Get(ctx context.Context, id string) (Entity, error) {
	if err := s.checkReady(); err != nil {
		return Entity{}, err
	}
	bs, err := s.branch(ctx, s.currentBranch())
	if err != nil {
		return Entity{}, wrapError("get", err)
	}
	ent, err := s.getEntity(ctx, bs, id)
	if err != nil {
		return Entity{}, err
	}
	result := s.hooks.RunPostRead(ctx, "get", ent)
	return result.(Entity), nil
}

func (s *Store) getEntity(ctx context.Context, bs *branchState, id string) (Entity, error) {
	key := cacheKey(bs.name, id)
	if v, ok := s.cache.Get(key); ok {
		return v.(Entity), nil
	}

	data, ok, err := bs.kv.Get(ctx, nounMetaKey(id))
	if err != nil {
		return Entity{}, wrapError("get", err)
	}
	if !ok {
		return Entity{}, newError("get", CodeNotFound, fmt.Errorf("entity %s: %w", id, ErrNotFound))
	}
	rec, err := entity.DecodeMetadata(data)
	if err != nil {
		return Entity{}, wrapError("get", err)
	}

	blobData, ok, err := bs.kv.Get(ctx, nounBlobKey(id))
	if err != nil {
		return Entity{}, wrapError("get", err)
	}
	var vector []float32
	if ok {
		noun, err := entity.DecodeNoun(blobData)
		if err != nil {
			return Entity{}, wrapError("get", err)
		}
		vector = noun.Vector
	}

	ent := Entity{ID: id, Type: rec.Noun, Vector: vector, Metadata: rec.Fields, CreatedAt: rec.CreatedAt, UpdatedAt: rec.UpdatedAt}
	s.cache.Put(cache.ClassEntity, key, ent)
	return ent, nil
}

// Update changes id's vector and/or metadata fields, leaving either
// untouched when its corresponding argument is nil. Returns NotFound if
// id doesn't exist on the current branch.
func (s *Store) Update(ctx context.Context, id string, vector []float32, metadata map[string]any) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	item := UpdateItem{ID: id, Vector: vector, Metadata: metadata}
	rewritten, err := s.hooks.RunPreMutation(ctx, "update", item)
	if err != nil {
		return wrapError("update", err)
	}
	item = rewritten.(UpdateItem)

	if item.Vector != nil {
		if err := entity.ValidateVector(item.Vector, s.config.Dim); err != nil {
			return newError("update", CodeInvalidArgument, err)
		}
	}

	bs, err := s.branch(ctx, s.currentBranch())
	if err != nil {
		return wrapError("update", err)
	}

	data, ok, err := bs.kv.Get(ctx, nounMetaKey(item.ID))
	if err != nil {
		return wrapError("update", err)
	}
	if !ok {
		return newError("update", CodeNotFound, fmt.Errorf("entity %s: %w", item.ID, ErrNotFound))
	}
	rec, err := entity.DecodeMetadata(data)
	if err != nil {
		return wrapError("update", err)
	}

	intID, hasID := bs.ids.Lookup(item.ID)
	if hasID {
		bs.metaIdx.Remove(intID, nounMetadataFields(rec))
	}

	if item.Metadata != nil {
		rec.Fields = item.Metadata
	}
	rec.UpdatedAt = time.Now().UTC()
	newData, err := entity.EncodeMetadata(rec)
	if err != nil {
		return wrapError("update", err)
	}
	if err := bs.kv.Put(ctx, nounMetaKey(item.ID), newData); err != nil {
		return wrapError("update", err)
	}

	if item.Vector != nil {
		if err := bs.nounIdx.Delete(ctx, item.ID); err != nil {
			return wrapError("update", err)
		}
		if err := bs.nounIdx.Insert(ctx, item.ID, item.Vector); err != nil {
			return wrapError("update", err)
		}
	}

	if hasID {
		fields := nounMetadataFields(rec)
		bs.metaIdx.Add(intID, fields)
		for _, v := range fields {
			if text, ok := v.(string); ok {
				bs.metaIdx.IndexText(intID, text)
			}
		}
	}

	if err := s.changelog.Append(ctx, changelog.OpUpdateNoun, item.ID); err != nil {
		s.logger.Warn("triplestore: changelog append failed", "op", "update", "id", item.ID, "error", err)
	}
	s.cache.Remove(cacheKey(bs.name, item.ID))
	return nil
}

// Delete removes id's metadata record and tombstones it in the HNSW
// index. Its graph adjacency entries and the verb records behind them
// are left in place; a graph Rebuild re-creates those entries from the
// verb records, so they remain until each verb is removed with Unrelate.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	if _, err := s.hooks.RunPreMutation(ctx, "delete", id); err != nil {
		return wrapError("delete", err)
	}

	bs, err := s.branch(ctx, s.currentBranch())
	if err != nil {
		return wrapError("delete", err)
	}

	data, ok, err := bs.kv.Get(ctx, nounMetaKey(id))
	if err != nil {
		return wrapError("delete", err)
	}
	if !ok {
		return newError("delete", CodeNotFound, fmt.Errorf("entity %s: %w", id, ErrNotFound))
	}
	rec, err := entity.DecodeMetadata(data)
	if err != nil {
		return wrapError("delete", err)
	}

	if err := bs.nounIdx.Delete(ctx, id); err != nil {
		return wrapError("delete", err)
	}
	if intID, ok := bs.ids.Lookup(id); ok {
		bs.metaIdx.Remove(intID, nounMetadataFields(rec))
	}
	if err := bs.kv.Delete(ctx, nounMetaKey(id)); err != nil {
		return wrapError("delete", err)
	}

	if err := s.changelog.Append(ctx, changelog.OpDeleteNoun, id); err != nil {
		s.logger.Warn("triplestore: changelog append failed", "op", "delete", "id", id, "error", err)
	}
	s.cache.Remove(cacheKey(bs.name, id))
	return nil
}

// AddMany adds each item independently; a failure on one item doesn't
// abort the rest.
func (s *Store) AddMany(ctx context.Context, items []AddItem) []BatchResult {
	out := make([]BatchResult, len(items))
	for i, item := range items {
		id, err := s.Add(ctx, item.Type, item.Vector, item.Metadata)
		out[i] = BatchResult{ID: id, Err: err}
	}
	return out
}

// UpdateMany updates each item independently.
func (s *Store) UpdateMany(ctx context.Context, items []UpdateItem) []BatchResult {
	out := make([]BatchResult, len(items))
	for i, item := range items {
		err := s.Update(ctx, item.ID, item.Vector, item.Metadata)
		out[i] = BatchResult{ID: item.ID, Err: err}
	}
	return out
}

// DeleteMany deletes each id independently.
func (s *Store) DeleteMany(ctx context.Context, ids []string) []BatchResult {
	out := make([]BatchResult, len(ids))
	for i, id := range ids {
		err := s.Delete(ctx, id)
		out[i] = BatchResult{ID: id, Err: err}
	}
	return out
}

func cacheKey(branch, id string) string { return branch + "/" + id }

func nounMetaKey(id string) string { return kv.PrefixNounMeta + id }
func nounBlobKey(id string) string { return kv.PrefixNouns + id }
