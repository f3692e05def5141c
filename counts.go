package triplestore

import (
	"context"

	"github.com/liliang-cn/triplestore/pkg/entity"
)

// CountEntities returns the running total of nouns added on the current
// branch, from the background-flushed statistics counters.
func (s *Store) CountEntities(ctx context.Context) (int64, error) {
	bs, err := s.branchForRead(ctx)
	if err != nil {
		return 0, err
	}
	return bs.stats.Snapshot().TotalNodes, nil
}

// CountRelationships returns the running total of verbs added on the
// current branch.
func (s *Store) CountRelationships(ctx context.Context) (int64, error) {
	bs, err := s.branchForRead(ctx)
	if err != nil {
		return 0, err
	}
	return bs.stats.Snapshot().TotalEdges, nil
}

// CountByType returns the running total of nouns of typ on the current
// branch.
func (s *Store) CountByType(ctx context.Context, typ entity.NounType) (int64, error) {
	bs, err := s.branchForRead(ctx)
	if err != nil {
		return 0, err
	}
	return bs.stats.Snapshot().ByType[string(typ)], nil
}

// CountByVerbType returns the running total of verbs of typ on the
// current branch.
func (s *Store) CountByVerbType(ctx context.Context, typ entity.VerbType) (int64, error) {
	bs, err := s.branchForRead(ctx)
	if err != nil {
		return 0, err
	}
	return bs.stats.Snapshot().ByType[string(typ)], nil
}

func (s *Store) branchForRead(ctx context.Context) (*branchState, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	bs, err := s.branch(ctx, s.currentBranch())
	if err != nil {
		return nil, wrapError("count", err)
	}
	return bs, nil
}
