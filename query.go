package triplestore

import (
	"context"
	"fmt"

	"github.com/liliang-cn/triplestore/pkg/highlight"
	"github.com/liliang-cn/triplestore/pkg/planner"
)

// Find runs a Triple Intelligence query against the current branch,
// fusing whichever of the vector/field/graph/text signals q populates.
func (s *Store) Find(ctx context.Context, q planner.FindQuery) ([]planner.Result, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	bs, err := s.branch(ctx, s.currentBranch())
	if err != nil {
		return nil, wrapError("find", err)
	}
	results, err := bs.planner.Find(ctx, q)
	if err != nil {
		return nil, wrapError("find", err)
	}
	out := s.hooks.RunPostRead(ctx, "find", results)
	return out.([]planner.Result), nil
}

// Similar returns the k nearest nouns to vector by cosine distance, a
// thin wrapper over Find for the pure vector-search case.
func (s *Store) Similar(ctx context.Context, vector []float32, k int) ([]planner.Result, error) {
	return s.Find(ctx, planner.FindQuery{Query: &planner.Query{Vector: vector}, Limit: k})
}

// Embed runs text through the configured Embedder. Returns
// InvalidArgument if none is configured.
func (s *Store) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.embed == nil {
		return nil, newError("embed", CodeInvalidArgument, fmt.Errorf("no embedder configured"))
	}
	v, err := s.embed.Embed(ctx, text)
	if err != nil {
		return nil, wrapError("embed", err)
	}
	return v, nil
}

// EmbedBatch runs texts through the configured Embedder in one call.
func (s *Store) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if s.embed == nil {
		return nil, newError("embedBatch", CodeInvalidArgument, fmt.Errorf("no embedder configured"))
	}
	vs, err := s.embed.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, wrapError("embedBatch", err)
	}
	return vs, nil
}

// Highlight locates query's matches inside text, combining literal and
// (when an Embedder is configured) semantic matches. A nil extractor
// uses highlight.DefaultExtractor, which auto-detects TipTap JSON vs
// plain text.
func (s *Store) Highlight(ctx context.Context, query, text string, contentType highlight.ContentType, extractor highlight.ContentExtractor) ([]highlight.Match, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	if extractor == nil {
		extractor = highlight.DefaultExtractor
	}
	matches, err := s.highlighter.Highlight(ctx, query, text, contentType, extractor)
	if err != nil {
		return nil, wrapError("highlight", err)
	}
	return matches, nil
}
