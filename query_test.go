package triplestore_test

import (
	"context"
	"testing"

	"github.com/liliang-cn/triplestore/pkg/entity"
	"github.com/liliang-cn/triplestore/pkg/highlight"
	"github.com/liliang-cn/triplestore/pkg/planner"
)

func TestEmbedWithoutEmbedderIsInvalidArgument(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Embed(context.Background(), "hello"); err == nil {
		t.Fatal("Embed() with no configured Embedder: want error, got nil")
	}
}

func TestHighlightPlainText(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	matches, err := store.Highlight(ctx, "quick fox", "the quick brown fox jumps over the lazy dog", highlight.ContentPlain, nil)
	if err != nil {
		t.Fatalf("Highlight() error = %v", err)
	}
	if len(matches) == 0 {
		t.Fatal("Highlight() returned no matches for literal text present in the body")
	}
}

func TestFindByFieldFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	wantID, err := store.Add(ctx, entity.NounDocument, vec(1, 0, 0, 0), map[string]any{"status": "published"})
	if err != nil {
		t.Fatalf("Add(wanted) error = %v", err)
	}
	if _, err := store.Add(ctx, entity.NounDocument, vec(0, 1, 0, 0), map[string]any{"status": "draft"}); err != nil {
		t.Fatalf("Add(other) error = %v", err)
	}

	results, err := store.Find(ctx, planner.FindQuery{
		Where: &planner.FilterNode{Leaf: &planner.FilterLeaf{Field: "status", Op: planner.OpEquals, Value: "published"}},
		Limit: 10,
	})
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Find() returned %d results, want 1", len(results))
	}
	if results[0].ID != wantID {
		t.Errorf("Find() result = %s, want %s", results[0].ID, wantID)
	}
}
