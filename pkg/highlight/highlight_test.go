package highlight

import (
	"context"
	"encoding/json"
	"testing"
)

type fakeEmbedder struct {
	vectors map[string][]float32
}

func (f fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func tipTapDoc(t *testing.T) string {
	t.Helper()
	doc := map[string]any{
		"type": "doc",
		"content": []any{
			map[string]any{
				"type": "heading",
				"content": []any{
					map[string]any{"type": "text", "text": "David Smith"},
				},
			},
			map[string]any{
				"type": "paragraph",
				"content": []any{
					map[string]any{"type": "text", "text": "A brave fighter who battles dragons"},
				},
			},
		},
	}
	b, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal doc: %v", err)
	}
	return string(b)
}

func TestHighlightFindsLiteralTextMatchInTitleBlock(t *testing.T) {
	h := New(nil, DefaultConfig())
	matches, err := h.Highlight(context.Background(), "david the warrior", tipTapDoc(t), ContentTipTap, nil)
	if err != nil {
		t.Fatalf("highlight: %v", err)
	}
	found := false
	for _, m := range matches {
		if m.MatchType == MatchText && m.ContentCategory == "title" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a text match in the title block, got %+v", matches)
	}
}

func TestHighlightFindsSemanticMatchInContentBlockWhenEmbedderConfigured(t *testing.T) {
	embedder := fakeEmbedder{vectors: map[string][]float32{
		"warrior": {1, 0, 0},
		"fighter": {0.95, 0.05, 0},
		"brave":   {0, 1, 0},
		"a":       {0, 1, 0},
		"who":     {0, 1, 0},
		"battles": {0, 1, 0},
		"dragons": {0, 1, 0},
	}}
	h := New(embedder, DefaultConfig())
	matches, err := h.Highlight(context.Background(), "david the warrior", tipTapDoc(t), ContentTipTap, nil)
	if err != nil {
		t.Fatalf("highlight: %v", err)
	}
	found := false
	for _, m := range matches {
		if m.MatchType == MatchSemantic && m.ContentCategory == "content" && m.Text == "fighter" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a semantic match on 'fighter' in the content block, got %+v", matches)
	}
}

func TestHighlightDegradesToTextOnlyWithoutEmbedder(t *testing.T) {
	h := New(nil, DefaultConfig())
	matches, err := h.Highlight(context.Background(), "david the warrior", tipTapDoc(t), ContentTipTap, nil)
	if err != nil {
		t.Fatalf("highlight: %v", err)
	}
	for _, m := range matches {
		if m.MatchType == MatchSemantic {
			t.Fatalf("expected no semantic matches without an embedder, got %+v", matches)
		}
	}
}

func TestHighlightReturnsNilForEmptyQuery(t *testing.T) {
	h := New(nil, DefaultConfig())
	matches, err := h.Highlight(context.Background(), "the a an", "plain text content", ContentPlain, nil)
	if err != nil {
		t.Fatalf("highlight: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected no matches for a stopword-only query, got %+v", matches)
	}
}

func TestHighlightPlainTextUsesSingleContentBlock(t *testing.T) {
	h := New(nil, DefaultConfig())
	matches, err := h.Highlight(context.Background(), "dragons", "a brave fighter who battles dragons", ContentPlain, nil)
	if err != nil {
		t.Fatalf("highlight: %v", err)
	}
	if len(matches) != 1 || matches[0].ContentCategory != "content" {
		t.Fatalf("expected a single content-category match, got %+v", matches)
	}
}

func TestHighlightCustomExtractorOverridesDefault(t *testing.T) {
	custom := func(raw string, contentType ContentType) ([]Block, error) {
		return []Block{{Text: raw, Category: "custom"}}, nil
	}
	h := New(nil, DefaultConfig())
	matches, err := h.Highlight(context.Background(), "dragons", "battles dragons", ContentPlain, custom)
	if err != nil {
		t.Fatalf("highlight: %v", err)
	}
	if len(matches) != 1 || matches[0].ContentCategory != "custom" {
		t.Fatalf("expected the custom extractor's category to be used, got %+v", matches)
	}
}
