package minvert

import (
	"context"
	"testing"

	"github.com/liliang-cn/triplestore/pkg/kv"
)

func TestAddAndGetIds(t *testing.T) {
	idx := New(kv.NewMemory(), DefaultConfig())
	idx.Add(1, map[string]any{"category": "framework"})
	idx.Add(2, map[string]any{"category": "framework"})
	idx.Add(3, map[string]any{"category": "library"})

	got := idx.GetIds("category", "framework")
	if len(got) != 2 {
		t.Fatalf("expected 2 ids for category=framework, got %v", got)
	}
}

func TestRemoveClearsId(t *testing.T) {
	idx := New(kv.NewMemory(), DefaultConfig())
	idx.Add(1, map[string]any{"category": "framework"})
	idx.Remove(1, map[string]any{"category": "framework"})

	if got := idx.GetIds("category", "framework"); len(got) != 0 {
		t.Fatalf("expected no ids after remove, got %v", got)
	}
}

func TestGetIdsForMultipleFieldsIntersectsAndShortCircuits(t *testing.T) {
	idx := New(kv.NewMemory(), DefaultConfig())
	idx.Add(1, map[string]any{"category": "framework", "year": float64(2023)})
	idx.Add(2, map[string]any{"category": "framework", "year": float64(2020)})

	got := idx.GetIdsForMultipleFields([]FieldValue{
		{Field: "category", Value: "framework"},
		{Field: "year", Value: "2023"},
	})
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected only id 1, got %v", got)
	}

	none := idx.GetIdsForMultipleFields([]FieldValue{
		{Field: "category", Value: "nonexistent"},
	})
	if len(none) != 0 {
		t.Fatalf("expected empty result for unknown term, got %v", none)
	}
}

func TestIDFieldIsExcludedFromIndexing(t *testing.T) {
	idx := New(kv.NewMemory(), DefaultConfig())
	idx.Add(1, map[string]any{"id": "some-uuid"})
	if got := idx.GetIds("id", "some-uuid"); got != nil {
		t.Fatalf("expected 'id' field excluded from indexing, got %v", got)
	}
}

func TestTemporalFieldBucketsToOneMinuteWindows(t *testing.T) {
	idx := New(kv.NewMemory(), DefaultConfig())
	idx.Add(1, map[string]any{"createdAt": float64(1000)})
	idx.Add(2, map[string]any{"createdAt": float64(59000)})
	idx.Add(3, map[string]any{"createdAt": float64(61000)})

	got := idx.GetIdsInRange("createdAt", 0, 59999)
	ids := map[uint32]bool{}
	for _, id := range got {
		ids[id] = true
	}
	if !ids[1] || !ids[2] || ids[3] {
		t.Fatalf("expected ids 1,2 in first bucket range and 3 excluded, got %v", got)
	}
}

func TestLargeFreeTextValueIsExcludedFromExactIndexing(t *testing.T) {
	idx := New(kv.NewMemory(), DefaultConfig())
	blob := make([]byte, maxFreeTextBytes+10)
	for i := range blob {
		blob[i] = 'a'
	}
	idx.Add(1, map[string]any{"content": string(blob)})
	if got := idx.GetIds("content", string(blob)); got != nil {
		t.Fatalf("expected large free-text value excluded, got %v", got)
	}
}

func TestIndexTextAndQueryRanksByMatchCount(t *testing.T) {
	idx := New(kv.NewMemory(), DefaultConfig())
	idx.IndexText(1, "modern frontend frameworks for building apps")
	idx.IndexText(2, "modern frontend tooling")
	idx.IndexText(3, "unrelated content about cooking")

	got := idx.GetIdsForTextQuery("modern frontend frameworks")
	if len(got) < 2 || got[0] != 1 {
		t.Fatalf("expected id 1 ranked first (most matches), got %v", got)
	}
}

func TestTokenizeDropsShortWordsAndDedupes(t *testing.T) {
	got := Tokenize("A cat sat on a mat, a cat!")
	seen := map[string]int{}
	for _, w := range got {
		seen[w]++
		if len(w) < 2 {
			t.Fatalf("expected no words under 2 chars, got %q", w)
		}
	}
	if seen["cat"] != 1 {
		t.Fatalf("expected deduped token 'cat' to appear once, got %d", seen["cat"])
	}
}

func TestTokenizeAugmentsCJKWithPinyin(t *testing.T) {
	got := Tokenize("音书酒吧")
	if len(got) == 0 {
		t.Fatalf("expected pinyin tokens for CJK input, got none")
	}
}

func TestFlushAndLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	idx := New(store, DefaultConfig())
	idx.Add(1, map[string]any{"category": "framework"})
	idx.Add(2, map[string]any{"category": "library"})

	if err := idx.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	reloaded := New(store, DefaultConfig())
	if err := reloaded.Load(ctx, []string{"category"}); err != nil {
		t.Fatalf("Load: %v", err)
	}

	got := reloaded.GetIds("category", "framework")
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected id 1 for category=framework after reload, got %v", got)
	}
}

func TestGetFilterValuesReturnsSortedDistinctValues(t *testing.T) {
	idx := New(kv.NewMemory(), DefaultConfig())
	idx.Add(1, map[string]any{"category": "library"})
	idx.Add(2, map[string]any{"category": "framework"})
	idx.Add(3, map[string]any{"category": "framework"})

	got := idx.GetFilterValues("category")
	if len(got) != 2 || got[0] != "framework" || got[1] != "library" {
		t.Fatalf("expected sorted [framework library], got %v", got)
	}
}
