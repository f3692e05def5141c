package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/liliang-cn/triplestore/pkg/entity"
	"github.com/liliang-cn/triplestore/pkg/graph"
	"github.com/liliang-cn/triplestore/pkg/hnsw"
	"github.com/liliang-cn/triplestore/pkg/idmap"
	"github.com/liliang-cn/triplestore/pkg/kv"
	"github.com/liliang-cn/triplestore/pkg/minvert"
)

type testFixture struct {
	store    kv.Store
	ids      *idmap.Map
	hnswIdx  *hnsw.Index
	graphIdx *graph.Index
	metaIdx  *minvert.Index
	fields   map[string]map[string]any
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	ctx := context.Background()
	store := kv.NewMemory()
	ids, err := idmap.Load(ctx, store)
	if err != nil {
		t.Fatalf("idmap load: %v", err)
	}
	return &testFixture{
		store:    store,
		ids:      ids,
		hnswIdx:  hnsw.New(store, ids, kv.PrefixNouns, hnsw.DefaultConfig(), entity.CosineDistance, 7),
		graphIdx: graph.New(store),
		metaIdx:  minvert.New(store, minvert.DefaultConfig()),
		fields:   map[string]map[string]any{},
	}
}

func (f *testFixture) addNoun(t *testing.T, uuid string, vector []float32, fields map[string]any) {
	t.Helper()
	id32 := f.ids.GetOrAssign(uuid)
	if vector != nil {
		if err := f.hnswIdx.Insert(context.Background(), uuid, vector); err != nil {
			t.Fatalf("insert %s: %v", uuid, err)
		}
	}
	if fields != nil {
		f.metaIdx.Add(id32, fields)
		f.fields[uuid] = fields
	}
}

func (f *testFixture) fetcher() MetadataFetcher {
	return func(ctx context.Context, id string) (map[string]any, bool, error) {
		fields, ok := f.fields[id]
		return fields, ok, nil
	}
}

func (f *testFixture) planner(embedder Embedder, cfg Config) *Planner {
	return New(f.hnswIdx, f.graphIdx, f.metaIdx, f.ids, f.fetcher(), embedder, cfg)
}

func TestFindWithIDsReturnsDirectResultsBypassingIndexes(t *testing.T) {
	f := newFixture(t)
	p := f.planner(nil, DefaultConfig())

	results, err := p.Find(context.Background(), FindQuery{IDs: []string{"a", "b"}, Limit: 10})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(results) != 2 || results[0].MatchSource != SourceDirect {
		t.Fatalf("expected 2 direct results, got %+v", results)
	}
}

func TestFindWhereOnlyIntersectsFields(t *testing.T) {
	f := newFixture(t)
	f.addNoun(t, "n1", nil, map[string]any{"category": "framework", "year": 2021.0})
	f.addNoun(t, "n2", nil, map[string]any{"category": "framework", "year": 2019.0})
	f.addNoun(t, "n3", nil, map[string]any{"category": "library", "year": 2021.0})
	p := f.planner(nil, DefaultConfig())

	where := FilterNode{All: []FilterNode{
		{Leaf: &FilterLeaf{Field: "category", Op: OpEquals, Value: "framework"}},
		{Leaf: &FilterLeaf{Field: "year", Op: OpGreaterThan, From: 2020.0}},
	}}
	results, err := p.Find(context.Background(), FindQuery{Where: &where, Limit: 10})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(results) != 1 || results[0].ID != "n1" {
		t.Fatalf("expected only n1 to match, got %+v", results)
	}
	if results[0].MatchSource != SourceField || results[0].FieldScore != 1 {
		t.Fatalf("expected field match source/score, got %+v", results[0])
	}
}

func TestFindConnectedOnlyTraversesGraph(t *testing.T) {
	f := newFixture(t)
	vm := entity.VerbMetadata{ID: "v1", SourceID: "hub", TargetID: "leaf1", Verb: entity.VerbBuiltOn, Weight: 1}
	f.graphIdx.Relate(vm)
	vm2 := entity.VerbMetadata{ID: "v2", SourceID: "hub", TargetID: "leaf2", Verb: entity.VerbBuiltOn, Weight: 1}
	f.graphIdx.Relate(vm2)

	p := f.planner(nil, DefaultConfig())
	spec := ConnectedSpec{To: "hub", Depth: 2, Direction: graph.DirOut}
	results, err := p.Find(context.Background(), FindQuery{Connected: &spec, Limit: 10})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 connected results, got %+v", results)
	}
	for _, r := range results {
		if r.MatchSource != SourceGraph {
			t.Fatalf("expected graph match source, got %+v", r)
		}
	}
}

func TestFindVectorOnlyFindsNearestNeighbor(t *testing.T) {
	f := newFixture(t)
	f.addNoun(t, "near", []float32{1, 0, 0, 0}, nil)
	f.addNoun(t, "far", []float32{0, 1, 0, 0}, nil)
	p := f.planner(nil, DefaultConfig())

	results, err := p.Find(context.Background(), FindQuery{Query: &Query{Vector: []float32{0.9, 0.1, 0, 0}}, Limit: 1})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(results) != 1 || results[0].ID != "near" {
		t.Fatalf("expected nearest neighbor 'near', got %+v", results)
	}
	if results[0].MatchSource != SourceSemantic {
		t.Fatalf("expected semantic match source, got %+v", results[0])
	}
}

type fakeEmbedder struct {
	vector []float32
	err    error
}

func (f fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vector, f.err
}

func TestFindHybridFusesVectorAndFieldSignals(t *testing.T) {
	f := newFixture(t)
	f.addNoun(t, "both", []float32{1, 0, 0, 0}, map[string]any{"category": "framework"})
	f.addNoun(t, "vectorOnlyMatch", []float32{0.95, 0.05, 0, 0}, map[string]any{"category": "library"})
	f.addNoun(t, "fieldOnlyMatch", []float32{0, 1, 0, 0}, map[string]any{"category": "framework"})

	p := f.planner(nil, DefaultConfig())
	where := FilterNode{Leaf: &FilterLeaf{Field: "category", Op: OpEquals, Value: "framework"}}
	results, err := p.Find(context.Background(), FindQuery{
		Query: &Query{Vector: []float32{1, 0, 0, 0}},
		Where: &where,
		Limit: 10,
	})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(results) == 0 || results[0].ID != "both" {
		t.Fatalf("expected the doubly-matching entity to rank first, got %+v", results)
	}
}

func TestFindEmbeddingFailureDegradesToFieldSignalOnly(t *testing.T) {
	f := newFixture(t)
	f.addNoun(t, "n1", nil, map[string]any{"category": "framework"})

	p := f.planner(fakeEmbedder{err: errors.New("embedding timeout")}, DefaultConfig())
	where := FilterNode{Leaf: &FilterLeaf{Field: "category", Op: OpEquals, Value: "framework"}}
	results, err := p.Find(context.Background(), FindQuery{
		Query: &Query{Text: "modern frontend frameworks"},
		Where: &where,
		Limit: 10,
	})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(results) != 1 || results[0].ID != "n1" {
		t.Fatalf("expected degrade to the field match, got %+v", results)
	}
}

func TestFindResultsAreDeterministicOnTies(t *testing.T) {
	f := newFixture(t)
	f.addNoun(t, "b", nil, map[string]any{"category": "framework"})
	f.addNoun(t, "a", nil, map[string]any{"category": "framework"})
	p := f.planner(nil, DefaultConfig())

	where := FilterNode{Leaf: &FilterLeaf{Field: "category", Op: OpEquals, Value: "framework"}}
	results1, err := p.Find(context.Background(), FindQuery{Where: &where, Limit: 10})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	results2, err := p.Find(context.Background(), FindQuery{Where: &where, Limit: 10})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(results1) != 2 || results1[0].ID != "a" || results1[1].ID != "b" {
		t.Fatalf("expected deterministic ascending id tie-break, got %+v", results1)
	}
	for i := range results1 {
		if results1[i].ID != results2[i].ID {
			t.Fatalf("expected identical ordering across repeated queries")
		}
	}
}

func TestFindReturnsNilForEmptyQuery(t *testing.T) {
	f := newFixture(t)
	p := f.planner(nil, DefaultConfig())
	results, err := p.Find(context.Background(), FindQuery{Limit: 10})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results for an empty query, got %+v", results)
	}
}

func TestQueryLengthAlphaBiasesShortQueriesTowardText(t *testing.T) {
	if a := queryLengthAlpha("go"); a >= 0.5 {
		t.Fatalf("expected short query to be text-biased (low alpha), got %v", a)
	}
	if a := queryLengthAlpha("what is the best modern frontend framework for large apps"); a <= 0.5 {
		t.Fatalf("expected long query to be semantic-biased (high alpha), got %v", a)
	}
}
