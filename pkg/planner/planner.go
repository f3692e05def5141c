package planner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/liliang-cn/triplestore/pkg/graph"
	"github.com/liliang-cn/triplestore/pkg/hnsw"
	"github.com/liliang-cn/triplestore/pkg/idmap"
	"github.com/liliang-cn/triplestore/pkg/minvert"
)

// Weights tunes each signal's contribution to the fused RRF score.
type Weights struct {
	Vector float64
	Field  float64
	Graph  float64
	Text   float64
}

// Config tunes the planner's defaults.
type Config struct {
	KRRF          float64
	Weights       Weights
	QueryBudget   time.Duration // spec.md §4.6 wall-clock budget, default 10s
	OverfetchMult int           // k' = max(limit*OverfetchMult, EfSearch)
}

// DefaultConfig returns spec.md §4.6's defaults: kRRF=60,
// weights{vector:0.5, field:0.3, graph:0.2}, a 10s query budget. Text
// carries the same weight as field since the spec gives no separate
// default for the auto text-token branch.
func DefaultConfig() Config {
	return Config{
		KRRF:          60,
		Weights:       Weights{Vector: 0.5, Field: 0.3, Graph: 0.2, Text: 0.3},
		QueryBudget:   10 * time.Second,
		OverfetchMult: 3,
	}
}

// Embedder turns text into the vector the semantic signal searches
// with. Embedding calls carry their own 10s timeout per spec.md §5; a
// timeout or nil Embedder degrades the query by simply skipping the
// vector signal rather than failing outright.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Planner fuses the vector, graph, metadata-filter and text signals
// into ranked results (spec.md §4.6).
type Planner struct {
	hnsw     *hnsw.Index
	graph    *graph.Index
	metadata *minvert.Index
	ids      *idmap.Map
	fetch    MetadataFetcher
	embedder Embedder
	config   Config
}

// New returns a planner over the given indexes. embedder may be nil,
// in which case text queries never gain a semantic signal.
func New(hnswIdx *hnsw.Index, graphIdx *graph.Index, metaIdx *minvert.Index, ids *idmap.Map, fetch MetadataFetcher, embedder Embedder, config Config) *Planner {
	return &Planner{
		hnsw:     hnswIdx,
		graph:    graphIdx,
		metadata: metaIdx,
		ids:      ids,
		fetch:    fetch,
		embedder: embedder,
		config:   config,
	}
}

// defaultEfSearch mirrors hnsw.DefaultConfig's EfSearch; kept as a
// plain constant here since the planner only needs it as a floor on
// k', not the tuned value the index itself was built with.
const defaultEfSearch = 100

func (p *Planner) overfetch(limit int) int {
	k := limit * p.config.OverfetchMult
	if k < defaultEfSearch {
		k = defaultEfSearch
	}
	return k
}

// Find runs the Triple Intelligence plan for q, returning fused,
// deterministically ordered, limit/offset-sliced results.
func (p *Planner) Find(ctx context.Context, q FindQuery) ([]Result, error) {
	if len(q.IDs) > 0 {
		return p.directResults(q.IDs, q.Limit, q.Offset), nil
	}
	if q.Query != nil && q.Query.ID != "" {
		return p.directResults([]string{q.Query.ID}, q.Limit, q.Offset), nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}
	kPrime := p.overfetch(limit)

	ctx, cancel := context.WithTimeout(ctx, p.budget())
	defer cancel()

	hasQuery := !q.Query.isZero()
	hasWhere := q.Where != nil
	hasConnected := q.Connected != nil
	vectorActive := hasQuery && (len(q.Query.Vector) > 0 || (q.Query.Text != "" && q.SearchMode != ModeText && p.embedder != nil))
	textActive := hasQuery && q.Query.Text != "" && q.SearchMode != ModeSemantic

	activeCount := boolCount(hasWhere, hasConnected, vectorActive, textActive)

	// Cheapest single-signal plans (spec.md §4.6 steps 2-4): skip RRF
	// entirely and return the signal's native order.
	if activeCount == 1 {
		switch {
		case hasWhere:
			return p.whereOnly(ctx, *q.Where, limit, offsetOf(q))
		case hasConnected:
			return p.connectedOnly(ctx, *q.Connected, limit, offsetOf(q))
		case vectorActive && !textActive:
			return p.vectorOnly(ctx, q, kPrime, limit, offsetOf(q))
		case textActive && !vectorActive:
			return p.textOnly(ctx, q.Query.Text, limit, offsetOf(q))
		}
	}
	if activeCount == 0 {
		return nil, nil
	}

	return p.hybrid(ctx, q, kPrime, limit, offsetOf(q))
}

func offsetOf(q FindQuery) int {
	if q.Offset < 0 {
		return 0
	}
	return q.Offset
}

func boolCount(bs ...bool) int {
	n := 0
	for _, b := range bs {
		if b {
			n++
		}
	}
	return n
}

func (p *Planner) budget() time.Duration {
	if p.config.QueryBudget <= 0 {
		return 10 * time.Second
	}
	return p.config.QueryBudget
}

func (p *Planner) directResults(ids []string, limit, offset int) []Result {
	results := make([]Result, 0, len(ids))
	for _, id := range ids {
		results = append(results, Result{ID: id, Score: 1, MatchSource: SourceDirect})
	}
	return paginate(results, limit, offset)
}

func paginate(results []Result, limit, offset int) []Result {
	if offset >= len(results) {
		return nil
	}
	results = results[offset:]
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

func (p *Planner) resolve(id uint32) (string, bool) {
	if p.ids == nil {
		return "", false
	}
	return p.ids.Reverse(id)
}

func (p *Planner) whereOnly(ctx context.Context, where FilterNode, limit, offset int) ([]Result, error) {
	matches, err := evalFilter(ctx, p.metadata, p.fetch, p.resolve, where)
	if err != nil {
		return nil, fmt.Errorf("planner: where: %w", err)
	}
	results := make([]Result, 0, len(matches))
	for id := range matches {
		uuid, ok := p.resolve(id)
		if !ok {
			continue
		}
		results = append(results, Result{ID: uuid, Score: 1, FieldScore: 1, MatchSource: SourceField})
	}
	sortResultsDeterministic(results)
	return paginate(results, limit, offset), nil
}

func (p *Planner) connectedOnly(ctx context.Context, spec ConnectedSpec, limit, offset int) ([]Result, error) {
	if p.graph == nil {
		return nil, nil
	}
	ids := p.graph.BFS(spec.To, spec.Depth, spec.Direction, spec.VerbType)
	results := make([]Result, 0, len(ids))
	for rank, id := range ids {
		select {
		case <-ctx.Done():
			return paginate(results, limit, offset), nil
		default:
		}
		score := 1 / float64(1+rank)
		results = append(results, Result{ID: id, Score: score, GraphScore: score, MatchSource: SourceGraph})
	}
	return paginate(results, limit, offset), nil
}

func (p *Planner) vectorOnly(ctx context.Context, q FindQuery, kPrime, limit, offset int) ([]Result, error) {
	r, err := p.vectorSignal(ctx, q, kPrime)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(r.ids))
	for _, id := range r.ids {
		score := r.scores[id]
		results = append(results, Result{ID: id, Score: score, SemanticScore: score, MatchSource: SourceSemantic})
	}
	return paginate(results, limit, offset), nil
}

func (p *Planner) textOnly(ctx context.Context, text string, limit, offset int) ([]Result, error) {
	r := p.textSignal(text, limit*p.config.OverfetchMult)
	results := make([]Result, 0, len(r.ids))
	for rank, id := range r.ids {
		score := r.scores[id]
		results = append(results, Result{ID: id, Score: score, TextScore: score, TextMatches: len(r.ids) - rank, MatchSource: SourceText})
	}
	return paginate(results, limit, offset), nil
}

// hybrid runs every active signal concurrently (cooperative with the
// wall-clock budget: a signal still running when the budget expires is
// simply dropped from the fusion, per spec.md §4.6) and fuses with RRF.
func (p *Planner) hybrid(ctx context.Context, q FindQuery, kPrime, limit, offset int) ([]Result, error) {
	signals := map[string]ranked{}
	var mu sync.Mutex
	var wg sync.WaitGroup

	runSignal := func(name string, fn func() (ranked, error)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			done := make(chan struct{})
			var r ranked
			var err error
			go func() {
				r, err = fn()
				close(done)
			}()
			select {
			case <-done:
				if err == nil {
					mu.Lock()
					signals[name] = r
					mu.Unlock()
				}
			case <-ctx.Done():
			}
		}()
	}

	if q.Where != nil {
		runSignal("field", func() (ranked, error) { return p.fieldSignal(ctx, *q.Where) })
	}
	if q.Connected != nil {
		runSignal("graph", func() (ranked, error) { return p.graphSignal(*q.Connected), nil })
	}
	if !q.Query.isZero() && (len(q.Query.Vector) > 0 || (q.Query.Text != "" && q.SearchMode != ModeText && p.embedder != nil)) {
		runSignal("vector", func() (ranked, error) { return p.vectorSignal(ctx, q, kPrime) })
	}
	if !q.Query.isZero() && q.Query.Text != "" && q.SearchMode != ModeSemantic {
		runSignal("text", func() (ranked, error) { r := p.textSignal(q.Query.Text, kPrime); return r, nil })
	}

	wg.Wait()

	weights := p.effectiveWeights(q)
	fused := fuseRRF(signals, weights, p.config.KRRF)
	ordered := orderByScore(fused)

	results := make([]Result, 0, len(ordered))
	for _, id := range ordered {
		results = append(results, buildResult(id, fused[id], signals))
	}
	return paginate(results, limit, offset), nil
}

func buildResult(id string, score float64, signals map[string]ranked) Result {
	res := Result{ID: id, Score: score}
	_, inText := signals["text"]
	_, inVector := signals["vector"]
	if t, ok := signals["text"]; ok {
		res.TextScore = t.scores[id]
	}
	if v, ok := signals["vector"]; ok {
		res.SemanticScore = v.scores[id]
	}
	if g, ok := signals["graph"]; ok {
		res.GraphScore = g.scores[id]
	}
	if f, ok := signals["field"]; ok {
		res.FieldScore = f.scores[id]
	}

	switch {
	case inText && inVector && res.TextScore > 0 && res.SemanticScore > 0:
		res.MatchSource = SourceBoth
	case res.GraphScore > 0:
		res.MatchSource = SourceGraph
	case res.FieldScore > 0:
		res.MatchSource = SourceField
	case res.SemanticScore > 0:
		res.MatchSource = SourceSemantic
	case res.TextScore > 0:
		res.MatchSource = SourceText
	}
	return res
}

func sortResultsDeterministic(results []Result) {
	scores := make(map[string]float64, len(results))
	for _, r := range results {
		scores[r.ID] = r.Score
	}
	order := orderByScore(scores)
	rank := make(map[string]int, len(order))
	for i, id := range order {
		rank[id] = i
	}
	sortByRank(results, rank)
}

func sortByRank(results []Result, rank map[string]int) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && rank[results[j-1].ID] > rank[results[j].ID]; j-- {
			results[j-1], results[j] = results[j], results[j-1]
		}
	}
}
