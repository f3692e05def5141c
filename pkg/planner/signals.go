package planner

import (
	"context"
	"sort"
	"strings"
)

func (p *Planner) vectorSignal(ctx context.Context, q FindQuery, kPrime int) (ranked, error) {
	vector := q.Query.Vector
	if len(vector) == 0 && q.Query.Text != "" && p.embedder != nil {
		v, err := p.embedder.Embed(ctx, q.Query.Text)
		if err != nil {
			// Embedding degrades gracefully: skip the vector signal
			// rather than failing the whole query (spec.md §5).
			return ranked{}, nil
		}
		vector = v
	}
	if len(vector) == 0 || p.hnsw == nil {
		return ranked{}, nil
	}

	ids, dists := p.hnsw.Search(vector, kPrime)
	scores := make(map[string]float64, len(ids))
	for i, id := range ids {
		scores[id] = 1 / (1 + float64(dists[i]))
	}
	return ranked{ids: ids, scores: scores}, nil
}

func (p *Planner) textSignal(text string, kPrime int) ranked {
	if p.metadata == nil {
		return ranked{}
	}
	ids32 := p.metadata.GetIdsForTextQuery(text)
	if kPrime > 0 && len(ids32) > kPrime {
		ids32 = ids32[:kPrime]
	}
	n := len(ids32)
	ids := make([]string, 0, n)
	scores := make(map[string]float64, n)
	for rank, id32 := range ids32 {
		uuid, ok := p.resolve(id32)
		if !ok {
			continue
		}
		ids = append(ids, uuid)
		scores[uuid] = float64(n-rank) / float64(n)
	}
	return ranked{ids: ids, scores: scores}
}

func (p *Planner) fieldSignal(ctx context.Context, where FilterNode) (ranked, error) {
	if p.metadata == nil {
		return ranked{}, nil
	}
	matches, err := evalFilter(ctx, p.metadata, p.fetch, p.resolve, where)
	if err != nil {
		return ranked{}, err
	}
	ids := make([]string, 0, len(matches))
	scores := make(map[string]float64, len(matches))
	for id32 := range matches {
		uuid, ok := p.resolve(id32)
		if !ok {
			continue
		}
		ids = append(ids, uuid)
		scores[uuid] = 1
	}
	sort.Strings(ids)
	return ranked{ids: ids, scores: scores}, nil
}

func (p *Planner) graphSignal(spec ConnectedSpec) ranked {
	if p.graph == nil {
		return ranked{}
	}
	ids := p.graph.BFS(spec.To, spec.Depth, spec.Direction, spec.VerbType)
	scores := make(map[string]float64, len(ids))
	for rank, id := range ids {
		scores[id] = 1 / float64(1+rank)
	}
	return ranked{ids: ids, scores: scores}
}

// effectiveWeights applies the vector/text hybridAlpha split (spec.md
// §4.6: "hybridAlpha (or query-length heuristic... ) shifts the vector
// vs text weights") on top of the configured base weights.
func (p *Planner) effectiveWeights(q FindQuery) map[string]float64 {
	w := map[string]float64{
		"vector": p.config.Weights.Vector,
		"field":  p.config.Weights.Field,
		"graph":  p.config.Weights.Graph,
		"text":   p.config.Weights.Text,
	}
	if q.Query == nil || q.Query.Text == "" {
		return w
	}
	alpha := q.HybridAlpha
	if alpha <= 0 {
		alpha = queryLengthAlpha(q.Query.Text)
	}
	total := w["vector"] + w["text"]
	w["vector"] = total * alpha
	w["text"] = total * (1 - alpha)
	return w
}

// queryLengthAlpha implements the "short queries are text-biased, long
// queries are semantic-biased" heuristic spec.md §4.6 describes as a
// fallback when the caller doesn't supply hybridAlpha explicitly.
func queryLengthAlpha(text string) float64 {
	n := len(strings.Fields(text))
	switch {
	case n <= 2:
		return 0.2
	case n <= 5:
		return 0.5
	default:
		return 0.8
	}
}
