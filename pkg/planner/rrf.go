package planner

import "sort"

// ranked is one signal's contribution: ids in descending relevance
// order (rank 0 = best), plus that signal's own un-fused score per id
// for explain mode.
type ranked struct {
	ids    []string
	scores map[string]float64
}

// fuseRRF combines signals via Reciprocal Rank Fusion (spec.md §4.6):
// score(doc) = Σ_signal weight / (kRRF + rank_signal(doc)), summed
// only over signals that actually ranked the doc.
func fuseRRF(signals map[string]ranked, weights map[string]float64, kRRF float64) map[string]float64 {
	fused := map[string]float64{}
	for name, r := range signals {
		w := weights[name]
		if w == 0 {
			continue
		}
		for rank, id := range r.ids {
			fused[id] += w / (kRRF + float64(rank+1))
		}
	}
	return fused
}

// orderByScore returns ids sorted by score descending, ties broken by
// ascending id for determinism (spec.md §4.6 "RRF tie-breaking").
func orderByScore(scores map[string]float64) []string {
	ids := make([]string, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		si, sj := scores[ids[i]], scores[ids[j]]
		if si != sj {
			return si > sj
		}
		return ids[i] < ids[j]
	})
	return ids
}
