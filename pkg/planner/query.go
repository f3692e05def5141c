// Package planner implements the Triple Intelligence planner (spec.md
// §4.6): plan selection from cheapest to most expensive over the
// vector, graph, metadata and text signals, fused by Reciprocal Rank
// Fusion when more than one signal is in play.
package planner

import (
	"github.com/liliang-cn/triplestore/pkg/entity"
	"github.com/liliang-cn/triplestore/pkg/graph"
)

// SearchMode steers how a text query is interpreted.
type SearchMode string

const (
	ModeAuto     SearchMode = "auto"
	ModeText     SearchMode = "text"
	ModeSemantic SearchMode = "semantic"
	ModeHybrid   SearchMode = "hybrid"
)

// Query is the `query` arm of a FindQuery: text, a raw vector, or a
// direct id/ids lookup. Exactly one of these should be set; ID takes
// precedence if more than one is.
type Query struct {
	Text   string
	Vector []float32
	ID     string
}

func (q *Query) isZero() bool {
	return q == nil || (q.Text == "" && len(q.Vector) == 0 && q.ID == "")
}

// FilterOp is a leaf comparison operator in a metadata filter tree.
type FilterOp string

const (
	OpEquals      FilterOp = "equals"
	OpOneOf       FilterOp = "oneOf"
	OpGreaterThan FilterOp = "greaterThan"
	OpLessThan    FilterOp = "lessThan"
	OpBetween     FilterOp = "between"
)

// FilterLeaf is one field comparison.
type FilterLeaf struct {
	Field  string
	Op     FilterOp
	Value  any
	Values []any // OpOneOf
	From   any   // OpGreaterThan, OpBetween
	To     any   // OpLessThan, OpBetween
}

// FilterNode is a metadata filter tree node: either a leaf comparison
// or a logical combination (All = AND, Any = OR) of child nodes.
// Exactly one of Leaf, All, Any should be populated.
type FilterNode struct {
	Leaf *FilterLeaf
	All  []FilterNode
	Any  []FilterNode
}

// ConnectedSpec is the `connected` arm of a FindQuery: a bounded BFS
// from To over the graph adjacency index.
type ConnectedSpec struct {
	To        string
	Depth     int
	Direction graph.Direction
	VerbType  *entity.VerbType
}

// FindQuery is the full Triple Intelligence query surface (spec.md
// §4.6).
type FindQuery struct {
	Query       *Query
	IDs         []string
	Where       *FilterNode
	Connected   *ConnectedSpec
	Limit       int
	Offset      int
	SearchMode  SearchMode
	HybridAlpha float64 // 0 means "derive from query length"
	Explain     bool
}

// MatchSource reports which signal(s) produced a result, for explain
// mode.
type MatchSource string

const (
	SourceText     MatchSource = "text"
	SourceSemantic MatchSource = "semantic"
	SourceBoth     MatchSource = "both"
	SourceGraph    MatchSource = "graph"
	SourceField    MatchSource = "field"
	SourceDirect   MatchSource = "direct"
)

// Result is one fused hit, carrying the per-signal scores explain mode
// exposes.
type Result struct {
	ID            string
	Score         float64
	TextMatches   int
	TextScore     float64
	SemanticScore float64
	GraphScore    float64
	FieldScore    float64
	MatchSource   MatchSource
}
