package triplestore

import (
	"time"

	"github.com/liliang-cn/triplestore/pkg/entity"
	"github.com/liliang-cn/triplestore/pkg/graph"
)

// Entity is the caller-facing view of a noun: its vector plus the
// metadata fields stored alongside it.
type Entity struct {
	ID        string
	Type      entity.NounType
	Vector    []float32
	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Relation is the caller-facing view of a verb: the directed edge plus
// its relational record.
type Relation struct {
	ID        string
	From      string
	To        string
	Type      entity.VerbType
	Weight    float64
	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AddItem is one entry of an AddMany batch.
type AddItem struct {
	Type     entity.NounType
	Vector   []float32
	Metadata map[string]any
}

// UpdateItem is one entry of an UpdateMany batch. A nil Vector leaves the
// stored vector untouched; a nil Metadata leaves stored fields untouched.
type UpdateItem struct {
	ID       string
	Vector   []float32
	Metadata map[string]any
}

// RelateItem is one entry of a RelateMany batch.
type RelateItem struct {
	From     string
	To       string
	Type     entity.VerbType
	Weight   float64
	Metadata map[string]any
}

// BatchResult reports the outcome of one item in a *Many call: ID is set
// on success, Err on failure. A batch call never aborts early — every
// item gets its own result.
type BatchResult struct {
	ID  string
	Err error
}

// RelationQuery selects edges for GetRelations. Exactly one of From/To
// should usually be set; Type filters by verb type when non-nil.
type RelationQuery struct {
	From      string
	To        string
	Type      *entity.VerbType
	Direction graph.Direction
}
