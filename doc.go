// Package triplestore is an embedded knowledge store combining vector
// similarity search, a typed relationship graph, and a metadata inverted
// index behind one façade.
//
// # Features
//
//   - Vector search over nouns and verbs via an HNSW index (cosine by
//     default), so both entities and the relationships between them are
//     semantically searchable.
//   - A typed relationship graph (127 verb types across structural,
//     causal/temporal, social/ownership, semantic, spatial and
//     lifecycle/operational families) with adjacency lookup and bounded
//     BFS traversal.
//   - A bitmap-backed metadata inverted index with automatic temporal
//     bucketing and free-text tokenization.
//   - A query planner that fuses vector, graph, field and text signals
//     with Reciprocal Rank Fusion, picking the cheapest viable plan when
//     only one signal is active.
//   - Copy-on-write branches: fork a branch from any point, make changes
//     in isolation, and merge findings back by hand.
//   - Content-addressed entity versioning with tag/description metadata,
//     diff, restore, and retention-based pruning.
//   - Rich-text match highlighting over structured content (TipTap-style
//     documents or plain text), combining literal and embedding-driven
//     semantic matches.
//   - Pluggable storage: in-memory, local disk, SQLite, or an
//     S3-compatible object store, all behind the same façade.
//
// # Quick Start
//
//	cfg := triplestore.DefaultConfig()
//	cfg.Dim = 3 // every vector in the store must have exactly Dim components
//	store, err := triplestore.New(ctx, kv.NewMemory(), cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close(ctx)
//
//	id, err := store.Add(ctx, entity.NounDocument, []float32{0.1, 0.2, 0.3}, map[string]any{
//		"title": "Q3 roadmap",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	results, err := store.Find(ctx, planner.FindQuery{
//		Query: &planner.Query{Text: "roadmap"},
//		Limit: 10,
//	})
//
// # Branching
//
// Branches are copy-on-write: forking is O(1) and reads on the new
// branch fall through to the parent for anything unmodified.
//
//	if err := store.Fork(ctx, "experiment", "main"); err != nil {
//		log.Fatal(err)
//	}
//	if err := store.Checkout(ctx, "experiment"); err != nil {
//		log.Fatal(err)
//	}
//
// # Advanced Configuration
//
// DefaultConfig wires sane defaults for every subsystem; override only
// what matters:
//
//	cfg := triplestore.DefaultConfig()
//	cfg.Dim = 1536
//	cfg.Embedder = myEmbedder
//	cfg.HNSW.EfSearch = 200
//	cfg.Logger = myLogger
//
// # Observability
//
// CountEntities, CountRelationships, CountByType and CountByVerbType
// report running totals maintained by a background flush cycle;
// GetHistory walks the commit log for a branch.
package triplestore
