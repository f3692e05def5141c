// Package triplestore ties every subsystem package together behind one
// façade. store.go owns the lifecycle and the per-branch state each
// index family needs; the operation surface itself (CRUD, relations,
// queries, branching, versioning) is grouped into the sibling files in
// this package.
package triplestore

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/liliang-cn/triplestore/pkg/backpressure"
	"github.com/liliang-cn/triplestore/pkg/branch"
	"github.com/liliang-cn/triplestore/pkg/cache"
	"github.com/liliang-cn/triplestore/pkg/changelog"
	"github.com/liliang-cn/triplestore/pkg/coalescer"
	"github.com/liliang-cn/triplestore/pkg/embedding"
	"github.com/liliang-cn/triplestore/pkg/entity"
	"github.com/liliang-cn/triplestore/pkg/graph"
	"github.com/liliang-cn/triplestore/pkg/highlight"
	"github.com/liliang-cn/triplestore/pkg/hnsw"
	"github.com/liliang-cn/triplestore/pkg/hooks"
	"github.com/liliang-cn/triplestore/pkg/idmap"
	"github.com/liliang-cn/triplestore/pkg/kv"
	"github.com/liliang-cn/triplestore/pkg/lock"
	"github.com/liliang-cn/triplestore/pkg/minvert"
	"github.com/liliang-cn/triplestore/pkg/planner"
	"github.com/liliang-cn/triplestore/pkg/stats"
)

// branchState bundles every in-memory index over a single branch's
// namespace. Built lazily the first time a branch is touched, then
// cached for the life of the Store.
type branchState struct {
	name string
	kv   *branchStore

	ids      *idmap.Map
	nounIdx  *hnsw.Index
	verbIdx  *hnsw.Index
	graphIdx *graph.Index
	metaIdx  *minvert.Index
	stats    *stats.Counters
	planner  *planner.Planner
}

// Store is the root façade: vector search, the relationship graph, the
// metadata inverted index, branching and versioning, all behind one
// handle. Build one with New and share it across goroutines; every
// exported method is safe for concurrent use.
type Store struct {
	raw          kv.Store
	overlay      *branch.Overlay
	versions     *branch.Versions
	commits      *branch.Commits
	changelog    *changelog.Log
	locks        *lock.Manager
	embed        *embedding.Service
	highlighter  *highlight.Highlighter
	hooks        *hooks.Bus
	nounBudget   *backpressure.Controller
	verbBudget   *backpressure.Controller
	cache        *cache.Cache
	logger       Logger
	config       Config

	mu       sync.RWMutex
	current  string
	branches map[string]*branchState

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup

	ready  atomic.Bool
	closed atomic.Bool
}

// New constructs a Store over store and eagerly initializes the main
// branch. Background loops (lock sweep, stats flush, changelog
// retention) start immediately; Close stops them.
func New(ctx context.Context, store kv.Store, config Config) (*Store, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if config.Logger == nil {
		config.Logger = nopLogger{}
	}

	var embedSvc *embedding.Service
	if config.Embedder != nil {
		ecfg := embedding.DefaultConfig()
		if config.EmbeddingTimeout > 0 {
			ecfg.Timeout = config.EmbeddingTimeout
		}
		embedSvc = embedding.New(config.Embedder, ecfg)
	}

	overlay := branch.NewOverlay(store)
	versions := branch.NewVersions(store)

	bgCtx, cancel := context.WithCancel(context.Background())
	s := &Store{
		raw:         store,
		overlay:     overlay,
		versions:    versions,
		commits:     branch.NewCommits(store, versions),
		changelog:   changelog.New(store),
		locks:       lock.New(store, config.Lock),
		embed:       embedSvc,
		highlighter: highlight.New(highlightEmbedder(embedSvc), config.Highlight),
		hooks:       hooks.New(config.Logger),
		nounBudget:  backpressure.New(config.Backpressure, nil),
		verbBudget:  backpressure.New(config.Backpressure, nil),
		cache:       cache.New(config.Cache),
		logger:      config.Logger,
		config:      config,
		current:     kv.MainBranch,
		branches:    make(map[string]*branchState),
		bgCtx:       bgCtx,
		bgCancel:    cancel,
	}

	if _, err := s.branch(ctx, kv.MainBranch); err != nil {
		cancel()
		return nil, wrapError("init", err)
	}
	s.ready.Store(true)

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.locks.Run(s.bgCtx)
	}()
	s.bgWG.Add(1)
	go s.runStatsFlushLoop()
	if s.config.ChangeLogRetention > 0 {
		s.bgWG.Add(1)
		go s.runChangelogSweepLoop()
	}

	return s, nil
}

// highlightEmbedder adapts *embedding.Service to highlight.Embedder,
// passing through a true nil interface (rather than a non-nil interface
// wrapping a nil pointer) when no embedder is configured.
func highlightEmbedder(svc *embedding.Service) highlight.Embedder {
	if svc == nil {
		return nil
	}
	return svc
}

func (s *Store) plannerEmbedder() planner.Embedder {
	if s.embed == nil {
		return nil
	}
	return s.embed
}

func (s *Store) checkReady() error {
	if s.closed.Load() {
		return newError("store", CodeInternal, ErrStoreClosed)
	}
	if !s.ready.Load() {
		return newError("store", CodeInternal, fmt.Errorf("store not yet initialized"))
	}
	return nil
}

// Ready reports whether the main branch finished initializing.
func (s *Store) Ready() bool { return s.ready.Load() }

// IsInitialized is an alias for Ready, matching the spec's naming for
// callers that poll before issuing their first operation.
func (s *Store) IsInitialized() bool { return s.Ready() }

// IsFullyInitialized reports whether every branch touched so far has
// completed its (synchronous) index rebuild. Since branch() blocks until
// a branch's indexes are rebuilt before returning it, this is equivalent
// to Ready() today — kept as a distinct name because a future lazy,
// background per-branch rebuild (spec.md §7: "caller sees increased
// first-query latency but not an error") would need it to mean something
// different.
func (s *Store) IsFullyInitialized() bool { return s.Ready() }

// AwaitBackgroundInit blocks until the main branch is ready or ctx is
// done. Branch initialization is currently synchronous, so this returns
// immediately once New has returned; it exists for callers that
// construct a Store and hand it to a goroutine before New returns.
func (s *Store) AwaitBackgroundInit(ctx context.Context) error {
	for !s.ready.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	return nil
}

// branch returns the cached branchState for name, building and
// rebuilding its indexes from durable state on first use.
func (s *Store) branch(ctx context.Context, name string) (*branchState, error) {
	s.mu.RLock()
	bs, ok := s.branches[name]
	s.mu.RUnlock()
	if ok {
		return bs, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if bs, ok := s.branches[name]; ok {
		return bs, nil
	}

	bs, err := s.buildBranchState(ctx, name)
	if err != nil {
		return nil, err
	}
	s.branches[name] = bs
	return bs, nil
}

func (s *Store) buildBranchState(ctx context.Context, name string) (*branchState, error) {
	raw := &rawBranchStore{overlay: s.overlay, branch: name}
	nounBuf := coalescer.NewWriteBuffer(raw, s.config.Coalescer, s.logger)
	verbBuf := coalescer.NewWriteBuffer(raw, s.config.Coalescer, s.logger)
	view := &branchStore{raw: raw, nounBuf: nounBuf, verbBuf: verbBuf}

	ids, err := idmap.Load(ctx, view)
	if err != nil {
		return nil, fmt.Errorf("triplestore: branch %s: load idmap: %w", name, err)
	}

	nounIdx := hnsw.New(&entryPointScopedStore{Store: view, entryPointKey: "hnsw-entrypoint/nouns"}, ids, kv.PrefixNouns, s.config.HNSW, entity.CosineDistance, s.config.SeedRNG)
	if err := nounIdx.Rebuild(ctx); err != nil {
		return nil, fmt.Errorf("triplestore: branch %s: rebuild noun index: %w", name, err)
	}
	verbIdx := hnsw.New(&entryPointScopedStore{Store: view, entryPointKey: "hnsw-entrypoint/verbs"}, ids, kv.PrefixVerbs, s.config.HNSW, entity.CosineDistance, s.config.SeedRNG+1)
	if err := verbIdx.Rebuild(ctx); err != nil {
		return nil, fmt.Errorf("triplestore: branch %s: rebuild verb index: %w", name, err)
	}

	graphIdx := graph.New(view)
	if err := graphIdx.Rebuild(ctx); err != nil {
		return nil, fmt.Errorf("triplestore: branch %s: rebuild graph: %w", name, err)
	}

	metaIdx := minvert.New(view, s.config.Minvert)
	if err := rebuildMetadataIndex(ctx, view, metaIdx, ids); err != nil {
		return nil, fmt.Errorf("triplestore: branch %s: rebuild metadata index: %w", name, err)
	}

	statCounters := stats.New(view, s.locks, s.config.Stats)
	if err := statCounters.LoadOrMigrate(ctx); err != nil {
		return nil, fmt.Errorf("triplestore: branch %s: load stats: %w", name, err)
	}

	bs := &branchState{name: name, kv: view, ids: ids, nounIdx: nounIdx, verbIdx: verbIdx, graphIdx: graphIdx, metaIdx: metaIdx, stats: statCounters}
	bs.planner = planner.New(nounIdx, graphIdx, metaIdx, ids, s.metadataFetcher(bs), s.plannerEmbedder(), s.config.Planner)
	return bs, nil
}

// rebuildMetadataIndex replays every nounMetadata/ and verbMetadata/
// record through the inverted index's Add/IndexText, since minvert.Load
// needs a field-name manifest this store never persists. Durable state
// (the metadata records themselves) is the source of truth; the bitmap
// index is always rebuilt from it rather than from its own cached
// chunks, the same way pkg/hnsw and pkg/graph treat their in-memory
// structures as caches over the façade.
func rebuildMetadataIndex(ctx context.Context, store kv.Store, metaIdx *minvert.Index, ids *idmap.Map) error {
	if err := replayMetadata(ctx, store, kv.PrefixNounMeta, metaIdx, ids, decodeNounFields); err != nil {
		return err
	}
	return replayMetadata(ctx, store, kv.PrefixVerbMeta, metaIdx, ids, decodeVerbFields)
}

func replayMetadata(ctx context.Context, store kv.Store, prefix string, metaIdx *minvert.Index, ids *idmap.Map, decode func([]byte) (map[string]any, error)) error {
	cursor := ""
	for {
		keys, next, err := store.List(ctx, prefix, 500, cursor)
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			values, err := store.BatchGet(ctx, keys)
			if err != nil {
				return err
			}
			for _, key := range keys {
				data, ok := values[key]
				if !ok {
					continue
				}
				fields, err := decode(data)
				if err != nil {
					continue
				}
				id := ids.GetOrAssign(strings.TrimPrefix(key, prefix))
				metaIdx.Add(id, fields)
				for _, v := range fields {
					if text, ok := v.(string); ok {
						metaIdx.IndexText(id, text)
					}
				}
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}
	return nil
}

// nounMetadataFields flattens a noun's metadata record's reserved fields
// alongside its open Fields tree into the shape minvert.Index.Add
// expects.
func nounMetadataFields(rec entity.MetadataRecord) map[string]any {
	out := make(map[string]any, len(rec.Fields)+2)
	for k, v := range rec.Fields {
		out[k] = v
	}
	if rec.Noun != "" {
		out["type"] = string(rec.Noun)
	}
	if rec.Service != "" {
		out["service"] = rec.Service
	}
	return out
}

// verbMetadataFields flattens a verb's relational record — whose
// Metadata field IS the open tree spec.md §3 calls "the metadata record
// stored separately per verb id" — into the same flat shape.
func verbMetadataFields(vm entity.VerbMetadata) map[string]any {
	out := make(map[string]any, len(vm.Metadata)+2)
	for k, v := range vm.Metadata {
		out[k] = v
	}
	out["type"] = string(vm.Verb)
	out["weight"] = vm.Weight
	return out
}

func decodeNounFields(data []byte) (map[string]any, error) {
	rec, err := entity.DecodeMetadata(data)
	if err != nil {
		return nil, err
	}
	return nounMetadataFields(rec), nil
}

func decodeVerbFields(data []byte) (map[string]any, error) {
	vm, err := entity.DecodeVerbMetadata(data)
	if err != nil {
		return nil, err
	}
	return verbMetadataFields(vm), nil
}

// metadataFetcher returns a planner.MetadataFetcher reading a noun's or
// verb's metadata off bs, trying the noun namespace first.
func (s *Store) metadataFetcher(bs *branchState) planner.MetadataFetcher {
	return func(ctx context.Context, id string) (map[string]any, bool, error) {
		if data, ok, err := bs.kv.Get(ctx, kv.PrefixNounMeta+id); err != nil {
			return nil, false, err
		} else if ok {
			fields, err := decodeNounFields(data)
			return fields, err == nil, err
		}
		data, ok, err := bs.kv.Get(ctx, kv.PrefixVerbMeta+id)
		if err != nil || !ok {
			return nil, false, err
		}
		fields, err := decodeVerbFields(data)
		return fields, err == nil, err
	}
}

func (s *Store) runStatsFlushLoop() {
	defer s.bgWG.Done()
	ticker := time.NewTicker(s.config.Stats.MinFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.bgCtx.Done():
			return
		case <-ticker.C:
			s.flushAllStats(s.bgCtx)
		}
	}
}

func (s *Store) flushAllStats(ctx context.Context) {
	now := time.Now()
	s.mu.RLock()
	states := make([]*branchState, 0, len(s.branches))
	for _, bs := range s.branches {
		states = append(states, bs)
	}
	s.mu.RUnlock()
	for _, bs := range states {
		if bs.stats.ShouldFlush(now) {
			if err := bs.stats.Flush(ctx, s.logger); err != nil {
				s.logger.Warn("triplestore: stats flush failed", "branch", bs.name, "error", err)
			}
		}
	}
}

func (s *Store) runChangelogSweepLoop() {
	defer s.bgWG.Done()
	ticker := time.NewTicker(s.config.ChangeLogRetention / 4)
	defer ticker.Stop()
	for {
		select {
		case <-s.bgCtx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.config.ChangeLogRetention)
			if _, err := s.changelog.CleanupOldChangeLogs(s.bgCtx, cutoff); err != nil {
				s.logger.Warn("triplestore: changelog sweep failed", "error", err)
			}
		}
	}
}

// Flush drains every branch's write buffers, restores the HNSW
// symmetric-link invariant, and persists the metadata index and
// statistics counters. Call before a clean shutdown or whenever a
// caller needs durable state to reflect every buffered write.
func (s *Store) Flush(ctx context.Context) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	s.mu.RLock()
	states := make([]*branchState, 0, len(s.branches))
	for _, bs := range s.branches {
		states = append(states, bs)
	}
	s.mu.RUnlock()

	for _, bs := range states {
		if err := bs.kv.nounBuf.Flush(ctx); err != nil {
			return wrapError("flush", err)
		}
		if err := bs.kv.verbBuf.Flush(ctx); err != nil {
			return wrapError("flush", err)
		}
		if err := bs.nounIdx.Stabilize(ctx); err != nil {
			return wrapError("flush", err)
		}
		if err := bs.verbIdx.Stabilize(ctx); err != nil {
			return wrapError("flush", err)
		}
		if err := bs.ids.Save(ctx); err != nil {
			return wrapError("flush", err)
		}
		if err := bs.metaIdx.Flush(ctx); err != nil {
			return wrapError("flush", err)
		}
		if err := bs.stats.Flush(ctx, s.logger); err != nil {
			return wrapError("flush", err)
		}
	}
	return nil
}

// Close flushes every branch and stops the background loops. Safe to
// call more than once.
func (s *Store) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	err := s.Flush(ctx)
	s.bgCancel()
	s.bgWG.Wait()
	return err
}

// RegisterHook adds h to the store's pre-mutation/post-read augmentation
// chain (spec.md §9). Hooks run in ascending Priority order.
func (s *Store) RegisterHook(h hooks.Hook) { s.hooks.Register(h) }

// currentBranch returns the branch new operations default to.
func (s *Store) currentBranch() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// deriveVerbVector produces the vector a relationship is indexed under
// for semantic verb search: text embedded via the configured Embedder
// when one is set, or a deterministic pseudo-random unit vector seeded
// from the verb's id otherwise, so verbs remain searchable (if not
// semantically meaningful) even with no embedder configured.
func (s *Store) deriveVerbVector(ctx context.Context, id string, verbType entity.VerbType, metadata map[string]any) []float32 {
	if s.embed != nil {
		text := verbSearchText(verbType, metadata)
		if v, err := s.embed.Embed(ctx, text); err == nil {
			return v
		} else {
			s.logger.Warn("triplestore: verb embedding failed, falling back to deterministic vector", "verb", id, "error", err)
		}
	}
	return deterministicVector(id, s.config.Dim)
}

func verbSearchText(verbType entity.VerbType, metadata map[string]any) string {
	var b strings.Builder
	b.WriteString(string(verbType))
	for _, v := range metadata {
		if text, ok := v.(string); ok {
			b.WriteByte(' ')
			b.WriteString(text)
		}
	}
	return b.String()
}

func deterministicVector(seed string, dim int) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(seed))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))
	v := make([]float32, dim)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	return entity.Normalize(v)
}

func newID() string { return uuid.NewString() }
