package branch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/liliang-cn/triplestore/pkg/cache"
	"github.com/liliang-cn/triplestore/pkg/kv"
)

// CommitRecord captures the version each tracked entity was at when the
// commit was taken, so asOf(commitId) can reconstruct that point in
// time without freezing the whole store.
type CommitRecord struct {
	ID        string            `json:"id"`
	Branch    string            `json:"branch"`
	Message   string            `json:"message,omitempty"`
	Author    string            `json:"author,omitempty"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	Entities  map[string]uint64 `json:"entities"`
}

// CommitOpts carries the optional message/author/metadata for commit().
type CommitOpts struct {
	Message  string
	Author   string
	Metadata map[string]any
}

func commitKey(branch, id string) string {
	return fmt.Sprintf("%s%s/%s", kv.PrefixCommit, branch, id)
}

// Commits implements spec.md §4.8's commit/history/asOf surface on top
// of Versions: a commit is a named snapshot of "entityId -> version"
// pairs, one per entity the caller asks to track.
type Commits struct {
	store    kv.Store
	versions *Versions
}

// NewCommits returns a Commits subsystem writing commit records through
// store and resolving entity versions through versions.
func NewCommits(store kv.Store, versions *Versions) *Commits {
	return &Commits{store: store, versions: versions}
}

// Commit snapshots the latest version of each of entityIDs on branch
// into a new commit record. Entities with no version history yet are
// skipped — asOf falls through to their live state.
func (c *Commits) Commit(ctx context.Context, branch string, entityIDs []string, opts CommitOpts) (CommitRecord, error) {
	entities := make(map[string]uint64, len(entityIDs))
	for _, id := range entityIDs {
		latest, ok, err := c.versions.GetLatest(ctx, id, branch)
		if err != nil {
			return CommitRecord{}, fmt.Errorf("branch commit: %w", err)
		}
		if !ok {
			continue
		}
		entities[id] = latest.Version
	}

	record := CommitRecord{
		ID:        uuid.NewString(),
		Branch:    branch,
		Message:   opts.Message,
		Author:    opts.Author,
		Metadata:  opts.Metadata,
		CreatedAt: time.Now(),
		Entities:  entities,
	}
	data, err := json.Marshal(record)
	if err != nil {
		return CommitRecord{}, fmt.Errorf("branch commit: marshal: %w", err)
	}
	if err := c.store.Put(ctx, commitKey(branch, record.ID), data); err != nil {
		return CommitRecord{}, fmt.Errorf("branch commit: %w", err)
	}
	return record, nil
}

// Get fetches a single commit record by id.
func (c *Commits) Get(ctx context.Context, branch, commitID string) (CommitRecord, bool, error) {
	data, ok, err := c.store.Get(ctx, commitKey(branch, commitID))
	if err != nil || !ok {
		return CommitRecord{}, ok, err
	}
	var record CommitRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return CommitRecord{}, false, fmt.Errorf("branch commit: corrupt record %s: %w", commitID, err)
	}
	return record, true, nil
}

// History returns up to limit commit records for branch, most recent
// first. limit<=0 means unbounded.
func (c *Commits) History(ctx context.Context, branch string, limit int) ([]CommitRecord, error) {
	var records []CommitRecord
	cursor := ""
	prefix := kv.PrefixCommit + branch + "/"
	for {
		keys, next, err := c.store.List(ctx, prefix, 500, cursor)
		if err != nil {
			return nil, fmt.Errorf("branch history: %w", err)
		}
		if len(keys) > 0 {
			values, err := c.store.BatchGet(ctx, keys)
			if err != nil {
				return nil, fmt.Errorf("branch history: %w", err)
			}
			for _, key := range keys {
				data, ok := values[key]
				if !ok {
					continue
				}
				var r CommitRecord
				if err := json.Unmarshal(data, &r); err != nil {
					return nil, fmt.Errorf("branch history: corrupt record %s: %w", key, err)
				}
				records = append(records, r)
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.After(records[j].CreatedAt) })
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// EntityFetcher resolves an entity at a specific version — supplied by
// the root store façade, which owns the noun/verb shape Versions and
// Commits intentionally don't know about.
type EntityFetcher func(ctx context.Context, entityID string, version uint64) (Snapshot, bool, error)

// View is the read-only store view asOf(commitId) returns. Reads for
// an entity the commit tracked resolve to that entity's snapshot at
// the committed version; reads for an entity the commit never saw fall
// through to fetchLive. Results are bounded by an LRU cache so repeat
// reads of the same entity don't refetch its version blob.
type View struct {
	commit    CommitRecord
	fetch     EntityFetcher
	fetchLive EntityFetcher
	cache     *cache.Cache
}

// NewView returns a read-only view pinned to commit. cacheSize bounds
// the number of resolved entity snapshots held in memory; 0 uses
// cache.DefaultConfig().
func NewView(commit CommitRecord, fetch, fetchLive EntityFetcher, cacheSize int) *View {
	cfg := cache.DefaultConfig()
	if cacheSize > 0 {
		limits := cfg.Limits[cache.ClassEntity]
		limits.MaxItems = cacheSize
		cfg.Limits[cache.ClassEntity] = limits
	}
	return &View{
		commit:    commit,
		fetch:     fetch,
		fetchLive: fetchLive,
		cache:     cache.New(cfg),
	}
}

// Get resolves entityID as of the view's commit.
func (vw *View) Get(ctx context.Context, entityID string) (Snapshot, bool, error) {
	if cached, ok := vw.cache.Get(entityID); ok {
		snap, ok := cached.(Snapshot)
		return snap, ok, nil
	}

	version, tracked := vw.commit.Entities[entityID]
	var (
		snap Snapshot
		ok   bool
		err  error
	)
	if tracked {
		snap, ok, err = vw.fetch(ctx, entityID, version)
	} else {
		snap, ok, err = vw.fetchLive(ctx, entityID, 0)
	}
	if err != nil || !ok {
		return Snapshot{}, ok, err
	}
	vw.cache.Put(cache.ClassEntity, entityID, snap)
	return snap, true, nil
}

// CommitID returns the commit this view is pinned to.
func (vw *View) CommitID() string { return vw.commit.ID }
