package triplestore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/liliang-cn/triplestore/pkg/branch"
	"github.com/liliang-cn/triplestore/pkg/entity"
	"github.com/liliang-cn/triplestore/pkg/kv"
)

// entitySnapshot is the JSON shape an entity's Data blob takes inside a
// branch.Snapshot: enough to restore a noun's vector and type alongside
// its open metadata fields, which travel in the snapshot's Metadata arm.
type entitySnapshot struct {
	Type   entity.NounType `json:"type"`
	Vector []float32       `json:"vector"`
}

func encodeSnapshot(ent Entity) (branch.Snapshot, error) {
	data, err := json.Marshal(entitySnapshot{Type: ent.Type, Vector: ent.Vector})
	if err != nil {
		return branch.Snapshot{}, err
	}
	meta, err := json.Marshal(ent.Metadata)
	if err != nil {
		return branch.Snapshot{}, err
	}
	return branch.Snapshot{Data: data, Metadata: meta}, nil
}

func decodeSnapshot(snap branch.Snapshot) (entitySnapshot, map[string]any, error) {
	var es entitySnapshot
	if len(snap.Data) > 0 {
		if err := json.Unmarshal(snap.Data, &es); err != nil {
			return entitySnapshot{}, nil, err
		}
	}
	var metadata map[string]any
	if len(snap.Metadata) > 0 {
		if err := json.Unmarshal(snap.Metadata, &metadata); err != nil {
			return entitySnapshot{}, nil, err
		}
	}
	return es, metadata, nil
}

// Fork creates a new branch as a copy-on-write child of parent ("" means
// the current branch). Forking is O(1): nothing is copied, reads on the
// new branch simply fall through until something diverges.
func (s *Store) Fork(ctx context.Context, name, parent string) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	if parent == "" {
		parent = s.currentBranch()
	}
	if err := s.overlay.CreateBranch(ctx, name, parent); err != nil {
		return wrapError("fork", err)
	}
	return nil
}

// Checkout switches the store's current branch, lazily building that
// branch's indexes if this is the first time it's touched.
func (s *Store) Checkout(ctx context.Context, name string) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	exists, err := s.overlay.Exists(ctx, name)
	if err != nil {
		return wrapError("checkout", err)
	}
	if !exists {
		return newError("checkout", CodeNotFound, fmt.Errorf("branch %s: %w", name, ErrNotFound))
	}
	if _, err := s.branch(ctx, name); err != nil {
		return wrapError("checkout", err)
	}
	s.mu.Lock()
	s.current = name
	s.mu.Unlock()
	return nil
}

// CurrentBranch returns the branch new operations default to.
func (s *Store) CurrentBranch() string { return s.currentBranch() }

// ListBranches returns every branch built so far in this process plus
// main. Branches created but never checked out in this process aren't
// enumerable without a reverse index the KV façade doesn't maintain
// (spec.md §4.8 leaves branch enumeration as a caller-side concern).
func (s *Store) ListBranches() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.branches))
	for name := range s.branches {
		out = append(out, name)
	}
	return out
}

// DeleteBranch removes a branch's in-memory state from this process.
// Its durable namespace (branches/<name>/…) is left untouched — deleting
// it outright would require enumerating and removing every key under
// the prefix, an operation the KV façade has no bulk primitive for.
func (s *Store) DeleteBranch(ctx context.Context, name string) error {
	if name == "" || name == kv.MainBranch {
		return newError("deleteBranch", CodeInvalidArgument, fmt.Errorf("cannot delete the main branch"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if name == s.current {
		return newError("deleteBranch", CodeInvalidArgument, fmt.Errorf("branch %s is checked out", name))
	}
	delete(s.branches, name)
	return nil
}

// Commit snapshots the latest version of each of entityIDs on the
// current branch into a named point the caller can later asOf.
func (s *Store) Commit(ctx context.Context, entityIDs []string, message, author string, metadata map[string]any) (string, error) {
	if err := s.checkReady(); err != nil {
		return "", err
	}
	record, err := s.commits.Commit(ctx, s.currentBranch(), entityIDs, branch.CommitOpts{Message: message, Author: author, Metadata: metadata})
	if err != nil {
		return "", wrapError("commit", err)
	}
	return record.ID, nil
}

// GetHistory returns up to limit commits for the current branch, most
// recent first. limit<=0 is unbounded.
func (s *Store) GetHistory(ctx context.Context, limit int) ([]branch.CommitRecord, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	records, err := s.commits.History(ctx, s.currentBranch(), limit)
	if err != nil {
		return nil, wrapError("getHistory", err)
	}
	return records, nil
}

// AsOf returns a read-only view of the current branch pinned to
// commitID: entities the commit tracked resolve to their version at
// commit time, everything else falls through to live state.
func (s *Store) AsOf(ctx context.Context, commitID string, cacheSize int) (*ReadOnlyStore, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	branchName := s.currentBranch()
	record, ok, err := s.commits.Get(ctx, branchName, commitID)
	if err != nil {
		return nil, wrapError("asOf", err)
	}
	if !ok {
		return nil, newError("asOf", CodeNotFound, fmt.Errorf("commit %s: %w", commitID, ErrNotFound))
	}

	fetch := func(ctx context.Context, entityID string, version uint64) (branch.Snapshot, bool, error) {
		return s.versions.GetContent(ctx, entityID, branchName, version, "")
	}
	fetchLive := func(ctx context.Context, entityID string, _ uint64) (branch.Snapshot, bool, error) {
		bs, err := s.branch(ctx, branchName)
		if err != nil {
			return branch.Snapshot{}, false, err
		}
		ent, err := s.getEntity(ctx, bs, entityID)
		if err != nil {
			if cerr, ok := err.(*StoreError); ok && cerr.Code == CodeNotFound {
				return branch.Snapshot{}, false, nil
			}
			return branch.Snapshot{}, false, err
		}
		snap, err := encodeSnapshot(ent)
		return snap, true, err
	}

	view := branch.NewView(record, fetch, fetchLive, cacheSize)
	return &ReadOnlyStore{view: view}, nil
}

// ReadOnlyStore is a point-in-time read view returned by AsOf.
type ReadOnlyStore struct {
	view *branch.View
}

// Get resolves entityID as of the pinned commit.
func (r *ReadOnlyStore) Get(ctx context.Context, entityID string) (Entity, bool, error) {
	snap, ok, err := r.view.Get(ctx, entityID)
	if err != nil || !ok {
		return Entity{}, ok, err
	}
	es, metadata, err := decodeSnapshot(snap)
	if err != nil {
		return Entity{}, false, err
	}
	return Entity{ID: entityID, Type: es.Type, Vector: es.Vector, Metadata: metadata}, true, nil
}

// SaveVersion snapshots id's current state on the current branch.
func (s *Store) SaveVersion(ctx context.Context, id, tag, description string) (branch.Record, error) {
	if err := s.checkReady(); err != nil {
		return branch.Record{}, err
	}
	bs, err := s.branch(ctx, s.currentBranch())
	if err != nil {
		return branch.Record{}, wrapError("saveVersion", err)
	}
	ent, err := s.getEntity(ctx, bs, id)
	if err != nil {
		return branch.Record{}, err
	}
	snap, err := encodeSnapshot(ent)
	if err != nil {
		return branch.Record{}, wrapError("saveVersion", err)
	}
	record, err := s.versions.Save(ctx, id, bs.name, snap, branch.SaveOpts{Tag: tag, Description: description})
	if err != nil {
		return branch.Record{}, wrapError("saveVersion", err)
	}
	return record, nil
}

// ListVersions returns every version record for id on the current
// branch, oldest first.
func (s *Store) ListVersions(ctx context.Context, id string) ([]branch.Record, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	records, err := s.versions.List(ctx, id, s.currentBranch())
	if err != nil {
		return nil, wrapError("listVersions", err)
	}
	return records, nil
}

// RestoreVersion resolves version v (or tag, when v is 0) for id and
// applies it as a normal update.
func (s *Store) RestoreVersion(ctx context.Context, id string, v uint64, tag string) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	snap, err := s.versions.Restore(ctx, id, s.currentBranch(), v, tag)
	if err != nil {
		return wrapError("restoreVersion", err)
	}
	es, metadata, err := decodeSnapshot(snap)
	if err != nil {
		return wrapError("restoreVersion", err)
	}
	return s.Update(ctx, id, es.Vector, metadata)
}

// Undo restores id to its immediately preceding version.
func (s *Store) Undo(ctx context.Context, id string) error {
	records, err := s.ListVersions(ctx, id)
	if err != nil {
		return err
	}
	if len(records) < 2 {
		return newError("undo", CodeNotFound, fmt.Errorf("entity %s: %w: no prior version", id, ErrNotFound))
	}
	prev := records[len(records)-2]
	return s.RestoreVersion(ctx, id, prev.Version, "")
}

// CompareVersions diffs id's versionA and versionB field-wise.
func (s *Store) CompareVersions(ctx context.Context, id string, versionA, versionB uint64) (branch.Diff, error) {
	if err := s.checkReady(); err != nil {
		return branch.Diff{}, err
	}
	diff, err := s.versions.Compare(ctx, id, s.currentBranch(), versionA, versionB)
	if err != nil {
		return branch.Diff{}, wrapError("compareVersions", err)
	}
	return diff, nil
}

// GetVersionContent fetches and decodes the snapshot for version v (or
// tag) of id on the current branch.
func (s *Store) GetVersionContent(ctx context.Context, id string, v uint64, tag string) (Entity, error) {
	if err := s.checkReady(); err != nil {
		return Entity{}, err
	}
	snap, ok, err := s.versions.GetContent(ctx, id, s.currentBranch(), v, tag)
	if err != nil {
		return Entity{}, wrapError("getVersionContent", err)
	}
	if !ok {
		return Entity{}, newError("getVersionContent", CodeNotFound, fmt.Errorf("entity %s version %d: %w", id, v, ErrNotFound))
	}
	es, metadata, err := decodeSnapshot(snap)
	if err != nil {
		return Entity{}, wrapError("getVersionContent", err)
	}
	return Entity{ID: id, Type: es.Type, Vector: es.Vector, Metadata: metadata}, nil
}

// PruneVersions removes id's version records on the current branch
// matching opts, garbage-collecting any content blob left with no
// remaining references.
func (s *Store) PruneVersions(ctx context.Context, id string, opts branch.PruneOpts) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	if err := s.versions.Prune(ctx, id, s.currentBranch(), opts); err != nil {
		return wrapError("pruneVersions", err)
	}
	return nil
}

// GetLatestVersion returns id's highest-numbered version record on the
// current branch.
func (s *Store) GetLatestVersion(ctx context.Context, id string) (branch.Record, bool, error) {
	if err := s.checkReady(); err != nil {
		return branch.Record{}, false, err
	}
	record, ok, err := s.versions.GetLatest(ctx, id, s.currentBranch())
	if err != nil {
		return branch.Record{}, false, wrapError("getLatestVersion", err)
	}
	return record, ok, nil
}

// GetVersionByTag returns the most recent version of id tagged tag.
func (s *Store) GetVersionByTag(ctx context.Context, id, tag string) (branch.Record, bool, error) {
	if err := s.checkReady(); err != nil {
		return branch.Record{}, false, err
	}
	record, ok, err := s.versions.GetVersionByTag(ctx, id, s.currentBranch(), tag)
	if err != nil {
		return branch.Record{}, false, wrapError("getVersionByTag", err)
	}
	return record, ok, nil
}

// VersionCount returns how many versions id has on the current branch.
func (s *Store) VersionCount(ctx context.Context, id string) (int, error) {
	if err := s.checkReady(); err != nil {
		return 0, err
	}
	n, err := s.versions.Count(ctx, id, s.currentBranch())
	if err != nil {
		return 0, wrapError("versionCount", err)
	}
	return n, nil
}

// HasVersions reports whether id has any version recorded on the
// current branch.
func (s *Store) HasVersions(ctx context.Context, id string) (bool, error) {
	if err := s.checkReady(); err != nil {
		return false, err
	}
	ok, err := s.versions.HasVersions(ctx, id, s.currentBranch())
	if err != nil {
		return false, wrapError("hasVersions", err)
	}
	return ok, nil
}
