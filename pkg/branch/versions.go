package branch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/liliang-cn/triplestore/pkg/kv"
)

// Snapshot is the canonical-JSON unit versions.save hashes and stores:
// an entity's data and metadata together, per spec.md §4.8.
type Snapshot struct {
	Data     json.RawMessage `json:"data"`
	Metadata json.RawMessage `json:"metadata"`
}

// Record is a persisted version-metadata entry, `_version/<id>/<n>/<branch>`.
type Record struct {
	Version     uint64    `json:"version"`
	Tag         string    `json:"tag,omitempty"`
	Description string    `json:"description,omitempty"`
	ContentHash string    `json:"contentHash"`
	CreatedAt   time.Time `json:"createdAt"`
}

// SaveOpts carries the optional tag/description for versions.save.
type SaveOpts struct {
	Tag         string
	Description string
}

// PruneOpts filters which version records versions.prune removes.
// A record survives if it matches any configured keep criterion or, when
// OlderThan is set, if it is younger than that cutoff. A zero OlderThan
// applies no age limit: every record not kept by KeepRecent/KeepTagged
// is removed.
type PruneOpts struct {
	KeepRecent int
	KeepTagged bool
	OlderThan  time.Duration
}

// FieldChange is one field-level difference between two snapshots.
type FieldChange struct {
	Path     string `json:"path"`
	OldValue any    `json:"oldValue,omitempty"`
	NewValue any    `json:"newValue,omitempty"`
}

// Diff is the field-wise comparison two snapshots produce.
type Diff struct {
	Added    []FieldChange `json:"added"`
	Removed  []FieldChange `json:"removed"`
	Modified []FieldChange `json:"modified"`
}

// Versions implements the entity-versioning subsystem (spec.md §4.8):
// content-addressed snapshot blobs deduplicated by SHA-256, with a
// per-(entity,branch) sequence of version-metadata records pointing at
// them.
type Versions struct {
	store kv.Store
}

// NewVersions returns a Versions subsystem over store.
func NewVersions(store kv.Store) *Versions {
	return &Versions{store: store}
}

func versionPrefix(entityID string) string {
	return kv.PrefixVersion + entityID + "/"
}

func versionKey(entityID string, n uint64, branch string) string {
	return fmt.Sprintf("%s%s/%d/%s", kv.PrefixVersion, entityID, n, branch)
}

func blobKey(hash string) string {
	return kv.PrefixVersionBlob + hash
}

func hashSnapshot(s Snapshot) (string, []byte, error) {
	canon, err := json.Marshal(s)
	if err != nil {
		return "", nil, fmt.Errorf("branch versions: marshal snapshot: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), canon, nil
}

// Save computes the snapshot's content hash, writes the blob if absent
// (CAS dedupe), and appends a new version record on branch at
// latest+1. If the latest record on branch already points at the same
// content hash, no record is appended and that latest record is
// returned instead.
func (v *Versions) Save(ctx context.Context, entityID, branch string, snap Snapshot, opts SaveOpts) (Record, error) {
	hash, canon, err := hashSnapshot(snap)
	if err != nil {
		return Record{}, err
	}
	latest, ok, err := v.GetLatest(ctx, entityID, branch)
	if err != nil {
		return Record{}, err
	}
	if ok && latest.ContentHash == hash {
		return latest, nil
	}
	if _, ok, err := v.store.Get(ctx, blobKey(hash)); err != nil {
		return Record{}, fmt.Errorf("branch versions: save %s: %w", entityID, err)
	} else if !ok {
		if err := v.store.Put(ctx, blobKey(hash), canon); err != nil {
			return Record{}, fmt.Errorf("branch versions: save %s: %w", entityID, err)
		}
	}

	n := uint64(1)
	if ok {
		n = latest.Version + 1
	}

	record := Record{
		Version:     n,
		Tag:         opts.Tag,
		Description: opts.Description,
		ContentHash: hash,
		CreatedAt:   time.Now(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return Record{}, fmt.Errorf("branch versions: marshal record: %w", err)
	}
	if err := v.store.Put(ctx, versionKey(entityID, n, branch), data); err != nil {
		return Record{}, fmt.Errorf("branch versions: save %s: %w", entityID, err)
	}
	return record, nil
}

// List returns every version record for entityID on branch, oldest
// first.
func (v *Versions) List(ctx context.Context, entityID, branch string) ([]Record, error) {
	var records []Record
	cursor := ""
	for {
		keys, next, err := v.store.List(ctx, versionPrefix(entityID), 500, cursor)
		if err != nil {
			return nil, fmt.Errorf("branch versions: list %s: %w", entityID, err)
		}
		if len(keys) == 0 {
			break
		}
		values, err := v.store.BatchGet(ctx, keys)
		if err != nil {
			return nil, fmt.Errorf("branch versions: list %s: %w", entityID, err)
		}
		for _, key := range keys {
			if !strings.HasSuffix(key, "/"+branch) {
				continue
			}
			data, ok := values[key]
			if !ok {
				continue
			}
			var r Record
			if err := json.Unmarshal(data, &r); err != nil {
				return nil, fmt.Errorf("branch versions: corrupt record %s: %w", key, err)
			}
			records = append(records, r)
		}
		if next == "" {
			break
		}
		cursor = next
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Version < records[j].Version })
	return records, nil
}

// Count returns the number of versions recorded for entityID on
// branch.
func (v *Versions) Count(ctx context.Context, entityID, branch string) (int, error) {
	records, err := v.List(ctx, entityID, branch)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// HasVersions reports whether entityID has any version recorded on
// branch.
func (v *Versions) HasVersions(ctx context.Context, entityID, branch string) (bool, error) {
	n, err := v.Count(ctx, entityID, branch)
	return n > 0, err
}

// GetLatest returns the highest-numbered version record for entityID
// on branch.
func (v *Versions) GetLatest(ctx context.Context, entityID, branch string) (Record, bool, error) {
	records, err := v.List(ctx, entityID, branch)
	if err != nil {
		return Record{}, false, err
	}
	if len(records) == 0 {
		return Record{}, false, nil
	}
	return records[len(records)-1], true, nil
}

// GetVersionByTag returns the most recent version tagged tag.
func (v *Versions) GetVersionByTag(ctx context.Context, entityID, branch, tag string) (Record, bool, error) {
	records, err := v.List(ctx, entityID, branch)
	if err != nil {
		return Record{}, false, err
	}
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Tag == tag {
			return records[i], true, nil
		}
	}
	return Record{}, false, nil
}

// resolve returns the record for version, or the one resolved by tag
// when tag != "" (a non-empty tag takes precedence over version).
func (v *Versions) resolve(ctx context.Context, entityID, branch string, version uint64, tag string) (Record, bool, error) {
	if tag != "" {
		return v.GetVersionByTag(ctx, entityID, branch, tag)
	}
	records, err := v.List(ctx, entityID, branch)
	if err != nil {
		return Record{}, false, err
	}
	for _, r := range records {
		if r.Version == version {
			return r, true, nil
		}
	}
	return Record{}, false, nil
}

// GetContent fetches and decodes the snapshot blob for version v (or
// for tag, when v is 0 and tag is non-empty) of entityID on branch.
func (v *Versions) GetContent(ctx context.Context, entityID, branch string, version uint64, tag string) (Snapshot, bool, error) {
	record, ok, err := v.resolve(ctx, entityID, branch, version, tag)
	if err != nil || !ok {
		return Snapshot{}, false, err
	}
	data, ok, err := v.store.Get(ctx, blobKey(record.ContentHash))
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("branch versions: get content %s: %w", entityID, err)
	}
	if !ok {
		return Snapshot{}, false, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("branch versions: corrupt blob %s: %w", record.ContentHash, err)
	}
	return snap, true, nil
}

// Restore resolves the snapshot for version v (or tag), for the caller
// to apply as a normal update — Versions has no notion of how an
// entity update is performed, that belongs to the root store façade.
func (v *Versions) Restore(ctx context.Context, entityID, branch string, version uint64, tag string) (Snapshot, error) {
	snap, ok, err := v.GetContent(ctx, entityID, branch, version, tag)
	if err != nil {
		return Snapshot{}, err
	}
	if !ok {
		return Snapshot{}, fmt.Errorf("branch versions: restore %s: %w", entityID, ErrVersionNotFound)
	}
	return snap, nil
}

// Compare diffs the snapshots at versionA and versionB field-wise.
func (v *Versions) Compare(ctx context.Context, entityID, branch string, versionA, versionB uint64) (Diff, error) {
	a, ok, err := v.GetContent(ctx, entityID, branch, versionA, "")
	if err != nil {
		return Diff{}, err
	}
	if !ok {
		return Diff{}, fmt.Errorf("branch versions: compare %s: %w version %d", entityID, ErrVersionNotFound, versionA)
	}
	b, ok, err := v.GetContent(ctx, entityID, branch, versionB, "")
	if err != nil {
		return Diff{}, err
	}
	if !ok {
		return Diff{}, fmt.Errorf("branch versions: compare %s: %w version %d", entityID, ErrVersionNotFound, versionB)
	}
	return diffSnapshots(a, b), nil
}

func diffSnapshots(a, b Snapshot) Diff {
	flatA := map[string]any{}
	flatB := map[string]any{}
	flattenSnapshot(a, flatA)
	flattenSnapshot(b, flatB)

	var diff Diff
	for path, av := range flatA {
		bv, ok := flatB[path]
		if !ok {
			diff.Removed = append(diff.Removed, FieldChange{Path: path, OldValue: av})
			continue
		}
		if !equalJSON(av, bv) {
			diff.Modified = append(diff.Modified, FieldChange{Path: path, OldValue: av, NewValue: bv})
		}
	}
	for path, bv := range flatB {
		if _, ok := flatA[path]; !ok {
			diff.Added = append(diff.Added, FieldChange{Path: path, NewValue: bv})
		}
	}
	sortChanges(diff.Added)
	sortChanges(diff.Removed)
	sortChanges(diff.Modified)
	return diff
}

func sortChanges(changes []FieldChange) {
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
}

func flattenSnapshot(s Snapshot, out map[string]any) {
	flattenInto("data", s.Data, out)
	flattenInto("metadata", s.Metadata, out)
}

func flattenInto(prefix string, raw json.RawMessage, out map[string]any) {
	if len(raw) == 0 {
		return
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		out[prefix] = string(raw)
		return
	}
	flattenValue(prefix, v, out)
}

func flattenValue(prefix string, v any, out map[string]any) {
	m, ok := v.(map[string]any)
	if !ok {
		out[prefix] = v
		return
	}
	if len(m) == 0 {
		out[prefix] = map[string]any{}
		return
	}
	for k, child := range m {
		flattenValue(prefix+"."+k, child, out)
	}
}

func equalJSON(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ja) == string(jb)
}

// Prune deletes version records for entityID on branch that satisfy
// none of opts' keep criteria, then deletes any blob whose reference
// count (outstanding version records across every entity and branch)
// drops to zero.
func (v *Versions) Prune(ctx context.Context, entityID, branch string, opts PruneOpts) error {
	records, err := v.List(ctx, entityID, branch)
	if err != nil {
		return err
	}
	keep := make(map[uint64]bool, len(records))
	if opts.KeepRecent > 0 {
		for i := len(records) - 1; i >= 0 && len(records)-i <= opts.KeepRecent; i-- {
			keep[records[i].Version] = true
		}
	}
	if opts.KeepTagged {
		for _, r := range records {
			if r.Tag != "" {
				keep[r.Version] = true
			}
		}
	}
	var cutoff time.Time
	if opts.OlderThan > 0 {
		cutoff = time.Now().Add(-opts.OlderThan)
	}

	var removedHashes []string
	for _, r := range records {
		if keep[r.Version] {
			continue
		}
		if opts.OlderThan > 0 && !r.CreatedAt.Before(cutoff) {
			continue
		}
		if err := v.store.Delete(ctx, versionKey(entityID, r.Version, branch)); err != nil {
			return fmt.Errorf("branch versions: prune %s: %w", entityID, err)
		}
		removedHashes = append(removedHashes, r.ContentHash)
	}

	for _, hash := range removedHashes {
		refs, err := v.countReferences(ctx, hash)
		if err != nil {
			return err
		}
		if refs == 0 {
			if err := v.store.Delete(ctx, blobKey(hash)); err != nil {
				return fmt.Errorf("branch versions: prune blob %s: %w", hash, err)
			}
		}
	}
	return nil
}

// countReferences scans every version record in the store for ones
// pointing at hash. Pruning is an infrequent maintenance operation, so
// a full scan trades throughput for not needing a separate persisted
// refcount key outside the bit-exact layout.
func (v *Versions) countReferences(ctx context.Context, hash string) (int, error) {
	count := 0
	cursor := ""
	for {
		keys, next, err := v.store.List(ctx, kv.PrefixVersion, 500, cursor)
		if err != nil {
			return 0, fmt.Errorf("branch versions: count refs: %w", err)
		}
		if len(keys) > 0 {
			values, err := v.store.BatchGet(ctx, keys)
			if err != nil {
				return 0, fmt.Errorf("branch versions: count refs: %w", err)
			}
			for _, data := range values {
				var r Record
				if err := json.Unmarshal(data, &r); err != nil {
					continue
				}
				if r.ContentHash == hash {
					count++
				}
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}
	return count, nil
}

// ErrVersionNotFound is returned when a requested version or tag has
// no matching record.
var ErrVersionNotFound = fmt.Errorf("branch versions: version not found")
