package branch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/liliang-cn/triplestore/pkg/kv"
)

func snap(t *testing.T, data, metadata string) Snapshot {
	t.Helper()
	return Snapshot{Data: json.RawMessage(data), Metadata: json.RawMessage(metadata)}
}

func TestSaveAssignsSequentialVersions(t *testing.T) {
	ctx := context.Background()
	v := NewVersions(kv.NewMemory())

	r1, err := v.Save(ctx, "e1", kv.MainBranch, snap(t, `{"name":"Alice"}`, `{}`), SaveOpts{Tag: "v1"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if r1.Version != 1 {
		t.Fatalf("expected version 1, got %d", r1.Version)
	}

	r2, err := v.Save(ctx, "e1", kv.MainBranch, snap(t, `{"name":"Alice Smith"}`, `{}`), SaveOpts{Tag: "v2"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if r2.Version != 2 {
		t.Fatalf("expected version 2, got %d", r2.Version)
	}
}

func TestSaveIsIdempotentByContentHashWithoutMutation(t *testing.T) {
	ctx := context.Background()
	v := NewVersions(kv.NewMemory())

	s := snap(t, `{"name":"Alice"}`, `{}`)
	r1, err := v.Save(ctx, "e1", kv.MainBranch, s, SaveOpts{})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	r2, err := v.Save(ctx, "e1", kv.MainBranch, s, SaveOpts{})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if r1.ContentHash != r2.ContentHash {
		t.Fatalf("expected identical content hash for identical snapshot")
	}
	// A second save of unchanged content adds no record: it returns the
	// latest record, which already points at the same content hash.
	count, err := v.Count(ctx, "e1", kv.MainBranch)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 version record, got %d", count)
	}
}

func TestGetContentRoundTripsSnapshot(t *testing.T) {
	ctx := context.Background()
	v := NewVersions(kv.NewMemory())

	s := snap(t, `{"name":"Alice"}`, `{"weight":0.5}`)
	r, err := v.Save(ctx, "e1", kv.MainBranch, s, SaveOpts{})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	got, ok, err := v.GetContent(ctx, "e1", kv.MainBranch, r.Version, "")
	if err != nil {
		t.Fatalf("get content: %v", err)
	}
	if !ok {
		t.Fatalf("expected content present")
	}
	if string(got.Data) != string(s.Data) {
		t.Fatalf("expected round-tripped data %s, got %s", s.Data, got.Data)
	}
}

func TestGetVersionByTagReturnsMostRecentMatch(t *testing.T) {
	ctx := context.Background()
	v := NewVersions(kv.NewMemory())

	if _, err := v.Save(ctx, "e1", kv.MainBranch, snap(t, `{"v":1}`, `{}`), SaveOpts{Tag: "stable"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := v.Save(ctx, "e1", kv.MainBranch, snap(t, `{"v":2}`, `{}`), SaveOpts{}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := v.Save(ctx, "e1", kv.MainBranch, snap(t, `{"v":3}`, `{}`), SaveOpts{Tag: "stable"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	r, ok, err := v.GetVersionByTag(ctx, "e1", kv.MainBranch, "stable")
	if err != nil || !ok {
		t.Fatalf("get version by tag: ok=%v err=%v", ok, err)
	}
	if r.Version != 3 {
		t.Fatalf("expected latest tagged version 3, got %d", r.Version)
	}
}

func TestCompareReportsModifiedField(t *testing.T) {
	ctx := context.Background()
	v := NewVersions(kv.NewMemory())

	r1, err := v.Save(ctx, "e1", kv.MainBranch, snap(t, `{}`, `{"name":"Alice"}`), SaveOpts{Tag: "v1"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	r2, err := v.Save(ctx, "e1", kv.MainBranch, snap(t, `{}`, `{"name":"Alice Smith"}`), SaveOpts{Tag: "v2"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	diff, err := v.Compare(ctx, "e1", kv.MainBranch, r1.Version, r2.Version)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if len(diff.Modified) != 1 {
		t.Fatalf("expected exactly one modified field, got %d: %+v", len(diff.Modified), diff.Modified)
	}
	m := diff.Modified[0]
	if m.Path != "metadata.name" || m.OldValue != "Alice" || m.NewValue != "Alice Smith" {
		t.Fatalf("unexpected modified field: %+v", m)
	}
}

func TestCompareReportsAddedAndRemovedFields(t *testing.T) {
	ctx := context.Background()
	v := NewVersions(kv.NewMemory())

	r1, err := v.Save(ctx, "e1", kv.MainBranch, snap(t, `{"old":"x"}`, `{}`), SaveOpts{})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	r2, err := v.Save(ctx, "e1", kv.MainBranch, snap(t, `{"new":"y"}`, `{}`), SaveOpts{})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	diff, err := v.Compare(ctx, "e1", kv.MainBranch, r1.Version, r2.Version)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if len(diff.Removed) != 1 || diff.Removed[0].Path != "data.old" {
		t.Fatalf("expected data.old removed, got %+v", diff.Removed)
	}
	if len(diff.Added) != 1 || diff.Added[0].Path != "data.new" {
		t.Fatalf("expected data.new added, got %+v", diff.Added)
	}
}

func TestRestoreReturnsSnapshotForCallerToApply(t *testing.T) {
	ctx := context.Background()
	v := NewVersions(kv.NewMemory())

	r, err := v.Save(ctx, "e1", kv.MainBranch, snap(t, `{"name":"Alice"}`, `{}`), SaveOpts{Tag: "v1"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := v.Restore(ctx, "e1", kv.MainBranch, r.Version, "")
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if string(got.Data) != `{"name":"Alice"}` {
		t.Fatalf("unexpected restored data: %s", got.Data)
	}

	if _, err := v.Restore(ctx, "e1", kv.MainBranch, 99, ""); err == nil {
		t.Fatalf("expected error restoring unknown version")
	}
}

func TestPruneKeepsRecentAndTaggedDeletesTheRest(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	v := NewVersions(store)

	var hashes []string
	for i := 1; i <= 5; i++ {
		opts := SaveOpts{}
		if i == 1 {
			opts.Tag = "keep-me"
		}
		r, err := v.Save(ctx, "e1", kv.MainBranch, snap(t, jsonInt(i), `{}`), opts)
		if err != nil {
			t.Fatalf("save: %v", err)
		}
		hashes = append(hashes, r.ContentHash)
	}

	if err := v.Prune(ctx, "e1", kv.MainBranch, PruneOpts{KeepRecent: 1, KeepTagged: true}); err != nil {
		t.Fatalf("prune: %v", err)
	}

	records, err := v.List(ctx, "e1", kv.MainBranch)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 surviving records (tagged v1 + recent v5), got %d: %+v", len(records), records)
	}
	kept := map[uint64]bool{}
	for _, r := range records {
		kept[r.Version] = true
	}
	if !kept[1] || !kept[5] {
		t.Fatalf("expected versions 1 and 5 to survive, got %+v", records)
	}

	if _, ok, err := store.Get(ctx, blobKey(hashes[1])); err != nil || ok {
		t.Fatalf("expected pruned version's unshared blob removed, ok=%v err=%v", ok, err)
	}
}

func TestPruneDoesNotDeleteBlobStillReferencedByAnotherEntity(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	v := NewVersions(store)

	shared := snap(t, `{"shared":true}`, `{}`)
	r, err := v.Save(ctx, "e1", kv.MainBranch, shared, SaveOpts{})
	if err != nil {
		t.Fatalf("save e1: %v", err)
	}
	if _, err := v.Save(ctx, "e2", kv.MainBranch, shared, SaveOpts{}); err != nil {
		t.Fatalf("save e2: %v", err)
	}

	if err := v.Prune(ctx, "e1", kv.MainBranch, PruneOpts{}); err != nil {
		t.Fatalf("prune: %v", err)
	}

	if _, ok, err := store.Get(ctx, blobKey(r.ContentHash)); err != nil || !ok {
		t.Fatalf("expected shared blob still present, ok=%v err=%v", ok, err)
	}
}

func TestPruneOlderThanRespectsCutoff(t *testing.T) {
	ctx := context.Background()
	v := NewVersions(kv.NewMemory())

	if _, err := v.Save(ctx, "e1", kv.MainBranch, snap(t, `{"v":1}`, `{}`), SaveOpts{}); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := v.Prune(ctx, "e1", kv.MainBranch, PruneOpts{OlderThan: time.Hour}); err != nil {
		t.Fatalf("prune: %v", err)
	}
	count, err := v.Count(ctx, "e1", kv.MainBranch)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected record younger than cutoff to survive, got count %d", count)
	}
}

func jsonInt(i int) string {
	data, _ := json.Marshal(map[string]int{"v": i})
	return string(data)
}
