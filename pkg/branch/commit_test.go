package branch

import (
	"context"
	"testing"

	"github.com/liliang-cn/triplestore/pkg/kv"
)

func TestCommitRecordsTrackedEntityVersions(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	v := NewVersions(store)
	c := NewCommits(store, v)

	r, err := v.Save(ctx, "e1", kv.MainBranch, snap(t, `{"name":"Alice"}`, `{}`), SaveOpts{})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	commit, err := c.Commit(ctx, kv.MainBranch, []string{"e1", "never-versioned"}, CommitOpts{Message: "checkpoint"})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if commit.Entities["e1"] != r.Version {
		t.Fatalf("expected tracked version %d, got %d", r.Version, commit.Entities["e1"])
	}
	if _, tracked := commit.Entities["never-versioned"]; tracked {
		t.Fatalf("expected entity with no version history to be skipped")
	}
}

func TestHistoryOrdersMostRecentFirstAndRespectsLimit(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	v := NewVersions(store)
	c := NewCommits(store, v)

	var ids []string
	for i := 0; i < 3; i++ {
		commit, err := c.Commit(ctx, kv.MainBranch, nil, CommitOpts{})
		if err != nil {
			t.Fatalf("commit: %v", err)
		}
		ids = append(ids, commit.ID)
	}

	history, err := c.History(ctx, kv.MainBranch, 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected limit of 2 records, got %d", len(history))
	}
	if history[0].ID != ids[2] || history[1].ID != ids[1] {
		t.Fatalf("expected most recent commits first (%s, %s), got (%s, %s)", ids[2], ids[1], history[0].ID, history[1].ID)
	}
}

func TestViewResolvesTrackedEntityAtCommittedVersionAndFallsThroughOtherwise(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	v := NewVersions(store)
	c := NewCommits(store, v)

	if _, err := v.Save(ctx, "e1", kv.MainBranch, snap(t, `{"name":"Alice"}`, `{}`), SaveOpts{}); err != nil {
		t.Fatalf("save v1: %v", err)
	}
	commit, err := c.Commit(ctx, kv.MainBranch, []string{"e1"}, CommitOpts{})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := v.Save(ctx, "e1", kv.MainBranch, snap(t, `{"name":"Alice Smith"}`, `{}`), SaveOpts{}); err != nil {
		t.Fatalf("save v2: %v", err)
	}

	fetch := func(ctx context.Context, entityID string, version uint64) (Snapshot, bool, error) {
		return v.GetContent(ctx, entityID, kv.MainBranch, version, "")
	}
	liveCalls := 0
	fetchLive := func(ctx context.Context, entityID string, _ uint64) (Snapshot, bool, error) {
		liveCalls++
		latest, ok, err := v.GetLatest(ctx, entityID, kv.MainBranch)
		if err != nil || !ok {
			return Snapshot{}, ok, err
		}
		return v.GetContent(ctx, entityID, kv.MainBranch, latest.Version, "")
	}

	view := NewView(commit, fetch, fetchLive, 0)
	got, ok, err := view.Get(ctx, "e1")
	if err != nil || !ok {
		t.Fatalf("view get: ok=%v err=%v", ok, err)
	}
	if string(got.Data) != `{"name":"Alice"}` {
		t.Fatalf("expected commit-time snapshot, got %s", got.Data)
	}
	if liveCalls != 0 {
		t.Fatalf("expected tracked entity to not hit fetchLive")
	}

	if _, err := v.Save(ctx, "e2", kv.MainBranch, snap(t, `{"name":"Bob"}`, `{}`), SaveOpts{}); err != nil {
		t.Fatalf("save e2: %v", err)
	}
	got, ok, err = view.Get(ctx, "e2")
	if err != nil || !ok {
		t.Fatalf("view get e2: ok=%v err=%v", ok, err)
	}
	if string(got.Data) != `{"name":"Bob"}` {
		t.Fatalf("expected live fallthrough for untracked entity, got %s", got.Data)
	}
	if liveCalls != 1 {
		t.Fatalf("expected exactly one fetchLive call, got %d", liveCalls)
	}
}

func TestViewCachesResolvedEntities(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	v := NewVersions(store)
	c := NewCommits(store, v)

	if _, err := v.Save(ctx, "e1", kv.MainBranch, snap(t, `{"name":"Alice"}`, `{}`), SaveOpts{}); err != nil {
		t.Fatalf("save: %v", err)
	}
	commit, err := c.Commit(ctx, kv.MainBranch, []string{"e1"}, CommitOpts{})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	calls := 0
	fetch := func(ctx context.Context, entityID string, version uint64) (Snapshot, bool, error) {
		calls++
		return v.GetContent(ctx, entityID, kv.MainBranch, version, "")
	}
	view := NewView(commit, fetch, nil, 0)

	if _, _, err := view.Get(ctx, "e1"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, _, err := view.Get(ctx, "e1"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected cached second read, fetch called %d times", calls)
	}
}
