package branch

import (
	"context"
	"testing"

	"github.com/liliang-cn/triplestore/pkg/kv"
)

func TestGetFallsThroughToMainWhenBranchHasNoOverride(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	ov := NewOverlay(store)

	if err := store.Put(ctx, "nouns/a", []byte("main-value")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := ov.CreateBranch(ctx, "feature", kv.MainBranch); err != nil {
		t.Fatalf("create branch: %v", err)
	}

	data, ok, err := ov.Get(ctx, "feature", "nouns/a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || string(data) != "main-value" {
		t.Fatalf("expected fallthrough to main value, got %q ok=%v", data, ok)
	}
}

func TestPutOnBranchShadowsParentWithoutMutatingIt(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	ov := NewOverlay(store)

	if err := store.Put(ctx, "nouns/a", []byte("main-value")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := ov.CreateBranch(ctx, "feature", kv.MainBranch); err != nil {
		t.Fatalf("create branch: %v", err)
	}
	if err := ov.Put(ctx, "feature", "nouns/a", []byte("feature-value")); err != nil {
		t.Fatalf("put: %v", err)
	}

	data, ok, err := ov.Get(ctx, "feature", "nouns/a")
	if err != nil || !ok || string(data) != "feature-value" {
		t.Fatalf("expected feature-value, got %q ok=%v err=%v", data, ok, err)
	}

	mainData, ok, err := store.Get(ctx, "nouns/a")
	if err != nil || !ok || string(mainData) != "main-value" {
		t.Fatalf("expected main untouched, got %q ok=%v err=%v", mainData, ok, err)
	}
}

func TestDeleteOnBranchTombstonesParentValue(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	ov := NewOverlay(store)

	if err := store.Put(ctx, "nouns/a", []byte("main-value")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := ov.CreateBranch(ctx, "feature", kv.MainBranch); err != nil {
		t.Fatalf("create branch: %v", err)
	}
	if err := ov.Delete(ctx, "feature", "nouns/a"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	_, ok, err := ov.Get(ctx, "feature", "nouns/a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatalf("expected tombstoned key to read as absent on the branch")
	}

	mainData, ok, err := store.Get(ctx, "nouns/a")
	if err != nil || !ok || string(mainData) != "main-value" {
		t.Fatalf("expected main untouched, got %q ok=%v err=%v", mainData, ok, err)
	}
}

func TestDeleteOnMainRemovesOutright(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	ov := NewOverlay(store)

	if err := store.Put(ctx, "nouns/a", []byte("main-value")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := ov.Delete(ctx, kv.MainBranch, "nouns/a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, err := store.Get(ctx, "nouns/a"); err != nil || ok {
		t.Fatalf("expected key gone from main, ok=%v err=%v", ok, err)
	}
}

func TestGetFallsThroughMultipleGenerations(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	ov := NewOverlay(store)

	if err := store.Put(ctx, "nouns/a", []byte("main-value")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := ov.CreateBranch(ctx, "parent", kv.MainBranch); err != nil {
		t.Fatalf("create parent: %v", err)
	}
	if err := ov.CreateBranch(ctx, "child", "parent"); err != nil {
		t.Fatalf("create child: %v", err)
	}

	data, ok, err := ov.Get(ctx, "child", "nouns/a")
	if err != nil || !ok || string(data) != "main-value" {
		t.Fatalf("expected fallthrough across two generations, got %q ok=%v err=%v", data, ok, err)
	}

	if err := ov.Put(ctx, "parent", "nouns/a", []byte("parent-value")); err != nil {
		t.Fatalf("put: %v", err)
	}
	data, ok, err = ov.Get(ctx, "child", "nouns/a")
	if err != nil || !ok || string(data) != "parent-value" {
		t.Fatalf("expected fallthrough to stop at parent override, got %q ok=%v err=%v", data, ok, err)
	}
}

func TestCreateBranchRejectsUnknownParent(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	ov := NewOverlay(store)

	if err := ov.CreateBranch(ctx, "orphan", "ghost"); err == nil {
		t.Fatalf("expected error creating branch with unknown parent")
	}
}

func TestExistsReportsMainImplicitlyAndBranchesOnlyAfterCreate(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	ov := NewOverlay(store)

	ok, err := ov.Exists(ctx, kv.MainBranch)
	if err != nil || !ok {
		t.Fatalf("expected main to always exist, ok=%v err=%v", ok, err)
	}

	ok, err = ov.Exists(ctx, "feature")
	if err != nil || ok {
		t.Fatalf("expected unknown branch to not exist yet, ok=%v err=%v", ok, err)
	}

	if err := ov.CreateBranch(ctx, "feature", kv.MainBranch); err != nil {
		t.Fatalf("create branch: %v", err)
	}
	ok, err = ov.Exists(ctx, "feature")
	if err != nil || !ok {
		t.Fatalf("expected feature to exist after creation, ok=%v err=%v", ok, err)
	}
}
