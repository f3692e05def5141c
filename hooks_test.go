package triplestore_test

import (
	"context"
	"errors"
	"testing"

	"github.com/liliang-cn/triplestore"
	"github.com/liliang-cn/triplestore/pkg/entity"
	"github.com/liliang-cn/triplestore/pkg/hooks"
)

func TestRegisterHookRejectsMutation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.RegisterHook(hooks.Hook{
		Name:     "gatekeeper",
		Priority: 1,
		PreMutation: func(ctx context.Context, op string, params any) (any, bool, error) {
			return params, op != "add", nil
		},
	})

	if _, err := store.Add(ctx, entity.NounDocument, vec(1, 0, 0, 0), nil); !errors.Is(err, hooks.ErrRejected) {
		t.Fatalf("Add() with rejecting hook: err = %v, want wrapping hooks.ErrRejected", err)
	}
}

func TestRegisterHookRewritesMutation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.RegisterHook(hooks.Hook{
		Name:     "tagger",
		Priority: 1,
		PreMutation: func(ctx context.Context, op string, params any) (any, bool, error) {
			item, ok := params.(triplestore.AddItem)
			if !ok {
				return params, true, nil
			}
			if item.Metadata == nil {
				item.Metadata = map[string]any{}
			}
			item.Metadata["tagged"] = true
			return item, true, nil
		},
	})

	id, err := store.Add(ctx, entity.NounDocument, vec(1, 0, 0, 0), nil)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	ent, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ent.Metadata["tagged"] != true {
		t.Errorf("Metadata[tagged] = %v, want true", ent.Metadata["tagged"])
	}
}
