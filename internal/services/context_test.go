package services_test

import (
	"context"
	"testing"

	"kbforge/internal/services"
)

func TestContextValuesRoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithItemID(ctx, "itm_01")
	ctx = services.WithTaskID(ctx, "tsk_01")
	ctx = services.WithPhase(ctx, "kb_generation")
	ctx = services.WithTaskKind(ctx, "inference")
	ctx = services.WithRequestID(ctx, "req-9")

	cases := []struct {
		name string
		get  func(context.Context) (string, bool)
		want string
	}{
		{"item", services.ItemIDFromContext, "itm_01"},
		{"task", services.TaskIDFromContext, "tsk_01"},
		{"phase", services.PhaseFromContext, "kb_generation"},
		{"kind", services.TaskKindFromContext, "inference"},
		{"request", services.RequestIDFromContext, "req-9"},
	}
	for _, tc := range cases {
		got, ok := tc.get(ctx)
		if !ok || got != tc.want {
			t.Fatalf("%s: got %q ok=%v, want %q", tc.name, got, ok, tc.want)
		}
	}
}

func TestEmptyValuesAreNotStored(t *testing.T) {
	ctx := services.WithItemID(context.Background(), "itm_01")
	ctx = services.WithItemID(ctx, "")
	if got, _ := services.ItemIDFromContext(ctx); got != "itm_01" {
		t.Fatalf("empty id replaced existing value: %q", got)
	}
	if _, ok := services.TaskKindFromContext(context.Background()); ok {
		t.Fatal("expected no kind on a bare context")
	}
}
