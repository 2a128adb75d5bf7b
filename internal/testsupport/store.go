package testsupport

import (
	"context"
	"testing"

	"kbforge/internal/config"
	"kbforge/internal/content"
	"kbforge/internal/phase"
)

// MustOpenStore opens a content.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *content.Store {
	t.Helper()

	store, err := content.Open(cfg)
	if err != nil {
		t.Fatalf("content.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewItem ingests a bookmark for tests using the provided store.
func NewItem(t testing.TB, store *content.Store, sourceID, url string) *content.Item {
	t.Helper()

	item, _, err := store.Create(context.Background(), content.NewItem{SourceID: sourceID, URL: url})
	if err != nil {
		t.Fatalf("store.Create: %v", err)
	}
	return item
}

// AdvanceTo commits every phase up to and including last with placeholder
// artifacts, leaving the item ready for the next phase.
func AdvanceTo(t testing.TB, store *content.Store, id string, last phase.Phase) *content.Item {
	t.Helper()

	ctx := context.Background()
	for _, p := range phase.All() {
		art := content.Artifacts{
			RawPayload:    "<html><title>fixture</title></html>",
			Title:         "fixture",
			DerivedText:   "fixture text",
			MediaAnalysis: "no media",
			Understanding: "fixture understanding",
			Category:      "testing",
			Subcategory:   "fixtures",
			KBText:        "# Fixture\n\nknowledge base text",
			Synthesis:     "fixture synthesis",
		}
		if _, err := store.CompletePhase(ctx, id, p, art); err != nil {
			t.Fatalf("complete %s: %v", p, err)
		}
		if p == last {
			break
		}
	}
	item, err := store.MustGet(ctx, id)
	if err != nil {
		t.Fatalf("reload item: %v", err)
	}
	return item
}
