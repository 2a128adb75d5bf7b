package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"kbforge/internal/config"
	"kbforge/internal/content"
	"kbforge/internal/logging"
	"kbforge/internal/phase"
	"kbforge/internal/router"
	"kbforge/internal/services"
	"kbforge/internal/services/llm"
	"kbforge/internal/tasks"
)

type fakeModel struct {
	mu     sync.Mutex
	chats  []llm.ChatRequest
	embeds [][]string
	reply  func(llm.ChatRequest) (llm.ChatResponse, error)
}

func (f *fakeModel) Name() string { return "fake" }

func (f *fakeModel) ListModels(context.Context) ([]router.ModelInfo, error) { return nil, nil }

func (f *fakeModel) HealthCheck(context.Context) error { return nil }

func (f *fakeModel) Chat(_ context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	f.mu.Lock()
	f.chats = append(f.chats, req)
	reply := f.reply
	f.mu.Unlock()
	if reply != nil {
		return reply(req)
	}
	return llm.ChatResponse{Content: "model output", Usage: llm.Usage{TotalTokens: 10}}, nil
}

func (f *fakeModel) Embed(_ context.Context, _ string, inputs []string) ([][]float32, error) {
	f.mu.Lock()
	f.embeds = append(f.embeds, append([]string(nil), inputs...))
	f.mu.Unlock()
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = []float32{float32(i), 1, 2}
	}
	return out, nil
}

// listOnly is a backend that cannot complete.
type listOnly struct{}

func (listOnly) Name() string                                           { return "list-only" }
func (listOnly) ListModels(context.Context) ([]router.ModelInfo, error) { return nil, nil }
func (listOnly) HealthCheck(context.Context) error                      { return nil }

type fakeLibrary struct {
	related    []*content.Item
	categories []content.CategoryCount
}

func (l *fakeLibrary) RelatedByCategory(_ context.Context, category, excludeID string, limit int) ([]*content.Item, error) {
	var out []*content.Item
	for _, item := range l.related {
		if item.Category == category && item.ID != excludeID {
			out = append(out, item)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *fakeLibrary) Categories(context.Context) ([]content.CategoryCount, error) {
	return l.categories, nil
}

func modelRequest(item *content.Item, backend router.Backend) tasks.Request {
	return tasks.Request{
		TaskID: "task-1",
		Item:   item,
		Resolution: router.Resolution{
			Backend:     backend,
			BackendName: backend.Name(),
			Model:       "test-model",
		},
	}
}

func newHandlers(t *testing.T, lib *fakeLibrary, mutate func(*Options)) map[phase.Phase]tasks.Handler {
	t.Helper()
	opts := Options{
		Fetch:      config.Fetch{TimeoutSeconds: 5, MaxMedia: 3},
		Embedding:  config.Embedding{ChunkSize: 40, ChunkOverlap: 5},
		LibraryDir: t.TempDir(),
		Library:    lib,
		Logger:     logging.NewNop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	handlers, err := Handlers(opts)
	if err != nil {
		t.Fatalf("Handlers: %v", err)
	}
	return handlers
}

func TestHandlersCoverEveryPhase(t *testing.T) {
	handlers := newHandlers(t, &fakeLibrary{}, nil)
	for _, p := range phase.All() {
		if handlers[p] == nil {
			t.Fatalf("no handler for %s", p)
		}
	}
	if _, err := Handlers(Options{LibraryDir: t.TempDir()}); err == nil {
		t.Fatal("expected error without a library")
	}
}

const samplePage = `<!doctype html>
<html><head>
<title>Fallback Title</title>
<meta property="og:title" content="Understanding SQLite WAL">
<meta property="og:image" content="/img/cover.png">
</head><body>
<nav>Home | About</nav>
<article>
<h2>Write-ahead logging</h2>
<p>Readers do not block writers. See <a href="https://sqlite.org/wal.html">the docs</a>.</p>
<img src="/img/diagram.png">
<img src="/img/cover.png">
<img src="data:image/png;base64,AAAA">
<img src="/pixel.gif" width="1" height="1">
<img data-src="https://cdn.example.com/lazy.png">
<img src="/img/extra.png">
</article>
<script>trackEverything()</script>
</body></html>`

func TestFetchExtractsTitleAndMedia(t *testing.T) {
	var agent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(samplePage))
	}))
	defer server.Close()

	handlers := newHandlers(t, &fakeLibrary{}, func(o *Options) { o.Fetch.UserAgent = "kbforge-test" })
	out, err := handlers[phase.Fetch].Run(context.Background(), tasks.Request{
		Item: &content.Item{ID: "a", URL: server.URL + "/post"},
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if agent != "kbforge-test" {
		t.Fatalf("user agent = %q", agent)
	}
	if out.Artifacts.Title != "Understanding SQLite WAL" {
		t.Fatalf("title = %q", out.Artifacts.Title)
	}
	want := []string{server.URL + "/img/cover.png", server.URL + "/img/diagram.png", "https://cdn.example.com/lazy.png"}
	if strings.Join(out.Artifacts.MediaURLs, ",") != strings.Join(want, ",") {
		t.Fatalf("media = %v, want %v", out.Artifacts.MediaURLs, want)
	}
	if !strings.Contains(out.Artifacts.RawPayload, "Write-ahead logging") {
		t.Fatal("raw payload not stored")
	}
}

func TestFetchStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		want   services.Kind
	}{
		{http.StatusServiceUnavailable, services.KindTransient},
		{http.StatusTooManyRequests, services.KindTransient},
		{http.StatusNotFound, services.KindValidation},
		{http.StatusForbidden, services.KindValidation},
	}
	handlers := newHandlers(t, &fakeLibrary{}, nil)
	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.status)
		}))
		_, err := handlers[phase.Fetch].Run(context.Background(), tasks.Request{Item: &content.Item{ID: "a", URL: server.URL}})
		server.Close()
		if kind := services.KindOf(err); kind != tc.want {
			t.Fatalf("status %d: kind %s, want %s (%v)", tc.status, kind, tc.want, err)
		}
	}
}

func TestFetchRejectsUnsupportedURL(t *testing.T) {
	handlers := newHandlers(t, &fakeLibrary{}, nil)
	_, err := handlers[phase.Fetch].Run(context.Background(), tasks.Request{Item: &content.Item{ID: "a", URL: "ftp://example.com/x"}})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestFetchUsesInlinePayload(t *testing.T) {
	handlers := newHandlers(t, &fakeLibrary{}, nil)
	out, err := handlers[phase.Fetch].Run(context.Background(), tasks.Request{
		Item: &content.Item{ID: "a", Title: "A note", SourcePayload: "remember to vacuum"},
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if out.Artifacts.RawPayload != "remember to vacuum" || out.Artifacts.Title != "A note" {
		t.Fatalf("unexpected artifacts %+v", out.Artifacts)
	}

	_, err = handlers[phase.Fetch].Run(context.Background(), tasks.Request{Item: &content.Item{ID: "b"}})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for empty item, got %v", err)
	}
}

func TestFetchTruncatesLargeBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer server.Close()

	handlers := newHandlers(t, &fakeLibrary{}, func(o *Options) { o.Fetch.MaxBodyBytes = 10 })
	out, err := handlers[phase.Fetch].Run(context.Background(), tasks.Request{Item: &content.Item{ID: "a", URL: server.URL}})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(out.Artifacts.RawPayload) != 10 || out.Data["truncated"] != true {
		t.Fatalf("expected truncated body, got %d bytes %+v", len(out.Artifacts.RawPayload), out.Data)
	}
}

func TestCacheConvertsHTMLToMarkdown(t *testing.T) {
	handlers := newHandlers(t, &fakeLibrary{}, nil)
	out, err := handlers[phase.Cache].Run(context.Background(), tasks.Request{
		Item: &content.Item{ID: "a", RawPayload: samplePage},
	})
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	text := out.Artifacts.DerivedText
	if !strings.Contains(text, "## Write-ahead logging") {
		t.Fatalf("heading not converted: %q", text)
	}
	if !strings.Contains(text, "[the docs](https://sqlite.org/wal.html)") {
		t.Fatalf("link not converted: %q", text)
	}
	if strings.Contains(text, "trackEverything") || strings.Contains(text, "Home | About") {
		t.Fatalf("boilerplate leaked: %q", text)
	}
	if out.Data["format"] != "html" {
		t.Fatalf("format = %v", out.Data["format"])
	}
}

const longArticle = `<!doctype html>
<html><head><title>Tuning SQLite checkpoints</title></head><body>
<div class="sidebar"><p>Subscribe to our newsletter for weekly tips, tricks, and offers.</p></div>
<div id="story">
<p>SQLite in write-ahead mode appends every change to a separate log file, and readers keep using the
last committed snapshot while a writer works, so long analytical queries no longer stall the ingest path.</p>
<p>The log grows until a checkpoint copies its pages back into the main database file, and by default that
happens automatically once the log reaches a thousand pages, which suits most small services well enough.</p>
<p>Busy services should schedule checkpoints themselves, run them when traffic is low, and watch the log size,
because a reader that never finishes can pin old frames and keep the log from being reset at all.</p>
</div>
</body></html>`

func TestCacheUsesReadabilityForLongArticles(t *testing.T) {
	handlers := newHandlers(t, &fakeLibrary{}, nil)
	out, err := handlers[phase.Cache].Run(context.Background(), tasks.Request{
		Item: &content.Item{ID: "a", URL: "https://example.com/wal", RawPayload: longArticle},
	})
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	if out.Data["extractor"] != "readability" {
		t.Fatalf("extractor = %v", out.Data["extractor"])
	}
	text := out.Artifacts.DerivedText
	if !strings.Contains(text, "checkpoint copies its pages") {
		t.Fatalf("article body missing: %q", text)
	}
	if strings.Contains(text, "Subscribe to our newsletter") {
		t.Fatalf("sidebar leaked: %q", text)
	}
}

func TestCacheFallsBackToSelectorsForShortPages(t *testing.T) {
	handlers := newHandlers(t, &fakeLibrary{}, nil)
	out, err := handlers[phase.Cache].Run(context.Background(), tasks.Request{
		Item: &content.Item{ID: "a", RawPayload: samplePage},
	})
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	if out.Data["extractor"] != "selectors" {
		t.Fatalf("extractor = %v", out.Data["extractor"])
	}
}

func TestCacheNormalizesPlainText(t *testing.T) {
	handlers := newHandlers(t, &fakeLibrary{}, nil)
	out, err := handlers[phase.Cache].Run(context.Background(), tasks.Request{
		Item: &content.Item{ID: "a", RawPayload: "Café notes\r\n\r\n\r\n\r\nsecond"},
	})
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	if out.Artifacts.DerivedText != "Café notes\n\nsecond" {
		t.Fatalf("derived text = %q", out.Artifacts.DerivedText)
	}

	_, err = handlers[phase.Cache].Run(context.Background(), tasks.Request{Item: &content.Item{ID: "b"}})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestMediaAnalysisSkipsItemsWithoutMedia(t *testing.T) {
	model := &fakeModel{}
	handlers := newHandlers(t, &fakeLibrary{}, nil)
	out, err := handlers[phase.MediaAnalysis].Run(context.Background(), modelRequest(&content.Item{ID: "a"}, model))
	if err != nil {
		t.Fatalf("media analysis: %v", err)
	}
	if len(model.chats) != 0 || out.Data["skipped"] == nil {
		t.Fatalf("expected skip without model call, got %d calls %+v", len(model.chats), out.Data)
	}
}

func TestMediaAnalysisSendsCappedImages(t *testing.T) {
	model := &fakeModel{}
	handlers := newHandlers(t, &fakeLibrary{}, nil)
	item := &content.Item{ID: "a", Title: "t", MediaURLs: []string{"u1", "u2", "u3", "u4", "u5", "u6"}}
	out, err := handlers[phase.MediaAnalysis].Run(context.Background(), modelRequest(item, model))
	if err != nil {
		t.Fatalf("media analysis: %v", err)
	}
	if len(model.chats) != 1 || len(model.chats[0].Images) != maxImagesPerRequest {
		t.Fatalf("expected one call with %d images, got %+v", maxImagesPerRequest, model.chats)
	}
	if model.chats[0].Model != "test-model" {
		t.Fatalf("model = %q", model.chats[0].Model)
	}
	if out.Artifacts.MediaAnalysis != "model output" || out.Data["tokens"] != 10 {
		t.Fatalf("unexpected output %+v", out)
	}
}

func TestModelPhaseRequiresCompleter(t *testing.T) {
	handlers := newHandlers(t, &fakeLibrary{}, nil)
	item := &content.Item{ID: "a", DerivedText: "text"}
	_, err := handlers[phase.Understanding].Run(context.Background(), modelRequest(item, listOnly{}))
	if services.KindOf(err) != services.KindConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestModelParamsMergeTaskOverSelector(t *testing.T) {
	model := &fakeModel{}
	handlers := newHandlers(t, &fakeLibrary{}, nil)
	req := modelRequest(&content.Item{ID: "a", DerivedText: "text", MediaAnalysis: "a chart"}, model)
	req.Resolution.Params = map[string]string{"temperature": "0.1", "top_p": "0.9"}
	req.Params = map[string]string{"temperature": "0.7"}
	if _, err := handlers[phase.Understanding].Run(context.Background(), req); err != nil {
		t.Fatalf("understanding: %v", err)
	}
	got := model.chats[0]
	if got.Params["temperature"] != "0.7" || got.Params["top_p"] != "0.9" {
		t.Fatalf("params = %v", got.Params)
	}
	if !strings.Contains(got.User, "Image notes:\na chart") {
		t.Fatalf("media analysis missing from prompt: %q", got.User)
	}
	if req.Resolution.Params["temperature"] != "0.1" {
		t.Fatal("selector params mutated")
	}
}

func TestCategorizationSlugifiesAndOffersExisting(t *testing.T) {
	model := &fakeModel{reply: func(req llm.ChatRequest) (llm.ChatResponse, error) {
		return llm.ChatResponse{Content: "```json\n{\"category\": \"Data Bases\", \"subcategory\": \"SQLite Internals\", \"reason\": \"storage\"}\n```"}, nil
	}}
	lib := &fakeLibrary{categories: []content.CategoryCount{{Category: "programming", Items: 3}, {Category: "databases", Items: 1}}}
	handlers := newHandlers(t, lib, nil)
	out, err := handlers[phase.Categorization].Run(context.Background(), modelRequest(&content.Item{ID: "a", Understanding: "wal"}, model))
	if err != nil {
		t.Fatalf("categorization: %v", err)
	}
	if out.Artifacts.Category != "data-bases" || out.Artifacts.Subcategory != "sqlite-internals" {
		t.Fatalf("unexpected categories %+v", out.Artifacts)
	}
	if !model.chats[0].JSON || !strings.Contains(model.chats[0].User, "Existing categories: programming, databases") {
		t.Fatalf("prompt missing JSON mode or categories: %+v", model.chats[0])
	}
}

func TestCategorizationUnparseableReplyIsTransient(t *testing.T) {
	model := &fakeModel{reply: func(llm.ChatRequest) (llm.ChatResponse, error) {
		return llm.ChatResponse{Content: "I think it is about databases"}, nil
	}}
	handlers := newHandlers(t, &fakeLibrary{}, nil)
	_, err := handlers[phase.Categorization].Run(context.Background(), modelRequest(&content.Item{ID: "a", Understanding: "wal"}, model))
	if !services.Retryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestKBGenerationStripsFence(t *testing.T) {
	model := &fakeModel{reply: func(llm.ChatRequest) (llm.ChatResponse, error) {
		return llm.ChatResponse{Content: "```markdown\n# WAL\n\nOverview.\n```"}, nil
	}}
	handlers := newHandlers(t, &fakeLibrary{}, nil)
	out, err := handlers[phase.KBGeneration].Run(context.Background(), modelRequest(&content.Item{ID: "a", Understanding: "u", DerivedText: "d"}, model))
	if err != nil {
		t.Fatalf("kb generation: %v", err)
	}
	if out.Artifacts.KBText != "# WAL\n\nOverview." {
		t.Fatalf("kb text = %q", out.Artifacts.KBText)
	}
}

func TestEmbeddingChunksInOrder(t *testing.T) {
	model := &fakeModel{}
	handlers := newHandlers(t, &fakeLibrary{}, nil)
	item := &content.Item{ID: "a", Title: "WAL", KBText: strings.Repeat("sqlite wal mode ", 80)}
	out, err := handlers[phase.Embedding].Run(context.Background(), modelRequest(item, model))
	if err != nil {
		t.Fatalf("embedding: %v", err)
	}
	chunks := out.Artifacts.Embeddings
	if len(chunks) <= embedBatchSize {
		t.Fatalf("expected more than one batch, got %d chunks", len(chunks))
	}
	if len(model.embeds) != (len(chunks)+embedBatchSize-1)/embedBatchSize {
		t.Fatalf("embed calls = %d for %d chunks", len(model.embeds), len(chunks))
	}
	for i, c := range chunks {
		if c.Index != i || c.Model != "test-model" || len(c.Vector) != 3 {
			t.Fatalf("chunk %d malformed: %+v", i, c)
		}
	}
	if !strings.HasPrefix(chunks[0].Text, "WAL") {
		t.Fatalf("title not prepended: %q", chunks[0].Text)
	}
	if out.Artifacts.EmbeddingModel != "test-model" || out.Data["dimensions"] != 3 {
		t.Fatalf("unexpected output %+v", out.Data)
	}
}

func TestSynthesisRanksRelatedItems(t *testing.T) {
	model := &fakeModel{}
	lib := &fakeLibrary{related: []*content.Item{
		{ID: "bread", Title: "Sourdough", Category: "databases", KBText: "flour water starter"},
		{ID: "locks", Title: "SQLite locking", Category: "databases", KBText: "sqlite locking and wal checkpoints"},
		{ID: "other", Title: "WAL elsewhere", Category: "filesystems", KBText: "sqlite wal"},
	}}
	handlers := newHandlers(t, lib, nil)
	item := &content.Item{ID: "a", Title: "SQLite WAL", Category: "databases", KBText: "sqlite wal checkpoints explained"}
	out, err := handlers[phase.Synthesis].Run(context.Background(), modelRequest(item, model))
	if err != nil {
		t.Fatalf("synthesis: %v", err)
	}
	ids, _ := out.Data["related_ids"].([]string)
	if len(ids) != 1 || ids[0] != "locks" {
		t.Fatalf("related ids = %v", out.Data["related_ids"])
	}
	if !strings.Contains(model.chats[0].User, "### SQLite locking") || strings.Contains(model.chats[0].User, "Sourdough") {
		t.Fatalf("unexpected synthesis prompt: %q", model.chats[0].User)
	}
}

func TestSynthesisWithoutNeighboursSkipsModel(t *testing.T) {
	model := &fakeModel{}
	handlers := newHandlers(t, &fakeLibrary{}, nil)
	out, err := handlers[phase.Synthesis].Run(context.Background(), modelRequest(&content.Item{ID: "a", Category: "x", KBText: "k"}, model))
	if err != nil {
		t.Fatalf("synthesis: %v", err)
	}
	if len(model.chats) != 0 || out.Artifacts.Synthesis != "" || out.Data["related"] != 0 {
		t.Fatalf("expected skip, got %+v", out)
	}
}

func TestPublicationWritesAndMovesEntries(t *testing.T) {
	libraryDir := t.TempDir()
	handlers := newHandlers(t, &fakeLibrary{}, func(o *Options) { o.LibraryDir = libraryDir })
	item := &content.Item{
		ID:             "0f8e2c1a-1111-2222-3333-444455556666",
		SourceID:       "bm-1",
		URL:            "https://sqlite.org/wal.html",
		Title:          "Understanding SQLite WAL",
		Category:       "databases",
		Subcategory:    "sqlite",
		KBText:         "# WAL\n\nBody.",
		Synthesis:      "Pairs well with the locking entry.",
		EmbeddingModel: "embed-small",
		EmbeddingCount: 2,
		CreatedAt:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	out, err := handlers[phase.Publication].Run(context.Background(), tasks.Request{Item: item})
	if err != nil {
		t.Fatalf("publication: %v", err)
	}
	first := out.Artifacts.PublishedPath
	wantPath := filepath.Join(libraryDir, "databases", "sqlite", "understanding-sqlite-wal-0f8e2c1a.md")
	if first != wantPath {
		t.Fatalf("path = %s, want %s", first, wantPath)
	}
	data, err := os.ReadFile(first)
	if err != nil {
		t.Fatalf("read entry: %v", err)
	}
	meta, body, err := ParseEntry(data)
	if err != nil {
		t.Fatalf("ParseEntry: %v", err)
	}
	if meta.Title != item.Title || meta.SourceID != "bm-1" || meta.EmbeddingCount != 2 || !meta.Created.Equal(item.CreatedAt) {
		t.Fatalf("unexpected front matter %+v", meta)
	}
	if !strings.HasPrefix(body, "# WAL") || !strings.Contains(body, "## Related\n\nPairs well") {
		t.Fatalf("unexpected body %q", body)
	}

	again, err := handlers[phase.Publication].Run(context.Background(), tasks.Request{Item: item})
	if err != nil || again.Data["unchanged"] != true {
		t.Fatalf("republish should be unchanged: %+v %v", again.Data, err)
	}

	moved := *item
	moved.Subcategory = "internals"
	moved.PublishedPath = first
	out, err = handlers[phase.Publication].Run(context.Background(), tasks.Request{Item: &moved})
	if err != nil {
		t.Fatalf("republication: %v", err)
	}
	if _, err := os.Stat(first); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("old entry should be removed, stat err = %v", err)
	}
	if _, err := os.Stat(out.Artifacts.PublishedPath); err != nil {
		t.Fatalf("new entry missing: %v", err)
	}
}

func TestPublicationLeavesFilesOutsideLibrary(t *testing.T) {
	outside := filepath.Join(t.TempDir(), "keep.md")
	if err := os.WriteFile(outside, []byte("mine"), 0o644); err != nil {
		t.Fatal(err)
	}
	handlers := newHandlers(t, &fakeLibrary{}, nil)
	item := &content.Item{ID: "abc", Title: "t", Category: "c", KBText: "k", PublishedPath: outside}
	if _, err := handlers[phase.Publication].Run(context.Background(), tasks.Request{Item: item}); err != nil {
		t.Fatalf("publication: %v", err)
	}
	if _, err := os.Stat(outside); err != nil {
		t.Fatalf("file outside library removed: %v", err)
	}
}
