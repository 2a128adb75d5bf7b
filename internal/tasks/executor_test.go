package tasks_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kbforge/internal/content"
	"kbforge/internal/fanout"
	"kbforge/internal/logging"
	"kbforge/internal/phase"
	"kbforge/internal/router"
	"kbforge/internal/services"
	"kbforge/internal/tasks"
	"kbforge/internal/testsupport"
)

type recorder struct {
	mu     sync.Mutex
	events []fanout.Event
}

func (r *recorder) PublishAll(evt fanout.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recorder) ofType(t fanout.EventType) []fanout.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []fanout.Event
	for _, evt := range r.events {
		if evt.Type == t {
			out = append(out, evt)
		}
	}
	return out
}

type fakeBackend struct{}

func (fakeBackend) Name() string { return "local" }

func (fakeBackend) ListModels(context.Context) ([]router.ModelInfo, error) {
	return []router.ModelInfo{{
		Name:         "llava",
		Capabilities: []router.Capability{router.CapabilityTextGeneration},
		Vision:       true,
	}}, nil
}

func (fakeBackend) HealthCheck(context.Context) error { return nil }

type harness struct {
	items  *content.Store
	events *recorder
	exec   *tasks.Executor
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	kind     tasks.Kind
	handlers map[phase.Phase]tasks.Handler
	backends []router.Backend
	seed     func(items *content.Store, store *tasks.Store)
}

func withKind(mutate func(*tasks.Kind)) harnessOption {
	return func(c *harnessConfig) { mutate(&c.kind) }
}

func withHandler(p phase.Phase, h tasks.HandlerFunc) harnessOption {
	return func(c *harnessConfig) { c.handlers[p] = h }
}

func withBackend(b router.Backend) harnessOption {
	return func(c *harnessConfig) { c.backends = append(c.backends, b) }
}

func withSeed(seed func(items *content.Store, store *tasks.Store)) harnessOption {
	return func(c *harnessConfig) { c.seed = seed }
}

// newHarness builds an executor whose three kinds share one fast policy.
func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	items := testsupport.MustOpenStore(t, cfg)

	hc := &harnessConfig{
		kind: tasks.Kind{
			SoftLimit:   5 * time.Second,
			HardLimit:   10 * time.Second,
			MaxRetries:  2,
			BackoffBase: time.Millisecond,
			BackoffMax:  5 * time.Millisecond,
			Concurrency: 2,
		},
		handlers: map[phase.Phase]tasks.Handler{},
	}
	for _, opt := range opts {
		opt(hc)
	}
	reg, err := router.NewRegistry(append([]router.Backend{fakeBackend{}}, hc.backends...)...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	var kinds []tasks.Kind
	for _, name := range []string{"network", "inference", "synthesis"} {
		k := hc.kind
		k.Name = name
		kinds = append(kinds, k)
	}
	table, err := tasks.NewKindTable(kinds, nil)
	if err != nil {
		t.Fatalf("NewKindTable: %v", err)
	}
	store, err := tasks.NewStore(context.Background(), items.DB())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if hc.seed != nil {
		hc.seed(items, store)
	}
	events := &recorder{}
	exec, err := tasks.NewExecutor(tasks.Options{
		Store:             store,
		Items:             items,
		Router:            router.New(reg, items, logging.NewNop()),
		Kinds:             table,
		Handlers:          hc.handlers,
		Publisher:         events,
		Logger:            logging.NewNop(),
		PollInterval:      20 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	if err := exec.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(exec.Stop)
	return &harness{items: items, events: events, exec: exec}
}

func (h *harness) enqueue(t *testing.T, p phase.Phase, itemID string) string {
	t.Helper()
	id, err := h.exec.Enqueue(context.Background(), tasks.EnqueueRequest{Phase: p, ItemID: itemID})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return id
}

func (h *harness) wait(t *testing.T, id string) *tasks.Task {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		task, err := h.exec.GetTaskStatus(context.Background(), id)
		if err != nil {
			t.Fatalf("GetTaskStatus: %v", err)
		}
		if task.Status.Terminal() {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s did not finish", id)
	return nil
}

func (h *harness) item(t *testing.T, id string) *content.Item {
	t.Helper()
	item, err := h.items.MustGet(context.Background(), id)
	if err != nil {
		t.Fatalf("MustGet: %v", err)
	}
	return item
}

// offlineBackend advertises an embedding model but fails every health check.
type offlineBackend struct{}

func (offlineBackend) Name() string { return "gpu-box" }

func (offlineBackend) ListModels(context.Context) ([]router.ModelInfo, error) {
	return []router.ModelInfo{{Name: "nomic-embed", Capabilities: []router.Capability{router.CapabilityEmbedding}}}, nil
}

func (offlineBackend) HealthCheck(context.Context) error {
	return errors.New("dial tcp: connection refused")
}

func fetchOK(calls *atomic.Int32) tasks.HandlerFunc {
	return func(ctx context.Context, req tasks.Request) (tasks.Output, error) {
		calls.Add(1)
		return tasks.Output{
			Artifacts: content.Artifacts{RawPayload: "<html></html>", Title: "Fetched"},
			Data:      map[string]any{"bytes": 13},
		}, nil
	}
}

func TestTaskRunsHandlerAndCommitsPhase(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, withHandler(phase.Fetch, fetchOK(&calls)))
	item := testsupport.NewItem(t, h.items, "src-1", "https://example.com/a")

	task := h.wait(t, h.enqueue(t, phase.Fetch, item.ID))
	if task.Status != tasks.StatusSucceeded || task.Result == nil || !task.Result.Success {
		t.Fatalf("unexpected task: %+v", task)
	}
	if task.Result.Data["applied"] != true {
		t.Fatalf("expected applied commit, got %+v", task.Result.Data)
	}
	got := h.item(t, item.ID)
	if !got.Flags.Done(phase.Fetch) || got.Title != "Fetched" {
		t.Fatalf("item not committed: %+v", got)
	}
	if len(h.events.ofType(fanout.EventItemPhaseCompleted)) == 0 {
		t.Fatal("expected item_phase_completed event")
	}
	if len(h.events.ofType(fanout.EventTaskSucceeded)) == 0 {
		t.Fatal("expected task_succeeded event")
	}
}

func TestCompletedPhaseShortCircuits(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, withHandler(phase.Fetch, fetchOK(&calls)))
	item := testsupport.NewItem(t, h.items, "src-1", "https://example.com/a")
	before := testsupport.AdvanceTo(t, h.items, item.ID, phase.Cache)

	task := h.wait(t, h.enqueue(t, phase.Fetch, item.ID))
	if task.Status != tasks.StatusSucceeded {
		t.Fatalf("status = %s", task.Status)
	}
	if calls.Load() != 0 {
		t.Fatalf("handler ran %d times for a completed phase", calls.Load())
	}
	if task.Result.Data["already_complete"] != true {
		t.Fatalf("expected already_complete marker, got %+v", task.Result.Data)
	}
	if after := h.item(t, item.ID); after.Revision != before.Revision {
		t.Fatalf("revision changed: %d -> %d", before.Revision, after.Revision)
	}
}

func TestPreconditionFailureIsFinal(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, withHandler(phase.Cache, fetchOK(&calls)))
	item := testsupport.NewItem(t, h.items, "src-1", "https://example.com/a")

	task := h.wait(t, h.enqueue(t, phase.Cache, item.ID))
	if task.Status != tasks.StatusFailed || task.ErrorKind != services.KindPrecondition {
		t.Fatalf("expected precondition failure, got %s/%s", task.Status, task.ErrorKind)
	}
	if task.RetryCount != 0 || calls.Load() != 0 {
		t.Fatalf("precondition failures must not retry or run the handler: retries=%d calls=%d", task.RetryCount, calls.Load())
	}
}

func TestMissingItemIsValidationFailure(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, withHandler(phase.Fetch, fetchOK(&calls)))
	task := h.wait(t, h.enqueue(t, phase.Fetch, "no-such-item"))
	if task.Status != tasks.StatusFailed || task.ErrorKind != services.KindValidation {
		t.Fatalf("expected validation failure, got %s/%s", task.Status, task.ErrorKind)
	}
}

func TestRetryBoundCountsAttempts(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t,
		withKind(func(k *tasks.Kind) { k.MaxRetries = 2 }),
		withHandler(phase.Fetch, func(ctx context.Context, req tasks.Request) (tasks.Output, error) {
			calls.Add(1)
			return tasks.Output{}, services.Wrap(services.ErrTransient, "fetch", "get", "503 from origin", nil)
		}),
	)
	item := testsupport.NewItem(t, h.items, "src-1", "https://example.com/a")

	task := h.wait(t, h.enqueue(t, phase.Fetch, item.ID))
	if task.Status != tasks.StatusFailed {
		t.Fatalf("status = %s", task.Status)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected exactly max_retries=2 attempts, got %d", calls.Load())
	}
	if task.RetryCount != 1 || task.ErrorKind != services.KindTransient {
		t.Fatalf("retry_count=%d kind=%s", task.RetryCount, task.ErrorKind)
	}
	if len(h.events.ofType(fanout.EventTaskRetrying)) != 1 {
		t.Fatalf("expected 1 retrying event, got %d", len(h.events.ofType(fanout.EventTaskRetrying)))
	}
	got := h.item(t, item.ID)
	if got.Flags.Done(phase.Fetch) {
		t.Fatal("failure must not set the phase flag")
	}
	if got.LastErrors[string(phase.Fetch)] == "" {
		t.Fatal("expected last error recorded on the item")
	}
}

func TestTransientFailureThenSuccess(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, withHandler(phase.Fetch, func(ctx context.Context, req tasks.Request) (tasks.Output, error) {
		if calls.Add(1) == 1 {
			return tasks.Output{}, services.Wrap(services.ErrTransient, "fetch", "get", "connection reset", nil)
		}
		if req.Attempt != 2 {
			return tasks.Output{}, errors.New("attempt number not advanced")
		}
		return tasks.Output{Artifacts: content.Artifacts{RawPayload: "ok"}}, nil
	}))
	item := testsupport.NewItem(t, h.items, "src-1", "https://example.com/a")

	task := h.wait(t, h.enqueue(t, phase.Fetch, item.ID))
	if task.Status != tasks.StatusSucceeded || task.RetryCount != 1 {
		t.Fatalf("expected success after one retry, got %s retries=%d err=%s", task.Status, task.RetryCount, task.ErrorMessage)
	}
	if got := h.item(t, item.ID); got.LastErrors[string(phase.Fetch)] != "" {
		t.Fatalf("successful commit should clear the phase error, got %q", got.LastErrors[string(phase.Fetch)])
	}
}

func TestSoftLimitStopsHandlerAtCheckpoint(t *testing.T) {
	h := newHarness(t,
		withKind(func(k *tasks.Kind) {
			k.SoftLimit = 30 * time.Millisecond
			k.MaxRetries = 0
		}),
		withHandler(phase.Fetch, func(ctx context.Context, req tasks.Request) (tasks.Output, error) {
			for {
				if err := req.Progress.Checkpoint(); err != nil {
					return tasks.Output{}, err
				}
				time.Sleep(5 * time.Millisecond)
			}
		}),
	)
	item := testsupport.NewItem(t, h.items, "src-1", "https://example.com/a")

	task := h.wait(t, h.enqueue(t, phase.Fetch, item.ID))
	if task.Status != tasks.StatusFailed || task.ErrorKind != services.KindTimeout {
		t.Fatalf("expected timeout failure, got %s/%s: %s", task.Status, task.ErrorKind, task.ErrorMessage)
	}
}

func TestSoftLimitLeavesInFlightStepRunning(t *testing.T) {
	var stepFinished, ctxAlive atomic.Bool
	h := newHarness(t,
		withKind(func(k *tasks.Kind) {
			k.SoftLimit = 50 * time.Millisecond
			k.MaxRetries = 0
		}),
		withHandler(phase.Fetch, func(ctx context.Context, req tasks.Request) (tasks.Output, error) {
			select {
			case <-ctx.Done():
				return tasks.Output{}, ctx.Err()
			case <-time.After(200 * time.Millisecond):
				stepFinished.Store(true)
			}
			ctxAlive.Store(ctx.Err() == nil)
			if !req.Progress.SoftLimitReached() {
				return tasks.Output{}, errors.New("soft limit not signalled")
			}
			return tasks.Output{}, req.Progress.Checkpoint()
		}),
	)
	item := testsupport.NewItem(t, h.items, "src-1", "https://example.com/a")

	task := h.wait(t, h.enqueue(t, phase.Fetch, item.ID))
	if !stepFinished.Load() || !ctxAlive.Load() {
		t.Fatalf("in-flight step was cut short: finished=%v ctx alive=%v", stepFinished.Load(), ctxAlive.Load())
	}
	if task.Status != tasks.StatusFailed || task.ErrorKind != services.KindTimeout {
		t.Fatalf("expected timeout at the checkpoint, got %s/%s: %s", task.Status, task.ErrorKind, task.ErrorMessage)
	}
}

func TestSoftLimitAloneDoesNotFailFinishedWork(t *testing.T) {
	h := newHarness(t,
		withKind(func(k *tasks.Kind) {
			k.SoftLimit = 20 * time.Millisecond
			k.MaxRetries = 0
		}),
		withHandler(phase.Fetch, func(ctx context.Context, req tasks.Request) (tasks.Output, error) {
			time.Sleep(60 * time.Millisecond)
			return tasks.Output{Artifacts: content.Artifacts{RawPayload: "slow but done"}}, nil
		}),
	)
	item := testsupport.NewItem(t, h.items, "src-1", "https://example.com/a")

	task := h.wait(t, h.enqueue(t, phase.Fetch, item.ID))
	if task.Status != tasks.StatusSucceeded {
		t.Fatalf("status = %s: %s", task.Status, task.ErrorMessage)
	}
	if !h.item(t, item.ID).Flags.Done(phase.Fetch) {
		t.Fatal("expected fetch committed")
	}
}

func TestHardLimitAbandonsAttempt(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	h := newHarness(t,
		withKind(func(k *tasks.Kind) {
			k.SoftLimit = 0
			k.HardLimit = 40 * time.Millisecond
			k.MaxRetries = 0
		}),
		withHandler(phase.Fetch, func(ctx context.Context, req tasks.Request) (tasks.Output, error) {
			<-release
			return tasks.Output{Artifacts: content.Artifacts{RawPayload: "late"}}, nil
		}),
	)
	item := testsupport.NewItem(t, h.items, "src-1", "https://example.com/a")

	task := h.wait(t, h.enqueue(t, phase.Fetch, item.ID))
	if task.Status != tasks.StatusFailed || task.ErrorKind != services.KindTimeout {
		t.Fatalf("expected hard timeout, got %s/%s", task.Status, task.ErrorKind)
	}
	if h.item(t, item.ID).Flags.Done(phase.Fetch) {
		t.Fatal("abandoned attempt must not commit")
	}
}

func TestConcurrentTasksCommitOnce(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t,
		withKind(func(k *tasks.Kind) { k.Concurrency = 4 }),
		withHandler(phase.Fetch, func(ctx context.Context, req tasks.Request) (tasks.Output, error) {
			calls.Add(1)
			time.Sleep(20 * time.Millisecond)
			return tasks.Output{Artifacts: content.Artifacts{RawPayload: req.TaskID}}, nil
		}),
	)
	item := testsupport.NewItem(t, h.items, "src-1", "https://example.com/a")

	var ids []string
	for i := 0; i < 6; i++ {
		ids = append(ids, h.enqueue(t, phase.Fetch, item.ID))
	}
	applied := 0
	for _, id := range ids {
		task := h.wait(t, id)
		if task.Status != tasks.StatusSucceeded {
			t.Fatalf("task %s: %s (%s)", id, task.Status, task.ErrorMessage)
		}
		if task.Result.Data["applied"] == true {
			applied++
		}
	}
	if applied != 1 {
		t.Fatalf("expected exactly one applied commit, got %d", applied)
	}
	if got := h.item(t, item.ID); got.Revision != 1 {
		t.Fatalf("revision = %d, want 1", got.Revision)
	}
}

func TestConfigurationErrorFailsWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, withHandler(phase.MediaAnalysis, func(ctx context.Context, req tasks.Request) (tasks.Output, error) {
		calls.Add(1)
		return tasks.Output{}, nil
	}))
	item := testsupport.NewItem(t, h.items, "src-1", "https://example.com/a")
	testsupport.AdvanceTo(t, h.items, item.ID, phase.Cache)

	id, err := h.exec.Enqueue(context.Background(), tasks.EnqueueRequest{
		Phase:    phase.MediaAnalysis,
		ItemID:   item.ID,
		Override: &router.Selector{Backend: "missing", Model: "llava"},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	task := h.wait(t, id)
	if task.Status != tasks.StatusFailed || task.ErrorKind != services.KindConfiguration || task.RetryCount != 0 {
		t.Fatalf("expected immediate configuration failure, got %s/%s retries=%d", task.Status, task.ErrorKind, task.RetryCount)
	}
	if calls.Load() != 0 {
		t.Fatal("handler must not run without a model")
	}
	if len(h.events.ofType(fanout.EventConfigurationError)) != 1 {
		t.Fatal("expected a configuration_error event")
	}
}

func TestPersistedSelectorOnDownBackendFailsEmbedding(t *testing.T) {
	var calls atomic.Int32
	var itemID string
	h := newHarness(t,
		withBackend(offlineBackend{}),
		withHandler(phase.Embedding, func(ctx context.Context, req tasks.Request) (tasks.Output, error) {
			calls.Add(1)
			return tasks.Output{Artifacts: content.Artifacts{EmbeddingModel: "nomic-embed", Embeddings: []content.EmbeddingChunk{{Vector: []float32{0.1}}}}}, nil
		}),
		withSeed(func(items *content.Store, _ *tasks.Store) {
			itemID = testsupport.NewItem(t, items, "src-1", "https://example.com/a").ID
			testsupport.AdvanceTo(t, items, itemID, phase.KBGeneration)
			sel := router.Selector{Backend: "gpu-box", Model: "nomic-embed"}
			if err := items.SetPhaseSelector(context.Background(), phase.Embedding, sel); err != nil {
				t.Fatalf("SetPhaseSelector: %v", err)
			}
		}),
	)

	task := h.wait(t, h.enqueue(t, phase.Embedding, itemID))
	if task.Status != tasks.StatusFailed || task.ErrorKind != services.KindConfiguration {
		t.Fatalf("expected configuration failure, got %s/%s: %s", task.Status, task.ErrorKind, task.ErrorMessage)
	}
	if calls.Load() != 0 {
		t.Fatal("handler ran without a usable model")
	}
	if h.item(t, itemID).Flags.Done(phase.Embedding) {
		t.Fatal("embedding flag set despite the failed task")
	}
}

func TestResolvedModelReachesHandler(t *testing.T) {
	var model string
	h := newHarness(t, withHandler(phase.MediaAnalysis, func(ctx context.Context, req tasks.Request) (tasks.Output, error) {
		model = req.Resolution.Model
		return tasks.Output{Artifacts: content.Artifacts{MediaAnalysis: "none"}}, nil
	}))
	item := testsupport.NewItem(t, h.items, "src-1", "https://example.com/a")
	testsupport.AdvanceTo(t, h.items, item.ID, phase.Cache)

	task := h.wait(t, h.enqueue(t, phase.MediaAnalysis, item.ID))
	if task.Status != tasks.StatusSucceeded || model != "llava" {
		t.Fatalf("status=%s model=%q", task.Status, model)
	}
	if task.Result.Data["backend"] != "local" {
		t.Fatalf("result missing backend: %+v", task.Result.Data)
	}
}

func TestProgressIsPersistedAndPublished(t *testing.T) {
	h := newHarness(t, withHandler(phase.Fetch, func(ctx context.Context, req tasks.Request) (tasks.Output, error) {
		req.Progress.SetDetail("url", req.Item.URL)
		req.Progress.Report(1, 2, "downloaded")
		return tasks.Output{Artifacts: content.Artifacts{RawPayload: "ok"}}, nil
	}))
	item := testsupport.NewItem(t, h.items, "src-1", "https://example.com/a")

	task := h.wait(t, h.enqueue(t, phase.Fetch, item.ID))
	if task.Progress.Current != 1 || task.Progress.Total != 2 || task.Progress.Percent != 50 {
		t.Fatalf("persisted progress = %+v", task.Progress)
	}
	events := h.events.ofType(fanout.EventTaskProgress)
	if len(events) != 1 || events[0].Progress == nil || events[0].Progress.Details["url"] != item.URL {
		t.Fatalf("progress events = %+v", events)
	}
	if events[0].TaskID != task.ID || events[0].ItemID != item.ID {
		t.Fatalf("progress event not addressed to task and item: %+v", events[0])
	}
}

func TestStartRecoversInterruptedTasks(t *testing.T) {
	var calls atomic.Int32
	var itemID string
	h := newHarness(t,
		withHandler(phase.Fetch, fetchOK(&calls)),
		withSeed(func(items *content.Store, store *tasks.Store) {
			itemID = testsupport.NewItem(t, items, "src-1", "https://example.com/a").ID
			now := time.Now()
			if err := store.Insert(context.Background(), &tasks.Task{
				ID:         "interrupted",
				Kind:       "network",
				Phase:      phase.Fetch,
				ItemID:     itemID,
				Status:     tasks.StatusRunning,
				MaxRetries: 1,
				CreatedAt:  now,
				UpdatedAt:  now,
			}); err != nil {
				t.Fatalf("Insert: %v", err)
			}
		}),
	)

	task := h.wait(t, "interrupted")
	if task.Status != tasks.StatusSucceeded || calls.Load() != 1 {
		t.Fatalf("interrupted task not resumed: %s calls=%d", task.Status, calls.Load())
	}
	if !h.item(t, itemID).Flags.Done(phase.Fetch) {
		t.Fatal("resumed task did not commit")
	}
}

func TestEnqueueRejectsUnknownPhase(t *testing.T) {
	h := newHarness(t)
	_, err := h.exec.Enqueue(context.Background(), tasks.EnqueueRequest{Phase: "bogus", ItemID: "x"})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	_, err = h.exec.Enqueue(context.Background(), tasks.EnqueueRequest{Phase: phase.Fetch})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for missing item, got %v", err)
	}
	if _, err := h.exec.GetTaskStatus(context.Background(), "missing"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
