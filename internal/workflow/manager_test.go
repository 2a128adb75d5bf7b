package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"kbforge/internal/content"
	"kbforge/internal/logging"
	"kbforge/internal/phase"
	"kbforge/internal/router"
	"kbforge/internal/tasks"
	"kbforge/internal/testsupport"
	"kbforge/internal/workflow"
)

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []tasks.EnqueueRequest
	active   map[string]bool
	failWith error
	notify   chan tasks.EnqueueRequest
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{active: map[string]bool{}, notify: make(chan tasks.EnqueueRequest, 64)}
}

func key(itemID string, p phase.Phase) string { return itemID + "/" + string(p) }

func (q *fakeQueue) Enqueue(_ context.Context, req tasks.EnqueueRequest) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failWith != nil {
		return "", q.failWith
	}
	q.enqueued = append(q.enqueued, req)
	q.active[key(req.ItemID, req.Phase)] = true
	select {
	case q.notify <- req:
	default:
	}
	return fmt.Sprintf("task-%d", len(q.enqueued)), nil
}

func (q *fakeQueue) HasActive(_ context.Context, itemID string, p phase.Phase) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active[key(itemID, p)], nil
}

func (q *fakeQueue) Counts(context.Context) (map[tasks.Status]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return map[tasks.Status]int{tasks.StatusPending: len(q.enqueued)}, nil
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.enqueued)
}

type downBackend struct{}

func (downBackend) Name() string                                           { return "down" }
func (downBackend) ListModels(context.Context) ([]router.ModelInfo, error) { return nil, nil }
func (downBackend) HealthCheck(context.Context) error                      { return errors.New("connection refused") }

func TestScheduleEnqueuesEligibleItemsOnce(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	queue := newFakeQueue()
	mgr := workflow.NewManager(cfg, store, queue, logging.NewNop())
	ctx := context.Background()

	a := testsupport.NewItem(t, store, "a", "https://example.com/a")
	b := testsupport.NewItem(t, store, "b", "https://example.com/b")
	testsupport.AdvanceTo(t, store, b.ID, phase.Fetch)

	n, err := mgr.Schedule(ctx, phase.Fetch)
	if err != nil || n != 1 {
		t.Fatalf("Schedule(fetch) = %d, %v", n, err)
	}
	if queue.enqueued[0].ItemID != a.ID || queue.enqueued[0].Phase != phase.Fetch {
		t.Fatalf("unexpected request %+v", queue.enqueued[0])
	}
	// The active task blocks a second enqueue.
	if n, _ := mgr.Schedule(ctx, phase.Fetch); n != 0 {
		t.Fatalf("duplicate enqueue: %d", n)
	}
	if n, _ := mgr.Schedule(ctx, phase.Cache); n != 1 {
		t.Fatalf("Schedule(cache) = %d", n)
	}
	// Nothing is eligible past cache yet.
	if n, _ := mgr.Schedule(ctx, phase.MediaAnalysis); n != 0 {
		t.Fatalf("Schedule(media_analysis) = %d", n)
	}
}

func TestScheduleSkipsTerminalFailureUntilReprocess(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	queue := newFakeQueue()
	mgr := workflow.NewManager(cfg, store, queue, logging.NewNop())
	ctx := context.Background()

	item := testsupport.NewItem(t, store, "a", "https://example.com/a")
	if err := store.RecordPhaseError(ctx, item.ID, phase.Fetch, "404 not found"); err != nil {
		t.Fatalf("RecordPhaseError: %v", err)
	}
	if n, _ := mgr.Schedule(ctx, phase.Fetch); n != 0 {
		t.Fatalf("failed item rescheduled: %d", n)
	}
	if _, err := store.RequestReprocess(ctx, item.ID, phase.Fetch); err != nil {
		t.Fatalf("RequestReprocess: %v", err)
	}
	if n, _ := mgr.Schedule(ctx, phase.Fetch); n != 1 {
		t.Fatalf("reprocessed item not scheduled: %d", n)
	}
}

func TestScheduleRespectsBatchSize(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Workflow.BatchSize = 2
	store := testsupport.MustOpenStore(t, cfg)
	queue := newFakeQueue()
	mgr := workflow.NewManager(cfg, store, queue, logging.NewNop())

	for i := range 5 {
		testsupport.NewItem(t, store, fmt.Sprintf("src-%d", i), "https://example.com")
	}
	if n, _ := mgr.Schedule(context.Background(), phase.Fetch); n != 2 {
		t.Fatalf("expected batch of 2, got %d", n)
	}
}

func TestScheduleReachesFreshItemsBehindFailedOnes(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Workflow.BatchSize = 2
	store := testsupport.MustOpenStore(t, cfg)
	queue := newFakeQueue()
	mgr := workflow.NewManager(cfg, store, queue, logging.NewNop())
	ctx := context.Background()

	for i := range 2 {
		dead := testsupport.NewItem(t, store, fmt.Sprintf("dead-%d", i), fmt.Sprintf("https://example.com/gone/%d", i))
		if err := store.RecordPhaseError(ctx, dead.ID, phase.Fetch, "404 not found"); err != nil {
			t.Fatalf("RecordPhaseError: %v", err)
		}
	}
	fresh := testsupport.NewItem(t, store, "fresh", "https://example.com/fresh")

	n, err := mgr.Schedule(ctx, phase.Fetch)
	if err != nil || n != 1 {
		t.Fatalf("Schedule(fetch) = %d, %v", n, err)
	}
	if queue.enqueued[0].ItemID != fresh.ID {
		t.Fatalf("scheduled %s, want %s", queue.enqueued[0].ItemID, fresh.ID)
	}
}

func TestScheduleReportsEnqueueFailure(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	queue := newFakeQueue()
	queue.failWith = errors.New("database is locked")
	mgr := workflow.NewManager(cfg, store, queue, logging.NewNop())
	testsupport.NewItem(t, store, "a", "https://example.com/a")

	if _, err := mgr.Schedule(context.Background(), phase.Fetch); err == nil {
		t.Fatal("expected enqueue error")
	}
}

func TestWakeAndPhaseCompletedTriggerScan(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	queue := newFakeQueue()
	mgr := workflow.NewManager(cfg, store, queue, logging.NewNop(), workflow.WithPollInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mgr.Stop()
	if err := mgr.Start(ctx); err == nil {
		t.Fatal("second Start should fail")
	}

	item := testsupport.NewItem(t, store, "a", "https://example.com/a")
	mgr.Wake()
	waitForEnqueue(t, queue, item.ID, phase.Fetch)

	testsupport.AdvanceTo(t, store, item.ID, phase.Fetch)
	mgr.PhaseCompleted(item.ID, phase.Fetch)
	waitForEnqueue(t, queue, item.ID, phase.Cache)

	// Scan totals are recorded after the pass finishes.
	var status workflow.StatusSummary
	deadline := time.Now().Add(5 * time.Second)
	for {
		status = mgr.Status(context.Background(), false)
		if status.Scheduled[phase.Fetch] == 1 && status.Scheduled[phase.Cache] == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("unexpected status %+v", status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !status.Running {
		t.Fatal("manager should report running")
	}
	if status.Items.Total != 1 || status.Items.Completed[phase.Fetch] != 1 {
		t.Fatalf("unexpected item counts %+v", status.Items)
	}
	if status.Tasks[tasks.StatusPending] != queue.count() {
		t.Fatalf("unexpected task counts %+v", status.Tasks)
	}
}

func waitForEnqueue(t *testing.T, queue *fakeQueue, itemID string, p phase.Phase) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case req := <-queue.notify:
			if req.ItemID == itemID && req.Phase == p {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s task on %s", p, itemID)
		}
	}
}

func TestStatusReportsBackendHealth(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	reg, err := router.NewRegistry(downBackend{})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	mgr := workflow.NewManager(cfg, store, newFakeQueue(), logging.NewNop(), workflow.WithRegistry(reg))

	status := mgr.Status(context.Background(), true)
	if status.Running {
		t.Fatal("manager not started")
	}
	if len(status.Backends) != 1 || status.Backends[0].Ready || status.Backends[0].Detail != "connection refused" {
		t.Fatalf("unexpected backend health %+v", status.Backends)
	}
	if got := mgr.Status(context.Background(), false); got.Backends != nil {
		t.Fatal("backend checks should be skipped")
	}
}

var _ workflow.ItemSource = (*content.Store)(nil)
var _ workflow.TaskQueue = (*tasks.Executor)(nil)
