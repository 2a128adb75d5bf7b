package daemon

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"

	"kbforge/internal/api"
	"kbforge/internal/config"
	"kbforge/internal/content"
	"kbforge/internal/fanout"
	"kbforge/internal/fileutil"
	"kbforge/internal/logging"
	"kbforge/internal/metrics"
	"kbforge/internal/notifications"
	"kbforge/internal/phase"
	"kbforge/internal/router"
	"kbforge/internal/services"
	"kbforge/internal/tasks"
	"kbforge/internal/workflow"
)

// Deps are the components the daemon runs. Notifier and Metrics are optional.
type Deps struct {
	Store    *content.Store
	Executor *tasks.Executor
	Router   *router.Router
	Workflow *workflow.Manager
	Hub      *fanout.Hub
	Metrics  *metrics.Registry
	Notifier *notifications.Sink
}

// Daemon coordinates the background processing services and enforces
// single-instance execution.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	deps   Deps
	api    *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	bg      sync.WaitGroup
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || deps.Store == nil || deps.Executor == nil || deps.Router == nil || deps.Workflow == nil || deps.Hub == nil {
		return nil, errors.New("daemon requires config, store, executor, router, workflow manager, and hub")
	}
	lockPath := filepath.Join(cfg.Paths.DataDir, "kbforged.lock")
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		deps:     deps,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}
	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the daemon lock and launches the hub, executor, scheduler,
// and API server.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another kbforge daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	fail := func(err error) error {
		cancel()
		d.bg.Wait()
		_ = d.lock.Unlock()
		return err
	}

	d.goBackground(func() { d.deps.Hub.Run(runCtx) })
	if d.deps.Notifier != nil {
		d.goBackground(func() { d.deps.Notifier.Run(runCtx) })
	}
	if err := d.deps.Executor.Start(runCtx); err != nil {
		return fail(fmt.Errorf("start executor: %w", err))
	}
	if err := d.deps.Workflow.Start(runCtx); err != nil {
		d.deps.Executor.Stop()
		return fail(fmt.Errorf("start workflow: %w", err))
	}
	if err := d.api.start(runCtx); err != nil {
		d.deps.Workflow.Stop()
		d.deps.Executor.Stop()
		return fail(err)
	}

	d.cancel = cancel
	d.running.Store(true)
	d.logger.Info("kbforge daemon started",
		logging.String("lock", d.lockPath),
		logging.String("database", d.deps.Store.Path()),
		logging.String(logging.FieldEventType, "daemon_started"),
	)
	return nil
}

func (d *Daemon) goBackground(fn func()) {
	d.bg.Add(1)
	go func() {
		defer d.bg.Done()
		fn()
	}()
}

// Stop stops background processing and releases the daemon lock. In-flight
// attempts are cancelled; their tasks are recovered on the next start.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running.Load() {
		return
	}

	d.api.stop()
	d.deps.Workflow.Stop()
	d.deps.Executor.Stop()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.bg.Wait()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("kbforge daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	return d.deps.Store.Close()
}

// Running reports whether Start has succeeded and Stop has not been called.
func (d *Daemon) Running() bool { return d.running.Load() }

// APIAddress returns the address the API server listens on, once started.
func (d *Daemon) APIAddress() string { return d.api.address() }

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) api.DaemonStatus {
	return api.DaemonStatus{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		DatabasePath: d.deps.Store.Path(),
		LibraryDir:   d.cfg.Paths.LibraryDir,
		LockFilePath: d.lockPath,
		Workflow:     api.FromStatusSummary(d.deps.Workflow.Status(ctx, true)),
	}
}

// Ingest stores a bookmark. Submitting the same source twice returns the
// existing item with created=false.
func (d *Daemon) Ingest(ctx context.Context, req api.IngestRequest) (*content.Item, bool, error) {
	in := content.NewItem{
		SourceID: strings.TrimSpace(req.SourceID),
		Source:   strings.TrimSpace(req.Source),
		URL:      strings.TrimSpace(req.URL),
		Title:    strings.TrimSpace(req.Title),
		Payload:  req.Payload,
	}
	if in.URL == "" && strings.TrimSpace(in.Payload) == "" {
		return nil, false, services.Wrap(services.ErrValidation, "daemon", "ingest", "url or payload is required", nil)
	}
	if in.SourceID == "" && in.URL == "" {
		in.SourceID = payloadSourceID(in.Payload)
	}
	item, created, err := d.deps.Store.Create(ctx, in)
	if err != nil {
		return nil, false, err
	}
	if created {
		d.logger.Info("bookmark ingested",
			logging.String(logging.FieldItemID, item.ID),
			logging.String("source_id", item.SourceID),
			logging.String(logging.FieldEventType, "item_ingested"),
		)
		d.deps.Workflow.Wake()
	}
	return item, created, nil
}

// payloadSourceID derives a stable source id for inline bookmarks so the same
// text is not ingested twice.
func payloadSourceID(payload string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(payload)))
	return "inline:" + hex.EncodeToString(sum[:8])
}

// Item fetches an item.
func (d *Daemon) Item(ctx context.Context, id string) (*content.Item, error) {
	return d.deps.Store.MustGet(ctx, id)
}

// Items lists items.
func (d *Daemon) Items(ctx context.Context, filter content.ListFilter) ([]*content.Item, error) {
	return d.deps.Store.List(ctx, filter)
}

// Categories lists categories with item counts.
func (d *Daemon) Categories(ctx context.Context) ([]content.CategoryCount, error) {
	return d.deps.Store.Categories(ctx)
}

// Reprocess asks for phase p to run again on an item. With cascade, p and
// every phase downstream of it are cleared instead.
func (d *Daemon) Reprocess(ctx context.Context, id string, p phase.Phase, cascade bool) (*content.Item, error) {
	var (
		item *content.Item
		err  error
	)
	if cascade {
		item, err = d.deps.Store.ResetPipeline(ctx, id, p)
	} else {
		item, err = d.deps.Store.RequestReprocess(ctx, id, p)
	}
	if err != nil {
		return nil, err
	}
	d.logger.Info("reprocess requested",
		logging.String(logging.FieldItemID, id),
		logging.String(logging.FieldPhase, string(p)),
		logging.Bool("cascade", cascade),
		logging.String(logging.FieldEventType, "reprocess_requested"),
	)
	d.deps.Workflow.Wake()
	return item, nil
}

// DeleteItem removes an item and its published entry, if the entry lives in
// the library.
func (d *Daemon) DeleteItem(ctx context.Context, id string) error {
	item, err := d.deps.Store.MustGet(ctx, id)
	if err != nil {
		return err
	}
	deleted, err := d.deps.Store.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("item %s: %w", id, services.ErrNotFound)
	}
	if path := item.PublishedPath; path != "" && fileutil.Within(d.cfg.Paths.LibraryDir, path) {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logging.WarnWithContext(d.logger, "failed to remove published entry", "entry_cleanup_failed",
				logging.String(logging.FieldItemID, id),
				logging.String("path", path),
				logging.Error(err),
				logging.String(logging.FieldImpact, "orphaned entry left in the library"),
			)
		}
	}
	d.logger.Info("item deleted",
		logging.String(logging.FieldItemID, id),
		logging.String(logging.FieldEventType, "item_deleted"),
	)
	return nil
}

// Enqueue submits a task directly, bypassing the scheduler.
func (d *Daemon) Enqueue(ctx context.Context, req tasks.EnqueueRequest) (string, error) {
	if _, err := d.deps.Store.MustGet(ctx, req.ItemID); err != nil {
		return "", err
	}
	if req.Override != nil {
		if !router.UsesModel(req.Phase) {
			return "", services.Wrap(services.ErrValidation, "daemon", "enqueue", fmt.Sprintf("%s does not use a model", req.Phase), nil)
		}
		if _, err := d.deps.Router.Resolve(ctx, req.Phase, req.Override); err != nil {
			return "", err
		}
	}
	return d.deps.Executor.Enqueue(ctx, req)
}

// Task returns one task.
func (d *Daemon) Task(ctx context.Context, id string) (*tasks.Task, error) {
	return d.deps.Executor.GetTaskStatus(ctx, id)
}

// Tasks lists tasks.
func (d *Daemon) Tasks(ctx context.Context, filter tasks.ListFilter) ([]*tasks.Task, error) {
	return d.deps.Executor.ListTasks(ctx, filter)
}

// Selector returns the persisted selector for p and the router's current
// decision. A resolution failure is reported, not returned as an error.
func (d *Daemon) Selector(ctx context.Context, p phase.Phase) (api.SelectorResponse, error) {
	capability, err := router.RequiredCapability(p)
	if err != nil {
		return api.SelectorResponse{}, services.Wrap(services.ErrValidation, "daemon", "selector", "", err)
	}
	sel, err := d.deps.Router.Selector(ctx, p)
	if err != nil {
		return api.SelectorResponse{}, err
	}
	out := api.SelectorResponse{Phase: string(p), Capability: string(capability), Selector: sel}
	res, err := d.deps.Router.Resolve(ctx, p, nil)
	if err != nil {
		out.ResolveError = err.Error()
		return out, nil
	}
	out.Resolved = api.FromResolution(res)
	return out, nil
}

// SetSelector validates sel against the live backends and persists it.
func (d *Daemon) SetSelector(ctx context.Context, p phase.Phase, sel router.Selector) (api.SelectorResponse, error) {
	res, err := d.deps.Router.UpdateSelector(ctx, p, sel)
	if err != nil {
		return api.SelectorResponse{}, err
	}
	persisted := router.Selector{Backend: res.BackendName, Model: res.Model, Params: sel.Params}
	return api.SelectorResponse{
		Phase:      string(p),
		Capability: string(res.Capability),
		Selector:   &persisted,
		Resolved:   api.FromResolution(res),
	}, nil
}

// FanoutStats returns hub counters.
func (d *Daemon) FanoutStats() fanout.Stats { return d.deps.Hub.Stats() }
