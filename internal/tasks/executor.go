package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"kbforge/internal/content"
	"kbforge/internal/fanout"
	"kbforge/internal/logging"
	"kbforge/internal/phase"
	"kbforge/internal/router"
	"kbforge/internal/services"
)

// ItemStore is the part of the content store the executor depends on.
type ItemStore interface {
	Get(ctx context.Context, id string) (*content.Item, error)
	CompletePhase(ctx context.Context, id string, p phase.Phase, art content.Artifacts) (bool, error)
	RecordPhaseError(ctx context.Context, id string, p phase.Phase, message string) error
}

// Resolver picks the backend and model for a phase.
type Resolver interface {
	Resolve(ctx context.Context, p phase.Phase, override *router.Selector) (router.Resolution, error)
}

// Publisher receives task and item events.
type Publisher interface {
	PublishAll(evt fanout.Event)
}

// Metrics receives execution counters.
type Metrics interface {
	TaskEnqueued(kind, phase string)
	AttemptFinished(kind, phase, outcome string, d time.Duration)
	TaskRetried(kind, errorKind string)
	TaskFinished(kind, phase, status string)
	PhaseCommitted(phase string)
}

type noopMetrics struct{}

func (noopMetrics) TaskEnqueued(string, string)                           {}
func (noopMetrics) AttemptFinished(string, string, string, time.Duration) {}
func (noopMetrics) TaskRetried(string, string)                            {}
func (noopMetrics) TaskFinished(string, string, string)                   {}
func (noopMetrics) PhaseCommitted(string)                                 {}

type noopPublisher struct{}

func (noopPublisher) PublishAll(fanout.Event) {}

// Options wires an Executor.
type Options struct {
	Store     *Store
	Items     ItemStore
	Router    Resolver
	Kinds     *KindTable
	Handlers  map[phase.Phase]Handler
	Publisher Publisher
	Metrics   Metrics
	Logger    *slog.Logger

	// PollInterval bounds how long an idle lane sleeps between checks.
	PollInterval time.Duration
	// HeartbeatInterval is how often a running task refreshes its heartbeat.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is the age after which a running task is reclaimed.
	// Zero disables periodic reclaim; startup recovery always runs.
	HeartbeatTimeout time.Duration

	// OnPhaseCompleted runs after a phase commit applied.
	OnPhaseCompleted func(itemID string, p phase.Phase)

	Now  func() time.Time
	Rand func() float64
}

type lane struct {
	kind    Kind
	limiter *rate.Limiter
	wake    chan struct{}
}

func (l *lane) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Executor runs tasks on per-kind lanes with independent concurrency and
// rate limits.
type Executor struct {
	store     *Store
	items     ItemStore
	router    Resolver
	kinds     *KindTable
	handlers  map[phase.Phase]Handler
	publisher Publisher
	metrics   Metrics
	logger    *slog.Logger

	pollInterval      time.Duration
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	onPhaseCompleted  func(string, phase.Phase)
	now               func() time.Time
	rand              func() float64

	lanes map[string]*lane

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// NewExecutor validates opts and builds one lane per kind.
func NewExecutor(opts Options) (*Executor, error) {
	if opts.Store == nil {
		return nil, errors.New("executor requires a task store")
	}
	if opts.Items == nil {
		return nil, errors.New("executor requires an item store")
	}
	if opts.Kinds == nil {
		return nil, errors.New("executor requires a kind table")
	}
	e := &Executor{
		store:             opts.Store,
		items:             opts.Items,
		router:            opts.Router,
		kinds:             opts.Kinds,
		handlers:          make(map[phase.Phase]Handler, len(opts.Handlers)),
		publisher:         opts.Publisher,
		metrics:           opts.Metrics,
		logger:            logging.NewComponentLogger(opts.Logger, "tasks"),
		pollInterval:      opts.PollInterval,
		heartbeatInterval: opts.HeartbeatInterval,
		heartbeatTimeout:  opts.HeartbeatTimeout,
		onPhaseCompleted:  opts.OnPhaseCompleted,
		now:               opts.Now,
		rand:              opts.Rand,
		lanes:             make(map[string]*lane),
	}
	for p, h := range opts.Handlers {
		if h != nil {
			e.handlers[p] = h
		}
	}
	if e.publisher == nil {
		e.publisher = noopPublisher{}
	}
	if e.metrics == nil {
		e.metrics = noopMetrics{}
	}
	if e.pollInterval <= 0 {
		e.pollInterval = time.Second
	}
	if e.heartbeatInterval <= 0 {
		e.heartbeatInterval = 15 * time.Second
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.rand == nil {
		e.rand = rand.Float64
	}
	for _, k := range opts.Kinds.Kinds() {
		limit := rate.Inf
		if k.RatePerSecond > 0 {
			limit = rate.Limit(k.RatePerSecond)
		}
		burst := k.Burst
		if burst <= 0 {
			burst = k.Concurrency
		}
		e.lanes[k.Name] = &lane{
			kind:    k,
			limiter: rate.NewLimiter(limit, burst),
			wake:    make(chan struct{}, 1),
		}
	}
	return e, nil
}

// Store exposes the task store.
func (e *Executor) Store() *Store { return e.store }

// Enqueue validates the request, persists a pending task and signals its lane.
// It returns without waiting for the task to run.
func (e *Executor) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if !req.Phase.Valid() {
		return "", services.Wrap(services.ErrValidation, "tasks", "enqueue", fmt.Sprintf("unknown phase %q", req.Phase), nil)
	}
	itemID := strings.TrimSpace(req.ItemID)
	if itemID == "" {
		return "", services.Wrap(services.ErrValidation, "tasks", "enqueue", "item id is required", nil)
	}
	kind, ok := e.kinds.ForPhase(req.Phase)
	if !ok {
		return "", services.Wrap(services.ErrConfiguration, "tasks", "enqueue", fmt.Sprintf("no task kind for phase %s", req.Phase), nil)
	}
	now := e.now()
	task := &Task{
		ID:         uuid.NewString(),
		Kind:       kind.Name,
		Phase:      req.Phase,
		ItemID:     itemID,
		Params:     req.Params,
		Override:   req.Override,
		Status:     StatusPending,
		Progress:   fanout.Progress{Status: string(StatusPending)},
		MaxRetries: kind.MaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.store.Insert(ctx, task); err != nil {
		return "", services.Wrap(services.ErrTransient, "tasks", "enqueue", "persist task", err)
	}
	e.metrics.TaskEnqueued(kind.Name, string(req.Phase))
	e.logger.Debug("task enqueued",
		logging.String(logging.FieldTaskID, task.ID),
		logging.String(logging.FieldItemID, itemID),
		logging.String(logging.FieldPhase, string(req.Phase)),
		logging.String(logging.FieldTaskKind, kind.Name),
	)
	if l := e.lanes[kind.Name]; l != nil {
		l.signal()
	}
	return task.ID, nil
}

// GetTaskStatus returns the task with its progress and, once finished, its
// result.
func (e *Executor) GetTaskStatus(ctx context.Context, id string) (*Task, error) {
	task, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("task %s: %w", id, services.ErrNotFound)
	}
	return task, nil
}

// ListTasks returns tasks matching filter.
func (e *Executor) ListTasks(ctx context.Context, filter ListFilter) ([]*Task, error) {
	return e.store.List(ctx, filter)
}

// HasActive reports whether a non-terminal task exists for the item and phase.
func (e *Executor) HasActive(ctx context.Context, itemID string, p phase.Phase) (bool, error) {
	return e.store.HasActive(ctx, itemID, p)
}

// Counts returns the number of tasks in each status.
func (e *Executor) Counts(ctx context.Context) (map[Status]int, error) {
	return e.store.Counts(ctx)
}

// Start recovers tasks left running by a previous process and launches the
// lane workers.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.New("executor already running")
	}

	reclaimed, err := e.store.ReclaimStale(ctx, time.Time{})
	if err != nil {
		return fmt.Errorf("recover running tasks: %w", err)
	}
	if reclaimed > 0 {
		e.logger.Info("recovered interrupted tasks",
			logging.Int64("count", reclaimed),
			logging.String(logging.FieldEventType, "tasks_recovered"),
		)
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	for _, l := range e.lanes {
		for slot := 0; slot < l.kind.Concurrency; slot++ {
			group.Go(func() error {
				e.runLane(groupCtx, l)
				return nil
			})
		}
	}
	if e.heartbeatTimeout > 0 {
		group.Go(func() error {
			e.reclaimLoop(groupCtx)
			return nil
		})
	}
	e.cancel = cancel
	e.group = group
	e.running = true
	return nil
}

// Stop cancels every worker and waits for in-flight attempts to unwind.
func (e *Executor) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	cancel, group := e.cancel, e.group
	e.running = false
	e.cancel = nil
	e.group = nil
	e.mu.Unlock()

	cancel()
	_ = group.Wait()
}

// Wake nudges every lane to look for due work.
func (e *Executor) Wake() {
	for _, l := range e.lanes {
		l.signal()
	}
}

func (e *Executor) runLane(ctx context.Context, l *lane) {
	logger := e.logger.With(logging.String(logging.FieldTaskKind, l.kind.Name))
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := e.store.ClaimNext(ctx, l.kind.Name, e.now())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.WarnWithContext(logger, "task claim failed", "task_claim_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "lane pauses before retrying"),
				logging.String(logging.FieldErrorHint, "check database availability"),
			)
			e.sleep(ctx, e.pollInterval)
			continue
		}
		if task == nil {
			e.waitForWork(ctx, l)
			continue
		}
		// Another worker on this lane may be idle while more work is queued.
		l.signal()

		if err := l.limiter.Wait(ctx); err != nil {
			_ = e.store.Requeue(context.WithoutCancel(ctx), task.ID)
			return
		}
		e.runTask(ctx, l, task)
	}
}

func (e *Executor) waitForWork(ctx context.Context, l *lane) {
	wait := e.pollInterval
	if next, err := e.store.NextDue(ctx, l.kind.Name); err == nil && next != nil {
		if until := next.Sub(e.now()); until < wait {
			wait = max(until, time.Millisecond)
		}
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-l.wake:
	case <-timer.C:
	}
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (e *Executor) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(e.heartbeatTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := e.now().Add(-e.heartbeatTimeout)
			n, err := e.store.ReclaimStale(ctx, cutoff)
			if err != nil {
				if ctx.Err() == nil {
					e.logger.Warn("stale task reclaim failed", logging.Error(err))
				}
				continue
			}
			if n > 0 {
				logging.WarnWithContext(e.logger, "reclaimed stale tasks", "tasks_reclaimed",
					logging.Int64("count", n),
					logging.String(logging.FieldImpact, "tasks restart from the beginning"),
					logging.String(logging.FieldErrorHint, "a worker stopped heartbeating; check for hung handlers"),
				)
				e.Wake()
			}
		}
	}
}

// runTask executes one claimed task and records the outcome.
func (e *Executor) runTask(ctx context.Context, l *lane, task *Task) {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go e.heartbeatLoop(hbCtx, task.ID)

	out := e.attempt(ctx, l.kind, task)
	stopHeartbeat()

	if out.err != nil && ctx.Err() != nil && !out.abandoned {
		// Shutdown interrupted the attempt; it resumes on next start.
		_ = e.store.Requeue(context.WithoutCancel(ctx), task.ID)
		return
	}
	e.settle(context.WithoutCancel(ctx), l, task, out)
}

func (e *Executor) heartbeatLoop(ctx context.Context, taskID string) {
	ticker := time.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.store.Heartbeat(ctx, taskID, e.now()); err != nil && ctx.Err() == nil {
				e.logger.Debug("task heartbeat failed", logging.String(logging.FieldTaskID, taskID), logging.Error(err))
			}
		}
	}
}
