package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"kbforge/internal/config"
	"kbforge/internal/content"
	"kbforge/internal/logging"
	"kbforge/internal/phase"
	"kbforge/internal/router"
	"kbforge/internal/tasks"
)

// ItemSource is the content store surface the scheduler reads.
type ItemSource interface {
	QueryEligible(ctx context.Context, p phase.Phase, limit int) ([]*content.Item, error)
	Counts(ctx context.Context) (content.PhaseCounts, error)
}

// TaskQueue is the executor surface the scheduler writes.
type TaskQueue interface {
	Enqueue(ctx context.Context, req tasks.EnqueueRequest) (string, error)
	HasActive(ctx context.Context, itemID string, p phase.Phase) (bool, error)
	Counts(ctx context.Context) (map[tasks.Status]int, error)
}

// Manager coordinates phase scheduling.
type Manager struct {
	items              ItemSource
	queue              TaskQueue
	registry           *router.Registry
	logger             *slog.Logger
	pollInterval       time.Duration
	errorRetryInterval time.Duration
	batchSize          int
	phases             []phase.Phase

	wake map[phase.Phase]chan struct{}

	mu        sync.RWMutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	lastErr   error
	lastScan  time.Time
	scheduled map[phase.Phase]int64
}

// ManagerOption configures optional Manager behavior.
type ManagerOption func(*Manager)

// WithRegistry enables backend health reporting in Status.
func WithRegistry(reg *router.Registry) ManagerOption {
	return func(m *Manager) { m.registry = reg }
}

// WithPhases limits scheduling to the given phases.
func WithPhases(phases ...phase.Phase) ManagerOption {
	return func(m *Manager) { m.phases = append([]phase.Phase(nil), phases...) }
}

// WithPollInterval overrides the configured poll interval.
func WithPollInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// NewManager constructs a scheduler from the workflow configuration.
func NewManager(cfg *config.Config, items ItemSource, queue TaskQueue, logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		items:              items,
		queue:              queue,
		logger:             logging.NewComponentLogger(logger, "workflow"),
		pollInterval:       time.Duration(cfg.Workflow.PollInterval) * time.Second,
		errorRetryInterval: time.Duration(cfg.Workflow.ErrorRetryInterval) * time.Second,
		batchSize:          cfg.Workflow.BatchSize,
		phases:             phase.All(),
		scheduled:          make(map[phase.Phase]int64),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.pollInterval <= 0 {
		m.pollInterval = 5 * time.Second
	}
	if m.errorRetryInterval <= 0 {
		m.errorRetryInterval = m.pollInterval
	}
	m.wake = make(map[phase.Phase]chan struct{}, len(m.phases))
	for _, p := range m.phases {
		m.wake[p] = make(chan struct{}, 1)
	}
	return m
}

// Wake makes every phase loop scan now instead of waiting for its next tick.
func (m *Manager) Wake() {
	for _, ch := range m.wake {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// PhaseCompleted is the executor's commit hook: the phases that depend on p
// may have become eligible.
func (m *Manager) PhaseCompleted(_ string, p phase.Phase) {
	for _, next := range phase.Downstream(p) {
		if ch, ok := m.wake[next]; ok {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
}
