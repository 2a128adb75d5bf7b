package workflow

import (
	"context"
	"errors"
	"time"

	"kbforge/internal/logging"
	"kbforge/internal/phase"
	"kbforge/internal/tasks"
)

// Start begins background scheduling.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	if len(m.phases) == 0 {
		m.mu.Unlock()
		return errors.New("workflow phases not configured")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.wg.Add(len(m.phases))
	m.mu.Unlock()

	for _, p := range m.phases {
		go m.runPhase(runCtx, p)
	}
	m.logger.Info("workflow started",
		logging.Int("phases", len(m.phases)),
		logging.Duration("poll_interval", m.pollInterval),
		logging.Int("batch_size", m.batchSize),
	)
	return nil
}

// Stop terminates background scheduling and waits for the loops to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

func (m *Manager) runPhase(ctx context.Context, p phase.Phase) {
	defer m.wg.Done()
	logger := m.logger.With(logging.String(logging.FieldPhase, string(p)))

	for {
		if ctx.Err() != nil {
			return
		}
		enqueued, err := m.Schedule(ctx, p)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			m.setLastError(err)
			logger.Error("failed to schedule phase",
				logging.Error(err),
				logging.String(logging.FieldEventType, "schedule_failed"),
				logging.String(logging.FieldErrorHint, "check content database access"),
			)
			m.wait(ctx, p, m.errorRetryInterval)
			continue
		}
		// A full batch likely means more work is waiting.
		if m.batchSize > 0 && enqueued >= m.batchSize {
			continue
		}
		m.wait(ctx, p, m.pollInterval)
	}
}

func (m *Manager) wait(ctx context.Context, p phase.Phase, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-m.wake[p]:
	}
}

// Schedule runs one scheduling pass for p and returns how many tasks it
// enqueued.
func (m *Manager) Schedule(ctx context.Context, p phase.Phase) (int, error) {
	items, err := m.items.QueryEligible(ctx, p, m.batchSize)
	if err != nil {
		return 0, err
	}
	enqueued := 0
	for _, item := range items {
		if ctx.Err() != nil {
			return enqueued, ctx.Err()
		}
		if _, failed := item.LastErrors[string(p)]; failed {
			continue
		}
		active, err := m.queue.HasActive(ctx, item.ID, p)
		if err != nil {
			return enqueued, err
		}
		if active {
			continue
		}
		taskID, err := m.queue.Enqueue(ctx, tasks.EnqueueRequest{Phase: p, ItemID: item.ID})
		if err != nil {
			return enqueued, err
		}
		enqueued++
		m.logger.Debug("task scheduled",
			logging.String(logging.FieldItemID, item.ID),
			logging.String(logging.FieldPhase, string(p)),
			logging.String(logging.FieldTaskID, taskID),
		)
	}
	m.recordScan(p, enqueued)
	return enqueued, nil
}

func (m *Manager) recordScan(p phase.Phase, enqueued int) {
	m.mu.Lock()
	m.lastScan = time.Now()
	m.scheduled[p] += int64(enqueued)
	m.mu.Unlock()
}
