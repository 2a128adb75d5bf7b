package workflow

import (
	"context"
	"maps"
	"time"

	"kbforge/internal/content"
	"kbforge/internal/logging"
	"kbforge/internal/phase"
	"kbforge/internal/tasks"
)

// StatusSummary represents lightweight workflow diagnostics.
type StatusSummary struct {
	Running   bool                  `json:"running"`
	LastError string                `json:"last_error,omitempty"`
	LastScan  *time.Time            `json:"last_scan,omitempty"`
	Scheduled map[phase.Phase]int64 `json:"scheduled"`
	Items     content.PhaseCounts   `json:"items"`
	Tasks     map[tasks.Status]int  `json:"tasks"`
	Backends  []BackendHealth       `json:"backends,omitempty"`
}

// Status returns the latest workflow information. Backend health checks run
// only when withBackends is set since they hit the network.
func (m *Manager) Status(ctx context.Context, withBackends bool) StatusSummary {
	m.mu.RLock()
	summary := StatusSummary{
		Running:   m.running,
		Scheduled: maps.Clone(m.scheduled),
	}
	if m.lastErr != nil {
		summary.LastError = m.lastErr.Error()
	}
	if !m.lastScan.IsZero() {
		scan := m.lastScan
		summary.LastScan = &scan
	}
	m.mu.RUnlock()

	counts, err := m.items.Counts(ctx)
	if err != nil {
		m.logger.Warn("failed to read item counts", logging.Error(err))
	}
	summary.Items = counts
	taskCounts, err := m.queue.Counts(ctx)
	if err != nil {
		m.logger.Warn("failed to read task counts", logging.Error(err))
	}
	summary.Tasks = taskCounts
	if withBackends {
		summary.Backends = checkBackends(ctx, m.registry)
	}
	return summary
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}
