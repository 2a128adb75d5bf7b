package tasks

import (
	"context"
	"errors"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"kbforge/internal/fanout"
	"kbforge/internal/services"
)

var errSoftLimit = errors.New("soft time limit exceeded")

// Progress lets a handler report incremental progress and check for
// cancellation. A Progress belongs to one attempt; once the attempt is
// abandoned further reports are ignored.
//
// The soft limit does not cancel the handler's context. It is only visible
// through Checkpoint and SoftLimitReached, so work in flight when it fires
// runs to the next safe point.
type Progress struct {
	ctx     context.Context
	started time.Time
	now     func() time.Time
	emit    func(fanout.Progress)

	mu       sync.Mutex
	snapshot fanout.Progress
	closed   atomic.Bool

	soft     chan struct{}
	softOnce sync.Once
}

func newProgress(ctx context.Context, now func() time.Time, emit func(fanout.Progress)) *Progress {
	if now == nil {
		now = time.Now
	}
	return &Progress{ctx: ctx, started: now(), now: now, emit: emit, soft: make(chan struct{})}
}

// Report records current out of total units done. total may be zero when
// unknown.
func (p *Progress) Report(current, total int64, message string) {
	if p == nil || p.closed.Load() {
		return
	}
	p.mu.Lock()
	p.snapshot.Current = current
	p.snapshot.Total = total
	p.snapshot.Message = message
	p.snapshot.Status = string(StatusRunning)
	p.snapshot.Percent = 0
	p.snapshot.ETASeconds = 0
	if total > 0 {
		p.snapshot.Percent = float64(current) / float64(total) * 100
	}
	if eta, ok := estimateETA(p.now().Sub(p.started), current, total); ok {
		p.snapshot.ETASeconds = eta.Seconds()
	}
	snap := p.copyLocked()
	p.mu.Unlock()

	if p.emit != nil {
		p.emit(snap)
	}
}

// SetDetail attaches a key/value shown with the next report.
func (p *Progress) SetDetail(key, value string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.snapshot.Details == nil {
		p.snapshot.Details = make(map[string]string)
	}
	p.snapshot.Details[key] = value
	p.mu.Unlock()
}

// Checkpoint returns a timeout error once the soft limit has fired, and the
// context error if the attempt was cancelled.
func (p *Progress) Checkpoint() error {
	if p == nil {
		return nil
	}
	if p.SoftLimitReached() {
		return services.Wrap(services.ErrTimeout, "tasks", "checkpoint", "", errSoftLimit)
	}
	if p.ctx != nil {
		return p.ctx.Err()
	}
	return nil
}

// SoftLimitReached reports whether the attempt has overrun its soft limit.
func (p *Progress) SoftLimitReached() bool {
	if p == nil || p.soft == nil {
		return false
	}
	select {
	case <-p.soft:
		return true
	default:
		return false
	}
}

func (p *Progress) expireSoftLimit() {
	p.softOnce.Do(func() { close(p.soft) })
}

// Snapshot returns the latest reported progress.
func (p *Progress) Snapshot() fanout.Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.copyLocked()
}

func (p *Progress) copyLocked() fanout.Progress {
	snap := p.snapshot
	snap.Details = maps.Clone(p.snapshot.Details)
	return snap
}

func (p *Progress) close() {
	p.closed.Store(true)
}

// estimateETA extrapolates remaining time from the average pace so far:
// elapsed * (total-current) / current.
func estimateETA(elapsed time.Duration, current, total int64) (time.Duration, bool) {
	if current <= 0 || total <= 0 || current > total || elapsed <= 0 {
		return 0, false
	}
	remaining := total - current
	return time.Duration(float64(elapsed) * float64(remaining) / float64(current)), true
}
