package tasks

import (
	"context"
	"time"

	"kbforge/internal/content"
	"kbforge/internal/fanout"
	"kbforge/internal/phase"
	"kbforge/internal/router"
	"kbforge/internal/services"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Active reports whether the task still has work ahead of it.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning || s == StatusRetrying
}

// ParseStatus validates a status string.
func ParseStatus(value string) (Status, bool) {
	switch s := Status(value); s {
	case StatusPending, StatusRunning, StatusRetrying, StatusSucceeded, StatusFailed:
		return s, true
	}
	return "", false
}

// Result is the outcome recorded when a task finishes.
type Result struct {
	Success       bool           `json:"success"`
	Data          map[string]any `json:"data,omitempty"`
	Error         string         `json:"error,omitempty"`
	ErrorKind     services.Kind  `json:"error_kind,omitempty"`
	ExecutionTime time.Duration  `json:"execution_time"`
	RetryCount    int            `json:"retry_count"`
}

// Task is one unit of work: run a phase for an item.
type Task struct {
	ID            string            `json:"id"`
	Kind          string            `json:"kind"`
	Phase         phase.Phase       `json:"phase"`
	ItemID        string            `json:"item_id"`
	Params        map[string]string `json:"params,omitempty"`
	Override      *router.Selector  `json:"override,omitempty"`
	Status        Status            `json:"status"`
	Progress      fanout.Progress   `json:"progress"`
	RetryCount    int               `json:"retry_count"`
	MaxRetries    int               `json:"max_retries"`
	ErrorKind     services.Kind     `json:"error_kind,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	Result        *Result           `json:"result,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	FinishedAt    *time.Time        `json:"finished_at,omitempty"`
	NextAttemptAt *time.Time        `json:"next_attempt_at,omitempty"`
	HeartbeatAt   *time.Time        `json:"heartbeat_at,omitempty"`
}

// EnqueueRequest describes a task to create.
type EnqueueRequest struct {
	Phase    phase.Phase
	ItemID   string
	Params   map[string]string
	Override *router.Selector
}

// Request is what a handler receives for one attempt.
type Request struct {
	TaskID     string
	Attempt    int
	Item       *content.Item
	Params     map[string]string
	Resolution router.Resolution
	Progress   *Progress
}

// Output is a handler's successful result. Artifacts are committed with the
// phase flag; Data is copied into the task result.
type Output struct {
	Artifacts content.Artifacts
	Data      map[string]any
}

// Handler runs one phase. Implementations must honour ctx cancellation and
// may call Progress.Checkpoint between units of work.
type Handler interface {
	Run(ctx context.Context, req Request) (Output, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (Output, error)

// Run implements Handler.
func (f HandlerFunc) Run(ctx context.Context, req Request) (Output, error) {
	return f(ctx, req)
}
