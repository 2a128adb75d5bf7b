package api

import (
	"kbforge/internal/router"
)

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Item describes a content item in a transport-friendly format.
type Item struct {
	ID             string            `json:"id"`
	SourceID       string            `json:"sourceId"`
	Source         string            `json:"source,omitempty"`
	URL            string            `json:"url,omitempty"`
	Title          string            `json:"title,omitempty"`
	Completed      []string          `json:"completed"`
	NextPhase      string            `json:"nextPhase,omitempty"`
	Reprocess      []string          `json:"reprocess,omitempty"`
	Errors         map[string]string `json:"errors,omitempty"`
	MediaURLs      []string          `json:"mediaUrls,omitempty"`
	Category       string            `json:"category,omitempty"`
	Subcategory    string            `json:"subcategory,omitempty"`
	Understanding  string            `json:"understanding,omitempty"`
	KBText         string            `json:"kbText,omitempty"`
	Synthesis      string            `json:"synthesis,omitempty"`
	EmbeddingModel string            `json:"embeddingModel,omitempty"`
	EmbeddingCount int               `json:"embeddingCount"`
	PublishedPath  string            `json:"publishedPath,omitempty"`
	Revision       int64             `json:"revision"`
	CreatedAt      string            `json:"createdAt,omitempty"`
	UpdatedAt      string            `json:"updatedAt,omitempty"`
}

// TaskProgress mirrors the executor's progress snapshot.
type TaskProgress struct {
	Current    int64             `json:"current"`
	Total      int64             `json:"total"`
	Percent    float64           `json:"percent"`
	Message    string            `json:"message,omitempty"`
	ETASeconds float64           `json:"etaSeconds,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
}

// TaskResult is the recorded outcome of a finished task.
type TaskResult struct {
	Success         bool           `json:"success"`
	Data            map[string]any `json:"data,omitempty"`
	Error           string         `json:"error,omitempty"`
	ErrorKind       string         `json:"errorKind,omitempty"`
	ExecutionTimeMS int64          `json:"executionTimeMs"`
	RetryCount      int            `json:"retryCount"`
}

// Task describes an executor task.
type Task struct {
	ID            string            `json:"id"`
	Kind          string            `json:"kind"`
	Phase         string            `json:"phase"`
	ItemID        string            `json:"itemId"`
	Status        string            `json:"status"`
	Params        map[string]string `json:"params,omitempty"`
	Override      *router.Selector  `json:"override,omitempty"`
	Progress      TaskProgress      `json:"progress"`
	RetryCount    int               `json:"retryCount"`
	MaxRetries    int               `json:"maxRetries"`
	ErrorKind     string            `json:"errorKind,omitempty"`
	ErrorMessage  string            `json:"errorMessage,omitempty"`
	Result        *TaskResult       `json:"result,omitempty"`
	CreatedAt     string            `json:"createdAt,omitempty"`
	StartedAt     string            `json:"startedAt,omitempty"`
	FinishedAt    string            `json:"finishedAt,omitempty"`
	NextAttemptAt string            `json:"nextAttemptAt,omitempty"`
}

// IngestRequest submits a bookmark. SourceID defaults to URL; Payload carries
// inline content for bookmarks without a fetchable URL.
type IngestRequest struct {
	SourceID string `json:"sourceId,omitempty"`
	Source   string `json:"source,omitempty"`
	URL      string `json:"url,omitempty"`
	Title    string `json:"title,omitempty"`
	Payload  string `json:"payload,omitempty"`
}

// IngestResponse reports the stored item and whether it was new.
type IngestResponse struct {
	Item    Item `json:"item"`
	Created bool `json:"created"`
}

// ReprocessRequest asks for one phase to run again. Cascade clears the phase
// and everything downstream of it instead.
type ReprocessRequest struct {
	Phase   string `json:"phase"`
	Cascade bool   `json:"cascade,omitempty"`
}

// EnqueueRequest submits a task directly.
type EnqueueRequest struct {
	Phase    string            `json:"phase"`
	ItemID   string            `json:"itemId"`
	Params   map[string]string `json:"params,omitempty"`
	Override *router.Selector  `json:"override,omitempty"`
}

// EnqueueResponse returns the new task id.
type EnqueueResponse struct {
	TaskID string `json:"taskId"`
}

// ItemResponse wraps a single item.
type ItemResponse struct {
	Item Item `json:"item"`
}

// ItemListResponse wraps a collection of items.
type ItemListResponse struct {
	Items []Item `json:"items"`
}

// TaskResponse wraps a single task.
type TaskResponse struct {
	Task Task `json:"task"`
}

// TaskListResponse wraps a collection of tasks.
type TaskListResponse struct {
	Tasks []Task `json:"tasks"`
}

// CategoryListResponse lists categories with item counts.
type CategoryListResponse struct {
	Categories []Category `json:"categories"`
}

// Category is one category and its item count.
type Category struct {
	Name  string `json:"name"`
	Items int    `json:"items"`
}

// SelectorResponse shows the persisted selector for a phase and what the
// router would pick right now.
type SelectorResponse struct {
	Phase      string           `json:"phase"`
	Capability string           `json:"capability"`
	Selector   *router.Selector `json:"selector,omitempty"`
	Resolved   *Resolution      `json:"resolved,omitempty"`
	// ResolveError explains why nothing resolves, typically a configuration
	// problem.
	ResolveError string `json:"resolveError,omitempty"`
}

// Resolution is a router decision.
type Resolution struct {
	Backend string            `json:"backend"`
	Model   string            `json:"model"`
	Source  string            `json:"source"`
	Params  map[string]string `json:"params,omitempty"`
}

// BackendHealth mirrors readiness reporting for AI backends.
type BackendHealth struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// WorkflowStatus summarizes scheduler state.
type WorkflowStatus struct {
	Running    bool             `json:"running"`
	LastError  string           `json:"lastError,omitempty"`
	LastScan   string           `json:"lastScan,omitempty"`
	Scheduled  map[string]int64 `json:"scheduled"`
	Items      int              `json:"items"`
	Completed  map[string]int   `json:"completed"`
	TaskCounts map[string]int   `json:"taskCounts"`
	Backends   []BackendHealth  `json:"backends,omitempty"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running      bool           `json:"running"`
	PID          int            `json:"pid"`
	DatabasePath string         `json:"databasePath"`
	LibraryDir   string         `json:"libraryDir"`
	LockFilePath string         `json:"lockFilePath"`
	Workflow     WorkflowStatus `json:"workflow"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
