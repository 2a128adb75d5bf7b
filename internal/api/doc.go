// Package api defines the wire-format types shared by the daemon's HTTP API
// and the CLI, plus a typed client for that API.
//
// # Key Types
//
// Item: transport representation of a content item with per-phase completion,
// recorded phase failures, and derived artifacts. Embedding vectors are never
// sent over the wire; only the chunk count is exposed.
//
// Task: transport representation of an executor task with progress and, once
// finished, its result.
//
// DaemonStatus: lock, database, and workflow state for `kbforge status`.
//
// # Converters
//
// FromItem / FromItems: content.Item -> Item.
//
// FromTask / FromTasks: tasks.Task -> Task.
//
// # Errors
//
// Failures are returned as ErrorResponse with the error kind from the services
// taxonomy. StatusForError picks the HTTP status for a kind and Client maps it
// back to a *ResponseError so callers can branch on Kind.
//
// # Design Notes
//
// DTOs use camelCase JSON tags. Timestamps use RFC3339 with milliseconds.
package api
