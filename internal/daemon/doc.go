// Package daemon coordinates the long-running kbforge process.
//
// It wires the content store, the task executor, the workflow scheduler, and
// the fan-out hub into a single lifecycle with flock-based locking to prevent
// multiple instances against one data directory. The daemon exposes the HTTP
// API (items, tasks, selectors, status, metrics, and the /ws event stream) and
// the operations behind it: ingesting bookmarks, requesting reprocessing, and
// enqueueing tasks directly.
//
// Keep orchestration logic here: phase work belongs to the pipeline package and
// scheduling to the workflow package, while the daemon focuses on startup,
// shutdown, and request handling.
package daemon
