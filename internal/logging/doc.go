// Package logging assembles structured slog loggers and formatting helpers used
// across kbforge services.
//
// It owns the configurable console/JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so task and phase code can tag
// log lines with item IDs, task IDs, phases, and correlation IDs. A no-op
// logger is provided for tests and wiring code that cannot fail.
package logging
