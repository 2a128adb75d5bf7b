// Package services defines shared utilities consumed by the task framework,
// the phase handlers, and external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp item IDs, task IDs, phases, and correlation
//     identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper. KindOf folds any error
//     into the five-way taxonomy (validation, precondition, transient,
//     configuration, fatal) with timeout as a retryable transient sub-kind.
//
// Use these helpers when wiring new phase logic so retry decisions and
// observability stay uniform across the pipeline.
package services
