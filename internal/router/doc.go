// Package router maps each model-using phase to a concrete backend and model.
//
// Resolution order is a per-call override, then the selector persisted for
// the phase, then the first capable model on a healthy backend in
// registration order. Explicit choices are validated against live backend
// state on every call and fail as configuration errors rather than falling
// back. The router keeps no cache, so backend or selector changes take effect
// on the next call.
package router
