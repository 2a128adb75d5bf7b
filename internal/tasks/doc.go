// Package tasks runs phase work for content items as persisted, retryable
// tasks.
//
// Each task belongs to a kind (network, inference, synthesis) that carries
// its soft and hard time limits, retry budget, backoff curve, concurrency and
// rate limit. Every kind gets its own lane of workers so slow synthesis work
// never starves fetches. An attempt validates the item, short-circuits
// phases that are already complete, checks prerequisites, resolves a model
// through the router, runs the phase handler and commits the result with a
// single compare-and-set update. Losing that race is a successful no-op.
//
// Transient and timeout failures retry with exponential backoff and full
// jitter; the task fails for good once MaxRetries attempts have run. Every
// other failure is final.
// Failures are recorded on the task and as the item's last error; item phase
// flags are never cleared here.
package tasks
