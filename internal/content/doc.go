// Package content persists bookmarked content items in SQLite.
//
// Each item carries one completion flag per pipeline phase plus the artifacts
// those phases produce. Flags change only through CompletePhase, which applies
// the flag and its artifacts in a single conditional UPDATE so concurrent
// attempts at the same phase commit at most once. The same database also holds
// embedding chunks and the per-phase model selectors used by the router.
package content
