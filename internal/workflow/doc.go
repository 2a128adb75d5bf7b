// Package workflow schedules content items onto the task executor.
//
// The Manager runs one polling loop per phase. Each pass asks the content
// store for items eligible for that phase (prerequisites done, flag unset or a
// reprocess requested) and enqueues a task for every item that has no active
// task for the phase yet. Items whose last attempt at the phase failed
// terminally are left alone until an operator requests a reprocess, which
// clears the recorded failure.
//
// Wake short-circuits the poll interval; the daemon calls it when a phase
// commits so the next phase is scheduled immediately instead of on the next
// tick. Execution, retries, timeouts and stale-task recovery belong to the
// tasks package; this package only decides what to enqueue.
//
// Status aggregates item phase counts, task counts and backend health for the
// daemon's status endpoint.
package workflow
