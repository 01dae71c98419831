// Package task contains the orchestration core for externally-executed
// generation jobs: the reconciler that owns all state transitions, the
// poll scheduler with its bounded worker pool, the deadline sweeper, and
// the retry/backoff policies shared by submission and polling.
//
// Completion can be signaled by two independent, unreliable channels: an
// inbound webhook and a locally-driven poll. Both funnel into the
// Reconciler, which serializes them per task with compare-and-swap
// updates in the TaskStore. Terminal states always win; a late or
// duplicate observation is a no-op, never an error.
package task
