// Package orchestrator supervises task execution end to end.
//
// # Architecture
//
// Every task moves through a fixed state machine:
//
//	Received → Scored → RoleResolved → Executing → Escalating → Completed | Blocked | Failed
//
// Scoring uses the shared complexity assessor; the score fixes the
// escalation tier for the lifetime of the task. Execution dispatches to
// the external worker and gates every proposed mutation through the
// boundary enforcer's pre-flight check, then audits the worker's
// independent applied log for mutations the gate never approved.
// Escalation invokes the tier's enhancement strategies with timeouts
// and a single degraded retry; strategy unavailability downgrades a
// task to partial but never fails it.
//
// # Key guarantees
//
//   - A blocked pre-flight verdict halts the task at Blocked; partial
//     progress is recorded, never rolled back unless the role's domain
//     declares atomicity.
//   - Audit mismatches are recorded as blocked attempts and handed to
//     the record observer, so dual-gate violations become durable
//     policy deltas.
//   - Cancellation at any non-terminal state flushes accumulated
//     evidence into a sealed partial record.
//   - A consensus tie refuses the task; there is no automatic
//     tie-breaker.
//   - Exactly one completion record is sealed per task, persisted
//     before the run returns.
//
// Batches honor the caller's ordering constraint: strict sequence
// serializes siblings, parallel runs them under a bounded fan-out and
// joins all siblings before returning.
package orchestrator
