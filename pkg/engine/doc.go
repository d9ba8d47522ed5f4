// Package engine implements the Weft incremental execution and
// state-reconciliation core.
//
// # Overview
//
// Weft runs a tree of declaratively-specified processing units and, on every
// run, determines exactly which units must re-execute and exactly which
// external-system actions must be applied:
//
//  1. Mount - a run mounts the root unit; units mount children at stable paths
//  2. Memoize - unit logic skips unchanged sub-computations (Memoize)
//  3. Declare - unit logic declares desired target states (DeclareTarget)
//  4. Reconcile - declared states are diffed against tracking records and
//     actions are batched per sink
//  5. Apply - sinks execute; tracking records are promoted only after the
//     action succeeded
//  6. Prune - subtrees mounted in the previous run but absent in this one are
//     reverted recursively
//
// # Core Domain Types
//
//   - Path/Segment: hierarchical identifier for a unit, stable across runs
//   - Unit: the handle user logic mounts children and declares targets with
//   - DesiredState: one exact unit of desired external state (nil means
//     non-existence)
//   - TrackingRecord: what was last successfully applied for a target key;
//     several candidates can coexist after an interrupted run
//   - MemoEntry: cached unit-of-work result keyed by input fingerprint
//   - TargetHandler/Sink: the capability interface connectors implement
//
// # Correctness guarantees
//
// Atomicity per unit: a unit's target states are applied only after its
// logic succeeded, and never partially on failure. At most one execution per
// path: paths are unique among siblings and same-key reconciliation is
// serialized defensively. Crash-safe resumption: the intent to apply is
// staged durably before any I/O, and the tracking record is promoted only
// after the action executed, so any crash point leaves a candidate set the
// next run reconciles conservatively.
//
// # Concurrency
//
// Units execute on a bounded slot pool. A unit releases its slot while
// awaiting a child's readiness, a freshness check, or a batched sink's I/O,
// and re-acquires afterwards, which keeps a parent/child chain from
// deadlocking even with a limit of one.
package engine
