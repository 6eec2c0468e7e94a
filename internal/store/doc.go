// Package store provides the bun/SQLite-backed persistent storage for
// a crawlqueue.Scheduler: the queue, throttle and parallelism tables
// described by the scheduler's data model, plus the operations the
// scheduler composes under its own locks to implement put, get and
// task_done.
//
// Store does not perform any synchronization of its own beyond what a
// single SQL transaction provides; callers (the Scheduler) are
// responsible for serializing access via their own locks exactly as
// the scheduler's design requires. This mirrors the source queue's
// put_connection/task_connection split: two independent connections
// to the same database file, so a producer insert and a consumer
// selection never block each other beyond SQLite's own write
// serialization.
//
// # Schema
//
//   - queue: one row per pending or in-flight job, keyed by a
//     monotonically increasing index, with indexes on
//     (priority, index) for selection and (status) for drain counting.
//   - throttle: one row per group that completed a job under a
//     positive throttle, keyed by group, holding the earliest
//     timestamp at which the group becomes eligible again, indexed on
//     (timestamp) for computing wait bounds.
//   - parallelism: one row per group that has had jobs in flight,
//     keyed by group, holding the current in-flight count; rows whose
//     count has dropped to zero stay until Cleanup removes them.
//
// # Modes
//
// Open supports three modes: a persistent on-disk database (Path set,
// Resume false — any existing directory contents are discarded and
// the schema is recreated), a resumed on-disk database (Path set,
// Resume true, file exists — the counter, in-flight rows and stale
// throttle rows are repaired per the scheduler's resume invariants),
// and a non-persistent in-memory database (Path empty — a per-instance
// shared-cache SQLite URI, never resumable).
package store
