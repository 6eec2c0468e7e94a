// Package crawlqueue provides a durable, concurrent crawl scheduling
// queue: the core of a web-mining toolkit that decides, across
// producer and consumer goroutines, which URL to fetch next.
//
// # Overview
//
// A Scheduler holds pending crawl jobs (job.Job) in a persistent
// SQLite-backed store and hands them to consumers in priority order,
// breaking ties FIFO or LIFO depending on Options.LIFO. Beyond simple
// ordering, the Scheduler enforces two scheduling policies per group:
//
//   - Throttle: after a job of a group completes, no other job of that
//     group becomes eligible until Options.Throttle has elapsed.
//   - GroupParallelism: at most Options.GroupParallelism jobs of a
//     group may be in flight (reserved but not yet completed) at once.
//
// Jobs without a Group are exempt from both policies.
//
// # Concurrency Model
//
// Producers call Put/PutMany; consumers call Get (blocking), TryGet
// (non-blocking) and TaskDone/Requeue to report outcomes. Any number of
// producers and consumers may operate concurrently.
//
// A Scheduler serializes producers behind one lock and consumers
// behind another, so a put's insert does not wait on a get's selection
// or vice versa; a put takes the consumer lock only briefly afterward,
// to wake blocked Get calls. The store itself uses two independent
// connections to the same database for the same reason. A condition variable wakes blocked Get calls whenever a
// Put or TaskDone could have made a previously-ineligible job eligible.
//
// Get distinguishes a queue with no pending work at all (ErrDrained)
// from one whose only pending work is temporarily throttled or over its
// parallelism cap, in which case it keeps blocking.
//
// # Durability
//
// A Scheduler opened against a file path survives process restarts.
// Reopening with Options.Resume resets any row left in-flight by a
// prior crash back to pending and discards stale throttle/parallelism
// state, so a crash never silently drops or wedges a job. A Scheduler
// opened with no Path is in-memory only, for tests and ephemeral use.
//
// # Maintenance
//
// TaskDone periodically compacts exhausted parallelism and expired
// throttle rows on its own; MaintenanceWorker runs the same compaction
// on a fixed interval for long-running crawls that want it decoupled
// from completion volume.
package crawlqueue
