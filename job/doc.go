// Package job defines the unit of work scheduled by a crawlqueue.Scheduler.
//
// A Job pairs a URL with the scheduling metadata a crawl needs to
// recurse safely: the group it throttles/parallelizes against, its
// depth in the crawl tree, the spider that should handle it, a
// priority, an opaque caller-defined payload, and a reference to the
// job that spawned it.
//
// Job values returned by a Scheduler are snapshots of store state at
// the moment they were dequeued. Mutating them does not change the
// underlying queue; state transitions happen through the Scheduler.
package job
