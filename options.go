package crawlqueue

import "time"

// Options configures a Scheduler. It mirrors spec's construction
// options: every field has a documented default applied by
// DefaultOptions, and Open fills in any zero-valued field from it.
type Options struct {
	// Path is the directory holding the database file. Empty means
	// in-memory, non-persistent, non-resumable.
	Path string

	// DBName is the filename within Path. Defaults to "queue.db".
	DBName string

	// Resume reopens an existing file instead of recreating it, if one
	// exists at Path/DBName. Ignored when Path is empty.
	Resume bool

	// LIFO selects last-in-first-out tie-breaking among equal
	// priorities. Defaults to false (FIFO).
	LIFO bool

	// GroupParallelism caps the number of concurrently in-flight jobs
	// per group. Defaults to 1. Ungrouped jobs are exempt.
	GroupParallelism int

	// Throttle is the minimum delay, after a job of a group completes,
	// before another job of that group becomes eligible. Zero disables
	// throttling. Defaults to 0.
	Throttle time.Duration

	// CleanupInterval is the number of completions between inline
	// compactions of the throttle/parallelism tables. Defaults to 1000.
	CleanupInterval int
}

// DefaultOptions returns the zero-value-safe defaults applied by Open.
func DefaultOptions() Options {
	return Options{
		DBName:           "queue.db",
		GroupParallelism: 1,
		Throttle:         0,
		CleanupInterval:  1000,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.DBName == "" {
		o.DBName = d.DBName
	}
	if o.GroupParallelism <= 0 {
		o.GroupParallelism = d.GroupParallelism
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = d.CleanupInterval
	}
	return o
}
