package crawlqueue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/minet-go/crawlqueue/internal"
	"github.com/minet-go/crawlqueue/job"
)

// JobHandler processes one job pulled from a Scheduler by a Consumer.
//
// The handler is responsible for all side effects of crawling the
// job's URL; the Consumer only decides when to call it and what to do
// with the Scheduler bookkeeping afterward.
//
// If the handler returns nil, the Consumer calls TaskDone. If it
// returns ErrRequeue, the Consumer calls Requeue instead, so the job gets another
// attempt with Attempts incremented. Any other error is logged and
// treated like a successful completion: the Scheduler has no retry
// policy of its own, so a handler that wants retries must ask for them
// explicitly via ErrRequeue.
type JobHandler func(ctx context.Context, j *job.Job) error

// ErrRequeue, returned by a JobHandler, asks the Consumer to Requeue
// the job instead of completing it.
var ErrRequeue = errors.New("crawlqueue: requeue job")

// Consumer runs a fixed number of goroutines that each loop
// Scheduler.Get and dispatch to a JobHandler, built on internal.Pool, a
// pull-based worker pool.
//
// Consumer has the same strict start-once/stop-once lifecycle as
// MaintenanceWorker.
type Consumer struct {
	lcBase
	scheduler *Scheduler
	handler   JobHandler
	pool      *internal.Pool
	log       *slog.Logger
}

// NewConsumer creates a Consumer with the given concurrency. The
// consumer is not started automatically.
func NewConsumer(s *Scheduler, concurrency int, handler JobHandler, log *slog.Logger) *Consumer {
	return &Consumer{
		scheduler: s,
		handler:   handler,
		pool:      internal.NewPool(concurrency, log),
		log:       log,
	}
}

func (c *Consumer) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		j, err := c.scheduler.Get(ctx)
		if err != nil {
			if errors.Is(err, ErrDrained) || errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
				return
			}
			c.log.Error("get failed", "err", err)
			return
		}
		c.dispatch(ctx, j)
	}
}

func (c *Consumer) dispatch(ctx context.Context, j *job.Job) {
	err := c.handler(ctx, j)
	switch {
	case err == nil:
		if err := c.scheduler.TaskDone(ctx, j); err != nil {
			c.log.Error("task_done failed", "id", j.Id, "err", err)
		}
	case errors.Is(err, ErrRequeue):
		if err := c.scheduler.Requeue(ctx, j); err != nil {
			c.log.Error("requeue failed", "id", j.Id, "err", err)
		}
	default:
		c.log.Error("job handler failed", "id", j.Id, "err", err)
		if err := c.scheduler.TaskDone(ctx, j); err != nil {
			c.log.Error("task_done failed", "id", j.Id, "err", err)
		}
	}
}

// Start launches the consumer's goroutines. Returns ErrDoubleStarted
// if already started.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.tryStart(); err != nil {
		return err
	}
	c.pool.Start(ctx, c.loop)
	return nil
}

// Stop cancels the consumer's goroutines, waiting up to timeout for
// them to finish. Returns ErrStopTimeout if they don't, or
// ErrDoubleStopped if the consumer wasn't running.
func (c *Consumer) Stop(timeout time.Duration) error {
	return c.tryStop(timeout, c.pool.Stop)
}
