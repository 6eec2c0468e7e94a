package crawlqueue

import (
	"context"
	"log/slog"
	"time"

	"github.com/minet-go/crawlqueue/internal"
)

// MaintenanceWorker periodically calls Cleanup on a Scheduler, so a
// long-running crawl doesn't have to rely solely on TaskDone's
// completion-counted trigger to keep the throttle/parallelism tables
// from accumulating exhausted rows.
//
// MaintenanceWorker has a strict lifecycle:
//   - Start may only be called once.
//   - Stop must be called to terminate the worker.
//   - Stop waits for the internal task to finish or until the timeout
//     expires.
type MaintenanceWorker struct {
	lcBase
	scheduler *Scheduler
	task      internal.TimerTask
	log       *slog.Logger
	interval  time.Duration
}

// NewMaintenanceWorker creates a worker that calls s.Cleanup every
// interval. The worker is not started automatically.
func NewMaintenanceWorker(s *Scheduler, interval time.Duration, log *slog.Logger) *MaintenanceWorker {
	return &MaintenanceWorker{
		scheduler: s,
		log:       log,
		interval:  interval,
	}
}

func (mw *MaintenanceWorker) clean(ctx context.Context) {
	if err := mw.scheduler.Cleanup(ctx); err != nil {
		mw.log.Error("error while cleaning scheduling state", "error", err)
		return
	}
	mw.log.Debug("cleaned scheduling state")
}

// Start begins periodic execution of the cleanup task. The provided
// context controls cancellation of the background task. Returns
// ErrDoubleStarted if already started.
func (mw *MaintenanceWorker) Start(ctx context.Context) error {
	if err := mw.tryStart(); err != nil {
		return err
	}
	mw.task.Start(ctx, mw.clean, mw.interval)
	return nil
}

// Stop terminates the background cleanup task, waiting up to timeout
// for it to finish. Returns ErrStopTimeout if it doesn't, or
// ErrDoubleStopped if the worker wasn't running.
func (mw *MaintenanceWorker) Stop(timeout time.Duration) error {
	return mw.tryStop(timeout, mw.task.Stop)
}
