package crawlqueue

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/minet-go/crawlqueue/internal"
)

const (
	stopped = iota
	started
)

var (
	// ErrDoubleStarted is returned when Start is called on a worker that
	// has already been started.
	ErrDoubleStarted = errors.New("crawlqueue: worker double start")

	// ErrDoubleStopped is returned when Stop is called on a worker that
	// is not currently running.
	ErrDoubleStopped = errors.New("crawlqueue: worker double stop")

	// ErrStopTimeout is returned when a worker fails to shut down within
	// the provided timeout during Stop. The worker may still be
	// terminating in the background.
	ErrStopTimeout = errors.New("crawlqueue: worker stop timeout")
)

// lcBase implements the start-once/stop-once lifecycle shared by
// MaintenanceWorker and any other background worker the package adds.
type lcBase struct {
	state atomic.Int32
}

func (lb *lcBase) tryStart() error {
	if !lb.state.CompareAndSwap(stopped, started) {
		return ErrDoubleStarted
	}
	return nil
}

func (lb *lcBase) tryStop(timeout time.Duration, df internal.DoneFunc) error {
	if !lb.state.CompareAndSwap(started, stopped) {
		return ErrDoubleStopped
	}
	done := df()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}
