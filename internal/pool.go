package internal

import (
	"context"
	"log/slog"
	"sync"
)

// PullHandler is called once by each goroutine in a Pool and loops on
// its own until ctx is canceled. Unlike a push-based worker pool, the
// handler itself is responsible for fetching its next unit of work
// (e.g. by calling a blocking Scheduler.Get) before processing it.
type PullHandler func(ctx context.Context)

// Pool runs a fixed number of goroutines, each running a PullHandler
// until it returns. It gives callers of a pull-based API
// (crawlqueue.Consumer) the same panic-isolation and graceful shutdown
// semantics a push-based worker pool provides.
type Pool struct {
	concurrency int
	wg          sync.WaitGroup
	cancel      context.CancelFunc
	log         *slog.Logger
}

// NewPool creates a Pool that will run concurrency goroutines once
// Start is called.
func NewPool(concurrency int, log *slog.Logger) *Pool {
	return &Pool{
		concurrency: concurrency,
		log:         log,
	}
}

func (p *Pool) safeRun(ctx context.Context, h PullHandler) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("pool worker panic recovered", "err", r)
		}
	}()
	h(ctx)
}

// Start launches the pool's goroutines. h is expected to loop
// internally, checking ctx.Done() between units of work; Start itself
// does not loop h for the caller.
func (p *Pool) Start(ctx context.Context, h PullHandler) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.safeRun(ctx, h)
	}
}

// Stop cancels the pool's context and returns a channel closed once
// every goroutine has returned.
func (p *Pool) Stop() DoneChan {
	p.cancel()
	return wrapWaitGroup(&p.wg)
}
