package crawlqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/minet-go/crawlqueue/internal/store"
	"github.com/minet-go/crawlqueue/job"
)

// epsilon is added to a computed throttle wait so a waiter wakes just
// after, not just before, the moment a group becomes eligible again.
const epsilon = 10 * time.Millisecond

func now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// Scheduler is the durable, concurrent crawl scheduling queue: the
// single point producers and consumers share to put jobs in, and get
// them back out honoring priority, insertion order, per-group
// throttle and per-group parallelism.
//
// A Scheduler owns two locks, matching the source queue's
// put_lock/task_lock split:
//
//   - putMu guards the insertion counter and the store's put
//     connection. Held by PutMany.
//   - mu guards the in-flight reservation map and the store's task
//     connection, and doubles as the condition variable's lock. Held
//     by Get/TryGet's selection-and-wait step and by TaskDone/Requeue.
//
// mu also backs cond rather than a separate lock: the eligibility
// check and the decision to wait must be atomic with respect to any
// notify, or a Put/TaskDone on another goroutine can fire between the
// check and the wait and be lost forever. Using one lock for both
// means a notifying goroutine cannot even acquire the lock to
// broadcast until a checking goroutine has either finished without
// waiting or has already registered itself via cond.Wait (which
// atomically releases mu), so no wakeup window exists.
//
// Administrative operations (QSize, WorkedGroups, Clear, Cleanup)
// acquire both locks, always in the order putMu then mu, to match the
// fixed lock order Get/TaskDone never have to reason about.
type Scheduler struct {
	opts Options

	store *store.Store

	putMu   sync.Mutex
	counter int64

	mu          sync.Mutex
	inFlight    map[string]int64
	completions int64
	cond        *sync.Cond

	closed atomic.Bool
}

// Open creates or reopens a Scheduler per opts. See Options for the
// construction parameters (path, resume, lifo, group parallelism,
// throttle, cleanup interval).
func Open(ctx context.Context, opts Options) (*Scheduler, error) {
	opts = opts.withDefaults()

	st, err := store.Open(ctx, store.Options{
		Path:   opts.Path,
		DBName: opts.DBName,
		Resume: opts.Resume,
	})
	if err != nil {
		return nil, storeErr("open", err)
	}

	var counter int64
	if st.Resumed {
		max, err := st.MaxIndex(ctx)
		if err != nil {
			_ = st.Close()
			return nil, storeErr("open", err)
		}
		counter = max + 1
	}

	s := &Scheduler{
		opts:     opts,
		store:    st,
		counter:  counter,
		inFlight: make(map[string]int64),
	}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

// Put enqueues a single job. Equivalent to PutMany with a one-element
// slice.
func (s *Scheduler) Put(ctx context.Context, j *job.Job) error {
	_, err := s.PutMany(ctx, []*job.Job{j})
	return err
}

// PutMany enqueues jobs atomically: either every job is inserted, or
// none are. Assigned indexes are contiguous and ascending in the same
// order as jobs. Never blocks on a full queue; the queue is unbounded.
// Returns the number of jobs inserted.
func (s *Scheduler) PutMany(ctx context.Context, jobs []*job.Job) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	s.putMu.Lock()
	defer s.putMu.Unlock()

	start := s.counter
	rows := make([]store.Insert, len(jobs))
	for i, j := range jobs {
		rows[i] = store.Insert{
			Index: start + int64(i), Id: j.Id, URL: j.URL, Group: j.Group,
			Depth: j.Depth, Spider: j.Spider, Priority: j.Priority,
			Data: j.Data, Parent: j.Parent, Attempts: j.Attempts,
		}
	}

	n, err := s.store.InsertJobs(ctx, rows)
	if err != nil {
		return 0, storeErr("put_many", err)
	}
	s.counter += int64(len(jobs))

	s.notify()
	return int(n), nil
}

// notify wakes every Get call currently blocked on the condition
// variable, so each can re-check eligibility. It acquires mu itself,
// which is what makes a notify indivisible with respect to a
// concurrent check-and-wait in get: this call cannot proceed while
// another goroutine holds mu evaluating eligibility, so it either
// arrives before that goroutine starts checking (seen by the check) or
// after it has called cond.Wait (seen by the wakeup), never in the gap
// between the two.
//
// Broadcasting rather than signaling a single waiter costs a few
// spurious wakeups (tolerated, per spec) but guarantees Close can
// unblock every waiter, not just one per call.
func (s *Scheduler) notify() {
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Get returns the next eligible job, blocking while pending work
// exists but none of it is currently eligible (throttled or over the
// group parallelism cap). Returns ErrDrained once no pending work
// remains at all. Despite the non-blocking-sounding name of its
// ancestor in the source queue, Get blocks; TryGet is the variant that
// never does.
func (s *Scheduler) Get(ctx context.Context) (*job.Job, error) {
	return s.get(ctx, true)
}

// TryGet returns the next eligible job if one is immediately
// available, or ErrDrained otherwise — whether the queue is truly
// drained or merely has no eligible job at this instant. It never
// blocks.
func (s *Scheduler) TryGet(ctx context.Context) (*job.Job, error) {
	return s.get(ctx, false)
}

func (s *Scheduler) get(ctx context.Context, block bool) (*job.Job, error) {
	for {
		if s.closed.Load() {
			return nil, ErrClosed
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		s.mu.Lock()
		j, wait, err := s.attemptLocked(ctx)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		if j != nil {
			s.mu.Unlock()
			return j, nil
		}
		if !block {
			s.mu.Unlock()
			return nil, ErrDrained
		}
		// waitLocked consumes the lock: it calls cond.Wait (which
		// atomically releases mu while blocked) and always returns
		// with mu unlocked, whether it wakes normally or bails out.
		if !s.waitLocked(ctx, wait) {
			if s.closed.Load() {
				return nil, ErrClosed
			}
			return nil, ctx.Err()
		}
	}
}

// attemptLocked runs one eligibility query and either reserves a job,
// or reports ErrDrained, or reports how long the caller should wait
// before trying again (a negative duration means unbounded: no
// throttle timestamp bounds the wait, so only a TaskDone/PutMany
// notify can make progress). Callers must hold s.mu.
func (s *Scheduler) attemptLocked(ctx context.Context) (*job.Job, time.Duration, error) {
	row, err := s.store.SelectEligible(ctx, s.opts.LIFO, s.opts.GroupParallelism, now())
	if err != nil {
		return nil, 0, storeErr("get", err)
	}
	if row != nil {
		if err := s.store.ReserveRow(ctx, row.Index, row.Group); err != nil {
			return nil, 0, storeErr("get", err)
		}
		j := rowToJob(row)
		s.inFlight[j.Id] = row.Index
		return j, 0, nil
	}

	pending, err := s.store.CountPending(ctx)
	if err != nil {
		return nil, 0, storeErr("get", err)
	}
	if pending == 0 {
		return nil, 0, ErrDrained
	}

	minTs, err := s.store.MinThrottleTimestamp(ctx)
	if err != nil {
		return nil, 0, storeErr("get", err)
	}
	if minTs == nil {
		return nil, -1, nil
	}
	wait := *minTs - now()
	if wait < 0 {
		wait = 0
	}
	return nil, time.Duration(wait*float64(time.Second)) + epsilon, nil
}

// waitLocked blocks on the condition variable for at most d (unbounded
// if d < 0). The caller must hold s.mu; waitLocked always returns with
// s.mu unlocked. It returns false if it was unblocked by context
// cancellation or Close rather than by a normal notify.
func (s *Scheduler) waitLocked(ctx context.Context, d time.Duration) bool {
	stop := make(chan struct{})
	if d >= 0 {
		timer := time.AfterFunc(d, s.notify)
		defer timer.Stop()
	}
	// ctx may be canceled while we're asleep in cond.Wait; since Wait
	// has no timeout/cancellation parameter, a side goroutine calls
	// notify on our behalf. notify's own mu.Lock cannot succeed until
	// we are either done checking or already parked in cond.Wait, so
	// this can never race ahead of us the way a bounded wait without a
	// shared lock would.
	go func() {
		select {
		case <-ctx.Done():
			s.notify()
		case <-stop:
		}
	}()

	s.cond.Wait()
	close(stop)

	ok := !s.closed.Load() && ctx.Err() == nil
	s.mu.Unlock()
	return ok
}

func rowToJob(r *store.Row) *job.Job {
	j, _ := job.New(job.Spec{
		Id: r.Id, URL: r.URL, Group: r.Group, Depth: r.Depth,
		Spider: r.Spider, Priority: r.Priority, Data: r.Data, Parent: r.Parent,
	})
	j.Attempts = r.Attempts
	return j
}

// TaskDone reports a job as successfully completed: its row is
// deleted, its group's parallelism count is decremented, and — if
// Options.Throttle is positive — the group's throttle timestamp is
// pushed to now+Throttle. Returns ErrNotInFlight if j was not returned
// by a prior Get/TryGet on this Scheduler.
func (s *Scheduler) TaskDone(ctx context.Context, j *job.Job) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	index, ok := s.inFlight[j.Id]
	if !ok {
		s.mu.Unlock()
		return ErrNotInFlight
	}
	delete(s.inFlight, j.Id)

	n := now()
	if err := s.store.CompleteRow(ctx, index, j.Group, s.opts.Throttle.Seconds(), n); err != nil {
		s.mu.Unlock()
		return storeErr("task_done", err)
	}

	s.completions++
	runCleanup := s.completions >= int64(s.opts.CleanupInterval)
	var cleanupErr error
	if runCleanup {
		s.completions = 0
		cleanupErr = s.store.Cleanup(ctx, n)
	}
	s.mu.Unlock()

	s.notify()
	if cleanupErr != nil {
		return storeErr("cleanup", cleanupErr)
	}
	return nil
}

// Requeue reschedules an in-flight job for another attempt, distinct
// from TaskDone: it releases the current reservation (decrementing
// parallelism, applying throttle exactly like a normal completion)
// then re-inserts the job with Attempts incremented and a fresh index.
// The queue does not implement a retry policy (backoff, max attempts)
// itself; callers decide whether and how to call Requeue.
func (s *Scheduler) Requeue(ctx context.Context, j *job.Job) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	index, ok := s.inFlight[j.Id]
	if !ok {
		s.mu.Unlock()
		return ErrNotInFlight
	}
	delete(s.inFlight, j.Id)

	n := now()
	err := s.store.CompleteRow(ctx, index, j.Group, s.opts.Throttle.Seconds(), n)
	s.mu.Unlock()
	if err != nil {
		return storeErr("requeue", err)
	}

	next, err := job.New(job.Spec{
		Id: j.Id, URL: j.URL, Group: j.Group, Depth: j.Depth,
		Spider: j.Spider, Priority: j.Priority, Data: j.Data, Parent: j.Parent,
	})
	if err != nil {
		return err
	}
	next.Attempts = j.Attempts + 1

	_, err = s.PutMany(ctx, []*job.Job{next})
	return err
}

// QSize returns the number of pending (not in-flight) jobs. Len is a
// synonym.
func (s *Scheduler) QSize(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	s.putMu.Lock()
	defer s.putMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.store.CountPending(ctx)
	if err != nil {
		return 0, storeErr("qsize", err)
	}
	return int(n), nil
}

// Len is a synonym for QSize.
func (s *Scheduler) Len(ctx context.Context) (int, error) {
	return s.QSize(ctx)
}

// WorkedGroups returns a snapshot of groups with at least one in-flight
// job, mapped to their current in-flight count.
func (s *Scheduler) WorkedGroups(ctx context.Context) (map[string]int, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	s.putMu.Lock()
	defer s.putMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	g, err := s.store.WorkedGroups(ctx)
	if err != nil {
		return nil, storeErr("worked_groups", err)
	}
	return g, nil
}

// Clear deletes all throttle and parallelism state. Pending queue rows
// are not affected; this is scheduling state only.
func (s *Scheduler) Clear(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.putMu.Lock()
	defer s.putMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.ClearScheduling(ctx); err != nil {
		return storeErr("clear", err)
	}
	s.completions = 0
	return nil
}

// Cleanup deletes exhausted parallelism rows and expired throttle rows
// and compacts the store. TaskDone triggers this automatically every
// Options.CleanupInterval completions; Cleanup exposes the same
// routine for manual or scheduled use (see MaintenanceWorker).
func (s *Scheduler) Cleanup(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.putMu.Lock()
	defer s.putMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Cleanup(ctx, now()); err != nil {
		return storeErr("cleanup", err)
	}
	s.completions = 0
	return nil
}

// Close closes both store connections and wakes every Get call
// currently blocked, which then observe ErrClosed. Idempotent.
func (s *Scheduler) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.notify()
	if err := s.store.Close(); err != nil {
		return storeErr("close", err)
	}
	return nil
}
