package crawlqueue_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	crawlqueue "github.com/minet-go/crawlqueue"
	"github.com/minet-go/crawlqueue/job"
)

func openMemory(t *testing.T, opts crawlqueue.Options) *crawlqueue.Scheduler {
	t.Helper()
	s, err := crawlqueue.Open(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustJob(t *testing.T, spec job.Spec) *job.Job {
	t.Helper()
	j, err := job.New(spec)
	if err != nil {
		t.Fatal(err)
	}
	return j
}

func getWithTimeout(t *testing.T, s *crawlqueue.Scheduler, timeout time.Duration) (*job.Job, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Get(ctx)
}

// S1: two jobs of a single group come back in FIFO order by default,
// each completed before the next is taken.
func TestFIFOSingleGroup(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t, crawlqueue.Options{})

	a := mustJob(t, job.Spec{URL: "http://a.example.com", Group: "g"})
	b := mustJob(t, job.Spec{URL: "http://b.example.com", Group: "g"})
	if _, err := s.PutMany(ctx, []*job.Job{a, b}); err != nil {
		t.Fatal(err)
	}

	got1, err := getWithTimeout(t, s, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if got1.Id != a.Id {
		t.Fatalf("expected job a first, got %s", got1.Id)
	}
	if err := s.TaskDone(ctx, got1); err != nil {
		t.Fatal(err)
	}

	got2, err := getWithTimeout(t, s, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if got2.Id != b.Id {
		t.Fatalf("expected job b second, got %s", got2.Id)
	}
}

// S2: a completed job's group is not eligible again until Throttle
// elapses, and Get blocks (rather than draining) while waiting.
func TestThrottleDelaysGroup(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t, crawlqueue.Options{Throttle: 150 * time.Millisecond})

	a := mustJob(t, job.Spec{URL: "http://a.example.com", Group: "g"})
	b := mustJob(t, job.Spec{URL: "http://b.example.com", Group: "g"})
	if _, err := s.PutMany(ctx, []*job.Job{a, b}); err != nil {
		t.Fatal(err)
	}

	got, err := getWithTimeout(t, s, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.TaskDone(ctx, got); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	got2, err := getWithTimeout(t, s, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("expected Get to block for throttle, only waited %v", elapsed)
	}
	if got2.Id != b.Id {
		t.Fatalf("expected job b after throttle, got %s", got2.Id)
	}
}

// S3: a group parallelism cap keeps a second job of the same group
// ineligible until the first is completed, even though nothing
// throttles it.
func TestGroupParallelismCap(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t, crawlqueue.Options{GroupParallelism: 1})

	a := mustJob(t, job.Spec{URL: "http://a.example.com", Group: "g"})
	b := mustJob(t, job.Spec{URL: "http://b.example.com", Group: "g"})
	if _, err := s.PutMany(ctx, []*job.Job{a, b}); err != nil {
		t.Fatal(err)
	}

	got, err := getWithTimeout(t, s, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if got.Id != a.Id {
		t.Fatalf("expected a first, got %s", got.Id)
	}

	if _, err := getWithTimeout(t, s, 100*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected b to stay ineligible under the cap, got %v", err)
	}

	if err := s.TaskDone(ctx, got); err != nil {
		t.Fatal(err)
	}

	got2, err := getWithTimeout(t, s, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if got2.Id != b.Id {
		t.Fatalf("expected b eligible once a completed, got %s", got2.Id)
	}
}

// S4: a lower-priority-value job inserted after a higher-priority-value
// one is still selected first.
func TestPriorityOverridesInsertionOrder(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t, crawlqueue.Options{})

	low := mustJob(t, job.Spec{URL: "http://low.example.com", Priority: 10})
	if err := s.Put(ctx, low); err != nil {
		t.Fatal(err)
	}
	high := mustJob(t, job.Spec{URL: "http://high.example.com", Priority: 1})
	if err := s.Put(ctx, high); err != nil {
		t.Fatal(err)
	}

	got, err := getWithTimeout(t, s, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if got.Id != high.Id {
		t.Fatalf("expected the lower-priority-value job first, got %s", got.Id)
	}
}

// S5: with LIFO enabled, equal-priority jobs come back last-in-first-out.
func TestLIFOTieBreak(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t, crawlqueue.Options{LIFO: true})

	a := mustJob(t, job.Spec{URL: "http://a.example.com"})
	b := mustJob(t, job.Spec{URL: "http://b.example.com"})
	if _, err := s.PutMany(ctx, []*job.Job{a, b}); err != nil {
		t.Fatal(err)
	}

	got, err := getWithTimeout(t, s, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if got.Id != b.Id {
		t.Fatalf("expected b first under LIFO, got %s", got.Id)
	}
}

// S6: a crash (simulated by reopening without a clean Close while a
// job is in flight) resumes with that job pending again, not lost and
// not stuck in flight forever.
func TestResumeRecoversInFlightRow(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	opts := crawlqueue.Options{Path: dir, GroupParallelism: 1}

	s1, err := crawlqueue.Open(ctx, opts)
	if err != nil {
		t.Fatal(err)
	}
	a := mustJob(t, job.Spec{URL: "http://a.example.com", Group: "g"})
	if err := s1.Put(ctx, a); err != nil {
		t.Fatal(err)
	}
	if _, err := getWithTimeout(t, s1, time.Second); err != nil {
		t.Fatal(err)
	}
	// No TaskDone: simulate a crash. Do not Close cleanly either, since
	// a real crash wouldn't release the OS file handles gracefully;
	// here we just drop the reference and reopen with Resume.
	_ = s1

	resumeOpts := opts
	resumeOpts.Resume = true
	s2, err := crawlqueue.Open(ctx, resumeOpts)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	got, err := getWithTimeout(t, s2, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if got.Id != a.Id {
		t.Fatalf("expected resumed job a, got %s", got.Id)
	}

	groups, err := s2.WorkedGroups(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if groups["g"] != 1 {
		t.Fatalf("expected parallelism reservation recreated on resume, got %+v", groups)
	}
}

// TestGetReportsDrainedOnceQueueIsEmpty checks that Get returns
// ErrDrained, rather than blocking, once every job has been completed.
func TestGetReportsDrainedOnceQueueIsEmpty(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t, crawlqueue.Options{})

	a := mustJob(t, job.Spec{URL: "http://a.example.com"})
	if err := s.Put(ctx, a); err != nil {
		t.Fatal(err)
	}
	got, err := getWithTimeout(t, s, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.TaskDone(ctx, got); err != nil {
		t.Fatal(err)
	}

	if _, err := getWithTimeout(t, s, time.Second); !errors.Is(err, crawlqueue.ErrDrained) {
		t.Fatalf("expected ErrDrained on empty queue, got %v", err)
	}
}

func TestTaskDoneRejectsUnknownJob(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t, crawlqueue.Options{})
	stray := mustJob(t, job.Spec{URL: "http://stray.example.com"})
	if err := s.TaskDone(ctx, stray); !errors.Is(err, crawlqueue.ErrNotInFlight) {
		t.Fatalf("expected ErrNotInFlight, got %v", err)
	}
}

func TestRequeueIncrementsAttempts(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t, crawlqueue.Options{})

	a := mustJob(t, job.Spec{URL: "http://a.example.com"})
	if err := s.Put(ctx, a); err != nil {
		t.Fatal(err)
	}
	got, err := getWithTimeout(t, s, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Requeue(ctx, got); err != nil {
		t.Fatal(err)
	}

	again, err := getWithTimeout(t, s, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if again.Id != a.Id {
		t.Fatalf("expected the same job id back, got %s", again.Id)
	}
	if again.Attempts != 1 {
		t.Fatalf("expected Attempts incremented to 1, got %d", again.Attempts)
	}
}

func TestCloseUnblocksWaitingGet(t *testing.T) {
	s := openMemory(t, crawlqueue.Options{})
	a := mustJob(t, job.Spec{URL: "http://a.example.com", Group: "g"})
	ctx := context.Background()
	if err := s.Put(ctx, a); err != nil {
		t.Fatal(err)
	}
	if _, err := getWithTimeout(t, s, time.Second); err != nil {
		t.Fatal(err)
	}
	// a is now in flight and no pending rows remain, so a second
	// blocking Get would report ErrDrained immediately. Put another job
	// under the same group so the consumer genuinely blocks on the
	// parallelism cap, then Close.
	b := mustJob(t, job.Spec{URL: "http://b.example.com", Group: "g"})
	if err := s.Put(ctx, b); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.Get(context.Background())
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, crawlqueue.ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock a waiting Get")
	}
}

func TestPersistentStoreRecreatedOnReopenWithoutResume(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.db")
	if _, err := os.Stat(path); err == nil {
		t.Fatal("unexpected pre-existing database file")
	}

	s1, err := crawlqueue.Open(ctx, crawlqueue.Options{Path: dir})
	if err != nil {
		t.Fatal(err)
	}
	a := mustJob(t, job.Spec{URL: "http://a.example.com"})
	if err := s1.Put(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := s1.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopening without Resume recreates a fresh, empty database.
	s2, err := crawlqueue.Open(ctx, crawlqueue.Options{Path: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	n, err := s2.QSize(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected a fresh database with no pending rows, got %d", n)
	}
}
