package utils

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// WorkerPool runs jobs on a bounded number of goroutines. Every job start is
// paced by a shared token bucket plus a random jitter so request timing never
// looks mechanical to the remote site.
type WorkerPool struct {
	semaphore chan struct{}
	limiter   *rate.Limiter
	jitter    time.Duration
	wg        sync.WaitGroup

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewWorkerPool creates a WorkerPool with the given concurrency, minimum
// interval between job starts and maximum extra random delay.
func NewWorkerPool(maxWorkers int, interval, jitter time.Duration) *WorkerPool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &WorkerPool{
		semaphore: make(chan struct{}, maxWorkers),
		limiter:   rate.NewLimiter(limit, 1),
		jitter:    jitter,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Submit enqueues a job for execution in the pool. It blocks while all workers
// are busy. If ctx is cancelled before the job gets its turn, the job is
// skipped.
func (wp *WorkerPool) Submit(ctx context.Context, job func()) {
	wp.wg.Add(1)
	select {
	case wp.semaphore <- struct{}{}:
	case <-ctx.Done():
		wp.wg.Done()
		return
	}

	go func() {
		defer wp.wg.Done()
		defer func() { <-wp.semaphore }()

		if err := wp.pace(ctx); err != nil {
			return
		}
		job()
	}()
}

// Wait blocks until all submitted jobs have completed.
func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
}

// Pace blocks for one rate-limit slot plus jitter. Callers that make requests
// outside the pool use it to share the same budget.
func (wp *WorkerPool) Pace(ctx context.Context) error {
	return wp.pace(ctx)
}

func (wp *WorkerPool) pace(ctx context.Context) error {
	if err := wp.limiter.Wait(ctx); err != nil {
		return err
	}
	d := wp.nextJitter()
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (wp *WorkerPool) nextJitter() time.Duration {
	if wp.jitter <= 0 {
		return 0
	}
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return time.Duration(wp.rnd.Int63n(int64(wp.jitter)))
}

// SeenSet is a thread-safe set of external listing ids.
type SeenSet struct {
	mu   sync.RWMutex
	seen map[string]struct{}
}

// NewSeenSet creates a SeenSet holding ids.
func NewSeenSet(ids ...string) *SeenSet {
	s := &SeenSet{seen: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		s.seen[id] = struct{}{}
	}
	return s
}

// Add returns true if the id was newly added, false if already present.
func (s *SeenSet) Add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.seen[id]; exists {
		return false
	}
	s.seen[id] = struct{}{}
	return true
}

// Contains returns true if the id has already been seen.
func (s *SeenSet) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.seen[id]
	return exists
}

// Size returns the number of unique ids tracked.
func (s *SeenSet) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.seen)
}

// Snapshot returns a copy of the tracked ids in no particular order.
func (s *SeenSet) Snapshot() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.seen))
	for id := range s.seen {
		out = append(out, id)
	}
	return out
}
