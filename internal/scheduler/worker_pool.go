package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
)

// WorkerPoolScheduler runs Jobs across a fixed set of goroutines, each with
// its own local run-queue. Schedule puts every job on a worker's local
// queue. A worker drains its own queue first; once empty, it checks the
// shared overflow queue (nothing in this package writes to it), and failing
// that, steals the oldest job off a random peer's queue rather than sitting
// idle. This generalizes
// internal/actorutil.Pool's static round-robin distribution — which always
// sends a given message to a fixed worker index regardless of how loaded
// that worker already is — into dynamic load balancing.
type WorkerPoolScheduler struct {
	workers  []*workerQueue
	overflow chan Job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	nextSubmit atomic.Uint64
}

// workerQueue is one worker's local deque, pushed to at the tail by
// Schedule from any goroutine, popped from the tail by its own worker
// (LIFO, for cache-friendly locality), and stolen
// from the head by peers (FIFO, so a steal takes the oldest queued job
// rather than racing the owner for its most recent one).
type workerQueue struct {
	mu    sync.Mutex
	jobs  []Job
	wake  chan struct{}
}

func newWorkerQueue() *workerQueue {
	return &workerQueue{wake: make(chan struct{}, 1)}
}

func (q *workerQueue) pushLocal(job Job) {
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()
	q.notify()
}

func (q *workerQueue) popLocal() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.jobs)
	if n == 0 {
		return nil, false
	}
	job := q.jobs[n-1]
	q.jobs = q.jobs[:n-1]
	return job, true
}

func (q *workerQueue) steal() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil, false
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	return job, true
}

func (q *workerQueue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// NewWorkerPoolScheduler starts a scheduler with n worker goroutines. n is
// clamped to at least 1.
func NewWorkerPoolScheduler(n int) *WorkerPoolScheduler {
	if n < 1 {
		n = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &WorkerPoolScheduler{
		workers:  make([]*workerQueue, n),
		overflow: make(chan Job, 256),
		ctx:      ctx,
		cancel:   cancel,
	}
	for i := range s.workers {
		s.workers[i] = newWorkerQueue()
	}

	s.wg.Add(n)
	for i := range s.workers {
		go s.runWorker(i)
	}

	return s
}

// Schedule submits job to the next worker in round-robin order. Called from
// outside a worker (the common case), this just seeds that worker's local
// queue; an idle peer will still steal it if the target worker is busy.
func (s *WorkerPoolScheduler) Schedule(job Job) {
	idx := int(s.nextSubmit.Add(1)) % len(s.workers)
	s.workers[idx].pushLocal(job)
}

func (s *WorkerPoolScheduler) runWorker(idx int) {
	defer s.wg.Done()

	own := s.workers[idx]
	for {
		if job, ok := own.popLocal(); ok {
			job(s.ctx)
			continue
		}

		if job, ok := s.tryOverflow(); ok {
			job(s.ctx)
			continue
		}

		if job, ok := s.trySteal(idx); ok {
			job(s.ctx)
			continue
		}

		select {
		case <-s.ctx.Done():
			return
		case job := <-s.overflow:
			job(s.ctx)
		case <-own.wake:
		}
	}
}

func (s *WorkerPoolScheduler) tryOverflow() (Job, bool) {
	select {
	case job := <-s.overflow:
		return job, true
	default:
		return nil, false
	}
}

// trySteal tries every peer once, starting from a random offset so repeated
// failures don't all hammer the same victim.
func (s *WorkerPoolScheduler) trySteal(self int) (Job, bool) {
	n := len(s.workers)
	if n < 2 {
		return nil, false
	}

	start := rand.Intn(n)
	for i := 0; i < n; i++ {
		victim := (start + i) % n
		if victim == self {
			continue
		}
		if job, ok := s.workers[victim].steal(); ok {
			return job, true
		}
	}
	return nil, false
}

// Close cancels every worker's context and waits for them to return. A
// worker returns only once its own queue, the overflow queue and its peers'
// queues are empty, so jobs queued before Close still run, with the
// cancelled context.
func (s *WorkerPoolScheduler) Close() {
	s.cancel()
	s.wg.Wait()
}

var _ Scheduler = (*WorkerPoolScheduler)(nil)
