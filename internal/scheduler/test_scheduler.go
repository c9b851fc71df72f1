package scheduler

import "context"

// timer is a job parked until a deadline, deterministically fired by
// TriggerTimeouts rather than a real clock.
type timer struct {
	deadline int64
	job      Job
}

// TestScheduler runs nothing on its own. Every Job handed to Schedule sits
// in an ordered queue until the test calls Run or RunOnce; timers sit apart
// until TriggerTimeouts advances past their deadline. This mirrors this
// repo's other deterministic test doubles (the transport package's
// TestMultiplexer chief among them): no background goroutines, so a test
// can assert on exact scheduling order without racing a real scheduler.
type TestScheduler struct {
	ctx    context.Context
	now    int64
	queue  []Job
	timers []timer
}

// NewTestScheduler returns a scheduler with its clock at zero.
func NewTestScheduler() *TestScheduler {
	return &TestScheduler{ctx: context.Background()}
}

// Schedule appends job to the pending queue. It does not run until Run or
// RunOnce is called.
func (s *TestScheduler) Schedule(job Job) {
	s.queue = append(s.queue, job)
}

// ScheduleAfter parks job as a timer that becomes runnable once the
// scheduler's clock reaches delta ticks past its current value.
func (s *TestScheduler) ScheduleAfter(delta int64, job Job) {
	s.timers = append(s.timers, timer{deadline: s.now + delta, job: job})
}

// RunOnce runs every Job currently queued (but none scheduled by those jobs
// while running) and reports whether it ran anything.
func (s *TestScheduler) RunOnce() bool {
	if len(s.queue) == 0 {
		return false
	}

	batch := s.queue
	s.queue = nil
	for _, job := range batch {
		job(s.ctx)
	}
	return true
}

// Run drains the queue completely, including jobs newly scheduled by jobs
// that already ran, stopping once nothing remains.
func (s *TestScheduler) Run() {
	for s.RunOnce() {
	}
}

// TriggerTimeouts advances the scheduler's clock by delta ticks and moves
// any timer whose deadline has now passed onto the run queue, without
// running it. Call Run or RunOnce afterward to execute it.
func (s *TestScheduler) TriggerTimeouts(delta int64) int {
	s.now += delta

	var fired int
	remaining := s.timers[:0]
	for _, t := range s.timers {
		if t.deadline <= s.now {
			s.queue = append(s.queue, t.job)
			fired++
			continue
		}
		remaining = append(remaining, t)
	}
	s.timers = remaining
	return fired
}

// HasJob reports whether any work, queued or pending on a timer, remains
// unrun.
func (s *TestScheduler) HasJob() bool {
	return len(s.queue) > 0 || len(s.timers) > 0
}

// Close discards all queued and pending work.
func (s *TestScheduler) Close() {
	s.queue = nil
	s.timers = nil
}

var _ Scheduler = (*TestScheduler)(nil)
