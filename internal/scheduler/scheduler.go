// Package scheduler decouples "what runs next" from "which goroutine runs
// it". A Job is one resume-step of bounded work — processing up to a
// max-throughput batch of an actor's mailbox, in this repo's case — rather
// than a whole actor's lifetime; the scheduler decides which worker picks it
// up and when.
package scheduler

import "context"

// Job is one unit of schedulable work. It receives the scheduler's own
// lifecycle context, cancelled when the scheduler is Closed.
type Job func(ctx context.Context)

// Scheduler accepts Jobs for execution on whatever workers it manages.
// Schedule never blocks the caller on the job itself running; it only
// blocks as long as it takes to hand the job off.
type Scheduler interface {
	// Schedule submits job for execution. Implementations may run it
	// immediately, queue it, or steal it onto an idle worker.
	Schedule(job Job)

	// Close stops accepting new work and waits for in-flight jobs to
	// finish running. Whether queued-but-not-yet-started jobs still run is
	// up to the implementation: TestScheduler discards them, while
	// WorkerPoolScheduler runs them with its cancelled context.
	Close()
}
