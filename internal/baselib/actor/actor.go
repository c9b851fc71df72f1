package actor

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	log "github.com/roasbeef/relay/internal/rlog"
	"github.com/roasbeef/relay/internal/relayerr"
)

// mergeContexts creates a new context that cancels when either parent context
// cancels, enabling actors to respect both system shutdown and caller deadlines
// simultaneously. It preserves the shortest deadline between the two contexts
// to ensure the most restrictive timeout is honored.
//
// A background goroutine monitors both parent contexts and cancels the merged
// context when either parent cancels. The goroutine exits as soon as any
// cancellation is detected, preventing goroutine leaks. Callers must call the
// returned cancel function to release resources when the merged context is no
// longer needed.
//
// Performance note: This function spawns a goroutine for each call. For
// high-throughput actors processing thousands of messages per second, this
// overhead should be measured. The goroutine is short-lived and exits when
// message processing completes.
func mergeContexts(ctx1, ctx2 context.Context) (context.Context, context.CancelFunc) {
	// Get deadlines from both contexts.
	deadline1, hasDeadline1 := ctx1.Deadline()
	deadline2, hasDeadline2 := ctx2.Deadline()

	// Determine which context has the earliest deadline. By default, we'll
	// use ctx1 and only switch to ctx2 if it has an earlier deadline.
	baseCtx := ctx1
	if hasDeadline2 {
		if !hasDeadline1 || deadline2.Before(deadline1) {
			baseCtx = ctx2
		}
	}

	// Create a new context that will be cancelled explicitly.
	mergedCtx, cancel := context.WithCancel(baseCtx)

	// Watch both parent contexts and cancel the merged one when either
	// parent cancels.
	go func() {
		select {
		case <-ctx1.Done():
			cancel()
		case <-ctx2.Done():
			cancel()
		case <-mergedCtx.Done():
			// Already cancelled.
		}
	}()

	return mergedCtx, cancel
}

// ActorConfig holds the configuration parameters for creating a new Actor.
// It is generic over M (Message type) and R (Response type) to accommodate
// the actor's specific behavior.
type ActorConfig[M Message, R any] struct {
	// ID is the unique identifier for the actor.
	ID string

	// Behavior defines how the actor responds to messages.
	Behavior ActorBehavior[M, R]

	// DLO is a reference to the dead letter office for this actor system.
	// If nil, undeliverable messages during shutdown or due to a full
	// mailbox (if such logic were added) might be dropped.
	DLO ActorRef[Message, any]

	// MailboxSize defines the buffer capacity of the actor's mailbox.
	MailboxSize int

	// Wg is an optional WaitGroup for tracking actor lifecycle. If
	// non-nil, the actor will call Add(1) when starting and Done() when
	// its process loop exits. This enables deterministic shutdown.
	Wg *sync.WaitGroup

	// CleanupTimeout specifies the maximum duration for OnStop cleanup.
	// If None, a default of 5 seconds is used.
	CleanupTimeout fn.Option[time.Duration]

	// OnTerminate, if set, is invoked exactly once after the actor's
	// process loop has fully exited (mailbox drained, OnStop called),
	// with the actor's final exit reason. RegisterWithSystem uses this
	// to drive the system's monitor/link lifecycle hub.
	OnTerminate func(id string, reason *relayerr.Error)
}

// envelope wraps a message with its associated promise and caller context. This
// allows the sender of an "ask" message to await a response. If the promise is
// nil, it signifies a "tell" operation (fire-and-forget). The callerCtx allows
// actors to respect request-scoped deadlines and cancellation.
type envelope[M Message, R any] struct {
	message   M
	promise   Promise[R]
	callerCtx context.Context
}

// Actor represents a concrete actor implementation. It encapsulates a behavior,
// manages its internal state implicitly through that behavior, and processes
// messages from its mailbox sequentially in its own goroutine.
type Actor[M Message, R any] struct {
	// id is the unique identifier for the actor.
	id string

	// behavior defines how the actor responds to messages.
	behavior ActorBehavior[M, R]

	// mailbox is the incoming message queue for the actor.
	mailbox Mailbox[M, R]

	// ctx is the context governing the actor's lifecycle.
	ctx context.Context

	// cancel is the function to cancel the actor's context.
	cancel context.CancelFunc

	// dlo is a reference to the dead letter office for this actor system.
	dlo ActorRef[Message, any]

	// wg is an optional WaitGroup for tracking this actor's lifecycle. If
	// non-nil, Done() is called when the process loop exits.
	wg *sync.WaitGroup

	// cleanupTimeout is the maximum duration for OnStop cleanup.
	cleanupTimeout time.Duration

	// startOnce ensures the actor's processing loop is started only once.
	startOnce sync.Once

	// stopOnce ensures the actor's processing loop is stopped only once.
	stopOnce sync.Once

	// ref is the cached ActorRef for this actor.
	ref ActorRef[M, R]

	// exitReason holds the reason this actor terminated with. It is set by
	// StopWithReason (Stop passes ExitReasonUserShutdown), by a Quit
	// request, or by a recovered handler panic; nil is reported as
	// ExitReasonNormal.
	exitReason atomic.Pointer[relayerr.Error]

	// onTerminate is called once the process loop has fully exited.
	onTerminate func(id string, reason *relayerr.Error)

	// skipStash holds envelopes skipped by the current behavior via
	// Skip(ctx), to be retried the next time the behavior changes. This
	// is a Go-idiomatic approximation of CAF's mailbox re-ordering: exact
	// positional re-insertion into the channel-backed mailbox is not
	// possible, so skipped envelopes are held here and drained in FIFO
	// order after a Become.
	skipStash []envelope[M, R]
}

// NewActor creates a new actor instance with the given ID and behavior.
// It initializes the actor's internal structures but does not start its
// message processing goroutine. The Start() method must be called to begin
// processing messages.
func NewActor[M Message, R any](cfg ActorConfig[M, R]) *Actor[M, R] {
	ctx, cancel := context.WithCancel(context.Background())

	// Ensure MailboxSize has a sane default if not specified or zero.
	mailboxCapacity := cfg.MailboxSize
	if mailboxCapacity <= 0 {
		mailboxCapacity = 1
	}

	actor := &Actor[M, R]{
		id:             cfg.ID,
		behavior:       cfg.Behavior,
		mailbox:        NewChannelMailbox[M, R](ctx, mailboxCapacity),
		ctx:            ctx,
		cancel:         cancel,
		dlo:            cfg.DLO,
		wg:             cfg.Wg,
		cleanupTimeout: cfg.CleanupTimeout.UnwrapOr(5 * time.Second),
		onTerminate:    cfg.OnTerminate,
	}

	// Create and cache the actor's own reference.
	actor.ref = &actorRefImpl[M, R]{
		actor: actor,
	}

	return actor
}

// Start initiates the actor's message processing loop in a new goroutine.
// This method should be called exactly once after actor creation; repeated
// calls are safe but have no effect (enforced via startOnce). When a WaitGroup
// is configured, we increment it here to enable deterministic shutdown—the
// system can block on wg.Wait() to ensure all actor goroutines have fully
// exited before proceeding with resource cleanup.
func (a *Actor[M, R]) Start() {
	a.startOnce.Do(func() {
		log.DebugS(a.ctx, "Starting actor", "actor_id", a.id)

		if a.wg != nil {
			a.wg.Add(1)
		}
		go a.process()
	})
}

// process is the main event loop that drives actor message handling. Unlike
// a plain `for range` over the mailbox, dispatch is pull-based via
// iter.Pull: skipped envelopes (Skip(ctx)) are held in skipStash and
// re-offered ahead of new mailbox traffic once the behavior changes
// (Become/Unbecome), approximating CAF's mailbox re-ordering without a
// priority-queue mailbox implementation. The deferred Done() call (when wg
// is non-nil) ensures the WaitGroup counter is decremented even if the
// behavior panics, enabling the system to detect when all actors have
// terminated.
func (a *Actor[M, R]) process() {
	// Decrement the WaitGroup counter when this goroutine exits. Using defer
	// ensures this runs even if the behavior panics.
	if a.wg != nil {
		defer a.wg.Done()
	}

	// retryStash is only set once a dispatch reports that the behavior
	// changed (Become/Unbecome). Without it, a skipped envelope would be
	// retried against the same, unchanged behavior on every iteration,
	// busy-looping instead of waiting for new mailbox traffic.
	retryStash := false

loop:
	for {
		var became, quit bool

		switch {
		case retryStash && len(a.skipStash) > 0:
			env := a.skipStash[0]
			a.skipStash = a.skipStash[1:]
			if len(a.skipStash) == 0 {
				retryStash = false
			}
			became, quit = a.dispatch(env)

		default:
			env, ok, timedOut := a.receiveNext()
			switch {
			case timedOut:
				became, quit = a.dispatchTimeout()
			case ok:
				became, quit = a.dispatch(env)
			default:
				// Actor context was cancelled; no more work.
				break loop
			}
		}

		if became {
			retryStash = true
		}
		if quit {
			break
		}
	}

	// The actor's context has been cancelled, or a handler requested
	// termination via Quit. Close the mailbox to prevent new messages
	// from being enqueued, then drain any remaining messages to the DLO.
	a.mailbox.Close()

	// Drain any remaining messages that were enqueued before the mailbox
	// was closed.
	drainedCount := 0
	for env := range a.mailbox.Drain() {
		drainedCount++

		log.TraceS(a.ctx, "Draining message from terminated actor",
			"actor_id", a.id,
			"msg_type", env.message.MessageType(),
			"has_dlo", a.dlo != nil)

		// If a DLO is configured, send the original message there for
		// auditing or potential manual reprocessing.
		if a.dlo != nil {
			a.dlo.Tell(context.Background(), env.message)
		}

		// If it was an Ask, complete the promise with an error
		// indicating the actor terminated.
		if env.promise != nil {
			env.promise.Complete(fn.Err[R](ErrActorTerminated))
		}
	}

	// If the behavior implements the Stoppable interface, call its OnStop
	// hook to allow cleanup of external resources. Use a timeout to ensure
	// cleanup doesn't hang indefinitely.
	if stoppable, ok := a.behavior.(Stoppable); ok {
		cleanupCtx, cancel := context.WithTimeout(
			context.Background(), a.cleanupTimeout,
		)
		defer cancel()

		if err := stoppable.OnStop(cleanupCtx); err != nil {
			log.WarnS(a.ctx, "Actor cleanup error during shutdown",
				err, "actor_id", a.id)
		}
	}

	reason := a.exitReason.Load()
	if reason == nil {
		reason = relayerr.ExitReasonNormal
	}

	log.DebugS(a.ctx, "Actor terminated",
		"actor_id", a.id,
		"drained_messages", drainedCount,
		"exit_reason", reason.Error())

	if a.onTerminate != nil {
		a.onTerminate(a.id, reason)
	}
}

// timeoutBehavior is implemented by behaviors (such as StateBehavior) that
// support a per-frame inactivity timeout. Actor.process polls it between
// mailbox waits rather than spawning a dedicated timer goroutine per actor.
type timeoutBehavior[R any] interface {
	// Timeout reports the currently active inactivity timeout, if any.
	Timeout() (time.Duration, bool)

	// HandleTimeout runs when no message arrives within the configured
	// timeout.
	HandleTimeout(ctx context.Context) fn.Result[R]
}

// receiveNext waits for the next mailbox envelope, honoring the behavior's
// inactivity timeout if one is configured. A message already sitting in the
// mailbox's buffered channel is never lost by a timed-out wait attempt: each
// attempt opens its own iterator over a context derived from a.ctx, and
// stopping that iterator on timeout simply abandons the attempt, leaving the
// envelope in the channel for the next call to pick up.
func (a *Actor[M, R]) receiveNext() (env envelope[M, R], ok, timedOut bool) {
	tb, hasTimeout := a.behavior.(timeoutBehavior[R])
	if !hasTimeout {
		env, ok = a.pullOnce(a.ctx)
		return env, ok, false
	}

	d, active := tb.Timeout()
	if !active {
		env, ok = a.pullOnce(a.ctx)
		return env, ok, false
	}

	waitCtx, cancel := context.WithTimeout(a.ctx, d)
	defer cancel()

	env, ok = a.pullOnce(waitCtx)
	if ok {
		return env, true, false
	}
	if a.ctx.Err() != nil {
		return envelope[M, R]{}, false, false
	}

	return envelope[M, R]{}, false, true
}

// pullOnce opens a fresh iterator over the mailbox bound to ctx and pulls a
// single envelope from it.
func (a *Actor[M, R]) pullOnce(ctx context.Context) (envelope[M, R], bool) {
	next, stop := iter.Pull(a.mailbox.Receive(ctx))
	defer stop()
	return next()
}

// dispatchTimeout invokes the active frame's timeout handler, the same way
// dispatch invokes a Case handler: panics are recovered and mapped to
// ExitReasonUnhandledException, and Quit requests terminate the actor.
func (a *Actor[M, R]) dispatchTimeout() (became, quit bool) {
	tb, ok := a.behavior.(timeoutBehavior[R])
	if !ok {
		return false, false
	}

	dc := &dispatchControl{}
	ctx := withDispatchControl(a.ctx, dc)

	_, panicReason := a.invokeTimeout(ctx, tb)
	if panicReason != nil {
		a.exitReason.Store(panicReason)
		a.cancel()
		return false, true
	}

	if quitReason := dc.quit.Load(); quitReason != nil {
		a.exitReason.Store(quitReason)
		a.cancel()
		return dc.became.Load(), true
	}

	return dc.became.Load(), false
}

// invokeTimeout calls the behavior's HandleTimeout method, recovering from
// any panic it raises.
func (a *Actor[M, R]) invokeTimeout(
	ctx context.Context, tb timeoutBehavior[R],
) (result fn.Result[R], exitReason *relayerr.Error) {

	defer func() {
		if r := recover(); r != nil {
			log.ErrorS(a.ctx, "Actor behavior panicked handling timeout",
				relayerr.New(relayerr.CodeUnhandledException, r),
				"actor_id", a.id)

			result = fn.Err[R](relayerr.ExitReasonUnhandledException)
			exitReason = relayerr.ExitReasonUnhandledException
		}
	}()

	result = tb.HandleTimeout(ctx)
	return result, nil
}

// dispatch processes a single envelope against the actor's behavior,
// recovering from any panic the behavior raises and mapping it to
// relayerr.ExitReasonUnhandledException, the same as an explicit Quit.
// Returns whether the behavior changed (Become/Unbecome) during this
// dispatch, and whether this dispatch requested the actor's termination.
func (a *Actor[M, R]) dispatch(env envelope[M, R]) (became, quit bool) {
	// For Ask messages, merge the actor's context with the caller's
	// context so the behavior can detect both actor shutdown and caller
	// deadline expiration. For Tell messages, use only the actor's
	// context to preserve fire-and-forget semantics.
	var processCtx context.Context
	var cancel context.CancelFunc
	if env.promise != nil {
		processCtx, cancel = mergeContexts(a.ctx, env.callerCtx)
	} else {
		processCtx = a.ctx
		cancel = func() {}
	}
	defer cancel()

	dc := &dispatchControl{}
	processCtx = withDispatchControl(processCtx, dc)

	log.TraceS(processCtx, "Actor processing message",
		"actor_id", a.id,
		"msg_type", env.message.MessageType(),
		"is_ask", env.promise != nil)

	result, panicReason := a.invoke(processCtx, env.message)

	if panicReason != nil {
		a.exitReason.Store(panicReason)
		if env.promise != nil {
			env.promise.Complete(result)
		}
		a.cancel()
		return false, true
	}

	if env.promise != nil {
		env.promise.Complete(result)
	}

	if dc.skip.Load() {
		a.skipStash = append(a.skipStash, env)
	}

	if quitReason := dc.quit.Load(); quitReason != nil {
		a.exitReason.Store(quitReason)
		a.cancel()
		return dc.became.Load(), true
	}

	return dc.became.Load(), false
}

// invoke calls the behavior's Receive method, recovering from any panic and
// translating it into an ExitReasonUnhandledException result.
func (a *Actor[M, R]) invoke(
	ctx context.Context, msg M,
) (result fn.Result[R], exitReason *relayerr.Error) {

	defer func() {
		if r := recover(); r != nil {
			log.ErrorS(a.ctx, "Actor behavior panicked",
				relayerr.New(relayerr.CodeUnhandledException, r),
				"actor_id", a.id)

			result = fn.Err[R](relayerr.ExitReasonUnhandledException)
			exitReason = relayerr.ExitReasonUnhandledException
		}
	}()

	result = a.behavior.Receive(ctx, msg)
	return result, nil
}

// Stop signals the actor to terminate its processing loop and shut down
// with relayerr.ExitReasonUserShutdown. The actor's goroutine will exit once
// it detects the context cancellation, then close the mailbox and drain
// remaining messages to the DLO.
//
// Note: Messages cannot be lost between Receive() exiting and Close() being
// called because Send() checks actorCtx.Err() first, failing fast after
// context cancellation. Any message that passes the actorCtx check before
// cancellation will either complete its send or see actorCtx.Done() in the
// select and return false.
func (a *Actor[M, R]) Stop() {
	a.StopWithReason(relayerr.ExitReasonUserShutdown)
}

// StopWithReason terminates the actor's processing loop with the given exit
// reason, which is later reported to monitors (as a DownMessage) and
// propagated to linked actors (unless it is relayerr.ExitReasonNormal).
func (a *Actor[M, R]) StopWithReason(reason *relayerr.Error) {
	a.stopOnce.Do(func() {
		a.exitReason.Store(reason)
		a.cancel()
	})
}

// ExitReason returns the actor's exit reason, or fn.None if the actor has
// not yet terminated.
func (a *Actor[M, R]) ExitReason() fn.Option[*relayerr.Error] {
	if reason := a.exitReason.Load(); reason != nil {
		return fn.Some(reason)
	}
	return fn.None[*relayerr.Error]()
}

// actorRefImpl provides a concrete implementation of the ActorRef interface. It
// holds a reference to the target Actor instance, enabling message sending.
type actorRefImpl[M Message, R any] struct {
	actor *Actor[M, R]
}

// Tell sends a message without waiting for a response. If the context is
// cancelled before the message can be sent to the actor's mailbox, the message
// may be dropped.
//
//nolint:lll
func (ref *actorRefImpl[M, R]) Tell(ctx context.Context, msg M) {
	log.TraceS(ctx, "Sending Tell message",
		"actor_id", ref.actor.id,
		"msg_type", msg.MessageType())

	// Attempt to send the message to the mailbox. The mailbox's Send
	// method handles context cancellation and actor termination internally.
	env := envelope[M, R]{
		message:   msg,
		promise:   nil,
		callerCtx: ctx,
	}
	ok := ref.actor.mailbox.Send(ctx, env)

	// If the send failed, determine whether to route to DLO. We only send
	// to the DLO when the failure was due to actor termination or mailbox
	// closure (actor-side failures). If the caller's context was cancelled,
	// the message is intentionally dropped to preserve prior semantics
	// where caller-aborted messages are not revived via the DLO.
	if !ok {
		if ctx.Err() == nil || ref.actor.ctx.Err() != nil {
			log.DebugS(ctx, "Tell failed, routing to DLO",
				"actor_id", ref.actor.id,
				"msg_type", msg.MessageType())

			ref.trySendToDLO(msg)
		} else {
			log.TraceS(ctx, "Tell failed, caller cancelled",
				"actor_id", ref.actor.id,
				"msg_type", msg.MessageType())
		}
	}
}

// Ask sends a message and returns a Future for the response. The Future will be
// completed with the actor's reply or an error if the operation fails (e.g.,
// context cancellation before send).
//
//nolint:lll
func (ref *actorRefImpl[M, R]) Ask(ctx context.Context, msg M) Future[R] {
	log.TraceS(ctx, "Sending Ask message",
		"actor_id", ref.actor.id,
		"msg_type", msg.MessageType())

	// Create a new promise that will be fulfilled with the actor's
	// response.
	promise := NewPromise[R]()

	// If the actor's own context is already done, complete the promise with
	// ErrActorTerminated and return immediately. This is the primary guard
	// against trying to send to a stopped actor.
	if ref.actor.ctx.Err() != nil {
		log.DebugS(ctx, "Ask failed, actor already terminated",
			"actor_id", ref.actor.id,
			"msg_type", msg.MessageType())

		promise.Complete(fn.Err[R](ErrActorTerminated))
		return promise.Future()
	}

	// Attempt to send the message with the promise to the mailbox. The
	// mailbox's Send method handles context cancellation and actor
	// termination internally.
	env := envelope[M, R]{
		message:   msg,
		promise:   promise,
		callerCtx: ctx,
	}
	ok := ref.actor.mailbox.Send(ctx, env)

	// If the send failed (mailbox closed, context cancelled, or actor
	// terminated), complete the promise with an appropriate error.
	if !ok {
		// Determine the appropriate error based on the state. Check
		// the actor context first as actor termination takes
		// precedence over caller context cancellation.
		if ref.actor.ctx.Err() != nil {
			promise.Complete(fn.Err[R](ErrActorTerminated))
		} else {
			err := ctx.Err()
			if err == nil {
				// This indicates an unexpected state: the send
				// failed, but neither the actor nor the caller
				// context appears to be done. Default to
				// ErrActorTerminated as the most likely cause
				// (e.g., mailbox was closed directly).
				err = ErrActorTerminated
			}

			promise.Complete(fn.Err[R](err))
		}
	}

	// Return the future associated with the promise, allowing the caller to
	// await the response.
	return promise.Future()
}

// trySendToDLO attempts to send the message to the actor's DLO if configured.
func (ref *actorRefImpl[M, R]) trySendToDLO(msg M) {
	if ref.actor.dlo != nil {
		// Use context.Background() for sending to DLO as the
		// original context might be done or the operation
		// should not be bound by it.
		// This Tell to DLO is fire-and-forget.
		ref.actor.dlo.Tell(context.Background(), msg)
	}
}

// ID returns the unique identifier for this actor.
func (ref *actorRefImpl[M, R]) ID() string {
	return ref.actor.id
}

// Ref returns an ActorRef for this actor. This allows clients to interact with
// the actor (send messages) without having direct access to the Actor struct
// itself, promoting encapsulation and location transparency.
func (a *Actor[M, R]) Ref() ActorRef[M, R] {
	return a.ref
}

// TellRef returns a TellOnlyRef for this actor. This allows clients to send
// messages to the actor using only the "tell" pattern (fire-and-forget),
// without having access to "ask" capabilities.
func (a *Actor[M, R]) TellRef() TellOnlyRef[M] {
	return a.ref
}
