package actor

import (
	"context"
	"reflect"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/relay/internal/relayerr"
	log "github.com/roasbeef/relay/internal/rlog"
)

// DefaultPolicy controls how a StateBehavior handles a message for which no
// registered Case matches.
type DefaultPolicy int

const (
	// PolicyDrop silently drops unmatched messages, logging at trace
	// level. This is the default.
	PolicyDrop DefaultPolicy = iota

	// PolicySkip treats an unmatched message as if the handler had called
	// Skip(ctx): it is retried against a future behavior installed via
	// Become.
	PolicySkip

	// PolicyReflect returns a relayerr-tagged unexpected-message error as
	// the dispatch result, surfacing it to an Ask caller without
	// terminating the actor.
	PolicyReflect

	// PolicyReflectAndQuit behaves like PolicyReflect but also terminates
	// the actor with relayerr.ExitReasonUnhandledException.
	PolicyReflectAndQuit
)

// caseEntry is one pattern arm of a StateBehavior: it matches messages of a
// single concrete Message type and produces a response.
type caseEntry[R any] struct {
	msgType reflect.Type
	handle  func(ctx context.Context, msg Message) fn.Result[R]
}

// frame is one level of a StateBehavior's become/unbecome stack: an ordered
// list of cases plus an optional inactivity timeout.
type frame[R any] struct {
	cases     []caseEntry[R]
	after     time.Duration
	afterFunc func(ctx context.Context) fn.Result[R]
}

// StateBehavior is an ActorBehavior[Message, R] built from an ordered set of
// typed message cases, with CAF-style become/unbecome support: Case
// registrations form the base frame, and Become pushes a new frame that
// takes priority until Unbecome pops it. Since Go cannot dispatch on a
// generic M's dynamic type as cheaply as CAF's type-erased message_handler,
// matching here is a linear scan over each frame's cases by reflect.Type —
// adequate for the small, fixed case lists typical of a supervisor or
// protocol actor, not intended for huge dispatch tables.
type StateBehavior[R any] struct {
	base   frame[R]
	stack  []frame[R]
	policy DefaultPolicy
}

// NewStateBehavior creates an empty StateBehavior. Use On to register cases
// before handing the result to RegisterWithSystem.
func NewStateBehavior[R any]() *StateBehavior[R] {
	return &StateBehavior[R]{}
}

// WithDefaultPolicy sets the policy applied when no case matches the
// incoming message in the active frame.
func (s *StateBehavior[R]) WithDefaultPolicy(p DefaultPolicy) *StateBehavior[R] {
	s.policy = p
	return s
}

// On registers a typed case in the base frame. handler is invoked when an
// incoming message's dynamic type matches T exactly.
func On[T Message, R any](
	s *StateBehavior[R],
	handler func(ctx context.Context, msg T) fn.Result[R],
) *StateBehavior[R] {

	s.base.cases = append(s.base.cases, newCaseEntry[T, R](handler))
	return s
}

// OnActive registers a typed case on whatever frame is currently active —
// the base frame before any Become, or the most recently pushed one
// afterward. Use this inside a Become call chain to populate the new
// frame's cases.
func OnActive[T Message, R any](
	s *StateBehavior[R],
	handler func(ctx context.Context, msg T) fn.Result[R],
) *StateBehavior[R] {

	s.activeFrame().cases = append(
		s.activeFrame().cases, newCaseEntry[T, R](handler),
	)
	return s
}

func newCaseEntry[T Message, R any](
	handler func(ctx context.Context, msg T) fn.Result[R],
) caseEntry[R] {

	return caseEntry[R]{
		msgType: reflect.TypeFor[T](),
		handle: func(ctx context.Context, msg Message) fn.Result[R] {
			typed, ok := msg.(T)
			if !ok {
				var zero R
				return fn.Ok(zero)
			}
			return handler(ctx, typed)
		},
	}
}

// After installs an inactivity timeout on the base frame: if no message
// arrives within d of this frame becoming active, handler runs in place of a
// Receive call, with a context derived from the actor's own lifecycle
// context (not any particular caller's). Each Become/Unbecome resets the
// timer for the newly active frame.
func (s *StateBehavior[R]) After(
	d time.Duration, handler func(ctx context.Context) fn.Result[R],
) *StateBehavior[R] {

	s.base.after = d
	s.base.afterFunc = handler
	return s
}

// Become pushes a new, empty frame onto the behavior stack and returns s so
// callers can chain OnActive registrations for the new state. Calling Become
// from inside a Case handler changes how subsequent messages are dispatched,
// and flags the dispatch so any envelopes previously set aside via Skip are
// retried against the new frame.
func (s *StateBehavior[R]) Become(ctx context.Context) *StateBehavior[R] {
	s.stack = append(s.stack, frame[R]{})
	notifyBecame(ctx)
	return s
}

// Unbecome pops the most recently pushed frame, reverting to the previous
// state. Unbecoming past the base frame is a no-op.
func (s *StateBehavior[R]) Unbecome(ctx context.Context) {
	if len(s.stack) == 0 {
		return
	}
	s.stack = s.stack[:len(s.stack)-1]
	notifyBecame(ctx)
}

// activeFrame returns the currently active frame: the top of the become
// stack if non-empty, otherwise the base frame registered via On.
func (s *StateBehavior[R]) activeFrame() *frame[R] {
	if len(s.stack) > 0 {
		return &s.stack[len(s.stack)-1]
	}
	return &s.base
}

// Timeout reports the inactivity timeout configured for the currently
// active frame, if any. It implements the actor package's internal
// timeoutBehavior interface, letting Actor.process poll for per-frame
// timeouts without a dedicated goroutine per actor.
func (s *StateBehavior[R]) Timeout() (time.Duration, bool) {
	f := s.activeFrame()
	if f.afterFunc == nil || f.after <= 0 {
		return 0, false
	}
	return f.after, true
}

// HandleTimeout invokes the active frame's timeout handler.
func (s *StateBehavior[R]) HandleTimeout(ctx context.Context) fn.Result[R] {
	f := s.activeFrame()
	if f.afterFunc == nil {
		var zero R
		return fn.Ok(zero)
	}
	return f.afterFunc(ctx)
}

// Receive implements ActorBehavior[Message, R].
func (s *StateBehavior[R]) Receive(
	ctx context.Context, msg Message,
) fn.Result[R] {

	f := s.activeFrame()
	msgType := reflect.TypeOf(msg)

	for _, c := range f.cases {
		if c.msgType == msgType {
			return c.handle(ctx, msg)
		}
	}

	switch s.policy {
	case PolicySkip:
		Skip(ctx)
		var zero R
		return fn.Ok(zero)

	case PolicyReflect:
		return fn.Err[R](unexpectedMessageErr(msg))

	case PolicyReflectAndQuit:
		Quit(ctx, relayerr.ExitReasonUnhandledException)
		return fn.Err[R](unexpectedMessageErr(msg))

	default:
		log.TraceS(ctx, "Dropping unmatched message",
			"msg_type", msg.MessageType())
		var zero R
		return fn.Ok(zero)
	}
}

func unexpectedMessageErr(msg Message) *relayerr.Error {
	return relayerr.New(relayerr.CodeUnexpectedMessage, msg.MessageType())
}

var _ ActorBehavior[Message, any] = (*StateBehavior[any])(nil)
