package actor

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/fn/v2"
	log "github.com/roasbeef/relay/internal/rlog"
)

// ErrNoCandidateForServiceKey indicates that an Ask issued through a router
// could not be dispatched because no actor is currently registered under the
// router's service key.
var ErrNoCandidateForServiceKey = fmt.Errorf(
	"no actor registered for service key",
)

// RoutingStrategy selects one actor reference from a set of candidates to
// receive the next message. Implementations must be safe for concurrent use,
// since a router's Tell/Ask may be called from many goroutines at once.
type RoutingStrategy[M Message, R any] interface {
	// Select picks one ref from refs for the next dispatch. refs is never
	// empty when Select is called.
	Select(refs []ActorRef[M, R]) ActorRef[M, R]
}

// roundRobinStrategy cycles through candidates in registration order,
// generalizing the atomic-counter round-robin used by the worker pool in
// internal/actorutil/pool.go to an arbitrary, possibly-changing set of
// receptionist registrations.
type roundRobinStrategy[M Message, R any] struct {
	counter atomic.Uint64
}

// NewRoundRobinStrategy returns a RoutingStrategy that distributes messages
// evenly across candidates in a round-robin fashion.
func NewRoundRobinStrategy[M Message, R any]() RoutingStrategy[M, R] {
	return &roundRobinStrategy[M, R]{}
}

func (s *roundRobinStrategy[M, R]) Select(refs []ActorRef[M, R]) ActorRef[M, R] {
	idx := s.counter.Add(1) - 1
	return refs[idx%uint64(len(refs))]
}

// router is a virtual ActorRef that looks up the current set of actors
// registered under a ServiceKey at send time and forwards to one of them via
// a RoutingStrategy. It never holds its own identity in the receptionist;
// calling Tell/Ask on a router re-resolves the candidate set every time, so
// actors joining or leaving the service key take effect immediately.
type router[M Message, R any] struct {
	id           string
	receptionist *Receptionist
	key          ServiceKey[M, R]
	strategy     RoutingStrategy[M, R]
	deadLetters  ActorRef[Message, any]
}

// NewRouter constructs a virtual ActorRef that load-balances across the
// actors currently registered with the receptionist under key.
func NewRouter[M Message, R any](
	r *Receptionist, key ServiceKey[M, R], strategy RoutingStrategy[M, R],
	deadLetters ActorRef[Message, any],
) ActorRef[M, R] {

	return &router[M, R]{
		id:           "router:" + key.name,
		receptionist: r,
		key:          key,
		strategy:     strategy,
		deadLetters:  deadLetters,
	}
}

func (rt *router[M, R]) ID() string {
	return rt.id
}

func (rt *router[M, R]) pick() (ActorRef[M, R], bool) {
	refs := FindInReceptionist(rt.receptionist, rt.key)
	if len(refs) == 0 {
		return nil, false
	}
	return rt.strategy.Select(refs), true
}

func (rt *router[M, R]) Tell(ctx context.Context, msg M) {
	ref, ok := rt.pick()
	if !ok {
		log.DebugS(ctx, "Router has no candidates, routing to DLO",
			"service_key", rt.key.name,
			"msg_type", msg.MessageType())

		if rt.deadLetters != nil {
			rt.deadLetters.Tell(ctx, msg)
		}
		return
	}

	ref.Tell(ctx, msg)
}

func (rt *router[M, R]) Ask(ctx context.Context, msg M) Future[R] {
	ref, ok := rt.pick()
	if !ok {
		promise := NewPromise[R]()
		promise.Complete(fn.Err[R](ErrNoCandidateForServiceKey))
		return promise.Future()
	}

	return ref.Ask(ctx, msg)
}

var _ ActorRef[Message, any] = (*router[Message, any])(nil)
