package actor

import (
	"context"
	"sync/atomic"

	"github.com/roasbeef/relay/internal/relayerr"
)

// dispatchControl is a per-dispatch side channel threaded through the
// context passed to ActorBehavior.Receive. It lets a handler request a
// directive — quit or skip — without changing the shape of
// ActorBehavior.Receive's return value, which stays a plain fn.Result[R] so
// the reply synthesized for an Ask is exactly what the handler computed.
//
// This stands in for CAF's handler_result sum type (spec.md §9 Design
// Notes): {continue, become, become_kept, unbecome, skip, quit(reason)}.
// become/unbecome are handled entirely inside StateBehavior's own mutable
// stack and never need to reach the actor's process loop; skip and quit do,
// because only the process loop can re-stash a mailbox element or tear down
// the actor.
type dispatchControl struct {
	quit   atomic.Pointer[relayerr.Error]
	skip   atomic.Bool
	became atomic.Bool
}

type dispatchControlKey struct{}

func withDispatchControl(
	ctx context.Context, dc *dispatchControl,
) context.Context {

	return context.WithValue(ctx, dispatchControlKey{}, dc)
}

func dispatchControlFrom(ctx context.Context) (*dispatchControl, bool) {
	dc, ok := ctx.Value(dispatchControlKey{}).(*dispatchControl)
	return dc, ok
}

// Quit requests that the actor processing the current message terminate
// with the given exit reason once this handler invocation returns. The
// handler's return value (if any) is still delivered to an Ask caller
// before the actor tears down.
func Quit(ctx context.Context, reason *relayerr.Error) {
	if dc, ok := dispatchControlFrom(ctx); ok {
		dc.quit.Store(reason)
	}
}

// Skip requests that the current mailbox element be left for a later
// behavior (installed via Become) to handle, rather than being considered
// processed by the currently active one. Skipped elements are retried, in
// order, the next time the actor's behavior changes.
func Skip(ctx context.Context) {
	if dc, ok := dispatchControlFrom(ctx); ok {
		dc.skip.Store(true)
	}
}

// notifyBecame marks that the active behavior changed during this dispatch,
// prompting the process loop to retry any previously skipped envelopes
// against the new behavior. Called by StateBehavior's Become/Unbecome.
func notifyBecame(ctx context.Context) {
	if dc, ok := dispatchControlFrom(ctx); ok {
		dc.became.Store(true)
	}
}
