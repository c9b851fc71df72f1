package actor

import (
	"context"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// FunctionBehavior adapts a plain function into an ActorBehavior. This is the
// simplest way to give an actor a behavior when no become/unbecome state
// machine, timeouts, or pattern matching over multiple message cases is
// needed — the common case for small helper actors such as the dead letter
// office or test fixtures.
type FunctionBehavior[M Message, R any] struct {
	fn func(ctx context.Context, msg M) fn.Result[R]
}

// NewFunctionBehavior wraps fn as an ActorBehavior.
func NewFunctionBehavior[M Message, R any](
	fn func(ctx context.Context, msg M) fn.Result[R],
) *FunctionBehavior[M, R] {
	return &FunctionBehavior[M, R]{fn: fn}
}

// Receive implements ActorBehavior by delegating to the wrapped function.
func (f *FunctionBehavior[M, R]) Receive(
	ctx context.Context, msg M,
) fn.Result[R] {

	return f.fn(ctx, msg)
}

// Compile-time check that FunctionBehavior implements ActorBehavior.
var _ ActorBehavior[Message, any] = (*FunctionBehavior[Message, any])(nil)
