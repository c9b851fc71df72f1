package actorutil

import (
	"context"
	"errors"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/roasbeef/relay/internal/baselib/actor"
	"github.com/roasbeef/relay/internal/relayerr"
)

// RequestTimeout sends msg to ref via Ask and blocks until a response
// arrives or timeout elapses. A deadline exceeded error is normalized to
// relayerr.ErrRequestTimeout so callers can match it with errors.Is
// regardless of whether the timeout was caused by this helper's own
// deadline or one already present on ctx.
func RequestTimeout[M actor.Message, R any](
	ctx context.Context, ref actor.ActorRef[M, R], msg M, timeout time.Duration,
) (R, error) {

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	future := ref.Ask(waitCtx, msg)
	result := future.Await(waitCtx)

	val, err := result.Unpack()
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		var zero R
		return zero, relayerr.ErrRequestTimeout
	}

	return val, err
}

// RequestMonitored is like RequestTimeout, but additionally races the Ask
// against a Monitor registration on the target actor: if the target
// terminates before it replies, the request fails fast with
// relayerr.ErrRequestReceiverDown instead of waiting out the full timeout.
// This requires an ActorSystem so the monitor's DownMessage notification has
// somewhere to land; a small scratch actor is spawned to receive it and
// torn down once the request completes.
func RequestMonitored[M actor.Message, R any](
	ctx context.Context, sys *actor.ActorSystem, target actor.BaseActorRef,
	ref actor.ActorRef[M, R], msg M, timeout time.Duration,
) (R, error) {

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	downCh := make(chan *relayerr.Error, 1)
	watcherKey := actor.NewServiceKey[actor.Message, any](
		"request-monitor-scratch",
	)
	watcher := actor.RegisterWithSystem(
		sys, "request-monitor-"+target.ID(), watcherKey,
		actor.NewFunctionBehavior(
			func(_ context.Context, m actor.Message) fn.Result[any] {
				if down, ok := m.(actor.DownMessage); ok {
					select {
					case downCh <- down.Reason:
					default:
					}
				}
				return fn.Ok[any](nil)
			},
		),
	)
	defer sys.StopAndRemoveActor(watcher.ID())

	sys.Monitor(waitCtx, watcher, target)
	defer sys.Demonitor(watcher, target)

	future := ref.Ask(waitCtx, msg)
	resultCh := make(chan fn.Result[R], 1)
	go func() {
		resultCh <- future.Await(waitCtx)
	}()

	select {
	case result := <-resultCh:
		val, err := result.Unpack()
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			var zero R
			return zero, relayerr.ErrRequestTimeout
		}
		if err != nil && waitCtx.Err() == nil &&
			(errors.Is(err, context.Canceled) ||
				errors.Is(err, actor.ErrActorTerminated)) {

			var zero R
			return zero, relayerr.ErrRequestReceiverDown
		}
		return val, err

	case <-downCh:
		var zero R
		return zero, relayerr.ErrRequestReceiverDown

	case <-waitCtx.Done():
		var zero R
		return zero, relayerr.ErrRequestTimeout
	}
}
