package actorutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"

	"github.com/roasbeef/relay/internal/baselib/actor"
	"github.com/roasbeef/relay/internal/relayerr"
)

type pingMsg struct {
	actor.BaseMessage
	reply string
	delay time.Duration
}

func (pingMsg) MessageType() string { return "actorutil_test.pingMsg" }

func newPingActor(
	sys *actor.ActorSystem, id string,
) actor.ActorRef[actor.Message, any] {

	key := actor.NewServiceKey[actor.Message, any](id)
	return actor.RegisterWithSystem(sys, id, key,
		actor.NewFunctionBehavior(
			func(ctx context.Context, msg actor.Message) fn.Result[any] {
				ping, ok := msg.(pingMsg)
				if !ok {
					return fn.Ok[any](nil)
				}
				if ping.delay > 0 {
					select {
					case <-time.After(ping.delay):
					case <-ctx.Done():
						return fn.Err[any](ctx.Err())
					}
				}
				return fn.Ok[any](ping.reply)
			},
		),
	)
}

// TestRequestTimeoutSuccess exercises the ordinary reply-before-deadline
// path of the universal request invariant: exactly one of
// {success, error, timeout, receiver-down} applies to a given request, and
// here it's success.
func TestRequestTimeoutSuccess(t *testing.T) {
	sys := actor.NewActorSystem()
	t.Cleanup(func() { _ = sys.Shutdown(context.Background()) })

	ref := newPingActor(sys, "ping-success")

	val, err := RequestTimeout(
		context.Background(), ref, pingMsg{reply: "pong"}, time.Second,
	)
	require.NoError(t, err)
	require.Equal(t, "pong", val)
}

// TestRequestTimeoutExceeded covers the timeout branch of the invariant: a
// handler that outlives the deadline must produce relayerr.ErrRequestTimeout,
// not a bare context.DeadlineExceeded, so callers can match it uniformly
// regardless of whether the deadline came from this helper or from ctx.
func TestRequestTimeoutExceeded(t *testing.T) {
	sys := actor.NewActorSystem()
	t.Cleanup(func() { _ = sys.Shutdown(context.Background()) })

	ref := newPingActor(sys, "ping-timeout")

	_, err := RequestTimeout(
		context.Background(), ref,
		pingMsg{reply: "pong", delay: 200 * time.Millisecond},
		20*time.Millisecond,
	)
	require.Error(t, err)
	require.True(t, errors.Is(err, relayerr.ErrRequestTimeout))
}

// TestRequestMonitoredReceiverDown covers the receiver-down branch: a target
// actor that terminates mid-request must fail the caller fast with
// relayerr.ErrRequestReceiverDown rather than waiting out the full timeout.
func TestRequestMonitoredReceiverDown(t *testing.T) {
	sys := actor.NewActorSystem()
	t.Cleanup(func() { _ = sys.Shutdown(context.Background()) })

	ref := newPingActor(sys, "ping-down")

	go func() {
		time.Sleep(20 * time.Millisecond)
		sys.StopAndRemoveActor("ping-down")
	}()

	start := time.Now()
	_, err := RequestMonitored(
		context.Background(), sys, ref, ref,
		pingMsg{reply: "pong", delay: 5 * time.Second},
		5*time.Second,
	)
	elapsed := time.Since(start)

	require.Error(t, err)
	require.True(t, errors.Is(err, relayerr.ErrRequestReceiverDown))
	require.Less(t, elapsed, time.Second)
}

// TestRequestMonitoredSuccess covers the ordinary success path when a
// monitor is also in play, confirming RequestMonitored doesn't change
// behavior for a request that simply completes normally.
func TestRequestMonitoredSuccess(t *testing.T) {
	sys := actor.NewActorSystem()
	t.Cleanup(func() { _ = sys.Shutdown(context.Background()) })

	ref := newPingActor(sys, "ping-monitored-success")

	val, err := RequestMonitored(
		context.Background(), sys, ref, ref,
		pingMsg{reply: "pong"}, time.Second,
	)
	require.NoError(t, err)
	require.Equal(t, "pong", val)
}
