package broker

import (
	"context"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"

	baseactor "github.com/roasbeef/relay/internal/baselib/actor"
	"github.com/roasbeef/relay/internal/basp"
	"github.com/roasbeef/relay/internal/transport"
	"github.com/roasbeef/relay/internal/wire"
)

type pingMsg struct {
	baseactor.BaseMessage
	Text string
}

func (pingMsg) MessageType() string { return "broker_test.pingMsg" }

func mustNode(t *testing.T, processID uint32) baseactor.NodeID {
	t.Helper()
	n, err := baseactor.NewNodeID(processID)
	require.NoError(t, err)
	return n
}

func newTestBroker(
	t *testing.T, sys *baseactor.ActorSystem, registry *transport.TestRegistry,
	addr string, node baseactor.NodeID,
) (*Broker, baseactor.ActorRef[baseactor.Message, any]) {

	t.Helper()

	mux := transport.NewTestMultiplexer(registry, addr)
	ser := wire.NewBinarySerializer()
	ser.Register(pingMsg{}.MessageType(), pingMsg{})

	inst := basp.NewInstance(node, 1)
	b := New(sys, mux, inst, ser)

	key := baseactor.NewServiceKey[baseactor.Message, any]("broker-" + addr)
	ref := baseactor.RegisterWithSystem(sys, "broker-"+addr, key, b.Behavior())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go RunEventLoop(ctx, ref, mux)

	return b, ref
}

func TestBrokerHandshakeAndDispatch(t *testing.T) {
	sys := baseactor.NewActorSystem()
	t.Cleanup(func() {
		_ = sys.Shutdown(context.Background())
	})

	registry := transport.NewTestRegistry()
	nodeA := mustNode(t, 1)
	nodeB := mustNode(t, 2)

	brokerA, _ := newTestBroker(t, sys, registry, "node-a:0", nodeA)
	brokerB, _ := newTestBroker(t, sys, registry, "node-b:0", nodeB)

	ctx := context.Background()
	_, err := brokerB.Listen(ctx, "", 0, false, false)
	require.NoError(t, err)

	destKey := baseactor.NewServiceKey[baseactor.Message, any]("remote-actor")
	received := make(chan pingMsg, 1)
	baseactor.RegisterWithSystem(sys, "remote-actor", destKey,
		baseactor.NewFunctionBehavior(
			func(_ context.Context, msg baseactor.Message) fn.Result[any] {
				if deliver, ok := msg.(LocalDeliver); ok {
					if ping, ok := deliver.Body.(pingMsg); ok {
						received <- ping
					}
				}
				return fn.Ok[any](nil)
			},
		),
	)
	destWire := brokerB.RegisterLocalActor("remote-actor")

	require.NoError(t, brokerA.Connect(ctx, "node-b", 0, false))

	require.Eventually(t, func() bool {
		_, ok := brokerA.inst.Routing.Lookup(nodeB)
		return ok
	}, time.Second, time.Millisecond)

	err = brokerA.Send(
		ctx, "local-sender", nodeB, destWire, false, 1, pingMsg{Text: "hi"},
	)
	require.NoError(t, err)

	select {
	case ping := <-received:
		require.Equal(t, "hi", ping.Text)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatched message")
	}
}

// TestBrokerSendHeartbeats confirms heartbeat frames are written to every
// ready connection on each tick, and that OpHeartbeat round-trips through
// the peer's basp.Instance without tearing down the connection or requiring
// a reply.
func TestBrokerSendHeartbeats(t *testing.T) {
	sys := baseactor.NewActorSystem()
	t.Cleanup(func() {
		_ = sys.Shutdown(context.Background())
	})

	registry := transport.NewTestRegistry()
	nodeA := mustNode(t, 1)
	nodeB := mustNode(t, 2)

	brokerA, _ := newTestBroker(t, sys, registry, "node-a:0", nodeA)
	brokerB, _ := newTestBroker(t, sys, registry, "node-b:0", nodeB)

	ctx := context.Background()
	_, err := brokerB.Listen(ctx, "", 0, false, false)
	require.NoError(t, err)

	_, err = brokerA.ConnectAndAwait(ctx, "node-b", 0, false)
	require.NoError(t, err)

	require.Len(t, brokerA.inst.ReadyConnections(), 1)

	hbCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = brokerA.SendHeartbeats(hbCtx, 5*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The connection must have survived the heartbeat traffic.
	require.Len(t, brokerA.inst.ReadyConnections(), 1)
}
