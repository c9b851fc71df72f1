package basp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roasbeef/relay/internal/baselib/actor"
)

func TestInstanceThreeWayHandshake(t *testing.T) {
	nodeA := mustNodeID(t, 1)
	nodeB := mustNodeID(t, 2)

	connector := NewInstance(nodeA, 1)
	acceptor := NewInstance(nodeB, 1)

	const connID ConnID = 1

	clientHS, _ := connector.OpenConnector(connID, false)
	acceptor.OpenAcceptor(connID, false)

	actions, err := acceptor.HandleFrame(connID, clientHS, nil)
	require.NoError(t, err)
	require.Len(t, actions, 2)

	send, ok := actions[0].(SendFrame)
	require.True(t, ok)
	require.Equal(t, OpServerHandshake, send.Header.Operation)

	ready, ok := actions[1].(ConnReady)
	require.True(t, ok)
	require.Equal(t, nodeA, ready.Node)

	path, ok := acceptor.Routing.Lookup(nodeA)
	require.True(t, ok)
	require.Equal(t, PathDirect, path.Kind)

	actions, err = connector.HandleFrame(connID, send.Header, send.Payload)
	require.NoError(t, err)
	require.Len(t, actions, 1)

	ready, ok = actions[0].(ConnReady)
	require.True(t, ok)
	require.Equal(t, nodeB, ready.Node)

	path, ok = connector.Routing.Lookup(nodeB)
	require.True(t, ok)
	require.Equal(t, PathDirect, path.Kind)
}

func TestInstanceHandshakeVersionMismatch(t *testing.T) {
	nodeA := mustNodeID(t, 1)
	nodeB := mustNodeID(t, 2)

	acceptor := NewInstance(nodeB, 2)
	const connID ConnID = 1
	acceptor.OpenAcceptor(connID, false)

	badHS := Header{
		Operation:  OpClientHandshake,
		OpData:     1,
		SourceNode: nodeA,
	}

	actions, err := acceptor.HandleFrame(connID, badHS, nil)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	_, ok := actions[0].(CloseConn)
	require.True(t, ok)
}

func TestInstanceDispatchLocalDelivery(t *testing.T) {
	nodeA := mustNodeID(t, 1)
	nodeB := mustNodeID(t, 2)

	a := NewInstance(nodeA, 1)
	b := NewInstance(nodeB, 1)
	const connID ConnID = 7

	clientHS, _ := a.OpenConnector(connID, false)
	b.OpenAcceptor(connID, false)

	actions, err := b.HandleFrame(connID, clientHS, nil)
	require.NoError(t, err)
	send := actions[0].(SendFrame)
	_, err = a.HandleFrame(connID, send.Header, send.Payload)
	require.NoError(t, err)

	dispatchActions, err := a.Dispatch(
		5, nodeB, 11, false, 0x1, nil, "example.Ping", []byte("payload"),
	)
	require.NoError(t, err)
	require.Len(t, dispatchActions, 1)
	frame := dispatchActions[0].(SendFrame)
	require.Equal(t, connID, frame.ConnID)

	delivered, err := b.HandleFrame(connID, frame.Header, frame.Payload)
	require.NoError(t, err)
	require.Len(t, delivered, 2)

	_, isProxy := delivered[0].(CreateProxy)
	require.True(t, isProxy)

	deliver, ok := delivered[1].(DeliverLocal)
	require.True(t, ok)
	require.Equal(t, WireActorID(11), deliver.DestActor)
	require.Equal(t, []byte("payload"), deliver.Body)
}

func TestInstanceDispatchNoRoute(t *testing.T) {
	a := NewInstance(mustNodeID(t, 1), 1)
	unknown := mustNodeID(t, 99)

	actions, err := a.Dispatch(1, unknown, 2, false, 1, nil, "example.Ping", []byte("x"))
	require.NoError(t, err)
	require.Len(t, actions, 1)

	unreachable, ok := actions[0].(NotifyUnreachable)
	require.True(t, ok)
	require.Equal(t, unknown, unreachable.DestNode)
}

func TestInstanceCloseConnectionRemovesRoutes(t *testing.T) {
	a := NewInstance(mustNodeID(t, 1), 1)
	node := mustNodeID(t, 2)
	const connID ConnID = 3

	a.Routing.SetDirect(node, connID)
	removed := a.CloseConnection(connID)
	require.Equal(t, []actor.NodeID{node}, removed)

	_, ok := a.Routing.Lookup(node)
	require.False(t, ok)
}
