package middleman

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	baseactor "github.com/roasbeef/relay/internal/baselib/actor"
	"github.com/roasbeef/relay/internal/relayerr"
)

func TestConfigServPutGet(t *testing.T) {
	sys := baseactor.NewActorSystem()
	t.Cleanup(func() { _ = sys.Shutdown(context.Background()) })

	configServ := NewConfigServ()
	configRef := registerNamedServers(sys, configServ)

	node, err := baseactor.NewNodeID(5)
	require.NoError(t, err)

	ctx := context.Background()

	configRef.Tell(ctx, ConfigPutAddr{Node: node, Host: "peer", Port: 4040})

	future := configRef.Ask(ctx, ConfigGetAddr{Node: node})
	result := future.Await(ctx)
	val, err := result.Unpack()
	require.NoError(t, err)

	reply, ok := val.(ConfigAddrReply)
	require.True(t, ok)
	require.True(t, reply.Found)
	require.Equal(t, "peer", reply.Host)
	require.Equal(t, 4040, reply.Port)
}

func TestConfigServGetUnknownNode(t *testing.T) {
	sys := baseactor.NewActorSystem()
	t.Cleanup(func() { _ = sys.Shutdown(context.Background()) })

	configRef := registerNamedServers(sys, NewConfigServ())

	node, err := baseactor.NewNodeID(9)
	require.NoError(t, err)

	ctx := context.Background()
	future := configRef.Ask(ctx, ConfigGetAddr{Node: node})
	val, err := future.Await(ctx).Unpack()
	require.NoError(t, err)

	reply, ok := val.(ConfigAddrReply)
	require.True(t, ok)
	require.False(t, reply.Found)
}

// TestStubNamedServersReturnNotImplemented confirms SpawnServ/StreamServ/
// PeerServ are registered and answer any request with ErrNotImplemented,
// rather than being silently absent from the receptionist.
func TestStubNamedServersReturnNotImplemented(t *testing.T) {
	sys := baseactor.NewActorSystem()
	t.Cleanup(func() { _ = sys.Shutdown(context.Background()) })

	registerNamedServers(sys, NewConfigServ())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for _, name := range []string{"SpawnServ", "StreamServ", "PeerServ"} {
		key := baseactor.NewServiceKey[baseactor.Message, any](name)
		refs := baseactor.FindInReceptionist(sys.Receptionist(), key)
		require.Lenf(t, refs, 1, "expected %s registered", name)

		_, err := refs[0].Ask(ctx, ConfigGetAddr{}).Await(ctx).Unpack()
		require.ErrorIs(t, err, relayerr.ErrNotImplemented)
	}
}
