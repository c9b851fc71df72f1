package middleman

import (
	"context"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"

	baseactor "github.com/roasbeef/relay/internal/baselib/actor"
	"github.com/roasbeef/relay/internal/relayerr"
)

// ConfigServName is the receptionist id every ConfigServ instance registers
// under, matching the named-system-actor convention BASP's three-way
// handshake uses to look up a node's published actor.
const ConfigServName = "ConfigServ"

// ConfigPutAddr records the address a node can be dialed directly at.
// Middleman.RemoteActor writes one after each successful handshake, and
// UpgradeIndirect reads them back; nothing removes an entry once recorded,
// since a node's dial address doesn't change mid-session.
type ConfigPutAddr struct {
	baseactor.BaseMessage
	Node baseactor.NodeID
	Host string
	Port int
}

func (ConfigPutAddr) MessageType() string { return "middleman.ConfigPutAddr" }

// ConfigGetAddr asks ConfigServ for the dial address of Node, if one has
// been recorded.
type ConfigGetAddr struct {
	baseactor.BaseMessage
	Node baseactor.NodeID
}

func (ConfigGetAddr) MessageType() string { return "middleman.ConfigGetAddr" }

// ConfigAddrReply is ConfigGetAddr's response, boxed in the uniform `any`
// StateBehavior uses for its Ask responses.
type ConfigAddrReply struct {
	Host  string
	Port  int
	Found bool
}

// ConfigServ is the key/value directory node->dial-address hints are stored
// under. It is the one named system actor (besides BASP itself) that the
// automatic connection-upgrade path depends on: a node reachable only
// indirectly has no dial address of its own to offer, so the upgrade helper
// consults this store — populated as addresses are learned elsewhere, e.g.
// by RemoteActor after a successful handshake — to find one.
type ConfigServ struct {
	addrs map[baseactor.NodeID]ConfigAddrReply
}

// NewConfigServ returns an empty ConfigServ.
func NewConfigServ() *ConfigServ {
	return &ConfigServ{addrs: make(map[baseactor.NodeID]ConfigAddrReply)}
}

// Behavior returns the StateBehavior driving this ConfigServ's actor.
func (c *ConfigServ) Behavior() *baseactor.StateBehavior[any] {
	sb := baseactor.NewStateBehavior[any]()
	baseactor.On(sb, c.handlePut)
	baseactor.On(sb, c.handleGet)
	return sb
}

func (c *ConfigServ) handlePut(
	_ context.Context, msg ConfigPutAddr,
) fn.Result[any] {

	c.addrs[msg.Node] = ConfigAddrReply{
		Host: msg.Host, Port: msg.Port, Found: true,
	}
	return fn.Ok[any](nil)
}

func (c *ConfigServ) handleGet(
	_ context.Context, msg ConfigGetAddr,
) fn.Result[any] {

	reply, ok := c.addrs[msg.Node]
	if !ok {
		return fn.Ok[any](ConfigAddrReply{Found: false})
	}
	return fn.Ok[any](reply)
}

// registerNamedServers wires BASP's sibling named system actors into sys:
// configServ with a real directory behind it, and SpawnServ/StreamServ/
// PeerServ as stubs that answer any request with relayerr.ErrNotImplemented.
// Those three cover remote spawning, stream aggregation and peer discovery,
// none of which this implementation's scope extends to; registering them
// under their well-known names means code written against the full named-
// actor set gets a clean not-implemented error instead of an unresolvable
// lookup.
func registerNamedServers(
	sys *baseactor.ActorSystem, configServ *ConfigServ,
) baseactor.ActorRef[baseactor.Message, any] {

	configKey := baseactor.NewServiceKey[baseactor.Message, any](ConfigServName)
	configRef := baseactor.RegisterWithSystem(
		sys, ConfigServName, configKey, configServ.Behavior(),
	)

	for _, name := range []string{"SpawnServ", "StreamServ", "PeerServ"} {
		key := baseactor.NewServiceKey[baseactor.Message, any](name)
		baseactor.RegisterWithSystem(sys, name, key, notImplementedBehavior())
	}

	return configRef
}

func notImplementedBehavior() *baseactor.FunctionBehavior[baseactor.Message, any] {
	return baseactor.NewFunctionBehavior(
		func(_ context.Context, _ baseactor.Message) fn.Result[any] {
			return fn.Err[any](relayerr.ErrNotImplemented)
		},
	)
}
