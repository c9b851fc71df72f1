// Package middleman exposes the per-process singleton facade over the BASP
// broker: publish/unpublish a local actor for remote access, connect to a
// remote actor, and look up named actors on other nodes.
package middleman

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/roasbeef/relay/internal/actorutil"
	baseactor "github.com/roasbeef/relay/internal/baselib/actor"
	"github.com/roasbeef/relay/internal/basp"
	"github.com/roasbeef/relay/internal/broker"
	"github.com/roasbeef/relay/internal/relayerr"
	log "github.com/roasbeef/relay/internal/rlog"
	"github.com/roasbeef/relay/internal/transport"
	"github.com/roasbeef/relay/internal/wire"
)

// RemoteHandle is a strong handle to an actor reachable on another node: the
// information needed to address it in a Dispatch/Send call.
type RemoteHandle struct {
	Node baseactor.NodeID
	ID   basp.WireActorID
}

type proxyKey struct {
	node baseactor.NodeID
	id   basp.WireActorID
}

func (k proxyKey) actorID() string {
	return fmt.Sprintf("proxy:%s:%d", k.node, k.id)
}

// Middleman is the per-process singleton for publishing and reaching remote
// actors. It owns exactly one Broker (and so exactly one basp.Instance and
// one transport.Multiplexer); user code never talks to those directly.
type Middleman struct {
	sys    *baseactor.ActorSystem
	broker *broker.Broker
	mux    transport.Multiplexer

	configServ *ConfigServ
	configRef  baseactor.ActorRef[baseactor.Message, any]

	mu        sync.Mutex
	published map[int]string // bound port -> published actor id
	proxies   map[proxyKey]baseactor.ActorRef[baseactor.Message, any]
}

// New constructs a Middleman bound to localNode, using mux for transport and
// ser for payload (de)serialization.
func New(
	sys *baseactor.ActorSystem, mux transport.Multiplexer,
	localNode baseactor.NodeID, version uint64, ser wire.Serializer,
) *Middleman {

	inst := basp.NewInstance(localNode, version)
	b := broker.New(sys, mux, inst, ser)

	key := baseactor.NewServiceKey[baseactor.Message, any]("BASP")
	ref := baseactor.RegisterWithSystem(sys, "BASP", key, b.Behavior())

	go broker.RunEventLoop(context.Background(), ref, mux)

	configServ := NewConfigServ()
	configRef := registerNamedServers(sys, configServ)

	m := &Middleman{
		sys:        sys,
		broker:     b,
		mux:        mux,
		configServ: configServ,
		configRef:  configRef,
		published:  make(map[int]string),
		proxies:    make(map[proxyKey]baseactor.ActorRef[baseactor.Message, any]),
	}
	b.SetProxyHooks(m.spawnProxy, m.terminateProxy)

	return m
}

// spawnProxy instantiates a local forwarding stand-in for (node, id) if one
// doesn't already exist, registering it with the ActorSystem like any other
// actor so local code can Monitor/Link against it exactly as it would a
// local actor reference.
func (m *Middleman) spawnProxy(node baseactor.NodeID, id basp.WireActorID) {
	key := proxyKey{node: node, id: id}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.proxies[key]; ok {
		return
	}

	actorID := key.actorID()
	behavior := baseactor.NewFunctionBehavior(
		func(ctx context.Context, msg baseactor.Message) fn.Result[any] {
			err := m.broker.Send(ctx, actorID, node, id, false, 0, msg)
			if err != nil {
				log.ErrorS(ctx, "forwarding message through proxy", err,
					"proxy", actorID)
			}
			return fn.Ok[any](nil)
		},
	)

	svcKey := baseactor.NewServiceKey[baseactor.Message, any](actorID)
	ref := baseactor.RegisterWithSystem(m.sys, actorID, svcKey, behavior)
	m.proxies[key] = ref
}

// terminateProxy stops the proxy actor for (node, id), if one exists, with
// reason — cascading the usual monitor/link notifications through the
// ActorSystem's lifecycle hub exactly as a locally-initiated stop would.
func (m *Middleman) terminateProxy(
	node baseactor.NodeID, id basp.WireActorID, reason error,
) {
	key := proxyKey{node: node, id: id}

	m.mu.Lock()
	_, ok := m.proxies[key]
	delete(m.proxies, key)
	m.mu.Unlock()

	if !ok {
		return
	}

	exitReason, ok := reason.(*relayerr.Error)
	if !ok {
		exitReason = relayerr.NewExit(relayerr.ExitRemoteLinkUnreachable, reason)
	}

	m.sys.StopActorWithReason(key.actorID(), exitReason)
}

// Publish exposes actorID (already registered with the ActorSystem's
// receptionist under a service key matching its own id) on port, returning
// the port actually bound.
func (m *Middleman) Publish(
	ctx context.Context, actorID string, port int, reuseAddr bool,
) (int, error) {

	bound, err := m.broker.Listen(ctx, "", port, reuseAddr, false)
	if err != nil {
		return 0, err
	}

	wireID := m.broker.RegisterLocalActor(actorID)
	m.broker.SetPublishedActor(func() (basp.WireActorID, bool) {
		return wireID, true
	})

	m.mu.Lock()
	m.published[bound] = actorID
	m.mu.Unlock()

	return bound, nil
}

// Unpublish forgets the actor recorded as published at port. It does not
// close the listener bound by Publish, and the broker keeps offering the
// same actor in the handshakes of later connections.
func (m *Middleman) Unpublish(port int) error {
	m.mu.Lock()
	_, ok := m.published[port]
	delete(m.published, port)
	m.mu.Unlock()

	if !ok {
		return relayerr.New(
			relayerr.CodeNoActorPublishedAtPort, port,
		)
	}

	return nil
}

// RemoteActor connects to host:port and blocks until the three-way
// handshake completes, returning a strong handle to the actor the peer
// advertised as published at that address. If the peer completed the
// handshake but published nothing, or ctx is cancelled first, it returns
// relayerr.ErrCannotConnectToNode.
func (m *Middleman) RemoteActor(
	ctx context.Context, host string, port int,
) (RemoteHandle, error) {

	result, err := m.broker.ConnectAndAwait(ctx, host, port, false)
	if err != nil {
		return RemoteHandle{}, relayerr.New(
			relayerr.CodeCannotConnectToNode, err,
		)
	}
	if !result.HasPublished {
		return RemoteHandle{}, relayerr.ErrCannotConnectToNode
	}

	m.configRef.Tell(ctx, ConfigPutAddr{
		Node: result.Node, Host: host, Port: port,
	})

	return RemoteHandle{Node: result.Node, ID: result.PublishedActor}, nil
}

// UpgradeIndirect scans the broker's routing table for nodes currently
// reachable only through a neighbor and, for each one this process has a
// recorded dial address for in ConfigServ, attempts a direct connection —
// the automatic connection-upgrade path spec.md §4.5 describes. A node with
// no recorded address (nothing has ever dialed it directly, including by
// this helper) is left indirect; a failed dial is logged and left for the
// next call rather than retried inline. Intended to be called periodically
// by whatever owns the Middleman's lifecycle, alongside Broker.SendHeartbeats.
func (m *Middleman) UpgradeIndirect(ctx context.Context, queryTimeout time.Duration) {
	for _, node := range m.broker.Inst().Routing.IndirectNodes() {
		reply, err := actorutil.RequestTimeout[baseactor.Message, any](
			ctx, m.configRef, ConfigGetAddr{Node: node}, queryTimeout,
		)
		if err != nil {
			log.DebugS(ctx, "Querying ConfigServ for upgrade address failed",
				"node", node.String(), "err", err)
			continue
		}

		addr, ok := reply.(ConfigAddrReply)
		if !ok || !addr.Found {
			continue
		}

		if _, err := m.broker.ConnectAndAwait(
			ctx, addr.Host, addr.Port, false,
		); err != nil {
			log.DebugS(ctx, "Automatic direct-connection upgrade failed",
				"node", node.String(), "err", err)
		}
	}
}

// RemoteLookup returns a handle to a named actor on node. The name is
// resolved into the wire actor-id space via basp.NamedActorID, and any
// Send through the returned handle must be made with named set, which marks
// the frame as addressed to a named receiver. The receiving broker has no
// separate named-actor registry: it looks the id up in the same local actor
// table as any other dispatch and drops the frame if that table has no
// entry for it.
func (m *Middleman) RemoteLookup(
	node baseactor.NodeID, name string,
) (RemoteHandle, error) {

	return RemoteHandle{Node: node, ID: basp.NamedActorID(name)}, nil
}

// Send dispatches body to the remote actor identified by handle, tagging
// the frame as addressed to a named receiver when named is true. named must
// be true for any handle produced by RemoteLookup.
func (m *Middleman) Send(
	ctx context.Context, srcActorID string, handle RemoteHandle,
	named bool, messageID uint64, body baseactor.Message,
) error {

	return m.broker.Send(
		ctx, srcActorID, handle.Node, handle.ID, named, messageID, body,
	)
}

// Broker returns the underlying broker, for components (e.g. the control
// plane) that need lower-level access than the publish/connect/send facade
// provides.
func (m *Middleman) Broker() *broker.Broker {
	return m.broker
}

// ConfigServRef returns a reference to this process's ConfigServ actor, for
// callers (e.g. a connectivity-hint populator, or the scenario runner) that
// need to seed or query it directly rather than through UpgradeIndirect.
func (m *Middleman) ConfigServRef() baseactor.ActorRef[baseactor.Message, any] {
	return m.configRef
}
