package basp

import (
	"fmt"

	"github.com/roasbeef/relay/internal/baselib/actor"
	"github.com/roasbeef/relay/internal/relayerr"
)

// ConnState is the state of one peer connection's handshake.
type ConnState int

const (
	StateAwaitHeader ConnState = iota
	StateAwaitPayload
	StateHandshakePending
	StateReady
	StateClosed
)

// connEntry is everything the Instance tracks about one transport
// endpoint. Byte-level framing (accumulating header bytes, then payload
// bytes) is left to the broker/transport layer, which calls Instance once
// it has a complete Header and payload; connEntry only tracks handshake
// and peer-identity state.
type connEntry struct {
	state      ConnState
	remoteNode actor.NodeID
	datagram   bool
}

// Action is something the caller (the BASP broker actor) must do as a
// result of feeding a frame or command into the Instance: write bytes to a
// connection, close one, deliver a message to a local actor, or fail a
// pending request. Instance never touches a transport or actor mailbox
// directly, which keeps it unit-testable without either.
type Action interface {
	baspAction()
}

// SendFrame instructs the caller to write header+payload to connID.
type SendFrame struct {
	ConnID  ConnID
	Header  Header
	Payload []byte
}

func (SendFrame) baspAction() {}

// CloseConn instructs the caller to tear down connID's transport.
type CloseConn struct {
	ConnID ConnID
	Reason *relayerr.Error
}

func (CloseConn) baspAction() {}

// DeliverLocal instructs the caller to enqueue a decoded message onto a
// local actor's mailbox.
type DeliverLocal struct {
	DestActor     WireActorID
	NamedReceiver bool
	SourceNode    actor.NodeID
	SourceActor   WireActorID
	MessageID     uint64
	ForwardingSeq []actor.NodeID
	TypeName      string
	Body          []byte
}

func (DeliverLocal) baspAction() {}

// NotifyUnreachable instructs the caller to synthesize a down-message for
// a local actor because dispatch to node failed (no path, or connection
// closed before delivery).
type NotifyUnreachable struct {
	SourceActor WireActorID
	DestNode    actor.NodeID
	DestActor   WireActorID
	Reason      *relayerr.Error
}

func (NotifyUnreachable) baspAction() {}

// CreateProxy instructs the caller to instantiate a local proxy for
// (node, id) if one doesn't already exist, and register it with the
// ProxyRegistry.
type CreateProxy struct {
	Node actor.NodeID
	ID   WireActorID
}

func (CreateProxy) baspAction() {}

// TerminateProxy instructs the caller to terminate the local proxy for
// (node, id) with reason, cascading the usual link/monitor fan-out.
type TerminateProxy struct {
	Node   actor.NodeID
	ID     WireActorID
	Reason *relayerr.Error
}

func (TerminateProxy) baspAction() {}

// ConnReady instructs the caller that connID's handshake has completed and
// Node is now reachable directly over it. If the peer advertised a
// published actor in its handshake payload, HasPublished is true and
// PublishedActor names it — this is how a client-side Connect discovers the
// wire id of the actor it asked to reach by host:port.
type ConnReady struct {
	ConnID         ConnID
	Node           actor.NodeID
	HasPublished   bool
	PublishedActor WireActorID
}

func (ConnReady) baspAction() {}

// Instance is the transport-agnostic BASP protocol core: one per broker,
// shared across every connection that broker owns. It holds the routing
// table and proxy registry and drives the three-way handshake and dispatch
// logic described by the wire format in header.go.
type Instance struct {
	LocalNode actor.NodeID
	Version   uint64

	Routing *RoutingTable
	Proxies *ProxyRegistry

	// PublishedActor, if set, is advertised to connecting peers in the
	// server-handshake payload.
	PublishedActor func() (WireActorID, bool)

	conns map[ConnID]*connEntry
}

// NewInstance constructs an Instance for localNode, running protocol
// version.
func NewInstance(localNode actor.NodeID, version uint64) *Instance {
	return &Instance{
		LocalNode: localNode,
		Version:   version,
		Routing:   NewRoutingTable(),
		Proxies:   NewProxyRegistry(),
		conns:     make(map[ConnID]*connEntry),
	}
}

// OpenConnector registers a new outbound connection and returns the
// client-handshake frame to send on it.
func (in *Instance) OpenConnector(connID ConnID, datagram bool) (Header, []byte) {
	in.conns[connID] = &connEntry{
		state:    StateHandshakePending,
		datagram: datagram,
	}

	h := Header{
		Operation:  OpClientHandshake,
		OpData:     in.Version,
		SourceNode: in.LocalNode,
	}
	return h, nil
}

// OpenAcceptor registers a newly accepted inbound connection, awaiting the
// connector's client-handshake.
func (in *Instance) OpenAcceptor(connID ConnID, datagram bool) {
	in.conns[connID] = &connEntry{
		state:    StateAwaitHeader,
		datagram: datagram,
	}
}

// HandleFrame feeds one fully-framed header+payload received on connID
// into the protocol core, returning the actions the caller must take.
func (in *Instance) HandleFrame(
	connID ConnID, h Header, payload []byte,
) ([]Action, error) {

	conn, ok := in.conns[connID]
	if !ok {
		return nil, fmt.Errorf("basp: frame on unknown connection %d", connID)
	}
	if conn.state == StateClosed {
		return nil, nil
	}

	switch h.Operation {
	case OpClientHandshake:
		return in.handleClientHandshake(connID, conn, h)

	case OpServerHandshake:
		return in.handleServerHandshake(connID, conn, h, payload)

	case OpHeartbeat:
		// A heartbeat carries no payload and needs no reply; its only
		// purpose is to keep an otherwise-idle connection's transport
		// from being reclaimed as dead. Broker.SendHeartbeats is what
		// actually originates these on a schedule.
		return nil, nil

	case OpDispatchMessage:
		if conn.state != StateReady && conn.state != StateHandshakePending {
			return in.reject(connID, conn, relayerr.ErrCannotConnectToNode)
		}
		return in.handleDispatch(connID, h, payload)

	case OpAnnounceProxy:
		in.Proxies.AddWatcher(h.DestActor, h.SourceNode)
		return nil, nil

	case OpKillProxy:
		return []Action{
			TerminateProxy{
				Node:   h.SourceNode,
				ID:     h.SourceActor,
				Reason: relayerr.NewExit(relayerr.Code(h.OpData), nil),
			},
		}, nil

	default:
		return in.reject(connID, conn, relayerr.New(
			relayerr.CodeInvalidArgument, "unknown basp operation",
		))
	}
}

func (in *Instance) reject(
	connID ConnID, conn *connEntry, reason *relayerr.Error,
) ([]Action, error) {

	conn.state = StateClosed
	return []Action{CloseConn{ConnID: connID, Reason: reason}}, nil
}

func (in *Instance) handleClientHandshake(
	connID ConnID, conn *connEntry, h Header,
) ([]Action, error) {

	if h.OpData != in.Version {
		return in.reject(connID, conn, relayerr.New(
			relayerr.CodeCannotConnectToNode, "basp version mismatch",
		))
	}
	if h.SourceNode == in.LocalNode {
		return in.reject(connID, conn, relayerr.New(
			relayerr.CodeCannotConnectToNode, "peer claimed our node id",
		))
	}

	conn.remoteNode = h.SourceNode
	conn.state = StateReady
	in.Routing.SetDirect(h.SourceNode, connID)

	published, hasPublished := WireActorID(0), false
	if in.PublishedActor != nil {
		published, hasPublished = in.PublishedActor()
	}

	payload := EncodeHandshakePayload(HandshakePayload{
		HasPublishedActor: hasPublished,
		PublishedActorID:  published,
	})

	resp := Header{
		Operation:  OpServerHandshake,
		OpData:     in.Version,
		SourceNode: in.LocalNode,
		DestNode:   h.SourceNode,
		PayloadLen: uint32(len(payload)),
	}

	return []Action{
		SendFrame{ConnID: connID, Header: resp, Payload: payload},
		ConnReady{ConnID: connID, Node: h.SourceNode},
	}, nil
}

func (in *Instance) handleServerHandshake(
	connID ConnID, conn *connEntry, h Header, payload []byte,
) ([]Action, error) {

	if h.OpData != in.Version {
		return in.reject(connID, conn, relayerr.New(
			relayerr.CodeCannotConnectToNode, "basp version mismatch",
		))
	}

	conn.remoteNode = h.SourceNode
	conn.state = StateReady
	in.Routing.SetDirect(h.SourceNode, connID)

	hp, err := DecodeHandshakePayload(payload)
	if err != nil {
		return in.reject(connID, conn, relayerr.New(
			relayerr.CodeInvalidArgument, err.Error(),
		))
	}

	actions := []Action{
		ConnReady{
			ConnID:         connID,
			Node:           h.SourceNode,
			HasPublished:   hp.HasPublishedActor,
			PublishedActor: hp.PublishedActorID,
		},
	}
	if hp.HasPublishedActor {
		actions = append(actions, CreateProxy{
			Node: h.SourceNode,
			ID:   hp.PublishedActorID,
		})
	}

	return actions, nil
}

func (in *Instance) handleDispatch(
	connID ConnID, h Header, payload []byte,
) ([]Action, error) {

	// Not addressed to us: forward unchanged to the next hop if we know
	// one, otherwise this connection's peer handed us something we
	// can't route and we drop it silently (a well-behaved peer won't do
	// this).
	if h.DestNode != in.LocalNode {
		path, ok := in.Routing.Lookup(h.DestNode)
		if !ok {
			return nil, nil
		}

		switch path.Kind {
		case PathDirect:
			return []Action{
				SendFrame{ConnID: path.ConnID, Header: h, Payload: payload},
			}, nil
		case PathIndirect:
			via, ok := in.Routing.Lookup(path.Via)
			if !ok || via.Kind != PathDirect {
				return nil, nil
			}
			return []Action{
				SendFrame{ConnID: via.ConnID, Header: h, Payload: payload},
			}, nil
		default:
			return nil, nil
		}
	}

	dp, err := DecodeDispatchPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("basp: decoding dispatch payload: %w", err)
	}

	var actions []Action

	if _, known := in.Proxies.ProxyFor(h.SourceNode, h.SourceActor); !known {
		actions = append(actions, CreateProxy{
			Node: h.SourceNode,
			ID:   h.SourceActor,
		})
	}

	actions = append(actions, DeliverLocal{
		DestActor:     h.DestActor,
		NamedReceiver: h.Flags.Has(FlagNamedReceiver),
		SourceNode:    h.SourceNode,
		SourceActor:   h.SourceActor,
		MessageID:     h.OpData,
		ForwardingSeq: dp.ForwardingStages,
		TypeName:      dp.TypeName,
		Body:          dp.Body,
	})

	return actions, nil
}

// Dispatch builds the outbound frame(s) for sending msg from a local actor
// to a remote one, consulting the routing table. If no path is known, it
// returns a NotifyUnreachable action instead of a SendFrame.
func (in *Instance) Dispatch(
	srcActor WireActorID, destNode actor.NodeID, destActor WireActorID,
	namedReceiver bool, messageID uint64, stages []actor.NodeID,
	typeName string, body []byte,
) ([]Action, error) {

	path, ok := in.Routing.Lookup(destNode)
	if !ok {
		return []Action{
			NotifyUnreachable{
				SourceActor: srcActor,
				DestNode:    destNode,
				DestActor:   destActor,
				Reason:      ErrNoPathToNode,
			},
		}, nil
	}

	payload, err := EncodeDispatchPayload(DispatchPayload{
		ForwardingStages: stages,
		TypeName:         typeName,
		Body:             body,
	})
	if err != nil {
		return nil, err
	}

	var flags Flags
	if namedReceiver {
		flags |= FlagNamedReceiver
	}

	h := Header{
		Operation:   OpDispatchMessage,
		Flags:       flags,
		PayloadLen:  uint32(len(payload)),
		OpData:      messageID,
		SourceNode:  in.LocalNode,
		DestNode:    destNode,
		SourceActor: srcActor,
		DestActor:   destActor,
	}

	connID := path.ConnID
	if path.Kind == PathIndirect {
		viaPath, ok := in.Routing.Lookup(path.Via)
		if !ok || viaPath.Kind != PathDirect {
			return []Action{
				NotifyUnreachable{
					SourceActor: srcActor,
					DestNode:    destNode,
					DestActor:   destActor,
					Reason:      ErrNoPathToNode,
				},
			}, nil
		}
		connID = viaPath.ConnID
	}

	return []Action{SendFrame{ConnID: connID, Header: h, Payload: payload}}, nil
}

// ReadyConnections returns the connection ids whose handshake has
// completed, i.e. those a heartbeat sender should keep alive.
func (in *Instance) ReadyConnections() []ConnID {
	var out []ConnID
	for connID, conn := range in.conns {
		if conn.state == StateReady {
			out = append(out, connID)
		}
	}
	return out
}

// CloseConnection tears down bookkeeping for connID after its transport
// closes, returning the nodes that lost their direct path as a result (the
// caller should synthesize down-messages for any local actor monitoring a
// proxy for those nodes).
func (in *Instance) CloseConnection(connID ConnID) []actor.NodeID {
	delete(in.conns, connID)
	return in.Routing.RemoveConn(connID)
}
