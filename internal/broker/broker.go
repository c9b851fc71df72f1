// Package broker drives a basp.Instance off the events published by a
// transport.Multiplexer, bridging the wire protocol to the local
// ActorSystem: decoded dispatch-message frames are delivered into actor
// mailboxes, proxies are spawned and wired into the lifecycle hub, and
// locally-initiated sends are framed and written to the right connection.
package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/sync/errgroup"

	baseactor "github.com/roasbeef/relay/internal/baselib/actor"
	"github.com/roasbeef/relay/internal/basp"
	log "github.com/roasbeef/relay/internal/rlog"
	"github.com/roasbeef/relay/internal/transport"
	"github.com/roasbeef/relay/internal/wire"
)

// TransportEvent wraps a transport.Event as an ordinary actor message, so
// the broker's behavior can dispatch on it like any other Message.
type TransportEvent struct {
	baseactor.BaseMessage
	Event transport.Event
}

func (TransportEvent) MessageType() string { return "broker.TransportEvent" }

// LocalDeliver is handed to whatever local actor is looked up as the
// destination of a decoded dispatch-message frame.
type LocalDeliver struct {
	baseactor.BaseMessage
	Sender    baseactor.TellOnlyRef[baseactor.Message]
	MessageID uint64
	Body      any
}

func (LocalDeliver) MessageType() string { return "broker.LocalDeliver" }

// Priority implements baseactor.PriorityMessage by reading the 2-bit
// priority class packed into the wire MessageID, so a remote sender's
// urgent-band intent survives the hop into the local actor's mailbox.
func (l LocalDeliver) Priority() int {
	return int(baseactor.MessageID(l.MessageID).Priority())
}

// localActorTable maps between the wire-sized WireActorID space and the
// ActorSystem's string actor ids, in both directions. A Broker owns
// exactly one of these.
type localActorTable struct {
	mu      sync.Mutex
	nextID  atomic.Uint32
	byWire  map[basp.WireActorID]string
	byLocal map[string]basp.WireActorID
}

func newLocalActorTable() *localActorTable {
	return &localActorTable{
		byWire:  make(map[basp.WireActorID]string),
		byLocal: make(map[string]basp.WireActorID),
	}
}

// Allocate assigns (or returns the existing) wire id for a local actor id.
func (t *localActorTable) Allocate(localID string) basp.WireActorID {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.byLocal[localID]; ok {
		return id
	}

	id := basp.WireActorID(t.nextID.Add(1))
	t.byLocal[localID] = id
	t.byWire[id] = localID
	return id
}

func (t *localActorTable) Resolve(wireID basp.WireActorID) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.byWire[wireID]
	return id, ok
}

// Broker owns one basp.Instance and one transport.Multiplexer, bridging
// between them. It is registered as an ordinary actor (via
// baseactor.RegisterWithSystem) whose behavior is built by NewBehavior;
// Broker itself holds no goroutine of its own.
type Broker struct {
	sys  *baseactor.ActorSystem
	mux  transport.Multiplexer
	inst *basp.Instance
	ser  wire.Serializer

	localActors *localActorTable

	// acceptorDatagram records, per acceptor endpoint, whether
	// connections it produces should be framed as datagrams (carrying
	// a sequence number) rather than as a stream.
	acceptorDatagram map[transport.EndpointID]bool

	// connDatagram records the same fact per live connection, since a
	// connection's own endpoint id is distinct from the acceptor that
	// spawned it.
	connDatagram map[basp.ConnID]bool

	// onCreateProxy and onTerminateProxy, when set via SetProxyHooks, are
	// invoked instead of silently dropping basp.CreateProxy/TerminateProxy
	// actions. The middleman layer sets these to spawn and stop actual
	// proxy actors; Broker itself has no notion of how to do that.
	onCreateProxy    func(node baseactor.NodeID, id basp.WireActorID)
	onTerminateProxy func(node baseactor.NodeID, id basp.WireActorID, reason error)

	// connWaiters holds one outcome channel per connection whose caller is
	// blocked in ConnectAndAwait, keyed by the dialed connection's id.
	// applyActions (running on the broker actor's own goroutine) delivers
	// the handshake's outcome here once a basp.ConnReady or basp.CloseConn
	// action names that connection.
	connWaitersMu sync.Mutex
	connWaiters   map[basp.ConnID]chan handshakeOutcome
}

// HandshakeResult is what a caller of ConnectAndAwait learns once the
// three-way handshake on its new connection completes: the peer's node-id,
// and, if the peer advertised one, the wire id of its published actor.
type HandshakeResult struct {
	Node           baseactor.NodeID
	HasPublished   bool
	PublishedActor basp.WireActorID
}

type handshakeOutcome struct {
	result HandshakeResult
	err    error
}

// SetProxyHooks installs the callbacks invoked when the underlying
// basp.Instance reports a proxy needs to be created or terminated. Must be
// called before the broker's behavior starts processing transport events;
// either argument may be nil to leave that action a no-op.
func (b *Broker) SetProxyHooks(
	onCreate func(node baseactor.NodeID, id basp.WireActorID),
	onTerminate func(node baseactor.NodeID, id basp.WireActorID, reason error),
) {
	b.onCreateProxy = onCreate
	b.onTerminateProxy = onTerminate
}

// New constructs a Broker for localNode, wiring it to mux and using ser to
// marshal/unmarshal dispatch payload bodies.
func New(
	sys *baseactor.ActorSystem, mux transport.Multiplexer,
	inst *basp.Instance, ser wire.Serializer,
) *Broker {

	return &Broker{
		sys:              sys,
		mux:              mux,
		inst:             inst,
		ser:              ser,
		localActors:      newLocalActorTable(),
		acceptorDatagram: make(map[transport.EndpointID]bool),
		connDatagram:     make(map[basp.ConnID]bool),
		connWaiters:      make(map[basp.ConnID]chan handshakeOutcome),
	}
}

// dial opens endpoint towards host:port, recording whether it should be
// framed as a datagram connection, and returns the basp.ConnID the rest of
// the handshake machinery will key off of.
func (b *Broker) dial(
	ctx context.Context, host string, port int, datagram bool,
) (transport.EndpointID, basp.ConnID, error) {

	var (
		endpoint transport.EndpointID
		err      error
	)
	if datagram {
		endpoint, err = b.mux.DialUDP(ctx, host, port)
	} else {
		endpoint, err = b.mux.DialTCP(ctx, host, port)
	}
	if err != nil {
		return 0, 0, err
	}

	connID := basp.ConnID(endpoint)
	b.connDatagram[connID] = datagram

	return endpoint, connID, nil
}

// Connect dials host:port and begins the client side of a three-way
// handshake, marking the resulting connection as a datagram endpoint if
// datagram is set. It returns as soon as the client-handshake frame is
// written, without waiting for the handshake to complete; callers that need
// the result of the handshake (the peer's node-id, and any actor it
// published) should use ConnectAndAwait instead.
func (b *Broker) Connect(
	ctx context.Context, host string, port int, datagram bool,
) error {

	endpoint, connID, err := b.dial(ctx, host, port, datagram)
	if err != nil {
		return err
	}

	h, _ := b.inst.OpenConnector(connID, datagram)
	h.HasSequence = datagram

	return b.mux.Write(endpoint, basp.EncodeHeader(h))
}

// ConnectAndAwait dials host:port and blocks until the resulting
// connection's three-way handshake completes or ctx is cancelled. A waiter
// is registered before the client-handshake frame is even written, so a
// ConnReady action the broker actor processes off its own transport event
// loop can never race ahead of this call registering to observe it.
func (b *Broker) ConnectAndAwait(
	ctx context.Context, host string, port int, datagram bool,
) (HandshakeResult, error) {

	endpoint, connID, err := b.dial(ctx, host, port, datagram)
	if err != nil {
		return HandshakeResult{}, err
	}

	waitCh := make(chan handshakeOutcome, 1)
	b.connWaitersMu.Lock()
	b.connWaiters[connID] = waitCh
	b.connWaitersMu.Unlock()

	defer func() {
		b.connWaitersMu.Lock()
		delete(b.connWaiters, connID)
		b.connWaitersMu.Unlock()
	}()

	h, _ := b.inst.OpenConnector(connID, datagram)
	h.HasSequence = datagram

	if err := b.mux.Write(endpoint, basp.EncodeHeader(h)); err != nil {
		return HandshakeResult{}, err
	}

	select {
	case outcome := <-waitCh:
		return outcome.result, outcome.err

	case <-ctx.Done():
		return HandshakeResult{}, ctx.Err()
	}
}

// resolveHandshake delivers outcome to the waiter registered for connID, if
// any. Called from applyActions on the broker actor's own goroutine.
func (b *Broker) resolveHandshake(connID basp.ConnID, outcome handshakeOutcome) {
	b.connWaitersMu.Lock()
	waitCh, ok := b.connWaiters[connID]
	delete(b.connWaiters, connID)
	b.connWaitersMu.Unlock()

	if !ok {
		return
	}

	waitCh <- outcome
}

// Listen opens an acceptor on port, marking every connection it produces
// as a datagram endpoint if datagram is set.
func (b *Broker) Listen(
	ctx context.Context, iface string, port int, reuseAddr, datagram bool,
) (int, error) {

	var (
		endpoint  transport.EndpointID
		boundPort int
		err       error
	)
	if datagram {
		endpoint, boundPort, err = b.mux.ListenUDP(ctx, port)
	} else {
		endpoint, boundPort, err = b.mux.ListenTCP(ctx, iface, port, reuseAddr)
	}
	if err != nil {
		return 0, err
	}

	b.acceptorDatagram[endpoint] = datagram
	return boundPort, nil
}

// Inst returns the broker's underlying basp.Instance, for callers (e.g. the
// middleman layer) that need routing-table visibility beyond the
// publish/connect/send facade.
func (b *Broker) Inst() *basp.Instance {
	return b.inst
}

// SetPublishedActor installs the callback the underlying basp.Instance
// consults when answering a handshake, advertising (wireID, true) to
// connecting peers in place of the zero value Instance defaults to. A
// Broker only has one basp.Instance, so only one actor can be advertised
// this way at a time; a later call replaces an earlier one.
func (b *Broker) SetPublishedActor(fn func() (basp.WireActorID, bool)) {
	b.inst.PublishedActor = fn
}

// RegisterLocalActor assigns a wire id to a locally-owned actor so remote
// peers can address it. It must be called before the actor is published or
// referenced by an announce-proxy/dispatch frame.
func (b *Broker) RegisterLocalActor(localID string) basp.WireActorID {
	return b.localActors.Allocate(localID)
}

// Behavior returns the StateBehavior driving this broker's actor. It
// handles TransportEvent messages produced by the adapter goroutine
// started by RunEventLoop.
func (b *Broker) Behavior() *baseactor.StateBehavior[any] {
	sb := baseactor.NewStateBehavior[any]()
	baseactor.On(sb, b.handleTransportEvent)
	return sb
}

// RunEventLoop drains mux's event channel and Tells each one to self as a
// TransportEvent, until ctx is cancelled. Call this in its own goroutine
// after the broker actor has been registered.
func RunEventLoop(
	ctx context.Context, self baseactor.TellOnlyRef[baseactor.Message],
	mux transport.Multiplexer,
) {
	adapter := baseactor.NewMapInputRef(
		self, func(ev transport.Event) baseactor.Message {
			return TransportEvent{Event: ev}
		},
	)

	events := mux.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			adapter.Tell(ctx, ev)
		}
	}
}

func (b *Broker) handleTransportEvent(
	ctx context.Context, msg TransportEvent,
) fn.Result[any] {

	ev := msg.Event
	connID := basp.ConnID(ev.Endpoint)

	switch ev.Kind {
	case transport.EventNewConnection:
		datagram := b.acceptorDatagram[ev.Acceptor]
		b.connDatagram[connID] = datagram
		b.inst.OpenAcceptor(connID, datagram)

	case transport.EventNewData, transport.EventNewDatagram:
		b.handleIncomingFrame(ctx, connID, ev.Data)

	case transport.EventConnectionClosed, transport.EventAcceptorClosed:
		delete(b.connDatagram, connID)
		for _, node := range b.inst.CloseConnection(connID) {
			log.DebugS(ctx, "Lost direct path to node on connection close",
				"node", node.String())
		}

	case transport.EventDataTransferred, transport.EventDatagramSent:
		// Nothing to do; these only matter to callers tracking
		// backpressure via their own credit bookkeeping.
	}

	return fn.Ok[any](nil)
}

func (b *Broker) handleIncomingFrame(
	ctx context.Context, connID basp.ConnID, data []byte,
) {
	withSeq := b.connDatagram[connID]

	h, err := basp.DecodeHeader(data, withSeq)
	if err != nil {
		log.ErrorS(ctx, "Dropping malformed basp frame", err,
			"conn_id", connID)
		return
	}

	payload := data[len(basp.EncodeHeader(h)):]

	actions, err := b.inst.HandleFrame(connID, h, payload)
	if err != nil {
		log.ErrorS(ctx, "basp instance rejected frame", err,
			"conn_id", connID, "operation", h.Operation.String())
		return
	}

	b.applyActions(ctx, actions)
}

func (b *Broker) applyActions(ctx context.Context, actions []basp.Action) {
	for _, a := range actions {
		switch action := a.(type) {
		case basp.SendFrame:
			b.writeFrame(ctx, action)

		case basp.CloseConn:
			b.resolveHandshake(action.ConnID, handshakeOutcome{
				err: action.Reason,
			})

			if err := b.mux.Close(transport.EndpointID(action.ConnID)); err != nil {
				log.ErrorS(ctx, "closing basp connection", err,
					"conn_id", action.ConnID)
			}

		case basp.ConnReady:
			b.resolveHandshake(action.ConnID, handshakeOutcome{
				result: HandshakeResult{
					Node:           action.Node,
					HasPublished:   action.HasPublished,
					PublishedActor: action.PublishedActor,
				},
			})

		case basp.DeliverLocal:
			b.deliverLocal(ctx, action)

		case basp.NotifyUnreachable:
			log.DebugS(ctx, "Dispatch failed: no path to destination node",
				"dest_node", action.DestNode.String(),
				"dest_actor", action.DestActor)

		case basp.CreateProxy:
			if b.onCreateProxy != nil {
				b.onCreateProxy(action.Node, action.ID)
			}

		case basp.TerminateProxy:
			if b.onTerminateProxy != nil {
				b.onTerminateProxy(action.Node, action.ID, action.Reason)
			}
		}
	}
}

func (b *Broker) writeFrame(ctx context.Context, action basp.SendFrame) {
	header := action.Header
	framed := append(basp.EncodeHeader(header), action.Payload...)

	if err := b.mux.Write(transport.EndpointID(action.ConnID), framed); err != nil {
		log.ErrorS(ctx, "writing basp frame", err,
			"conn_id", action.ConnID,
			"operation", header.Operation.String())
	}
}

func (b *Broker) deliverLocal(ctx context.Context, action basp.DeliverLocal) {
	localID, ok := b.localActors.Resolve(action.DestActor)
	if !ok {
		log.DebugS(ctx, "No local actor for wire id",
			"wire_id", action.DestActor)
		return
	}

	body, err := b.ser.Unmarshal(action.TypeName, action.Body)
	if err != nil {
		log.ErrorS(ctx, "unmarshaling dispatch payload body", err,
			"dest_actor", localID, "type_name", action.TypeName)
		return
	}

	key := baseactor.NewServiceKey[baseactor.Message, any](localID)
	refs := baseactor.FindInReceptionist(b.sys.Receptionist(), key)
	if len(refs) == 0 {
		log.DebugS(ctx, "Local actor not found in receptionist",
			"actor_id", localID)
		return
	}

	refs[0].Tell(ctx, LocalDeliver{
		MessageID: action.MessageID,
		Body:      body,
	})
}

// SendHeartbeats periodically writes a heartbeat frame to every connection
// that has completed its handshake, until ctx is cancelled. It fans the
// per-tick writes out across an errgroup so one slow or wedged connection
// can't delay the rest; a write failure is logged and does not stop the
// ticker, since the usual cause (the connection just closed) is already
// handled by the broker's own EventConnectionClosed path.
func (b *Broker) SendHeartbeats(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			ready := b.inst.ReadyConnections()

			g, gCtx := errgroup.WithContext(ctx)
			for _, connID := range ready {
				connID := connID
				g.Go(func() error {
					return b.sendHeartbeat(gCtx, connID)
				})
			}
			if err := g.Wait(); err != nil {
				log.ErrorS(ctx, "sending heartbeats", err)
			}
		}
	}
}

func (b *Broker) sendHeartbeat(ctx context.Context, connID basp.ConnID) error {
	h := basp.Header{
		Operation:   basp.OpHeartbeat,
		SourceNode:  b.inst.LocalNode,
		HasSequence: b.connDatagram[connID],
	}

	if err := b.mux.Write(transport.EndpointID(connID), basp.EncodeHeader(h)); err != nil {
		log.ErrorS(ctx, "writing heartbeat frame", err, "conn_id", connID)
		return err
	}
	return nil
}

// Send frames and writes a locally-initiated dispatch-message, looking up
// the route via the broker's basp.Instance. body's MessageType() is carried
// on the wire as the type name the receiving side's Serializer needs to
// decode it; the sender must have Register-ed a sample of the same
// concrete type under that name for the round trip to work.
func (b *Broker) Send(
	ctx context.Context, srcLocalID string, destNode baseactor.NodeID,
	destActor basp.WireActorID, namedReceiver bool, messageID uint64,
	body baseactor.Message,
) error {

	encoded, err := b.ser.Marshal(body)
	if err != nil {
		return err
	}

	srcWire := b.localActors.Allocate(srcLocalID)

	actions, err := b.inst.Dispatch(
		srcWire, destNode, destActor, namedReceiver, messageID, nil,
		body.MessageType(), encoded,
	)
	if err != nil {
		return err
	}

	for _, a := range actions {
		if unreachable, ok := a.(basp.NotifyUnreachable); ok {
			return unreachable.Reason
		}
	}

	b.applyActions(ctx, actions)
	return nil
}
