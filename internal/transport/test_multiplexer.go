package transport

import (
	"context"
	"fmt"
	"sync"
)

// TestMultiplexer is a deterministic, in-process Multiplexer: dialing one
// instance's address connects directly to a peer TestMultiplexer
// registered under that address, with no real sockets involved. It exists
// so BASP and broker behavior can be exercised by ordinary Go tests without
// a network.
type TestMultiplexer struct {
	mu sync.Mutex

	registry *TestRegistry

	addr     string
	nextID   EndpointID
	conns    map[EndpointID]*testConn
	acceptor map[EndpointID]string // acceptor endpoint -> bound address

	events chan Event
}

// TestRegistry is shared by every TestMultiplexer in a test so dials can
// find listeners by address.
type TestRegistry struct {
	mu        sync.Mutex
	listeners map[string]*TestMultiplexer
}

// NewTestRegistry creates a fresh, empty registry. Tests that simulate
// several nodes share one registry across all of their TestMultiplexers.
func NewTestRegistry() *TestRegistry {
	return &TestRegistry{listeners: make(map[string]*TestMultiplexer)}
}

// NewTestMultiplexer constructs a TestMultiplexer identified by addr,
// registering it with registry so other instances can dial it.
func NewTestMultiplexer(registry *TestRegistry, addr string) *TestMultiplexer {
	m := &TestMultiplexer{
		registry: registry,
		addr:     addr,
		conns:    make(map[EndpointID]*testConn),
		acceptor: make(map[EndpointID]string),
		events:   make(chan Event, 256),
	}
	return m
}

// testConn is one side of an in-process pipe; Write on one side enqueues
// an EventNewData on the peer's multiplexer.
type testConn struct {
	peerMux *TestMultiplexer
	peerID  EndpointID
	closed  bool

	// credit is the number of EventNewData/EventNewDatagram events this
	// endpoint may still receive before going passive again. A negative
	// value means unlimited, in effect until Trigger is called on this
	// endpoint for the first time.
	credit int

	// pending holds data events that arrived while credit was exhausted,
	// released in arrival order as Trigger grants more credit.
	pending []Event
}

func newTestConn(peerMux *TestMultiplexer, peerID EndpointID) *testConn {
	return &testConn{peerMux: peerMux, peerID: peerID, credit: -1}
}

func (m *TestMultiplexer) allocID() EndpointID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return m.nextID
}

// ListenTCP registers this multiplexer under its address, emulating a
// bound TCP acceptor.
func (m *TestMultiplexer) ListenTCP(
	_ context.Context, _ string, _ int, _ bool,
) (EndpointID, int, error) {

	id := m.allocID()

	m.mu.Lock()
	m.acceptor[id] = m.addr
	m.mu.Unlock()

	m.registry.mu.Lock()
	m.registry.listeners[m.addr] = m
	m.registry.mu.Unlock()

	return id, 0, nil
}

// ListenUDP behaves like ListenTCP for the purposes of this in-process
// simulation; datagram vs stream semantics are distinguished by which
// Event kinds the broker chooses to emit around a Write, not by the
// transport itself.
func (m *TestMultiplexer) ListenUDP(
	ctx context.Context, port int,
) (EndpointID, int, error) {
	return m.ListenTCP(ctx, "", port, false)
}

// DialTCP connects to the TestMultiplexer registered at host:port's
// string-addressed peer, using host as the full lookup key (tests pass
// whatever address string ListenTCP's owner registered).
func (m *TestMultiplexer) DialTCP(
	_ context.Context, host string, port int,
) (EndpointID, error) {

	addr := fmt.Sprintf("%s:%d", host, port)

	m.registry.mu.Lock()
	peer, ok := m.registry.listeners[addr]
	m.registry.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("transport: no listener registered at %q", addr)
	}

	localID := m.allocID()
	peerID := peer.allocID()

	local := newTestConn(peer, peerID)
	peerConn := newTestConn(m, localID)

	m.mu.Lock()
	m.conns[localID] = local
	m.mu.Unlock()

	peer.mu.Lock()
	peer.conns[peerID] = peerConn
	var acceptorID EndpointID
	for id, a := range peer.acceptor {
		if a == addr {
			acceptorID = id
			break
		}
	}
	peer.mu.Unlock()

	peer.events <- Event{
		Kind:     EventNewConnection,
		Endpoint: peerID,
		Acceptor: acceptorID,
	}

	return localID, nil
}

// DialUDP behaves like DialTCP in this in-process simulation.
func (m *TestMultiplexer) DialUDP(
	ctx context.Context, host string, port int,
) (EndpointID, error) {
	return m.DialTCP(ctx, host, port)
}

// Write delivers data to the peer endpoint, subject to that endpoint's
// credit, and reports completion to the sender.
func (m *TestMultiplexer) Write(endpoint EndpointID, data []byte) error {
	m.mu.Lock()
	conn, ok := m.conns[endpoint]
	m.mu.Unlock()
	if !ok || conn.closed {
		return fmt.Errorf("transport: write to unknown or closed endpoint %d", endpoint)
	}

	conn.peerMux.deliver(conn.peerID, Event{
		Kind:     EventNewData,
		Endpoint: conn.peerID,
		Data:     data,
	})
	m.events <- Event{Kind: EventDataTransferred, Endpoint: endpoint}

	return nil
}

// deliver publishes ev to id's owning multiplexer, gating it on that
// endpoint's credit: unlimited by default, or queued in conn.pending once
// Trigger has put the endpoint into bounded mode and its credit is
// exhausted.
func (m *TestMultiplexer) deliver(id EndpointID, ev Event) {
	m.mu.Lock()
	conn, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return
	}

	switch {
	case conn.credit < 0:
		m.mu.Unlock()
		m.events <- ev

	case conn.credit > 0:
		conn.credit--
		m.mu.Unlock()
		m.events <- ev

	default:
		conn.pending = append(conn.pending, ev)
		m.mu.Unlock()
	}
}

// Trigger grants endpoint n more credits, releasing any events that had
// been buffered while it was passive. The first call on a given endpoint
// switches it from unlimited delivery into bounded, pull-based delivery.
func (m *TestMultiplexer) Trigger(endpoint EndpointID, n int) error {
	m.mu.Lock()
	conn, ok := m.conns[endpoint]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("transport: trigger on unknown endpoint %d", endpoint)
	}

	if conn.credit < 0 {
		conn.credit = 0
	}
	conn.credit += n

	var release []Event
	for conn.credit > 0 && len(conn.pending) > 0 {
		release = append(release, conn.pending[0])
		conn.pending = conn.pending[1:]
		conn.credit--
	}
	m.mu.Unlock()

	for _, ev := range release {
		m.events <- ev
	}

	return nil
}

// Close tears down endpoint and notifies its peer.
func (m *TestMultiplexer) Close(endpoint EndpointID) error {
	m.mu.Lock()
	conn, ok := m.conns[endpoint]
	if ok {
		conn.closed = true
		delete(m.conns, endpoint)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	conn.peerMux.events <- Event{
		Kind:     EventConnectionClosed,
		Endpoint: conn.peerID,
	}
	return nil
}

// Events implements Multiplexer.
func (m *TestMultiplexer) Events() <-chan Event {
	return m.events
}

var _ Multiplexer = (*TestMultiplexer)(nil)
