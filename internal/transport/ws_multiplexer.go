package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// WSMultiplexer is a Multiplexer over gorilla/websocket connections. Unlike
// TCPMultiplexer it needs no stream-reframing logic: a websocket connection
// already preserves message boundaries, so one BASP frame maps to exactly
// one WriteMessage/ReadMessage call, the same way TCPMultiplexer's UDP side
// works.
//
// WSMultiplexer has no datagram mode of its own — ListenUDP/DialUDP return
// errUnsupported, since a websocket connection is inherently a persistent,
// ordered stream with no connectionless analog.
type WSMultiplexer struct {
	mu       sync.Mutex
	nextID   EndpointID
	conns    map[EndpointID]*wsConn
	servers  map[EndpointID]*http.Server
	upgrader websocket.Upgrader
	events   chan Event
}

type wsConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once

	mu      sync.Mutex
	credit  int
	pending []Event
}

var errUnsupported = errors.New("ws_multiplexer: datagram mode not supported")

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn, credit: -1}
}

// NewWSMultiplexer constructs a WSMultiplexer. checkOrigin, if non-nil,
// overrides the default same-origin check an inbound Upgrade performs;
// pass nil to accept any origin (suitable for a node-to-node control
// channel that isn't exposed to a browser).
func NewWSMultiplexer(checkOrigin func(*http.Request) bool) *WSMultiplexer {
	m := &WSMultiplexer{
		conns:   make(map[EndpointID]*wsConn),
		servers: make(map[EndpointID]*http.Server),
		events:  make(chan Event, 256),
	}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin,
	}
	if checkOrigin == nil {
		m.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	return m
}

func (m *WSMultiplexer) allocID() EndpointID {
	m.nextID++
	return m.nextID
}

func (m *WSMultiplexer) addConn(c *wsConn) EndpointID {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.allocID()
	m.conns[id] = c
	return id
}

// ListenTCP serves the websocket upgrade endpoint at iface:port (0 picks an
// ephemeral port), accepting any path. Each successful upgrade produces an
// EventNewConnection naming acceptorID.
func (m *WSMultiplexer) ListenTCP(
	ctx context.Context, iface string, port int, _ bool,
) (EndpointID, int, error) {

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", iface, port))
	if err != nil {
		return 0, 0, err
	}
	boundPort := ln.Addr().(*net.TCPAddr).Port

	m.mu.Lock()
	acceptorID := m.allocID()
	m.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := m.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := newWSConn(conn)
		id := m.addConn(c)
		go m.readLoop(id, c)
		m.events <- Event{
			Kind: EventNewConnection, Endpoint: id, Acceptor: acceptorID,
		}
	})
	srv := &http.Server{Handler: mux}

	m.mu.Lock()
	m.servers[acceptorID] = srv
	m.mu.Unlock()

	go func() {
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.events <- Event{
				Kind: EventAcceptorClosed, Endpoint: acceptorID, Err: err,
			}
			return
		}
		m.events <- Event{Kind: EventAcceptorClosed, Endpoint: acceptorID}
	}()

	return acceptorID, boundPort, nil
}

// DialTCP dials ws://host:port/.
func (m *WSMultiplexer) DialTCP(
	ctx context.Context, host string, port int,
) (EndpointID, error) {

	url := fmt.Sprintf("ws://%s:%d/", host, port)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return 0, err
	}

	c := newWSConn(conn)
	id := m.addConn(c)
	go m.readLoop(id, c)
	return id, nil
}

func (m *WSMultiplexer) ListenUDP(context.Context, int) (EndpointID, int, error) {
	return 0, 0, errUnsupported
}

func (m *WSMultiplexer) DialUDP(context.Context, string, int) (EndpointID, error) {
	return 0, errUnsupported
}

func (m *WSMultiplexer) getConn(id EndpointID) (*wsConn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	return c, ok
}

func (m *WSMultiplexer) readLoop(id EndpointID, c *wsConn) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			c.closeOnce.Do(func() { c.conn.Close() })
			m.mu.Lock()
			delete(m.conns, id)
			m.mu.Unlock()
			m.events <- Event{Kind: EventConnectionClosed, Endpoint: id, Err: err}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		m.deliver(id, c, Event{Kind: EventNewData, Endpoint: id, Data: data})
	}
}

func (m *WSMultiplexer) deliver(id EndpointID, c *wsConn, ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.credit == 0 {
		c.pending = append(c.pending, ev)
		return
	}
	if c.credit > 0 {
		c.credit--
	}
	m.events <- ev
}

// Write sends data as a single binary websocket message.
func (m *WSMultiplexer) Write(endpoint EndpointID, data []byte) error {
	c, ok := m.getConn(endpoint)
	if !ok {
		return fmt.Errorf("ws_multiplexer: unknown endpoint %d", endpoint)
	}

	c.writeMu.Lock()
	err := c.conn.WriteMessage(websocket.BinaryMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return err
	}

	m.events <- Event{Kind: EventDataTransferred, Endpoint: endpoint}
	return nil
}

// Trigger grants n additional EventNewData deliveries on endpoint, releasing
// any events buffered while credit was exhausted.
func (m *WSMultiplexer) Trigger(endpoint EndpointID, n int) error {
	c, ok := m.getConn(endpoint)
	if !ok {
		return fmt.Errorf("ws_multiplexer: unknown endpoint %d", endpoint)
	}

	c.mu.Lock()
	if c.credit < 0 {
		c.credit = 0
	}
	c.credit += n

	var release []Event
	for len(c.pending) > 0 && c.credit > 0 {
		release = append(release, c.pending[0])
		c.pending = c.pending[1:]
		c.credit--
	}
	c.mu.Unlock()

	for _, ev := range release {
		m.events <- ev
	}
	return nil
}

// Close tears down either a connection or a listener endpoint.
func (m *WSMultiplexer) Close(endpoint EndpointID) error {
	m.mu.Lock()
	c, isConn := m.conns[endpoint]
	srv, isSrv := m.servers[endpoint]
	delete(m.conns, endpoint)
	delete(m.servers, endpoint)
	m.mu.Unlock()

	if isConn {
		c.closeOnce.Do(func() { c.conn.Close() })
		return nil
	}
	if isSrv {
		return srv.Close()
	}
	return fmt.Errorf("ws_multiplexer: unknown endpoint %d", endpoint)
}

// Events returns the channel of transport events this Multiplexer publishes.
func (m *WSMultiplexer) Events() <-chan Event {
	return m.events
}

var _ Multiplexer = (*WSMultiplexer)(nil)
