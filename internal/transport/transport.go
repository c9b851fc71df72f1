// Package transport defines the pluggable multiplexer capability that the
// BASP broker consumes to open, read, write, and close connections without
// depending on any one concrete networking implementation.
package transport

import "context"

// EndpointID identifies one transport endpoint (a stream connection, an
// acceptor, or a datagram socket) within a Multiplexer. The broker uses
// this as its basp.ConnID.
type EndpointID uint64

// EventKind enumerates the transport events a Multiplexer delivers to its
// owning broker.
type EventKind int

const (
	EventNewConnection EventKind = iota
	EventNewData
	EventDataTransferred
	EventConnectionClosed
	EventNewDatagram
	EventDatagramSent
	EventAcceptorClosed
)

// Event is one occurrence a Multiplexer reports to its subscriber. Data is
// populated for EventNewData and EventNewDatagram; Err is populated for
// EventConnectionClosed and EventAcceptorClosed when the closure was
// triggered by an error rather than a deliberate Close call.
type Event struct {
	Kind     EventKind
	Endpoint EndpointID

	// Acceptor is set on EventNewConnection, naming the acceptor
	// endpoint that produced the new connection.
	Acceptor EndpointID

	Data []byte
	Err  error
}

// Multiplexer is the pluggable transport capability. Every method besides
// Events is non-blocking from the caller's perspective: writes and credit
// grants enqueue work and the Multiplexer reports completion as an event.
type Multiplexer interface {
	// DialTCP opens an outbound stream connection.
	DialTCP(ctx context.Context, host string, port int) (EndpointID, error)

	// ListenTCP opens an acceptor bound to port (0 picks an ephemeral
	// port), returning the endpoint id and the port actually bound.
	ListenTCP(
		ctx context.Context, iface string, port int, reuseAddr bool,
	) (EndpointID, int, error)

	// ListenUDP opens a local datagram endpoint.
	ListenUDP(ctx context.Context, port int) (EndpointID, int, error)

	// DialUDP opens a datagram endpoint targeting a fixed remote peer.
	DialUDP(ctx context.Context, host string, port int) (EndpointID, error)

	// Write enqueues data for sending on endpoint. Completion is
	// reported via an EventDataTransferred or EventDatagramSent event.
	Write(endpoint EndpointID, data []byte) error

	// Trigger is the sole backpressure primitive a Multiplexer offers: it
	// grants credit to endpoint, the number of additional EventNewData or
	// EventNewDatagram events it may deliver before going passive again. A
	// freshly opened endpoint delivers data events unconstrained until
	// Trigger is called on it for the first time, at which point it
	// switches into bounded, pull-based delivery — any data event that
	// arrives once its credit reaches zero is buffered rather than
	// dropped, and released the next time Trigger grants more.
	Trigger(endpoint EndpointID, n int) error

	// Close tears down endpoint.
	Close(endpoint EndpointID) error

	// Events returns the channel of transport events this Multiplexer
	// publishes. The broker's behavior Tells itself these as ordinary
	// messages; Events is drained by a single adapter goroutine set up
	// at broker construction time.
	Events() <-chan Event
}
