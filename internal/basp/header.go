// Package basp implements the binary actor system protocol: the wire format
// and per-connection state machine that let actor systems on different nodes
// exchange dispatch, handshake, and proxy-lifecycle frames over a pluggable
// transport.
package basp

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"

	"github.com/roasbeef/relay/internal/baselib/actor"
)

// Operation identifies the kind of frame a header describes.
type Operation uint8

const (
	OpServerHandshake Operation = iota
	OpClientHandshake
	OpDispatchMessage
	OpAnnounceProxy
	OpKillProxy
	OpHeartbeat
)

func (o Operation) String() string {
	switch o {
	case OpServerHandshake:
		return "server-handshake"
	case OpClientHandshake:
		return "client-handshake"
	case OpDispatchMessage:
		return "dispatch-message"
	case OpAnnounceProxy:
		return "announce-proxy"
	case OpKillProxy:
		return "kill-proxy"
	case OpHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("operation(%d)", uint8(o))
	}
}

// Flags is a bitset carried alongside an Operation.
type Flags uint8

const (
	// FlagNamedReceiver indicates a dispatch-message's destination actor-id
	// should be resolved through the named-actor registry on the receiving
	// node instead of the ordinary actor-id table.
	FlagNamedReceiver Flags = 1 << iota

	// FlagRedeployable indicates the proxy announced by this frame may be
	// re-bound to a new connection after a transient disconnect, instead
	// of being torn down.
	FlagRedeployable
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// WireActorID is the 4-byte actor identifier carried on the wire. Local
// actor systems may mint far more than 2^32 actors over their lifetime
// (LocalActorID is a uint64), but the BASP wire format only budgets 4 bytes
// per endpoint, so cross-node addressing is scoped to a node's low 32 bits
// of actor-id space; callers that publish remote actors are responsible for
// not overflowing it within a single process lifetime.
type WireActorID uint32

// NamedActorID deterministically maps a well-known actor name (SpawnServ,
// ConfigServ, or a user-registered name) onto the WireActorID space, so a
// dispatch-message with FlagNamedReceiver set can carry the name through the
// same 4-byte dest-actor field an ordinary dispatch uses. Both ends must
// derive the id the same way, which this being a pure function of name
// guarantees.
func NamedActorID(name string) WireActorID {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return WireActorID(h.Sum32())
}

// nodeIDWireSize is the encoded size of an actor.NodeID: a 4-byte ProcessID
// followed by a 20-byte HostID.
const nodeIDWireSize = 4 + 20

// HeaderSize is the fixed size, in bytes, of a header with no sequence
// number (stream transports).
const HeaderSize = 1 + 1 + 4 + 8 + nodeIDWireSize + nodeIDWireSize + 4 + 4

// SequenceSize is the size, in bytes, of the optional sequence number that
// follows operation-data on datagram transports.
const SequenceSize = 2

// Header is the fixed-layout preamble of every BASP frame.
type Header struct {
	Operation   Operation
	Flags       Flags
	PayloadLen  uint32
	OpData      uint64
	SourceNode  actor.NodeID
	DestNode    actor.NodeID
	SourceActor WireActorID
	DestActor   WireActorID

	// Sequence is only meaningful (and only encoded) on datagram
	// transports; HasSequence controls whether EncodeHeader appends it.
	Sequence    uint16
	HasSequence bool
}

// EncodeHeader writes h's wire representation, including the trailing
// sequence number when HasSequence is set.
func EncodeHeader(h Header) []byte {
	size := HeaderSize
	if h.HasSequence {
		size += SequenceSize
	}
	buf := make([]byte, size)

	buf[0] = byte(h.Operation)
	buf[1] = byte(h.Flags)
	binary.BigEndian.PutUint32(buf[2:6], h.PayloadLen)
	binary.BigEndian.PutUint64(buf[6:14], h.OpData)

	off := 14
	off += encodeNodeID(buf[off:], h.SourceNode)
	off += encodeNodeID(buf[off:], h.DestNode)

	binary.BigEndian.PutUint32(buf[off:off+4], uint32(h.SourceActor))
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(h.DestActor))
	off += 4

	if h.HasSequence {
		binary.BigEndian.PutUint16(buf[off:off+2], h.Sequence)
		off += SequenceSize
	}

	return buf
}

// DecodeHeader parses a header from buf. withSequence must match how the
// frame was encoded: true for datagram transports, false for stream
// transports.
func DecodeHeader(buf []byte, withSequence bool) (Header, error) {
	want := HeaderSize
	if withSequence {
		want += SequenceSize
	}
	if len(buf) < want {
		return Header{}, fmt.Errorf(
			"basp: short header: need %d bytes, have %d", want, len(buf),
		)
	}

	h := Header{
		Operation:  Operation(buf[0]),
		Flags:      Flags(buf[1]),
		PayloadLen: binary.BigEndian.Uint32(buf[2:6]),
		OpData:     binary.BigEndian.Uint64(buf[6:14]),
	}

	off := 14
	var n int
	h.SourceNode, n = decodeNodeID(buf[off:])
	off += n
	h.DestNode, n = decodeNodeID(buf[off:])
	off += n

	h.SourceActor = WireActorID(binary.BigEndian.Uint32(buf[off : off+4]))
	off += 4
	h.DestActor = WireActorID(binary.BigEndian.Uint32(buf[off : off+4]))
	off += 4

	if withSequence {
		h.Sequence = binary.BigEndian.Uint16(buf[off : off+2])
		h.HasSequence = true
	}

	return h, nil
}

func encodeNodeID(buf []byte, n actor.NodeID) int {
	binary.BigEndian.PutUint32(buf[0:4], n.ProcessID)
	copy(buf[4:4+20], n.HostID[:])
	return nodeIDWireSize
}

func decodeNodeID(buf []byte) (actor.NodeID, int) {
	var n actor.NodeID
	n.ProcessID = binary.BigEndian.Uint32(buf[0:4])
	copy(n.HostID[:], buf[4:4+20])
	return n, nodeIDWireSize
}
