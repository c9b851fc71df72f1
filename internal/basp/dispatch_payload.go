package basp

import (
	"encoding/binary"
	"fmt"

	"github.com/roasbeef/relay/internal/baselib/actor"
)

// maxForwardingStages bounds the hop list carried in a dispatch-message
// payload; it only needs to be as deep as the longest indirect chain the
// automatic-connection logic will tolerate before upgrading to a direct
// path, so a small fixed ceiling is enough to reject malformed frames
// instead of allocating unboundedly from attacker-controlled input.
const maxForwardingStages = 32

// DispatchPayload is the logical content of a dispatch-message frame's
// payload section: the chain of nodes the frame has already passed through
// (used to detect routing loops and, on the reply path, to retrace a
// response through the same relays), the registered type name the
// receiving side's Serializer needs to decode Body, and the serialized
// user message itself.
type DispatchPayload struct {
	ForwardingStages []actor.NodeID
	TypeName         string
	Body             []byte
}

// maxTypeNameLen bounds the one-byte length prefix on TypeName.
const maxTypeNameLen = 255

// EncodeDispatchPayload lays out p as: a one-byte stage count, that many
// fixed-width node-ids, a one-byte type-name length, the type name, then
// the raw message body.
func EncodeDispatchPayload(p DispatchPayload) ([]byte, error) {
	if len(p.ForwardingStages) > maxForwardingStages {
		return nil, fmt.Errorf(
			"basp: %d forwarding stages exceeds max %d",
			len(p.ForwardingStages), maxForwardingStages,
		)
	}
	if len(p.TypeName) > maxTypeNameLen {
		return nil, fmt.Errorf(
			"basp: type name %q exceeds max length %d",
			p.TypeName, maxTypeNameLen,
		)
	}

	size := 1 + len(p.ForwardingStages)*nodeIDWireSize + 1 +
		len(p.TypeName) + len(p.Body)
	out := make([]byte, size)
	out[0] = byte(len(p.ForwardingStages))

	off := 1
	for _, n := range p.ForwardingStages {
		off += encodeNodeID(out[off:], n)
	}

	out[off] = byte(len(p.TypeName))
	off++
	off += copy(out[off:], p.TypeName)

	copy(out[off:], p.Body)

	return out, nil
}

// DecodeDispatchPayload parses the layout written by EncodeDispatchPayload.
func DecodeDispatchPayload(data []byte) (DispatchPayload, error) {
	if len(data) < 1 {
		return DispatchPayload{}, fmt.Errorf(
			"basp: dispatch payload too short for stage count",
		)
	}

	count := int(data[0])
	if count > maxForwardingStages {
		return DispatchPayload{}, fmt.Errorf(
			"basp: %d forwarding stages exceeds max %d",
			count, maxForwardingStages,
		)
	}

	need := 1 + count*nodeIDWireSize
	if len(data) < need {
		return DispatchPayload{}, fmt.Errorf(
			"basp: dispatch payload too short for %d stages", count,
		)
	}

	stages := make([]actor.NodeID, count)
	off := 1
	for i := 0; i < count; i++ {
		var n int
		stages[i], n = decodeNodeID(data[off:])
		off += n
	}

	if len(data) < off+1 {
		return DispatchPayload{}, fmt.Errorf(
			"basp: dispatch payload too short for type name length",
		)
	}
	nameLen := int(data[off])
	off++

	if len(data) < off+nameLen {
		return DispatchPayload{}, fmt.Errorf(
			"basp: dispatch payload too short for type name",
		)
	}
	typeName := string(data[off : off+nameLen])
	off += nameLen

	return DispatchPayload{
		ForwardingStages: stages,
		TypeName:         typeName,
		Body:             data[off:],
	}, nil
}

// HandshakePayload is the optional body carried alongside server-handshake:
// information about an actor the acceptor has published, so the connector
// can reach it without a separate remote_lookup round trip.
type HandshakePayload struct {
	HasPublishedActor bool
	PublishedActorID  WireActorID
}

// EncodeHandshakePayload lays out p as a one-byte presence flag followed,
// when set, by the 4-byte actor-id.
func EncodeHandshakePayload(p HandshakePayload) []byte {
	if !p.HasPublishedActor {
		return []byte{0}
	}
	out := make([]byte, 5)
	out[0] = 1
	binary.BigEndian.PutUint32(out[1:5], uint32(p.PublishedActorID))
	return out
}

// DecodeHandshakePayload parses the layout written by
// EncodeHandshakePayload. An empty slice decodes to the zero value.
func DecodeHandshakePayload(data []byte) (HandshakePayload, error) {
	if len(data) == 0 || data[0] == 0 {
		return HandshakePayload{}, nil
	}
	if len(data) < 5 {
		return HandshakePayload{}, fmt.Errorf(
			"basp: handshake payload too short for published actor id",
		)
	}
	return HandshakePayload{
		HasPublishedActor: true,
		PublishedActorID:  WireActorID(binary.BigEndian.Uint32(data[1:5])),
	}, nil
}
