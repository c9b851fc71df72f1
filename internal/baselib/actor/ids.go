package actor

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// LocalActorID identifies an actor within a single node's ActorSystem. IDs
// are assigned sequentially as actors are registered.
type LocalActorID uint64

// NodeID identifies a running ActorSystem instance across a network. It
// pairs a process-scoped ID with a host-unique byte string, mirroring CAF's
// node_id (process_id + host_id) so two nodes started on the same host at
// different times, or on different hosts, are never confused with one
// another.
type NodeID struct {
	ProcessID uint32
	HostID    [20]byte
}

// NewNodeID generates a fresh NodeID with a random host identifier. In a
// production deployment the host identifier would typically be derived from
// a stable machine identity; a random value is used here since this runtime
// has no dependency on platform-specific host fingerprinting.
func NewNodeID(processID uint32) (NodeID, error) {
	var id NodeID
	id.ProcessID = processID

	if _, err := rand.Read(id.HostID[:]); err != nil {
		return NodeID{}, fmt.Errorf("generating node host id: %w", err)
	}

	return id, nil
}

// String renders the NodeID as "<process-id>@<hex host id>".
func (n NodeID) String() string {
	return fmt.Sprintf("%d@%x", n.ProcessID, n.HostID)
}

// IsZero reports whether n is the zero-value NodeID, used to distinguish an
// unset node id from a valid one.
func (n NodeID) IsZero() bool {
	return n.ProcessID == 0 && n.HostID == [20]byte{}
}

// ActorAddress is the fully qualified, location-independent identity of an
// actor: the node it was spawned on, plus its local actor id within that
// node. Two ActorAddress values compare equal iff they name the same actor,
// regardless of whether that actor is locally known or reachable only
// through a remote proxy.
type ActorAddress struct {
	Node NodeID
	ID   LocalActorID
}

// String renders the address as "<node>/<actor-id>".
func (a ActorAddress) String() string {
	return fmt.Sprintf("%s/%d", a.Node, a.ID)
}

// atomAlphabet is the set of characters encodable in an Atom, widened from
// CAF's 36-symbol restriction (digits, uppercase, and a handful of
// punctuation characters) to the 64-character base64 URL alphabet so that
// longer, mixed-case system names such as "SpawnServ" and "ConfigServ" round
// trip through the same compact integer encoding as short verbs like "ping".
const atomAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ" +
	"abcdefghijklmnopqrstuvwxyz0123456789-_"

// maxAtomChars is the maximum number of characters an Atom can hold. With a
// 64-symbol alphabet, 10 characters take 60 bits (64^10 = 2^60), leaving the
// low 4 bits of the uint64 for the length.
const maxAtomChars = 10

var atomCharValue [256]int8

func init() {
	for i := range atomCharValue {
		atomCharValue[i] = -1
	}
	for i, c := range atomAlphabet {
		atomCharValue[byte(c)] = int8(i)
	}
}

// Atom is a compact, comparable encoding of a short string identifier, used
// throughout the wire protocol for message verbs and system names so they
// can be compared and hashed as plain integers instead of allocated strings.
// It is grounded on the atom_value encoding exercised by CAF's atom and
// spawn tests.
type Atom uint64

// NewAtom encodes s as an Atom. It returns an error if s is empty, longer
// than maxAtomChars, or contains a character outside atomAlphabet.
func NewAtom(s string) (Atom, error) {
	if s == "" {
		return 0, fmt.Errorf("atom: empty string")
	}
	if len(s) > maxAtomChars {
		return 0, fmt.Errorf(
			"atom: %q exceeds max length %d", s, maxAtomChars,
		)
	}

	var v uint64
	base := uint64(len(atomAlphabet))
	for i := 0; i < len(s); i++ {
		c := atomCharValue[s[i]]
		if c < 0 {
			return 0, fmt.Errorf(
				"atom: invalid character %q in %q", s[i], s,
			)
		}
		v = v*base + uint64(c)
	}

	// Encode the length in the low 4 bits so that e.g. "a" and "aa" (which
	// would otherwise collide under a naive positional encoding) decode
	// unambiguously.
	return Atom(v<<4 | uint64(len(s))), nil
}

// MustAtom is like NewAtom but panics on error. It is intended for use with
// compile-time-constant strings, such as well-known system names.
func MustAtom(s string) Atom {
	a, err := NewAtom(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String decodes the Atom back to its original string form.
func (a Atom) String() string {
	length := int(a & 0xf)
	if length == 0 || length > maxAtomChars {
		return ""
	}

	v := uint64(a >> 4)
	base := uint64(len(atomAlphabet))

	var b strings.Builder
	b.Grow(length)

	chars := make([]byte, length)
	for i := length - 1; i >= 0; i-- {
		chars[i] = atomAlphabet[v%base]
		v /= base
	}
	b.Write(chars)

	return b.String()
}

// MessageID uniquely identifies an in-flight request/response exchange
// between two actors, local or remote. It packs a monotonically increasing
// per-node sequence number together with a 2-bit priority and a response
// flag, matching the bit layout spec.md describes for BASP dispatch
// envelopes so a MessageID can be written directly into the 64-bit wire
// field without further translation.
type MessageID uint64

const (
	messageIDResponseBit   = uint64(1) << 63
	messageIDPriorityMask  = uint64(0b11) << 61
	messageIDPriorityShift = 61
	messageIDSequenceMask  = (uint64(1) << 61) - 1
)

// NewMessageID packs a sequence number and priority (0-3) into a MessageID.
func NewMessageID(seq uint64, priority uint8) MessageID {
	return MessageID(
		(seq & messageIDSequenceMask) |
			(uint64(priority&0b11) << messageIDPriorityShift),
	)
}

// IsResponse reports whether this MessageID has been marked as identifying a
// response to a prior request, via WithResponse.
func (m MessageID) IsResponse() bool {
	return uint64(m)&messageIDResponseBit != 0
}

// WithResponse returns a copy of m with the response flag set, used when
// constructing the reply envelope for a request.
func (m MessageID) WithResponse() MessageID {
	return MessageID(uint64(m) | messageIDResponseBit)
}

// Priority extracts the 2-bit priority class encoded in m.
func (m MessageID) Priority() uint8 {
	return uint8((uint64(m) & messageIDPriorityMask) >> messageIDPriorityShift)
}

// Sequence extracts the per-node sequence counter encoded in m.
func (m MessageID) Sequence() uint64 {
	return uint64(m) & messageIDSequenceMask
}
