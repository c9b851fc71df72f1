package basp

import "time"

// seqModulo is the modulus sequence numbers wrap around at: a 16-bit
// counter per the wire header's 2-byte sequence field.
const seqModulo = 1 << 16

// DefaultReorderWindow is the default W used by ReorderBuffer when the
// broker doesn't configure one explicitly.
const DefaultReorderWindow = 64

// pendingFrame is one out-of-order datagram payload buffered awaiting its
// turn, or awaiting the reorder timeout to flush past a gap.
type pendingFrame struct {
	header  Header
	payload []byte
}

// ReorderBuffer restores FIFO order over an unreliable datagram transport
// using the sequence number carried in each frame's header. Its owner calls
// Accept as datagrams arrive and FlushExpired once Expired reports true.
// The broker in this repository does not use a ReorderBuffer: it hands
// datagram frames to the basp.Instance in arrival order.
type ReorderBuffer struct {
	window  uint32
	timeout time.Duration

	expected uint16
	pending  map[uint16]pendingFrame
	oldest   time.Time
}

// NewReorderBuffer constructs a buffer expecting sequence numbers to start
// at zero, with the given window and pending-delivery timeout.
func NewReorderBuffer(window uint32, timeout time.Duration) *ReorderBuffer {
	if window == 0 {
		window = DefaultReorderWindow
	}
	return &ReorderBuffer{
		window:  window,
		timeout: timeout,
		pending: make(map[uint16]pendingFrame),
	}
}

// distance returns how far ahead of expected seq is, modulo seqModulo,
// treating "behind" as a very large forward distance so callers can
// threshold on window size alone.
func (b *ReorderBuffer) distance(seq uint16) uint32 {
	return uint32(seq-b.expected) % seqModulo
}

// Accept processes one arriving datagram and returns the frames now ready
// for delivery, in order. A frame that arrives exactly at the expected
// sequence number is returned immediately, along with any subsequent
// frames that were already buffered and are now contiguous. A frame ahead
// by up to the window is buffered and nothing is returned. A frame too far
// ahead, or older than expected, is dropped (the default out-of-window
// policy per spec).
func (b *ReorderBuffer) Accept(h Header, payload []byte) []pendingFrame {
	dist := b.distance(h.Sequence)

	switch {
	case dist == 0:
		ready := []pendingFrame{{header: h, payload: payload}}
		b.expected++
		ready = append(ready, b.drainContiguous()...)
		if len(b.pending) == 0 {
			b.oldest = time.Time{}
		}
		return ready

	case dist <= b.window:
		if _, exists := b.pending[h.Sequence]; !exists {
			b.pending[h.Sequence] = pendingFrame{header: h, payload: payload}
			if b.oldest.IsZero() {
				b.oldest = time.Now()
			}
		}
		return nil

	default:
		// Too far ahead, or behind (wraps to a huge distance): dropped.
		return nil
	}
}

func (b *ReorderBuffer) drainContiguous() []pendingFrame {
	var ready []pendingFrame
	for {
		f, ok := b.pending[b.expected]
		if !ok {
			break
		}
		delete(b.pending, b.expected)
		ready = append(ready, f)
		b.expected++
	}
	return ready
}

// Expired reports whether the oldest buffered frame has outlived the
// configured pending-delivery timeout, meaning FlushExpired should run.
func (b *ReorderBuffer) Expired(now time.Time) bool {
	if b.oldest.IsZero() || b.timeout <= 0 {
		return false
	}
	return now.Sub(b.oldest) >= b.timeout
}

// FlushExpired skips the current gap, advancing past missing sequence
// numbers to the next buffered frame (or to one past the highest
// contiguous run delivered), and returns every frame that becomes
// deliverable as a result. Called once Expired reports true.
func (b *ReorderBuffer) FlushExpired() []pendingFrame {
	if len(b.pending) == 0 {
		b.oldest = time.Time{}
		return nil
	}

	// Advance expected to the lowest still-pending sequence number
	// (measured by forward distance from the current expected), then
	// drain the contiguous run starting there.
	var lowestDist uint32 = seqModulo
	var lowestSeq uint16
	for seq := range b.pending {
		d := b.distance(seq)
		if d < lowestDist {
			lowestDist = d
			lowestSeq = seq
		}
	}

	b.expected = lowestSeq
	ready := b.drainContiguous()

	if len(b.pending) == 0 {
		b.oldest = time.Time{}
	} else {
		b.oldest = time.Now()
	}

	return ready
}
