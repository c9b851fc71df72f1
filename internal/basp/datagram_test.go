package basp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func seqHeader(seq uint16) Header {
	return Header{Sequence: seq, HasSequence: true}
}

func TestReorderBufferInOrder(t *testing.T) {
	buf := NewReorderBuffer(64, time.Second)

	ready := buf.Accept(seqHeader(0), []byte("a"))
	require.Len(t, ready, 1)

	ready = buf.Accept(seqHeader(1), []byte("b"))
	require.Len(t, ready, 1)
}

func TestReorderBufferBuffersAhead(t *testing.T) {
	buf := NewReorderBuffer(64, time.Second)

	ready := buf.Accept(seqHeader(2), []byte("c"))
	require.Empty(t, ready)

	ready = buf.Accept(seqHeader(1), []byte("b"))
	require.Empty(t, ready)

	ready = buf.Accept(seqHeader(0), []byte("a"))
	require.Len(t, ready, 3)
	require.Equal(t, []byte("a"), ready[0].payload)
	require.Equal(t, []byte("b"), ready[1].payload)
	require.Equal(t, []byte("c"), ready[2].payload)
}

func TestReorderBufferDropsTooFarAhead(t *testing.T) {
	buf := NewReorderBuffer(4, time.Second)

	ready := buf.Accept(seqHeader(10), []byte("late"))
	require.Empty(t, ready)
	require.Empty(t, buf.pending)
}

func TestReorderBufferFlushExpiredSkipsGap(t *testing.T) {
	buf := NewReorderBuffer(64, time.Millisecond)

	buf.Accept(seqHeader(1), []byte("b"))
	buf.Accept(seqHeader(2), []byte("c"))

	require.False(t, buf.Expired(time.Now()))
	require.True(t, buf.Expired(time.Now().Add(time.Hour)))

	ready := buf.FlushExpired()
	require.Len(t, ready, 2)
	require.Equal(t, []byte("b"), ready[0].payload)
	require.Equal(t, []byte("c"), ready[1].payload)

	ready = buf.Accept(seqHeader(3), []byte("d"))
	require.Len(t, ready, 1)
}
