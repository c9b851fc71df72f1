package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string
	Count int
}

func TestBinarySerializerRoundTrip(t *testing.T) {
	s := NewBinarySerializer()
	s.Register("wire_test.sample", sample{})

	in := sample{Name: "widget", Count: 3}

	data, err := s.Marshal(in)
	require.NoError(t, err)

	out, err := s.Unmarshal("wire_test.sample", data)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestBinarySerializerUnregisteredType(t *testing.T) {
	s := NewBinarySerializer()

	_, err := s.Unmarshal("wire_test.missing", []byte{0x00})
	require.Error(t, err)
}

func TestBinarySerializerRegisterAcceptsPointerSample(t *testing.T) {
	s := NewBinarySerializer()
	s.Register("wire_test.sample", &sample{})

	data, err := s.Marshal(sample{Name: "ptr", Count: 1})
	require.NoError(t, err)

	out, err := s.Unmarshal("wire_test.sample", data)
	require.NoError(t, err)
	require.Equal(t, sample{Name: "ptr", Count: 1}, out)
}
