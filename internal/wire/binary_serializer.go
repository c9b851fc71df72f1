package wire

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// BinarySerializer is the default Serializer implementation: payloads are
// encoded with CBOR, a compact binary format well suited to the small,
// schema-light structs (dispatch envelopes, handshake bodies) that cross the
// wire in this protocol. A type registry maps the MessageType() string
// carried in the BASP dispatch-message operation-data back to a concrete Go
// type so Unmarshal can allocate the right value.
type BinarySerializer struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

// NewBinarySerializer returns an empty BinarySerializer. Types must be
// registered via Register before they can be unmarshaled.
func NewBinarySerializer() *BinarySerializer {
	return &BinarySerializer{
		types: make(map[string]reflect.Type),
	}
}

// Register implements Serializer.
func (s *BinarySerializer) Register(typeName string, sample any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := reflect.TypeOf(sample)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	s.types[typeName] = t
}

// Marshal implements Serializer.
func (s *BinarySerializer) Marshal(v any) ([]byte, error) {
	data, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cbor marshal: %w", err)
	}
	return data, nil
}

// Unmarshal implements Serializer.
func (s *BinarySerializer) Unmarshal(typeName string, data []byte) (any, error) {
	s.mu.RLock()
	t, ok := s.types[typeName]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("wire: no type registered for %q", typeName)
	}

	out := reflect.New(t)
	if err := cbor.Unmarshal(data, out.Interface()); err != nil {
		return nil, fmt.Errorf("cbor unmarshal %q: %w", typeName, err)
	}

	return out.Elem().Interface(), nil
}

var _ Serializer = (*BinarySerializer)(nil)
