// Package wire defines the pluggable payload serializer used by the BASP
// broker to turn user messages into bytes for dispatch-message frames, and
// back again on the receiving side.
package wire

// Serializer turns a value into bytes and back. The BASP instance never
// interprets payload bytes itself — it only frames them — so any codec that
// implements this interface can be registered in its place.
type Serializer interface {
	// Marshal encodes v into a new byte slice.
	Marshal(v any) ([]byte, error)

	// Unmarshal decodes data into a new value of the registered type for
	// typeName, as previously recorded by the sender's MessageType().
	Unmarshal(typeName string, data []byte) (any, error)

	// Register associates typeName with the concrete Go type of sample,
	// so Unmarshal can construct values of that type from the wire.
	// Implementations are expected to use reflection on sample's type,
	// not its value.
	Register(typeName string, sample any)
}
