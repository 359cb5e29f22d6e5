// Package codec provides pluggable serialization between caller values and
// the byte payloads the storage tiers hold.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
