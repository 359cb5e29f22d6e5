package codec

// Raw passes []byte values through unchanged. Decode copies the input so the
// caller never aliases a tier's internal buffer.
type Raw struct{}

var _ Codec[[]byte] = Raw{}

func (Raw) Encode(b []byte) ([]byte, error) { return b, nil }
func (Raw) Decode(b []byte) ([]byte, error) {
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}
