package codec

import "encoding/json"

// JSON serializes values with encoding/json. The zero value is ready to use.
// This is the default codec: payloads stay valid UTF-8 text, which the
// durable tier stores as-is.
type JSON[V any] struct{}

func (JSON[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }
func (JSON[V]) Decode(b []byte) (V, error) {
	var v V
	err := json.Unmarshal(b, &v)
	return v, err
}
