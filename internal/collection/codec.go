package collection

import (
	"encoding/json"
	"fmt"
)

// Codec maps values onto the opaque member strings stored remotely. Two values
// are the same member iff they encode to the same string.
type Codec[V any] interface {
	Encode(v V) (string, error)
	Decode(member string) (V, error)
}

type StringCodec struct{}

func (StringCodec) Encode(v string) (string, error)      { return v, nil }
func (StringCodec) Decode(member string) (string, error) { return member, nil }

// JSONCodec stores values as their JSON encoding.
type JSONCodec[V any] struct{}

func (JSONCodec[V]) Encode(v V) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCodec, err)
	}
	return string(raw), nil
}

func (JSONCodec[V]) Decode(member string) (V, error) {
	var v V
	if err := json.Unmarshal([]byte(member), &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrCodec, err)
	}
	return v, nil
}
