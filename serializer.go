package stoat

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Serializer encodes snapshot state and cached query results.
type Serializer interface {
	// Marshal converts a value to bytes.
	Marshal(v interface{}) ([]byte, error)

	// Unmarshal decodes data into the value pointed to by v.
	Unmarshal(data []byte, v interface{}) error

	// Name identifies the encoding, for example "json".
	Name() string
}

// JSONSerializer is the default Serializer implementation using JSON encoding.
// Numbers decode as json.Number so integer state survives a round trip.
type JSONSerializer struct{}

// NewJSONSerializer creates a new JSONSerializer.
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{}
}

var _ Serializer = (*JSONSerializer)(nil)

// Marshal converts a value to JSON bytes.
func (s *JSONSerializer) Marshal(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, NewSerializationError("nil", "marshal", fmt.Errorf("value cannot be nil"))
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, NewSerializationError(fmt.Sprintf("%T", v), "marshal", err)
	}
	return data, nil
}

// Unmarshal decodes JSON bytes into v.
func (s *JSONSerializer) Unmarshal(data []byte, v interface{}) error {
	if len(data) == 0 {
		return NewSerializationError(fmt.Sprintf("%T", v), "unmarshal", fmt.Errorf("data cannot be empty"))
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return NewSerializationError(fmt.Sprintf("%T", v), "unmarshal", err)
	}
	return nil
}

// Name returns "json".
func (s *JSONSerializer) Name() string {
	return "json"
}
