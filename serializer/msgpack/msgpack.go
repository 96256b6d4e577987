// Package msgpack provides a MessagePack implementation of stoat.Serializer.
//
// MessagePack produces smaller payloads than JSON and is the default codec
// for snapshot state, cached query results and persistence tasks carried by
// the Kafka queue.
//
//	s := msgpack.NewSerializer()
//	cache, err := stoat.NewCacheManager(l1, l2, l3, stoat.WithCacheSerializer(s))
package msgpack

import (
	"bytes"
	"fmt"

	"github.com/AshkanYarmoradi/go-stoat"
	"github.com/vmihailenco/msgpack/v5"
)

// Serializer is a MessagePack implementation of stoat.Serializer.
type Serializer struct {
	structTag   string
	compactInts bool
}

// SerializerOption configures a Serializer.
type SerializerOption func(*Serializer)

// WithStructTag reads field names from the given struct tag instead of
// `msgpack`. WithStructTag("json") lets JSON-tagged state types encode
// with the same field names under either codec.
func WithStructTag(tag string) SerializerOption {
	return func(s *Serializer) {
		s.structTag = tag
	}
}

// WithCompactInts encodes integers in the smallest type that fits.
func WithCompactInts(enabled bool) SerializerOption {
	return func(s *Serializer) {
		s.compactInts = enabled
	}
}

// NewSerializer creates a serializer that honors `json` tags and encodes
// compact integers.
func NewSerializer(opts ...SerializerOption) *Serializer {
	s := &Serializer{structTag: "json", compactInts: true}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ stoat.Serializer = (*Serializer)(nil)

// Marshal converts a value to MessagePack bytes.
func (s *Serializer) Marshal(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, stoat.NewSerializationError("nil", "marshal", fmt.Errorf("value cannot be nil"))
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if s.structTag != "" {
		enc.SetCustomStructTag(s.structTag)
	}
	enc.UseCompactInts(s.compactInts)
	if err := enc.Encode(v); err != nil {
		return nil, stoat.NewSerializationError(fmt.Sprintf("%T", v), "marshal", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes MessagePack bytes into v. Integers inside interface
// values decode as int64 and floats as float64 regardless of wire width.
func (s *Serializer) Unmarshal(data []byte, v interface{}) error {
	if len(data) == 0 {
		return stoat.NewSerializationError(fmt.Sprintf("%T", v), "unmarshal", fmt.Errorf("data cannot be empty"))
	}

	dec := msgpack.NewDecoder(bytes.NewReader(data))
	if s.structTag != "" {
		dec.SetCustomStructTag(s.structTag)
	}
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(v); err != nil {
		return stoat.NewSerializationError(fmt.Sprintf("%T", v), "unmarshal", err)
	}
	return nil
}

// Name returns "msgpack".
func (s *Serializer) Name() string {
	return "msgpack"
}
