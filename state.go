package stoat

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// State is the serialized form of an aggregate's fields, captured in snapshots.
// Values are plain data: strings, numbers, booleans, time.Time, nested State,
// maps and slices of these.
//
// Typed accessors translate the decoded representation back to the semantic
// type. A missing key yields the zero value.
type State map[string]interface{}

// timeTag marks an encoded timestamp so it decodes back to time.Time rather
// than staying a string.
const timeTag = "$time"

// StateCodec is implemented by aggregates that can be snapshotted.
// RestoreState is only ever called on a fresh aggregate from its factory.
type StateCodec interface {
	SnapshotState() (State, error)
	RestoreState(state State) error
}

// EncodeState tags nested timestamps and serializes state.
func EncodeState(s Serializer, state State) ([]byte, error) {
	return s.Marshal(encodeValue(state))
}

// DecodeState deserializes state and restores tagged timestamps and nested objects.
func DecodeState(s Serializer, data []byte) (State, error) {
	var raw map[string]interface{}
	if err := s.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return decodeObject(raw), nil
}

func encodeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case time.Time:
		return map[string]interface{}{timeTag: val.UTC().Format(time.RFC3339Nano)}
	case *time.Time:
		if val == nil {
			return nil
		}
		return encodeValue(*val)
	case State:
		return encodeMap(val)
	case map[string]interface{}:
		return encodeMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = encodeValue(item)
		}
		return out
	case []State:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = encodeMap(item)
		}
		return out
	default:
		return v
	}
}

func encodeMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = encodeValue(v)
	}
	return out
}

func decodeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		if ts, ok := taggedTime(val); ok {
			return ts
		}
		return decodeObject(val)
	case map[interface{}]interface{}:
		converted := make(map[string]interface{}, len(val))
		for k, item := range val {
			converted[fmt.Sprint(k)] = item
		}
		return decodeValue(converted)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = decodeValue(item)
		}
		return out
	default:
		return v
	}
}

// decodeObject decodes the fields of m without treating m itself as a tagged value.
func decodeObject(m map[string]interface{}) State {
	out := make(State, len(m))
	for k, item := range m {
		out[k] = decodeValue(item)
	}
	return out
}

func taggedTime(m map[string]interface{}) (time.Time, bool) {
	if len(m) != 1 {
		return time.Time{}, false
	}
	raw, ok := m[timeTag].(string)
	if !ok {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func (s State) typeError(key, want string) error {
	return fmt.Errorf("stoat: state field %q is %T, not %s", key, s[key], want)
}

// String returns a string field.
func (s State) String(key string) (string, error) {
	switch v := s[key].(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", s.typeError(key, "a string")
	}
}

// Bool returns a boolean field.
func (s State) Bool(key string) (bool, error) {
	switch v := s[key].(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	default:
		return false, s.typeError(key, "a bool")
	}
}

// Int64 returns an integer field. Any decoded numeric representation is
// accepted as long as it holds an integral value.
func (s State) Int64(key string) (int64, error) {
	v, ok := toInt64(s[key])
	if !ok {
		return 0, s.typeError(key, "an integer")
	}
	return v, nil
}

// Float64 returns a numeric field.
func (s State) Float64(key string) (float64, error) {
	switch v := s[key].(type) {
	case nil:
		return 0, nil
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, s.typeError(key, "a number")
		}
		return f, nil
	default:
		if i, ok := toInt64(v); ok {
			return float64(i), nil
		}
		return 0, s.typeError(key, "a number")
	}
}

// Time returns a timestamp field. Tagged timestamps, time.Time values and
// RFC 3339 strings are accepted.
func (s State) Time(key string) (time.Time, error) {
	switch v := s[key].(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return v, nil
	case string:
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("stoat: state field %q: %w", key, err)
		}
		return ts, nil
	case map[string]interface{}:
		if ts, ok := taggedTime(v); ok {
			return ts, nil
		}
	case State:
		if ts, ok := taggedTime(v); ok {
			return ts, nil
		}
	}
	return time.Time{}, s.typeError(key, "a timestamp")
}

// Object returns a nested object field. Objects that were stored as a JSON
// string are decoded.
func (s State) Object(key string) (State, error) {
	switch v := s[key].(type) {
	case nil:
		return nil, nil
	case State:
		return v, nil
	case map[string]interface{}:
		return decodeObject(v), nil
	case string:
		return decodeNestedJSON(key, []byte(v))
	case []byte:
		return decodeNestedJSON(key, v)
	default:
		return nil, s.typeError(key, "an object")
	}
}

// Objects returns a list of nested objects.
func (s State) Objects(key string) ([]State, error) {
	switch v := s[key].(type) {
	case nil:
		return nil, nil
	case []State:
		return v, nil
	case []interface{}:
		out := make([]State, 0, len(v))
		for i, item := range v {
			nested, err := State{"item": item}.Object("item")
			if err != nil {
				return nil, fmt.Errorf("stoat: state field %q[%d]: %w", key, i, err)
			}
			out = append(out, nested)
		}
		return out, nil
	default:
		return nil, s.typeError(key, "a list of objects")
	}
}

// Strings returns a list of strings.
func (s State) Strings(key string) ([]string, error) {
	switch v := s[key].(type) {
	case nil:
		return nil, nil
	case []string:
		return v, nil
	case []interface{}:
		out := make([]string, len(v))
		for i, item := range v {
			str, ok := item.(string)
			if !ok {
				return nil, s.typeError(key, "a list of strings")
			}
			out[i] = str
		}
		return out, nil
	default:
		return nil, s.typeError(key, "a list of strings")
	}
}

func decodeNestedJSON(key string, data []byte) (State, error) {
	var raw map[string]interface{}
	if err := NewJSONSerializer().Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("stoat: state field %q: %w", key, err)
	}
	return decodeObject(raw), nil
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case nil:
		return 0, true
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case float32:
		return toInt64(float64(n))
	case json.Number:
		i, err := strconv.ParseInt(string(n), 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}
