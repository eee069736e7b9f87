// Package model defines shared types used across the store, remote client,
// and sync engine.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ValueKind tags the primitive type of a sensor value.
type ValueKind string

const (
	// KindBool is a boolean value.
	KindBool ValueKind = "bool"
	// KindInt is a 64-bit integer value.
	KindInt ValueKind = "int"
	// KindFloat is a 64-bit floating point value.
	KindFloat ValueKind = "float"
	// KindString is a plain string value.
	KindString ValueKind = "string"
	// KindJSON is an arbitrary JSON object or array.
	KindJSON ValueKind = "json"
)

// Value is a typed sensor reading stored as a kind tag plus a canonical
// string encoding, so exact numeric/string/JSON round-trips are preserved
// through the store and the wire.
type Value struct {
	kind ValueKind
	raw  string
}

// NewValue derives a Value from a Go runtime value. Supported types:
// bool, int/int32/int64, float32/float64, string, and JSON-shaped values
// (map[string]any, []any, json.RawMessage).
func NewValue(v any) (Value, error) {
	switch x := v.(type) {
	case bool:
		return Value{kind: KindBool, raw: strconv.FormatBool(x)}, nil
	case int:
		return Value{kind: KindInt, raw: strconv.FormatInt(int64(x), 10)}, nil
	case int32:
		return Value{kind: KindInt, raw: strconv.FormatInt(int64(x), 10)}, nil
	case int64:
		return Value{kind: KindInt, raw: strconv.FormatInt(x, 10)}, nil
	case float32:
		return Value{kind: KindFloat, raw: strconv.FormatFloat(float64(x), 'g', -1, 64)}, nil
	case float64:
		return Value{kind: KindFloat, raw: strconv.FormatFloat(x, 'g', -1, 64)}, nil
	case string:
		return Value{kind: KindString, raw: x}, nil
	case json.RawMessage:
		return jsonValue(x)
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return Value{}, fmt.Errorf("encoding JSON value: %w", err)
		}
		return Value{kind: KindJSON, raw: string(b)}, nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", v)
	}
}

// RestoreValue rebuilds a Value from its stored kind tag and canonical
// string. Used by the store when scanning rows; the pair is trusted.
func RestoreValue(kind ValueKind, raw string) Value {
	return Value{kind: kind, raw: raw}
}

// jsonValue canonicalises a raw JSON document through a decode/encode
// round-trip so equal documents share one encoding.
func jsonValue(raw json.RawMessage) (Value, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return Value{}, fmt.Errorf("invalid JSON value: %w", err)
	}
	return Value{kind: KindJSON, raw: buf.String()}, nil
}

// Kind returns the value's type tag.
func (v Value) Kind() ValueKind { return v.kind }

// Raw returns the canonical string encoding.
func (v Value) Raw() string { return v.raw }

// IsZero reports whether v is the zero Value (no kind set).
func (v Value) IsZero() bool { return v.kind == "" }

// Bool returns the boolean value, or an error if the kind is not bool.
func (v Value) Bool() (bool, error) {
	if v.kind != KindBool {
		return false, fmt.Errorf("value is %s, not bool", v.kind)
	}
	return strconv.ParseBool(v.raw)
}

// Int returns the integer value, or an error if the kind is not int.
func (v Value) Int() (int64, error) {
	if v.kind != KindInt {
		return 0, fmt.Errorf("value is %s, not int", v.kind)
	}
	return strconv.ParseInt(v.raw, 10, 64)
}

// Float returns the floating point value, or an error if the kind is not float.
func (v Value) Float() (float64, error) {
	if v.kind != KindFloat {
		return 0, fmt.Errorf("value is %s, not float", v.kind)
	}
	return strconv.ParseFloat(v.raw, 64)
}

// String returns the string value for string kinds; for other kinds it
// returns the canonical encoding (useful for logging).
func (v Value) String() string { return v.raw }

// JSON returns the decoded JSON document, or an error if the kind is not json.
func (v Value) JSON() (any, error) {
	if v.kind != KindJSON {
		return nil, fmt.Errorf("value is %s, not json", v.kind)
	}
	var out any
	if err := json.Unmarshal([]byte(v.raw), &out); err != nil {
		return nil, fmt.Errorf("decoding JSON value: %w", err)
	}
	return out, nil
}

// Native returns the value as its Go runtime type: bool, int64, float64,
// string, or a decoded JSON document.
func (v Value) Native() (any, error) {
	switch v.kind {
	case KindBool:
		return v.Bool()
	case KindInt:
		return v.Int()
	case KindFloat:
		return v.Float()
	case KindString:
		return v.raw, nil
	case KindJSON:
		return v.JSON()
	default:
		return nil, fmt.Errorf("value has no kind")
	}
}

// Equal reports whether two values have the same kind and canonical encoding.
func (v Value) Equal(o Value) bool {
	return v.kind == o.kind && v.raw == o.raw
}

// MarshalJSON encodes the value as its native JSON representation (a bare
// bool/number/string, or the JSON document itself).
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindBool, KindInt, KindFloat, KindJSON:
		return []byte(v.raw), nil
	case KindString:
		return json.Marshal(v.raw)
	default:
		return nil, fmt.Errorf("cannot marshal zero Value")
	}
}

// UnmarshalJSON derives the kind from the JSON token shape: objects and
// arrays become json, quoted strings become string, true/false become bool,
// and numbers become int when they have no fraction or exponent, else float.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty value")
	}
	switch data[0] {
	case '{', '[':
		val, err := jsonValue(data)
		if err != nil {
			return err
		}
		*v = val
		return nil
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = Value{kind: KindString, raw: s}
		return nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Value{kind: KindBool, raw: strconv.FormatBool(b)}
		return nil
	default:
		s := string(data)
		if strings.ContainsAny(s, ".eE") {
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return fmt.Errorf("invalid number %q: %w", s, err)
			}
			*v = Value{kind: KindFloat, raw: strconv.FormatFloat(f, 'g', -1, 64)}
			return nil
		}
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", s, err)
		}
		*v = Value{kind: KindInt, raw: strconv.FormatInt(i, 10)}
		return nil
	}
}
