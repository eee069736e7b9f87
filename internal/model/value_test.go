package model

import (
	"encoding/json"
	"testing"
)

func mustValue(t *testing.T, v any) Value {
	t.Helper()
	val, err := NewValue(v)
	if err != nil {
		t.Fatalf("NewValue(%v): %v", v, err)
	}
	return val
}

func TestNewValue_KindDerivation(t *testing.T) {
	tests := []struct {
		in   any
		kind ValueKind
	}{
		{true, KindBool},
		{42, KindInt},
		{int64(-7), KindInt},
		{3.25, KindFloat},
		{"hello", KindString},
		{map[string]any{"x": 1.0}, KindJSON},
		{json.RawMessage(`{"x":1}`), KindJSON},
	}
	for _, tt := range tests {
		v := mustValue(t, tt.in)
		if v.Kind() != tt.kind {
			t.Errorf("NewValue(%v).Kind() = %s, want %s", tt.in, v.Kind(), tt.kind)
		}
	}
}

func TestNewValue_Unsupported(t *testing.T) {
	if _, err := NewValue(struct{}{}); err == nil {
		t.Error("expected error for unsupported type")
	}
}

func TestValue_NativeRoundTrip(t *testing.T) {
	b, err := mustValue(t, true).Bool()
	if err != nil || b != true {
		t.Errorf("bool round-trip = (%v, %v)", b, err)
	}

	i, err := mustValue(t, int64(9007199254740993)).Int()
	if err != nil || i != 9007199254740993 {
		t.Errorf("int round-trip = (%d, %v), want exact 9007199254740993", i, err)
	}

	f, err := mustValue(t, 0.30000000000000004).Float()
	if err != nil || f != 0.30000000000000004 {
		t.Errorf("float round-trip = (%v, %v)", f, err)
	}

	s := mustValue(t, "日本語 sensor").String()
	if s != "日本語 sensor" {
		t.Errorf("string round-trip = %q", s)
	}

	doc, err := mustValue(t, map[string]any{"x": 1.5, "y": "up"}).JSON()
	if err != nil {
		t.Fatalf("JSON(): %v", err)
	}
	obj, ok := doc.(map[string]any)
	if !ok || obj["x"] != 1.5 || obj["y"] != "up" {
		t.Errorf("json round-trip = %#v", doc)
	}
}

func TestValue_WireRoundTrip(t *testing.T) {
	for _, in := range []any{true, 17, 2.5, "str", map[string]any{"z": 3.0}} {
		orig := mustValue(t, in)
		b, err := json.Marshal(orig)
		if err != nil {
			t.Fatalf("Marshal(%v): %v", in, err)
		}
		var back Value
		if err := json.Unmarshal(b, &back); err != nil {
			t.Fatalf("Unmarshal(%s): %v", b, err)
		}
		if !orig.Equal(back) {
			t.Errorf("wire round-trip of %v: got kind=%s raw=%q, want kind=%s raw=%q",
				in, back.Kind(), back.Raw(), orig.Kind(), orig.Raw())
		}
	}
}

func TestValue_UnmarshalDistinguishesIntFromFloat(t *testing.T) {
	var v Value
	if err := json.Unmarshal([]byte(`5`), &v); err != nil {
		t.Fatal(err)
	}
	if v.Kind() != KindInt {
		t.Errorf("5 decoded as %s, want int", v.Kind())
	}
	if err := json.Unmarshal([]byte(`5.0`), &v); err != nil {
		t.Fatal(err)
	}
	if v.Kind() != KindFloat {
		t.Errorf("5.0 decoded as %s, want float", v.Kind())
	}
}

func TestValue_JSONCanonicalised(t *testing.T) {
	a, err := NewValue(json.RawMessage(`{ "x": 1,  "y": 2 }`))
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewValue(json.RawMessage(`{"x":1,"y":2}`))
	if err != nil {
		t.Fatal(err)
	}
	if !a.Equal(b) {
		t.Errorf("whitespace variants not canonicalised: %q vs %q", a.Raw(), b.Raw())
	}
}
