// Package doc holds the JSON document values exchanged between clients and
// servers, along with the structural diff used for delta state updates.
package doc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// Value is any value that can appear in a decoded JSON document: nil, bool,
// float64, string, []interface{} or map[string]interface{}.
type Value = interface{}

// Map is a JSON object.
type Map = map[string]interface{}

// List is a JSON array.
type List = []interface{}

// Parse decodes a JSON document.
func Parse(data []byte) (Value, error) {
	var v Value
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// ParseMap decodes a JSON document that must be an object.
func ParseMap(data []byte) (Map, error) {
	v, err := Parse(data)
	if err != nil {
		return nil, err
	}
	m, ok := v.(Map)
	if !ok {
		return nil, fmt.Errorf("expected a JSON object, got %T", v)
	}
	return m, nil
}

// Marshal encodes v without HTML escaping. Object keys are written in sorted
// order so equal documents always produce identical bytes.
func Marshal(v Value) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// MustMarshal is Marshal for documents that are known to be encodable.
func MustMarshal(v Value) []byte {
	b, err := Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("doc: marshal %T: %v", v, err))
	}
	return b
}

// Normalize round-trips v through the encoder so that Go-typed values (ints,
// typed slices, structs) become plain document values.
func Normalize(v Value) (Value, error) {
	b, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Clone returns a deep copy of v.
func Clone(v Value) Value {
	switch t := v.(type) {
	case Map:
		m := make(Map, len(t))
		for k, e := range t {
			m[k] = Clone(e)
		}
		return m
	case List:
		l := make(List, len(t))
		for i, e := range t {
			l[i] = Clone(e)
		}
		return l
	default:
		return v
	}
}

// Equal reports whether a and b are structurally identical.
func Equal(a, b Value) bool {
	switch at := a.(type) {
	case Map:
		bt, ok := b.(Map)
		if !ok || len(at) != len(bt) {
			return false
		}
		for k, av := range at {
			bv, ok := bt[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	case List:
		bt, ok := b.(List)
		if !ok || len(at) != len(bt) {
			return false
		}
		for i := range at {
			if !Equal(at[i], bt[i]) {
				return false
			}
		}
		return true
	case float64:
		bf, ok := toFloat(b)
		return ok && at == bf
	case int:
		bf, ok := toFloat(b)
		return ok && float64(at) == bf
	default:
		return a == b
	}
}

// String returns m[key] as a string, or "" if absent or not a string.
func String(m Map, key string) string {
	s, _ := m[key].(string)
	return s
}

// Int returns m[key] as an int, or def if absent or not a number.
func Int(m Map, key string, def int) int {
	f, ok := toFloat(m[key])
	if !ok {
		return def
	}
	return int(math.Round(f))
}

// Bool returns m[key] as a bool, or false if absent or not a bool.
func Bool(m Map, key string) bool {
	b, _ := m[key].(bool)
	return b
}

// Has reports whether key is present in m.
func Has(m Map, key string) bool {
	_, ok := m[key]
	return ok
}

// Object returns m[key] as an object, or nil.
func Object(m Map, key string) Map {
	o, _ := m[key].(Map)
	return o
}

// Items returns m[key] as a list, or nil.
func Items(m Map, key string) List {
	l, _ := m[key].(List)
	return l
}

// Ints converts a list of numbers to ints, skipping anything that isn't a number.
func Ints(l List) []int {
	out := make([]int, 0, len(l))
	for _, e := range l {
		if f, ok := toFloat(e); ok {
			out = append(out, int(f))
		}
	}
	return out
}

func toFloat(v Value) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
