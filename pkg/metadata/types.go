// ABOUTME: Metadata value model
// ABOUTME: Tagged union of scalars and string arrays, with an ordered JSON rendering

package metadata

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ValueKind tags the variant held by a Value
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindStringArray
)

// Value is one metadata value
type Value struct {
	kind ValueKind
	b    bool
	i    int64
	f    float64
	s    string
	arr  []string
}

func Null() Value { return Value{} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func Int(i int64) Value { return Value{kind: KindInt, i: i} }
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }
func String(s string) Value { return Value{kind: KindString, s: s} }
func StringArray(items []string) Value {
	return Value{kind: KindStringArray, arr: append([]string(nil), items...)}
}

func (v Value) Kind() ValueKind { return v.kind }

func (v Value) Bool() (bool, bool) { return v.b, v.kind == KindBool }
func (v Value) Int() (int64, bool) { return v.i, v.kind == KindInt }
func (v Value) Float() (float64, bool) { return v.f, v.kind == KindFloat }
func (v Value) Str() (string, bool) { return v.s, v.kind == KindString }
func (v Value) Strings() ([]string, bool) { return v.arr, v.kind == KindStringArray }

// Native returns nil, bool, int64, float64, string or []string.
func (v Value) Native() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindStringArray:
		return append([]string{}, v.arr...)
	}
	return nil
}

func (v Value) String() string {
	b, err := v.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return string(b)
}

// MarshalJSON renders the value as JSON.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeValue(buf *bytes.Buffer, v Value) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
		return nil
	case KindStringArray:
		buf.WriteByte('[')
		for i, s := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSON(buf, s); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	}
	return writeJSON(buf, v.Native())
}

func writeJSON(buf *bytes.Buffer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

// Entry is one key of the metadata map
type Entry struct {
	Key   string
	Value Value
}

// Entries is the metadata map in its replicated key order
type Entries []Entry

// Get returns the value stored at key.
func (e Entries) Get(key string) (Value, bool) {
	for _, entry := range e {
		if entry.Key == key {
			return entry.Value, true
		}
	}
	return Value{}, false
}

// Keys lists the keys in order.
func (e Entries) Keys() []string {
	out := make([]string, len(e))
	for i, entry := range e {
		out[i] = entry.Key
	}
	return out
}

// Map returns the entries as native Go values.
func (e Entries) Map() map[string]any {
	out := make(map[string]any, len(e))
	for _, entry := range e {
		out[entry.Key] = entry.Value.Native()
	}
	return out
}

// MarshalJSON renders a JSON object whose keys keep the entries' order.
func (e Entries) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, entry := range e {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeJSON(&buf, entry.Key); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		if err := writeValue(&buf, entry.Value); err != nil {
			return nil, fmt.Errorf("key %q: %w", entry.Key, err)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
