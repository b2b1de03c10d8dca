// ABOUTME: Any is the tagged union of plain values stored in replicated containers
// ABOUTME: Scalars, lists and objects with ordered fields; no reflection involved

package crdt

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
)

// Kind tags the variant held by an Any.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindList
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindObject:
		return "object"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Field is one entry of an object value. Objects keep field order.
type Field struct {
	Key   string
	Value Any
}

// Any holds one plain value. The zero Any is null.
type Any struct {
	kind   Kind
	b      bool
	i      int64
	f      float64
	s      string
	list   []Any
	fields []Field
}

func Null() Any { return Any{} }
func Bool(b bool) Any { return Any{kind: KindBool, b: b} }
func Int(i int64) Any { return Any{kind: KindInt, i: i} }
func Float(f float64) Any { return Any{kind: KindFloat, f: f} }
func String(s string) Any { return Any{kind: KindString, s: s} }
func List(items ...Any) Any { return Any{kind: KindList, list: items} }
func Object(fields ...Field) Any { return Any{kind: KindObject, fields: fields} }

func (a Any) Kind() Kind { return a.kind }
func (a Any) IsNull() bool { return a.kind == KindNull }

func (a Any) AsBool() (bool, bool) { return a.b, a.kind == KindBool }
func (a Any) AsInt() (int64, bool) { return a.i, a.kind == KindInt }
func (a Any) AsFloat() (float64, bool) { return a.f, a.kind == KindFloat }
func (a Any) AsString() (string, bool) { return a.s, a.kind == KindString }
func (a Any) AsList() ([]Any, bool) { return a.list, a.kind == KindList }
func (a Any) AsObject() ([]Field, bool) { return a.fields, a.kind == KindObject }

// Equal reports deep equality. Floats compare by bit pattern so NaN equals NaN.
func (a Any) Equal(b Any) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindInt:
		return a.i == b.i
	case KindFloat:
		return math.Float64bits(a.f) == math.Float64bits(b.f)
	case KindString:
		return a.s == b.s
	case KindList:
		if len(a.list) != len(b.list) {
			return false
		}
		for i := range a.list {
			if !a.list[i].Equal(b.list[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(a.fields) != len(b.fields) {
			return false
		}
		for i := range a.fields {
			if a.fields[i].Key != b.fields[i].Key || !a.fields[i].Value.Equal(b.fields[i].Value) {
				return false
			}
		}
		return true
	}
	return false
}

// Native converts the value into plain Go values: nil, bool, int64, float64,
// string, []any and map[string]any.
func (a Any) Native() any {
	switch a.kind {
	case KindBool:
		return a.b
	case KindInt:
		return a.i
	case KindFloat:
		return a.f
	case KindString:
		return a.s
	case KindList:
		out := make([]any, len(a.list))
		for i, item := range a.list {
			out[i] = item.Native()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(a.fields))
		for _, f := range a.fields {
			out[f.Key] = f.Value.Native()
		}
		return out
	}
	return nil
}

// FromNative is the inverse of Native. Unsupported types yield an error.
func FromNative(v any) (Any, error) {
	switch x := v.(type) {
	case nil:
		return Null(), nil
	case Any:
		return x, nil
	case bool:
		return Bool(x), nil
	case int:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case float32:
		return Float(float64(x)), nil
	case float64:
		return Float(x), nil
	case string:
		return String(x), nil
	case []string:
		items := make([]Any, len(x))
		for i, s := range x {
			items[i] = String(s)
		}
		return List(items...), nil
	case []any:
		items := make([]Any, len(x))
		for i, item := range x {
			conv, err := FromNative(item)
			if err != nil {
				return Any{}, err
			}
			items[i] = conv
		}
		return List(items...), nil
	case map[string]any:
		keys := slices.Sorted(maps.Keys(x))
		fields := make([]Field, len(keys))
		for i, k := range keys {
			conv, err := FromNative(x[k])
			if err != nil {
				return Any{}, err
			}
			fields[i] = Field{Key: k, Value: conv}
		}
		return Object(fields...), nil
	}
	return Any{}, fmt.Errorf("unsupported value type %T", v)
}

func (a Any) String() string {
	var sb strings.Builder
	a.writeTo(&sb)
	return sb.String()
}

func (a Any) writeTo(sb *strings.Builder) {
	switch a.kind {
	case KindNull:
		sb.WriteString("null")
	case KindBool:
		sb.WriteString(strconv.FormatBool(a.b))
	case KindInt:
		sb.WriteString(strconv.FormatInt(a.i, 10))
	case KindFloat:
		sb.WriteString(strconv.FormatFloat(a.f, 'g', -1, 64))
	case KindString:
		sb.WriteString(strconv.Quote(a.s))
	case KindList:
		sb.WriteByte('[')
		for i, item := range a.list {
			if i > 0 {
				sb.WriteByte(',')
			}
			item.writeTo(sb)
		}
		sb.WriteByte(']')
	case KindObject:
		sb.WriteByte('{')
		for i, f := range a.fields {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.Quote(f.Key))
			sb.WriteByte(':')
			f.Value.writeTo(sb)
		}
		sb.WriteByte('}')
	}
}
