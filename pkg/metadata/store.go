// ABOUTME: Metadata store over the document's replicated "meta" map
// ABOUTME: Typed scalar and string-array CRUD plus bulk assignment from JSON

package metadata

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math"
	"strconv"

	"github.com/taeuk-works/appflowy-editor-sync-plugin/pkg/crdt"
	"github.com/taeuk-works/appflowy-editor-sync-plugin/pkg/docerr"
)

// ContainerName is the top-level map holding metadata
const ContainerName = "meta"

// Store manages document metadata
type Store struct {
	meta crdt.MapRef
}

// NewStore creates a metadata store bound to doc
func NewStore(doc *crdt.Doc) *Store {
	return &Store{meta: doc.Map(ContainerName)}
}

// SetScalar overwrites key with a string, int, float or bool value
func (s *Store) SetScalar(txn *crdt.Txn, key string, v Value) error {
	var a crdt.Any
	switch v.kind {
	case KindBool:
		a = crdt.Bool(v.b)
	case KindInt:
		a = crdt.Int(v.i)
	case KindFloat:
		a = crdt.Float(v.f)
	case KindString:
		a = crdt.String(v.s)
	default:
		return docerr.InvalidOperation("metadata key %q: %s is not a scalar", key, v)
	}
	s.meta.Set(txn, key, a)
	return nil
}

// RemoveKey deletes key; it reports whether the key was present
func (s *Store) RemoveKey(txn *crdt.Txn, key string) bool {
	return s.meta.Delete(txn, key)
}

// SetArray replaces key with a fresh array holding values in order
func (s *Store) SetArray(txn *crdt.Txn, key string, values []string) {
	arr := s.meta.SetArray(txn, key)
	for _, v := range values {
		// The array was created in this transaction, so Push cannot fail.
		_ = arr.Push(txn, crdt.String(v))
	}
}

// PushArrayItem appends value unless the array already holds it. A missing
// or scalar key is replaced by a new array.
func (s *Store) PushArrayItem(txn *crdt.Txn, key, value string) (bool, error) {
	arr := s.meta.GetOrInitArray(txn, key)
	if indexOf(txn, arr, value) >= 0 {
		return false, nil
	}
	if err := arr.Push(txn, crdt.String(value)); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveArrayItem removes the first element equal to value
func (s *Store) RemoveArrayItem(txn *crdt.Txn, key, value string) (bool, error) {
	v, ok := s.meta.Get(txn, key)
	if !ok {
		return false, nil
	}
	arr, ok := v.Array()
	if !ok {
		return false, nil
	}
	idx := indexOf(txn, arr, value)
	if idx < 0 {
		return false, nil
	}
	if err := arr.Delete(txn, idx); err != nil {
		return false, err
	}
	return true, nil
}

func indexOf(r crdt.Reader, arr crdt.ArrayRef, value string) int {
	for i, item := range arr.Values(r) {
		if s, ok := item.Any.AsString(); ok && item.Content == crdt.ContentAny && s == value {
			return i
		}
	}
	return -1
}

// Get returns the value at key
func (s *Store) Get(r crdt.Reader, key string) (Value, bool) {
	v, ok := s.meta.Get(r, key)
	if !ok {
		return Value{}, false
	}
	return fromSlot(r, v), true
}

// GetAll returns every entry in the map's replicated key order
func (s *Store) GetAll(r crdt.Reader) Entries {
	var out Entries
	s.meta.Range(r, func(key string, v crdt.Value) bool {
		out = append(out, Entry{Key: key, Value: fromSlot(r, v)})
		return true
	})
	return out
}

// fromSlot converts a stored slot. Shapes metadata never writes (nested
// maps, lists, objects) read as null; non-string array elements are skipped.
func fromSlot(r crdt.Reader, v crdt.Value) Value {
	if arr, ok := v.Array(); ok {
		items := []string{}
		for _, item := range arr.Values(r) {
			if s, ok := item.Any.AsString(); ok && item.Content == crdt.ContentAny {
				items = append(items, s)
			}
		}
		return StringArray(items)
	}
	if v.Content != crdt.ContentAny {
		return Null()
	}
	switch v.Any.Kind() {
	case crdt.KindBool:
		b, _ := v.Any.AsBool()
		return Bool(b)
	case crdt.KindInt:
		i, _ := v.Any.AsInt()
		return Int(i)
	case crdt.KindFloat:
		f, _ := v.Any.AsFloat()
		return Float(f)
	case crdt.KindString:
		str, _ := v.Any.AsString()
		return String(str)
	}
	return Null()
}

// SetFromJSON applies a JSON object key by key in document order:
// null removes, scalars overwrite, arrays replace (strings only), nested
// objects are stored as their compact JSON text. The whole object is
// checked before the first key is written, so a rejected object changes
// nothing.
func (s *Store) SetFromJSON(txn *crdt.Txn, data []byte) error {
	fields, err := decodeObject(data)
	if err != nil {
		return err
	}
	for _, f := range fields {
		if err := s.setField(txn, f); err != nil {
			return err
		}
	}
	return nil
}

// field is one parsed top-level member of a metadata object
type field struct {
	key    string
	remove bool
	value  *Value
	array  []string
}

func decodeObject(data []byte) ([]field, error) {
	if !json.Valid(data) {
		return nil, docerr.Encoding("parse metadata json", errors.New("invalid JSON"))
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, docerr.Encoding("parse metadata json", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, docerr.InvalidOperation("expected JSON object")
	}
	var fields []field
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, docerr.Encoding("parse metadata json", err)
		}
		key, _ := tok.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, docerr.Encoding("parse metadata json", err)
		}
		f, err := parseField(key, raw)
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	if _, err := dec.Token(); err != nil {
		return nil, docerr.Encoding("parse metadata json", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, docerr.Encoding("parse metadata json", errors.New("trailing data after object"))
	}
	return fields, nil
}

func parseField(key string, raw json.RawMessage) (field, error) {
	f := field{key: key}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return f, docerr.Encoding("parse metadata json", errors.New("empty value"))
	}
	scalar := func(v Value) (field, error) {
		f.value = &v
		return f, nil
	}
	switch raw[0] {
	case 'n':
		f.remove = true
		return f, nil
	case 't', 'f':
		return scalar(Bool(raw[0] == 't'))
	case '"':
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return f, docerr.Encoding("parse metadata json", err)
		}
		return scalar(String(str))
	case '[':
		var items []any
		if err := json.Unmarshal(raw, &items); err != nil {
			return f, docerr.Encoding("parse metadata json", err)
		}
		f.array = make([]string, 0, len(items))
		for _, item := range items {
			if str, ok := item.(string); ok {
				f.array = append(f.array, str)
			}
		}
		return f, nil
	case '{':
		var compact bytes.Buffer
		if err := json.Compact(&compact, raw); err != nil {
			return f, docerr.Encoding("compact nested metadata object", err)
		}
		return scalar(String(compact.String()))
	}
	v, err := parseNumber(string(raw))
	if errors.Is(err, strconv.ErrRange) {
		return f, docerr.InvalidOperation("metadata %q: number %s does not fit in a float64", key, raw)
	}
	if err != nil {
		return f, docerr.Encoding("parse metadata json", err)
	}
	return scalar(v)
}

func (s *Store) setField(txn *crdt.Txn, f field) error {
	switch {
	case f.remove:
		s.RemoveKey(txn, f.key)
		return nil
	case f.array != nil:
		s.SetArray(txn, f.key, f.array)
		return nil
	}
	return s.SetScalar(txn, f.key, *f.value)
}

// parseNumber keeps integral numbers that fit in int64 as Int.
func parseNumber(text string) (Value, error) {
	if i, err := strconv.ParseInt(text, 10, 64); err == nil {
		return Int(i), nil
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return Value{}, err
	}
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return Int(int64(f)), nil
	}
	return Float(f), nil
}
