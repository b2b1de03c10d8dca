package crdt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
)

// MarshalJSON renders the value as JSON, keeping object field order.
func (a Any) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := a.appendJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (a Any) appendJSON(buf *bytes.Buffer) error {
	switch a.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(a.b))
	case KindInt:
		buf.WriteString(strconv.FormatInt(a.i, 10))
	case KindFloat:
		if math.IsNaN(a.f) || math.IsInf(a.f, 0) {
			return fmt.Errorf("unsupported float value %v", a.f)
		}
		b, _ := json.Marshal(a.f)
		buf.Write(b)
	case KindString:
		b, _ := json.Marshal(a.s)
		buf.Write(b)
	case KindList:
		buf.WriteByte('[')
		for i, item := range a.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.appendJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindObject:
		buf.WriteByte('{')
		for i, f := range a.fields {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, _ := json.Marshal(f.Key)
			buf.Write(b)
			buf.WriteByte(':')
			if err := f.Value.appendJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	}
	return nil
}

// UnmarshalJSON parses data with ParseJSON.
func (a *Any) UnmarshalJSON(data []byte) error {
	v, err := ParseJSON(data)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// ParseJSON parses one JSON value. Object fields keep document order and
// integral numbers that fit in int64 become Int.
func ParseJSON(data []byte) (Any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := parseJSONValue(dec)
	if err != nil {
		return Any{}, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return Any{}, errors.New("trailing data after JSON value")
	}
	return v, nil
}

func parseJSONValue(dec *json.Decoder) (Any, error) {
	tok, err := dec.Token()
	if err != nil {
		return Any{}, err
	}
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Any{}, err
		}
		return Float(f), nil
	case json.Delim:
		switch t {
		case '[':
			items := []Any{}
			for dec.More() {
				item, err := parseJSONValue(dec)
				if err != nil {
					return Any{}, err
				}
				items = append(items, item)
			}
			if _, err := dec.Token(); err != nil {
				return Any{}, err
			}
			return List(items...), nil
		case '{':
			fields := []Field{}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Any{}, err
				}
				key, _ := keyTok.(string)
				val, err := parseJSONValue(dec)
				if err != nil {
					return Any{}, err
				}
				fields = append(fields, Field{Key: key, Value: val})
			}
			if _, err := dec.Token(); err != nil {
				return Any{}, err
			}
			return Object(fields...), nil
		}
	}
	return Any{}, fmt.Errorf("unexpected JSON token %v", tok)
}
