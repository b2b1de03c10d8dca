// ABOUTME: Binary encoding of updates and state vectors
// ABOUTME: Protobuf wire format written with protowire; field numbers are fixed below

package crdt

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/taeuk-works/appflowy-editor-sync-plugin/pkg/docerr"
)

const updateVersion = 1

// Update message
const (
	fieldUpdateVersion protowire.Number = 1
	fieldUpdateOp      protowire.Number = 2
)

// Op message
const (
	fieldOpClient    protowire.Number = 1
	fieldOpClock     protowire.Number = 2
	fieldOpLamport   protowire.Number = 3
	fieldOpKind      protowire.Number = 4
	fieldOpContainer protowire.Number = 5
	fieldOpKey       protowire.Number = 6
	fieldOpOrigin    protowire.Number = 7
	fieldOpTarget    protowire.Number = 8
	fieldOpContent   protowire.Number = 9
	fieldOpValue     protowire.Number = 10
)

// ID, ContainerRef and state vector entry messages
const (
	fieldIDClient      protowire.Number = 1
	fieldIDClock       protowire.Number = 2
	fieldContainerName protowire.Number = 1
	fieldContainerID   protowire.Number = 2
	fieldSVEntry       protowire.Number = 1
)

// Any message
const (
	fieldAnyKind   protowire.Number = 1
	fieldAnyBool   protowire.Number = 2
	fieldAnyInt    protowire.Number = 3
	fieldAnyFloat  protowire.Number = 4
	fieldAnyString protowire.Number = 5
	fieldAnyItem   protowire.Number = 6
	fieldAnyField  protowire.Number = 7
	fieldFieldKey  protowire.Number = 1
	fieldFieldVal  protowire.Number = 2
)

var errWireType = errors.New("unexpected wire type")

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func encodeUpdate(ops []*Op) []byte {
	b := appendVarintField(nil, fieldUpdateVersion, updateVersion)
	for _, op := range ops {
		b = appendBytesField(b, fieldUpdateOp, appendOp(nil, op))
	}
	return b
}

func appendOp(b []byte, op *Op) []byte {
	b = appendVarintField(b, fieldOpClient, uint64(op.ID.Client))
	b = appendVarintField(b, fieldOpClock, op.ID.Clock)
	b = appendVarintField(b, fieldOpLamport, op.Lamport)
	b = appendVarintField(b, fieldOpKind, uint64(op.Kind))
	b = appendBytesField(b, fieldOpContainer, appendContainer(nil, op.Container))
	if op.Key != "" {
		b = appendStringField(b, fieldOpKey, op.Key)
	}
	if op.HasOrigin {
		b = appendBytesField(b, fieldOpOrigin, appendID(nil, op.Origin))
	}
	if op.Kind == OpArrayDelete {
		b = appendBytesField(b, fieldOpTarget, appendID(nil, op.Target))
	}
	if op.Content != ContentAny {
		b = appendVarintField(b, fieldOpContent, uint64(op.Content))
	}
	if (op.Kind == OpMapSet || op.Kind == OpArrayInsert) && op.Content == ContentAny {
		b = appendBytesField(b, fieldOpValue, appendAny(nil, op.Value))
	}
	return b
}

func appendID(b []byte, id ID) []byte {
	b = appendVarintField(b, fieldIDClient, uint64(id.Client))
	return appendVarintField(b, fieldIDClock, id.Clock)
}

func appendContainer(b []byte, ref ContainerRef) []byte {
	if ref.IsRoot() {
		return appendStringField(b, fieldContainerName, ref.Name)
	}
	return appendBytesField(b, fieldContainerID, appendID(nil, ref.ID))
}

func appendAny(b []byte, a Any) []byte {
	b = appendVarintField(b, fieldAnyKind, uint64(a.kind))
	switch a.kind {
	case KindBool:
		b = appendVarintField(b, fieldAnyBool, protowire.EncodeBool(a.b))
	case KindInt:
		b = appendVarintField(b, fieldAnyInt, protowire.EncodeZigZag(a.i))
	case KindFloat:
		b = protowire.AppendTag(b, fieldAnyFloat, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(a.f))
	case KindString:
		b = appendStringField(b, fieldAnyString, a.s)
	case KindList:
		for _, item := range a.list {
			b = appendBytesField(b, fieldAnyItem, appendAny(nil, item))
		}
	case KindObject:
		for _, f := range a.fields {
			fb := appendStringField(nil, fieldFieldKey, f.Key)
			fb = appendBytesField(fb, fieldFieldVal, appendAny(nil, f.Value))
			b = appendBytesField(b, fieldAnyField, fb)
		}
	}
	return b
}

// walkFields calls fn for every field of a message. fn returns the number
// of bytes of the field value it consumed, or 0 to skip an unknown field.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		used, err := fn(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if used == 0 {
			used = protowire.ConsumeFieldValue(num, typ, b)
			if used < 0 {
				return protowire.ParseError(used)
			}
		}
		b = b[used:]
	}
	return nil
}

func consumeVarint(typ protowire.Type, b []byte, dst *uint64) (int, error) {
	if typ != protowire.VarintType {
		return 0, errWireType
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, errWireType
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func decodeUpdate(b []byte) ([]*Op, error) {
	var (
		version uint64
		ops     []*Op
	)
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldUpdateVersion:
			return consumeVarint(typ, b, &version)
		case fieldUpdateOp:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			op, err := decodeOp(v)
			if err != nil {
				return 0, err
			}
			ops = append(ops, op)
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	if version != updateVersion {
		return nil, fmt.Errorf("unsupported update version %d", version)
	}
	return ops, nil
}

func decodeOp(b []byte) (*Op, error) {
	op := &Op{}
	var client, kind, content uint64
	hasContainer := false
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldOpClient:
			return consumeVarint(typ, b, &client)
		case fieldOpClock:
			return consumeVarint(typ, b, &op.ID.Clock)
		case fieldOpLamport:
			return consumeVarint(typ, b, &op.Lamport)
		case fieldOpKind:
			return consumeVarint(typ, b, &kind)
		case fieldOpContent:
			return consumeVarint(typ, b, &content)
		case fieldOpKey:
			v, n, err := consumeBytes(typ, b)
			op.Key = string(v)
			return n, err
		case fieldOpContainer:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			hasContainer = true
			op.Container, err = decodeContainer(v)
			return n, err
		case fieldOpOrigin:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			op.HasOrigin = true
			op.Origin, err = decodeID(v)
			return n, err
		case fieldOpTarget:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			op.Target, err = decodeID(v)
			return n, err
		case fieldOpValue:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			op.Value, err = decodeAny(v)
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, fmt.Errorf("op: %w", err)
	}
	op.ID.Client = ClientID(client)
	op.Kind = OpKind(kind)
	op.Content = ContentType(content)
	if op.Kind < OpMapSet || op.Kind > OpArrayDelete {
		return nil, fmt.Errorf("op %s: unknown kind %d", op.ID, kind)
	}
	if op.Content > ContentArray {
		return nil, fmt.Errorf("op %s: unknown content type %d", op.ID, content)
	}
	if !hasContainer {
		return nil, fmt.Errorf("op %s: missing container", op.ID)
	}
	return op, nil
}

func decodeID(b []byte) (ID, error) {
	var client, clock uint64
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldIDClient:
			return consumeVarint(typ, b, &client)
		case fieldIDClock:
			return consumeVarint(typ, b, &clock)
		}
		return 0, nil
	})
	return ID{Client: ClientID(client), Clock: clock}, err
}

func decodeContainer(b []byte) (ContainerRef, error) {
	var ref ContainerRef
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldContainerName:
			v, n, err := consumeBytes(typ, b)
			ref.Name = string(v)
			return n, err
		case fieldContainerID:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			ref.ID, err = decodeID(v)
			return n, err
		}
		return 0, nil
	})
	return ref, err
}

func decodeAny(b []byte) (Any, error) {
	var (
		a    Any
		kind uint64
	)
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldAnyKind:
			return consumeVarint(typ, b, &kind)
		case fieldAnyBool:
			var v uint64
			n, err := consumeVarint(typ, b, &v)
			a.b = protowire.DecodeBool(v)
			return n, err
		case fieldAnyInt:
			var v uint64
			n, err := consumeVarint(typ, b, &v)
			a.i = protowire.DecodeZigZag(v)
			return n, err
		case fieldAnyFloat:
			if typ != protowire.Fixed64Type {
				return 0, errWireType
			}
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			a.f = math.Float64frombits(v)
			return n, nil
		case fieldAnyString:
			v, n, err := consumeBytes(typ, b)
			a.s = string(v)
			return n, err
		case fieldAnyItem:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			item, err := decodeAny(v)
			if err != nil {
				return 0, err
			}
			a.list = append(a.list, item)
			return n, nil
		case fieldAnyField:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			f, err := decodeField(v)
			if err != nil {
				return 0, err
			}
			a.fields = append(a.fields, f)
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return Any{}, err
	}
	a.kind = Kind(kind)
	if a.kind > KindObject {
		return Any{}, fmt.Errorf("unknown value kind %d", kind)
	}
	return a, nil
}

func decodeField(b []byte) (Field, error) {
	var f Field
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldFieldKey:
			v, n, err := consumeBytes(typ, b)
			f.Key = string(v)
			return n, err
		case fieldFieldVal:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			f.Value, err = decodeAny(v)
			return n, err
		}
		return 0, nil
	})
	return f, err
}

// EncodeStateVector encodes sv with clients in ascending order.
func EncodeStateVector(sv StateVector) []byte {
	var b []byte
	for _, client := range sv.Clients() {
		if sv[client] == 0 {
			continue
		}
		b = appendBytesField(b, fieldSVEntry, appendID(nil, ID{Client: client, Clock: sv[client]}))
	}
	return b
}

// DecodeStateVector parses the output of EncodeStateVector. Empty input is
// the empty state vector.
func DecodeStateVector(b []byte) (StateVector, error) {
	sv := make(StateVector)
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != fieldSVEntry {
			return 0, nil
		}
		v, n, err := consumeBytes(typ, b)
		if err != nil {
			return 0, err
		}
		entry, err := decodeID(v)
		if err != nil {
			return 0, err
		}
		sv[entry.Client] = entry.Clock
		return n, nil
	})
	if err != nil {
		return nil, docerr.DecodeUpdate(fmt.Errorf("state vector: %w", err))
	}
	return sv, nil
}

// MergeUpdates combines updates into one equivalent update. The result does
// not depend on the order of the inputs.
func MergeUpdates(updates [][]byte) ([]byte, error) {
	seen := make(map[ID]*Op)
	for i, u := range updates {
		ops, err := decodeUpdate(u)
		if err != nil {
			return nil, docerr.DecodeUpdate(fmt.Errorf("update %d: %w", i, err))
		}
		for _, op := range ops {
			if _, ok := seen[op.ID]; !ok {
				seen[op.ID] = op
			}
		}
	}
	merged := make([]*Op, 0, len(seen))
	for _, op := range seen {
		merged = append(merged, op)
	}
	slices.SortFunc(merged, func(a, b *Op) int { return compareIDs(a.ID, b.ID) })
	return encodeUpdate(merged), nil
}
