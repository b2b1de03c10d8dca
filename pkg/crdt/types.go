// ABOUTME: Handles for replicated maps and arrays
// ABOUTME: Handles hold no state; every call takes the transaction explicitly

package crdt

import "fmt"

// Value is what a container slot holds: a plain Any or a nested container.
type Value struct {
	Content ContentType
	Any     Any
	ref     ContainerRef
	stamp   priority
}

func valueOf(op *Op) Value {
	return Value{Content: op.Content, Any: op.Value, ref: ContainerRef{ID: op.ID}, stamp: op.priority()}
}

// WrittenBefore reports whether v was written by an op that loses to the op
// that wrote w under last-writer-wins. Every replica agrees on the answer.
func (v Value) WrittenBefore(w Value) bool {
	return v.stamp.less(w.stamp)
}

// Map returns the nested map held by v.
func (v Value) Map() (MapRef, bool) {
	return MapRef{ref: v.ref}, v.Content == ContentMap
}

// Array returns the nested array held by v.
func (v Value) Array() (ArrayRef, bool) {
	return ArrayRef{ref: v.ref}, v.Content == ContentArray
}

// MapRef addresses a replicated map.
type MapRef struct {
	ref ContainerRef
}

func (m MapRef) Ref() ContainerRef { return m.ref }

// Get returns the value at key.
func (m MapRef) Get(r Reader, key string) (Value, bool) {
	st := r.store().lookupMap(m.ref)
	if st == nil {
		return Value{}, false
	}
	op, ok := st.live(key)
	if !ok {
		return Value{}, false
	}
	return valueOf(op), true
}

// Has reports whether key is present.
func (m MapRef) Has(r Reader, key string) bool {
	_, ok := m.Get(r, key)
	return ok
}

// Keys lists the present keys in their replicated order.
func (m MapRef) Keys(r Reader) []string {
	st := r.store().lookupMap(m.ref)
	if st == nil {
		return nil
	}
	return st.keys()
}

// Len returns the number of present keys.
func (m MapRef) Len(r Reader) int {
	return len(m.Keys(r))
}

// Range calls fn for each present key in order until fn returns false.
func (m MapRef) Range(r Reader, fn func(key string, v Value) bool) {
	st := r.store().lookupMap(m.ref)
	if st == nil {
		return
	}
	for _, key := range st.keys() {
		op, _ := st.live(key)
		if !fn(key, valueOf(op)) {
			return
		}
	}
}

// Set stores a plain value at key.
func (m MapRef) Set(t *Txn, key string, v Any) {
	t.emit(&Op{Kind: OpMapSet, Container: m.ref, Key: key, Content: ContentAny, Value: v})
}

// SetMap stores a new empty map at key and returns it.
func (m MapRef) SetMap(t *Txn, key string) MapRef {
	op := t.emit(&Op{Kind: OpMapSet, Container: m.ref, Key: key, Content: ContentMap})
	return MapRef{ref: ContainerRef{ID: op.ID}}
}

// SetArray stores a new empty array at key and returns it.
func (m MapRef) SetArray(t *Txn, key string) ArrayRef {
	op := t.emit(&Op{Kind: OpMapSet, Container: m.ref, Key: key, Content: ContentArray})
	return ArrayRef{ref: ContainerRef{ID: op.ID}}
}

// GetOrInitMap returns the map at key, replacing any other value with a new map.
func (m MapRef) GetOrInitMap(t *Txn, key string) MapRef {
	if v, ok := m.Get(t, key); ok {
		if nested, ok := v.Map(); ok {
			return nested
		}
	}
	return m.SetMap(t, key)
}

// GetOrInitArray returns the array at key, replacing any other value with a new array.
func (m MapRef) GetOrInitArray(t *Txn, key string) ArrayRef {
	if v, ok := m.Get(t, key); ok {
		if nested, ok := v.Array(); ok {
			return nested
		}
	}
	return m.SetArray(t, key)
}

// Delete removes key. It reports false, issuing nothing, when key is absent.
func (m MapRef) Delete(t *Txn, key string) bool {
	if !m.Has(t, key) {
		return false
	}
	t.emit(&Op{Kind: OpMapDelete, Container: m.ref, Key: key})
	return true
}

// ArrayRef addresses a replicated array.
type ArrayRef struct {
	ref ContainerRef
}

func (a ArrayRef) Ref() ContainerRef { return a.ref }

func (a ArrayRef) state(r Reader) *arrayState {
	return r.store().arrays[a.ref]
}

func (a ArrayRef) writeState(t *Txn) *arrayState {
	return t.doc.arrayFor(a.ref)
}

// Len returns the number of live elements.
func (a ArrayRef) Len(r Reader) int {
	st := a.state(r)
	if st == nil {
		return 0
	}
	return len(st.visible())
}

// Get returns the element at index.
func (a ArrayRef) Get(r Reader, index int) (Value, bool) {
	st := a.state(r)
	if st == nil {
		return Value{}, false
	}
	vis := st.visible()
	if index < 0 || index >= len(vis) {
		return Value{}, false
	}
	return valueOf(vis[index].op), true
}

// Values returns the live elements in order.
func (a ArrayRef) Values(r Reader) []Value {
	st := a.state(r)
	if st == nil {
		return nil
	}
	vis := st.visible()
	out := make([]Value, len(vis))
	for i, it := range vis {
		out[i] = valueOf(it.op)
	}
	return out
}

// Insert places v so that it becomes the element at index.
func (a ArrayRef) Insert(t *Txn, index int, v Any) error {
	st := a.writeState(t)
	if st == nil {
		return fmt.Errorf("insert: array %s does not exist", a.ref)
	}
	vis := st.visible()
	if index < 0 || index > len(vis) {
		return fmt.Errorf("insert: index %d out of range [0, %d]", index, len(vis))
	}
	op := &Op{Kind: OpArrayInsert, Container: a.ref, Content: ContentAny, Value: v}
	if index > 0 {
		op.Origin = vis[index-1].op.ID
		op.HasOrigin = true
	}
	t.emit(op)
	return nil
}

// Push appends v after every element, including removed ones.
func (a ArrayRef) Push(t *Txn, v Any) error {
	st := a.writeState(t)
	if st == nil {
		return fmt.Errorf("push: array %s does not exist", a.ref)
	}
	op := &Op{Kind: OpArrayInsert, Container: a.ref, Content: ContentAny, Value: v}
	if n := len(st.items); n > 0 {
		op.Origin = st.items[n-1].op.ID
		op.HasOrigin = true
	}
	t.emit(op)
	return nil
}

// Delete removes the element at index.
func (a ArrayRef) Delete(t *Txn, index int) error {
	st := a.writeState(t)
	if st == nil {
		return fmt.Errorf("delete: array %s does not exist", a.ref)
	}
	vis := st.visible()
	if index < 0 || index >= len(vis) {
		return fmt.Errorf("delete: index %d out of range [0, %d)", index, len(vis))
	}
	t.emit(&Op{Kind: OpArrayDelete, Container: a.ref, Target: vis[index].op.ID})
	return nil
}
