// ABOUTME: Replicated document: container state, op log and causal integration
// ABOUTME: LWW maps and RGA arrays; ops wait in a pending set until their dependencies arrive

package crdt

import (
	"slices"

	"github.com/taeuk-works/appflowy-editor-sync-plugin/pkg/docerr"
)

type mapState struct {
	// entries holds the winning op per key; a winning delete hides the key.
	entries map[string]*Op
	// order holds the priority of the earliest op seen for each key.
	order map[string]priority
}

func newMapState() *mapState {
	return &mapState{
		entries: make(map[string]*Op),
		order:   make(map[string]priority),
	}
}

func (m *mapState) live(key string) (*Op, bool) {
	op, ok := m.entries[key]
	if !ok || op.Kind == OpMapDelete {
		return nil, false
	}
	return op, true
}

func (m *mapState) keys() []string {
	out := make([]string, 0, len(m.entries))
	for key, op := range m.entries {
		if op.Kind != OpMapDelete {
			out = append(out, key)
		}
	}
	slices.SortFunc(out, func(a, b string) int {
		pa, pb := m.order[a], m.order[b]
		switch {
		case pa.less(pb):
			return -1
		case pb.less(pa):
			return 1
		}
		return 0
	})
	return out
}

type item struct {
	op      *Op
	deleted bool
}

type arrayState struct {
	items []*item
}

func (a *arrayState) indexOf(id ID) int {
	for i, it := range a.items {
		if it.op.ID == id {
			return i
		}
	}
	return -1
}

func (a *arrayState) visible() []*item {
	out := make([]*item, 0, len(a.items))
	for _, it := range a.items {
		if !it.deleted {
			out = append(out, it)
		}
	}
	return out
}

// Doc is one replica of a replicated document. It is not safe for
// concurrent use; callers serialize mutations.
type Doc struct {
	client  ClientID
	lamport uint64
	sv      StateVector
	// changes counts integrations and their undos.
	changes uint64

	// log holds every integrated op per client, indexed by clock.
	log     map[ClientID][]*Op
	pending map[ID]*Op

	maps   map[ContainerRef]*mapState
	arrays map[ContainerRef]*arrayState
}

// NewDoc creates an empty document issuing ops as client.
func NewDoc(client ClientID) *Doc {
	return &Doc{
		client:  client,
		sv:      make(StateVector),
		log:     make(map[ClientID][]*Op),
		pending: make(map[ID]*Op),
		maps:    make(map[ContainerRef]*mapState),
		arrays:  make(map[ContainerRef]*arrayState),
	}
}

// ClientID returns the id used for local ops.
func (d *Doc) ClientID() ClientID {
	return d.client
}

// StateVector returns a copy of the integrated state vector.
func (d *Doc) StateVector() StateVector {
	return d.sv.Clone()
}

// Changes returns a counter that moves whenever the document state changes,
// including rollbacks. Readers use it to invalidate derived data.
func (d *Doc) Changes() uint64 {
	return d.changes
}

// PendingCount returns the number of received ops still waiting for
// missing dependencies.
func (d *Doc) PendingCount() int {
	return len(d.pending)
}

// Map returns the named top-level map. Top-level containers exist on every
// replica without being created, so they never conflict.
func (d *Doc) Map(name string) MapRef {
	return MapRef{ref: ContainerRef{Name: name}}
}

// Array returns the named top-level array. Like top-level maps it exists on
// every replica, so concurrent first inserts land in the same sequence.
func (d *Doc) Array(name string) ArrayRef {
	return ArrayRef{ref: ContainerRef{Name: name}}
}

func (d *Doc) arrayFor(ref ContainerRef) *arrayState {
	a := d.arrays[ref]
	if a == nil && ref.IsRoot() {
		a = &arrayState{}
		d.arrays[ref] = a
	}
	return a
}

func (d *Doc) lookupMap(ref ContainerRef) *mapState {
	return d.maps[ref]
}

func (d *Doc) mapFor(ref ContainerRef) *mapState {
	m := d.maps[ref]
	if m == nil && ref.IsRoot() {
		m = newMapState()
		d.maps[ref] = m
	}
	return m
}

// EncodeStateAsUpdate encodes every op the holder of sv has not seen,
// including ops still pending here. An empty sv yields a full snapshot.
func (d *Doc) EncodeStateAsUpdate(sv StateVector) []byte {
	return encodeUpdate(d.opsSince(sv, true))
}

// ApplyUpdate integrates a binary update. The update is decoded completely
// before any op is integrated, so a malformed update changes nothing.
// Already integrated ops are skipped.
func (d *Doc) ApplyUpdate(data []byte) error {
	ops, err := decodeUpdate(data)
	if err != nil {
		return docerr.DecodeUpdate(err)
	}
	d.applyOps(ops)
	return nil
}

func (d *Doc) opsSince(sv StateVector, withPending bool) []*Op {
	var out []*Op
	for _, client := range d.sv.Clients() {
		ops := d.log[client]
		from := sv[client]
		if from < uint64(len(ops)) {
			out = append(out, ops[from:]...)
		}
	}
	if withPending {
		for _, op := range d.sortedPending() {
			if !sv.Covers(op.ID) {
				out = append(out, op)
			}
		}
	}
	return out
}

func (d *Doc) sortedPending() []*Op {
	out := make([]*Op, 0, len(d.pending))
	for _, op := range d.pending {
		out = append(out, op)
	}
	slices.SortFunc(out, func(a, b *Op) int { return compareIDs(a.ID, b.ID) })
	return out
}

func (d *Doc) applyOps(ops []*Op) {
	for _, op := range ops {
		if d.sv.Covers(op.ID) {
			continue
		}
		if _, ok := d.pending[op.ID]; ok {
			continue
		}
		d.pending[op.ID] = op
	}
	for len(d.pending) > 0 {
		progress := false
		for _, op := range d.sortedPending() {
			if !d.ready(op) {
				continue
			}
			delete(d.pending, op.ID)
			d.integrate(op, nil)
			progress = true
		}
		if !progress {
			return
		}
	}
}

func (d *Doc) ready(op *Op) bool {
	if op.ID.Clock != d.sv[op.ID.Client] {
		return false
	}
	for _, dep := range op.deps() {
		if !d.sv.Covers(dep) {
			return false
		}
	}
	return true
}

// integrate applies op to the container state and records it. When undo is
// non-nil a function reverting every effect is appended to it.
func (d *Doc) integrate(op *Op, undo *[]func()) {
	prevLamport := d.lamport
	d.changes++
	if op.Lamport > d.lamport {
		d.lamport = op.Lamport
	}
	client := op.ID.Client
	d.sv[client] = op.ID.Clock + 1
	d.log[client] = append(d.log[client], op)

	var revert func()
	switch op.Kind {
	case OpMapSet, OpMapDelete:
		revert = d.integrateMapOp(op)
	case OpArrayInsert:
		revert = d.integrateArrayInsert(op)
	case OpArrayDelete:
		revert = d.integrateArrayDelete(op)
	}

	if undo == nil {
		return
	}
	*undo = append(*undo, func() {
		if revert != nil {
			revert()
		}
		d.log[client] = d.log[client][:len(d.log[client])-1]
		if op.ID.Clock == 0 {
			delete(d.sv, client)
			delete(d.log, client)
		} else {
			d.sv[client] = op.ID.Clock
		}
		d.lamport = prevLamport
		d.changes++
	})
}

// createContainer registers the nested container introduced by op, if any.
func (d *Doc) createContainer(op *Op) func() {
	if op.Kind != OpMapSet && op.Kind != OpArrayInsert {
		return nil
	}
	ref := ContainerRef{ID: op.ID}
	switch op.Content {
	case ContentMap:
		d.maps[ref] = newMapState()
		return func() { delete(d.maps, ref) }
	case ContentArray:
		d.arrays[ref] = &arrayState{}
		return func() { delete(d.arrays, ref) }
	}
	return nil
}

func (d *Doc) integrateMapOp(op *Op) func() {
	m := d.mapFor(op.Container)
	if m == nil {
		return nil
	}
	prev, had := m.entries[op.Key]
	prevOrder, hadOrder := m.order[op.Key]
	p := op.priority()
	if !had || prev.priority().less(p) {
		m.entries[op.Key] = op
	}
	if !hadOrder || p.less(prevOrder) {
		m.order[op.Key] = p
	}
	dropContainer := d.createContainer(op)

	return func() {
		if had {
			m.entries[op.Key] = prev
		} else {
			delete(m.entries, op.Key)
		}
		if hadOrder {
			m.order[op.Key] = prevOrder
		} else {
			delete(m.order, op.Key)
		}
		if dropContainer != nil {
			dropContainer()
		}
	}
}

func (d *Doc) integrateArrayInsert(op *Op) func() {
	a := d.arrayFor(op.Container)
	if a == nil {
		return nil
	}
	pos := 0
	if op.HasOrigin {
		idx := a.indexOf(op.Origin)
		if idx < 0 {
			return nil
		}
		pos = idx + 1
	}
	// Concurrent inserts after the same origin are ordered by descending
	// priority; later descendants of those inserts are skipped with them.
	p := op.priority()
	for pos < len(a.items) && p.less(a.items[pos].op.priority()) {
		pos++
	}
	a.items = slices.Insert(a.items, pos, &item{op: op})
	dropContainer := d.createContainer(op)

	return func() {
		a.items = slices.Delete(a.items, pos, pos+1)
		if dropContainer != nil {
			dropContainer()
		}
	}
}

func (d *Doc) integrateArrayDelete(op *Op) func() {
	a := d.arrayFor(op.Container)
	if a == nil {
		return nil
	}
	idx := a.indexOf(op.Target)
	if idx < 0 || a.items[idx].deleted {
		return nil
	}
	it := a.items[idx]
	it.deleted = true
	return func() { it.deleted = false }
}
