// ABOUTME: Block tree manager over the document's replicated "blocks" map
// ABOUTME: Parent links are last-writer-wins; sibling order lives in one replicated sequence per parent

package document

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/taeuk-works/appflowy-editor-sync-plugin/pkg/crdt"
	"github.com/taeuk-works/appflowy-editor-sync-plugin/pkg/docerr"
)

const (
	// ContainerName is the top-level map holding block nodes
	ContainerName = "blocks"

	// DefaultParent is the parent id of top-level blocks
	DefaultParent = "root"

	// RootContainer is the top-level map for document-wide fields
	RootContainer = "root"
	rootIDKey     = "root_id"

	// childrenPrefix names the top-level sequence of a parent's child ids
	childrenPrefix = "children/"
)

// Node map fields
const (
	fieldID      = "id"
	fieldType    = "type"
	fieldContent = "content"
	fieldParent  = "parent_id"
)

// Tree applies structural actions to the blocks of one document.
//
// A block's parent is a last-writer-wins field of its node. The order of a
// parent's children is the replicated sequence childrenPrefix+parent; an
// entry counts only while the block it names still reads as a child of that
// parent, so entries left behind by concurrent moves are skipped. Parent
// cycles created by concurrent moves are broken on read: in each cycle the
// block whose parent write loses to the others reads as top-level.
type Tree struct {
	doc    *crdt.Doc
	root   crdt.MapRef
	blocks crdt.MapRef
	log    zerolog.Logger

	mu       sync.Mutex
	breaks   map[string]bool
	breaksAt uint64
}

// NewTree creates a tree manager bound to doc
func NewTree(doc *crdt.Doc, log zerolog.Logger) *Tree {
	return &Tree{
		doc:    doc,
		root:   doc.Map(RootContainer),
		blocks: doc.Map(ContainerName),
		log:    log.With().Str("component", "block_tree").Logger(),
	}
}

func (tr *Tree) nodeMap(r crdt.Reader, id string) (crdt.MapRef, bool) {
	v, ok := tr.blocks.Get(r, id)
	if !ok {
		return crdt.MapRef{}, false
	}
	return v.Map()
}

func (tr *Tree) childList(parent string) crdt.ArrayRef {
	return tr.doc.Array(childrenPrefix + parent)
}

func stringField(r crdt.Reader, m crdt.MapRef, field string) string {
	v, ok := m.Get(r, field)
	if !ok {
		return ""
	}
	s, _ := v.Any.AsString()
	return s
}

// SetRootID records the id of the host's root node; an empty id clears it
func (tr *Tree) SetRootID(txn *crdt.Txn, id string) {
	if id == "" {
		tr.root.Delete(txn, rootIDKey)
		return
	}
	tr.root.Set(txn, rootIDKey, crdt.String(id))
}

// RootID returns the recorded root node id, or "" when none was set
func (tr *Tree) RootID(r crdt.Reader) string {
	return stringField(r, tr.root, rootIDKey)
}

// Has reports whether a block with id exists
func (tr *Tree) Has(r crdt.Reader, id string) bool {
	_, ok := tr.nodeMap(r, id)
	return ok
}

// Get returns the block with its parent and neighbours as they read
func (tr *Tree) Get(r crdt.Reader, id string) (Node, bool) {
	m, ok := tr.nodeMap(r, id)
	if !ok {
		return Node{}, false
	}
	breaks := tr.cycleBreaks(r)
	n := tr.readNode(r, id, m)
	if breaks[id] {
		n.ParentID = DefaultParent
	}
	siblings, _ := tr.siblings(r, n.ParentID, breaks)
	if i := slices.Index(siblings, id); i >= 0 {
		if i > 0 {
			n.PrevID = siblings[i-1]
		}
		if i+1 < len(siblings) {
			n.NextID = siblings[i+1]
		}
	}
	return n, true
}

func (tr *Tree) readNode(r crdt.Reader, id string, m crdt.MapRef) Node {
	n := Node{
		ID:       id,
		Type:     stringField(r, m, fieldType),
		Content:  crdt.Object(),
		ParentID: stringField(r, m, fieldParent),
	}
	if v, ok := m.Get(r, fieldContent); ok {
		if cm, ok := v.Map(); ok {
			var fields []crdt.Field
			cm.Range(r, func(key string, v crdt.Value) bool {
				fields = append(fields, crdt.Field{Key: key, Value: v.Any})
				return true
			})
			n.Content = crdt.Object(fields...)
		}
	}
	return n
}

// IDs lists every stored block id in replicated key order
func (tr *Tree) IDs(r crdt.Reader) []string {
	return tr.blocks.Keys(r)
}

// link is a block's stored parent and the write that set it
type link struct {
	parent  string
	written crdt.Value
}

func (tr *Tree) links(r crdt.Reader) map[string]link {
	out := make(map[string]link)
	tr.blocks.Range(r, func(id string, v crdt.Value) bool {
		if m, ok := v.Map(); ok {
			var l link
			if pv, ok := m.Get(r, fieldParent); ok {
				l.parent, _ = pv.Any.AsString()
				l.written = pv
			}
			out[id] = l
		}
		return true
	})
	return out
}

// findCycleBreaks picks one block per parent cycle: the one whose parent
// write loses to every other parent write in the cycle. Each block has one
// parent, so cycles never share blocks.
func findCycleBreaks(links map[string]link) map[string]bool {
	breaks := make(map[string]bool)
	done := make(map[string]bool, len(links))
	for start := range links {
		var path []string
		onPath := make(map[string]int)
		for cur := start; ; {
			l, ok := links[cur]
			if !ok || done[cur] {
				break
			}
			if i, ok := onPath[cur]; ok {
				pick := path[i]
				for _, id := range path[i+1:] {
					if links[id].written.WrittenBefore(links[pick].written) {
						pick = id
					}
				}
				breaks[pick] = true
				break
			}
			onPath[cur] = len(path)
			path = append(path, cur)
			cur = l.parent
		}
		for _, id := range path {
			done[id] = true
		}
	}
	return breaks
}

// cycleBreaks returns the blocks read as top-level to break parent cycles.
// The result is cached until the document changes.
func (tr *Tree) cycleBreaks(r crdt.Reader) map[string]bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.breaks == nil || tr.breaksAt != tr.doc.Changes() {
		tr.breaks = findCycleBreaks(tr.links(r))
		tr.breaksAt = tr.doc.Changes()
	}
	return tr.breaks
}

// keepBreaks keeps cycle breaks cached at change count at valid across
// local ops that neither create nor remove a parent cycle.
func (tr *Tree) keepBreaks(at uint64) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.breaks != nil && tr.breaksAt == at {
		tr.breaksAt = tr.doc.Changes()
	}
}

// parentOf returns the parent a block reads under
func (tr *Tree) parentOf(r crdt.Reader, id string, breaks map[string]bool) (string, bool) {
	m, ok := tr.nodeMap(r, id)
	if !ok {
		return "", false
	}
	if breaks[id] {
		return DefaultParent, true
	}
	return stringField(r, m, fieldParent), true
}

// sequence lists the children recorded in parent's sequence, first entry
// wins. at maps each listed child to the index of its entry.
func (tr *Tree) sequence(r crdt.Reader, parent string, parentOf func(string) (string, bool)) ([]string, map[string]int) {
	var order []string
	at := make(map[string]int)
	for i, v := range tr.childList(parent).Values(r) {
		id, _ := v.Any.AsString()
		if _, dup := at[id]; dup {
			continue
		}
		if p, ok := parentOf(id); !ok || p != parent {
			continue
		}
		at[id] = i
		order = append(order, id)
	}
	return order, at
}

// siblings is sequence plus, for the top level, the blocks reattached
// there by cycle breaking in id order. Those have no entry (index -1).
func (tr *Tree) siblings(r crdt.Reader, parent string, breaks map[string]bool) ([]string, map[string]int) {
	order, at := tr.sequence(r, parent, func(id string) (string, bool) {
		return tr.parentOf(r, id, breaks)
	})
	if parent == DefaultParent {
		for _, id := range slices.Sorted(maps.Keys(breaks)) {
			if _, ok := at[id]; !ok {
				order = append(order, id)
				at[id] = -1
			}
		}
	}
	return order, at
}

// Children returns the children of parentID in sibling order
func (tr *Tree) Children(r crdt.Reader, parentID string) []string {
	order, _ := tr.siblings(r, parentID, tr.cycleBreaks(r))
	return order
}

// Ancestors returns the parent chain of id, nearest first. The chain ends
// with the first parent that is not a block.
func (tr *Tree) Ancestors(r crdt.Reader, id string) []string {
	return tr.ancestors(r, id, tr.cycleBreaks(r))
}

func (tr *Tree) ancestors(r crdt.Reader, id string, breaks map[string]bool) []string {
	var out []string
	seen := map[string]bool{id: true}
	cur, ok := tr.parentOf(r, id, breaks)
	for ok && cur != "" && !seen[cur] {
		seen[cur] = true
		out = append(out, cur)
		cur, ok = tr.parentOf(r, cur, breaks)
	}
	return out
}

// IsDescendant reports whether id lies below ancestor.
func (tr *Tree) IsDescendant(r crdt.Reader, id, ancestor string) bool {
	return slices.Contains(tr.Ancestors(r, id), ancestor)
}

func position(path []int, n int) int {
	if len(path) == 0 {
		return n
	}
	return min(max(path[len(path)-1], 0), n)
}

// attach records id in parent's sequence right after prev, else right
// before next, else at the end.
func (tr *Tree) attach(txn *crdt.Txn, parent string, at map[string]int, prev, next, id string) error {
	seq := tr.childList(parent)
	pos := seq.Len(txn)
	if i, ok := at[prev]; ok && i >= 0 {
		pos = i + 1
	} else if i, ok := at[next]; ok && i >= 0 {
		pos = i
	}
	if err := seq.Insert(txn, pos, crdt.String(id)); err != nil {
		return fmt.Errorf("attach %q under %q: %w", id, parent, err)
	}
	return nil
}

// detach removes every entry for id from parent's sequence
func (tr *Tree) detach(txn *crdt.Txn, parent, id string) error {
	seq := tr.childList(parent)
	values := seq.Values(txn)
	for i := len(values) - 1; i >= 0; i-- {
		if s, _ := values[i].Any.AsString(); s != id {
			continue
		}
		if err := seq.Delete(txn, i); err != nil {
			return fmt.Errorf("detach %q from %q: %w", id, parent, err)
		}
	}
	return nil
}

// settleBreaks writes the top-level placement of blocks that cycle breaking
// reattached, so a local edit that dissolves the cycle does not move them
// back under their old parent.
func (tr *Tree) settleBreaks(txn *crdt.Txn, breaks map[string]bool) error {
	top := tr.childList(DefaultParent)
	for _, id := range slices.Sorted(maps.Keys(breaks)) {
		node, ok := tr.nodeMap(txn, id)
		if !ok {
			continue
		}
		if err := tr.detach(txn, stringField(txn, node, fieldParent), id); err != nil {
			return err
		}
		node.Set(txn, fieldParent, crdt.String(DefaultParent))
		if err := top.Insert(txn, top.Len(txn), crdt.String(id)); err != nil {
			return fmt.Errorf("settle %q: %w", id, err)
		}
		tr.log.Debug().Str("block_id", id).Msg("Recorded cycle break as top-level block")
	}
	return nil
}

// Insert creates a block under its parent at the position named by path.
// A parent that does not exist yet is tolerated.
func (tr *Tree) Insert(txn *crdt.Txn, block Block, path []int) error {
	switch {
	case block.ID == "":
		return docerr.InvalidOperation("insert: block id is required")
	case block.ID == DefaultParent:
		return docerr.InvalidOperation("insert: block id %q is reserved", block.ID)
	case tr.Has(txn, block.ID):
		return docerr.InvalidOperation("insert: block %q already exists", block.ID)
	}
	parent := deref(block.ParentID, DefaultParent)

	at := tr.doc.Changes()
	breaks := tr.cycleBreaks(txn)
	// Orphans of an earlier block with the same id may sit under parent.
	if parent == block.ID || slices.Contains(tr.ancestors(txn, parent, breaks), block.ID) {
		return docerr.InvalidOperation("insert: block %q cannot be inserted under itself (%q)", block.ID, parent)
	}

	siblings, index := tr.siblings(txn, parent, breaks)
	idx := position(path, len(siblings))
	var prev, next string
	if idx > 0 {
		prev = siblings[idx-1]
	}
	if idx < len(siblings) {
		next = siblings[idx]
	}

	node := tr.blocks.SetMap(txn, block.ID)
	node.Set(txn, fieldID, crdt.String(block.ID))
	node.Set(txn, fieldType, crdt.String(block.Type))
	content := node.SetMap(txn, fieldContent)
	for _, key := range slices.Sorted(maps.Keys(block.Content)) {
		content.Set(txn, key, block.Content[key])
	}
	node.Set(txn, fieldParent, crdt.String(parent))
	if err := tr.attach(txn, parent, index, prev, next, block.ID); err != nil {
		return err
	}
	// A new block is a leaf or adopts orphans; neither closes a cycle.
	tr.keepBreaks(at)

	if !tr.Has(txn, parent) && parent != DefaultParent {
		tr.log.Debug().Str("block_id", block.ID).Str("parent_id", parent).Msg("Inserted block before its parent")
	}
	return nil
}

// Update merges type and content into an existing block
func (tr *Tree) Update(txn *crdt.Txn, block Block) error {
	node, ok := tr.nodeMap(txn, block.ID)
	if !ok {
		return docerr.InvalidOperation("update: block %q does not exist", block.ID)
	}
	at := tr.doc.Changes()
	if block.Type != "" {
		node.Set(txn, fieldType, crdt.String(block.Type))
	}
	if len(block.Content) > 0 {
		content := node.GetOrInitMap(txn, fieldContent)
		for _, key := range slices.Sorted(maps.Keys(block.Content)) {
			content.Set(txn, key, block.Content[key])
		}
	}
	tr.keepBreaks(at)
	return nil
}

// Delete removes a block and its entry among its parent's children.
// Children are not removed. Deleting a missing block does nothing.
func (tr *Tree) Delete(txn *crdt.Txn, id, parentID string) error {
	node, ok := tr.nodeMap(txn, id)
	if !ok {
		tr.log.Debug().Str("block_id", id).Msg("Delete of missing block ignored")
		return nil
	}
	if err := tr.settleBreaks(txn, tr.cycleBreaks(txn)); err != nil {
		return err
	}
	stored := stringField(txn, node, fieldParent)
	if stored != parentID {
		tr.log.Warn().
			Str("block_id", id).
			Str("parent_id", parentID).
			Str("stored_parent_id", stored).
			Msg("Delete names a stale parent; using stored parent")
	}
	if err := tr.detach(txn, stored, id); err != nil {
		return err
	}
	tr.blocks.Delete(txn, id)
	return nil
}

// Move detaches id from its parent and attaches it under parentID: after
// prevID when that is a child there, else before nextID, else at the
// position named by newPath. Type and content are untouched.
func (tr *Tree) Move(txn *crdt.Txn, oldPath, newPath []int, parentID, oldParentID, id string, prevID, nextID *string) error {
	node, ok := tr.nodeMap(txn, id)
	if !ok {
		return docerr.InvalidOperation("move: block %q does not exist", id)
	}
	breaks := tr.cycleBreaks(txn)
	if parentID == id || slices.Contains(tr.ancestors(txn, parentID, breaks), id) {
		return docerr.InvalidOperation("move: block %q cannot move under itself (%q)", id, parentID)
	}

	if current, _ := tr.parentOf(txn, id, breaks); current != oldParentID {
		tr.log.Warn().
			Str("block_id", id).
			Str("old_parent_id", oldParentID).
			Str("current_parent_id", current).
			Ints("old_path", oldPath).
			Msg("Move names a stale old parent; detaching from stored parent")
	}
	if err := tr.settleBreaks(txn, breaks); err != nil {
		return err
	}
	if err := tr.detach(txn, stringField(txn, node, fieldParent), id); err != nil {
		return err
	}

	siblings, index := tr.siblings(txn, parentID, breaks)
	siblings = slices.DeleteFunc(siblings, func(s string) bool { return s == id })
	prev, next := tr.attachPoint(siblings, newPath, deref(prevID, ""), deref(nextID, ""), id)

	node.Set(txn, fieldParent, crdt.String(parentID))
	return tr.attach(txn, parentID, index, prev, next, id)
}

func (tr *Tree) attachPoint(siblings []string, newPath []int, prevID, nextID, id string) (string, string) {
	at := func(i int) string {
		if i >= 0 && i < len(siblings) {
			return siblings[i]
		}
		return ""
	}
	if prevID != "" {
		if i := slices.Index(siblings, prevID); i >= 0 {
			return prevID, at(i + 1)
		}
	}
	if nextID != "" {
		if i := slices.Index(siblings, nextID); i >= 0 {
			return at(i - 1), nextID
		}
	}
	if prevID != "" || nextID != "" {
		tr.log.Warn().
			Str("block_id", id).
			Str("prev_id", prevID).
			Str("next_id", nextID).
			Msg("Move neighbours are not children of the target; using path")
	}
	idx := position(newPath, len(siblings))
	return at(idx - 1), at(idx)
}

// Apply performs one action
func (tr *Tree) Apply(txn *crdt.Txn, action BlockAction) error {
	b := action.Block
	switch action.Type {
	case ActionInsert:
		return tr.Insert(txn, b, action.Path)
	case ActionUpdate:
		return tr.Update(txn, b)
	case ActionDelete:
		return tr.Delete(txn, b.ID, deref(b.ParentID, DefaultParent))
	case ActionMove:
		if action.OldPath == nil || b.ParentID == nil || b.OldParentID == nil {
			return docerr.InvalidOperation("missing required fields for move operation")
		}
		return tr.Move(txn, action.OldPath, action.Path, *b.ParentID, *b.OldParentID, b.ID, b.PrevID, b.NextID)
	}
	return docerr.InvalidOperation("unknown action type %d", uint8(action.Type))
}

// Layout is the block tree as it reads once conflicts are resolved
type Layout struct {
	// Nodes holds every block with ParentID, PrevID and NextID as they read
	Nodes map[string]Node
	// Children lists the children of each parent id in order
	Children map[string][]string
	// Unlisted holds blocks with no entry in their parent's sequence. They
	// follow the listed children in id order.
	Unlisted []string
}

// Resolve reads the whole tree in one pass
func (tr *Tree) Resolve(r crdt.Reader) *Layout {
	nodes := make(map[string]Node)
	links := make(map[string]link)
	tr.blocks.Range(r, func(id string, v crdt.Value) bool {
		m, ok := v.Map()
		if !ok {
			return true
		}
		nodes[id] = tr.readNode(r, id, m)
		var l link
		if pv, ok := m.Get(r, fieldParent); ok {
			l.parent, _ = pv.Any.AsString()
			l.written = pv
		}
		links[id] = l
		return true
	})

	breaks := findCycleBreaks(links)
	parents := map[string]bool{DefaultParent: true}
	for id, n := range nodes {
		if breaks[id] {
			n.ParentID = DefaultParent
			nodes[id] = n
		}
		parents[n.ParentID] = true
	}

	lay := &Layout{Nodes: nodes, Children: make(map[string][]string, len(parents))}
	parentOf := func(id string) (string, bool) {
		n, ok := nodes[id]
		return n.ParentID, ok
	}
	listed := make(map[string]bool, len(nodes))
	for parent := range parents {
		order, _ := tr.sequence(r, parent, parentOf)
		for _, id := range order {
			listed[id] = true
		}
		lay.Children[parent] = order
	}
	for _, id := range slices.Sorted(maps.Keys(nodes)) {
		if listed[id] {
			continue
		}
		parent := nodes[id].ParentID
		lay.Children[parent] = append(lay.Children[parent], id)
		if !breaks[id] {
			lay.Unlisted = append(lay.Unlisted, id)
		}
	}

	for _, order := range lay.Children {
		for i, id := range order {
			n := nodes[id]
			if i > 0 {
				n.PrevID = order[i-1]
			}
			if i+1 < len(order) {
				n.NextID = order[i+1]
			}
			nodes[id] = n
		}
	}
	return lay
}

// Nodes returns every block keyed by id, as Resolve reads them
func (tr *Tree) Nodes(r crdt.Reader) map[string]Node {
	return tr.Resolve(r).Nodes
}

// Check verifies tree integrity: every ancestor chain terminates, every
// block is listed once among its parent's children and every sibling
// chain links both ways.
func (tr *Tree) Check(r crdt.Reader) error {
	lay := tr.Resolve(r)
	var errs []error

	for _, id := range lay.Unlisted {
		errs = append(errs, fmt.Errorf("block %q is missing from the children of %q", id, lay.Nodes[id].ParentID))
	}
	for _, id := range slices.Sorted(maps.Keys(lay.Nodes)) {
		if !terminates(lay.Nodes, id) {
			errs = append(errs, fmt.Errorf("ancestor chain of block %q does not terminate", id))
		}
	}
	for _, parent := range slices.Sorted(maps.Keys(lay.Children)) {
		seen := make(map[string]bool)
		for _, id := range lay.Children[parent] {
			n := lay.Nodes[id]
			switch {
			case seen[id]:
				errs = append(errs, fmt.Errorf("parent %q lists block %q twice", parent, id))
			case n.ParentID != parent:
				errs = append(errs, fmt.Errorf("parent %q lists block %q whose parent is %q", parent, id, n.ParentID))
			case n.NextID != "" && lay.Nodes[n.NextID].PrevID != id:
				errs = append(errs, fmt.Errorf("block %q: next %q does not point back", id, n.NextID))
			}
			seen[id] = true
		}
	}
	return errors.Join(errs...)
}

func terminates(nodes map[string]Node, id string) bool {
	seen := map[string]bool{id: true}
	for cur := nodes[id].ParentID; cur != ""; {
		if seen[cur] {
			return false
		}
		n, ok := nodes[cur]
		if !ok {
			return true
		}
		seen[cur] = true
		cur = n.ParentID
	}
	return true
}
