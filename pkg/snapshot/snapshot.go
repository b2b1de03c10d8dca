// ABOUTME: Read-only materialization of a document's block tree and metadata
// ABOUTME: Produces nested BlockViews for hosts, logs and the inspect command

package snapshot

import (
	"maps"
	"slices"

	"github.com/taeuk-works/appflowy-editor-sync-plugin/pkg/crdt"
	"github.com/taeuk-works/appflowy-editor-sync-plugin/pkg/document"
	"github.com/taeuk-works/appflowy-editor-sync-plugin/pkg/metadata"
)

// BlockView is one block with its children resolved
type BlockView struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	ParentID string         `json:"parent_id,omitempty"`
	PrevID   string         `json:"prev_id,omitempty"`
	NextID   string         `json:"next_id,omitempty"`
	Content  map[string]any `json:"content"`
	Children []*BlockView   `json:"children,omitempty"`
}

// Snapshot is the full readable state of one document
type Snapshot struct {
	DocID  string       `json:"doc_id,omitempty"`
	RootID string       `json:"root_id,omitempty"`
	Blocks []*BlockView `json:"blocks"`
	// Detached holds blocks whose parent chain never reaches the top level.
	Detached []*BlockView     `json:"detached,omitempty"`
	Meta     metadata.Entries `json:"meta"`
}

// Extract reads the tree and metadata visible to r
func Extract(r crdt.Reader, tree *document.Tree, meta *metadata.Store, docID string) *Snapshot {
	lay := tree.Resolve(r)
	reached := make(map[string]bool, len(lay.Nodes))

	s := &Snapshot{
		DocID:  docID,
		RootID: tree.RootID(r),
		Blocks: buildLevel(lay, document.DefaultParent, reached),
		Meta:   meta.GetAll(r),
	}

	// A detached subtree hangs below a parent id that is not a block.
	for _, parent := range slices.Sorted(maps.Keys(lay.Children)) {
		if _, ok := lay.Nodes[parent]; ok || parent == document.DefaultParent {
			continue
		}
		s.Detached = append(s.Detached, buildLevel(lay, parent, reached)...)
	}
	return s
}

func buildLevel(lay *document.Layout, parent string, reached map[string]bool) []*BlockView {
	var out []*BlockView
	for _, id := range lay.Children[parent] {
		if reached[id] {
			continue
		}
		out = append(out, buildView(lay, id, reached))
	}
	return out
}

func buildView(lay *document.Layout, id string, reached map[string]bool) *BlockView {
	reached[id] = true
	n := lay.Nodes[id]
	v := &BlockView{
		ID:       n.ID,
		Type:     n.Type,
		ParentID: n.ParentID,
		PrevID:   n.PrevID,
		NextID:   n.NextID,
		Content:  contentMap(n.Content),
	}
	v.Children = buildLevel(lay, id, reached)
	return v
}

func contentMap(content crdt.Any) map[string]any {
	fields, _ := content.AsObject()
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		out[f.Key] = plain(f.Value)
	}
	return out
}

// plain converts a replicated value into JSON-friendly Go values.
func plain(a crdt.Any) any {
	switch a.Kind() {
	case crdt.KindBool:
		b, _ := a.AsBool()
		return b
	case crdt.KindInt:
		i, _ := a.AsInt()
		return i
	case crdt.KindFloat:
		f, _ := a.AsFloat()
		return f
	case crdt.KindString:
		s, _ := a.AsString()
		return s
	case crdt.KindList:
		items, _ := a.AsList()
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = plain(item)
		}
		return out
	case crdt.KindObject:
		return contentMap(a)
	}
	return nil
}

// Walk visits every block in depth-first order, top-level blocks first and
// detached subtrees after. Returning false stops the walk.
func (s *Snapshot) Walk(fn func(v *BlockView, depth int) bool) {
	var visit func(views []*BlockView, depth int) bool
	visit = func(views []*BlockView, depth int) bool {
		for _, v := range views {
			if !fn(v, depth) || !visit(v.Children, depth+1) {
				return false
			}
		}
		return true
	}
	if visit(s.Blocks, 0) {
		visit(s.Detached, 0)
	}
}

// Find returns the block with id
func (s *Snapshot) Find(id string) (*BlockView, bool) {
	var found *BlockView
	s.Walk(func(v *BlockView, _ int) bool {
		if v.ID == id {
			found = v
			return false
		}
		return true
	})
	return found, found != nil
}

// Len counts every block in the snapshot
func (s *Snapshot) Len() int {
	n := 0
	s.Walk(func(*BlockView, int) bool {
		n++
		return true
	})
	return n
}
