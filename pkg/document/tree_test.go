// ABOUTME: Tests for block tree operations
// ABOUTME: Verifies sibling order, move semantics, validation and convergence after merges

package document

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taeuk-works/appflowy-editor-sync-plugin/pkg/crdt"
	"github.com/taeuk-works/appflowy-editor-sync-plugin/pkg/docerr"
)

func newTestTree(t *testing.T, client crdt.ClientID) (*Tree, *crdt.Doc) {
	t.Helper()
	doc := crdt.NewDoc(client)
	return NewTree(doc, zerolog.Nop()), doc
}

func insertAction(id, parent string, pos int) BlockAction {
	return BlockAction{
		Type:  ActionInsert,
		Block: Block{ID: id, Type: "paragraph", ParentID: Ptr(parent)},
		Path:  []int{0, pos},
	}
}

func moveAction(id, oldParent, newParent string, prev, next *string, pos int) BlockAction {
	return BlockAction{
		Type: ActionMove,
		Block: Block{
			ID:          id,
			ParentID:    Ptr(newParent),
			OldParentID: Ptr(oldParent),
			PrevID:      prev,
			NextID:      next,
		},
		OldPath: []int{0},
		Path:    []int{pos},
	}
}

func applyAll(t *testing.T, tree *Tree, doc *crdt.Doc, actions ...BlockAction) error {
	t.Helper()
	txn := doc.Begin()
	for _, a := range actions {
		if err := tree.Apply(txn, a); err != nil {
			txn.Abort()
			return err
		}
	}
	require.NoError(t, txn.Commit())
	return nil
}

func TestInsertAtHeadPushesExisting(t *testing.T) {
	tree, doc := newTestTree(t, 1)
	require.NoError(t, applyAll(t, tree, doc,
		insertAction("X", DefaultParent, 0),
		insertAction("Y", DefaultParent, 0),
	))

	r := doc.Read()
	assert.Equal(t, []string{"Y", "X"}, tree.Children(r, DefaultParent))
	y, _ := tree.Get(r, "Y")
	x, _ := tree.Get(r, "X")
	assert.Equal(t, "X", y.NextID)
	assert.Equal(t, "Y", x.PrevID)
	assert.Empty(t, y.PrevID)
	assert.Empty(t, x.NextID)
	assert.NoError(t, tree.Check(r))
}

func TestInsertPositions(t *testing.T) {
	tree, doc := newTestTree(t, 1)
	require.NoError(t, applyAll(t, tree, doc,
		insertAction("A", DefaultParent, 0),
		insertAction("C", DefaultParent, 1),
		insertAction("B", DefaultParent, 1),
		insertAction("D", DefaultParent, 99),
		BlockAction{Type: ActionInsert, Block: Block{ID: "E"}},
	))
	assert.Equal(t, []string{"A", "B", "C", "D", "E"}, tree.Children(doc.Read(), DefaultParent))
	assert.NoError(t, tree.Check(doc.Read()))
}

func TestInsertValidation(t *testing.T) {
	tree, doc := newTestTree(t, 1)
	require.NoError(t, applyAll(t, tree, doc, insertAction("A", DefaultParent, 0)))

	for name, action := range map[string]BlockAction{
		"duplicate":   insertAction("A", DefaultParent, 0),
		"empty id":    insertAction("", DefaultParent, 0),
		"self parent": insertAction("B", "B", 0),
		"reserved id": insertAction(DefaultParent, "P", 0),
	} {
		t.Run(name, func(t *testing.T) {
			err := applyAll(t, tree, doc, action)
			assert.ErrorIs(t, err, docerr.ErrInvalidOperation)
		})
	}
}

func TestInsertBeforeParent(t *testing.T) {
	tree, doc := newTestTree(t, 1)
	require.NoError(t, applyAll(t, tree, doc, insertAction("child", "P", 0)))
	assert.Equal(t, []string{"child"}, tree.Children(doc.Read(), "P"))
	assert.Empty(t, tree.Children(doc.Read(), DefaultParent))

	require.NoError(t, applyAll(t, tree, doc, insertAction("P", DefaultParent, 0)))
	assert.Equal(t, []string{"P"}, tree.Children(doc.Read(), DefaultParent))
	assert.Equal(t, []string{"P", DefaultParent}, tree.Ancestors(doc.Read(), "child"))
}

func TestUpdateMergesContent(t *testing.T) {
	tree, doc := newTestTree(t, 1)
	insert := insertAction("A", DefaultParent, 0)
	insert.Block.Content = map[string]crdt.Any{
		"text":  crdt.String("hello"),
		"level": crdt.Int(1),
	}
	require.NoError(t, applyAll(t, tree, doc, insert, insertAction("B", DefaultParent, 1)))

	require.NoError(t, applyAll(t, tree, doc, BlockAction{
		Type: ActionUpdate,
		Block: Block{
			ID:      "A",
			Type:    "heading",
			Content: map[string]crdt.Any{"text": crdt.String("bye"), "checked": crdt.Bool(true)},
		},
	}))

	a, ok := tree.Get(doc.Read(), "A")
	require.True(t, ok)
	assert.Equal(t, "heading", a.Type)
	assert.Equal(t, map[string]any{"text": "bye", "level": int64(1), "checked": true}, a.Content.Native())
	assert.Equal(t, "B", a.NextID)
	assert.Equal(t, DefaultParent, a.ParentID)

	err := applyAll(t, tree, doc, BlockAction{Type: ActionUpdate, Block: Block{ID: "missing"}})
	assert.ErrorIs(t, err, docerr.ErrInvalidOperation)
}

func TestDeleteRelinksNeighbours(t *testing.T) {
	tree, doc := newTestTree(t, 1)
	require.NoError(t, applyAll(t, tree, doc,
		insertAction("A", DefaultParent, 0),
		insertAction("B", DefaultParent, 1),
		insertAction("C", DefaultParent, 2),
		insertAction("B1", "B", 0),
	))

	require.NoError(t, applyAll(t, tree, doc,
		BlockAction{Type: ActionDelete, Block: Block{ID: "B"}},
		BlockAction{Type: ActionDelete, Block: Block{ID: "missing"}},
	))

	r := doc.Read()
	assert.Equal(t, []string{"A", "C"}, tree.Children(r, DefaultParent))
	assert.False(t, tree.Has(r, "B"))
	// Children are not cascaded.
	assert.True(t, tree.Has(r, "B1"))
	assert.NoError(t, tree.Check(r))
}

func TestMoveBetweenSiblingsOfAnotherParent(t *testing.T) {
	tree, doc := newTestTree(t, 1)
	require.NoError(t, applyAll(t, tree, doc,
		insertAction("P1", DefaultParent, 0),
		insertAction("P2", DefaultParent, 1),
		insertAction("W", "P1", 0),
		insertAction("X", "P1", 1),
		insertAction("A", "P2", 0),
		insertAction("B", "P2", 1),
	))

	require.NoError(t, applyAll(t, tree, doc, moveAction("X", "P1", "P2", Ptr("A"), Ptr("B"), 1)))

	r := doc.Read()
	assert.Equal(t, []string{"W"}, tree.Children(r, "P1"))
	assert.Equal(t, []string{"A", "X", "B"}, tree.Children(r, "P2"))
	x, _ := tree.Get(r, "X")
	assert.Equal(t, "P2", x.ParentID)
	assert.Equal(t, "paragraph", x.Type)
	assert.NoError(t, tree.Check(r))
}

func TestMoveReorderWithinParent(t *testing.T) {
	tree, doc := newTestTree(t, 1)
	require.NoError(t, applyAll(t, tree, doc,
		insertAction("A", DefaultParent, 0),
		insertAction("B", DefaultParent, 1),
		insertAction("C", DefaultParent, 2),
	))

	require.NoError(t, applyAll(t, tree, doc, moveAction("A", DefaultParent, DefaultParent, nil, nil, 2)))
	assert.Equal(t, []string{"B", "C", "A"}, tree.Children(doc.Read(), DefaultParent))

	require.NoError(t, applyAll(t, tree, doc, moveAction("A", DefaultParent, DefaultParent, nil, Ptr("C"), 0)))
	assert.Equal(t, []string{"B", "A", "C"}, tree.Children(doc.Read(), DefaultParent))

	// Moving a block after itself keeps it in place.
	require.NoError(t, applyAll(t, tree, doc, moveAction("A", DefaultParent, DefaultParent, Ptr("B"), nil, 0)))
	assert.Equal(t, []string{"B", "A", "C"}, tree.Children(doc.Read(), DefaultParent))
	assert.NoError(t, tree.Check(doc.Read()))
}

func TestMoveWithStaleNeighboursUsesPath(t *testing.T) {
	tree, doc := newTestTree(t, 1)
	require.NoError(t, applyAll(t, tree, doc,
		insertAction("P", DefaultParent, 0),
		insertAction("A", "P", 0),
		insertAction("B", "P", 1),
		insertAction("X", DefaultParent, 1),
	))

	require.NoError(t, applyAll(t, tree, doc, moveAction("X", DefaultParent, "P", Ptr("gone"), nil, 0)))
	assert.Equal(t, []string{"X", "A", "B"}, tree.Children(doc.Read(), "P"))
	assert.NoError(t, tree.Check(doc.Read()))
}

func TestMoveValidation(t *testing.T) {
	tree, doc := newTestTree(t, 1)
	require.NoError(t, applyAll(t, tree, doc,
		insertAction("P", DefaultParent, 0),
		insertAction("C", "P", 0),
		insertAction("G", "C", 0),
	))

	missingOldPath := moveAction("C", "P", DefaultParent, nil, nil, 0)
	missingOldPath.OldPath = nil
	missingParent := moveAction("C", "P", DefaultParent, nil, nil, 0)
	missingParent.Block.ParentID = nil
	missingOldParent := moveAction("C", "P", DefaultParent, nil, nil, 0)
	missingOldParent.Block.OldParentID = nil

	for name, action := range map[string]BlockAction{
		"missing old path":   missingOldPath,
		"missing parent":     missingParent,
		"missing old parent": missingOldParent,
		"missing block":      moveAction("nope", "P", DefaultParent, nil, nil, 0),
		"under itself":       moveAction("P", DefaultParent, "P", nil, nil, 0),
		"under descendant":   moveAction("P", DefaultParent, "G", nil, nil, 0),
	} {
		t.Run(name, func(t *testing.T) {
			err := applyAll(t, tree, doc, action)
			assert.ErrorIs(t, err, docerr.ErrInvalidOperation)
		})
	}
	assert.NoError(t, tree.Check(doc.Read()))
}

func TestBatchSeesEarlierActions(t *testing.T) {
	tree, doc := newTestTree(t, 1)
	require.NoError(t, applyAll(t, tree, doc,
		insertAction("A", DefaultParent, 0),
		BlockAction{Type: ActionUpdate, Block: Block{ID: "A", Content: map[string]crdt.Any{"k": crdt.Int(1)}}},
		insertAction("B", "A", 0),
		moveAction("B", "A", DefaultParent, Ptr("A"), nil, 1),
		BlockAction{Type: ActionDelete, Block: Block{ID: "A"}},
	))
	assert.Equal(t, []string{"B"}, tree.Children(doc.Read(), DefaultParent))
}

func TestConcurrentInsertsConverge(t *testing.T) {
	treeA, docA := newTestTree(t, 1)
	treeB, docB := newTestTree(t, 2)
	require.NoError(t, applyAll(t, treeA, docA, insertAction("X", DefaultParent, 0)))
	require.NoError(t, applyAll(t, treeB, docB, insertAction("Y", DefaultParent, 0)))

	require.NoError(t, docA.ApplyUpdate(docB.EncodeStateAsUpdate(docA.StateVector())))
	require.NoError(t, docB.ApplyUpdate(docA.EncodeStateAsUpdate(docB.StateVector())))

	childrenA := treeA.Children(docA.Read(), DefaultParent)
	assert.Equal(t, childrenA, treeB.Children(docB.Read(), DefaultParent))
	assert.ElementsMatch(t, []string{"X", "Y"}, childrenA)
}

// exchange sends each replica everything the other has.
func exchange(t *testing.T, a, b *crdt.Doc) {
	t.Helper()
	require.NoError(t, a.ApplyUpdate(b.EncodeStateAsUpdate(a.StateVector())))
	require.NoError(t, b.ApplyUpdate(a.EncodeStateAsUpdate(b.StateVector())))
}

// forkTree returns a second replica of doc under client.
func forkTree(t *testing.T, doc *crdt.Doc, client crdt.ClientID) (*Tree, *crdt.Doc) {
	t.Helper()
	tree, fork := newTestTree(t, client)
	require.NoError(t, fork.ApplyUpdate(doc.EncodeStateAsUpdate(nil)))
	return tree, fork
}

func TestConcurrentInsertsStayBetweenNeighbours(t *testing.T) {
	treeA, docA := newTestTree(t, 1)
	require.NoError(t, applyAll(t, treeA, docA,
		insertAction("P", DefaultParent, 0),
		insertAction("Q", DefaultParent, 1),
	))
	treeB, docB := forkTree(t, docA, 2)

	require.NoError(t, applyAll(t, treeA, docA, insertAction("X", DefaultParent, 1)))
	require.NoError(t, applyAll(t, treeB, docB, insertAction("Y", DefaultParent, 1)))
	exchange(t, docA, docB)

	order := treeA.Children(docA.Read(), DefaultParent)
	assert.Equal(t, order, treeB.Children(docB.Read(), DefaultParent))
	require.Len(t, order, 4)
	assert.Equal(t, "P", order[0])
	assert.Equal(t, "Q", order[3])
	assert.ElementsMatch(t, []string{"X", "Y"}, order[1:3])
	assert.NoError(t, treeA.Check(docA.Read()))

	require.NoError(t, applyAll(t, treeA, docA, insertAction("Z", DefaultParent, 99)))
	assert.Equal(t, append(order, "Z"), treeA.Children(docA.Read(), DefaultParent))
	assert.NoError(t, treeA.Check(docA.Read()))
}

func TestConcurrentCrossMovesBreakCycle(t *testing.T) {
	treeA, docA := newTestTree(t, 1)
	require.NoError(t, applyAll(t, treeA, docA,
		insertAction("P", DefaultParent, 0),
		insertAction("Q", DefaultParent, 1),
		insertAction("P1", "P", 0),
	))
	treeB, docB := forkTree(t, docA, 2)

	require.NoError(t, applyAll(t, treeA, docA, moveAction("P", DefaultParent, "Q", nil, nil, 0)))
	require.NoError(t, applyAll(t, treeB, docB, moveAction("Q", DefaultParent, "P", nil, nil, 0)))
	exchange(t, docA, docB)

	// Both parent writes have the same lamport time; client 1's loses, so
	// P reads as top-level and Q stays at the head of P's children.
	for _, side := range []struct {
		tree *Tree
		doc  *crdt.Doc
	}{{treeA, docA}, {treeB, docB}} {
		r := side.doc.Read()
		assert.Equal(t, []string{"P"}, side.tree.Children(r, DefaultParent))
		assert.Equal(t, []string{"Q", "P1"}, side.tree.Children(r, "P"))
		assert.Empty(t, side.tree.Children(r, "Q"))
		assert.Equal(t, []string{"P", DefaultParent}, side.tree.Ancestors(r, "Q"))
		p, ok := side.tree.Get(r, "P")
		require.True(t, ok)
		assert.Equal(t, DefaultParent, p.ParentID)
		assert.NoError(t, side.tree.Check(r))
	}

	// Later local edits see the same tree: P cannot move below Q.
	err := applyAll(t, treeA, docA, moveAction("P", DefaultParent, "Q", nil, nil, 0))
	assert.ErrorIs(t, err, docerr.ErrInvalidOperation)
	require.NoError(t, applyAll(t, treeA, docA, moveAction("Q", "P", DefaultParent, Ptr("P"), nil, 1)))
	assert.Equal(t, []string{"P", "Q"}, treeA.Children(docA.Read(), DefaultParent))
	assert.Equal(t, []string{"P1"}, treeA.Children(docA.Read(), "P"))
	assert.NoError(t, treeA.Check(docA.Read()))
}

func TestLargeBatchKeepsOrder(t *testing.T) {
	tree, doc := newTestTree(t, 1)
	const n = 2000
	actions := make([]BlockAction, n)
	want := make([]string, n)
	for i := range actions {
		want[i] = fmt.Sprintf("b%04d", i)
		actions[i] = insertAction(want[i], DefaultParent, i)
	}
	require.NoError(t, applyAll(t, tree, doc, actions...))

	lay := tree.Resolve(doc.Read())
	assert.Equal(t, want, lay.Children[DefaultParent])
	assert.Equal(t, "b0001", lay.Nodes["b0000"].NextID)
	assert.Empty(t, lay.Unlisted)
}

func BenchmarkInsertBatch(b *testing.B) {
	actions := make([]BlockAction, 1000)
	for i := range actions {
		actions[i] = insertAction(fmt.Sprintf("b%04d", i), DefaultParent, i)
	}
	for b.Loop() {
		doc := crdt.NewDoc(1)
		tree := NewTree(doc, zerolog.Nop())
		txn := doc.Begin()
		for _, a := range actions {
			if err := tree.Apply(txn, a); err != nil {
				b.Fatal(err)
			}
		}
		_ = txn.Commit()
		tree.Resolve(doc.Read())
	}
}

func TestConcurrentMovesNeverDropBlocks(t *testing.T) {
	treeA, docA := newTestTree(t, 1)
	require.NoError(t, applyAll(t, treeA, docA,
		insertAction("P", DefaultParent, 0),
		insertAction("Q", DefaultParent, 1),
		insertAction("X", DefaultParent, 2),
	))
	treeB, docB := newTestTree(t, 2)
	require.NoError(t, docB.ApplyUpdate(docA.EncodeStateAsUpdate(nil)))

	require.NoError(t, applyAll(t, treeA, docA, moveAction("X", DefaultParent, "P", nil, nil, 0)))
	require.NoError(t, applyAll(t, treeB, docB, moveAction("X", DefaultParent, "Q", nil, nil, 0)))

	require.NoError(t, docA.ApplyUpdate(docB.EncodeStateAsUpdate(docA.StateVector())))
	require.NoError(t, docB.ApplyUpdate(docA.EncodeStateAsUpdate(docB.StateVector())))

	xA, _ := treeA.Get(docA.Read(), "X")
	xB, _ := treeB.Get(docB.Read(), "X")
	assert.Equal(t, xA.ParentID, xB.ParentID)
	assert.Equal(t, []string{"X"}, treeA.Children(docA.Read(), xA.ParentID))
	assert.Equal(t, []string{"P", "Q"}, treeA.Children(docA.Read(), DefaultParent))
	assert.Equal(t, treeA.Children(docA.Read(), DefaultParent), treeB.Children(docB.Read(), DefaultParent))
}
