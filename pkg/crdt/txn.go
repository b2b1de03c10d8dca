// ABOUTME: Transaction support for batched document mutation
// ABOUTME: Implements Begin/Commit/Abort; a transaction can encode the diff since it began

package crdt

import "errors"

// ErrTxnDone is returned when a finished transaction is committed again.
var ErrTxnDone = errors.New("transaction already finished")

// Reader is satisfied by read-only and read-write transactions.
type Reader interface {
	store() *Doc
}

// ReadTxn is a read-only view of a document.
type ReadTxn struct {
	doc *Doc
}

// Read opens a read-only transaction.
func (d *Doc) Read() *ReadTxn {
	return &ReadTxn{doc: d}
}

func (r *ReadTxn) store() *Doc { return r.doc }

// Txn represents a read-write transaction
type Txn struct {
	doc    *Doc
	before StateVector // state vector saved for the diff
	undo   []func()
	issued int
	done   bool
}

// Begin starts a new transaction
func (d *Doc) Begin() *Txn {
	return &Txn{
		doc:    d,
		before: d.StateVector(),
	}
}

func (t *Txn) store() *Doc { return t.doc }

// BeforeState returns the state vector captured when the transaction began.
func (t *Txn) BeforeState() StateVector {
	return t.before.Clone()
}

// Changed reports whether the transaction issued any op.
func (t *Txn) Changed() bool {
	return t.issued > 0
}

// Commit makes the transaction's ops permanent
func (t *Txn) Commit() error {
	if t.done {
		return ErrTxnDone
	}
	t.done = true
	t.undo = nil
	return nil
}

// Abort rolls back every op issued by the transaction, newest first
func (t *Txn) Abort() {
	if t.done {
		return
	}
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	t.issued = 0
	t.done = true
}

// EncodeDiff encodes the ops integrated since the transaction began.
func (t *Txn) EncodeDiff() []byte {
	return encodeUpdate(t.doc.opsSince(t.before, false))
}

// emit stamps op with the next local id and lamport time and integrates it.
func (t *Txn) emit(op *Op) *Op {
	if t.done {
		panic("crdt: mutation on finished transaction")
	}
	d := t.doc
	op.ID = ID{Client: d.client, Clock: d.sv[d.client]}
	op.Lamport = d.lamport + 1
	d.integrate(op, &t.undo)
	t.issued++
	return op
}
