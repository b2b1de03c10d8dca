// ABOUTME: Synchronization controller for one replicated block document
// ABOUTME: Runs host calls as transactions and returns the binary diffs they produce

package replica

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/taeuk-works/appflowy-editor-sync-plugin/pkg/crdt"
	"github.com/taeuk-works/appflowy-editor-sync-plugin/pkg/docerr"
	"github.com/taeuk-works/appflowy-editor-sync-plugin/pkg/document"
	"github.com/taeuk-works/appflowy-editor-sync-plugin/pkg/metadata"
	"github.com/taeuk-works/appflowy-editor-sync-plugin/pkg/snapshot"
)

// Recorder receives one observation per document operation
type Recorder interface {
	ObserveOperation(operation, status string, duration time.Duration, updateBytes int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveOperation(string, string, time.Duration, int) {}

// ErrClosed is returned by mutations on a closed handle
var ErrClosed = errors.New("document handle closed")

// Journal records document changes in the order they are applied. Both
// methods run under the document's write lock.
type Journal interface {
	// Append records an update applied to docID
	Append(docID string, update []byte) error
	// Reset records that docID was replaced by state
	Reset(docID string, state []byte) error
}

// Document is a handle on one replicated document. It is safe for
// concurrent use; mutations are serialized.
type Document struct {
	mu sync.RWMutex

	id     string
	client crdt.ClientID
	doc    *crdt.Doc
	tree   *document.Tree
	meta   *metadata.Store

	log     zerolog.Logger
	rec     Recorder
	journal Journal
	closed  bool
}

// Option configures a Document
type Option func(*Document)

// WithDocID names the document in logs and snapshots
func WithDocID(id string) Option {
	return func(d *Document) { d.id = id }
}

// WithClientID fixes the replica's client id. Two live replicas must never
// share one.
func WithClientID(client crdt.ClientID) Option {
	return func(d *Document) { d.client = client }
}

// WithLogger sets the logger
func WithLogger(log zerolog.Logger) Option {
	return func(d *Document) { d.log = log }
}

// WithRecorder reports operation timings and update sizes to rec
func WithRecorder(rec Recorder) Option {
	return func(d *Document) { d.rec = rec }
}

// New creates an empty document
func New(opts ...Option) *Document {
	d := &Document{
		log: zerolog.Nop(),
		rec: nopRecorder{},
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.client == 0 {
		d.client = crdt.NewClientID()
	}
	d.log = d.log.With().Str("doc_id", d.id).Logger()
	d.bind(crdt.NewDoc(d.client))
	return d
}

func (d *Document) bind(doc *crdt.Doc) {
	d.doc = doc
	d.client = doc.ClientID()
	d.tree = document.NewTree(doc, d.log)
	d.meta = metadata.NewStore(doc)
}

// SetJournal routes every later change to j; nil stops journaling
func (d *Document) SetJournal(j Journal) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.journal = j
}

// Close waits for in-flight mutations and closes the handle. Later
// mutations fail with ErrClosed; reads still see the final state.
func (d *Document) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
}

// ID returns the document id given by WithDocID
func (d *Document) ID() string {
	return d.id
}

// ClientID returns the id this replica writes under
func (d *Document) ClientID() crdt.ClientID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.client
}

func (d *Document) observe(operation string, start time.Time, update []byte, err error) {
	status := docerr.Kind(err)
	d.rec.ObserveOperation(operation, status, time.Since(start), len(update))
	if err != nil {
		d.log.Warn().Err(err).Str("operation", operation).Msg("Document operation failed")
		return
	}
	d.log.Debug().Str("operation", operation).Int("update_bytes", len(update)).Msg("Document operation completed")
}

// mutate runs fn in one transaction. A failing fn rolls the whole
// transaction back; otherwise the transaction's diff is returned.
func (d *Document) mutate(operation string, fn func(txn *crdt.Txn) error) (diff []byte, err error) {
	start := time.Now()
	defer func() { d.observe(operation, start, diff, err) }()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}

	txn := d.doc.Begin()
	if err := fn(txn); err != nil {
		txn.Abort()
		return nil, err
	}
	diff = txn.EncodeDiff()
	if err := txn.Commit(); err != nil {
		return nil, err
	}
	if d.journal != nil && txn.Changed() {
		if err := d.journal.Append(d.id, diff); err != nil {
			return nil, err
		}
	}
	return diff, nil
}

// Init materializes the empty blocks and metadata containers and returns
// the full state. Top-level containers exist on every replica without being
// written, so Init never changes the document and may be called again.
func (d *Document) Init() ([]byte, error) {
	start := time.Now()
	d.mu.RLock()
	state := d.doc.EncodeStateAsUpdate(nil)
	d.mu.RUnlock()

	d.observe("init", start, state, nil)
	return state, nil
}

// Reset discards every block and metadata entry and returns the new empty
// state. The handle continues under a new client id so its old clocks are
// never reused.
func (d *Document) Reset() (state []byte, err error) {
	start := time.Now()
	defer func() { d.observe("reset", start, state, err) }()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	d.bind(crdt.NewDoc(crdt.NewClientID()))
	state = d.doc.EncodeStateAsUpdate(nil)
	if d.journal != nil {
		if err := d.journal.Reset(d.id, state); err != nil {
			return nil, err
		}
	}
	return state, nil
}

// ApplyActions applies a batch of block actions in one transaction and
// returns its diff. The batch is all-or-nothing: when an action fails,
// the actions before it are rolled back and no diff is returned.
func (d *Document) ApplyActions(actions []document.BlockAction) ([]byte, error) {
	return d.mutate("apply_actions", func(txn *crdt.Txn) error {
		for i, action := range actions {
			if err := d.tree.Apply(txn, action); err != nil {
				d.log.Debug().Int("index", i).Stringer("action", action.Type).Str("block_id", action.Block.ID).Msg("Batch rejected")
				return err
			}
		}
		return nil
	})
}

// ApplyUpdates replaces the document with one built from updates, in
// order, on a fresh replica. On failure the live document is unchanged.
func (d *Document) ApplyUpdates(updates [][]byte) (err error) {
	start := time.Now()
	size := 0
	for _, u := range updates {
		size += len(u)
	}
	defer func() { d.rec.ObserveOperation("apply_updates", docerr.Kind(err), time.Since(start), size) }()

	fresh := crdt.NewDoc(crdt.NewClientID())
	for i, u := range updates {
		if err := fresh.ApplyUpdate(u); err != nil {
			d.log.Warn().Err(err).Int("index", i).Msg("Update rejected; keeping live document")
			return err
		}
	}

	if n := fresh.PendingCount(); n > 0 {
		d.log.Warn().Int("pending", n).Msg("Updates reference operations not yet received")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.bind(fresh)
	if d.journal != nil {
		return d.journal.Reset(d.id, fresh.EncodeStateAsUpdate(nil))
	}
	return nil
}

// ApplyUpdate merges one update into the live document
func (d *Document) ApplyUpdate(update []byte) (err error) {
	start := time.Now()
	defer func() { d.observe("apply_update", start, update, err) }()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if err := d.doc.ApplyUpdate(update); err != nil {
		return err
	}
	if d.journal != nil {
		return d.journal.Append(d.id, update)
	}
	return nil
}

// MergeUpdates compacts updates into one equivalent update
func MergeUpdates(updates [][]byte) ([]byte, error) {
	return crdt.MergeUpdates(updates)
}

// EncodeFullState returns the whole document relative to the empty state
// vector
func (d *Document) EncodeFullState() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.doc.EncodeStateAsUpdate(nil), nil
}

// StateVector returns the clocks this replica has integrated
func (d *Document) StateVector() crdt.StateVector {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.doc.StateVector()
}

// EncodeStateVector returns the state vector in wire form
func (d *Document) EncodeStateVector() []byte {
	return crdt.EncodeStateVector(d.StateVector())
}

// EncodeDiff returns everything a peer with the encoded state vector is
// missing
func (d *Document) EncodeDiff(stateVector []byte) ([]byte, error) {
	sv, err := crdt.DecodeStateVector(stateVector)
	if err != nil {
		return nil, docerr.Encoding("decode state vector", err)
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.doc.EncodeStateAsUpdate(sv), nil
}

// PendingCount reports operations waiting for missing dependencies
func (d *Document) PendingCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.doc.PendingCount()
}

// Snapshot materializes the block tree and metadata
func (d *Document) Snapshot() (*snapshot.Snapshot, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return snapshot.Extract(d.doc.Read(), d.tree, d.meta, d.id), nil
}

// Check verifies block tree integrity
func (d *Document) Check() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.tree.Check(d.doc.Read())
}

// SetRootNodeID records the host's root node id
func (d *Document) SetRootNodeID(id string) ([]byte, error) {
	return d.mutate("set_root_node_id", func(txn *crdt.Txn) error {
		d.tree.SetRootID(txn, id)
		return nil
	})
}

// RootNodeID returns the recorded root node id
func (d *Document) RootNodeID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.tree.RootID(d.doc.Read())
}
