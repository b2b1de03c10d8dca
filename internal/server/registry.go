// ABOUTME: Bounded set of open documents backed by the snapshot archive
// ABOUTME: Evicted documents are saved; reopened ones are restored from archive and update log

package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"

	"github.com/taeuk-works/appflowy-editor-sync-plugin/internal/logger"
	"github.com/taeuk-works/appflowy-editor-sync-plugin/internal/metrics"
	"github.com/taeuk-works/appflowy-editor-sync-plugin/pkg/persist"
	"github.com/taeuk-works/appflowy-editor-sync-plugin/pkg/replica"
)

const evictSaveTimeout = 30 * time.Second

// ErrDocumentNotFound is returned by Lookup for a document with no state
// anywhere
var ErrDocumentNotFound = errors.New("document not found")

// Registry holds open documents by id. A document leaving the cache is
// saved to the archive; when that fails its state is kept until the next
// Flush.
type Registry struct {
	mu      sync.Mutex
	cache   *lru.Cache
	archive *persist.Archive
	metrics *metrics.Metrics
	logs    *logger.Logger
	log     zerolog.Logger
	journal replica.Journal

	// recovered update log entries not yet applied, by document
	pending map[string][][]byte
	// documents replaced after the last checkpoint
	reset map[string]bool
	// full states whose save on eviction failed
	unsaved map[string][]byte
}

// NewRegistry returns a registry holding up to size documents
func NewRegistry(size int, archive *persist.Archive, m *metrics.Metrics, logs *logger.Logger) (*Registry, error) {
	r := &Registry{
		archive: archive,
		metrics: m,
		logs:    logs,
		log:     logs.Zerolog().With().Str("component", "registry").Logger(),
		pending: make(map[string][][]byte),
		reset:   make(map[string]bool),
		unsaved: make(map[string][]byte),
	}
	cache, err := lru.NewWithEvict(size, r.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create document cache: %w", err)
	}
	r.cache = cache
	return r, nil
}

// SetJournal routes changes to documents opened later through j
func (r *Registry) SetJournal(j replica.Journal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.journal = j
}

// Restore queues updates recovered from the update log. They are applied
// when their document is first opened.
func (r *Registry) Restore(pending map[string][][]byte, resetDocs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for docID, updates := range pending {
		r.pending[docID] = append(r.pending[docID], updates...)
	}
	for _, docID := range resetDocs {
		r.reset[docID] = true
	}
}

// Get returns the open document docID, loading it when absent. A document
// never stored starts empty.
func (r *Registry) Get(ctx context.Context, docID string) (*replica.Document, error) {
	return r.get(ctx, docID, true)
}

// Lookup is Get for documents that must already exist
func (r *Registry) Lookup(ctx context.Context, docID string) (*replica.Document, error) {
	return r.get(ctx, docID, false)
}

func (r *Registry) get(ctx context.Context, docID string, create bool) (*replica.Document, error) {
	if err := persist.ValidateDocID(docID); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.cache.Get(docID); ok {
		return v.(*replica.Document), nil
	}

	if !create && !r.known(ctx, docID) {
		return nil, fmt.Errorf("%s: %w", docID, ErrDocumentNotFound)
	}
	doc, err := r.load(ctx, docID)
	if err != nil {
		return nil, err
	}
	r.cache.Add(docID, doc)
	r.metrics.DocumentsOpen.Set(float64(r.cache.Len()))
	return doc, nil
}

// known reports whether docID has state outside the cache
func (r *Registry) known(ctx context.Context, docID string) bool {
	if _, ok := r.unsaved[docID]; ok || r.reset[docID] || len(r.pending[docID]) > 0 {
		return true
	}
	// Backend failures count as known so load reports them.
	_, err := r.archive.Head(ctx, docID)
	return !errors.Is(err, persist.ErrNotFound)
}

func (r *Registry) load(ctx context.Context, docID string) (*replica.Document, error) {
	log := r.logs.DocLogger(docID)
	doc := replica.New(
		replica.WithDocID(docID),
		replica.WithLogger(log),
		replica.WithRecorder(r.metrics),
	)

	var updates [][]byte
	switch state, ok := r.unsaved[docID]; {
	case ok:
		updates = append(updates, state)
	case r.reset[docID]:
		log.Debug().Msg("Document was reset after the last checkpoint; ignoring archive")
	default:
		state, err := r.archive.Latest(ctx, docID)
		switch {
		case err == nil:
			updates = append(updates, state)
		case errors.Is(err, persist.ErrNotFound):
		default:
			return nil, fmt.Errorf("load snapshot %s: %w", docID, err)
		}
	}
	updates = append(updates, r.pending[docID]...)

	if len(updates) > 0 {
		if err := doc.ApplyUpdates(updates); err != nil {
			return nil, fmt.Errorf("restore %s: %w", docID, err)
		}
	}
	// Restored state is already covered by the log or a snapshot.
	if r.journal != nil {
		doc.SetJournal(r.journal)
	}
	delete(r.pending, docID)
	delete(r.reset, docID)
	delete(r.unsaved, docID)

	log.Debug().Int("updates", len(updates)).Msg("Document opened")
	return doc, nil
}

// onEvict runs under the cache lock, from Add. The handle is closed first
// so callers still holding it fail with replica.ErrClosed and reopen the
// document instead of changing a copy nobody saves.
func (r *Registry) onEvict(key, value interface{}) {
	docID := key.(string)
	doc := value.(*replica.Document)
	r.metrics.RegistryEvictions.Inc()
	doc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), evictSaveTimeout)
	defer cancel()
	if err := r.save(ctx, docID, doc); err != nil {
		state, _ := doc.EncodeFullState()
		r.unsaved[docID] = state
		r.log.Error().Err(err).Str("doc_id", docID).Msg("Failed to save evicted document; keeping state in memory")
	}
}

func (r *Registry) save(ctx context.Context, docID string, doc *replica.Document) error {
	state, err := doc.EncodeFullState()
	if err != nil {
		return err
	}
	hash, err := r.archive.Save(ctx, docID, state)
	if err != nil {
		r.metrics.RecordSnapshot("error")
		return err
	}
	r.metrics.RecordSnapshot("ok")
	r.log.Debug().Str("doc_id", docID).Str("hash", hash).Int("bytes", len(state)).Msg("Snapshot saved")
	return nil
}

// Flush saves every open document and retries failed evictions. Every
// update applied before Flush was called is covered on success.
func (r *Registry) Flush(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for docID, state := range r.unsaved {
		if _, err := r.archive.Save(ctx, docID, state); err != nil {
			r.metrics.RecordSnapshot("error")
			errs = append(errs, fmt.Errorf("%s: %w", docID, err))
			continue
		}
		r.metrics.RecordSnapshot("ok")
		delete(r.unsaved, docID)
	}
	for _, key := range r.cache.Keys() {
		v, ok := r.cache.Peek(key)
		if !ok {
			continue
		}
		if err := r.save(ctx, key.(string), v.(*replica.Document)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	// Recovered documents never reopened are in no snapshot yet.
	recovered := make(map[string]bool, len(r.pending)+len(r.reset))
	for docID := range r.pending {
		recovered[docID] = true
	}
	for docID := range r.reset {
		recovered[docID] = true
	}
	for docID := range recovered {
		doc, err := r.load(ctx, docID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := r.save(ctx, docID, doc); err != nil {
			state, _ := doc.EncodeFullState()
			r.unsaved[docID] = state
			errs = append(errs, fmt.Errorf("%s: %w", docID, err))
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of open documents
func (r *Registry) Len() int {
	return r.cache.Len()
}

// PendingOps sums operations waiting on causal dependencies over open
// documents
func (r *Registry) PendingOps() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, key := range r.cache.Keys() {
		if v, ok := r.cache.Peek(key); ok {
			total += v.(*replica.Document).PendingCount()
		}
	}
	return total
}

// Close saves every open document
func (r *Registry) Close(ctx context.Context) error {
	return r.Flush(ctx)
}
