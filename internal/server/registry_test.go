package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/taeuk-works/appflowy-editor-sync-plugin/internal/logger"
	"github.com/taeuk-works/appflowy-editor-sync-plugin/internal/metrics"
	"github.com/taeuk-works/appflowy-editor-sync-plugin/pkg/document"
	"github.com/taeuk-works/appflowy-editor-sync-plugin/pkg/persist"
	"github.com/taeuk-works/appflowy-editor-sync-plugin/pkg/replica"
)

// flakyStore fails every Store while failing is set
type flakyStore struct {
	*persist.InMemory
	failing bool
}

func (f *flakyStore) Store(ctx context.Context, name string, b []byte) error {
	if f.failing {
		return errors.New("store unavailable")
	}
	return f.InMemory.Store(ctx, name, b)
}

func newTestRegistry(t *testing.T, size int, p persist.Persist) (*Registry, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewMetrics(nil)
	r, err := NewRegistry(size, persist.NewArchive(p, ""), m, logger.Nop())
	require.NoError(t, err)
	return r, m
}

func topLevel(t *testing.T, doc *replica.Document) []string {
	t.Helper()
	s, err := doc.Snapshot()
	require.NoError(t, err)
	var ids []string
	for _, b := range s.Blocks {
		ids = append(ids, b.ID)
	}
	return ids
}

func TestRegistryEvictionSavesAndReloads(t *testing.T) {
	ctx := context.Background()
	mem := persist.NewInMemory()
	r, _ := newTestRegistry(t, 1, mem)

	a, err := r.Get(ctx, "a")
	require.NoError(t, err)
	_, err = a.ApplyActions([]document.BlockAction{insertAt("X", document.DefaultParent, 0, "x")})
	require.NoError(t, err)

	_, err = r.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 1, r.Len())
	assert.Positive(t, mem.Len(), "evicted document was saved")

	again, err := r.Lookup(ctx, "a")
	require.NoError(t, err)
	assert.NotSame(t, a, again)
	assert.Equal(t, []string{"X"}, topLevel(t, again))
}

func TestRegistryKeepsStateWhenEvictionSaveFails(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{InMemory: persist.NewInMemory()}
	r, _ := newTestRegistry(t, 1, store)

	a, err := r.Get(ctx, "a")
	require.NoError(t, err)
	_, err = a.SetMetaString("title", "kept")
	require.NoError(t, err)

	store.failing = true
	_, err = r.Get(ctx, "b")
	require.NoError(t, err)
	assert.Error(t, r.Flush(ctx))

	store.failing = false
	require.NoError(t, r.Flush(ctx))
	assert.Empty(t, r.unsaved)

	again, err := r.Get(ctx, "a")
	require.NoError(t, err)
	v, ok := again.GetAllMeta().Get("title")
	require.True(t, ok)
	assert.Equal(t, "kept", v.Native())
}

func TestRegistryRestoreAppliesPendingUpdates(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, 4, persist.NewInMemory())

	src := replica.New()
	diff, err := src.ApplyActions([]document.BlockAction{insertAt("Y", document.DefaultParent, 0, "y")})
	require.NoError(t, err)

	r.Restore(map[string][][]byte{"logged": {diff}}, nil)
	doc, err := r.Lookup(ctx, "logged")
	require.NoError(t, err)
	assert.Equal(t, []string{"Y"}, topLevel(t, doc))

	_, err = r.Lookup(ctx, "unknown")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
	_, err = r.Get(ctx, "bad/id")
	assert.ErrorIs(t, err, persist.ErrInvalidDocID)
}

func TestRegistryFlushSavesRecoveredDocuments(t *testing.T) {
	ctx := context.Background()
	mem := persist.NewInMemory()
	r, _ := newTestRegistry(t, 4, mem)

	src := replica.New()
	diff, err := src.SetMetaBool("pinned", true)
	require.NoError(t, err)
	r.Restore(map[string][][]byte{"cold": {diff}}, []string{"wiped"})

	require.NoError(t, r.Flush(ctx))
	archive := persist.NewArchive(mem, "")
	_, err = archive.Head(ctx, "cold")
	assert.NoError(t, err)
	_, err = archive.Head(ctx, "wiped")
	assert.NoError(t, err)
}

// docJournal records the documents each change was logged for
type docJournal struct {
	appends []string
	resets  []string
}

func (j *docJournal) Append(docID string, update []byte) error {
	j.appends = append(j.appends, docID)
	return nil
}

func (j *docJournal) Reset(docID string, state []byte) error {
	j.resets = append(j.resets, docID)
	return nil
}

func TestRegistryJournalsChangesAfterOpen(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, 4, persist.NewInMemory())
	j := &docJournal{}
	r.SetJournal(j)

	src := replica.New()
	diff, err := src.SetMetaBool("pinned", true)
	require.NoError(t, err)
	r.Restore(map[string][][]byte{"logged": {diff}}, nil)

	doc, err := r.Lookup(ctx, "logged")
	require.NoError(t, err)
	assert.Empty(t, j.appends, "restored updates are not logged again")
	assert.Empty(t, j.resets)

	_, err = doc.SetMetaString("title", "t")
	require.NoError(t, err)
	assert.Equal(t, []string{"logged"}, j.appends)
}

func TestRegistryEvictedHandleRejectsWrites(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, 1, persist.NewInMemory())

	a, err := r.Get(ctx, "a")
	require.NoError(t, err)
	_, err = a.ApplyActions([]document.BlockAction{insertAt("X", document.DefaultParent, 0, "x")})
	require.NoError(t, err)

	_, err = r.Get(ctx, "b")
	require.NoError(t, err)
	_, err = a.ApplyActions([]document.BlockAction{insertAt("Y", document.DefaultParent, 1, "y")})
	assert.ErrorIs(t, err, replica.ErrClosed)

	again, err := r.Get(ctx, "a")
	require.NoError(t, err)
	_, err = again.ApplyActions([]document.BlockAction{insertAt("Y", document.DefaultParent, 1, "y")})
	require.NoError(t, err)

	_, err = r.Get(ctx, "b")
	require.NoError(t, err)
	reloaded, err := r.Lookup(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"X", "Y"}, topLevel(t, reloaded))
}

func TestMutateDocumentReopensEvictedHandle(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, 1, persist.NewInMemory())
	s := &Server{registry: r, log: logger.Nop()}

	calls := 0
	err := s.mutateDocument(ctx, "a", func(doc *replica.Document) error {
		calls++
		if calls == 1 {
			// Another request opens a document and evicts this one.
			_, err := r.Get(ctx, "other")
			require.NoError(t, err)
		}
		_, err := doc.ApplyActions([]document.BlockAction{insertAt("X", document.DefaultParent, 0, "x")})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	doc, err := r.Lookup(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"X"}, topLevel(t, doc))

	err = s.mutateDocument(ctx, "a", func(*replica.Document) error { return replica.ErrClosed })
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestObservabilityEndpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	m.RegistryEvictions.Inc()

	srv := httptest.NewServer(observabilityMux(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
