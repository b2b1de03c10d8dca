// Package server implements the gRPC blockdoc DocumentService
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/taeuk-works/appflowy-editor-sync-plugin/internal/config"
	"github.com/taeuk-works/appflowy-editor-sync-plugin/internal/logger"
	"github.com/taeuk-works/appflowy-editor-sync-plugin/internal/metrics"
	"github.com/taeuk-works/appflowy-editor-sync-plugin/pkg/docerr"
	"github.com/taeuk-works/appflowy-editor-sync-plugin/pkg/persist"
	"github.com/taeuk-works/appflowy-editor-sync-plugin/pkg/persist/file"
	s3persist "github.com/taeuk-works/appflowy-editor-sync-plugin/pkg/persist/s3"
	"github.com/taeuk-works/appflowy-editor-sync-plugin/pkg/replica"
	"github.com/taeuk-works/appflowy-editor-sync-plugin/pkg/updatelog"
)

// Server implements the DocumentServiceServer interface
type Server struct {
	registry *Registry
	updates  *updatelog.Log
	cp       *updatelog.Checkpointer
	metrics  *metrics.Metrics
	log      *logger.Logger

	startTime time.Time
	mu        sync.Mutex
	opCounts  map[string]int64
}

var _ DocumentServiceServer = (*Server)(nil)

// OpenBackend returns the snapshot store selected by cfg
func OpenBackend(cfg config.StorageConfig) (persist.Persist, error) {
	switch cfg.Backend {
	case config.BackendFile:
		return file.NewPersistForPath(cfg.Path), nil
	case config.BackendS3:
		p, err := s3persist.Open(s3persist.Config{
			Bucket:   cfg.S3.Bucket,
			Prefix:   cfg.S3.Prefix,
			Region:   cfg.S3.Region,
			Endpoint: cfg.S3.Endpoint,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	case config.BackendMemory, "":
		return persist.NewInMemory(), nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

// NewServer opens storage and the update log, recovers updates logged
// since the last checkpoint and starts the checkpointer
func NewServer(cfg config.Config, m *metrics.Metrics, log *logger.Logger) (*Server, error) {
	backend, err := OpenBackend(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	storeLog := log.StoreLogger(cfg.Storage.Backend)

	s := &Server{
		metrics:   m,
		log:       log,
		startTime: time.Now(),
		opCounts:  make(map[string]int64),
	}
	var journal replica.Journal
	if cfg.UpdateLog.Dir != "" {
		s.updates = &updatelog.Log{
			Path:        filepath.Join(cfg.UpdateLog.Dir, "updates.log"),
			MaxFileSize: cfg.UpdateLog.MaxFileSize,
		}
		if err := s.updates.Open(); err != nil {
			return nil, fmt.Errorf("failed to open update log: %w", err)
		}
		journal = &logJournal{updates: s.updates, metrics: m, log: storeLog}
	}

	s.registry, err = NewRegistry(cfg.Registry.CacheSize, persist.NewArchive(backend, ""), m, log)
	if err != nil {
		if s.updates != nil {
			s.updates.Close()
		}
		return nil, err
	}
	if s.updates == nil {
		return s, nil
	}
	s.registry.SetJournal(journal)

	pending, stats, err := s.updates.Pending()
	if err != nil {
		s.updates.Close()
		return nil, fmt.Errorf("failed to recover update log: %w", err)
	}
	s.registry.Restore(pending, stats.ResetDocs)
	storeLog.Info().
		Int("documents", len(pending)).
		Int("replayed", stats.ReplayedUpdates).
		Int("skipped", stats.SkippedUpdates).
		Int("resets", len(stats.ResetDocs)).
		Int("corrupt_files", stats.CorruptFiles).
		Uint64("checkpoint_mark", stats.CheckpointMark).
		Msg("Update log recovered")

	s.cp = updatelog.NewCheckpointer(s.updates, s.registry.Flush, storeLog)
	s.cp.SetInterval(cfg.UpdateLog.CheckpointInterval)
	s.cp.Start()
	return s, nil
}

// Close stops the checkpointer, saves every open document and closes the
// update log
func (s *Server) Close(ctx context.Context) error {
	if s.updates == nil {
		return s.registry.Close(ctx)
	}
	s.cp.Stop()
	err := s.cp.Checkpoint(ctx)
	return errors.Join(err, s.updates.Close())
}

func (s *Server) countOp(name string) {
	s.mu.Lock()
	s.opCounts[name]++
	s.mu.Unlock()
}

// toStatus maps document and storage errors to gRPC codes
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, docerr.ErrInvalidOperation),
		errors.Is(err, docerr.ErrEncoding),
		errors.Is(err, persist.ErrInvalidDocID):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, docerr.ErrDecodeUpdate),
		errors.Is(err, persist.ErrHashMismatch):
		return status.Error(codes.DataLoss, err.Error())
	case errors.Is(err, ErrDocumentNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// logJournal appends document changes to the update log. The document
// already holds a change whose append fails; the next checkpoint covers it.
type logJournal struct {
	updates *updatelog.Log
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func (j *logJournal) Append(docID string, update []byte) error {
	if len(update) == 0 {
		return nil
	}
	if _, err := j.updates.Append(docID, update); err != nil {
		j.log.Error().Err(err).Str("doc_id", docID).Msg("Update log append failed")
		return status.Errorf(codes.Unavailable, "update log append failed: %v", err)
	}
	j.metrics.UpdateLogBytes.Add(float64(len(update)))
	return nil
}

// Reset logs that docID was replaced, then its new state. Recovery skips
// the document's updates logged before the marker.
func (j *logJournal) Reset(docID string, state []byte) error {
	if _, err := j.updates.AppendReset(docID); err != nil {
		j.log.Error().Err(err).Str("doc_id", docID).Msg("Update log reset failed")
		return status.Errorf(codes.Unavailable, "update log append failed: %v", err)
	}
	return j.Append(docID, state)
}

// maxReopen bounds retries when a document is evicted between lookup and
// use
const maxReopen = 3

// mutateDocument runs fn on the open document docID, creating it when
// absent. A handle closed by eviction is reopened and fn runs again.
func (s *Server) mutateDocument(ctx context.Context, docID string, fn func(*replica.Document) error) error {
	for range maxReopen {
		doc, err := s.registry.Get(ctx, docID)
		if err != nil {
			return toStatus(err)
		}
		if err := fn(doc); !errors.Is(err, replica.ErrClosed) {
			return toStatus(err)
		}
		s.log.Zerolog().Debug().Str("doc_id", docID).Msg("Document evicted during request; reopening")
	}
	return status.Errorf(codes.Unavailable, "document %s evicted repeatedly during request", docID)
}

// ========== Document Operations ==========

func (s *Server) Init(ctx context.Context, req *InitRequest) (*UpdateResponse, error) {
	s.countOp("Init")

	doc, err := s.registry.Get(ctx, req.DocID)
	if err != nil {
		return nil, toStatus(err)
	}
	state, err := doc.Init()
	if err != nil {
		return nil, toStatus(err)
	}
	return &UpdateResponse{Update: state}, nil
}

func (s *Server) ApplyActions(ctx context.Context, req *ApplyActionsRequest) (*UpdateResponse, error) {
	s.countOp("ApplyActions")

	var diff []byte
	err := s.mutateDocument(ctx, req.DocID, func(doc *replica.Document) (err error) {
		diff, err = doc.ApplyActions(req.Actions)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &UpdateResponse{Update: diff}, nil
}

func (s *Server) ApplyUpdates(ctx context.Context, req *ApplyUpdatesRequest) (*StateResponse, error) {
	s.countOp("ApplyUpdates")

	var resp *StateResponse
	err := s.mutateDocument(ctx, req.DocID, func(doc *replica.Document) error {
		if err := doc.ApplyUpdates(req.Updates); err != nil {
			return err
		}
		resp = stateResponse(doc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Server) ApplyUpdate(ctx context.Context, req *ApplyUpdateRequest) (*StateResponse, error) {
	s.countOp("ApplyUpdate")

	if len(req.Update) == 0 {
		return nil, status.Error(codes.InvalidArgument, "update is required")
	}
	var resp *StateResponse
	err := s.mutateDocument(ctx, req.DocID, func(doc *replica.Document) error {
		if err := doc.ApplyUpdate(req.Update); err != nil {
			return err
		}
		resp = stateResponse(doc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func stateResponse(doc *replica.Document) *StateResponse {
	return &StateResponse{
		StateVector: doc.EncodeStateVector(),
		PendingOps:  doc.PendingCount(),
	}
}

func (s *Server) EncodeFullState(ctx context.Context, req *EncodeFullStateRequest) (*UpdateResponse, error) {
	s.countOp("EncodeFullState")

	doc, err := s.registry.Lookup(ctx, req.DocID)
	if err != nil {
		return nil, toStatus(err)
	}
	state, err := doc.EncodeFullState()
	if err != nil {
		return nil, toStatus(err)
	}
	return &UpdateResponse{Update: state}, nil
}

func (s *Server) EncodeDiff(ctx context.Context, req *EncodeDiffRequest) (*UpdateResponse, error) {
	s.countOp("EncodeDiff")

	doc, err := s.registry.Lookup(ctx, req.DocID)
	if err != nil {
		return nil, toStatus(err)
	}
	diff, err := doc.EncodeDiff(req.StateVector)
	if err != nil {
		return nil, toStatus(err)
	}
	return &UpdateResponse{Update: diff}, nil
}

func (s *Server) GetSnapshot(ctx context.Context, req *GetSnapshotRequest) (*SnapshotResponse, error) {
	s.countOp("GetSnapshot")

	doc, err := s.registry.Lookup(ctx, req.DocID)
	if err != nil {
		return nil, toStatus(err)
	}
	snap, err := doc.Snapshot()
	if err != nil {
		return nil, toStatus(err)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, toStatus(docerr.Encoding("marshal snapshot", err))
	}
	return &SnapshotResponse{Snapshot: data}, nil
}

// ========== Metadata Operations ==========

func (s *Server) SetMeta(ctx context.Context, req *SetMetaRequest) (*UpdateResponse, error) {
	s.countOp("SetMeta")

	if len(req.Meta) == 0 {
		return nil, status.Error(codes.InvalidArgument, "meta is required")
	}
	var diff []byte
	err := s.mutateDocument(ctx, req.DocID, func(doc *replica.Document) (err error) {
		diff, err = doc.SetMetaFromJSON(req.Meta)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &UpdateResponse{Update: diff}, nil
}

func (s *Server) GetMeta(ctx context.Context, req *GetMetaRequest) (*MetaResponse, error) {
	s.countOp("GetMeta")

	doc, err := s.registry.Lookup(ctx, req.DocID)
	if err != nil {
		return nil, toStatus(err)
	}
	data, err := doc.GetAllMetaJSON()
	if err != nil {
		return nil, toStatus(err)
	}
	return &MetaResponse{Meta: data}, nil
}

// ========== Update Operations ==========

func (s *Server) MergeUpdates(ctx context.Context, req *MergeUpdatesRequest) (*UpdateResponse, error) {
	s.countOp("MergeUpdates")

	merged, err := replica.MergeUpdates(req.Updates)
	if err != nil {
		return nil, toStatus(err)
	}
	return &UpdateResponse{Update: merged}, nil
}

// ========== Health & Stats ==========

func (s *Server) Health(ctx context.Context, req *HealthRequest) (*HealthResponse, error) {
	return &HealthResponse{
		Status:        "SERVING",
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	}, nil
}

func (s *Server) Stats(ctx context.Context, req *StatsRequest) (*StatsResponse, error) {
	pending := s.registry.PendingOps()
	s.metrics.PendingOps.Set(float64(pending))

	s.mu.Lock()
	counts := make(map[string]int64, len(s.opCounts))
	for k, v := range s.opCounts {
		counts[k] = v
	}
	s.mu.Unlock()

	resp := &StatsResponse{
		DocumentsOpen:   s.registry.Len(),
		PendingOps:      pending,
		UptimeSeconds:   int64(time.Since(s.startTime).Seconds()),
		OperationCounts: counts,
	}
	if s.updates != nil {
		resp.LastLSN = s.updates.LastLSN()
	}
	return resp, nil
}
