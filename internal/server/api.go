// ABOUTME: Wire messages and service descriptor for blockdoc.v1.DocumentService
// ABOUTME: Messages are plain Go structs carried by the JSON codec

package server

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"

	"github.com/taeuk-works/appflowy-editor-sync-plugin/pkg/document"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "blockdoc.v1.DocumentService"

// ========== Messages ==========

type InitRequest struct {
	DocID string `json:"doc_id"`
}

type ApplyActionsRequest struct {
	DocID   string                 `json:"doc_id"`
	Actions []document.BlockAction `json:"actions"`
}

type ApplyUpdatesRequest struct {
	DocID   string   `json:"doc_id"`
	Updates [][]byte `json:"updates"`
}

type ApplyUpdateRequest struct {
	DocID  string `json:"doc_id"`
	Update []byte `json:"update"`
}

type EncodeFullStateRequest struct {
	DocID string `json:"doc_id"`
}

type EncodeDiffRequest struct {
	DocID       string `json:"doc_id"`
	StateVector []byte `json:"state_vector"`
}

type GetSnapshotRequest struct {
	DocID string `json:"doc_id"`
}

// SetMetaRequest carries a JSON object applied key by key
type SetMetaRequest struct {
	DocID string          `json:"doc_id"`
	Meta  json.RawMessage `json:"meta"`
}

type GetMetaRequest struct {
	DocID string `json:"doc_id"`
}

type MergeUpdatesRequest struct {
	Updates [][]byte `json:"updates"`
}

type HealthRequest struct{}

type StatsRequest struct{}

// UpdateResponse carries an encoded update: a diff, a full state or a
// merge result. Empty means nothing changed.
type UpdateResponse struct {
	Update []byte `json:"update,omitempty"`
}

// StateResponse reports the replica state after an inbound update
type StateResponse struct {
	StateVector []byte `json:"state_vector"`
	PendingOps  int    `json:"pending_ops"`
}

type SnapshotResponse struct {
	Snapshot json.RawMessage `json:"snapshot"`
}

type MetaResponse struct {
	Meta json.RawMessage `json:"meta"`
}

type HealthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type StatsResponse struct {
	DocumentsOpen   int              `json:"documents_open"`
	PendingOps      int              `json:"pending_ops"`
	LastLSN         uint64           `json:"last_lsn"`
	UptimeSeconds   int64            `json:"uptime_seconds"`
	OperationCounts map[string]int64 `json:"operation_counts"`
}

// ========== Service ==========

// DocumentServiceServer is the server API for blockdoc.v1.DocumentService
type DocumentServiceServer interface {
	Init(context.Context, *InitRequest) (*UpdateResponse, error)
	ApplyActions(context.Context, *ApplyActionsRequest) (*UpdateResponse, error)
	ApplyUpdates(context.Context, *ApplyUpdatesRequest) (*StateResponse, error)
	ApplyUpdate(context.Context, *ApplyUpdateRequest) (*StateResponse, error)
	EncodeFullState(context.Context, *EncodeFullStateRequest) (*UpdateResponse, error)
	EncodeDiff(context.Context, *EncodeDiffRequest) (*UpdateResponse, error)
	GetSnapshot(context.Context, *GetSnapshotRequest) (*SnapshotResponse, error)
	SetMeta(context.Context, *SetMetaRequest) (*UpdateResponse, error)
	GetMeta(context.Context, *GetMetaRequest) (*MetaResponse, error)
	MergeUpdates(context.Context, *MergeUpdatesRequest) (*UpdateResponse, error)
	Health(context.Context, *HealthRequest) (*HealthResponse, error)
	Stats(context.Context, *StatsRequest) (*StatsResponse, error)
}

// RegisterDocumentServiceServer registers srv with s
func RegisterDocumentServiceServer(s grpc.ServiceRegistrar, srv DocumentServiceServer) {
	s.RegisterService(&DocumentServiceDesc, srv)
}

// DocumentServiceDesc describes the service for grpc.Server
var DocumentServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DocumentServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Init", DocumentServiceServer.Init),
		unary("ApplyActions", DocumentServiceServer.ApplyActions),
		unary("ApplyUpdates", DocumentServiceServer.ApplyUpdates),
		unary("ApplyUpdate", DocumentServiceServer.ApplyUpdate),
		unary("EncodeFullState", DocumentServiceServer.EncodeFullState),
		unary("EncodeDiff", DocumentServiceServer.EncodeDiff),
		unary("GetSnapshot", DocumentServiceServer.GetSnapshot),
		unary("SetMeta", DocumentServiceServer.SetMeta),
		unary("GetMeta", DocumentServiceServer.GetMeta),
		unary("MergeUpdates", DocumentServiceServer.MergeUpdates),
		unary("Health", DocumentServiceServer.Health),
		unary("Stats", DocumentServiceServer.Stats),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "blockdoc/v1/document.proto",
}

func unary[Req, Resp any](name string, call func(DocumentServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(DocumentServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + name,
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(DocumentServiceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ========== Client ==========

// Client calls DocumentService over conn with the JSON codec
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient returns a client for the service
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Resp any](ctx context.Context, c *Client, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Init(ctx context.Context, in *InitRequest, opts ...grpc.CallOption) (*UpdateResponse, error) {
	return invoke[UpdateResponse](ctx, c, "Init", in, opts)
}

func (c *Client) ApplyActions(ctx context.Context, in *ApplyActionsRequest, opts ...grpc.CallOption) (*UpdateResponse, error) {
	return invoke[UpdateResponse](ctx, c, "ApplyActions", in, opts)
}

func (c *Client) ApplyUpdates(ctx context.Context, in *ApplyUpdatesRequest, opts ...grpc.CallOption) (*StateResponse, error) {
	return invoke[StateResponse](ctx, c, "ApplyUpdates", in, opts)
}

func (c *Client) ApplyUpdate(ctx context.Context, in *ApplyUpdateRequest, opts ...grpc.CallOption) (*StateResponse, error) {
	return invoke[StateResponse](ctx, c, "ApplyUpdate", in, opts)
}

func (c *Client) EncodeFullState(ctx context.Context, in *EncodeFullStateRequest, opts ...grpc.CallOption) (*UpdateResponse, error) {
	return invoke[UpdateResponse](ctx, c, "EncodeFullState", in, opts)
}

func (c *Client) EncodeDiff(ctx context.Context, in *EncodeDiffRequest, opts ...grpc.CallOption) (*UpdateResponse, error) {
	return invoke[UpdateResponse](ctx, c, "EncodeDiff", in, opts)
}

func (c *Client) GetSnapshot(ctx context.Context, in *GetSnapshotRequest, opts ...grpc.CallOption) (*SnapshotResponse, error) {
	return invoke[SnapshotResponse](ctx, c, "GetSnapshot", in, opts)
}

func (c *Client) SetMeta(ctx context.Context, in *SetMetaRequest, opts ...grpc.CallOption) (*UpdateResponse, error) {
	return invoke[UpdateResponse](ctx, c, "SetMeta", in, opts)
}

func (c *Client) GetMeta(ctx context.Context, in *GetMetaRequest, opts ...grpc.CallOption) (*MetaResponse, error) {
	return invoke[MetaResponse](ctx, c, "GetMeta", in, opts)
}

func (c *Client) MergeUpdates(ctx context.Context, in *MergeUpdatesRequest, opts ...grpc.CallOption) (*UpdateResponse, error) {
	return invoke[UpdateResponse](ctx, c, "MergeUpdates", in, opts)
}

func (c *Client) Health(ctx context.Context, in *HealthRequest, opts ...grpc.CallOption) (*HealthResponse, error) {
	return invoke[HealthResponse](ctx, c, "Health", in, opts)
}

func (c *Client) Stats(ctx context.Context, in *StatsRequest, opts ...grpc.CallOption) (*StatsResponse, error) {
	return invoke[StatsResponse](ctx, c, "Stats", in, opts)
}
