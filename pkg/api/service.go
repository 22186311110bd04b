package api

import (
	"context"

	"github.com/CreepyPvP/nanocl/pkg/events"
	"github.com/CreepyPvP/nanocl/pkg/manifest"
	"github.com/CreepyPvP/nanocl/pkg/reconciler"
	"github.com/CreepyPvP/nanocl/pkg/types"
	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "nanocl.v1.Control"

// Empty is used by methods without arguments or results
type Empty struct{}

type ApplyRequest struct {
	Manifest *manifest.Manifest `json:"manifest"`
}

// ApplyResponse carries the per-object outcome. Error is set when the batch
// stopped early; Result still describes what was done.
type ApplyResponse struct {
	Result *reconciler.Result `json:"result"`
	Error  string             `json:"error,omitempty"`
}

type RevertRequest struct {
	Manifest *manifest.Manifest `json:"manifest"`
}

type RevertRecordRequest struct {
	ID string `json:"id"`
}

type ResetRequest struct {
	Kind       types.EntityKind `json:"kind"`
	Key        string           `json:"key"`
	VersionKey string           `json:"versionKey"`
}

type NamespaceRequest struct {
	Name string `json:"name"`
}

type NamespaceResponse struct {
	Namespace *types.Namespace `json:"namespace"`
}

// NamespaceSummary is a namespace with the number of entities it owns
type NamespaceSummary struct {
	types.Namespace
	Entities int `json:"entities"`
}

type ListNamespacesResponse struct {
	Namespaces []NamespaceSummary `json:"namespaces"`
}

type EntityRequest struct {
	Kind types.EntityKind `json:"kind"`
	Key  string           `json:"key"`
}

type EntityResponse struct {
	Entity *types.Entity `json:"entity"`
}

type ListEntitiesRequest struct {
	Kind  types.EntityKind `json:"kind"`
	Query types.ListQuery  `json:"query"`
}

type ListEntitiesResponse struct {
	Entities []*types.Entity `json:"entities"`
}

type DeleteEntityResponse struct {
	Deleted int `json:"deleted"`
}

type ListHistoryResponse struct {
	Versions []*types.Version `json:"versions"`
}

type VersionRequest struct {
	Key string `json:"key"`
}

type VersionResponse struct {
	Version *types.Version `json:"version"`
}

// WatchRequest filters the event stream. Empty fields match everything.
type WatchRequest struct {
	Kinds     []types.EntityKind `json:"kinds,omitempty"`
	Namespace string             `json:"namespace,omitempty"`
}

// EventStream is the server side of WatchEvents
type EventStream interface {
	Send(*events.Event) error
	Context() context.Context
}

// ControlServer is the control plane service
type ControlServer interface {
	Apply(context.Context, *ApplyRequest) (*ApplyResponse, error)
	Revert(context.Context, *RevertRequest) (*reconciler.Result, error)
	RevertRecord(context.Context, *RevertRecordRequest) (*reconciler.Result, error)
	Reset(context.Context, *ResetRequest) (*EntityResponse, error)
	CreateNamespace(context.Context, *NamespaceRequest) (*NamespaceResponse, error)
	ListNamespaces(context.Context, *Empty) (*ListNamespacesResponse, error)
	DeleteNamespace(context.Context, *NamespaceRequest) (*Empty, error)
	GetEntity(context.Context, *EntityRequest) (*EntityResponse, error)
	ListEntities(context.Context, *ListEntitiesRequest) (*ListEntitiesResponse, error)
	DeleteEntity(context.Context, *EntityRequest) (*DeleteEntityResponse, error)
	ListHistory(context.Context, *EntityRequest) (*ListHistoryResponse, error)
	GetVersion(context.Context, *VersionRequest) (*VersionResponse, error)
	Resync(context.Context, *Empty) (*Empty, error)
	WatchEvents(*WatchRequest, EventStream) error
}

// RegisterControlServer registers srv on s
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&serviceDesc, srv)
}

// FullMethod returns the gRPC method path of a Control method
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Apply", ControlServer.Apply),
		unary("Revert", ControlServer.Revert),
		unary("RevertRecord", ControlServer.RevertRecord),
		unary("Reset", ControlServer.Reset),
		unary("CreateNamespace", ControlServer.CreateNamespace),
		unary("ListNamespaces", ControlServer.ListNamespaces),
		unary("DeleteNamespace", ControlServer.DeleteNamespace),
		unary("GetEntity", ControlServer.GetEntity),
		unary("ListEntities", ControlServer.ListEntities),
		unary("DeleteEntity", ControlServer.DeleteEntity),
		unary("ListHistory", ControlServer.ListHistory),
		unary("GetVersion", ControlServer.GetVersion),
		unary("Resync", ControlServer.Resync),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "nanocl/v1/control",
}

// unary builds the method descriptor of a unary call
func unary[Req, Resp any](method string, call func(ControlServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

type eventStream struct {
	grpc.ServerStream
}

func (s *eventStream) Send(ev *events.Event) error {
	return s.ServerStream.SendMsg(ev)
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ControlServer).WatchEvents(in, &eventStream{stream})
}
