package client

import (
	"context"
	"fmt"
	"time"

	"github.com/CreepyPvP/nanocl/pkg/api"
	"github.com/CreepyPvP/nanocl/pkg/events"
	"github.com/CreepyPvP/nanocl/pkg/manifest"
	"github.com/CreepyPvP/nanocl/pkg/reconciler"
	"github.com/CreepyPvP/nanocl/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultTimeout bounds every unary call
const DefaultTimeout = 30 * time.Second

// Client wraps the Control gRPC service for CLI usage
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// Target returns the dial target for the daemon's API listener
func Target(socketPath, address string) string {
	if address != "" {
		return address
	}
	return "unix://" + socketPath
}

// New connects to the daemon. Extra dial options are appended to the
// defaults (insecure transport, JSON codec).
func New(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(api.CodecName)),
	}, opts...)

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", target, err)
	}
	return &Client{conn: conn, timeout: DefaultTimeout}, nil
}

// Close closes the client connection
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.conn.Invoke(ctx, api.FullMethod(method), req, resp)
}

// Apply reconciles a manifest. The returned error is set when the call
// failed or the batch stopped early; the result is returned in both cases
// when the daemon produced one.
func (c *Client) Apply(ctx context.Context, m *manifest.Manifest) (*reconciler.Result, error) {
	var resp api.ApplyResponse
	if err := c.invoke(ctx, "Apply", &api.ApplyRequest{Manifest: m}, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return resp.Result, fmt.Errorf("apply stopped: %s", resp.Error)
	}
	return resp.Result, nil
}

// Revert undoes the latest apply of the manifest's object set
func (c *Client) Revert(ctx context.Context, m *manifest.Manifest) (*reconciler.Result, error) {
	var resp reconciler.Result
	if err := c.invoke(ctx, "Revert", &api.RevertRequest{Manifest: m}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RevertRecord undoes one apply record
func (c *Client) RevertRecord(ctx context.Context, id string) (*reconciler.Result, error) {
	var resp reconciler.Result
	if err := c.invoke(ctx, "RevertRecord", &api.RevertRecordRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Reset makes a copy of versionKey the head of the entity
func (c *Client) Reset(ctx context.Context, kind types.EntityKind, key, versionKey string) (*types.Entity, error) {
	var resp api.EntityResponse
	req := &api.ResetRequest{Kind: kind, Key: key, VersionKey: versionKey}
	if err := c.invoke(ctx, "Reset", req, &resp); err != nil {
		return nil, err
	}
	return resp.Entity, nil
}

// CreateNamespace creates a namespace
func (c *Client) CreateNamespace(ctx context.Context, name string) (*types.Namespace, error) {
	var resp api.NamespaceResponse
	if err := c.invoke(ctx, "CreateNamespace", &api.NamespaceRequest{Name: name}, &resp); err != nil {
		return nil, err
	}
	return resp.Namespace, nil
}

// ListNamespaces lists namespaces with their entity counts
func (c *Client) ListNamespaces(ctx context.Context) ([]api.NamespaceSummary, error) {
	var resp api.ListNamespacesResponse
	if err := c.invoke(ctx, "ListNamespaces", &api.Empty{}, &resp); err != nil {
		return nil, err
	}
	return resp.Namespaces, nil
}

// DeleteNamespace deletes an empty namespace
func (c *Client) DeleteNamespace(ctx context.Context, name string) error {
	return c.invoke(ctx, "DeleteNamespace", &api.NamespaceRequest{Name: name}, &api.Empty{})
}

// GetEntity returns an entity with its head version
func (c *Client) GetEntity(ctx context.Context, kind types.EntityKind, key string) (*types.Entity, error) {
	var resp api.EntityResponse
	if err := c.invoke(ctx, "GetEntity", &api.EntityRequest{Kind: kind, Key: key}, &resp); err != nil {
		return nil, err
	}
	return resp.Entity, nil
}

// ListEntities lists entities of one kind
func (c *Client) ListEntities(ctx context.Context, kind types.EntityKind, query types.ListQuery) ([]*types.Entity, error) {
	var resp api.ListEntitiesResponse
	if err := c.invoke(ctx, "ListEntities", &api.ListEntitiesRequest{Kind: kind, Query: query}, &resp); err != nil {
		return nil, err
	}
	return resp.Entities, nil
}

// DeleteEntity removes an entity and its history
func (c *Client) DeleteEntity(ctx context.Context, kind types.EntityKind, key string) (int, error) {
	var resp api.DeleteEntityResponse
	if err := c.invoke(ctx, "DeleteEntity", &api.EntityRequest{Kind: kind, Key: key}, &resp); err != nil {
		return 0, err
	}
	return resp.Deleted, nil
}

// ListHistory returns the versions of an entity, newest first
func (c *Client) ListHistory(ctx context.Context, kind types.EntityKind, key string) ([]*types.Version, error) {
	var resp api.ListHistoryResponse
	if err := c.invoke(ctx, "ListHistory", &api.EntityRequest{Kind: kind, Key: key}, &resp); err != nil {
		return nil, err
	}
	return resp.Versions, nil
}

// GetVersion returns one version by key
func (c *Client) GetVersion(ctx context.Context, key string) (*types.Version, error) {
	var resp api.VersionResponse
	if err := c.invoke(ctx, "GetVersion", &api.VersionRequest{Key: key}, &resp); err != nil {
		return nil, err
	}
	return resp.Version, nil
}

// Resync asks the daemon to rebuild the gateway configuration
func (c *Client) Resync(ctx context.Context) error {
	return c.invoke(ctx, "Resync", &api.Empty{}, &api.Empty{})
}

var watchDesc = grpc.StreamDesc{StreamName: "WatchEvents", ServerStreams: true}

// EventWatcher receives events from a WatchEvents stream
type EventWatcher struct {
	stream grpc.ClientStream
}

// Recv blocks for the next event
func (w *EventWatcher) Recv() (*events.Event, error) {
	ev := new(events.Event)
	if err := w.stream.RecvMsg(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// WatchEvents opens an event stream. It ends when ctx is cancelled.
func (c *Client) WatchEvents(ctx context.Context, req *api.WatchRequest) (*EventWatcher, error) {
	stream, err := c.conn.NewStream(ctx, &watchDesc, api.FullMethod("WatchEvents"))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventWatcher{stream: stream}, nil
}
