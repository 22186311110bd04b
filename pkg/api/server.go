package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/CreepyPvP/nanocl/pkg/events"
	"github.com/CreepyPvP/nanocl/pkg/log"
	"github.com/CreepyPvP/nanocl/pkg/manager"
	"github.com/CreepyPvP/nanocl/pkg/metrics"
	"github.com/CreepyPvP/nanocl/pkg/reconciler"
	"github.com/CreepyPvP/nanocl/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Resyncer rebuilds derived state on demand, implemented by the gateway
// projector
type Resyncer interface {
	Resync(ctx context.Context) error
}

// DefaultStopTimeout bounds how long Stop waits for in-flight calls before
// closing connections
const DefaultStopTimeout = 10 * time.Second

// Server implements the Control gRPC service
type Server struct {
	manager  *manager.Manager
	engine   *reconciler.Engine
	resyncer Resyncer
	grpc     *grpc.Server
	logger   zerolog.Logger

	// shutdown ends open event streams, which never finish on their own
	shutdown    chan struct{}
	stopOnce    sync.Once
	stopTimeout time.Duration
}

// NewServer creates a new API server. resyncer may be nil when the gateway
// projector is disabled.
func NewServer(mgr *manager.Manager, engine *reconciler.Engine, resyncer Resyncer) *Server {
	s := &Server{
		manager:  mgr,
		engine:   engine,
		resyncer: resyncer,
		grpc: grpc.NewServer(
			grpc.ChainUnaryInterceptor(LoggingInterceptor()),
			grpc.ChainStreamInterceptor(StreamLoggingInterceptor()),
		),
		logger:      log.WithComponent("api"),
		shutdown:    make(chan struct{}),
		stopTimeout: DefaultStopTimeout,
	}
	RegisterControlServer(s.grpc, s)
	return s
}

// Listen opens the API listener: TCP when address is set, otherwise a unix
// socket at socketPath. A stale socket file is replaced.
func Listen(socketPath, address string) (net.Listener, error) {
	if address != "" {
		lis, err := net.Listen("tcp", address)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
		}
		return lis, nil
	}

	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale socket: %w", err)
	}
	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0660); err != nil {
		lis.Close()
		return nil, fmt.Errorf("failed to chmod socket: %w", err)
	}
	return lis, nil
}

// Serve serves the API on lis until Stop is called
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info().Str("address", lis.Addr().String()).Msg("Control API listening")
	metrics.RegisterComponent(metrics.ComponentAPI, true, "")
	return s.grpc.Serve(lis)
}

// Stop ends open event streams and gracefully stops the gRPC server. Calls
// still running after the stop timeout are cancelled.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.shutdown)

		done := make(chan struct{})
		go func() {
			s.grpc.GracefulStop()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(s.stopTimeout):
			s.logger.Warn().Dur("timeout", s.stopTimeout).Msg("Graceful stop timed out, closing connections")
			s.grpc.Stop()
			<-done
		}
	})
}

// Apply reconciles a manifest
func (s *Server) Apply(ctx context.Context, req *ApplyRequest) (*ApplyResponse, error) {
	if req.Manifest == nil {
		return nil, status.Error(codes.InvalidArgument, "manifest is required")
	}
	result, err := s.engine.Apply(ctx, req.Manifest)
	if result == nil {
		return nil, err
	}
	resp := &ApplyResponse{Result: result}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp, nil
}

// Revert undoes the latest apply of the manifest's object set
func (s *Server) Revert(ctx context.Context, req *RevertRequest) (*reconciler.Result, error) {
	if req.Manifest == nil {
		return nil, status.Error(codes.InvalidArgument, "manifest is required")
	}
	return s.engine.Revert(ctx, req.Manifest)
}

// RevertRecord undoes one apply record
func (s *Server) RevertRecord(ctx context.Context, req *RevertRecordRequest) (*reconciler.Result, error) {
	return s.engine.RevertRecord(ctx, req.ID)
}

// Reset appends a copy of an earlier version as the new head
func (s *Server) Reset(ctx context.Context, req *ResetRequest) (*EntityResponse, error) {
	entity, err := s.engine.Reset(ctx, req.Kind, req.Key, req.VersionKey)
	if err != nil {
		return nil, err
	}
	return &EntityResponse{Entity: entity}, nil
}

// CreateNamespace creates an empty namespace
func (s *Server) CreateNamespace(ctx context.Context, req *NamespaceRequest) (*NamespaceResponse, error) {
	ns, err := s.manager.CreateNamespace(req.Name)
	if err != nil {
		return nil, err
	}
	return &NamespaceResponse{Namespace: ns}, nil
}

// ListNamespaces lists namespaces with their entity counts
func (s *Server) ListNamespaces(ctx context.Context, _ *Empty) (*ListNamespacesResponse, error) {
	namespaces, err := s.manager.ListNamespaces()
	if err != nil {
		return nil, err
	}

	resp := &ListNamespacesResponse{Namespaces: make([]NamespaceSummary, 0, len(namespaces))}
	for _, ns := range namespaces {
		count, err := s.manager.CountEntities(ns.Name)
		if err != nil {
			return nil, err
		}
		resp.Namespaces = append(resp.Namespaces, NamespaceSummary{Namespace: *ns, Entities: count})
	}
	return resp, nil
}

// DeleteNamespace deletes an empty namespace
func (s *Server) DeleteNamespace(ctx context.Context, req *NamespaceRequest) (*Empty, error) {
	if err := s.manager.DeleteNamespace(req.Name); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// GetEntity returns an entity with its head version
func (s *Server) GetEntity(ctx context.Context, req *EntityRequest) (*EntityResponse, error) {
	entity, err := s.manager.GetEntity(req.Kind, req.Key)
	if err != nil {
		return nil, err
	}
	return &EntityResponse{Entity: entity}, nil
}

// ListEntities lists entities of one kind
func (s *Server) ListEntities(ctx context.Context, req *ListEntitiesRequest) (*ListEntitiesResponse, error) {
	entities, err := s.manager.ListEntities(req.Kind, req.Query)
	if err != nil {
		return nil, err
	}
	if entities == nil {
		entities = []*types.Entity{}
	}
	return &ListEntitiesResponse{Entities: entities}, nil
}

// DeleteEntity removes an entity and its history
func (s *Server) DeleteEntity(ctx context.Context, req *EntityRequest) (*DeleteEntityResponse, error) {
	n, err := s.manager.DeleteEntity(req.Kind, req.Key)
	if err != nil {
		return nil, err
	}
	return &DeleteEntityResponse{Deleted: n}, nil
}

// ListHistory returns the versions of an entity, newest first
func (s *Server) ListHistory(ctx context.Context, req *EntityRequest) (*ListHistoryResponse, error) {
	versions, err := s.manager.ListHistory(req.Kind, req.Key)
	if err != nil {
		return nil, err
	}
	return &ListHistoryResponse{Versions: versions}, nil
}

// GetVersion returns one version by key
func (s *Server) GetVersion(ctx context.Context, req *VersionRequest) (*VersionResponse, error) {
	version, err := s.manager.GetVersion(req.Key)
	if err != nil {
		return nil, err
	}
	return &VersionResponse{Version: version}, nil
}

// Resync rebuilds the gateway configuration
func (s *Server) Resync(ctx context.Context, _ *Empty) (*Empty, error) {
	if s.resyncer == nil {
		return nil, status.Error(codes.FailedPrecondition, "proxy projector is disabled")
	}
	if err := s.resyncer.Resync(ctx); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// WatchEvents streams change events until the client goes away
func (s *Server) WatchEvents(req *WatchRequest, stream EventStream) error {
	sub := s.manager.GetEventBroker().Subscribe()
	defer sub.Close()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.shutdown:
			return status.Error(codes.Unavailable, "server shutting down")
		case ev, ok := <-sub.C():
			if !ok {
				return status.Error(codes.Unavailable, "event broker stopped")
			}
			if !req.matches(ev) {
				continue
			}
			if err := stream.Send(ev); err != nil {
				return err
			}
		}
	}
}

func (r *WatchRequest) matches(ev *events.Event) bool {
	if r.Namespace != "" && ev.Namespace != r.Namespace {
		return false
	}
	if len(r.Kinds) == 0 {
		return true
	}
	for _, kind := range r.Kinds {
		if kind == ev.EntityKind {
			return true
		}
	}
	return false
}
