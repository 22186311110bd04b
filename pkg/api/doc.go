/*
Package api implements the control plane gRPC service.

The service is described by a hand-written grpc.ServiceDesc and carries
plain Go structs encoded as JSON (content subtype "json"), so there is no
generated code to keep in sync with the types in pkg/types and
pkg/reconciler.

# Methods

State:
  - Apply: reconcile a manifest, returning one outcome per object
  - Revert: undo the latest apply of the same object set
  - RevertRecord: undo a specific apply record
  - Reset: append a copy of an earlier version as the new head

Objects:
  - CreateNamespace, ListNamespaces, DeleteNamespace
  - GetEntity, ListEntities, DeleteEntity
  - ListHistory, GetVersion

Gateway:
  - Resync: rebuild the proxy configuration directory

Streaming:
  - WatchEvents: change events, optionally filtered by kind and namespace

# Errors

Handlers return store and engine errors unchanged; LoggingInterceptor maps
them to status codes:

	ErrNotFound            NotFound
	ErrNameConflict        AlreadyExists
	ErrConflict            Aborted
	ErrInvalidName/Spec    InvalidArgument
	ErrNamespaceNotEmpty   FailedPrecondition
	ErrForbidden           PermissionDenied
	ErrStorageUnavailable  Unavailable

An Apply that stops early (cancellation, unavailable store) still returns
its partial result with ApplyResponse.Error set.

# Transport

The daemon listens on a unix socket (default /run/nanocl/nanocl.sock) or on
a TCP address. Authentication is not part of the service.
*/
package api
