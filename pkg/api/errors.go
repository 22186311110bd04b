package api

import (
	"context"
	"errors"

	"github.com/CreepyPvP/nanocl/pkg/manifest"
	"github.com/CreepyPvP/nanocl/pkg/proxy"
	"github.com/CreepyPvP/nanocl/pkg/storage"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var errorCodes = []struct {
	err  error
	code codes.Code
}{
	{storage.ErrNotFound, codes.NotFound},
	{storage.ErrNameConflict, codes.AlreadyExists},
	{storage.ErrConflict, codes.Aborted},
	{storage.ErrInvalidName, codes.InvalidArgument},
	{storage.ErrInvalidSpec, codes.InvalidArgument},
	{manifest.ErrInvalidManifest, codes.InvalidArgument},
	{proxy.ErrInvalidRule, codes.InvalidArgument},
	{storage.ErrNamespaceNotEmpty, codes.FailedPrecondition},
	{storage.ErrForbidden, codes.PermissionDenied},
	{storage.ErrStorageUnavailable, codes.Unavailable},
	{context.Canceled, codes.Canceled},
	{context.DeadlineExceeded, codes.DeadlineExceeded},
}

// Code returns the gRPC code for an error of the store or engine
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return codes.Internal
}

// toStatus converts an error to a gRPC status error
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(Code(err), err.Error())
}
