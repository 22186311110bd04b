package api

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/CreepyPvP/nanocl/pkg/manifest"
	"github.com/CreepyPvP/nanocl/pkg/storage"
	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{nil, codes.OK},
		{fmt.Errorf("cargo web.global: %w", storage.ErrNotFound), codes.NotFound},
		{storage.ErrNameConflict, codes.AlreadyExists},
		{storage.ErrConflict, codes.Aborted},
		{storage.ErrInvalidName, codes.InvalidArgument},
		{storage.ErrInvalidSpec, codes.InvalidArgument},
		{manifest.ErrInvalidManifest, codes.InvalidArgument},
		{storage.ErrNamespaceNotEmpty, codes.FailedPrecondition},
		{storage.ErrForbidden, codes.PermissionDenied},
		{storage.ErrStorageUnavailable, codes.Unavailable},
		{context.Canceled, codes.Canceled},
		{status.Error(codes.ResourceExhausted, "slow down"), codes.ResourceExhausted},
		{errors.New("boom"), codes.Internal},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Code(tt.err), "%v", tt.err)
	}
}

func TestToStatusKeepsMessage(t *testing.T) {
	err := toStatus(fmt.Errorf("namespace prod: %w", storage.ErrNamespaceNotEmpty))
	s, ok := status.FromError(err)
	assert.True(t, ok)
	assert.Equal(t, codes.FailedPrecondition, s.Code())
	assert.Equal(t, "namespace prod: namespace not empty", s.Message())
}
