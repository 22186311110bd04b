package api

import (
	"context"
	"path"
	"time"

	"github.com/CreepyPvP/nanocl/pkg/log"
	"github.com/CreepyPvP/nanocl/pkg/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// LoggingInterceptor logs every unary call and records request metrics.
// Handler errors are converted to status errors here so handlers can return
// store errors unchanged.
func LoggingInterceptor() grpc.UnaryServerInterceptor {
	logger := log.WithComponent("api")
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		start := time.Now()
		method := path.Base(info.FullMethod)

		resp, err := handler(ctx, req)
		err = toStatus(err)
		code := status.Code(err)

		duration := time.Since(start)
		metrics.APIRequestsTotal.WithLabelValues(method, code.String()).Inc()
		metrics.APIRequestDuration.WithLabelValues(method).Observe(duration.Seconds())

		event := logger.Debug()
		if isServerError(code) {
			event = logger.Error().Err(err)
		}
		event.Str("method", method).
			Str("code", code.String()).
			Dur("duration", duration).
			Msg("API request")

		return resp, err
	}
}

// StreamLoggingInterceptor is LoggingInterceptor for streaming calls
func StreamLoggingInterceptor() grpc.StreamServerInterceptor {
	logger := log.WithComponent("api")
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		method := path.Base(info.FullMethod)
		logger.Debug().Str("method", method).Msg("Stream opened")

		err := toStatus(handler(srv, ss))
		code := status.Code(err)
		metrics.APIRequestsTotal.WithLabelValues(method, code.String()).Inc()

		logger.Debug().Str("method", method).Str("code", code.String()).Msg("Stream closed")
		return err
	}
}

func isServerError(code codes.Code) bool {
	switch code {
	case codes.Internal, codes.Unavailable, codes.Unknown, codes.DataLoss:
		return true
	default:
		return false
	}
}
