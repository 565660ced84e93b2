package logger

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// UnaryClientInterceptor logs outgoing unary calls at debug level and
// failures at warn level. A logger carried by the call context wins over
// logger.
func UnaryClientInterceptor(logger *zap.Logger) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		start := time.Now()
		log := FromContext(ctx, logger)

		err := invoker(ctx, method, req, reply, cc, opts...)

		code := codes.OK
		if err != nil {
			if s, ok := status.FromError(err); ok {
				code = s.Code()
			} else {
				code = codes.Unknown
			}
		}

		fields := []zap.Field{
			zap.String("method", method),
			zap.String("target", cc.Target()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("status", code.String()),
		}
		if err != nil {
			log.Warn("gRPC call failed", append(fields, zap.Error(err))...)
		} else {
			log.Debug("gRPC call completed", fields...)
		}
		return err
	}
}
