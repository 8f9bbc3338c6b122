package interceptors

import (
	"context"
	"log/slog"
	"runtime/debug"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Logger adapts slog to the go-grpc-middleware logging contract.
func Logger(l *slog.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		l.Log(ctx, slog.Level(lvl), msg, fields...)
	})
}

// [PANIC_RECOVERY]
// Converts a handler panic into codes.Internal and keeps the server alive.
func recoveryHandler(l *slog.Logger) recovery.RecoveryHandlerFuncContext {
	return func(ctx context.Context, p any) error {
		l.ErrorContext(ctx, "GRPC_PANIC_RECOVERED", "err", p, "stack", string(debug.Stack()))
		return status.Error(codes.Internal, "internal error")
	}
}

var loggableEvents = logging.WithLogOnEvents(logging.FinishCall)

// Unary is the interceptor chain for unary calls: logging outside recovery.
func Unary(l *slog.Logger) []grpc.UnaryServerInterceptor {
	return []grpc.UnaryServerInterceptor{
		logging.UnaryServerInterceptor(Logger(l), loggableEvents),
		recovery.UnaryServerInterceptor(recovery.WithRecoveryHandlerContext(recoveryHandler(l))),
	}
}

// Stream mirrors Unary for streaming calls such as Health/Watch.
func Stream(l *slog.Logger) []grpc.StreamServerInterceptor {
	return []grpc.StreamServerInterceptor{
		logging.StreamServerInterceptor(Logger(l), loggableEvents),
		recovery.StreamServerInterceptor(recovery.WithRecoveryHandlerContext(recoveryHandler(l))),
	}
}
