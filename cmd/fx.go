package cmd

import (
	"context"
	"log/slog"

	"github.com/webitel/im-realtime-service/config"
	grpcsrv "github.com/webitel/im-realtime-service/infra/server/grpc"
	httpsrv "github.com/webitel/im-realtime-service/infra/server/http"
	"github.com/webitel/im-realtime-service/infra/logging"
	"github.com/webitel/im-realtime-service/infra/tracing"
	"github.com/webitel/im-realtime-service/internal/adapter/pubsub"
	"github.com/webitel/im-realtime-service/internal/adapter/stream"
	"github.com/webitel/im-realtime-service/internal/domain/registry"
	amqpdi "github.com/webitel/im-realtime-service/internal/handler/amqp"
	"github.com/webitel/im-realtime-service/internal/handler/router"
	"github.com/webitel/im-realtime-service/internal/handler/ws"
	"github.com/webitel/im-realtime-service/internal/service"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
)

func NewApp(cfg *config.Config) *fx.App {
	opts := []fx.Option{
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
			func(l *logging.Logger) *slog.Logger { return l.Logger },
			ProvideTracerProvider,
		),
		fx.WithLogger(func(l *slog.Logger) fxevent.Logger {
			fl := &fxevent.SlogLogger{Logger: l.With("component", "fx")}
			fl.UseLogLevel(slog.LevelDebug)
			return fl
		}),
		fx.Invoke(func(*trace.TracerProvider) {}),

		// [ORDER] Stop hooks run in reverse: ingress and listeners stop first,
		// sessions drain through the hub, Redis closes last.
		stream.Module,
		pubsub.Module,
		service.Module,
		registry.Module,
		router.Module,
		ws.Module,
		httpsrv.Module,
	}

	if cfg.GRPC.Enabled {
		opts = append(opts, grpcsrv.Module)
	}
	if cfg.AMQP.Enabled {
		opts = append(opts, amqpdi.Module)
	}

	return fx.New(opts...)
}

// ProvideLogger builds the process logger and follows log.level on config reload.
func ProvideLogger(lc fx.Lifecycle, cfg *config.Config) (*logging.Logger, error) {
	l, err := logging.New(cfg.Log, ServiceName)
	if err != nil {
		return nil, err
	}

	cfg.Watch(func(level string) {
		if err := l.SetLevel(level); err != nil {
			l.Warn("LOG_LEVEL_RELOAD_FAILED", "err", err)
			return
		}
		l.Info("LOG_LEVEL_RELOADED", "level", level)
	})

	slog.SetDefault(l.Logger)
	lc.Append(fx.StopHook(l.Close))
	return l, nil
}

func ProvideTracerProvider(lc fx.Lifecycle, cfg *config.Config) (*trace.TracerProvider, error) {
	tp, err := tracing.NewTracerProvider(cfg.Tracing, tracing.Service{
		Name:       ServiceName,
		Namespace:  ServiceNamespace,
		Version:    version,
		InstanceID: cfg.Service.ID,
	})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(func(ctx context.Context) error {
		return tp.Shutdown(ctx)
	}))
	return tp, nil
}
