package grpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/webitel/im-realtime-service/config"
	"github.com/webitel/im-realtime-service/infra/server/grpc/interceptors"
)

// ServiceName is the health entry reported next to the overall status.
const ServiceName = "webitel.im_realtime"

// Pinger reports whether the stream store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server exposes grpc.health.v1 driven by a periodic store ping.
type Server struct {
	srv    *grpc.Server
	health *health.Server
	store  Pinger
	cfg    config.GRPCConfig
	logger *slog.Logger

	addr   net.Addr
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg config.GRPCConfig, store Pinger, logger *slog.Logger) *Server {
	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(interceptors.Unary(logger)...),
		grpc.ChainStreamInterceptor(interceptors.Stream(logger)...),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	// NOT_SERVING until the first ping succeeds.
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &Server{
		srv:    srv,
		health: hs,
		store:  store,
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
}

func (s *Server) Start(context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("grpc listen %s: %w", s.cfg.Address, err)
	}
	s.serve(ln)
	s.logger.Info("GRPC_SERVER_STARTED", "addr", s.addr.String())
	return nil
}

func (s *Server) serve(ln net.Listener) {
	s.addr = ln.Addr()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.watch(ctx)

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("GRPC_SERVER_FAILED", "err", err)
		}
	}()
}

// watch keeps the health status in step with the store.
func (s *Server) watch(ctx context.Context) {
	defer close(s.done)

	interval := s.cfg.HealthInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	serving := false
	for {
		pingCtx, cancel := context.WithTimeout(ctx, interval)
		err := s.store.Ping(pingCtx)
		cancel()

		if ok := err == nil; ok != serving {
			serving = ok
			status := healthpb.HealthCheckResponse_NOT_SERVING
			if ok {
				status = healthpb.HealthCheckResponse_SERVING
				s.logger.Info("HEALTH_SERVING")
			} else {
				s.logger.Warn("HEALTH_NOT_SERVING", "err", err)
			}
			s.health.SetServingStatus("", status)
			s.health.SetServingStatus(ServiceName, status)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop flips health to NOT_SERVING, then drains in-flight calls until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.srv.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.srv.Stop()
	}
	s.logger.Info("GRPC_SERVER_STOPPED")
	return nil
}

// Addr is the bound address, valid after Start.
func (s *Server) Addr() net.Addr { return s.addr }
