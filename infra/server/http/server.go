package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/webitel/im-realtime-service/config"
	"github.com/webitel/im-realtime-service/infra/server/http/middleware"
	"github.com/webitel/im-realtime-service/internal/domain/model"
)

// Pinger reports whether the stream store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatsSource exposes the live connection counters.
type StatsSource interface {
	Stats() model.HubStats
}

// RouterDeps are the handlers mounted on the public listener.
type RouterDeps struct {
	WSPath   string
	WS       http.Handler
	Resolver middleware.IdentityResolver
	Store    Pinger
	Stats    StatsSource
	Logger   *slog.Logger
}

// NewRouter mounts the WebSocket endpoint and the operational probes.
func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.RealIP, chimw.Recoverer)

	r.With(middleware.NewIdentityMiddleware(d.Resolver)).Get(d.WSPath, d.WS.ServeHTTP)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()

		if err := d.Store.Ping(ctx); err != nil {
			d.Logger.Warn("HEALTHCHECK_FAILED", "err", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, d.Stats.Stats())
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Server owns the public listener.
type Server struct {
	srv    *http.Server
	cfg    config.HTTPConfig
	logger *slog.Logger
	addr   net.Addr
}

func New(cfg config.HTTPConfig, handler http.Handler, logger *slog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              cfg.Address,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		cfg:    cfg,
		logger: logger,
	}
}

// Start binds the listener synchronously so address errors fail startup.
func (s *Server) Start(context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", s.cfg.Address, err)
	}
	s.addr = ln.Addr()

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP_SERVER_FAILED", "err", err)
		}
	}()

	s.logger.Info("HTTP_SERVER_STARTED", "addr", s.addr.String(), "ws_path", s.cfg.WSPath)
	return nil
}

// Stop refuses new connections. Upgraded WebSockets are hijacked and drain
// through the hub, not here.
func (s *Server) Stop(ctx context.Context) error {
	if s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info("HTTP_SERVER_STOPPED")
	return nil
}

// Addr is the bound address, valid after Start.
func (s *Server) Addr() net.Addr { return s.addr }
