package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/webitel/im-realtime-service/internal/domain/model"
	"github.com/webitel/im-realtime-service/internal/domain/registry"
	"github.com/webitel/im-realtime-service/internal/handler/router"
	"github.com/webitel/im-realtime-service/internal/service"
	"golang.org/x/sync/errgroup"
)

// SessionState is the lifecycle phase of a connection supervisor.
type SessionState int32

const (
	SessionConnecting SessionState = iota
	SessionActive
	SessionDraining
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionActive:
		return "active"
	case SessionDraining:
		return "draining"
	case SessionClosed:
		return "closed"
	default:
		return fmt.Sprintf("SessionState(%d)", int32(s))
	}
}

// SessionConfig holds the liveness and teardown tuning of a connection.
type SessionConfig struct {
	PingInterval   time.Duration
	PingTimeout    time.Duration
	IdleTimeout    time.Duration
	CheckInterval  time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	CleanupTimeout time.Duration
	CleanupWorkers int
}

// DefaultSessionConfig reproduces the production liveness policy.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		PingInterval:   15 * time.Second,
		PingTimeout:    5 * time.Second,
		IdleTimeout:    300 * time.Second,
		CheckInterval:  time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 1 << 20,
		CleanupTimeout: 10 * time.Second,
		CleanupWorkers: 8,
	}
}

// Dispatcher serves inbound requests.
type Dispatcher interface {
	Serve(ctx context.Context, c router.Caller, req model.Request)
}

// SessionDeps are the process-wide collaborators every session shares.
type SessionDeps struct {
	Hub           registry.Hubber
	Subscriptions service.Subscriptions
	Reader        service.StreamReader
	Decoder       service.EntryDecoder
	Dispatcher    Dispatcher
	Consumer      service.ConsumerConfig
	Config        SessionConfig
	Logger        *slog.Logger
}

type closeReason struct {
	code int
	text string
	err  error
}

func (r closeReason) String() string {
	if r.err != nil {
		return fmt.Sprintf("%s: %v", r.text, r.err)
	}
	return r.text
}

var (
	_ registry.Connector = (*Session)(nil)
	_ router.Caller      = (*Session)(nil)
)

// Session supervises one WebSocket connection from upgrade to release.
type Session struct {
	id           uuid.UUID
	user         model.Identity
	groupID      string
	consumerName string

	deps   SessionDeps
	cfg    SessionConfig
	logger *slog.Logger

	conn     *websocket.Conn
	sink     *Sink
	subs     *registry.Subscriptions
	consumer *service.Consumer
	hb       *heartbeat
	tasks    *taskGroup

	frames     chan []byte
	readerStop chan struct{}
	readerDone chan struct{}
	readErr    error

	// lastActivity is owned by the Run goroutine.
	lastActivity time.Time

	state  atomic.Int32
	doneCh chan struct{}
}

// NewSession prepares a supervisor for an upgraded connection. Nothing runs
// until Run.
func NewSession(conn *websocket.Conn, user model.Identity, deps SessionDeps) *Session {
	id := uuid.New()
	cfg := deps.Config

	s := &Session{
		id:           id,
		user:         user,
		groupID:      fmt.Sprintf("user:%s:%s", user.ID, uuid.NewString()),
		consumerName: "consumer:" + uuid.NewString(),
		deps:         deps,
		cfg:          cfg,
		logger: deps.Logger.With(
			"user_id", user.ID,
			"session_id", id,
		),
		conn:       conn,
		sink:       NewSink(conn, cfg.WriteTimeout),
		subs:       registry.NewSubscriptions(),
		frames:     make(chan []byte, 16),
		readerStop: make(chan struct{}),
		readerDone: make(chan struct{}),
		doneCh:     make(chan struct{}),
	}

	s.consumer = service.NewConsumer(service.ConsumerDeps{
		Reader:  deps.Reader,
		Subs:    s.subs,
		Healer:  deps.Subscriptions,
		Decoder: deps.Decoder,
		Sink:    s.sink,
		Logger:  s.logger,
	}, deps.Consumer, s.groupID, s.consumerName, user.ID)

	s.hb = newHeartbeat(s.sink, cfg.PingInterval, cfg.PingTimeout, s.logger)
	return s
}

// --- registry.Connector ---

func (s *Session) GetID() uuid.UUID      { return s.id }
func (s *Session) GetUserID() uuid.UUID  { return s.user.ID }
func (s *Session) Done() <-chan struct{} { return s.doneCh }

// --- router.Caller ---

func (s *Session) Identity() model.Identity { return s.user }

func (s *Session) Subscribe(ctx context.Context, streamKey string) error {
	return s.deps.Subscriptions.Subscribe(ctx, s.subs, streamKey, s.groupID, s.user)
}

func (s *Session) Unsubscribe(ctx context.Context, streamKey string) error {
	return s.deps.Subscriptions.Unsubscribe(ctx, s.subs, streamKey, s.groupID, s.user)
}

func (s *Session) Reply(env model.Envelope) error {
	return s.sink.WriteEnvelope(env)
}

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(st SessionState) {
	s.state.Store(int32(st))
}

// Subscriptions exposes the live interest set, mostly for diagnostics.
func (s *Session) Subscriptions() []string {
	return s.subs.Snapshot()
}

// Run drives the connection through Connecting, Active and Draining and
// returns once every resource of the session is released.
func (s *Session) Run() error {
	defer close(s.doneCh)
	defer s.setState(SessionClosed)

	start := time.Now()
	shutdown := s.deps.Hub.Context()

	if err := s.connect(shutdown); err != nil {
		s.logger.Error("SESSION_CONNECT_FAILED", "err", err)
		_ = s.sink.Close(websocket.CloseInternalServerErr, "session setup failed")
		_ = s.conn.Close()
		return err
	}

	s.logger.Info("SESSION_ESTABLISHED", "group", s.groupID)

	reason := s.loop(shutdown)
	s.drain(reason)

	s.logger.Info("SESSION_CLOSED",
		"reason", reason.String(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return reason.err
}

// connect is the Connecting phase: registration, personal stream, then the
// background actors.
func (s *Session) connect(shutdown context.Context) error {
	s.setState(SessionConnecting)

	if err := s.deps.Hub.Register(s); err != nil {
		return err
	}

	err := s.Subscribe(shutdown, service.UserStreamKey(s.user))
	if err != nil && !service.IsMirrorError(err) {
		s.deps.Hub.Unregister(s.user.ID, s.id)
		return fmt.Errorf("subscribe personal stream: %w", err)
	}

	s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	s.conn.SetPingHandler(func(appData string) error {
		if err := s.sink.Pong([]byte(appData)); err != nil && !errors.Is(err, errSinkClosed) {
			return err
		}
		return nil
	})
	s.conn.SetPongHandler(func(string) error {
		s.hb.Pong()
		return nil
	})
	// The close frame is sent once by drain, not echoed from the reader.
	s.conn.SetCloseHandler(func(int, string) error { return nil })

	s.tasks = newTaskGroup(shutdown)
	s.lastActivity = time.Now()

	s.consumer.Start(shutdown)
	s.hb.Start()
	go s.read()

	s.setState(SessionActive)
	return nil
}

// read forwards text frames to the loop. Control frames are answered by the
// handlers installed in connect; binary frames are ignored.
func (s *Session) read() {
	defer close(s.readerDone)
	defer close(s.frames)

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.readErr = err
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		select {
		case s.frames <- data:
		case <-s.readerStop:
			return
		}
	}
}

// loop is the Active phase. It returns why the session must drain.
func (s *Session) loop(shutdown context.Context) closeReason {
	idle := time.NewTicker(s.cfg.CheckInterval)
	defer idle.Stop()

	for {
		select {
		case data, ok := <-s.frames:
			if !ok {
				return s.readCloseReason()
			}
			s.lastActivity = time.Now()
			s.dispatch(data)

		case <-idle.C:
			if time.Since(s.lastActivity) > s.cfg.IdleTimeout {
				return closeReason{code: websocket.CloseNormalClosure, text: "idle timeout"}
			}

		case <-s.hb.Timeout():
			return closeReason{code: websocket.CloseNormalClosure, text: "ping timeout"}

		case res := <-s.tasks.Completed():
			s.logger.Debug("HANDLER_COMPLETED",
				"route", res.route,
				"duration_ms", res.duration.Milliseconds(),
			)

		case <-shutdown.Done():
			return closeReason{code: websocket.CloseGoingAway, text: "server shutting down"}

		case <-s.consumer.Done():
			return closeReason{code: websocket.CloseInternalServerErr, text: "stream consumer stopped", err: s.consumer.Err()}
		}
	}
}

func (s *Session) dispatch(data []byte) {
	req, err := model.ParseRequest(data)
	if err != nil {
		s.logger.Debug("FRAME_IGNORED", "err", err)
		return
	}

	s.tasks.Go(req.Route, func(ctx context.Context) {
		s.deps.Dispatcher.Serve(ctx, s, req)
	})
}

func (s *Session) readCloseReason() closeReason {
	var ce *websocket.CloseError
	if errors.As(s.readErr, &ce) {
		return closeReason{code: websocket.CloseNormalClosure, text: fmt.Sprintf("peer closed (%d)", ce.Code)}
	}
	return closeReason{code: websocket.CloseAbnormalClosure, text: "read failed", err: s.readErr}
}

// drain is the Draining phase. The order matters: nothing may publish into
// or read from a group after it was destroyed.
func (s *Session) drain(reason closeReason) {
	s.setState(SessionDraining)
	close(s.readerStop)

	if reason.code != websocket.CloseAbnormalClosure {
		if err := s.sink.Close(reason.code, reason.text); err != nil && !errors.Is(err, errSinkClosed) {
			s.logger.Debug("CLOSE_FRAME_FAILED", "err", err)
		}
	}

	s.tasks.CancelAndWait()

	s.consumer.Stop()
	<-s.consumer.Done()

	s.unsubscribeAll()

	s.hb.Stop()
	<-s.hb.Done()

	_ = s.conn.Close()
	<-s.readerDone

	s.deps.Hub.Unregister(s.user.ID, s.id)
}

// unsubscribeAll releases every stream of the session with bounded
// parallelism. The personal stream goes last because every other
// unsubscribe mirrors into it.
func (s *Session) unsubscribeAll() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CleanupTimeout)
	defer cancel()

	personal := service.UserStreamKey(s.user)

	var g errgroup.Group
	if s.cfg.CleanupWorkers > 0 {
		g.SetLimit(s.cfg.CleanupWorkers)
	}

	for _, key := range s.subs.Snapshot() {
		if key == personal {
			continue
		}
		g.Go(func() error {
			return s.release(ctx, key)
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Warn("SESSION_CLEANUP_INCOMPLETE", "err", err)
	}

	if err := s.release(ctx, personal); err != nil {
		s.logger.Warn("SESSION_CLEANUP_INCOMPLETE", "err", err)
	}
}

func (s *Session) release(ctx context.Context, key string) error {
	err := s.Unsubscribe(ctx, key)
	if err == nil {
		return nil
	}
	if service.IsMirrorError(err) {
		s.logger.Debug("UNSUBSCRIBE_MIRROR_FAILED", "err", err, "stream", key)
		return nil
	}
	s.logger.Warn("UNSUBSCRIBE_FAILED", "err", err, "stream", key)
	return err
}
