package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/webitel/im-realtime-service/internal/domain/model"
)

var errSinkClosed = errors.New("ws sink: close frame already sent")

// Sink serializes every write to one socket: envelopes from the consumer and
// handlers, pings from the heartbeat, pongs from the reader and the final
// close frame.
type Sink struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
	closeSent    bool
}

func NewSink(conn *websocket.Conn, writeTimeout time.Duration) *Sink {
	return &Sink{conn: conn, writeTimeout: writeTimeout}
}

// WriteEnvelope sends env as one JSON text frame.
func (s *Sink) WriteEnvelope(env model.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("ws sink: marshal envelope: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closeSent {
		return errSinkClosed
	}
	if err := s.conn.SetWriteDeadline(s.deadline()); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Sink) Ping() error {
	return s.writeControl(websocket.PingMessage, nil)
}

func (s *Sink) Pong(appData []byte) error {
	return s.writeControl(websocket.PongMessage, appData)
}

// Close sends the close frame. Only the first call writes; later calls and
// every other write after it are no-ops returning errSinkClosed.
func (s *Sink) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closeSent {
		return errSinkClosed
	}
	s.closeSent = true
	return s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), s.deadline())
}

func (s *Sink) writeControl(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closeSent {
		return errSinkClosed
	}
	return s.conn.WriteControl(messageType, data, s.deadline())
}

func (s *Sink) deadline() time.Time {
	return time.Now().Add(s.writeTimeout)
}
