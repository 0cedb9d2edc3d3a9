package bridge

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/tts-gateway/internal/observability"
	"github.com/lexiqai/tts-gateway/internal/plugin"
)

const (
	writeTimeout   = 10 * time.Second
	maxMessageSize = 64 << 10
)

// Host bridge event names.
const (
	EventMessage = "message"
	EventReply   = "reply"
	EventPing    = "ping"
	EventPong    = "pong"
	EventError   = "error"
)

var upgrader = websocket.Upgrader{
	// The host is a local process, not a browser.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// MessageHandler answers chat messages. *plugin.Plugin implements it.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg plugin.Message) plugin.Result
}

// HostEvent is a frame sent by the chat host.
type HostEvent struct {
	Event     string `json:"event"`
	MessageID string `json:"message_id,omitempty"`
	SenderID  string `json:"sender_id,omitempty"`
	Text      string `json:"text,omitempty"`
}

// ReplyEvent answers a message event.
type ReplyEvent struct {
	Event     string         `json:"event"`
	MessageID string         `json:"message_id"`
	Replies   []plugin.Reply `json:"replies"`
	Handled   bool           `json:"handled"`
}

// StatusEvent carries pong and error frames.
type StatusEvent struct {
	Event     string `json:"event"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Session holds the state of a single host connection
type Session struct {
	conn    *websocket.Conn
	handler MessageHandler

	writeMu sync.Mutex
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	sessionID string
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// NewSession creates a session for an upgraded connection. The session
// context, and so every message handled on it, is cancelled with parent.
func NewSession(parent context.Context, conn *websocket.Conn, handler MessageHandler, logger zerolog.Logger) *Session {
	sessionID := observability.NewCorrelationID()
	ctx, cancel := context.WithCancel(observability.ContextWithCorrelationID(parent, sessionID))
	return &Session{
		conn:      conn,
		handler:   handler,
		ctx:       ctx,
		cancel:    cancel,
		sessionID: sessionID,
		metrics:   observability.NewSessionMetrics(sessionID),
		logger:    observability.WithCorrelationID(logger, sessionID),
	}
}

// Server accepts chat host WebSocket connections and tracks their sessions
// so shutdown can cancel and drain them.
type Server struct {
	handler MessageHandler
	token   string
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	draining bool
	sessions sync.WaitGroup
}

// NewServer creates a host endpoint. A non-empty token must be presented
// as "Authorization: Bearer <token>".
func NewServer(handler MessageHandler, token string, logger zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		handler: handler,
		token:   token,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// ServeHTTP is the entry point for chat host WebSocket connections.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !authorized(r, s.token) {
		s.logger.Warn().Str("remote_addr", r.RemoteAddr).Msg("Rejected unauthenticated host connection")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	s.sessions.Add(1)
	s.mu.Unlock()
	defer s.sessions.Done()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.logger.Error().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}
	defer conn.Close()

	NewSession(s.ctx, conn, s.handler, s.logger).Run()
}

// Shutdown refuses new connections, cancels every session and waits for
// their in-flight messages to finish or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func authorized(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}

// Run reads host events until the connection closes, then waits for
// in-flight messages to finish.
func (s *Session) Run() {
	s.metrics.RecordSessionStart()
	s.logger.Info().Msg("Host connected")

	defer func() {
		s.cancel()
		s.wg.Wait()
		s.metrics.RecordSessionEnd()
		s.logger.Info().Msg("Host disconnected")
	}()

	s.conn.SetReadLimit(maxMessageSize)

	// Unblock the read loop when the session is cancelled from above.
	go func() {
		<-s.ctx.Done()
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		s.conn.Close()
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
				s.metrics.RecordError("read", "bridge")
			}
			return
		}

		var event HostEvent
		if err := json.Unmarshal(data, &event); err != nil {
			s.logger.Error().Err(err).Msg("Failed to parse host event")
			s.metrics.RecordError("decode", "bridge")
			s.write(StatusEvent{Event: EventError, Error: "invalid json"})
			continue
		}

		switch event.Event {
		case EventMessage:
			s.wg.Add(1)
			go s.handleMessage(event)

		case EventPing:
			s.write(StatusEvent{Event: EventPong})

		default:
			s.logger.Debug().Str("event", event.Event).Msg("Unknown host event")
			s.write(StatusEvent{Event: EventError, MessageID: event.MessageID, Error: "unknown event: " + event.Event})
		}
	}
}

func (s *Session) handleMessage(event HostEvent) {
	defer s.wg.Done()

	result := s.handler.HandleMessage(s.ctx, plugin.Message{
		ID:       event.MessageID,
		SenderID: event.SenderID,
		Text:     event.Text,
	})
	if result.Replies == nil {
		result.Replies = []plugin.Reply{}
	}

	s.write(ReplyEvent{
		Event:     EventReply,
		MessageID: event.MessageID,
		Replies:   result.Replies,
		Handled:   result.Handled,
	})
}

func (s *Session) write(v any) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteJSON(v); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write host event")
		s.metrics.RecordError("write", "bridge")
	}
}
