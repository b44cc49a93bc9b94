// Package ws implements the WebSocket server for client ↔ session
// communication. Clients submit code, receive multiplexed program output in
// real time, and answer input prompts over a single persistent connection.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/jkaninda/codebox/internal/config"
	"github.com/jkaninda/codebox/internal/observability"
	"github.com/jkaninda/codebox/internal/protocol"
	"github.com/jkaninda/codebox/internal/session"
)

const writeTimeout = 10 * time.Second

// Sessions is the slice of the session registry the gateway drives.
type Sessions interface {
	Execute(ctx context.Context, sessionID, code string) error
	SubmitInput(sessionID, input string) error
	MarkTerminal(sessionID string, reason session.State, message string) error
	Info(sessionID string) (session.Info, error)
	AttachSubscriber(sessionID string, sub session.Subscriber)
	DetachSubscriber(sessionID string, sub session.Subscriber)
}

// Server is the WebSocket server that manages client connections.
type Server struct {
	sessions Sessions
	cfg      *config.ServerConfig
	logger   *slog.Logger
	metrics  *observability.MetricsCollector // nil = metrics disabled
}

// NewServer creates a WebSocket server backed by the given session registry.
func NewServer(sessions Sessions, cfg *config.ServerConfig, logger *slog.Logger) *Server {
	return &Server{
		sessions: sessions,
		cfg:      cfg,
		logger:   logger,
	}
}

// WithMetrics attaches a metrics collector. Nil-safe throughout.
func (s *Server) WithMetrics(m *observability.MetricsCollector) *Server {
	s.metrics = m
	return s
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"codebox-v1"},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.handleConnection(r.Context(), conn)
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn) {
	client := newClientConn(conn, s.logger)

	if s.metrics != nil {
		s.metrics.WSConnectionsActive.Inc()
	}

	defer func() {
		// Detach-only: the client going away never tears a session down.
		// Its sandbox keeps running under the deadline and a later join on
		// the same id resumes event delivery.
		for _, id := range client.attached() {
			s.sessions.DetachSubscriber(id, client)
		}
		if s.metrics != nil {
			s.metrics.WSConnectionsActive.Dec()
		}
		conn.Close(websocket.StatusNormalClosure, "connection closed")
	}()

	// Heartbeat pinger.
	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go s.heartbeatLoop(hbCtx, client)

	// Main message loop.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.logger.Info("client disconnected normally")
			} else {
				s.logger.Debug("client connection closed",
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("invalid message from client", slog.String("error", err.Error()))
			client.sendError("", "invalid message")
			continue
		}

		s.handleMessage(ctx, client, &env)
	}
}

func (s *Server) handleMessage(ctx context.Context, client *clientConn, env *protocol.Envelope) {
	switch env.Type {
	case protocol.MsgExecute:
		s.handleExecute(ctx, client, env)

	case protocol.MsgInput:
		var payload protocol.InputPayload
		if err := env.Decode(&payload); err != nil {
			client.sendError(env.SessionID, "invalid input payload")
			return
		}
		if err := s.sessions.SubmitInput(env.SessionID, payload.Input); err != nil {
			if s.metrics != nil {
				s.metrics.InputsTotal.WithLabelValues("rejected").Inc()
			}
			if errors.Is(err, session.ErrInputRejected) {
				client.sendError(env.SessionID, "input rejected: session is not running")
			} else {
				client.sendError(env.SessionID, "input failed: "+err.Error())
			}
			return
		}
		if s.metrics != nil {
			s.metrics.InputsTotal.WithLabelValues("accepted").Inc()
		}

	case protocol.MsgJoin:
		if _, err := s.sessions.Info(env.SessionID); err != nil {
			client.sendError(env.SessionID, "session not found")
			return
		}
		s.sessions.AttachSubscriber(env.SessionID, client)
		client.track(env.SessionID)
		s.logger.Info("client joined session", slog.String("session_id", env.SessionID))

	case protocol.MsgStop:
		if err := s.sessions.MarkTerminal(env.SessionID, session.StateCancelled, ""); err != nil {
			client.sendError(env.SessionID, "session not found")
		}

	case protocol.MsgPing:
		client.send(protocol.MsgPong, "", nil)

	default:
		s.logger.Warn("unknown message type from client", slog.String("type", string(env.Type)))
		client.sendError(env.SessionID, "unknown message type")
	}
}

func (s *Server) handleExecute(ctx context.Context, client *clientConn, env *protocol.Envelope) {
	var payload protocol.ExecutePayload
	if err := env.Decode(&payload); err != nil {
		client.sendError("", "invalid execute payload")
		return
	}
	if strings.TrimSpace(payload.Code) == "" {
		client.sendError("", "code is required")
		return
	}
	if payload.Language != "" && payload.Language != "python" {
		client.sendError("", "unsupported language: only python is supported")
		return
	}

	sessionID := uuid.New().String()

	// Subscribe before creation so no startup event can be dropped.
	s.sessions.AttachSubscriber(sessionID, client)
	client.track(sessionID)

	// Provisioning can take a while; keep the read loop responsive.
	// Failures surface to the client as error events via the subscriber.
	go func() {
		if err := s.sessions.Execute(context.WithoutCancel(ctx), sessionID, payload.Code); err != nil {
			s.logger.Warn("execution failed to start",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

func (s *Server) heartbeatLoop(ctx context.Context, client *clientConn) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := client.send(protocol.MsgPing, "", nil); err != nil {
				s.logger.Debug("heartbeat ping failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

// clientConn wraps one WebSocket connection. It implements
// session.Subscriber, translating session events into protocol envelopes.
// Writes are serialized by a mutex; a slow or dead peer only ever stalls
// its own connection.
type clientConn struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	sessions map[string]struct{} // session ids this connection is subscribed to
}

func newClientConn(conn *websocket.Conn, logger *slog.Logger) *clientConn {
	return &clientConn{
		conn:     conn,
		logger:   logger,
		sessions: make(map[string]struct{}),
	}
}

func (c *clientConn) track(sessionID string) {
	c.mu.Lock()
	c.sessions[sessionID] = struct{}{}
	c.mu.Unlock()
}

func (c *clientConn) attached() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Deliver implements session.Subscriber.
func (c *clientConn) Deliver(ev session.Event) {
	var err error
	switch ev.Type {
	case session.EventStarted:
		err = c.send(protocol.MsgExecutionStarted, ev.SessionID,
			protocol.ExecutionStartedPayload{SessionID: ev.SessionID})
	case session.EventOutput:
		err = c.send(protocol.MsgOutput, ev.SessionID,
			protocol.OutputPayload{Output: ev.Output})
	case session.EventInputRequired:
		err = c.send(protocol.MsgInputRequired, ev.SessionID, nil)
	case session.EventError:
		err = c.send(protocol.MsgError, ev.SessionID,
			protocol.ErrorPayload{Error: ev.Message})
	case session.EventComplete:
		err = c.send(protocol.MsgExecutionComplete, ev.SessionID, nil)
	}
	if err != nil {
		c.logger.Debug("event delivery failed",
			slog.String("session_id", ev.SessionID),
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}

func (c *clientConn) send(msgType protocol.MessageType, sessionID string, payload any) error {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	env.SessionID = sessionID

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *clientConn) sendError(sessionID, message string) {
	if err := c.send(protocol.MsgError, sessionID, protocol.ErrorPayload{Error: message}); err != nil {
		c.logger.Debug("error delivery failed", slog.String("error", err.Error()))
	}
}

var _ session.Subscriber = (*clientConn)(nil)
