// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket serves the duplex session transport. Each accepted
// socket is bound to one registry connection; a read loop handles control
// actions and a write loop drains the outbound queue in FIFO order.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/absmach/streamflux/connection"
	"github.com/absmach/streamflux/protocol"
	"github.com/absmach/streamflux/ratelimit"
	"github.com/absmach/streamflux/topics"
)

type Config struct {
	Address         string        `yaml:"address"`
	Path            string        `yaml:"path"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	CloseGrace      time.Duration `yaml:"close_grace"`
}

type Server struct {
	config   Config
	registry *connection.Registry
	catalog  *topics.Registry
	limits   *ratelimit.Manager
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

func New(cfg Config, registry *connection.Registry, catalog *topics.Registry, limits *ratelimit.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/stream"
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = 5 * time.Second
	}

	s := &Server{
		config:   cfg,
		registry: registry,
		catalog:  catalog,
		limits:   limits,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleStream)

	s.server = &http.Server{
		Addr:    cfg.Address,
		Handler: mux,
	}

	return s
}

// Handler exposes the HTTP handler for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("websocket_server_starting",
		slog.String("addr", s.config.Address),
		slog.String("path", s.config.Path))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("websocket_server_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("websocket_server_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("websocket_server_stopped")
		return nil
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.limits.AllowConnection(&streamAddr{addr: r.RemoteAddr}) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", slog.String("error", err.Error()))
		return
	}

	token := r.URL.Query().Get("token")
	conn, err := s.registry.Open(r.Context(), connection.ProtocolWebSocket, token)
	if err != nil {
		s.rejectHandshake(ws, err)
		return
	}
	conn.Attach()

	sess := &session{
		server: s,
		ws:     ws,
		conn:   conn,
	}
	if err := sess.write(protocol.NewConnectionEstablished(conn.ID, conn.Identity.UserID, conn.Identity.TenantID)); err != nil {
		s.registry.Close(conn.ID, connection.ReasonWriteError)
		ws.Close()
		return
	}

	go sess.writeLoop()
	sess.readLoop()
}

func (s *Server) rejectHandshake(ws *websocket.Conn, err error) {
	code := protocol.CodeInternalError
	switch {
	case errors.Is(err, connection.ErrAuthenticationFailed):
		code = protocol.CodeAuthenticationFailed
	case errors.Is(err, connection.ErrConnectionLimit):
		code = protocol.CodeRateLimitExceeded
	}
	ws.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	ws.WriteJSON(protocol.NewError(code, "connection rejected", nil))
	ws.Close()
}

// session binds one websocket to one registry connection. The write mutex
// serializes control replies with the drain loop; the socket permits a
// single writer.
type session struct {
	server *Server
	ws     *websocket.Conn
	conn   *connection.Connection
	mu     sync.Mutex
}

func (s *session) write(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ws.SetWriteDeadline(time.Now().Add(s.server.config.WriteTimeout))
	return s.ws.WriteJSON(v)
}

// readLoop consumes control frames until the socket fails or the connection
// begins closing. Protocol violations answer with an error frame and keep
// the session alive; only transport errors tear it down.
func (s *session) readLoop() {
	defer s.server.limits.OnConnectionClosed(s.conn.ID)

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			s.server.registry.Close(s.conn.ID, connection.ReasonClientDisconnect)
			return
		}
		s.conn.Touch()

		var frame protocol.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.write(protocol.NewError(protocol.CodeInternalError, "malformed frame", nil))
			continue
		}
		action, ok := protocol.ParseAction(frame.Action)
		if !ok {
			s.write(protocol.NewError(protocol.CodeInternalError,
				fmt.Sprintf("unknown action %q", frame.Action),
				map[string]any{"supported": protocol.Actions()}))
			continue
		}
		if !s.server.limits.AllowControl(s.conn.ID) {
			s.write(protocol.NewError(protocol.CodeRateLimitExceeded, "control message rate exceeded", nil))
			continue
		}

		switch action {
		case protocol.ActionSubscribe:
			s.handleSubscribe(frame.Data)
		case protocol.ActionUnsubscribe:
			s.handleUnsubscribe(frame.Data)
		case protocol.ActionPing:
			s.server.registry.Heartbeat(s.conn.ID)
			s.write(protocol.NewPong(time.Now()))
		case protocol.ActionListTopics:
			s.write(protocol.NewTopics(s.server.catalog.Names(), s.conn.SubscribedTopics()))
		case protocol.ActionGetStats:
			s.write(s.statsFrame())
		case protocol.ActionUnknown:
		}
	}
}

// statsFrame snapshots the calling connection and the registry for a
// get_stats reply.
func (s *session) statsFrame() protocol.ConnStats {
	reg := s.server.registry
	st := reg.Stats()
	return protocol.ConnStats{
		Type: protocol.EventStats,
		Connection: protocol.ConnInfo{
			ConnectionID:      s.conn.ID,
			UserID:            s.conn.Identity.UserID,
			TenantID:          s.conn.Identity.TenantID,
			Subscribed:        s.conn.SubscribedTopics(),
			ConnectedAt:       s.conn.OpenedAt().UnixMilli(),
			LastHeartbeat:     s.conn.LastHeartbeat().UnixMilli(),
			Delivered:         s.conn.Delivered(),
			Dropped:           s.conn.Dropped(),
			QueueLen:          s.conn.QueueLen(),
			UserConnections:   len(reg.ConnectionsByUser(s.conn.Identity.UserID)),
			TenantConnections: len(reg.ConnectionsByTenant(s.conn.Identity.TenantID)),
		},
		Server: protocol.ServerStats{
			Connections:    st.Connections,
			MaxConnections: st.MaxConnections,
			ByProtocol:     st.ByProtocol,
			Users:          st.Users,
			Tenants:        st.Tenants,
			Subscriptions:  st.Subscriptions,
		},
	}
}

// handleSubscribe applies a batch subscribe. Each topic succeeds or fails
// independently; the confirmation lists both sets.
func (s *session) handleSubscribe(data json.RawMessage) {
	var req protocol.SubscribeRequest
	if err := json.Unmarshal(data, &req); err != nil || len(req.Topics) == 0 {
		s.write(protocol.NewError(protocol.CodeInternalError, "invalid subscribe request", nil))
		return
	}

	var confirmed []string
	var failed []protocol.TopicError
	for _, topic := range req.Topics {
		err := s.server.registry.Subscribe(context.Background(), s.conn.ID, topic, req.Filters[topic])
		if err != nil {
			failed = append(failed, protocol.TopicError{Topic: topic, Error: codeFor(err)})
			continue
		}
		confirmed = append(confirmed, topic)
	}
	s.write(protocol.NewSubscriptionConfirmed(confirmed, req.Filters, failed))
}

func (s *session) handleUnsubscribe(data json.RawMessage) {
	var req protocol.UnsubscribeRequest
	if err := json.Unmarshal(data, &req); err != nil || len(req.Topics) == 0 {
		s.write(protocol.NewError(protocol.CodeInternalError, "invalid unsubscribe request", nil))
		return
	}
	for _, topic := range req.Topics {
		s.server.registry.Unsubscribe(s.conn.ID, topic)
	}
	s.write(protocol.NewSubscriptionConfirmed(s.conn.SubscribedTopics(), nil, nil))
}

// writeLoop drains the outbound queue in FIFO order, throttled by the
// per-connection delivery limiter. When the connection enters CLOSING it
// flushes whatever fits in the grace window, then closes the socket.
func (s *session) writeLoop() {
	lim := s.server.limits.DeliveryLimiter(s.conn.ID)
	for {
		select {
		case <-s.conn.Closing():
			s.flushAndClose()
			return
		case d := <-s.conn.Outbound():
			if lim != nil {
				lim.Wait(context.Background())
			}
			if err := s.write(d.DataFrame()); err != nil {
				s.server.registry.Close(s.conn.ID, connection.ReasonWriteError)
				s.ws.Close()
				s.conn.CloseComplete()
				return
			}
		}
	}
}

func (s *session) flushAndClose() {
	deadline := time.Now().Add(s.server.config.CloseGrace)
	for time.Now().Before(deadline) {
		select {
		case d := <-s.conn.Outbound():
			if s.write(d.DataFrame()) != nil {
				deadline = time.Now()
			}
		default:
			deadline = time.Now()
		}
	}
	s.ws.SetWriteDeadline(time.Now().Add(s.server.config.WriteTimeout))
	s.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(s.conn.CloseReason())),
		time.Now().Add(s.server.config.WriteTimeout))
	s.ws.Close()
	s.conn.CloseComplete()
}

func codeFor(err error) protocol.Code {
	switch {
	case errors.Is(err, connection.ErrInvalidTopic):
		return protocol.CodeInvalidTopic
	case errors.Is(err, connection.ErrSubscriptionDenied):
		return protocol.CodeSubscriptionDenied
	case errors.Is(err, connection.ErrAuthenticationFailed):
		return protocol.CodeAuthenticationFailed
	default:
		return protocol.CodeInternalError
	}
}

// streamAddr adapts an HTTP remote address string to net.Addr for the IP
// rate limiter.
type streamAddr struct {
	addr string
}

func (a *streamAddr) Network() string {
	return "websocket"
}

func (a *streamAddr) String() string {
	return a.addr
}
