// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sse serves the server-push stream transport. The stream endpoint
// holds the HTTP response open and writes named events; subscriptions are
// managed out of band through a control endpoint keyed by connection id.
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/absmach/streamflux/connection"
	"github.com/absmach/streamflux/filter"
	"github.com/absmach/streamflux/protocol"
	"github.com/absmach/streamflux/ratelimit"
)

type Config struct {
	Address         string        `yaml:"address"`
	StreamPath      string        `yaml:"stream_path"`
	ControlPath     string        `yaml:"control_path"`
	Keepalive       time.Duration `yaml:"keepalive"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type Server struct {
	config   Config
	registry *connection.Registry
	limits   *ratelimit.Manager
	logger   *slog.Logger
	server   *http.Server
}

func New(cfg Config, registry *connection.Registry, limits *ratelimit.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StreamPath == "" {
		cfg.StreamPath = "/events"
	}
	if cfg.ControlPath == "" {
		cfg.ControlPath = "/subscriptions"
	}
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = 15 * time.Second
	}

	s := &Server{
		config:   cfg,
		registry: registry,
		limits:   limits,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+cfg.StreamPath, s.handleStream)
	mux.HandleFunc("POST "+cfg.ControlPath, s.handleControl)

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
	s.logger.Info("sse_server_starting",
		slog.String("addr", s.config.Address),
		slog.String("path", s.config.StreamPath))

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
		s.logger.Info("sse_server_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.logger.Info("sse_server_stopped")
		return nil
	}
}

// handleStream authenticates, opens a push connection and drains its queue
// into the response until the client or the registry ends it.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.limits.AllowConnection(&streamAddr{addr: r.RemoteAddr}) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	conn, err := s.registry.Open(r.Context(), connection.ProtocolSSE, r.URL.Query().Get("token"))
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, connection.ErrAuthenticationFailed):
			status = http.StatusUnauthorized
		case errors.Is(err, connection.ErrConnectionLimit):
			status = http.StatusTooManyRequests
		}
		http.Error(w, err.Error(), status)
		return
	}
	conn.Attach()
	defer s.limits.OnConnectionClosed(conn.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent(w, protocol.EventConnectionEstablished,
		protocol.NewConnectionEstablished(conn.ID, conn.Identity.UserID, conn.Identity.TenantID))
	flusher.Flush()

	lim := s.limits.DeliveryLimiter(conn.ID)
	keepalive := time.NewTicker(s.config.Keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.registry.Close(conn.ID, connection.ReasonClientDisconnect)
			conn.CloseComplete()
			return
		case <-conn.Closing():
			conn.CloseComplete()
			return
		case <-keepalive.C:
			// The stream is push-only, so server keepalives double as the
			// connection's heartbeat.
			s.registry.Heartbeat(conn.ID)
			if err := writeEvent(w, protocol.EventHeartbeat, map[string]any{"timestamp": time.Now().UnixMilli()}); err != nil {
				s.registry.Close(conn.ID, connection.ReasonWriteError)
				conn.CloseComplete()
				return
			}
			flusher.Flush()
		case d := <-conn.Outbound():
			if lim != nil {
				lim.Wait(r.Context())
			}
			if err := writeEvent(w, protocol.EventData, d.DataFrame()); err != nil {
				s.registry.Close(conn.ID, connection.ReasonWriteError)
				conn.CloseComplete()
				return
			}
			flusher.Flush()
		}
	}
}

// controlRequest manages subscriptions for an open push connection.
type controlRequest struct {
	ConnectionID string                   `json:"connection_id"`
	Action       string                   `json:"action"`
	Topics       []string                 `json:"topics"`
	Filters      map[string]filter.Filter `json:"filters,omitempty"`
}

type controlResponse struct {
	Topics []string              `json:"topics"`
	Failed []protocol.TopicError `json:"failed,omitempty"`
}

// handleControl applies subscribe and unsubscribe actions for a push
// connection. Each topic succeeds or fails independently.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConnectionID == "" || len(req.Topics) == 0 {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	conn, ok := s.registry.Get(req.ConnectionID)
	if !ok || conn.Protocol != connection.ProtocolSSE {
		http.Error(w, "connection not found", http.StatusNotFound)
		return
	}
	if !s.limits.AllowControl(conn.ID) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	var resp controlResponse
	switch req.Action {
	case "unsubscribe":
		for _, topic := range req.Topics {
			s.registry.Unsubscribe(conn.ID, topic)
		}
		resp.Topics = conn.SubscribedTopics()
	case "subscribe", "":
		for _, topic := range req.Topics {
			if err := s.registry.Subscribe(r.Context(), conn.ID, topic, req.Filters[topic]); err != nil {
				resp.Failed = append(resp.Failed, protocol.TopicError{Topic: topic, Error: codeFor(err)})
				continue
			}
			resp.Topics = append(resp.Topics, topic)
		}
	default:
		http.Error(w, fmt.Sprintf("unknown action %q", req.Action), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func writeEvent(w http.ResponseWriter, event string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	return err
}

func codeFor(err error) protocol.Code {
	switch {
	case errors.Is(err, connection.ErrInvalidTopic):
		return protocol.CodeInvalidTopic
	case errors.Is(err, connection.ErrSubscriptionDenied):
		return protocol.CodeSubscriptionDenied
	default:
		return protocol.CodeInternalError
	}
}

type streamAddr struct {
	addr string
}

func (a *streamAddr) Network() string {
	return "sse"
}

func (a *streamAddr) String() string {
	return a.addr
}
