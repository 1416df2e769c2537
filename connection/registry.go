// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/absmach/streamflux/auth"
	"github.com/absmach/streamflux/filter"
	"github.com/absmach/streamflux/server/otel"
	"github.com/absmach/streamflux/subscription"
	"github.com/absmach/streamflux/topics"
)

// Registry errors mapped to protocol error codes by the adapters.
var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrSubscriptionDenied   = errors.New("subscription denied")
	ErrInvalidTopic         = errors.New("invalid topic")
	ErrConnectionLimit      = errors.New("connection limit reached")
	ErrNotFound             = errors.New("connection not found")
	ErrShuttingDown         = errors.New("registry shutting down")
)

// Config holds registry tunables.
type Config struct {
	MaxConnections    int           `yaml:"max_connections"`
	QueueSize         int           `yaml:"queue_size"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	CloseGrace        time.Duration `yaml:"close_grace"`
	AuthTimeout       time.Duration `yaml:"auth_timeout"`
	SlowConsumerAfter time.Duration `yaml:"slow_consumer_after"`
}

// DefaultConfig returns production registry defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnections:    10000,
		QueueSize:         1000,
		HeartbeatTimeout:  60 * time.Second,
		SweepInterval:     10 * time.Second,
		CloseGrace:        10 * time.Second,
		AuthTimeout:       5 * time.Second,
		SlowConsumerAfter: 5 * time.Second,
	}
}

// Registry is the authority on connection lifetime. It opens connections
// after authentication, arbitrates subscriptions through the entitlement
// gate and tears connections down exactly once.
type Registry struct {
	cfg      Config
	logger   *slog.Logger
	verifier auth.Verifier
	gate     *Gate
	index    *subscription.Index
	catalog  *topics.Registry
	metrics  *otel.Metrics

	mu       sync.RWMutex
	conns    map[string]*Connection
	byUser   map[string]map[string]struct{}
	byTenant map[string]map[string]struct{}
	closed   bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewRegistry creates a connection registry. metrics may be nil.
func NewRegistry(cfg Config, verifier auth.Verifier, gate *Gate, index *subscription.Index, catalog *topics.Registry, metrics *otel.Metrics, logger *slog.Logger) *Registry {
	def := DefaultConfig()
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = def.CloseGrace
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = def.AuthTimeout
	}
	if cfg.SlowConsumerAfter <= 0 {
		cfg.SlowConsumerAfter = def.SlowConsumerAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		verifier: verifier,
		gate:     gate,
		index:    index,
		catalog:  catalog,
		metrics:  metrics,
		conns:    make(map[string]*Connection),
		byUser:   make(map[string]map[string]struct{}),
		byTenant: make(map[string]map[string]struct{}),
		stop:     make(chan struct{}),
	}
}

// Start launches the heartbeat sweep loop.
func (r *Registry) Start() {
	r.wg.Add(1)
	go r.sweepLoop()
}

// Open authenticates the token and, on success, registers a new active
// connection. A failed authentication leaves no registry state behind.
func (r *Registry) Open(ctx context.Context, proto Protocol, token string) (*Connection, error) {
	r.mu.RLock()
	closed := r.closed
	count := len(r.conns)
	r.mu.RUnlock()
	if closed {
		return nil, ErrShuttingDown
	}
	if count >= r.cfg.MaxConnections {
		return nil, fmt.Errorf("%w: %d connections", ErrConnectionLimit, count)
	}

	conn := newConnection(uuid.NewString(), proto, r.cfg.QueueSize)
	conn.setState(StateAuthenticating)

	authCtx, cancel := context.WithTimeout(ctx, r.cfg.AuthTimeout)
	defer cancel()
	id, err := r.verifier.Verify(authCtx, token)
	if err != nil {
		conn.fail(ReasonAuthFailed)
		return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}
	conn.Identity = id
	conn.setState(StateActive)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		conn.fail(ReasonShutdown)
		return nil, ErrShuttingDown
	}
	r.conns[conn.ID] = conn
	addMember(r.byUser, id.UserID, conn.ID)
	addMember(r.byTenant, id.TenantID, conn.ID)
	r.mu.Unlock()

	r.metrics.RecordConnectionOpened(string(proto))
	r.logger.Info("connection opened",
		slog.String("connection_id", conn.ID),
		slog.String("protocol", string(proto)),
		slog.String("user_id", id.UserID),
		slog.String("tenant_id", id.TenantID))
	return conn, nil
}

// Get returns the connection with the given id.
func (r *Registry) Get(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	return conn, ok
}

// Subscribe validates the topic, consults the entitlement gate and on allow
// registers the subscription in both the routing index and the connection. A
// denied or invalid subscription mutates nothing.
func (r *Registry) Subscribe(ctx context.Context, connID, topic string, f filter.Filter) error {
	conn, ok := r.Get(connID)
	if !ok {
		return ErrNotFound
	}
	if conn.State() != StateActive {
		return ErrNotActive
	}

	def, ok := r.catalog.Lookup(topic)
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidTopic, topic)
	}
	if err := r.gate.Allow(ctx, conn.Identity, def.Resource); err != nil {
		r.metrics.RecordSubscriptionDenied(topic)
		return err
	}

	// The entitlement call can suspend for seconds and Close may have run
	// to completion underneath it, including its index sweep. Re-check
	// registration before mutating, and again after the insert so a Close
	// that wins the race never leaves an index entry behind.
	if _, open := r.Get(connID); !open {
		return ErrNotActive
	}
	r.index.Add(topic, conn.ID, f)
	conn.addSubscription(topic, f)
	if _, open := r.Get(connID); !open {
		r.index.Remove(topic, connID)
		conn.removeSubscription(topic)
		return ErrNotActive
	}
	r.metrics.RecordSubscriptionAdded(topic)
	r.logger.Debug("subscribed",
		slog.String("connection_id", conn.ID),
		slog.String("topic", topic))
	return nil
}

// Unsubscribe removes the subscription. Removing an absent subscription is a
// no-op and returns nil.
func (r *Registry) Unsubscribe(connID, topic string) error {
	conn, ok := r.Get(connID)
	if !ok {
		return ErrNotFound
	}
	r.index.Remove(topic, connID)
	if conn.removeSubscription(topic) {
		r.metrics.RecordSubscriptionRemoved(topic)
	}
	return nil
}

// Heartbeat records client liveness for the sweep loop.
func (r *Registry) Heartbeat(connID string) error {
	conn, ok := r.Get(connID)
	if !ok {
		return ErrNotFound
	}
	conn.Touch()
	return nil
}

// Close removes the connection from the registry and the routing index, then
// begins the close handshake. The index removal completes before Close
// returns, so no dispatch started after Close can match the connection.
// Closing an unknown or already closed connection is a no-op.
func (r *Registry) Close(connID string, reason CloseReason) {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if ok {
		delete(r.conns, connID)
		dropMember(r.byUser, conn.Identity.UserID, connID)
		dropMember(r.byTenant, conn.Identity.TenantID, connID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	r.index.RemoveAll(connID)

	if conn.beginClose(reason) {
		if reason == ReasonSlowConsumer {
			r.metrics.RecordSlowConsumerClose()
		}
		r.metrics.RecordConnectionClosed(string(conn.Protocol), string(reason))
		r.logger.Info("connection closed",
			slog.String("connection_id", connID),
			slog.String("reason", string(reason)),
			slog.Int64("delivered", conn.Delivered()),
			slog.Int64("dropped", conn.Dropped()))
	}

	if conn.attached.Load() {
		// The adapter drains and completes the close; bound the grace window.
		time.AfterFunc(r.cfg.CloseGrace, conn.CloseComplete)
	} else {
		conn.CloseComplete()
	}
}

// SlowConsumerAfter is the sustained-overflow threshold after which the
// dispatcher may close a connection.
func (r *Registry) SlowConsumerAfter() time.Duration {
	return r.cfg.SlowConsumerAfter
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweep(time.Now())
		}
	}
}

func (r *Registry) sweep(now time.Time) {
	r.mu.RLock()
	var stale []string
	for id, conn := range r.conns {
		if conn.State() == StateActive && now.Sub(conn.LastHeartbeat()) > r.cfg.HeartbeatTimeout {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()
	for _, id := range stale {
		r.logger.Warn("heartbeat timeout", slog.String("connection_id", id))
		r.Close(id, ReasonHeartbeatTimeout)
	}
}

// ConnectionsByUser returns the ids of the user's open connections.
func (r *Registry) ConnectionsByUser(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return memberIDs(r.byUser[userID])
}

// ConnectionsByTenant returns the ids of the tenant's open connections.
func (r *Registry) ConnectionsByTenant(tenantID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return memberIDs(r.byTenant[tenantID])
}

// Len returns the number of open connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Stats is a point-in-time snapshot of registry state.
type Stats struct {
	Connections    int            `json:"connections"`
	MaxConnections int            `json:"max_connections"`
	ByProtocol     map[string]int `json:"by_protocol"`
	Users          int            `json:"users"`
	Tenants        int            `json:"tenants"`
	Subscriptions  int            `json:"subscriptions"`
}

// Stats returns a snapshot of the registry.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := Stats{
		Connections:    len(r.conns),
		MaxConnections: r.cfg.MaxConnections,
		ByProtocol:     make(map[string]int),
		Users:          len(r.byUser),
		Tenants:        len(r.byTenant),
		Subscriptions:  r.index.Len(),
	}
	for _, conn := range r.conns {
		st.ByProtocol[string(conn.Protocol)]++
	}
	return st
}

// Shutdown stops the sweep loop and closes every connection with the
// shutdown reason, waiting up to the close grace for adapters to drain.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	close(r.stop)
	for _, id := range ids {
		r.Close(id, ReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func addMember(m map[string]map[string]struct{}, key, id string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[id] = struct{}{}
}

func dropMember(m map[string]map[string]struct{}, key, id string) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(m, key)
	}
}

func memberIDs(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
