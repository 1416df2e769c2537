// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package connection owns client connection objects, their lifecycle state
// machine and their bounded outbound queues. The registry is the only writer
// of connection lifetime; every other component refers to connections by id
// and never extends their lifetime.
package connection

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/streamflux/auth"
	"github.com/absmach/streamflux/filter"
	"github.com/absmach/streamflux/protocol"
)

// State is the connection lifecycle state.
type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateClosing
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Protocol identifies the transport adapter owning a connection.
type Protocol string

const (
	// ProtocolWebSocket is the bidirectional socket session transport.
	ProtocolWebSocket Protocol = "websocket"
	// ProtocolSSE is the unidirectional server-push stream transport.
	ProtocolSSE Protocol = "sse"
)

// CloseReason records why a connection was closed.
type CloseReason string

const (
	ReasonClientDisconnect CloseReason = "client_disconnect"
	ReasonHeartbeatTimeout CloseReason = "heartbeat_timeout"
	ReasonWriteError       CloseReason = "write_error"
	ReasonSlowConsumer     CloseReason = "slow_consumer"
	ReasonAuthFailed       CloseReason = "authentication_failed"
	ReasonShutdown         CloseReason = "shutdown"
)

// Queue errors.
var (
	ErrQueueFull = errors.New("outbound queue full")
	ErrNotActive = errors.New("connection not active")
)

// Connection is one client session. Identity fields are immutable after
// authentication; mutable state is guarded by mu.
type Connection struct {
	ID       string
	Protocol Protocol
	Identity auth.Identity

	mu            sync.RWMutex
	state         State
	closeReason   CloseReason
	openedAt      time.Time
	lastHeartbeat time.Time
	subscriptions map[string]filter.Filter

	outbound chan protocol.Delivery
	closing  chan struct{}

	qmu       sync.Mutex
	fullSince time.Time

	delivered atomic.Int64
	dropped   atomic.Int64

	attached  atomic.Bool // an adapter owns the drain loop
	closeOnce sync.Once
	doneOnce  sync.Once
}

func newConnection(id string, proto Protocol, queueSize int) *Connection {
	if queueSize <= 0 {
		queueSize = 1000
	}
	now := time.Now()
	return &Connection{
		ID:            id,
		Protocol:      proto,
		state:         StateConnecting,
		openedAt:      now,
		lastHeartbeat: now,
		subscriptions: make(map[string]filter.Filter),
		outbound:      make(chan protocol.Delivery, queueSize),
		closing:       make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// OpenedAt returns when the connection was created.
func (c *Connection) OpenedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.openedAt
}

// LastHeartbeat returns the time of the most recent heartbeat.
func (c *Connection) LastHeartbeat() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHeartbeat
}

// Touch resets the heartbeat clock.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

// CloseReason returns the recorded close reason, empty while open.
func (c *Connection) CloseReason() CloseReason {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closeReason
}

// Enqueue offers a delivery to the outbound queue without blocking. On a full
// queue the delivery is dropped (drop-newest), the drop counter incremented
// and the overflow clock started; ErrQueueFull tells the dispatcher to
// consult the slow-consumer policy.
func (c *Connection) Enqueue(d protocol.Delivery) error {
	if c.State() != StateActive {
		return ErrNotActive
	}
	select {
	case c.outbound <- d:
		c.delivered.Add(1)
		c.qmu.Lock()
		c.fullSince = time.Time{}
		c.qmu.Unlock()
		return nil
	default:
		c.dropped.Add(1)
		c.qmu.Lock()
		if c.fullSince.IsZero() {
			c.fullSince = time.Now()
		}
		c.qmu.Unlock()
		return ErrQueueFull
	}
}

// OverflowedFor returns how long the queue has been continuously full, zero
// if the last enqueue succeeded.
func (c *Connection) OverflowedFor() time.Duration {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	if c.fullSince.IsZero() {
		return 0
	}
	return time.Since(c.fullSince)
}

// Outbound is the delivery queue drained by the owning protocol adapter in
// strict FIFO order.
func (c *Connection) Outbound() <-chan protocol.Delivery {
	return c.outbound
}

// Closing is closed when the connection enters the CLOSING state. Adapters
// select on it to flush and shut the transport.
func (c *Connection) Closing() <-chan struct{} {
	return c.closing
}

// Attach marks that a protocol adapter owns the drain loop and will complete
// the close handshake.
func (c *Connection) Attach() {
	c.attached.Store(true)
}

// beginClose transitions to CLOSING exactly once and returns true on the
// first call.
func (c *Connection) beginClose(reason CloseReason) bool {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.mu.Lock()
		c.state = StateClosing
		c.closeReason = reason
		c.mu.Unlock()
		close(c.closing)
	})
	return first
}

// CloseComplete marks the close handshake finished: CLOSING -> CLOSED.
// Idempotent; called by the owning adapter after flushing, or by the registry
// when no adapter is attached.
func (c *Connection) CloseComplete() {
	c.doneOnce.Do(func() {
		c.setState(StateClosed)
	})
}

// fail moves a connection that never reached ACTIVE into the ERROR absorption
// state and straight to CLOSED.
func (c *Connection) fail(reason CloseReason) {
	c.mu.Lock()
	c.state = StateError
	c.closeReason = reason
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closing) })
	c.CloseComplete()
}

// Delivered returns the number of deliveries enqueued so far.
func (c *Connection) Delivered() int64 {
	return c.delivered.Load()
}

// Dropped returns the number of deliveries dropped on queue overflow.
func (c *Connection) Dropped() int64 {
	return c.dropped.Load()
}

// QueueLen returns the number of deliveries waiting to be drained.
func (c *Connection) QueueLen() int {
	return len(c.outbound)
}

func (c *Connection) addSubscription(topic string, f filter.Filter) {
	c.mu.Lock()
	c.subscriptions[topic] = f
	c.mu.Unlock()
}

// removeSubscription drops the topic and reports whether it was present.
func (c *Connection) removeSubscription(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscriptions[topic]
	delete(c.subscriptions, topic)
	return ok
}

// Subscriptions returns a copy of the connection's topic -> filter map.
func (c *Connection) Subscriptions() map[string]filter.Filter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]filter.Filter, len(c.subscriptions))
	for topic, f := range c.subscriptions {
		out[topic] = f
	}
	return out
}

// SubscribedTopics returns the topics the connection is subscribed to.
func (c *Connection) SubscribedTopics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subscriptions))
	for topic := range c.subscriptions {
		out = append(out, topic)
	}
	return out
}
