// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the client-facing wire contract shared by the
// duplex websocket adapter and the server-push SSE adapter: inbound control
// actions, outbound event frames and the error codes surfaced to clients.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/absmach/streamflux/filter"
)

// Action identifies an inbound control message. The set is closed: adapters
// dispatch over it with an exhaustive switch so a new action is a
// compile-time-checked addition.
type Action int

const (
	ActionUnknown Action = iota
	ActionSubscribe
	ActionUnsubscribe
	ActionPing
	ActionListTopics
	ActionGetStats
)

var actionNames = map[Action]string{
	ActionSubscribe:   "subscribe",
	ActionUnsubscribe: "unsubscribe",
	ActionPing:        "ping",
	ActionListTopics:  "list_topics",
	ActionGetStats:    "get_stats",
}

func (a Action) String() string {
	if s, ok := actionNames[a]; ok {
		return s
	}
	return "unknown"
}

// ParseAction maps a wire action name to its Action. Unknown names return
// (ActionUnknown, false).
func ParseAction(s string) (Action, bool) {
	for a, name := range actionNames {
		if name == s {
			return a, true
		}
	}
	return ActionUnknown, false
}

// Actions returns the wire names of all supported actions, for error details.
func Actions() []string {
	return []string{"subscribe", "unsubscribe", "ping", "list_topics", "get_stats"}
}

// ClientFrame is the envelope of every client-to-server control message.
type ClientFrame struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// SubscribeRequest carries the payload of a subscribe action. Filters are
// keyed by topic; a topic without an entry subscribes unfiltered.
type SubscribeRequest struct {
	Topics  []string                 `json:"topics"`
	Filters map[string]filter.Filter `json:"filters,omitempty"`
}

// UnsubscribeRequest carries the payload of an unsubscribe action.
type UnsubscribeRequest struct {
	Topics []string `json:"topics"`
}

// Code is an error code surfaced to clients.
type Code string

const (
	CodeAuthenticationFailed Code = "AUTHENTICATION_FAILED"
	CodeSubscriptionDenied   Code = "SUBSCRIPTION_DENIED"
	CodeInvalidTopic         Code = "INVALID_TOPIC"
	CodeRateLimitExceeded    Code = "RATE_LIMIT_EXCEEDED"
	CodeInternalError        Code = "INTERNAL_ERROR"
)

// Event type names for server-to-client frames. Websocket frames carry the
// name in the "type" field; SSE frames carry it as the named event.
const (
	EventConnectionEstablished = "connection_established"
	EventSubscriptionConfirmed = "subscription_confirmed"
	EventData                  = "data"
	EventPong                  = "pong"
	EventError                 = "error"
	EventHeartbeat             = "heartbeat"
	EventTopics                = "topics"
	EventStats                 = "stats"
)

// ConnectionEstablished is sent once after a successful handshake and
// authentication.
type ConnectionEstablished struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
	TenantID     string `json:"tenant_id"`
}

// NewConnectionEstablished builds the handshake confirmation frame.
func NewConnectionEstablished(connID, userID, tenantID string) ConnectionEstablished {
	return ConnectionEstablished{
		Type:         EventConnectionEstablished,
		ConnectionID: connID,
		UserID:       userID,
		TenantID:     tenantID,
	}
}

// TopicError reports a per-topic failure inside a batch subscribe or
// unsubscribe confirmation.
type TopicError struct {
	Topic string `json:"topic"`
	Error Code   `json:"error"`
}

// SubscriptionConfirmed acknowledges a subscribe or unsubscribe action. Topics
// lists the accepted topics; Failed lists per-topic rejections.
type SubscriptionConfirmed struct {
	Type    string                   `json:"type"`
	Topics  []string                 `json:"topics"`
	Filters map[string]filter.Filter `json:"filters,omitempty"`
	Failed  []TopicError             `json:"failed,omitempty"`
}

// NewSubscriptionConfirmed builds a subscription confirmation frame.
func NewSubscriptionConfirmed(topics []string, filters map[string]filter.Filter, failed []TopicError) SubscriptionConfirmed {
	return SubscriptionConfirmed{
		Type:    EventSubscriptionConfirmed,
		Topics:  topics,
		Filters: filters,
		Failed:  failed,
	}
}

// Data is a delivered message frame.
type Data struct {
	Type      string         `json:"type"`
	Topic     string         `json:"topic"`
	Data      map[string]any `json:"data"`
	Timestamp int64          `json:"timestamp"`
	Partition int32          `json:"partition"`
	Offset    int64          `json:"offset"`
}

// Pong answers a ping action.
type Pong struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// NewPong builds a pong frame stamped with the current time.
func NewPong(now time.Time) Pong {
	return Pong{Type: EventPong, Timestamp: now.UnixMilli()}
}

// Topics answers a list_topics action with the subscribable catalog and the
// connection's current subscriptions.
type Topics struct {
	Type       string   `json:"type"`
	Available  []string `json:"available_topics"`
	Subscribed []string `json:"subscribed_topics"`
}

// NewTopics builds a topics frame.
func NewTopics(available, subscribed []string) Topics {
	return Topics{Type: EventTopics, Available: available, Subscribed: subscribed}
}

// ConnInfo describes the calling connection inside a stats reply.
type ConnInfo struct {
	ConnectionID      string   `json:"connection_id"`
	UserID            string   `json:"user_id"`
	TenantID          string   `json:"tenant_id"`
	Subscribed        []string `json:"subscribed_topics"`
	ConnectedAt       int64    `json:"connected_at"`
	LastHeartbeat     int64    `json:"last_heartbeat"`
	Delivered         int64    `json:"messages_delivered"`
	Dropped           int64    `json:"messages_dropped"`
	QueueLen          int      `json:"queue_length"`
	UserConnections   int      `json:"user_connections"`
	TenantConnections int      `json:"tenant_connections"`
}

// ServerStats is the server-wide snapshot inside a stats reply.
type ServerStats struct {
	Connections    int            `json:"connections"`
	MaxConnections int            `json:"max_connections"`
	ByProtocol     map[string]int `json:"by_protocol"`
	Users          int            `json:"users"`
	Tenants        int            `json:"tenants"`
	Subscriptions  int            `json:"subscriptions"`
}

// ConnStats answers a get_stats action with the connection's own info and
// the server-wide snapshot.
type ConnStats struct {
	Type       string      `json:"type"`
	Connection ConnInfo    `json:"connection"`
	Server     ServerStats `json:"server"`
}

// ErrorFrame reports an error to the client. Protocol-level errors leave the
// connection open; the adapter decides whether the condition is fatal.
type ErrorFrame struct {
	Type    string         `json:"type"`
	Error   Code           `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// NewError builds an error frame.
func NewError(code Code, message string, details map[string]any) ErrorFrame {
	return ErrorFrame{Type: EventError, Error: code, Message: message, Details: details}
}

// Delivery is one pending delivery on a connection's outbound queue. The
// dispatcher produces deliveries; adapters frame them per protocol and drain
// in strict FIFO order, which is what preserves per-partition ordering
// end-to-end.
type Delivery struct {
	Topic      string
	Payload    map[string]any
	Partition  int32
	Offset     int64
	ProducedAt time.Time
}

// DataFrame converts the delivery into its wire representation.
func (d Delivery) DataFrame() Data {
	return Data{
		Type:      EventData,
		Topic:     d.Topic,
		Data:      d.Payload,
		Timestamp: d.ProducedAt.UnixMilli(),
		Partition: d.Partition,
		Offset:    d.Offset,
	}
}
