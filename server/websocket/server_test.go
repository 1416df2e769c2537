// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/streamflux/auth"
	"github.com/absmach/streamflux/connection"
	"github.com/absmach/streamflux/entitlements"
	"github.com/absmach/streamflux/protocol"
	"github.com/absmach/streamflux/ratelimit"
	"github.com/absmach/streamflux/subscription"
	"github.com/absmach/streamflux/topics"
)

type tokenVerifier struct{}

func (tokenVerifier) Verify(_ context.Context, token string) (auth.Identity, error) {
	if token != "good" {
		return auth.Identity{}, auth.ErrVerificationFailed
	}
	return auth.Identity{UserID: "u1", TenantID: "t1"}, nil
}

type allowChecker struct{}

func (allowChecker) Check(context.Context, string, string, string, string) (entitlements.Decision, error) {
	return entitlements.Decision{Allowed: true, TTL: time.Minute}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *connection.Registry) {
	t.Helper()
	catalog, err := topics.NewRegistry([]topics.Topic{
		{Name: "wells.production"},
		{Name: "wells.alerts"},
	})
	require.NoError(t, err)
	gate := connection.NewGate(allowChecker{}, connection.DefaultGateConfig(), slog.Default())
	registry := connection.NewRegistry(connection.Config{}, tokenVerifier{}, gate, subscription.NewIndex(), catalog, nil, slog.Default())
	limits := ratelimit.NewManager(ratelimit.DefaultConfig())
	t.Cleanup(limits.Stop)

	srv := New(Config{CloseGrace: 100 * time.Millisecond}, registry, catalog, limits, slog.Default())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, registry
}

func dial(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/stream?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame map[string]any
	require.NoError(t, ws.ReadJSON(&frame))
	return frame
}

func send(t *testing.T, ws *websocket.Conn, action string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(protocol.ClientFrame{Action: action, Data: raw}))
}

func TestHandshakeEstablishesConnection(t *testing.T) {
	ts, registry := newTestServer(t)
	ws := dial(t, ts, "good")

	frame := readFrame(t, ws)
	assert.Equal(t, protocol.EventConnectionEstablished, frame["type"])
	assert.Equal(t, "u1", frame["user_id"])
	assert.Equal(t, "t1", frame["tenant_id"])
	assert.NotEmpty(t, frame["connection_id"])
	assert.Equal(t, 1, registry.Len())
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	ts, registry := newTestServer(t)
	ws := dial(t, ts, "bad")

	frame := readFrame(t, ws)
	assert.Equal(t, protocol.EventError, frame["type"])
	assert.Equal(t, string(protocol.CodeAuthenticationFailed), frame["error"])
	assert.Equal(t, 0, registry.Len())
}

func TestBatchSubscribeReportsPerTopicFailures(t *testing.T) {
	ts, _ := newTestServer(t)
	ws := dial(t, ts, "good")
	readFrame(t, ws)

	send(t, ws, "subscribe", protocol.SubscribeRequest{
		Topics: []string{"wells.production", "unknown.topic"},
	})

	frame := readFrame(t, ws)
	assert.Equal(t, protocol.EventSubscriptionConfirmed, frame["type"])
	assert.Equal(t, []any{"wells.production"}, frame["topics"])
	failed := frame["failed"].([]any)
	require.Len(t, failed, 1)
	entry := failed[0].(map[string]any)
	assert.Equal(t, "unknown.topic", entry["topic"])
	assert.Equal(t, string(protocol.CodeInvalidTopic), entry["error"])
}

func TestPingPong(t *testing.T) {
	ts, _ := newTestServer(t)
	ws := dial(t, ts, "good")
	readFrame(t, ws)

	send(t, ws, "ping", nil)
	frame := readFrame(t, ws)
	assert.Equal(t, protocol.EventPong, frame["type"])
	assert.NotZero(t, frame["timestamp"])
}

func TestListTopics(t *testing.T) {
	ts, _ := newTestServer(t)
	ws := dial(t, ts, "good")
	readFrame(t, ws)

	send(t, ws, "subscribe", protocol.SubscribeRequest{Topics: []string{"wells.alerts"}})
	readFrame(t, ws)

	send(t, ws, "list_topics", nil)
	frame := readFrame(t, ws)
	assert.Equal(t, protocol.EventTopics, frame["type"])
	assert.ElementsMatch(t, []any{"wells.alerts", "wells.production"}, frame["available_topics"])
	assert.Equal(t, []any{"wells.alerts"}, frame["subscribed_topics"])
}

func TestUnknownActionKeepsSessionAlive(t *testing.T) {
	ts, _ := newTestServer(t)
	ws := dial(t, ts, "good")
	readFrame(t, ws)

	send(t, ws, "teleport", nil)
	frame := readFrame(t, ws)
	assert.Equal(t, protocol.EventError, frame["type"])

	send(t, ws, "ping", nil)
	frame = readFrame(t, ws)
	assert.Equal(t, protocol.EventPong, frame["type"])
}

func TestDeliveryReachesClient(t *testing.T) {
	ts, registry := newTestServer(t)
	ws := dial(t, ts, "good")
	established := readFrame(t, ws)
	connID := established["connection_id"].(string)

	send(t, ws, "subscribe", protocol.SubscribeRequest{Topics: []string{"wells.production"}})
	readFrame(t, ws)

	conn, ok := registry.Get(connID)
	require.True(t, ok)
	require.NoError(t, conn.Enqueue(protocol.Delivery{
		Topic:      "wells.production",
		Payload:    map[string]any{"well_id": "w-1", "rate": 120.5},
		Partition:  2,
		Offset:     7,
		ProducedAt: time.Now(),
	}))

	frame := readFrame(t, ws)
	assert.Equal(t, protocol.EventData, frame["type"])
	assert.Equal(t, "wells.production", frame["topic"])
	data := frame["data"].(map[string]any)
	assert.Equal(t, "w-1", data["well_id"])
	assert.Equal(t, float64(7), frame["offset"])
}

func TestGetStats(t *testing.T) {
	ts, registry := newTestServer(t)
	ws := dial(t, ts, "good")
	established := readFrame(t, ws)
	// A second connection for the same user shows up in both the server
	// snapshot and the per-user count.
	other := dial(t, ts, "good")
	readFrame(t, other)

	send(t, ws, "subscribe", protocol.SubscribeRequest{Topics: []string{"wells.alerts"}})
	readFrame(t, ws)

	send(t, ws, "get_stats", nil)
	frame := readFrame(t, ws)
	assert.Equal(t, protocol.EventStats, frame["type"])

	conn := frame["connection"].(map[string]any)
	assert.Equal(t, established["connection_id"], conn["connection_id"])
	assert.Equal(t, "u1", conn["user_id"])
	assert.Equal(t, "t1", conn["tenant_id"])
	assert.Equal(t, []any{"wells.alerts"}, conn["subscribed_topics"])
	assert.NotZero(t, conn["connected_at"])
	assert.NotZero(t, conn["last_heartbeat"])
	assert.Equal(t, float64(2), conn["user_connections"])
	assert.Equal(t, float64(2), conn["tenant_connections"])

	server := frame["server"].(map[string]any)
	assert.Equal(t, float64(2), server["connections"])
	assert.Equal(t, float64(1), server["subscriptions"])
	assert.Equal(t, float64(registry.Stats().MaxConnections), server["max_connections"])
	assert.Equal(t, float64(2), server["by_protocol"].(map[string]any)["websocket"])
}

func TestServerCloseDeliversCloseFrame(t *testing.T) {
	ts, registry := newTestServer(t)
	ws := dial(t, ts, "good")
	established := readFrame(t, ws)
	connID := established["connection_id"].(string)

	registry.Close(connID, connection.ReasonShutdown)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame map[string]any
	err := ws.ReadJSON(&frame)
	assert.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}
