// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package connection

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/streamflux/auth"
	"github.com/absmach/streamflux/entitlements"
	"github.com/absmach/streamflux/filter"
	"github.com/absmach/streamflux/protocol"
	"github.com/absmach/streamflux/subscription"
	"github.com/absmach/streamflux/topics"
)

type fakeVerifier struct {
	identity auth.Identity
	err      error
}

func (f *fakeVerifier) Verify(_ context.Context, token string) (auth.Identity, error) {
	if f.err != nil {
		return auth.Identity{}, f.err
	}
	if token == "" {
		return auth.Identity{}, auth.ErrVerificationFailed
	}
	return f.identity, nil
}

type fakeChecker struct {
	decision entitlements.Decision
	err      error
	calls    int
}

func (f *fakeChecker) Check(_ context.Context, _, _, _, _ string) (entitlements.Decision, error) {
	f.calls++
	if f.err != nil {
		return entitlements.Decision{}, f.err
	}
	return f.decision, nil
}

func testRegistry(t *testing.T, checker entitlements.Checker, cfg Config) (*Registry, *subscription.Index) {
	t.Helper()
	catalog, err := topics.NewRegistry([]topics.Topic{
		{Name: "wells.production"},
		{Name: "wells.alerts"},
	})
	require.NoError(t, err)
	idx := subscription.NewIndex()
	verifier := &fakeVerifier{identity: auth.Identity{UserID: "u1", TenantID: "t1"}}
	gate := NewGate(checker, DefaultGateConfig(), slog.Default())
	return NewRegistry(cfg, verifier, gate, idx, catalog, nil, slog.Default()), idx
}

func allowAll() *fakeChecker {
	return &fakeChecker{decision: entitlements.Decision{Allowed: true, TTL: time.Minute}}
}

func TestOpenActivatesConnection(t *testing.T) {
	r, _ := testRegistry(t, allowAll(), Config{})

	conn, err := r.Open(context.Background(), ProtocolWebSocket, "tok")
	require.NoError(t, err)
	assert.Equal(t, StateActive, conn.State())
	assert.NotEmpty(t, conn.ID)
	assert.Equal(t, "u1", conn.Identity.UserID)
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, []string{conn.ID}, r.ConnectionsByUser("u1"))
	assert.Equal(t, []string{conn.ID}, r.ConnectionsByTenant("t1"))
}

func TestOpenAuthFailureLeavesNoState(t *testing.T) {
	r, _ := testRegistry(t, allowAll(), Config{})

	_, err := r.Open(context.Background(), ProtocolWebSocket, "")
	require.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Equal(t, 0, r.Len())
}

func TestOpenConnectionLimit(t *testing.T) {
	r, _ := testRegistry(t, allowAll(), Config{MaxConnections: 1})

	_, err := r.Open(context.Background(), ProtocolWebSocket, "tok")
	require.NoError(t, err)
	_, err = r.Open(context.Background(), ProtocolSSE, "tok")
	assert.ErrorIs(t, err, ErrConnectionLimit)
}

func TestSubscribeRegistersInIndex(t *testing.T) {
	r, idx := testRegistry(t, allowAll(), Config{})
	conn, err := r.Open(context.Background(), ProtocolWebSocket, "tok")
	require.NoError(t, err)

	f := filter.Filter{"region": "permian"}
	require.NoError(t, r.Subscribe(context.Background(), conn.ID, "wells.production", f))

	matched := idx.Match("wells.production", map[string]any{"region": "permian"})
	assert.Equal(t, []string{conn.ID}, matched)
	assert.Empty(t, idx.Match("wells.production", map[string]any{"region": "bakken"}))
	assert.Equal(t, []string{"wells.production"}, conn.SubscribedTopics())
}

func TestSubscribeInvalidTopic(t *testing.T) {
	r, idx := testRegistry(t, allowAll(), Config{})
	conn, err := r.Open(context.Background(), ProtocolWebSocket, "tok")
	require.NoError(t, err)

	err = r.Subscribe(context.Background(), conn.ID, "nope", nil)
	assert.ErrorIs(t, err, ErrInvalidTopic)
	assert.Zero(t, idx.Len())
}

func TestSubscribeDeniedMutatesNothing(t *testing.T) {
	checker := &fakeChecker{decision: entitlements.Decision{Allowed: false, TTL: time.Minute}}
	r, idx := testRegistry(t, checker, Config{})
	conn, err := r.Open(context.Background(), ProtocolWebSocket, "tok")
	require.NoError(t, err)

	err = r.Subscribe(context.Background(), conn.ID, "wells.production", nil)
	assert.ErrorIs(t, err, ErrSubscriptionDenied)
	assert.Zero(t, idx.Len())
	assert.Empty(t, conn.SubscribedTopics())
}

func TestSubscribeFailsClosedWhenCheckerUnavailable(t *testing.T) {
	checker := &fakeChecker{err: entitlements.ErrUnavailable}
	r, idx := testRegistry(t, checker, Config{})
	conn, err := r.Open(context.Background(), ProtocolWebSocket, "tok")
	require.NoError(t, err)

	err = r.Subscribe(context.Background(), conn.ID, "wells.production", nil)
	assert.ErrorIs(t, err, ErrSubscriptionDenied)
	assert.Zero(t, idx.Len())
}

type blockingChecker struct {
	enter   chan struct{}
	release chan struct{}
}

func (b *blockingChecker) Check(_ context.Context, _, _, _, _ string) (entitlements.Decision, error) {
	close(b.enter)
	<-b.release
	return entitlements.Decision{Allowed: true, TTL: time.Minute}, nil
}

func TestSubscribeRacingCloseLeavesNoIndexEntry(t *testing.T) {
	checker := &blockingChecker{enter: make(chan struct{}), release: make(chan struct{})}
	r, idx := testRegistry(t, checker, Config{})
	conn, err := r.Open(context.Background(), ProtocolWebSocket, "tok")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- r.Subscribe(context.Background(), conn.ID, "wells.production", nil)
	}()

	// Close the connection while Subscribe is suspended in the entitlement
	// check, then let the check complete.
	<-checker.enter
	r.Close(conn.ID, ReasonClientDisconnect)
	require.Equal(t, StateClosed, conn.State())
	require.Zero(t, idx.Len())
	close(checker.release)

	err = <-done
	assert.ErrorIs(t, err, ErrNotActive)
	assert.Zero(t, idx.Len())
	assert.Empty(t, conn.SubscribedTopics())
}

func TestUnsubscribeIdempotent(t *testing.T) {
	r, idx := testRegistry(t, allowAll(), Config{})
	conn, err := r.Open(context.Background(), ProtocolWebSocket, "tok")
	require.NoError(t, err)
	require.NoError(t, r.Subscribe(context.Background(), conn.ID, "wells.production", nil))

	require.NoError(t, r.Unsubscribe(conn.ID, "wells.production"))
	assert.Zero(t, idx.Len())
	require.NoError(t, r.Unsubscribe(conn.ID, "wells.production"))
	require.NoError(t, r.Unsubscribe(conn.ID, "wells.alerts"))
}

func TestCloseRemovesIndexEntriesSynchronously(t *testing.T) {
	r, idx := testRegistry(t, allowAll(), Config{})
	conn, err := r.Open(context.Background(), ProtocolWebSocket, "tok")
	require.NoError(t, err)
	require.NoError(t, r.Subscribe(context.Background(), conn.ID, "wells.production", nil))
	require.NoError(t, r.Subscribe(context.Background(), conn.ID, "wells.alerts", nil))

	r.Close(conn.ID, ReasonClientDisconnect)

	assert.Zero(t, idx.Len())
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, StateClosed, conn.State())
	assert.Equal(t, ReasonClientDisconnect, conn.CloseReason())

	// Closing again is a no-op and must not change the recorded reason.
	r.Close(conn.ID, ReasonSlowConsumer)
	assert.Equal(t, ReasonClientDisconnect, conn.CloseReason())
}

func TestHeartbeatSweepClosesStaleConnections(t *testing.T) {
	r, _ := testRegistry(t, allowAll(), Config{HeartbeatTimeout: time.Minute})
	conn, err := r.Open(context.Background(), ProtocolWebSocket, "tok")
	require.NoError(t, err)

	r.sweep(time.Now())
	assert.Equal(t, 1, r.Len())

	r.sweep(time.Now().Add(2 * time.Minute))
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, StateClosed, conn.State())
	assert.Equal(t, ReasonHeartbeatTimeout, conn.CloseReason())
}

func TestHeartbeatResetsSweepClock(t *testing.T) {
	r, _ := testRegistry(t, allowAll(), Config{HeartbeatTimeout: time.Minute})
	conn, err := r.Open(context.Background(), ProtocolWebSocket, "tok")
	require.NoError(t, err)

	require.NoError(t, r.Heartbeat(conn.ID))
	r.sweep(conn.LastHeartbeat().Add(30 * time.Second))
	assert.Equal(t, 1, r.Len())
}

func TestEnqueueOverflowDropsNewest(t *testing.T) {
	r, _ := testRegistry(t, allowAll(), Config{QueueSize: 2})
	conn, err := r.Open(context.Background(), ProtocolWebSocket, "tok")
	require.NoError(t, err)

	d := protocol.Delivery{Topic: "wells.production"}
	require.NoError(t, conn.Enqueue(d))
	require.NoError(t, conn.Enqueue(d))
	err = conn.Enqueue(d)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, int64(1), conn.Dropped())
	assert.Equal(t, int64(2), conn.Delivered())
	assert.Positive(t, conn.OverflowedFor())

	// Draining restores capacity and resets the overflow clock.
	<-conn.Outbound()
	require.NoError(t, conn.Enqueue(d))
	assert.Zero(t, conn.OverflowedFor())
}

func TestEnqueueAfterCloseRejected(t *testing.T) {
	r, _ := testRegistry(t, allowAll(), Config{})
	conn, err := r.Open(context.Background(), ProtocolWebSocket, "tok")
	require.NoError(t, err)
	r.Close(conn.ID, ReasonClientDisconnect)

	err = conn.Enqueue(protocol.Delivery{Topic: "wells.production"})
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestStats(t *testing.T) {
	r, _ := testRegistry(t, allowAll(), Config{MaxConnections: 5})
	_, err := r.Open(context.Background(), ProtocolWebSocket, "tok")
	require.NoError(t, err)
	conn, err := r.Open(context.Background(), ProtocolSSE, "tok")
	require.NoError(t, err)
	require.NoError(t, r.Subscribe(context.Background(), conn.ID, "wells.production", nil))

	st := r.Stats()
	assert.Equal(t, 2, st.Connections)
	assert.Equal(t, 5, st.MaxConnections)
	assert.Equal(t, 1, st.ByProtocol["websocket"])
	assert.Equal(t, 1, st.ByProtocol["sse"])
	assert.Equal(t, 1, st.Subscriptions)
	assert.Equal(t, 1, st.Users)
}

func TestShutdownClosesEverything(t *testing.T) {
	r, _ := testRegistry(t, allowAll(), Config{})
	r.Start()
	conn, err := r.Open(context.Background(), ProtocolWebSocket, "tok")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.Shutdown(ctx)

	assert.Equal(t, 0, r.Len())
	assert.Equal(t, StateClosed, conn.State())
	assert.Equal(t, ReasonShutdown, conn.CloseReason())

	_, err = r.Open(context.Background(), ProtocolWebSocket, "tok")
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestGateCachesDecisions(t *testing.T) {
	checker := allowAll()
	gate := NewGate(checker, DefaultGateConfig(), slog.Default())
	id := auth.Identity{UserID: "u1", TenantID: "t1"}

	require.NoError(t, gate.Allow(context.Background(), id, "wells.production"))
	require.NoError(t, gate.Allow(context.Background(), id, "wells.production"))
	assert.Equal(t, 1, checker.calls)

	gate.Invalidate("u1")
	require.NoError(t, gate.Allow(context.Background(), id, "wells.production"))
	assert.Equal(t, 2, checker.calls)
}

func TestGateCachesDenials(t *testing.T) {
	checker := &fakeChecker{decision: entitlements.Decision{Allowed: false, TTL: time.Minute}}
	gate := NewGate(checker, DefaultGateConfig(), slog.Default())
	id := auth.Identity{UserID: "u1", TenantID: "t1"}

	assert.ErrorIs(t, gate.Allow(context.Background(), id, "x"), ErrSubscriptionDenied)
	assert.ErrorIs(t, gate.Allow(context.Background(), id, "x"), ErrSubscriptionDenied)
	assert.Equal(t, 1, checker.calls)
}

func TestGateGraceModeHonorsCachedAllow(t *testing.T) {
	checker := &fakeChecker{decision: entitlements.Decision{Allowed: true, TTL: time.Millisecond}}
	cfg := GateConfig{Mode: ModeGrace, GracePeriod: time.Minute, Action: "subscribe"}
	gate := NewGate(checker, cfg, slog.Default())
	id := auth.Identity{UserID: "u1", TenantID: "t1"}

	require.NoError(t, gate.Allow(context.Background(), id, "x"))
	time.Sleep(5 * time.Millisecond)

	checker.err = entitlements.ErrUnavailable
	assert.NoError(t, gate.Allow(context.Background(), id, "x"))
}

func TestGateStrictModeFailsClosed(t *testing.T) {
	checker := &fakeChecker{decision: entitlements.Decision{Allowed: true, TTL: time.Millisecond}}
	gate := NewGate(checker, DefaultGateConfig(), slog.Default())
	id := auth.Identity{UserID: "u1", TenantID: "t1"}

	require.NoError(t, gate.Allow(context.Background(), id, "x"))
	time.Sleep(5 * time.Millisecond)

	checker.err = errors.New("boom")
	assert.ErrorIs(t, gate.Allow(context.Background(), id, "x"), ErrSubscriptionDenied)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "error", StateError.String())
}
