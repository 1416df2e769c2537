// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/streamflux/auth"
	"github.com/absmach/streamflux/connection"
	"github.com/absmach/streamflux/entitlements"
	"github.com/absmach/streamflux/subscription"
	"github.com/absmach/streamflux/topics"
)

type staticVerifier struct{}

func (staticVerifier) Verify(context.Context, string) (auth.Identity, error) {
	return auth.Identity{UserID: "u1", TenantID: "t1"}, nil
}

type allowChecker struct{}

func (allowChecker) Check(context.Context, string, string, string, string) (entitlements.Decision, error) {
	return entitlements.Decision{Allowed: true, TTL: time.Minute}, nil
}

func newTestServer(t *testing.T) (*Server, *connection.Registry) {
	t.Helper()
	catalog, err := topics.NewRegistry([]topics.Topic{{Name: "wells.production"}})
	require.NoError(t, err)
	gate := connection.NewGate(allowChecker{}, connection.DefaultGateConfig(), slog.Default())
	registry := connection.NewRegistry(connection.Config{}, staticVerifier{}, gate, subscription.NewIndex(), catalog, nil, slog.Default())
	return New(Config{}, registry, catalog, slog.Default()), registry
}

func TestHealthAlwaysHealthy(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
}

func TestReadyGatedOnConsumer(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	srv.SetReady(true)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	srv.SetReady(false)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatsSnapshot(t *testing.T) {
	srv, registry := newTestServer(t)
	_, err := registry.Open(context.Background(), connection.ProtocolWebSocket, "tok")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Connections)
	assert.Equal(t, []string{"wells.production"}, resp.Topics)
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
