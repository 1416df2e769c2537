// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package entitlements is the client for the external topic authorization
// service. A circuit breaker wraps the HTTP call so a dead Entitlements
// service degrades to fast local denials instead of per-subscribe timeouts;
// the caching gate in the connection registry decides whether stale allow
// decisions may bridge an outage.
package entitlements

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// ErrUnavailable is returned when the Entitlements service cannot produce a
// decision: transport failure, timeout, open circuit breaker or a non-2xx
// response. Callers must treat it as deny unless grace mode applies.
var ErrUnavailable = errors.New("entitlements service unavailable")

// Decision is the outcome of one entitlement check.
type Decision struct {
	Allowed bool
	TTL     time.Duration
}

// Checker abstracts the external Entitlements service for the gate.
type Checker interface {
	Check(ctx context.Context, userID, tenantID, resource, action string) (Decision, error)
}

// Config holds Entitlements client settings.
type Config struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`

	// Breaker trips after this many consecutive failures and probes again
	// after ResetTimeout.
	BreakerThreshold    int           `yaml:"breaker_threshold"`
	BreakerResetTimeout time.Duration `yaml:"breaker_reset_timeout"`
}

// DefaultConfig returns the default Entitlements client configuration.
func DefaultConfig() Config {
	return Config{
		URL:                 "http://localhost:8011",
		Timeout:             5 * time.Second,
		BreakerThreshold:    3,
		BreakerResetTimeout: 30 * time.Second,
	}
}

// Client calls the Entitlements service over HTTP behind a circuit breaker.
type Client struct {
	baseURL string
	timeout time.Duration
	httpc   *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewClient creates an Entitlements client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	threshold := cfg.BreakerThreshold
	if threshold <= 0 {
		threshold = 3
	}
	resetTimeout := cfg.BreakerResetTimeout
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "entitlements",
		MaxRequests: 1,
		Timeout:     resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("entitlements_breaker_state_changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return &Client{
		baseURL: cfg.URL,
		timeout: timeout,
		httpc:   &http.Client{Timeout: timeout},
		breaker: breaker,
		logger:  logger,
	}
}

type checkRequest struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

type checkResponse struct {
	Allowed    bool   `json:"allowed"`
	TTLSeconds int    `json:"ttl_seconds"`
	Reason     string `json:"reason,omitempty"`
}

// Check asks the Entitlements service whether (user, tenant) may perform
// action on resource. An explicit deny is a valid decision, not an error;
// ErrUnavailable means no decision could be made.
func (c *Client) Check(ctx context.Context, userID, tenantID, resource, action string) (Decision, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		return c.doCheck(ctx, userID, tenantID, resource, action)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Decision{}, fmt.Errorf("circuit open: %w", ErrUnavailable)
		}
		return Decision{}, err
	}
	return result.(Decision), nil
}

func (c *Client) doCheck(ctx context.Context, userID, tenantID, resource, action string) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(checkRequest{
		UserID:   userID,
		TenantID: tenantID,
		Resource: resource,
		Action:   action,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("encode check request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/entitlements/check", bytes.NewReader(body))
	if err != nil {
		return Decision{}, fmt.Errorf("build check request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		c.logger.Error("entitlements_unreachable", slog.String("error", err.Error()))
		return Decision{}, fmt.Errorf("%s: %w", err, ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("entitlements_error", slog.Int("status", resp.StatusCode))
		return Decision{}, fmt.Errorf("status %d: %w", resp.StatusCode, ErrUnavailable)
	}

	var cr checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return Decision{}, fmt.Errorf("decode check response: %w", ErrUnavailable)
	}

	ttl := time.Duration(cr.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return Decision{Allowed: cr.Allowed, TTL: ttl}, nil
}
