// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package auth is the client for the external token verification service.
// The core never inspects token signatures itself; it hands the raw token to
// the Auth service and binds the returned identity to the connection. Failure
// of any kind is fail-closed: no identity, no connection.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// ErrVerificationFailed is returned when the Auth service rejects the token
// or cannot be reached within the verify timeout.
var ErrVerificationFailed = errors.New("token verification failed")

// Identity is the verified principal bound to a connection. Immutable after
// authentication.
type Identity struct {
	UserID   string   `json:"user_id"`
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
}

// Verifier abstracts the external Auth service for the connection registry.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// Config holds Auth client settings.
type Config struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the default Auth client configuration.
func DefaultConfig() Config {
	return Config{
		URL:     "http://localhost:8010",
		Timeout: 5 * time.Second,
	}
}

// Client calls the Auth service over HTTP.
type Client struct {
	baseURL string
	timeout time.Duration
	httpc   *http.Client
	logger  *slog.Logger
}

// NewClient creates an Auth client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: cfg.URL,
		timeout: timeout,
		httpc:   &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type verifyRequest struct {
	Token string `json:"token"`
}

type verifyResponse struct {
	Valid    bool     `json:"valid"`
	UserInfo Identity `json:"user_info"`
	Error    string   `json:"error,omitempty"`
}

// Verify hands the token to the Auth service. The call is bounded by the
// configured timeout; a timeout or transport error yields
// ErrVerificationFailed, never an open connection.
func (c *Client) Verify(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, fmt.Errorf("empty token: %w", ErrVerificationFailed)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(verifyRequest{Token: token})
	if err != nil {
		return Identity{}, fmt.Errorf("encode verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/verify", bytes.NewReader(body))
	if err != nil {
		return Identity{}, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		c.logger.Error("auth_verify_unreachable", slog.String("error", err.Error()))
		return Identity{}, fmt.Errorf("auth service unreachable: %w", ErrVerificationFailed)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("auth_verify_rejected", slog.Int("status", resp.StatusCode))
		return Identity{}, fmt.Errorf("auth service returned %d: %w", resp.StatusCode, ErrVerificationFailed)
	}

	var vr verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return Identity{}, fmt.Errorf("decode verify response: %w", ErrVerificationFailed)
	}
	if !vr.Valid || vr.UserInfo.UserID == "" {
		return Identity{}, ErrVerificationFailed
	}

	return vr.UserInfo, nil
}
