// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/streamflux/auth"
	"github.com/absmach/streamflux/entitlements"
)

// Mode selects how the gate behaves when the entitlement service cannot be
// reached.
type Mode string

const (
	// ModeStrict denies every subscription the service cannot vouch for.
	ModeStrict Mode = "strict"
	// ModeGrace honors a previously cached allow for up to the grace period
	// past its TTL when the service is unreachable. Denials are never
	// extended.
	ModeGrace Mode = "grace"
)

// GateConfig configures the entitlement gate.
type GateConfig struct {
	Mode        Mode          `yaml:"mode"`
	GracePeriod time.Duration `yaml:"grace_period"`
	Action      string        `yaml:"action"`
}

// DefaultGateConfig returns a strict, fail-closed gate configuration.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		Mode:        ModeStrict,
		GracePeriod: 5 * time.Minute,
		Action:      "subscribe",
	}
}

type gateKey struct {
	userID   string
	tenantID string
	resource string
}

type gateEntry struct {
	allowed   bool
	expiresAt time.Time
}

// Gate caches entitlement decisions per (user, tenant, resource) and
// enforces the fail-closed policy on subscribe.
type Gate struct {
	checker entitlements.Checker
	cfg     GateConfig
	logger  *slog.Logger

	mu    sync.RWMutex
	cache map[gateKey]gateEntry
}

// NewGate creates an entitlement gate backed by the given checker.
func NewGate(checker entitlements.Checker, cfg GateConfig, logger *slog.Logger) *Gate {
	if cfg.Mode != ModeGrace {
		cfg.Mode = ModeStrict
	}
	if cfg.Action == "" {
		cfg.Action = "subscribe"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		checker: checker,
		cfg:     cfg,
		logger:  logger,
		cache:   make(map[gateKey]gateEntry),
	}
}

// Allow returns nil when the identity may subscribe to the resource. Any
// other outcome, including an unreachable entitlement service in strict
// mode, yields an error wrapping ErrSubscriptionDenied.
func (g *Gate) Allow(ctx context.Context, id auth.Identity, resource string) error {
	key := gateKey{userID: id.UserID, tenantID: id.TenantID, resource: resource}
	now := time.Now()

	g.mu.RLock()
	entry, cached := g.cache[key]
	g.mu.RUnlock()

	if cached && now.Before(entry.expiresAt) {
		if entry.allowed {
			return nil
		}
		return fmt.Errorf("cached denial for %s: %w", resource, ErrSubscriptionDenied)
	}

	dec, err := g.checker.Check(ctx, id.UserID, id.TenantID, resource, g.cfg.Action)
	if err != nil {
		if g.cfg.Mode == ModeGrace && cached && entry.allowed &&
			now.Before(entry.expiresAt.Add(g.cfg.GracePeriod)) {
			g.logger.Warn("entitlement service unreachable, honoring cached allow",
				slog.String("user_id", id.UserID),
				slog.String("resource", resource),
				slog.Any("error", err))
			return nil
		}
		return fmt.Errorf("entitlement check: %w: %w", err, ErrSubscriptionDenied)
	}

	g.mu.Lock()
	g.cache[key] = gateEntry{allowed: dec.Allowed, expiresAt: now.Add(dec.TTL)}
	g.mu.Unlock()

	if !dec.Allowed {
		return fmt.Errorf("access to %s denied: %w", resource, ErrSubscriptionDenied)
	}
	return nil
}

// Invalidate drops every cached decision for the given user.
func (g *Gate) Invalidate(userID string) {
	g.mu.Lock()
	for key := range g.cache {
		if key.userID == userID {
			delete(g.cache, key)
		}
	}
	g.mu.Unlock()
}

// CacheLen returns the number of cached decisions.
func (g *Gate) CacheLen() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.cache)
}
