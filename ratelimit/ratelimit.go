// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit implements admission control for the streaming core:
// per-IP token buckets gating connection establishment (checked before any
// authentication work), per-connection buckets gating inbound control
// messages, and per-connection buckets throttling outbound delivery drain.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPRateLimiter limits connection attempts per source IP. It is consulted
// before the handshake is upgraded, which makes rejection the cheapest
// possible outcome for abusive sources.
type IPRateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*ipEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates a per-IP limiter. r is connection attempts per
// second, burst the burst allowance.
func NewIPRateLimiter(r float64, burst int, cleanupInterval time.Duration) *IPRateLimiter {
	l := &IPRateLimiter{
		limiters: make(map[string]*ipEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a connection from addr may proceed.
func (l *IPRateLimiter) Allow(addr net.Addr) bool {
	ip := extractIP(addr)
	if ip == "" {
		return true // Allow if we can't extract IP
	}

	l.mu.Lock()
	entry, exists := l.limiters[ip]
	if !exists {
		entry = &ipEntry{
			limiter:  rate.NewLimiter(l.rate, l.burst),
			lastSeen: time.Now(),
		}
		l.limiters[ip] = entry
	} else {
		entry.lastSeen = time.Now()
	}
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

func (l *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.removeStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *IPRateLimiter) removeStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := time.Now().Add(-l.cleanup * 2)
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, ip)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *IPRateLimiter) Stop() {
	close(l.stopCh)
}

// ConnectionRateLimiter limits individual connections: control-message rate
// on the inbound side and delivery rate on the outbound side.
type ConnectionRateLimiter struct {
	mu               sync.RWMutex
	controlLimiters  map[string]*rate.Limiter
	deliveryLimiters map[string]*rate.Limiter
	controlRate      rate.Limit
	controlBurst     int
	deliveryRate     rate.Limit
	deliveryBurst    int
}

// NewConnectionRateLimiter creates a per-connection limiter set.
func NewConnectionRateLimiter(controlRate float64, controlBurst int, deliveryRate float64, deliveryBurst int) *ConnectionRateLimiter {
	return &ConnectionRateLimiter{
		controlLimiters:  make(map[string]*rate.Limiter),
		deliveryLimiters: make(map[string]*rate.Limiter),
		controlRate:      rate.Limit(controlRate),
		controlBurst:     controlBurst,
		deliveryRate:     rate.Limit(deliveryRate),
		deliveryBurst:    deliveryBurst,
	}
}

// AllowControl reports whether an inbound control message from the connection
// is within its budget.
func (l *ConnectionRateLimiter) AllowControl(connID string) bool {
	l.mu.Lock()
	limiter, exists := l.controlLimiters[connID]
	if !exists {
		limiter = rate.NewLimiter(l.controlRate, l.controlBurst)
		l.controlLimiters[connID] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// DeliveryLimiter returns the outbound limiter for connID, creating it on
// first use. Drain loops call Wait on it so outbound throttling turns into
// queue backpressure rather than silent drops.
func (l *ConnectionRateLimiter) DeliveryLimiter(connID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.deliveryLimiters[connID]
	if !exists {
		limiter = rate.NewLimiter(l.deliveryRate, l.deliveryBurst)
		l.deliveryLimiters[connID] = limiter
	}
	return limiter
}

// RemoveConnection discards limiter state for a closed connection.
func (l *ConnectionRateLimiter) RemoveConnection(connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.controlLimiters, connID)
	delete(l.deliveryLimiters, connID)
}

// extractIP extracts the IP address from a net.Addr.
func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	Connection ConnectionConfig `yaml:"connection"`
	Control    ControlConfig    `yaml:"control"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
}

// ConnectionConfig holds per-IP connection establishment limits.
type ConnectionConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"`             // connection attempts per second per IP
	Burst           int           `yaml:"burst"`            // burst allowance
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // cleanup interval for stale entries
}

// ControlConfig holds per-connection inbound control message limits.
type ControlConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // control messages per second per connection
	Burst   int     `yaml:"burst"` // burst allowance
}

// DeliveryConfig holds per-connection outbound delivery limits.
type DeliveryConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // deliveries per second per connection
	Burst   int     `yaml:"burst"` // burst allowance
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Connection: ConnectionConfig{
			Enabled:         true,
			Rate:            30.0 / 60.0, // 30 connection attempts per minute per IP
			Burst:           50,
			CleanupInterval: 5 * time.Minute,
		},
		Control: ControlConfig{
			Enabled: true,
			Rate:    10, // 10 control messages per second per connection
			Burst:   20,
		},
		Delivery: DeliveryConfig{
			Enabled: true,
			Rate:    1000.0 / 60.0, // 1000 deliveries per minute per connection
			Burst:   100,
		},
	}
}

// Manager coordinates all rate limiters.
type Manager struct {
	config   Config
	ip       *IPRateLimiter
	conn     *ConnectionRateLimiter
	disabled bool
}

// NewManager creates a rate limit manager from config.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{disabled: true, config: cfg}
	}

	var ip *IPRateLimiter
	var conn *ConnectionRateLimiter

	if cfg.Connection.Enabled {
		ip = NewIPRateLimiter(cfg.Connection.Rate, cfg.Connection.Burst, cfg.Connection.CleanupInterval)
	}

	if cfg.Control.Enabled || cfg.Delivery.Enabled {
		conn = NewConnectionRateLimiter(
			cfg.Control.Rate,
			cfg.Control.Burst,
			cfg.Delivery.Rate,
			cfg.Delivery.Burst,
		)
	}

	return &Manager{
		config: cfg,
		ip:     ip,
		conn:   conn,
	}
}

// AllowConnection checks if a new connection from addr is allowed.
func (m *Manager) AllowConnection(addr net.Addr) bool {
	if m.disabled || m.ip == nil || !m.config.Connection.Enabled {
		return true
	}
	return m.ip.Allow(addr)
}

// AllowControl checks if a control message from the connection is allowed.
func (m *Manager) AllowControl(connID string) bool {
	if m.disabled || m.conn == nil || !m.config.Control.Enabled {
		return true
	}
	return m.conn.AllowControl(connID)
}

// DeliveryLimiter returns the outbound limiter for connID, or nil when
// delivery limiting is disabled.
func (m *Manager) DeliveryLimiter(connID string) *rate.Limiter {
	if m.disabled || m.conn == nil || !m.config.Delivery.Enabled {
		return nil
	}
	return m.conn.DeliveryLimiter(connID)
}

// OnConnectionClosed cleans up limiter state for a closed connection.
func (m *Manager) OnConnectionClosed(connID string) {
	if m.disabled || m.conn == nil {
		return
	}
	m.conn.RemoveConnection(connID)
}

// Stop stops the rate limit manager and cleans up resources.
func (m *Manager) Stop() {
	if m.ip != nil {
		m.ip.Stop()
	}
}
