// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"sync"
	"time"

	"github.com/absmach/fluxrule/core"
	"golang.org/x/time/rate"
)

// Limit is a token bucket setting.
type Limit struct {
	Rate  float64 `yaml:"rate"`  // messages per second
	Burst int     `yaml:"burst"` // burst allowance
}

// EntityRateLimiter keeps one token bucket per entity. Buckets not used for
// twice the cleanup interval are dropped.
type EntityRateLimiter struct {
	mu        sync.Mutex
	limiters  map[core.EntityID]*entry
	overrides map[core.EntityID]Limit
	def       Limit
	cleanup   time.Duration
	stopCh    chan struct{}
	stopOnce  sync.Once
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewEntityRateLimiter creates a limiter applying def to every entity.
func NewEntityRateLimiter(def Limit, cleanupInterval time.Duration) *EntityRateLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	l := &EntityRateLimiter{
		limiters:  make(map[core.EntityID]*entry),
		overrides: make(map[core.EntityID]Limit),
		def:       def,
		cleanup:   cleanupInterval,
		stopCh:    make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// SetLimit overrides the default limit of id.
func (l *EntityRateLimiter) SetLimit(id core.EntityID, lim Limit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.overrides[id] = lim
	if e, ok := l.limiters[id]; ok {
		e.limiter.SetLimit(rate.Limit(lim.Rate))
		e.limiter.SetBurst(lim.Burst)
	}
}

// Allow reports whether one more message of id is allowed now.
func (l *EntityRateLimiter) Allow(id core.EntityID) bool {
	now := time.Now()

	l.mu.Lock()
	e, ok := l.limiters[id]
	if !ok {
		lim, ok := l.overrides[id]
		if !ok {
			lim = l.def
		}
		e = &entry{limiter: rate.NewLimiter(rate.Limit(lim.Rate), lim.Burst)}
		l.limiters[id] = e
	}
	e.lastSeen = now
	limiter := e.limiter
	l.mu.Unlock()

	return limiter.AllowN(now, 1)
}

// Len returns the number of tracked entities.
func (l *EntityRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *EntityRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanupStale(time.Now())
		case <-l.stopCh:
			return
		}
	}
}

func (l *EntityRateLimiter) cleanupStale(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := now.Add(-l.cleanup * 2)
	for id, e := range l.limiters {
		if e.lastSeen.Before(threshold) {
			delete(l.limiters, id)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *EntityRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled         bool          `yaml:"enabled"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	Tenant TenantConfig `yaml:"tenant"`
	Device DeviceConfig `yaml:"device"`
}

// TenantConfig limits rule engine messages per tenant.
type TenantConfig struct {
	Enabled bool  `yaml:"enabled"`
	Limit   Limit `yaml:",inline"`

	// Overrides maps a tenant uuid to its own limit.
	Overrides map[string]Limit `yaml:"overrides"`
}

// DeviceConfig limits device messages per device.
type DeviceConfig struct {
	Enabled bool  `yaml:"enabled"`
	Limit   Limit `yaml:",inline"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:         false,
		CleanupInterval: 5 * time.Minute,
		Tenant: TenantConfig{
			Enabled: true,
			Limit:   Limit{Rate: 1000, Burst: 1000},
		},
		Device: DeviceConfig{
			Enabled: true,
			Limit:   Limit{Rate: 100, Burst: 200},
		},
	}
}

// Manager coordinates the tenant and device limiters.
type Manager struct {
	tenant   *EntityRateLimiter
	device   *EntityRateLimiter
	disabled bool
}

// NewManager creates a rate limit manager. Tenant overrides with an invalid
// uuid are ignored.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{disabled: true}
	}

	m := &Manager{}
	if cfg.Tenant.Enabled {
		m.tenant = NewEntityRateLimiter(cfg.Tenant.Limit, cfg.CleanupInterval)
		for id, lim := range cfg.Tenant.Overrides {
			tid, err := core.ParseEntityID(core.EntityTenant, id)
			if err != nil {
				continue
			}
			m.tenant.SetLimit(tid, lim)
		}
	}
	if cfg.Device.Enabled {
		m.device = NewEntityRateLimiter(cfg.Device.Limit, cfg.CleanupInterval)
	}
	return m
}

// AllowTenant checks whether a rule engine message of tenant is allowed.
func (m *Manager) AllowTenant(tenant core.EntityID) bool {
	if m == nil || m.disabled || m.tenant == nil {
		return true
	}
	return m.tenant.Allow(tenant)
}

// AllowDevice checks whether a message of device is allowed.
func (m *Manager) AllowDevice(device core.EntityID) bool {
	if m == nil || m.disabled || m.device == nil {
		return true
	}
	return m.device.Allow(device)
}

// Stop stops all cleanup goroutines.
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	if m.tenant != nil {
		m.tenant.Stop()
	}
	if m.device != nil {
		m.device.Stop()
	}
}
