// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides the token bucket limits applied to upgrades and
// stream creation.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config describes one token bucket.
type Config struct {
	// Rate is the number of tokens added per second. Zero disables the limit.
	Rate float64
	// Burst is the bucket capacity. Values below 1 are raised to 1.
	Burst int
}

// Enabled reports whether the configuration limits anything.
func (c Config) Enabled() bool {
	return c.Rate > 0
}

func (c Config) limiter() *rate.Limiter {
	burst := c.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(c.Rate), burst)
}

// NewStreamLimiter returns the per-session CONNECT limiter, or nil when the
// configuration is disabled.
func NewStreamLimiter(c Config) *rate.Limiter {
	if !c.Enabled() {
		return nil
	}
	return c.limiter()
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per key, typically the client IP.
type Limiter struct {
	mu         sync.Mutex
	config     Config
	limiters   map[string]*entry
	maxClients int
	idle       time.Duration
	now        func() time.Time
}

// NewLimiter creates a keyed limiter. New keys are refused once maxClients
// buckets are tracked; buckets unused for idle are evicted by Cleanup.
func NewLimiter(c Config, maxClients int, idle time.Duration) *Limiter {
	if maxClients <= 0 {
		maxClients = 10000
	}
	if idle <= 0 {
		idle = 5 * time.Minute
	}

	return &Limiter{
		config:     c,
		limiters:   make(map[string]*entry),
		maxClients: maxClients,
		idle:       idle,
		now:        time.Now,
	}
}

// Allow consumes one token from key's bucket.
func (l *Limiter) Allow(key string) bool {
	if !l.config.Enabled() {
		return true
	}

	l.mu.Lock()
	e, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= l.maxClients {
			l.mu.Unlock()
			return false
		}
		e = &entry{limiter: l.config.limiter()}
		l.limiters[key] = e
	}
	now := l.now()
	e.lastSeen = now
	l.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

// Cleanup evicts idle buckets and returns how many were removed.
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.idle)
	removed := 0
	for k, e := range l.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(l.limiters, k)
			removed++
		}
	}
	return removed
}

// Clients returns the number of tracked keys.
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
