// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the upstream is considered down.
var ErrCircuitOpen = errors.New("upstream circuit is open")

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the upstream circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failed dials that open the circuit.
	MaxFailures int
	// ResetTimeout is how long the circuit stays open before a trial dial.
	ResetTimeout time.Duration
	// SuccessThreshold is the number of successful trial dials that close it again.
	SuccessThreshold int
}

// Breaker stops dialing an upstream that keeps failing.
type Breaker struct {
	mu              sync.Mutex
	config          BreakerConfig
	state           State
	failures        int
	successes       int
	lastStateChange time.Time
	onStateChange   func(from, to State)
	now             func() time.Time
}

// NewBreaker creates a closed breaker. Zero fields get defaults of 5
// failures, 30s reset and 1 success.
func NewBreaker(config BreakerConfig) *Breaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}

	return &Breaker{
		config:          config,
		state:           StateClosed,
		lastStateChange: time.Now(),
		now:             time.Now,
	}
}

// Do runs dial unless the circuit is open, and records its outcome.
func (b *Breaker) Do(dial func() error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := dial()
	b.record(err)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}
	if b.now().Sub(b.lastStateChange) >= b.config.ResetTimeout {
		b.setState(StateHalfOpen)
		return nil
	}
	return ErrCircuitOpen
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.successes = 0
		if b.state == StateHalfOpen || b.failures >= b.config.MaxFailures {
			b.setState(StateOpen)
		}
		return
	}

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.setState(StateClosed)
		}
	}
}

func (b *Breaker) setState(to State) {
	if b.state == to {
		return
	}

	from := b.state
	b.state = to
	b.lastStateChange = b.now()
	b.successes = 0
	if to == StateClosed {
		b.failures = 0
	}

	if b.onStateChange != nil {
		go b.onStateChange(from, to)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// OnStateChange registers a callback run on every transition.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}
