// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package negotiator

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// BreakerState is the state of the identify circuit breaker.
//
//	CLOSED ──[FailureThreshold failures]──▶ OPEN
//	   ▲                                      │ [OpenTimeout]
//	   └──[SuccessThreshold successes]── HALF_OPEN ◀┘
//	                     any failure in HALF_OPEN reopens
type BreakerState int

const (
	// BreakerClosed lets identify calls through.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects identify calls without contacting the service.
	BreakerOpen

	// BreakerHalfOpen lets calls through to probe for recovery.
	BreakerHalfOpen
)

// String returns the state name.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// ErrBreakerOpen is returned when the flag service is considered down.
var ErrBreakerOpen = errors.New("negotiator: flag service circuit open")

// BreakerConfig configures the identify circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is consecutive failures before opening.
	// Default: 5
	FailureThreshold int

	// SuccessThreshold is consecutive half-open successes before closing.
	// Default: 2
	SuccessThreshold int

	// OpenTimeout is how long to stay open before probing.
	// Default: 30 seconds
	OpenTimeout time.Duration

	// OnStateChange, if set, is called asynchronously on transitions.
	OnStateChange func(from, to BreakerState)
}

// DefaultBreakerConfig returns 5 failures / 2 successes / 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
	}
}

// Breaker stops negotiations from hammering a flag service that keeps
// failing identify calls.
//
// # Thread Safety
//
// Breaker is safe for concurrent use.
type Breaker struct {
	config      BreakerConfig
	state       BreakerState
	failures    int
	successes   int
	lastFailure time.Time
	mu          sync.RWMutex

	// now is the clock. Replaced in tests.
	now func() time.Time
}

// NewBreaker creates a closed breaker. Zero config fields take defaults.
func NewBreaker(config BreakerConfig) *Breaker {
	defaults := DefaultBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = defaults.SuccessThreshold
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = defaults.OpenTimeout
	}
	return &Breaker{config: config, state: BreakerClosed, now: time.Now}
}

// Execute runs fn if the breaker allows it and records the result.
//
// Returns ErrBreakerOpen without calling fn while open.
func (b *Breaker) Execute(fn func() error) error {
	if !b.allow() {
		return ErrBreakerOpen
	}
	err := fn()
	b.record(err)
	return err
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.successes = 0
	b.transition(BreakerClosed)
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if b.now().Sub(b.lastFailure) > b.config.OpenTimeout {
			b.successes = 0
			b.transition(BreakerHalfOpen)
			return true
		}
		return false
	default:
		return false
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.successes = 0
		b.lastFailure = b.now()
		if b.state == BreakerHalfOpen || b.failures >= b.config.FailureThreshold {
			b.transition(BreakerOpen)
		}
		return
	}

	b.successes++
	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		if b.successes >= b.config.SuccessThreshold {
			b.failures = 0
			b.transition(BreakerClosed)
		}
	}
}

// transition changes state. Callers hold b.mu.
func (b *Breaker) transition(to BreakerState) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(from, to)
	}
}
