// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package breaker implements the circuit breaker guarding calls into the
// durable tuple store. One breaker instance protects one resource.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// State represents the state of a circuit breaker.
type State int32

const (
	// StateClosed allows requests through normally.
	StateClosed State = iota

	// StateOpen rejects all requests immediately.
	StateOpen

	// StateHalfOpen allows probe requests to test recovery.
	StateHalfOpen
)

// String returns the human-readable name for the circuit state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned by Do while the circuit is open. Callers see
// it without any attempt to reach the protected resource.
var ErrCircuitOpen = errors.New("circuit open")

// Classifier decides whether an error counts toward tripping the circuit.
//
// Only infrastructure failures (connection loss, timeout, I/O error) should
// return true. Business-logic failures such as a not-found result must
// return false: they are re-raised untouched and never counted.
type Classifier func(error) bool

// Config configures the circuit breaker behavior.
type Config struct {
	// FailureThreshold is the number of infrastructure failures within
	// FailureWindow before opening. Default: 5.
	FailureThreshold int

	// FailureWindow is the sliding window over which failures are
	// counted. Default: 30s.
	FailureWindow time.Duration

	// ResetTimeout is how long the circuit stays open before reads
	// observe it as half-open. Default: 30s.
	ResetTimeout time.Duration

	// SuccessThreshold is the number of consecutive successes in
	// half-open required to close. Default: 2.
	SuccessThreshold int

	// IsInfraFailure classifies errors. Nil counts every error.
	IsInfraFailure Classifier
}

// DefaultConfig returns sensible defaults for the circuit breaker.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureWindow:    30 * time.Second,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 2,
	}
}

// Breaker implements the circuit breaker pattern for fault tolerance.
//
// The circuit has three states:
//   - Closed: normal operation, requests pass through
//   - Open: failure threshold exceeded within the window, requests are
//     rejected immediately
//   - Half-Open: reset timeout elapsed, probes allowed; one failure
//     reopens, SuccessThreshold consecutive successes close
//
// Thread Safety: Safe for concurrent use. State reads on the hot path are
// a single atomic load; only state transitions and failure bookkeeping
// take the mutex.
type Breaker struct {
	name   string
	config Config

	state atomic.Int32

	mu                   sync.Mutex
	failureTimes         []time.Time
	consecutiveSuccesses int
	lastFailure          time.Time
	openedAt             time.Time
	lastStateChange      time.Time
}

// New creates a circuit breaker in the closed state. The name appears in
// logs and stats.
func New(name string, config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.FailureWindow <= 0 {
		config.FailureWindow = DefaultConfig().FailureWindow
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = DefaultConfig().ResetTimeout
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	b := &Breaker{
		name:            name,
		config:          config,
		lastStateChange: time.Now(),
	}
	b.state.Store(int32(StateClosed))
	return b
}

// State returns the current circuit state. Lock-free: a circuit that has
// been open longer than ResetTimeout is observed as half-open.
func (b *Breaker) State() State {
	s := State(b.state.Load())
	if s == StateOpen {
		b.mu.Lock()
		openedAt := b.openedAt
		b.mu.Unlock()
		if time.Since(openedAt) >= b.config.ResetTimeout {
			return StateHalfOpen
		}
	}
	return s
}

// Do executes op under circuit protection.
//
// Description:
//
//	While the circuit is open, Do returns ErrCircuitOpen without invoking
//	op. In half-open state the call is allowed through as a probe. Errors
//	classified as infrastructure failures count toward the sliding-window
//	threshold; all other errors pass through untouched and uncounted.
//
// Inputs:
//
//	ctx - Context for cancellation. Checked before invoking op.
//	op - The protected operation.
//
// Outputs:
//
//	error - ErrCircuitOpen, ctx.Err(), or op's error unchanged.
func (b *Breaker) Do(ctx context.Context, op func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	switch b.State() {
	case StateOpen:
		return fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
	case StateHalfOpen:
		// Commit the half-open observation so success/failure accounting
		// below runs against the half-open state.
		b.transitionIfOpen(StateHalfOpen)
	}

	err := op(ctx)
	if err == nil {
		b.recordSuccess()
		return nil
	}

	if b.config.IsInfraFailure == nil || b.config.IsInfraFailure(err) {
		b.recordFailure()
	}
	return err
}

// recordSuccess records a successful probe or call.
func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch State(b.state.Load()) {
	case StateClosed:
		// Successes in the closed state do not clear the window; the
		// window prunes itself by time.
	case StateHalfOpen:
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.config.SuccessThreshold {
			b.transitionLocked(StateClosed)
			b.failureTimes = b.failureTimes[:0]
			slog.Info("circuit closed after recovery",
				"breaker", b.name,
				"successes", b.consecutiveSuccesses)
		}
	}
}

// recordFailure records an infrastructure failure.
func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.lastFailure = now

	switch State(b.state.Load()) {
	case StateClosed:
		b.failureTimes = append(b.failureTimes, now)
		b.pruneWindowLocked(now)
		if len(b.failureTimes) >= b.config.FailureThreshold {
			b.transitionLocked(StateOpen)
			b.openedAt = now
			slog.Warn("circuit opened",
				"breaker", b.name,
				"failures", len(b.failureTimes),
				"window", b.config.FailureWindow)
		}
	case StateHalfOpen:
		// Any failure in half-open reopens immediately.
		b.transitionLocked(StateOpen)
		b.openedAt = now
		slog.Warn("circuit reopened by half-open probe failure",
			"breaker", b.name)
	}
}

// transitionIfOpen moves an open circuit whose reset timeout elapsed into
// the half-open state. No-op otherwise.
func (b *Breaker) transitionIfOpen(to State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if State(b.state.Load()) == StateOpen && time.Since(b.openedAt) >= b.config.ResetTimeout {
		b.transitionLocked(to)
	}
}

// transitionLocked changes state. Must hold mu.
func (b *Breaker) transitionLocked(to State) {
	b.state.Store(int32(to))
	b.lastStateChange = time.Now()
	b.consecutiveSuccesses = 0
}

// pruneWindowLocked drops failures older than the window. Must hold mu.
func (b *Breaker) pruneWindowLocked(now time.Time) {
	cutoff := now.Add(-b.config.FailureWindow)
	idx := 0
	for idx < len(b.failureTimes) && b.failureTimes[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		b.failureTimes = append(b.failureTimes[:0], b.failureTimes[idx:]...)
	}
}

// Reset forces the breaker back to closed. For tests and manual
// intervention.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(StateClosed)
	b.failureTimes = b.failureTimes[:0]
}

// Stats contains circuit breaker statistics.
type Stats struct {
	Name            string
	State           State
	WindowFailures  int
	LastFailure     time.Time
	LastStateChange time.Time
}

// Stats returns a snapshot of the breaker.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:            b.name,
		State:           State(b.state.Load()),
		WindowFailures:  len(b.failureTimes),
		LastFailure:     b.lastFailure,
		LastStateChange: b.lastStateChange,
	}
}
