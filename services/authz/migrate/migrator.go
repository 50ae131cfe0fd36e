// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package migrate coordinates live per-zone consistency-mode migrations
// between strong and eventual evaluation, without global downtime.
//
// The state machine per zone is IDLE -> DRAINING -> QUIESCED -> SWITCHING
// -> VALIDATING -> IDLE. A failure at DRAINING, SWITCHING or VALIDATING
// moves to FAILED, rolls back any applied change, and forces the zone back
// to IDLE. Zones migrate fully independently.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianGate/services/authz/store"
)

var tracer = otel.Tracer("authz.migrate")

var (
	migrationsSucceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authz_migrations_succeeded_total",
		Help: "Zone consistency migrations completed successfully",
	})

	migrationsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authz_migrations_failed_total",
		Help: "Zone consistency migrations that failed and rolled back",
	})

	migrationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "authz_migration_duration_seconds",
		Help:    "Wall time of zone consistency migrations",
		Buckets: prometheus.DefBuckets,
	})
)

// State is a zone's position in the migration state machine.
type State int32

const (
	StateIdle State = iota
	StateDraining
	StateQuiesced
	StateSwitching
	StateValidating
	StateFailed
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateDraining:
		return "DRAINING"
	case StateQuiesced:
		return "QUIESCED"
	case StateSwitching:
		return "SWITCHING"
	case StateValidating:
		return "VALIDATING"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Sentinel errors.
var (
	// ErrAlreadyMigrating is returned when the per-zone lock cannot be
	// acquired within the lock timeout.
	ErrAlreadyMigrating = errors.New("zone migration already in progress")

	// ErrSameMode is returned when the target equals the current mode.
	ErrSameMode = errors.New("zone already in target mode")

	// ErrConsensusUnavailable is returned by a ConsensusSwitcher when the
	// consensus layer cannot be reached. The migration logs and proceeds.
	ErrConsensusUnavailable = errors.New("consensus layer unavailable")
)

// ModeValidator decides whether a transition is legal for a zone. An
// unknown zone must fail validation.
type ModeValidator interface {
	ValidateTransition(ctx context.Context, zoneID string, from, to store.Mode) error
}

// ConsensusSwitcher propagates the mode change to the consensus layer.
// ErrConsensusUnavailable (wrapped or bare) is tolerated: the migration
// logs a follow-up and proceeds. Any other error rolls back the persisted
// mode.
type ConsensusSwitcher interface {
	SwitchMode(ctx context.Context, zoneID string, mode store.Mode) error
}

// Drainer waits for in-flight writes to a zone to settle. Best effort:
// the migrator bounds the wait to a fraction of the overall timeout.
type Drainer interface {
	WaitForWrites(ctx context.Context, zoneID string) error
}

// MigrationResult reports a migration outcome. Failures arrive here as a
// structured result, never as a panic.
type MigrationResult struct {
	Success  bool
	ZoneID   string
	FromMode store.Mode
	ToMode   store.Mode
	Duration time.Duration
	Err      error
}

// Options configures the Migrator.
type Options struct {
	// LockTimeout bounds the wait for the per-zone migration lock.
	// Default: 2s.
	LockTimeout time.Duration

	// DrainFraction is the share of the migration timeout spent draining.
	// Default: 0.25.
	DrainFraction float64

	// Drainer is optional; nil skips the drain step.
	Drainer Drainer

	// Consensus is optional; nil skips the consensus step entirely.
	Consensus ConsensusSwitcher
}

// Option is a functional option for configuring the Migrator.
type Option func(*Options)

// WithLockTimeout sets the per-zone lock acquisition timeout.
func WithLockTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.LockTimeout = d
		}
	}
}

// WithDrainer sets the in-flight write drainer.
func WithDrainer(d Drainer) Option {
	return func(o *Options) { o.Drainer = d }
}

// WithConsensus sets the consensus-layer switcher.
func WithConsensus(c ConsensusSwitcher) Option {
	return func(o *Options) { o.Consensus = c }
}

// Migrator runs per-zone consistency migrations.
//
// Thread Safety: Safe for concurrent use. Exactly one migration runs per
// zone (per-zone try-lock); different zones proceed independently. The
// quiesced-set check on the write path is an atomic counter fast path,
// contention-free while no migration is quiescing.
type Migrator struct {
	modes     store.ZoneModeStore
	validator ModeValidator
	options   Options

	// lockMu guards the lazily created per-zone lock channels only; the
	// channels themselves serialize migrations.
	lockMu    sync.Mutex
	zoneLocks map[string]chan struct{}

	// states holds per-zone machine state for observability.
	stateMu sync.RWMutex
	states  map[string]State

	// quiesced is the set of zones currently rejecting writes.
	quiescedMu    sync.RWMutex
	quiesced      map[string]struct{}
	quiescedCount atomic.Int64
}

// New creates a migrator.
func New(modes store.ZoneModeStore, validator ModeValidator, opts ...Option) *Migrator {
	options := Options{
		LockTimeout:   2 * time.Second,
		DrainFraction: 0.25,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Migrator{
		modes:     modes,
		validator: validator,
		options:   options,
		zoneLocks: make(map[string]chan struct{}),
		states:    make(map[string]State),
		quiesced:  make(map[string]struct{}),
	}
}

// IsQuiesced reports whether writes to the zone are currently rejected.
//
// Fast path: a single atomic load while no zone anywhere is quiesced, so
// the write path pays nothing outside migration windows.
func (m *Migrator) IsQuiesced(zoneID string) bool {
	if m.quiescedCount.Load() == 0 {
		return false
	}
	m.quiescedMu.RLock()
	defer m.quiescedMu.RUnlock()
	_, ok := m.quiesced[zoneID]
	return ok
}

// ZoneState returns the zone's current migration state (IDLE when no
// migration has touched it).
func (m *Migrator) ZoneState(zoneID string) State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.states[zoneID]
}

// MigrateZone migrates a zone to the target consistency mode.
//
// Description:
//
//	Runs the full state machine under the per-zone lock: validate the
//	transition, drain in-flight writes (bounded), quiesce the zone,
//	persist the new mode, propagate to the consensus layer (unavailable
//	tolerated, hard error rolls the persisted mode back), validate, then
//	unquiesce and return to IDLE. Unquiesce and the IDLE reset are
//	deferred and run on every exit path.
//
// Inputs:
//
//	zoneID - The zone to migrate.
//	target - The target mode; must differ from the current mode.
//	timeout - Overall bound for the migration.
//
// Outputs:
//
//	MigrationResult - Structured outcome; Err is also recorded inside.
//
// Thread Safety: Safe for concurrent use; concurrent calls for the same
// zone get ErrAlreadyMigrating.
func (m *Migrator) MigrateZone(ctx context.Context, zoneID string, target store.Mode, timeout time.Duration) MigrationResult {
	ctx, span := tracer.Start(ctx, "migrate.MigrateZone")
	defer span.End()
	span.SetAttributes(
		attribute.String("authz.zone", zoneID),
		attribute.String("authz.target_mode", string(target)),
	)

	start := time.Now()
	result := MigrationResult{ZoneID: zoneID, ToMode: target}
	finish := func(r MigrationResult) MigrationResult {
		r.Duration = time.Since(start)
		migrationDuration.Observe(r.Duration.Seconds())
		if r.Success {
			migrationsSucceeded.Inc()
		} else {
			migrationsFailed.Inc()
		}
		return r
	}

	if !m.tryLock(zoneID) {
		result.Err = fmt.Errorf("zone %s: %w", zoneID, ErrAlreadyMigrating)
		return finish(result)
	}
	defer m.unlock(zoneID)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Validate: no state change before this passes.
	current, err := m.modes.ConsistencyMode(ctx, zoneID)
	if err != nil {
		result.Err = fmt.Errorf("reading mode for zone %s: %w", zoneID, err)
		return finish(result)
	}
	result.FromMode = current
	if current == target {
		result.Err = fmt.Errorf("zone %s in mode %s: %w", zoneID, current, ErrSameMode)
		return finish(result)
	}
	if err := m.validator.ValidateTransition(ctx, zoneID, current, target); err != nil {
		result.Err = fmt.Errorf("transition %s->%s rejected for zone %s: %w", current, target, zoneID, err)
		return finish(result)
	}

	// The zone leaves IDLE only now; whatever happens next, it returns.
	defer m.setState(zoneID, StateIdle)

	// Drain: best effort, bounded to a fraction of the overall timeout.
	m.setState(zoneID, StateDraining)
	if m.options.Drainer != nil {
		drainCtx, drainCancel := context.WithTimeout(ctx, m.drainBudget(timeout))
		err := m.options.Drainer.WaitForWrites(drainCtx, zoneID)
		drainCancel()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			m.setState(zoneID, StateFailed)
			result.Err = fmt.Errorf("draining zone %s: %w", zoneID, err)
			return finish(result)
		}
	}

	// Quiesce: reject writes until the deferred unquiesce, which runs on
	// every exit path below.
	m.setState(zoneID, StateQuiesced)
	m.quiesce(zoneID)
	defer m.unquiesce(zoneID)

	// Switch: persist the new mode in its own transaction.
	m.setState(zoneID, StateSwitching)
	if err := m.modes.SetConsistencyMode(ctx, zoneID, target); err != nil {
		m.setState(zoneID, StateFailed)
		result.Err = fmt.Errorf("persisting mode %s for zone %s: %w", target, zoneID, err)
		return finish(result)
	}

	// Consensus: unavailable is tolerated, a hard error rolls back.
	if m.options.Consensus != nil {
		err := m.options.Consensus.SwitchMode(ctx, zoneID, target)
		switch {
		case errors.Is(err, ErrConsensusUnavailable):
			slog.Warn("consensus layer unavailable, proceeding with follow-up required",
				"zone", zoneID, "mode", target)
		case err != nil:
			m.setState(zoneID, StateFailed)
			result.Err = m.rollback(ctx, zoneID, current,
				fmt.Errorf("consensus switch for zone %s: %w", zoneID, err))
			return finish(result)
		}
	}

	// Validate: the persisted mode must read back as the target.
	m.setState(zoneID, StateValidating)
	readBack, err := m.modes.ConsistencyMode(ctx, zoneID)
	if err != nil || readBack != target {
		m.setState(zoneID, StateFailed)
		if err == nil {
			err = fmt.Errorf("mode read back as %s, want %s", readBack, target)
		}
		result.Err = m.rollback(ctx, zoneID, current,
			fmt.Errorf("validating zone %s: %w", zoneID, err))
		return finish(result)
	}

	slog.Info("zone consistency mode migrated",
		"zone", zoneID, "from", current, "to", target, "duration", time.Since(start))
	result.Success = true
	return finish(result)
}

// rollback reverts the persisted mode after a post-switch failure. The
// rollback uses a detached context: the migration deadline may already be
// spent, and leaving the zone in the half-switched mode is worse than a
// late revert.
func (m *Migrator) rollback(ctx context.Context, zoneID string, previous store.Mode, cause error) error {
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.modes.SetConsistencyMode(rbCtx, zoneID, previous); err != nil {
		slog.Error("mode rollback failed, zone left inconsistent",
			"zone", zoneID, "mode", previous, "cause", cause, "error", err)
		return fmt.Errorf("%w (rollback to %s also failed: %v)", cause, previous, err)
	}
	slog.Warn("migration rolled back", "zone", zoneID, "restored_mode", previous, "cause", cause)
	return cause
}

func (m *Migrator) drainBudget(timeout time.Duration) time.Duration {
	fraction := m.options.DrainFraction
	if fraction <= 0 || fraction >= 1 {
		fraction = 0.25
	}
	return time.Duration(float64(timeout) * fraction)
}

// tryLock acquires the zone's migration lock within LockTimeout.
func (m *Migrator) tryLock(zoneID string) bool {
	m.lockMu.Lock()
	lock, ok := m.zoneLocks[zoneID]
	if !ok {
		lock = make(chan struct{}, 1)
		m.zoneLocks[zoneID] = lock
	}
	m.lockMu.Unlock()

	timer := time.NewTimer(m.options.LockTimeout)
	defer timer.Stop()
	select {
	case lock <- struct{}{}:
		return true
	case <-timer.C:
		return false
	}
}

func (m *Migrator) unlock(zoneID string) {
	m.lockMu.Lock()
	lock := m.zoneLocks[zoneID]
	m.lockMu.Unlock()
	<-lock
}

func (m *Migrator) setState(zoneID string, state State) {
	m.stateMu.Lock()
	if state == StateIdle {
		delete(m.states, zoneID)
	} else {
		m.states[zoneID] = state
	}
	m.stateMu.Unlock()
}

func (m *Migrator) quiesce(zoneID string) {
	m.quiescedMu.Lock()
	if _, ok := m.quiesced[zoneID]; !ok {
		m.quiesced[zoneID] = struct{}{}
		m.quiescedCount.Add(1)
	}
	m.quiescedMu.Unlock()
}

func (m *Migrator) unquiesce(zoneID string) {
	m.quiescedMu.Lock()
	if _, ok := m.quiesced[zoneID]; ok {
		delete(m.quiesced, zoneID)
		m.quiescedCount.Add(-1)
	}
	m.quiescedMu.Unlock()
}
