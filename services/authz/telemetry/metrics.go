// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry provides the OTel metrics surface for the
// authorization engine. Per-package Prometheus collectors cover internal
// tuning counters; this package holds the service-level instruments
// exported through the OTel pipeline.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics contains pre-defined metrics for the authorization engine.
//
// Description:
//
//	Provides standard counters, histograms, and gauges for permission
//	checks, tuple writes, directory expansion, and zone migrations.
//	All metrics use the "authz_" prefix for consistent naming.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// --- Check Metrics ---

	// ChecksTotal counts permission checks by decision and cache tier.
	ChecksTotal metric.Int64Counter

	// CheckDuration records permission check duration in seconds.
	CheckDuration metric.Float64Histogram

	// ActiveChecks tracks currently in-flight permission checks.
	ActiveChecks metric.Int64UpDownCounter

	// --- Write Metrics ---

	// TupleWritesTotal counts tuple writes by outcome.
	TupleWritesTotal metric.Int64Counter

	// WriteDuration records tuple write duration in seconds.
	WriteDuration metric.Float64Histogram

	// InvalidationsTotal counts cache invalidations triggered by writes.
	InvalidationsTotal metric.Int64Counter

	// --- Expansion Metrics ---

	// ExpansionsTotal counts directory-grant expansions by outcome.
	ExpansionsTotal metric.Int64Counter

	// ExpansionDuration records directory expansion duration in seconds.
	ExpansionDuration metric.Float64Histogram

	// --- Migration Metrics ---

	// MigrationsTotal counts zone mode migrations by outcome.
	MigrationsTotal metric.Int64Counter

	// MigrationDuration records zone migration duration in seconds.
	MigrationDuration metric.Float64Histogram

	// StoreCircuitState tracks the store circuit breaker state
	// (0=closed, 1=open, 2=half-open).
	StoreCircuitState metric.Int64ObservableGauge

	// --- Error Metrics ---

	// ErrorsTotal counts errors by type and component.
	ErrorsTotal metric.Int64Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
//
// Description:
//
//	Registers all pre-defined metrics with the provided meter.
//	Returns an error if any metric registration fails.
//
// Inputs:
//
//	meter - The OTel meter to use for metric registration.
//
// Outputs:
//
//	*Metrics - The metrics instance with all instruments initialized.
//	error - Non-nil if metric registration fails.
//
// Thread Safety: Safe for concurrent use after creation.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	// --- Check Metrics ---
	m.ChecksTotal, err = meter.Int64Counter(
		"authz_checks_total",
		metric.WithDescription("Total permission checks"),
		metric.WithUnit("{check}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create checks_total: %w", err)
	}

	m.CheckDuration, err = meter.Float64Histogram(
		"authz_check_duration_seconds",
		metric.WithDescription("Permission check duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25),
	)
	if err != nil {
		return nil, fmt.Errorf("create check_duration: %w", err)
	}

	m.ActiveChecks, err = meter.Int64UpDownCounter(
		"authz_active_checks",
		metric.WithDescription("Currently in-flight permission checks"),
		metric.WithUnit("{check}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create active_checks: %w", err)
	}

	// --- Write Metrics ---
	m.TupleWritesTotal, err = meter.Int64Counter(
		"authz_tuple_writes_total",
		metric.WithDescription("Total tuple writes"),
		metric.WithUnit("{write}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create tuple_writes_total: %w", err)
	}

	m.WriteDuration, err = meter.Float64Histogram(
		"authz_write_duration_seconds",
		metric.WithDescription("Tuple write duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1),
	)
	if err != nil {
		return nil, fmt.Errorf("create write_duration: %w", err)
	}

	m.InvalidationsTotal, err = meter.Int64Counter(
		"authz_invalidations_total",
		metric.WithDescription("Cache invalidations triggered by writes"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create invalidations_total: %w", err)
	}

	// --- Expansion Metrics ---
	m.ExpansionsTotal, err = meter.Int64Counter(
		"authz_expansions_total",
		metric.WithDescription("Total directory-grant expansions"),
		metric.WithUnit("{expansion}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create expansions_total: %w", err)
	}

	m.ExpansionDuration, err = meter.Float64Histogram(
		"authz_expansion_duration_seconds",
		metric.WithDescription("Directory expansion duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30),
	)
	if err != nil {
		return nil, fmt.Errorf("create expansion_duration: %w", err)
	}

	// --- Migration Metrics ---
	m.MigrationsTotal, err = meter.Int64Counter(
		"authz_zone_migrations_total",
		metric.WithDescription("Total zone mode migrations"),
		metric.WithUnit("{migration}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create zone_migrations_total: %w", err)
	}

	m.MigrationDuration, err = meter.Float64Histogram(
		"authz_zone_migration_duration_seconds",
		metric.WithDescription("Zone migration duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, fmt.Errorf("create zone_migration_duration: %w", err)
	}

	// Note: StoreCircuitState requires a callback registration, handled separately

	// --- Error Metrics ---
	m.ErrorsTotal, err = meter.Int64Counter(
		"authz_errors_total",
		metric.WithDescription("Total errors by type and component"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create errors_total: %w", err)
	}

	return m, nil
}

// RegisterStoreCircuitState registers a callback for the store circuit
// breaker state gauge.
//
// Description:
//
//	Sets up an observable gauge that reports the breaker state on each
//	metrics scrape.
//
// Inputs:
//
//	meter - The OTel meter to use for registration.
//	stateFunc - Returns the current state (0=closed, 1=open, 2=half-open).
//
// Outputs:
//
//	metric.Registration - Registration handle for cleanup.
//	error - Non-nil if registration fails.
func (m *Metrics) RegisterStoreCircuitState(meter metric.Meter, stateFunc func() int64) (metric.Registration, error) {
	var err error
	m.StoreCircuitState, err = meter.Int64ObservableGauge(
		"authz_store_circuit_state",
		metric.WithDescription("Store circuit breaker state (0=closed, 1=open, 2=half-open)"),
		metric.WithUnit("{state}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create store_circuit_state: %w", err)
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.StoreCircuitState, stateFunc())
		return nil
	}, m.StoreCircuitState)
}
