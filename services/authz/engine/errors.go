// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianGate/services/authz/bitmap"
	"github.com/AleutianAI/AleutianGate/services/authz/breaker"
	"github.com/AleutianAI/AleutianGate/services/authz/store"
	"github.com/AleutianAI/AleutianGate/services/authz/tuple"
)

// The engine's error taxonomy. Callers classify with errors.As/Is; the
// circuit breaker counts only infrastructure failures.

// DataError marks malformed input or corrupt stored data. Rejected
// loudly, never counted by the breaker.
type DataError struct {
	Op  string
	Err error
}

func (e *DataError) Error() string {
	return fmt.Sprintf("%s: bad data: %v", e.Op, e.Err)
}

func (e *DataError) Unwrap() error { return e.Err }

// TransientInfraError marks a store or infrastructure failure that a
// retry may resolve. Counted by the breaker.
type TransientInfraError struct {
	Op  string
	Err error
}

func (e *TransientInfraError) Error() string {
	return fmt.Sprintf("%s: transient infrastructure failure: %v", e.Op, e.Err)
}

func (e *TransientInfraError) Unwrap() error { return e.Err }

// StoreUnavailableError is returned while the breaker is open: the store
// was not contacted at all.
type StoreUnavailableError struct {
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable: %v", e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// CrossTenantError marks a write whose tuple zone does not match the
// request zone. Always a caller bug or an attack, never retried.
type CrossTenantError struct {
	RequestZone string
	TupleZone   string
}

func (e *CrossTenantError) Error() string {
	return fmt.Sprintf("cross-tenant write rejected: request zone %q, tuple zone %q",
		e.RequestZone, e.TupleZone)
}

// CycleError marks a hierarchy write that would create a cycle (a
// directory becoming its own ancestor).
type CycleError struct {
	Relation string
	Object   string
	Subject  string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("hierarchy cycle rejected: %s --%s--> %s closes a loop",
		e.Subject, e.Relation, e.Object)
}

// ConsistencyError marks a consistency-mode problem: quiesced zone,
// failed migration, corrupt mode flag. Always a structured result, never
// a panic.
type ConsistencyError struct {
	ZoneID string
	Err    error
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("zone %s: consistency error: %v", e.ZoneID, e.Err)
}

func (e *ConsistencyError) Unwrap() error { return e.Err }

// ErrZoneQuiesced is wrapped in a ConsistencyError while a migration has
// the zone's writes paused.
var ErrZoneQuiesced = errors.New("zone quiesced for migration")

// IsInfraError is the breaker classifier: true only for failures of the
// infrastructure itself. Business results (not found, malformed input,
// policy rejections) and caller cancellation never count.
func IsInfraError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, tuple.ErrMalformedTuple) ||
		errors.Is(err, tuple.ErrUnknownNamespace) ||
		errors.Is(err, tuple.ErrInvalidNamespace) ||
		errors.Is(err, bitmap.ErrUnknownResource) {
		return false
	}
	var (
		dataErr   *DataError
		tenantErr *CrossTenantError
		cycleErr  *CycleError
	)
	if errors.As(err, &dataErr) || errors.As(err, &tenantErr) || errors.As(err, &cycleErr) {
		return false
	}
	return true
}

// wrapStoreErr converts a breaker-guarded failure into the taxonomy:
// open-circuit errors become StoreUnavailableError, infrastructure
// failures TransientInfraError, business errors pass through untouched.
func wrapStoreErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, breaker.ErrCircuitOpen) {
		return &StoreUnavailableError{Err: err}
	}
	if IsInfraError(err) {
		return &TransientInfraError{Op: op, Err: err}
	}
	return err
}
