// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errInfra = errors.New("connection refused")
var errBusiness = errors.New("tuple not found")

func infraOnly(err error) bool {
	return errors.Is(err, errInfra)
}

func newTestBreaker(t *testing.T, resetTimeout time.Duration) *Breaker {
	t.Helper()
	return New("store", Config{
		FailureThreshold: 3,
		FailureWindow:    time.Minute,
		ResetTimeout:     resetTimeout,
		SuccessThreshold: 2,
		IsInfraFailure:   infraOnly,
	})
}

func fail(ctx context.Context) error    { return errInfra }
func failBiz(ctx context.Context) error { return errBusiness }
func succeed(ctx context.Context) error { return nil }

func trip(t *testing.T, b *Breaker) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := b.Do(ctx, fail); !errors.Is(err, errInfra) {
			t.Fatalf("call %d: err = %v, want errInfra", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open after threshold failures", b.State())
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := newTestBreaker(t, time.Hour)
	ctx := context.Background()

	// Two failures: still closed.
	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, fail)
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed below threshold", b.State())
	}

	// Third failure crosses the threshold.
	_ = b.Do(ctx, fail)
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}

	// Open circuit fails fast without invoking the operation.
	invoked := false
	err := b.Do(ctx, func(context.Context) error {
		invoked = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if invoked {
		t.Error("operation invoked while circuit open")
	}
}

func TestBreakerIgnoresBusinessErrors(t *testing.T) {
	b := newTestBreaker(t, time.Hour)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := b.Do(ctx, failBiz); !errors.Is(err, errBusiness) {
			t.Fatalf("err = %v, want business error re-raised untouched", err)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %s, business errors must not trip the circuit", b.State())
	}
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	b := newTestBreaker(t, 10*time.Millisecond)
	trip(t, b)

	time.Sleep(15 * time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half-open after reset timeout", b.State())
	}

	ctx := context.Background()

	// One success, then a failure: reopens immediately, not after
	// the success threshold.
	if err := b.Do(ctx, succeed); err != nil {
		t.Fatalf("probe success failed: %v", err)
	}
	if err := b.Do(ctx, fail); !errors.Is(err, errInfra) {
		t.Fatalf("probe err = %v", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open after half-open probe failure", b.State())
	}
}

func TestBreakerClosesAfterSuccessThreshold(t *testing.T) {
	b := newTestBreaker(t, 10*time.Millisecond)
	trip(t, b)

	time.Sleep(15 * time.Millisecond)
	ctx := context.Background()

	if err := b.Do(ctx, succeed); err != nil {
		t.Fatalf("first probe failed: %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half-open after one success", b.State())
	}

	if err := b.Do(ctx, succeed); err != nil {
		t.Fatalf("second probe failed: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed after success threshold", b.State())
	}

	// Failure window was cleared on close: a single failure must not
	// reopen the circuit.
	_ = b.Do(ctx, fail)
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed (window cleared)", b.State())
	}
}

func TestBreakerRespectsContext(t *testing.T) {
	b := newTestBreaker(t, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	invoked := false
	err := b.Do(ctx, func(context.Context) error {
		invoked = true
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if invoked {
		t.Error("operation invoked on cancelled context")
	}
}

func TestBreakerReset(t *testing.T) {
	b := newTestBreaker(t, time.Hour)
	trip(t, b)

	b.Reset()
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed after Reset", b.State())
	}
	if got := b.Stats().WindowFailures; got != 0 {
		t.Fatalf("WindowFailures = %d, want 0", got)
	}
}
