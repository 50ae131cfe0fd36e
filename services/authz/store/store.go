// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store defines the durable interfaces the authorization engine
// consumes (tuples, zone modes, revisions, directory grants, persisted
// bitmaps, resource maps) and provides the embedded BadgerDB
// implementation.
//
// Query semantics of a relational backend are assumed, not reimplemented:
// the engine only needs bulk fetch by (zone, object prefix) and
// transactional batch write.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/AleutianAI/AleutianGate/services/authz/tuple"
)

// Sentinel errors. ErrNotFound is a business result, never counted by the
// circuit breaker; everything else from a store is infrastructure.
var (
	ErrNotFound = errors.New("not found")
)

// Mode is a zone's consistency evaluation mode.
type Mode string

const (
	// ModeStrong evaluates against the zone's current revision only.
	ModeStrong Mode = "strong"

	// ModeEventual accepts bounded-staleness cached results.
	ModeEventual Mode = "eventual"
)

// Valid reports whether the mode is a known value.
func (m Mode) Valid() bool {
	return m == ModeStrong || m == ModeEventual
}

// TupleStore is the durable relationship fact store.
//
// Tuples are append-only with tombstone deletes, preserving an audit
// trail; a deleted tuple stops matching reads but its record remains.
type TupleStore interface {
	// WriteTuples persists the batch in one transaction and returns the
	// number of tuples actually created (already-present tuples are
	// skipped, resurrected tombstones count as created).
	WriteTuples(ctx context.Context, tuples []tuple.Tuple) (int, error)

	// DeleteTuple tombstones a tuple. Deleting an absent tuple returns
	// ErrNotFound.
	DeleteTuple(ctx context.Context, t tuple.Tuple) error

	// FetchZoneTuples returns every live tuple in the zone.
	FetchZoneTuples(ctx context.Context, zoneID string) ([]tuple.Tuple, error)

	// FetchByObjectPrefix returns live tuples whose object matches the
	// type and ID prefix within the zone.
	FetchByObjectPrefix(ctx context.Context, zoneID, objectType, objectIDPrefix string) ([]tuple.Tuple, error)
}

// ZoneModeStore persists the per-zone consistency mode flag.
type ZoneModeStore interface {
	// ConsistencyMode returns the zone's mode. Unknown zones default to
	// ModeStrong without error.
	ConsistencyMode(ctx context.Context, zoneID string) (Mode, error)

	// SetConsistencyMode persists the mode in its own transaction.
	SetConsistencyMode(ctx context.Context, zoneID string, mode Mode) error
}

// RevisionClock provides the monotonic per-zone revision counter (the
// "zookie" source). Current must be an at-least-as-fresh read: a revision
// returned by Increment is visible to every subsequent Current call.
type RevisionClock interface {
	Current(ctx context.Context, zoneID string) (uint64, error)
	Increment(ctx context.Context, zoneID string) (uint64, error)
}

// GrantStatus is the expansion state of a directory grant.
type GrantStatus string

const (
	// GrantPending means descendant fan-out has not completed.
	GrantPending GrantStatus = "pending"

	// GrantCompleted means every descendant at grant time was expanded.
	GrantCompleted GrantStatus = "completed"
)

// DirectoryGrant records a grant whose object is a directory, together
// with its fan-out progress. Survives restart so background expansion can
// resume.
type DirectoryGrant struct {
	ID            string        `cbor:"id"`
	Subject       tuple.Subject `cbor:"subject"`
	Permission    string        `cbor:"permission"`
	Directory     tuple.Entity  `cbor:"directory"`
	ZoneID        string        `cbor:"zone_id"`
	Status        GrantStatus   `cbor:"status"`
	ExpandedCount int           `cbor:"expanded_count"`
	Revision      uint64        `cbor:"revision"`
	CreatedAt     time.Time     `cbor:"created_at"`
}

// GrantStore persists directory-grant records.
type GrantStore interface {
	PutGrant(ctx context.Context, grant DirectoryGrant) error
	GetGrant(ctx context.Context, zoneID, grantID string) (DirectoryGrant, error)

	// ListGrants returns grants in the zone with the given status; empty
	// status lists all.
	ListGrants(ctx context.Context, zoneID string, status GrantStatus) ([]DirectoryGrant, error)
}

// BitmapKey identifies one persisted Tiger cache entry.
type BitmapKey struct {
	SubjectType  string
	SubjectID    string
	Permission   string
	ResourceType string
	ZoneID       string
}

// BitmapRecord is a persisted bitmap payload with its revision.
type BitmapRecord struct {
	Data     []byte `cbor:"data"`
	Revision uint64 `cbor:"revision"`
}

// BitmapStore persists Tiger cache entries across restarts.
type BitmapStore interface {
	PutBitmapEntry(ctx context.Context, key BitmapKey, record BitmapRecord) error
	GetBitmapEntry(ctx context.Context, key BitmapKey) (BitmapRecord, error)

	// DeleteBitmapEntries removes persisted entries for the zone,
	// optionally narrowed by subject. Returns the removed count.
	DeleteBitmapEntries(ctx context.Context, zoneID, subjectType, subjectID string) (int, error)
}
