// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bitmap

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrUnknownResource is returned when a lookup misses both the cache and
// the backing store.
var ErrUnknownResource = errors.New("unknown resource")

// ResourceMapStore is the durable side of the UUID-to-integer bijection.
// Implemented by the store package.
type ResourceMapStore interface {
	// LookupID returns the dense ID for a resource UUID, or
	// ErrUnknownResource.
	LookupID(ctx context.Context, zoneID string, resource uuid.UUID) (uint32, error)

	// LookupUUID returns the resource UUID for a dense ID, or
	// ErrUnknownResource.
	LookupUUID(ctx context.Context, zoneID string, id uint32) (uuid.UUID, error)

	// Allocate assigns and persists the next dense ID for a resource.
	// Must be idempotent: allocating an already-mapped resource returns
	// the existing ID.
	Allocate(ctx context.Context, zoneID string, resource uuid.UUID) (uint32, error)
}

// ResourceMap caches the per-zone UUID-to-dense-integer bijection in front
// of a ResourceMapStore.
//
// Thread Safety: Safe for concurrent use. The cache maps are guarded by a
// single RWMutex; payload operations are O(1).
type ResourceMap struct {
	store ResourceMapStore

	mu      sync.RWMutex
	forward map[string]map[uuid.UUID]uint32
	reverse map[string]map[uint32]uuid.UUID
}

// NewResourceMap creates a resource map over the given store.
func NewResourceMap(store ResourceMapStore) *ResourceMap {
	return &ResourceMap{
		store:   store,
		forward: make(map[string]map[uuid.UUID]uint32),
		reverse: make(map[string]map[uint32]uuid.UUID),
	}
}

// ID resolves the dense ID for a resource, allocating one if the resource
// has never been seen in the zone.
func (m *ResourceMap) ID(ctx context.Context, zoneID string, resource uuid.UUID) (uint32, error) {
	if id, ok := m.cachedID(zoneID, resource); ok {
		return id, nil
	}

	id, err := m.store.LookupID(ctx, zoneID, resource)
	if errors.Is(err, ErrUnknownResource) {
		id, err = m.store.Allocate(ctx, zoneID, resource)
	}
	if err != nil {
		return 0, fmt.Errorf("resolving resource %s in zone %s: %w", resource, zoneID, err)
	}

	m.cache(zoneID, resource, id)
	return id, nil
}

// UUID resolves the resource UUID for a dense ID.
func (m *ResourceMap) UUID(ctx context.Context, zoneID string, id uint32) (uuid.UUID, error) {
	m.mu.RLock()
	if rev, ok := m.reverse[zoneID]; ok {
		if u, ok := rev[id]; ok {
			m.mu.RUnlock()
			return u, nil
		}
	}
	m.mu.RUnlock()

	u, err := m.store.LookupUUID(ctx, zoneID, id)
	if err != nil {
		return uuid.Nil, err
	}
	m.cache(zoneID, u, id)
	return u, nil
}

// InvalidateZone drops cached mappings for a zone. Used by operational
// tooling after offline re-mapping.
func (m *ResourceMap) InvalidateZone(zoneID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.forward, zoneID)
	delete(m.reverse, zoneID)
}

func (m *ResourceMap) cachedID(zoneID string, resource uuid.UUID) (uint32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fwd, ok := m.forward[zoneID]
	if !ok {
		return 0, false
	}
	id, ok := fwd[resource]
	return id, ok
}

func (m *ResourceMap) cache(zoneID string, resource uuid.UUID, id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.forward[zoneID] == nil {
		m.forward[zoneID] = make(map[uuid.UUID]uint32)
		m.reverse[zoneID] = make(map[uint32]uuid.UUID)
	}
	m.forward[zoneID][resource] = id
	m.reverse[zoneID][id] = resource
}
