// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tiger implements the precomputed-bitmap authorization cache and
// the directory-grant expander that feeds it.
//
// One cache entry holds, per (subject, permission, resource type, zone),
// the bitmap of dense resource IDs the subject can reach, stamped with the
// zone revision it was computed at. A per-resource permission check
// against a warm entry is a single bit test instead of a graph walk; the
// expander pays for that with O(descendants) writes on directory grants.
package tiger

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianGate/services/authz/bitmap"
	"github.com/AleutianAI/AleutianGate/services/authz/store"
)

// Prometheus metrics for cache behavior tuning.
var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authz_tiger_hits_total",
		Help: "Tiger cache hits (memory or persisted tier)",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authz_tiger_misses_total",
		Help: "Tiger cache misses",
	})

	cacheStale = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authz_tiger_stale_entries_total",
		Help: "Tiger cache entries skipped because their revision was too old",
	})

	cacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authz_tiger_evictions_total",
		Help: "Tiger cache entries evicted by capacity pressure",
	})
)

// Key identifies one Tiger cache entry.
type Key struct {
	SubjectType  string
	SubjectID    string
	Permission   string
	ResourceType string
	ZoneID       string
}

// String returns the canonical key form, also used as the singleflight
// dedup key.
func (k Key) String() string {
	return k.ZoneID + "|" + k.SubjectType + "|" + k.SubjectID + "|" +
		k.Permission + "|" + k.ResourceType
}

func (k Key) storeKey() store.BitmapKey {
	return store.BitmapKey{
		SubjectType:  k.SubjectType,
		SubjectID:    k.SubjectID,
		Permission:   k.Permission,
		ResourceType: k.ResourceType,
		ZoneID:       k.ZoneID,
	}
}

// InvalidateFilter narrows an invalidation. ZoneID is required; an empty
// SubjectType matches every subject in the zone.
type InvalidateFilter struct {
	ZoneID      string
	SubjectType string
	SubjectID   string
}

// Stats is a snapshot of cache counters.
type Stats struct {
	EntryCount int
	Hits       int64
	Misses     int64
	Stale      int64
	Evictions  int64
}

// Cache is the Tiger bitmap cache contract consumed by the engine.
//
// minRevision expresses the caller's consistency requirement: a stored
// entry only hits when its revision is >= minRevision. Strong reads pass
// the zone's current revision; eventual reads pass zero.
type Cache interface {
	// Get returns the cached bitmap and its revision, or a miss.
	Get(ctx context.Context, key Key, minRevision uint64) (*bitmap.Bitmap, uint64, bool)

	// GetOrCompute returns the cached bitmap or computes, stores, and
	// returns it. Concurrent misses for the same key share one compute.
	GetOrCompute(ctx context.Context, key Key, minRevision uint64,
		compute func(ctx context.Context) (*bitmap.Bitmap, uint64, error)) (*bitmap.Bitmap, uint64, error)

	// Set stores a bitmap computed at the given revision, replacing any
	// older entry. Write-through to the persisted tier when configured.
	Set(ctx context.Context, key Key, bm *bitmap.Bitmap, revision uint64) error

	// Invalidate removes entries matching the filter from both tiers and
	// returns the number removed.
	Invalidate(ctx context.Context, filter InvalidateFilter) (int, error)

	Stats() Stats
}

// entry is one in-memory cache slot. The bitmap payload is immutable;
// replacement swaps the whole entry under the write lock.
type entry struct {
	key        Key
	bm         *bitmap.Bitmap
	revision   uint64
	lruElement *list.Element
}

// Options configures the LRU cache.
type Options struct {
	// MaxEntries bounds the in-memory tier. Default: 4096.
	MaxEntries int

	// Persist, if non-nil, enables write-through persistence and a
	// second-tier lookup on memory miss.
	Persist store.BitmapStore
}

// Option is a functional option for configuring the cache.
type Option func(*Options)

// WithMaxEntries sets the in-memory capacity.
func WithMaxEntries(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxEntries = n
		}
	}
}

// WithPersistence enables the durable second tier.
func WithPersistence(bs store.BitmapStore) Option {
	return func(o *Options) {
		o.Persist = bs
	}
}

// LRUCache is the in-memory Cache implementation with optional
// write-through persistence.
//
// Thread Safety: Safe for concurrent use. A single RWMutex guards the
// bookkeeping map and LRU list; operations under it are O(1). Bitmap
// payloads are immutable, so readers use them outside the lock.
type LRUCache struct {
	mu      sync.RWMutex
	entries map[Key]*entry
	lru     *list.List
	options Options

	flight singleflight.Group

	hits      int64
	misses    int64
	stale     int64
	evictions int64
}

// NewLRUCache creates a Tiger cache.
func NewLRUCache(opts ...Option) *LRUCache {
	options := Options{MaxEntries: 4096}
	for _, opt := range opts {
		opt(&options)
	}
	return &LRUCache{
		entries: make(map[Key]*entry),
		lru:     list.New(),
		options: options,
	}
}

// Get returns the cached bitmap for key if its revision satisfies
// minRevision, consulting the persisted tier on a memory miss.
func (c *LRUCache) Get(ctx context.Context, key Key, minRevision uint64) (*bitmap.Bitmap, uint64, bool) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if e.revision >= minRevision {
			c.lru.MoveToFront(e.lruElement)
			bm, rev := e.bm, e.revision
			c.mu.Unlock()
			atomic.AddInt64(&c.hits, 1)
			cacheHits.Inc()
			return bm, rev, true
		}
		// Stale for this caller; leave it for eventual readers.
		c.mu.Unlock()
		atomic.AddInt64(&c.stale, 1)
		cacheStale.Inc()
		return nil, 0, false
	}
	c.mu.Unlock()

	if bm, rev, ok := c.loadPersisted(ctx, key, minRevision); ok {
		atomic.AddInt64(&c.hits, 1)
		cacheHits.Inc()
		return bm, rev, true
	}

	atomic.AddInt64(&c.misses, 1)
	cacheMisses.Inc()
	return nil, 0, false
}

// loadPersisted promotes a persisted entry into memory when fresh enough.
func (c *LRUCache) loadPersisted(ctx context.Context, key Key, minRevision uint64) (*bitmap.Bitmap, uint64, bool) {
	if c.options.Persist == nil {
		return nil, 0, false
	}
	record, err := c.options.Persist.GetBitmapEntry(ctx, key.storeKey())
	if err != nil {
		return nil, 0, false
	}
	if record.Revision < minRevision {
		atomic.AddInt64(&c.stale, 1)
		cacheStale.Inc()
		return nil, 0, false
	}
	bm, err := bitmap.Unmarshal(record.Data)
	if err != nil {
		return nil, 0, false
	}
	c.storeInMemory(key, bm, record.Revision)
	return bm, record.Revision, true
}

// GetOrCompute returns the cached bitmap or computes and stores it, with
// singleflight dedup so concurrent misses for one key pay one traversal.
func (c *LRUCache) GetOrCompute(ctx context.Context, key Key, minRevision uint64,
	compute func(ctx context.Context) (*bitmap.Bitmap, uint64, error)) (*bitmap.Bitmap, uint64, error) {

	if bm, rev, ok := c.Get(ctx, key, minRevision); ok {
		return bm, rev, nil
	}

	type result struct {
		bm  *bitmap.Bitmap
		rev uint64
	}
	resultI, err, _ := c.flight.Do(key.String(), func() (interface{}, error) {
		// Double-check inside singleflight: a concurrent caller may have
		// populated the entry while we queued.
		if bm, rev, ok := c.Get(ctx, key, minRevision); ok {
			return result{bm: bm, rev: rev}, nil
		}
		bm, rev, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.Set(ctx, key, bm, rev); err != nil {
			return nil, err
		}
		return result{bm: bm, rev: rev}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	res, ok := resultI.(result)
	if !ok {
		return nil, 0, fmt.Errorf("unexpected type from singleflight group: got %T", resultI)
	}
	if res.rev < minRevision {
		// Shared result from a caller with a weaker requirement.
		return nil, 0, errors.New("computed bitmap below required revision")
	}
	return res.bm, res.rev, nil
}

// Set stores a bitmap, persisting first so a crash between the two tiers
// never leaves durable state behind memory.
func (c *LRUCache) Set(ctx context.Context, key Key, bm *bitmap.Bitmap, revision uint64) error {
	if c.options.Persist != nil {
		data, err := bm.Marshal()
		if err != nil {
			return fmt.Errorf("marshal bitmap for %s: %w", key, err)
		}
		err = c.options.Persist.PutBitmapEntry(ctx, key.storeKey(), store.BitmapRecord{
			Data:     data,
			Revision: revision,
		})
		if err != nil {
			return fmt.Errorf("persist bitmap for %s: %w", key, err)
		}
	}
	c.storeInMemory(key, bm, revision)
	return nil
}

func (c *LRUCache) storeInMemory(key Key, bm *bitmap.Bitmap, revision uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		if revision < e.revision {
			return // never replace fresh with stale
		}
		e.bm = bm
		e.revision = revision
		c.lru.MoveToFront(e.lruElement)
		return
	}

	for len(c.entries) >= c.options.MaxEntries {
		back := c.lru.Back()
		if back == nil {
			break
		}
		victim := back.Value.(Key)
		if e, ok := c.entries[victim]; ok {
			c.lru.Remove(e.lruElement)
			delete(c.entries, victim)
			atomic.AddInt64(&c.evictions, 1)
			cacheEvictions.Inc()
		} else {
			c.lru.Remove(back)
		}
	}

	e := &entry{key: key, bm: bm, revision: revision}
	e.lruElement = c.lru.PushFront(key)
	c.entries[key] = e
}

// Invalidate removes matching entries from memory and, when persistence
// is configured, from the durable tier. Returns the larger of the two
// counts: the durable tier is the superset.
func (c *LRUCache) Invalidate(ctx context.Context, filter InvalidateFilter) (int, error) {
	if filter.ZoneID == "" {
		return 0, errors.New("invalidate filter requires a zone")
	}

	c.mu.Lock()
	removed := 0
	for key, e := range c.entries {
		if key.ZoneID != filter.ZoneID {
			continue
		}
		if filter.SubjectType != "" &&
			(key.SubjectType != filter.SubjectType || key.SubjectID != filter.SubjectID) {
			continue
		}
		c.lru.Remove(e.lruElement)
		delete(c.entries, key)
		removed++
	}
	c.mu.Unlock()

	if c.options.Persist == nil {
		return removed, nil
	}
	persisted, err := c.options.Persist.DeleteBitmapEntries(ctx, filter.ZoneID, filter.SubjectType, filter.SubjectID)
	if err != nil {
		return removed, fmt.Errorf("invalidate persisted bitmaps: %w", err)
	}
	if persisted > removed {
		removed = persisted
	}
	return removed, nil
}

// Stats returns current cache statistics.
func (c *LRUCache) Stats() Stats {
	c.mu.RLock()
	entryCount := len(c.entries)
	c.mu.RUnlock()
	return Stats{
		EntryCount: entryCount,
		Hits:       atomic.LoadInt64(&c.hits),
		Misses:     atomic.LoadInt64(&c.misses),
		Stale:      atomic.LoadInt64(&c.stale),
		Evictions:  atomic.LoadInt64(&c.evictions),
	}
}
