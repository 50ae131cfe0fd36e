// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package readset provides a result cache whose entries record which
// resources (at which revisions) they were computed from, so a write
// invalidates exactly the entries it affects instead of a broad prefix
// scrub.
package readset

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for invalidation behavior tuning.
var (
	staleRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authz_readset_stale_rejections_total",
		Help: "Cache inserts rejected because the read set was already stale",
	})

	targetedInvalidations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authz_readset_invalidated_entries_total",
		Help: "Entries invalidated through the reverse index",
	})
)

// ResourceRevision is one dependency of a cached entry: a resource and the
// zone revision at which it was read.
type ResourceRevision struct {
	Resource string
	Revision uint64
}

// entry is one cached result.
type entry struct {
	key           string
	zoneID        string
	value         any
	readSet       []ResourceRevision
	zoneRevision  uint64
	storedAtMilli int64
	lruElement    *list.Element
}

// Options configures the Cache.
type Options struct {
	// MaxEntries is the maximum number of cached results. Default: 10000.
	MaxEntries int

	// MaxAge is the TTL for cached entries. Zero disables TTL.
	// Default: 5 minutes.
	MaxAge time.Duration

	// OnEvict, if set, is called (outside the lock) with the key of each
	// entry removed by capacity eviction or TTL expiry. Reverse-index
	// cleanup happens regardless; the callback is for callers holding
	// derived state.
	OnEvict func(key string)
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxEntries: 10000,
		MaxAge:     5 * time.Minute,
	}
}

// Option is a functional option for configuring the Cache.
type Option func(*Options)

// WithMaxEntries sets the maximum number of cached entries.
func WithMaxEntries(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxEntries = n
		}
	}
}

// WithMaxAge sets the TTL for cached entries.
func WithMaxAge(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.MaxAge = d
		}
	}
}

// WithEvictionCallback registers an eviction callback.
func WithEvictionCallback(fn func(key string)) Option {
	return func(o *Options) {
		o.OnEvict = fn
	}
}

// Cache is the read-set-aware invalidation cache.
//
// # Invalidation model
//
// Each entry may carry a read set: the (resource, revision) pairs it was
// computed from. A reverse index (zone+resource -> dependent keys) gives
// O(1)+O(fan-out) invalidation on write. Entries without a read set fall
// back to exact key invalidation. Inserts whose read set is already older
// than the zone's current revision are rejected outright: the data was
// stale the moment it was computed.
//
// # Thread Safety
//
// Safe for concurrent use. A single RWMutex guards the bookkeeping maps;
// all operations under it are O(1) plus invalidation fan-out. Values are
// treated as immutable once stored.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	lru     *list.List
	reverse map[string]map[string]struct{}
	options Options

	hits        int64
	misses      int64
	evictions   int64
	rejections  int64
	invalidated int64
}

// New creates a read-set cache.
func New(opts ...Option) *Cache {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &Cache{
		entries: make(map[string]*entry),
		lru:     list.New(),
		reverse: make(map[string]map[string]struct{}),
		options: options,
	}
}

// reverseKey scopes a resource to its zone in the reverse index.
func reverseKey(zoneID, resource string) string {
	return zoneID + "|" + resource
}

// Put stores a result computed from the given read set.
//
// Description:
//
//	zoneRevision must be the zone's current revision read at insertion
//	time (an at-least-as-fresh read). If any read-set entry was read at
//	an older revision the insert is rejected and false is returned:
//	caching it would serve staleness forward. A Put for an existing key
//	replaces the entry and re-indexes its read set.
//
// Outputs:
//
//	bool - True if the entry was stored.
func (c *Cache) Put(key string, zoneID string, value any, readSet []ResourceRevision, zoneRevision uint64) bool {
	for _, rr := range readSet {
		if rr.Revision < zoneRevision {
			atomic.AddInt64(&c.rejections, 1)
			staleRejections.Inc()
			return false
		}
	}

	c.mu.Lock()
	if old, ok := c.entries[key]; ok {
		c.removeLocked(old)
	}
	e := &entry{
		key:           key,
		zoneID:        zoneID,
		value:         value,
		readSet:       readSet,
		zoneRevision:  zoneRevision,
		storedAtMilli: time.Now().UnixMilli(),
	}
	evicted := c.evictIfNeededLocked()
	e.lruElement = c.lru.PushFront(key)
	c.entries[key] = e
	for _, rr := range readSet {
		rk := reverseKey(zoneID, rr.Resource)
		deps := c.reverse[rk]
		if deps == nil {
			deps = make(map[string]struct{})
			c.reverse[rk] = deps
		}
		deps[key] = struct{}{}
	}
	c.mu.Unlock()

	c.notifyEvicted(evicted)
	return true
}

// Get retrieves a cached value.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}
	if c.expiredLocked(e) {
		c.removeLocked(e)
		c.mu.Unlock()
		atomic.AddInt64(&c.misses, 1)
		c.notifyEvicted([]string{e.key})
		return nil, false
	}
	c.lru.MoveToFront(e.lruElement)
	value := e.value
	c.mu.Unlock()

	atomic.AddInt64(&c.hits, 1)
	return value, true
}

// InvalidateForWrite invalidates every entry affected by a write to
// resource in the zone at revision: the reverse-index dependents plus
// the exact-key fallback for entries cached without a read set. Entries
// stored at or after revision already reflect the write (Put rejects
// stale read sets) and are kept.
//
// Outputs the number of entries removed.
func (c *Cache) InvalidateForWrite(resource string, revision uint64, zoneID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	if deps, ok := c.reverse[reverseKey(zoneID, resource)]; ok {
		keys := make([]string, 0, len(deps))
		for key := range deps {
			keys = append(keys, key)
		}
		for _, key := range keys {
			if e, ok := c.entries[key]; ok && e.zoneRevision < revision {
				c.removeLocked(e)
				removed++
			}
		}
	}

	// Exact-key fallback for read-set-free entries.
	if e, ok := c.entries[resource]; ok && e.zoneID == zoneID && e.zoneRevision < revision {
		c.removeLocked(e)
		removed++
	}

	atomic.AddInt64(&c.invalidated, int64(removed))
	targetedInvalidations.Add(float64(removed))
	return removed
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// ReverseIndexSize returns the number of indexed resources. Exposed for
// leak detection in tests and ops tooling.
func (c *Cache) ReverseIndexSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.reverse)
}

// Stats is a snapshot of cache counters.
type Stats struct {
	EntryCount      int
	Hits            int64
	Misses          int64
	Evictions       int64
	StaleRejections int64
	Invalidated     int64
}

// Stats returns current cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	entryCount := len(c.entries)
	c.mu.RUnlock()
	return Stats{
		EntryCount:      entryCount,
		Hits:            atomic.LoadInt64(&c.hits),
		Misses:          atomic.LoadInt64(&c.misses),
		Evictions:       atomic.LoadInt64(&c.evictions),
		StaleRejections: atomic.LoadInt64(&c.rejections),
		Invalidated:     atomic.LoadInt64(&c.invalidated),
	}
}

// expiredLocked checks TTL. Must hold mu.
func (c *Cache) expiredLocked(e *entry) bool {
	if c.options.MaxAge == 0 {
		return false
	}
	return time.Since(time.UnixMilli(e.storedAtMilli)) > c.options.MaxAge
}

// removeLocked unlinks an entry and cleans its reverse-index mappings.
// Must hold mu. Skipping the reverse cleanup here would leak index slots
// for objects no longer cached.
func (c *Cache) removeLocked(e *entry) {
	if e.lruElement != nil {
		c.lru.Remove(e.lruElement)
	}
	delete(c.entries, e.key)
	for _, rr := range e.readSet {
		rk := reverseKey(e.zoneID, rr.Resource)
		if deps, ok := c.reverse[rk]; ok {
			delete(deps, e.key)
			if len(deps) == 0 {
				delete(c.reverse, rk)
			}
		}
	}
}

// evictIfNeededLocked evicts LRU entries until under capacity. Must hold
// mu. Returns the evicted keys for callback delivery outside the lock.
func (c *Cache) evictIfNeededLocked() []string {
	var evicted []string
	for len(c.entries) >= c.options.MaxEntries {
		elem := c.lru.Back()
		if elem == nil {
			break
		}
		key := elem.Value.(string)
		e, ok := c.entries[key]
		if !ok {
			c.lru.Remove(elem)
			continue
		}
		c.removeLocked(e)
		atomic.AddInt64(&c.evictions, 1)
		evicted = append(evicted, key)
	}
	return evicted
}

// notifyEvicted delivers eviction callbacks outside the lock.
func (c *Cache) notifyEvicted(keys []string) {
	if c.options.OnEvict == nil || len(keys) == 0 {
		return
	}
	for _, key := range keys {
		c.options.OnEvict(key)
	}
}
