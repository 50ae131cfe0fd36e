// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package readset

import (
	"fmt"
	"testing"
	"time"
)

func TestPutRejectsStaleReadSet(t *testing.T) {
	c := New()

	// Zone revision is 10 but the entry was built from a read at
	// revision 8: reject outright.
	ok := c.Put("q1", "z1", "result", []ResourceRevision{
		{Resource: "/docs/a", Revision: 8},
	}, 10)
	if ok {
		t.Fatal("stale insert accepted")
	}
	if _, found := c.Get("q1"); found {
		t.Fatal("stale entry served")
	}
	if got := c.Stats().StaleRejections; got != 1 {
		t.Errorf("StaleRejections = %d, want 1", got)
	}

	// A fresh read set at the current revision is accepted.
	ok = c.Put("q1", "z1", "result", []ResourceRevision{
		{Resource: "/docs/a", Revision: 10},
	}, 10)
	if !ok {
		t.Fatal("fresh insert rejected")
	}
	if v, found := c.Get("q1"); !found || v != "result" {
		t.Fatalf("Get = (%v, %v)", v, found)
	}
}

func TestInvalidateForWriteTargetsDependents(t *testing.T) {
	c := New()

	c.Put("list:/docs", "z1", "r1", []ResourceRevision{
		{Resource: "/docs/a", Revision: 5},
		{Resource: "/docs/b", Revision: 5},
	}, 5)
	c.Put("list:/pics", "z1", "r2", []ResourceRevision{
		{Resource: "/pics/x", Revision: 5},
	}, 5)
	c.Put("list:/docs-z2", "z2", "r3", []ResourceRevision{
		{Resource: "/docs/a", Revision: 5},
	}, 5)

	// Writing /docs/a in z1 at revision 6 invalidates only the z1
	// dependent.
	removed := c.InvalidateForWrite("/docs/a", 6, "z1")
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, found := c.Get("list:/docs"); found {
		t.Error("dependent entry survived invalidation")
	}
	if _, found := c.Get("list:/pics"); !found {
		t.Error("unrelated entry was invalidated")
	}
	if _, found := c.Get("list:/docs-z2"); !found {
		t.Error("other-zone entry was invalidated")
	}
}

func TestInvalidateForWriteKeepsPostWriteEntries(t *testing.T) {
	c := New()

	// Cached after the write at revision 6 landed: already fresh.
	c.Put("list:/docs", "z1", "r1", []ResourceRevision{
		{Resource: "/docs/a", Revision: 6},
	}, 6)

	if removed := c.InvalidateForWrite("/docs/a", 6, "z1"); removed != 0 {
		t.Fatalf("removed = %d, want 0", removed)
	}
	if _, found := c.Get("list:/docs"); !found {
		t.Error("post-write entry was invalidated")
	}

	// A later write at revision 7 does remove it.
	if removed := c.InvalidateForWrite("/docs/a", 7, "z1"); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
}

func TestInvalidateForWriteExactKeyFallback(t *testing.T) {
	c := New()

	// No read set: the entry is only reachable by exact key.
	c.Put("/docs/a", "z1", "meta", nil, 3)

	if removed := c.InvalidateForWrite("/docs/a", 4, "z1"); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, found := c.Get("/docs/a"); found {
		t.Error("entry survived exact-key invalidation")
	}

	// Writes to uncached resources are a no-op.
	if removed := c.InvalidateForWrite("/ghost", 4, "z1"); removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}
}

func TestEvictionCleansReverseIndex(t *testing.T) {
	var evicted []string
	c := New(
		WithMaxEntries(2),
		WithEvictionCallback(func(key string) { evicted = append(evicted, key) }),
	)

	for i := 0; i < 4; i++ {
		key := fmt.Sprintf("q%d", i)
		res := fmt.Sprintf("/r%d", i)
		if !c.Put(key, "z1", i, []ResourceRevision{{Resource: res, Revision: 1}}, 1) {
			t.Fatalf("put %s rejected", key)
		}
	}

	if c.Len() > 2 {
		t.Fatalf("Len = %d, want <= 2", c.Len())
	}
	// Every evicted entry must have released its reverse-index slot.
	if got := c.ReverseIndexSize(); got != c.Len() {
		t.Errorf("ReverseIndexSize = %d, want %d (no leaked slots)", got, c.Len())
	}
	if len(evicted) != 2 {
		t.Errorf("eviction callbacks = %v, want 2 keys", evicted)
	}
}

func TestReplaceReindexesReadSet(t *testing.T) {
	c := New()

	c.Put("q", "z1", "v1", []ResourceRevision{{Resource: "/a", Revision: 1}}, 1)
	c.Put("q", "z1", "v2", []ResourceRevision{{Resource: "/b", Revision: 2}}, 2)

	// The old dependency must be gone.
	if removed := c.InvalidateForWrite("/a", 3, "z1"); removed != 0 {
		t.Fatalf("stale dependency still indexed: removed = %d", removed)
	}
	if removed := c.InvalidateForWrite("/b", 3, "z1"); removed != 1 {
		t.Fatalf("new dependency not indexed: removed = %d", removed)
	}
}

func TestTTLExpiry(t *testing.T) {
	c := New(WithMaxAge(10 * time.Millisecond))

	c.Put("q", "z1", "v", nil, 1)
	time.Sleep(20 * time.Millisecond)

	if _, found := c.Get("q"); found {
		t.Error("expired entry served")
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d after expiry, want 0", c.Len())
	}
}
