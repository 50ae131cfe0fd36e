// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tiger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/AleutianAI/AleutianGate/services/authz/bitmap"
	"github.com/AleutianAI/AleutianGate/services/authz/store"
)

func testKey(subjectID string) Key {
	return Key{
		SubjectType:  "user",
		SubjectID:    subjectID,
		Permission:   "read",
		ResourceType: "file",
		ZoneID:       "z1",
	}
}

func TestRevisionGating(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache()
	key := testKey("alice")

	if err := c.Set(ctx, key, bitmap.Of(1, 2, 3), 5); err != nil {
		t.Fatalf("Set: %v", err)
	}

	t.Run("eventual read hits any entry", func(t *testing.T) {
		bm, rev, ok := c.Get(ctx, key, 0)
		if !ok || rev != 5 || bm.Len() != 3 {
			t.Fatalf("Get = (%v, %d, %v)", bm, rev, ok)
		}
	})

	t.Run("strong read at entry revision hits", func(t *testing.T) {
		if _, _, ok := c.Get(ctx, key, 5); !ok {
			t.Fatal("entry at required revision missed")
		}
	})

	t.Run("strong read past entry revision misses", func(t *testing.T) {
		if _, _, ok := c.Get(ctx, key, 6); ok {
			t.Fatal("stale entry served to strong read")
		}
		if got := c.Stats().Stale; got != 1 {
			t.Errorf("Stale = %d, want 1", got)
		}
	})

	t.Run("stale set never replaces fresh entry", func(t *testing.T) {
		if err := c.Set(ctx, key, bitmap.Of(9), 3); err != nil {
			t.Fatalf("Set: %v", err)
		}
		bm, rev, ok := c.Get(ctx, key, 0)
		if !ok || rev != 5 || bm.Len() != 3 {
			t.Fatalf("fresh entry replaced: (%v, %d, %v)", bm, rev, ok)
		}
	})
}

func TestWriteThroughPersistence(t *testing.T) {
	ctx := context.Background()
	s, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	key := testKey("alice")
	first := NewLRUCache(WithPersistence(s))
	if err := first.Set(ctx, key, bitmap.Of(7, 11), 4); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// A fresh cache over the same store finds the entry in the durable
	// tier (cold-start path).
	second := NewLRUCache(WithPersistence(s))
	bm, rev, ok := second.Get(ctx, key, 4)
	if !ok || rev != 4 {
		t.Fatalf("persisted entry missed: (%v, %d, %v)", bm, rev, ok)
	}
	if !bm.Contains(7) || !bm.Contains(11) || bm.Len() != 2 {
		t.Errorf("bitmap = %v", bm.Slice())
	}
}

func TestGetOrComputeDeduplicates(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache()
	key := testKey("alice")

	var computes atomic.Int64
	release := make(chan struct{})
	compute := func(ctx context.Context) (*bitmap.Bitmap, uint64, error) {
		computes.Add(1)
		<-release
		return bitmap.Of(1), 2, nil
	}

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, errs[i] = c.GetOrCompute(ctx, key, 0, compute)
		}()
	}
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if got := computes.Load(); got != 1 {
		t.Errorf("compute ran %d times, want 1", got)
	}
	if _, _, ok := c.Get(ctx, key, 2); !ok {
		t.Error("computed entry not cached")
	}
}

func TestInvalidateFilter(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache()

	alice := testKey("alice")
	aliceWrite := alice
	aliceWrite.Permission = "write"
	bob := testKey("bob")
	otherZone := testKey("alice")
	otherZone.ZoneID = "z2"

	for _, key := range []Key{alice, aliceWrite, bob, otherZone} {
		if err := c.Set(ctx, key, bitmap.Of(1), 1); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}

	removed, err := c.Invalidate(ctx, InvalidateFilter{ZoneID: "z1", SubjectType: "user", SubjectID: "alice"})
	if err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if _, _, ok := c.Get(ctx, bob, 0); !ok {
		t.Error("unmatched subject invalidated")
	}
	if _, _, ok := c.Get(ctx, otherZone, 0); !ok {
		t.Error("other zone invalidated")
	}

	removed, err = c.Invalidate(ctx, InvalidateFilter{ZoneID: "z1"})
	if err != nil {
		t.Fatalf("Invalidate zone: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	if _, err := c.Invalidate(ctx, InvalidateFilter{}); err == nil {
		t.Error("zoneless filter accepted")
	}
}

func TestEvictionBoundsMemory(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(WithMaxEntries(2))

	for _, id := range []string{"a", "b", "c", "d"} {
		if err := c.Set(ctx, testKey(id), bitmap.Of(1), 1); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}

	stats := c.Stats()
	if stats.EntryCount > 2 {
		t.Errorf("EntryCount = %d, want <= 2", stats.EntryCount)
	}
	if stats.Evictions != 2 {
		t.Errorf("Evictions = %d, want 2", stats.Evictions)
	}
}
