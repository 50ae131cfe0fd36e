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
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianGate/services/authz/bitmap"
	"github.com/AleutianAI/AleutianGate/services/authz/store"
	"github.com/AleutianAI/AleutianGate/services/authz/tuple"
)

// fakeEnumerator serves descendants from a fixture map keyed by directory.
type fakeEnumerator struct {
	descendants map[string][]Resource
	listErr     error
	probeErr    error
}

func (f *fakeEnumerator) ListDescendants(_ context.Context, _, directory string) ([]Resource, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.descendants[directory], nil
}

func (f *fakeEnumerator) HasChildren(_ context.Context, _, p string) (bool, error) {
	if f.probeErr != nil {
		return false, f.probeErr
	}
	for dir := range f.descendants {
		if strings.HasPrefix(dir, p) && len(f.descendants[dir]) > 0 {
			return true, nil
		}
	}
	return false, nil
}

type expanderFixture struct {
	expander *Expander
	cache    *LRUCache
	store    *store.Store
	enum     *fakeEnumerator
}

func newExpanderFixture(t *testing.T, cfg Config, enum *fakeEnumerator) *expanderFixture {
	t.Helper()
	s, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cache := NewLRUCache()
	resources := bitmap.NewResourceMap(s)
	return &expanderFixture{
		expander: NewExpander(s, s, enum, resources, cache, cfg),
		cache:    cache,
		store:    s,
		enum:     enum,
	}
}

func descendantsOf(paths ...string) []Resource {
	out := make([]Resource, len(paths))
	for i, p := range paths {
		out[i] = Resource{Path: p, UUID: uuid.New()}
	}
	return out
}

func engSubject() tuple.Subject {
	return tuple.Subject{Entity: tuple.Entity{Type: "group", ID: "eng"}}
}

func TestIsDirectoryHeuristics(t *testing.T) {
	enum := &fakeEnumerator{descendants: map[string][]Resource{
		"/data.txt": descendantsOf("/data.txt/part1.csv"),
	}}
	f := newExpanderFixture(t, Config{}, enum)
	ctx := context.Background()

	cases := []struct {
		name string
		path string
		want bool
	}{
		{"trailing slash wins", "/workspace/", true},
		{"known extension without children is a file", "/docs/readme.md", false},
		{"extensionless path classifies as directory", "/workspace/LICENSE", true},
		{"known extension with children probes as directory", "/data.txt", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := f.expander.IsDirectory(ctx, "z1", tc.path); got != tc.want {
				t.Errorf("IsDirectory(%q) = %v, want %v", tc.path, got, tc.want)
			}
		})
	}

	t.Run("probe failure classifies as file", func(t *testing.T) {
		enum.probeErr = errors.New("metadata layer down")
		defer func() { enum.probeErr = nil }()
		if f.expander.IsDirectory(ctx, "z1", "/data.txt") {
			t.Error("probe failure classified as directory")
		}
	})
}

func TestSynchronousExpansion(t *testing.T) {
	enum := &fakeEnumerator{descendants: map[string][]Resource{
		"/workspace/": descendantsOf("/workspace/a.go", "/workspace/b.go", "/workspace/doc.md"),
	}}
	f := newExpanderFixture(t, Config{}, enum)
	ctx := context.Background()

	grant, err := f.expander.RecordGrant(ctx, engSubject(), "viewer",
		tuple.Entity{Type: "dir", ID: "/workspace/"}, "z1")
	if err != nil {
		t.Fatalf("RecordGrant: %v", err)
	}
	if grant.Status != store.GrantCompleted {
		t.Fatalf("status = %q, want completed", grant.Status)
	}
	if grant.ExpandedCount != 3 {
		t.Errorf("ExpandedCount = %d, want 3", grant.ExpandedCount)
	}

	key := Key{SubjectType: "group", SubjectID: "eng", Permission: "viewer", ResourceType: "file", ZoneID: "z1"}
	bm, _, ok := f.cache.Get(ctx, key, 0)
	if !ok {
		t.Fatal("no bitmap after expansion")
	}
	if bm.Len() != 3 {
		t.Errorf("bitmap holds %d IDs, want exactly 3 (%v)", bm.Len(), bm.Slice())
	}

	t.Run("persisted grant readable", func(t *testing.T) {
		stored, err := f.store.GetGrant(ctx, "z1", grant.ID)
		if err != nil {
			t.Fatalf("GetGrant: %v", err)
		}
		if stored.Status != store.GrantCompleted || stored.ExpandedCount != 3 {
			t.Errorf("stored grant = %+v", stored)
		}
	})
}

func TestEmptyDirectoryCompletesWithZero(t *testing.T) {
	enum := &fakeEnumerator{descendants: map[string][]Resource{}}
	f := newExpanderFixture(t, Config{}, enum)

	grant, err := f.expander.RecordGrant(context.Background(), engSubject(), "viewer",
		tuple.Entity{Type: "dir", ID: "/empty/"}, "z1")
	if err != nil {
		t.Fatalf("RecordGrant: %v", err)
	}
	if grant.Status != store.GrantCompleted || grant.ExpandedCount != 0 {
		t.Errorf("grant = status %q count %d, want completed/0", grant.Status, grant.ExpandedCount)
	}
}

func TestExpansionIdempotence(t *testing.T) {
	descendants := descendantsOf("/workspace/a.go", "/workspace/b.go", "/workspace/doc.md")
	enum := &fakeEnumerator{descendants: map[string][]Resource{"/workspace/": descendants}}
	f := newExpanderFixture(t, Config{}, enum)
	ctx := context.Background()

	// Two grants on the same directory for the same subject: union keeps
	// the final bitmap free of duplicate-count drift.
	for i := 0; i < 2; i++ {
		if _, err := f.expander.RecordGrant(ctx, engSubject(), "viewer",
			tuple.Entity{Type: "dir", ID: "/workspace/"}, "z1"); err != nil {
			t.Fatalf("RecordGrant #%d: %v", i+1, err)
		}
	}

	key := Key{SubjectType: "group", SubjectID: "eng", Permission: "viewer", ResourceType: "file", ZoneID: "z1"}
	bm, _, ok := f.cache.Get(ctx, key, 0)
	if !ok || bm.Len() != 3 {
		t.Fatalf("bitmap after double expansion = %v (ok=%v), want 3 IDs", bm, ok)
	}
}

func TestOverLimitDeferredToBackground(t *testing.T) {
	enum := &fakeEnumerator{descendants: map[string][]Resource{
		"/big/": descendantsOf("/big/a.go", "/big/b.go", "/big/c.go"),
	}}
	f := newExpanderFixture(t, Config{SyncExpandLimit: 2, GrantsPerSecond: 1000}, enum)
	ctx := context.Background()

	grant, err := f.expander.RecordGrant(ctx, engSubject(), "viewer",
		tuple.Entity{Type: "dir", ID: "/big/"}, "z1")
	if err != nil {
		t.Fatalf("RecordGrant: %v", err)
	}
	if grant.Status != store.GrantPending {
		t.Fatalf("status = %q, want pending", grant.Status)
	}

	key := Key{SubjectType: "group", SubjectID: "eng", Permission: "viewer", ResourceType: "file", ZoneID: "z1"}
	if _, _, ok := f.cache.Get(ctx, key, 0); ok {
		t.Error("bitmap populated before background expansion")
	}

	completed, err := f.expander.RunPending(ctx, "z1")
	if err != nil {
		t.Fatalf("RunPending: %v", err)
	}
	if completed != 1 {
		t.Fatalf("completed = %d, want 1", completed)
	}
	bm, _, ok := f.cache.Get(ctx, key, 0)
	if !ok || bm.Len() != 3 {
		t.Errorf("bitmap after background expansion = %v (ok=%v)", bm, ok)
	}
}

func TestEnumerationFailureLeavesGrantPending(t *testing.T) {
	enum := &fakeEnumerator{listErr: errors.New("store unavailable")}
	f := newExpanderFixture(t, Config{}, enum)
	ctx := context.Background()

	// The grant records successfully; expansion degrades instead of
	// propagating the enumeration failure.
	grant, err := f.expander.RecordGrant(ctx, engSubject(), "viewer",
		tuple.Entity{Type: "dir", ID: "/docs/"}, "z1")
	if err != nil {
		t.Fatalf("RecordGrant: %v", err)
	}
	if grant.Status != store.GrantPending {
		t.Fatalf("status = %q, want pending", grant.Status)
	}

	t.Run("repairable once the store recovers", func(t *testing.T) {
		enum.listErr = nil
		enum.descendants = map[string][]Resource{"/docs/": descendantsOf("/docs/a.md")}
		if err := f.expander.ExpandGrant(ctx, "z1", grant.ID); err != nil {
			t.Fatalf("ExpandGrant: %v", err)
		}
		repaired, _ := f.store.GetGrant(ctx, "z1", grant.ID)
		if repaired.Status != store.GrantCompleted || repaired.ExpandedCount != 1 {
			t.Errorf("repaired grant = %+v", repaired)
		}
	})
}

func TestCancellationLeavesGrantPending(t *testing.T) {
	enum := &fakeEnumerator{listErr: errors.New("store unavailable")}
	f := newExpanderFixture(t, Config{}, enum)
	ctx := context.Background()

	grant, err := f.expander.RecordGrant(ctx, engSubject(), "viewer",
		tuple.Entity{Type: "dir", ID: "/docs/"}, "z1")
	if err != nil {
		t.Fatalf("RecordGrant: %v", err)
	}
	enum.listErr = nil
	enum.descendants = map[string][]Resource{"/docs/": descendantsOf("/docs/a.md")}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := f.expander.ExpandGrant(cancelled, "z1", grant.ID); err == nil {
		t.Fatal("cancelled expansion reported success")
	}

	after, err := f.store.GetGrant(ctx, "z1", grant.ID)
	if err != nil {
		t.Fatalf("GetGrant: %v", err)
	}
	if after.Status != store.GrantPending {
		t.Errorf("status after cancellation = %q, want pending", after.Status)
	}
}
