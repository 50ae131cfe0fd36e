// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evaluator

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/AleutianAI/AleutianGate/services/authz/tuple"
)

// fileRegistry builds the canonical virtual-filesystem namespace used
// throughout the tests: read = union(viewer, editor, owner), viewer
// unions a direct grant with inheritance through the parent directory,
// and groups expand through member.
func fileRegistry(t *testing.T) *tuple.Registry {
	t.Helper()

	file := &tuple.NamespaceConfig{
		ObjectType: "file",
		Permissions: map[string]tuple.Rewrite{
			"read":             tuple.Union("viewer", "editor", "owner"),
			"write":            tuple.Union("editor", "owner"),
			"viewer":           tuple.Union("direct_viewer", "inherited_viewer"),
			"editor":           tuple.Union("direct_editor"),
			"owner":            tuple.Union("direct_owner"),
			"inherited_viewer": tuple.TupleToUserset("parent", "viewer"),
		},
		HierarchyRelations: []string{"parent"},
	}
	dir := &tuple.NamespaceConfig{
		ObjectType: "dir",
		Permissions: map[string]tuple.Rewrite{
			"viewer":           tuple.Union("direct_viewer", "inherited_viewer"),
			"inherited_viewer": tuple.TupleToUserset("parent", "viewer"),
		},
		HierarchyRelations: []string{"parent"},
	}
	group := &tuple.NamespaceConfig{
		ObjectType: "group",
		Permissions: map[string]tuple.Rewrite{
			"member": tuple.Direct(),
		},
	}

	reg, err := tuple.NewRegistry(file, dir, group)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	return reg
}

func ent(typ, id string) tuple.Entity {
	return tuple.Entity{Type: typ, ID: id}
}

func fact(subjType, subjID, relation, objType, objID string) tuple.Tuple {
	return tuple.Tuple{
		Subject:  tuple.Subject{Entity: ent(subjType, subjID)},
		Relation: relation,
		Object:   ent(objType, objID),
		ZoneID:   "z1",
	}
}

func usersetFact(subjType, subjID, subjRel, relation, objType, objID string) tuple.Tuple {
	t := fact(subjType, subjID, relation, objType, objID)
	t.Subject.Relation = subjRel
	return t
}

func TestComputeDirectGrant(t *testing.T) {
	reg := fileRegistry(t)
	eval := New(reg)

	g := NewTupleGraph([]tuple.Tuple{
		fact("user", "alice", "direct_viewer", "file", "/docs"),
	})

	t.Run("grant allows read through the union chain", func(t *testing.T) {
		allowed, err := eval.Compute(ent("user", "alice"), "read", ent("file", "/docs"), g)
		if err != nil {
			t.Fatalf("Compute failed: %v", err)
		}
		if !allowed {
			t.Error("alice should read /docs")
		}
	})

	t.Run("viewer does not grant write", func(t *testing.T) {
		allowed, err := eval.Compute(ent("user", "alice"), "write", ent("file", "/docs"), g)
		if err != nil {
			t.Fatalf("Compute failed: %v", err)
		}
		if allowed {
			t.Error("viewer must not write")
		}
	})

	t.Run("revocation denies", func(t *testing.T) {
		empty := NewTupleGraph(nil)
		allowed, err := eval.Compute(ent("user", "alice"), "read", ent("file", "/docs"), empty)
		if err != nil {
			t.Fatalf("Compute failed: %v", err)
		}
		if allowed {
			t.Error("revoked grant must deny")
		}
	})
}

func TestComputeParentInheritance(t *testing.T) {
	reg := fileRegistry(t)
	eval := New(reg)

	// /workspace/a.txt inherits viewer from /workspace through parent.
	g := NewTupleGraph([]tuple.Tuple{
		fact("dir", "/workspace", "parent", "file", "/workspace/a.txt"),
		fact("user", "bob", "direct_viewer", "dir", "/workspace"),
	})

	allowed, err := eval.Compute(ent("user", "bob"), "read", ent("file", "/workspace/a.txt"), g)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if !allowed {
		t.Error("bob should inherit read through the parent directory")
	}

	allowed, err = eval.Compute(ent("user", "mallory"), "read", ent("file", "/workspace/a.txt"), g)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if allowed {
		t.Error("mallory has no grant anywhere")
	}
}

func TestComputeUsersetSubject(t *testing.T) {
	reg := fileRegistry(t)
	eval := New(reg)

	// group:eng#member granted viewer on the file; carol is a member.
	g := NewTupleGraph([]tuple.Tuple{
		usersetFact("group", "eng", "member", "direct_viewer", "file", "/spec.md"),
		fact("user", "carol", "member", "group", "eng"),
	})

	allowed, err := eval.Compute(ent("user", "carol"), "read", ent("file", "/spec.md"), g)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if !allowed {
		t.Error("group membership should grant read")
	}

	allowed, err = eval.Compute(ent("user", "dave"), "read", ent("file", "/spec.md"), g)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if allowed {
		t.Error("non-member must be denied")
	}
}

func TestComputeIntersectionAndExclusion(t *testing.T) {
	doc := &tuple.NamespaceConfig{
		ObjectType: "doc",
		Permissions: map[string]tuple.Rewrite{
			"audit":      tuple.Intersection("auditor", "employee"),
			"not_banned": tuple.Exclusion("banned"),
		},
	}
	reg, err := tuple.NewRegistry(doc)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	eval := New(reg)

	g := NewTupleGraph([]tuple.Tuple{
		fact("user", "erin", "auditor", "doc", "ledger"),
		fact("user", "erin", "employee", "doc", "ledger"),
		fact("user", "frank", "auditor", "doc", "ledger"),
		fact("user", "grace", "banned", "doc", "ledger"),
	})

	t.Run("intersection requires every child", func(t *testing.T) {
		allowed, err := eval.Compute(ent("user", "erin"), "audit", ent("doc", "ledger"), g)
		if err != nil || !allowed {
			t.Errorf("erin audit = (%v, %v), want allow", allowed, err)
		}
		allowed, err = eval.Compute(ent("user", "frank"), "audit", ent("doc", "ledger"), g)
		if err != nil || allowed {
			t.Errorf("frank audit = (%v, %v), want deny (not an employee)", allowed, err)
		}
	})

	t.Run("exclusion negates", func(t *testing.T) {
		allowed, err := eval.Compute(ent("user", "grace"), "not_banned", ent("doc", "ledger"), g)
		if err != nil || allowed {
			t.Errorf("grace = (%v, %v), want deny", allowed, err)
		}
		allowed, err = eval.Compute(ent("user", "erin"), "not_banned", ent("doc", "ledger"), g)
		if err != nil || !allowed {
			t.Errorf("erin = (%v, %v), want allow", allowed, err)
		}
	})
}

func TestComputeCycleSafety(t *testing.T) {
	reg := fileRegistry(t)
	eval := New(reg)

	// /a parent /b and /b parent /a: a cyclic tuple graph. Evaluation
	// must terminate and deny the cyclic relation.
	g := NewTupleGraph([]tuple.Tuple{
		fact("dir", "/a", "parent", "dir", "/b"),
		fact("dir", "/b", "parent", "dir", "/a"),
	})

	allowed, err := eval.Compute(ent("user", "alice"), "viewer", ent("dir", "/a"), g)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if allowed {
		t.Error("cyclic inheritance with no grant must deny")
	}
}

func TestComputeDepthLimit(t *testing.T) {
	reg := fileRegistry(t)
	eval := New(reg, WithMaxDepth(10))

	// A parent chain longer than the depth limit with the grant at the
	// far end: the limit denies rather than erroring.
	var tuples []tuple.Tuple
	for i := 0; i < 20; i++ {
		tuples = append(tuples, fact("dir", fmt.Sprintf("/d%d", i+1), "parent", "dir", fmt.Sprintf("/d%d", i)))
	}
	tuples = append(tuples, fact("user", "alice", "direct_viewer", "dir", "/d20"))
	g := NewTupleGraph(tuples)

	allowed, err := eval.Compute(ent("user", "alice"), "viewer", ent("dir", "/d0"), g)
	if err != nil {
		t.Fatalf("depth overrun must not error: %v", err)
	}
	if allowed {
		t.Error("grant beyond the depth limit must deny")
	}

	// The same chain within the limit allows.
	deepEval := New(reg, WithMaxDepth(100))
	allowed, err = deepEval.Compute(ent("user", "alice"), "viewer", ent("dir", "/d0"), g)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if !allowed {
		t.Error("grant within the depth limit must allow")
	}
}

func TestComputeUnknownNamespace(t *testing.T) {
	reg := fileRegistry(t)
	eval := New(reg)
	g := NewTupleGraph(nil)

	_, err := eval.Compute(ent("user", "alice"), "read", ent("widget", "w1"), g)
	if !errors.Is(err, tuple.ErrUnknownNamespace) {
		t.Fatalf("err = %v, want ErrUnknownNamespace", err)
	}
}

func TestComputeAccessibleSet(t *testing.T) {
	reg := fileRegistry(t)
	eval := New(reg)

	g := NewTupleGraph([]tuple.Tuple{
		fact("dir", "/ws", "parent", "file", "/ws/a"),
		fact("dir", "/ws", "parent", "file", "/ws/b"),
		fact("user", "alice", "direct_viewer", "dir", "/ws"),
		fact("user", "alice", "direct_viewer", "file", "/other"),
		fact("user", "bob", "direct_viewer", "file", "/private"),
	})

	accessible, err := eval.ComputeAccessibleSet(
		ent("user", "alice"), "read", g.ObjectsOfType("file"), g)
	if err != nil {
		t.Fatalf("ComputeAccessibleSet failed: %v", err)
	}

	want := map[string]bool{"/other": true, "/ws/a": true, "/ws/b": true}
	if len(accessible) != len(want) {
		t.Fatalf("accessible = %v, want %v", accessible, want)
	}
	for _, e := range accessible {
		if !want[e.ID] {
			t.Errorf("unexpected accessible object %s", e.ID)
		}
	}
}

// referenceCheck is a naive unbounded-recursion implementation used as the
// oracle for the equivalence property. Only called on acyclic graphs.
func referenceCheck(reg *tuple.Registry, subject tuple.Entity, permission string, object tuple.Entity, g *TupleGraph) bool {
	cfg, err := reg.Lookup(object.Type)
	if err != nil {
		return false
	}
	rw := cfg.Rewrite(permission)
	switch rw.Kind {
	case tuple.RewriteDirect:
		for _, t := range g.Related(object, permission) {
			if !t.Subject.IsUserset() && t.Subject.Entity == subject {
				return true
			}
		}
		for _, t := range g.Related(object, permission) {
			if t.Subject.IsUserset() && referenceCheck(reg, subject, t.Subject.Relation, t.Subject.Entity, g) {
				return true
			}
		}
		return false
	case tuple.RewriteUnion:
		for _, child := range rw.Children {
			if referenceCheck(reg, subject, child, object, g) {
				return true
			}
		}
		return false
	case tuple.RewriteIntersection:
		for _, child := range rw.Children {
			if !referenceCheck(reg, subject, child, object, g) {
				return false
			}
		}
		return true
	case tuple.RewriteExclusion:
		return !referenceCheck(reg, subject, rw.Children[0], object, g)
	case tuple.RewriteTupleToUserset:
		for _, t := range g.Related(object, rw.Tupleset) {
			if referenceCheck(reg, subject, rw.Computed, t.Subject.Entity, g) {
				return true
			}
		}
		return false
	}
	return false
}

// randomGraph builds an acyclic random tuple graph: directories form a
// forest (parent edges only point to lower indices), files hang off
// directories, users and groups get random grants.
func randomGraph(rng *rand.Rand) *TupleGraph {
	var tuples []tuple.Tuple

	numDirs := 3 + rng.Intn(6)
	for i := 1; i < numDirs; i++ {
		parent := rng.Intn(i)
		tuples = append(tuples, fact("dir", fmt.Sprintf("/d%d", parent), "parent", "dir", fmt.Sprintf("/d%d", i)))
	}

	numFiles := 2 + rng.Intn(8)
	for i := 0; i < numFiles; i++ {
		dir := rng.Intn(numDirs)
		tuples = append(tuples, fact("dir", fmt.Sprintf("/d%d", dir), "parent", "file", fmt.Sprintf("/f%d", i)))
	}

	users := []string{"u0", "u1", "u2"}
	groups := []string{"g0", "g1"}
	relations := []string{"direct_viewer", "direct_editor", "direct_owner"}

	numGrants := 2 + rng.Intn(10)
	for i := 0; i < numGrants; i++ {
		rel := relations[rng.Intn(len(relations))]
		objType := "file"
		objID := fmt.Sprintf("/f%d", rng.Intn(numFiles))
		if rng.Intn(2) == 0 {
			objType = "dir"
			objID = fmt.Sprintf("/d%d", rng.Intn(numDirs))
			rel = "direct_viewer"
		}
		if rng.Intn(3) == 0 {
			tuples = append(tuples, usersetFact("group", groups[rng.Intn(len(groups))], "member", rel, objType, objID))
		} else {
			tuples = append(tuples, fact("user", users[rng.Intn(len(users))], rel, objType, objID))
		}
	}

	for _, u := range users {
		if rng.Intn(2) == 0 {
			tuples = append(tuples, fact("user", u, "member", "group", groups[rng.Intn(len(groups))]))
		}
	}

	return NewTupleGraph(tuples)
}

// TestMemoTransparency checks that memoized evaluation matches both the
// memo-free evaluator and the naive reference over randomized graphs.
func TestMemoTransparency(t *testing.T) {
	reg := fileRegistry(t)
	memoized := New(reg)
	memoFree := New(reg, WithoutMemo())

	rng := rand.New(rand.NewSource(7))
	permissions := []string{"read", "write", "viewer"}

	for i := 0; i < 1000; i++ {
		g := randomGraph(rng)
		subject := ent("user", fmt.Sprintf("u%d", rng.Intn(3)))
		permission := permissions[rng.Intn(len(permissions))]
		object := ent("file", fmt.Sprintf("/f%d", rng.Intn(10)))

		withMemo, err := memoized.Compute(subject, permission, object, g)
		if err != nil {
			t.Fatalf("graph %d: memoized Compute failed: %v", i, err)
		}
		withoutMemo, err := memoFree.Compute(subject, permission, object, g)
		if err != nil {
			t.Fatalf("graph %d: memo-free Compute failed: %v", i, err)
		}
		oracle := referenceCheck(reg, subject, permission, object, g)

		if withMemo != withoutMemo || withMemo != oracle {
			t.Fatalf("graph %d: %s %s %s: memo=%v nomemo=%v reference=%v",
				i, subject, permission, object, withMemo, withoutMemo, oracle)
		}
	}
}
