// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package evaluator computes ALLOW/DENY decisions by recursive descent
// over a pre-fetched tuple graph and a validated namespace registry.
//
// Evaluation is pure with respect to its inputs: no I/O, no shared mutable
// state. Memoization and cycle tracking live in a per-query run object, so
// concurrent evaluations need no locking inside the traversal.
package evaluator

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianGate/services/authz/tuple"
)

// Prometheus metrics for evaluator tuning.
var (
	memoHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authz_evaluator_memo_hits_total",
		Help: "Memoization hits within top-level evaluations",
	})

	memoMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authz_evaluator_memo_misses_total",
		Help: "Memoization misses within top-level evaluations",
	})

	depthDenials = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authz_evaluator_depth_limit_denials_total",
		Help: "Evaluations denied by the recursion depth limit",
	})

	maxDepthReached = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "authz_evaluator_max_depth",
		Help:    "Maximum recursion depth reached per top-level evaluation",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 50},
	})
)

// DefaultMaxDepth bounds recursion over the tuple graph. A deep or cyclic
// tuple graph is a data-quality issue, not a caller error: exceeding the
// limit denies and logs instead of erroring.
const DefaultMaxDepth = 50

// Evaluator performs permission checks against a namespace registry.
//
// Thread Safety: Evaluator is immutable after construction and safe for
// concurrent use; all per-query state lives on the call stack.
type Evaluator struct {
	registry *tuple.Registry
	maxDepth int
	noMemo   bool
}

// Option is a functional option for configuring the Evaluator.
type Option func(*Evaluator)

// WithMaxDepth overrides the recursion depth limit.
func WithMaxDepth(n int) Option {
	return func(e *Evaluator) {
		if n > 0 {
			e.maxDepth = n
		}
	}
}

// WithoutMemo disables memoization. Exists for the equivalence property
// test; production callers never want this.
func WithoutMemo() Option {
	return func(e *Evaluator) {
		e.noMemo = true
	}
}

// New creates an evaluator over a validated registry.
func New(registry *tuple.Registry, opts ...Option) *Evaluator {
	e := &Evaluator{registry: registry, maxDepth: DefaultMaxDepth}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// memoKey identifies one sub-check. Shared across sibling sub-checks of a
// single top-level query, never across unrelated queries.
type memoKey struct {
	subjectType string
	subjectID   string
	permission  string
	objectType  string
	objectID    string
}

// run holds the request-scoped evaluation state.
type run struct {
	eval     *Evaluator
	graph    *TupleGraph
	memo     map[memoKey]bool
	visited  map[memoKey]struct{}
	deepest  int
	memoHits int64
	memoMiss int64
}

// Compute decides whether subject holds permission on object given the
// pre-fetched tuple graph.
//
// Description:
//
//	Recursive descent over the namespace rewrite for object's type: union
//	short-circuits on first ALLOW, intersection on first DENY, exclusion
//	negates, tuple-to-userset recurses on entities linked through the
//	tupleset relation. The direct base case matches an exact (subject,
//	relation, object) tuple and expands userset-subject tuples one level.
//
// Inputs:
//
//	subject - The concrete subject entity (never a userset reference).
//	permission - The permission or relation name to evaluate.
//	object - The object entity.
//	graph - Pre-fetched tuples covering the query's connected component.
//
// Outputs:
//
//	bool - True for ALLOW. Cycles and depth overruns evaluate to DENY.
//	error - Non-nil only for configuration problems (unknown namespace),
//	wrapping tuple.ErrUnknownNamespace. "Permission absent" is a normal
//	false, never an error.
//
// Thread Safety: Safe for concurrent use; state is request-scoped.
func (e *Evaluator) Compute(subject tuple.Entity, permission string, object tuple.Entity, graph *TupleGraph) (bool, error) {
	r := e.newRun(graph)
	allowed, err := r.check(subject, permission, object, 0)
	r.finish()
	return allowed, err
}

// ComputeAccessibleSet evaluates subject/permission against every candidate
// object in one run, sharing the memo across the whole batch (bulk mode for
// Tiger cache materialization).
//
// Outputs the accessible subset of candidates, preserving input order.
func (e *Evaluator) ComputeAccessibleSet(subject tuple.Entity, permission string, candidates []tuple.Entity, graph *TupleGraph) ([]tuple.Entity, error) {
	r := e.newRun(graph)
	defer r.finish()

	accessible := make([]tuple.Entity, 0, len(candidates))
	for _, object := range candidates {
		allowed, err := r.check(subject, permission, object, 0)
		if err != nil {
			return nil, err
		}
		if allowed {
			accessible = append(accessible, object)
		}
	}
	return accessible, nil
}

func (e *Evaluator) newRun(graph *TupleGraph) *run {
	return &run{
		eval:    e,
		graph:   graph,
		memo:    make(map[memoKey]bool),
		visited: make(map[memoKey]struct{}),
	}
}

// finish flushes per-run observations to process-wide metrics.
func (r *run) finish() {
	memoHits.Add(float64(r.memoHits))
	memoMisses.Add(float64(r.memoMiss))
	maxDepthReached.Observe(float64(r.deepest))
}

// check evaluates one (subject, permission, object) sub-problem.
func (r *run) check(subject tuple.Entity, permission string, object tuple.Entity, depth int) (bool, error) {
	if depth > r.deepest {
		r.deepest = depth
	}
	if depth >= r.eval.maxDepth {
		depthDenials.Inc()
		slog.Warn("permission check denied by depth limit",
			"subject", subject.String(),
			"permission", permission,
			"object", object.String(),
			"max_depth", r.eval.maxDepth)
		return false, nil
	}

	key := memoKey{
		subjectType: subject.Type,
		subjectID:   subject.ID,
		permission:  permission,
		objectType:  object.Type,
		objectID:    object.ID,
	}

	// Revisiting a key within the same call chain is a tuple-graph cycle:
	// deny rather than recurse forever.
	if _, cycling := r.visited[key]; cycling {
		return false, nil
	}

	if !r.eval.noMemo {
		if allowed, ok := r.memo[key]; ok {
			r.memoHits++
			return allowed, nil
		}
		r.memoMiss++
	}

	r.visited[key] = struct{}{}
	defer delete(r.visited, key)

	cfg, err := r.eval.registry.Lookup(object.Type)
	if err != nil {
		return false, err
	}

	allowed, err := r.rewrite(cfg.Rewrite(permission), subject, permission, object, depth)
	if err != nil {
		return false, err
	}

	if !r.eval.noMemo {
		r.memo[key] = allowed
	}
	return allowed, nil
}

// rewrite dispatches on the rewrite kind for one permission.
func (r *run) rewrite(rw tuple.Rewrite, subject tuple.Entity, permission string, object tuple.Entity, depth int) (bool, error) {
	switch rw.Kind {
	case tuple.RewriteDirect:
		return r.direct(subject, permission, object, depth)

	case tuple.RewriteUnion:
		for _, child := range rw.Children {
			allowed, err := r.check(subject, child, object, depth+1)
			if err != nil {
				return false, err
			}
			if allowed {
				return true, nil
			}
		}
		return false, nil

	case tuple.RewriteIntersection:
		for _, child := range rw.Children {
			allowed, err := r.check(subject, child, object, depth+1)
			if err != nil {
				return false, err
			}
			if !allowed {
				return false, nil
			}
		}
		return true, nil

	case tuple.RewriteExclusion:
		allowed, err := r.check(subject, rw.Children[0], object, depth+1)
		if err != nil {
			return false, err
		}
		return !allowed, nil

	case tuple.RewriteTupleToUserset:
		return r.tupleToUserset(rw, subject, object, depth)

	default:
		return false, fmt.Errorf("%w: rewrite kind %d for %s.%s",
			tuple.ErrInvalidNamespace, rw.Kind, object.Type, permission)
	}
}

// tupleToUserset resolves the two candidate patterns over the graph: plain
// subjects of the tupleset relation (parent-style, "this file's parent
// directory") and userset subjects (group-style, "groups granted directly
// on this file"), then recurses on the computed relation against each
// candidate entity, short-circuiting on first ALLOW.
func (r *run) tupleToUserset(rw tuple.Rewrite, subject tuple.Entity, object tuple.Entity, depth int) (bool, error) {
	for _, t := range r.graph.Related(object, rw.Tupleset) {
		allowed, err := r.check(subject, rw.Computed, t.Subject.Entity, depth+1)
		if err != nil {
			return false, err
		}
		if allowed {
			return true, nil
		}
	}
	return false, nil
}

// direct is the base case: an exact (subject, relation, object) tuple with
// no subject-relation indirection allows. Userset-subject tuples
// ((group#member, relation, object)) expand one level by recursing the
// subject relation on the userset's entity.
func (r *run) direct(subject tuple.Entity, relation string, object tuple.Entity, depth int) (bool, error) {
	tuples := r.graph.Related(object, relation)

	// Exact matches first: cheapest, and the common case.
	for _, t := range tuples {
		if !t.Subject.IsUserset() && t.Subject.Entity == subject {
			return true, nil
		}
	}

	for _, t := range tuples {
		if !t.Subject.IsUserset() {
			continue
		}
		allowed, err := r.check(subject, t.Subject.Relation, t.Subject.Entity, depth+1)
		if err != nil {
			return false, err
		}
		if allowed {
			return true, nil
		}
	}
	return false, nil
}
