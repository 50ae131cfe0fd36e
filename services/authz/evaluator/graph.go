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
	"sort"

	"github.com/AleutianAI/AleutianGate/services/authz/tuple"
)

// TupleGraph is an indexed, read-only view over a pre-fetched flat tuple
// set. The caller is responsible for fetching every tuple in the query's
// connected component; the graph performs no I/O.
//
// Thread Safety: TupleGraph is immutable after construction and safe for
// concurrent reads.
type TupleGraph struct {
	count    int
	byObject map[tuple.Entity]map[string][]tuple.Tuple
	byType   map[string][]tuple.Entity
}

// NewTupleGraph indexes the given tuples by (object, relation) and by
// object type.
func NewTupleGraph(tuples []tuple.Tuple) *TupleGraph {
	g := &TupleGraph{
		count:    len(tuples),
		byObject: make(map[tuple.Entity]map[string][]tuple.Tuple),
		byType:   make(map[string][]tuple.Entity),
	}
	for _, t := range tuples {
		rels := g.byObject[t.Object]
		if rels == nil {
			rels = make(map[string][]tuple.Tuple)
			g.byObject[t.Object] = rels
			g.byType[t.Object.Type] = append(g.byType[t.Object.Type], t.Object)
		}
		rels[t.Relation] = append(rels[t.Relation], t)
	}
	// Deterministic candidate order for bulk evaluation.
	for _, entities := range g.byType {
		sort.Slice(entities, func(i, j int) bool { return entities[i].ID < entities[j].ID })
	}
	return g
}

// Related returns the tuples with the given object and relation. The
// returned slice is shared; callers must not mutate it.
func (g *TupleGraph) Related(object tuple.Entity, relation string) []tuple.Tuple {
	rels, ok := g.byObject[object]
	if !ok {
		return nil
	}
	return rels[relation]
}

// ObjectsOfType returns every distinct object of the given type appearing
// in the graph, in ascending ID order. Used by bulk evaluation to derive
// the candidate resource set.
func (g *TupleGraph) ObjectsOfType(objectType string) []tuple.Entity {
	return g.byType[objectType]
}

// Len returns the number of tuples in the graph.
func (g *TupleGraph) Len() int {
	return g.count
}
