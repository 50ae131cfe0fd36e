// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tuple

import (
	"errors"
	"fmt"
)

// RewriteKind identifies how a permission is computed from other relations.
type RewriteKind int

const (
	// RewriteDirect matches stored tuples for the relation itself.
	RewriteDirect RewriteKind = iota

	// RewriteUnion allows if any child relation allows.
	RewriteUnion

	// RewriteIntersection allows only if every child relation allows.
	RewriteIntersection

	// RewriteExclusion negates the result of its single child relation.
	RewriteExclusion

	// RewriteTupleToUserset follows the tupleset relation to related
	// entities and evaluates the computed relation there.
	RewriteTupleToUserset
)

// String returns the human-readable name for the rewrite kind.
func (k RewriteKind) String() string {
	switch k {
	case RewriteDirect:
		return "direct"
	case RewriteUnion:
		return "union"
	case RewriteIntersection:
		return "intersection"
	case RewriteExclusion:
		return "exclusion"
	case RewriteTupleToUserset:
		return "tuple_to_userset"
	default:
		return "unknown"
	}
}

// Rewrite defines how one permission name resolves.
//
// Exactly one interpretation applies per permission (enforced by
// Registry validation):
//
//   - RewriteDirect: no fields used.
//   - RewriteUnion / RewriteIntersection: Children lists the sub-relations.
//   - RewriteExclusion: Children holds exactly one sub-relation to negate.
//   - RewriteTupleToUserset: Tupleset names the linking relation and
//     Computed names the relation evaluated on each linked entity.
type Rewrite struct {
	Kind     RewriteKind
	Children []string
	Tupleset string
	Computed string
}

// Union is a convenience constructor for a union rewrite.
func Union(children ...string) Rewrite {
	return Rewrite{Kind: RewriteUnion, Children: children}
}

// Intersection is a convenience constructor for an intersection rewrite.
func Intersection(children ...string) Rewrite {
	return Rewrite{Kind: RewriteIntersection, Children: children}
}

// Exclusion is a convenience constructor for an exclusion rewrite.
func Exclusion(child string) Rewrite {
	return Rewrite{Kind: RewriteExclusion, Children: []string{child}}
}

// TupleToUserset is a convenience constructor for an indirect rewrite.
// tupleset is the linking relation (e.g. "parent"), computed the relation
// evaluated on each linked entity (e.g. "viewer").
func TupleToUserset(tupleset, computed string) Rewrite {
	return Rewrite{Kind: RewriteTupleToUserset, Tupleset: tupleset, Computed: computed}
}

// Direct is a convenience constructor for a direct relation.
func Direct() Rewrite {
	return Rewrite{Kind: RewriteDirect}
}

// NamespaceConfig maps permission names to rewrites for one object type.
type NamespaceConfig struct {
	// ObjectType is the entity type this config governs (e.g. "file").
	ObjectType string

	// Permissions maps each permission or relation name to its rewrite.
	// Names absent from the map are treated as direct relations.
	Permissions map[string]Rewrite

	// HierarchyRelations lists relations forming the object hierarchy
	// (e.g. "parent"). Writes creating a cycle over these relations are
	// rejected at the engine layer.
	HierarchyRelations []string
}

// IsHierarchyRelation reports whether relation participates in the object
// hierarchy.
func (c *NamespaceConfig) IsHierarchyRelation(relation string) bool {
	for _, r := range c.HierarchyRelations {
		if r == relation {
			return true
		}
	}
	return false
}

// Rewrite returns the rewrite for a permission name. Unknown names resolve
// to a direct relation, which matches Zanzibar semantics: a relation with
// no userset rewrite is its own tuple set.
func (c *NamespaceConfig) Rewrite(permission string) Rewrite {
	if rw, ok := c.Permissions[permission]; ok {
		return rw
	}
	return Direct()
}

// Sentinel errors for namespace validation and lookup.
var (
	// ErrUnknownNamespace is returned when no config exists for an
	// object type.
	ErrUnknownNamespace = errors.New("unknown namespace")

	// ErrInvalidNamespace is returned when a config fails validation.
	ErrInvalidNamespace = errors.New("invalid namespace config")
)

// Registry holds validated namespace configs, keyed by object type.
//
// Thread Safety: Registry is immutable after construction and safe for
// concurrent reads.
type Registry struct {
	configs map[string]*NamespaceConfig
}

// NewRegistry validates and indexes the given configs.
//
// Description:
//
//	Validation enforces the two namespace invariants: every permission
//	resolves to exactly one rewrite kind with well-formed fields, and the
//	rewrite reference graph within a namespace is acyclic. A cyclic
//	*definition* (read = union(read)) is a configuration error, distinct
//	from cyclic tuple data which the evaluator bounds at runtime.
//
// Inputs:
//
//	configs - One config per object type. Must not share object types.
//
// Outputs:
//
//	*Registry - The validated registry.
//	error - Non-nil if any config is malformed or cyclic, wrapping
//	ErrInvalidNamespace.
func NewRegistry(configs ...*NamespaceConfig) (*Registry, error) {
	byType := make(map[string]*NamespaceConfig, len(configs))
	for _, cfg := range configs {
		if cfg.ObjectType == "" {
			return nil, fmt.Errorf("%w: empty object type", ErrInvalidNamespace)
		}
		if _, dup := byType[cfg.ObjectType]; dup {
			return nil, fmt.Errorf("%w: duplicate config for %q", ErrInvalidNamespace, cfg.ObjectType)
		}
		if err := validateConfig(cfg); err != nil {
			return nil, err
		}
		byType[cfg.ObjectType] = cfg
	}
	return &Registry{configs: byType}, nil
}

// Lookup returns the config for an object type.
func (r *Registry) Lookup(objectType string) (*NamespaceConfig, error) {
	cfg, ok := r.configs[objectType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNamespace, objectType)
	}
	return cfg, nil
}

// ObjectTypes returns all registered object types.
func (r *Registry) ObjectTypes() []string {
	types := make([]string, 0, len(r.configs))
	for t := range r.configs {
		types = append(types, t)
	}
	return types
}

// validateConfig checks structural validity and definition acyclicity.
func validateConfig(cfg *NamespaceConfig) error {
	for name, rw := range cfg.Permissions {
		if name == "" {
			return fmt.Errorf("%w: %s: empty permission name", ErrInvalidNamespace, cfg.ObjectType)
		}
		switch rw.Kind {
		case RewriteDirect:
			// No fields to check.
		case RewriteUnion, RewriteIntersection:
			if len(rw.Children) == 0 {
				return fmt.Errorf("%w: %s.%s: %s with no children",
					ErrInvalidNamespace, cfg.ObjectType, name, rw.Kind)
			}
		case RewriteExclusion:
			if len(rw.Children) != 1 {
				return fmt.Errorf("%w: %s.%s: exclusion needs exactly one child, got %d",
					ErrInvalidNamespace, cfg.ObjectType, name, len(rw.Children))
			}
		case RewriteTupleToUserset:
			if rw.Tupleset == "" || rw.Computed == "" {
				return fmt.Errorf("%w: %s.%s: tuple_to_userset needs tupleset and computed relations",
					ErrInvalidNamespace, cfg.ObjectType, name)
			}
		default:
			return fmt.Errorf("%w: %s.%s: unknown rewrite kind %d",
				ErrInvalidNamespace, cfg.ObjectType, name, rw.Kind)
		}
	}

	// Cycle check over local rewrite references (union/intersection/
	// exclusion children). Tuple-to-userset edges cross to other objects
	// and terminate locally, so they are not part of the definition graph.
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(cfg.Permissions))

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case inStack:
			return fmt.Errorf("%w: %s: cyclic definition through %q",
				ErrInvalidNamespace, cfg.ObjectType, name)
		case done:
			return nil
		}
		state[name] = inStack
		rw, ok := cfg.Permissions[name]
		if ok {
			for _, child := range rw.Children {
				if err := visit(child); err != nil {
					return err
				}
			}
		}
		state[name] = done
		return nil
	}

	for name := range cfg.Permissions {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}
