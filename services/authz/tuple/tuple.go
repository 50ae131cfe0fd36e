// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tuple defines the relationship fact model for the authorization
// engine: typed entities, relationship tuples, and the per-object-type
// namespace grammar (unions, intersections, exclusions, indirect relations).
//
// All types in this package are plain values. They carry no I/O and no
// locks; higher layers own storage and concurrency.
package tuple

import (
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianGate/pkg/validation"
)

// Entity is a typed identifier for a subject or object.
//
// Entity is an immutable value type and is safe to use as a map key.
// Examples: {"user", "alice"}, {"file", "/docs/readme.md"}.
type Entity struct {
	Type string
	ID   string
}

// String returns the canonical "type:id" form.
func (e Entity) String() string {
	return e.Type + ":" + e.ID
}

// IsZero reports whether the entity is unset.
func (e Entity) IsZero() bool {
	return e.Type == "" && e.ID == ""
}

// Subject is the left-hand side of a tuple. When Relation is non-empty the
// subject is a userset reference (every member of Entity's Relation userset),
// which enables indirect tuple-to-userset chains.
type Subject struct {
	Entity   Entity
	Relation string
}

// IsUserset reports whether the subject is a userset reference rather than
// a concrete entity.
func (s Subject) IsUserset() bool {
	return s.Relation != ""
}

// String returns "type:id" or "type:id#relation" for userset subjects.
func (s Subject) String() string {
	if s.Relation == "" {
		return s.Entity.String()
	}
	return s.Entity.String() + "#" + s.Relation
}

// Tuple is one relationship fact: subject has relation to object within a
// zone. Tuples are append-only; deletion is a tombstone in the store, never
// an in-place mutation.
type Tuple struct {
	Subject  Subject
	Relation string
	Object   Entity
	ZoneID   string
}

// String renders the tuple in "subject relation object @zone" form, used in
// logs and error messages.
func (t Tuple) String() string {
	return fmt.Sprintf("%s --%s--> %s @%s", t.Subject, t.Relation, t.Object, t.ZoneID)
}

// Key returns a canonical stable key for the tuple, suitable for map keys
// and store key construction.
func (t Tuple) Key() string {
	var b strings.Builder
	b.Grow(len(t.ZoneID) + len(t.Relation) + 64)
	b.WriteString(t.ZoneID)
	b.WriteByte('|')
	b.WriteString(t.Object.Type)
	b.WriteByte('|')
	b.WriteString(t.Object.ID)
	b.WriteByte('|')
	b.WriteString(t.Relation)
	b.WriteByte('|')
	b.WriteString(t.Subject.Entity.Type)
	b.WriteByte('|')
	b.WriteString(t.Subject.Entity.ID)
	b.WriteByte('|')
	b.WriteString(t.Subject.Relation)
	return b.String()
}

// ErrMalformedTuple is returned by Validate for structurally invalid tuples.
var ErrMalformedTuple = errors.New("malformed tuple")

// Validate checks structural validity of the tuple.
//
// Identifiers that end up in store key prefixes (zone, types, relations)
// must satisfy the restricted identifier grammar; entity IDs carry paths
// and only exclude delimiter and control bytes. Namespace conformance is
// checked by the evaluator against the Registry.
func (t Tuple) Validate() error {
	checks := []error{
		validation.ValidateIdentifier("zone", t.ZoneID),
		validation.ValidateIdentifier("subject type", t.Subject.Entity.Type),
		validation.ValidateEntityID(t.Subject.Entity.ID),
		validation.ValidateIdentifier("relation", t.Relation),
		validation.ValidateIdentifier("object type", t.Object.Type),
		validation.ValidateEntityID(t.Object.ID),
	}
	if t.Subject.IsUserset() {
		checks = append(checks, validation.ValidateIdentifier("subject relation", t.Subject.Relation))
	}
	for _, err := range checks {
		if err != nil {
			return fmt.Errorf("%w: %v in %q", ErrMalformedTuple, err, t.String())
		}
	}
	return nil
}
