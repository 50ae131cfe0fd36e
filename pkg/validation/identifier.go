// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation for security-critical
// identifiers.
//
// Zone IDs, entity types and relation names are embedded in store key
// prefixes with '|' delimiters; a hostile identifier could cross key
// boundaries and corrupt prefix scans. Validate all externally supplied
// identifiers with this package before they reach storage.
package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// identPattern matches zone IDs, entity types and relation names:
// lowercase alphanumeric start, then alphanumerics, underscores, dots
// and hyphens, at most 64 characters total.
var identPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.\-]{0,63}$`)

// ValidateIdentifier validates a short identifier (zone ID, entity type,
// relation or permission name).
//
// Valid identifiers:
//   - 1-64 characters
//   - lowercase letters, digits, underscore, dot, hyphen
//   - must start with a letter or digit
//
// Example:
//
//	if err := validation.ValidateIdentifier("zone", zoneID); err != nil {
//	    return err
//	}
func ValidateIdentifier(kind, s string) error {
	if s == "" {
		return fmt.Errorf("%s must not be empty", kind)
	}
	if !identPattern.MatchString(s) {
		return fmt.Errorf("%s %q: must match %s", kind, s, identPattern.String())
	}
	return nil
}

// maxEntityIDLen bounds entity IDs, which carry filesystem paths.
const maxEntityIDLen = 1024

// ValidateEntityID validates an entity ID. IDs carry arbitrary paths, so
// the character set is broad; only store-delimiter and control bytes are
// rejected.
func ValidateEntityID(s string) error {
	if s == "" {
		return fmt.Errorf("entity ID must not be empty")
	}
	if len(s) > maxEntityIDLen {
		return fmt.Errorf("entity ID exceeds %d bytes", maxEntityIDLen)
	}
	if !utf8.ValidString(s) {
		return fmt.Errorf("entity ID is not valid UTF-8")
	}
	if strings.ContainsAny(s, "|\x00\n") {
		return fmt.Errorf("entity ID %q: contains a reserved delimiter or control byte", s)
	}
	return nil
}
