// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines interfaces for enterprise functionality.
//
// The open source authorization gate works standalone; enterprise
// deployments inject implementations of these interfaces to add
// compliance audit trails without modifying the core engine. All
// implementations must be safe for concurrent use.
package extensions

import (
	"context"
	"log/slog"
	"time"
)

// AuditEvent is one security-relevant authorization event.
//
// Event types:
//   - "authz.check": a permission check and its outcome
//   - "authz.grant" / "authz.revoke": tuple mutations
//   - "authz.migrate": a zone consistency migration
type AuditEvent struct {
	// EventType categorizes the event, "category.action" form.
	EventType string

	// Timestamp is when the event occurred, UTC.
	Timestamp time.Time

	// ZoneID is the tenant zone the event belongs to.
	ZoneID string

	// Subject is the acting or checked subject, "type:id" form.
	Subject string

	// Action is the permission or relation involved.
	Action string

	// Resource is the object the event concerns, "type:id" form.
	Resource string

	// Outcome is "allow", "deny", "success" or "error".
	Outcome string

	// Metadata carries event-specific attributes (revision, mode).
	Metadata map[string]any
}

// AuditLogger records authorization events for compliance.
//
// Log must not block the calling request path; buffer internally and
// drop on overload rather than stalling checks. Failures are the
// implementation's to report, the engine does not retry.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent)
}

// NopAuditLogger discards all events. The open source default.
type NopAuditLogger struct{}

func (NopAuditLogger) Log(context.Context, AuditEvent) {}

// SlogAuditLogger writes events to a structured logger. Suitable for
// deployments that collect audit trails from log output.
type SlogAuditLogger struct {
	Logger *slog.Logger
}

func (l SlogAuditLogger) Log(ctx context.Context, event AuditEvent) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	logger.LogAttrs(ctx, slog.LevelInfo, "audit",
		slog.String("event_type", event.EventType),
		slog.Time("event_time", event.Timestamp),
		slog.String("zone", event.ZoneID),
		slog.String("subject", event.Subject),
		slog.String("action", event.Action),
		slog.String("resource", event.Resource),
		slog.String("outcome", event.Outcome),
		slog.Any("metadata", event.Metadata),
	)
}

var (
	_ AuditLogger = NopAuditLogger{}
	_ AuditLogger = SlogAuditLogger{}
)
