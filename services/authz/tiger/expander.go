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
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianGate/services/authz/bitmap"
	"github.com/AleutianAI/AleutianGate/services/authz/store"
	"github.com/AleutianAI/AleutianGate/services/authz/tuple"
)

var tracer = otel.Tracer("authz.tiger")

var (
	expansionsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authz_tiger_expansions_completed_total",
		Help: "Directory grants fully expanded into bitmap entries",
	})

	expansionsDeferred = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authz_tiger_expansions_deferred_total",
		Help: "Directory grants left pending for background expansion",
	})

	enumerationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authz_tiger_enumeration_failures_total",
		Help: "Descendant enumeration failures degraded to pending grants",
	})

	expandedResources = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authz_tiger_expanded_resources_total",
		Help: "Individual resources written into bitmaps by expansion",
	})
)

// Resource is one descendant of a directory as reported by the metadata
// layer: its path and the stable UUID the resource map keys on.
type Resource struct {
	Path string
	UUID uuid.UUID
}

// ResourceUUID derives the stable UUID for a path within a zone (UUIDv5
// over zone and path). Metadata layers that do not track native resource
// UUIDs use this derivation so the read path and the expander agree on
// identity.
func ResourceUUID(zoneID, p string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("authz://"+zoneID+p))
}

// Enumerator is the metadata-layer view the expander needs. Implemented
// over the filesystem metadata service; tests use a fixture.
type Enumerator interface {
	// ListDescendants returns every resource under directory in the zone.
	ListDescendants(ctx context.Context, zoneID, directory string) ([]Resource, error)

	// HasChildren reports whether any resource exists under path.
	HasChildren(ctx context.Context, zoneID, p string) (bool, error)
}

// knownFileExtensions is the allowlist consulted by the directory
// heuristic. Paths carrying one of these suffixes are presumed files.
var knownFileExtensions = map[string]struct{}{
	".md": {}, ".txt": {}, ".rst": {}, ".pdf": {},
	".go": {}, ".py": {}, ".js": {}, ".ts": {}, ".rs": {}, ".java": {},
	".c": {}, ".h": {}, ".cpp": {}, ".sh": {},
	".json": {}, ".yaml": {}, ".yml": {}, ".toml": {}, ".xml": {}, ".csv": {},
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".svg": {},
	".zip": {}, ".gz": {}, ".tar": {},
}

// Config configures the Expander.
type Config struct {
	// SyncExpandLimit is the maximum descendant count expanded inline on
	// the write path. Default: 10000.
	SyncExpandLimit int

	// ResourceType is the resource type bitmaps are keyed under.
	// Default: "file".
	ResourceType string

	// GrantsPerSecond paces background expansion. Default: 10.
	GrantsPerSecond rate.Limit

	// Workers bounds concurrent background expansions. Default: 4.
	Workers int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SyncExpandLimit: 10000,
		ResourceType:    "file",
		GrantsPerSecond: 10,
		Workers:         4,
	}
}

// Expander fans directory grants out to per-resource bitmap entries.
//
// Write amplification is the deal: recording a grant on a directory costs
// O(descendants) bitmap writes so that later per-file checks are O(1).
// Fan-out above SyncExpandLimit is deferred to the background worker so
// the write path never blocks on a pathological directory.
//
// Thread Safety: Safe for concurrent use; all state lives in the injected
// collaborators, which are themselves concurrency-safe.
type Expander struct {
	grants    store.GrantStore
	clock     store.RevisionClock
	enum      Enumerator
	resources *bitmap.ResourceMap
	cache     Cache
	cfg       Config
	limiter   *rate.Limiter
}

// NewExpander creates an expander over its collaborators.
func NewExpander(grants store.GrantStore, clock store.RevisionClock, enum Enumerator,
	resources *bitmap.ResourceMap, cache Cache, cfg Config) *Expander {
	def := DefaultConfig()
	if cfg.SyncExpandLimit <= 0 {
		cfg.SyncExpandLimit = def.SyncExpandLimit
	}
	if cfg.ResourceType == "" {
		cfg.ResourceType = def.ResourceType
	}
	if cfg.GrantsPerSecond <= 0 {
		cfg.GrantsPerSecond = def.GrantsPerSecond
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	return &Expander{
		grants:    grants,
		clock:     clock,
		enum:      enum,
		resources: resources,
		cache:     cache,
		cfg:       cfg,
		limiter:   rate.NewLimiter(cfg.GrantsPerSecond, 1),
	}
}

// IsDirectory classifies a path using the grant-compatibility heuristics,
// in priority order, first match wins:
//
//  1. Trailing slash: directory.
//  2. No allowlisted file extension: directory. This is a known source of
//     false positives for extensionless files; the order is preserved for
//     compatibility with grants recorded under it.
//  3. Children probe against the metadata layer: directory if any child
//     exists.
//
// Probe failures classify as file (no fan-out rather than a wrong one).
func (x *Expander) IsDirectory(ctx context.Context, zoneID, p string) bool {
	if strings.HasSuffix(p, "/") {
		return true
	}
	if _, known := knownFileExtensions[strings.ToLower(path.Ext(p))]; !known {
		return true
	}
	has, err := x.enum.HasChildren(ctx, zoneID, p)
	if err != nil {
		slog.Warn("children probe failed, classifying as file",
			"path", p, "zone", zoneID, "error", err)
		return false
	}
	return has
}

// RecordGrant records a directory grant and expands it.
//
// Description:
//
//	The grant record is persisted before any expansion so files created
//	under the directory later inherit it without re-expansion. Descendant
//	counts at or under SyncExpandLimit expand inline and complete; an
//	empty directory completes with zero entries; larger fan-outs stay
//	pending for the background worker. Enumeration failure is logged and
//	leaves the grant pending (a later re-expansion repairs it) instead of
//	failing the write.
//
// Inputs:
//
//	subject - The grantee.
//	permission - The permission the bitmap materializes (the effective
//	permission, not the raw tuple relation).
//	directory - The directory entity granted on.
//	zoneID - The tenant zone.
//
// Outputs:
//
//	store.DirectoryGrant - The recorded grant, with its final status.
//	error - Non-nil only when the grant itself could not be recorded or
//	inline expansion failed after recording; in the latter case the grant
//	is durably pending.
func (x *Expander) RecordGrant(ctx context.Context, subject tuple.Subject, permission string,
	directory tuple.Entity, zoneID string) (store.DirectoryGrant, error) {

	ctx, span := tracer.Start(ctx, "tiger.RecordGrant")
	defer span.End()
	span.SetAttributes(
		attribute.String("authz.zone", zoneID),
		attribute.String("authz.directory", directory.ID),
	)

	rev, err := x.clock.Current(ctx, zoneID)
	if err != nil {
		return store.DirectoryGrant{}, fmt.Errorf("reading zone revision: %w", err)
	}

	grant := store.DirectoryGrant{
		ID:         uuid.NewString(),
		Subject:    subject,
		Permission: permission,
		Directory:  directory,
		ZoneID:     zoneID,
		Status:     store.GrantPending,
		Revision:   rev,
		CreatedAt:  time.Now().UTC(),
	}
	if err := x.grants.PutGrant(ctx, grant); err != nil {
		return store.DirectoryGrant{}, fmt.Errorf("recording directory grant: %w", err)
	}

	descendants, err := x.enum.ListDescendants(ctx, zoneID, directory.ID)
	if err != nil {
		enumerationFailures.Inc()
		slog.Warn("descendant enumeration failed, grant left pending",
			"grant_id", grant.ID, "directory", directory.ID, "zone", zoneID, "error", err)
		return grant, nil
	}

	if len(descendants) > x.cfg.SyncExpandLimit {
		expansionsDeferred.Inc()
		slog.Info("directory grant deferred to background expansion",
			"grant_id", grant.ID, "descendants", len(descendants), "limit", x.cfg.SyncExpandLimit)
		return grant, nil
	}

	if err := x.expand(ctx, &grant, descendants); err != nil {
		return grant, err
	}
	return grant, nil
}

// ExpandGrant re-runs expansion for a recorded grant. Idempotent: expanding
// a completed grant is a no-op, and re-expanding a pending grant unions
// into the existing bitmap without drift.
func (x *Expander) ExpandGrant(ctx context.Context, zoneID, grantID string) error {
	ctx, span := tracer.Start(ctx, "tiger.ExpandGrant")
	defer span.End()

	grant, err := x.grants.GetGrant(ctx, zoneID, grantID)
	if err != nil {
		return fmt.Errorf("loading grant %s: %w", grantID, err)
	}
	if grant.Status == store.GrantCompleted {
		return nil
	}

	descendants, err := x.enum.ListDescendants(ctx, zoneID, grant.Directory.ID)
	if err != nil {
		enumerationFailures.Inc()
		return fmt.Errorf("enumerating %s: %w", grant.Directory.ID, err)
	}
	return x.expand(ctx, &grant, descendants)
}

// expand writes the descendant set into the grant's bitmap and marks the
// grant completed. Cancellation mid-expansion returns before the status
// flip, leaving the grant pending and resumable, never
// partially-applied-and-completed.
func (x *Expander) expand(ctx context.Context, grant *store.DirectoryGrant, descendants []Resource) error {
	key := Key{
		SubjectType:  grant.Subject.Entity.Type,
		SubjectID:    grant.Subject.Entity.ID,
		Permission:   grant.Permission,
		ResourceType: x.cfg.ResourceType,
		ZoneID:       grant.ZoneID,
	}

	builder := bitmap.NewBuilder(uint32(len(descendants)))
	for _, res := range descendants {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("expansion cancelled: %w", err)
		}
		id, err := x.resources.ID(ctx, grant.ZoneID, res.UUID)
		if err != nil {
			return fmt.Errorf("mapping resource %s: %w", res.Path, err)
		}
		builder.Add(id)
	}

	// Union with the existing bitmap keeps re-expansion idempotent and
	// preserves entries from other grants to the same subject.
	existing, _, ok := x.cache.Get(ctx, key, 0)
	if !ok {
		existing = bitmap.Empty
	}
	merged := existing.Union(builder.Build())

	if err := x.cache.Set(ctx, key, merged, grant.Revision); err != nil {
		return fmt.Errorf("storing expanded bitmap: %w", err)
	}

	grant.Status = store.GrantCompleted
	grant.ExpandedCount = len(descendants)
	if err := x.grants.PutGrant(ctx, *grant); err != nil {
		return fmt.Errorf("completing grant %s: %w", grant.ID, err)
	}

	expansionsCompleted.Inc()
	expandedResources.Add(float64(len(descendants)))
	slog.Debug("directory grant expanded",
		"grant_id", grant.ID, "expanded", len(descendants), "revision", grant.Revision)
	return nil
}

// RunPending expands every pending grant in the zone, rate-limited and
// bounded by the worker limit.
//
// Outputs the number of grants completed. Cancellation stops scheduling
// and in-flight expansions; untouched grants stay pending.
func (x *Expander) RunPending(ctx context.Context, zoneID string) (int, error) {
	pending, err := x.grants.ListGrants(ctx, zoneID, store.GrantPending)
	if err != nil {
		return 0, fmt.Errorf("listing pending grants: %w", err)
	}

	var completed atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(x.cfg.Workers)

	for _, grant := range pending {
		grant := grant
		if err := x.limiter.Wait(ctx); err != nil {
			break
		}
		g.Go(func() error {
			if err := x.ExpandGrant(ctx, zoneID, grant.ID); err != nil {
				slog.Warn("background expansion failed",
					"grant_id", grant.ID, "zone", zoneID, "error", err)
				return err
			}
			completed.Add(1)
			return nil
		})
	}

	err = g.Wait()
	return int(completed.Load()), err
}
