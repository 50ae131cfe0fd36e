// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine is the authorization facade: permission checks, tuple
// writes with their invalidation fan-out, zone consistency migrations,
// and the operational bitmap surface.
//
// Every ambiguous path fails closed: an error from any tier yields DENY
// plus a typed error, never a default ALLOW.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianGate/pkg/extensions"
	"github.com/AleutianAI/AleutianGate/services/authz/bitmap"
	"github.com/AleutianAI/AleutianGate/services/authz/breaker"
	"github.com/AleutianAI/AleutianGate/services/authz/evaluator"
	"github.com/AleutianAI/AleutianGate/services/authz/migrate"
	"github.com/AleutianAI/AleutianGate/services/authz/readset"
	"github.com/AleutianAI/AleutianGate/services/authz/store"
	"github.com/AleutianAI/AleutianGate/services/authz/telemetry"
	"github.com/AleutianAI/AleutianGate/services/authz/tiger"
	"github.com/AleutianAI/AleutianGate/services/authz/tuple"
)

var tracer = otel.Tracer("authz.engine")

// Consistency selects evaluation freshness for one check.
type Consistency int

const (
	// ConsistencyDefault follows the zone's persisted mode.
	ConsistencyDefault Consistency = iota

	// ConsistencyStrong requires the current revision regardless of the
	// zone mode.
	ConsistencyStrong

	// ConsistencyEventual accepts bounded staleness regardless of the
	// zone mode.
	ConsistencyEventual
)

// TenantPolicy guards writes that cross tenant boundaries.
type TenantPolicy interface {
	// AllowWrite returns nil if the tuple may be written under the
	// request zone; a CrossTenantError otherwise.
	AllowWrite(ctx context.Context, requestZone string, t tuple.Tuple) error
}

// strictTenantPolicy is the default: the tuple zone must equal the
// request zone, no exceptions.
type strictTenantPolicy struct{}

func (strictTenantPolicy) AllowWrite(_ context.Context, requestZone string, t tuple.Tuple) error {
	if t.ZoneID != requestZone {
		return &CrossTenantError{RequestZone: requestZone, TupleZone: t.ZoneID}
	}
	return nil
}

// allowAllModes is the default migration validator: any zone, any legal
// mode pair. Deployments with zone catalogs inject their own.
type allowAllModes struct{}

func (allowAllModes) ValidateTransition(context.Context, string, store.Mode, store.Mode) error {
	return nil
}

// Options carries the injectable collaborators.
type options struct {
	policy           TenantPolicy
	modeValidator    migrate.ModeValidator
	consensus        migrate.ConsensusSwitcher
	grantPermissions map[string]string
	syncMaterialize  bool
	auditor          extensions.AuditLogger
}

// Option is a functional option for configuring the Engine.
type Option func(*options)

// WithTenantPolicy overrides the strict same-zone write policy.
func WithTenantPolicy(p TenantPolicy) Option {
	return func(o *options) { o.policy = p }
}

// WithModeValidator sets the migration transition validator.
func WithModeValidator(v migrate.ModeValidator) Option {
	return func(o *options) { o.modeValidator = v }
}

// WithConsensus sets the consensus-layer switcher for migrations.
func WithConsensus(c migrate.ConsensusSwitcher) Option {
	return func(o *options) { o.consensus = c }
}

// WithGrantPermissions maps tuple relations to the permission their
// directory grants materialize (e.g. direct_viewer -> viewer). Unmapped
// relations materialize under their own name.
func WithGrantPermissions(m map[string]string) Option {
	return func(o *options) { o.grantPermissions = m }
}

// WithSyncMaterialization runs post-miss bitmap materialization inline
// instead of in the background. For tests and batch tooling.
func WithSyncMaterialization() Option {
	return func(o *options) { o.syncMaterialize = true }
}

// WithAuditLogger records checks, mutations and migrations for
// compliance. The default discards events.
func WithAuditLogger(a extensions.AuditLogger) Option {
	return func(o *options) { o.auditor = a }
}

// Engine is the authorization facade.
//
// Thread Safety: Safe for concurrent use; all owned state lives in
// concurrency-safe collaborators.
type Engine struct {
	cfg      Config
	registry *tuple.Registry
	store    *store.Store

	eval        *evaluator.Evaluator
	tiger       tiger.Cache
	expander    *tiger.Expander
	resultCache *readset.Cache
	migrator    *migrate.Migrator
	brk         *breaker.Breaker
	resources   *bitmap.ResourceMap

	policy           TenantPolicy
	grantPermissions map[string]string
	syncMaterialize  bool
	auditor          extensions.AuditLogger
	metrics          *telemetry.Metrics
}

// New creates an engine over its own BadgerDB store.
//
// Description:
//
//	Opens the store per cfg, then assembles the evaluator, Tiger cache
//	(write-through persisted), expander, read-set cache, migrator and
//	store breaker. Close releases the store.
//
// Inputs:
//
//	cfg - Tunables; zero fields take defaults.
//	registry - Validated namespace registry.
//	enum - Metadata-layer enumerator for directory expansion.
//	opts - Optional collaborators.
//
// Outputs:
//
//	*Engine - The ready engine.
//	error - Non-nil if config validation or store open fails.
func New(cfg Config, registry *tuple.Registry, enum tiger.Enumerator, opts ...Option) (*Engine, error) {
	cfg = cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{
		policy:        strictTenantPolicy{},
		modeValidator: allowAllModes{},
		auditor:       extensions.NopAuditLogger{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	storeCfg := store.DefaultConfig()
	if cfg.InMemory {
		storeCfg = store.InMemoryConfig()
	} else {
		storeCfg.Path = cfg.DataDir
	}
	st, err := store.Open(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	tigerCache := tiger.NewLRUCache(
		tiger.WithMaxEntries(cfg.TigerMaxEntries),
		tiger.WithPersistence(st),
	)
	resources := bitmap.NewResourceMap(st)

	migratorOpts := []migrate.Option{migrate.WithLockTimeout(cfg.MigrationLockTimeout)}
	if o.consensus != nil {
		migratorOpts = append(migratorOpts, migrate.WithConsensus(o.consensus))
	}

	brk := breaker.New("authz-store", breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		FailureWindow:    cfg.Breaker.FailureWindow,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		IsInfraFailure:   IsInfraError,
	})

	meter := otel.Meter("authz.engine")
	metrics, err := telemetry.NewMetrics(meter)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("registering metrics: %w", err)
	}
	if _, err := metrics.RegisterStoreCircuitState(meter, func() int64 {
		return int64(brk.Stats().State)
	}); err != nil {
		st.Close()
		return nil, fmt.Errorf("registering breaker gauge: %w", err)
	}

	return &Engine{
		cfg:      cfg,
		registry: registry,
		store:    st,
		eval:     evaluator.New(registry, evaluator.WithMaxDepth(cfg.MaxDepth)),
		tiger:    tigerCache,
		expander: tiger.NewExpander(st, st, enum, resources, tigerCache, tiger.Config{
			SyncExpandLimit: cfg.SyncExpandLimit,
		}),
		resultCache: readset.New(
			readset.WithMaxEntries(cfg.ReadSetMaxEntries),
			readset.WithMaxAge(cfg.ReadSetTTL),
		),
		migrator:         migrate.New(st, o.modeValidator, migratorOpts...),
		brk:              brk,
		resources:        resources,
		policy:           o.policy,
		grantPermissions: o.grantPermissions,
		syncMaterialize:  o.syncMaterialize,
		auditor:          o.auditor,
		metrics:          metrics,
	}, nil
}

// Close releases the underlying store.
func (e *Engine) Close() error {
	return e.store.Close()
}

// checkKey builds the result-cache key for one check query.
func checkKey(zoneID string, subject tuple.Entity, permission string, object tuple.Entity) string {
	var b strings.Builder
	b.WriteString("check|")
	b.WriteString(zoneID)
	b.WriteByte('|')
	b.WriteString(subject.String())
	b.WriteByte('|')
	b.WriteString(permission)
	b.WriteByte('|')
	b.WriteString(object.String())
	return b.String()
}

// Check decides whether subject holds permission on object in the zone.
//
// Description:
//
//	Resolution order: read-set result cache (eventual reads only), Tiger
//	bitmap fast path, then breaker-guarded tuple fetch plus graph
//	evaluation. A miss schedules bitmap materialization for the whole
//	(subject, permission, resource type) so the next check is O(1).
//	Strong consistency requires cached data at the zone's current
//	revision; anything older re-evaluates.
//
// Outputs:
//
//	bool - ALLOW/DENY. Every error path returns false (fail closed).
//	error - Typed per the engine taxonomy.
func (e *Engine) Check(ctx context.Context, subject tuple.Entity, permission string,
	object tuple.Entity, zoneID string, consistency Consistency) (bool, error) {

	ctx, span := tracer.Start(ctx, "engine.Check", trace.WithAttributes(
		attribute.String("authz.zone", zoneID),
		attribute.String("authz.permission", permission),
	))
	defer span.End()

	start := time.Now()
	e.metrics.ActiveChecks.Add(ctx, 1)
	defer func() {
		e.metrics.ActiveChecks.Add(ctx, -1)
		e.metrics.CheckDuration.Record(ctx, time.Since(start).Seconds())
	}()

	strong := consistency == ConsistencyStrong
	if consistency == ConsistencyDefault {
		var mode store.Mode
		err := e.brk.Do(ctx, func(ctx context.Context) error {
			m, err := e.store.ConsistencyMode(ctx, zoneID)
			mode = m
			return err
		})
		if err != nil {
			return false, wrapStoreErr("read zone mode", err)
		}
		strong = mode == store.ModeStrong
	}

	rev, err := e.store.Current(ctx, zoneID)
	if err != nil {
		return false, &TransientInfraError{Op: "read zone revision", Err: err}
	}
	var minRev uint64
	if strong {
		minRev = rev
	}

	// Result cache only serves eventual reads; strong reads must prove
	// freshness through the revision-gated tiers below.
	qKey := checkKey(zoneID, subject, permission, object)
	if !strong {
		if v, ok := e.resultCache.Get(qKey); ok {
			allowed := v.(bool)
			e.auditCheck(ctx, zoneID, subject, permission, object, allowed, "result_cache")
			return allowed, nil
		}
	}

	key := tiger.Key{
		SubjectType:  subject.Type,
		SubjectID:    subject.ID,
		Permission:   permission,
		ResourceType: object.Type,
		ZoneID:       zoneID,
	}
	if bm, _, ok := e.tiger.Get(ctx, key, minRev); ok {
		id, err := e.store.LookupID(ctx, zoneID, tiger.ResourceUUID(zoneID, object.ID))
		if err == nil {
			allowed := bm.Contains(id)
			e.cacheResult(qKey, zoneID, object.ID, rev, allowed)
			e.auditCheck(ctx, zoneID, subject, permission, object, allowed, "bitmap")
			return allowed, nil
		}
		if !errors.Is(err, bitmap.ErrUnknownResource) {
			return false, &TransientInfraError{Op: "resource lookup", Err: err}
		}
		// Resource never mapped: the bitmap cannot answer, fall through.
	}

	var allowed bool
	err = e.brk.Do(ctx, func(ctx context.Context) error {
		tuples, err := e.store.FetchZoneTuples(ctx, zoneID)
		if err != nil {
			return err
		}
		graph := evaluator.NewTupleGraph(tuples)
		a, err := e.eval.Compute(subject, permission, object, graph)
		if err != nil {
			return err
		}
		allowed = a
		e.materialize(ctx, key, subject, permission, object.Type, zoneID, rev, graph)
		return nil
	})
	if err != nil {
		if IsInfraError(err) {
			e.metrics.ErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "check")))
		}
		return false, wrapStoreErr("check", err)
	}

	e.cacheResult(qKey, zoneID, object.ID, rev, allowed)
	e.auditCheck(ctx, zoneID, subject, permission, object, allowed, "evaluated")
	return allowed, nil
}

// auditCheck records one check decision. source names the tier that
// answered: result_cache, bitmap or evaluated.
func (e *Engine) auditCheck(ctx context.Context, zoneID string, subject tuple.Entity,
	permission string, object tuple.Entity, allowed bool, source string) {

	outcome := "deny"
	if allowed {
		outcome = "allow"
	}
	e.metrics.ChecksTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("decision", outcome),
		attribute.String("source", source),
	))
	e.auditor.Log(ctx, extensions.AuditEvent{
		EventType: "authz.check",
		Timestamp: time.Now().UTC(),
		ZoneID:    zoneID,
		Subject:   subject.String(),
		Action:    permission,
		Resource:  object.String(),
		Outcome:   outcome,
		Metadata:  map[string]any{"source": source},
	})
}

func (e *Engine) cacheResult(qKey, zoneID, resource string, rev uint64, allowed bool) {
	e.resultCache.Put(qKey, zoneID, allowed,
		[]readset.ResourceRevision{{Resource: resource, Revision: rev}}, rev)
}

// materialize populates the subject's bitmap from an already-fetched
// graph snapshot, inline or in the background per configuration.
func (e *Engine) materialize(ctx context.Context, key tiger.Key, subject tuple.Entity,
	permission, objectType, zoneID string, rev uint64, graph *evaluator.TupleGraph) {

	run := func(ctx context.Context) {
		candidates := graph.ObjectsOfType(objectType)
		if len(candidates) == 0 {
			return
		}
		accessible, err := e.eval.ComputeAccessibleSet(subject, permission, candidates, graph)
		if err != nil {
			slog.Warn("bitmap materialization failed", "key", key.String(), "error", err)
			return
		}
		builder := bitmap.NewBuilder(uint32(len(accessible)))
		for _, obj := range accessible {
			id, err := e.resources.ID(ctx, zoneID, tiger.ResourceUUID(zoneID, obj.ID))
			if err != nil {
				slog.Warn("bitmap materialization failed", "key", key.String(), "error", err)
				return
			}
			builder.Add(id)
		}
		// A write may have landed since the snapshot was fetched; its
		// invalidation must not be undone by a stale bitmap. Re-check
		// the zone revision before publishing.
		cur, err := e.store.Current(ctx, zoneID)
		if err != nil {
			slog.Warn("bitmap materialization failed", "key", key.String(), "error", err)
			return
		}
		if cur != rev {
			return
		}
		if err := e.tiger.Set(ctx, key, builder.Build(), rev); err != nil {
			slog.Warn("bitmap materialization failed", "key", key.String(), "error", err)
		}
	}

	if e.syncMaterialize {
		run(ctx)
		return
	}
	go func() {
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		run(bg)
	}()
}

// WriteTuple writes one tuple. See WriteTuplesBatch.
func (e *Engine) WriteTuple(ctx context.Context, zoneID string, t tuple.Tuple) (uint64, error) {
	_, rev, err := e.WriteTuplesBatch(ctx, zoneID, []tuple.Tuple{t})
	return rev, err
}

// WriteTuplesBatch writes tuples in one store transaction.
//
// Description:
//
//	Order of operations: quiesce gate, tenant policy, structural
//	validation, hierarchy cycle check, breaker-guarded batch write,
//	revision bump, read-set and Tiger invalidation, then directory-grant
//	expansion for tuples whose object classifies as a directory.
//
// Outputs:
//
//	int - The number of tuples actually created; already-present tuples
//	in the batch are skipped by the store and not counted.
//	uint64 - The zone revision after the write (its zookie).
//	error - Typed per the engine taxonomy; the batch is all-or-nothing
//	up to and including the store write.
func (e *Engine) WriteTuplesBatch(ctx context.Context, zoneID string, tuples []tuple.Tuple) (int, uint64, error) {
	ctx, span := tracer.Start(ctx, "engine.WriteTuplesBatch", trace.WithAttributes(
		attribute.String("authz.zone", zoneID),
		attribute.Int("authz.batch_size", len(tuples)),
	))
	defer span.End()

	if e.migrator.IsQuiesced(zoneID) {
		return 0, 0, &ConsistencyError{ZoneID: zoneID, Err: ErrZoneQuiesced}
	}

	for _, t := range tuples {
		if err := e.policy.AllowWrite(ctx, zoneID, t); err != nil {
			return 0, 0, err
		}
		if err := t.Validate(); err != nil {
			return 0, 0, &DataError{Op: "write tuple", Err: err}
		}
		if err := e.checkHierarchyCycle(ctx, zoneID, t); err != nil {
			return 0, 0, err
		}
	}

	start := time.Now()
	var created int
	err := e.brk.Do(ctx, func(ctx context.Context) error {
		n, err := e.store.WriteTuples(ctx, tuples)
		created = n
		return err
	})
	if err != nil {
		if IsInfraError(err) {
			e.metrics.ErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "write")))
		}
		return 0, 0, wrapStoreErr("write tuples", err)
	}
	e.metrics.TupleWritesTotal.Add(ctx, int64(created))
	e.metrics.WriteDuration.Record(ctx, time.Since(start).Seconds())

	rev, err := e.store.Increment(ctx, zoneID)
	if err != nil {
		return 0, 0, &TransientInfraError{Op: "bump zone revision", Err: err}
	}

	for _, t := range tuples {
		e.invalidateForWrite(ctx, zoneID, rev, t)
		e.auditor.Log(ctx, extensions.AuditEvent{
			EventType: "authz.grant",
			Timestamp: time.Now().UTC(),
			ZoneID:    zoneID,
			Subject:   t.Subject.String(),
			Action:    t.Relation,
			Resource:  t.Object.String(),
			Outcome:   "success",
			Metadata:  map[string]any{"revision": rev},
		})
	}

	for _, t := range tuples {
		// Hierarchy edges describe structure, not access; only access
		// relations on directories materialize bitmaps.
		if cfg, err := e.registry.Lookup(t.Object.Type); err == nil && cfg.IsHierarchyRelation(t.Relation) {
			continue
		}
		if !e.expander.IsDirectory(ctx, zoneID, t.Object.ID) {
			continue
		}
		grant, err := e.expander.RecordGrant(ctx, t.Subject, e.grantPermission(t.Relation), t.Object, zoneID)
		if err != nil {
			slog.Warn("directory grant expansion incomplete",
				"grant_id", grant.ID, "object", t.Object.ID, "zone", zoneID, "error", err)
		}
	}

	return created, rev, nil
}

// DeleteTuple tombstones one tuple and runs the same invalidation fan-out
// as a write.
func (e *Engine) DeleteTuple(ctx context.Context, zoneID string, t tuple.Tuple) (uint64, error) {
	ctx, span := tracer.Start(ctx, "engine.DeleteTuple")
	defer span.End()

	if e.migrator.IsQuiesced(zoneID) {
		return 0, &ConsistencyError{ZoneID: zoneID, Err: ErrZoneQuiesced}
	}
	if err := e.policy.AllowWrite(ctx, zoneID, t); err != nil {
		return 0, err
	}

	err := e.brk.Do(ctx, func(ctx context.Context) error {
		return e.store.DeleteTuple(ctx, t)
	})
	if err != nil {
		if IsInfraError(err) {
			e.metrics.ErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "delete")))
		}
		return 0, wrapStoreErr("delete tuple", err)
	}

	rev, err := e.store.Increment(ctx, zoneID)
	if err != nil {
		return 0, &TransientInfraError{Op: "bump zone revision", Err: err}
	}
	e.invalidateForWrite(ctx, zoneID, rev, t)
	e.auditor.Log(ctx, extensions.AuditEvent{
		EventType: "authz.revoke",
		Timestamp: time.Now().UTC(),
		ZoneID:    zoneID,
		Subject:   t.Subject.String(),
		Action:    t.Relation,
		Resource:  t.Object.String(),
		Outcome:   "success",
		Metadata:  map[string]any{"revision": rev},
	})
	return rev, nil
}

// invalidateForWrite scrubs both caches after a tuple mutation: result
// cache entries that read the object, and the mutating subject's bitmap
// entries. Bitmaps of other subjects are handled by revision gating
// (strong reads skip them) and eventual refresh.
func (e *Engine) invalidateForWrite(ctx context.Context, zoneID string, rev uint64, t tuple.Tuple) {
	e.resultCache.InvalidateForWrite(t.Object.ID, rev, zoneID)

	n, err := e.tiger.Invalidate(ctx, tiger.InvalidateFilter{
		ZoneID:      zoneID,
		SubjectType: t.Subject.Entity.Type,
		SubjectID:   t.Subject.Entity.ID,
	})
	if err != nil {
		slog.Warn("tiger invalidation failed",
			"subject", t.Subject.String(), "zone", zoneID, "error", err)
		return
	}
	e.metrics.InvalidationsTotal.Add(ctx, int64(n))
}

// grantPermission maps a tuple relation to the permission its directory
// grant materializes.
func (e *Engine) grantPermission(relation string) string {
	if mapped, ok := e.grantPermissions[relation]; ok {
		return mapped
	}
	return relation
}

// hierarchyWalkLimit bounds the ancestor walk during cycle checks,
// independent of evaluator depth.
const hierarchyWalkLimit = 256

// checkHierarchyCycle rejects writes over hierarchy relations that would
// make an object its own ancestor.
func (e *Engine) checkHierarchyCycle(ctx context.Context, zoneID string, t tuple.Tuple) error {
	cfg, err := e.registry.Lookup(t.Object.Type)
	if err != nil {
		// Unknown namespaces fail later, at evaluation; the cycle check
		// only guards declared hierarchies.
		return nil
	}
	if !cfg.IsHierarchyRelation(t.Relation) || t.Subject.IsUserset() {
		return nil
	}

	if t.Subject.Entity == t.Object {
		return &CycleError{Relation: t.Relation, Object: t.Object.String(), Subject: t.Subject.String()}
	}

	// Walk ancestors of the new parent; reaching the child closes a loop.
	var cyc error
	err = e.brk.Do(ctx, func(ctx context.Context) error {
		seen := map[tuple.Entity]struct{}{}
		frontier := []tuple.Entity{t.Subject.Entity}
		for steps := 0; len(frontier) > 0 && steps < hierarchyWalkLimit; steps++ {
			cur := frontier[0]
			frontier = frontier[1:]
			if _, ok := seen[cur]; ok {
				continue
			}
			seen[cur] = struct{}{}

			related, err := e.store.FetchByObjectPrefix(ctx, zoneID, cur.Type, cur.ID)
			if err != nil {
				return err
			}
			for _, edge := range related {
				if edge.Object != cur || edge.Subject.IsUserset() {
					continue
				}
				parentCfg, err := e.registry.Lookup(edge.Object.Type)
				if err != nil || !parentCfg.IsHierarchyRelation(edge.Relation) {
					continue
				}
				if edge.Subject.Entity == t.Object {
					cyc = &CycleError{
						Relation: t.Relation,
						Object:   t.Object.String(),
						Subject:  t.Subject.String(),
					}
					return nil
				}
				frontier = append(frontier, edge.Subject.Entity)
			}
		}
		return nil
	})
	if err != nil {
		return wrapStoreErr("hierarchy cycle check", err)
	}
	return cyc
}

// MigrateZone migrates the zone's consistency mode. Delegates to the
// migrator; the structured result carries success or the typed failure.
func (e *Engine) MigrateZone(ctx context.Context, zoneID string, target store.Mode, timeout time.Duration) migrate.MigrationResult {
	result := e.migrator.MigrateZone(ctx, zoneID, target, timeout)
	outcome := "success"
	if !result.Success {
		outcome = "error"
	}
	e.metrics.MigrationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	e.metrics.MigrationDuration.Record(ctx, result.Duration.Seconds())
	e.auditor.Log(ctx, extensions.AuditEvent{
		EventType: "authz.migrate",
		Timestamp: time.Now().UTC(),
		ZoneID:    zoneID,
		Action:    string(target),
		Outcome:   outcome,
		Metadata:  map[string]any{"from": string(result.FromMode), "to": string(result.ToMode)},
	})
	return result
}

// GetBitmap reads a Tiger entry. Operational surface.
func (e *Engine) GetBitmap(ctx context.Context, key tiger.Key) (*bitmap.Bitmap, uint64, bool) {
	return e.tiger.Get(ctx, key, 0)
}

// SetBitmap writes a Tiger entry directly. Operational surface for
// offline rebuilds.
func (e *Engine) SetBitmap(ctx context.Context, key tiger.Key, bm *bitmap.Bitmap, revision uint64) error {
	return e.tiger.Set(ctx, key, bm, revision)
}

// InvalidateBitmaps removes Tiger entries matching the filter.
func (e *Engine) InvalidateBitmaps(ctx context.Context, filter tiger.InvalidateFilter) (int, error) {
	return e.tiger.Invalidate(ctx, filter)
}

// ExpandPending runs background expansion for the zone's pending
// directory grants.
func (e *Engine) ExpandPending(ctx context.Context, zoneID string) (int, error) {
	start := time.Now()
	n, err := e.expander.RunPending(ctx, zoneID)
	if n > 0 {
		e.metrics.ExpansionsTotal.Add(ctx, int64(n))
		e.metrics.ExpansionDuration.Record(ctx, time.Since(start).Seconds())
	}
	return n, err
}

// Stats is the engine's observability snapshot.
type Stats struct {
	Tiger   tiger.Stats
	ReadSet readset.Stats
	Breaker breaker.Stats
}

// Stats returns a snapshot across the engine's caches and breaker.
func (e *Engine) Stats() Stats {
	return Stats{
		Tiger:   e.tiger.Stats(),
		ReadSet: e.resultCache.Stats(),
		Breaker: e.brk.Stats(),
	}
}
