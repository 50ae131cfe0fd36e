// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianGate/services/authz/bitmap"
	"github.com/AleutianAI/AleutianGate/services/authz/tuple"
)

// Key prefixes. Every key is zone-scoped right after the prefix so that
// per-zone operations are single prefix scans.
//
//	t|<zone>|<objType>|<objID>|<rel>|<subjType>|<subjID>|<subjRel>  tuple record
//	m|<zone>                                                        consistency mode
//	r|<zone>                                                        revision counter
//	g|<zone>|<grantID>                                              directory grant
//	b|<zone>|<subjType>|<subjID>|<perm>|<resType>                   persisted bitmap
//	u|<zone>|<uuid>                                                 resource map forward
//	i|<zone>|<id:4 bytes BE>                                        resource map reverse
//	n|<zone>                                                        resource map next id
const (
	prefixTuple    = "t|"
	prefixMode     = "m|"
	prefixRevision = "r|"
	prefixGrant    = "g|"
	prefixBitmap   = "b|"
	prefixMapFwd   = "u|"
	prefixMapRev   = "i|"
	prefixMapNext  = "n|"
)

// Config holds configuration for the BadgerDB-backed store.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Required for persistent databases.
	// Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	// Default: true for production, false for testing.
	SyncWrites bool

	// Logger is the logger for BadgerDB operations.
	// If nil, BadgerDB's internal logging is disabled.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Default: 5 minutes. Set to 0 to disable.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	// Default: 0.5.
	GCDiscardRatio float64
}

// DefaultConfig returns sensible defaults for production use.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns configuration optimized for testing: in-memory
// mode, no sync writes, GC disabled.
func InMemoryConfig() Config {
	return Config{
		InMemory:   true,
		SyncWrites: false,
	}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is the BadgerDB-backed implementation of TupleStore,
// ZoneModeStore, RevisionClock, GrantStore, BitmapStore and the bitmap
// package's ResourceMapStore.
//
// Thread Safety: Safe for concurrent use. BadgerDB transactions provide
// isolation; the revision counters and dense-ID allocator additionally
// serialize through store-level mutexes so that increments are strictly
// monotonic across concurrent callers.
type Store struct {
	db  *badger.DB
	cfg Config

	// revMu guards revisions; counters are rehydrated lazily from the
	// persisted value on first access per zone.
	revMu     sync.Mutex
	revisions map[string]uint64

	// allocMu serializes dense-ID allocation across zones. Allocation is
	// rare relative to lookups, so a single mutex is fine.
	allocMu sync.Mutex

	gcStop chan struct{}
	gcDone chan struct{}
}

// Open creates and opens a BadgerDB-backed store.
//
// Description:
//
//	Opens a BadgerDB database at the configured path, or in memory if
//	InMemory is true. Creates the directory if it doesn't exist, and
//	starts the value log GC loop when GCInterval is configured.
//
// Inputs:
//
//	cfg - Store configuration. Path is required unless InMemory is true.
//
// Outputs:
//
//	*Store - The opened store. Caller must call Close() when done.
//	error - Non-nil if path is invalid or database cannot be opened.
//
// Thread Safety: The returned *Store is safe for concurrent use.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &Store{
		db:        db,
		cfg:       cfg,
		revisions: make(map[string]uint64),
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gcStop = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC()
	}

	return s, nil
}

// OpenInMemory opens an in-memory store for testing. Data is lost when
// closed.
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig())
}

// Close stops the GC loop and closes the database. Safe to call once.
func (s *Store) Close() error {
	if s.gcStop != nil {
		close(s.gcStop)
		<-s.gcDone
	}
	return s.db.Close()
}

func (s *Store) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(s.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(s.cfg.GCDiscardRatio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && s.cfg.Logger != nil {
				s.cfg.Logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

// view runs fn in a read-only transaction after a context check.
func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	return s.db.View(fn)
}

// update runs fn in a read-write transaction after a context check.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	return s.db.Update(fn)
}

// getValue copies the value for key, translating key-not-found to the
// given sentinel.
func getValue(txn *badger.Txn, key []byte, missing error) ([]byte, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, missing
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return item.ValueCopy(nil)
}

// --- TupleStore ---

// tupleRecord is the persisted form of a tuple. Deletes flip the tombstone
// flag instead of removing the record, preserving an audit trail.
type tupleRecord struct {
	Tuple     tuple.Tuple `cbor:"tuple"`
	Deleted   bool        `cbor:"deleted"`
	WrittenAt time.Time   `cbor:"written_at"`
	DeletedAt time.Time   `cbor:"deleted_at,omitempty"`
}

func tupleKey(t tuple.Tuple) []byte {
	return []byte(prefixTuple + t.Key())
}

// WriteTuples persists the batch in one transaction.
//
// Description:
//
//	Each tuple is validated, then written unless an identical live tuple
//	already exists. Writing over a tombstone resurrects the tuple and
//	counts as created. Any validation failure aborts the whole batch.
//
// Outputs:
//
//	int - Number of tuples actually created.
//	error - tuple.ErrMalformedTuple (wrapped) on invalid input, storage
//	errors otherwise.
func (s *Store) WriteTuples(ctx context.Context, tuples []tuple.Tuple) (int, error) {
	for _, t := range tuples {
		if err := t.Validate(); err != nil {
			return 0, err
		}
	}

	created := 0
	err := s.update(ctx, func(txn *badger.Txn) error {
		created = 0
		for _, t := range tuples {
			key := tupleKey(t)
			raw, err := getValue(txn, key, ErrNotFound)
			if err == nil {
				var rec tupleRecord
				if err := cbor.Unmarshal(raw, &rec); err != nil {
					return fmt.Errorf("decode tuple record %s: %w", t, err)
				}
				if !rec.Deleted {
					continue // already present
				}
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}

			rec := tupleRecord{Tuple: t, WrittenAt: time.Now().UTC()}
			data, err := cbor.Marshal(rec)
			if err != nil {
				return fmt.Errorf("encode tuple record %s: %w", t, err)
			}
			if err := txn.Set(key, data); err != nil {
				return fmt.Errorf("set tuple %s: %w", t, err)
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

// DeleteTuple tombstones a tuple. Returns ErrNotFound if the tuple is
// absent or already deleted.
func (s *Store) DeleteTuple(ctx context.Context, t tuple.Tuple) error {
	if err := t.Validate(); err != nil {
		return err
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		key := tupleKey(t)
		raw, err := getValue(txn, key, ErrNotFound)
		if err != nil {
			return err
		}
		var rec tupleRecord
		if err := cbor.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode tuple record %s: %w", t, err)
		}
		if rec.Deleted {
			return ErrNotFound
		}
		rec.Deleted = true
		rec.DeletedAt = time.Now().UTC()
		data, err := cbor.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode tuple record %s: %w", t, err)
		}
		return txn.Set(key, data)
	})
}

// FetchZoneTuples returns every live tuple in the zone.
func (s *Store) FetchZoneTuples(ctx context.Context, zoneID string) ([]tuple.Tuple, error) {
	return s.scanTuples(ctx, []byte(prefixTuple+zoneID+"|"))
}

// FetchByObjectPrefix returns live tuples whose object type matches and
// whose object ID starts with the prefix. The tuple key layout puts the
// object ID right after the type, so this is a single range scan.
func (s *Store) FetchByObjectPrefix(ctx context.Context, zoneID, objectType, objectIDPrefix string) ([]tuple.Tuple, error) {
	return s.scanTuples(ctx, []byte(prefixTuple+zoneID+"|"+objectType+"|"+objectIDPrefix))
}

func (s *Store) scanTuples(ctx context.Context, prefix []byte) ([]tuple.Tuple, error) {
	var out []tuple.Tuple
	err := s.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec tupleRecord
			err := it.Item().Value(func(val []byte) error {
				return cbor.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("decode tuple record at %q: %w", it.Item().Key(), err)
			}
			if rec.Deleted {
				continue
			}
			out = append(out, rec.Tuple)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// --- ZoneModeStore ---

// ConsistencyMode returns the zone's mode; unknown zones are strong.
func (s *Store) ConsistencyMode(ctx context.Context, zoneID string) (Mode, error) {
	mode := ModeStrong
	err := s.view(ctx, func(txn *badger.Txn) error {
		raw, err := getValue(txn, []byte(prefixMode+zoneID), ErrNotFound)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		mode = Mode(raw)
		return nil
	})
	if err != nil {
		return "", err
	}
	if !mode.Valid() {
		return "", fmt.Errorf("zone %s has corrupt mode flag %q", zoneID, mode)
	}
	return mode, nil
}

// SetConsistencyMode persists the mode flag in its own transaction.
func (s *Store) SetConsistencyMode(ctx context.Context, zoneID string, mode Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("invalid consistency mode %q", mode)
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixMode+zoneID), []byte(mode))
	})
}

// --- RevisionClock ---

// Current returns the zone's revision, rehydrating the in-memory counter
// from the persisted value on first access.
func (s *Store) Current(ctx context.Context, zoneID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("context cancelled: %w", err)
	}
	s.revMu.Lock()
	defer s.revMu.Unlock()
	return s.loadRevisionLocked(zoneID)
}

// Increment advances the zone's revision, persisting before the new value
// becomes visible to Current.
func (s *Store) Increment(ctx context.Context, zoneID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("context cancelled: %w", err)
	}
	s.revMu.Lock()
	defer s.revMu.Unlock()

	cur, err := s.loadRevisionLocked(zoneID)
	if err != nil {
		return 0, err
	}
	next := cur + 1

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], next)
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixRevision+zoneID), buf[:])
	})
	if err != nil {
		return 0, fmt.Errorf("persist revision %d for zone %s: %w", next, zoneID, err)
	}
	s.revisions[zoneID] = next
	return next, nil
}

func (s *Store) loadRevisionLocked(zoneID string) (uint64, error) {
	if rev, ok := s.revisions[zoneID]; ok {
		return rev, nil
	}
	var rev uint64
	err := s.db.View(func(txn *badger.Txn) error {
		raw, err := getValue(txn, []byte(prefixRevision+zoneID), ErrNotFound)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if len(raw) != 8 {
			return fmt.Errorf("zone %s has corrupt revision value (%d bytes)", zoneID, len(raw))
		}
		rev = binary.BigEndian.Uint64(raw)
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.revisions[zoneID] = rev
	return rev, nil
}

// --- GrantStore ---

func grantKey(zoneID, grantID string) []byte {
	return []byte(prefixGrant + zoneID + "|" + grantID)
}

// PutGrant persists a directory-grant record, overwriting any previous
// version (status transitions are overwrites of the same key).
func (s *Store) PutGrant(ctx context.Context, grant DirectoryGrant) error {
	if grant.ID == "" || grant.ZoneID == "" {
		return errors.New("grant requires id and zone")
	}
	data, err := cbor.Marshal(grant)
	if err != nil {
		return fmt.Errorf("encode grant %s: %w", grant.ID, err)
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Set(grantKey(grant.ZoneID, grant.ID), data)
	})
}

// GetGrant returns one grant record or ErrNotFound.
func (s *Store) GetGrant(ctx context.Context, zoneID, grantID string) (DirectoryGrant, error) {
	var grant DirectoryGrant
	err := s.view(ctx, func(txn *badger.Txn) error {
		raw, err := getValue(txn, grantKey(zoneID, grantID), ErrNotFound)
		if err != nil {
			return err
		}
		return cbor.Unmarshal(raw, &grant)
	})
	if err != nil {
		return DirectoryGrant{}, err
	}
	return grant, nil
}

// ListGrants returns the zone's grants filtered by status; empty status
// lists all.
func (s *Store) ListGrants(ctx context.Context, zoneID string, status GrantStatus) ([]DirectoryGrant, error) {
	prefix := []byte(prefixGrant + zoneID + "|")
	var out []DirectoryGrant
	err := s.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var grant DirectoryGrant
			err := it.Item().Value(func(val []byte) error {
				return cbor.Unmarshal(val, &grant)
			})
			if err != nil {
				return fmt.Errorf("decode grant at %q: %w", it.Item().Key(), err)
			}
			if status != "" && grant.Status != status {
				continue
			}
			out = append(out, grant)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// --- BitmapStore ---

func bitmapKey(key BitmapKey) []byte {
	return []byte(prefixBitmap + key.ZoneID + "|" + key.SubjectType + "|" +
		key.SubjectID + "|" + key.Permission + "|" + key.ResourceType)
}

// PutBitmapEntry persists one Tiger cache entry.
func (s *Store) PutBitmapEntry(ctx context.Context, key BitmapKey, record BitmapRecord) error {
	data, err := cbor.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode bitmap record: %w", err)
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Set(bitmapKey(key), data)
	})
}

// GetBitmapEntry returns one persisted entry or ErrNotFound.
func (s *Store) GetBitmapEntry(ctx context.Context, key BitmapKey) (BitmapRecord, error) {
	var record BitmapRecord
	err := s.view(ctx, func(txn *badger.Txn) error {
		raw, err := getValue(txn, bitmapKey(key), ErrNotFound)
		if err != nil {
			return err
		}
		return cbor.Unmarshal(raw, &record)
	})
	if err != nil {
		return BitmapRecord{}, err
	}
	return record, nil
}

// DeleteBitmapEntries removes persisted entries for the zone, narrowed to
// one subject when subjectType is non-empty.
func (s *Store) DeleteBitmapEntries(ctx context.Context, zoneID, subjectType, subjectID string) (int, error) {
	prefix := prefixBitmap + zoneID + "|"
	if subjectType != "" {
		prefix += subjectType + "|" + subjectID + "|"
	}
	prefixBytes := []byte(prefix)

	// Collect first, then delete: Badger iterators see their own
	// transaction's deletes.
	var keys [][]byte
	err := s.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixBytes
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	err = s.update(ctx, func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return fmt.Errorf("delete %q: %w", key, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// --- ResourceMapStore (bitmap package) ---

func mapFwdKey(zoneID string, resource uuid.UUID) []byte {
	return []byte(prefixMapFwd + zoneID + "|" + resource.String())
}

func mapRevKey(zoneID string, id uint32) []byte {
	key := make([]byte, 0, len(prefixMapRev)+len(zoneID)+5)
	key = append(key, prefixMapRev...)
	key = append(key, zoneID...)
	key = append(key, '|')
	return binary.BigEndian.AppendUint32(key, id)
}

// LookupID returns the dense ID for a resource UUID.
func (s *Store) LookupID(ctx context.Context, zoneID string, resource uuid.UUID) (uint32, error) {
	var id uint32
	err := s.view(ctx, func(txn *badger.Txn) error {
		raw, err := getValue(txn, mapFwdKey(zoneID, resource), bitmap.ErrUnknownResource)
		if err != nil {
			return err
		}
		if len(raw) != 4 {
			return fmt.Errorf("corrupt resource map value for %s (%d bytes)", resource, len(raw))
		}
		id = binary.BigEndian.Uint32(raw)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// LookupUUID returns the resource UUID for a dense ID.
func (s *Store) LookupUUID(ctx context.Context, zoneID string, id uint32) (uuid.UUID, error) {
	var resource uuid.UUID
	err := s.view(ctx, func(txn *badger.Txn) error {
		raw, err := getValue(txn, mapRevKey(zoneID, id), bitmap.ErrUnknownResource)
		if err != nil {
			return err
		}
		parsed, err := uuid.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("corrupt resource map value for id %d: %w", id, err)
		}
		resource = parsed
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	return resource, nil
}

// Allocate assigns the next dense ID for a resource. Idempotent: an
// already-mapped resource returns its existing ID. IDs are dense from 0
// per zone and never reused.
func (s *Store) Allocate(ctx context.Context, zoneID string, resource uuid.UUID) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("context cancelled: %w", err)
	}
	s.allocMu.Lock()
	defer s.allocMu.Unlock()

	var id uint32
	err := s.db.Update(func(txn *badger.Txn) error {
		fwdKey := mapFwdKey(zoneID, resource)
		raw, err := getValue(txn, fwdKey, bitmap.ErrUnknownResource)
		if err == nil {
			if len(raw) != 4 {
				return fmt.Errorf("corrupt resource map value for %s (%d bytes)", resource, len(raw))
			}
			id = binary.BigEndian.Uint32(raw)
			return nil
		}
		if !errors.Is(err, bitmap.ErrUnknownResource) {
			return err
		}

		nextKey := []byte(prefixMapNext + zoneID)
		var next uint32
		raw, err = getValue(txn, nextKey, ErrNotFound)
		if err == nil {
			if len(raw) != 4 {
				return fmt.Errorf("corrupt allocator counter for zone %s (%d bytes)", zoneID, len(raw))
			}
			next = binary.BigEndian.Uint32(raw)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], next)
		if err := txn.Set(fwdKey, bytes.Clone(buf[:])); err != nil {
			return err
		}
		if err := txn.Set(mapRevKey(zoneID, next), []byte(resource.String())); err != nil {
			return err
		}
		binary.BigEndian.PutUint32(buf[:], next+1)
		if err := txn.Set(nextKey, bytes.Clone(buf[:])); err != nil {
			return err
		}
		id = next
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}
