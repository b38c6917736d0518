// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/bureau-foundation/hearth/lib/errs"
	"github.com/bureau-foundation/hearth/lib/event"
	"github.com/bureau-foundation/hearth/lib/ref"
	"github.com/bureau-foundation/hearth/lib/secret"
)

// Options configures a Store.
type Options struct {
	// Dir is the Pebble directory. Required.
	Dir string

	// FsyncMode selects the WAL durability policy; FsyncInterval is
	// the interval for FsyncInterval mode (default 5ms).
	FsyncMode     FsyncMode
	FsyncInterval time.Duration

	// EncryptionKey enables at-rest record encryption when non-nil.
	// Must be 32 bytes. The Store takes ownership and closes it.
	EncryptionKey *secret.Buffer

	// Compression forces a record codec: "zstd", "lz4", or "none".
	// Empty picks per record, preferring zstd when it earns its cost.
	Compression string

	// Metrics observes storage operations. Nil means NoopMetrics.
	Metrics MetricsHook

	// Pebble passes extra Pebble options through (cache size, etc).
	// The store overrides the WAL sync settings per FsyncMode.
	Pebble *pebble.Options
}

// Store is the durable event graph and commit log. Safe for
// concurrent use: reads go straight to Pebble, writes serialize on an
// internal mutex so commit sequence assignment and extremity
// maintenance are atomic per event.
type Store struct {
	db     *db
	sealer *recordSealer

	// writeMu serializes Put, Redact, and TrimBefore. Sequence
	// assignment, extremity updates, and the metadata keys they touch
	// must not interleave.
	writeMu sync.Mutex

	// lastSeq and earliest mirror m/seq and m/earliest for lock-free
	// snapshot reads (the sync path reads these on every poll).
	lastSeq  atomic.Uint64
	earliest atomic.Uint64

	closeOnce sync.Once
}

// Open opens (creating if necessary) the store at options.Dir.
func Open(options Options) (*Store, error) {
	metrics := options.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}

	sealer, err := newRecordSealer(options.EncryptionKey, options.Compression)
	if err != nil {
		return nil, err
	}

	database, err := openDB(options.Dir, options.FsyncMode, options.FsyncInterval, options.Pebble, metrics)
	if err != nil {
		return nil, err
	}

	store := &Store{db: database, sealer: sealer}
	if err := store.loadMeta(); err != nil {
		database.close()
		return nil, err
	}
	return store, nil
}

// loadMeta restores the sequence counters and, for an encrypted
// store, verifies the store key against the recorded check value.
func (s *Store) loadMeta() error {
	if seq, err := s.db.get(metaSeqKey); err == nil {
		if len(seq) != 8 {
			return fmt.Errorf("corrupt sequence metadata: %d bytes", len(seq))
		}
		s.lastSeq.Store(seqFromBytes(seq))
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("reading sequence metadata: %w", err)
	}

	if earliest, err := s.db.get(metaEarliestKey); err == nil {
		if len(earliest) != 8 {
			return fmt.Errorf("corrupt retention metadata: %d bytes", len(earliest))
		}
		s.earliest.Store(seqFromBytes(earliest))
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("reading retention metadata: %w", err)
	}

	if !s.sealer.encrypted() {
		return nil
	}
	check := s.sealer.checkValue()
	stored, err := s.db.get(metaKeyCheckKey)
	switch {
	case errors.Is(err, pebble.ErrNotFound):
		batch := s.db.newBatch()
		batch.Set(metaKeyCheckKey, check, nil)
		return s.db.commitBatch(batch)
	case err != nil:
		return fmt.Errorf("reading key check value: %w", err)
	case string(stored) != string(check):
		return fmt.Errorf("store encryption key does not match the key this store was created with")
	}
	return nil
}

// Close closes the store. In-flight operations must have completed.
// Idempotent: later calls are no-ops.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.db.close()
		if s.sealer.key != nil {
			s.sealer.key.Close()
		}
	})
	return err
}

// Put validates the event against the known graph and commits it:
// structural validation, room existence (a creation event establishes
// the room, anything else requires it), and acyclicity — every
// locally known parent must have strictly smaller depth, so no
// accepted edge can close a cycle. On success the event is assigned
// the next commit sequence and the room's forward extremities are
// updated: known parents leave the frontier, the new event joins it
// unless a child of it already arrived.
//
// Re-putting a committed event is a no-op returning the original
// sequence. Unknown parents are accepted and recorded as dangling
// edges; resolving them is the backfill path's job, not the store's.
func (s *Store) Put(ctx context.Context, e *event.Event) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := e.ValidateStructure(); err != nil {
		return 0, errs.Wrap(errs.CodeMalformedEvent, err, "event failed structural validation")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	// Idempotent replay of an already committed event.
	if existing, err := s.db.get(keyEvent(e.ID)); err == nil {
		return recordSeq(existing)
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return 0, fmt.Errorf("checking for existing event %s: %w", e.ID, err)
	}

	batch := s.db.newBatch()
	defer func() {
		// commitBatch closes the batch on the success path; an early
		// return leaves it open.
		if batch != nil {
			batch.Close()
		}
	}()

	if e.IsCreation() {
		exists, err := s.db.has(keyRoomVersion(e.RoomID))
		if err != nil {
			return 0, fmt.Errorf("checking room %s: %w", e.RoomID, err)
		}
		if exists {
			return 0, errs.New(errs.CodeMalformedEvent, "room %s already has a creation event", e.RoomID)
		}
		content, err := event.DecodeContent[event.CreateContent](e)
		if err != nil {
			return 0, errs.Wrap(errs.CodeMalformedEvent, err, "creation event %s has undecodable content", e.ID)
		}
		if content.RoomVersion == "" {
			return 0, errs.New(errs.CodeMalformedEvent, "creation event %s names no room version", e.ID)
		}
		batch.Set(keyRoomVersion(e.RoomID), []byte(content.RoomVersion), nil)
	} else {
		exists, err := s.db.has(keyRoomVersion(e.RoomID))
		if err != nil {
			return 0, fmt.Errorf("checking room %s: %w", e.RoomID, err)
		}
		if !exists {
			return 0, errs.New(errs.CodeUnknownRoom, "event %s references unknown room %s", e.ID, e.RoomID)
		}
	}

	if err := s.checkAcyclic(e); err != nil {
		return 0, err
	}

	wire, err := e.Encode()
	if err != nil {
		return 0, fmt.Errorf("encoding event %s: %w", e.ID, err)
	}
	seq := s.lastSeq.Load() + 1
	stored, err := s.sealer.seal(e.ID, wire)
	if err != nil {
		return 0, fmt.Errorf("sealing event %s: %w", e.ID, err)
	}

	batch.Set(keyEvent(e.ID), encodeRecord(seq, stored), nil)
	batch.Set(keySeq(seq), []byte(e.ID.String()), nil)
	batch.Set(metaSeqKey, seqBytes(seq), nil)

	for _, parent := range e.PrevEvents {
		batch.Set(keyEdge(parent, e.ID), nil, nil)
		// A parent on the frontier is no longer an extremity: it now
		// has a known child.
		batch.Delete(keyExtremity(e.RoomID, parent), nil)
	}

	// The new event is an extremity unless a child of it arrived
	// first (out-of-order delivery during backfill).
	hasChild, err := s.hasAnyChild(e.ID)
	if err != nil {
		return 0, err
	}
	if !hasChild {
		batch.Set(keyExtremity(e.RoomID, e.ID), nil, nil)
	}

	committing := batch
	batch = nil
	if err := s.db.commitBatch(committing); err != nil {
		return 0, fmt.Errorf("committing event %s: %w", e.ID, err)
	}
	s.lastSeq.Store(seq)
	return seq, nil
}

// checkAcyclic enforces strictly increasing depth along every known
// edge. Event IDs are content hashes, so a literal reference cycle
// cannot be constructed, but a forged depth could still corrupt
// topological ordering downstream; both are MalformedEvent.
func (s *Store) checkAcyclic(e *event.Event) error {
	check := func(kind string, ids []ref.EventID) error {
		for _, id := range ids {
			parent, err := s.getLocked(id)
			if errs.Is(err, errs.CodeNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if parent.Depth >= e.Depth {
				return errs.New(errs.CodeMalformedEvent,
					"event %s (depth %d) lists %s ancestor %s with depth %d; graph edges must strictly increase depth",
					e.ID, e.Depth, kind, id, parent.Depth)
			}
			if parent.RoomID != e.RoomID {
				return errs.New(errs.CodeMalformedEvent,
					"event %s in %s lists %s ancestor %s from %s", e.ID, e.RoomID, kind, id, parent.RoomID)
			}
		}
		return nil
	}
	if err := check("prev_events", e.PrevEvents); err != nil {
		return err
	}
	return check("auth_events", e.AuthEvents)
}

// hasAnyChild reports whether any committed event lists id as a
// prev_event.
func (s *Store) hasAnyChild(id ref.EventID) (bool, error) {
	prefix := keyEdgePrefix(id)
	iter, err := s.db.newIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return false, fmt.Errorf("scanning children of %s: %w", id, err)
	}
	defer iter.Close()
	return iter.First(), nil
}

// Get returns the committed event with the given ID, with any
// redaction overlay applied. Fails CodeNotFound for unknown IDs.
func (s *Store) Get(ctx context.Context, id ref.EventID) (*event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.getLocked(id)
}

// getLocked is Get without the context check, usable under writeMu.
func (s *Store) getLocked(id ref.EventID) (*event.Event, error) {
	stored, err := s.db.get(keyEvent(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, errs.New(errs.CodeNotFound, "event %s is not in the store", id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading event %s: %w", id, err)
	}
	e, err := s.decodeStored(id, stored)
	if err != nil {
		return nil, err
	}

	redacted, err := s.db.has(keyRedaction(id))
	if err != nil {
		return nil, fmt.Errorf("checking redaction of %s: %w", id, err)
	}
	if redacted {
		return e.Redacted(), nil
	}
	return e, nil
}

// Has reports whether the event is committed, without decoding it.
func (s *Store) Has(ctx context.Context, id ref.EventID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.db.has(keyEvent(id))
}

func (s *Store) decodeStored(id ref.EventID, stored []byte) (*event.Event, error) {
	if len(stored) < 8 {
		return nil, fmt.Errorf("record for %s is truncated", id)
	}
	wire, err := s.sealer.open(id, stored[8:])
	if err != nil {
		return nil, err
	}
	e, err := event.Decode(wire)
	if err != nil {
		return nil, fmt.Errorf("decoding stored event %s: %w", id, err)
	}
	return e, nil
}

// RoomVersion returns the room's version string, or CodeUnknownRoom.
func (s *Store) RoomVersion(room ref.RoomID) (string, error) {
	version, err := s.db.get(keyRoomVersion(room))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", errs.New(errs.CodeUnknownRoom, "room %s is not in the store", room)
	}
	if err != nil {
		return "", fmt.Errorf("reading version of room %s: %w", room, err)
	}
	return string(version), nil
}

// ForwardExtremities returns the room's current frontier, sorted
// ascending by event ID.
func (s *Store) ForwardExtremities(room ref.RoomID) ([]ref.EventID, error) {
	prefix := keyExtremityPrefix(room)
	iter, err := s.db.newIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("scanning extremities of %s: %w", room, err)
	}
	defer iter.Close()

	var frontier []ref.EventID
	for valid := iter.First(); valid; valid = iter.Next() {
		id, err := ref.ParseEventID(string(iter.Key()[len(prefix):]))
		if err != nil {
			return nil, fmt.Errorf("corrupt extremity key in %s: %w", room, err)
		}
		frontier = append(frontier, id)
	}
	return frontier, nil
}

// Redact records a redaction overlay for target: subsequent Gets
// return the stripped view. The stored record is untouched; redacting
// an unknown or already redacted event is a no-op.
func (s *Store) Redact(ctx context.Context, target, by ref.EventID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	batch := s.db.newBatch()
	batch.Set(keyRedaction(target), []byte(by.String()), nil)
	if err := s.db.commitBatch(batch); err != nil {
		return fmt.Errorf("recording redaction of %s: %w", target, err)
	}
	return nil
}

// LatestCommitted returns the highest assigned commit sequence, zero
// when the store is empty. Lock-free.
func (s *Store) LatestCommitted() uint64 { return s.lastSeq.Load() }

// EarliestRetained returns the first commit sequence still in the
// delivery log. Zero means nothing has been trimmed and the log
// starts at sequence 1. Lock-free.
func (s *Store) EarliestRetained() uint64 {
	if earliest := s.earliest.Load(); earliest > 0 {
		return earliest
	}
	return 1
}

// Range streams committed events with sequence in (after, through] in
// sequence order. through of zero means the latest committed. fn
// returning an error stops the scan and returns that error.
func (s *Store) Range(ctx context.Context, after, through uint64, fn func(seq uint64, e *event.Event) error) error {
	if through == 0 {
		through = s.lastSeq.Load()
	}
	if through <= after {
		return nil
	}

	iter, err := s.db.newIter(&pebble.IterOptions{
		LowerBound: keySeq(after + 1),
		UpperBound: keySeq(through + 1),
	})
	if err != nil {
		return fmt.Errorf("scanning commit log: %w", err)
	}
	defer iter.Close()

	for valid := iter.First(); valid; valid = iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		seq := seqFromKey(iter.Key())
		id, err := ref.ParseEventID(string(iter.Value()))
		if err != nil {
			return fmt.Errorf("corrupt commit log entry %d: %w", seq, err)
		}
		e, err := s.getLocked(id)
		if err != nil {
			return fmt.Errorf("commit log entry %d: %w", seq, err)
		}
		if err := fn(seq, e); err != nil {
			return err
		}
	}
	return nil
}

// TrimBefore deletes commit log entries with sequence below floor and
// advances the retained window. Event records are never deleted — the
// graph stays complete, only deliverability shrinks. Trimming
// backwards is a no-op.
func (s *Store) TrimBefore(floor uint64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current := s.EarliestRetained()
	if floor <= current {
		return nil
	}
	if last := s.lastSeq.Load(); floor > last+1 {
		return fmt.Errorf("trim floor %d is beyond the committed log (latest %d)", floor, last)
	}

	deleted := int(floor - current)
	batch := s.db.newBatch()
	batch.DeleteRange(keySeq(current), keySeq(floor), nil)
	batch.Set(metaEarliestKey, seqBytes(floor), nil)
	if err := s.db.commitBatch(batch); err != nil {
		return fmt.Errorf("trimming commit log below %d: %w", floor, err)
	}
	s.earliest.Store(floor)
	s.db.metrics.ObserveTrim(deleted)
	return nil
}
