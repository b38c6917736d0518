// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"fmt"
	"slices"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/hearth/lib/codec"
	"github.com/bureau-foundation/hearth/lib/event"
	"github.com/bureau-foundation/hearth/lib/ref"
)

// Map is a room state map: one event per (type, state key) slot.
// Maps are replaced wholesale, never mutated in place — the resolver
// returns fresh maps and the room actor swaps them atomically.
type Map map[event.StateTuple]ref.EventID

// Clone returns an independent copy.
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for tuple, id := range m {
		out[tuple] = id
	}
	return out
}

// Equal reports whether two maps assign identical events to
// identical slots.
func (m Map) Equal(other Map) bool {
	if len(m) != len(other) {
		return false
	}
	for tuple, id := range m {
		if other[tuple] != id {
			return false
		}
	}
	return true
}

// Get returns the event occupying a slot, or a zero ID.
func (m Map) Get(eventType, stateKey string) ref.EventID {
	return m[event.StateTuple{Type: eventType, StateKey: stateKey}]
}

// SortedTuples returns the map's slots in canonical order: by type,
// then state key.
func (m Map) SortedTuples() []event.StateTuple {
	tuples := make([]event.StateTuple, 0, len(m))
	for tuple := range m {
		tuples = append(tuples, tuple)
	}
	slices.SortFunc(tuples, compareTuples)
	return tuples
}

// Values returns the map's event IDs, sorted ascending, deduplicated.
func (m Map) Values() []ref.EventID {
	ids := make([]ref.EventID, 0, len(m))
	for _, id := range m {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b ref.EventID) int {
		return strings.Compare(a.String(), b.String())
	})
	return slices.Compact(ids)
}

// CanonicalBytes returns the deterministic CBOR encoding of the map:
// an array of (type, state key, event ID) triples in canonical slot
// order. Two maps are byte-identical exactly when Equal.
func (m Map) CanonicalBytes() ([]byte, error) {
	type entry struct {
		Type     string      `cbor:"type"`
		StateKey string      `cbor:"state_key"`
		EventID  ref.EventID `cbor:"event_id"`
	}
	entries := make([]entry, 0, len(m))
	for _, tuple := range m.SortedTuples() {
		entries = append(entries, entry{Type: tuple.Type, StateKey: tuple.StateKey, EventID: m[tuple]})
	}
	encoded, err := codec.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("encoding state map: %w", err)
	}
	return encoded, nil
}

// Fingerprint returns a short hex digest of the canonical bytes, for
// divergence reports and logs.
func (m Map) Fingerprint() string {
	canonical, err := m.CanonicalBytes()
	if err != nil {
		return "unencodable"
	}
	digest := blake3.Sum256(canonical)
	return fmt.Sprintf("%x", digest[:8])
}

func compareTuples(a, b event.StateTuple) int {
	if c := strings.Compare(a.Type, b.Type); c != 0 {
		return c
	}
	return strings.Compare(a.StateKey, b.StateKey)
}
