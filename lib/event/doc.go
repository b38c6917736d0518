// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package event defines the immutable room event: the node type of the
// per-room directed acyclic graph that every other component consumes.
//
// An event is created once, on receipt and validation, and never
// mutated. Its identity is content-derived: the ID is the BLAKE3 keyed
// hash (event-ID domain) of the event's canonical CBOR encoding with
// the signature block and the ID itself stripped. Two events with the
// same canonical bytes ARE the same event, wherever they were minted.
// Redaction produces a derived view via Redacted; the stored record is
// untouched.
//
// The wire layout is fixed: id, room_id, type, state_key (optional),
// sender, origin_timestamp, prev_events, auth_events, depth,
// content_hash, content, signatures. prev_events and auth_events are
// sets carried as sorted, duplicate-free arrays; ValidateStructure
// rejects any other arrangement so a record's bytes are canonical on
// arrival.
//
// Use a Builder to originate events locally. It normalizes the parent
// sets, hashes the content, signs the canonical bytes, and derives the
// ID, so builder output always passes ValidateStructure.
package event
