// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventstore persists the event graph and the commit log.
//
// The store is append-only at the event level: a record, once
// committed, is immutable and content-addressed by its event ID. Every
// durably committed event is also assigned the next value of a
// server-wide commit sequence; ordered scans over that sequence are
// the sync delivery stream. Retention trims commit-log index entries,
// never event records, so the graph stays intact while the deliverable
// window advances.
//
// Layout in Pebble, lexicographically sortable:
//
//	e/<event-id>            event record (commit seq + sealed payload)
//	s/<seq-be8>             commit log: sequence → event ID
//	r/<room-id>/x/<event-id> forward extremity marker
//	r/<room-id>/v           room version record
//	g/<parent-id>/<child-id> reverse graph edge (child extends parent)
//	m/...                   store metadata (last seq, earliest retained,
//	                        encryption check value, redaction overlays)
//
// Durability is a policy choice: every commit fsyncs, commits
// group-fsync on an interval, or the WAL is left to Pebble's own
// schedule. Record payloads are compressed when that pays for itself
// (zstd, falling back to lz4, falling back to raw) and optionally
// encrypted at rest with per-record keys derived from a store key.
//
// Upper layers consume only Put/Get/ForwardExtremities/Range/Trim:
// Pebble is the shipped backend, not a contract.
package eventstore
