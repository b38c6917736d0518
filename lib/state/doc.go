// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package state holds room state and resolves conflicts over it.
//
// A state map assigns one event to each (type, state key) slot of a
// room. When a room's event graph forks — two servers extend the same
// parent independently — the forks carry disagreeing state maps, and
// the resolution engine computes the single canonical map every
// server must converge on. The algorithm is the v2 family: split
// unconflicted from conflicted slots, re-authorize the conflicted
// candidates against the state being rebuilt in a deterministic
// power-then-mainline order, and pass unconflicted slots through.
//
// Authorization rules vary by room version. Every versioned knob —
// which event types are power events, which join rules exist, the
// ordering rules, power defaults — lives in a rule table (embedded
// JSONC, overridable from configuration), dispatched through a
// Registry rather than compiled into the algorithm.
//
// Everything here is pure computation over fetched events: no I/O
// beyond the Fetcher the caller supplies, no clocks, no goroutines.
// Determinism is the contract: identical inputs must produce
// byte-identical canonical maps on every server, in any grouping.
package state
