// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package authchain computes authorization-event ancestry.
//
// The auth chain of an event is the transitive closure of its
// auth_events references: every membership, power-levels, join-rules,
// and creation event that justifies its existence. State resolution
// and federation admission both query chains for overlapping event
// sets at high rates, so the resolver memoises aggressively: a
// per-event closure cache, and above it a chunk cache keyed by
// event-ID-prefix buckets of the query, both in ristretto with
// cost-based eviction. Closures are immutable once computed — an
// event's auth ancestry can never change — so cached entries are
// never invalidated, only evicted.
package authchain
