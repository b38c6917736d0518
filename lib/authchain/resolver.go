// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package authchain

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/bureau-foundation/hearth/lib/errs"
	"github.com/bureau-foundation/hearth/lib/event"
	"github.com/bureau-foundation/hearth/lib/metrics"
	"github.com/bureau-foundation/hearth/lib/ref"
)

// Source supplies events by ID. Satisfied by *eventstore.Store; a
// Get of an uncommitted event must fail errs.CodeNotFound.
type Source interface {
	Get(ctx context.Context, id ref.EventID) (*event.Event, error)
}

// Options configures the resolver. Zero values get cache defaults
// suitable for a mid-size server.
type Options struct {
	// PerEventCacheCost bounds the per-event closure cache. Cost is
	// measured in closure entries. Default 1 << 20 (one million
	// cached ancestry references).
	PerEventCacheCost int64

	// ChunkCacheCost bounds the whole-query chunk cache, in closure
	// entries. Default 1 << 18.
	ChunkCacheCost int64

	// Metrics records closure sizes. May be nil.
	Metrics *metrics.Set
}

// Resolver computes auth chain closures over a Source with two layers
// of memoisation. Safe for concurrent use.
type Resolver struct {
	source Source

	// perEvent maps event ID → that event's own closure, as a sorted
	// ID set. Filled bottom-up during traversal, so deep chains cost
	// one walk ever.
	perEvent *ristretto.Cache[string, []ref.EventID]

	// chunks maps a bucket of query IDs → the union closure of the
	// bucket. Overlapping queries with identical hot buckets (the
	// usual federation fan-in shape) skip the per-event layer
	// entirely.
	chunks *ristretto.Cache[string, []ref.EventID]

	// nodes caches the traversal metadata (depth, auth parents) used
	// for deterministic ordering without refetching events.
	nodes *ristretto.Cache[string, nodeInfo]

	metrics *metrics.Set
}

type nodeInfo struct {
	depth   int64
	parents []ref.EventID
}

// chunkBucketPrefix is how many event-ID characters (after the "$")
// key a chunk bucket. Two characters spread queries over 4096
// buckets, enough that a hot room's recurring extremity sets land in
// stable buckets.
const chunkBucketPrefix = 2

// New builds a Resolver over source. Call Close when done.
func New(source Source, options Options) (*Resolver, error) {
	perEventCost := options.PerEventCacheCost
	if perEventCost <= 0 {
		perEventCost = 1 << 20
	}
	chunkCost := options.ChunkCacheCost
	if chunkCost <= 0 {
		chunkCost = 1 << 18
	}

	perEvent, err := ristretto.NewCache(&ristretto.Config[string, []ref.EventID]{
		NumCounters: perEventCost / 16 * 10,
		MaxCost:     perEventCost,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating per-event closure cache: %w", err)
	}
	chunks, err := ristretto.NewCache(&ristretto.Config[string, []ref.EventID]{
		NumCounters: chunkCost / 16 * 10,
		MaxCost:     chunkCost,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		perEvent.Close()
		return nil, fmt.Errorf("creating chunk cache: %w", err)
	}
	nodes, err := ristretto.NewCache(&ristretto.Config[string, nodeInfo]{
		NumCounters: perEventCost / 16 * 10,
		MaxCost:     perEventCost,
		BufferItems: 64,
	})
	if err != nil {
		perEvent.Close()
		chunks.Close()
		return nil, fmt.Errorf("creating node metadata cache: %w", err)
	}

	return &Resolver{
		source:   source,
		perEvent: perEvent,
		chunks:   chunks,
		nodes:    nodes,
		metrics:  options.Metrics,
	}, nil
}

// Close releases the caches.
func (r *Resolver) Close() {
	r.perEvent.Close()
	r.chunks.Close()
	r.nodes.Close()
}

// HitRatio reports the per-event cache hit ratio, for the metrics
// gauge.
func (r *Resolver) HitRatio() float64 {
	return r.perEvent.Metrics.Ratio()
}

// MissingError reports auth ancestors that are not locally available.
// Always wrapped in an errs.CodeMissingAuthEvent coded error; callers
// extract it with errors.As to learn which IDs to backfill.
type MissingError struct {
	Missing []ref.EventID
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("%d auth ancestors not locally available (first: %s)", len(e.Missing), e.Missing[0])
}

// Missing returns the IDs a CodeMissingAuthEvent error names, or nil
// for any other error.
func Missing(err error) []ref.EventID {
	var missing *MissingError
	if errors.As(err, &missing) {
		return missing.Missing
	}
	return nil
}

// Closure returns the full auth ancestry of the given events — every
// event reachable via auth_events edges, the starting events
// themselves excluded — in deterministic order: topological
// (ancestors before descendants), ties broken by descending depth,
// then ascending event ID.
//
// Fails with errs.CodeMissingAuthEvent (carrying a MissingError)
// when any ancestor is not locally available. The caller backfills
// the named IDs and retries; partial closures are never returned.
func (r *Resolver) Closure(ctx context.Context, ids []ref.EventID) ([]ref.EventID, error) {
	set, err := r.closureSet(ctx, ids)
	if err != nil {
		return nil, err
	}
	return r.order(ctx, set)
}

// ClosureSet is Closure without the ordering pass: the same ancestry
// as an unsorted set, for callers (auth difference, admission checks)
// that only test membership.
func (r *Resolver) ClosureSet(ctx context.Context, ids []ref.EventID) (map[ref.EventID]struct{}, error) {
	sorted, err := r.closureSet(ctx, ids)
	if err != nil {
		return nil, err
	}
	set := make(map[ref.EventID]struct{}, len(sorted))
	for _, id := range sorted {
		set[id] = struct{}{}
	}
	return set, nil
}

// AuthDifference computes the auth difference of several state-event
// sets: the union of their auth chain closures minus the
// intersection. The result — returned as a set — is the candidate
// pool state resolution must re-authorize.
func (r *Resolver) AuthDifference(ctx context.Context, sets [][]ref.EventID) (map[ref.EventID]struct{}, error) {
	if len(sets) < 2 {
		return map[ref.EventID]struct{}{}, nil
	}

	counts := make(map[ref.EventID]int)
	for _, set := range sets {
		closure, err := r.closureSet(ctx, set)
		if err != nil {
			return nil, err
		}
		for _, id := range closure {
			counts[id]++
		}
	}

	difference := make(map[ref.EventID]struct{})
	for id, count := range counts {
		if count < len(sets) {
			difference[id] = struct{}{}
		}
	}
	return difference, nil
}

// closureSet returns the union closure of ids as a sorted ID slice.
// The chunk cache is consulted per bucket; misses fall through to the
// per-event layer.
func (r *Resolver) closureSet(ctx context.Context, ids []ref.EventID) ([]ref.EventID, error) {
	buckets := bucketize(ids)
	walk := &walkState{resolved: make(map[ref.EventID][]ref.EventID)}

	var union []ref.EventID
	for key, bucket := range buckets {
		chunkKey := key + "|" + joinIDs(bucket)
		if cached, ok := r.chunks.Get(chunkKey); ok {
			union = mergeSorted(union, cached)
			continue
		}

		var bucketUnion []ref.EventID
		for _, id := range bucket {
			closure, err := r.closureOf(ctx, walk, id)
			if err != nil {
				return nil, err
			}
			bucketUnion = mergeSorted(bucketUnion, closure)
		}
		r.chunks.Set(chunkKey, bucketUnion, int64(len(bucketUnion))+1)
		union = mergeSorted(union, bucketUnion)
	}
	r.metrics.ObserveClosureSize(len(union))
	return union, nil
}

// walkState holds one query's authoritative closure results.
// Ristretto admission and visibility are probabilistic and its writes
// land asynchronously, so a traversal must never depend on reading
// back its own cache writes; it reads the cache as a hint and this
// map as truth.
type walkState struct {
	resolved map[ref.EventID][]ref.EventID
	missing  []ref.EventID
}

// closureOf returns one event's own closure (its auth ancestry, the
// event excluded) as a sorted ID slice, computing and caching any
// uncached ancestry bottom-up.
func (r *Resolver) closureOf(ctx context.Context, walk *walkState, id ref.EventID) ([]ref.EventID, error) {
	lookup := func(id ref.EventID) ([]ref.EventID, bool) {
		if closure, ok := walk.resolved[id]; ok {
			return closure, true
		}
		if closure, ok := r.perEvent.Get(id.String()); ok {
			walk.resolved[id] = closure
			return closure, true
		}
		return nil, false
	}

	if closure, ok := lookup(id); ok {
		return closure, nil
	}

	// Iterative post-order walk: an event's closure is the union of
	// each auth parent's closure plus the parents themselves, so
	// parents resolve first.
	type frame struct {
		id       ref.EventID
		expanded bool
	}
	stack := []frame{{id: id}}
	missingBefore := len(walk.missing)

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		top := &stack[len(stack)-1]

		if _, ok := lookup(top.id); ok {
			stack = stack[:len(stack)-1]
			continue
		}

		info, err := r.node(ctx, top.id)
		if errs.Is(err, errs.CodeNotFound) {
			walk.missing = append(walk.missing, top.id)
			stack = stack[:len(stack)-1]
			continue
		}
		if err != nil {
			return nil, err
		}

		if !top.expanded {
			top.expanded = true
			for _, parent := range info.parents {
				if _, ok := lookup(parent); !ok {
					stack = append(stack, frame{id: parent})
				}
			}
			continue
		}

		var closure []ref.EventID
		complete := true
		for _, parent := range info.parents {
			parentClosure, ok := lookup(parent)
			if !ok {
				// The parent's subtree hit a missing ancestor; its
				// absence is already recorded in walk.missing.
				complete = false
				continue
			}
			closure = mergeSorted(closure, parentClosure)
			closure = mergeSorted(closure, []ref.EventID{parent})
		}
		stack = stack[:len(stack)-1]
		if complete {
			walk.resolved[top.id] = closure
			r.perEvent.Set(top.id.String(), closure, int64(len(closure))+1)
		}
	}

	if len(walk.missing) > missingBefore {
		missing := slices.Clone(walk.missing)
		slices.SortFunc(missing, compareIDs)
		missing = slices.Compact(missing)
		return nil, errs.Wrap(errs.CodeMissingAuthEvent, &MissingError{Missing: missing},
			"auth chain of %s is incomplete", id)
	}

	closure, ok := walk.resolved[id]
	if !ok {
		return nil, fmt.Errorf("auth chain walk of %s finished without a result", id)
	}
	return closure, nil
}

// node fetches ordering metadata for one event, through the node
// cache.
func (r *Resolver) node(ctx context.Context, id ref.EventID) (nodeInfo, error) {
	if cached, ok := r.nodes.Get(id.String()); ok {
		return cached, nil
	}
	e, err := r.source.Get(ctx, id)
	if err != nil {
		return nodeInfo{}, err
	}
	info := nodeInfo{depth: e.Depth, parents: e.AuthEvents}
	r.nodes.Set(id.String(), info, int64(len(info.parents))+1)
	return info, nil
}

// order arranges a closure set topologically: every event after all
// its auth ancestors, ties among unconstrained events broken by
// descending depth, then ascending event ID.
func (r *Resolver) order(ctx context.Context, set []ref.EventID) ([]ref.EventID, error) {
	members := make(map[ref.EventID]nodeInfo, len(set))
	for _, id := range set {
		info, err := r.node(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("ordering auth chain: %w", err)
		}
		members[id] = info
	}

	// Kahn's algorithm with a deterministic ready queue. Only edges
	// inside the closure constrain the order.
	pending := make(map[ref.EventID]int, len(set))
	children := make(map[ref.EventID][]ref.EventID)
	for id, info := range members {
		for _, parent := range info.parents {
			if _, inside := members[parent]; inside {
				pending[id]++
				children[parent] = append(children[parent], id)
			}
		}
	}

	ready := &orderHeap{members: members}
	for _, id := range set {
		if pending[id] == 0 {
			heap.Push(ready, id)
		}
	}

	ordered := make([]ref.EventID, 0, len(set))
	for ready.Len() > 0 {
		id := heap.Pop(ready).(ref.EventID)
		ordered = append(ordered, id)
		for _, child := range children[id] {
			pending[child]--
			if pending[child] == 0 {
				heap.Push(ready, child)
			}
		}
	}
	if len(ordered) != len(set) {
		// Unreachable while the store enforces depth monotonicity.
		return nil, fmt.Errorf("auth chain contains a cycle (%d of %d events ordered)", len(ordered), len(set))
	}
	return ordered, nil
}

// orderHeap yields ready events by descending depth, then ascending
// event ID.
type orderHeap struct {
	ids     []ref.EventID
	members map[ref.EventID]nodeInfo
}

func (h *orderHeap) Len() int { return len(h.ids) }

func (h *orderHeap) Less(i, j int) bool {
	a, b := h.ids[i], h.ids[j]
	if da, db := h.members[a].depth, h.members[b].depth; da != db {
		return da > db
	}
	return a.String() < b.String()
}

func (h *orderHeap) Swap(i, j int) { h.ids[i], h.ids[j] = h.ids[j], h.ids[i] }

func (h *orderHeap) Push(x any) { h.ids = append(h.ids, x.(ref.EventID)) }

func (h *orderHeap) Pop() any {
	last := h.ids[len(h.ids)-1]
	h.ids = h.ids[:len(h.ids)-1]
	return last
}

// bucketize groups query IDs by a short ID prefix, each bucket sorted.
func bucketize(ids []ref.EventID) map[string][]ref.EventID {
	buckets := make(map[string][]ref.EventID)
	for _, id := range ids {
		s := id.String()
		key := s[1:min(1+chunkBucketPrefix, len(s))]
		buckets[key] = append(buckets[key], id)
	}
	for key := range buckets {
		slices.SortFunc(buckets[key], compareIDs)
		buckets[key] = slices.Compact(buckets[key])
	}
	return buckets
}

// mergeSorted merges two sorted, duplicate-free ID slices into one.
func mergeSorted(a, b []ref.EventID) []ref.EventID {
	if len(a) == 0 {
		return slices.Clone(b)
	}
	if len(b) == 0 {
		return a
	}
	out := make([]ref.EventID, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch c := compareIDs(a[i], b[j]); {
		case c < 0:
			out = append(out, a[i])
			i++
		case c > 0:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

func compareIDs(a, b ref.EventID) int {
	return strings.Compare(a.String(), b.String())
}

func joinIDs(ids []ref.EventID) string {
	var sb strings.Builder
	for i, id := range ids {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(id.String())
	}
	return sb.String()
}
