// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"container/heap"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/bureau-foundation/hearth/lib/errs"
	"github.com/bureau-foundation/hearth/lib/event"
	"github.com/bureau-foundation/hearth/lib/ref"
)

// Fetcher loads events by ID. Resolution only reads events that are
// already locally stored; a miss is an error, never a network fetch.
type Fetcher interface {
	Get(ctx context.Context, id ref.EventID) (*event.Event, error)
}

// AuthChains supplies auth-ancestry queries. Satisfied by
// authchain.Resolver.
type AuthChains interface {
	ClosureSet(ctx context.Context, ids []ref.EventID) (map[ref.EventID]struct{}, error)
	AuthDifference(ctx context.Context, sets [][]ref.EventID) (map[ref.EventID]struct{}, error)
}

// LogEntry records one conflicted slot's outcome: which candidate won
// and which were set aside.
type LogEntry struct {
	Tuple     event.StateTuple
	Chosen    ref.EventID
	Discarded []ref.EventID
}

// Result is a resolved state and the log of every conflicted slot.
type Result struct {
	State Map
	Log   []LogEntry

	// Conflicted is the number of slots that needed resolution.
	Conflicted int
}

// Resolver computes the resolved state of a set of fork states. It is
// stateless between calls and safe for concurrent use.
type Resolver struct {
	registry *Registry
	fetch    Fetcher
	chains   AuthChains
}

// NewResolver builds a resolver over a registry of version rules, an
// event fetcher, and an auth-chain index.
func NewResolver(registry *Registry, fetch Fetcher, chains AuthChains) *Resolver {
	return &Resolver{registry: registry, fetch: fetch, chains: chains}
}

// Resolve merges the given fork states into one state under the named
// room version's rules. The output depends only on the set of inputs:
// permuting or regrouping them yields the identical map.
func (r *Resolver) Resolve(ctx context.Context, version string, inputs []Map) (*Result, error) {
	rs, err := r.registry.Lookup(version)
	if err != nil {
		return nil, err
	}
	switch len(inputs) {
	case 0:
		return &Result{State: Map{}}, nil
	case 1:
		return &Result{State: inputs[0].Clone()}, nil
	}

	unconflicted, conflicted := splitConflicted(inputs)
	if len(conflicted) == 0 {
		return &Result{State: unconflicted}, nil
	}

	// The full conflicted set is the conflicted slot values plus the
	// auth difference of the inputs: events in some forks' ancestry
	// but not all, which may carry state the forks disagree about
	// implicitly.
	sets := make([][]ref.EventID, len(inputs))
	for i, input := range inputs {
		sets[i] = input.Values()
	}
	difference, err := r.chains.AuthDifference(ctx, sets)
	if err != nil {
		return nil, fmt.Errorf("computing auth difference: %w", err)
	}
	full := make(map[ref.EventID]struct{}, len(difference)+8)
	for _, ids := range conflicted {
		for _, id := range ids {
			full[id] = struct{}{}
		}
	}
	for id := range difference {
		full[id] = struct{}{}
	}

	candidates, err := r.loadCandidates(ctx, full)
	if err != nil {
		return nil, err
	}

	power, rest, err := r.splitPower(ctx, rs, candidates)
	if err != nil {
		return nil, err
	}

	sortedPower, err := r.orderPower(ctx, rs, power, candidates)
	if err != nil {
		return nil, err
	}

	partial := unconflicted.Clone()
	applied := make(map[ref.EventID]bool, len(candidates))
	if err := r.applyChecked(ctx, rs, sortedPower, candidates, partial, applied); err != nil {
		return nil, err
	}

	mainline, err := r.buildMainline(ctx, partial)
	if err != nil {
		return nil, err
	}
	sortedRest, err := r.orderMainline(ctx, rs, rest, candidates, mainline)
	if err != nil {
		return nil, err
	}
	if err := r.applyChecked(ctx, rs, sortedRest, candidates, partial, applied); err != nil {
		return nil, err
	}

	// Unconflicted slots always win over anything resolution put in
	// their place.
	for tuple, id := range unconflicted {
		partial[tuple] = id
	}

	result := &Result{State: partial, Conflicted: len(conflicted)}
	for _, tuple := range sortedConflictedTuples(conflicted) {
		entry := LogEntry{Tuple: tuple, Chosen: partial[tuple]}
		for _, id := range conflicted[tuple] {
			if id != entry.Chosen {
				entry.Discarded = append(entry.Discarded, id)
			}
		}
		result.Log = append(result.Log, entry)
	}
	return result, nil
}

// splitConflicted partitions the inputs' slots: slots every input
// holds with the same value are unconflicted; everything else is
// conflicted, keyed by tuple with all distinct candidate values in
// sorted order.
func splitConflicted(inputs []Map) (Map, map[event.StateTuple][]ref.EventID) {
	unconflicted := Map{}
	conflicted := make(map[event.StateTuple][]ref.EventID)

	seen := make(map[event.StateTuple]struct{})
	for _, input := range inputs {
		for tuple := range input {
			seen[tuple] = struct{}{}
		}
	}
	for tuple := range seen {
		values := make([]ref.EventID, 0, len(inputs))
		missing := false
		for _, input := range inputs {
			id, ok := input[tuple]
			if !ok {
				missing = true
				continue
			}
			if !slices.Contains(values, id) {
				values = append(values, id)
			}
		}
		if !missing && len(values) == 1 {
			unconflicted[tuple] = values[0]
			continue
		}
		slices.SortFunc(values, compareIDs)
		conflicted[tuple] = values
	}
	return unconflicted, conflicted
}

// loadCandidates fetches the full conflicted set. Events that cannot
// be loaded surface as a missing-auth-event error so the caller can
// backfill and retry.
func (r *Resolver) loadCandidates(ctx context.Context, full map[ref.EventID]struct{}) (map[ref.EventID]*event.Event, error) {
	candidates := make(map[ref.EventID]*event.Event, len(full))
	for id := range full {
		e, err := r.fetch.Get(ctx, id)
		if err != nil {
			return nil, errs.Wrap(errs.CodeMissingAuthEvent, err, "loading conflicted event %s", id)
		}
		candidates[id] = e
	}
	return candidates, nil
}

// splitPower divides the candidates into the power set (power events
// plus their auth ancestors within the conflicted set) and the rest.
func (r *Resolver) splitPower(ctx context.Context, rs *Ruleset, candidates map[ref.EventID]*event.Event) (power, rest []ref.EventID, err error) {
	inPower := make(map[ref.EventID]bool, len(candidates))
	for id, e := range candidates {
		if !rs.IsPowerEvent(e) {
			continue
		}
		inPower[id] = true
		closure, err := r.chains.ClosureSet(ctx, []ref.EventID{id})
		if err != nil {
			return nil, nil, fmt.Errorf("power event %s ancestry: %w", id, err)
		}
		for ancestor := range closure {
			if _, conflictedToo := candidates[ancestor]; conflictedToo {
				inPower[ancestor] = true
			}
		}
	}
	for id := range candidates {
		if inPower[id] {
			power = append(power, id)
		} else {
			rest = append(rest, id)
		}
	}
	return power, rest, nil
}

// senderPower computes an event sender's power level from the event's
// own auth references. Reading it there, rather than from the partial
// resolved state, keeps the ordering independent of how the inputs
// were grouped.
func (r *Resolver) senderPower(ctx context.Context, rs *Ruleset, e *event.Event) (int64, error) {
	var create, powerEvent *event.Event
	for _, id := range e.AuthEvents {
		auth, err := r.fetch.Get(ctx, id)
		if err != nil {
			return 0, errs.Wrap(errs.CodeMissingAuthEvent, err, "auth reference %s of %s", id, e.ID)
		}
		switch {
		case auth.IsCreation():
			create = auth
		case auth.Type == event.TypePowerLevels && auth.StateKeyValue() == "":
			powerEvent = auth
		}
	}
	if e.IsCreation() {
		creator, err := rs.Creator(e)
		if err != nil {
			return 0, err
		}
		if creator == e.Sender {
			return rs.CreatorPower, nil
		}
		return 0, nil
	}
	if create == nil {
		return 0, errs.New(errs.CodeMissingAuthEvent, "event %s references no creation event", e.ID)
	}
	creator, err := rs.Creator(create)
	if err != nil {
		return 0, err
	}
	levels, err := rs.ParsePowerLevels(powerEvent, creator)
	if err != nil {
		return 0, err
	}
	return levels.UserLevel(rs, e.Sender), nil
}

// sortKey carries the precomputed comparator inputs for one candidate.
type sortKey struct {
	power    int64
	position int
	ts       int64
	id       ref.EventID
}

// less orders two keys by the named comparators, most significant
// first. Power sorts descending; everything else ascending.
func less(order []string, a, b sortKey) bool {
	for _, name := range order {
		switch name {
		case "sender_power":
			if a.power != b.power {
				return a.power > b.power
			}
		case "mainline_position":
			if a.position != b.position {
				return a.position < b.position
			}
		case "origin_timestamp":
			if a.ts != b.ts {
				return a.ts < b.ts
			}
		case "event_id":
			if a.id != b.id {
				return strings.Compare(a.id.String(), b.id.String()) < 0
			}
		}
	}
	return false
}

// orderPower produces the reverse topological power ordering: auth
// ancestors before descendants, ties broken by the version's power
// comparators.
func (r *Resolver) orderPower(ctx context.Context, rs *Ruleset, power []ref.EventID, candidates map[ref.EventID]*event.Event) ([]ref.EventID, error) {
	keys := make(map[ref.EventID]sortKey, len(power))
	for _, id := range power {
		e := candidates[id]
		level, err := r.senderPower(ctx, rs, e)
		if err != nil {
			return nil, err
		}
		keys[id] = sortKey{power: level, ts: e.OriginTimestamp, id: id}
	}

	// Edges within the set: an ancestor must sort before every event
	// whose auth chain contains it.
	inSet := make(map[ref.EventID]bool, len(power))
	for _, id := range power {
		inSet[id] = true
	}
	dependents := make(map[ref.EventID][]ref.EventID, len(power))
	indegree := make(map[ref.EventID]int, len(power))
	for _, id := range power {
		indegree[id] += 0
		closure, err := r.chains.ClosureSet(ctx, []ref.EventID{id})
		if err != nil {
			return nil, fmt.Errorf("ordering power events: %w", err)
		}
		for ancestor := range closure {
			if inSet[ancestor] && ancestor != id {
				dependents[ancestor] = append(dependents[ancestor], id)
				indegree[id]++
			}
		}
	}

	ready := &keyHeap{order: rs.PowerOrder, keys: keys}
	for id, degree := range indegree {
		if degree == 0 {
			heap.Push(ready, id)
		}
	}
	sorted := make([]ref.EventID, 0, len(power))
	for ready.Len() > 0 {
		id := heap.Pop(ready).(ref.EventID)
		sorted = append(sorted, id)
		for _, dependent := range dependents[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				heap.Push(ready, dependent)
			}
		}
	}
	if len(sorted) != len(power) {
		return nil, errs.New(errs.CodeMalformedEvent, "auth ancestry cycle among power events")
	}
	return sorted, nil
}

// keyHeap orders candidate IDs by comparator keys.
type keyHeap struct {
	order []string
	keys  map[ref.EventID]sortKey
	ids   []ref.EventID
}

func (h *keyHeap) Len() int { return len(h.ids) }

func (h *keyHeap) Less(i, j int) bool {
	return less(h.order, h.keys[h.ids[i]], h.keys[h.ids[j]])
}

func (h *keyHeap) Swap(i, j int) { h.ids[i], h.ids[j] = h.ids[j], h.ids[i] }

func (h *keyHeap) Push(x any) { h.ids = append(h.ids, x.(ref.EventID)) }

func (h *keyHeap) Pop() any {
	last := h.ids[len(h.ids)-1]
	h.ids = h.ids[:len(h.ids)-1]
	return last
}

// applyChecked runs the iterative auth check: each candidate in order
// is checked against the partial state augmented by its own auth
// references, and claims its slot only when allowed.
func (r *Resolver) applyChecked(ctx context.Context, rs *Ruleset, ordered []ref.EventID, candidates map[ref.EventID]*event.Event, partial Map, applied map[ref.EventID]bool) error {
	for _, id := range ordered {
		e := candidates[id]
		tuple, ok := e.StateTuple()
		if !ok {
			continue
		}

		authRefs := make(map[event.StateTuple]*event.Event, len(e.AuthEvents))
		for _, authID := range e.AuthEvents {
			auth, err := r.fetch.Get(ctx, authID)
			if err != nil {
				return errs.Wrap(errs.CodeMissingAuthEvent, err, "auth reference %s of %s", authID, id)
			}
			if authTuple, ok := auth.StateTuple(); ok {
				authRefs[authTuple] = auth
			}
		}

		lookup := func(want event.StateTuple) *event.Event {
			if stateID, ok := partial[want]; ok {
				if cached, ok := candidates[stateID]; ok {
					return cached
				}
				loaded, err := r.fetch.Get(ctx, stateID)
				if err == nil {
					return loaded
				}
			}
			if auth, ok := authRefs[want]; ok {
				return auth
			}
			return nil
		}
		if rs.Authorize(e, lookup).Allowed() {
			partial[tuple] = id
			applied[id] = true
		}
	}
	return nil
}

// buildMainline walks the resolved power-levels event's ancestry of
// prior power-levels events. Index 0 is the oldest; events whose auth
// chain reaches a later mainline entry sort later.
func (r *Resolver) buildMainline(ctx context.Context, partial Map) ([]ref.EventID, error) {
	id, ok := partial[event.StateTuple{Type: event.TypePowerLevels, StateKey: ""}]
	if !ok {
		return nil, nil
	}
	var reversed []ref.EventID
	seen := make(map[ref.EventID]bool)
	for !id.IsZero() && !seen[id] {
		seen[id] = true
		reversed = append(reversed, id)
		e, err := r.fetch.Get(ctx, id)
		if err != nil {
			return nil, errs.Wrap(errs.CodeMissingAuthEvent, err, "mainline event %s", id)
		}
		id = ref.EventID{}
		for _, authID := range e.AuthEvents {
			auth, err := r.fetch.Get(ctx, authID)
			if err != nil {
				return nil, errs.Wrap(errs.CodeMissingAuthEvent, err, "mainline auth reference %s", authID)
			}
			if auth.Type == event.TypePowerLevels && auth.StateKeyValue() == "" {
				id = authID
				break
			}
		}
	}
	slices.Reverse(reversed)
	return reversed, nil
}

// mainlinePosition finds the highest mainline index reachable through
// an event's power-levels ancestry, 0 when none is reachable.
func (r *Resolver) mainlinePosition(ctx context.Context, e *event.Event, index map[ref.EventID]int) (int, error) {
	seen := make(map[ref.EventID]bool)
	current := e
	for current != nil {
		if position, ok := index[current.ID]; ok {
			return position, nil
		}
		var next *event.Event
		for _, authID := range current.AuthEvents {
			if seen[authID] {
				continue
			}
			seen[authID] = true
			auth, err := r.fetch.Get(ctx, authID)
			if err != nil {
				return 0, errs.Wrap(errs.CodeMissingAuthEvent, err, "mainline position of %s", e.ID)
			}
			if auth.Type == event.TypePowerLevels && auth.StateKeyValue() == "" {
				next = auth
				break
			}
		}
		current = next
	}
	return 0, nil
}

// orderMainline sorts the non-power candidates by the version's
// mainline comparators.
func (r *Resolver) orderMainline(ctx context.Context, rs *Ruleset, rest []ref.EventID, candidates map[ref.EventID]*event.Event, mainline []ref.EventID) ([]ref.EventID, error) {
	index := make(map[ref.EventID]int, len(mainline))
	for i, id := range mainline {
		// Positions start at 1 so "no mainline ancestry" sorts first.
		index[id] = i + 1
	}
	keys := make(map[ref.EventID]sortKey, len(rest))
	for _, id := range rest {
		e := candidates[id]
		position, err := r.mainlinePosition(ctx, e, index)
		if err != nil {
			return nil, err
		}
		keys[id] = sortKey{position: position, ts: e.OriginTimestamp, id: id}
	}
	sorted := slices.Clone(rest)
	slices.SortFunc(sorted, func(a, b ref.EventID) int {
		if less(rs.MainlineOrder, keys[a], keys[b]) {
			return -1
		}
		if less(rs.MainlineOrder, keys[b], keys[a]) {
			return 1
		}
		return 0
	})
	return sorted, nil
}

func sortedConflictedTuples(conflicted map[event.StateTuple][]ref.EventID) []event.StateTuple {
	tuples := make([]event.StateTuple, 0, len(conflicted))
	for tuple := range conflicted {
		tuples = append(tuples, tuple)
	}
	slices.SortFunc(tuples, compareTuples)
	return tuples
}

func compareIDs(a, b ref.EventID) int {
	return strings.Compare(a.String(), b.String())
}
