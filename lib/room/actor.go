// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package room runs one goroutine per room that owns every mutation
// of that room's state. Validation happens on a shared pool before
// the serialization point; readers take lock-free snapshots.
package room

import (
	"context"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/hearth/lib/errs"
	"github.com/bureau-foundation/hearth/lib/event"
	"github.com/bureau-foundation/hearth/lib/eventstore"
	"github.com/bureau-foundation/hearth/lib/metrics"
	"github.com/bureau-foundation/hearth/lib/quarantine"
	"github.com/bureau-foundation/hearth/lib/ref"
	"github.com/bureau-foundation/hearth/lib/state"
)

// Snapshot is the last committed view of a room. Immutable once
// published; readers share it without locks.
type Snapshot struct {
	RoomID      ref.RoomID
	Version     string
	State       state.Map
	Extremities []ref.EventID

	// Seq is the commit sequence of the event that produced this
	// snapshot, 0 before the first commit.
	Seq uint64
}

// actor owns one room. All mutation flows through its mailbox; the
// run loop is the only writer of fork states and snapshots.
type actor struct {
	roomID   ref.RoomID
	version  string
	ruleset  *state.Ruleset
	store    *eventstore.Store
	resolver *state.Resolver
	reports  *quarantine.Store
	metrics  *metrics.Set
	logger   *slog.Logger

	mailbox  chan message
	snapshot atomic.Pointer[Snapshot]

	// forkStates maps each forward extremity to the resolved state as
	// of that extremity. Run-loop private.
	forkStates map[ref.EventID]state.Map

	// canonical is the incrementally maintained room state. Run-loop
	// private; the snapshot publishes copies.
	canonical state.Map

	// haltErr is set when a divergence quarantines the room; every
	// later mutation fails with it.
	haltErr error
}

type message struct {
	ingest *event.Event

	// force replaces the room state wholesale (federation join).
	force *forceState

	reply chan result
}

type forceState struct {
	state       state.Map
	extremities []ref.EventID
}

type result struct {
	seq uint64
	err error
}

func newActor(roomID ref.RoomID, version string, m *Manager) (*actor, error) {
	ruleset, err := m.registry.Lookup(version)
	if err != nil {
		return nil, err
	}
	a := &actor{
		roomID:     roomID,
		version:    version,
		ruleset:    ruleset,
		store:      m.store,
		resolver:   m.resolver,
		reports:    m.reports,
		metrics:    m.metrics,
		logger:     m.logger.With("room", roomID.String()),
		mailbox:    make(chan message, m.mailboxSize),
		forkStates: make(map[ref.EventID]state.Map),
		canonical:  state.Map{},
	}
	a.snapshot.Store(&Snapshot{RoomID: roomID, Version: version, State: state.Map{}})
	return a, nil
}

// run is the actor goroutine. It restores state from the committed
// log, then serves the mailbox until the context ends.
func (a *actor) run(ctx context.Context) {
	a.metrics.RoomStarted()
	defer a.metrics.RoomStopped()

	if err := a.restore(ctx); err != nil {
		a.logger.Error("room state restore failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.mailbox:
			msg.reply <- a.handle(ctx, msg)
		}
	}
}

func (a *actor) handle(ctx context.Context, msg message) result {
	if a.haltErr != nil {
		return result{err: errs.Wrap(errs.CodeRoomQuarantined, a.haltErr,
			"room %s is quarantined", a.roomID)}
	}
	switch {
	case msg.ingest != nil:
		return a.ingest(ctx, msg.ingest)
	case msg.force != nil:
		a.applyForce(msg.force)
		return result{seq: a.snapshot.Load().Seq}
	}
	return result{}
}

// restore rebuilds fork states and the canonical map by replaying the
// room's committed events in sequence order. The store already holds
// everything, so replay applies state transitions only.
func (a *actor) restore(ctx context.Context) error {
	latest := a.store.LatestCommitted()
	if latest == 0 {
		return nil
	}
	return a.store.Range(ctx, 0, latest, func(seq uint64, e *event.Event) error {
		if e.RoomID != a.roomID {
			return nil
		}
		if err := a.applyCommitted(ctx, e, seq); err != nil {
			// Replay reproduces past ingest decisions; a rejected
			// event was rejected then too.
			a.logger.Debug("replay skipped event", "event", e.ID.String(), "error", err)
		}
		return nil
	})
}

// ingest persists the event and applies its state transition.
func (a *actor) ingest(ctx context.Context, e *event.Event) result {
	started := time.Now()
	seq, err := a.store.Put(ctx, e)
	if err != nil {
		a.metrics.EventRejected(errs.Code(err))
		return result{err: err}
	}
	if err := a.applyCommitted(ctx, e, seq); err != nil {
		a.metrics.EventRejected(errs.Code(err))
		return result{err: err}
	}
	a.metrics.EventIngested()
	a.metrics.ObserveIngest(time.Since(started))
	return result{seq: seq}
}

// applyCommitted advances the room state past one committed event:
// resolve the fork states the event builds on, auth-check it against
// that resolution, apply it, then recompute the canonical map and
// cross-check for divergence.
func (a *actor) applyCommitted(ctx context.Context, e *event.Event, seq uint64) error {
	inputs := a.inputStates(e)

	resolved, err := a.resolveInputs(ctx, inputs)
	if err != nil {
		return err
	}

	verdict := a.ruleset.Authorize(e, a.stateLookup(ctx, resolved))
	if !verdict.Allowed() {
		return errs.New(errs.CodeAuthCheckFailed,
			"event %s: %s (%s)", e.ID, verdict.Reason, verdict.Detail)
	}
	if tuple, ok := e.StateTuple(); ok {
		resolved = resolved.Clone()
		resolved[tuple] = e.ID
	}

	extremities, err := a.store.ForwardExtremities(e.RoomID)
	if err != nil {
		return err
	}
	a.forkStates[e.ID] = resolved
	for id := range a.forkStates {
		if !slices.Contains(extremities, id) {
			delete(a.forkStates, id)
		}
	}

	canonical, err := a.recomputeCanonical(ctx, resolved, extremities)
	if err != nil {
		return err
	}
	a.canonical = canonical
	a.publish(canonical, extremities, seq)
	return nil
}

// inputStates returns the fork states the event's parents carry. A
// parent this actor does not track (deep append, out-of-order
// arrival) falls back to the canonical state.
func (a *actor) inputStates(e *event.Event) []state.Map {
	var inputs []state.Map
	for _, parent := range e.PrevEvents {
		if forkState, ok := a.forkStates[parent]; ok {
			inputs = append(inputs, forkState)
		}
	}
	if len(inputs) == 0 {
		inputs = append(inputs, a.canonical)
	}
	return inputs
}

func (a *actor) resolveInputs(ctx context.Context, inputs []state.Map) (state.Map, error) {
	if len(inputs) == 1 {
		return inputs[0], nil
	}
	started := time.Now()
	resolution, err := a.resolver.Resolve(ctx, a.version, inputs)
	if err != nil {
		return nil, err
	}
	a.metrics.ObserveResolution(time.Since(started))
	return resolution.State, nil
}

// recomputeCanonical derives the room's canonical state from the
// current frontier. With multiple extremities outstanding it also
// cross-checks the incremental path against a from-scratch resolution
// of every fork state; disagreement quarantines the room.
func (a *actor) recomputeCanonical(ctx context.Context, latest state.Map, extremities []ref.EventID) (state.Map, error) {
	forkStates := make([]state.Map, 0, len(a.forkStates))
	for _, id := range extremities {
		if forkState, ok := a.forkStates[id]; ok {
			forkStates = append(forkStates, forkState)
		}
	}
	if len(forkStates) <= 1 {
		return latest, nil
	}

	incremental, err := a.resolveInputs(ctx, []state.Map{a.canonical, latest})
	if err != nil {
		return nil, err
	}
	fromScratch, err := a.resolveInputs(ctx, forkStates)
	if err != nil {
		return nil, err
	}
	if !incremental.Equal(fromScratch) {
		return nil, a.halt(incremental, fromScratch, forkStates)
	}
	return fromScratch, nil
}

// halt quarantines the room: write the report, record the condition,
// and fail this and every later mutation.
func (a *actor) halt(incremental, fromScratch state.Map, inputs []state.Map) error {
	report := quarantine.Report{
		RoomID:      a.roomID,
		Incremental: quarantine.Flatten(incremental),
		FromScratch: quarantine.Flatten(fromScratch),
	}
	for _, input := range inputs {
		report.Inputs = append(report.Inputs, quarantine.Flatten(input))
	}
	if err := a.reports.Write(report); err != nil {
		a.logger.Error("writing quarantine report failed", "error", err)
	}
	a.haltErr = errs.New(errs.CodeStateDivergence,
		"room %s: incremental state disagrees with from-scratch resolution", a.roomID)
	a.logger.Error("state divergence, room halted",
		"incremental", incremental.Fingerprint(),
		"from_scratch", fromScratch.Fingerprint())
	return a.haltErr
}

func (a *actor) applyForce(force *forceState) {
	a.canonical = force.state.Clone()
	a.forkStates = make(map[ref.EventID]state.Map, len(force.extremities))
	for _, id := range force.extremities {
		a.forkStates[id] = a.canonical
	}
	a.publish(a.canonical, slices.Clone(force.extremities), a.store.LatestCommitted())
}

func (a *actor) publish(canonical state.Map, extremities []ref.EventID, seq uint64) {
	a.snapshot.Store(&Snapshot{
		RoomID:      a.roomID,
		Version:     a.version,
		State:       canonical.Clone(),
		Extremities: extremities,
		Seq:         seq,
	})
}

// stateLookup adapts the resolved map to the auth check interface.
func (a *actor) stateLookup(ctx context.Context, resolved state.Map) state.StateLookup {
	return func(tuple event.StateTuple) *event.Event {
		id, ok := resolved[tuple]
		if !ok {
			return nil
		}
		e, err := a.store.Get(ctx, id)
		if err != nil {
			return nil
		}
		return e
	}
}
