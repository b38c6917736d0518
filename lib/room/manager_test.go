// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package room

import (
	"context"
	"slices"
	"strings"
	"testing"

	"github.com/bureau-foundation/hearth/lib/authchain"
	"github.com/bureau-foundation/hearth/lib/errs"
	"github.com/bureau-foundation/hearth/lib/event"
	"github.com/bureau-foundation/hearth/lib/event/eventtest"
	"github.com/bureau-foundation/hearth/lib/eventstore"
	"github.com/bureau-foundation/hearth/lib/quarantine"
	"github.com/bureau-foundation/hearth/lib/ref"
	"github.com/bureau-foundation/hearth/lib/state"
)

type testRig struct {
	store   *eventstore.Store
	reports *quarantine.Store
	manager *Manager
}

func newTestRig(t *testing.T, dataDir, reportDir string) *testRig {
	t.Helper()

	store, err := eventstore.Open(eventstore.Options{Dir: dataDir, FsyncMode: eventstore.FsyncNever})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	registry, err := state.LoadRegistry()
	if err != nil {
		t.Fatalf("loading rule table: %v", err)
	}
	chains, err := authchain.New(store, authchain.Options{})
	if err != nil {
		t.Fatalf("building auth chain resolver: %v", err)
	}
	t.Cleanup(chains.Close)

	reports, err := quarantine.NewStore(reportDir)
	if err != nil {
		t.Fatalf("creating quarantine store: %v", err)
	}

	manager, err := NewManager(Options{
		Store:    store,
		Resolver: state.NewResolver(registry, store, chains),
		Registry: registry,
		Reports:  reports,
	})
	if err != nil {
		t.Fatalf("creating manager: %v", err)
	}
	t.Cleanup(manager.Close)

	return &testRig{store: store, reports: reports, manager: manager}
}

// populatedRoom submits the usual prefix and returns the fixture.
func populatedRoom(t *testing.T, rig *testRig) (*eventtest.Room, []*event.Event) {
	t.Helper()
	ctx := context.Background()
	room := eventtest.NewRoom(t, "10")
	events := []*event.Event{
		room.Create,
		room.Join(t, room.Creator),
		room.Append(t, eventtest.Params{
			Type:     event.TypeJoinRules,
			StateKey: eventtest.StateKey(""),
			Content:  event.JoinRulesContent{JoinRule: event.JoinRulePublic},
		}),
		room.PowerLevels(t, room.Creator, map[string]int64{
			room.Creator.String():            100,
			eventtest.User("alice").String(): 50,
		}),
		room.Join(t, eventtest.User("alice")),
	}
	for _, e := range events {
		if _, err := rig.manager.Submit(ctx, e); err != nil {
			t.Fatalf("submitting %s: %v", e.Type, err)
		}
	}
	return room, events
}

func TestSubmitBuildsSnapshot(t *testing.T) {
	rig := newTestRig(t, t.TempDir(), t.TempDir())
	room, events := populatedRoom(t, rig)

	snapshot, err := rig.manager.Snapshot(context.Background(), room.ID)
	if err != nil {
		t.Fatalf("reading snapshot: %v", err)
	}
	if snapshot.Version != "10" {
		t.Fatalf("snapshot version: got %q, want %q", snapshot.Version, "10")
	}
	if got := snapshot.State.Get(event.TypeMember, eventtest.User("alice").String()); got != events[4].ID {
		t.Fatalf("alice membership: got %s, want %s", got, events[4].ID)
	}
	tip := events[len(events)-1]
	if !slices.Equal(snapshot.Extremities, []ref.EventID{tip.ID}) {
		t.Fatalf("extremities: got %v, want [%s]", snapshot.Extremities, tip.ID)
	}
	if snapshot.Seq == 0 {
		t.Fatalf("snapshot sequence not advanced")
	}
}

func TestSubmitForkAndMergeResolves(t *testing.T) {
	rig := newTestRig(t, t.TempDir(), t.TempDir())
	room, _ := populatedRoom(t, rig)
	ctx := context.Background()
	tip := room.Tip()

	early := room.Append(t, eventtest.Params{
		Type:      event.TypeTopic,
		StateKey:  eventtest.StateKey(""),
		Sender:    eventtest.User("alice"),
		Content:   map[string]any{"topic": "draft"},
		Prev:      []ref.EventID{tip.ID},
		Timestamp: 1_700_000_100_000,
	})
	late := room.Append(t, eventtest.Params{
		Type:      event.TypeTopic,
		StateKey:  eventtest.StateKey(""),
		Content:   map[string]any{"topic": "final"},
		Prev:      []ref.EventID{tip.ID},
		Timestamp: 1_700_000_200_000,
	})
	merge := room.Append(t, eventtest.Params{
		Type:    event.TypeMessage,
		Content: map[string]any{"body": "merged"},
		Prev:    []ref.EventID{early.ID, late.ID},
	})

	for _, e := range []*event.Event{early, late, merge} {
		if _, err := rig.manager.Submit(ctx, e); err != nil {
			t.Fatalf("submitting %s: %v", e.ID, err)
		}
	}

	snapshot, err := rig.manager.Snapshot(ctx, room.ID)
	if err != nil {
		t.Fatalf("reading snapshot: %v", err)
	}
	if got := snapshot.State.Get(event.TypeTopic, ""); got != late.ID {
		t.Fatalf("merged topic: got %s, want the later event %s", got, late.ID)
	}
	if !slices.Equal(snapshot.Extremities, []ref.EventID{merge.ID}) {
		t.Fatalf("extremities after merge: got %v, want [%s]", snapshot.Extremities, merge.ID)
	}
}

func TestSubmitRejectsUnauthorizedEvent(t *testing.T) {
	rig := newTestRig(t, t.TempDir(), t.TempDir())
	room, _ := populatedRoom(t, rig)
	ctx := context.Background()

	intruder := room.Append(t, eventtest.Params{
		Type:    event.TypeMessage,
		Sender:  eventtest.User("mallory"),
		Content: map[string]any{"body": "hi"},
	})
	if _, err := rig.manager.Submit(ctx, intruder); errs.Code(err) != errs.CodeAuthCheckFailed {
		t.Fatalf("got %v, want code %s", err, errs.CodeAuthCheckFailed)
	}

	// The rejection does not wedge the room.
	after := room.Append(t, eventtest.Params{
		Type:    event.TypeMessage,
		Content: map[string]any{"body": "still here"},
		Prev:    []ref.EventID{intruder.ID},
	})
	if _, err := rig.manager.Submit(ctx, after); err != nil {
		t.Fatalf("submitting after a rejection: %v", err)
	}
}

func TestSubmitUnknownRoom(t *testing.T) {
	rig := newTestRig(t, t.TempDir(), t.TempDir())
	room := eventtest.NewRoom(t, "10")
	join := room.Join(t, room.Creator)

	// The creation event never arrived.
	if _, err := rig.manager.Submit(context.Background(), join); errs.Code(err) != errs.CodeUnknownRoom {
		t.Fatalf("got %v, want code %s", err, errs.CodeUnknownRoom)
	}
}

func TestQuarantinedRoomRefusesActor(t *testing.T) {
	reportDir := t.TempDir()
	rig := newTestRig(t, t.TempDir(), reportDir)

	room := eventtest.NewRoom(t, "10")
	if err := rig.reports.Write(quarantine.Report{RoomID: room.ID}); err != nil {
		t.Fatalf("writing quarantine report: %v", err)
	}
	_, err := rig.manager.Submit(context.Background(), room.Create)
	if errs.Code(err) != errs.CodeRoomQuarantined {
		t.Fatalf("got %v, want code %s", err, errs.CodeRoomQuarantined)
	}

	// Clearing the report lets the room start.
	if err := rig.reports.Clear(room.ID); err != nil {
		t.Fatalf("clearing report: %v", err)
	}
	if _, err := rig.manager.Submit(context.Background(), room.Create); err != nil {
		t.Fatalf("submitting after clear: %v", err)
	}
}

func TestDivergenceHaltsRoom(t *testing.T) {
	rig := newTestRig(t, t.TempDir(), t.TempDir())
	room, _ := populatedRoom(t, rig)
	ctx := context.Background()

	rig.manager.mu.Lock()
	a := rig.manager.rooms[room.ID]
	rig.manager.mu.Unlock()

	// Force the halt path directly: the two maps disagree.
	disagreeA := state.Map{event.StateTuple{Type: event.TypeCreate, StateKey: ""}: room.Create.ID}
	disagreeB := state.Map{}
	haltErr := a.halt(disagreeA, disagreeB, []state.Map{disagreeA, disagreeB})
	if errs.Code(haltErr) != errs.CodeStateDivergence {
		t.Fatalf("halt error: got %v, want code %s", haltErr, errs.CodeStateDivergence)
	}

	// The report is on disk and mutations now fail.
	if _, err := rig.reports.Read(room.ID); err != nil {
		t.Fatalf("reading quarantine report: %v", err)
	}
	banal := room.Append(t, eventtest.Params{
		Type:    event.TypeMessage,
		Content: map[string]any{"body": "anyone there"},
	})
	if _, err := rig.manager.Submit(ctx, banal); errs.Code(err) != errs.CodeRoomQuarantined {
		t.Fatalf("got %v, want code %s", err, errs.CodeRoomQuarantined)
	}
}

func TestRestoreRebuildsState(t *testing.T) {
	dataDir := t.TempDir()
	reportDir := t.TempDir()

	first := newTestRig(t, dataDir, reportDir)
	room, _ := populatedRoom(t, first)
	before, err := first.manager.Snapshot(context.Background(), room.ID)
	if err != nil {
		t.Fatalf("snapshot before restart: %v", err)
	}
	first.manager.Close()
	first.store.Close()

	second := newTestRig(t, dataDir, reportDir)
	topic := room.Append(t, eventtest.Params{
		Type:     event.TypeTopic,
		StateKey: eventtest.StateKey(""),
		Content:  map[string]any{"topic": "after restart"},
	})
	if _, err := second.manager.Submit(context.Background(), topic); err != nil {
		t.Fatalf("submitting after restart: %v", err)
	}
	after, err := second.manager.Snapshot(context.Background(), room.ID)
	if err != nil {
		t.Fatalf("snapshot after restart: %v", err)
	}
	for tuple, id := range before.State {
		if after.State[tuple] != id {
			t.Fatalf("restored state lost %v", tuple)
		}
	}
	if got := after.State.Get(event.TypeTopic, ""); got != topic.ID {
		t.Fatalf("topic after restart: got %s, want %s", got, topic.ID)
	}
}

func TestForceState(t *testing.T) {
	rig := newTestRig(t, t.TempDir(), t.TempDir())
	ctx := context.Background()

	room := eventtest.NewRoom(t, "10")
	join := room.Join(t, room.Creator)
	for _, e := range []*event.Event{room.Create, join} {
		if _, err := rig.store.Put(ctx, e); err != nil {
			t.Fatalf("seeding store: %v", err)
		}
	}

	forced := state.Map{
		event.StateTuple{Type: event.TypeCreate, StateKey: ""}:                    room.Create.ID,
		event.StateTuple{Type: event.TypeMember, StateKey: room.Creator.String()}: join.ID,
	}
	if err := rig.manager.ForceState(ctx, room.ID, "10", forced, []ref.EventID{join.ID}); err != nil {
		t.Fatalf("forcing state: %v", err)
	}
	snapshot, err := rig.manager.Snapshot(ctx, room.ID)
	if err != nil {
		t.Fatalf("reading snapshot: %v", err)
	}
	if !snapshot.State.Equal(forced) {
		t.Fatalf("forced state not installed: %v", snapshot.State)
	}
}

func TestSubmitRejectsTamperedEvent(t *testing.T) {
	rig := newTestRig(t, t.TempDir(), t.TempDir())
	room := eventtest.NewRoom(t, "10")

	tampered := *room.Create
	tampered.Depth = 99

	_, err := rig.manager.Submit(context.Background(), &tampered)
	if errs.Code(err) != errs.CodeMalformedEvent {
		t.Fatalf("got %v, want code %s", err, errs.CodeMalformedEvent)
	}
	if !strings.Contains(err.Error(), "ID") && !strings.Contains(err.Error(), "validation") {
		t.Fatalf("rejection does not name the check: %v", err)
	}
}
