// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package quarantine

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/hearth/lib/event"
	"github.com/bureau-foundation/hearth/lib/event/eventtest"
	"github.com/bureau-foundation/hearth/lib/ref"
	"github.com/bureau-foundation/hearth/lib/state"
)

func testReport(t *testing.T) Report {
	t.Helper()
	room := eventtest.NewRoom(t, "10")
	join := room.Join(t, room.Creator)

	incremental := state.Map{
		event.StateTuple{Type: event.TypeCreate, StateKey: ""}:                      room.Create.ID,
		event.StateTuple{Type: event.TypeMember, StateKey: room.Creator.String()}: join.ID,
	}
	fromScratch := state.Map{
		event.StateTuple{Type: event.TypeCreate, StateKey: ""}: room.Create.ID,
	}
	return Report{
		RoomID:      room.ID,
		Incremental: Flatten(incremental),
		FromScratch: Flatten(fromScratch),
		Inputs:      [][]StateEntry{Flatten(incremental), Flatten(fromScratch)},
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	report := testReport(t)
	if err := store.Write(report); err != nil {
		t.Fatalf("writing report: %v", err)
	}

	got, err := store.Read(report.RoomID)
	if err != nil {
		t.Fatalf("reading report: %v", err)
	}
	if got.RoomID != report.RoomID {
		t.Fatalf("room ID: got %s, want %s", got.RoomID, report.RoomID)
	}
	if len(got.Incremental) != len(report.Incremental) {
		t.Fatalf("incremental entries: got %d, want %d", len(got.Incremental), len(report.Incremental))
	}
	if got.Timestamp.IsZero() {
		t.Fatalf("write did not fill the timestamp")
	}
}

func TestReadMissingReport(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	_, err = store.Read(ref.MustParseRoomID("!none:hearth.test"))
	if !os.IsNotExist(err) {
		t.Fatalf("got %v, want a not-exist error", err)
	}
}

func TestCheckFreshness(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	report := testReport(t)

	if _, fresh, err := store.Check(report.RoomID, time.Hour); err != nil || fresh {
		t.Fatalf("absent report: got fresh=%v err=%v, want false nil", fresh, err)
	}

	if err := store.Write(report); err != nil {
		t.Fatalf("writing report: %v", err)
	}
	if _, fresh, err := store.Check(report.RoomID, time.Hour); err != nil || !fresh {
		t.Fatalf("fresh report: got fresh=%v err=%v, want true nil", fresh, err)
	}

	stale := report
	stale.Timestamp = time.Now().Add(-2 * time.Hour)
	if err := store.Write(stale); err != nil {
		t.Fatalf("writing stale report: %v", err)
	}
	if _, fresh, err := store.Check(report.RoomID, time.Hour); err != nil || fresh {
		t.Fatalf("stale report: got fresh=%v err=%v, want false nil", fresh, err)
	}
}

func TestClearIsIdempotent(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	report := testReport(t)
	if err := store.Write(report); err != nil {
		t.Fatalf("writing report: %v", err)
	}
	if err := store.Clear(report.RoomID); err != nil {
		t.Fatalf("clearing report: %v", err)
	}
	if err := store.Clear(report.RoomID); err != nil {
		t.Fatalf("second clear: %v", err)
	}
	if _, err := store.Read(report.RoomID); !os.IsNotExist(err) {
		t.Fatalf("report survived clearing: %v", err)
	}
}

func TestReportIsReadableJSON(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	report := testReport(t)
	if err := store.Write(report); err != nil {
		t.Fatalf("writing report: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("report directory: entries %d, err %v", len(entries), err)
	}
	data, err := os.ReadFile(dir + "/" + entries[0].Name())
	if err != nil {
		t.Fatalf("reading raw report: %v", err)
	}
	if !strings.Contains(string(data), report.RoomID.String()) {
		t.Fatalf("raw report does not name the room:\n%s", data)
	}
}

func TestList(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	report := testReport(t)
	if err := store.Write(report); err != nil {
		t.Fatalf("writing report: %v", err)
	}
	rooms, err := store.List()
	if err != nil {
		t.Fatalf("listing reports: %v", err)
	}
	if len(rooms) != 1 || rooms[0] != report.RoomID {
		t.Fatalf("got %v, want [%s]", rooms, report.RoomID)
	}
}
