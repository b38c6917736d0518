// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/bureau-foundation/hearth/lib/authchain"
	"github.com/bureau-foundation/hearth/lib/codec"
	"github.com/bureau-foundation/hearth/lib/event"
	"github.com/bureau-foundation/hearth/lib/eventstore"
	"github.com/bureau-foundation/hearth/lib/ref"
	"github.com/bureau-foundation/hearth/lib/state"
)

// dumpReport is everything resolveDump learns about a dump.
type dumpReport struct {
	Room      ref.RoomID
	Version   string
	Loaded    int
	Committed int
	Leaves    []ref.EventID
	State     state.Map
	Log       []mergeLog
}

// mergeLog is the conflict outcome at one merge point.
type mergeLog struct {
	At      string
	Entries []state.LogEntry
}

// readDump decodes a stream of CBOR-encoded events.
func readDump(r io.Reader) ([]*event.Event, error) {
	decoder := codec.NewDecoder(r)
	var events []*event.Event
	for {
		var e event.Event
		if err := decoder.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decoding event %d: %w", len(events), err)
		}
		events = append(events, &e)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("dump holds no events")
	}
	return events, nil
}

// resolveDump loads the dump into a scratch store and resolves the
// room's state at its leaves, collecting the conflict log of every
// merge along the way.
func resolveDump(ctx context.Context, events []*event.Event, registry *state.Registry, roomFlag string) (*dumpReport, error) {
	roomID, err := pickRoom(events, roomFlag)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "hearth-resolve-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	store, err := eventstore.Open(eventstore.Options{Dir: dir, FsyncMode: eventstore.FsyncNever})
	if err != nil {
		return nil, fmt.Errorf("opening scratch store: %w", err)
	}
	defer store.Close()

	// Commit in dependency-friendly order: the creation event first,
	// parents before children for equal-depth ties broken by ID.
	inRoom := make([]*event.Event, 0, len(events))
	for _, e := range events {
		if e.RoomID == roomID {
			inRoom = append(inRoom, e)
		}
	}
	slices.SortStableFunc(inRoom, func(a, b *event.Event) int {
		if c := cmp.Compare(a.Depth, b.Depth); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})

	committed := 0
	index := make(map[ref.EventID]*event.Event, len(inRoom))
	for _, e := range inRoom {
		if _, err := store.Put(ctx, e); err != nil {
			fmt.Fprintf(os.Stderr, "warning: skipping %s: %v\n", e.ID, err)
			continue
		}
		index[e.ID] = e
		committed++
	}
	if committed == 0 {
		return nil, fmt.Errorf("no events from %s could be committed", roomID)
	}

	roomVersion, err := store.RoomVersion(roomID)
	if err != nil {
		return nil, err
	}

	chains, err := authchain.New(store, authchain.Options{})
	if err != nil {
		return nil, fmt.Errorf("building auth chain resolver: %w", err)
	}
	defer chains.Close()

	walk := &stateWalk{
		resolver: state.NewResolver(registry, store, chains),
		version:  roomVersion,
		index:    index,
		memo:     make(map[ref.EventID]state.Map),
	}

	leaves := findLeaves(index)
	leafStates := make([]state.Map, 0, len(leaves))
	for _, leaf := range leaves {
		leafState, err := walk.stateAt(ctx, index[leaf])
		if err != nil {
			return nil, err
		}
		leafStates = append(leafStates, leafState)
	}

	final, err := walk.resolver.Resolve(ctx, roomVersion, leafStates)
	if err != nil {
		return nil, fmt.Errorf("resolving leaf states: %w", err)
	}
	if len(final.Log) > 0 {
		walk.log = append(walk.log, mergeLog{
			At:      fmt.Sprintf("merge of %d leaves", len(leaves)),
			Entries: final.Log,
		})
	}

	return &dumpReport{
		Room:      roomID,
		Version:   roomVersion,
		Loaded:    len(inRoom),
		Committed: committed,
		Leaves:    leaves,
		State:     final.State,
		Log:       walk.log,
	}, nil
}

// pickRoom selects the room to resolve: the flag when given, otherwise
// the dump's single room.
func pickRoom(events []*event.Event, roomFlag string) (ref.RoomID, error) {
	if roomFlag != "" {
		return ref.ParseRoomID(roomFlag)
	}
	rooms := make(map[ref.RoomID]struct{})
	for _, e := range events {
		rooms[e.RoomID] = struct{}{}
	}
	if len(rooms) > 1 {
		return ref.RoomID{}, fmt.Errorf("dump holds %d rooms; pick one with --room", len(rooms))
	}
	for roomID := range rooms {
		return roomID, nil
	}
	return ref.RoomID{}, fmt.Errorf("dump holds no rooms")
}

// findLeaves returns the committed events no other committed event
// names as a parent, sorted by ID.
func findLeaves(index map[ref.EventID]*event.Event) []ref.EventID {
	referenced := make(map[ref.EventID]struct{})
	for _, e := range index {
		for _, parent := range e.PrevEvents {
			referenced[parent] = struct{}{}
		}
	}
	var leaves []ref.EventID
	for id := range index {
		if _, ok := referenced[id]; !ok {
			leaves = append(leaves, id)
		}
	}
	slices.SortFunc(leaves, func(a, b ref.EventID) int {
		return strings.Compare(a.String(), b.String())
	})
	return leaves
}

// stateWalk memoizes the state after each event so shared ancestry is
// resolved once.
type stateWalk struct {
	resolver *state.Resolver
	version  string
	index    map[ref.EventID]*event.Event
	memo     map[ref.EventID]state.Map
	log      []mergeLog
}

// stateAt returns the room state immediately after e: the resolution
// of its parents' states with e's own state tuple applied.
func (w *stateWalk) stateAt(ctx context.Context, e *event.Event) (state.Map, error) {
	if cached, ok := w.memo[e.ID]; ok {
		return cached, nil
	}

	var result state.Map
	if e.Type == event.TypeCreate && e.StateKey != nil && *e.StateKey == "" && len(e.PrevEvents) == 0 {
		result = state.Map{}
	} else {
		var inputs []state.Map
		for _, parent := range e.PrevEvents {
			parentEvent, ok := w.index[parent]
			if !ok {
				// Dangling parent: the dump is a partial graph.
				continue
			}
			parentState, err := w.stateAt(ctx, parentEvent)
			if err != nil {
				return nil, err
			}
			inputs = append(inputs, parentState)
		}
		if len(inputs) == 0 {
			inputs = append(inputs, state.Map{})
		}
		if len(inputs) == 1 {
			result = inputs[0]
		} else {
			resolution, err := w.resolver.Resolve(ctx, w.version, inputs)
			if err != nil {
				return nil, fmt.Errorf("resolving parents of %s: %w", e.ID, err)
			}
			if len(resolution.Log) > 0 {
				w.log = append(w.log, mergeLog{
					At:      fmt.Sprintf("merge at %s", e.ID),
					Entries: resolution.Log,
				})
			}
			result = resolution.State
		}
	}

	if tuple, ok := e.StateTuple(); ok {
		result = result.Clone()
		result[tuple] = e.ID
	}
	w.memo[e.ID] = result
	return result, nil
}
