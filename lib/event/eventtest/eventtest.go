// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventtest builds signed, structurally valid event graphs
// for tests. A Room tracks the events it has minted so appended
// events get correct depths, parent references, and auth references
// without every test spelling them out.
package eventtest

import (
	"testing"

	"github.com/bureau-foundation/hearth/lib/event"
	"github.com/bureau-foundation/hearth/lib/ref"
	"github.com/bureau-foundation/hearth/lib/signing"
)

// Room is a test fixture that mints events for one room, all signed
// by a single test server key. Not safe for concurrent use.
type Room struct {
	ID      ref.RoomID
	Creator ref.UserID
	Key     *signing.Key

	// Create is the room's creation event, minted by NewRoom.
	Create *event.Event

	events  map[ref.EventID]*event.Event
	ordered []*event.Event

	// members and power track the latest relevant state events so
	// Append can default auth_events realistically.
	members map[string]ref.EventID
	power   ref.EventID

	clock int64
}

// NewRoom mints a creation event for the given room version and
// returns the fixture. The creator is joined implicitly by the
// caller's first member event, not by NewRoom.
func NewRoom(t testing.TB, roomVersion string) *Room {
	t.Helper()

	key, err := signing.Generate("test")
	if err != nil {
		t.Fatalf("generating test signing key: %v", err)
	}
	t.Cleanup(func() { key.Close() })

	room := &Room{
		ID:      ref.MustParseRoomID("!fixture:hearth.test"),
		Creator: ref.MustParseUserID("@creator:hearth.test"),
		Key:     key,
		events:  make(map[ref.EventID]*event.Event),
		members: make(map[string]ref.EventID),
		clock:   1_700_000_000_000,
	}

	stateKey := ""
	room.Create = room.build(t, Params{
		Type:     event.TypeCreate,
		StateKey: &stateKey,
		Sender:   room.Creator,
		Content:  event.CreateContent{Creator: room.Creator, RoomVersion: roomVersion},
	})
	return room
}

// Params describes one event to mint. Zero-value fields get fixture
// defaults: Sender defaults to the room creator, Prev to the last
// minted event, Auth to the create event plus the sender's membership
// plus the current power levels, Timestamp to a strictly increasing
// fixture clock.
type Params struct {
	Type      string
	StateKey  *string
	Sender    ref.UserID
	Content   any
	Prev      []ref.EventID
	Auth      []ref.EventID
	Timestamp int64
}

// User returns a user ID on the fixture server.
func User(localpart string) ref.UserID {
	return ref.MustParseUserID("@" + localpart + ":hearth.test")
}

// StateKey returns a pointer to s, for Params.StateKey.
func StateKey(s string) *string { return &s }

// Append mints, signs, and records the next event.
func (r *Room) Append(t testing.TB, p Params) *event.Event {
	t.Helper()
	e := r.build(t, p)
	return e
}

// Join mints a join member event for user, sent by user.
func (r *Room) Join(t testing.TB, user ref.UserID) *event.Event {
	t.Helper()
	return r.Append(t, Params{
		Type:     event.TypeMember,
		StateKey: StateKey(user.String()),
		Sender:   user,
		Content:  event.MemberContent{Membership: event.MembershipJoin},
	})
}

// PowerLevels mints a power-levels event with the given per-user
// levels, sent by sender.
func (r *Room) PowerLevels(t testing.TB, sender ref.UserID, users map[string]int64) *event.Event {
	t.Helper()
	return r.Append(t, Params{
		Type:     event.TypePowerLevels,
		StateKey: StateKey(""),
		Sender:   sender,
		Content:  map[string]any{"users": users},
	})
}

// Get returns a minted event by ID.
func (r *Room) Get(id ref.EventID) (*event.Event, bool) {
	e, ok := r.events[id]
	return e, ok
}

// Events returns every minted event in mint order, creation first.
func (r *Room) Events() []*event.Event {
	out := make([]*event.Event, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Tip returns the most recently minted event.
func (r *Room) Tip() *event.Event {
	return r.ordered[len(r.ordered)-1]
}

func (r *Room) build(t testing.TB, p Params) *event.Event {
	t.Helper()

	if p.Sender.IsZero() {
		p.Sender = r.Creator
	}
	if p.Timestamp == 0 {
		r.clock += 1000
		p.Timestamp = r.clock
	}

	isCreate := p.Type == event.TypeCreate && len(r.ordered) == 0
	if !isCreate {
		if p.Prev == nil {
			p.Prev = []ref.EventID{r.Tip().ID}
		}
		if p.Auth == nil {
			p.Auth = r.defaultAuth(p.Sender)
		}
	}

	depth := int64(0)
	for _, parent := range p.Prev {
		if known, ok := r.events[parent]; ok && known.Depth+1 > depth {
			depth = known.Depth + 1
		}
	}
	if !isCreate && depth == 0 {
		depth = 1
	}

	builder := event.Builder{
		RoomID:          r.ID,
		Type:            p.Type,
		StateKey:        p.StateKey,
		Sender:          p.Sender,
		OriginTimestamp: p.Timestamp,
		PrevEvents:      p.Prev,
		AuthEvents:      p.Auth,
		Depth:           depth,
		Content:         p.Content,
	}
	e, err := builder.Build(r.Key)
	if err != nil {
		t.Fatalf("building %s event: %v", p.Type, err)
	}

	r.events[e.ID] = e
	r.ordered = append(r.ordered, e)
	if e.Type == event.TypeMember {
		r.members[e.StateKeyValue()] = e.ID
	}
	if e.Type == event.TypePowerLevels {
		r.power = e.ID
	}
	return e
}

// defaultAuth assembles the auth references a well-behaved server
// would attach: create event, sender's membership, current power
// levels.
func (r *Room) defaultAuth(sender ref.UserID) []ref.EventID {
	auth := []ref.EventID{r.Create.ID}
	if member, ok := r.members[sender.String()]; ok {
		auth = append(auth, member)
	}
	if !r.power.IsZero() {
		auth = append(auth, r.power)
	}
	return auth
}
