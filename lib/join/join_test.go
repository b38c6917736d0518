// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package join

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/hearth/lib/authchain"
	"github.com/bureau-foundation/hearth/lib/errs"
	"github.com/bureau-foundation/hearth/lib/event"
	"github.com/bureau-foundation/hearth/lib/event/eventtest"
	"github.com/bureau-foundation/hearth/lib/eventstore"
	"github.com/bureau-foundation/hearth/lib/federation"
	"github.com/bureau-foundation/hearth/lib/quarantine"
	"github.com/bureau-foundation/hearth/lib/ref"
	"github.com/bureau-foundation/hearth/lib/room"
	"github.com/bureau-foundation/hearth/lib/signing"
	"github.com/bureau-foundation/hearth/lib/state"
)

var (
	selfServer = ref.MustParseServerName("self.test")
	newbie     = ref.MustParseUserID("@newbie:self.test")
)

// fakeClient serves canned federation responses keyed by server name.
type fakeClient struct {
	mu        sync.Mutex
	source    *eventtest.Room
	templates map[string]*federation.JoinTemplate
	responses map[string]*federation.JoinResponse
	makeErr   map[string]error
	sendErr   map[string]error

	makeJoinCalls map[string]int
	sendJoinCalls map[string]int
	fetchCalls    map[string]int
}

func newFakeClient(source *eventtest.Room) *fakeClient {
	return &fakeClient{
		source:        source,
		templates:     make(map[string]*federation.JoinTemplate),
		responses:     make(map[string]*federation.JoinResponse),
		makeErr:       make(map[string]error),
		sendErr:       make(map[string]error),
		makeJoinCalls: make(map[string]int),
		sendJoinCalls: make(map[string]int),
		fetchCalls:    make(map[string]int),
	}
}

func (f *fakeClient) MakeJoin(ctx context.Context, server ref.ServerName, roomID ref.RoomID, user ref.UserID) (*federation.JoinTemplate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.makeJoinCalls[server.String()]++
	if err := f.makeErr[server.String()]; err != nil {
		return nil, err
	}
	template, ok := f.templates[server.String()]
	if !ok {
		return nil, fmt.Errorf("server %s holds no such room", server)
	}
	return template, nil
}

func (f *fakeClient) SendJoin(ctx context.Context, server ref.ServerName, e *event.Event) (*federation.JoinResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendJoinCalls[server.String()]++
	if err := f.sendErr[server.String()]; err != nil {
		return nil, err
	}
	response, ok := f.responses[server.String()]
	if !ok {
		return nil, fmt.Errorf("server %s refuses the join", server)
	}
	return response, nil
}

// FetchEvents serves the requested events plus their auth ancestry, as
// a cooperative server answering a missing-auth fetch would.
func (f *fakeClient) FetchEvents(ctx context.Context, server ref.ServerName, roomID ref.RoomID, ids []ref.EventID) ([]*event.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls[server.String()]++

	var out []*event.Event
	seen := make(map[ref.EventID]struct{})
	queue := append([]ref.EventID(nil), ids...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		e, ok := f.source.Get(id)
		if !ok {
			continue
		}
		out = append(out, e)
		queue = append(queue, e.AuthEvents...)
	}
	return out, nil
}

// updateLog collects phase transitions thread-safely.
type updateLog struct {
	mu      sync.Mutex
	updates []Update
}

func (l *updateLog) record(u Update) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates = append(l.updates, u)
}

func (l *updateLog) phases() []Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Phase, len(l.updates))
	for i, u := range l.updates {
		out[i] = u.Phase
	}
	return out
}

type joinRig struct {
	store   *eventstore.Store
	rooms   *room.Manager
	client  *fakeClient
	updates *updateLog
}

// remoteRoom builds the room the candidates claim to hold: create,
// creator join, public join rules, power levels, then the prepared
// join event for the local user.
func remoteRoom(t *testing.T) (*eventtest.Room, *event.Event, *federation.JoinResponse) {
	t.Helper()
	source := eventtest.NewRoom(t, "10")
	creatorJoin := source.Join(t, source.Creator)
	joinRules := source.Append(t, eventtest.Params{
		Type:     event.TypeJoinRules,
		StateKey: eventtest.StateKey(""),
		Content:  event.JoinRulesContent{JoinRule: event.JoinRulePublic},
	})
	power := source.PowerLevels(t, source.Creator, map[string]int64{
		source.Creator.String(): 100,
	})
	template := source.Join(t, newbie)
	response := &federation.JoinResponse{
		State: []*event.Event{source.Create, creatorJoin, joinRules, power},
	}
	return source, template, response
}

func newJoinRig(t *testing.T, source *eventtest.Room) *joinRig {
	t.Helper()

	store, err := eventstore.Open(eventstore.Options{Dir: t.TempDir(), FsyncMode: eventstore.FsyncNever})
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

	reports, err := quarantine.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("creating quarantine store: %v", err)
	}
	rooms, err := room.NewManager(room.Options{
		Store:    store,
		Resolver: state.NewResolver(registry, store, chains),
		Registry: registry,
		Reports:  reports,
	})
	if err != nil {
		t.Fatalf("creating room manager: %v", err)
	}
	t.Cleanup(rooms.Close)

	return &joinRig{
		store:   store,
		rooms:   rooms,
		client:  newFakeClient(source),
		updates: &updateLog{},
	}
}

func (rig *joinRig) coordinator(t *testing.T) *Coordinator {
	t.Helper()
	key, err := signing.Generate("test")
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	t.Cleanup(func() { key.Close() })

	registry, err := state.LoadRegistry()
	if err != nil {
		t.Fatalf("loading rule table: %v", err)
	}
	chains, err := authchain.New(rig.store, authchain.Options{})
	if err != nil {
		t.Fatalf("building auth chain resolver: %v", err)
	}
	t.Cleanup(chains.Close)

	coordinator, err := NewCoordinator(Options{
		Self:           selfServer,
		Key:            key,
		Client:         rig.client,
		Store:          rig.store,
		Chains:         chains,
		Rooms:          rig.rooms,
		Registry:       registry,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("creating coordinator: %v", err)
	}
	return coordinator
}

func servers(raws ...string) []ref.ServerName {
	out := make([]ref.ServerName, len(raws))
	for i, raw := range raws {
		out[i] = ref.MustParseServerName(raw)
	}
	return out
}

func TestJoinInstallsFullState(t *testing.T) {
	source, template, response := remoteRoom(t)
	rig := newJoinRig(t, source)
	rig.client.templates["s1.test"] = &federation.JoinTemplate{RoomVersion: "10", Event: template}
	rig.client.responses["s1.test"] = response

	err := rig.coordinator(t).Join(context.Background(), Request{
		Room: source.ID,
		User: newbie,
		Via:  servers("s1.test"),
	}, rig.updates.record)
	if err != nil {
		t.Fatalf("joining: %v", err)
	}

	phases := rig.updates.phases()
	want := []Phase{PhaseInit, PhaseMakeJoin, PhaseAuthCheck, PhaseSendJoin, PhasePartialState, PhaseFullState}
	if len(phases) != len(want) {
		t.Fatalf("got phases %v, want %v", phases, want)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Fatalf("got phases %v, want %v", phases, want)
		}
	}

	snapshot, err := rig.rooms.Snapshot(context.Background(), source.ID)
	if err != nil {
		t.Fatalf("reading snapshot: %v", err)
	}
	if got := snapshot.State.Get(event.TypeMember, newbie.String()); got != template.ID {
		t.Fatalf("joiner membership: got %s, want %s", got, template.ID)
	}
	if len(snapshot.Extremities) != 1 || snapshot.Extremities[0] != template.ID {
		t.Fatalf("extremities: got %v, want [%s]", snapshot.Extremities, template.ID)
	}
}

// A candidate that times out is skipped in favour of the next, and is
// never asked again within the attempt.
func TestJoinTimeoutMovesToNextCandidate(t *testing.T) {
	source, template, response := remoteRoom(t)
	rig := newJoinRig(t, source)
	rig.client.makeErr["s1.test"] = fmt.Errorf("dialing s1.test: %w", context.DeadlineExceeded)
	rig.client.templates["s2.test"] = &federation.JoinTemplate{RoomVersion: "10", Event: template}
	rig.client.responses["s2.test"] = response

	err := rig.coordinator(t).Join(context.Background(), Request{
		Room: source.ID,
		User: newbie,
		Via:  servers("s1.test", "s2.test"),
	}, rig.updates.record)
	if err != nil {
		t.Fatalf("joining: %v", err)
	}

	if got := rig.client.makeJoinCalls["s1.test"]; got != 1 {
		t.Fatalf("s1 make-join calls: got %d, want 1", got)
	}
	if got := rig.client.sendJoinCalls["s1.test"]; got != 0 {
		t.Fatalf("s1 send-join calls: got %d, want 0", got)
	}
	if got := rig.client.sendJoinCalls["s2.test"]; got != 1 {
		t.Fatalf("s2 send-join calls: got %d, want 1", got)
	}

	snapshot, err := rig.rooms.Snapshot(context.Background(), source.ID)
	if err != nil {
		t.Fatalf("reading snapshot: %v", err)
	}
	if got := snapshot.State.Get(event.TypeMember, newbie.String()); got != template.ID {
		t.Fatalf("joiner membership: got %s, want %s", got, template.ID)
	}
}

// A response carrying a hash-mismatched event fails validation and the
// attempt moves on.
func TestJoinRejectsInconsistentResponse(t *testing.T) {
	source, template, response := remoteRoom(t)
	rig := newJoinRig(t, source)

	// s1 serves a join-rules event whose content no longer matches its
	// content hash.
	tampered := *response.State[2]
	tampered.Content = []byte{0xa0}
	forged := &federation.JoinResponse{
		State: []*event.Event{response.State[0], response.State[1], &tampered, response.State[3]},
	}
	rig.client.templates["s1.test"] = &federation.JoinTemplate{RoomVersion: "10", Event: template}
	rig.client.responses["s1.test"] = forged
	rig.client.templates["s2.test"] = &federation.JoinTemplate{RoomVersion: "10", Event: template}
	rig.client.responses["s2.test"] = response

	err := rig.coordinator(t).Join(context.Background(), Request{
		Room: source.ID,
		User: newbie,
		Via:  servers("s1.test", "s2.test"),
	}, rig.updates.record)
	if err != nil {
		t.Fatalf("joining: %v", err)
	}
	if got := rig.client.sendJoinCalls["s1.test"]; got != 1 {
		t.Fatalf("s1 send-join calls: got %d, want 1", got)
	}
	if got := rig.client.sendJoinCalls["s2.test"]; got != 1 {
		t.Fatalf("s2 send-join calls: got %d, want 1", got)
	}
}

// A partial response leaves member events out; backfill recovers them
// before the room reaches full state.
func TestJoinPartialStateBackfillsMembers(t *testing.T) {
	source := eventtest.NewRoom(t, "10")
	creatorJoin := source.Join(t, source.Creator)
	joinRules := source.Append(t, eventtest.Params{
		Type:     event.TypeJoinRules,
		StateKey: eventtest.StateKey(""),
		Content:  event.JoinRulesContent{JoinRule: event.JoinRulePublic},
	})
	power := source.PowerLevels(t, source.Creator, map[string]int64{
		source.Creator.String(): 100,
	})
	alice := eventtest.User("alice")
	aliceJoin := source.Join(t, alice)
	topic := source.Append(t, eventtest.Params{
		Type:     event.TypeTopic,
		StateKey: eventtest.StateKey(""),
		Content:  event.TopicContent{Topic: "welcome"},
	})
	template := source.Join(t, newbie)

	rig := newJoinRig(t, source)
	rig.client.templates["s1.test"] = &federation.JoinTemplate{RoomVersion: "10", Event: template}
	// aliceJoin is omitted; the topic event still references it as a
	// prev event, which is what backfill chases.
	rig.client.responses["s1.test"] = &federation.JoinResponse{
		State:   []*event.Event{source.Create, creatorJoin, joinRules, power, topic},
		Partial: true,
	}

	err := rig.coordinator(t).Join(context.Background(), Request{
		Room: source.ID,
		User: newbie,
		Via:  servers("s1.test"),
	}, rig.updates.record)
	if err != nil {
		t.Fatalf("joining: %v", err)
	}

	snapshot, err := rig.rooms.Snapshot(context.Background(), source.ID)
	if err != nil {
		t.Fatalf("reading snapshot: %v", err)
	}
	if got := snapshot.State.Get(event.TypeMember, alice.String()); got != aliceJoin.ID {
		t.Fatalf("backfilled membership: got %s, want %s", got, aliceJoin.ID)
	}
	if got := snapshot.State.Get(event.TypeTopic, ""); got != topic.ID {
		t.Fatalf("topic: got %s, want %s", got, topic.ID)
	}
}

func TestJoinFailsAfterExhaustingCandidates(t *testing.T) {
	source, _, _ := remoteRoom(t)
	rig := newJoinRig(t, source)
	rig.client.makeErr["s1.test"] = fmt.Errorf("connection refused")
	rig.client.makeErr["s2.test"] = fmt.Errorf("connection refused")

	err := rig.coordinator(t).Join(context.Background(), Request{
		Room: source.ID,
		User: newbie,
		Via:  servers("s1.test", "s2.test"),
	}, rig.updates.record)
	if !errs.Is(err, errs.CodeJoinFailed) {
		t.Fatalf("got %v, want JoinFailed", err)
	}

	phases := rig.updates.phases()
	if phases[len(phases)-1] != PhaseFailed {
		t.Fatalf("final phase: got %v, want failed", phases[len(phases)-1])
	}
}

func TestJoinWithoutCandidatesFails(t *testing.T) {
	source, _, _ := remoteRoom(t)
	rig := newJoinRig(t, source)

	err := rig.coordinator(t).Join(context.Background(), Request{
		Room: source.ID,
		User: newbie,
	}, rig.updates.record)
	if !errs.Is(err, errs.CodeJoinFailed) {
		t.Fatalf("got %v, want JoinFailed", err)
	}
}
