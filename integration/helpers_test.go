// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package integration_test exercises the full Hearth stack in process:
// events travel from the control socket through the room engine and
// event store, out again through sync cursors, and in from a fake
// remote server through the join coordinator. Everything runs against
// real storage in temporary directories; only the federation transport
// is faked.
package integration_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/hearth/lib/authchain"
	"github.com/bureau-foundation/hearth/lib/control"
	"github.com/bureau-foundation/hearth/lib/cursor"
	"github.com/bureau-foundation/hearth/lib/event"
	"github.com/bureau-foundation/hearth/lib/event/eventtest"
	"github.com/bureau-foundation/hearth/lib/eventstore"
	"github.com/bureau-foundation/hearth/lib/federation"
	"github.com/bureau-foundation/hearth/lib/join"
	"github.com/bureau-foundation/hearth/lib/presence"
	"github.com/bureau-foundation/hearth/lib/quarantine"
	"github.com/bureau-foundation/hearth/lib/ref"
	"github.com/bureau-foundation/hearth/lib/room"
	"github.com/bureau-foundation/hearth/lib/signing"
	"github.com/bureau-foundation/hearth/lib/state"
	"github.com/bureau-foundation/hearth/lib/testutil"
)

var (
	localServer  = ref.MustParseServerName("hearth.test")
	remoteServer = ref.MustParseServerName("remote.test")
)

// residentServer answers federation requests the way a cooperative
// remote homeserver holding one room would: make-join serves the
// prepared template, send-join serves the state snapshot, and event
// fetches walk the room's real history.
type residentServer struct {
	mu       sync.Mutex
	source   *eventtest.Room
	template *federation.JoinTemplate
	response *federation.JoinResponse
}

func (r *residentServer) MakeJoin(ctx context.Context, server ref.ServerName, roomID ref.RoomID, user ref.UserID) (*federation.JoinTemplate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if server != remoteServer || roomID != r.source.ID {
		return nil, fmt.Errorf("server %s holds no such room", server)
	}
	return r.template, nil
}

func (r *residentServer) SendJoin(ctx context.Context, server ref.ServerName, e *event.Event) (*federation.JoinResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if server != remoteServer {
		return nil, fmt.Errorf("server %s refuses the join", server)
	}
	return r.response, nil
}

func (r *residentServer) FetchEvents(ctx context.Context, server ref.ServerName, roomID ref.RoomID, ids []ref.EventID) ([]*event.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
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
		e, ok := r.source.Get(id)
		if !ok {
			continue
		}
		out = append(out, e)
		queue = append(queue, e.AuthEvents...)
	}
	return out, nil
}

// stackOptions shape one in-process server instance.
type stackOptions struct {
	// DataDir is the event store directory. Empty picks a fresh
	// temporary directory; restart tests pass the previous instance's
	// directory to replay its log.
	DataDir string

	// Transport is the federation client behind the join coordinator.
	// Nil leaves federation disabled.
	Transport federation.Client
}

// stack is one running Hearth instance: storage, room engine, cursors,
// presence, optional join coordinator, and a control server listening
// on a private socket.
type stack struct {
	dataDir string
	store   *eventstore.Store
	rooms   *room.Manager
	tracker *presence.Tracker
	socket  string

	shutdown func()
}

func newStack(t *testing.T, options stackOptions) *stack {
	t.Helper()

	dataDir := options.DataDir
	if dataDir == "" {
		dataDir = t.TempDir()
	}
	store, err := eventstore.Open(eventstore.Options{Dir: dataDir, FsyncMode: eventstore.FsyncNever})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}

	registry, err := state.LoadRegistry()
	if err != nil {
		t.Fatalf("loading rule table: %v", err)
	}
	chains, err := authchain.New(store, authchain.Options{})
	if err != nil {
		t.Fatalf("building auth chain resolver: %v", err)
	}
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
	cursors, err := cursor.NewManager(cursor.Options{
		Path:   filepath.Join(t.TempDir(), "cursors.db"),
		Source: store,
	})
	if err != nil {
		t.Fatalf("creating cursor manager: %v", err)
	}
	tracker := presence.NewTracker(presence.Options{})

	serverOptions := control.Options{
		SocketPath: filepath.Join(testutil.SocketDir(t), "ctl.sock"),
		Self:       localServer,
		Store:      store,
		Rooms:      rooms,
		Cursors:    cursors,
		Presence:   tracker,
		Reports:    reports,
	}
	var key *signing.Key
	if options.Transport != nil {
		key, err = signing.Generate("test")
		if err != nil {
			t.Fatalf("generating key: %v", err)
		}
		serverOptions.Joins, err = join.NewCoordinator(join.Options{
			Self:           localServer,
			Key:            key,
			Client:         options.Transport,
			Store:          store,
			Chains:         chains,
			Rooms:          rooms,
			Registry:       registry,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     4 * time.Millisecond,
		})
		if err != nil {
			t.Fatalf("creating join coordinator: %v", err)
		}
	}

	server, err := control.NewServer(serverOptions)
	if err != nil {
		t.Fatalf("creating control server: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()

	var once sync.Once
	shutdown := func() {
		once.Do(func() {
			cancel()
			if err := testutil.RequireReceive(t, done, 5*time.Second, "control server shutdown"); err != nil {
				t.Errorf("control server exited: %v", err)
			}
			cursors.Close()
			rooms.Close()
			chains.Close()
			if key != nil {
				key.Close()
			}
			store.Close()
		})
	}
	t.Cleanup(shutdown)

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(serverOptions.SocketPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("control socket never appeared")
		}
		time.Sleep(time.Millisecond)
	}

	return &stack{
		dataDir:  dataDir,
		store:    store,
		rooms:    rooms,
		tracker:  tracker,
		socket:   serverOptions.SocketPath,
		shutdown: shutdown,
	}
}

func (s *stack) dial(t *testing.T) *control.Client {
	t.Helper()
	client, err := control.Dial(s.socket)
	if err != nil {
		t.Fatalf("dialing control socket: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// submitAll pushes a fixture room's full history through the socket.
func submitAll(t *testing.T, client *control.Client, source *eventtest.Room) {
	t.Helper()
	for i, e := range source.Events() {
		if err := client.Do(control.SubmitRequest{Cmd: control.CmdSubmit, Event: e}, nil); err != nil {
			t.Fatalf("submitting event %d: %v", i, err)
		}
	}
}

// snapshotMember reads a room snapshot over the socket and returns the
// membership event ID for the given user, zero when absent.
func snapshotMember(t *testing.T, client *control.Client, roomID ref.RoomID, user ref.UserID) ref.EventID {
	t.Helper()
	var snapshot control.SnapshotResult
	if err := client.Do(control.SnapshotRequest{Cmd: control.CmdSnapshot, Room: roomID}, &snapshot); err != nil {
		t.Fatalf("reading snapshot: %v", err)
	}
	for _, entry := range snapshot.State {
		if entry.Type == event.TypeMember && entry.StateKey == user.String() {
			return entry.EventID
		}
	}
	return ref.EventID{}
}
