// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package room

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/hearth/lib/errs"
	"github.com/bureau-foundation/hearth/lib/event"
	"github.com/bureau-foundation/hearth/lib/eventstore"
	"github.com/bureau-foundation/hearth/lib/metrics"
	"github.com/bureau-foundation/hearth/lib/quarantine"
	"github.com/bureau-foundation/hearth/lib/ref"
	"github.com/bureau-foundation/hearth/lib/state"
)

// Options configures a Manager.
type Options struct {
	Store    *eventstore.Store
	Resolver *state.Resolver
	Registry *state.Registry
	Reports  *quarantine.Store

	// Metrics may be nil.
	Metrics *metrics.Set

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// MailboxSize bounds each actor's pending mutations. Default 256.
	MailboxSize int

	// ValidationWorkers bounds concurrent structural validation ahead
	// of the per-room serialization point. Default 8.
	ValidationWorkers int

	// QuarantineMaxAge is how fresh a quarantine report must be to
	// block actor startup. Default 7 days.
	QuarantineMaxAge time.Duration
}

// Manager routes events to per-room actors, spawning them on demand:
// on a creation event, or lazily for rooms the store already knows.
type Manager struct {
	store    *eventstore.Store
	resolver *state.Resolver
	registry *state.Registry
	reports  *quarantine.Store
	metrics  *metrics.Set
	logger   *slog.Logger

	mailboxSize      int
	quarantineMaxAge time.Duration

	// validation is a counting semaphore for the shared pre-actor
	// validation pool.
	validation chan struct{}

	mu     sync.Mutex
	rooms  map[ref.RoomID]*actor
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// NewManager validates the options and starts the manager. Actors
// spawn on demand; Close stops them all.
func NewManager(options Options) (*Manager, error) {
	if options.Store == nil || options.Resolver == nil || options.Registry == nil || options.Reports == nil {
		return nil, fmt.Errorf("room manager requires a store, resolver, registry, and quarantine store")
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mailboxSize := options.MailboxSize
	if mailboxSize <= 0 {
		mailboxSize = 256
	}
	workers := options.ValidationWorkers
	if workers <= 0 {
		workers = 8
	}
	maxAge := options.QuarantineMaxAge
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:            options.Store,
		resolver:         options.Resolver,
		registry:         options.Registry,
		reports:          options.Reports,
		metrics:          options.Metrics,
		logger:           logger,
		mailboxSize:      mailboxSize,
		quarantineMaxAge: maxAge,
		validation:       make(chan struct{}, workers),
		rooms:            make(map[ref.RoomID]*actor),
		ctx:              ctx,
		cancel:           cancel,
	}, nil
}

// Close stops every actor and waits for them to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}

// Submit validates an event on the shared pool, then hands it to the
// room's actor and waits for the commit (or rejection). Returns the
// commit sequence.
func (m *Manager) Submit(ctx context.Context, e *event.Event) (uint64, error) {
	if err := m.validate(ctx, e); err != nil {
		m.metrics.EventRejected(errs.Code(err))
		return 0, err
	}
	a, err := m.actorFor(ctx, e.RoomID, e.IsCreation(), e)
	if err != nil {
		m.metrics.EventRejected(errs.Code(err))
		return 0, err
	}
	return m.send(ctx, a, message{ingest: e})
}

// validate runs the parallel pre-actor checks: structural invariants,
// the content hash, and the ID derivation. These never touch room
// state, so they run outside the serialization point.
func (m *Manager) validate(ctx context.Context, e *event.Event) error {
	select {
	case m.validation <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-m.validation }()

	if err := e.ValidateStructure(); err != nil {
		return errs.Wrap(errs.CodeMalformedEvent, err, "event failed structural validation")
	}
	if err := e.VerifyContentHash(); err != nil {
		return errs.Wrap(errs.CodeMalformedEvent, err, "event content hash mismatch")
	}
	if err := e.VerifyID(); err != nil {
		return errs.Wrap(errs.CodeMalformedEvent, err, "event ID mismatch")
	}
	return nil
}

// Snapshot returns the room's last committed snapshot, spawning the
// actor for a store-known room if needed.
func (m *Manager) Snapshot(ctx context.Context, roomID ref.RoomID) (*Snapshot, error) {
	a, err := m.actorFor(ctx, roomID, false, nil)
	if err != nil {
		return nil, err
	}
	return a.snapshot.Load(), nil
}

// ForceState installs a state map and frontier wholesale. The join
// coordinator uses this after send-join to seat the room at the
// resident server's snapshot.
func (m *Manager) ForceState(ctx context.Context, roomID ref.RoomID, version string, stateMap state.Map, extremities []ref.EventID) error {
	m.mu.Lock()
	a, ok := m.rooms[roomID]
	var err error
	if !ok {
		a, err = m.spawnLocked(roomID, version)
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}
	_, err = m.send(ctx, a, message{force: &forceState{state: stateMap, extremities: extremities}})
	return err
}

// actorFor finds or spawns the actor for a room. A creation event may
// establish a new room; anything else requires the store to know it.
func (m *Manager) actorFor(ctx context.Context, roomID ref.RoomID, creating bool, e *event.Event) (*actor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("room manager is closed")
	}
	if a, ok := m.rooms[roomID]; ok {
		return a, nil
	}

	version := ""
	if creating {
		content, err := event.DecodeContent[event.CreateContent](e)
		if err != nil {
			return nil, errs.Wrap(errs.CodeMalformedEvent, err, "creation event content")
		}
		version = content.RoomVersion
	} else {
		stored, err := m.store.RoomVersion(roomID)
		if err != nil {
			return nil, err
		}
		version = stored
	}
	return m.spawnLocked(roomID, version)
}

func (m *Manager) spawnLocked(roomID ref.RoomID, version string) (*actor, error) {
	if _, fresh, err := m.reports.Check(roomID, m.quarantineMaxAge); err != nil {
		return nil, fmt.Errorf("checking quarantine for %s: %w", roomID, err)
	} else if fresh {
		return nil, errs.New(errs.CodeRoomQuarantined,
			"room %s has an uncleared quarantine report", roomID)
	}

	a, err := newActor(roomID, version, m)
	if err != nil {
		return nil, err
	}
	m.rooms[roomID] = a
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		a.run(m.ctx)
	}()
	m.logger.Info("room actor started", "room", roomID.String(), "version", version)
	return a, nil
}

// send delivers one message and waits for the actor's reply.
func (m *Manager) send(ctx context.Context, a *actor, msg message) (uint64, error) {
	msg.reply = make(chan result, 1)
	select {
	case a.mailbox <- msg:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case r := <-msg.reply:
		return r.seq, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
