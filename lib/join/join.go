// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package join drives a federated room join: pick candidate resident
// servers, obtain a join event template, sign and submit it, then
// install the returned room state and backfill whatever the response
// omitted. One Join call is one cancellable attempt.
package join

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/hearth/lib/authchain"
	"github.com/bureau-foundation/hearth/lib/clock"
	"github.com/bureau-foundation/hearth/lib/errs"
	"github.com/bureau-foundation/hearth/lib/event"
	"github.com/bureau-foundation/hearth/lib/eventstore"
	"github.com/bureau-foundation/hearth/lib/federation"
	"github.com/bureau-foundation/hearth/lib/metrics"
	"github.com/bureau-foundation/hearth/lib/ref"
	"github.com/bureau-foundation/hearth/lib/signing"
	"github.com/bureau-foundation/hearth/lib/state"
)

// Phase is a join attempt's position in its state machine.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseMakeJoin
	PhaseAuthCheck
	PhaseSendJoin
	PhasePartialState
	PhaseFullState
	PhaseFailed
)

var phaseNames = [...]string{
	"init", "make_join", "auth_check", "send_join",
	"partial_state", "full_state", "failed",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// Update is one phase transition of a join attempt, delivered to the
// caller's notify callback as it happens.
type Update struct {
	// Attempt identifies the join attempt across its updates.
	Attempt string

	Phase Phase

	// Server is the candidate being worked, zero for terminal phases.
	Server ref.ServerName

	// Err carries the terminal error for PhaseFailed.
	Err error
}

// Rooms installs resolved state into the room engine. The room manager
// satisfies it.
type Rooms interface {
	ForceState(ctx context.Context, roomID ref.RoomID, version string, stateMap state.Map, extremities []ref.EventID) error
}

// Request names what to join and which servers to ask first.
type Request struct {
	Room ref.RoomID
	User ref.UserID

	// Via lists caller-supplied candidate servers, tried before any
	// inferred from room state.
	Via []ref.ServerName
}

// Options configures a Coordinator.
type Options struct {
	// Self is this homeserver's name. Required.
	Self ref.ServerName

	// Key signs the join event. Required.
	Key *signing.Key

	// Client performs the federation requests. Required.
	Client federation.Client

	// Store persists fetched events. Required.
	Store *eventstore.Store

	// Chains checks that a template's auth ancestry is locally
	// resolvable. Required.
	Chains *authchain.Resolver

	// Rooms receives the installed state. Required.
	Rooms Rooms

	// Registry bounds which room versions this server joins. Required.
	Registry *state.Registry

	// Members supplies locally known room members and their power
	// levels for candidate inference. Optional; a server joining a
	// room it has never seen has none.
	Members func(ctx context.Context, roomID ref.RoomID) []federation.Member

	// Clock drives backoff waits. Defaults to the real clock.
	Clock clock.Clock

	// AttemptTimeout bounds one Join call end to end. Default 60s.
	AttemptTimeout time.Duration

	// ServerTimeout bounds each request to one candidate. Default 10s.
	ServerTimeout time.Duration

	// InitialBackoff and MaxBackoff shape the exponential wait between
	// consecutive candidates. Defaults 500ms and 10s.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// BackfillRounds bounds the ancestry fetch loop after a partial
	// response. Default 32.
	BackfillRounds int

	Metrics *metrics.Set
	Logger  *slog.Logger
}

// Coordinator runs federated join attempts. Safe for concurrent use;
// attempts are independent.
type Coordinator struct {
	self     ref.ServerName
	key      *signing.Key
	client   federation.Client
	store    *eventstore.Store
	chains   *authchain.Resolver
	rooms    Rooms
	registry *state.Registry
	members  func(ctx context.Context, roomID ref.RoomID) []federation.Member
	clock    clock.Clock
	options  Options
	metrics  *metrics.Set
	logger   *slog.Logger
}

// NewCoordinator validates the options and returns a coordinator.
func NewCoordinator(options Options) (*Coordinator, error) {
	switch {
	case options.Self.IsZero():
		return nil, fmt.Errorf("join: Self is required")
	case options.Key == nil:
		return nil, fmt.Errorf("join: Key is required")
	case options.Client == nil:
		return nil, fmt.Errorf("join: Client is required")
	case options.Store == nil:
		return nil, fmt.Errorf("join: Store is required")
	case options.Chains == nil:
		return nil, fmt.Errorf("join: Chains is required")
	case options.Rooms == nil:
		return nil, fmt.Errorf("join: Rooms is required")
	case options.Registry == nil:
		return nil, fmt.Errorf("join: Registry is required")
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.AttemptTimeout <= 0 {
		options.AttemptTimeout = 60 * time.Second
	}
	if options.ServerTimeout <= 0 {
		options.ServerTimeout = 10 * time.Second
	}
	if options.InitialBackoff <= 0 {
		options.InitialBackoff = 500 * time.Millisecond
	}
	if options.MaxBackoff <= 0 {
		options.MaxBackoff = 10 * time.Second
	}
	if options.BackfillRounds <= 0 {
		options.BackfillRounds = 32
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	return &Coordinator{
		self:     options.Self,
		key:      options.Key,
		client:   options.Client,
		store:    options.Store,
		chains:   options.Chains,
		rooms:    options.Rooms,
		registry: options.Registry,
		members:  options.Members,
		clock:    options.Clock,
		options:  options,
		metrics:  options.Metrics,
		logger:   options.Logger,
	}, nil
}

// Join runs one join attempt to completion. notify, if non-nil,
// receives every phase transition; it is called from the attempt's
// goroutine and must not block. The attempt walks candidates in order,
// backing off between consecutive servers, until one yields a full
// state installation or every candidate is exhausted.
func (c *Coordinator) Join(ctx context.Context, request Request, notify func(Update)) error {
	c.metrics.JoinStarted()
	defer c.metrics.JoinFinished()

	ctx, cancel := context.WithTimeout(ctx, c.options.AttemptTimeout)
	defer cancel()

	attempt := &attemptState{
		id:      uuid.NewString(),
		request: request,
		notify:  notify,
	}
	attempt.emit(PhaseInit, ref.ServerName{}, nil)

	var members []federation.Member
	if c.members != nil {
		members = c.members(ctx, request.Room)
	}
	candidates := federation.OrderCandidates(request.Via, members, c.self)
	if len(candidates) == 0 {
		err := errs.New(errs.CodeJoinFailed, "no candidate servers for %s", request.Room)
		attempt.emit(PhaseFailed, ref.ServerName{}, err)
		c.metrics.JoinAttempt("failed")
		return err
	}

	backoff := c.options.InitialBackoff
	var lastErr error
	for i, server := range candidates {
		if attempt.blacklisted(server) {
			continue
		}
		if i > 0 {
			if err := c.wait(ctx, backoff); err != nil {
				attempt.emit(PhaseFailed, ref.ServerName{}, err)
				c.metrics.JoinAttempt("cancelled")
				return err
			}
			backoff = min(backoff*2, c.options.MaxBackoff)
		}

		err := c.tryServer(ctx, attempt, server)
		if err == nil {
			attempt.emit(PhaseFullState, server, nil)
			c.metrics.JoinAttempt("full_state")
			return nil
		}
		if ctx.Err() != nil && !errs.Is(err, errs.CodeFederationTimeout) {
			attempt.emit(PhaseFailed, ref.ServerName{}, err)
			c.metrics.JoinAttempt("cancelled")
			return err
		}
		c.logger.Warn("join candidate failed",
			"attempt", attempt.id, "server", server.String(), "error", err)
		lastErr = err
	}

	err := errs.Wrap(errs.CodeJoinFailed, lastErr,
		"all candidates exhausted joining %s", request.Room)
	attempt.emit(PhaseFailed, ref.ServerName{}, err)
	c.metrics.JoinAttempt("failed")
	return err
}

// attemptState is the per-attempt scratch: identity, notification
// plumbing, and the per-attempt blacklist.
type attemptState struct {
	id        string
	request   Request
	notify    func(Update)
	blacklist map[ref.ServerName]struct{}
}

func (a *attemptState) emit(phase Phase, server ref.ServerName, err error) {
	if a.notify != nil {
		a.notify(Update{Attempt: a.id, Phase: phase, Server: server, Err: err})
	}
}

func (a *attemptState) ban(server ref.ServerName) {
	if a.blacklist == nil {
		a.blacklist = make(map[ref.ServerName]struct{})
	}
	a.blacklist[server] = struct{}{}
}

func (a *attemptState) blacklisted(server ref.ServerName) bool {
	_, banned := a.blacklist[server]
	return banned
}

// tryServer runs one candidate through make-join, auth check,
// send-join, and state installation.
func (c *Coordinator) tryServer(ctx context.Context, attempt *attemptState, server ref.ServerName) error {
	request := attempt.request

	attempt.emit(PhaseMakeJoin, server, nil)
	template, err := c.makeJoin(ctx, server, request)
	if err != nil {
		return err
	}

	attempt.emit(PhaseAuthCheck, server, nil)
	if err := c.checkAuthResolvable(ctx, server, request.Room, template.Event.AuthEvents); err != nil {
		return err
	}

	attempt.emit(PhaseSendJoin, server, nil)
	canonical, err := template.Event.CanonicalBytes()
	if err != nil {
		return errs.Wrap(errs.CodeMalformedEvent, err, "encoding join event from %s", server)
	}
	joinEvent := template.Event.WithSignature(c.self, c.key.ID, c.key.Sign(canonical))

	serverCtx, cancel := c.serverDeadline(ctx)
	response, err := c.client.SendJoin(serverCtx, server, joinEvent)
	cancel()
	if err != nil {
		return c.classify(ctx, err)
	}
	if err := c.validateResponse(ctx, response); err != nil {
		// A server handing out inconsistent state is not asked again
		// this attempt.
		attempt.ban(server)
		return errs.Wrap(errs.CodeJoinFailed, err, "send-join response from %s failed validation", server)
	}

	attempt.emit(PhasePartialState, server, nil)
	stateMap, err := c.installState(ctx, joinEvent, response)
	if err != nil {
		return err
	}

	if response.Partial {
		stateMap, err = c.consumeBackfill(ctx, server, request.Room, stateMap)
		if err != nil {
			return err
		}
	}

	return c.rooms.ForceState(ctx, request.Room, template.RoomVersion, stateMap, []ref.EventID{joinEvent.ID})
}

// makeJoin fetches and validates a join template from one candidate.
func (c *Coordinator) makeJoin(ctx context.Context, server ref.ServerName, request Request) (*federation.JoinTemplate, error) {
	serverCtx, cancel := c.serverDeadline(ctx)
	template, err := c.client.MakeJoin(serverCtx, server, request.Room, request.User)
	cancel()
	if err != nil {
		return nil, c.classify(ctx, err)
	}
	if template == nil || template.Event == nil {
		return nil, errs.New(errs.CodeJoinFailed, "empty join template from %s", server)
	}
	if _, err := c.registry.Lookup(template.RoomVersion); err != nil {
		return nil, err
	}

	e := template.Event
	switch {
	case e.RoomID != request.Room:
		return nil, errs.New(errs.CodeJoinFailed,
			"join template from %s names room %s, want %s", server, e.RoomID, request.Room)
	case e.Type != event.TypeMember || e.StateKeyValue() != request.User.String() || e.Sender != request.User:
		return nil, errs.New(errs.CodeJoinFailed,
			"join template from %s is not a membership event for %s", server, request.User)
	}
	if err := e.VerifyID(); err != nil {
		return nil, errs.Wrap(errs.CodeMalformedEvent, err, "join template from %s", server)
	}
	return template, nil
}

// checkAuthResolvable verifies the template's auth ancestry resolves
// locally. Missing ancestors are fetched from the same candidate and
// the check retried once.
func (c *Coordinator) checkAuthResolvable(ctx context.Context, server ref.ServerName, room ref.RoomID, refs []ref.EventID) error {
	for fetched := false; ; {
		_, err := c.chains.Closure(ctx, refs)
		if err == nil {
			return nil
		}
		missing := authchain.Missing(err)
		if len(missing) == 0 || fetched {
			return errs.Wrap(errs.CodeMissingAuthEvent, err,
				"auth ancestry of join template from %s is unresolvable", server)
		}
		fetched = true

		serverCtx, cancel := c.serverDeadline(ctx)
		events, err := c.client.FetchEvents(serverCtx, server, room, missing)
		cancel()
		if err != nil {
			return c.classify(ctx, err)
		}
		if err := c.persistEvents(ctx, events); err != nil {
			return err
		}
	}
}

// validateResponse checks a send-join response for self-consistency:
// every event hashes to its claimed ID and every auth reference is
// satisfied inside the response or by the local store.
func (c *Coordinator) validateResponse(ctx context.Context, response *federation.JoinResponse) error {
	all := make([]*event.Event, 0, len(response.State)+len(response.AuthChain))
	all = append(all, response.State...)
	all = append(all, response.AuthChain...)

	present := make(map[ref.EventID]struct{}, len(all))
	for _, e := range all {
		if e == nil {
			return fmt.Errorf("response contains a nil event")
		}
		present[e.ID] = struct{}{}
	}

	for _, e := range all {
		if err := e.VerifyContentHash(); err != nil {
			return err
		}
		if err := e.VerifyID(); err != nil {
			return err
		}
		for _, ancestor := range e.AuthEvents {
			if _, ok := present[ancestor]; ok {
				continue
			}
			held, err := c.store.Has(ctx, ancestor)
			if err != nil {
				return err
			}
			if !held {
				return fmt.Errorf("event %s names auth ancestor %s that neither the response nor the store holds", e.ID, ancestor)
			}
		}
	}
	return nil
}

// installState persists the response events plus the join event and
// builds the state map at the join point.
func (c *Coordinator) installState(ctx context.Context, joinEvent *event.Event, response *federation.JoinResponse) (state.Map, error) {
	all := make([]*event.Event, 0, len(response.AuthChain)+len(response.State)+1)
	all = append(all, response.AuthChain...)
	all = append(all, response.State...)
	all = append(all, joinEvent)
	if err := c.persistEvents(ctx, all); err != nil {
		return nil, err
	}

	stateMap := make(state.Map, len(response.State)+1)
	for _, e := range response.State {
		if tuple, ok := e.StateTuple(); ok {
			stateMap[tuple] = e.ID
		}
	}
	if tuple, ok := joinEvent.StateTuple(); ok {
		stateMap[tuple] = joinEvent.ID
	}
	return stateMap, nil
}

// persistEvents stores a batch in depth order so ancestors land before
// descendants. Replays of already committed events are no-ops.
func (c *Coordinator) persistEvents(ctx context.Context, events []*event.Event) error {
	ordered := slices.Clone(events)
	slices.SortFunc(ordered, func(a, b *event.Event) int {
		if a.Depth != b.Depth {
			return cmp.Compare(a.Depth, b.Depth)
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	for _, e := range ordered {
		if _, err := c.store.Put(ctx, e); err != nil {
			return fmt.Errorf("persisting %s: %w", e.ID, err)
		}
	}
	return nil
}

// consumeBackfill streams omitted ancestry from the candidate into the
// store and folds fetched state events into the map. The producer runs
// under the attempt's context; cancelling the attempt stops it.
func (c *Coordinator) consumeBackfill(ctx context.Context, server ref.ServerName, room ref.RoomID, stateMap state.Map) (state.Map, error) {
	missing, err := c.missingRefs(ctx)
	if err != nil {
		return nil, err
	}

	deltas := make(chan []*event.Event)
	errc := make(chan error, 1)
	go func() {
		defer close(deltas)
		errc <- c.produceBackfill(ctx, server, room, missing, deltas)
	}()

	// Highest depth wins when backfill yields several events for one
	// tuple. Tuples already pinned by the join point stay pinned.
	depthAt := make(map[event.StateTuple]int64)
	augmented := stateMap.Clone()
	for batch := range deltas {
		for _, e := range batch {
			if e.VerifyContentHash() != nil || e.VerifyID() != nil {
				c.logger.Warn("dropping hash-mismatched backfill event",
					"event", e.ID.String(), "server", server.String())
				continue
			}
			if _, err := c.store.Put(ctx, e); err != nil {
				c.logger.Debug("backfill event rejected",
					"event", e.ID.String(), "error", err)
				continue
			}
			tuple, ok := e.StateTuple()
			if !ok {
				continue
			}
			if _, pinned := stateMap[tuple]; pinned {
				continue
			}
			if best, seen := depthAt[tuple]; !seen || e.Depth > best {
				depthAt[tuple] = e.Depth
				augmented[tuple] = e.ID
			}
		}
	}
	if err := <-errc; err != nil {
		return nil, err
	}
	return augmented, nil
}

// produceBackfill fetches missing ancestry in rounds until nothing is
// missing, the round budget is spent, or the context ends.
func (c *Coordinator) produceBackfill(ctx context.Context, server ref.ServerName, room ref.RoomID, missing []ref.EventID, deltas chan<- []*event.Event) error {
	seen := make(map[ref.EventID]struct{}, len(missing))
	for round := 0; round < c.options.BackfillRounds && len(missing) > 0; round++ {
		serverCtx, cancel := c.serverDeadline(ctx)
		events, err := c.client.FetchEvents(serverCtx, server, room, missing)
		cancel()
		if err != nil {
			return c.classify(ctx, err)
		}
		if len(events) == 0 {
			return nil
		}

		select {
		case deltas <- events:
		case <-ctx.Done():
			return ctx.Err()
		}

		var next []ref.EventID
		for _, e := range events {
			seen[e.ID] = struct{}{}
		}
		for _, e := range events {
			for _, id := range append(slices.Clone(e.PrevEvents), e.AuthEvents...) {
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				held, err := c.store.Has(ctx, id)
				if err != nil {
					return err
				}
				if !held {
					next = append(next, id)
				}
			}
		}
		missing = next
	}
	return nil
}

// missingRefs scans the committed log for parent references the store
// does not hold.
func (c *Coordinator) missingRefs(ctx context.Context) ([]ref.EventID, error) {
	missing := make(map[ref.EventID]struct{})
	err := c.store.Range(ctx, 0, 0, func(_ uint64, e *event.Event) error {
		for _, id := range append(slices.Clone(e.PrevEvents), e.AuthEvents...) {
			held, err := c.store.Has(ctx, id)
			if err != nil {
				return err
			}
			if !held {
				missing[id] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]ref.EventID, 0, len(missing))
	for id := range missing {
		out = append(out, id)
	}
	slices.SortFunc(out, func(a, b ref.EventID) int {
		return strings.Compare(a.String(), b.String())
	})
	return out, nil
}

// serverDeadline derives the per-server request context.
func (c *Coordinator) serverDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.options.ServerTimeout)
}

// classify maps a per-server deadline hit to FederationTimeout. An
// error caused by the attempt's own context ending passes through.
func (c *Coordinator) classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return errs.Wrap(errs.CodeFederationTimeout, err, "federation request timed out")
	}
	return err
}

// wait sleeps for the backoff interval, interruptible by ctx.
func (c *Coordinator) wait(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.clock.After(d):
		return nil
	}
}
