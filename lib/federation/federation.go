// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package federation defines the interfaces and wire types for talking
// to remote homeservers during a room join. The transport itself lives
// outside the core; the join coordinator drives any implementation of
// Client.
package federation

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/hearth/lib/event"
	"github.com/bureau-foundation/hearth/lib/ref"
)

// JoinTemplate is a resident server's answer to a make-join request: a
// fully shaped membership event (sender, prev_events, auth_events,
// depth filled in) that the joining server signs and sends back. The
// event ID covers everything except signatures, so signing locally
// does not change it.
type JoinTemplate struct {
	// RoomVersion is the room's version as the resident server knows
	// it. The joining server refuses versions it does not support.
	RoomVersion string `cbor:"room_version"`

	// Event is the prepared join event, unsigned by the joining
	// server.
	Event *event.Event `cbor:"event"`
}

// JoinResponse is a resident server's answer to a send-join: the room
// state at the join point plus the auth chain needed to validate it.
type JoinResponse struct {
	// State holds the state events at the join point. When Partial is
	// set, membership events other than the joiner's own are omitted.
	State []*event.Event `cbor:"state"`

	// AuthChain holds the auth ancestors of the state events, deduped.
	AuthChain []*event.Event `cbor:"auth_chain"`

	// Partial marks a response with memberships omitted; the joiner
	// backfills them afterwards.
	Partial bool `cbor:"partial,omitempty"`
}

// Client performs federation requests against one remote server per
// call. Implementations must honour ctx cancellation; the join
// coordinator applies per-server deadlines through it.
type Client interface {
	// MakeJoin asks a resident server to prepare a join event for the
	// given user.
	MakeJoin(ctx context.Context, server ref.ServerName, room ref.RoomID, user ref.UserID) (*JoinTemplate, error)

	// SendJoin submits the signed join event and returns the room
	// state snapshot.
	SendJoin(ctx context.Context, server ref.ServerName, e *event.Event) (*JoinResponse, error)

	// FetchEvents retrieves the named events from a server. Used for
	// missing auth ancestors and backfill. Servers return the subset
	// they hold; absent IDs are not an error.
	FetchEvents(ctx context.Context, server ref.ServerName, room ref.RoomID, ids []ref.EventID) ([]*event.Event, error)
}

// Unavailable is the Client for deployments without an attached
// federation transport: every request fails immediately. It keeps the
// join path wired end to end so attempts resolve to a clean denial
// instead of hanging.
type Unavailable struct{}

func (Unavailable) MakeJoin(ctx context.Context, server ref.ServerName, room ref.RoomID, user ref.UserID) (*JoinTemplate, error) {
	return nil, fmt.Errorf("no federation transport attached")
}

func (Unavailable) SendJoin(ctx context.Context, server ref.ServerName, e *event.Event) (*JoinResponse, error) {
	return nil, fmt.Errorf("no federation transport attached")
}

func (Unavailable) FetchEvents(ctx context.Context, server ref.ServerName, room ref.RoomID, ids []ref.EventID) ([]*event.Event, error) {
	return nil, fmt.Errorf("no federation transport attached")
}
