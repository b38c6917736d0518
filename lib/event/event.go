// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"github.com/bureau-foundation/hearth/lib/codec"
	"github.com/bureau-foundation/hearth/lib/ref"
	"github.com/bureau-foundation/hearth/lib/signing"
)

// Event is one node of a room's event graph. Treat every field as
// read-only after construction: events are shared freely across
// goroutines on the assumption that nobody writes to them.
type Event struct {
	// ID is the content-derived event identifier. Computed from the
	// canonical encoding; carried on the wire and verified on receipt.
	ID ref.EventID `cbor:"id" json:"id"`

	// RoomID is the room this event belongs to.
	RoomID ref.RoomID `cbor:"room_id" json:"room_id"`

	// Type is the event type, e.g. "m.room.member".
	Type string `cbor:"type" json:"type"`

	// StateKey is present exactly when the event is a state event.
	// Present-but-empty is meaningful (m.room.create uses "").
	StateKey *string `cbor:"state_key,omitempty" json:"state_key,omitempty"`

	// Sender is the user the event originates from. The sender's
	// server must appear in the signature block.
	Sender ref.UserID `cbor:"sender" json:"sender"`

	// OriginTimestamp is the sender's wall-clock time in milliseconds
	// since the Unix epoch. A tie-break input for state resolution,
	// never an ordering authority.
	OriginTimestamp int64 `cbor:"origin_timestamp" json:"origin_timestamp"`

	// PrevEvents are the forward extremities this event extended,
	// sorted ascending, no duplicates. Empty only on a creation event.
	PrevEvents []ref.EventID `cbor:"prev_events" json:"prev_events"`

	// AuthEvents name the state events this event claims justify it,
	// sorted ascending, no duplicates. Empty only on a creation event.
	AuthEvents []ref.EventID `cbor:"auth_events" json:"auth_events"`

	// Depth is 1 + the maximum depth of the prev_events; 0 for a
	// creation event. An upper bound on graph position, not an order.
	Depth int64 `cbor:"depth" json:"depth"`

	// ContentHash is the BLAKE3 keyed hash (content domain) of the
	// content bytes. Survives redaction overlays: it always refers to
	// the original content.
	ContentHash []byte `cbor:"content_hash" json:"content_hash"`

	// Content is the event payload: a canonical CBOR map, opaque to
	// the graph layer. Auth and resolution decode the few types they
	// understand.
	Content []byte `cbor:"content" json:"content"`

	// Signatures is the signature block: server → key ID → signature
	// over the canonical bytes.
	Signatures signing.Signatures `cbor:"signatures,omitempty" json:"signatures,omitempty"`
}

// IsState reports whether the event is a state event.
func (e *Event) IsState() bool { return e.StateKey != nil }

// StateKeyValue returns the state key, or "" for non-state events.
// Check IsState to distinguish absent from present-but-empty.
func (e *Event) StateKeyValue() string {
	if e.StateKey == nil {
		return ""
	}
	return *e.StateKey
}

// IsCreation reports whether the event establishes a room: a create
// event with no parents.
func (e *Event) IsCreation() bool {
	return e.Type == TypeCreate && len(e.PrevEvents) == 0
}

// StateTuple returns the event's (type, state_key) pair and true, or a
// zero tuple and false for non-state events.
func (e *Event) StateTuple() (StateTuple, bool) {
	if !e.IsState() {
		return StateTuple{}, false
	}
	return StateTuple{Type: e.Type, StateKey: *e.StateKey}, true
}

// WithSignature returns a copy of the event with an additional
// signature attached. Attaching a signature never changes the event ID:
// the signature block is outside the canonical bytes.
func (e *Event) WithSignature(server ref.ServerName, keyID signing.KeyID, signature []byte) *Event {
	signed := *e
	signed.Signatures = e.Signatures.Copy().Attach(server, keyID, signature)
	return &signed
}

// Encode returns the full wire encoding of the event, signature block
// and ID included.
func (e *Event) Encode() ([]byte, error) {
	return codec.Marshal(e)
}

// Decode parses a wire-encoded event. Structural validation is the
// caller's job; Decode only requires well-formed CBOR.
func Decode(data []byte) (*Event, error) {
	var e Event
	if err := codec.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// StateTuple identifies one slot of room state: an event type plus the
// state key. The key of every state map in the system.
type StateTuple struct {
	Type     string `cbor:"type" json:"type"`
	StateKey string `cbor:"state_key" json:"state_key"`
}

// String renders the tuple for logs and resolution reports.
func (t StateTuple) String() string {
	if t.StateKey == "" {
		return t.Type
	}
	return t.Type + ":" + t.StateKey
}
