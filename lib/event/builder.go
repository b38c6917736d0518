// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"fmt"

	"github.com/bureau-foundation/hearth/lib/codec"
	"github.com/bureau-foundation/hearth/lib/ref"
	"github.com/bureau-foundation/hearth/lib/signing"
)

// Builder assembles a locally originated event. Fill the fields, then
// call Build with the server's signing key; the builder normalizes the
// parent sets, hashes the content, signs the canonical bytes, and
// derives the ID. Build output always passes ValidateStructure.
type Builder struct {
	RoomID ref.RoomID
	Type   string

	// StateKey marks the event as a state event when non-nil.
	StateKey *string

	Sender ref.UserID

	// OriginTimestamp in milliseconds. Callers pass their clock's
	// current time; the builder never reads a clock itself.
	OriginTimestamp int64

	// PrevEvents and AuthEvents need not be sorted or unique; Build
	// normalizes them.
	PrevEvents []ref.EventID
	AuthEvents []ref.EventID

	// Depth is 1 + the maximum parent depth. The caller computes it:
	// only the graph owner knows the parents.
	Depth int64

	// Content is the event payload, encoded via codec.Marshal. Use
	// codec.RawMessage for pre-encoded bytes; nil encodes as an empty
	// map.
	Content any
}

// Build signs and seals the event. The signature is attached for the
// sender's server under the given key.
func (b *Builder) Build(key *signing.Key) (*Event, error) {
	if b.RoomID.IsZero() {
		return nil, fmt.Errorf("building event: no room ID")
	}
	if b.Sender.IsZero() {
		return nil, fmt.Errorf("building event: no sender")
	}
	if b.Type == "" {
		return nil, fmt.Errorf("building event: no type")
	}

	content := b.Content
	if content == nil {
		content = map[string]any{}
	}
	contentBytes, err := codec.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("encoding %s content: %w", b.Type, err)
	}

	e := &Event{
		RoomID:          b.RoomID,
		Type:            b.Type,
		StateKey:        b.StateKey,
		Sender:          b.Sender,
		OriginTimestamp: b.OriginTimestamp,
		PrevEvents:      sortedUniqueIDs(b.PrevEvents),
		AuthEvents:      sortedUniqueIDs(b.AuthEvents),
		Depth:           b.Depth,
		ContentHash:     HashContent(contentBytes),
		Content:         contentBytes,
	}

	canonical, err := e.CanonicalBytes()
	if err != nil {
		return nil, err
	}
	e.Signatures = e.Signatures.Attach(b.Sender.Server(), key.ID, key.Sign(canonical))

	id, err := e.ComputeID()
	if err != nil {
		return nil, err
	}
	e.ID = id

	if err := e.ValidateStructure(); err != nil {
		return nil, fmt.Errorf("built event is not structurally valid: %w", err)
	}
	return e, nil
}
