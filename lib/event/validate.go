// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"fmt"

	"github.com/bureau-foundation/hearth/lib/ref"
)

// Wire limits. A record breaching any of these is rejected outright:
// peers with honest implementations never produce them.
const (
	maxTypeLength     = 255
	maxStateKeyLength = 255
	maxContentSize    = 64 * 1024
	maxPrevEvents     = 20
	maxAuthEvents     = 10
)

// ValidateStructure checks every event invariant that needs no graph
// context: field presence and limits, parent-set canonical form,
// creation-event shape, state-key conventions, content-hash and ID
// integrity, and signature block well-formedness including an entry
// for the sender's server. Acyclicity against the known graph is the
// store's job; signature verification is the ingest pipeline's, when
// the origin's key is known.
func (e *Event) ValidateStructure() error {
	if e.ID.IsZero() {
		return fmt.Errorf("event has no ID")
	}
	if e.RoomID.IsZero() {
		return fmt.Errorf("event %s has no room ID", e.ID)
	}
	if e.Sender.IsZero() {
		return fmt.Errorf("event %s has no sender", e.ID)
	}
	if e.Type == "" {
		return fmt.Errorf("event %s has empty type", e.ID)
	}
	if len(e.Type) > maxTypeLength {
		return fmt.Errorf("event %s type has %d bytes, limit %d", e.ID, len(e.Type), maxTypeLength)
	}
	if e.StateKey != nil && len(*e.StateKey) > maxStateKeyLength {
		return fmt.Errorf("event %s state key has %d bytes, limit %d", e.ID, len(*e.StateKey), maxStateKeyLength)
	}
	if e.OriginTimestamp <= 0 {
		return fmt.Errorf("event %s has non-positive origin timestamp %d", e.ID, e.OriginTimestamp)
	}
	if len(e.Content) == 0 {
		return fmt.Errorf("event %s has no content (an empty payload is still an encoded empty map)", e.ID)
	}
	if len(e.Content) > maxContentSize {
		return fmt.Errorf("event %s content has %d bytes, limit %d", e.ID, len(e.Content), maxContentSize)
	}

	if err := e.validateParentSets(); err != nil {
		return err
	}
	if err := e.validateShape(); err != nil {
		return err
	}
	if err := e.VerifyContentHash(); err != nil {
		return err
	}
	if err := e.VerifyID(); err != nil {
		return err
	}

	if err := e.Signatures.ValidateStructure(); err != nil {
		return fmt.Errorf("event %s: %w", e.ID, err)
	}
	if _, ok := e.Signatures[e.Sender.Server().String()]; !ok {
		return fmt.Errorf("event %s carries no signature from the sender's server %s", e.ID, e.Sender.Server())
	}
	return nil
}

// validateParentSets enforces the canonical set form of prev_events
// and auth_events: sorted ascending, no duplicates, no self edges,
// within limits.
func (e *Event) validateParentSets() error {
	if len(e.PrevEvents) > maxPrevEvents {
		return fmt.Errorf("event %s has %d prev_events, limit %d", e.ID, len(e.PrevEvents), maxPrevEvents)
	}
	if len(e.AuthEvents) > maxAuthEvents {
		return fmt.Errorf("event %s has %d auth_events, limit %d", e.ID, len(e.AuthEvents), maxAuthEvents)
	}
	if err := e.validateIDSet("prev_events", e.PrevEvents); err != nil {
		return err
	}
	return e.validateIDSet("auth_events", e.AuthEvents)
}

func (e *Event) validateIDSet(name string, set []ref.EventID) error {
	for i, id := range set {
		if id.IsZero() {
			return fmt.Errorf("event %s %s[%d] is empty", e.ID, name, i)
		}
		if id == e.ID {
			return fmt.Errorf("event %s lists itself in %s", e.ID, name)
		}
		if i > 0 {
			switch {
			case id == set[i-1]:
				return fmt.Errorf("event %s %s contains %s twice", e.ID, name, id)
			case id.String() < set[i-1].String():
				return fmt.Errorf("event %s %s is not sorted", e.ID, name)
			}
		}
	}
	return nil
}

// validateShape enforces per-type structural conventions: creation
// events are parentless roots with state key "", everything else
// extends the graph, and member events key on a user ID.
func (e *Event) validateShape() error {
	if e.Type == TypeCreate {
		if len(e.PrevEvents) != 0 {
			return fmt.Errorf("creation event %s has prev_events", e.ID)
		}
		if len(e.AuthEvents) != 0 {
			return fmt.Errorf("creation event %s has auth_events", e.ID)
		}
		if e.Depth != 0 {
			return fmt.Errorf("creation event %s has depth %d, want 0", e.ID, e.Depth)
		}
		if e.StateKey == nil || *e.StateKey != "" {
			return fmt.Errorf("creation event %s must have state key \"\"", e.ID)
		}
		return nil
	}

	if len(e.PrevEvents) == 0 {
		return fmt.Errorf("event %s has no prev_events and is not a creation event", e.ID)
	}
	if len(e.AuthEvents) == 0 {
		return fmt.Errorf("event %s has no auth_events", e.ID)
	}
	if e.Depth < 1 {
		return fmt.Errorf("event %s has depth %d, want >= 1", e.ID, e.Depth)
	}

	if e.Type == TypeMember {
		if e.StateKey == nil {
			return fmt.Errorf("member event %s has no state key", e.ID)
		}
		if _, err := ref.ParseUserID(*e.StateKey); err != nil {
			return fmt.Errorf("member event %s state key: %w", e.ID, err)
		}
	}
	return nil
}
