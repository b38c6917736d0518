// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"fmt"

	"github.com/bureau-foundation/hearth/lib/codec"
	"github.com/bureau-foundation/hearth/lib/ref"
)

// Room event type constants. The auth rules give the first five special
// treatment; everything else is payload as far as the graph layer is
// concerned.
const (
	// TypeCreate establishes a room. Always the first event; state
	// key "". Content carries the creator and the room version.
	TypeCreate = "m.room.create"

	// TypeMember records a user's membership. State key is the
	// affected user's ID; content carries the membership value.
	TypeMember = "m.room.member"

	// TypePowerLevels assigns the room's power levels. State key "".
	TypePowerLevels = "m.room.power_levels"

	// TypeJoinRules gates how users may join. State key "".
	TypeJoinRules = "m.room.join_rules"

	// TypeHistoryVisibility controls who may read history. State key "".
	TypeHistoryVisibility = "m.room.history_visibility"

	// TypeRedaction requests a redaction overlay on another event,
	// named by the "redacts" content field.
	TypeRedaction = "m.room.redaction"

	// TypeMessage is an ordinary timeline message. Not a state event.
	TypeMessage = "m.room.message"

	// TypeName sets the room's display name. State key "".
	TypeName = "m.room.name"

	// TypeTopic sets the room's topic. State key "".
	TypeTopic = "m.room.topic"

	// TypeCanonicalAlias records the room's canonical alias. State key "".
	TypeCanonicalAlias = "m.room.canonical_alias"
)

// Membership values for TypeMember content.
const (
	MembershipJoin   = "join"
	MembershipLeave  = "leave"
	MembershipInvite = "invite"
	MembershipBan    = "ban"
	MembershipKnock  = "knock"
)

// Join rule values for TypeJoinRules content.
const (
	JoinRulePublic          = "public"
	JoinRuleInvite          = "invite"
	JoinRuleKnock           = "knock"
	JoinRulePrivate         = "private"
	JoinRuleRestricted      = "restricted"
	JoinRuleKnockRestricted = "knock_restricted"
)

// CreateContent is the payload of a TypeCreate event.
type CreateContent struct {
	Creator     ref.UserID `cbor:"creator" json:"creator"`
	RoomVersion string     `cbor:"room_version" json:"room_version"`
}

// MemberContent is the payload of a TypeMember event.
type MemberContent struct {
	Membership  string `cbor:"membership" json:"membership"`
	DisplayName string `cbor:"display_name,omitempty" json:"display_name,omitempty"`
	Reason      string `cbor:"reason,omitempty" json:"reason,omitempty"`
}

// JoinRulesContent is the payload of a TypeJoinRules event.
type JoinRulesContent struct {
	JoinRule string `cbor:"join_rule" json:"join_rule"`
}

// HistoryVisibilityContent is the payload of a TypeHistoryVisibility
// event.
type HistoryVisibilityContent struct {
	HistoryVisibility string `cbor:"history_visibility" json:"history_visibility"`
}

// TopicContent is the payload of a TypeTopic event.
type TopicContent struct {
	Topic string `cbor:"topic" json:"topic"`
}

// NameContent is the payload of a TypeName event.
type NameContent struct {
	Name string `cbor:"name" json:"name"`
}

// RedactionContent is the payload of a TypeRedaction event.
type RedactionContent struct {
	Redacts ref.EventID `cbor:"redacts" json:"redacts"`
	Reason  string      `cbor:"reason,omitempty" json:"reason,omitempty"`
}

// DecodeContent decodes an event's content bytes into a typed payload.
func DecodeContent[T any](e *Event) (T, error) {
	var content T
	if err := codec.Unmarshal(e.Content, &content); err != nil {
		return content, fmt.Errorf("decoding %s content of %s: %w", e.Type, e.ID, err)
	}
	return content, nil
}

// Membership returns the membership value of a TypeMember event, or ""
// if the event is not a member event or its content does not decode.
func (e *Event) Membership() string {
	if e.Type != TypeMember {
		return ""
	}
	content, err := DecodeContent[MemberContent](e)
	if err != nil {
		return ""
	}
	return content.Membership
}

// RedactionTarget returns the event ID a TypeRedaction event names, or
// false if the event is not a redaction or names no target.
func (e *Event) RedactionTarget() (ref.EventID, bool) {
	if e.Type != TypeRedaction {
		return ref.EventID{}, false
	}
	content, err := DecodeContent[RedactionContent](e)
	if err != nil || content.Redacts.IsZero() {
		return ref.EventID{}, false
	}
	return content.Redacts, true
}
