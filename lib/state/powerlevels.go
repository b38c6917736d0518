// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"github.com/bureau-foundation/hearth/lib/event"
	"github.com/bureau-foundation/hearth/lib/ref"
)

// PowerLevelsContent is the payload of a power-levels event.
// Pointer-to-int64 fields distinguish "not set" (nil, falls back to
// the room version's default) from "explicitly set to 0".
type PowerLevelsContent struct {
	Users         map[string]int64 `cbor:"users,omitempty" json:"users,omitempty"`
	UsersDefault  *int64           `cbor:"users_default,omitempty" json:"users_default,omitempty"`
	Events        map[string]int64 `cbor:"events,omitempty" json:"events,omitempty"`
	EventsDefault *int64           `cbor:"events_default,omitempty" json:"events_default,omitempty"`
	StateDefault  *int64           `cbor:"state_default,omitempty" json:"state_default,omitempty"`
	Invite        *int64           `cbor:"invite,omitempty" json:"invite,omitempty"`
	Ban           *int64           `cbor:"ban,omitempty" json:"ban,omitempty"`
	Kick          *int64           `cbor:"kick,omitempty" json:"kick,omitempty"`
	Redact        *int64           `cbor:"redact,omitempty" json:"redact,omitempty"`
}

// PowerLevels is an evaluated power-levels view: content plus the
// version ruleset's defaults plus the creator, ready for lookups.
// When a room has no power-levels event yet, the zero content applies
// and the creator holds the configured creator power.
type PowerLevels struct {
	content  PowerLevelsContent
	defaults PowerDefaults
	creator  ref.UserID
}

// PowerDefaults are the fallback levels a room version prescribes for
// fields the power-levels content leaves unset. Part of the rule
// table, not code.
type PowerDefaults struct {
	UsersDefault  int64 `json:"users_default"`
	EventsDefault int64 `json:"events_default"`
	StateDefault  int64 `json:"state_default"`
	Invite        int64 `json:"invite"`
	Ban           int64 `json:"ban"`
	Kick          int64 `json:"kick"`
	Redact        int64 `json:"redact"`
}

// ParsePowerLevels evaluates a power-levels event (nil for a room
// that has none yet) against the ruleset's defaults and the room
// creator.
func (rs *Ruleset) ParsePowerLevels(powerEvent *event.Event, creator ref.UserID) (*PowerLevels, error) {
	levels := &PowerLevels{defaults: rs.PowerDefaults, creator: creator}
	if powerEvent == nil {
		return levels, nil
	}
	content, err := event.DecodeContent[PowerLevelsContent](powerEvent)
	if err != nil {
		return nil, err
	}
	levels.content = content
	return levels, nil
}

// UserLevel returns a user's power: their explicit entry, else the
// users_default, else — when the room has no power event at all and
// the user created the room — the creator power from the ruleset.
func (p *PowerLevels) UserLevel(rs *Ruleset, user ref.UserID) int64 {
	if level, ok := p.content.Users[user.String()]; ok {
		return level
	}
	if p.content.UsersDefault != nil {
		return *p.content.UsersDefault
	}
	if p.content.Users == nil && p.content.UsersDefault == nil && user == p.creator {
		return rs.CreatorPower
	}
	return p.defaults.UsersDefault
}

// EventLevel returns the power required to send an event of the
// given type: the explicit per-type entry, else state_default for
// state events, else events_default.
func (p *PowerLevels) EventLevel(eventType string, isState bool) int64 {
	if level, ok := p.content.Events[eventType]; ok {
		return level
	}
	if isState {
		if p.content.StateDefault != nil {
			return *p.content.StateDefault
		}
		return p.defaults.StateDefault
	}
	if p.content.EventsDefault != nil {
		return *p.content.EventsDefault
	}
	return p.defaults.EventsDefault
}

// ActionLevel returns the power required for a named action:
// "invite", "ban", "kick", or "redact".
func (p *PowerLevels) ActionLevel(action string) int64 {
	switch action {
	case "invite":
		if p.content.Invite != nil {
			return *p.content.Invite
		}
		return p.defaults.Invite
	case "ban":
		if p.content.Ban != nil {
			return *p.content.Ban
		}
		return p.defaults.Ban
	case "kick":
		if p.content.Kick != nil {
			return *p.content.Kick
		}
		return p.defaults.Kick
	case "redact":
		if p.content.Redact != nil {
			return *p.content.Redact
		}
		return p.defaults.Redact
	default:
		return p.defaults.StateDefault
	}
}
