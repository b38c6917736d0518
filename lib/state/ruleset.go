// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package state

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"slices"

	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/hearth/lib/errs"
	"github.com/bureau-foundation/hearth/lib/event"
	"github.com/bureau-foundation/hearth/lib/ref"
)

//go:embed rules/versions.jsonc
var embeddedRules []byte

// Ruleset is one room version's authorization and resolution rules,
// loaded from the rule table.
type Ruleset struct {
	// Version is the room version string this ruleset serves.
	Version string

	// PowerEventTypes are the state event types always treated as
	// power events during resolution.
	PowerEventTypes []string `json:"power_event_types"`

	// PowerMemberships are the membership values that make a member
	// event a power event when its state key names someone other
	// than the sender.
	PowerMemberships []string `json:"power_memberships"`

	// JoinRules are the join rule values this version understands.
	JoinRules []string `json:"join_rules"`

	// CreatorPower is the power the room creator holds while the
	// room has no power-levels event.
	CreatorPower int64 `json:"creator_power"`

	// ImplicitCreator selects where the creator comes from: the
	// create event's sender (true) or its content (false).
	ImplicitCreator bool `json:"implicit_creator"`

	// PowerDefaults fill unset power-levels content fields.
	PowerDefaults PowerDefaults `json:"power_defaults"`

	// PowerOrder and MainlineOrder name the tie-break comparators,
	// in order, for the two resolution sort passes. Comparator names
	// are dispatched by the resolver; an unknown name fails Registry
	// loading, never resolution.
	PowerOrder    []string `json:"power_order"`
	MainlineOrder []string `json:"mainline_order"`
}

// IsPowerEvent reports whether e is a power event under this
// version: one of the power state types, or a member event applying
// a power membership to someone other than its sender.
func (rs *Ruleset) IsPowerEvent(e *event.Event) bool {
	if !e.IsState() {
		return false
	}
	if slices.Contains(rs.PowerEventTypes, e.Type) && e.StateKeyValue() == "" {
		return true
	}
	if e.Type == event.TypeMember && e.StateKeyValue() != e.Sender.String() {
		return slices.Contains(rs.PowerMemberships, e.Membership())
	}
	return false
}

// Creator extracts the room creator from a create event per this
// version's rule.
func (rs *Ruleset) Creator(create *event.Event) (ref.UserID, error) {
	if rs.ImplicitCreator {
		return create.Sender, nil
	}
	content, err := event.DecodeContent[event.CreateContent](create)
	if err != nil {
		return ref.UserID{}, err
	}
	if content.Creator.IsZero() {
		return ref.UserID{}, fmt.Errorf("create event %s names no creator", create.ID)
	}
	return content.Creator, nil
}

// KnowsJoinRule reports whether the version understands a join rule
// value.
func (rs *Ruleset) KnowsJoinRule(rule string) bool {
	return slices.Contains(rs.JoinRules, rule)
}

// Registry maps room versions to rulesets. Built once at startup
// from the embedded table, optionally replaced by an operator file.
type Registry struct {
	rulesets map[string]*Ruleset
}

// comparatorNames are the tie-break comparators the resolver can
// dispatch. Rule tables naming anything else are rejected at load.
var comparatorNames = map[string]bool{
	"sender_power":      true,
	"mainline_position": true,
	"origin_timestamp":  true,
	"event_id":          true,
}

// tableEntry is the on-disk shape of one version, before inheritance
// is applied.
type tableEntry struct {
	Inherit string `json:"inherit"`
	Ruleset
}

// LoadRegistry parses the embedded rule table.
func LoadRegistry() (*Registry, error) {
	return parseRegistry(embeddedRules)
}

// LoadRegistryFile parses an operator-supplied rule table, replacing
// the embedded one entirely.
func LoadRegistryFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rule table: %w", err)
	}
	registry, err := parseRegistry(data)
	if err != nil {
		return nil, fmt.Errorf("rule table %s: %w", path, err)
	}
	return registry, nil
}

func parseRegistry(data []byte) (*Registry, error) {
	var table struct {
		Versions map[string]json.RawMessage `json:"versions"`
	}
	if err := json.Unmarshal(jsonc.ToJSON(data), &table); err != nil {
		return nil, fmt.Errorf("parsing rule table: %w", err)
	}
	if len(table.Versions) == 0 {
		return nil, fmt.Errorf("rule table defines no versions")
	}

	registry := &Registry{rulesets: make(map[string]*Ruleset, len(table.Versions))}

	// Inheritance chains resolve recursively; visiting tracks the
	// chain to reject loops.
	var resolve func(version string, visiting map[string]bool) (*Ruleset, error)
	resolve = func(version string, visiting map[string]bool) (*Ruleset, error) {
		if ruleset, done := registry.rulesets[version]; done {
			return ruleset, nil
		}
		if visiting[version] {
			return nil, fmt.Errorf("version %q inherit chain loops", version)
		}
		raw, ok := table.Versions[version]
		if !ok {
			return nil, fmt.Errorf("version %q inherits from undefined version", version)
		}
		visiting[version] = true

		var entry tableEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("version %q: %w", version, err)
		}

		ruleset := entry.Ruleset
		if entry.Inherit != "" {
			base, err := resolve(entry.Inherit, visiting)
			if err != nil {
				return nil, err
			}
			merged := *base
			if ruleset.PowerEventTypes != nil {
				merged.PowerEventTypes = ruleset.PowerEventTypes
			}
			if ruleset.PowerMemberships != nil {
				merged.PowerMemberships = ruleset.PowerMemberships
			}
			if ruleset.JoinRules != nil {
				merged.JoinRules = ruleset.JoinRules
			}
			if ruleset.CreatorPower != 0 {
				merged.CreatorPower = ruleset.CreatorPower
			}
			if entryHasField(raw, "implicit_creator") {
				merged.ImplicitCreator = ruleset.ImplicitCreator
			}
			if entryHasField(raw, "power_defaults") {
				merged.PowerDefaults = ruleset.PowerDefaults
			}
			if ruleset.PowerOrder != nil {
				merged.PowerOrder = ruleset.PowerOrder
			}
			if ruleset.MainlineOrder != nil {
				merged.MainlineOrder = ruleset.MainlineOrder
			}
			ruleset = merged
		}
		ruleset.Version = version

		if err := validateRuleset(&ruleset); err != nil {
			return nil, fmt.Errorf("version %q: %w", version, err)
		}
		registry.rulesets[version] = &ruleset
		return &ruleset, nil
	}

	for version := range table.Versions {
		if _, err := resolve(version, make(map[string]bool)); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func validateRuleset(rs *Ruleset) error {
	if len(rs.PowerEventTypes) == 0 {
		return fmt.Errorf("no power event types")
	}
	if len(rs.JoinRules) == 0 {
		return fmt.Errorf("no join rules")
	}
	if len(rs.PowerOrder) == 0 || len(rs.MainlineOrder) == 0 {
		return fmt.Errorf("missing ordering rules")
	}
	for _, name := range rs.PowerOrder {
		if !comparatorNames[name] {
			return fmt.Errorf("unknown power order comparator %q", name)
		}
	}
	for _, name := range rs.MainlineOrder {
		if !comparatorNames[name] {
			return fmt.Errorf("unknown mainline order comparator %q", name)
		}
	}
	return nil
}

func entryHasField(raw json.RawMessage, field string) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	_, ok := probe[field]
	return ok
}

// Lookup returns the ruleset for a room version, or
// errs.CodeUnsupportedRoomVersion.
func (r *Registry) Lookup(version string) (*Ruleset, error) {
	ruleset, ok := r.rulesets[version]
	if !ok {
		return nil, errs.New(errs.CodeUnsupportedRoomVersion,
			"room version %q has no registered ruleset (supported: %v)", version, r.Supported())
	}
	return ruleset, nil
}

// Supported returns the registered versions, sorted.
func (r *Registry) Supported() []string {
	versions := make([]string, 0, len(r.rulesets))
	for version := range r.rulesets {
		versions = append(versions, version)
	}
	slices.Sort(versions)
	return versions
}
