// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"github.com/bureau-foundation/hearth/lib/codec"
)

// emptyMapBytes is the canonical CBOR encoding of an empty map: the
// content of a fully redacted event.
var emptyMapBytes = []byte{0xa0}

// protectedContentKeys returns the content keys a redaction preserves
// for the given event type. keepAll short-circuits filtering: the
// event's content survives redaction entirely.
//
// The protected set is exactly what the auth rules and state
// resolution read. Redacting an event must never change an
// authorization outcome, or redactions could rewrite history.
func protectedContentKeys(eventType string) (keys []string, keepAll bool) {
	switch eventType {
	case TypeCreate:
		return nil, true
	case TypeMember:
		return []string{"membership"}, false
	case TypeJoinRules:
		return []string{"join_rule"}, false
	case TypePowerLevels:
		return []string{
			"users", "users_default",
			"events", "events_default",
			"state_default",
			"ban", "kick", "redact", "invite",
		}, false
	case TypeHistoryVisibility:
		return []string{"history_visibility"}, false
	case TypeRedaction:
		return []string{"redacts"}, false
	default:
		return nil, false
	}
}

// Redacted returns the event's redaction overlay: a derived copy whose
// content is stripped to the keys protected for its type. Everything
// else, the ID and content hash included, carries over unchanged; the
// stored record is not touched. Applying Redacted twice is a no-op.
func (e *Event) Redacted() *Event {
	redacted := *e
	redacted.Content = filterContent(e.Type, e.Content)
	return &redacted
}

// filterContent strips a content payload to its protected keys.
// Content that does not decode as a map redacts to an empty map.
func filterContent(eventType string, content []byte) []byte {
	keys, keepAll := protectedContentKeys(eventType)
	if keepAll {
		return content
	}
	if len(keys) == 0 {
		return emptyMapBytes
	}

	var decoded map[string]any
	if err := codec.Unmarshal(content, &decoded); err != nil || decoded == nil {
		return emptyMapBytes
	}

	filtered := make(map[string]any, len(keys))
	for _, key := range keys {
		if value, ok := decoded[key]; ok {
			filtered[key] = value
		}
	}
	out, err := codec.Marshal(filtered)
	if err != nil {
		return emptyMapBytes
	}
	return out
}
