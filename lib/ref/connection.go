// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"

	"github.com/google/uuid"
)

// ConnectionID identifies one sync connection: a client's long-poll
// session over the committed event log. A user may hold several
// connections at once (one per client instance); each tracks its own
// cursor. Connection IDs are UUIDs minted by NewConnectionID when the
// connection is first seen.
//
// ConnectionID is an immutable value type. The zero value is not
// valid; use IsZero to check.
type ConnectionID struct {
	id string
}

// NewConnectionID mints a fresh random connection ID.
func NewConnectionID() ConnectionID {
	return ConnectionID{id: uuid.NewString()}
}

// ParseConnectionID validates and wraps a raw connection ID string.
// Returns an error if the string is not a valid UUID.
func ParseConnectionID(raw string) (ConnectionID, error) {
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return ConnectionID{}, fmt.Errorf("invalid connection ID %q: %w", raw, err)
	}
	return ConnectionID{id: parsed.String()}, nil
}

// MustParseConnectionID is like ParseConnectionID but panics on error.
// Use in tests where the input is known-valid.
func MustParseConnectionID(raw string) ConnectionID {
	c, err := ParseConnectionID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseConnectionID(%q): %v", raw, err))
	}
	return c
}

// String returns the canonical UUID string form.
func (c ConnectionID) String() string { return c.id }

// IsZero reports whether the ConnectionID is the zero value (uninitialized).
func (c ConnectionID) IsZero() bool { return c.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (c ConnectionID) MarshalText() ([]byte, error) {
	if c.id == "" {
		return nil, nil
	}
	return []byte(c.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Validates the
// connection ID format. An empty input produces the zero value.
func (c *ConnectionID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*c = ConnectionID{}
		return nil
	}
	parsed, err := ParseConnectionID(string(data))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
