// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// RoomID is a validated room ID (e.g., "!abc123:hearth.example.org").
//
// Room IDs are server-assigned opaque identifiers minted at room
// creation. They always start with '!' and contain a ':' separating
// the opaque local part from the name of the server that created the
// room. The server part identifies the minting server only — it grants
// that server no authority over the room afterwards.
//
// RoomID is an immutable value type. The zero value is not valid;
// use IsZero to check.
type RoomID struct {
	id string
}

// ParseRoomID validates and wraps a raw room ID string. Returns an
// error if the string is empty, doesn't start with '!', or is missing
// the ':server' suffix.
func ParseRoomID(raw string) (RoomID, error) {
	localpart, server, err := parsePrefixedID(raw, '!', "room ID")
	if err != nil {
		return RoomID{}, err
	}
	_ = localpart // opaque; only presence is checked
	if err := validateServer(server); err != nil {
		return RoomID{}, fmt.Errorf("room ID %q: %w", raw, err)
	}
	return RoomID{id: raw}, nil
}

// MustParseRoomID is like ParseRoomID but panics on error. Use in
// tests and static initialization where the input is known-valid.
func MustParseRoomID(raw string) RoomID {
	r, err := ParseRoomID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseRoomID(%q): %v", raw, err))
	}
	return r
}

// String returns the full room ID string (e.g., "!abc123:hearth.example.org").
func (r RoomID) String() string { return r.id }

// IsZero reports whether the RoomID is the zero value (uninitialized).
func (r RoomID) IsZero() bool { return r.id == "" }

// Server returns the server-name portion of the room ID — the server
// that minted it. Returns the zero ServerName for a zero RoomID.
func (r RoomID) Server() ServerName {
	_, server, err := parsePrefixedID(r.id, '!', "room ID")
	if err != nil {
		return ServerName{}
	}
	return ServerName{name: server}
}

// MarshalText implements encoding.TextMarshaler.
func (r RoomID) MarshalText() ([]byte, error) {
	if r.id == "" {
		return nil, nil
	}
	return []byte(r.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Validates the
// room ID format. An empty input produces the zero value.
func (r *RoomID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*r = RoomID{}
		return nil
	}
	parsed, err := ParseRoomID(string(data))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
