// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// UserID is a validated user ID (e.g., "@alice:hearth.example.org").
//
// User IDs name an account on a specific server: '@' followed by a
// localpart, ':', and the server name. The localpart character set is
// restricted (a-z, 0-9, and . _ = - /); user IDs arriving over
// federation are parsed into this type before any authorization
// decision looks at them.
//
// UserID is an immutable value type. The zero value is not valid;
// use IsZero to check.
type UserID struct {
	id string
}

// ParseUserID validates and wraps a raw user ID string. Returns an
// error if the sigil, localpart, or server name is invalid.
func ParseUserID(raw string) (UserID, error) {
	localpart, server, err := parsePrefixedID(raw, '@', "user ID")
	if err != nil {
		return UserID{}, err
	}
	if err := validateUserLocalpart(localpart); err != nil {
		return UserID{}, fmt.Errorf("user ID %q: %w", raw, err)
	}
	if err := validateServer(server); err != nil {
		return UserID{}, fmt.Errorf("user ID %q: %w", raw, err)
	}
	return UserID{id: raw}, nil
}

// MustParseUserID is like ParseUserID but panics on error. Use in
// tests and static initialization where the input is known-valid.
func MustParseUserID(raw string) UserID {
	u, err := ParseUserID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseUserID(%q): %v", raw, err))
	}
	return u
}

// NewUserID constructs a user ID from a localpart and server name.
func NewUserID(localpart string, server ServerName) (UserID, error) {
	if err := validateUserLocalpart(localpart); err != nil {
		return UserID{}, err
	}
	if server.IsZero() {
		return UserID{}, fmt.Errorf("server name is zero")
	}
	return UserID{id: "@" + localpart + ":" + server.name}, nil
}

// String returns the full user ID string (e.g., "@alice:hearth.example.org").
func (u UserID) String() string { return u.id }

// IsZero reports whether the UserID is the zero value (uninitialized).
func (u UserID) IsZero() bool { return u.id == "" }

// Server returns the server-name portion of the user ID. Returns the
// zero ServerName for a zero UserID.
func (u UserID) Server() ServerName {
	_, server, err := parsePrefixedID(u.id, '@', "user ID")
	if err != nil {
		return ServerName{}
	}
	return ServerName{name: server}
}

// Localpart returns the localpart portion of the user ID (without the
// '@' sigil). Returns "" for a zero UserID.
func (u UserID) Localpart() string {
	localpart, _, err := parsePrefixedID(u.id, '@', "user ID")
	if err != nil {
		return ""
	}
	return localpart
}

// MarshalText implements encoding.TextMarshaler.
func (u UserID) MarshalText() ([]byte, error) {
	if u.id == "" {
		return nil, nil
	}
	return []byte(u.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Validates the
// user ID format. An empty input produces the zero value.
func (u *UserID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*u = UserID{}
		return nil
	}
	parsed, err := ParseUserID(string(data))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
