// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// DeviceID is a validated device ID (e.g., "LAPTOP", "m5Fq2K").
//
// Device IDs distinguish the sessions of one user: each login gets its
// own device, and presence reports are tracked per device before being
// merged into the user's visible status. Device IDs are opaque
// printable-ASCII strings; ordering by device ID is the deterministic
// tie-break when two devices report equally current presence.
//
// DeviceID is an immutable value type. The zero value is not valid;
// use IsZero to check.
type DeviceID struct {
	id string
}

// ParseDeviceID validates and wraps a raw device ID string. Returns an
// error if the string is empty, too long, or contains characters
// outside printable ASCII.
func ParseDeviceID(raw string) (DeviceID, error) {
	if raw == "" {
		return DeviceID{}, fmt.Errorf("empty device ID")
	}
	if len(raw) > maxIDLength {
		return DeviceID{}, fmt.Errorf("device ID is %d characters, maximum is %d", len(raw), maxIDLength)
	}
	for i := 0; i < len(raw); i++ {
		if raw[i] <= ' ' || raw[i] >= 0x7f {
			return DeviceID{}, fmt.Errorf("device ID %q: invalid character at position %d", raw, i)
		}
	}
	return DeviceID{id: raw}, nil
}

// MustParseDeviceID is like ParseDeviceID but panics on error. Use in
// tests and static initialization where the input is known-valid.
func MustParseDeviceID(raw string) DeviceID {
	d, err := ParseDeviceID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseDeviceID(%q): %v", raw, err))
	}
	return d
}

// String returns the device ID string.
func (d DeviceID) String() string { return d.id }

// IsZero reports whether the DeviceID is the zero value (uninitialized).
func (d DeviceID) IsZero() bool { return d.id == "" }

// Less reports whether d orders before other by byte comparison. Used
// for deterministic tie-breaking across a user's devices.
func (d DeviceID) Less(other DeviceID) bool { return d.id < other.id }

// MarshalText implements encoding.TextMarshaler.
func (d DeviceID) MarshalText() ([]byte, error) {
	if d.id == "" {
		return nil, nil
	}
	return []byte(d.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Validates the
// device ID format. An empty input produces the zero value.
func (d *DeviceID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*d = DeviceID{}
		return nil
	}
	parsed, err := ParseDeviceID(string(data))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
