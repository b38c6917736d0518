// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"encoding/json"
	"testing"
)

func TestParseRoomID(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"!abc123:hearth.example.org", false},
		{"!abc123:chat.example.com:8448", false},
		{"", true},
		{"!", true},
		{"!abc123", true},          // missing :server
		{"!:hearth.example.org", true}, // empty localpart
		{"!abc123:", true},         // empty server
		{"@abc123:hearth.example.org", true},
		{"abc123:hearth.example.org", true},
	}

	for _, test := range tests {
		_, err := ParseRoomID(test.input)
		if (err != nil) != test.wantErr {
			t.Errorf("ParseRoomID(%q): err=%v, wantErr=%v", test.input, err, test.wantErr)
		}
	}
}

func TestParseUserID(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"@alice:hearth.example.org", false},
		{"@alice.bot:chat.example.com:8448", false},
		{"@svc/relay:hearth.example.org", false},
		{"", true},
		{"@alice", true},            // missing :server
		{"@:hearth.example.org", true},  // empty localpart
		{"@alice:", true},           // empty server
		{"@Alice:hearth.example.org", true}, // uppercase localpart
		{"@al ice:hearth.example.org", true},
		{"!alice:hearth.example.org", true},
	}

	for _, test := range tests {
		_, err := ParseUserID(test.input)
		if (err != nil) != test.wantErr {
			t.Errorf("ParseUserID(%q): err=%v, wantErr=%v", test.input, err, test.wantErr)
		}
	}
}

func TestUserIDParts(t *testing.T) {
	user := MustParseUserID("@alice:hearth.example.org")
	if got := user.Localpart(); got != "alice" {
		t.Errorf("Localpart() = %q, want %q", got, "alice")
	}
	if got := user.Server().String(); got != "hearth.example.org" {
		t.Errorf("Server() = %q, want %q", got, "hearth.example.org")
	}

	// Server names with ports keep the port in the server part.
	ported := MustParseUserID("@bob:chat.example.com:8448")
	if got := ported.Server().String(); got != "chat.example.com:8448" {
		t.Errorf("Server() = %q, want %q", got, "chat.example.com:8448")
	}
}

func TestNewUserID(t *testing.T) {
	server := MustParseServerName("hearth.example.org")
	user, err := NewUserID("alice", server)
	if err != nil {
		t.Fatalf("NewUserID: %v", err)
	}
	if user.String() != "@alice:hearth.example.org" {
		t.Errorf("NewUserID = %q, want %q", user.String(), "@alice:hearth.example.org")
	}

	if _, err := NewUserID("Alice", server); err == nil {
		t.Error("NewUserID should reject uppercase localpart")
	}
	if _, err := NewUserID("alice", ServerName{}); err == nil {
		t.Error("NewUserID should reject zero server")
	}
}

func TestParseServerName(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"hearth.example.org", false},
		{"chat.example.com:8448", false},
		{"localhost", false},
		{"", true},
		{"hearth example.org", true},
		{"@hearth.example.org", true},
		{"#hearth.example.org", true},
		{"!hearth.example.org", true},
	}

	for _, test := range tests {
		_, err := ParseServerName(test.input)
		if (err != nil) != test.wantErr {
			t.Errorf("ParseServerName(%q): err=%v, wantErr=%v", test.input, err, test.wantErr)
		}
	}
}

func TestParseDeviceID(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"LAPTOP", false},
		{"m5Fq2K", false},
		{"", true},
		{"has space", true},
		{"tab\there", true},
	}

	for _, test := range tests {
		_, err := ParseDeviceID(test.input)
		if (err != nil) != test.wantErr {
			t.Errorf("ParseDeviceID(%q): err=%v, wantErr=%v", test.input, err, test.wantErr)
		}
	}
}

func TestDeviceIDLess(t *testing.T) {
	a := MustParseDeviceID("AAAA")
	b := MustParseDeviceID("BBBB")
	if !a.Less(b) {
		t.Error("AAAA should order before BBBB")
	}
	if b.Less(a) {
		t.Error("BBBB should not order before AAAA")
	}
	if a.Less(a) {
		t.Error("a device ID should not order before itself")
	}
}

func TestConnectionID(t *testing.T) {
	minted := NewConnectionID()
	if minted.IsZero() {
		t.Fatal("NewConnectionID returned zero value")
	}

	parsed, err := ParseConnectionID(minted.String())
	if err != nil {
		t.Fatalf("ParseConnectionID(%q): %v", minted.String(), err)
	}
	if parsed != minted {
		t.Errorf("round-trip: got %q, want %q", parsed, minted)
	}

	if _, err := ParseConnectionID("not-a-uuid"); err == nil {
		t.Error("ParseConnectionID should reject non-UUID input")
	}

	// Two mints never collide.
	if NewConnectionID() == NewConnectionID() {
		t.Error("consecutive NewConnectionID calls returned the same ID")
	}
}

func TestRoomIDJSONRoundTrip(t *testing.T) {
	type wrapper struct {
		Room RoomID `json:"room_id"`
	}
	original := wrapper{Room: MustParseRoomID("!abc123:hearth.example.org")}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded wrapper
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Room != original.Room {
		t.Errorf("round-trip: got %q, want %q", decoded.Room, original.Room)
	}
}
