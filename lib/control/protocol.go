// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"github.com/bureau-foundation/hearth/lib/codec"
	"github.com/bureau-foundation/hearth/lib/event"
	"github.com/bureau-foundation/hearth/lib/ref"
)

// Command names. Every request frame carries one in its "cmd" field.
const (
	CmdSubmit   = "submit"
	CmdFetch    = "fetch"
	CmdSnapshot = "snapshot"
	CmdResume   = "resume"
	CmdAdvance  = "advance"
	CmdStream   = "stream"
	CmdPresence = "presence"
	CmdJoin     = "join"
	CmdStatus   = "status"
)

// Response is the envelope on every frame the server writes. Streaming
// commands emit zero or more frames with More set, each carrying one
// delta in Data, then a terminal frame with More unset. Non-streaming
// commands emit the terminal frame only.
//
// A failed request sets OK false; Code carries the lib/errs code when
// the failure has one, so clients can classify without string
// matching.
type Response struct {
	OK    bool             `cbor:"ok"`
	More  bool             `cbor:"more,omitempty"`
	Code  string           `cbor:"code,omitempty"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// SubmitRequest appends one event through the room engine.
type SubmitRequest struct {
	Cmd   string       `cbor:"cmd"`
	Event *event.Event `cbor:"event"`
}

// SubmitResult reports the commit position of an accepted event.
type SubmitResult struct {
	Seq     uint64      `cbor:"seq"`
	EventID ref.EventID `cbor:"event_id"`
}

// FetchRequest retrieves one committed event by ID.
type FetchRequest struct {
	Cmd     string      `cbor:"cmd"`
	EventID ref.EventID `cbor:"event_id"`
}

// FetchResult carries the fetched event.
type FetchResult struct {
	Event *event.Event `cbor:"event"`
}

// SnapshotRequest reads a room's current resolved state.
type SnapshotRequest struct {
	Cmd  string     `cbor:"cmd"`
	Room ref.RoomID `cbor:"room"`
}

// StateEntry is one (type, state key) cell of a room snapshot.
type StateEntry struct {
	Type     string      `cbor:"type"`
	StateKey string      `cbor:"state_key"`
	EventID  ref.EventID `cbor:"event_id"`
}

// SnapshotResult is a room's resolved state at a commit position.
type SnapshotResult struct {
	Room        ref.RoomID    `cbor:"room"`
	Version     string        `cbor:"version"`
	Seq         uint64        `cbor:"seq"`
	Extremities []ref.EventID `cbor:"extremities"`
	State       []StateEntry  `cbor:"state"`
}

// ResumeRequest resumes a sync connection from a client-held token.
// An empty token starts at the latest committed position.
type ResumeRequest struct {
	Cmd        string           `cbor:"cmd"`
	Connection ref.ConnectionID `cbor:"connection"`
	Token      string           `cbor:"token"`
}

// ResumeResult carries the adopted token. Gap is set when the client's
// token fell below retention and a full resync is required.
type ResumeResult struct {
	Token string `cbor:"token"`
	Gap   bool   `cbor:"gap,omitempty"`
}

// AdvanceRequest acknowledges delivery through a token.
type AdvanceRequest struct {
	Cmd        string           `cbor:"cmd"`
	Connection ref.ConnectionID `cbor:"connection"`
	Token      string           `cbor:"token"`
}

// StreamRequest streams committed events after the connection's
// current position. Each delta arrives in its own More frame; the
// terminal frame carries a StreamResult.
type StreamRequest struct {
	Cmd        string           `cbor:"cmd"`
	Connection ref.ConnectionID `cbor:"connection"`
}

// StreamDelta is one committed event in stream order.
type StreamDelta struct {
	Seq   uint64       `cbor:"seq"`
	Event *event.Event `cbor:"event"`
}

// StreamResult carries the token covering everything delivered.
type StreamResult struct {
	Token string `cbor:"token"`
}

// PresenceRequest reports a device's presence.
type PresenceRequest struct {
	Cmd       string       `cbor:"cmd"`
	User      ref.UserID   `cbor:"user"`
	Device    ref.DeviceID `cbor:"device"`
	Status    string       `cbor:"status"`
	StatusMsg string       `cbor:"status_msg,omitempty"`
}

// JoinRequest starts a federation join attempt. Phase transitions
// stream back as JoinUpdate frames; the terminal frame reports the
// outcome.
type JoinRequest struct {
	Cmd  string           `cbor:"cmd"`
	Room ref.RoomID       `cbor:"room"`
	User ref.UserID       `cbor:"user"`
	Via  []ref.ServerName `cbor:"via,omitempty"`
}

// JoinUpdate is one phase transition of a join attempt.
type JoinUpdate struct {
	Attempt string `cbor:"attempt"`
	Phase   string `cbor:"phase"`
	Server  string `cbor:"server,omitempty"`
	Error   string `cbor:"error,omitempty"`
}

// StatusRequest asks for server identity and log bounds.
type StatusRequest struct {
	Cmd string `cbor:"cmd"`
}

// StatusResult describes the running server.
type StatusResult struct {
	Server           ref.ServerName `cbor:"server"`
	LatestCommitted  uint64         `cbor:"latest_committed"`
	EarliestRetained uint64         `cbor:"earliest_retained"`
	Quarantined      []ref.RoomID   `cbor:"quarantined,omitempty"`
	UptimeSeconds    int64          `cbor:"uptime_seconds"`
}
