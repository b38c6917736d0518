// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package quarantine records rooms halted by a state divergence. When
// two resolutions of the same inputs disagree, the room actor stops
// accepting mutations and writes a report here; the daemon refuses to
// restart an actor for a room with a fresh report until an operator
// clears it.
//
// Reports are written atomically (write to temporary file, fsync,
// rename, parent directory synced) so a crash mid-write never leaves
// a partial report, and are JSON so operators can read them directly.
package quarantine

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bureau-foundation/hearth/lib/ref"
	"github.com/bureau-foundation/hearth/lib/state"
)

// StateEntry is one state-map slot in a report, flattened for JSON.
type StateEntry struct {
	Type     string `json:"type"`
	StateKey string `json:"state_key"`
	EventID  string `json:"event_id"`
}

// Report records one divergence: the room, the two disagreeing
// resolutions, the inputs they were computed from, and when it
// happened.
type Report struct {
	RoomID ref.RoomID `json:"room_id"`

	// Incremental is the state the actor maintained event by event;
	// FromScratch is the independent resolution of the same extremity
	// states. The divergence is their disagreement.
	Incremental []StateEntry   `json:"incremental"`
	FromScratch []StateEntry   `json:"from_scratch"`
	Inputs      [][]StateEntry `json:"inputs"`

	Timestamp time.Time `json:"timestamp"`
}

// Flatten converts a state map into sorted report entries.
func Flatten(m state.Map) []StateEntry {
	entries := make([]StateEntry, 0, len(m))
	for _, tuple := range m.SortedTuples() {
		entries = append(entries, StateEntry{
			Type:     tuple.Type,
			StateKey: tuple.StateKey,
			EventID:  m[tuple].String(),
		})
	}
	return entries
}

// Store reads and writes reports under one directory, one file per
// room.
type Store struct {
	dir string
}

// NewStore creates the report directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating quarantine directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// path derives the report filename from the room ID. Room IDs contain
// characters hostile to filesystems, so the name is the unpadded
// base64url of the ID.
func (s *Store) path(room ref.RoomID) string {
	name := base64.RawURLEncoding.EncodeToString([]byte(room.String()))
	return filepath.Join(s.dir, name+".json")
}

// Write atomically persists a report for the room, replacing any
// prior report. A zero Timestamp is filled with the current time.
func (s *Store) Write(report Report) error {
	if report.Timestamp.IsZero() {
		report.Timestamp = time.Now().UTC()
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling quarantine report: %w", err)
	}
	data = append(data, '\n')

	path := s.path(report.RoomID)
	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating temporary report file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary report file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary report file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary report file: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming report file into place: %w", err)
	}

	// Sync the parent directory so the rename survives power loss.
	parent, err := os.Open(s.dir)
	if err == nil {
		parent.Sync()
		parent.Close()
	}
	return nil
}

// Read returns the room's report. When none exists, the error wraps
// os.ErrNotExist.
func (s *Store) Read(room ref.RoomID) (Report, error) {
	data, err := os.ReadFile(s.path(room))
	if err != nil {
		return Report{}, err
	}
	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return Report{}, fmt.Errorf("parsing quarantine report for %s: %w", room, err)
	}
	return report, nil
}

// Check reads the room's report and verifies it is fresh. Returns
// (report, true) when a report exists and is no older than maxAge;
// (zero, false) when there is no report or it is stale. Other errors
// (corrupt file, permissions) are returned so the caller can tell
// "no quarantine" from "quarantine unreadable".
func (s *Store) Check(room ref.RoomID, maxAge time.Duration) (Report, bool, error) {
	report, err := s.Read(room)
	if err != nil {
		if os.IsNotExist(err) {
			return Report{}, false, nil
		}
		return Report{}, false, err
	}
	if time.Since(report.Timestamp) > maxAge {
		return Report{}, false, nil
	}
	return report, true, nil
}

// Clear removes the room's report. Idempotent: clearing a room with
// no report is not an error.
func (s *Store) Clear(room ref.RoomID) error {
	if err := os.Remove(s.path(room)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing quarantine report: %w", err)
	}
	return nil
}

// List returns the room IDs with a report on disk, in directory
// order.
func (s *Store) List() ([]ref.RoomID, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading quarantine directory: %w", err)
	}
	var rooms []ref.RoomID
	for _, entry := range entries {
		name := entry.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(name[:len(name)-len(".json")])
		if err != nil {
			continue
		}
		room, err := ref.ParseRoomID(string(raw))
		if err != nil {
			continue
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}
