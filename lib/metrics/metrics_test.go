// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestSetRegistersAndRecords(t *testing.T) {
	registry := prometheus.NewRegistry()
	set := NewSet(registry)

	set.EventIngested()
	set.EventRejected("HEARTH_MALFORMED_EVENT")
	set.ObserveIngest(3 * time.Millisecond)
	set.ObserveResolution(time.Millisecond)
	set.ObserveClosureSize(12)
	set.JoinAttempt("full_state")
	set.PresencePublished()
	set.PresenceSuppressed()
	set.RoomStarted()
	set.JoinStarted()
	set.SetCacheHitRatio(0.87)
	set.ObserveCommit(time.Millisecond, 512)
	set.ObserveRead(time.Microsecond, 256)
	set.ObserveTrim(3)

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gathering: %v", err)
	}
	found := make(map[string]bool, len(families))
	for _, family := range families {
		found[family.GetName()] = true
	}
	for _, name := range []string{
		"hearth_events_ingested_total",
		"hearth_events_rejected_total",
		"hearth_resolutions_total",
		"hearth_join_attempts_total",
		"hearth_presence_transitions_total",
		"hearth_active_rooms",
		"hearth_auth_cache_hit_ratio",
		"hearth_store_commit_seconds",
		"hearth_store_trimmed_entries_total",
	} {
		if !found[name] {
			t.Errorf("metric %s was not registered", name)
		}
	}
}

func TestNilSetIsInert(t *testing.T) {
	var set *Set
	set.EventIngested()
	set.EventRejected("HEARTH_UNKNOWN_ROOM")
	set.ObserveResolution(time.Millisecond)
	set.JoinAttempt("failed")
	set.RoomStarted()
	set.RoomStopped()
	set.ObserveCommit(time.Millisecond, 1)
}
