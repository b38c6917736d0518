// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package presence

import (
	"testing"
	"time"

	"github.com/bureau-foundation/hearth/lib/clock"
	"github.com/bureau-foundation/hearth/lib/ref"
)

var (
	alice  = ref.MustParseUserID("@alice:hearth.test")
	laptop = ref.MustParseDeviceID("LAPTOP")
	phone  = ref.MustParseDeviceID("PHONE")
)

type capture struct {
	updates []Update
}

func (c *capture) callback(u Update) { c.updates = append(c.updates, u) }

func newTestTracker(t *testing.T) (*Tracker, *clock.FakeClock, *capture) {
	t.Helper()
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	tracker := NewTracker(Options{
		Clock:          fake,
		Debounce:       10 * time.Second,
		RecencyWindow:  5 * time.Minute,
		IdleTimeout:    5 * time.Minute,
		OfflineTimeout: 30 * time.Minute,
	})
	captured := &capture{}
	tracker.Subscribe(captured.callback)
	return tracker, fake, captured
}

func TestMorePresentPublishesImmediately(t *testing.T) {
	tracker, _, captured := newTestTracker(t)

	tracker.Set(alice, laptop, Online, "working")
	if len(captured.updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(captured.updates))
	}
	if got := captured.updates[0]; got.Status != Online || got.StatusMsg != "working" {
		t.Fatalf("got %v/%q, want online/working", got.Status, got.StatusMsg)
	}

	tracker.Set(alice, phone, Busy, "meeting")
	if len(captured.updates) != 2 || captured.updates[1].Status != Busy {
		t.Fatalf("busy upgrade not published immediately: %v", captured.updates)
	}
}

func TestFlapInsideDebouncePublishesNothing(t *testing.T) {
	tracker, fake, captured := newTestTracker(t)

	tracker.Set(alice, laptop, Online, "")
	if len(captured.updates) != 1 {
		t.Fatalf("initial online: got %d updates, want 1", len(captured.updates))
	}

	tracker.Set(alice, laptop, Offline, "")
	tracker.Set(alice, laptop, Online, "")
	fake.Advance(time.Minute)

	if len(captured.updates) != 1 {
		t.Fatalf("flap published %d extra updates: %v", len(captured.updates)-1, captured.updates[1:])
	}
	if got, _ := tracker.Visible(alice); got != Online {
		t.Fatalf("visible status: got %v, want online", got)
	}
}

func TestDowngradePublishesAfterDebounce(t *testing.T) {
	tracker, fake, captured := newTestTracker(t)

	tracker.Set(alice, laptop, Online, "")
	tracker.Set(alice, laptop, Offline, "gone")
	if len(captured.updates) != 1 {
		t.Fatalf("downgrade published before the debounce: %v", captured.updates)
	}

	fake.Advance(10 * time.Second)
	if len(captured.updates) != 2 {
		t.Fatalf("got %d updates after debounce, want 2", len(captured.updates))
	}
	if got := captured.updates[1]; got.Status != Offline || got.StatusMsg != "gone" {
		t.Fatalf("got %v/%q, want offline/gone", got.Status, got.StatusMsg)
	}
}

func TestMergePrefersMostPresentWithinWindow(t *testing.T) {
	tracker, fake, _ := newTestTracker(t)

	tracker.Set(alice, laptop, Unavailable, "")
	tracker.Set(alice, phone, Online, "on the phone")
	if got, msg := tracker.Visible(alice); got != Online || msg != "on the phone" {
		t.Fatalf("got %v/%q, want online from the more-present device", got, msg)
	}

	// The online device ages out of the recency window; the
	// unavailable one was refreshed.
	fake.Advance(4 * time.Minute)
	tracker.Set(alice, laptop, Unavailable, "")
	fake.Advance(2 * time.Minute)
	tracker.Sweep()
	fake.Advance(10 * time.Second)
	if got, _ := tracker.Visible(alice); got != Unavailable {
		t.Fatalf("got %v, want unavailable after the online report aged out", got)
	}
}

func TestTieBreaksByAscendingDeviceID(t *testing.T) {
	tracker, _, _ := newTestTracker(t)

	tracker.Set(alice, phone, Online, "from phone")
	tracker.Set(alice, laptop, Online, "from laptop")

	// LAPTOP sorts before PHONE; at equal rank its message wins.
	if _, msg := tracker.Visible(alice); msg != "from laptop" {
		t.Fatalf("got message %q, want the lowest device ID's", msg)
	}
}

func TestIdleDegradation(t *testing.T) {
	tracker, fake, captured := newTestTracker(t)

	tracker.Set(alice, laptop, Online, "")
	fake.Advance(6 * time.Minute)
	tracker.Sweep()

	// Degradation is a downgrade: it debounces too.
	if len(captured.updates) != 1 {
		t.Fatalf("degradation published before debounce: %v", captured.updates)
	}
	fake.Advance(10 * time.Second)
	if got, _ := tracker.Visible(alice); got != Unavailable {
		t.Fatalf("got %v, want unavailable after the idle timeout", got)
	}

	fake.Advance(31 * time.Minute)
	tracker.Sweep()
	fake.Advance(10 * time.Second)
	if got, _ := tracker.Visible(alice); got != Offline {
		t.Fatalf("got %v, want offline after the offline timeout", got)
	}
}

func TestRemoveDeviceDegrades(t *testing.T) {
	tracker, fake, _ := newTestTracker(t)

	tracker.Set(alice, laptop, Online, "")
	tracker.RemoveDevice(alice, laptop)
	fake.Advance(10 * time.Second)
	if got, _ := tracker.Visible(alice); got != Offline {
		t.Fatalf("got %v, want offline after the only device left", got)
	}
}

func TestRemoteReportFeedsSamePath(t *testing.T) {
	tracker, _, captured := newTestTracker(t)

	tracker.SetRemote(alice, Busy, "remote busy")
	if len(captured.updates) != 1 || captured.updates[0].Status != Busy {
		t.Fatalf("remote report not published: %v", captured.updates)
	}
}

func TestStatusRoundTrip(t *testing.T) {
	for _, status := range []Status{Offline, Unavailable, Online, Busy} {
		parsed, err := ParseStatus(status.String())
		if err != nil {
			t.Fatalf("parsing %q: %v", status, err)
		}
		if parsed != status {
			t.Fatalf("got %v, want %v", parsed, status)
		}
	}
	if _, err := ParseStatus("dnd"); err == nil {
		t.Fatalf("expected an error for an unknown status")
	}
}
