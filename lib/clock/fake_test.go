// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"testing"
	"time"
)

var testEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeNowAdvance(t *testing.T) {
	c := Fake(testEpoch)

	if got := c.Now(); !got.Equal(testEpoch) {
		t.Errorf("Now() = %v, want %v", got, testEpoch)
	}

	c.Advance(5 * time.Second)
	if got := c.Now(); !got.Equal(testEpoch.Add(5 * time.Second)) {
		t.Errorf("Now() after Advance = %v, want %v", got, testEpoch.Add(5*time.Second))
	}
}

func TestFakeAfter(t *testing.T) {
	c := Fake(testEpoch)
	ch := c.After(10 * time.Second)

	select {
	case <-ch:
		t.Fatal("After fired before Advance")
	default:
	}

	c.Advance(9 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired before its deadline")
	default:
	}

	c.Advance(1 * time.Second)
	select {
	case fired := <-ch:
		if !fired.Equal(testEpoch.Add(10 * time.Second)) {
			t.Errorf("fire time = %v, want %v", fired, testEpoch.Add(10*time.Second))
		}
	default:
		t.Fatal("After did not fire at its deadline")
	}
}

func TestFakeAfterNonPositive(t *testing.T) {
	c := Fake(testEpoch)
	select {
	case <-c.After(0):
	default:
		t.Fatal("After(0) should fire immediately")
	}
}

func TestFakeAfterFunc(t *testing.T) {
	c := Fake(testEpoch)

	var mu sync.Mutex
	var calls int
	c.AfterFunc(3*time.Second, func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	c.Advance(2 * time.Second)
	mu.Lock()
	if calls != 0 {
		t.Fatalf("callback fired early: calls = %d", calls)
	}
	mu.Unlock()

	c.Advance(1 * time.Second)
	mu.Lock()
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	mu.Unlock()

	// Further advances must not re-fire a one-shot.
	c.Advance(10 * time.Second)
	mu.Lock()
	if calls != 1 {
		t.Fatalf("one-shot fired again: calls = %d", calls)
	}
	mu.Unlock()
}

func TestFakeAfterFuncStop(t *testing.T) {
	c := Fake(testEpoch)

	fired := false
	timer := c.AfterFunc(5*time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Error("Stop() = false for an active timer")
	}
	c.Advance(10 * time.Second)
	if fired {
		t.Error("stopped timer fired")
	}

	// Second Stop reports the timer already inactive.
	if timer.Stop() {
		t.Error("Stop() = true for an already-stopped timer")
	}
}

func TestFakeAfterFuncStopAfterFire(t *testing.T) {
	c := Fake(testEpoch)

	timer := c.AfterFunc(1*time.Second, func() {})
	c.Advance(1 * time.Second)

	if timer.Stop() {
		t.Error("Stop() = true after the timer fired")
	}
}

func TestFakeTicker(t *testing.T) {
	c := Fake(testEpoch)
	ticker := c.NewTicker(10 * time.Second)
	defer ticker.Stop()

	c.Advance(10 * time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("ticker did not fire after one interval")
	}

	// Spanning multiple intervals fires per interval, dropping
	// overflow beyond the 1-buffer like time.Ticker.
	c.Advance(30 * time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("ticker did not fire across multiple intervals")
	}

	ticker.Stop()
	c.Advance(20 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestFakeSleepWaitForTimers(t *testing.T) {
	c := Fake(testEpoch)

	done := make(chan struct{})
	go func() {
		c.Sleep(5 * time.Second)
		close(done)
	}()

	c.WaitForTimers(1)
	c.Advance(5 * time.Second)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Sleep did not return after Advance past its deadline")
	}
}

func TestFakeAdvanceFiresInDeadlineOrder(t *testing.T) {
	c := Fake(testEpoch)

	var mu sync.Mutex
	var order []int
	c.AfterFunc(3*time.Second, func() { mu.Lock(); order = append(order, 3); mu.Unlock() })
	c.AfterFunc(1*time.Second, func() { mu.Lock(); order = append(order, 1); mu.Unlock() })
	c.AfterFunc(2*time.Second, func() { mu.Lock(); order = append(order, 2); mu.Unlock() })

	c.Advance(5 * time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("fire order = %v, want [1 2 3]", order)
	}
}

func TestFakePendingCount(t *testing.T) {
	c := Fake(testEpoch)
	if got := c.PendingCount(); got != 0 {
		t.Fatalf("PendingCount = %d, want 0", got)
	}

	timer := c.AfterFunc(5*time.Second, func() {})
	c.After(10 * time.Second)
	if got := c.PendingCount(); got != 2 {
		t.Fatalf("PendingCount = %d, want 2", got)
	}

	timer.Stop()
	if got := c.PendingCount(); got != 1 {
		t.Fatalf("PendingCount after Stop = %d, want 1", got)
	}
}
