// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package presence merges per-device presence reports into one
// visible status per user. Transitions toward less presence are
// debounced so a device flapping between online and offline publishes
// nothing; transitions toward more presence publish immediately.
package presence

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bureau-foundation/hearth/lib/clock"
	"github.com/bureau-foundation/hearth/lib/metrics"
	"github.com/bureau-foundation/hearth/lib/ref"
)

// Status is a presence state, ordered by presence: Busy is the most
// present, Offline the least.
type Status int

const (
	Offline Status = iota
	Unavailable
	Online
	Busy
)

// String returns the wire spelling.
func (s Status) String() string {
	switch s {
	case Busy:
		return "busy"
	case Online:
		return "online"
	case Unavailable:
		return "unavailable"
	default:
		return "offline"
	}
}

// ParseStatus parses the wire spelling.
func ParseStatus(raw string) (Status, error) {
	switch raw {
	case "busy":
		return Busy, nil
	case "online":
		return Online, nil
	case "unavailable":
		return Unavailable, nil
	case "offline":
		return Offline, nil
	}
	return Offline, fmt.Errorf("unknown presence status %q", raw)
}

// MorePresent reports whether s ranks above other.
func (s Status) MorePresent(other Status) bool { return s > other }

// Update is one published visibility transition.
type Update struct {
	User      ref.UserID
	Status    Status
	StatusMsg string
}

// deviceReport is one device's latest word.
type deviceReport struct {
	status     Status
	statusMsg  string
	lastActive time.Time
}

// pending is a debounced less-present transition waiting out its
// hold interval.
type pending struct {
	status    Status
	statusMsg string
	timer     *clock.Timer
}

type userState struct {
	devices map[ref.DeviceID]deviceReport

	visible    Status
	visibleMsg string
	pending    *pending
}

// Options configures a Tracker.
type Options struct {
	// Clock defaults to the real clock.
	Clock clock.Clock

	// Debounce is how long a less-present visible status must hold
	// before it publishes. Default 10s.
	Debounce time.Duration

	// RecencyWindow bounds how old a device report may be and still
	// compete on presence rank. Default 5m.
	RecencyWindow time.Duration

	// IdleTimeout degrades Online reports to Unavailable;
	// OfflineTimeout degrades any report to Offline. Defaults 5m / 30m.
	IdleTimeout    time.Duration
	OfflineTimeout time.Duration

	// Metrics may be nil.
	Metrics *metrics.Set

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Tracker merges device reports per user. All mutation for a user is
// serialized; subscriber callbacks run on the mutating goroutine and
// must not call back into the Tracker.
type Tracker struct {
	clock          clock.Clock
	debounce       time.Duration
	recencyWindow  time.Duration
	idleTimeout    time.Duration
	offlineTimeout time.Duration
	metrics        *metrics.Set
	logger         *slog.Logger

	mu          sync.Mutex
	users       map[ref.UserID]*userState
	subscribers []func(Update)
}

// remoteDevice is the synthetic device ID federated whole-user
// reports land under.
var remoteDevice = ref.MustParseDeviceID("_remote")

// NewTracker builds a tracker with defaults filled in.
func NewTracker(options Options) *Tracker {
	c := options.Clock
	if c == nil {
		c = clock.Real()
	}
	debounce := options.Debounce
	if debounce <= 0 {
		debounce = 10 * time.Second
	}
	recency := options.RecencyWindow
	if recency <= 0 {
		recency = 5 * time.Minute
	}
	idle := options.IdleTimeout
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	offline := options.OfflineTimeout
	if offline <= 0 {
		offline = 30 * time.Minute
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		clock:          c,
		debounce:       debounce,
		recencyWindow:  recency,
		idleTimeout:    idle,
		offlineTimeout: offline,
		metrics:        options.Metrics,
		logger:         logger,
		users:          make(map[ref.UserID]*userState),
	}
}

// Subscribe registers a callback for published transitions.
func (t *Tracker) Subscribe(fn func(Update)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribers = append(t.subscribers, fn)
}

// Set records a device report and recomputes the user's visible
// status synchronously.
func (t *Tracker) Set(user ref.UserID, device ref.DeviceID, status Status, statusMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.user(user)
	u.devices[device] = deviceReport{
		status:     status,
		statusMsg:  statusMsg,
		lastActive: t.clock.Now(),
	}
	t.recompute(user, u)
}

// SetRemote records a federated whole-user report. It feeds the same
// merge path as local devices, under a reserved device slot.
func (t *Tracker) SetRemote(user ref.UserID, status Status, statusMsg string) {
	t.Set(user, remoteDevice, status, statusMsg)
}

// RemoveDevice drops a device's report (logout, token revocation) and
// recomputes.
func (t *Tracker) RemoveDevice(user ref.UserID, device ref.DeviceID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.users[user]
	if !ok {
		return
	}
	delete(u.devices, device)
	t.recompute(user, u)
}

// Visible returns the user's current visible status and message.
func (t *Tracker) Visible(user ref.UserID) (Status, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.users[user]
	if !ok {
		return Offline, ""
	}
	return u.visible, u.visibleMsg
}

// Sweep re-evaluates every user against the staleness timeouts.
// The daemon calls this on a ticker so idle devices degrade without
// waiting for their next report.
func (t *Tracker) Sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for user, u := range t.users {
		t.recompute(user, u)
	}
}

func (t *Tracker) user(user ref.UserID) *userState {
	u, ok := t.users[user]
	if !ok {
		u = &userState{devices: make(map[ref.DeviceID]deviceReport)}
		t.users[user] = u
	}
	return u
}

// effective applies the staleness degradations to one report.
func (t *Tracker) effective(report deviceReport, now time.Time) Status {
	age := now.Sub(report.lastActive)
	if age > t.offlineTimeout {
		return Offline
	}
	if report.status == Online && age > t.idleTimeout {
		return Unavailable
	}
	return report.status
}

// merge computes the user's target visible status: the most-present
// effective status among reports inside the recency window, ties
// broken by ascending device ID; with no report in the window, the
// most recently active report.
func (t *Tracker) merge(u *userState, now time.Time) (Status, string) {
	if len(u.devices) == 0 {
		return Offline, ""
	}

	ids := make([]ref.DeviceID, 0, len(u.devices))
	for id := range u.devices {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	bestRank := Status(-1)
	var bestMsg string
	for _, id := range ids {
		report := u.devices[id]
		if now.Sub(report.lastActive) > t.recencyWindow {
			continue
		}
		if effective := t.effective(report, now); effective > bestRank {
			bestRank = effective
			bestMsg = report.statusMsg
		}
	}
	if bestRank >= 0 {
		return bestRank, bestMsg
	}

	// Everything is stale: fall back to the freshest report.
	var freshest ref.DeviceID
	var freshestAt time.Time
	for _, id := range ids {
		if report := u.devices[id]; report.lastActive.After(freshestAt) {
			freshest, freshestAt = id, report.lastActive
		}
	}
	report := u.devices[freshest]
	return t.effective(report, now), report.statusMsg
}

// recompute derives the target visible status and publishes or
// debounces the transition. Caller holds the mutex.
func (t *Tracker) recompute(user ref.UserID, u *userState) {
	target, targetMsg := t.merge(u, t.clock.Now())

	switch {
	case target == u.visible:
		// Back where we already are: cancel any pending downgrade.
		if u.pending != nil {
			u.pending.timer.Stop()
			u.pending = nil
			t.metrics.PresenceSuppressed()
		}
		u.visibleMsg = targetMsg

	case target.MorePresent(u.visible):
		if u.pending != nil {
			u.pending.timer.Stop()
			u.pending = nil
			t.metrics.PresenceSuppressed()
		}
		t.publish(user, u, target, targetMsg)

	default:
		// Less present: hold it for the debounce interval.
		if u.pending != nil {
			if u.pending.status == target && u.pending.statusMsg == targetMsg {
				return
			}
			u.pending.timer.Stop()
		}
		p := &pending{status: target, statusMsg: targetMsg}
		p.timer = t.clock.AfterFunc(t.debounce, func() {
			t.firePending(user, p)
		})
		u.pending = p
	}
}

// firePending commits a debounced downgrade when its hold expires.
func (t *Tracker) firePending(user ref.UserID, p *pending) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.users[user]
	if !ok || u.pending != p {
		return
	}
	u.pending = nil
	t.publish(user, u, p.status, p.statusMsg)
}

func (t *Tracker) publish(user ref.UserID, u *userState, status Status, statusMsg string) {
	u.visible = status
	u.visibleMsg = statusMsg
	t.metrics.PresencePublished()
	update := Update{User: user, Status: status, StatusMsg: statusMsg}
	for _, fn := range t.subscribers {
		fn(update)
	}
	t.logger.Debug("presence transition",
		"user", user.String(), "status", status.String())
}
