// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics defines the Prometheus metric set for the core.
// Everything registers on a caller-supplied registerer so tests and
// embedders control the registry; hearthd serves the default one.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Set holds every metric the core records. A nil *Set is valid and
// records nothing, so call sites never branch on configuration.
type Set struct {
	eventsIngested     prometheus.Counter
	eventsRejected     *prometheus.CounterVec
	ingestLatency      prometheus.Histogram
	resolutions        prometheus.Counter
	resolutionDuration prometheus.Histogram
	closureSize        prometheus.Histogram
	joinAttempts       *prometheus.CounterVec
	presenceTransitions *prometheus.CounterVec

	activeRooms   prometheus.Gauge
	joinsInFlight prometheus.Gauge
	cacheHitRatio prometheus.Gauge

	storeCommitSeconds prometheus.Histogram
	storeCommitBytes   prometheus.Counter
	storeReadSeconds   prometheus.Histogram
	storeTrimmed       prometheus.Counter
}

// NewSet registers the metric set on the given registerer.
func NewSet(registerer prometheus.Registerer) *Set {
	f := promauto.With(registerer)
	return &Set{
		eventsIngested: f.NewCounter(prometheus.CounterOpts{
			Name: "hearth_events_ingested_total",
			Help: "Events durably committed to the store.",
		}),
		eventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hearth_events_rejected_total",
			Help: "Events rejected before commit, by error code.",
		}, []string{"code"}),
		ingestLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "hearth_ingest_latency_seconds",
			Help:    "Wall time from actor receipt to committed snapshot.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		resolutions: f.NewCounter(prometheus.CounterOpts{
			Name: "hearth_resolutions_total",
			Help: "State resolutions performed.",
		}),
		resolutionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "hearth_resolution_duration_seconds",
			Help:    "State resolution wall time.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		closureSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "hearth_auth_closure_events",
			Help:    "Auth chain closure sizes.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
		joinAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hearth_join_attempts_total",
			Help: "Federation join attempts, by terminal outcome.",
		}, []string{"outcome"}),
		presenceTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hearth_presence_transitions_total",
			Help: "Presence visibility transitions, published or suppressed.",
		}, []string{"result"}),
		activeRooms: f.NewGauge(prometheus.GaugeOpts{
			Name: "hearth_active_rooms",
			Help: "Room actors currently running.",
		}),
		joinsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "hearth_join_attempts_in_flight",
			Help: "Join attempts currently running.",
		}),
		cacheHitRatio: f.NewGauge(prometheus.GaugeOpts{
			Name: "hearth_auth_cache_hit_ratio",
			Help: "Auth chain closure cache hit ratio.",
		}),
		storeCommitSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "hearth_store_commit_seconds",
			Help:    "Event store commit latency.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		storeCommitBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "hearth_store_commit_bytes_total",
			Help: "Sealed record bytes written.",
		}),
		storeReadSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "hearth_store_read_seconds",
			Help:    "Event store read latency.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 4, 10),
		}),
		storeTrimmed: f.NewCounter(prometheus.CounterOpts{
			Name: "hearth_store_trimmed_entries_total",
			Help: "Commit log entries removed by retention trimming.",
		}),
	}
}

// EventIngested counts a committed event.
func (s *Set) EventIngested() {
	if s == nil {
		return
	}
	s.eventsIngested.Inc()
}

// EventRejected counts a rejection by error code.
func (s *Set) EventRejected(code string) {
	if s == nil {
		return
	}
	s.eventsRejected.WithLabelValues(code).Inc()
}

// ObserveIngest records end-to-end ingest latency.
func (s *Set) ObserveIngest(elapsed time.Duration) {
	if s == nil {
		return
	}
	s.ingestLatency.Observe(elapsed.Seconds())
}

// ObserveResolution records one state resolution.
func (s *Set) ObserveResolution(elapsed time.Duration) {
	if s == nil {
		return
	}
	s.resolutions.Inc()
	s.resolutionDuration.Observe(elapsed.Seconds())
}

// ObserveClosureSize records an auth chain closure size.
func (s *Set) ObserveClosureSize(events int) {
	if s == nil {
		return
	}
	s.closureSize.Observe(float64(events))
}

// JoinAttempt counts a join attempt by terminal outcome
// ("full_state" or "failed").
func (s *Set) JoinAttempt(outcome string) {
	if s == nil {
		return
	}
	s.joinAttempts.WithLabelValues(outcome).Inc()
}

// PresencePublished counts a published visibility transition.
func (s *Set) PresencePublished() {
	if s == nil {
		return
	}
	s.presenceTransitions.WithLabelValues("published").Inc()
}

// PresenceSuppressed counts a transition the debounce swallowed.
func (s *Set) PresenceSuppressed() {
	if s == nil {
		return
	}
	s.presenceTransitions.WithLabelValues("suppressed").Inc()
}

// RoomStarted / RoomStopped track the active actor gauge.
func (s *Set) RoomStarted() {
	if s == nil {
		return
	}
	s.activeRooms.Inc()
}

func (s *Set) RoomStopped() {
	if s == nil {
		return
	}
	s.activeRooms.Dec()
}

// JoinStarted / JoinFinished track the in-flight join gauge.
func (s *Set) JoinStarted() {
	if s == nil {
		return
	}
	s.joinsInFlight.Inc()
}

func (s *Set) JoinFinished() {
	if s == nil {
		return
	}
	s.joinsInFlight.Dec()
}

// SetCacheHitRatio publishes the closure cache hit ratio.
func (s *Set) SetCacheHitRatio(ratio float64) {
	if s == nil {
		return
	}
	s.cacheHitRatio.Set(ratio)
}

// ObserveCommit implements the event store's metrics hook.
func (s *Set) ObserveCommit(elapsed time.Duration, bytes int) {
	if s == nil {
		return
	}
	s.storeCommitSeconds.Observe(elapsed.Seconds())
	s.storeCommitBytes.Add(float64(bytes))
}

// ObserveRead implements the event store's metrics hook.
func (s *Set) ObserveRead(elapsed time.Duration, bytes int) {
	if s == nil {
		return
	}
	s.storeReadSeconds.Observe(elapsed.Seconds())
}

// ObserveTrim implements the event store's metrics hook.
func (s *Set) ObserveTrim(deleted int) {
	if s == nil {
		return
	}
	s.storeTrimmed.Add(float64(deleted))
}
