// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"time"

	"github.com/bureau-foundation/hearth/lib/authchain"
	"github.com/bureau-foundation/hearth/lib/metrics"
	"github.com/bureau-foundation/hearth/lib/presence"
)

// maintenanceInterval paces the presence staleness sweep and the
// sampled gauge refresh.
const maintenanceInterval = 30 * time.Second

// runMaintenance does the periodic housekeeping the request paths
// cannot: presence reports only degrade on the next report or a sweep,
// and the closure cache hit ratio is a sampled gauge. Runs until ctx
// ends.
func runMaintenance(ctx context.Context, tracker *presence.Tracker, chains *authchain.Resolver, set *metrics.Set) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			maintenanceTick(tracker, chains, set)
		}
	}
}

// maintenanceTick is one housekeeping pass.
func maintenanceTick(tracker *presence.Tracker, chains *authchain.Resolver, set *metrics.Set) {
	tracker.Sweep()
	set.SetCacheHitRatio(chains.HitRatio())
}
