// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bureau-foundation/hearth/lib/config"
	"github.com/bureau-foundation/hearth/lib/event"
	"github.com/bureau-foundation/hearth/lib/eventstore"
)

// retentionInterval is how often the trim policy is evaluated.
const retentionInterval = time.Minute

// errStopScan halts the log scan once the trim frontier is found.
var errStopScan = errors.New("stop scan")

// runRetention trims the commit log on a fixed cadence. Events are
// never deleted; only sync deliverability shrinks, and the cursor
// manager clamps stragglers against the new earliest_retained.
func runRetention(ctx context.Context, store *eventstore.Store, policy config.RetentionConfig, logger *slog.Logger) {
	if policy.MaxAge.Value() <= 0 {
		return
	}
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		floor, err := retentionFloor(ctx, store, policy, time.Now())
		if err != nil {
			logger.Error("evaluating retention policy", "error", err)
			continue
		}
		if floor <= store.EarliestRetained() {
			continue
		}
		if err := store.TrimBefore(floor); err != nil {
			logger.Error("trimming commit log", "floor", floor, "error", err)
			continue
		}
		logger.Info("trimmed commit log", "floor", floor)
	}
}

// retentionFloor computes the first commit sequence to keep: entries
// older than MaxAge fall away, but the most recent MinEvents entries
// always survive. Returns 0 when nothing should be trimmed.
func retentionFloor(ctx context.Context, store *eventstore.Store, policy config.RetentionConfig, now time.Time) (uint64, error) {
	maxAge := policy.MaxAge.Value()
	if maxAge <= 0 {
		return 0, nil
	}
	latest := store.LatestCommitted()
	if latest == 0 {
		return 0, nil
	}

	// The keep-count guard caps how far the floor may advance.
	limit := latest + 1
	if policy.MinEvents > 0 {
		if latest < policy.MinEvents {
			return 0, nil
		}
		limit = latest - policy.MinEvents + 1
	}

	cutoff := now.Add(-maxAge).UnixMilli()
	earliest := store.EarliestRetained()
	floor := earliest

	err := store.Range(ctx, earliest-1, 0, func(seq uint64, e *event.Event) error {
		if seq >= limit {
			return errStopScan
		}
		if e.OriginTimestamp >= cutoff {
			return errStopScan
		}
		floor = seq + 1
		return nil
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return 0, err
	}
	return floor, nil
}
