// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
)

// FsyncMode selects when committed batches reach stable storage.
type FsyncMode int

const (
	// FsyncUnspecified behaves like FsyncInterval with the default
	// interval.
	FsyncUnspecified FsyncMode = iota

	// FsyncAlways syncs the WAL on every committed batch. An
	// acknowledged Put has reached the disk.
	FsyncAlways

	// FsyncInterval lets Pebble coalesce WAL syncs within the
	// configured interval (group commit). An acknowledged Put is in
	// the WAL and durable within one interval.
	FsyncInterval

	// FsyncNever requests no syncs from the application; Pebble still
	// syncs on its own schedule. For bulk imports and tests.
	FsyncNever
)

// String returns the configuration-file spelling of the mode.
func (m FsyncMode) String() string {
	switch m {
	case FsyncAlways:
		return "always"
	case FsyncInterval, FsyncUnspecified:
		return "interval"
	case FsyncNever:
		return "never"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// ParseFsyncMode parses the configuration-file spelling of a mode.
func ParseFsyncMode(name string) (FsyncMode, error) {
	switch name {
	case "always":
		return FsyncAlways, nil
	case "interval":
		return FsyncInterval, nil
	case "never":
		return FsyncNever, nil
	default:
		return 0, fmt.Errorf("unknown fsync mode %q (want always, interval, or never)", name)
	}
}

// defaultFsyncInterval bounds how long an acknowledged commit can sit
// in an unsynced WAL under FsyncInterval.
const defaultFsyncInterval = 5 * time.Millisecond

// MetricsHook observes storage operations. Implementations must be
// safe for concurrent use; see lib/metrics for the Prometheus one.
type MetricsHook interface {
	ObserveCommit(elapsed time.Duration, bytes int)
	ObserveRead(elapsed time.Duration, bytes int)
	ObserveTrim(deleted int)
}

// NoopMetrics is the hook used when none is configured.
type NoopMetrics struct{}

func (NoopMetrics) ObserveCommit(time.Duration, int) {}
func (NoopMetrics) ObserveRead(time.Duration, int)   {}
func (NoopMetrics) ObserveTrim(int)                  {}

// db wraps the Pebble handle with the fsync policy and metrics. The
// Store above it owns all key knowledge; this layer only moves bytes.
type db struct {
	inner     *pebble.DB
	writeSync bool
	metrics   MetricsHook
}

func openDB(dir string, mode FsyncMode, interval time.Duration, options *pebble.Options, metrics MetricsHook) (*db, error) {
	if dir == "" {
		return nil, errors.New("store directory is required")
	}
	if options == nil {
		options = &pebble.Options{}
	}

	switch mode {
	case FsyncAlways:
		// Sync is requested per commit; no WAL sync interval.
	case FsyncNever:
		// No syncs requested either way.
	case FsyncInterval, FsyncUnspecified:
		if interval <= 0 {
			interval = defaultFsyncInterval
		}
		syncInterval := interval
		options.WALMinSyncInterval = func() time.Duration { return syncInterval }
	default:
		return nil, fmt.Errorf("invalid fsync mode %d", int(mode))
	}

	inner, err := pebble.Open(dir, options)
	if err != nil {
		return nil, fmt.Errorf("opening pebble at %s: %w", dir, err)
	}

	return &db{
		inner:     inner,
		writeSync: mode == FsyncAlways,
		metrics:   metrics,
	}, nil
}

func (d *db) close() error {
	if d == nil || d.inner == nil {
		return nil
	}
	return d.inner.Close()
}

func (d *db) newBatch() *pebble.Batch {
	return d.inner.NewBatch()
}

// commitBatch commits with the configured fsync policy and closes the
// batch.
func (d *db) commitBatch(b *pebble.Batch) error {
	start := time.Now()
	size := b.Len()
	defer func() { d.metrics.ObserveCommit(time.Since(start), size) }()

	syncMode := pebble.NoSync
	if d.writeSync {
		syncMode = pebble.Sync
	}
	if err := b.Commit(syncMode); err != nil {
		b.Close()
		return err
	}
	return b.Close()
}

// get returns a copy of the value for key, or pebble.ErrNotFound.
func (d *db) get(key []byte) ([]byte, error) {
	start := time.Now()
	value, closer, err := d.inner.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	copied := append([]byte(nil), value...)
	d.metrics.ObserveRead(time.Since(start), len(copied))
	return copied, nil
}

// has reports whether key exists.
func (d *db) has(key []byte) (bool, error) {
	_, closer, err := d.inner.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	closer.Close()
	return true, nil
}

func (d *db) newIter(options *pebble.IterOptions) (*pebble.Iterator, error) {
	return d.inner.NewIter(options)
}
