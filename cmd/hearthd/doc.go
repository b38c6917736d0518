// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// hearthd is the homeserver core daemon.
//
// It owns the durable event store, the per-room state engines, sync
// cursors, presence, and the federation join coordinator, and exposes
// them over a local unix control socket for colocated transport shims
// and operator tooling. Prometheus metrics are served on /metrics when
// a listen address is configured.
//
// Configuration comes from a YAML file (--config, $HEARTH_CONFIG, or
// /etc/hearth/hearth.yaml). Rooms with a fresh divergence quarantine
// report refuse mutation until the operator clears them.
package main
