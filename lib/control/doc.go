// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package control serves the local IPC protocol on a unix socket.
//
// Colocated transport shims and operator tooling drive the server core
// through it: submitting events, reading room snapshots, managing sync
// cursors, streaming the committed log, reporting presence, starting
// federation joins, and inspecting server status.
//
// The wire format is length-prefixed CBOR frames (4-byte big-endian
// length, then one deterministically encoded CBOR value). A connection
// carries any number of request/response cycles. Streaming commands
// (stream, join) answer with zero or more intermediate frames flagged
// More, then a terminal frame. Failures cross the socket with their
// lib/errs code so callers classify them the same way in-process
// callers do.
//
// This is deliberately not the federation wire protocol: no
// authentication, no signatures, filesystem permissions on the socket
// are the access control.
package control
