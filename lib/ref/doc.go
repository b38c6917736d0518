// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides strongly typed, immutable identity references for
// the entities a homeserver deals in: events, rooms, users, devices,
// servers, and sync connections. Each identifier is a validated value
// type wrapping its canonical string form.
//
// All constructors validate their inputs and return errors for invalid
// identifiers. Once constructed, a ref is immutable — String returns the
// canonical form at zero allocation cost. Identifiers arriving over
// federation or from storage are parsed into these types at the
// boundary; the rest of the codebase never handles raw identifier
// strings.
//
// The canonical serialization forms follow the wire sigil conventions:
//
//   - Event IDs:  $base64hash
//   - Room IDs:   !localpart:server
//   - User IDs:   @localpart:server
//   - Server names: hostname with optional :port
//
// JSON and CBOR marshaling use the canonical form via
// encoding.TextMarshaler.
package ref
