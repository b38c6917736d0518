// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package signing manages the homeserver's ed25519 signing keys and
// the signature blocks carried on federation events.
//
// Every event a server originates is signed with one of its keys.
// A key is identified by "ed25519:<version>"; the version distinguishes
// rotated keys so old signatures stay verifiable. Signatures are
// computed over the event's canonical CBOR with the signature block and
// the event ID stripped (the ID is itself derived from those bytes, so
// it cannot be part of the signed material).
//
// Key material never touches the Go heap for longer than a single
// operation: the 32-byte seed lives in a secret.Buffer and the derived
// private key is zeroed after each Sign call. At rest the seed is
// age-encrypted to the machine identity and any operator escrow
// recipients (see lib/sealed); hearth-keygen produces both files.
//
// Signature blocks on the wire map server name → key ID → unpadded
// URL-safe base64. ValidateStructure checks that shape without any key
// material, so malformed blocks are rejected at ingest even when the
// origin server's key is unknown.
package signing
