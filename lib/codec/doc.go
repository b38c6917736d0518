// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Hearth's standard CBOR encoding configuration.
//
// CBOR with Core Deterministic Encoding (RFC 8949 §4.2) is the one
// canonical byte form in Hearth: event reference hashes and signatures
// are computed over it, sync tokens embed it, the event store persists
// it, and the control socket frames it. Sorted map keys, smallest
// integer encoding, no indefinite-length items — the same logical data
// always produces identical bytes, which is what makes content-
// addressed event IDs and cross-server signature checks possible at
// all.
//
// This package provides the shared encoding and decoding modes so that
// every Hearth package encodes identically without duplicating
// configuration.
//
// For buffer-oriented operations (hashing, tokens, stored records):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (control socket):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// Identifier types from lib/ref serialize as CBOR text strings via
// their TextMarshaler implementations, so an encoded event reads
// naturally in diagnostic notation (Diagnose) when debugging stored
// records.
package codec
