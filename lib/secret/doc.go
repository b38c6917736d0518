// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret provides a memory-safe buffer for sensitive data. In
// Hearth that means the server's ed25519 signing key seed, the age
// identity that unseals it, and the event store's encryption key.
//
// [Buffer] allocates memory outside the Go heap via mmap(MAP_ANONYMOUS),
// locks it into physical RAM via mlock (preventing swap), and marks it
// excluded from core dumps via madvise(MADV_DONTDUMP). On Close, the
// memory is zeroed, unlocked, and unmapped. Because the memory lives
// outside the Go heap, the garbage collector cannot copy or relocate
// it, guaranteeing key material does not persist after release.
//
// Constructors:
//
//   - [New] — allocates a zero-filled buffer of a given size
//   - [NewFromBytes] — copies into protected memory, zeros the source
//   - [ReadFromPath] — reads from a file or stdin, trims whitespace
//
// Access via [Buffer.Bytes] (slice into the mmap region) or
// [Buffer.String] (heap copy for API boundaries that demand strings).
// After Close, any access panics. Close is idempotent.
//
// Depends on golang.org/x/sys/unix. No Hearth-internal dependencies.
// Imported by lib/sealed and lib/signing for key protection.
package secret
