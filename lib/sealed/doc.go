// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed provides age encryption for Hearth key material at
// rest. It wraps filippo.io/age for the specific operations Hearth
// needs: generate an identity, seal the server's ed25519 signing seed
// to one or more recipients, and unseal it at daemon startup.
//
// The sealed signing key file is the only place the signing seed
// touches disk. Recipients are the machine's own age public key plus
// any operator escrow keys, so a lost machine identity does not mean a
// lost server identity. hearth-keygen produces both files; hearthd
// unseals at startup and keeps the seed in a secret.Buffer for the
// process lifetime.
//
// Private keys and unsealed plaintext are returned as *secret.Buffer
// values, backed by mmap memory outside the Go heap (locked against
// swap, excluded from core dumps, zeroed on close).
package sealed
