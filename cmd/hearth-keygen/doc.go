// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// hearth-keygen generates the key material a hearthd deployment needs:
// an age x25519 identity, an ed25519 server signing key sealed to that
// identity (and any extra escrow recipients), and optionally a sealed
// 32-byte event store encryption key.
//
// All files are written with mode 0600. The identity file is the only
// secret stored in the clear; everything else is age ciphertext that
// any listed recipient can unseal.
package main
