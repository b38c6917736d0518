// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signing

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/bureau-foundation/hearth/lib/ref"
)

// Errors returned by signature verification.
var (
	ErrNoSignature      = errors.New("signing: no signature from server with key")
	ErrInvalidSignature = errors.New("signing: invalid ed25519 signature")
)

// Signatures is the signature block carried on an event: server name →
// key ID → unpadded URL-safe base64 signature bytes.
type Signatures map[string]map[string]string

// Attach records a signature, allocating nested maps as needed.
// Returns the block so callers can assign the result back when the
// receiver was nil:
//
//	event.Signatures = event.Signatures.Attach(server, key.ID, sig)
func (s Signatures) Attach(server ref.ServerName, keyID KeyID, signature []byte) Signatures {
	if s == nil {
		s = make(Signatures, 1)
	}
	byKey := s[server.String()]
	if byKey == nil {
		byKey = make(map[string]string, 1)
		s[server.String()] = byKey
	}
	byKey[keyID.String()] = base64.RawURLEncoding.EncodeToString(signature)
	return s
}

// Signature returns the decoded signature bytes for (server, keyID),
// or false if the block has no such entry or it fails to decode.
func (s Signatures) Signature(server ref.ServerName, keyID KeyID) ([]byte, bool) {
	byKey, ok := s[server.String()]
	if !ok {
		return nil, false
	}
	encoded, ok := byKey[keyID.String()]
	if !ok {
		return nil, false
	}
	signature, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false
	}
	return signature, true
}

// Servers returns the names of all servers with at least one entry in
// the block. Order is unspecified.
func (s Signatures) Servers() []string {
	servers := make([]string, 0, len(s))
	for server := range s {
		servers = append(servers, server)
	}
	return servers
}

// Copy returns a deep copy of the block. A nil receiver copies to nil.
func (s Signatures) Copy() Signatures {
	if s == nil {
		return nil
	}
	out := make(Signatures, len(s))
	for server, byKey := range s {
		copied := make(map[string]string, len(byKey))
		for keyID, signature := range byKey {
			copied[keyID] = signature
		}
		out[server] = copied
	}
	return out
}

// ValidateStructure checks the shape of the block without any key
// material: every server name must parse, every key ID must name a
// supported algorithm, and every signature must be unpadded URL-safe
// base64 of exactly one ed25519 signature. This is the ingest-time
// check applied even when the signing server's public key is unknown.
func (s Signatures) ValidateStructure() error {
	for server, byKey := range s {
		if _, err := ref.ParseServerName(server); err != nil {
			return fmt.Errorf("signature block names invalid server: %w", err)
		}
		if len(byKey) == 0 {
			return fmt.Errorf("signature block for %s is empty", server)
		}
		for keyID, encoded := range byKey {
			if _, err := ParseKeyID(keyID); err != nil {
				return fmt.Errorf("signature block for %s: %w", server, err)
			}
			signature, err := base64.RawURLEncoding.DecodeString(encoded)
			if err != nil {
				return fmt.Errorf("signature %s from %s is not valid base64: %w", keyID, server, err)
			}
			if len(signature) != ed25519.SignatureSize {
				return fmt.Errorf("signature %s from %s has %d bytes, want %d", keyID, server, len(signature), ed25519.SignatureSize)
			}
		}
	}
	return nil
}

// VerifyServer checks that the block carries a valid signature over
// message by the given server and key. Returns ErrNoSignature if the
// entry is absent, ErrInvalidSignature if it does not verify.
func (s Signatures) VerifyServer(server ref.ServerName, keyID KeyID, public ed25519.PublicKey, message []byte) error {
	signature, ok := s.Signature(server, keyID)
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrNoSignature, server, keyID)
	}
	if !VerifyBytes(public, message, signature) {
		return fmt.Errorf("%w: %s %s", ErrInvalidSignature, server, keyID)
	}
	return nil
}
