// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/bureau-foundation/hearth/lib/codec"
	"github.com/bureau-foundation/hearth/lib/sealed"
	"github.com/bureau-foundation/hearth/lib/secret"
)

// Algorithm is the only signature algorithm the server accepts.
const Algorithm = "ed25519"

// KeyID identifies a server signing key: "ed25519:<version>". The
// version part distinguishes rotated keys and is restricted to
// [A-Za-z0-9_] so key IDs survive any transport encoding unquoted.
type KeyID string

// ParseKeyID validates a wire-format key ID.
func ParseKeyID(s string) (KeyID, error) {
	algorithm, version, found := strings.Cut(s, ":")
	if !found {
		return "", fmt.Errorf("key ID %q missing ':' separator", s)
	}
	if algorithm != Algorithm {
		return "", fmt.Errorf("key ID %q has unsupported algorithm %q", s, algorithm)
	}
	if version == "" {
		return "", fmt.Errorf("key ID %q has empty version", s)
	}
	for _, c := range version {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_':
		default:
			return "", fmt.Errorf("key ID %q has invalid character %q in version", s, c)
		}
	}
	return KeyID(s), nil
}

// NewKeyID builds a key ID from a bare version string.
func NewKeyID(version string) (KeyID, error) {
	return ParseKeyID(Algorithm + ":" + version)
}

// Version returns the part after "ed25519:".
func (k KeyID) Version() string {
	_, version, _ := strings.Cut(string(k), ":")
	return version
}

func (k KeyID) String() string { return string(k) }

// Key is a server signing key. The seed is held in mmap-backed memory;
// the full ed25519 private key is derived per operation and zeroed
// immediately after use.
type Key struct {
	// ID is the key's wire identifier, e.g. "ed25519:v1".
	ID KeyID

	// Public is the ed25519 public key. Safe to publish; peers use it
	// to verify this server's event signatures.
	Public ed25519.PublicKey

	seed *secret.Buffer
}

// Generate creates a new signing key with the given version label.
// The caller must Close the key when done with it.
func Generate(version string) (*Key, error) {
	id, err := NewKeyID(version)
	if err != nil {
		return nil, err
	}

	seedBytes := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seedBytes); err != nil {
		return nil, fmt.Errorf("generating ed25519 seed: %w", err)
	}

	private := ed25519.NewKeyFromSeed(seedBytes)
	public := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(public, private[ed25519.SeedSize:])
	secret.Zero(private)

	seed, err := secret.NewFromBytes(seedBytes)
	if err != nil {
		return nil, fmt.Errorf("protecting ed25519 seed: %w", err)
	}

	return &Key{ID: id, Public: public, seed: seed}, nil
}

// Sign computes the ed25519 signature over message. The private key is
// derived from the protected seed for the duration of the call only.
func (k *Key) Sign(message []byte) []byte {
	private := ed25519.NewKeyFromSeed(k.seed.Bytes())
	signature := ed25519.Sign(private, message)
	secret.Zero(private)
	return signature
}

// Close releases the seed memory. The key cannot sign afterwards.
// Idempotent.
func (k *Key) Close() error {
	if k.seed != nil {
		return k.seed.Close()
	}
	return nil
}

// VerifyBytes reports whether signature is a valid ed25519 signature
// over message by the given public key.
func VerifyBytes(public ed25519.PublicKey, message, signature []byte) bool {
	if len(public) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(public, message, signature)
}

// sealedKey is the CBOR payload inside the age-sealed key file.
type sealedKey struct {
	Algorithm string `cbor:"1,keyasint"`
	Version   string `cbor:"2,keyasint"`
	Seed      []byte `cbor:"3,keyasint"`
}

// Seal writes the key's seed to path, age-encrypted to the given
// recipients. The public key is rederivable from the seed so only the
// seed and the key ID are stored.
func (k *Key) Seal(path string, recipientKeys []string) error {
	plaintext, err := codec.Marshal(sealedKey{
		Algorithm: Algorithm,
		Version:   k.ID.Version(),
		Seed:      k.seed.Bytes(),
	})
	if err != nil {
		return fmt.Errorf("encoding key for sealing: %w", err)
	}
	defer secret.Zero(plaintext)

	if err := sealed.SealToFile(path, plaintext, recipientKeys); err != nil {
		return fmt.Errorf("sealing signing key: %w", err)
	}
	return nil
}

// LoadSealed reads the sealed key file at path and decrypts it with
// the age identity. The caller must Close the returned key.
func LoadSealed(path string, identity *secret.Buffer) (*Key, error) {
	plaintext, err := sealed.UnsealFromFile(path, identity)
	if err != nil {
		return nil, fmt.Errorf("loading signing key: %w", err)
	}
	defer plaintext.Close()

	var stored sealedKey
	if err := codec.Unmarshal(plaintext.Bytes(), &stored); err != nil {
		return nil, fmt.Errorf("decoding sealed signing key: %w", err)
	}
	if stored.Algorithm != Algorithm {
		return nil, fmt.Errorf("sealed key has unsupported algorithm %q", stored.Algorithm)
	}
	if len(stored.Seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("sealed key seed has %d bytes, want %d", len(stored.Seed), ed25519.SeedSize)
	}
	id, err := NewKeyID(stored.Version)
	if err != nil {
		return nil, fmt.Errorf("sealed key has invalid version: %w", err)
	}

	private := ed25519.NewKeyFromSeed(stored.Seed)
	public := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(public, private[ed25519.SeedSize:])
	secret.Zero(private)

	seed, err := secret.NewFromBytes(stored.Seed)
	if err != nil {
		return nil, fmt.Errorf("protecting ed25519 seed: %w", err)
	}

	return &Key{ID: id, Public: public, seed: seed}, nil
}
