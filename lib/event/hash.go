// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"slices"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/hearth/lib/codec"
	"github.com/bureau-foundation/hearth/lib/ref"
)

// HashSize is the size of every event-layer BLAKE3 digest.
const HashSize = 32

// domainKey is a 32-byte key for BLAKE3 keyed hashing. Domain
// separation keeps the event-ID hash and the content hash from ever
// colliding across contexts. Keys are the ASCII domain name
// zero-padded to 32 bytes: readable in hex dumps, opaque to BLAKE3.
type domainKey [32]byte

var (
	idDomainKey = domainKey{
		'h', 'e', 'a', 'r', 't', 'h', '.', 'e', 'v', 'e', 'n', 't', '.', 'i', 'd', 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	contentDomainKey = domainKey{
		'h', 'e', 'a', 'r', 't', 'h', '.', 'e', 'v', 'e', 'n', 't', '.', 'c', 'o', 'n',
		't', 'e', 'n', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// keyedHash computes the BLAKE3 keyed hash of data under the given
// domain key.
func keyedHash(key domainKey, data []byte) [HashSize]byte {
	// NewKeyed only fails on a wrong key length, which domainKey
	// makes impossible.
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("event: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var digest [HashSize]byte
	copy(digest[:], hasher.Sum(nil))
	return digest
}

// HashContent computes the content-domain hash of raw content bytes.
func HashContent(content []byte) []byte {
	digest := keyedHash(contentDomainKey, content)
	return digest[:]
}

// canonicalPayload is the hashed and signed subset of an event. The ID
// and the signature block are excluded: the ID is derived from these
// bytes, and signatures are attached over them.
type canonicalPayload struct {
	RoomID          ref.RoomID    `cbor:"room_id"`
	Type            string        `cbor:"type"`
	StateKey        *string       `cbor:"state_key,omitempty"`
	Sender          ref.UserID    `cbor:"sender"`
	OriginTimestamp int64         `cbor:"origin_timestamp"`
	PrevEvents      []ref.EventID `cbor:"prev_events"`
	AuthEvents      []ref.EventID `cbor:"auth_events"`
	Depth           int64         `cbor:"depth"`
	ContentHash     []byte        `cbor:"content_hash"`
	Content         []byte        `cbor:"content"`
}

// CanonicalBytes returns the canonical CBOR encoding of the event with
// the signature block and the ID stripped: the exact bytes that are
// hashed for the ID and signed by the origin server. The parent sets
// are sorted and deduplicated before encoding, so the result does not
// depend on wire ordering.
func (e *Event) CanonicalBytes() ([]byte, error) {
	payload := canonicalPayload{
		RoomID:          e.RoomID,
		Type:            e.Type,
		StateKey:        e.StateKey,
		Sender:          e.Sender,
		OriginTimestamp: e.OriginTimestamp,
		PrevEvents:      sortedUniqueIDs(e.PrevEvents),
		AuthEvents:      sortedUniqueIDs(e.AuthEvents),
		Depth:           e.Depth,
		ContentHash:     e.ContentHash,
		Content:         e.Content,
	}
	encoded, err := codec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding canonical event payload: %w", err)
	}
	return encoded, nil
}

// ComputeID derives the event ID from the canonical bytes: "$" plus
// the unpadded URL-safe base64 of the ID-domain BLAKE3 digest.
func (e *Event) ComputeID() (ref.EventID, error) {
	canonical, err := e.CanonicalBytes()
	if err != nil {
		return ref.EventID{}, err
	}
	digest := keyedHash(idDomainKey, canonical)
	return ref.ParseEventID("$" + base64.RawURLEncoding.EncodeToString(digest[:]))
}

// VerifyID recomputes the event ID from the canonical bytes and checks
// it against the carried ID.
func (e *Event) VerifyID() error {
	computed, err := e.ComputeID()
	if err != nil {
		return err
	}
	if computed != e.ID {
		return fmt.Errorf("event ID %s does not match content (computed %s)", e.ID, computed)
	}
	return nil
}

// VerifyContentHash checks the carried content hash against the
// content bytes. Fails on a redacted view: the hash always refers to
// the original content.
func (e *Event) VerifyContentHash() error {
	if len(e.ContentHash) != HashSize {
		return fmt.Errorf("content hash has %d bytes, want %d", len(e.ContentHash), HashSize)
	}
	if !bytes.Equal(e.ContentHash, HashContent(e.Content)) {
		return fmt.Errorf("content hash of %s does not match content", e.ID)
	}
	return nil
}

// sortedUniqueIDs returns a sorted, duplicate-free copy of ids. A nil
// or empty input returns an empty non-nil slice so the canonical
// encoding is identical either way.
func sortedUniqueIDs(ids []ref.EventID) []ref.EventID {
	out := make([]ref.EventID, len(ids))
	copy(out, ids)
	slices.SortFunc(out, func(a, b ref.EventID) int {
		return strings.Compare(a.String(), b.String())
	})
	return slices.Compact(out)
}
