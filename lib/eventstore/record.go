// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/bureau-foundation/hearth/lib/ref"
	"github.com/bureau-foundation/hearth/lib/secret"
)

// Record envelope. A stored event payload is
//
//	[version 1B] [compression tag 1B] [uncompressed size 4B BE] [payload]
//
// and, when the store is encrypted, that whole envelope minus the
// version byte is sealed:
//
//	[version 1B] [nonce 24B] [AEAD ciphertext]
//
// The version byte and the event ID are the AEAD additional data, so a
// record cannot be swapped under another event's key, and a version
// downgrade fails authentication. These values are storage format
// constants; changing any of them orphans existing stores.
const (
	recordPlain  byte = 0x01
	recordSealed byte = 0x02

	recordHeaderSize = 1 + 1 + 4
)

// compressionTag identifies the compression applied to a record
// payload.
type compressionTag byte

const (
	compressionNone compressionTag = 0
	compressionLZ4  compressionTag = 1
	compressionZstd compressionTag = 2
)

// storeKeySize is the required store encryption key length.
const storeKeySize = 32

// hkdfInfoRecord is the HKDF-SHA256 info prefix for per-record key
// derivation; the event ID is appended per record.
var hkdfInfoRecord = []byte("hearth.store.record.v1")

// keyCheckDomain keys the BLAKE3 check value written to m/keycheck,
// letting Open reject a wrong store key before any record is touched.
var keyCheckDomain = []byte("hearth.store.keycheck.v1")

// Shared zstd coder pair, reused across records; both are safe for
// concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("eventstore: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("eventstore: zstd decoder initialization failed: " + err.Error())
	}
}

// recordSealer turns wire event bytes into stored record payloads and
// back: compression always, encryption when a store key is present.
type recordSealer struct {
	// key is the 32-byte store key, or nil for a plaintext store.
	// Owned by the sealer; closed by the Store on Close.
	key *secret.Buffer

	// compression forces a codec ("zstd", "lz4", "none"); empty picks
	// adaptively per record.
	compression string
}

func newRecordSealer(key *secret.Buffer, compression string) (*recordSealer, error) {
	if key != nil && key.Len() != storeKeySize {
		return nil, fmt.Errorf("store encryption key must be %d bytes, got %d", storeKeySize, key.Len())
	}
	switch compression {
	case "", "zstd", "lz4", "none":
	default:
		return nil, fmt.Errorf("unknown compression codec %q", compression)
	}
	return &recordSealer{key: key, compression: compression}, nil
}

func (s *recordSealer) encrypted() bool { return s.key != nil }

// checkValue returns the BLAKE3 keyed check value for the store key.
func (s *recordSealer) checkValue() []byte {
	hasher, err := blake3.NewKeyed(s.key.Bytes())
	if err != nil {
		panic("eventstore: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(keyCheckDomain)
	return hasher.Sum(nil)
}

// seal builds the stored record payload for an event's wire bytes.
func (s *recordSealer) seal(id ref.EventID, wire []byte) ([]byte, error) {
	compressed, tag := compressRecord(wire, s.compression)

	envelope := make([]byte, recordHeaderSize, recordHeaderSize+len(compressed))
	envelope[0] = recordPlain
	envelope[1] = byte(tag)
	binary.BigEndian.PutUint32(envelope[2:6], uint32(len(wire)))
	envelope = append(envelope, compressed...)

	if !s.encrypted() {
		return envelope, nil
	}

	recordKey, err := s.deriveRecordKey(id)
	if err != nil {
		return nil, err
	}
	defer recordKey.Close()

	aead, err := chacha20poly1305.NewX(recordKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("creating record cipher: %w", err)
	}
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating record nonce: %w", err)
	}

	sealed := make([]byte, 1+chacha20poly1305.NonceSizeX, 1+chacha20poly1305.NonceSizeX+len(envelope)-1+aead.Overhead())
	sealed[0] = recordSealed
	copy(sealed[1:], nonce[:])
	return aead.Seal(sealed, nonce[:], envelope[1:], recordAAD(id)), nil
}

// open recovers the wire event bytes from a stored record payload.
func (s *recordSealer) open(id ref.EventID, stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, fmt.Errorf("record for %s is empty", id)
	}

	var envelope []byte
	switch stored[0] {
	case recordPlain:
		envelope = stored[1:]

	case recordSealed:
		if !s.encrypted() {
			return nil, fmt.Errorf("record for %s is encrypted but the store has no key", id)
		}
		if len(stored) < 1+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
			return nil, fmt.Errorf("record for %s is too short for its encryption framing", id)
		}
		recordKey, err := s.deriveRecordKey(id)
		if err != nil {
			return nil, err
		}
		defer recordKey.Close()

		aead, err := chacha20poly1305.NewX(recordKey.Bytes())
		if err != nil {
			return nil, fmt.Errorf("creating record cipher: %w", err)
		}
		nonce := stored[1 : 1+chacha20poly1305.NonceSizeX]
		ciphertext := stored[1+chacha20poly1305.NonceSizeX:]
		envelope, err = aead.Open(nil, nonce, ciphertext, recordAAD(id))
		if err != nil {
			return nil, fmt.Errorf("decrypting record for %s (wrong key or tampered record): %w", id, err)
		}

	default:
		return nil, fmt.Errorf("record for %s has unknown format version %d", id, stored[0])
	}

	if len(envelope) < recordHeaderSize-1 {
		return nil, fmt.Errorf("record for %s is truncated", id)
	}
	tag := compressionTag(envelope[0])
	size := int(binary.BigEndian.Uint32(envelope[1:5]))
	return decompressRecord(envelope[5:], tag, size)
}

// deriveRecordKey derives the per-record encryption key: HKDF-SHA256
// of the store key with the record's event ID in the info string.
func (s *recordSealer) deriveRecordKey(id ref.EventID) (*secret.Buffer, error) {
	info := make([]byte, 0, len(hkdfInfoRecord)+len(id.String()))
	info = append(info, hkdfInfoRecord...)
	info = append(info, id.String()...)

	reader := hkdf.New(sha256.New, s.key.Bytes(), nil, info)
	derived := make([]byte, storeKeySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		secret.Zero(derived)
		return nil, fmt.Errorf("deriving record key: %w", err)
	}
	return secret.NewFromBytes(derived)
}

// recordAAD binds a sealed record to its format version and event ID.
func recordAAD(id ref.EventID) []byte {
	aad := make([]byte, 0, 1+len(id.String()))
	aad = append(aad, recordSealed)
	return append(aad, id.String()...)
}

// compressRecord picks the record coding. A forced codec applies
// unconditionally (lz4 still falls back to raw when it cannot beat the
// input size). The adaptive default probes zstd on the wire bytes: a
// ratio of 1.5x or better keeps zstd, 1.1x or better switches to the
// cheaper lz4, anything less stores raw. The returned payload aliases
// data when the tag is compressionNone.
func compressRecord(data []byte, prefer string) ([]byte, compressionTag) {
	if len(data) == 0 {
		return data, compressionNone
	}

	switch prefer {
	case "none":
		return data, compressionNone
	case "zstd":
		return zstdEncoder.EncodeAll(data, nil), compressionZstd
	case "lz4":
		if payload, ok := compressLZ4(data); ok {
			return payload, compressionLZ4
		}
		return data, compressionNone
	}

	compressed := zstdEncoder.EncodeAll(data, nil)
	ratio := float64(len(data)) / float64(len(compressed))
	switch {
	case ratio >= 1.5:
		return compressed, compressionZstd
	case ratio >= 1.1:
		if lz4Payload, ok := compressLZ4(data); ok {
			return lz4Payload, compressionLZ4
		}
		return compressed, compressionZstd
	default:
		return data, compressionNone
	}
}

func decompressRecord(payload []byte, tag compressionTag, size int) ([]byte, error) {
	switch tag {
	case compressionNone:
		if len(payload) != size {
			return nil, fmt.Errorf("raw record payload has %d bytes, header says %d", len(payload), size)
		}
		return payload, nil

	case compressionLZ4:
		out := make([]byte, size)
		read, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, header says %d", read, size)
		}
		return out, nil

	case compressionZstd:
		out, err := zstdDecoder.DecodeAll(payload, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, header says %d", len(out), size)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unknown compression tag %d", byte(tag))
	}
}

// compressLZ4 block-compresses data, reporting false when lz4 cannot
// beat the raw size.
func compressLZ4(data []byte) ([]byte, bool) {
	bound := lz4.CompressBlockBound(len(data))
	out := make([]byte, bound)
	written, err := lz4.CompressBlock(data, out, nil)
	if err != nil || written == 0 || written >= len(data) {
		return nil, false
	}
	return out[:written], true
}
