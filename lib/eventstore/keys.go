// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"encoding/binary"
	"fmt"

	"github.com/bureau-foundation/hearth/lib/ref"
)

// Key builders. Every key family is a short ASCII prefix followed by
// identifier text or big-endian integers, so Pebble's lexicographic
// order gives the scans the store needs: commit log in sequence order,
// a room's extremities under one prefix, a parent's children under one
// prefix.

var (
	eventPrefix     = []byte("e/")
	seqPrefix       = []byte("s/")
	roomPrefix      = []byte("r/")
	edgePrefix      = []byte("g/")
	extremitySeg    = []byte("/x/")
	versionSuffix   = []byte("/v")
	metaSeqKey      = []byte("m/seq")
	metaEarliestKey = []byte("m/earliest")
	metaKeyCheckKey = []byte("m/keycheck")
	metaRedactSeg   = []byte("m/redact/")
)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// keyEvent builds e/<event-id>.
func keyEvent(id ref.EventID) []byte {
	k := make([]byte, 0, len(eventPrefix)+len(id.String()))
	k = append(k, eventPrefix...)
	return append(k, id.String()...)
}

// keySeq builds s/<seq-be8>.
func keySeq(seq uint64) []byte {
	k := make([]byte, 0, len(seqPrefix)+8)
	k = append(k, seqPrefix...)
	return appendBE8(k, seq)
}

// seqFromKey recovers the sequence from a commit log key.
func seqFromKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(seqPrefix):])
}

// keyExtremity builds r/<room-id>/x/<event-id>.
func keyExtremity(room ref.RoomID, id ref.EventID) []byte {
	k := keyExtremityPrefix(room)
	return append(k, id.String()...)
}

// keyExtremityPrefix builds r/<room-id>/x/ for prefix scans.
func keyExtremityPrefix(room ref.RoomID) []byte {
	k := make([]byte, 0, len(roomPrefix)+len(room.String())+len(extremitySeg)+48)
	k = append(k, roomPrefix...)
	k = append(k, room.String()...)
	return append(k, extremitySeg...)
}

// keyRoomVersion builds r/<room-id>/v.
func keyRoomVersion(room ref.RoomID) []byte {
	k := make([]byte, 0, len(roomPrefix)+len(room.String())+len(versionSuffix))
	k = append(k, roomPrefix...)
	k = append(k, room.String()...)
	return append(k, versionSuffix...)
}

// keyEdge builds g/<parent-id>/<child-id>: child extends parent.
func keyEdge(parent, child ref.EventID) []byte {
	k := keyEdgePrefix(parent)
	return append(k, child.String()...)
}

// keyEdgePrefix builds g/<parent-id>/ for child scans.
func keyEdgePrefix(parent ref.EventID) []byte {
	k := make([]byte, 0, len(edgePrefix)+len(parent.String())+1+48)
	k = append(k, edgePrefix...)
	k = append(k, parent.String()...)
	return append(k, '/')
}

// keyRedaction builds m/redact/<target-event-id>.
func keyRedaction(target ref.EventID) []byte {
	k := make([]byte, 0, len(metaRedactSeg)+len(target.String()))
	k = append(k, metaRedactSeg...)
	return append(k, target.String()...)
}

// seqBytes encodes a sequence as 8 big-endian bytes.
func seqBytes(seq uint64) []byte {
	return appendBE8(nil, seq)
}

// seqFromBytes decodes an 8-byte big-endian sequence value.
func seqFromBytes(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// encodeRecord prepends the commit sequence to a sealed payload: the
// value stored under e/<event-id>.
func encodeRecord(seq uint64, sealed []byte) []byte {
	out := make([]byte, 0, 8+len(sealed))
	out = appendBE8(out, seq)
	return append(out, sealed...)
}

// recordSeq recovers the commit sequence from a stored record value.
func recordSeq(record []byte) (uint64, error) {
	if len(record) < 8 {
		return 0, fmt.Errorf("stored record is truncated (%d bytes)", len(record))
	}
	return binary.BigEndian.Uint64(record[:8]), nil
}

// prefixUpperBound returns the smallest key greater than every key
// with the given prefix, for use as an exclusive iterator upper bound.
func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	// All 0xff: no upper bound exists; scan to the end.
	return nil
}
