// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cursor

import (
	"encoding/base64"

	"github.com/bureau-foundation/hearth/lib/codec"
	"github.com/bureau-foundation/hearth/lib/errs"
)

// position is the decoded form of a sync token: a position in the
// server-wide commit sequence. The encoding is canonical CBOR so that
// equal positions always produce byte-identical tokens.
type position struct {
	Seq uint64 `cbor:"seq"`
}

// EncodeToken renders a commit sequence number as an opaque sync
// token: unpadded base64url over the canonical CBOR position record.
func EncodeToken(seq uint64) string {
	raw, err := codec.Marshal(position{Seq: seq})
	if err != nil {
		// position has no encodable failure mode.
		panic("cursor: encoding token: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeToken recovers the commit sequence from a sync token. A token
// that does not decode is rejected as stale: the client holds
// something this server never issued, and must resume without it.
func DecodeToken(token string) (uint64, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, errs.New(errs.CodeStaleToken, "undecodable sync token %q: %v", token, err)
	}
	var pos position
	if err := codec.Unmarshal(raw, &pos); err != nil {
		return 0, errs.New(errs.CodeStaleToken, "undecodable sync token %q: %v", token, err)
	}
	return pos.Seq, nil
}
