// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package errs defines Hearth's coded error taxonomy.
//
// Every failure the core surfaces — to federation peers, to the
// control socket, to operators — carries one of the codes below. The
// code decides policy: whether the caller retries, triggers a
// backfill, performs a full resync, or gives up. Free-text messages
// are for humans; code comparisons are the only programmatic contract.
//
// Callers classify with the helpers:
//
//	if errs.Is(err, errs.CodeMissingAuthEvent) { ... backfill ... }
//	if errs.Recoverable(err) { ... retry ... }
package errs

import (
	"errors"
	"fmt"
)

// Error codes. The string values cross process boundaries (control
// socket responses, quarantine reports, logs) and must stay stable.
const (
	// CodeMalformedEvent: the event fails structural validation
	// (bad identifiers, missing prev_events, cycle, oversized,
	// undecodable). Not recoverable; the event never reaches state.
	CodeMalformedEvent = "HEARTH_MALFORMED_EVENT"

	// CodeUnknownRoom: the event references a room this server has
	// never seen and the event does not create one. Not recoverable.
	CodeUnknownRoom = "HEARTH_UNKNOWN_ROOM"

	// CodeNotFound: a requested event or record is absent.
	CodeNotFound = "HEARTH_NOT_FOUND"

	// CodeMissingAuthEvent: an auth ancestor is not locally available.
	// Recoverable: fetch the missing events from a peer, then retry.
	CodeMissingAuthEvent = "HEARTH_MISSING_AUTH_EVENT"

	// CodeAuthCheckFailed: the event is authorized by nothing in the
	// state it claims. Permanently rejected.
	CodeAuthCheckFailed = "HEARTH_AUTH_CHECK_FAILED"

	// CodeFederationTimeout: a remote server did not answer within
	// the per-request deadline. Recoverable: try the next candidate.
	CodeFederationTimeout = "HEARTH_FEDERATION_TIMEOUT"

	// CodeStateDivergence: two resolutions of the same inputs
	// disagreed. Fatal for the room: mutation halts and the room is
	// quarantined for operator investigation.
	CodeStateDivergence = "HEARTH_STATE_DIVERGENCE"

	// CodeStaleToken: a cursor advance moved backwards. Recoverable
	// no-op; the connection keeps its stored position.
	CodeStaleToken = "HEARTH_STALE_TOKEN"

	// CodeCursorExpired: the resumed token fell below the retention
	// floor. The cursor was clamped; the client must full-resync.
	CodeCursorExpired = "HEARTH_CURSOR_EXPIRED"

	// CodeUnsupportedRoomVersion: the room version has no registered
	// ruleset. Not recoverable.
	CodeUnsupportedRoomVersion = "HEARTH_UNSUPPORTED_ROOM_VERSION"

	// CodeRoomQuarantined: the room halted on a divergence and an
	// operator has not cleared it. Mutations are refused.
	CodeRoomQuarantined = "HEARTH_ROOM_QUARANTINED"

	// CodeJoinFailed: every candidate resident server was exhausted.
	// Surfaced to the requester as a denial with the last cause.
	CodeJoinFailed = "HEARTH_JOIN_FAILED"
)

// Error is a coded error. Callers extract it with errors.As or use the
// package helpers; the wrapped cause (if any) participates in
// errors.Is/As chains.
type Error struct {
	// Code is one of the Code* constants.
	Code string `json:"code"`
	// Message is the human-readable description.
	Message string `json:"message"`
	// cause is the underlying error, if any. Not serialized.
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs a coded error with a formatted message.
func New(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs a coded error around a cause. The cause remains
// reachable through errors.Is/As.
func Wrap(code string, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Is reports whether err is (or wraps) a coded error with the given
// code.
func Is(err error, code string) bool {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code == code
	}
	return false
}

// Code returns the code of err, or "" when err carries none.
func Code(err error) string {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

// Recoverable reports whether the caller may retry after err:
// missing auth events (after backfill), federation timeouts (against
// the next candidate), stale tokens and expired cursors (the client
// resynchronizes). Everything else — and any uncoded error — is not
// recoverable.
func Recoverable(err error) bool {
	switch Code(err) {
	case CodeMissingAuthEvent, CodeFederationTimeout, CodeStaleToken, CodeCursorExpired:
		return true
	}
	return false
}
