// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	plain := New(CodeUnknownRoom, "room %s not known", "!abc:hearth.example.org")
	want := "HEARTH_UNKNOWN_ROOM: room !abc:hearth.example.org not known"
	if plain.Error() != want {
		t.Errorf("Error() = %q, want %q", plain.Error(), want)
	}

	wrapped := Wrap(CodeFederationTimeout, errors.New("dial tcp: i/o timeout"), "make_join against %s", "remote.example.org")
	if got := wrapped.Error(); got != "HEARTH_FEDERATION_TIMEOUT: make_join against remote.example.org: dial tcp: i/o timeout" {
		t.Errorf("Error() = %q", got)
	}
}

func TestIsMatchesThroughWrapping(t *testing.T) {
	base := New(CodeMissingAuthEvent, "missing $abc")
	wrapped := fmt.Errorf("validating event: %w", base)

	if !Is(wrapped, CodeMissingAuthEvent) {
		t.Error("Is should match through fmt.Errorf wrapping")
	}
	if Is(wrapped, CodeAuthCheckFailed) {
		t.Error("Is matched the wrong code")
	}
	if Is(errors.New("plain"), CodeMissingAuthEvent) {
		t.Error("Is matched an uncoded error")
	}
}

func TestUnwrapReachesCause(t *testing.T) {
	cause := errors.New("connection refused")
	wrapped := Wrap(CodeFederationTimeout, cause, "send_join")

	if !errors.Is(wrapped, cause) {
		t.Error("errors.Is should reach the wrapped cause")
	}
}

func TestCode(t *testing.T) {
	if got := Code(New(CodeStaleToken, "token went backwards")); got != CodeStaleToken {
		t.Errorf("Code = %q, want %q", got, CodeStaleToken)
	}
	if got := Code(errors.New("plain")); got != "" {
		t.Errorf("Code of uncoded error = %q, want empty", got)
	}
	if got := Code(nil); got != "" {
		t.Errorf("Code(nil) = %q, want empty", got)
	}
}

func TestRecoverable(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{CodeMissingAuthEvent, true},
		{CodeFederationTimeout, true},
		{CodeStaleToken, true},
		{CodeCursorExpired, true},
		{CodeMalformedEvent, false},
		{CodeUnknownRoom, false},
		{CodeAuthCheckFailed, false},
		{CodeStateDivergence, false},
		{CodeRoomQuarantined, false},
		{CodeJoinFailed, false},
	}

	for _, test := range tests {
		err := fmt.Errorf("outer: %w", New(test.code, "x"))
		if got := Recoverable(err); got != test.want {
			t.Errorf("Recoverable(%s) = %v, want %v", test.code, got, test.want)
		}
	}

	if Recoverable(errors.New("plain")) {
		t.Error("Recoverable(uncoded) should be false")
	}
	if Recoverable(nil) {
		t.Error("Recoverable(nil) should be false")
	}
}
