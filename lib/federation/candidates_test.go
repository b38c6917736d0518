// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"slices"
	"testing"

	"github.com/bureau-foundation/hearth/lib/ref"
)

func server(t *testing.T, raw string) ref.ServerName {
	t.Helper()
	s, err := ref.ParseServerName(raw)
	if err != nil {
		t.Fatalf("parsing server name %q: %v", raw, err)
	}
	return s
}

func TestOrderCandidatesNamedFirst(t *testing.T) {
	self := server(t, "self.test")
	members := []Member{
		{User: ref.MustParseUserID("@admin:high.test"), Power: 100},
		{User: ref.MustParseUserID("@user:low.test"), Power: 0},
	}
	named := []ref.ServerName{server(t, "hint.test")}

	got := OrderCandidates(named, members, self)
	want := []ref.ServerName{server(t, "hint.test"), server(t, "high.test"), server(t, "low.test")}
	if !slices.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestOrderCandidatesExcludesSelfAndDuplicates(t *testing.T) {
	self := server(t, "self.test")
	members := []Member{
		{User: ref.MustParseUserID("@me:self.test"), Power: 100},
		{User: ref.MustParseUserID("@a:other.test"), Power: 50},
		{User: ref.MustParseUserID("@b:other.test"), Power: 10},
		{User: ref.MustParseUserID("@c:hint.test"), Power: 75},
	}
	named := []ref.ServerName{server(t, "hint.test"), server(t, "hint.test"), self}

	got := OrderCandidates(named, members, self)
	want := []ref.ServerName{server(t, "hint.test"), server(t, "other.test")}
	if !slices.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestOrderCandidatesRanksByHighestMemberPower(t *testing.T) {
	self := server(t, "self.test")
	// weak.test's best member outranks strong.test's worst but not its
	// best; the server rank uses each server's best.
	members := []Member{
		{User: ref.MustParseUserID("@a:strong.test"), Power: 0},
		{User: ref.MustParseUserID("@b:strong.test"), Power: 100},
		{User: ref.MustParseUserID("@c:weak.test"), Power: 50},
	}

	got := OrderCandidates(nil, members, self)
	want := []ref.ServerName{server(t, "strong.test"), server(t, "weak.test")}
	if !slices.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}
