// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"math/rand"
	"sort"

	"github.com/bureau-foundation/hearth/lib/ref"
)

// Member is one joined room member as seen in a state snapshot,
// carrying the power level the snapshot assigns them.
type Member struct {
	User  ref.UserID
	Power int64
}

// OrderCandidates produces the server list a join attempt walks:
// caller-named servers first in their given order, then the members'
// servers ordered by the highest power level present on each, shuffled
// within equal power. Duplicates collapse to their first position and
// the joining server itself is excluded.
func OrderCandidates(named []ref.ServerName, members []Member, self ref.ServerName) []ref.ServerName {
	seen := make(map[ref.ServerName]struct{}, len(named)+len(members))
	seen[self] = struct{}{}

	out := make([]ref.ServerName, 0, len(named)+len(members))
	for _, server := range named {
		if _, dup := seen[server]; dup || server.IsZero() {
			continue
		}
		seen[server] = struct{}{}
		out = append(out, server)
	}

	// Highest power among each server's members decides its rank.
	power := make(map[ref.ServerName]int64)
	for _, member := range members {
		server := member.User.Server()
		if _, dup := seen[server]; dup {
			continue
		}
		if current, ok := power[server]; !ok || member.Power > current {
			power[server] = member.Power
		}
	}

	inferred := make([]ref.ServerName, 0, len(power))
	for server := range power {
		inferred = append(inferred, server)
	}
	rand.Shuffle(len(inferred), func(i, j int) {
		inferred[i], inferred[j] = inferred[j], inferred[i]
	})
	// Stable sort keeps the shuffled order within equal power.
	sort.SliceStable(inferred, func(i, j int) bool {
		return power[inferred[i]] > power[inferred[j]]
	})

	return append(out, inferred...)
}
