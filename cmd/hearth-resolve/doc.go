// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// hearth-resolve replays a CBOR event dump offline and prints the
// resolved room state. It is the debugging companion to hearthd: feed
// it the events of a forked room (from a file or stdin) and it commits
// them into a throwaway store, resolves the state at every fork point,
// and reports the final state alongside a log of every conflicted slot
// with the winning and discarded candidates.
//
// Dumps holding events from several rooms need --room to pick one.
// The rule table ships built in; --rules points at an override file
// for experimenting with resolution behavior.
package main
