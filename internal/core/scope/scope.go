// Package scope decides which entities each client may observe.
package scope

import (
	"github.com/zeusync/scopesync/internal/core/protocol"
	"github.com/zeusync/scopesync/internal/core/world"
)

// Evaluator reports whether client should see e. It must be a pure function
// of its arguments for the duration of a tick; it is called from several
// goroutines at once.
type Evaluator func(client protocol.ClientID, e world.EntityView) bool

// AllVisible shows every entity to every client.
func AllVisible(protocol.ClientID, world.EntityView) bool { return true }

// Candidates narrows the entities worth evaluating for a client, e.g. from a
// spatial index. Handles not present in the snapshot are ignored.
type Candidates interface {
	Candidates(client protocol.ClientID, snap *world.Snapshot) []world.Handle
}

// CandidatesFunc adapts a function to Candidates.
type CandidatesFunc func(client protocol.ClientID, snap *world.Snapshot) []world.Handle

func (f CandidatesFunc) Candidates(client protocol.ClientID, snap *world.Snapshot) []world.Handle {
	return f(client, snap)
}

// Set is the visible entities of one client for one tick.
type Set map[world.Handle]struct{}

func (s Set) Has(h world.Handle) bool {
	_, ok := s[h]
	return ok
}

// Evaluate computes the visible set of client in snap. A nil evaluator means
// AllVisible; a nil candidates source means every entity is a candidate.
func Evaluate(client protocol.ClientID, snap *world.Snapshot, eval Evaluator, candidates Candidates) Set {
	if eval == nil {
		eval = AllVisible
	}

	if candidates == nil {
		entities := snap.Entities()
		visible := make(Set, len(entities))
		for _, e := range entities {
			if eval(client, e) {
				visible[e.Handle] = struct{}{}
			}
		}
		return visible
	}

	handles := candidates.Candidates(client, snap)
	visible := make(Set, len(handles))
	for _, h := range handles {
		e, ok := snap.Lookup(h)
		if ok && eval(client, e) {
			visible[h] = struct{}{}
		}
	}
	return visible
}
