// Package replication computes, per connection, the messages that bring a
// client's view of the world in line with what it may currently see.
package replication

import (
	"errors"
	"maps"
	"slices"

	"github.com/zeusync/scopesync/internal/core/scope"
	"github.com/zeusync/scopesync/internal/core/wire"
	"github.com/zeusync/scopesync/internal/core/world"
)

// Sink accepts outgoing messages. session.Endpoint implements it.
type Sink interface {
	SendReliable(msg wire.Message, onAck func()) error
	SendUnreliable(msg wire.Message, onAck, onLost func()) error
}

// State is where a record is in its lifecycle.
type State uint8

const (
	// StateAdding means the add was sent and is not acknowledged yet.
	StateAdding State = iota + 1
	StateLive
	// StateRemoving means the remove was sent; the record is forgotten once
	// it is acknowledged.
	StateRemoving
)

func (s State) String() string {
	switch s {
	case StateAdding:
		return "adding"
	case StateLive:
		return "live"
	case StateRemoving:
		return "removing"
	default:
		return "unknown"
	}
}

type componentRecord struct {
	state State

	// last value sent, optimistic
	sentDigest uint64
	sentValid  bool
	sends      uint64

	// last value the client confirmed
	ackedDigest uint64
	ackedValid  bool
	ackedSend   uint64
}

type entityRecord struct {
	state      State
	components map[world.TypeID]*componentRecord
}

// Stats counts messages emitted by a tracker.
type Stats struct {
	EntityAdds       uint64
	EntityRemoves    uint64
	ComponentAdds    uint64
	ComponentUpdates uint64
	ComponentRemoves uint64
	Invalidations    uint64
}

// Tracker is the client-known state of one connection. Its methods and the
// callbacks it hands to the Sink must run on one goroutine at a time.
type Tracker struct {
	entities map[world.Handle]*entityRecord
	stats    Stats
}

func NewTracker() *Tracker {
	return &Tracker{entities: make(map[world.Handle]*entityRecord)}
}

// Diff emits the messages that move the client towards the visible subset of
// snap. Entity and attachment changes are reliable and take effect on
// acknowledgement; value changes are best effort and recorded when sent.
func (t *Tracker) Diff(snap *world.Snapshot, visible scope.Set, sink Sink) error {
	var errs []error

	// entities leaving scope, including despawned and stale handles
	for _, h := range slices.SortedFunc(maps.Keys(t.entities), compareHandles) {
		rec := t.entities[h]
		if rec.state == StateRemoving || visible.Has(h) {
			continue
		}
		if err := t.removeEntity(h, rec, sink); err != nil {
			errs = append(errs, err)
		}
	}

	for _, view := range snap.Entities() {
		if !visible.Has(view.Handle) {
			continue
		}
		rec, known := t.entities[view.Handle]
		switch {
		case !known:
			if err := t.addEntity(view, sink); err != nil {
				errs = append(errs, err)
			}
		case rec.state == StateRemoving:
			// re-added once the pending remove is acknowledged
		default:
			if err := t.syncComponents(view, rec, sink); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (t *Tracker) addEntity(view world.EntityView, sink Sink) error {
	h := view.Handle
	rec := &entityRecord{state: StateAdding, components: make(map[world.TypeID]*componentRecord, len(view.Components))}
	err := sink.SendReliable(wire.EntityAdd(h), func() {
		if t.entities[h] == rec && rec.state == StateAdding {
			rec.state = StateLive
		}
	})
	if err != nil {
		return err
	}
	t.entities[h] = rec
	t.stats.EntityAdds++

	var errs []error
	for _, c := range view.Components {
		if err := t.addComponent(h, rec, c, sink); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Tracker) removeEntity(h world.Handle, rec *entityRecord, sink Sink) error {
	err := sink.SendReliable(wire.EntityRemove(h), func() {
		if t.entities[h] == rec {
			delete(t.entities, h)
		}
	})
	if err != nil {
		return err
	}
	rec.state = StateRemoving
	t.stats.EntityRemoves++
	return nil
}

func (t *Tracker) addComponent(h world.Handle, rec *entityRecord, c world.ComponentState, sink Sink) error {
	cr := &componentRecord{state: StateAdding, sentDigest: c.Digest, sentValid: true, sends: 1}
	err := sink.SendReliable(wire.ComponentAdd(h, c), func() {
		if rec.components[c.Type] != cr {
			return
		}
		if cr.state == StateAdding {
			cr.state = StateLive
		}
		if cr.ackedSend < 1 {
			cr.ackedDigest, cr.ackedValid, cr.ackedSend = c.Digest, true, 1
		}
	})
	if err != nil {
		return err
	}
	rec.components[c.Type] = cr
	t.stats.ComponentAdds++
	return nil
}

func (t *Tracker) syncComponents(view world.EntityView, rec *entityRecord, sink Sink) error {
	h := view.Handle
	var errs []error

	for _, c := range view.Components {
		cr, ok := rec.components[c.Type]
		if !ok || cr.state == StateRemoving {
			if err := t.addComponent(h, rec, c, sink); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if rec.state != StateLive || cr.state != StateLive {
			continue
		}
		if cr.sentValid && cr.sentDigest == c.Digest {
			continue
		}
		if err := t.updateComponent(h, cr, rec, c, sink); err != nil {
			errs = append(errs, err)
		}
	}

	for _, typ := range slices.Sorted(maps.Keys(rec.components)) {
		cr := rec.components[typ]
		if cr.state == StateRemoving {
			continue
		}
		if _, attached := view.Component(typ); attached {
			continue
		}
		err := sink.SendReliable(wire.ComponentRemove(h, typ), func() {
			if rec.components[typ] == cr {
				delete(rec.components, typ)
			}
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		cr.state = StateRemoving
		t.stats.ComponentRemoves++
	}
	return errors.Join(errs...)
}

func (t *Tracker) updateComponent(h world.Handle, cr *componentRecord, rec *entityRecord, c world.ComponentState, sink Sink) error {
	send := cr.sends + 1
	digest := c.Digest
	err := sink.SendUnreliable(wire.ComponentUpdate(h, c),
		func() {
			if rec.components[c.Type] == cr && send > cr.ackedSend {
				cr.ackedDigest, cr.ackedValid, cr.ackedSend = digest, true, send
			}
		},
		func() {
			// only the newest value matters; an older loss was superseded
			if rec.components[c.Type] == cr && cr.sentValid && cr.sentDigest == digest {
				cr.sentValid = false
				t.stats.Invalidations++
			}
		},
	)
	if err != nil {
		return err
	}
	cr.sends = send
	cr.sentDigest, cr.sentValid = digest, true
	t.stats.ComponentUpdates++
	return nil
}

// KnownEntity is the tracker's view of one entity, for inspection.
type KnownEntity struct {
	State      State
	Components map[world.TypeID]KnownComponent
}

type KnownComponent struct {
	State       State
	SentDigest  uint64
	SentValid   bool
	AckedDigest uint64
	AckedValid  bool
}

// Known returns a copy of the client-known state.
func (t *Tracker) Known() map[world.Handle]KnownEntity {
	out := make(map[world.Handle]KnownEntity, len(t.entities))
	for h, rec := range t.entities {
		ke := KnownEntity{State: rec.state, Components: make(map[world.TypeID]KnownComponent, len(rec.components))}
		for typ, cr := range rec.components {
			ke.Components[typ] = KnownComponent{
				State:       cr.state,
				SentDigest:  cr.sentDigest,
				SentValid:   cr.sentValid,
				AckedDigest: cr.ackedDigest,
				AckedValid:  cr.ackedValid,
			}
		}
		out[h] = ke
	}
	return out
}

// Converged reports whether the client confirmed exactly the visible subset
// of snap, with every component at its snapshot value.
func (t *Tracker) Converged(snap *world.Snapshot, visible scope.Set) bool {
	if len(t.entities) != len(visible) {
		return false
	}
	for h := range visible {
		rec, ok := t.entities[h]
		if !ok || rec.state != StateLive {
			return false
		}
		view, ok := snap.Lookup(h)
		if !ok || len(view.Components) != len(rec.components) {
			return false
		}
		for _, c := range view.Components {
			cr, ok := rec.components[c.Type]
			if !ok || cr.state != StateLive || !cr.ackedValid || cr.ackedDigest != c.Digest {
				return false
			}
		}
	}
	return true
}

// Len is the number of entities the tracker holds a record for.
func (t *Tracker) Len() int { return len(t.entities) }

func (t *Tracker) Stats() Stats { return t.stats }

func compareHandles(a, b world.Handle) int {
	switch {
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	default:
		return 0
	}
}
