package world

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"
)

type cell struct {
	value   Component
	version uint64
}

type slot struct {
	generation uint16
	alive      bool
	components map[TypeID]*cell
}

type cellKey struct {
	handle Handle
	typ    TypeID
}

type encoded struct {
	version uint64
	state   ComponentState
}

// World is the authoritative entity store. The owning application mutates it
// between ticks; Snapshot produces the immutable view the replication passes
// read concurrently.
//
// Components are held by value as handed over. Changing a component without
// calling Update is invisible to replication.
type World struct {
	mu      sync.RWMutex
	slots   []slot
	free    []uint32
	alive   int
	version uint64
	tick    uint64

	// encodings from the previous snapshot, reused while a component's
	// version is unchanged
	cache map[cellKey]encoded
}

func New() *World {
	return &World{cache: make(map[cellKey]encoded)}
}

// Spawn allocates an entity, reusing a freed slot when one exists.
func (w *World) Spawn() Handle {
	w.mu.Lock()
	defer w.mu.Unlock()

	var index uint32
	if n := len(w.free); n > 0 {
		index = w.free[n-1]
		w.free = w.free[:n-1]
	} else {
		index = uint32(len(w.slots))
		w.slots = append(w.slots, slot{generation: firstGeneration})
	}

	s := &w.slots[index]
	s.alive = true
	s.components = make(map[TypeID]*cell)
	w.alive++
	w.version++

	return Handle{Index: index, Generation: s.generation}
}

// Despawn destroys the entity and frees its slot. The slot generation is
// bumped so every outstanding handle to it becomes stale.
func (w *World) Despawn(h Handle) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	s, err := w.lookup(h)
	if err != nil {
		return err
	}
	s.alive = false
	s.components = nil
	s.generation = nextGeneration(s.generation)
	w.free = append(w.free, h.Index)
	w.alive--
	w.version++
	return nil
}

// Attach adds c to the entity. A type may be attached once.
func (w *World) Attach(h Handle, c Component) error {
	if c == nil {
		return ErrNilComponent
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	s, err := w.lookup(h)
	if err != nil {
		return err
	}
	if _, exists := s.components[c.TypeID()]; exists {
		return fmt.Errorf("attach %d to %s: %w", c.TypeID(), h, ErrComponentExists)
	}
	w.version++
	s.components[c.TypeID()] = &cell{value: c, version: w.version}
	return nil
}

// Update replaces the value of an attached component.
func (w *World) Update(h Handle, c Component) error {
	if c == nil {
		return ErrNilComponent
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	s, err := w.lookup(h)
	if err != nil {
		return err
	}
	existing, ok := s.components[c.TypeID()]
	if !ok {
		return fmt.Errorf("update %d on %s: %w", c.TypeID(), h, ErrComponentNotFound)
	}
	w.version++
	existing.value = c
	existing.version = w.version
	return nil
}

// Set attaches c or replaces the attached value of the same type.
func (w *World) Set(h Handle, c Component) error {
	err := w.Update(h, c)
	if errors.Is(err, ErrComponentNotFound) {
		return w.Attach(h, c)
	}
	return err
}

// Remove detaches the component of type t.
func (w *World) Remove(h Handle, t TypeID) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	s, err := w.lookup(h)
	if err != nil {
		return err
	}
	if _, ok := s.components[t]; !ok {
		return fmt.Errorf("remove %d from %s: %w", t, h, ErrComponentNotFound)
	}
	delete(s.components, t)
	w.version++
	return nil
}

func (w *World) Alive(h Handle) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, err := w.lookup(h)
	return err == nil
}

// Component returns the live value of type t on h.
func (w *World) Component(h Handle, t TypeID) (Component, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	s, err := w.lookup(h)
	if err != nil {
		return nil, err
	}
	c, ok := s.components[t]
	if !ok {
		return nil, ErrComponentNotFound
	}
	return c.value, nil
}

// Components returns the entity's components ordered by TypeID.
func (w *World) Components(h Handle) ([]Component, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	s, err := w.lookup(h)
	if err != nil {
		return nil, err
	}
	out := make([]Component, 0, len(s.components))
	for _, t := range sortedTypes(s.components) {
		out = append(out, s.components[t].value)
	}
	return out, nil
}

// Len returns the number of live entities.
func (w *World) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.alive
}

// Version is a counter bumped by every mutation.
func (w *World) Version() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.version
}

// Snapshot encodes the current state into an immutable, tick-numbered view.
// A component whose Serialize fails keeps its previous encoding if it has one
// and is left out otherwise; the failures are returned joined alongside the
// snapshot, which is always usable.
func (w *World) Snapshot() (*Snapshot, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.tick++
	snap := &Snapshot{
		tick:     w.tick,
		version:  w.version,
		entities: make([]EntityView, 0, w.alive),
		index:    make(map[Handle]int, w.alive),
	}
	next := make(map[cellKey]encoded, len(w.cache))
	var errs []error

	for i := range w.slots {
		s := &w.slots[i]
		if !s.alive {
			continue
		}
		h := Handle{Index: uint32(i), Generation: s.generation}
		view := EntityView{Handle: h, Components: make([]ComponentState, 0, len(s.components))}

		for _, t := range sortedTypes(s.components) {
			c := s.components[t]
			key := cellKey{handle: h, typ: t}

			prev, cached := w.cache[key]
			if cached && prev.version == c.version {
				next[key] = prev
				view.Components = append(view.Components, prev.state)
				continue
			}

			state, err := encode(t, c.value)
			if err != nil {
				errs = append(errs, fmt.Errorf("entity %s component %d: %w", h, t, err))
				if cached {
					next[key] = prev
					view.Components = append(view.Components, prev.state)
				}
				continue
			}
			enc := encoded{version: c.version, state: state}
			next[key] = enc
			view.Components = append(view.Components, state)
		}

		snap.index[h] = len(snap.entities)
		snap.entities = append(snap.entities, view)
	}

	w.cache = next
	return snap, errors.Join(errs...)
}

func encode(t TypeID, c Component) (ComponentState, error) {
	data, err := c.Serialize()
	if err != nil {
		return ComponentState{}, err
	}
	if len(data) > MaxComponentPayload {
		return ComponentState{}, ErrPayloadTooLarge
	}
	payload := bytes.Clone(data)
	if payload == nil {
		payload = []byte{}
	}
	return ComponentState{Type: t, Payload: payload, Digest: xxhash.Sum64(payload)}, nil
}

func (w *World) lookup(h Handle) (*slot, error) {
	if h.IsZero() || int(h.Index) >= len(w.slots) {
		return nil, ErrStaleHandle
	}
	s := &w.slots[h.Index]
	if !s.alive || s.generation != h.Generation {
		return nil, ErrStaleHandle
	}
	return s, nil
}

func sortedTypes(m map[TypeID]*cell) []TypeID {
	types := make([]TypeID, 0, len(m))
	for t := range m {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}
