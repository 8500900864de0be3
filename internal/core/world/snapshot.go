package world

import "sort"

// ComponentState is the encoded form of one component at snapshot time.
// Payload must not be modified.
type ComponentState struct {
	Type    TypeID
	Payload []byte
	Digest  uint64
}

// EntityView is one entity as captured by a Snapshot.
type EntityView struct {
	Handle     Handle
	Components []ComponentState
}

// Component finds the state of type t.
func (e EntityView) Component(t TypeID) (ComponentState, bool) {
	i := sort.Search(len(e.Components), func(i int) bool { return e.Components[i].Type >= t })
	if i < len(e.Components) && e.Components[i].Type == t {
		return e.Components[i], true
	}
	return ComponentState{}, false
}

// Snapshot is an immutable point-in-time copy of the world, safe for
// concurrent readers.
type Snapshot struct {
	tick     uint64
	version  uint64
	entities []EntityView
	index    map[Handle]int
}

// Tick is the sequence number of the snapshot, starting at 1.
func (s *Snapshot) Tick() uint64 { return s.tick }

// Version is the world mutation counter the snapshot was taken at.
func (s *Snapshot) Version() uint64 { return s.version }

// Entities returns every live entity in ascending handle order. The slice is
// shared and must be treated as read-only.
func (s *Snapshot) Entities() []EntityView { return s.entities }

func (s *Snapshot) Len() int { return len(s.entities) }

// Lookup finds the entity for h. A handle whose generation no longer matches
// is not found.
func (s *Snapshot) Lookup(h Handle) (EntityView, bool) {
	i, ok := s.index[h]
	if !ok {
		return EntityView{}, false
	}
	return s.entities[i], true
}
