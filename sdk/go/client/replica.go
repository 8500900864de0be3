package client

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/zeusync/scopesync/internal/core/session"
	"github.com/zeusync/scopesync/internal/core/wire"
	"github.com/zeusync/scopesync/internal/core/world"
	"github.com/zeusync/scopesync/pkg/encoding"
)

// pendingHorizon bounds how long an update for a not yet known component is
// kept, in packet sequences.
const pendingHorizon = 1024

// Event is an application event received from the server.
type Event struct {
	Type    world.TypeID
	Payload []byte
}

type component struct {
	payload []byte
	seq     uint64
}

type pendingUpdate struct {
	payload []byte
	seq     uint64
}

type componentKey struct {
	entity world.Handle
	typ    world.TypeID
}

// ReplicaStats counts applied and discarded messages.
type ReplicaStats struct {
	Applied       uint64
	StaleUpdates  uint64
	EarlyUpdates  uint64
	Unknown       uint64
	EventsQueued  uint64
	EventsArrived uint64
}

// Replica mirrors the server-side entities visible to this client. It is the
// client end of a session and does no I/O itself: feed datagrams to Receive
// and transmit what Flush returns.
type Replica struct {
	mu       sync.Mutex
	endpoint *session.Endpoint
	entities map[world.Handle]map[world.TypeID]*component
	pending  map[componentKey]pendingUpdate
	events   []Event
	newest   uint64
	stats    ReplicaStats
}

func NewReplica(cfg session.Config, now time.Time) *Replica {
	return &Replica{
		endpoint: session.New(cfg, now),
		entities: make(map[world.Handle]map[world.TypeID]*component),
		pending:  make(map[componentKey]pendingUpdate),
	}
}

// Receive applies one datagram from the server. Lifecycle messages apply in
// the order the server sent them; a component value only replaces one that
// arrived in an older packet.
func (r *Replica) Receive(now time.Time, datagram []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	deliveries, err := r.endpoint.Receive(now, datagram)
	if err != nil {
		return err
	}
	for _, d := range deliveries {
		r.observe(d.Sequence)
		r.apply(d)
	}
	r.prune()
	return nil
}

func (r *Replica) observe(seq uint64) {
	r.newest = max(r.newest, seq)
}

func (r *Replica) apply(d session.Delivery) {
	m := d.Message
	switch m.Kind {
	case wire.KindEntityAdd:
		r.entities[m.Entity] = make(map[world.TypeID]*component)
	case wire.KindEntityRemove:
		delete(r.entities, m.Entity)
	case wire.KindComponentAdd:
		comps, ok := r.entities[m.Entity]
		if !ok {
			r.stats.Unknown++
			return
		}
		c := &component{payload: m.Payload, seq: d.Sequence}
		key := componentKey{m.Entity, m.Type}
		// an update may have overtaken an add that was held back for ordering
		if p, ok := r.pending[key]; ok {
			delete(r.pending, key)
			if p.seq > c.seq {
				c.payload, c.seq = p.payload, p.seq
			}
		}
		comps[m.Type] = c
	case wire.KindComponentUpdate:
		c, ok := r.entities[m.Entity][m.Type]
		if !ok {
			key := componentKey{m.Entity, m.Type}
			if p, ok := r.pending[key]; !ok || d.Sequence > p.seq {
				r.pending[key] = pendingUpdate{payload: m.Payload, seq: d.Sequence}
			}
			r.stats.EarlyUpdates++
			return
		}
		if d.Sequence <= c.seq {
			r.stats.StaleUpdates++
			return
		}
		c.payload, c.seq = m.Payload, d.Sequence
	case wire.KindComponentRemove:
		delete(r.entities[m.Entity], m.Type)
	case wire.KindEvent:
		r.events = append(r.events, Event{Type: m.Type, Payload: m.Payload})
		r.stats.EventsArrived++
		return
	default:
		r.stats.Unknown++
		return
	}
	r.stats.Applied++
}

func (r *Replica) prune() {
	for key, p := range r.pending {
		if r.newest-p.seq > pendingHorizon {
			delete(r.pending, key)
		}
	}
}

// Flush returns the datagrams to send to the server now.
func (r *Replica) Flush(now time.Time) ([][]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endpoint.Flush(now)
}

// SendEvent queues an application event for the server on the reliable
// channel.
func (r *Replica) SendEvent(t world.TypeID, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.endpoint.SendReliable(wire.Event(t, slices.Clone(payload)), nil); err != nil {
		return fmt.Errorf("send event %d: %w", t, err)
	}
	r.stats.EventsQueued++
	return nil
}

// Events drains the server events received so far.
func (r *Replica) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev := r.events
	r.events = nil
	return ev
}

// Entities returns the known handles in ascending order.
func (r *Replica) Entities() []world.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.SortedFunc(maps.Keys(r.entities), func(a, b world.Handle) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		}
		return 0
	})
}

// Has reports whether the entity is known.
func (r *Replica) Has(h world.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entities[h]
	return ok
}

// Component returns the last payload received for a component.
func (r *Replica) Component(h world.Handle, t world.TypeID) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.entities[h][t]
	if !ok {
		return nil, false
	}
	return c.payload, true
}

// Decode turns a replicated component back into the value registered for its
// type.
func (r *Replica) Decode(reg *encoding.Registry[world.TypeID], h world.Handle, t world.TypeID) (encoding.Serializable, error) {
	payload, ok := r.Component(h, t)
	if !ok {
		return nil, fmt.Errorf("component %d of %s: %w", t, h, ErrUnknownComponent)
	}
	return reg.Decode(t, payload)
}

// Types lists the component types known on an entity, ascending.
func (r *Replica) Types(h world.Handle) []world.TypeID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.entities[h]))
}

// Expired reports whether the server has been silent past the idle timeout.
func (r *Replica) Expired(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endpoint.Expired(now)
}

// Closed reports whether either side ended the session.
func (r *Replica) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endpoint.Closed() || r.endpoint.PeerClosed()
}

// Close ends the session and returns the disconnect datagram, or nil when
// already closed.
func (r *Replica) Close(now time.Time) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endpoint.Close(now)
}

func (r *Replica) Stats() (ReplicaStats, session.Stats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats, r.endpoint.Stats()
}

// IsDecodeError reports whether a Receive error only concerned the datagram.
func IsDecodeError(err error) bool {
	var de *wire.DecodeError
	return errors.As(err, &de)
}
