package server

import (
	"encoding/binary"
	"math/rand"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/zeusync/scopesync/internal/core/protocol"
	"github.com/zeusync/scopesync/internal/core/scope"
	"github.com/zeusync/scopesync/internal/core/world"
)

// Component types used by the demo world.
const (
	DemoPosition world.TypeID = 1
	DemoZone     world.TypeID = 2
)

// DemoZones is how many zones the demo world is split into. Zone 0 is
// visible to everyone.
const DemoZones = 4

// Demo drives a world of wandering entities. Each client sees zone 0 plus
// the zone its id hashes to.
type Demo struct {
	rng      *rand.Rand
	entities []world.Handle
	moves    int
}

// NewDemo spawns n entities into w.
func NewDemo(w *world.World, n int, seed int64) (*Demo, error) {
	d := &Demo{rng: rand.New(rand.NewSource(seed))}
	for range n {
		h := w.Spawn()
		if err := w.Attach(h, d.position(int16(d.rng.Intn(512)), int16(d.rng.Intn(512)))); err != nil {
			return nil, err
		}
		if err := w.Attach(h, world.Raw{Type: DemoZone, Data: []byte{byte(d.rng.Intn(DemoZones))}}); err != nil {
			return nil, err
		}
		d.entities = append(d.entities, h)
	}
	return d, nil
}

func (d *Demo) position(x, y int16) world.Raw {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:], uint16(x))
	binary.BigEndian.PutUint16(data[2:], uint16(y))
	return world.Raw{Type: DemoPosition, Data: data}
}

// Step moves about a quarter of the entities and occasionally moves one to
// another zone.
func (d *Demo) Step(_ time.Time, w *world.World) error {
	for _, h := range d.entities {
		if d.rng.Intn(4) != 0 {
			continue
		}
		c, err := w.Component(h, DemoPosition)
		if err != nil {
			return err
		}
		p, _ := c.Serialize()
		x := int16(binary.BigEndian.Uint16(p[0:])) + int16(d.rng.Intn(3)-1)
		y := int16(binary.BigEndian.Uint16(p[2:])) + int16(d.rng.Intn(3)-1)
		if err = w.Update(h, d.position(x, y)); err != nil {
			return err
		}
		d.moves++
	}
	if len(d.entities) > 0 && d.rng.Intn(10) == 0 {
		h := d.entities[d.rng.Intn(len(d.entities))]
		if err := w.Update(h, world.Raw{Type: DemoZone, Data: []byte{byte(d.rng.Intn(DemoZones))}}); err != nil {
			return err
		}
	}
	return nil
}

// Moves counts position updates so far.
func (d *Demo) Moves() int { return d.moves }

// DemoScope shows zone 0 and the client's own zone.
func DemoScope(client protocol.ClientID, e world.EntityView) bool {
	z, ok := e.Component(DemoZone)
	if !ok || len(z.Payload) == 0 {
		return true
	}
	return z.Payload[0] == 0 || z.Payload[0] == ClientZone(client)
}

// ClientZone is the demo zone a client belongs to, never zone 0.
func ClientZone(client protocol.ClientID) byte {
	return byte(1 + xxhash.Sum64String(string(client))%(DemoZones-1))
}

var _ scope.Evaluator = DemoScope
