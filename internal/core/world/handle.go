package world

import (
	"errors"
	"fmt"

	"github.com/zeusync/scopesync/pkg/encoding"
)

var (
	ErrStaleHandle       = errors.New("stale entity handle")
	ErrComponentExists   = errors.New("component already attached")
	ErrComponentNotFound = errors.New("component not attached")
	ErrPayloadTooLarge   = errors.New("component payload exceeds 65535 bytes")
	ErrNilComponent      = errors.New("nil component")
)

// MaxComponentPayload is the largest encoding a payload_length field can carry.
const MaxComponentPayload = 0xFFFF

const firstGeneration uint16 = 1

// Handle is a non-owning reference to an entity slot. The generation changes
// every time the slot is freed, so a handle kept past a despawn never aliases
// the entity that later reuses the slot.
type Handle struct {
	Index      uint32
	Generation uint16
}

// IsZero reports whether h is the zero value. Generation 0 is never issued.
func (h Handle) IsZero() bool {
	return h.Generation == 0
}

func (h Handle) Less(o Handle) bool {
	if h.Index != o.Index {
		return h.Index < o.Index
	}
	return h.Generation < o.Generation
}

func (h Handle) String() string {
	return fmt.Sprintf("%d:%d", h.Index, h.Generation)
}

// TypeID is the stable wire identifier of a component or event type.
type TypeID uint16

// Component is a replicated payload attached to one entity. Serialize must be
// deterministic: equal values produce equal bytes, otherwise every tick is a
// change.
type Component interface {
	TypeID() TypeID
	encoding.Serializer
}

// Raw is a Component whose bytes are already encoded. Handy for tests and for
// applications that keep their own wire format.
type Raw struct {
	Type TypeID
	Data []byte
}

func (r Raw) TypeID() TypeID { return r.Type }

func (r Raw) Serialize() ([]byte, error) { return r.Data, nil }

func nextGeneration(g uint16) uint16 {
	g++
	if g == 0 {
		g = firstGeneration
	}
	return g
}
