package encoding

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct{ n uint32 }

func (c *counter) Serialize() ([]byte, error) {
	return binary.BigEndian.AppendUint32(nil, c.n), nil
}

func (c *counter) Deserialize(b []byte) error {
	if len(b) != 4 {
		return errors.New("counter wants 4 bytes")
	}
	c.n = binary.BigEndian.Uint32(b)
	return nil
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry[uint16]()
	require.NoError(t, reg.Register(1, func() Serializable { return &counter{} }))
	assert.Error(t, reg.Register(1, func() Serializable { return &counter{} }))
	assert.True(t, reg.Has(1))
	assert.False(t, reg.Has(2))

	data, err := (&counter{n: 42}).Serialize()
	require.NoError(t, err)
	v, err := reg.Decode(1, data)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), v.(*counter).n)

	_, err = reg.Decode(1, []byte{1})
	assert.Error(t, err)
	_, err = reg.Decode(2, data)
	assert.Error(t, err)
}
