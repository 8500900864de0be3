package wire

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/scopesync/internal/core/protocol"
	"github.com/zeusync/scopesync/internal/core/world"
)

var entity = world.Handle{Index: 5, Generation: 1}

func newGolden(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestPacket_GoldenLayout(t *testing.T) {
	tests := []struct {
		name   string
		packet Packet
	}{
		{
			name: "reliable_packet",
			packet: Packet{
				Header: Header{Sequence: 0x0102, Ack: 0x0304, AckBits: 0x80000001, Channel: ChannelReliable},
				Entries: []Entry{
					{Ordinal: 7, Message: EntityAdd(entity)},
					{Ordinal: 8, Message: ComponentAdd(entity, world.ComponentState{Type: 10, Payload: []byte{0, 5}})},
				},
			},
		},
		{
			name: "unreliable_packet",
			packet: Packet{
				Header: Header{Sequence: 0xFFFE, Ack: 0x0010, AckBits: 0xFFFF, Channel: ChannelUnreliable},
				Entries: []Entry{
					{Message: ComponentUpdate(entity, world.ComponentState{Type: 10, Payload: []byte{0, 7}})},
					{Message: Event(0x0203, []byte("hi"))},
				},
			},
		},
		{
			name: "heartbeat_packet",
			packet: Packet{
				Header: Header{Sequence: 9, Ack: 8, AckBits: 0xDEADBEEF, Channel: ChannelHeartbeat},
			},
		},
	}

	g := newGolden(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := tt.packet.Encode()
			require.NoError(t, err)
			g.Assert(t, tt.name, []byte(hex.EncodeToString(b)))

			got, err := Decode(b)
			require.NoError(t, err)
			want := tt.packet
			want.Header.FragmentCount = 1
			assert.Equal(t, want, got)
		})
	}
}

func TestBody_RoundTrip(t *testing.T) {
	entries := []Entry{
		{Ordinal: 65535, Message: EntityAdd(world.Handle{Index: 0xFFFFFFFF, Generation: 0xFFFF})},
		{Ordinal: 0, Message: ComponentAdd(entity, world.ComponentState{Type: 1, Payload: bytes.Repeat([]byte{0xAB}, 300)})},
		{Ordinal: 1, Message: ComponentRemove(entity, 1)},
		{Ordinal: 2, Message: EntityRemove(entity)},
		{Ordinal: 3, Message: Event(9, nil)},
	}
	for _, ch := range []Channel{ChannelReliable, ChannelUnreliable} {
		b, err := EncodeBody(nil, ch, entries)
		require.NoError(t, err)
		assert.Equal(t, BodySize(ch, entries), len(b))

		got, err := DecodeBody(ch, b)
		require.NoError(t, err)
		require.Len(t, got, len(entries))
		for i := range entries {
			assert.Equal(t, entries[i].Message, got[i].Message)
			if ch == ChannelReliable {
				assert.Equal(t, entries[i].Ordinal, got[i].Ordinal)
			}
		}
	}
}

func TestKind_Policy(t *testing.T) {
	for _, k := range []Kind{KindEntityAdd, KindEntityRemove, KindComponentAdd, KindComponentRemove, KindEvent} {
		assert.Equal(t, PolicyAckGated, k.Policy(), k.String())
		assert.Equal(t, ChannelReliable, k.Channel())
	}
	assert.Equal(t, PolicyBestEffort, KindComponentUpdate.Policy())
	assert.Equal(t, ChannelUnreliable, KindComponentUpdate.Channel())
	assert.False(t, KindEntityAdd.HasType())
	assert.True(t, KindEvent.HasType())
}

func TestDecode_Errors(t *testing.T) {
	valid, err := Packet{
		Header:  Header{Sequence: 1, Channel: ChannelUnreliable},
		Entries: []Entry{{Message: ComponentUpdate(entity, world.ComponentState{Type: 3, Payload: []byte{1, 2, 3}})}},
	}.Encode()
	require.NoError(t, err)

	withByte := func(i int, v byte) []byte {
		b := append([]byte{}, valid...)
		b[i] = v
		return b
	}

	tests := []struct {
		name     string
		datagram []byte
		want     error
	}{
		{"empty", nil, protocol.ErrInvalidHeader},
		{"short header", valid[:HeaderSize-1], protocol.ErrInvalidHeader},
		{"unknown channel", withByte(8, 7), protocol.ErrUnknownChannel},
		{"zero fragment count", withByte(10, 0), protocol.ErrInvalidFragment},
		{"fragment id out of range", withByte(9, 1), protocol.ErrInvalidFragment},
		{"missing count", valid[:HeaderSize+1], protocol.ErrTruncated},
		{"unknown kind", withByte(HeaderSize+2, 42), protocol.ErrUnknownKind},
		{"truncated payload", valid[:len(valid)-1], protocol.ErrTruncated},
		{"trailing bytes", append(append([]byte{}, valid...), 0), protocol.ErrTrailingBytes},
		{"heartbeat with body", withByte(8, byte(ChannelHeartbeat)), protocol.ErrTrailingBytes},
		{"count larger than body", withByte(HeaderSize+1, 2), protocol.ErrTruncated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.datagram)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var de *DecodeError
			assert.True(t, errors.As(err, &de))
			assert.True(t, protocol.IsDecodeError(err))
		})
	}
}

func TestMessage_EncodeLimits(t *testing.T) {
	_, err := Message{Kind: KindEvent, Payload: make([]byte, world.MaxComponentPayload+1)}.Append(nil)
	assert.ErrorIs(t, err, protocol.ErrMessageTooLarge)

	_, err = Message{Kind: 0}.Append(nil)
	assert.ErrorIs(t, err, protocol.ErrUnknownKind)

	_, err = EncodeBody(nil, ChannelHeartbeat, []Entry{{Message: EntityAdd(entity)}})
	assert.Error(t, err)
}

func TestSplit(t *testing.T) {
	body := bytes.Repeat([]byte{1, 2, 3, 4, 5, 6, 7}, 100)

	one, err := Split(body[:50], 100)
	require.NoError(t, err)
	assert.Len(t, one, 1)

	parts, err := Split(body, 100)
	require.NoError(t, err)
	assert.Len(t, parts, 8) // 700 / 89
	for _, p := range parts {
		assert.LessOrEqual(t, HeaderSize+len(p), 100)
	}
	assert.Equal(t, body, bytes.Join(parts, nil))

	_, err = Split(make([]byte, MaxBody(20)+1), 20)
	assert.ErrorIs(t, err, protocol.ErrMessageTooLarge)

	_, err = Split(body, HeaderSize)
	assert.ErrorIs(t, err, protocol.ErrInvalidConfig)
}

func fragmentHeaders(base uint16, n int) []Header {
	hs := make([]Header, n)
	for i := range hs {
		hs[i] = Header{Sequence: base + uint16(i), Channel: ChannelReliable, FragmentID: uint8(i), FragmentCount: uint8(n)}
	}
	return hs
}

func TestReassembler_OutOfOrderAndDuplicates(t *testing.T) {
	now := time.Unix(0, 0)
	r := NewReassembler(4, time.Second)

	// sequence wraps inside the group
	hs := fragmentHeaders(0xFFFE, 3)
	parts := [][]byte{{1, 1}, {2, 2}, {3}}

	_, done, err := r.Add(now, hs[2], parts[2])
	require.NoError(t, err)
	assert.False(t, done)
	_, done, err = r.Add(now, hs[2], parts[2])
	require.NoError(t, err)
	assert.False(t, done, "duplicate fragment is ignored")
	_, done, _ = r.Add(now, hs[0], parts[0])
	assert.False(t, done)
	assert.Equal(t, 1, r.Len())

	body, done, err := r.Add(now, hs[1], parts[1])
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, []byte{1, 1, 2, 2, 3}, body)
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, uint64(1), r.Stats().Completed)

	body, done, err = r.Add(now, Header{Sequence: 4, FragmentCount: 1}, []byte{9})
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []byte{9}, body)
}

func TestReassembler_MismatchedGroup(t *testing.T) {
	now := time.Unix(0, 0)
	r := NewReassembler(4, time.Second)
	_, _, err := r.Add(now, Header{Sequence: 10, FragmentID: 0, FragmentCount: 3}, []byte{1})
	require.NoError(t, err)
	_, _, err = r.Add(now, Header{Sequence: 11, FragmentID: 1, FragmentCount: 2}, []byte{1})
	assert.ErrorIs(t, err, protocol.ErrInvalidFragment)
	assert.Equal(t, 0, r.Len())
}

func TestReassembler_TimeoutAndEviction(t *testing.T) {
	start := time.Unix(100, 0)
	r := NewReassembler(2, time.Second)

	_, _, _ = r.Add(start, Header{Sequence: 10, FragmentCount: 2}, []byte{1})
	_, _, _ = r.Add(start.Add(100*time.Millisecond), Header{Sequence: 20, FragmentCount: 2}, []byte{1})
	_, _, _ = r.Add(start.Add(200*time.Millisecond), Header{Sequence: 30, FragmentCount: 2}, []byte{1})
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, uint64(1), r.Stats().Evicted)

	// group 10 was evicted, so its second half starts a new partial and
	// pushes out group 20
	_, done, _ := r.Add(start.Add(300*time.Millisecond), Header{Sequence: 11, FragmentID: 1, FragmentCount: 2}, []byte{2})
	assert.False(t, done)
	assert.Equal(t, uint64(2), r.Stats().Evicted)

	assert.Equal(t, 0, r.Expire(start.Add(500*time.Millisecond)))
	assert.Equal(t, 2, r.Expire(start.Add(2*time.Second)))
	assert.Equal(t, 0, r.Len())
}

func TestWriter_Budget(t *testing.T) {
	const mtu = 64
	w := NewWriter(ChannelReliable, mtu)
	small := Entry{Message: ComponentAdd(entity, world.ComponentState{Type: 1, Payload: make([]byte, 20)})}

	assert.True(t, w.TryAdd(small))
	assert.False(t, w.TryAdd(small), "second entry would overflow one datagram")
	assert.Equal(t, 1, w.Len())
	assert.Equal(t, BodySize(ChannelReliable, w.Take()), 2+EntrySize(ChannelReliable, small.Message))
	assert.Equal(t, 0, w.Len())

	big := Entry{Message: Event(1, make([]byte, 500))}
	assert.True(t, w.TryAdd(big), "an oversized first entry is fragmented")
	assert.False(t, w.TryAdd(small))
	w.Take()

	huge := Entry{Message: Event(1, make([]byte, MaxBody(mtu)))}
	assert.False(t, w.TryAdd(huge))
}
