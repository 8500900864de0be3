package replication

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/scopesync/internal/core/protocol"
	"github.com/zeusync/scopesync/internal/core/scope"
	"github.com/zeusync/scopesync/internal/core/wire"
	"github.com/zeusync/scopesync/internal/core/world"
)

type sentMsg struct {
	msg      wire.Message
	reliable bool
	onAck    func()
	onLost   func()
}

// recordingSink keeps every message until the test settles it.
type recordingSink struct {
	sent   []sentMsg
	closed bool
}

func (s *recordingSink) SendReliable(m wire.Message, onAck func()) error {
	if s.closed {
		return protocol.ErrConnectionClosed
	}
	s.sent = append(s.sent, sentMsg{msg: m, reliable: true, onAck: onAck})
	return nil
}

func (s *recordingSink) SendUnreliable(m wire.Message, onAck, onLost func()) error {
	if s.closed {
		return protocol.ErrConnectionClosed
	}
	s.sent = append(s.sent, sentMsg{msg: m, onAck: onAck, onLost: onLost})
	return nil
}

func (s *recordingSink) take() []sentMsg {
	out := s.sent
	s.sent = nil
	return out
}

func ackAll(msgs []sentMsg) {
	for _, m := range msgs {
		if m.onAck != nil {
			m.onAck()
		}
	}
}

func kinds(msgs []sentMsg) []wire.Kind {
	out := make([]wire.Kind, len(msgs))
	for i, m := range msgs {
		out[i] = m.msg.Kind
	}
	return out
}

type harness struct {
	t       *testing.T
	world   *world.World
	tracker *Tracker
	sink    *recordingSink
	eval    scope.Evaluator
	snap    *world.Snapshot
	visible scope.Set
}

func newHarness(t *testing.T) *harness {
	return &harness{t: t, world: world.New(), tracker: NewTracker(), sink: &recordingSink{}}
}

func (h *harness) tick() []sentMsg {
	h.t.Helper()
	snap, err := h.world.Snapshot()
	require.NoError(h.t, err)
	h.snap = snap
	h.visible = scope.Evaluate("client", snap, h.eval, nil)
	require.NoError(h.t, h.tracker.Diff(snap, h.visible, h.sink))
	return h.sink.take()
}

func value(v byte) world.Raw { return world.Raw{Type: 1, Data: []byte{v}} }

func TestTracker_SpawnUpdateRemoveScenario(t *testing.T) {
	h := newHarness(t)
	inScope := false
	h.eval = func(protocol.ClientID, world.EntityView) bool { return inScope }

	e := h.world.Spawn()
	require.NoError(t, h.world.Attach(e, value(5)))
	assert.Empty(t, h.tick())

	inScope = true
	first := h.tick()
	require.Equal(t, []wire.Kind{wire.KindEntityAdd, wire.KindComponentAdd}, kinds(first))
	assert.True(t, first[0].reliable)
	assert.True(t, first[1].reliable)
	assert.Equal(t, []byte{5}, first[1].msg.Payload)

	// value changes before the add is acknowledged: no update, no second add
	require.NoError(t, h.world.Update(e, value(7)))
	assert.Empty(t, h.tick())
	assert.Equal(t, StateAdding, h.tracker.Known()[e].State)

	ackAll(first)
	second := h.tick()
	require.Equal(t, []wire.Kind{wire.KindComponentUpdate}, kinds(second))
	assert.False(t, second[0].reliable)
	assert.Equal(t, []byte{7}, second[0].msg.Payload)
	assert.Empty(t, h.tick(), "value unchanged since the optimistic send")

	ackAll(second)
	assert.True(t, h.tracker.Converged(h.snap, h.visible))

	inScope = false
	removal := h.tick()
	require.Equal(t, []wire.Kind{wire.KindEntityRemove}, kinds(removal))
	assert.True(t, removal[0].reliable)
	assert.Empty(t, h.tick(), "remove is retried by the reliable channel, not re-emitted")
	assert.Equal(t, StateRemoving, h.tracker.Known()[e].State)

	ackAll(removal)
	assert.Zero(t, h.tracker.Len())
	assert.True(t, h.tracker.Converged(h.snap, scope.Set{}))
}

func TestTracker_LostUpdateIsResent(t *testing.T) {
	h := newHarness(t)
	e := h.world.Spawn()
	require.NoError(t, h.world.Attach(e, value(1)))
	ackAll(h.tick())

	require.NoError(t, h.world.Update(e, value(2)))
	upd := h.tick()
	require.Len(t, upd, 1)
	upd[0].onLost()
	assert.Equal(t, uint64(1), h.tracker.Stats().Invalidations)

	again := h.tick()
	require.Equal(t, []wire.Kind{wire.KindComponentUpdate}, kinds(again))
	assert.Equal(t, []byte{2}, again[0].msg.Payload)
	ackAll(again)
	assert.True(t, h.tracker.Converged(h.snap, h.visible))
}

func TestTracker_SupersededLossIsIgnored(t *testing.T) {
	h := newHarness(t)
	e := h.world.Spawn()
	require.NoError(t, h.world.Attach(e, value(1)))
	ackAll(h.tick())

	require.NoError(t, h.world.Update(e, value(2)))
	old := h.tick()
	require.NoError(t, h.world.Update(e, value(3)))
	newer := h.tick()
	require.Len(t, newer, 1)

	old[0].onLost()
	assert.Empty(t, h.tick(), "loss of an older value does not trigger a resend")

	// acks settle in reverse order; the newest value wins
	newer[0].onAck()
	old[0].onAck()
	known := h.tracker.Known()[e].Components[1]
	assert.Equal(t, h.snap.Entities()[0].Components[0].Digest, known.AckedDigest)
}

func TestTracker_AttachmentChanges(t *testing.T) {
	h := newHarness(t)
	e := h.world.Spawn()
	require.NoError(t, h.world.Attach(e, value(1)))
	ackAll(h.tick())

	require.NoError(t, h.world.Attach(e, world.Raw{Type: 2, Data: []byte{9}}))
	added := h.tick()
	require.Equal(t, []wire.Kind{wire.KindComponentAdd}, kinds(added))
	assert.True(t, added[0].reliable)
	assert.Equal(t, world.TypeID(2), added[0].msg.Type)

	// no updates for a component whose add is unacknowledged
	require.NoError(t, h.world.Update(e, world.Raw{Type: 2, Data: []byte{10}}))
	assert.Empty(t, h.tick())
	ackAll(added)
	assert.Equal(t, []wire.Kind{wire.KindComponentUpdate}, kinds(h.tick()))

	require.NoError(t, h.world.Remove(e, 1))
	removed := h.tick()
	require.Equal(t, []wire.Kind{wire.KindComponentRemove}, kinds(removed))
	assert.Equal(t, world.TypeID(1), removed[0].msg.Type)
	assert.Empty(t, h.tick())

	// re-attached while the remove is in flight: a fresh reliable add follows it
	require.NoError(t, h.world.Attach(e, value(4)))
	readded := h.tick()
	require.Equal(t, []wire.Kind{wire.KindComponentAdd}, kinds(readded))
	ackAll(removed)
	ackAll(readded)
	_, ok := h.tracker.Known()[e].Components[1]
	assert.True(t, ok, "stale remove ack must not drop the re-added component")
}

func TestTracker_DespawnAndSlotReuse(t *testing.T) {
	h := newHarness(t)
	old := h.world.Spawn()
	require.NoError(t, h.world.Attach(old, value(1)))
	ackAll(h.tick())

	require.NoError(t, h.world.Despawn(old))
	reused := h.world.Spawn()
	require.Equal(t, old.Index, reused.Index)

	msgs := h.tick()
	require.Equal(t, []wire.Kind{wire.KindEntityRemove, wire.KindEntityAdd}, kinds(msgs))
	assert.Equal(t, old, msgs[0].msg.Entity, "stale handle becomes an implicit remove")
	assert.Equal(t, reused, msgs[1].msg.Entity)

	ackAll(msgs)
	assert.True(t, h.tracker.Converged(h.snap, h.visible))
}

func TestTracker_ReaddWaitsForRemoveAck(t *testing.T) {
	h := newHarness(t)
	visible := true
	h.eval = func(protocol.ClientID, world.EntityView) bool { return visible }
	e := h.world.Spawn()
	ackAll(h.tick())

	visible = false
	removal := h.tick()
	require.Len(t, removal, 1)

	visible = true
	assert.Empty(t, h.tick(), "no add while the remove is pending")
	ackAll(removal)
	readd := h.tick()
	require.Equal(t, []wire.Kind{wire.KindEntityAdd}, kinds(readd))
	assert.Equal(t, e, readd[0].msg.Entity)
}

func TestTracker_RemoveWhileAddPending(t *testing.T) {
	h := newHarness(t)
	visible := true
	h.eval = func(protocol.ClientID, world.EntityView) bool { return visible }
	h.world.Spawn()
	add := h.tick()

	visible = false
	removal := h.tick()
	require.Equal(t, []wire.Kind{wire.KindEntityRemove}, kinds(removal), "ordered after the add on the reliable channel")

	ackAll(add)
	ackAll(removal)
	assert.Zero(t, h.tracker.Len())
}

func TestTracker_SinkErrorsLeaveStateUntouched(t *testing.T) {
	h := newHarness(t)
	h.world.Spawn()
	h.sink.closed = true

	snap, err := h.world.Snapshot()
	require.NoError(t, err)
	err = h.tracker.Diff(snap, scope.Evaluate("client", snap, nil, nil), h.sink)
	assert.ErrorIs(t, err, protocol.ErrConnectionClosed)
	assert.Zero(t, h.tracker.Len())
}
