package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/scopesync/internal/core/observability/log"
	"github.com/zeusync/scopesync/internal/core/protocol"
	"github.com/zeusync/scopesync/internal/core/session"
	"github.com/zeusync/scopesync/internal/core/wire"
	"github.com/zeusync/scopesync/internal/core/world"
)

// pipe is the client end of an in-process link; the test plays the server.
type pipe struct {
	toClient chan []byte
	toServer chan []byte
	once     sync.Once
	closed   chan struct{}
}

func newPipe() *pipe {
	return &pipe{
		toClient: make(chan []byte, 64),
		toServer: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

func (p *pipe) Send(d []byte) error {
	select {
	case p.toServer <- d:
	default:
	}
	return nil
}

func (p *pipe) Receive(ctx context.Context) ([]byte, error) {
	select {
	case d := <-p.toClient:
		return d, nil
	case <-p.closed:
		return nil, protocol.ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipe) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func testConfig() Config {
	cfg := DefaultClientConfig()
	cfg.FlushInterval = 5 * time.Millisecond
	return cfg
}

func TestClient_PumpsReplica(t *testing.T) {
	p := newPipe()
	c := NewClient(testConfig(), log.Nop())
	require.NoError(t, c.Attach(p))
	assert.ErrorIs(t, c.Attach(p), ErrAlreadyConnected)

	server := session.New(session.DefaultConfig(), time.Now())
	h := world.Handle{Index: 1, Generation: 1}
	require.NoError(t, server.SendReliable(wire.EntityAdd(h), nil))
	require.NoError(t, server.SendReliable(wire.ComponentAdd(h, world.ComponentState{Type: 2, Payload: []byte{4}}), nil))
	out, err := server.Flush(time.Now())
	require.NoError(t, err)
	for _, d := range out {
		p.toClient <- d
	}

	require.Eventually(t, func() bool {
		got, ok := c.Replica().Component(h, 2)
		return ok && got[0] == 4
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.SendEvent(9, []byte("hi")))
	var events []wire.Message
	require.Eventually(t, func() bool {
		select {
		case d := <-p.toServer:
			ds, err := server.Receive(time.Now(), d)
			if err != nil {
				return false
			}
			for _, dl := range ds {
				events = append(events, dl.Message)
			}
		default:
		}
		return len(events) == 1
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, wire.Event(9, []byte("hi")), events[0])

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Err(), protocol.ErrConnectionClosed)
	assert.False(t, c.IsConnected())
	assert.ErrorIs(t, c.SendEvent(1, nil), ErrClientClosed)
	assert.ErrorIs(t, c.Disconnect(), ErrNotConnected)
}

func TestClient_EndsWhenServerCloses(t *testing.T) {
	p := newPipe()
	c := NewClient(testConfig(), log.Nop())
	require.NoError(t, c.Attach(p))

	server := session.New(session.DefaultConfig(), time.Now())
	p.toClient <- server.Close(time.Now())

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not notice the close notice")
	}
	assert.ErrorIs(t, c.Err(), protocol.ErrConnectionClosed)
	assert.ErrorIs(t, c.Attach(newPipe()), ErrClientClosed)
	require.NoError(t, c.Close())
}

func TestClient_CarrierFailure(t *testing.T) {
	p := newPipe()
	c := NewClient(testConfig(), log.Nop())
	require.NoError(t, c.Attach(p))
	_ = p.Close()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop")
	}
	assert.ErrorIs(t, c.Err(), protocol.ErrTransportClosed)
}

func TestClient_ConnectValidates(t *testing.T) {
	cfg := testConfig()
	cfg.Transport = "carrier-pigeon"
	c := NewClient(cfg, log.Nop())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrInvalidConfig)

	cfg = testConfig()
	cfg.FlushInterval = 0
	assert.ErrorIs(t, NewClient(cfg, log.Nop()).Connect(context.Background()), ErrInvalidConfig)
}
