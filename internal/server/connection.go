package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zeusync/scopesync/internal/core/events/bus"
	"github.com/zeusync/scopesync/internal/core/observability/log"
	"github.com/zeusync/scopesync/internal/core/protocol"
	"github.com/zeusync/scopesync/internal/core/replication"
	"github.com/zeusync/scopesync/internal/core/scope"
	"github.com/zeusync/scopesync/internal/core/session"
	"github.com/zeusync/scopesync/internal/core/wire"
	"github.com/zeusync/scopesync/internal/core/world"
)

// Connection is the server side of one client: its reliability endpoint and
// the client's known state. The tick pass holds mu throughout; the manager
// never waits for mu while holding its own lock.
type Connection struct {
	id        protocol.ClientID
	addr      string
	transport protocol.Transport
	logger    log.Log
	opened    time.Time

	mu       sync.Mutex
	endpoint *session.Endpoint
	tracker  *replication.Tracker
	closed   bool
	stats    connStats

	// events waiting for the reliable channel; outMu is never held while
	// taking another lock
	outMu  sync.Mutex
	outbox []wire.Message

	// state as of the last pass, readable while a pass runs
	viewMu sync.Mutex
	view   ConnectionInfo

	// written by the pass, read by Tick once every pass returned
	result passResult
}

type connStats struct {
	TransportErrors uint64
	DiffErrors      uint64
	EventsReceived  uint64
	EventsSent      uint64
	Ignored         uint64
}

type passResult struct {
	events       []bus.EventReceived
	datagramsIn  int
	datagramsOut int
	bytesOut     int
	decodeErrors int
	sendErrors   int
	closeReason  error
}

// ConnectionInfo describes a live connection.
type ConnectionInfo struct {
	Client          protocol.ClientID
	Addr            string
	Transport       protocol.TransportType
	Opened          time.Time
	Known           int
	QueuedEvents    int
	TransportErrors uint64
	Session         session.Stats
	Replication     replication.Stats
}

func newConnection(id protocol.ClientID, addr string, t protocol.Transport, cfg session.Config, now time.Time, logger log.Log) *Connection {
	c := &Connection{
		id:        id,
		addr:      addr,
		transport: t,
		endpoint:  session.New(cfg, now),
		tracker:   replication.NewTracker(),
		logger: logger.With(
			log.Client(string(id)),
			log.Addr(addr),
			log.String("transport", string(t.Type())),
		),
		opened: now,
	}
	c.publishView()
	return c
}

// pass runs one synchronization step: inbound datagrams, scope, diff, and
// the datagrams that go out this tick. A connection closed in the meantime
// does nothing.
func (c *Connection) pass(ctx context.Context, now time.Time, snap *world.Snapshot, eval scope.Evaluator, candidates scope.Candidates, window int, inbox []*[]byte) passResult {
	var res passResult

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return res
	}
	defer c.publishView()

	for _, b := range inbox {
		res.datagramsIn++
		deliveries, err := c.endpoint.Receive(now, *b)
		if err != nil {
			res.decodeErrors++
			c.logger.Warn("Dropped malformed datagram", log.Int("size", len(*b)), log.Error(err))
			continue
		}
		for _, d := range deliveries {
			if d.Message.Kind != wire.KindEvent {
				c.stats.Ignored++
				c.logger.Debug("Ignored client message", log.String("kind", d.Message.Kind.String()))
				continue
			}
			c.stats.EventsReceived++
			res.events = append(res.events, bus.EventReceived{
				Client:  c.id,
				Type:    d.Message.Type,
				Payload: d.Message.Payload,
			})
		}
	}

	switch {
	case c.endpoint.PeerClosed():
		res.closeReason = protocol.ErrConnectionClosed
		return res
	case c.endpoint.Expired(now):
		res.closeReason = protocol.ErrConnectionTimeout
		return res
	}
	if ctx.Err() != nil {
		return res
	}

	visible := scope.Evaluate(c.id, snap, eval, candidates)
	if err := c.tracker.Diff(snap, visible, c.endpoint); err != nil {
		c.stats.DiffErrors++
		c.logger.Warn("Replication diff incomplete", log.Error(err))
	}
	c.drainOutbox(window)

	datagrams, err := c.endpoint.Flush(now)
	if err != nil {
		c.logger.Warn("Flush incomplete", log.Error(err))
	}
	for _, d := range datagrams {
		if err := c.transport.Send(c.addr, d); err != nil {
			// reliable content is resent once the packet is declared lost
			res.sendErrors++
			c.stats.TransportErrors++
			c.logger.Warn("Transport send failed", log.Error(errors.Join(protocol.ErrTransportFailed, err)))
			continue
		}
		res.datagramsOut++
		res.bytesOut += len(d)
	}
	return res
}

// drainOutbox hands queued events to the reliable channel while it has room.
func (c *Connection) drainOutbox(window int) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	room := window - c.endpoint.Stats().ReliablePending
	n := 0
	for ; n < len(c.outbox) && n < room; n++ {
		if err := c.endpoint.SendReliable(c.outbox[n], nil); err != nil {
			c.logger.Warn("Dropped event", log.Uint16("type", uint16(c.outbox[n].Type)), log.Error(err))
			continue
		}
		c.stats.EventsSent++
	}
	c.outbox = c.outbox[n:]
}

// enqueue appends an event unless limit events are already waiting. It
// reports the queue length seen.
func (c *Connection) enqueue(msg wire.Message, limit int) (int, bool) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if len(c.outbox) >= limit {
		return len(c.outbox), false
	}
	c.outbox = append(c.outbox, msg)
	return len(c.outbox), true
}

// close ends the session and, unless the peer is already gone, tells it so.
// It returns the session's final traffic counters.
func (c *Connection) close(now time.Time, notifyPeer bool) session.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if d := c.endpoint.Close(now); notifyPeer && d != nil {
		if err := c.transport.Send(c.addr, d); err != nil {
			c.logger.Debug("Disconnect notice not sent", log.Error(err))
		}
	}
	c.publishView()
	return c.endpoint.Stats()
}

func (c *Connection) converged(snap *world.Snapshot, visible scope.Set) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracker.Converged(snap, visible)
}

// publishView records the state info reports. c.mu must be held.
func (c *Connection) publishView() {
	v := ConnectionInfo{
		Client:          c.id,
		Addr:            c.addr,
		Transport:       c.transport.Type(),
		Opened:          c.opened,
		Known:           c.tracker.Len(),
		TransportErrors: c.stats.TransportErrors,
		Session:         c.endpoint.Stats(),
		Replication:     c.tracker.Stats(),
	}
	c.viewMu.Lock()
	c.view = v
	c.viewMu.Unlock()
}

// info describes the connection as of its last pass. It never waits for a
// pass in progress.
func (c *Connection) info() ConnectionInfo {
	c.viewMu.Lock()
	v := c.view
	c.viewMu.Unlock()
	c.outMu.Lock()
	v.QueuedEvents = len(c.outbox)
	c.outMu.Unlock()
	return v
}
