package server

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/zeusync/scopesync/internal/core/events/bus"
	"github.com/zeusync/scopesync/internal/core/observability/log"
	"github.com/zeusync/scopesync/internal/core/protocol"
	"github.com/zeusync/scopesync/internal/core/scope"
	"github.com/zeusync/scopesync/internal/core/session"
	"github.com/zeusync/scopesync/internal/core/wire"
	"github.com/zeusync/scopesync/internal/core/world"
	"github.com/zeusync/scopesync/pkg/concurrent"
	"github.com/zeusync/scopesync/pkg/generic"
)

// ManagerConfig tunes the connection manager.
type ManagerConfig struct {
	Session session.Config
	// MaxQueuedEvents bounds the events waiting per connection for room in
	// the reliable window.
	MaxQueuedEvents int
	// MaxInbound bounds the datagrams queued between two ticks.
	MaxInbound int
	// Workers limits the connections processed in parallel; 0 means no limit.
	Workers int
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Session:         session.DefaultConfig(),
		MaxQueuedEvents: 1024,
		MaxInbound:      1 << 16,
	}
}

func (c ManagerConfig) Validate() error {
	if err := c.Session.Validate(); err != nil {
		return err
	}
	if c.MaxQueuedEvents < 1 || c.MaxInbound < 1 || c.Workers < 0 {
		return fmt.Errorf("queue limits must be positive: %w", protocol.ErrInvalidConfig)
	}
	return nil
}

// ManagerStats are totals since the manager was created.
type ManagerStats struct {
	Connections     int
	Ticks           uint64
	Opened          uint64
	Closed          uint64
	Timeouts        uint64
	DatagramsIn     uint64
	DatagramsOut    uint64
	BytesOut        uint64
	InboundDropped  uint64
	UnknownAddr     uint64
	DecodeErrors    uint64
	TransportErrors uint64
	PassFailures    uint64
	EventsReceived  uint64
	EventsRejected  uint64
}

// TickReport summarizes one tick.
type TickReport struct {
	Tick         uint64        `json:"tick"`
	At           time.Time     `json:"at"`
	Took         time.Duration `json:"took_ns"`
	Connections  int           `json:"connections"`
	Entities     int           `json:"entities"`
	DatagramsIn  int           `json:"datagrams_in"`
	DatagramsOut int           `json:"datagrams_out"`
	BytesOut     int           `json:"bytes_out"`
	Events       int           `json:"events"`
	Closed       int           `json:"closed"`
	Errors       int           `json:"errors"`
}

type inbound struct {
	addr string
	data *[]byte
}

// Manager owns every connection and drives their synchronization. Tick must
// be called from one goroutine; everything else is safe for concurrent use,
// also while a tick is running. The manager's lock is released during the
// per-connection passes and bus events are published outside it, so scope
// evaluators and handlers may call back into the manager.
type Manager struct {
	cfg     ManagerConfig
	world   *world.World
	events  bus.EventBus
	logger  log.Log
	buffers *generic.BufferPool

	mu         sync.Mutex
	conns      map[protocol.ClientID]*Connection
	byAddr     map[string]*Connection
	eval       scope.Evaluator
	candidates scope.Candidates
	closed     bool
	stats      ManagerStats

	inMu    sync.Mutex
	inbound []inbound
	dropped uint64
}

func NewManager(w *world.World, cfg ManagerConfig, events bus.EventBus, logger log.Log) *Manager {
	return &Manager{
		cfg:     cfg,
		world:   w,
		events:  events,
		logger:  logger.With(log.String("component", "manager")),
		buffers: generic.NewBufferPool(cfg.Session.MaxDatagramSize),
		conns:   make(map[protocol.ClientID]*Connection),
		byAddr:  make(map[string]*Connection),
		eval:    scope.AllVisible,
	}
}

// SetScopeEvaluator replaces the visibility rule from the next tick on. Nil
// restores AllVisible.
func (m *Manager) SetScopeEvaluator(eval scope.Evaluator) {
	if eval == nil {
		eval = scope.AllVisible
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eval = eval
}

// SetCandidates narrows the entities the evaluator is asked about. Nil means
// every entity.
func (m *Manager) SetCandidates(c scope.Candidates) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates = c
}

// Connect registers a client reachable at addr through t.
func (m *Manager) Connect(client protocol.ClientID, addr string, t protocol.Transport, now time.Time) error {
	if client == "" {
		return protocol.ErrInvalidClientID
	}
	if t == nil {
		return fmt.Errorf("client %s without transport: %w", client, protocol.ErrInvalidConfig)
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrServerClosed
	}
	if _, ok := m.conns[client]; ok {
		m.mu.Unlock()
		return fmt.Errorf("client %s: %w", client, protocol.ErrConnectionExists)
	}
	if _, ok := m.byAddr[addr]; ok {
		m.mu.Unlock()
		return fmt.Errorf("address %s: %w", addr, protocol.ErrConnectionExists)
	}
	c := newConnection(client, addr, t, m.cfg.Session, now, m.logger)
	m.conns[client] = c
	m.byAddr[addr] = c
	m.stats.Opened++
	m.mu.Unlock()

	c.logger.Info("Client connected")
	m.publish(bus.NewConnectionEstablished(bus.ConnectionEstablished{
		Client:    client,
		Addr:      addr,
		Transport: t.Type(),
	}, now))
	return nil
}

// Disconnect tears the client down at once and sends it a disconnect notice.
func (m *Manager) Disconnect(client protocol.ClientID, now time.Time) error {
	m.mu.Lock()
	c, ok := m.conns[client]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("client %s: %w", client, protocol.ErrClientNotFound)
	}
	m.detachLocked(c, protocol.ErrConnectionClosed)
	m.mu.Unlock()

	m.publish(m.finish(c, now, protocol.ErrConnectionClosed, true))
	return nil
}

// DisconnectAddr tears down whichever client uses addr after its carrier went
// away. Unknown addresses are ignored.
func (m *Manager) DisconnectAddr(addr string, now time.Time) {
	m.mu.Lock()
	c, ok := m.byAddr[addr]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.detachLocked(c, protocol.ErrConnectionClosed)
	m.mu.Unlock()

	m.publish(m.finish(c, now, protocol.ErrConnectionClosed, false))
}

// detachLocked forgets c. Whoever detached it must call finish afterwards,
// without holding m.mu.
func (m *Manager) detachLocked(c *Connection, reason error) {
	delete(m.conns, c.id)
	delete(m.byAddr, c.addr)
	m.stats.Closed++
	if errors.Is(reason, protocol.ErrConnectionTimeout) {
		m.stats.Timeouts++
	}
}

// finish closes a detached connection, waiting for a pass still running on
// it, and returns the notice to publish.
func (m *Manager) finish(c *Connection, now time.Time, reason error, notifyPeer bool) bus.Event {
	traffic := c.close(now, notifyPeer)

	level := log.LevelInfo
	if !errors.Is(reason, protocol.ErrConnectionClosed) && !errors.Is(reason, protocol.ErrConnectionTimeout) {
		level = log.LevelWarn
	}
	c.logger.Log(level, "Client disconnected", log.Error(reason), log.Duration("lifetime", now.Sub(c.opened)))

	return bus.NewConnectionClosed(bus.ConnectionClosed{
		Client:  c.id,
		Addr:    c.addr,
		Reason:  reason,
		Opened:  c.opened,
		Traffic: traffic,
	}, now)
}

// Receive queues a datagram from addr for the next tick. It copies data and
// never blocks on a tick in progress.
func (m *Manager) Receive(addr string, data []byte) {
	m.inMu.Lock()
	defer m.inMu.Unlock()
	if len(m.inbound) >= m.cfg.MaxInbound {
		m.dropped++
		return
	}
	m.inbound = append(m.inbound, inbound{addr: addr, data: m.buffers.Copy(data)})
}

// SendEvent queues an application event for one client on the reliable
// channel.
func (m *Manager) SendEvent(client protocol.ClientID, t world.TypeID, payload []byte) error {
	msg, err := m.event(t, payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[client]
	if !ok {
		return fmt.Errorf("client %s: %w", client, protocol.ErrClientNotFound)
	}
	if n, ok := c.enqueue(msg, m.cfg.MaxQueuedEvents); !ok {
		m.stats.EventsRejected++
		return fmt.Errorf("client %s has %d queued events: %w", client, n, protocol.ErrCapacityExceeded)
	}
	return nil
}

// Broadcast queues an event for every connection. Connections whose queue is
// full are skipped and reported in the error.
func (m *Manager) Broadcast(t world.TypeID, payload []byte) error {
	msg, err := m.event(t, payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	skipped := 0
	for _, c := range m.conns {
		if _, ok := c.enqueue(msg, m.cfg.MaxQueuedEvents); !ok {
			skipped++
		}
	}
	if skipped > 0 {
		m.stats.EventsRejected += uint64(skipped)
		return fmt.Errorf("%d of %d connections full: %w", skipped, len(m.conns), protocol.ErrCapacityExceeded)
	}
	return nil
}

func (m *Manager) event(t world.TypeID, payload []byte) (wire.Message, error) {
	msg := wire.Event(t, slices.Clone(payload))
	if n := 2 + wire.EntrySize(wire.ChannelReliable, msg); n > wire.MaxBody(m.cfg.Session.MaxDatagramSize) || len(payload) > world.MaxComponentPayload {
		return wire.Message{}, fmt.Errorf("event %d of %d bytes: %w", t, len(payload), protocol.ErrMessageTooLarge)
	}
	return msg, nil
}

// Tick runs one synchronization pass over every connection: queued
// datagrams are processed, the world is snapshotted once, each connection
// diffs its visible set and flushes, and dead connections are removed.
// Failures stay with the connection that caused them.
func (m *Manager) Tick(ctx context.Context, now time.Time) (TickReport, error) {
	start := time.Now()

	m.inMu.Lock()
	queue := m.inbound
	m.inbound = nil
	dropped := m.dropped
	m.dropped = 0
	m.inMu.Unlock()

	snap, err := m.world.Snapshot()
	if err != nil {
		// the snapshot holds the last good encoding of the failing components
		m.logger.Warn("Snapshot incomplete", log.Error(err))
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		for _, in := range queue {
			m.buffers.Put(in.data)
		}
		return TickReport{}, ErrServerClosed
	}
	m.stats.Ticks++
	m.stats.InboundDropped += dropped

	inboxes := make(map[*Connection][]*[]byte)
	for _, in := range queue {
		c, ok := m.byAddr[in.addr]
		if !ok {
			m.stats.UnknownAddr++
			m.logger.Debug("Datagram from unknown address", log.Addr(in.addr))
			m.buffers.Put(in.data)
			continue
		}
		inboxes[c] = append(inboxes[c], in.data)
	}

	conns := slices.SortedFunc(maps.Values(m.conns), func(a, b *Connection) int { return cmp.Compare(a.id, b.id) })
	eval, candidates := m.eval, m.candidates
	window := m.cfg.Session.ReliableWindow
	m.mu.Unlock()

	failures := concurrent.ForEach(ctx, conns, m.cfg.Workers, func(ctx context.Context, c *Connection) error {
		c.result = c.pass(ctx, now, snap, eval, candidates, window, inboxes[c])
		return nil
	})
	for _, bufs := range inboxes {
		for _, b := range bufs {
			m.buffers.Put(b)
		}
	}

	report := TickReport{Tick: snap.Tick(), At: now, Entities: snap.Len()}
	type closing struct {
		conn   *Connection
		reason error
	}
	var (
		notices []bus.Event
		closed  []closing
	)
	m.mu.Lock()
	for i, c := range conns {
		res := c.result
		c.result = passResult{}

		report.DatagramsIn += res.datagramsIn
		report.DatagramsOut += res.datagramsOut
		report.BytesOut += res.bytesOut
		report.Events += len(res.events)
		report.Errors += res.decodeErrors + res.sendErrors
		m.stats.DatagramsIn += uint64(res.datagramsIn)
		m.stats.DatagramsOut += uint64(res.datagramsOut)
		m.stats.BytesOut += uint64(res.bytesOut)
		m.stats.DecodeErrors += uint64(res.decodeErrors)
		m.stats.TransportErrors += uint64(res.sendErrors)
		m.stats.EventsReceived += uint64(len(res.events))

		for _, ev := range res.events {
			notices = append(notices, bus.NewEventReceived(ev, now))
		}

		reason := res.closeReason
		if failures[i] != nil {
			m.stats.PassFailures++
			report.Errors++
			if errors.Is(failures[i], context.Canceled) || errors.Is(failures[i], context.DeadlineExceeded) {
				continue
			}
			reason = fmt.Errorf("replication pass: %w", failures[i])
		}
		// skip connections that were disconnected during the pass
		if reason != nil && m.conns[c.id] == c {
			m.detachLocked(c, reason)
			closed = append(closed, closing{c, reason})
			report.Closed++
		}
	}
	report.Connections = len(m.conns)
	m.mu.Unlock()

	for _, cl := range closed {
		notices = append(notices, m.finish(cl.conn, now, cl.reason, !errors.Is(cl.reason, protocol.ErrConnectionClosed)))
	}
	for _, ev := range notices {
		m.publish(ev)
	}
	report.Took = time.Since(start)
	return report, ctx.Err()
}

func (m *Manager) publish(ev bus.Event) {
	if m.events == nil {
		return
	}
	if err := m.events.Publish(ev); err != nil {
		m.logger.Warn("Event handler failed", log.String("event", ev.Type()), log.Error(err))
	}
}

// Connection returns a description of one live connection.
func (m *Manager) Connection(client protocol.ClientID) (ConnectionInfo, bool) {
	m.mu.Lock()
	c, ok := m.conns[client]
	m.mu.Unlock()
	if !ok {
		return ConnectionInfo{}, false
	}
	return c.info(), true
}

// Connections describes every live connection, ordered by client id.
func (m *Manager) Connections() []ConnectionInfo {
	m.mu.Lock()
	conns := slices.Collect(maps.Values(m.conns))
	m.mu.Unlock()

	out := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.info())
	}
	slices.SortFunc(out, func(a, b ConnectionInfo) int { return cmp.Compare(a.Client, b.Client) })
	return out
}

// Converged reports whether client has acknowledged exactly what it may see
// in snap.
func (m *Manager) Converged(client protocol.ClientID, snap *world.Snapshot) bool {
	m.mu.Lock()
	c, ok := m.conns[client]
	eval, candidates := m.eval, m.candidates
	m.mu.Unlock()
	if !ok {
		return false
	}
	return c.converged(snap, scope.Evaluate(client, snap, eval, candidates))
}

func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Connections = len(m.conns)
	return s
}

// Close disconnects every client. Later calls to Tick and Connect fail with
// ErrServerClosed.
func (m *Manager) Close(now time.Time) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	conns := slices.Collect(maps.Values(m.conns))
	for _, c := range conns {
		m.detachLocked(c, protocol.ErrConnectionClosed)
	}
	m.mu.Unlock()

	for _, c := range conns {
		m.publish(m.finish(c, now, protocol.ErrConnectionClosed, true))
	}
}
