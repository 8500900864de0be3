package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/scopesync/internal/config"
	"github.com/zeusync/scopesync/internal/core/events/bus"
	"github.com/zeusync/scopesync/internal/core/observability/log"
	"github.com/zeusync/scopesync/internal/core/protocol"
	"github.com/zeusync/scopesync/internal/core/storage/journal"
	"github.com/zeusync/scopesync/internal/core/storage/ledger"
	"github.com/zeusync/scopesync/internal/core/world"
	"github.com/zeusync/scopesync/pkg/concurrent"
)

var _ protocol.Handler = (*Server)(nil)

// TickFunc mutates the world before a tick is replicated.
type TickFunc func(now time.Time, w *world.World) error

// Server owns the world, the connection manager, the transports and the
// stores, and replicates the world at the configured tick rate.
type Server struct {
	config    config.Config
	world     *world.World
	manager   *Manager
	events    bus.EventBus
	acceptors []protocol.Acceptor
	journal   *journal.Writer
	ledger    *ledger.Ledger
	observer  *deliveryObserver
	logger    log.Log

	mu     sync.Mutex
	onTick TickFunc
	last   TickReport
	subs   []bus.Subscription
	cancel context.CancelFunc

	running   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once

	workerGroup sync.WaitGroup
}

// ManagerConfigFrom derives the manager tunables from the server config.
func ManagerConfigFrom(cfg config.Config) ManagerConfig {
	return ManagerConfig{
		Session:         cfg.Session(),
		MaxQueuedEvents: cfg.MaxQueuedEvents,
		MaxInbound:      cfg.MaxInboundDatagrams,
		Workers:         cfg.Workers,
	}
}

// NewServer wires a server. journal and ledger may be nil.
func NewServer(
	cfg config.Config,
	w *world.World,
	events bus.EventBus,
	acceptors []protocol.Acceptor,
	j *journal.Writer,
	l *ledger.Ledger,
	logger log.Log,
) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mcfg := ManagerConfigFrom(cfg)
	if err := mcfg.Validate(); err != nil {
		return nil, err
	}
	if events == nil {
		events = bus.New()
	}
	s := &Server{
		config:    cfg,
		world:     w,
		manager:   NewManager(w, mcfg, events, logger),
		events:    events,
		acceptors: acceptors,
		journal:   j,
		ledger:    l,
		logger:    logger.With(log.String("component", "server")),
	}
	s.observer = newDeliveryObserver(s.logger, cfg.TickInterval())
	events.AddObserver(s.observer)
	s.logger.Info("Server created",
		log.Int("tick_rate", cfg.TickRate), log.Int("transports", len(acceptors)))
	return s, nil
}

func (s *Server) World() *world.World   { return s.world }
func (s *Server) Manager() *Manager     { return s.manager }
func (s *Server) Events() bus.EventBus  { return s.events }
func (s *Server) Config() config.Config { return s.config }

// OnTick installs the world mutation run before every tick.
func (s *Server) OnTick(fn TickFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTick = fn
}

// LastReport is the report of the most recent tick.
func (s *Server) LastReport() TickReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Start serves every transport and runs the tick loop until Stop or until
// ctx ends.
func (s *Server) Start(ctx context.Context) error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	if len(s.acceptors) == 0 {
		return ErrNoAcceptors
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerAlreadyRunning
	}

	if err := s.subscribe(); err != nil {
		s.running.Store(false)
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	for _, a := range s.acceptors {
		s.workerGroup.Add(1)
		go func(a protocol.Acceptor) {
			defer s.workerGroup.Done()
			if err := a.Serve(ctx, s); err != nil {
				s.logger.Error("Transport stopped", log.String("transport", string(a.Type())), log.Error(err))
			}
		}(a)
	}

	s.workerGroup.Add(1)
	go s.tickLoop(ctx)

	s.logger.Info("Server started", log.Duration("tick_interval", s.config.TickInterval()))
	return nil
}

// subscribe records session lifecycles in the ledger.
func (s *Server) subscribe() error {
	if s.ledger == nil {
		return nil
	}
	opened, err := bus.On(s.events, bus.TypeConnectionEstablished, func(ev bus.ConnectionEstablished) error {
		s.ledger.Opened(string(ev.Client), ev.Addr, string(ev.Transport), time.Now())
		return nil
	})
	if err != nil {
		return err
	}
	closed, err := bus.On(s.events, bus.TypeConnectionClosed, func(ev bus.ConnectionClosed) error {
		s.ledger.Closed(string(ev.Client), time.Now(), ev.Reason, ledger.Traffic{
			DatagramsIn:  ev.Traffic.DatagramsReceived,
			DatagramsOut: ev.Traffic.DatagramsSent,
			BytesIn:      ev.Traffic.BytesReceived,
			BytesOut:     ev.Traffic.BytesSent,
		})
		return nil
	})
	if err != nil {
		_ = opened.Cancel()
		return err
	}
	s.mu.Lock()
	s.subs = append(s.subs, opened, closed)
	s.mu.Unlock()
	return nil
}

func (s *Server) tickLoop(ctx context.Context) {
	defer s.workerGroup.Done()
	ticker := time.NewTicker(s.config.TickInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			_, err := s.Tick(ctx, now)
			if errors.Is(err, ErrServerClosed) {
				return
			}
			if err != nil && ctx.Err() == nil {
				s.logger.Error("Tick failed", log.Error(err))
			}
		}
	}
}

// Tick runs the world mutation hook and one replication tick. The loop
// started by Start calls it; tests may drive it directly.
func (s *Server) Tick(ctx context.Context, now time.Time) (TickReport, error) {
	s.mu.Lock()
	onTick := s.onTick
	s.mu.Unlock()

	if onTick != nil {
		if err := concurrent.Isolate(func() error { return onTick(now, s.world) }); err != nil {
			s.logger.Warn("World update failed", log.Error(err))
		}
	}

	report, err := s.manager.Tick(ctx, now)
	if err != nil {
		return report, err
	}
	s.mu.Lock()
	s.last = report
	s.mu.Unlock()

	if s.journal != nil {
		if err = s.journal.Write(now, report); err != nil {
			s.logger.Warn("Journal write failed", log.Error(err))
		}
	}
	if report.Closed > 0 || report.Errors > 0 {
		s.logger.Debug("Tick",
			log.Uint64("tick", report.Tick),
			log.Int("connections", report.Connections),
			log.Int("closed", report.Closed),
			log.Int("errors", report.Errors))
	}
	return report, nil
}

// Connected implements protocol.Handler.
func (s *Server) Connected(t protocol.Transport, addr string) (protocol.ClientID, error) {
	if s.closed.Load() {
		return "", ErrServerClosed
	}
	id := protocol.GenerateClientID()
	if err := s.manager.Connect(id, addr, t, time.Now()); err != nil {
		return "", err
	}
	return id, nil
}

// Datagram implements protocol.Handler.
func (s *Server) Datagram(addr string, data []byte) {
	s.manager.Receive(addr, data)
}

// Disconnected implements protocol.Handler.
func (s *Server) Disconnected(addr string) {
	s.manager.DisconnectAddr(addr, time.Now())
}

// Stop disconnects every client and stops the transports and the tick loop.
// A stopped server cannot be started again.
func (s *Server) Stop(_ context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return ErrServerNotRunning
	}
	s.logger.Info("Stopping server")

	// disconnect notices go out while the transports are still up
	s.manager.Close(time.Now())

	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	cancel()
	s.workerGroup.Wait()

	var errs []error
	for _, a := range s.acceptors {
		if err := a.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closed.Store(true)
	m := s.events.Metrics()
	s.logger.Info("Server stopped",
		log.Uint64("ticks", s.manager.Stats().Ticks),
		log.Uint64("events_published", m.Published),
		log.Uint64("event_errors", m.Errors))
	return errors.Join(errs...)
}

// Close stops the server when running and releases the stores.
func (s *Server) Close() error {
	if s.running.Load() {
		_ = s.Stop(context.Background())
	}
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.manager.Close(time.Now())

		s.mu.Lock()
		subs := s.subs
		s.subs = nil
		s.mu.Unlock()
		for _, sub := range subs {
			_ = s.events.Unsubscribe(sub)
		}
		s.events.RemoveObserver(s.observer)

		var errs []error
		if s.journal != nil {
			errs = append(errs, s.journal.Close())
		}
		if s.ledger != nil {
			errs = append(errs, s.ledger.Close())
		}
		err = errors.Join(errs...)
	})
	return err
}
