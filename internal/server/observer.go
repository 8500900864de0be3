package server

import (
	"time"

	"github.com/zeusync/scopesync/internal/core/events/bus"
	"github.com/zeusync/scopesync/internal/core/observability/log"
)

var _ bus.Observer = (*deliveryObserver)(nil)

// deliveryObserver reports failing and slow bus handlers. Handlers run on
// the tick goroutine, so a slow one delays replication for every client.
type deliveryObserver struct {
	logger log.Log
	slow   time.Duration
}

func newDeliveryObserver(logger log.Log, tick time.Duration) *deliveryObserver {
	return &deliveryObserver{logger: logger, slow: tick / 4}
}

func (o *deliveryObserver) OnPublish(string, bus.Event) {}

func (o *deliveryObserver) OnDelivered(eventType string, handlers int, err error, took time.Duration) {
	switch {
	case err != nil:
		o.logger.Warn("Event handler failed",
			log.String("event", eventType), log.Int("handlers", handlers), log.Error(err))
	case took > o.slow:
		o.logger.Warn("Slow event handlers",
			log.String("event", eventType), log.Int("handlers", handlers), log.Duration("took", took))
	}
}
