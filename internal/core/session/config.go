package session

import (
	"fmt"
	"time"

	"github.com/zeusync/scopesync/internal/core/protocol"
	"github.com/zeusync/scopesync/internal/core/reliability"
	"github.com/zeusync/scopesync/internal/core/wire"
)

// Config tunes one endpoint. Every field is explicit; DefaultConfig holds the
// documented defaults.
type Config struct {
	MaxDatagramSize   int
	ResendTimeout     time.Duration
	IdleTimeout       time.Duration
	HeartbeatInterval time.Duration
	AckWindow         int
	ReliableWindow    int
	FragmentTimeout   time.Duration
	MaxReassembly     int
	MaxSentPackets    int
	RTTSmoothing      float64
	RTTMax            time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxDatagramSize:   508,
		ResendTimeout:     200 * time.Millisecond,
		IdleTimeout:       10 * time.Second,
		HeartbeatInterval: time.Second,
		AckWindow:         32,
		ReliableWindow:    256,
		FragmentTimeout:   2 * time.Second,
		MaxReassembly:     32,
		MaxSentPackets:    1024,
		RTTSmoothing:      0.1,
		RTTMax:            2 * time.Second,
	}
}

func (c Config) Validate() error {
	switch {
	case c.MaxDatagramSize <= wire.HeaderSize+2:
		return fmt.Errorf("max datagram size %d too small: %w", c.MaxDatagramSize, protocol.ErrInvalidConfig)
	case c.AckWindow < 1 || c.AckWindow > reliability.MaxAckWindow:
		return fmt.Errorf("ack window %d outside 1..%d: %w", c.AckWindow, reliability.MaxAckWindow, protocol.ErrInvalidConfig)
	case c.ReliableWindow < 1 || c.ReliableWindow > reliability.MaxReliableWindow:
		return fmt.Errorf("reliable window %d outside 1..%d: %w", c.ReliableWindow, reliability.MaxReliableWindow, protocol.ErrInvalidConfig)
	case c.ResendTimeout <= 0, c.IdleTimeout <= 0, c.HeartbeatInterval <= 0, c.FragmentTimeout <= 0:
		return fmt.Errorf("timeouts must be positive: %w", protocol.ErrInvalidConfig)
	case c.MaxReassembly < 1 || c.MaxSentPackets < 1:
		return fmt.Errorf("buffer limits must be positive: %w", protocol.ErrInvalidConfig)
	case c.RTTSmoothing <= 0 || c.RTTSmoothing > 1:
		return fmt.Errorf("rtt smoothing %v outside (0,1]: %w", c.RTTSmoothing, protocol.ErrInvalidConfig)
	}
	return nil
}
