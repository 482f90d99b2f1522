package session

import (
	"fmt"
	"time"

	"github.com/energizer-project/botlink/internal/config"
	"github.com/energizer-project/botlink/internal/connector"
	"github.com/energizer-project/botlink/internal/protocol"
	"github.com/energizer-project/botlink/internal/transport"
)

// FromConfig builds the session described by sc using the shared framing,
// reconnect and keepalive sections of cfg.
func FromConfig(cfg *config.Config, sc config.SessionConfig, opts ...Option) (*Session, error) {
	ch, err := NewChannel(sc)
	if err != nil {
		return nil, err
	}

	scfg, err := Settings(cfg, sc)
	if err != nil {
		ch.Close()
		return nil, err
	}

	s, err := New(ch, scfg, opts...)
	if err != nil {
		ch.Close()
		return nil, err
	}
	return s, nil
}

// NewChannel creates the transport named by sc.Transport.
func NewChannel(sc config.SessionConfig) (transport.Channel, error) {
	opts := transport.Options{
		Name:           sc.Name,
		ConnectTimeout: sc.ConnectTimeout(),
		Path:           sc.WSPath,
	}

	switch sc.Transport {
	case config.TransportTCP, "":
		return transport.NewTCPChannel(opts), nil
	case config.TransportWebSocket:
		return transport.NewWebSocketChannel(opts), nil
	default:
		return nil, fmt.Errorf("session %s: unknown transport %q", sc.Name, sc.Transport)
	}
}

// Settings translates the configuration sections into a session Config.
func Settings(cfg *config.Config, sc config.SessionConfig) (Config, error) {
	order, err := protocol.ParseByteOrder(cfg.Framing.ByteOrder)
	if err != nil {
		return Config{}, fmt.Errorf("session %s: %w", sc.Name, err)
	}

	transportName := sc.Transport
	if transportName == "" {
		transportName = config.TransportTCP
	}

	out := Config{
		Name:      sc.Name,
		Host:      sc.Host,
		Port:      sc.Port,
		Transport: transportName,
		Framing: protocol.FramerConfig{
			HeaderWidth:      cfg.Framing.HeaderWidth,
			ByteOrder:        order,
			MaxFrameSize:     cfg.Framing.MaxFrameSize,
			LengthAdjustment: cfg.Framing.LengthAdjustment,
		},
		OpcodeWidth: cfg.Framing.OpcodeWidth,
		Policy:      Policy(cfg.Reconnect),
	}
	if cfg.Keepalive.Enabled {
		out.KeepaliveInterval = time.Duration(cfg.Keepalive.IntervalSec) * time.Second
		out.KeepaliveOpcode = protocol.Opcode(cfg.Keepalive.Opcode)
	}
	return out, nil
}

// Policy builds the reconnect policy selected by rc.
func Policy(rc config.ReconnectConfig) connector.ReconnectPolicy {
	base := time.Duration(rc.BaseDelayMs) * time.Millisecond

	switch rc.Policy {
	case config.PolicyFixed:
		return connector.FixedDelay{Delay: base, MaxAttempts: rc.MaxAttempts}
	case config.PolicyNone:
		return connector.NoReconnect{}
	default:
		return connector.ExponentialBackoff{
			Base:        base,
			Max:         time.Duration(rc.MaxDelayMs) * time.Millisecond,
			Multiplier:  rc.Multiplier,
			MaxAttempts: rc.MaxAttempts,
			Jitter:      rc.Jitter,
		}
	}
}
