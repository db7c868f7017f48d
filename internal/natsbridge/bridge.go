// Package natsbridge forwards messages from an external NATS subject
// into a bus mailbox, the way a dynamically loaded module would: it only
// talks to the bus through Send, the same entry point any module
// registered through internal/modreg would use.
package natsbridge

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"actorbus/internal/bus"
	"actorbus/internal/metrics"
)

// Config controls the NATS connection and which subject is bridged.
type Config struct {
	URL             string
	Subject         string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
}

// DefaultConfig fills in the reconnect tuning the teacher's client uses.
func DefaultConfig(url, subject string) Config {
	return Config{
		URL:             url,
		Subject:         subject,
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		ReconnectJitter: 500 * time.Millisecond,
	}
}

// Bridge owns one NATS subscription and forwards every message it
// receives into a single mailbox.
type Bridge struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	b      *bus.Bus
	target bus.Handle
	logger zerolog.Logger
	m      *metrics.Metrics
}

// Connect dials NATS, registers connection event handlers, and subscribes
// cfg.Subject, delivering every message to target via b.Send. The target
// mailbox must already be registered on b.
func Connect(cfg Config, b *bus.Bus, target bus.Handle, logger zerolog.Logger, m *metrics.Metrics) (*Bridge, error) {
	br := &Bridge{b: b, target: target, logger: logger.With().Str("component", "natsbridge").Logger(), m: m}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.ConnectHandler(br.onConnect),
		nats.DisconnectErrHandler(br.onDisconnect),
		nats.ReconnectHandler(br.onReconnect),
		nats.ErrorHandler(br.onError),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("natsbridge: connect: %w", err)
	}
	br.conn = conn

	sub, err := conn.Subscribe(cfg.Subject, br.deliver)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("natsbridge: subscribe %s: %w", cfg.Subject, err)
	}
	br.sub = sub

	if m != nil {
		m.NATSConnected.Set(1)
	}
	return br, nil
}

func (br *Bridge) deliver(msg *nats.Msg) {
	ok := br.b.Send(br.target, bus.Message{Payload: msg.Data})
	if !ok {
		br.logger.Warn().Uint32("handle", uint32(br.target)).Msg("dropped nats message: target mailbox not registered")
		if br.m != nil {
			br.m.NATSMessagesDropped.Inc()
		}
		return
	}
	if br.m != nil {
		br.m.NATSMessagesBridged.Inc()
	}
}

func (br *Bridge) onConnect(conn *nats.Conn) {
	br.logger.Info().Str("url", conn.ConnectedUrl()).Msg("connected to nats")
	if br.m != nil {
		br.m.NATSConnected.Set(1)
	}
}

func (br *Bridge) onDisconnect(conn *nats.Conn, err error) {
	br.logger.Warn().Err(err).Msg("disconnected from nats")
	if br.m != nil {
		br.m.NATSConnected.Set(0)
		br.m.RecordError(metrics.ErrorTypeNATS, metrics.SeverityWarning)
	}
}

func (br *Bridge) onReconnect(conn *nats.Conn) {
	br.logger.Info().Str("url", conn.ConnectedUrl()).Msg("reconnected to nats")
	if br.m != nil {
		br.m.NATSConnected.Set(1)
	}
}

func (br *Bridge) onError(conn *nats.Conn, sub *nats.Subscription, err error) {
	br.logger.Error().Err(err).Msg("nats error")
	if br.m != nil {
		br.m.RecordError(metrics.ErrorTypeNATS, metrics.SeverityCritical)
	}
}

// IsConnected reports whether the underlying NATS connection is up.
func (br *Bridge) IsConnected() bool {
	return br.conn != nil && br.conn.IsConnected()
}

// Close unsubscribes and closes the NATS connection.
func (br *Bridge) Close() error {
	if br.sub != nil {
		if err := br.sub.Unsubscribe(); err != nil {
			br.logger.Warn().Err(err).Msg("error unsubscribing from nats")
		}
	}
	if br.conn != nil {
		br.conn.Close()
		if br.m != nil {
			br.m.NATSConnected.Set(0)
		}
	}
	return nil
}
