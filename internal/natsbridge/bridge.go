package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"policy-automation/internal/domain"
	"policy-automation/internal/events"
)

// Options configure the bridge.
type Options struct {
	URL    string
	Name   string
	Prefix string
	// Forward lists the bus event types mirrored to NATS.
	Forward []events.Type
	// Ingest enables the inbound oracle and user activity subjects.
	Ingest bool
}

// Bus is the in-process bus surface the bridge uses.
type Bus interface {
	Subscribe(eventType events.Type, handler events.Handler, opts ...events.SubscribeOption)
	Publish(eventType events.Type, payload any, opts ...events.PublishOption) events.Event
}

// Envelope is the wire form of a forwarded event.
type Envelope struct {
	ID        string          `json:"id"`
	Type      events.Type     `json:"type"`
	Priority  string          `json:"priority"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Bridge mirrors bus events to NATS subjects and feeds inbound data onto the bus.
type Bridge struct {
	nc     *nats.Conn
	opts   Options
	logger zerolog.Logger
	subs   []*nats.Subscription
}

// Connect dials NATS.
func Connect(opts Options, logger zerolog.Logger) (*Bridge, error) {
	if opts.URL == "" {
		return nil, errors.New("nats url is required")
	}
	if opts.Prefix == "" {
		opts.Prefix = "policy"
	}
	if opts.Name == "" {
		opts.Name = "policyd"
	}

	log := logger.With().Str("component", "nats_bridge").Logger()
	nc, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.Timeout(5*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info().Str("url", opts.URL).Msg("connected to nats")
	return &Bridge{nc: nc, opts: opts, logger: log}, nil
}

// Subject returns the NATS subject for an event type.
func (b *Bridge) Subject(t events.Type) string {
	return b.opts.Prefix + ".events." + strings.ToLower(string(t))
}

// OracleSubject is the inbound subject for oracle readings.
func (b *Bridge) OracleSubject() string {
	return b.opts.Prefix + ".ingest.oracle"
}

// UserActivitySubject is the inbound subject for user activity.
func (b *Bridge) UserActivitySubject() string {
	return b.opts.Prefix + ".ingest.user_activity"
}

// Attach subscribes the forwarders and, when enabled, the inbound subjects.
func (b *Bridge) Attach(bus Bus) error {
	for _, t := range b.opts.Forward {
		bus.Subscribe(t, b.forward, events.WithName("natsbridge."+strings.ToLower(string(t))))
	}
	if !b.opts.Ingest {
		return nil
	}

	oracleSub, err := b.nc.Subscribe(b.OracleSubject(), func(msg *nats.Msg) {
		var data domain.OracleData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			b.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("drop malformed oracle message")
			return
		}
		if data.Source == "" {
			data.Source = "nats"
		}
		if data.Timestamp.IsZero() {
			data.Timestamp = time.Now().UTC()
		}
		bus.Publish(events.OracleDataReceived, events.OracleDataPayload{OracleData: data})
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.OracleSubject(), err)
	}

	activitySub, err := b.nc.Subscribe(b.UserActivitySubject(), func(msg *nats.Msg) {
		var activity domain.UserActivity
		if err := json.Unmarshal(msg.Data, &activity); err != nil || activity.Wallet == "" {
			b.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("drop malformed user activity message")
			return
		}
		bus.Publish(events.UserActivityDetected, events.UserActivityPayload{Activity: activity})
	})
	if err != nil {
		_ = oracleSub.Unsubscribe()
		return fmt.Errorf("subscribe %s: %w", b.UserActivitySubject(), err)
	}

	b.subs = append(b.subs, oracleSub, activitySub)
	return b.nc.Flush()
}

func (b *Bridge) forward(_ context.Context, evt events.Event) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", evt.Type, err)
	}
	data, err := json.Marshal(Envelope{
		ID:        evt.ID,
		Type:      evt.Type,
		Priority:  evt.Priority.String(),
		Timestamp: evt.Timestamp,
		Payload:   payload,
	})
	if err != nil {
		return err
	}
	if err := b.nc.Publish(b.Subject(evt.Type), data); err != nil {
		return fmt.Errorf("publish %s: %w", b.Subject(evt.Type), err)
	}
	return nil
}

// Ready reports whether the connection is up.
func (b *Bridge) Ready() bool {
	return b.nc != nil && b.nc.Status() == nats.CONNECTED
}

// Close drains subscriptions and the connection.
func (b *Bridge) Close() error {
	if b.nc == nil || b.nc.Status() == nats.CLOSED {
		return nil
	}
	if err := b.nc.Drain(); err != nil {
		b.logger.Error().Err(err).Msg("failed to drain nats connection")
		b.nc.Close()
		return fmt.Errorf("failed to drain connection to NATS: %w", err)
	}
	b.logger.Info().Msg("nats connection drained")
	return nil
}
