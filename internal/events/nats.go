package events

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// publishConn is the slice of *nats.Conn the publisher uses.
type publishConn interface {
	Publish(subject string, data []byte) error
	Close()
}

// NATSPublisher implements Publisher using NATS
type NATSPublisher struct {
	conn    publishConn
	subject string
	logger  zerolog.Logger
}

// NewNATSPublisher creates a new NATS-backed publisher
func NewNATSPublisher(natsURL, subject string, logger zerolog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(natsURL, nats.Name("policyrt"))
	if err != nil {
		return nil, err
	}
	return newNATSPublisher(conn, subject, logger), nil
}

func newNATSPublisher(conn publishConn, subject string, logger zerolog.Logger) *NATSPublisher {
	return &NATSPublisher{
		conn:    conn,
		subject: subject,
		logger:  logger,
	}
}

// Close closes the NATS connection
func (n *NATSPublisher) Close() {
	if n.conn != nil {
		n.conn.Close()
	}
}

// Ping reports whether the underlying connection is up.
func (n *NATSPublisher) Ping(context.Context) error {
	if c, ok := n.conn.(interface{ IsConnected() bool }); ok && !c.IsConnected() {
		return errors.New("nats: not connected")
	}
	return nil
}

// PublishLifecycle publishes environment lifecycle events on the main subject.
func (n *NATSPublisher) PublishLifecycle(ctx context.Context, event LifecycleEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		n.logger.Error().Err(err).Str("subject", n.subject).Msg("Failed to publish lifecycle event")
		return err
	}

	n.logger.Debug().
		Str("env_id", event.EnvID).
		Str("event", event.Event).
		Str("subject", n.subject).
		Msg("Published lifecycle event")
	return nil
}

// PublishWeights publishes hot-swap events. Rejected swaps are also sent to
// the error routing key for alerting.
func (n *NATSPublisher) PublishWeights(ctx context.Context, event WeightsEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	subject := n.subject + ".weights"
	if err := n.conn.Publish(subject, data); err != nil {
		n.logger.Error().Err(err).Str("subject", subject).Msg("Failed to publish weights event")
		return err
	}

	if !event.Accepted {
		routingKey := n.subject + ".error"
		if err := n.conn.Publish(routingKey, data); err != nil {
			n.logger.Error().Err(err).Str("routing_key", routingKey).Msg("Failed to publish to routing key")
		}
	}

	n.logger.Debug().
		Str("env_id", event.EnvID).
		Str("fingerprint", event.Fingerprint).
		Bool("accepted", event.Accepted).
		Str("subject", subject).
		Msg("Published weights event")
	return nil
}

// PublishInvariant publishes safety violations on the main subject and the
// invariant routing key.
func (n *NATSPublisher) PublishInvariant(ctx context.Context, event InvariantEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if err := n.conn.Publish(n.subject, data); err != nil {
		n.logger.Error().Err(err).Str("subject", n.subject).Msg("Failed to publish invariant event")
		return err
	}

	routingKey := n.subject + ".invariant"
	if err := n.conn.Publish(routingKey, data); err != nil {
		n.logger.Error().Err(err).Str("routing_key", routingKey).Msg("Failed to publish to routing key")
	}

	n.logger.Warn().
		Str("env_id", event.EnvID).
		Uint64("step", event.Step).
		Str("detail", event.Detail).
		Msg("Published invariant violation")
	return nil
}
