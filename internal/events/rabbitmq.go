// ABOUTME: RabbitMQ publisher that sends allocation events to a durable topic exchange
// ABOUTME: Uses the event type as routing key and persistent delivery with publisher confirms

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// RabbitPublisher publishes envelopes to a topic exchange.
type RabbitPublisher struct {
	conn     *amqp091.Connection
	exchange string
	logger   *slog.Logger
}

// NewRabbitPublisher dials url and declares the exchange.
func NewRabbitPublisher(url, exchange string, logger *slog.Logger) (*RabbitPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dialing rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring exchange %s: %w", exchange, err)
	}

	return &RabbitPublisher{
		conn:     conn,
		exchange: exchange,
		logger:   logger.With("component", "events.rabbitmq"),
	}, nil
}

// Publish sends the envelope with its type as the routing key.
func (p *RabbitPublisher) Publish(ctx context.Context, env Envelope) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	pub := rabbitPublishing(env, body)
	if err := ch.PublishWithContext(ctx, p.exchange, env.Meta.Type, false, false, pub); err != nil {
		return fmt.Errorf("publishing %s: %w", env.Meta.Type, err)
	}
	p.logger.Debug("published", "key", env.Meta.Type, "exchange", p.exchange)
	return nil
}

func rabbitPublishing(env Envelope, body []byte) amqp091.Publishing {
	cid := env.Meta.ID
	if env.Meta.CorrelationID != nil {
		cid = *env.Meta.CorrelationID
	}
	ts := env.Meta.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: cid,
		Timestamp:     ts,
		Type:          env.Meta.Type,
		AppId:         Producer,
		Body:          body,
	}
}

// Close closes the connection.
func (p *RabbitPublisher) Close() error {
	return p.conn.Close()
}
