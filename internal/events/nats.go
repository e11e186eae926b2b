// ABOUTME: NATS publisher that sends allocation events on per-type subjects
// ABOUTME: Subjects are prefix.type, e.g. allocator.conversation.allocated.v1

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSPublisher publishes envelopes on core NATS.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher connects to url with reconnects enabled.
func NewNATSPublisher(url, subjectPrefix string, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name(Producer),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return &NATSPublisher{
		nc:     nc,
		prefix: subjectPrefix,
		logger: logger.With("component", "events.nats"),
	}, nil
}

// Subject returns the subject an event type is published on.
func Subject(prefix, eventType string) string {
	if prefix == "" {
		return eventType
	}
	return prefix + "." + eventType
}

// Publish sends the envelope as JSON.
func (p *NATSPublisher) Publish(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	msg := nats.NewMsg(Subject(p.prefix, env.Meta.Type))
	msg.Header.Set("Nats-Msg-Id", env.Meta.ID)
	msg.Data = body
	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publishing %s: %w", env.Meta.Type, err)
	}
	return nil
}

// Close flushes pending messages and drains the connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}
