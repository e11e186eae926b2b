// ABOUTME: Allocation event envelope and the Publisher abstraction for outbound notifications
// ABOUTME: Provides log, fan-out and recording publishers; broker sinks live in sibling files

package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Producer identifies this service in event metadata.
const Producer = "inbox-allocator"

// Event types, used as routing keys and subject suffixes.
const (
	TypeConversationQueued      = "conversation.queued.v1"
	TypeConversationAllocated   = "conversation.allocated.v1"
	TypeConversationResolved    = "conversation.resolved.v1"
	TypeConversationDeallocated = "conversation.deallocated.v1"
	TypeConversationReassigned  = "conversation.reassigned.v1"
	TypeConversationMoved       = "conversation.moved.v1"
	TypeConversationReclaimed   = "conversation.reclaimed.v1"
	TypeOperatorStatusChanged   = "operator.status_changed.v1"
)

// Meta describes an emitted event.
type Meta struct {
	CorrelationID *string   `json:"correlation_id,omitempty"`
	ID            string    `json:"id"`
	Producer      string    `json:"producer"`
	Time          time.Time `json:"time"`
	Type          string    `json:"type"`
}

// Envelope wraps an event payload with its metadata.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// ConversationChange is the payload of conversation events.
type ConversationChange struct {
	TenantID           string   `json:"tenant_id"`
	ConversationID     string   `json:"conversation_id"`
	InboxID            string   `json:"inbox_id,omitempty"`
	State              string   `json:"state"`
	OperatorID         string   `json:"operator_id,omitempty"`
	PreviousOperatorID string   `json:"previous_operator_id,omitempty"`
	ActorID            string   `json:"actor_id,omitempty"`
	PriorityScore      *float64 `json:"priority_score,omitempty"`
}

// OperatorChange is the payload of operator status events.
type OperatorChange struct {
	TenantID         string `json:"tenant_id"`
	OperatorID       string `json:"operator_id"`
	Status           string `json:"status"`
	GraceAssignments int    `json:"grace_assignments"`
}

// New builds an envelope with a fresh ID.
func New(eventType string, at time.Time, data any) Envelope {
	return Envelope{
		Meta: Meta{
			ID:       uuid.NewString(),
			Producer: Producer,
			Time:     at.UTC(),
			Type:     eventType,
		},
		Data: data,
	}
}

// Publisher delivers envelopes to some sink.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
	Close() error
}

// LogPublisher writes events to a structured logger.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a publisher that logs each event at Info.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger.With("component", "events")}
}

// Publish logs the envelope.
func (p *LogPublisher) Publish(ctx context.Context, env Envelope) error {
	p.logger.Info("event", "type", env.Meta.Type, "id", env.Meta.ID, "data", env.Data)
	return nil
}

// Close is a no-op.
func (p *LogPublisher) Close() error { return nil }

// Multi fans every event out to all publishers.
type Multi struct {
	publishers []Publisher
}

// NewMulti combines publishers. Nil entries are skipped.
func NewMulti(publishers ...Publisher) *Multi {
	m := &Multi{}
	for _, p := range publishers {
		if p != nil {
			m.publishers = append(m.publishers, p)
		}
	}
	return m
}

// Len returns the number of sinks.
func (m *Multi) Len() int { return len(m.publishers) }

// Publish sends to every sink and joins their errors.
func (m *Multi) Publish(ctx context.Context, env Envelope) error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.Publish(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink and joins their errors.
func (m *Multi) Close() error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published envelopes in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Envelope
}

// Publish records the envelope.
func (r *Recorder) Publish(ctx context.Context, env Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, env)
	return nil
}

// Close is a no-op.
func (r *Recorder) Close() error { return nil }

// Events returns a copy of the recorded envelopes.
func (r *Recorder) Events() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Envelope, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Meta.Type
	}
	return out
}
