// ABOUTME: Inbound message ingestion that creates or bumps conversations
// ABOUTME: Drops redelivered messages by provider message ID before touching the store

package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/inbox-allocator/internal/dedupe"
	"github.com/2389/inbox-allocator/internal/events"
	"github.com/2389/inbox-allocator/internal/store"
)

// ErrInvalidMessage is returned for messages missing required fields.
var ErrInvalidMessage = errors.New("invalid message")

// Store is the persistence ingestion needs.
type Store interface {
	GetOrCreateInbox(ctx context.Context, tenantID, phone string, at time.Time) (*store.Inbox, error)
	RecordMessageActivity(ctx context.Context, a store.MessageActivity) (*store.Conversation, bool, error)
}

// Message is one inbound customer message.
type Message struct {
	MessageID              string    `json:"message_id"`
	TenantID               string    `json:"tenant_id"`
	InboxPhone             string    `json:"inbox_phone"`
	ExternalConversationID string    `json:"external_conversation_id"`
	CustomerPhone          string    `json:"customer_phone"`
	ReceivedAt             time.Time `json:"received_at,omitempty"`
}

func (m Message) validate() error {
	var missing []string
	if m.TenantID == "" {
		missing = append(missing, "tenant_id")
	}
	if m.InboxPhone == "" {
		missing = append(missing, "inbox_phone")
	}
	if m.ExternalConversationID == "" {
		missing = append(missing, "external_conversation_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidMessage, strings.Join(missing, ", "))
	}
	return nil
}

// Result describes what ingesting a message did.
type Result struct {
	Conversation *store.Conversation
	Created      bool
	Duplicate    bool
}

// Service records inbound messages against conversations.
type Service struct {
	store     Store
	cache     *dedupe.Cache
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Service. A nil cache disables deduplication and a nil
// publisher disables events.
func New(s Store, cache *dedupe.Cache, publisher events.Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     s,
		cache:     cache,
		publisher: publisher,
		logger:    logger.With("component", "ingest"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Ingest records msg. A new conversation starts QUEUED with one message;
// an existing one has its message count and last activity bumped. Messages
// on RESOLVED conversations are counted but do not reopen them.
func (s *Service) Ingest(ctx context.Context, msg Message) (*Result, error) {
	if err := msg.validate(); err != nil {
		return nil, err
	}

	var key string
	if s.cache != nil && msg.MessageID != "" {
		key = dedupe.Key(msg.TenantID, msg.MessageID)
		if s.cache.CheckAndMark(key) {
			s.logger.Debug("dropping duplicate message", "tenant_id", msg.TenantID, "message_id", msg.MessageID)
			return &Result{Duplicate: true}, nil
		}
	}

	res, err := s.record(ctx, msg)
	if err != nil {
		if key != "" {
			s.cache.Forget(key)
		}
		return nil, err
	}
	return res, nil
}

func (s *Service) record(ctx context.Context, msg Message) (*Result, error) {
	at := msg.ReceivedAt
	if at.IsZero() {
		at = s.now()
	}

	inbox, err := s.store.GetOrCreateInbox(ctx, msg.TenantID, msg.InboxPhone, at)
	if err != nil {
		return nil, fmt.Errorf("resolving inbox %s: %w", msg.InboxPhone, err)
	}

	conv, created, err := s.store.RecordMessageActivity(ctx, store.MessageActivity{
		TenantID:               msg.TenantID,
		InboxID:                inbox.ID,
		ExternalConversationID: msg.ExternalConversationID,
		CustomerPhone:          msg.CustomerPhone,
		At:                     at,
	})
	if err != nil {
		return nil, fmt.Errorf("recording message activity: %w", err)
	}

	if created {
		s.logger.Info("conversation queued",
			"conversation_id", conv.ID,
			"tenant_id", conv.TenantID,
			"inbox_id", conv.InboxID,
		)
		s.publishQueued(ctx, conv)
	}
	return &Result{Conversation: conv, Created: created}, nil
}

func (s *Service) publishQueued(ctx context.Context, conv *store.Conversation) {
	if s.publisher == nil {
		return
	}
	env := events.New(events.TypeConversationQueued, s.now(), events.ConversationChange{
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		InboxID:        conv.InboxID,
		State:          string(conv.State),
	})
	if err := s.publisher.Publish(ctx, env); err != nil {
		s.logger.Warn("failed to publish event", "type", env.Meta.Type, "error", err)
	}
}
