// ABOUTME: Allocation engine driving the conversation state machine for operators
// ABOUTME: Implements allocate-next, claim and resolve on top of conditional store transitions

package allocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/inbox-allocator/internal/events"
	"github.com/2389/inbox-allocator/internal/priority"
	"github.com/2389/inbox-allocator/internal/store"
	"github.com/2389/inbox-allocator/internal/tracing"
)

// Store is the persistence the engine needs.
type Store interface {
	GetOperator(ctx context.Context, id string) (*store.Operator, error)
	GetInbox(ctx context.Context, id string) (*store.Inbox, error)
	EnsureSubscription(ctx context.Context, operatorID, inboxID string, at time.Time) error
	ListOperatorInboxes(ctx context.Context, operatorID string) ([]*store.Inbox, error)

	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	ListConversations(ctx context.Context, filter store.ConversationFilter) ([]*store.Conversation, error)
	ListQueuedCandidates(ctx context.Context, tenantID string, limit int) ([]*store.Conversation, error)
	UpdatePriorityScores(ctx context.Context, scores map[string]float64) error
	TransitionConversation(ctx context.Context, t store.ConversationTransition) (*store.Conversation, error)
	MoveConversationInbox(ctx context.Context, conversationID, inboxID string, at time.Time) (*store.Conversation, error)

	GetTenantConfig(ctx context.Context, tenantID string) (*store.TenantConfig, error)
	UpsertTenantConfig(ctx context.Context, cfg *store.TenantConfig) error

	MarkOperatorOffline(ctx context.Context, operatorID string, reason store.GraceReason, deadline, at time.Time) ([]*store.GraceAssignment, error)
	MarkOperatorOnline(ctx context.Context, operatorID string, at time.Time) (int, error)
	ListExpiredGrace(ctx context.Context, now time.Time, limit int) ([]*store.GraceAssignment, error)
	ReclaimGrace(ctx context.Context, ga *store.GraceAssignment, at time.Time) (store.GraceOutcome, error)

	AppendAuditLog(ctx context.Context, entry *store.AuditEntry) error
}

// Config holds engine tuning.
type Config struct {
	// CandidateWindow bounds how many QUEUED conversations are scored per allocation.
	CandidateWindow int
	// GracePeriod is how long an offline operator keeps its conversations.
	GracePeriod time.Duration
	// DefaultWeights apply to tenants without stored weights.
	DefaultWeights priority.Weights
	// ExpiryBatchSize bounds how many grace assignments a sweep reads per page.
	// A sweep keeps paging until every expired assignment is processed.
	ExpiryBatchSize int
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		CandidateWindow: 100,
		GracePeriod:     time.Minute,
		DefaultWeights:  priority.DefaultWeights,
		ExpiryBatchSize: 500,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CandidateWindow <= 0 {
		c.CandidateWindow = d.CandidateWindow
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = d.GracePeriod
	}
	if c.DefaultWeights == (priority.Weights{}) || !c.DefaultWeights.Valid() {
		c.DefaultWeights = d.DefaultWeights
	}
	if c.ExpiryBatchSize <= 0 {
		c.ExpiryBatchSize = d.ExpiryBatchSize
	}
	return c
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithPublisher sends an event after every successful transition.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// Engine owns the conversation state machine.
type Engine struct {
	store     Store
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
	publisher events.Publisher
}

// New creates an Engine. A nil logger uses slog.Default().
func New(s Store, cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:  s,
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "allocation"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// RankedConversation is a queued conversation with its current score.
type RankedConversation struct {
	Conversation *store.Conversation
	Score        float64
}

// QueueView is the read-only candidate view for one operator.
type QueueView struct {
	OperatorID     string
	OperatorStatus store.OperatorStatus
	Conversations  []RankedConversation
}

// AllocateNext assigns the highest-priority QUEUED conversation of the
// operator's tenant to the operator. Candidates lost to concurrent callers
// are skipped in rank order; if every candidate is lost the result is
// ErrNoWorkAvailable.
func (e *Engine) AllocateNext(ctx context.Context, operatorID string) (conv *store.Conversation, err error) {
	ctx, span := tracing.Start(ctx, "allocation.allocate_next", "operator_id", operatorID)
	defer func() { tracing.End(span, err) }()

	op, err := e.operator(ctx, operatorID)
	if err != nil {
		return nil, err
	}
	if op.Status != store.StatusAvailable {
		return nil, fmt.Errorf("%w: operator %s is %s", ErrOperatorUnavailable, op.ID, op.Status)
	}

	ranked, err := e.rankQueue(ctx, op.TenantID)
	if err != nil {
		return nil, err
	}
	if len(ranked) == 0 {
		return nil, fmt.Errorf("%w: tenant %s has no queued conversations", ErrNoWorkAvailable, op.TenantID)
	}

	for i, candidate := range ranked {
		score := candidate.Score
		conv, err := e.store.TransitionConversation(ctx, store.ConversationTransition{
			ID:               candidate.Conversation.ID,
			From:             []store.ConversationState{store.StateQueued},
			To:               store.StateAllocated,
			OperatorID:       op.ID,
			RequireAvailable: true,
			PriorityScore:    &score,
			At:               e.now(),
		})
		if errors.Is(err, store.ErrConflict) {
			e.logger.Debug("lost allocation race",
				"conversation_id", candidate.Conversation.ID,
				"operator_id", op.ID,
				"rank", i,
			)
			if err := e.requireStillAvailable(ctx, op.ID); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("allocating conversation %s: %w", candidate.Conversation.ID, err)
		}

		e.subscribe(ctx, op.ID, conv.InboxID)
		e.logger.Info("conversation allocated",
			"conversation_id", conv.ID,
			"operator_id", op.ID,
			"score", score,
			"candidates", len(ranked),
		)
		e.publishConversation(ctx, events.TypeConversationAllocated, conv, "", op.ID, &score)
		return conv, nil
	}

	return nil, fmt.Errorf("%w: all %d candidates were taken concurrently", ErrNoWorkAvailable, len(ranked))
}

// ListQueued returns the ranked candidate window for the operator's tenant.
// It works for OFFLINE operators and refreshes the advisory scores.
func (e *Engine) ListQueued(ctx context.Context, operatorID string) (*QueueView, error) {
	op, err := e.operator(ctx, operatorID)
	if err != nil {
		return nil, err
	}
	ranked, err := e.rankQueue(ctx, op.TenantID)
	if err != nil {
		return nil, err
	}

	scores := make(map[string]float64, len(ranked))
	for _, r := range ranked {
		scores[r.Conversation.ID] = r.Score
	}
	if err := e.store.UpdatePriorityScores(ctx, scores); err != nil {
		// Scores are advisory; the view is still correct.
		e.logger.Warn("failed to cache priority scores", "tenant_id", op.TenantID, "error", err)
	}

	return &QueueView{
		OperatorID:     op.ID,
		OperatorStatus: op.Status,
		Conversations:  ranked,
	}, nil
}

// rankQueue scores and orders the tenant's candidate window.
func (e *Engine) rankQueue(ctx context.Context, tenantID string) ([]RankedConversation, error) {
	convs, err := e.store.ListQueuedCandidates(ctx, tenantID, e.cfg.CandidateWindow)
	if err != nil {
		return nil, fmt.Errorf("listing candidates: %w", err)
	}
	if len(convs) == 0 {
		return nil, nil
	}

	weights, err := e.TenantWeights(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*store.Conversation, len(convs))
	candidates := make([]priority.Candidate, len(convs))
	for i, c := range convs {
		byID[c.ID] = c
		candidates[i] = priority.Candidate{
			ID:           c.ID,
			MessageCount: c.MessageCount,
			LastActivity: c.LastActivityAt,
		}
	}

	ranked := priority.ScoreAndRank(candidates, weights, e.now())
	out := make([]RankedConversation, len(ranked))
	for i, r := range ranked {
		conv := byID[r.ID]
		conv.PriorityScore = r.Score
		out[i] = RankedConversation{Conversation: conv, Score: r.Score}
	}
	return out, nil
}

// TenantWeights returns the stored weights or the configured defaults.
func (e *Engine) TenantWeights(ctx context.Context, tenantID string) (priority.Weights, error) {
	cfg, err := e.store.GetTenantConfig(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return e.cfg.DefaultWeights, nil
	}
	if err != nil {
		return priority.Weights{}, fmt.Errorf("loading tenant weights: %w", err)
	}
	return priority.Weights{Alpha: cfg.Alpha, Beta: cfg.Beta}, nil
}

// Claim assigns a specific QUEUED conversation to the operator.
func (e *Engine) Claim(ctx context.Context, conversationID, operatorID string) (conv *store.Conversation, err error) {
	ctx, span := tracing.Start(ctx, "allocation.claim", "conversation_id", conversationID, "operator_id", operatorID)
	defer func() { tracing.End(span, err) }()

	op, err := e.operator(ctx, operatorID)
	if err != nil {
		return nil, err
	}
	current, err := e.conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	if current.TenantID != op.TenantID {
		return nil, fmt.Errorf("%w: operator %s cannot claim conversation of another tenant", ErrTenantMismatch, op.ID)
	}
	if op.Status != store.StatusAvailable {
		return nil, fmt.Errorf("%w: operator %s is %s", ErrOperatorUnavailable, op.ID, op.Status)
	}
	if current.State != store.StateQueued {
		return nil, fmt.Errorf("%w: conversation %s is %s", ErrConversationNotQueued, current.ID, current.State)
	}

	conv, err = e.store.TransitionConversation(ctx, store.ConversationTransition{
		ID:               current.ID,
		From:             []store.ConversationState{store.StateQueued},
		To:               store.StateAllocated,
		OperatorID:       op.ID,
		RequireAvailable: true,
		At:               e.now(),
	})
	if errors.Is(err, store.ErrConflict) {
		if err := e.requireStillAvailable(ctx, op.ID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: conversation %s was taken concurrently", ErrConversationNotQueued, current.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("claiming conversation %s: %w", current.ID, err)
	}

	e.subscribe(ctx, op.ID, conv.InboxID)
	e.logger.Info("conversation claimed", "conversation_id", conv.ID, "operator_id", op.ID)
	e.publishConversation(ctx, events.TypeConversationAllocated, conv, "", op.ID, nil)
	return conv, nil
}

// Resolve closes an ALLOCATED conversation. The assignee may resolve its own
// conversation; managers and admins may resolve any conversation of their tenant.
func (e *Engine) Resolve(ctx context.Context, conversationID, operatorID string) (conv *store.Conversation, err error) {
	ctx, span := tracing.Start(ctx, "allocation.resolve", "conversation_id", conversationID, "operator_id", operatorID)
	defer func() { tracing.End(span, err) }()

	op, err := e.operator(ctx, operatorID)
	if err != nil {
		return nil, err
	}
	current, err := e.conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	isOwner := current.State == store.StateAllocated && current.AssignedOperatorID == op.ID
	isSupervisor := op.Role.CanOverride() && op.TenantID == current.TenantID
	if !isOwner && !isSupervisor {
		return nil, fmt.Errorf("%w: operator %s may not resolve conversation %s", ErrPermissionDenied, op.ID, current.ID)
	}
	if current.State != store.StateAllocated {
		return nil, fmt.Errorf("%w: conversation %s is %s", ErrConversationNotAllocated, current.ID, current.State)
	}

	t := store.ConversationTransition{
		ID:         current.ID,
		From:       []store.ConversationState{store.StateAllocated},
		To:         store.StateResolved,
		ResolvedBy: op.ID,
		ClearGrace: true,
		At:         e.now(),
	}
	if !isSupervisor {
		t.FromOperatorID = op.ID
	}

	conv, err = e.store.TransitionConversation(ctx, t)
	if errors.Is(err, store.ErrConflict) {
		latest, gerr := e.conversation(ctx, current.ID)
		if gerr != nil {
			return nil, gerr
		}
		if latest.State != store.StateAllocated {
			return nil, fmt.Errorf("%w: conversation %s is %s", ErrConversationNotAllocated, latest.ID, latest.State)
		}
		return nil, fmt.Errorf("%w: conversation %s was reassigned", ErrPermissionDenied, latest.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("resolving conversation %s: %w", current.ID, err)
	}

	e.logger.Info("conversation resolved",
		"conversation_id", conv.ID,
		"resolved_by", op.ID,
		"assignee", current.AssignedOperatorID,
	)
	e.publishConversation(ctx, events.TypeConversationResolved, conv, current.AssignedOperatorID, op.ID, nil)
	return conv, nil
}

// operator loads an operator, mapping a missing one to ErrNotFound.
func (e *Engine) operator(ctx context.Context, id string) (*store.Operator, error) {
	op, err := e.store.GetOperator(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: operator %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading operator %s: %w", id, err)
	}
	return op, nil
}

func (e *Engine) conversation(ctx context.Context, id string) (*store.Conversation, error) {
	conv, err := e.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation %s: %w", id, err)
	}
	return conv, nil
}

// requireStillAvailable distinguishes a lost race from an operator who went
// offline between the precondition check and the conditional update.
func (e *Engine) requireStillAvailable(ctx context.Context, operatorID string) error {
	op, err := e.operator(ctx, operatorID)
	if err != nil {
		return err
	}
	if op.Status != store.StatusAvailable {
		return fmt.Errorf("%w: operator %s went %s", ErrOperatorUnavailable, op.ID, op.Status)
	}
	return nil
}

// subscribe links the operator to the inbox. Failure does not undo the allocation.
func (e *Engine) subscribe(ctx context.Context, operatorID, inboxID string) {
	if err := e.store.EnsureSubscription(ctx, operatorID, inboxID, e.now()); err != nil {
		e.logger.Warn("failed to subscribe operator to inbox",
			"operator_id", operatorID,
			"inbox_id", inboxID,
			"error", err,
		)
	}
}

func (e *Engine) publish(ctx context.Context, env events.Envelope) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, env); err != nil {
		e.logger.Warn("failed to publish event", "type", env.Meta.Type, "error", err)
	}
}

func (e *Engine) publishConversation(ctx context.Context, eventType string, conv *store.Conversation, previousOperatorID, actorID string, score *float64) {
	e.publish(ctx, events.New(eventType, e.now(), events.ConversationChange{
		TenantID:           conv.TenantID,
		ConversationID:     conv.ID,
		InboxID:            conv.InboxID,
		State:              string(conv.State),
		OperatorID:         conv.AssignedOperatorID,
		PreviousOperatorID: previousOperatorID,
		ActorID:            actorID,
		PriorityScore:      score,
	}))
}

func (e *Engine) audit(ctx context.Context, entry *store.AuditEntry) {
	entry.Timestamp = e.now()
	if err := e.store.AppendAuditLog(ctx, entry); err != nil {
		e.logger.Error("failed to append audit log",
			"action", entry.Action,
			"target", entry.TargetType+"/"+entry.TargetID,
			"error", err,
		)
	}
}
