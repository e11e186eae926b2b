// ABOUTME: Manager overrides on conversations and tenant weight administration
// ABOUTME: Deallocate, reassign and move-inbox bypass priority and are written to the audit log

package allocation

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/2389/inbox-allocator/internal/events"
	"github.com/2389/inbox-allocator/internal/priority"
	"github.com/2389/inbox-allocator/internal/store"
	"github.com/2389/inbox-allocator/internal/tracing"
)

// supervisor loads the acting operator and requires MANAGER or ADMIN.
func (e *Engine) supervisor(ctx context.Context, managerID string) (*store.Operator, error) {
	mgr, err := e.operator(ctx, managerID)
	if err != nil {
		return nil, err
	}
	if !mgr.Role.CanOverride() {
		return nil, fmt.Errorf("%w: operator %s has role %s", ErrPermissionDenied, mgr.ID, mgr.Role)
	}
	return mgr, nil
}

// Deallocate returns an ALLOCATED conversation to the queue.
func (e *Engine) Deallocate(ctx context.Context, conversationID, managerID string) (conv *store.Conversation, err error) {
	ctx, span := tracing.Start(ctx, "allocation.deallocate", "conversation_id", conversationID, "manager_id", managerID)
	defer func() { tracing.End(span, err) }()

	mgr, err := e.supervisor(ctx, managerID)
	if err != nil {
		return nil, err
	}
	current, err := e.conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if current.TenantID != mgr.TenantID {
		return nil, fmt.Errorf("%w: manager %s cannot deallocate conversation %s", ErrTenantMismatch, mgr.ID, current.ID)
	}
	if current.State != store.StateAllocated {
		return nil, fmt.Errorf("%w: conversation %s is %s", ErrConversationNotAllocated, current.ID, current.State)
	}

	conv, err = e.store.TransitionConversation(ctx, store.ConversationTransition{
		ID:         current.ID,
		From:       []store.ConversationState{store.StateAllocated},
		To:         store.StateQueued,
		ClearGrace: true,
		At:         e.now(),
	})
	if errors.Is(err, store.ErrConflict) {
		return nil, fmt.Errorf("%w: conversation %s changed concurrently", ErrConversationNotAllocated, current.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("deallocating conversation %s: %w", current.ID, err)
	}

	e.audit(ctx, &store.AuditEntry{
		ActorID:    mgr.ID,
		Action:     store.AuditDeallocate,
		TargetType: "conversation",
		TargetID:   conv.ID,
		Detail:     map[string]any{"previous_operator_id": current.AssignedOperatorID},
	})
	e.logger.Info("conversation deallocated",
		"conversation_id", conv.ID,
		"manager_id", mgr.ID,
		"previous_operator_id", current.AssignedOperatorID,
	)
	e.publishConversation(ctx, events.TypeConversationDeallocated, conv, current.AssignedOperatorID, mgr.ID, nil)
	return conv, nil
}

// Reassign assigns a QUEUED or RESOLVED conversation to a chosen operator.
// The target's availability is not checked.
func (e *Engine) Reassign(ctx context.Context, conversationID, managerID, targetOperatorID string) (conv *store.Conversation, err error) {
	ctx, span := tracing.Start(ctx, "allocation.reassign",
		"conversation_id", conversationID,
		"manager_id", managerID,
		"target_operator_id", targetOperatorID,
	)
	defer func() { tracing.End(span, err) }()

	mgr, err := e.supervisor(ctx, managerID)
	if err != nil {
		return nil, err
	}
	current, err := e.conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	target, err := e.operator(ctx, targetOperatorID)
	if err != nil {
		return nil, err
	}
	if mgr.TenantID != current.TenantID || target.TenantID != current.TenantID {
		return nil, fmt.Errorf("%w: conversation %s, manager %s and target %s must share a tenant",
			ErrTenantMismatch, current.ID, mgr.ID, target.ID)
	}
	if current.State == store.StateAllocated {
		return nil, fmt.Errorf("%w: conversation %s is ALLOCATED; deallocate it first", ErrInvalidStateForReassign, current.ID)
	}

	conv, err = e.store.TransitionConversation(ctx, store.ConversationTransition{
		ID:         current.ID,
		From:       []store.ConversationState{store.StateQueued, store.StateResolved},
		To:         store.StateAllocated,
		OperatorID: target.ID,
		ClearGrace: true,
		At:         e.now(),
	})
	if errors.Is(err, store.ErrConflict) {
		return nil, fmt.Errorf("%w: conversation %s was allocated concurrently", ErrInvalidStateForReassign, current.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("reassigning conversation %s: %w", current.ID, err)
	}

	e.subscribe(ctx, target.ID, conv.InboxID)
	e.audit(ctx, &store.AuditEntry{
		ActorID:    mgr.ID,
		Action:     store.AuditReassign,
		TargetType: "conversation",
		TargetID:   conv.ID,
		Detail: map[string]any{
			"target_operator_id": target.ID,
			"previous_state":     string(current.State),
		},
	})
	e.logger.Info("conversation reassigned",
		"conversation_id", conv.ID,
		"manager_id", mgr.ID,
		"target_operator_id", target.ID,
		"previous_state", current.State,
	)
	e.publishConversation(ctx, events.TypeConversationReassigned, conv, "", mgr.ID, nil)
	return conv, nil
}

// MoveInbox changes the inbox of a conversation without touching its state.
func (e *Engine) MoveInbox(ctx context.Context, conversationID, managerID, targetInboxID string) (conv *store.Conversation, err error) {
	ctx, span := tracing.Start(ctx, "allocation.move_inbox",
		"conversation_id", conversationID,
		"manager_id", managerID,
		"inbox_id", targetInboxID,
	)
	defer func() { tracing.End(span, err) }()

	mgr, err := e.supervisor(ctx, managerID)
	if err != nil {
		return nil, err
	}
	current, err := e.conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if current.TenantID != mgr.TenantID {
		return nil, fmt.Errorf("%w: manager %s cannot move conversation %s", ErrTenantMismatch, mgr.ID, current.ID)
	}

	inbox, err := e.store.GetInbox(ctx, targetInboxID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: inbox %s", ErrNotFound, targetInboxID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading inbox %s: %w", targetInboxID, err)
	}
	if inbox.TenantID != current.TenantID {
		return nil, fmt.Errorf("%w: inbox %s belongs to another tenant", ErrTenantMismatch, inbox.ID)
	}

	conv, err = e.store.MoveConversationInbox(ctx, current.ID, inbox.ID, e.now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, current.ID)
		}
		return nil, fmt.Errorf("moving conversation %s: %w", current.ID, err)
	}

	e.audit(ctx, &store.AuditEntry{
		ActorID:    mgr.ID,
		Action:     store.AuditMoveInbox,
		TargetType: "conversation",
		TargetID:   conv.ID,
		Detail: map[string]any{
			"from_inbox_id": current.InboxID,
			"to_inbox_id":   inbox.ID,
		},
	})
	e.logger.Info("conversation moved",
		"conversation_id", conv.ID,
		"manager_id", mgr.ID,
		"from_inbox_id", current.InboxID,
		"to_inbox_id", inbox.ID,
	)
	e.publishConversation(ctx, events.TypeConversationMoved, conv, "", mgr.ID, nil)
	return conv, nil
}

// UpdateTenantWeights changes a tenant's priority weights. A nil weight keeps
// its current value.
func (e *Engine) UpdateTenantWeights(ctx context.Context, adminID, tenantID string, alpha, beta *float64) (*store.TenantConfig, error) {
	admin, err := e.operator(ctx, adminID)
	if err != nil {
		return nil, err
	}
	if admin.Role != store.RoleAdmin {
		return nil, fmt.Errorf("%w: operator %s has role %s", ErrPermissionDenied, admin.ID, admin.Role)
	}
	if admin.TenantID != tenantID {
		return nil, fmt.Errorf("%w: admin %s cannot configure tenant %s", ErrTenantMismatch, admin.ID, tenantID)
	}
	if alpha == nil && beta == nil {
		return nil, fmt.Errorf("%w: alpha or beta is required", ErrInvalidWeights)
	}
	for _, w := range []*float64{alpha, beta} {
		if w != nil && (*w < 0 || math.IsNaN(*w) || math.IsInf(*w, 0)) {
			return nil, fmt.Errorf("%w: weights must be finite and non-negative", ErrInvalidWeights)
		}
	}

	weights, err := e.TenantWeights(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	previous := weights
	if alpha != nil {
		weights.Alpha = *alpha
	}
	if beta != nil {
		weights.Beta = *beta
	}

	cfg := &store.TenantConfig{
		TenantID:  tenantID,
		Alpha:     weights.Alpha,
		Beta:      weights.Beta,
		UpdatedAt: e.now(),
	}
	if err := e.store.UpsertTenantConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("saving tenant weights: %w", err)
	}

	e.audit(ctx, &store.AuditEntry{
		ActorID:    admin.ID,
		Action:     store.AuditTenantWeights,
		TargetType: "tenant",
		TargetID:   tenantID,
		Detail:     weightDetail(previous, weights),
	})
	e.logger.Info("tenant weights updated", "tenant_id", tenantID, "alpha", weights.Alpha, "beta", weights.Beta)
	return cfg, nil
}

func weightDetail(before, after priority.Weights) map[string]any {
	return map[string]any{
		"alpha_before": before.Alpha,
		"beta_before":  before.Beta,
		"alpha":        after.Alpha,
		"beta":         after.Beta,
	}
}
