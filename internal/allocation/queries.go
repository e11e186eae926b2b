// ABOUTME: Tenant-scoped read operations for operators
// ABOUTME: Status, subscribed inboxes and filtered conversation listings

package allocation

import (
	"context"
	"fmt"

	"github.com/2389/inbox-allocator/internal/store"
)

// Operator returns the operator record, including its current status.
func (e *Engine) Operator(ctx context.Context, operatorID string) (*store.Operator, error) {
	return e.operator(ctx, operatorID)
}

// OperatorInboxes returns the inboxes the operator is subscribed to.
func (e *Engine) OperatorInboxes(ctx context.Context, operatorID string) ([]*store.Inbox, error) {
	op, err := e.operator(ctx, operatorID)
	if err != nil {
		return nil, err
	}
	inboxes, err := e.store.ListOperatorInboxes(ctx, op.ID)
	if err != nil {
		return nil, fmt.Errorf("listing inboxes for %s: %w", op.ID, err)
	}
	return inboxes, nil
}

// ListConversations returns conversations of the operator's tenant matching
// filter, newest activity first. The filter's tenant is always overridden.
func (e *Engine) ListConversations(ctx context.Context, operatorID string, filter store.ConversationFilter) ([]*store.Conversation, error) {
	op, err := e.operator(ctx, operatorID)
	if err != nil {
		return nil, err
	}
	if filter.State != "" && !filter.State.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidStatus, filter.State)
	}
	filter.TenantID = op.TenantID
	if filter.Limit <= 0 || filter.Limit > store.DefaultListLimit {
		filter.Limit = store.DefaultListLimit
	}

	convs, err := e.store.ListConversations(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	return convs, nil
}
