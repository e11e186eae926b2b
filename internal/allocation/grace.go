// ABOUTME: Operator availability changes and grace period expiry
// ABOUTME: Going offline opens a grace window; the sweep requeues what the operator did not come back for

package allocation

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/inbox-allocator/internal/events"
	"github.com/2389/inbox-allocator/internal/store"
	"github.com/2389/inbox-allocator/internal/tracing"
)

// StatusChange reports the effect of an availability change.
type StatusChange struct {
	Operator *store.Operator
	// GraceAssignments is the number created (offline) or cleared (online).
	GraceAssignments int
}

// ChangeOperatorStatus sets the operator's availability.
func (e *Engine) ChangeOperatorStatus(ctx context.Context, operatorID string, status store.OperatorStatus) (*StatusChange, error) {
	switch status {
	case store.StatusOffline:
		return e.OperatorGoesOffline(ctx, operatorID)
	case store.StatusAvailable:
		return e.OperatorGoesOnline(ctx, operatorID)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
}

// OperatorGoesOffline marks the operator OFFLINE and opens a grace window on
// every conversation currently allocated to it. Repeating the call replaces
// the window rather than adding to it.
func (e *Engine) OperatorGoesOffline(ctx context.Context, operatorID string) (change *StatusChange, err error) {
	ctx, span := tracing.Start(ctx, "allocation.operator_offline", "operator_id", operatorID)
	defer func() { tracing.End(span, err) }()

	now := e.now()
	deadline := now.Add(e.cfg.GracePeriod)
	created, err := e.store.MarkOperatorOffline(ctx, operatorID, store.GraceReasonOffline, deadline, now)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: operator %s", ErrNotFound, operatorID)
	}
	if err != nil {
		return nil, fmt.Errorf("marking operator %s offline: %w", operatorID, err)
	}

	op, err := e.operator(ctx, operatorID)
	if err != nil {
		return nil, err
	}
	e.logger.Info("operator offline",
		"operator_id", op.ID,
		"grace_assignments", len(created),
		"expires_at", deadline,
	)
	e.publishStatus(ctx, op, len(created))
	return &StatusChange{Operator: op, GraceAssignments: len(created)}, nil
}

// OperatorGoesOnline marks the operator AVAILABLE and cancels its grace window.
func (e *Engine) OperatorGoesOnline(ctx context.Context, operatorID string) (change *StatusChange, err error) {
	ctx, span := tracing.Start(ctx, "allocation.operator_online", "operator_id", operatorID)
	defer func() { tracing.End(span, err) }()

	cleared, err := e.store.MarkOperatorOnline(ctx, operatorID, e.now())
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: operator %s", ErrNotFound, operatorID)
	}
	if err != nil {
		return nil, fmt.Errorf("marking operator %s online: %w", operatorID, err)
	}

	op, err := e.operator(ctx, operatorID)
	if err != nil {
		return nil, err
	}
	e.logger.Info("operator available", "operator_id", op.ID, "grace_cleared", cleared)
	e.publishStatus(ctx, op, cleared)
	return &StatusChange{Operator: op, GraceAssignments: cleared}, nil
}

// ProcessGraceExpiry requeues conversations whose grace window has passed and
// returns how many were requeued. Entries whose conversation already moved on
// are discarded. Concurrent calls each reclaim a disjoint set.
func (e *Engine) ProcessGraceExpiry(ctx context.Context) (reclaimed int, err error) {
	ctx, span := tracing.Start(ctx, "allocation.grace_expiry")
	defer func() { tracing.End(span, err) }()

	now := e.now()
	var expired, stale int
	for {
		page, err := e.store.ListExpiredGrace(ctx, now, e.cfg.ExpiryBatchSize)
		if err != nil {
			return reclaimed, fmt.Errorf("listing expired grace assignments: %w", err)
		}
		expired += len(page)

		for _, ga := range page {
			if err := ctx.Err(); err != nil {
				return reclaimed, err
			}

			outcome, err := e.store.ReclaimGrace(ctx, ga, e.now())
			if err != nil {
				return reclaimed, fmt.Errorf("reclaiming conversation %s: %w", ga.ConversationID, err)
			}

			switch outcome {
			case store.GraceReclaimed:
				reclaimed++
				e.logger.Info("grace expired, conversation requeued",
					"conversation_id", ga.ConversationID,
					"operator_id", ga.OperatorID,
					"expired_at", ga.ExpiresAt,
				)
				e.publishReclaimed(ctx, ga)
			case store.GraceStale:
				stale++
				e.logger.Info("discarding stale grace assignment",
					"conversation_id", ga.ConversationID,
					"operator_id", ga.OperatorID,
				)
			case store.GraceGone:
				e.logger.Debug("grace assignment already consumed", "grace_id", ga.ID)
			}
		}

		// Every outcome removes the row, so the next page holds only unseen entries.
		if len(page) < e.cfg.ExpiryBatchSize {
			break
		}
	}

	if expired > 0 {
		e.logger.Info("grace expiry pass complete",
			"expired", expired,
			"reclaimed", reclaimed,
			"stale", stale,
		)
	}
	return reclaimed, nil
}

func (e *Engine) publishStatus(ctx context.Context, op *store.Operator, graceAssignments int) {
	e.publish(ctx, events.New(events.TypeOperatorStatusChanged, e.now(), events.OperatorChange{
		TenantID:         op.TenantID,
		OperatorID:       op.ID,
		Status:           string(op.Status),
		GraceAssignments: graceAssignments,
	}))
}

func (e *Engine) publishReclaimed(ctx context.Context, ga *store.GraceAssignment) {
	if e.publisher == nil {
		return
	}
	conv, err := e.store.GetConversation(ctx, ga.ConversationID)
	if err != nil {
		e.logger.Warn("reclaimed conversation vanished before publish", "conversation_id", ga.ConversationID, "error", err)
		return
	}
	e.publishConversation(ctx, events.TypeConversationReclaimed, conv, ga.OperatorID, "", nil)
}
