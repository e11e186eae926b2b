// ABOUTME: Grace period ledger and tenant weight persistence for the SQLite store
// ABOUTME: Offline/online status changes and grace reclaim each run as a single transaction

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GetTenantConfig returns the tenant's priority weights, or ErrNotFound if none are stored.
func (s *SQLiteStore) GetTenantConfig(ctx context.Context, tenantID string) (*TenantConfig, error) {
	var cfg TenantConfig
	var updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, alpha, beta, updated_at FROM tenant_configs WHERE tenant_id = ?
	`, tenantID).Scan(&cfg.TenantID, &cfg.Alpha, &cfg.Beta, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying tenant config: %w", err)
	}
	if cfg.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// UpsertTenantConfig creates or replaces the tenant's priority weights.
func (s *SQLiteStore) UpsertTenantConfig(ctx context.Context, cfg *TenantConfig) error {
	if cfg.UpdatedAt.IsZero() {
		cfg.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenant_configs (tenant_id, alpha, beta, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET alpha = excluded.alpha, beta = excluded.beta, updated_at = excluded.updated_at
	`, cfg.TenantID, cfg.Alpha, cfg.Beta, formatTime(cfg.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upserting tenant config: %w", err)
	}
	return nil
}

// MarkOperatorOffline sets the operator OFFLINE and replaces its grace
// assignments with one per conversation it currently holds, all expiring at deadline.
func (s *SQLiteStore) MarkOperatorOffline(ctx context.Context, operatorID string, reason GraceReason, deadline, at time.Time) ([]*GraceAssignment, error) {
	var created []*GraceAssignment
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := setOperatorStatus(ctx, tx, operatorID, StatusOffline, at); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM grace_period_assignments WHERE operator_id = ?`, operatorID); err != nil {
			return fmt.Errorf("clearing grace assignments: %w", err)
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM conversations WHERE state = 'ALLOCATED' AND assigned_operator_id = ? ORDER BY id
		`, operatorID)
		if err != nil {
			return fmt.Errorf("querying allocated conversations: %w", err)
		}
		var convIDs []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scanning conversation id: %w", err)
			}
			convIDs = append(convIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, convID := range convIDs {
			ga := &GraceAssignment{
				ID:             uuid.New().String(),
				OperatorID:     operatorID,
				ConversationID: convID,
				Reason:         reason,
				ExpiresAt:      deadline.UTC(),
				CreatedAt:      at.UTC(),
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO grace_period_assignments (id, operator_id, conversation_id, reason, expires_at, created_at)
				VALUES (?, ?, ?, ?, ?, ?)
			`, ga.ID, ga.OperatorID, ga.ConversationID, string(ga.Reason),
				formatTime(ga.ExpiresAt), formatTime(ga.CreatedAt)); err != nil {
				return fmt.Errorf("inserting grace assignment: %w", err)
			}
			created = append(created, ga)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// MarkOperatorOnline sets the operator AVAILABLE and removes all of its grace
// assignments. Returns the number of assignments removed.
func (s *SQLiteStore) MarkOperatorOnline(ctx context.Context, operatorID string, at time.Time) (int, error) {
	var cleared int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := setOperatorStatus(ctx, tx, operatorID, StatusAvailable, at); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM grace_period_assignments WHERE operator_id = ?`, operatorID)
		if err != nil {
			return fmt.Errorf("clearing grace assignments: %w", err)
		}
		cleared, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return int(cleared), nil
}

func setOperatorStatus(ctx context.Context, tx *sql.Tx, operatorID string, status OperatorStatus, at time.Time) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE operators SET status = ?, last_status_change_at = ? WHERE id = ?
	`, string(status), formatTime(at), operatorID)
	if err != nil {
		return fmt.Errorf("updating operator status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const graceColumns = `id, operator_id, conversation_id, reason, expires_at, created_at`

// ListGraceAssignments returns the operator's grace assignments, earliest deadline first.
func (s *SQLiteStore) ListGraceAssignments(ctx context.Context, operatorID string) ([]*GraceAssignment, error) {
	return s.queryGrace(ctx, `
		SELECT `+graceColumns+` FROM grace_period_assignments
		WHERE operator_id = ? ORDER BY expires_at, id
	`, operatorID)
}

// ListExpiredGrace returns grace assignments whose deadline is at or before now.
func (s *SQLiteStore) ListExpiredGrace(ctx context.Context, now time.Time, limit int) ([]*GraceAssignment, error) {
	return s.queryGrace(ctx, `
		SELECT `+graceColumns+` FROM grace_period_assignments
		WHERE expires_at <= ? ORDER BY expires_at, id LIMIT ?
	`, formatTime(now), listLimit(limit))
}

func (s *SQLiteStore) queryGrace(ctx context.Context, query string, args ...any) ([]*GraceAssignment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying grace assignments: %w", err)
	}
	defer rows.Close()

	var out []*GraceAssignment
	for rows.Next() {
		var ga GraceAssignment
		var reason, expires, created string
		if err := rows.Scan(&ga.ID, &ga.OperatorID, &ga.ConversationID, &reason, &expires, &created); err != nil {
			return nil, fmt.Errorf("scanning grace assignment: %w", err)
		}
		ga.Reason = GraceReason(reason)
		if ga.ExpiresAt, err = parseTime(expires); err != nil {
			return nil, err
		}
		if ga.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, &ga)
	}
	return out, rows.Err()
}

// ReclaimGrace consumes one grace assignment. The row is deleted first so that
// concurrent sweeps cannot both act on it; the conversation is re-queued only
// if it is still ALLOCATED to the grace assignment's operator.
func (s *SQLiteStore) ReclaimGrace(ctx context.Context, ga *GraceAssignment, at time.Time) (GraceOutcome, error) {
	outcome := GraceGone
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM grace_period_assignments WHERE id = ?`, ga.ID)
		if err != nil {
			return fmt.Errorf("deleting grace assignment: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}
		if n == 0 {
			outcome = GraceGone
			return nil
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE conversations
			SET state = 'QUEUED', assigned_operator_id = NULL, updated_at = ?
			WHERE id = ? AND state = 'ALLOCATED' AND assigned_operator_id = ?
		`, formatTime(at), ga.ConversationID, ga.OperatorID)
		if err != nil {
			return fmt.Errorf("requeueing conversation: %w", err)
		}
		if n, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}
		if n == 0 {
			outcome = GraceStale
			return nil
		}
		outcome = GraceReclaimed
		return nil
	})
	if err != nil {
		return GraceGone, err
	}
	return outcome, nil
}
