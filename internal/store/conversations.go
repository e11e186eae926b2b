// ABOUTME: Conversation persistence for the SQLite store
// ABOUTME: Every state change is a conditional UPDATE that returns ErrConflict when the row moved on

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const conversationColumns = `id, tenant_id, inbox_id, external_conversation_id, customer_phone, state,
	assigned_operator_id, message_count, last_activity_at, priority_score,
	created_at, updated_at, resolved_at, resolved_by`

// CreateConversation stores a new conversation. It is created QUEUED unless State is set.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	prepareConversation(conv)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, conversationArgs(conv)...)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

func prepareConversation(conv *Conversation) {
	if conv.ID == "" {
		conv.ID = NewConversationID()
	}
	if conv.State == "" {
		conv.State = StateQueued
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}
	if conv.LastActivityAt.IsZero() {
		conv.LastActivityAt = conv.CreatedAt
	}
}

func conversationArgs(c *Conversation) []any {
	var resolvedAt sql.NullString
	if c.ResolvedAt != nil {
		resolvedAt = sql.NullString{String: formatTime(*c.ResolvedAt), Valid: true}
	}
	return []any{
		c.ID, c.TenantID, c.InboxID, c.ExternalConversationID, c.CustomerPhone, string(c.State),
		nullString(c.AssignedOperatorID), c.MessageCount, formatTime(c.LastActivityAt), c.PriorityScore,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt), resolvedAt, nullString(c.ResolvedBy),
	}
}

// GetConversation retrieves a conversation by ID
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return getConversation(ctx, s.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getConversation(ctx context.Context, q queryRower, id string) (*Conversation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// RecordMessageActivity creates the conversation for (tenant, inbox, external id) as
// QUEUED with one message, or increments its message count and bumps its activity.
// Last activity never moves backwards when messages arrive out of order.
// The returned bool is true when the conversation was created.
func (s *SQLiteStore) RecordMessageActivity(ctx context.Context, a MessageActivity) (*Conversation, bool, error) {
	var conv *Conversation
	var created bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE conversations
			SET message_count = message_count + 1, last_activity_at = MAX(last_activity_at, ?), updated_at = ?
			WHERE tenant_id = ? AND inbox_id = ? AND external_conversation_id = ?
		`, formatTime(a.At), formatTime(a.At), a.TenantID, a.InboxID, a.ExternalConversationID)
		if err != nil {
			return fmt.Errorf("updating conversation activity: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}

		if n == 0 {
			c := &Conversation{
				TenantID:               a.TenantID,
				InboxID:                a.InboxID,
				ExternalConversationID: a.ExternalConversationID,
				CustomerPhone:          a.CustomerPhone,
				State:                  StateQueued,
				MessageCount:           1,
				LastActivityAt:         a.At.UTC(),
				CreatedAt:              a.At.UTC(),
			}
			prepareConversation(c)
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO conversations (`+conversationColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, conversationArgs(c)...); err != nil {
				return fmt.Errorf("inserting conversation: %w", err)
			}
			conv = c
			created = true
			return nil
		}

		row := tx.QueryRowContext(ctx, `
			SELECT `+conversationColumns+` FROM conversations
			WHERE tenant_id = ? AND inbox_id = ? AND external_conversation_id = ?
		`, a.TenantID, a.InboxID, a.ExternalConversationID)
		conv, err = scanConversation(row)
		if err != nil {
			return fmt.Errorf("reloading conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return conv, created, nil
}

// ListConversations returns the newest conversations matching the filter.
func (s *SQLiteStore) ListConversations(ctx context.Context, f ConversationFilter) ([]*Conversation, error) {
	var where []string
	var args []any
	add := func(clause string, v string) {
		if v != "" {
			where = append(where, clause)
			args = append(args, v)
		}
	}
	add("tenant_id = ?", f.TenantID)
	add("state = ?", string(f.State))
	add("inbox_id = ?", f.InboxID)
	add("assigned_operator_id = ?", f.AssignedOperatorID)
	add("customer_phone = ?", f.CustomerPhone)

	query := `SELECT ` + conversationColumns + ` FROM conversations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY last_activity_at DESC, id LIMIT ?"
	args = append(args, listLimit(f.Limit))

	return s.queryConversations(ctx, query, args...)
}

// ListQueuedCandidates returns up to limit QUEUED conversations of a tenant,
// most recently active first.
func (s *SQLiteStore) ListQueuedCandidates(ctx context.Context, tenantID string, limit int) ([]*Conversation, error) {
	return s.queryConversations(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE tenant_id = ? AND state = 'QUEUED'
		ORDER BY last_activity_at DESC, id
		LIMIT ?
	`, tenantID, listLimit(limit))
}

func (s *SQLiteStore) queryConversations(ctx context.Context, query string, args ...any) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// UpdatePriorityScores stores the advisory priority score of each conversation.
// Unknown IDs are ignored.
func (s *SQLiteStore) UpdatePriorityScores(ctx context.Context, scores map[string]float64) error {
	if len(scores) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `UPDATE conversations SET priority_score = ? WHERE id = ?`)
		if err != nil {
			return fmt.Errorf("preparing score update: %w", err)
		}
		defer stmt.Close()

		for id, score := range scores {
			if _, err := stmt.ExecContext(ctx, score, id); err != nil {
				return fmt.Errorf("updating score for %s: %w", id, err)
			}
		}
		return nil
	})
}

// TransitionConversation applies a conditional state change and returns the
// updated conversation. Returns ErrNotFound when the conversation does not exist
// and ErrConflict when it exists but did not match the expected state.
func (s *SQLiteStore) TransitionConversation(ctx context.Context, t ConversationTransition) (*Conversation, error) {
	if err := validateTransition(t); err != nil {
		return nil, err
	}
	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	set := []string{"state = ?", "assigned_operator_id = ?", "updated_at = ?"}
	args := []any{string(t.To), nullString(t.OperatorID), formatTime(at)}

	if t.To == StateResolved {
		set = append(set, "resolved_at = ?", "resolved_by = ?")
		args = append(args, formatTime(at), nullString(t.ResolvedBy))
	} else {
		set = append(set, "resolved_at = NULL", "resolved_by = NULL")
	}
	if t.PriorityScore != nil {
		set = append(set, "priority_score = ?")
		args = append(args, *t.PriorityScore)
	}

	where := []string{"id = ?", "state IN (" + placeholders(len(t.From)) + ")"}
	args = append(args, t.ID)
	args = append(args, stateStrings(t.From)...)
	if t.FromOperatorID != "" {
		where = append(where, "assigned_operator_id = ?")
		args = append(args, t.FromOperatorID)
	}
	if t.RequireAvailable {
		where = append(where, "EXISTS (SELECT 1 FROM operators WHERE id = ? AND status = 'AVAILABLE')")
		args = append(args, t.OperatorID)
	}

	query := "UPDATE conversations SET " + strings.Join(set, ", ") + " WHERE " + strings.Join(where, " AND ")

	var conv *Conversation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("updating conversation: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}
		if n == 0 {
			if _, err := getConversation(ctx, tx, t.ID); err != nil {
				return err
			}
			return ErrConflict
		}

		if t.ClearGrace {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM grace_period_assignments WHERE conversation_id = ?`, t.ID); err != nil {
				return fmt.Errorf("clearing grace assignments: %w", err)
			}
		}

		conv, err = getConversation(ctx, tx, t.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// MoveConversationInbox changes the inbox of a conversation without touching its state.
func (s *SQLiteStore) MoveConversationInbox(ctx context.Context, conversationID, inboxID string, at time.Time) (*Conversation, error) {
	var conv *Conversation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE conversations SET inbox_id = ?, updated_at = ? WHERE id = ?
		`, inboxID, formatTime(at), conversationID)
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		if err != nil {
			return fmt.Errorf("moving conversation: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		conv, err = getConversation(ctx, tx, conversationID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var state, lastActivity, created, updated string
	var assignee, resolvedAt, resolvedBy sql.NullString

	if err := row.Scan(
		&c.ID, &c.TenantID, &c.InboxID, &c.ExternalConversationID, &c.CustomerPhone, &state,
		&assignee, &c.MessageCount, &lastActivity, &c.PriorityScore,
		&created, &updated, &resolvedAt, &resolvedBy,
	); err != nil {
		return nil, err
	}

	c.State = ConversationState(state)
	c.AssignedOperatorID = assignee.String
	c.ResolvedBy = resolvedBy.String

	var err error
	if c.LastActivityAt, err = parseTime(lastActivity); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		t, err := parseTime(resolvedAt.String)
		if err != nil {
			return nil, err
		}
		c.ResolvedAt = &t
	}
	return &c, nil
}
