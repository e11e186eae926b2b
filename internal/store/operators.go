// ABOUTME: Operator, inbox and subscription persistence for the SQLite store
// ABOUTME: Inboxes are unique per tenant phone number; subscriptions are created idempotently

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewOperatorID returns a fresh operator identifier.
func NewOperatorID() string { return "op-" + uuid.New().String() }

// NewInboxID returns a fresh inbox identifier.
func NewInboxID() string { return "inbox-" + uuid.New().String() }

// NewConversationID returns a fresh conversation identifier.
func NewConversationID() string { return "conv-" + uuid.New().String() }

// CreateOperator stores a new operator. ID and timestamps are filled in if unset.
func (s *SQLiteStore) CreateOperator(ctx context.Context, op *Operator) error {
	prepareOperator(op)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operators (id, tenant_id, display_name, role, status, last_status_change_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, op.ID, op.TenantID, op.DisplayName, string(op.Role), string(op.Status),
		formatTime(op.LastStatusChangeAt), formatTime(op.CreatedAt))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("inserting operator: %w", err)
	}
	return nil
}

// prepareOperator applies defaults shared by every Store implementation.
// New operators start OFFLINE.
func prepareOperator(op *Operator) {
	if op.ID == "" {
		op.ID = NewOperatorID()
	}
	if op.Role == "" {
		op.Role = RoleOperator
	}
	if op.Status == "" {
		op.Status = StatusOffline
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	if op.LastStatusChangeAt.IsZero() {
		op.LastStatusChangeAt = op.CreatedAt
	}
}

// GetOperator retrieves an operator by ID
func (s *SQLiteStore) GetOperator(ctx context.Context, id string) (*Operator, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, display_name, role, status, last_status_change_at, created_at
		FROM operators WHERE id = ?
	`, id)
	op, err := scanOperator(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying operator: %w", err)
	}
	return op, nil
}

// ListOperators returns the operators of a tenant ordered by ID.
func (s *SQLiteStore) ListOperators(ctx context.Context, tenantID string) ([]*Operator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, display_name, role, status, last_status_change_at, created_at
		FROM operators WHERE tenant_id = ? ORDER BY id
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying operators: %w", err)
	}
	defer rows.Close()

	var ops []*Operator
	for rows.Next() {
		op, err := scanOperator(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning operator: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperator(row rowScanner) (*Operator, error) {
	var op Operator
	var role, status, changed, created string
	if err := row.Scan(&op.ID, &op.TenantID, &op.DisplayName, &role, &status, &changed, &created); err != nil {
		return nil, err
	}
	op.Role = OperatorRole(role)
	op.Status = OperatorStatus(status)

	var err error
	if op.LastStatusChangeAt, err = parseTime(changed); err != nil {
		return nil, err
	}
	if op.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &op, nil
}

// CreateInbox stores a new inbox. Returns ErrDuplicate if the tenant already has the phone number.
func (s *SQLiteStore) CreateInbox(ctx context.Context, inbox *Inbox) error {
	prepareInbox(inbox)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inboxes (id, tenant_id, phone_number, display_name, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, inbox.ID, inbox.TenantID, inbox.PhoneNumber, inbox.DisplayName, formatTime(inbox.CreatedAt))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("inserting inbox: %w", err)
	}
	return nil
}

func prepareInbox(inbox *Inbox) {
	if inbox.ID == "" {
		inbox.ID = NewInboxID()
	}
	if inbox.CreatedAt.IsZero() {
		inbox.CreatedAt = time.Now().UTC()
	}
}

// GetInbox retrieves an inbox by ID
func (s *SQLiteStore) GetInbox(ctx context.Context, id string) (*Inbox, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, phone_number, display_name, created_at FROM inboxes WHERE id = ?
	`, id)
	inbox, err := scanInbox(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying inbox: %w", err)
	}
	return inbox, nil
}

// GetOrCreateInbox returns the tenant's inbox for phone, creating it if needed.
func (s *SQLiteStore) GetOrCreateInbox(ctx context.Context, tenantID, phone string, at time.Time) (*Inbox, error) {
	var inbox *Inbox
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, tenant_id, phone_number, display_name, created_at
			FROM inboxes WHERE tenant_id = ? AND phone_number = ?
		`, tenantID, phone)
		existing, err := scanInbox(row)
		if err == nil {
			inbox = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("querying inbox: %w", err)
		}

		inbox = &Inbox{TenantID: tenantID, PhoneNumber: phone, CreatedAt: at.UTC()}
		prepareInbox(inbox)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO inboxes (id, tenant_id, phone_number, display_name, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, inbox.ID, inbox.TenantID, inbox.PhoneNumber, inbox.DisplayName, formatTime(inbox.CreatedAt)); err != nil {
			return fmt.Errorf("inserting inbox: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inbox, nil
}

// EnsureSubscription links an operator to an inbox. Existing links are left unchanged.
func (s *SQLiteStore) EnsureSubscription(ctx context.Context, operatorID, inboxID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO operator_inbox_subscriptions (operator_id, inbox_id, created_at)
		VALUES (?, ?, ?)
	`, operatorID, inboxID, formatTime(at))
	if err != nil {
		return fmt.Errorf("inserting subscription: %w", err)
	}
	return nil
}

// ListOperatorInboxes returns the inboxes the operator is subscribed to.
func (s *SQLiteStore) ListOperatorInboxes(ctx context.Context, operatorID string) ([]*Inbox, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, i.tenant_id, i.phone_number, i.display_name, i.created_at
		FROM inboxes i
		JOIN operator_inbox_subscriptions sub ON sub.inbox_id = i.id
		WHERE sub.operator_id = ?
		ORDER BY sub.created_at, i.id
	`, operatorID)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	defer rows.Close()

	var inboxes []*Inbox
	for rows.Next() {
		inbox, err := scanInbox(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning inbox: %w", err)
		}
		inboxes = append(inboxes, inbox)
	}
	return inboxes, rows.Err()
}

func scanInbox(row rowScanner) (*Inbox, error) {
	var inbox Inbox
	var created string
	if err := row.Scan(&inbox.ID, &inbox.TenantID, &inbox.PhoneNumber, &inbox.DisplayName, &created); err != nil {
		return nil, err
	}
	var err error
	if inbox.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &inbox, nil
}
