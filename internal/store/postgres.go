// ABOUTME: PostgreSQL implementation of the Store interface using pgx connection pools
// ABOUTME: Mirrors the SQLite schema with native timestamps and row-level conditional updates

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements the Store interface on PostgreSQL
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore connects to databaseURL and creates the schema if needed.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	logger := slog.Default().With("component", "store")

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	s := &PostgresStore{pool: pool, logger: logger}
	if err := s.createSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("Postgres store initialized")
	return s, nil
}

func (s *PostgresStore) createSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS operators (
			id                    TEXT PRIMARY KEY,
			tenant_id             TEXT NOT NULL,
			display_name          TEXT NOT NULL DEFAULT '',
			role                  TEXT NOT NULL CHECK (role IN ('OPERATOR', 'MANAGER', 'ADMIN')),
			status                TEXT NOT NULL CHECK (status IN ('AVAILABLE', 'OFFLINE')),
			last_status_change_at TIMESTAMPTZ NOT NULL,
			created_at            TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_operators_tenant ON operators(tenant_id);

		CREATE TABLE IF NOT EXISTS inboxes (
			id           TEXT PRIMARY KEY,
			tenant_id    TEXT NOT NULL,
			phone_number TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			created_at   TIMESTAMPTZ NOT NULL,
			UNIQUE (tenant_id, phone_number)
		);

		CREATE TABLE IF NOT EXISTS operator_inbox_subscriptions (
			operator_id TEXT NOT NULL REFERENCES operators(id),
			inbox_id    TEXT NOT NULL REFERENCES inboxes(id),
			created_at  TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (operator_id, inbox_id)
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id                       TEXT PRIMARY KEY,
			tenant_id                TEXT NOT NULL,
			inbox_id                 TEXT NOT NULL REFERENCES inboxes(id),
			external_conversation_id TEXT NOT NULL,
			customer_phone           TEXT NOT NULL DEFAULT '',
			state                    TEXT NOT NULL CHECK (state IN ('QUEUED', 'ALLOCATED', 'RESOLVED')),
			assigned_operator_id     TEXT REFERENCES operators(id),
			message_count            INTEGER NOT NULL DEFAULT 0,
			last_activity_at         TIMESTAMPTZ NOT NULL,
			priority_score           DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at               TIMESTAMPTZ NOT NULL,
			updated_at               TIMESTAMPTZ NOT NULL,
			resolved_at              TIMESTAMPTZ,
			resolved_by              TEXT,
			CHECK ((state = 'ALLOCATED') = (assigned_operator_id IS NOT NULL)),
			UNIQUE (tenant_id, inbox_id, external_conversation_id)
		);
		CREATE INDEX IF NOT EXISTS idx_conversations_queue ON conversations(tenant_id, state, last_activity_at);
		CREATE INDEX IF NOT EXISTS idx_conversations_assignee ON conversations(assigned_operator_id);

		CREATE TABLE IF NOT EXISTS tenant_configs (
			tenant_id  TEXT PRIMARY KEY,
			alpha      DOUBLE PRECISION NOT NULL,
			beta       DOUBLE PRECISION NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS grace_period_assignments (
			id              TEXT PRIMARY KEY,
			operator_id     TEXT NOT NULL REFERENCES operators(id),
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			reason          TEXT NOT NULL CHECK (reason IN ('OFFLINE', 'MANUAL')),
			expires_at      TIMESTAMPTZ NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL,
			UNIQUE (operator_id, conversation_id)
		);
		CREATE INDEX IF NOT EXISTS idx_grace_expires ON grace_period_assignments(expires_at);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id    TEXT PRIMARY KEY,
			actor_id    TEXT NOT NULL,
			action      TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id   TEXT NOT NULL,
			ts          TIMESTAMPTZ NOT NULL,
			detail_json JSONB
		);
		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts);
	`)
	return err
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks that the pool can reach the server.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func pgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func optionalText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// pgArgs collects positional arguments and hands out $n placeholders.
type pgArgs []any

func (a *pgArgs) add(v any) string {
	*a = append(*a, v)
	return "$" + strconv.Itoa(len(*a))
}

// CreateOperator stores a new operator.
func (s *PostgresStore) CreateOperator(ctx context.Context, op *Operator) error {
	prepareOperator(op)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO operators (id, tenant_id, display_name, role, status, last_status_change_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, op.ID, op.TenantID, op.DisplayName, string(op.Role), string(op.Status), op.LastStatusChangeAt.UTC(), op.CreatedAt.UTC())
	if pgUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("inserting operator: %w", err)
	}
	return nil
}

const pgOperatorColumns = `id, tenant_id, display_name, role, status, last_status_change_at, created_at`

func scanPgOperator(row pgx.Row) (*Operator, error) {
	var op Operator
	var role, status string
	if err := row.Scan(&op.ID, &op.TenantID, &op.DisplayName, &role, &status, &op.LastStatusChangeAt, &op.CreatedAt); err != nil {
		return nil, err
	}
	op.Role = OperatorRole(role)
	op.Status = OperatorStatus(status)
	op.LastStatusChangeAt = op.LastStatusChangeAt.UTC()
	op.CreatedAt = op.CreatedAt.UTC()
	return &op, nil
}

// GetOperator retrieves an operator by ID
func (s *PostgresStore) GetOperator(ctx context.Context, id string) (*Operator, error) {
	op, err := scanPgOperator(s.pool.QueryRow(ctx, `SELECT `+pgOperatorColumns+` FROM operators WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying operator: %w", err)
	}
	return op, nil
}

// ListOperators returns the operators of a tenant ordered by ID.
func (s *PostgresStore) ListOperators(ctx context.Context, tenantID string) ([]*Operator, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgOperatorColumns+` FROM operators WHERE tenant_id = $1 ORDER BY id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying operators: %w", err)
	}
	defer rows.Close()

	var ops []*Operator
	for rows.Next() {
		op, err := scanPgOperator(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning operator: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

const pgInboxColumns = `id, tenant_id, phone_number, display_name, created_at`

func scanPgInbox(row pgx.Row) (*Inbox, error) {
	var inbox Inbox
	if err := row.Scan(&inbox.ID, &inbox.TenantID, &inbox.PhoneNumber, &inbox.DisplayName, &inbox.CreatedAt); err != nil {
		return nil, err
	}
	inbox.CreatedAt = inbox.CreatedAt.UTC()
	return &inbox, nil
}

// CreateInbox stores a new inbox.
func (s *PostgresStore) CreateInbox(ctx context.Context, inbox *Inbox) error {
	prepareInbox(inbox)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO inboxes (id, tenant_id, phone_number, display_name, created_at) VALUES ($1, $2, $3, $4, $5)
	`, inbox.ID, inbox.TenantID, inbox.PhoneNumber, inbox.DisplayName, inbox.CreatedAt.UTC())
	if pgUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("inserting inbox: %w", err)
	}
	return nil
}

// GetInbox retrieves an inbox by ID
func (s *PostgresStore) GetInbox(ctx context.Context, id string) (*Inbox, error) {
	inbox, err := scanPgInbox(s.pool.QueryRow(ctx, `SELECT `+pgInboxColumns+` FROM inboxes WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying inbox: %w", err)
	}
	return inbox, nil
}

// GetOrCreateInbox returns the tenant's inbox for phone, creating it if needed.
func (s *PostgresStore) GetOrCreateInbox(ctx context.Context, tenantID, phone string, at time.Time) (*Inbox, error) {
	inbox := &Inbox{TenantID: tenantID, PhoneNumber: phone, CreatedAt: at.UTC()}
	prepareInbox(inbox)

	if _, err := s.pool.Exec(ctx, `
		INSERT INTO inboxes (id, tenant_id, phone_number, display_name, created_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, phone_number) DO NOTHING
	`, inbox.ID, inbox.TenantID, inbox.PhoneNumber, inbox.DisplayName, inbox.CreatedAt); err != nil {
		return nil, fmt.Errorf("inserting inbox: %w", err)
	}

	existing, err := scanPgInbox(s.pool.QueryRow(ctx,
		`SELECT `+pgInboxColumns+` FROM inboxes WHERE tenant_id = $1 AND phone_number = $2`, tenantID, phone))
	if err != nil {
		return nil, fmt.Errorf("querying inbox: %w", err)
	}
	return existing, nil
}

// EnsureSubscription links an operator to an inbox.
func (s *PostgresStore) EnsureSubscription(ctx context.Context, operatorID, inboxID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO operator_inbox_subscriptions (operator_id, inbox_id, created_at) VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, operatorID, inboxID, at.UTC())
	if err != nil {
		return fmt.Errorf("inserting subscription: %w", err)
	}
	return nil
}

// ListOperatorInboxes returns the inboxes the operator is subscribed to.
func (s *PostgresStore) ListOperatorInboxes(ctx context.Context, operatorID string) ([]*Inbox, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT i.id, i.tenant_id, i.phone_number, i.display_name, i.created_at
		FROM inboxes i JOIN operator_inbox_subscriptions sub ON sub.inbox_id = i.id
		WHERE sub.operator_id = $1 ORDER BY sub.created_at, i.id
	`, operatorID)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	defer rows.Close()

	var inboxes []*Inbox
	for rows.Next() {
		inbox, err := scanPgInbox(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning inbox: %w", err)
		}
		inboxes = append(inboxes, inbox)
	}
	return inboxes, rows.Err()
}

func pgConversationArgs(c *Conversation) []any {
	return []any{
		c.ID, c.TenantID, c.InboxID, c.ExternalConversationID, c.CustomerPhone, string(c.State),
		optionalText(c.AssignedOperatorID), c.MessageCount, c.LastActivityAt.UTC(), c.PriorityScore,
		c.CreatedAt.UTC(), c.UpdatedAt.UTC(), c.ResolvedAt, optionalText(c.ResolvedBy),
	}
}

const pgInsertConversation = `INSERT INTO conversations (` + conversationColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

// CreateConversation stores a new conversation.
func (s *PostgresStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	prepareConversation(conv)
	_, err := s.pool.Exec(ctx, pgInsertConversation, pgConversationArgs(conv)...)
	if pgUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

func scanPgConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	var state string
	var assignee, resolvedBy *string
	if err := row.Scan(
		&c.ID, &c.TenantID, &c.InboxID, &c.ExternalConversationID, &c.CustomerPhone, &state,
		&assignee, &c.MessageCount, &c.LastActivityAt, &c.PriorityScore,
		&c.CreatedAt, &c.UpdatedAt, &c.ResolvedAt, &resolvedBy,
	); err != nil {
		return nil, err
	}
	c.State = ConversationState(state)
	if assignee != nil {
		c.AssignedOperatorID = *assignee
	}
	if resolvedBy != nil {
		c.ResolvedBy = *resolvedBy
	}
	c.LastActivityAt = c.LastActivityAt.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	if c.ResolvedAt != nil {
		t := c.ResolvedAt.UTC()
		c.ResolvedAt = &t
	}
	return &c, nil
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func pgGetConversation(ctx context.Context, q pgQuerier, id string) (*Conversation, error) {
	conv, err := scanPgConversation(q.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// GetConversation retrieves a conversation by ID
func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return pgGetConversation(ctx, s.pool, id)
}

// RecordMessageActivity creates or bumps the conversation for an inbound message.
func (s *PostgresStore) RecordMessageActivity(ctx context.Context, a MessageActivity) (*Conversation, bool, error) {
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

	// xmax = 0 only for freshly inserted rows.
	row := s.pool.QueryRow(ctx, pgInsertConversation+`
		ON CONFLICT (tenant_id, inbox_id, external_conversation_id) DO UPDATE
		SET message_count = conversations.message_count + 1,
			last_activity_at = GREATEST(conversations.last_activity_at, EXCLUDED.last_activity_at),
			updated_at = EXCLUDED.updated_at
		RETURNING `+conversationColumns+`, (xmax = 0)`, pgConversationArgs(c)...)

	var created bool
	var state string
	var assignee, resolvedBy *string
	conv := &Conversation{}
	if err := row.Scan(
		&conv.ID, &conv.TenantID, &conv.InboxID, &conv.ExternalConversationID, &conv.CustomerPhone, &state,
		&assignee, &conv.MessageCount, &conv.LastActivityAt, &conv.PriorityScore,
		&conv.CreatedAt, &conv.UpdatedAt, &conv.ResolvedAt, &resolvedBy, &created,
	); err != nil {
		return nil, false, fmt.Errorf("upserting conversation: %w", err)
	}
	conv.State = ConversationState(state)
	if assignee != nil {
		conv.AssignedOperatorID = *assignee
	}
	if resolvedBy != nil {
		conv.ResolvedBy = *resolvedBy
	}
	return conv, created, nil
}

// ListConversations returns the newest conversations matching the filter.
func (s *PostgresStore) ListConversations(ctx context.Context, f ConversationFilter) ([]*Conversation, error) {
	var args pgArgs
	var where []string
	add := func(column, v string) {
		if v != "" {
			where = append(where, column+" = "+args.add(v))
		}
	}
	add("tenant_id", f.TenantID)
	add("state", string(f.State))
	add("inbox_id", f.InboxID)
	add("assigned_operator_id", f.AssignedOperatorID)
	add("customer_phone", f.CustomerPhone)

	query := `SELECT ` + conversationColumns + ` FROM conversations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY last_activity_at DESC, id LIMIT " + args.add(listLimit(f.Limit))
	return s.queryConversations(ctx, query, args...)
}

// ListQueuedCandidates returns up to limit QUEUED conversations, most recently active first.
func (s *PostgresStore) ListQueuedCandidates(ctx context.Context, tenantID string, limit int) ([]*Conversation, error) {
	return s.queryConversations(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE tenant_id = $1 AND state = 'QUEUED'
		ORDER BY last_activity_at DESC, id LIMIT $2
	`, tenantID, listLimit(limit))
}

func (s *PostgresStore) queryConversations(ctx context.Context, query string, args ...any) ([]*Conversation, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanPgConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// UpdatePriorityScores stores advisory scores in one batch.
func (s *PostgresStore) UpdatePriorityScores(ctx context.Context, scores map[string]float64) error {
	if len(scores) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for id, score := range scores {
		batch.Queue(`UPDATE conversations SET priority_score = $1 WHERE id = $2`, score, id)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("updating scores: %w", err)
	}
	return nil
}

// pgAvailableOperator matches when the operator is AVAILABLE. The share lock
// waits out a concurrent MarkOperatorOffline and re-reads the committed status,
// so no allocation lands after the offline ledger was built.
func pgAvailableOperator(placeholder string) string {
	return "EXISTS (SELECT 1 FROM operators WHERE id = " + placeholder + " AND status = 'AVAILABLE' FOR SHARE)"
}

// TransitionConversation applies a conditional state change.
func (s *PostgresStore) TransitionConversation(ctx context.Context, t ConversationTransition) (*Conversation, error) {
	if err := validateTransition(t); err != nil {
		return nil, err
	}
	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var args pgArgs
	set := []string{
		"state = " + args.add(string(t.To)),
		"assigned_operator_id = " + args.add(optionalText(t.OperatorID)),
		"updated_at = " + args.add(at.UTC()),
	}
	if t.To == StateResolved {
		set = append(set, "resolved_at = "+args.add(at.UTC()), "resolved_by = "+args.add(optionalText(t.ResolvedBy)))
	} else {
		set = append(set, "resolved_at = NULL", "resolved_by = NULL")
	}
	if t.PriorityScore != nil {
		set = append(set, "priority_score = "+args.add(*t.PriorityScore))
	}

	from := make([]string, len(t.From))
	for i, st := range t.From {
		from[i] = string(st)
	}
	where := []string{"id = " + args.add(t.ID), "state = ANY(" + args.add(from) + ")"}
	if t.FromOperatorID != "" {
		where = append(where, "assigned_operator_id = "+args.add(t.FromOperatorID))
	}
	if t.RequireAvailable {
		where = append(where, pgAvailableOperator(args.add(t.OperatorID)))
	}
	query := "UPDATE conversations SET " + strings.Join(set, ", ") + " WHERE " + strings.Join(where, " AND ")

	var conv *Conversation
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("updating conversation: %w", err)
		}
		if tag.RowsAffected() == 0 {
			if _, err := pgGetConversation(ctx, tx, t.ID); err != nil {
				return err
			}
			return ErrConflict
		}
		if t.ClearGrace {
			if _, err := tx.Exec(ctx, `DELETE FROM grace_period_assignments WHERE conversation_id = $1`, t.ID); err != nil {
				return fmt.Errorf("clearing grace assignments: %w", err)
			}
		}
		conv, err = pgGetConversation(ctx, tx, t.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// MoveConversationInbox changes the inbox of a conversation.
func (s *PostgresStore) MoveConversationInbox(ctx context.Context, conversationID, inboxID string, at time.Time) (*Conversation, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE conversations SET inbox_id = $1, updated_at = $2 WHERE id = $3`,
		inboxID, at.UTC(), conversationID)
	if pgUniqueViolation(err) {
		return nil, ErrDuplicate
	}
	if err != nil {
		return nil, fmt.Errorf("moving conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return pgGetConversation(ctx, s.pool, conversationID)
}

// GetTenantConfig returns stored tenant weights.
func (s *PostgresStore) GetTenantConfig(ctx context.Context, tenantID string) (*TenantConfig, error) {
	var cfg TenantConfig
	err := s.pool.QueryRow(ctx, `SELECT tenant_id, alpha, beta, updated_at FROM tenant_configs WHERE tenant_id = $1`, tenantID).
		Scan(&cfg.TenantID, &cfg.Alpha, &cfg.Beta, &cfg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying tenant config: %w", err)
	}
	cfg.UpdatedAt = cfg.UpdatedAt.UTC()
	return &cfg, nil
}

// UpsertTenantConfig creates or replaces tenant weights.
func (s *PostgresStore) UpsertTenantConfig(ctx context.Context, cfg *TenantConfig) error {
	if cfg.UpdatedAt.IsZero() {
		cfg.UpdatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenant_configs (tenant_id, alpha, beta, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id) DO UPDATE SET alpha = EXCLUDED.alpha, beta = EXCLUDED.beta, updated_at = EXCLUDED.updated_at
	`, cfg.TenantID, cfg.Alpha, cfg.Beta, cfg.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upserting tenant config: %w", err)
	}
	return nil
}

func pgSetOperatorStatus(ctx context.Context, tx pgx.Tx, operatorID string, status OperatorStatus, at time.Time) error {
	tag, err := tx.Exec(ctx, `UPDATE operators SET status = $1, last_status_change_at = $2 WHERE id = $3`,
		string(status), at.UTC(), operatorID)
	if err != nil {
		return fmt.Errorf("updating operator status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkOperatorOffline sets the operator OFFLINE and rebuilds its grace assignments.
func (s *PostgresStore) MarkOperatorOffline(ctx context.Context, operatorID string, reason GraceReason, deadline, at time.Time) ([]*GraceAssignment, error) {
	var created []*GraceAssignment
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := pgSetOperatorStatus(ctx, tx, operatorID, StatusOffline, at); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM grace_period_assignments WHERE operator_id = $1`, operatorID); err != nil {
			return fmt.Errorf("clearing grace assignments: %w", err)
		}

		rows, err := tx.Query(ctx, `
			SELECT id FROM conversations WHERE state = 'ALLOCATED' AND assigned_operator_id = $1 ORDER BY id
		`, operatorID)
		if err != nil {
			return fmt.Errorf("querying allocated conversations: %w", err)
		}
		convIDs, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("scanning conversation ids: %w", err)
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
			if _, err := tx.Exec(ctx, `
				INSERT INTO grace_period_assignments (id, operator_id, conversation_id, reason, expires_at, created_at)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, ga.ID, ga.OperatorID, ga.ConversationID, string(ga.Reason), ga.ExpiresAt, ga.CreatedAt); err != nil {
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

// MarkOperatorOnline sets the operator AVAILABLE and drops its grace assignments.
func (s *PostgresStore) MarkOperatorOnline(ctx context.Context, operatorID string, at time.Time) (int, error) {
	var cleared int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := pgSetOperatorStatus(ctx, tx, operatorID, StatusAvailable, at); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM grace_period_assignments WHERE operator_id = $1`, operatorID)
		if err != nil {
			return fmt.Errorf("clearing grace assignments: %w", err)
		}
		cleared = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(cleared), nil
}

const pgGraceColumns = `id, operator_id, conversation_id, reason, expires_at, created_at`

func (s *PostgresStore) queryGrace(ctx context.Context, query string, args ...any) ([]*GraceAssignment, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying grace assignments: %w", err)
	}
	defer rows.Close()

	var out []*GraceAssignment
	for rows.Next() {
		var ga GraceAssignment
		var reason string
		if err := rows.Scan(&ga.ID, &ga.OperatorID, &ga.ConversationID, &reason, &ga.ExpiresAt, &ga.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning grace assignment: %w", err)
		}
		ga.Reason = GraceReason(reason)
		ga.ExpiresAt = ga.ExpiresAt.UTC()
		ga.CreatedAt = ga.CreatedAt.UTC()
		out = append(out, &ga)
	}
	return out, rows.Err()
}

// ListGraceAssignments returns the operator's grace assignments.
func (s *PostgresStore) ListGraceAssignments(ctx context.Context, operatorID string) ([]*GraceAssignment, error) {
	return s.queryGrace(ctx, `SELECT `+pgGraceColumns+` FROM grace_period_assignments
		WHERE operator_id = $1 ORDER BY expires_at, id`, operatorID)
}

// ListExpiredGrace returns grace assignments whose deadline has passed.
func (s *PostgresStore) ListExpiredGrace(ctx context.Context, now time.Time, limit int) ([]*GraceAssignment, error) {
	return s.queryGrace(ctx, `SELECT `+pgGraceColumns+` FROM grace_period_assignments
		WHERE expires_at <= $1 ORDER BY expires_at, id LIMIT $2`, now.UTC(), listLimit(limit))
}

// ReclaimGrace consumes one grace assignment.
func (s *PostgresStore) ReclaimGrace(ctx context.Context, ga *GraceAssignment, at time.Time) (GraceOutcome, error) {
	outcome := GraceGone
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM grace_period_assignments WHERE id = $1`, ga.ID)
		if err != nil {
			return fmt.Errorf("deleting grace assignment: %w", err)
		}
		if tag.RowsAffected() == 0 {
			outcome = GraceGone
			return nil
		}
		tag, err = tx.Exec(ctx, `
			UPDATE conversations SET state = 'QUEUED', assigned_operator_id = NULL, updated_at = $1
			WHERE id = $2 AND state = 'ALLOCATED' AND assigned_operator_id = $3
		`, at.UTC(), ga.ConversationID, ga.OperatorID)
		if err != nil {
			return fmt.Errorf("requeueing conversation: %w", err)
		}
		if tag.RowsAffected() == 0 {
			outcome = GraceStale
		} else {
			outcome = GraceReclaimed
		}
		return nil
	})
	if err != nil {
		return GraceGone, err
	}
	return outcome, nil
}

// AppendAuditLog appends a new entry to the audit log.
func (s *PostgresStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	prepareAuditEntry(e)

	var detail []byte
	if e.Detail != nil {
		var err error
		if detail, err = json.Marshal(e.Detail); err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (audit_id, actor_id, action, target_type, target_id, ts, detail_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.ActorID, string(e.Action), e.TargetType, e.TargetID, e.Timestamp.UTC(), detail)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// ListAuditLog returns the newest audit entries first.
func (s *PostgresStore) ListAuditLog(ctx context.Context, limit int) ([]*AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT audit_id, actor_id, action, target_type, target_id, ts, detail_json
		FROM audit_log ORDER BY ts DESC, audit_id LIMIT $1
	`, normalizeAuditLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var action string
		var detail []byte
		if err := rows.Scan(&e.ID, &e.ActorID, &action, &e.TargetType, &e.TargetID, &e.Timestamp, &detail); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Action = AuditAction(action)
		e.Timestamp = e.Timestamp.UTC()
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshaling detail: %w", err)
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Compile-time check that PostgresStore implements Store
var _ Store = (*PostgresStore)(nil)
