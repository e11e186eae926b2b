// ABOUTME: Store interface and data types for inbox-allocator persistence
// ABOUTME: Defines conversations, operators, inboxes, grace assignments and conditional transitions

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a conditional update matched no rows because
// the row was no longer in the expected state.
var ErrConflict = errors.New("conflicting state change")

// ErrDuplicate is returned when creating an entity whose unique key already exists
var ErrDuplicate = errors.New("already exists")

// DefaultListLimit caps list queries that do not set their own limit.
const DefaultListLimit = 100

// ConversationState is the lifecycle state of a conversation
type ConversationState string

const (
	StateQueued    ConversationState = "QUEUED"
	StateAllocated ConversationState = "ALLOCATED"
	StateResolved  ConversationState = "RESOLVED"
)

// Valid reports whether s is a known conversation state.
func (s ConversationState) Valid() bool {
	switch s {
	case StateQueued, StateAllocated, StateResolved:
		return true
	}
	return false
}

// OperatorRole is the authority level of an operator within its tenant
type OperatorRole string

const (
	RoleOperator OperatorRole = "OPERATOR"
	RoleManager  OperatorRole = "MANAGER"
	RoleAdmin    OperatorRole = "ADMIN"
)

// Valid reports whether r is a known role.
func (r OperatorRole) Valid() bool {
	switch r {
	case RoleOperator, RoleManager, RoleAdmin:
		return true
	}
	return false
}

// CanOverride reports whether the role may perform manager overrides.
func (r OperatorRole) CanOverride() bool {
	return r == RoleManager || r == RoleAdmin
}

// OperatorStatus is an operator's availability
type OperatorStatus string

const (
	StatusAvailable OperatorStatus = "AVAILABLE"
	StatusOffline   OperatorStatus = "OFFLINE"
)

// Valid reports whether s is a known status.
func (s OperatorStatus) Valid() bool {
	return s == StatusAvailable || s == StatusOffline
}

// GraceReason records why a grace assignment was created
type GraceReason string

const (
	GraceReasonOffline GraceReason = "OFFLINE"
	GraceReasonManual  GraceReason = "MANUAL"
)

// Conversation is a customer conversation tracked for allocation.
// AssignedOperatorID is non-empty exactly when State is StateAllocated.
type Conversation struct {
	ID                     string
	TenantID               string
	InboxID                string
	ExternalConversationID string
	CustomerPhone          string
	State                  ConversationState
	AssignedOperatorID     string
	MessageCount           int
	LastActivityAt         time.Time
	PriorityScore          float64 // advisory cache, recomputed on demand
	CreatedAt              time.Time
	UpdatedAt              time.Time
	ResolvedAt             *time.Time
	ResolvedBy             string
}

// Operator is a human agent who handles conversations
type Operator struct {
	ID                 string
	TenantID           string
	DisplayName        string
	Role               OperatorRole
	Status             OperatorStatus
	LastStatusChangeAt time.Time
	CreatedAt          time.Time
}

// Inbox is a tenant's inbound channel, keyed by phone number
type Inbox struct {
	ID          string
	TenantID    string
	PhoneNumber string
	DisplayName string
	CreatedAt   time.Time
}

// Subscription links an operator to an inbox they have worked
type Subscription struct {
	OperatorID string
	InboxID    string
	CreatedAt  time.Time
}

// TenantConfig holds per-tenant priority weights
type TenantConfig struct {
	TenantID  string
	Alpha     float64
	Beta      float64
	UpdatedAt time.Time
}

// GraceAssignment holds an offline operator's claim on a conversation until ExpiresAt.
type GraceAssignment struct {
	ID             string
	OperatorID     string
	ConversationID string
	Reason         GraceReason
	ExpiresAt      time.Time
	CreatedAt      time.Time
}

// GraceOutcome is the result of reclaiming one grace assignment
type GraceOutcome int

const (
	// GraceReclaimed means the conversation went back to QUEUED.
	GraceReclaimed GraceOutcome = iota
	// GraceStale means the entry was removed but the conversation had already moved on.
	GraceStale
	// GraceGone means another sweep already consumed the entry.
	GraceGone
)

func (o GraceOutcome) String() string {
	switch o {
	case GraceReclaimed:
		return "reclaimed"
	case GraceStale:
		return "stale"
	case GraceGone:
		return "gone"
	default:
		return "unknown"
	}
}

// AuditAction represents an auditable override.
type AuditAction string

const (
	AuditDeallocate    AuditAction = "deallocate_conversation"
	AuditReassign      AuditAction = "reassign_conversation"
	AuditMoveInbox     AuditAction = "move_conversation_inbox"
	AuditTenantWeights AuditAction = "update_tenant_weights"
)

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID         string
	ActorID    string      // operator who performed the action
	Action     AuditAction // what was done
	TargetType string      // "conversation", "tenant"
	TargetID   string
	Timestamp  time.Time
	Detail     map[string]any
}

// ConversationFilter narrows ListConversations. Empty fields are ignored.
type ConversationFilter struct {
	TenantID           string
	State              ConversationState
	InboxID            string
	AssignedOperatorID string
	CustomerPhone      string
	Limit              int
}

// ConversationTransition describes one conditional state change.
// The update applies only when the row is in one of From and, if
// FromOperatorID is set, currently assigned to that operator.
type ConversationTransition struct {
	ID             string
	From           []ConversationState
	FromOperatorID string

	To         ConversationState
	OperatorID string // new assignee, required when To is StateAllocated

	// RequireAvailable makes the update also require that OperatorID is
	// AVAILABLE at commit time.
	RequireAvailable bool
	// ClearGrace deletes grace assignments for the conversation in the same transaction.
	ClearGrace bool

	ResolvedBy    string
	PriorityScore *float64
	At            time.Time
}

// MessageActivity is an inbound customer message used to create or bump a conversation
type MessageActivity struct {
	TenantID               string
	InboxID                string
	ExternalConversationID string
	CustomerPhone          string
	At                     time.Time
}

// Store defines the persistence operations used by the allocator
type Store interface {
	CreateOperator(ctx context.Context, op *Operator) error
	GetOperator(ctx context.Context, id string) (*Operator, error)
	ListOperators(ctx context.Context, tenantID string) ([]*Operator, error)

	CreateInbox(ctx context.Context, inbox *Inbox) error
	GetInbox(ctx context.Context, id string) (*Inbox, error)
	GetOrCreateInbox(ctx context.Context, tenantID, phone string, at time.Time) (*Inbox, error)
	EnsureSubscription(ctx context.Context, operatorID, inboxID string, at time.Time) error
	ListOperatorInboxes(ctx context.Context, operatorID string) ([]*Inbox, error)

	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	RecordMessageActivity(ctx context.Context, activity MessageActivity) (*Conversation, bool, error)
	ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error)
	ListQueuedCandidates(ctx context.Context, tenantID string, limit int) ([]*Conversation, error)
	UpdatePriorityScores(ctx context.Context, scores map[string]float64) error
	TransitionConversation(ctx context.Context, t ConversationTransition) (*Conversation, error)
	MoveConversationInbox(ctx context.Context, conversationID, inboxID string, at time.Time) (*Conversation, error)

	GetTenantConfig(ctx context.Context, tenantID string) (*TenantConfig, error)
	UpsertTenantConfig(ctx context.Context, cfg *TenantConfig) error

	MarkOperatorOffline(ctx context.Context, operatorID string, reason GraceReason, deadline, at time.Time) ([]*GraceAssignment, error)
	MarkOperatorOnline(ctx context.Context, operatorID string, at time.Time) (int, error)
	ListGraceAssignments(ctx context.Context, operatorID string) ([]*GraceAssignment, error)
	ListExpiredGrace(ctx context.Context, now time.Time, limit int) ([]*GraceAssignment, error)
	ReclaimGrace(ctx context.Context, ga *GraceAssignment, at time.Time) (GraceOutcome, error)

	AppendAuditLog(ctx context.Context, entry *AuditEntry) error
	ListAuditLog(ctx context.Context, limit int) ([]*AuditEntry, error)

	Close() error
}

// validateTransition checks the shape of a transition before it reaches SQL.
func validateTransition(t ConversationTransition) error {
	if t.ID == "" {
		return errors.New("transition: conversation id is required")
	}
	if len(t.From) == 0 {
		return errors.New("transition: at least one expected state is required")
	}
	if !t.To.Valid() {
		return errors.New("transition: invalid target state")
	}
	if (t.To == StateAllocated) != (t.OperatorID != "") {
		return errors.New("transition: assignee must be set exactly when allocating")
	}
	if t.RequireAvailable && t.OperatorID == "" {
		return errors.New("transition: availability check needs an operator")
	}
	return nil
}

// stateStrings converts states for SQL placeholders.
func stateStrings(states []ConversationState) []any {
	out := make([]any, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func listLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
