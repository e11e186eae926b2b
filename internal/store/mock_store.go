// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite while keeping conditional update semantics

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	operators     map[string]*Operator
	inboxes       map[string]*Inbox
	subscriptions map[string]*Subscription // keyed by "operatorID:inboxID"
	conversations map[string]*Conversation
	tenants       map[string]*TenantConfig
	grace         map[string]*GraceAssignment
	audit         []*AuditEntry
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		operators:     make(map[string]*Operator),
		inboxes:       make(map[string]*Inbox),
		subscriptions: make(map[string]*Subscription),
		conversations: make(map[string]*Conversation),
		tenants:       make(map[string]*TenantConfig),
		grace:         make(map[string]*GraceAssignment),
	}
}

// CreateOperator stores a new operator.
func (m *MockStore) CreateOperator(ctx context.Context, op *Operator) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prepareOperator(op)
	if _, ok := m.operators[op.ID]; ok {
		return ErrDuplicate
	}
	o := *op
	m.operators[o.ID] = &o
	return nil
}

// GetOperator retrieves an operator by ID.
func (m *MockStore) GetOperator(ctx context.Context, id string) (*Operator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	op, ok := m.operators[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *op
	return &result, nil
}

// ListOperators returns the operators of a tenant ordered by ID.
func (m *MockStore) ListOperators(ctx context.Context, tenantID string) ([]*Operator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ops []*Operator
	for _, op := range m.operators {
		if op.TenantID == tenantID {
			o := *op
			ops = append(ops, &o)
		}
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].ID < ops[j].ID })
	return ops, nil
}

// CreateInbox stores a new inbox.
func (m *MockStore) CreateInbox(ctx context.Context, inbox *Inbox) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prepareInbox(inbox)
	if _, ok := m.inboxes[inbox.ID]; ok {
		return ErrDuplicate
	}
	if m.findInboxLocked(inbox.TenantID, inbox.PhoneNumber) != nil {
		return ErrDuplicate
	}
	i := *inbox
	m.inboxes[i.ID] = &i
	return nil
}

func (m *MockStore) findInboxLocked(tenantID, phone string) *Inbox {
	for _, inbox := range m.inboxes {
		if inbox.TenantID == tenantID && inbox.PhoneNumber == phone {
			return inbox
		}
	}
	return nil
}

// GetInbox retrieves an inbox by ID.
func (m *MockStore) GetInbox(ctx context.Context, id string) (*Inbox, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inbox, ok := m.inboxes[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *inbox
	return &result, nil
}

// GetOrCreateInbox returns the tenant's inbox for phone, creating it if needed.
func (m *MockStore) GetOrCreateInbox(ctx context.Context, tenantID, phone string, at time.Time) (*Inbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing := m.findInboxLocked(tenantID, phone); existing != nil {
		result := *existing
		return &result, nil
	}
	inbox := &Inbox{TenantID: tenantID, PhoneNumber: phone, CreatedAt: at.UTC()}
	prepareInbox(inbox)
	m.inboxes[inbox.ID] = inbox
	result := *inbox
	return &result, nil
}

// EnsureSubscription links an operator to an inbox.
func (m *MockStore) EnsureSubscription(ctx context.Context, operatorID, inboxID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := operatorID + ":" + inboxID
	if _, ok := m.subscriptions[key]; !ok {
		m.subscriptions[key] = &Subscription{OperatorID: operatorID, InboxID: inboxID, CreatedAt: at.UTC()}
	}
	return nil
}

// ListOperatorInboxes returns the inboxes the operator is subscribed to.
func (m *MockStore) ListOperatorInboxes(ctx context.Context, operatorID string) ([]*Inbox, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var subs []*Subscription
	for _, sub := range m.subscriptions {
		if sub.OperatorID == operatorID {
			subs = append(subs, sub)
		}
	}
	sort.Slice(subs, func(i, j int) bool {
		if !subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].CreatedAt.Before(subs[j].CreatedAt)
		}
		return subs[i].InboxID < subs[j].InboxID
	})

	var inboxes []*Inbox
	for _, sub := range subs {
		if inbox, ok := m.inboxes[sub.InboxID]; ok {
			i := *inbox
			inboxes = append(inboxes, &i)
		}
	}
	return inboxes, nil
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prepareConversation(conv)
	if _, ok := m.conversations[conv.ID]; ok {
		return ErrDuplicate
	}
	if m.findConversationLocked(conv.TenantID, conv.InboxID, conv.ExternalConversationID) != nil {
		return ErrDuplicate
	}
	m.conversations[conv.ID] = copyConversation(conv)
	return nil
}

func (m *MockStore) findConversationLocked(tenantID, inboxID, externalID string) *Conversation {
	for _, c := range m.conversations {
		if c.TenantID == tenantID && c.InboxID == inboxID && c.ExternalConversationID == externalID {
			return c
		}
	}
	return nil
}

func copyConversation(c *Conversation) *Conversation {
	out := *c
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		out.ResolvedAt = &t
	}
	return &out
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(c), nil
}

// RecordMessageActivity creates or bumps the conversation for an inbound message.
func (m *MockStore) RecordMessageActivity(ctx context.Context, a MessageActivity) (*Conversation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c := m.findConversationLocked(a.TenantID, a.InboxID, a.ExternalConversationID); c != nil {
		c.MessageCount++
		if a.At.After(c.LastActivityAt) {
			c.LastActivityAt = a.At.UTC()
		}
		c.UpdatedAt = a.At.UTC()
		return copyConversation(c), false, nil
	}

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
	m.conversations[c.ID] = c
	return copyConversation(c), true, nil
}

// ListConversations returns the newest conversations matching the filter.
func (m *MockStore) ListConversations(ctx context.Context, f ConversationFilter) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Conversation
	for _, c := range m.conversations {
		if f.TenantID != "" && c.TenantID != f.TenantID {
			continue
		}
		if f.State != "" && c.State != f.State {
			continue
		}
		if f.InboxID != "" && c.InboxID != f.InboxID {
			continue
		}
		if f.AssignedOperatorID != "" && c.AssignedOperatorID != f.AssignedOperatorID {
			continue
		}
		if f.CustomerPhone != "" && c.CustomerPhone != f.CustomerPhone {
			continue
		}
		out = append(out, copyConversation(c))
	}
	return newestFirst(out, listLimit(f.Limit)), nil
}

// ListQueuedCandidates returns up to limit QUEUED conversations, most recently active first.
func (m *MockStore) ListQueuedCandidates(ctx context.Context, tenantID string, limit int) ([]*Conversation, error) {
	return m.ListConversations(ctx, ConversationFilter{TenantID: tenantID, State: StateQueued, Limit: limit})
}

func newestFirst(convs []*Conversation, limit int) []*Conversation {
	sort.Slice(convs, func(i, j int) bool {
		if !convs[i].LastActivityAt.Equal(convs[j].LastActivityAt) {
			return convs[i].LastActivityAt.After(convs[j].LastActivityAt)
		}
		return convs[i].ID < convs[j].ID
	})
	if len(convs) > limit {
		convs = convs[:limit]
	}
	return convs
}

// UpdatePriorityScores stores advisory scores.
func (m *MockStore) UpdatePriorityScores(ctx context.Context, scores map[string]float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, score := range scores {
		if c, ok := m.conversations[id]; ok {
			c.PriorityScore = score
		}
	}
	return nil
}

// TransitionConversation applies a conditional state change.
func (m *MockStore) TransitionConversation(ctx context.Context, t ConversationTransition) (*Conversation, error) {
	if err := validateTransition(t); err != nil {
		return nil, err
	}
	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[t.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if !stateIn(c.State, t.From) {
		return nil, ErrConflict
	}
	if t.FromOperatorID != "" && c.AssignedOperatorID != t.FromOperatorID {
		return nil, ErrConflict
	}
	if t.RequireAvailable {
		op, ok := m.operators[t.OperatorID]
		if !ok || op.Status != StatusAvailable {
			return nil, ErrConflict
		}
	}

	c.State = t.To
	c.AssignedOperatorID = t.OperatorID
	c.UpdatedAt = at.UTC()
	if t.To == StateResolved {
		resolved := at.UTC()
		c.ResolvedAt = &resolved
		c.ResolvedBy = t.ResolvedBy
	} else {
		c.ResolvedAt = nil
		c.ResolvedBy = ""
	}
	if t.PriorityScore != nil {
		c.PriorityScore = *t.PriorityScore
	}
	if t.ClearGrace {
		for id, ga := range m.grace {
			if ga.ConversationID == t.ID {
				delete(m.grace, id)
			}
		}
	}
	return copyConversation(c), nil
}

func stateIn(s ConversationState, states []ConversationState) bool {
	for _, candidate := range states {
		if s == candidate {
			return true
		}
	}
	return false
}

// MoveConversationInbox changes the inbox of a conversation.
func (m *MockStore) MoveConversationInbox(ctx context.Context, conversationID, inboxID string, at time.Time) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	if other := m.findConversationLocked(c.TenantID, inboxID, c.ExternalConversationID); other != nil && other.ID != c.ID {
		return nil, ErrDuplicate
	}
	c.InboxID = inboxID
	c.UpdatedAt = at.UTC()
	return copyConversation(c), nil
}

// GetTenantConfig returns stored tenant weights.
func (m *MockStore) GetTenantConfig(ctx context.Context, tenantID string) (*TenantConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg, ok := m.tenants[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	result := *cfg
	return &result, nil
}

// UpsertTenantConfig creates or replaces tenant weights.
func (m *MockStore) UpsertTenantConfig(ctx context.Context, cfg *TenantConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg.UpdatedAt.IsZero() {
		cfg.UpdatedAt = time.Now().UTC()
	}
	c := *cfg
	m.tenants[c.TenantID] = &c
	return nil
}

// MarkOperatorOffline sets the operator OFFLINE and rebuilds its grace assignments.
func (m *MockStore) MarkOperatorOffline(ctx context.Context, operatorID string, reason GraceReason, deadline, at time.Time) ([]*GraceAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.operators[operatorID]
	if !ok {
		return nil, ErrNotFound
	}
	op.Status = StatusOffline
	op.LastStatusChangeAt = at.UTC()
	m.clearGraceLocked(operatorID)

	var convIDs []string
	for _, c := range m.conversations {
		if c.State == StateAllocated && c.AssignedOperatorID == operatorID {
			convIDs = append(convIDs, c.ID)
		}
	}
	sort.Strings(convIDs)

	created := make([]*GraceAssignment, 0, len(convIDs))
	for _, convID := range convIDs {
		ga := &GraceAssignment{
			ID:             uuid.New().String(),
			OperatorID:     operatorID,
			ConversationID: convID,
			Reason:         reason,
			ExpiresAt:      deadline.UTC(),
			CreatedAt:      at.UTC(),
		}
		m.grace[ga.ID] = ga
		g := *ga
		created = append(created, &g)
	}
	return created, nil
}

// MarkOperatorOnline sets the operator AVAILABLE and drops its grace assignments.
func (m *MockStore) MarkOperatorOnline(ctx context.Context, operatorID string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.operators[operatorID]
	if !ok {
		return 0, ErrNotFound
	}
	op.Status = StatusAvailable
	op.LastStatusChangeAt = at.UTC()
	return m.clearGraceLocked(operatorID), nil
}

func (m *MockStore) clearGraceLocked(operatorID string) int {
	cleared := 0
	for id, ga := range m.grace {
		if ga.OperatorID == operatorID {
			delete(m.grace, id)
			cleared++
		}
	}
	return cleared
}

// ListGraceAssignments returns the operator's grace assignments.
func (m *MockStore) ListGraceAssignments(ctx context.Context, operatorID string) ([]*GraceAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*GraceAssignment
	for _, ga := range m.grace {
		if ga.OperatorID == operatorID {
			g := *ga
			out = append(out, &g)
		}
	}
	sortGrace(out)
	return out, nil
}

// ListExpiredGrace returns grace assignments whose deadline has passed.
func (m *MockStore) ListExpiredGrace(ctx context.Context, now time.Time, limit int) ([]*GraceAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*GraceAssignment
	for _, ga := range m.grace {
		if !ga.ExpiresAt.After(now) {
			g := *ga
			out = append(out, &g)
		}
	}
	sortGrace(out)
	if limit = listLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortGrace(gas []*GraceAssignment) {
	sort.Slice(gas, func(i, j int) bool {
		if !gas[i].ExpiresAt.Equal(gas[j].ExpiresAt) {
			return gas[i].ExpiresAt.Before(gas[j].ExpiresAt)
		}
		return gas[i].ID < gas[j].ID
	})
}

// ReclaimGrace consumes one grace assignment.
func (m *MockStore) ReclaimGrace(ctx context.Context, ga *GraceAssignment, at time.Time) (GraceOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.grace[ga.ID]; !ok {
		return GraceGone, nil
	}
	delete(m.grace, ga.ID)

	c, ok := m.conversations[ga.ConversationID]
	if !ok || c.State != StateAllocated || c.AssignedOperatorID != ga.OperatorID {
		return GraceStale, nil
	}
	c.State = StateQueued
	c.AssignedOperatorID = ""
	c.UpdatedAt = at.UTC()
	return GraceReclaimed, nil
}

// AppendAuditLog records an audit entry.
func (m *MockStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prepareAuditEntry(e)
	entry := *e
	m.audit = append(m.audit, &entry)
	return nil
}

// ListAuditLog returns the newest audit entries first.
func (m *MockStore) ListAuditLog(ctx context.Context, limit int) ([]*AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = normalizeAuditLimit(limit)
	var out []*AuditEntry
	for i := len(m.audit) - 1; i >= 0 && len(out) < limit; i-- {
		e := *m.audit[i]
		out = append(out, &e)
	}
	return out, nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Compile-time check that MockStore implements Store
var _ Store = (*MockStore)(nil)
