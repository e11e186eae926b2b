// ABOUTME: Tests for the HTTP API handlers
// ABOUTME: Drives the full handler stack over an in-memory store in anonymous and JWT modes

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/inbox-allocator/internal/allocation"
	"github.com/2389/inbox-allocator/internal/auth"
	"github.com/2389/inbox-allocator/internal/config"
	"github.com/2389/inbox-allocator/internal/ingest"
	"github.com/2389/inbox-allocator/internal/store"
)

const testJWTSecret = "server-test-secret-with-32-bytes"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testServerConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte("database:\n  path: \":memory:\"\n"+extra), false)
	require.NoError(t, err)
	return cfg
}

// apiFixture is a server over a seeded MockStore.
type apiFixture struct {
	srv   *Server
	store *store.MockStore
}

func newAPIFixture(t *testing.T, extraConfig string) *apiFixture {
	t.Helper()
	ms := store.NewMockStore()
	seedStore(t, ms)
	return newAPIFixtureWithStore(t, ms, ms, extraConfig)
}

func newAPIFixtureWithStore(t *testing.T, ms *store.MockStore, s store.Store, extraConfig string) *apiFixture {
	t.Helper()
	srv, err := newServer(testServerConfig(t, extraConfig), s, nil, testLogger())
	require.NoError(t, err)
	t.Cleanup(srv.dedupe.Close)
	return &apiFixture{srv: srv, store: ms}
}

func seedStore(t *testing.T, ms *store.MockStore) {
	t.Helper()
	ctx := context.Background()
	for _, inbox := range []*store.Inbox{
		{ID: "inbox-a", TenantID: "tenant-a", PhoneNumber: "+15550001"},
		{ID: "inbox-a2", TenantID: "tenant-a", PhoneNumber: "+15550002"},
		{ID: "inbox-b", TenantID: "tenant-b", PhoneNumber: "+15559001"},
	} {
		require.NoError(t, ms.CreateInbox(ctx, inbox))
	}
	for _, op := range []*store.Operator{
		{ID: "op-1", TenantID: "tenant-a", Role: store.RoleOperator},
		{ID: "op-2", TenantID: "tenant-a", Role: store.RoleOperator},
		{ID: "mgr-1", TenantID: "tenant-a", Role: store.RoleManager},
		{ID: "admin-1", TenantID: "tenant-a", Role: store.RoleAdmin},
		{ID: "op-b", TenantID: "tenant-b", Role: store.RoleOperator},
	} {
		op.Status = store.StatusAvailable
		require.NoError(t, ms.CreateOperator(ctx, op))
	}
}

func (f *apiFixture) queued(t *testing.T, id string, messages int, ago time.Duration) {
	t.Helper()
	at := time.Now().UTC().Add(-ago)
	require.NoError(t, f.store.CreateConversation(context.Background(), &store.Conversation{
		ID:                     id,
		TenantID:               "tenant-a",
		InboxID:                "inbox-a",
		ExternalConversationID: "ext-" + id,
		CustomerPhone:          "+1444" + id,
		State:                  store.StateQueued,
		MessageCount:           messages,
		LastActivityAt:         at,
		CreatedAt:              at,
	}))
}

// do sends a request through the full handler and returns the recorder.
func (f *apiFixture) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]string](t, rec)["error"]
}

func TestAPI_AllocateNextAndQueue(t *testing.T) {
	f := newAPIFixture(t, "")
	f.queued(t, "c-busy", 5, 10*time.Minute)
	f.queued(t, "c-quiet", 1, time.Minute)

	rec := f.do(t, http.MethodGet, "/api/operators/op-2/queue", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	queue := decode[QueueResponse](t, rec)
	assert.Equal(t, "AVAILABLE", queue.OperatorStatus)
	require.Len(t, queue.Conversations, 2)
	for _, c := range queue.Conversations {
		require.NotNil(t, c.PriorityScore)
	}

	rec = f.do(t, http.MethodPost, "/api/operators/op-1/allocate", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	conv := decode[ConversationResponse](t, rec)
	assert.Equal(t, "ALLOCATED", conv.State)
	assert.Equal(t, "op-1", conv.AssignedOperatorID)
	assert.Equal(t, queue.Conversations[0].ID, conv.ID, "allocation takes the top of the queue")

	rec = f.do(t, http.MethodGet, "/api/operators/op-2/queue", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[QueueResponse](t, rec).Conversations, 1)

	rec = f.do(t, http.MethodGet, "/api/operators/op-1/inboxes", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	inboxes := decode[[]InboxResponse](t, rec)
	require.Len(t, inboxes, 1)
	assert.Equal(t, "inbox-a", inboxes[0].ID)
}

func TestAPI_AllocateNextErrors(t *testing.T) {
	f := newAPIFixture(t, "")

	rec := f.do(t, http.MethodPost, "/api/operators/op-1/allocate", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, errorBody(t, rec), "no work available")

	rec = f.do(t, http.MethodPost, "/api/operators/ghost/allocate", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.queued(t, "c1", 1, time.Minute)
	rec = f.do(t, http.MethodPost, "/api/operators/op-1/status", map[string]string{"status": "OFFLINE"}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/operators/op-1/allocate", nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, errorBody(t, rec), "operator unavailable")
}

func TestAPI_ClaimAndResolve(t *testing.T) {
	f := newAPIFixture(t, "")
	f.queued(t, "c1", 1, time.Minute)

	rec := f.do(t, http.MethodPost, "/api/conversations/c1/claim", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "anonymous callers must name themselves")

	rec = f.do(t, http.MethodPost, "/api/conversations/c1/claim", map[string]string{"operator_id": "op-1"}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "op-1", decode[ConversationResponse](t, rec).AssignedOperatorID)

	rec = f.do(t, http.MethodPost, "/api/conversations/c1/claim?operator_id=op-2", nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, errorBody(t, rec), "not queued")

	rec = f.do(t, http.MethodPost, "/api/conversations/c1/resolve", map[string]string{"operator_id": "op-2"}, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/conversations/c1/resolve", map[string]string{"operator_id": "op-1"}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resolved := decode[ConversationResponse](t, rec)
	assert.Equal(t, "RESOLVED", resolved.State)
	assert.Equal(t, "op-1", resolved.ResolvedBy)
	assert.NotEmpty(t, resolved.ResolvedAt)
	assert.Empty(t, resolved.AssignedOperatorID)
}

func TestAPI_StatusChange(t *testing.T) {
	f := newAPIFixture(t, "")
	f.queued(t, "c1", 1, time.Minute)
	rec := f.do(t, http.MethodPost, "/api/conversations/c1/claim", map[string]string{"operator_id": "op-1"}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/operators/op-1/status", map[string]string{"status": "OFFLINE"}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	change := decode[StatusChangeResponse](t, rec)
	assert.Equal(t, "OFFLINE", change.Operator.Status)
	assert.Equal(t, 1, change.GraceAssignments)

	rec = f.do(t, http.MethodGet, "/api/operators/op-1/status", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OFFLINE", decode[OperatorResponse](t, rec).Status)

	rec = f.do(t, http.MethodPost, "/api/operators/op-1/status", map[string]string{"status": "BUSY"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/operators/op-1/status", map[string]string{"status": "AVAILABLE"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[StatusChangeResponse](t, rec).GraceAssignments)

	req := httptest.NewRequest(http.MethodPost, "/api/operators/op-1/status", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAPI_SupervisorOverrides(t *testing.T) {
	f := newAPIFixture(t, "")
	f.queued(t, "c1", 1, time.Minute)
	rec := f.do(t, http.MethodPost, "/api/conversations/c1/claim", map[string]string{"operator_id": "op-1"}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/conversations/c1/deallocate", map[string]string{"operator_id": "op-2"}, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/conversations/c1/deallocate", map[string]string{"operator_id": "mgr-1"}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "QUEUED", decode[ConversationResponse](t, rec).State)

	rec = f.do(t, http.MethodPost, "/api/conversations/c1/reassign", map[string]string{"operator_id": "mgr-1"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/conversations/c1/reassign", map[string]string{
		"operator_id": "mgr-1", "target_operator_id": "op-2",
	}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "op-2", decode[ConversationResponse](t, rec).AssignedOperatorID)

	rec = f.do(t, http.MethodPost, "/api/conversations/c1/reassign", map[string]string{
		"operator_id": "mgr-1", "target_operator_id": "op-1",
	}, "")
	assert.Equal(t, http.StatusConflict, rec.Code, "reassigning an allocated conversation")

	rec = f.do(t, http.MethodPost, "/api/conversations/c1/move", map[string]string{
		"operator_id": "mgr-1", "target_inbox_id": "inbox-b",
	}, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/conversations/c1/move", map[string]string{
		"operator_id": "mgr-1", "target_inbox_id": "inbox-a2",
	}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "inbox-a2", decode[ConversationResponse](t, rec).InboxID)

	audit, err := f.store.ListAuditLog(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, audit, 3)
}

func TestAPI_ListConversations(t *testing.T) {
	f := newAPIFixture(t, "")
	f.queued(t, "c1", 1, time.Minute)
	f.queued(t, "c2", 1, 2*time.Minute)
	rec := f.do(t, http.MethodPost, "/api/conversations/c1/claim", map[string]string{"operator_id": "op-1"}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/conversations?operator_id=op-2&state=QUEUED", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	convs := decode[[]ConversationResponse](t, rec)
	require.Len(t, convs, 1)
	assert.Equal(t, "c2", convs[0].ID)

	rec = f.do(t, http.MethodGet, "/api/conversations?operator_id=op-b", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]ConversationResponse](t, rec), "other tenants see nothing")

	rec = f.do(t, http.MethodGet, "/api/conversations?operator_id=op-2&state=CLOSED", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/conversations?operator_id=op-2&limit=-1", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_IngestMessage(t *testing.T) {
	f := newAPIFixture(t, "")
	msg := ingest.Message{
		MessageID:              "wamid-1",
		TenantID:               "tenant-a",
		InboxPhone:             "+15550001",
		ExternalConversationID: "thread-9",
		CustomerPhone:          "+14445550000",
	}

	rec := f.do(t, http.MethodPost, "/api/messages", msg, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[IngestResponse](t, rec)
	require.NotNil(t, created.Conversation)
	assert.Equal(t, "QUEUED", created.Conversation.State)
	assert.Equal(t, "inbox-a", created.Conversation.InboxID)

	rec = f.do(t, http.MethodPost, "/api/messages", msg, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[IngestResponse](t, rec).Duplicate)

	msg.MessageID = "wamid-2"
	rec = f.do(t, http.MethodPost, "/api/messages", msg, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[IngestResponse](t, rec).Conversation.MessageCount)

	rec = f.do(t, http.MethodPost, "/api/messages", ingest.Message{MessageID: "x"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_TenantWeights(t *testing.T) {
	f := newAPIFixture(t, "")

	rec := f.do(t, http.MethodPut, "/api/admin/tenants/tenant-a/weights", map[string]any{
		"operator_id": "admin-1", "alpha": 2.5,
	}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	weights := decode[TenantWeightsResponse](t, rec)
	assert.Equal(t, 2.5, weights.Alpha)
	assert.Equal(t, 1.0, weights.Beta)

	rec = f.do(t, http.MethodPut, "/api/admin/tenants/tenant-a/weights", map[string]any{
		"operator_id": "admin-1", "beta": -1,
	}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/admin/tenants/tenant-a/weights", map[string]any{
		"operator_id": "mgr-1", "beta": 2,
	}, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAPI_RunGraceExpirySweep(t *testing.T) {
	f := newAPIFixture(t, "allocation:\n  grace_period: \"1ms\"\n")
	f.queued(t, "c1", 1, time.Minute)
	rec := f.do(t, http.MethodPost, "/api/conversations/c1/claim", map[string]string{"operator_id": "op-1"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/operators/op-1/status", map[string]string{"status": "OFFLINE"}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	time.Sleep(10 * time.Millisecond)

	rec = f.do(t, http.MethodPost, "/api/admin/grace-expiry/run", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decode[SweepResponse](t, rec).ReclaimedCount)

	conv, err := f.store.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, store.StateQueued, conv.State)
	assert.Equal(t, 1, f.srv.sweeper.Stats().Runs)

	rec = f.do(t, http.MethodPost, "/api/admin/grace-expiry/run", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[SweepResponse](t, rec).ReclaimedCount)
}

func TestAPI_JWTMode(t *testing.T) {
	f := newAPIFixture(t, fmt.Sprintf("auth:\n  jwt_secret: %q\n", testJWTSecret))
	f.queued(t, "c1", 1, time.Minute)

	v, err := auth.NewJWTVerifier([]byte(testJWTSecret))
	require.NoError(t, err)
	token := func(id string) string {
		tok, err := v.Generate(id, "", time.Hour)
		require.NoError(t, err)
		return tok
	}

	rec := f.do(t, http.MethodGet, "/api/operators/op-1/queue", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code, "health stays public")

	rec = f.do(t, http.MethodPost, "/api/operators/op-2/allocate", nil, token("op-1"))
	assert.Equal(t, http.StatusForbidden, rec.Code, "path operator must be the caller")

	rec = f.do(t, http.MethodPost, "/api/conversations/c1/claim", map[string]string{"operator_id": "op-2"}, token("op-1"))
	assert.Equal(t, http.StatusForbidden, rec.Code, "body operator must be the caller")

	rec = f.do(t, http.MethodPost, "/api/conversations/c1/claim", nil, token("op-1"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "op-1", decode[ConversationResponse](t, rec).AssignedOperatorID)

	rec = f.do(t, http.MethodPost, "/api/admin/grace-expiry/run", nil, token("op-1"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/admin/grace-expiry/run", nil, token("mgr-1"))
	assert.Equal(t, http.StatusOK, rec.Code)

	msg := ingest.Message{MessageID: "m1", TenantID: "tenant-b", InboxPhone: "+15559001", ExternalConversationID: "t1"}
	rec = f.do(t, http.MethodPost, "/api/messages", msg, token("mgr-1"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	msg.TenantID = ""
	msg.InboxPhone = "+15550001"
	rec = f.do(t, http.MethodPost, "/api/messages", msg, token("mgr-1"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "tenant-a", decode[IngestResponse](t, rec).Conversation.TenantID)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: c1", allocation.ErrNotFound), http.StatusNotFound},
		{allocation.ErrNoWorkAvailable, http.StatusNotFound},
		{allocation.ErrPermissionDenied, http.StatusForbidden},
		{allocation.ErrTenantMismatch, http.StatusForbidden},
		{errCallerMismatch, http.StatusForbidden},
		{allocation.ErrOperatorUnavailable, http.StatusConflict},
		{allocation.ErrConversationNotQueued, http.StatusConflict},
		{allocation.ErrConversationNotAllocated, http.StatusConflict},
		{allocation.ErrInvalidStateForReassign, http.StatusConflict},
		{allocation.ErrInvalidStatus, http.StatusBadRequest},
		{allocation.ErrInvalidWeights, http.StatusBadRequest},
		{ingest.ErrInvalidMessage, http.StatusBadRequest},
		{errMissingCaller, http.StatusBadRequest},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			got, msg := errorStatus(tt.err)
			assert.Equal(t, tt.want, got)
			if got == http.StatusInternalServerError {
				assert.Equal(t, "internal server error", msg, "internal errors are not leaked")
			}
		})
	}
}
