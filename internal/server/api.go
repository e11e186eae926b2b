// ABOUTME: HTTP JSON API over the allocation engine and message ingestion
// ABOUTME: Maps engine error kinds to status codes and resolves the calling operator

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/inbox-allocator/internal/allocation"
	"github.com/2389/inbox-allocator/internal/auth"
	"github.com/2389/inbox-allocator/internal/ingest"
	"github.com/2389/inbox-allocator/internal/store"
)

const maxBodyBytes = 1 << 20

var (
	errMissingCaller  = errors.New("operator_id is required")
	errCallerMismatch = errors.New("operator does not match authenticated caller")
	errBadRequest     = errors.New("bad request")
)

// ConversationResponse is the JSON form of a conversation.
type ConversationResponse struct {
	ID                     string   `json:"id"`
	TenantID               string   `json:"tenant_id"`
	InboxID                string   `json:"inbox_id"`
	ExternalConversationID string   `json:"external_conversation_id"`
	CustomerPhone          string   `json:"customer_phone"`
	State                  string   `json:"state"`
	AssignedOperatorID     string   `json:"assigned_operator_id,omitempty"`
	MessageCount           int      `json:"message_count"`
	LastActivityAt         string   `json:"last_activity_at"`
	PriorityScore          *float64 `json:"priority_score,omitempty"`
	ResolvedAt             string   `json:"resolved_at,omitempty"`
	ResolvedBy             string   `json:"resolved_by,omitempty"`
	CreatedAt              string   `json:"created_at"`
	UpdatedAt              string   `json:"updated_at"`
}

// OperatorResponse is the JSON form of an operator.
type OperatorResponse struct {
	ID                 string `json:"id"`
	TenantID           string `json:"tenant_id"`
	DisplayName        string `json:"display_name,omitempty"`
	Role               string `json:"role"`
	Status             string `json:"status"`
	LastStatusChangeAt string `json:"last_status_change_at"`
}

// InboxResponse is the JSON form of an inbox.
type InboxResponse struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id"`
	PhoneNumber string `json:"phone_number"`
	DisplayName string `json:"display_name,omitempty"`
}

// QueueResponse is the JSON response for GET /api/operators/{id}/queue.
type QueueResponse struct {
	OperatorID     string                 `json:"operator_id"`
	OperatorStatus string                 `json:"operator_status"`
	Conversations  []ConversationResponse `json:"conversations"`
}

// StatusChangeResponse is the JSON response for POST /api/operators/{id}/status.
type StatusChangeResponse struct {
	Operator         OperatorResponse `json:"operator"`
	GraceAssignments int              `json:"grace_assignments"`
}

// IngestResponse is the JSON response for POST /api/messages.
type IngestResponse struct {
	Duplicate    bool                  `json:"duplicate"`
	Created      bool                  `json:"created"`
	Conversation *ConversationResponse `json:"conversation,omitempty"`
}

// TenantWeightsResponse is the JSON response for PUT /api/admin/tenants/{id}/weights.
type TenantWeightsResponse struct {
	TenantID  string  `json:"tenant_id"`
	Alpha     float64 `json:"alpha"`
	Beta      float64 `json:"beta"`
	UpdatedAt string  `json:"updated_at"`
}

// SweepResponse is the JSON response for POST /api/admin/grace-expiry/run.
type SweepResponse struct {
	ReclaimedCount int `json:"reclaimed_count"`
}

// callerRequest carries the anonymous-mode caller id in request bodies.
type callerRequest struct {
	OperatorID string `json:"operator_id,omitempty"`
}

type statusRequest struct {
	callerRequest
	Status string `json:"status"`
}

type reassignRequest struct {
	callerRequest
	TargetOperatorID string `json:"target_operator_id"`
}

type moveRequest struct {
	callerRequest
	TargetInboxID string `json:"target_inbox_id"`
}

type weightsRequest struct {
	callerRequest
	Alpha *float64 `json:"alpha"`
	Beta  *float64 `json:"beta"`
}

// registerAPIRoutes adds every /api route to mux.
func (s *Server) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/operators/{id}/allocate", s.handleAllocateNext)
	mux.HandleFunc("GET /api/operators/{id}/queue", s.handleListQueued)
	mux.HandleFunc("GET /api/operators/{id}/status", s.handleGetStatus)
	mux.HandleFunc("POST /api/operators/{id}/status", s.handleChangeStatus)
	mux.HandleFunc("GET /api/operators/{id}/inboxes", s.handleOperatorInboxes)

	mux.HandleFunc("GET /api/conversations", s.handleListConversations)
	mux.HandleFunc("POST /api/conversations/{id}/claim", s.handleClaim)
	mux.HandleFunc("POST /api/conversations/{id}/resolve", s.handleResolve)
	mux.HandleFunc("POST /api/conversations/{id}/deallocate", s.handleDeallocate)
	mux.HandleFunc("POST /api/conversations/{id}/reassign", s.handleReassign)
	mux.HandleFunc("POST /api/conversations/{id}/move", s.handleMoveInbox)

	mux.HandleFunc("POST /api/messages", s.handleIngestMessage)

	mux.HandleFunc("PUT /api/admin/tenants/{id}/weights", s.handleTenantWeights)
	mux.HandleFunc("POST /api/admin/grace-expiry/run", s.handleRunSweep)
}

// handleAllocateNext handles POST /api/operators/{id}/allocate.
func (s *Server) handleAllocateNext(w http.ResponseWriter, r *http.Request) {
	operatorID, err := s.caller(r, r.PathValue("id"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	conv, err := s.engine.AllocateNext(r.Context(), operatorID)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, conversationResponse(conv))
}

// handleListQueued handles GET /api/operators/{id}/queue.
func (s *Server) handleListQueued(w http.ResponseWriter, r *http.Request) {
	operatorID, err := s.caller(r, r.PathValue("id"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	view, err := s.engine.ListQueued(r.Context(), operatorID)
	if err != nil {
		s.sendError(w, err)
		return
	}

	resp := QueueResponse{
		OperatorID:     view.OperatorID,
		OperatorStatus: string(view.OperatorStatus),
		Conversations:  make([]ConversationResponse, len(view.Conversations)),
	}
	for i, rc := range view.Conversations {
		cr := conversationResponse(rc.Conversation)
		score := rc.Score
		cr.PriorityScore = &score
		resp.Conversations[i] = cr
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// handleGetStatus handles GET /api/operators/{id}/status.
func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	operatorID, err := s.caller(r, r.PathValue("id"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	op, err := s.engine.Operator(r.Context(), operatorID)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, operatorResponse(op))
}

// handleChangeStatus handles POST /api/operators/{id}/status.
func (s *Server) handleChangeStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, err)
		return
	}
	operatorID, err := s.caller(r, r.PathValue("id"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	change, err := s.engine.ChangeOperatorStatus(r.Context(), operatorID, store.OperatorStatus(req.Status))
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, StatusChangeResponse{
		Operator:         operatorResponse(change.Operator),
		GraceAssignments: change.GraceAssignments,
	})
}

// handleOperatorInboxes handles GET /api/operators/{id}/inboxes.
func (s *Server) handleOperatorInboxes(w http.ResponseWriter, r *http.Request) {
	operatorID, err := s.caller(r, r.PathValue("id"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	inboxes, err := s.engine.OperatorInboxes(r.Context(), operatorID)
	if err != nil {
		s.sendError(w, err)
		return
	}
	resp := make([]InboxResponse, len(inboxes))
	for i, in := range inboxes {
		resp[i] = InboxResponse{ID: in.ID, TenantID: in.TenantID, PhoneNumber: in.PhoneNumber, DisplayName: in.DisplayName}
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// handleListConversations handles GET /api/conversations.
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	operatorID, err := s.caller(r, "")
	if err != nil {
		s.sendError(w, err)
		return
	}

	filter := store.ConversationFilter{
		State:              store.ConversationState(q.Get("state")),
		InboxID:            q.Get("inbox_id"),
		AssignedOperatorID: q.Get("assigned_operator_id"),
		CustomerPhone:      q.Get("phone"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.sendError(w, fmt.Errorf("%w: invalid limit %q", errBadRequest, raw))
			return
		}
		filter.Limit = limit
	}

	convs, err := s.engine.ListConversations(r.Context(), operatorID, filter)
	if err != nil {
		s.sendError(w, err)
		return
	}
	resp := make([]ConversationResponse, len(convs))
	for i, c := range convs {
		resp[i] = conversationResponse(c)
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// handleClaim handles POST /api/conversations/{id}/claim.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req callerRequest
	s.conversationAction(w, r, &req, func(operatorID string) (*store.Conversation, error) {
		return s.engine.Claim(r.Context(), r.PathValue("id"), operatorID)
	})
}

// handleResolve handles POST /api/conversations/{id}/resolve.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req callerRequest
	s.conversationAction(w, r, &req, func(operatorID string) (*store.Conversation, error) {
		return s.engine.Resolve(r.Context(), r.PathValue("id"), operatorID)
	})
}

// handleDeallocate handles POST /api/conversations/{id}/deallocate.
func (s *Server) handleDeallocate(w http.ResponseWriter, r *http.Request) {
	var req callerRequest
	s.conversationAction(w, r, &req, func(operatorID string) (*store.Conversation, error) {
		return s.engine.Deallocate(r.Context(), r.PathValue("id"), operatorID)
	})
}

// handleReassign handles POST /api/conversations/{id}/reassign.
func (s *Server) handleReassign(w http.ResponseWriter, r *http.Request) {
	var req reassignRequest
	s.conversationAction(w, r, &req, func(operatorID string) (*store.Conversation, error) {
		if req.TargetOperatorID == "" {
			return nil, fmt.Errorf("%w: target_operator_id is required", errBadRequest)
		}
		return s.engine.Reassign(r.Context(), r.PathValue("id"), operatorID, req.TargetOperatorID)
	})
}

// handleMoveInbox handles POST /api/conversations/{id}/move.
func (s *Server) handleMoveInbox(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	s.conversationAction(w, r, &req, func(operatorID string) (*store.Conversation, error) {
		if req.TargetInboxID == "" {
			return nil, fmt.Errorf("%w: target_inbox_id is required", errBadRequest)
		}
		return s.engine.MoveInbox(r.Context(), r.PathValue("id"), operatorID, req.TargetInboxID)
	})
}

// callerBody is implemented by request bodies that may name the caller.
type callerBody interface {
	callerID() string
}

func (c *callerRequest) callerID() string { return c.OperatorID }

// conversationAction decodes req, resolves the caller and writes the
// conversation returned by fn.
func (s *Server) conversationAction(w http.ResponseWriter, r *http.Request, req callerBody, fn func(operatorID string) (*store.Conversation, error)) {
	if err := decodeBody(r, req); err != nil {
		s.sendError(w, err)
		return
	}
	operatorID, err := s.caller(r, req.callerID())
	if err != nil {
		s.sendError(w, err)
		return
	}
	conv, err := fn(operatorID)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, conversationResponse(conv))
}

// handleIngestMessage handles POST /api/messages.
// Authenticated callers may only ingest into their own tenant.
func (s *Server) handleIngestMessage(w http.ResponseWriter, r *http.Request) {
	var msg ingest.Message
	if err := decodeBody(r, &msg); err != nil {
		s.sendError(w, err)
		return
	}
	if id := auth.FromContext(r.Context()); id != nil {
		if msg.TenantID == "" {
			msg.TenantID = id.TenantID
		}
		if msg.TenantID != id.TenantID {
			s.sendError(w, fmt.Errorf("%w: caller belongs to %s", allocation.ErrTenantMismatch, id.TenantID))
			return
		}
	}

	res, err := s.ingest.Ingest(r.Context(), msg)
	if err != nil {
		s.sendError(w, err)
		return
	}

	resp := IngestResponse{Duplicate: res.Duplicate, Created: res.Created}
	status := http.StatusOK
	if res.Conversation != nil {
		cr := conversationResponse(res.Conversation)
		resp.Conversation = &cr
	}
	if res.Created {
		status = http.StatusCreated
	}
	s.sendJSON(w, status, resp)
}

// handleTenantWeights handles PUT /api/admin/tenants/{id}/weights.
func (s *Server) handleTenantWeights(w http.ResponseWriter, r *http.Request) {
	var req weightsRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, err)
		return
	}
	adminID, err := s.caller(r, req.OperatorID)
	if err != nil {
		s.sendError(w, err)
		return
	}
	tc, err := s.engine.UpdateTenantWeights(r.Context(), adminID, r.PathValue("id"), req.Alpha, req.Beta)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, TenantWeightsResponse{
		TenantID:  tc.TenantID,
		Alpha:     tc.Alpha,
		Beta:      tc.Beta,
		UpdatedAt: formatTime(tc.UpdatedAt),
	})
}

// handleRunSweep handles POST /api/admin/grace-expiry/run.
// Authenticated callers must be managers or admins.
func (s *Server) handleRunSweep(w http.ResponseWriter, r *http.Request) {
	if id := auth.FromContext(r.Context()); id != nil && !id.CanOverride() {
		s.sendError(w, fmt.Errorf("%w: %s may not run the grace sweep", allocation.ErrPermissionDenied, id.OperatorID))
		return
	}
	n, err := s.sweeper.RunOnce(r.Context())
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, SweepResponse{ReclaimedCount: n})
}

// caller resolves the acting operator. With authentication the token
// subject is used and any operator id named by the request must match it.
// Without authentication the named id is trusted, falling back to the
// operator_id query parameter.
func (s *Server) caller(r *http.Request, named string) (string, error) {
	if id := auth.FromContext(r.Context()); id != nil {
		if named != "" && named != id.OperatorID {
			return "", errCallerMismatch
		}
		return id.OperatorID, nil
	}
	if named == "" {
		named = r.URL.Query().Get("operator_id")
	}
	if named == "" {
		return "", errMissingCaller
	}
	return named, nil
}

// decodeBody parses a JSON request body into v. An empty body leaves v unchanged.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: invalid JSON: %v", errBadRequest, err)
	}
	return nil
}

// errorStatus maps an error to its HTTP status and client-facing message.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, allocation.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, allocation.ErrNoWorkAvailable):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, allocation.ErrPermissionDenied),
		errors.Is(err, allocation.ErrTenantMismatch),
		errors.Is(err, errCallerMismatch):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, allocation.ErrOperatorUnavailable),
		errors.Is(err, allocation.ErrConversationNotQueued),
		errors.Is(err, allocation.ErrConversationNotAllocated),
		errors.Is(err, allocation.ErrInvalidStateForReassign):
		return http.StatusConflict, err.Error()
	case errors.Is(err, allocation.ErrInvalidStatus),
		errors.Is(err, allocation.ErrInvalidWeights),
		errors.Is(err, ingest.ErrInvalidMessage),
		errors.Is(err, errMissingCaller),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// sendError writes err as a JSON error response, logging unexpected failures.
func (s *Server) sendError(w http.ResponseWriter, err error) {
	status, msg := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.sendJSONError(w, status, msg)
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, map[string]string{"error": message})
}

// sendJSON writes v as a JSON response.
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func conversationResponse(c *store.Conversation) ConversationResponse {
	resp := ConversationResponse{
		ID:                     c.ID,
		TenantID:               c.TenantID,
		InboxID:                c.InboxID,
		ExternalConversationID: c.ExternalConversationID,
		CustomerPhone:          c.CustomerPhone,
		State:                  string(c.State),
		AssignedOperatorID:     c.AssignedOperatorID,
		MessageCount:           c.MessageCount,
		LastActivityAt:         formatTime(c.LastActivityAt),
		ResolvedBy:             c.ResolvedBy,
		CreatedAt:              formatTime(c.CreatedAt),
		UpdatedAt:              formatTime(c.UpdatedAt),
	}
	if c.State != store.StateResolved && c.PriorityScore != 0 {
		score := c.PriorityScore
		resp.PriorityScore = &score
	}
	if c.ResolvedAt != nil {
		resp.ResolvedAt = formatTime(*c.ResolvedAt)
	}
	return resp
}

func operatorResponse(op *store.Operator) OperatorResponse {
	return OperatorResponse{
		ID:                 op.ID,
		TenantID:           op.TenantID,
		DisplayName:        op.DisplayName,
		Role:               string(op.Role),
		Status:             string(op.Status),
		LastStatusChangeAt: formatTime(op.LastStatusChangeAt),
	}
}
