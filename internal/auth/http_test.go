// ABOUTME: Tests for HTTP authentication middleware
// ABOUTME: Covers header parsing, token validation, operator lookup and anonymous mode

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/2389/inbox-allocator/internal/store"
)

type staticOperators map[string]*store.Operator

func (s staticOperators) GetOperator(ctx context.Context, id string) (*store.Operator, error) {
	op, ok := s[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return op, nil
}

var testOperators = staticOperators{
	"mgr-1": {ID: "mgr-1", TenantID: "tenant-a", Role: store.RoleManager, Status: store.StatusAvailable},
}

func serve(t *testing.T, verifier *JWTVerifier, header string) (*httptest.ResponseRecorder, *Identity, bool) {
	t.Helper()
	var (
		got    *Identity
		called bool
	)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		got = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/operators/mgr-1/queue", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	Middleware(testOperators, verifier, nil)(next).ServeHTTP(rec, req)
	return rec, got, called
}

func TestMiddleware_ValidToken(t *testing.T) {
	v := newTestVerifier(t)
	token, _ := v.Generate("mgr-1", "tenant-a", time.Hour)

	rec, id, called := serve(t, v, "Bearer "+token)
	if rec.Code != http.StatusOK || !called {
		t.Fatalf("status = %d, called = %v", rec.Code, called)
	}
	if id == nil {
		t.Fatal("identity missing from context")
	}
	if id.OperatorID != "mgr-1" || id.TenantID != "tenant-a" || id.Role != store.RoleManager {
		t.Errorf("identity = %+v", id)
	}
}

func TestMiddleware_Rejections(t *testing.T) {
	v := newTestVerifier(t)
	unknown, _ := v.Generate("ghost", "", time.Hour)
	otherTenant, _ := v.Generate("mgr-1", "tenant-b", time.Hour)

	v.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, _ := v.Generate("mgr-1", "", time.Hour)
	v.now = time.Now

	tests := []struct {
		name    string
		header  string
		wantMsg string
	}{
		{"missing header", "", "missing authorization header"},
		{"basic auth", "Basic abc", "invalid authorization header format"},
		{"empty bearer", "Bearer ", "empty token"},
		{"garbage", "Bearer garbage", "invalid token"},
		{"expired", "Bearer " + expired, "token expired"},
		{"unknown operator", "Bearer " + unknown, "operator not found"},
		{"tenant mismatch", "Bearer " + otherTenant, "token tenant does not match operator"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _, called := serve(t, v, tt.header)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
			if called {
				t.Error("next handler should not run")
			}
			if !strings.Contains(rec.Body.String(), tt.wantMsg) {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantMsg)
			}
		})
	}
}

func TestMiddleware_AnonymousMode(t *testing.T) {
	rec, id, called := serve(t, nil, "")
	if rec.Code != http.StatusOK || !called {
		t.Fatalf("status = %d, called = %v", rec.Code, called)
	}
	if id != nil {
		t.Errorf("anonymous request got identity %+v", id)
	}
}
