// ABOUTME: Tests for caller identity propagation through context
// ABOUTME: Covers round trip, anonymous contexts and the must-variant panic

package auth

import (
	"context"
	"testing"

	"github.com/2389/inbox-allocator/internal/store"
)

func TestIdentity_RoundTrip(t *testing.T) {
	id := &Identity{OperatorID: "mgr-1", TenantID: "tenant-a", Role: store.RoleManager}
	ctx := WithIdentity(context.Background(), id)

	got := FromContext(ctx)
	if got != id {
		t.Fatalf("FromContext() = %+v, want %+v", got, id)
	}
	if !got.CanOverride() {
		t.Error("manager should be able to override")
	}
}

func TestIdentity_Anonymous(t *testing.T) {
	if got := FromContext(context.Background()); got != nil {
		t.Errorf("FromContext() = %+v, want nil", got)
	}

	var anon *Identity
	if anon.CanOverride() {
		t.Error("nil identity must not override")
	}

	op := &Identity{OperatorID: "op-1", Role: store.RoleOperator}
	if op.CanOverride() {
		t.Error("plain operator must not override")
	}
}

func TestMustFromContext_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustFromContext() should panic without an identity")
		}
	}()
	MustFromContext(context.Background())
}
