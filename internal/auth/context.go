// ABOUTME: Caller identity carried through request handlers
// ABOUTME: Provides WithIdentity/FromContext for propagating the authenticated operator via context

package auth

import (
	"context"

	"github.com/2389/inbox-allocator/internal/store"
)

// Identity is the authenticated caller of a request.
type Identity struct {
	OperatorID string
	TenantID   string
	Role       store.OperatorRole
}

// CanOverride reports whether the caller may perform manager overrides.
func (i *Identity) CanOverride() bool {
	return i != nil && i.Role.CanOverride()
}

type identityKey struct{}

// WithIdentity returns a new context carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the caller identity, or nil for anonymous requests.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// MustFromContext returns the caller identity, panicking if there is none.
// Only use it behind Middleware with a verifier configured.
func MustFromContext(ctx context.Context) *Identity {
	id := FromContext(ctx)
	if id == nil {
		panic("auth: Identity not found in context")
	}
	return id
}
