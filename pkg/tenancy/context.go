// Package tenancy threads request-scoped tenant identity through every call.
//
// Everything persisted is scoped by tenant. Stores take the tenant ID as an
// explicit argument rather than reading it from the context; a lookup of a
// row owned by another tenant behaves as not-found.
package tenancy

import "context"

type contextKey struct{}

// Identity is the request-scoped caller identity.
type Identity struct {
	TenantID      string
	UserID        string
	CorrelationID string
}

// WithIdentity attaches the identity to the context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext extracts the identity. The second return is false when no
// identity was attached.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}

// TenantID returns the context tenant, or "" when none is attached.
func TenantID(ctx context.Context) string {
	id, _ := FromContext(ctx)
	return id.TenantID
}
