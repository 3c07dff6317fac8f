// Package middleware provides the standard command pipeline middlewares:
// validation, authorization, transaction wrapping, logging and panic
// recovery. Each carries the conventional priority so a bus assembled from
// them runs validation first and the transaction closest to the handler.
package middleware

import "context"

// Principal is the authenticated caller the authorization middleware
// evaluates policies against.
type Principal struct {
	ID          string
	Roles       []string
	Permissions []string
}

// HasRole reports whether the principal carries the role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasPermission reports whether the principal carries the permission.
func (p Principal) HasPermission(permission string) bool {
	for _, perm := range p.Permissions {
		if perm == permission {
			return true
		}
	}
	return false
}

type principalKey struct{}

// WithPrincipal attaches the authenticated principal to the context.
func WithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// PrincipalFrom extracts the principal, false when unauthenticated.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(principalKey{}).(Principal)
	return principal, ok
}
