// Package multitenancy isolates tenants sharing one runtime: tenant-scoped
// aggregate identifiers, a command middleware enforcing the boundary, and a
// store router for per-tenant databases.
package multitenancy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/theaddresstech/modular-ddd/pkg/domain"
)

// Separator splits the tenant prefix from the aggregate identifier.
const Separator = "::"

// ErrNoTenant is returned when an operation requires a tenant and the
// context carries none.
var ErrNoTenant = errors.New("multitenancy: no tenant in context")

type tenantKey struct{}

// WithTenant attaches a tenant to the context.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// TenantFrom extracts the tenant, false when absent.
func TenantFrom(ctx context.Context) (string, bool) {
	tenantID, ok := ctx.Value(tenantKey{}).(string)
	return tenantID, ok && tenantID != ""
}

// ScopedID composes a tenant-scoped aggregate ID, "tenant-a::acc-1". An
// empty tenant leaves the ID unscoped.
func ScopedID(tenantID string, id domain.AggregateID) domain.AggregateID {
	if tenantID == "" {
		return id
	}
	return domain.AggregateID(tenantID + Separator + string(id))
}

// SplitID decomposes a scoped ID into tenant and bare aggregate ID. IDs
// without a prefix return an empty tenant.
func SplitID(id domain.AggregateID) (string, domain.AggregateID) {
	before, after, found := strings.Cut(string(id), Separator)
	if !found {
		return "", id
	}
	return before, domain.AggregateID(after)
}

// CheckOwnership verifies a scoped ID belongs to the tenant. Unscoped IDs
// pass; they predate tenancy or are deliberately global.
func CheckOwnership(id domain.AggregateID, tenantID string) error {
	owner, _ := SplitID(id)
	if owner != "" && owner != tenantID {
		return fmt.Errorf("multitenancy: aggregate %s belongs to tenant %s, not %s", id, owner, tenantID)
	}
	return nil
}
