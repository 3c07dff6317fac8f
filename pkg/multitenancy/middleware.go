package multitenancy

import (
	"context"
	"fmt"

	"github.com/theaddresstech/modular-ddd/pkg/commandbus"
)

// PriorityIsolation runs between validation and authorization so tenant
// violations are caught before any policy evaluation.
const PriorityIsolation = 95

// Authorizer decides whether a principal may act within a tenant.
type Authorizer interface {
	Authorize(ctx context.Context, tenantID string, cmd commandbus.Command) error
}

// Isolation is a command middleware enforcing the tenant boundary: the
// context must carry a tenant, and the command's aggregate must belong to
// it.
type Isolation struct {
	authorizer Authorizer
}

// IsolationOption configures the middleware.
type IsolationOption func(*Isolation)

// WithAuthorizer adds a tenant-level access check.
func WithAuthorizer(authorizer Authorizer) IsolationOption {
	return func(i *Isolation) { i.authorizer = authorizer }
}

// NewIsolation creates the tenant isolation middleware.
func NewIsolation(opts ...IsolationOption) *Isolation {
	i := &Isolation{}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (*Isolation) Priority() int { return PriorityIsolation }

func (*Isolation) ShouldProcess(commandbus.Command) bool { return true }

func (i *Isolation) Handle(ctx context.Context, cmd commandbus.Command, next commandbus.Next) (any, error) {
	tenantID, ok := TenantFrom(ctx)
	if !ok {
		return nil, fmt.Errorf("%w: command %s", ErrNoTenant, cmd.CommandType())
	}
	if err := CheckOwnership(cmd.AggregateID(), tenantID); err != nil {
		return nil, err
	}
	if i.authorizer != nil {
		if err := i.authorizer.Authorize(ctx, tenantID, cmd); err != nil {
			return nil, fmt.Errorf("tenant authorization: %w", err)
		}
	}
	return next(ctx, cmd)
}
