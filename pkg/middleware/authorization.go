package middleware

import (
	"context"
	"sync"

	"github.com/theaddresstech/modular-ddd/pkg/commandbus"
	"github.com/theaddresstech/modular-ddd/pkg/domain"
)

// PriorityAuthorization runs after validation, before the transaction.
const PriorityAuthorization = 90

// Policy is the access rule for one command type. All configured clauses
// must pass: every listed permission, at least one listed role, the
// ownership predicate and the custom predicate.
type Policy struct {
	// Permissions the principal must all carry.
	Permissions []string

	// Roles of which the principal needs at least one. Empty means no
	// role requirement.
	Roles []string

	// Owner, when set, must confirm the principal owns the command's
	// target aggregate.
	Owner func(principal Principal, cmd commandbus.Command) bool

	// Custom, when set, is an arbitrary predicate evaluated last.
	Custom func(ctx context.Context, principal Principal, cmd commandbus.Command) bool
}

// Authorization denies commands whose policy does not evaluate true.
//
// In strict mode a command without a policy is denied; in non-strict mode
// commands without a policy pass, including unauthenticated ones.
type Authorization struct {
	strict bool

	mu       sync.RWMutex
	policies map[string]Policy
}

// AuthorizationOption configures the middleware.
type AuthorizationOption func(*Authorization)

// WithStrict denies commands that have no registered policy.
func WithStrict() AuthorizationOption {
	return func(a *Authorization) { a.strict = true }
}

// NewAuthorization creates the authorization middleware.
func NewAuthorization(opts ...AuthorizationOption) *Authorization {
	a := &Authorization{policies: make(map[string]Policy)}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SetPolicy registers the policy for a command type.
func (a *Authorization) SetPolicy(commandType string, policy Policy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.policies[commandType] = policy
}

func (*Authorization) Priority() int { return PriorityAuthorization }

func (*Authorization) ShouldProcess(commandbus.Command) bool { return true }

func (a *Authorization) Handle(ctx context.Context, cmd commandbus.Command, next commandbus.Next) (any, error) {
	a.mu.RLock()
	policy, hasPolicy := a.policies[cmd.CommandType()]
	a.mu.RUnlock()

	if !hasPolicy {
		if a.strict {
			return nil, &domain.AuthorizationError{
				MessageType: cmd.CommandType(),
				Missing:     "policy",
			}
		}
		return next(ctx, cmd)
	}

	principal, authenticated := PrincipalFrom(ctx)
	if !authenticated {
		return nil, &domain.AuthorizationError{
			MessageType: cmd.CommandType(),
			Missing:     "principal",
		}
	}
	if missing, ok := evaluate(ctx, policy, principal, cmd); !ok {
		return nil, &domain.AuthorizationError{
			PrincipalID: principal.ID,
			MessageType: cmd.CommandType(),
			Missing:     missing,
		}
	}
	return next(ctx, cmd)
}

func evaluate(ctx context.Context, policy Policy, principal Principal, cmd commandbus.Command) (string, bool) {
	for _, permission := range policy.Permissions {
		if !principal.HasPermission(permission) {
			return "permission " + permission, false
		}
	}
	if len(policy.Roles) > 0 {
		anyRole := false
		for _, role := range policy.Roles {
			if principal.HasRole(role) {
				anyRole = true
				break
			}
		}
		if !anyRole {
			return "role", false
		}
	}
	if policy.Owner != nil && !policy.Owner(principal, cmd) {
		return "ownership", false
	}
	if policy.Custom != nil && !policy.Custom(ctx, principal, cmd) {
		return "custom predicate", false
	}
	return "", true
}
