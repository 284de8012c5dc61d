package shared

import "context"

// Role enumerates the kinds of callers the core authorizes.
type Role string

const (
	RoleClient   Role = "client"
	RoleCleaner  Role = "cleaner"
	RoleOperator Role = "operator"
)

// IsValid reports whether the role is one of the known roles.
func (r Role) IsValid() bool {
	switch r {
	case RoleClient, RoleCleaner, RoleOperator:
		return true
	default:
		return false
	}
}

// Caller is the explicit identity passed into every lifecycle operation.
type Caller struct {
	ID   string
	Role Role
}

// IsOperator reports whether the caller acts on behalf of the platform.
func (c Caller) IsOperator() bool {
	return c.Role == RoleOperator
}

type callerContextKey struct{}

// ContextWithCaller stores the authenticated caller in context.
func ContextWithCaller(ctx context.Context, caller Caller) context.Context {
	return context.WithValue(ctx, callerContextKey{}, caller)
}

// CallerFromContext extracts the caller from context.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	caller, ok := ctx.Value(callerContextKey{}).(Caller)
	return caller, ok && caller.ID != ""
}
