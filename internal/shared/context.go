package shared

import "context"

// Identity is the caller resolved by the gateway. The billing core trusts it
// and never re-derives it.
type Identity struct {
	UserID      string
	WorkspaceID string
	Role        string
	Permissions []string
}

// Can reports whether the identity carries permission.
func (i Identity) Can(permission string) bool {
	for _, p := range i.Permissions {
		if p == permission || p == "*" {
			return true
		}
	}
	return false
}

type identityContextKey struct{}

// ContextWithIdentity stores the identity in context.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext extracts the identity from context.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(Identity)
	return id, ok && id.WorkspaceID != ""
}
