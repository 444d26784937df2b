package identity

import "context"

var accessCtxKey = &contextKey{"access"}
var principalCtxKey = &contextKey{"principal"}

type contextKey struct {
	name string
}

// WithAccessContext sets the classifier outcome in the given context.
func WithAccessContext(ctx context.Context, access *Access) context.Context {
	return context.WithValue(ctx, accessCtxKey, access)
}

// AccessFromContext finds the classifier outcome in the context.
func AccessFromContext(ctx context.Context) (*Access, bool) {
	raw, ok := ctx.Value(accessCtxKey).(*Access)
	return raw, ok
}

// WithPrincipalContext sets the Principal in the given context.
func WithPrincipalContext(ctx context.Context, principal *Principal) context.Context {
	return context.WithValue(ctx, principalCtxKey, principal)
}

// PrincipalFromContext finds the principal from the context, falling back to
// the one carried by a stored Access.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	if raw, ok := ctx.Value(principalCtxKey).(*Principal); ok {
		return raw, true
	}

	if access, ok := AccessFromContext(ctx); ok && access.Principal != nil {
		return access.Principal, true
	}

	return nil, false
}

// IsAtLeastTier reports whether the context's access reaches the given tier.
func IsAtLeastTier(ctx context.Context, tier Tier) bool {
	access, ok := AccessFromContext(ctx)
	if !ok {
		return false
	}
	return access.Tier.IsAtLeast(tier)
}
