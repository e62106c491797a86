package auth

import "context"

// Principal is an authenticated identity with resolved roles and permissions.
type Principal struct {
	Identity    *Identity
	Session     *Session
	RoleNames   []string
	Permissions PermissionMap
}

// HasRole reports whether the principal reached the named role directly or
// through a group.
func (p Principal) HasRole(name string) bool {
	for _, r := range p.RoleNames {
		if r == name {
			return true
		}
	}
	return false
}

// Allows reports whether the principal's effective permissions grant action
// on resource. Fails closed.
func (p Principal) Allows(resource, action string) bool {
	return p.Permissions.Allows(resource, action)
}

type principalContextKey struct{}
type tokenContextKey struct{}

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &principal)
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil {
		return Principal{}, false
	}
	return *v, true
}

// ContextWithToken stores the raw bearer token inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
