package auth

import (
	"context"
	"strings"
)

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

type userContextKey struct{}

// UserContext is what handlers see after a request has been authorized.
type UserContext struct {
	UserID      string
	Role        string
	Permissions []string

	engine    *Engine
	principal Principal
}

// UserContext binds p to the engine so handlers can run follow-up checks.
func (e *Engine) UserContext(p Principal) *UserContext {
	return &UserContext{
		UserID:      p.ID,
		Role:        p.Role,
		Permissions: p.Permissions,
		engine:      e,
		principal:   p,
	}
}

// CanAccess reports whether the user holds perm.
func (u *UserContext) CanAccess(perm string) bool {
	if u == nil || u.engine == nil {
		return false
	}
	return u.engine.HasPermission(u.principal, perm)
}

// CanGrant reports whether the user may hand perm to another account: only
// permissions the user already holds, and the bare "*" only by a superadmin.
func (u *UserContext) CanGrant(perm string) bool {
	perm = strings.TrimSpace(perm)
	if u == nil || u.engine == nil || perm == "" {
		return false
	}
	if perm == "*" {
		return RoleRank(u.Role) == RoleRank(RoleSuperAdmin)
	}
	return u.engine.HasPermission(u.principal, perm)
}

// CanAccessResource applies the ownership rule for resourceType.
func (u *UserContext) CanAccessResource(resourceType string, resource map[string]any) bool {
	if u == nil || u.engine == nil {
		return false
	}
	return u.engine.CanAccessResource(u.principal, resourceType, resource)
}

// ContextWithUserContext stores the authorized user context.
func ContextWithUserContext(ctx context.Context, uc *UserContext) context.Context {
	return context.WithValue(ctx, userContextKey{}, uc)
}

// UserContextFromContext returns the authorized user context, if any.
func UserContextFromContext(ctx context.Context) (*UserContext, bool) {
	if ctx == nil {
		return nil, false
	}
	uc, ok := ctx.Value(userContextKey{}).(*UserContext)
	return uc, ok && uc != nil
}
