package auth

import (
	"context"
	"testing"
)

func newTestEngine(t *testing.T, opts ...EngineOption) *Engine {
	t.Helper()
	e, err := NewEngine(opts...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestRoleLevelIsMonotonic(t *testing.T) {
	e := newTestEngine(t)
	roles := []string{RoleGuest, RoleUser, RoleTrader, RoleAnalyst, RoleAdmin, RoleSuperAdmin}
	for i, have := range roles {
		for j, need := range roles {
			if got, want := e.HasRoleLevel(have, need), i >= j; got != want {
				t.Fatalf("HasRoleLevel(%s, %s) = %v, want %v", have, need, got, want)
			}
		}
	}
	if e.HasRoleLevel("root", RoleGuest) || e.HasRoleLevel("", RoleGuest) {
		t.Fatalf("unknown roles must rank below guest")
	}
	if RoleRank("ADMIN") != 5 {
		t.Fatalf("role lookup should be case-insensitive")
	}
}

func TestHasPermissionWildcards(t *testing.T) {
	e := newTestEngine(t)
	cases := []struct {
		name string
		p    Principal
		perm string
		want bool
	}{
		{"exact table", Principal{ID: "u", Role: RoleTrader}, "create:trade", true},
		{"missing", Principal{ID: "u", Role: RoleUser}, "create:trade", false},
		{"action wildcard", Principal{ID: "u", Role: RoleAdmin}, "read:portfolio", true},
		{"admin lacks shutdown", Principal{ID: "u", Role: RoleAdmin}, "shutdown:system", false},
		{"global wildcard", Principal{ID: "u", Role: RoleSuperAdmin}, "shutdown:system", true},
		{"token grant", Principal{ID: "u", Role: RoleUser, Permissions: []string{"download:*"}}, "download:reports", true},
		{"bare action is not wildcard", Principal{ID: "u", Role: RoleUser, Permissions: []string{"download"}}, "download:reports", false},
		{"empty permission", Principal{ID: "u", Role: RoleGuest}, "", true},
	}
	for _, tc := range cases {
		if got := e.HasPermission(tc.p, tc.perm); got != tc.want {
			t.Fatalf("%s: HasPermission(%s) = %v, want %v", tc.name, tc.perm, got, tc.want)
		}
	}
}

func TestWithRolePermissionsOverridesTable(t *testing.T) {
	e := newTestEngine(t, WithRolePermissions(map[string][]string{RoleGuest: {"read:news"}}))
	if e.HasPermission(Principal{ID: "g", Role: RoleGuest}, "read:market") {
		t.Fatalf("override should replace the guest entry")
	}
	if !e.HasPermission(Principal{ID: "g", Role: RoleGuest}, "read:news") {
		t.Fatalf("override should grant news:read")
	}
	if _, err := NewEngine(WithRolePermissions(map[string][]string{"wizard": {"*"}})); err == nil {
		t.Fatalf("expected error for unknown role")
	}
}

func TestCanAccessResource(t *testing.T) {
	e := newTestEngine(t)
	owner := Principal{ID: "u1", Role: RoleTrader}
	other := Principal{ID: "u2", Role: RoleTrader}
	analyst := Principal{ID: "u3", Role: RoleAnalyst}
	admin := Principal{ID: "u4", Role: RoleAdmin}
	super := Principal{ID: "u5", Role: RoleSuperAdmin}

	res := map[string]any{"userId": "u1"}
	if !e.CanAccessResource(owner, "portfolio", res) {
		t.Fatalf("owner denied")
	}
	if e.CanAccessResource(other, "portfolio", res) {
		t.Fatalf("non-owner allowed")
	}
	if !e.CanAccessResource(owner, "trade", map[string]any{"user_id": "u1"}) {
		t.Fatalf("snake_case owner key ignored")
	}
	if e.CanAccessResource(owner, "order", nil) {
		t.Fatalf("missing owner must deny")
	}
	if !e.CanAccessResource(analyst, "analytics", res) || e.CanAccessResource(other, "analytics", res) {
		t.Fatalf("analytics rule wrong")
	}
	if e.CanAccessResource(analyst, "compliance", res) || !e.CanAccessResource(admin, "compliance", res) {
		t.Fatalf("compliance rule wrong")
	}
	if e.CanAccessResource(admin, "spaceship", res) {
		t.Fatalf("unknown resource types must deny")
	}
	if !e.CanAccessResource(super, "spaceship", res) {
		t.Fatalf("superadmin must always pass")
	}
}

func TestAuthorizeOrder(t *testing.T) {
	e := newTestEngine(t)
	policy := Policy{RequiredRole: RoleTrader, Permission: "create:trade", ResourceType: "trade"}
	res := map[string]any{"userId": "u1"}

	d := e.Authorize(nil, policy, res)
	if d.Allowed || d.Status != 401 || d.Code != CodeNoUser {
		t.Fatalf("nil principal: %+v", d)
	}
	d = e.Authorize(&Principal{ID: "u1", Role: RoleUser}, policy, res)
	if d.Code != CodeInsufficientRole || d.Status != 403 {
		t.Fatalf("role check: %+v", d)
	}
	d = e.Authorize(&Principal{ID: "u1", Role: RoleAnalyst}, policy, res)
	if d.Code != CodeInsufficientPermission {
		t.Fatalf("permission check: %+v", d)
	}
	d = e.Authorize(&Principal{ID: "u2", Role: RoleTrader}, policy, res)
	if d.Code != CodeResourceDenied {
		t.Fatalf("resource check: %+v", d)
	}
	d = e.Authorize(&Principal{ID: "u1", Role: RoleTrader}, policy, res)
	if !d.Allowed || d.Err() != nil {
		t.Fatalf("expected allow: %+v", d)
	}
	d = e.Authorize(&Principal{ID: "u2", Role: RoleTrader}, Policy{Permission: "create:trade"}, res)
	if !d.Allowed {
		t.Fatalf("absent resource type must skip ownership: %+v", d)
	}
	denied := e.Authorize(&Principal{ID: "u1", Role: RoleGuest}, policy, res).Err()
	if Code(denied) != CodeInsufficientRole || Status(denied) != 403 {
		t.Fatalf("decision error mapping: %s %d", Code(denied), Status(denied))
	}
}

func TestUserContext(t *testing.T) {
	e := newTestEngine(t)
	uc := e.UserContext(Principal{ID: "u1", Role: RoleTrader})
	ctx := ContextWithUserContext(context.Background(), uc)
	got, ok := UserContextFromContext(ctx)
	if !ok || got.UserID != "u1" {
		t.Fatalf("user context not round-tripped")
	}
	if !got.CanAccess("cancel:order") || got.CanAccess("delete:users") {
		t.Fatalf("CanAccess wrong")
	}
	if !got.CanAccessResource("portfolio", map[string]any{"userId": "u1"}) {
		t.Fatalf("CanAccessResource wrong")
	}
	var nilUC *UserContext
	if nilUC.CanAccess("read:market") {
		t.Fatalf("nil user context must deny")
	}
}

func TestUserContextCanGrant(t *testing.T) {
	e := newTestEngine(t)
	admin := e.UserContext(Principal{ID: "adm", Role: RoleAdmin})
	root := e.UserContext(Principal{ID: "root", Role: RoleSuperAdmin})

	cases := []struct {
		uc   *UserContext
		perm string
		want bool
	}{
		{admin, "read:portfolio", true},
		{admin, "read:*", true},
		{admin, "approve:compliance", false},
		{admin, "approve:*", false},
		{admin, "*", false},
		{admin, " ", false},
		{root, "*", true},
		{root, "approve:compliance", true},
		{nil, "read:market", false},
	}
	for _, c := range cases {
		if got := c.uc.CanGrant(c.perm); got != c.want {
			t.Fatalf("CanGrant(%q) = %v, want %v", c.perm, got, c.want)
		}
	}
}
