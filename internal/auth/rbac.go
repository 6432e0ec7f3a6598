package auth

import (
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"
)

var roleRanks = map[string]int{
	RoleGuest:      1,
	RoleUser:       2,
	RoleTrader:     3,
	RoleAnalyst:    4,
	RoleAdmin:      5,
	RoleSuperAdmin: 6,
}

// RoleRank returns the position of role in the hierarchy, 0 for unknown roles.
func RoleRank(role string) int {
	return roleRanks[strings.ToLower(strings.TrimSpace(role))]
}

// DefaultRolePermissions is the built-in role to permission table.
// Permissions are "action:resource" strings.
var DefaultRolePermissions = map[string][]string{
	RoleGuest: {"read:market"},
	RoleUser: {
		"read:market", "read:portfolio", "read:profile", "update:profile",
	},
	RoleTrader: {
		"read:market", "read:portfolio", "write:portfolio", "read:profile", "update:profile",
		"read:trade", "create:trade", "read:order", "create:order", "cancel:order",
	},
	RoleAnalyst: {
		"read:market", "read:portfolio", "read:profile", "update:profile",
		"read:trade", "read:order", "read:analytics", "export:analytics",
	},
	RoleAdmin: {
		"read:*", "create:*", "update:*", "delete:*",
		"write:portfolio", "cancel:order", "export:analytics",
	},
	RoleSuperAdmin: {"*"},
}

// OwnershipRule decides whether p may touch resource of a given type.
// resource is the merged set of request parameters (path, query, body).
type OwnershipRule func(p Principal, resource map[string]any) bool

// Policy describes what a route requires. Zero fields are not checked.
type Policy struct {
	RequiredRole string
	Permission   string
	ResourceType string
}

// Decision is the result of Authorize.
type Decision struct {
	Allowed bool
	Status  int
	Code    string
	Reason  string
}

// Err converts a denied decision to an *Error. Allowed decisions yield nil.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &Error{Code: d.Code, Status: d.Status, Err: errors.New(d.Reason)}
}

// Engine evaluates role, permission and ownership checks.
type Engine struct {
	permissions map[string][]string
	ownership   map[string]OwnershipRule
}

// EngineOption configures an Engine.
type EngineOption func(*Engine) error

// WithRolePermissions replaces the permission list of the given roles.
func WithRolePermissions(table map[string][]string) EngineOption {
	return func(e *Engine) error {
		for role, perms := range table {
			if RoleRank(role) == 0 {
				return fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
			}
			e.permissions[strings.ToLower(role)] = uniq(perms...)
		}
		return nil
	}
}

// WithOwnership registers or overrides the ownership rule for a resource type.
func WithOwnership(resourceType string, rule OwnershipRule) EngineOption {
	return func(e *Engine) error {
		resourceType = strings.TrimSpace(resourceType)
		if resourceType == "" || rule == nil {
			return fmt.Errorf("%w: ownership rule needs a type and a predicate", ErrInvalidInput)
		}
		e.ownership[resourceType] = rule
		return nil
	}
}

// NewEngine builds an Engine seeded with DefaultRolePermissions and the
// built-in ownership rules.
func NewEngine(opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		permissions: make(map[string][]string, len(DefaultRolePermissions)),
		ownership: map[string]OwnershipRule{
			"portfolio":  ownerOnly,
			"trade":      ownerOnly,
			"profile":    ownerOnly,
			"order":      ownerOnly,
			"analytics":  ownerOrRank(RoleAnalyst),
			"compliance": ownerOrRank(RoleAdmin),
		},
	}
	for role, perms := range DefaultRolePermissions {
		e.permissions[role] = slices.Clone(perms)
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// HasRoleLevel reports whether role ranks at or above required.
func (e *Engine) HasRoleLevel(role, required string) bool {
	have := RoleRank(role)
	return have > 0 && have >= RoleRank(required)
}

// HasPermission grants when the principal's own permissions or its role's
// table entry contain the permission exactly, "*", or "{action}:*".
func (e *Engine) HasPermission(p Principal, perm string) bool {
	perm = strings.TrimSpace(perm)
	if perm == "" {
		return true
	}
	if matchPermission(p.Permissions, perm) {
		return true
	}
	return matchPermission(e.permissions[strings.ToLower(p.Role)], perm)
}

// RolePermissions returns a copy of the table entry for role.
func (e *Engine) RolePermissions(role string) []string {
	return slices.Clone(e.permissions[strings.ToLower(role)])
}

// ResourceTypes lists the types that have an ownership rule.
func (e *Engine) ResourceTypes() []string {
	return slices.Sorted(maps.Keys(e.ownership))
}

// CanAccessResource applies the ownership rule for resourceType. Superadmins
// always pass. Types without a rule are denied.
func (e *Engine) CanAccessResource(p Principal, resourceType string, resource map[string]any) bool {
	if RoleRank(p.Role) == RoleRank(RoleSuperAdmin) {
		return true
	}
	rule, ok := e.ownership[resourceType]
	if !ok {
		return false
	}
	return rule(p, resource)
}

// Authorize runs role, permission and resource checks in that order and
// returns the first failure.
func (e *Engine) Authorize(p *Principal, policy Policy, resource map[string]any) Decision {
	if p == nil || strings.TrimSpace(p.ID) == "" {
		return Decision{Status: http.StatusUnauthorized, Code: CodeNoUser, Reason: "authentication required"}
	}
	if policy.RequiredRole != "" && !e.HasRoleLevel(p.Role, policy.RequiredRole) {
		return Decision{
			Status: http.StatusForbidden,
			Code:   CodeInsufficientRole,
			Reason: fmt.Sprintf("role %s or higher required", policy.RequiredRole),
		}
	}
	if policy.Permission != "" && !e.HasPermission(*p, policy.Permission) {
		return Decision{
			Status: http.StatusForbidden,
			Code:   CodeInsufficientPermission,
			Reason: fmt.Sprintf("permission %s required", policy.Permission),
		}
	}
	if policy.ResourceType != "" && !e.CanAccessResource(*p, policy.ResourceType, resource) {
		return Decision{
			Status: http.StatusForbidden,
			Code:   CodeResourceDenied,
			Reason: fmt.Sprintf("access to %s denied", policy.ResourceType),
		}
	}
	return Decision{Allowed: true, Status: http.StatusOK}
}

func matchPermission(granted []string, perm string) bool {
	action, _, _ := strings.Cut(perm, ":")
	for _, g := range granted {
		switch g {
		case perm, "*":
			return true
		case action + ":*":
			return true
		}
	}
	return false
}

func ownerOnly(p Principal, resource map[string]any) bool {
	owner, ok := resourceOwner(resource)
	return ok && owner == p.ID
}

func ownerOrRank(role string) OwnershipRule {
	return func(p Principal, resource map[string]any) bool {
		if RoleRank(p.Role) >= RoleRank(role) {
			return true
		}
		return ownerOnly(p, resource)
	}
}

func resourceOwner(resource map[string]any) (string, bool) {
	for _, key := range []string{"userId", "user_id"} {
		v, ok := resource[key]
		if !ok || v == nil {
			continue
		}
		s := strings.TrimSpace(fmt.Sprint(v))
		if s != "" {
			return s, true
		}
	}
	return "", false
}
