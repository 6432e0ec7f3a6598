package auth

import "slices"

// Built-in roles, lowest to highest privilege.
const (
	RoleGuest      = "guest"
	RoleUser       = "user"
	RoleTrader     = "trader"
	RoleAnalyst    = "analyst"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "superadmin"
)

// Principal is the identity decoded from a verified access token.
type Principal struct {
	ID          string
	Role        string
	Permissions []string
}

// HasPermission reports whether the principal carries the exact permission string.
// Wildcard evaluation lives in Engine.HasPermission.
func (p Principal) HasPermission(perm string) bool {
	return slices.Contains(p.Permissions, perm)
}
