package campusauth

import "net/http"

// ==================== ROLES & PERMISSIONS ====================

// Role is the closed set of principal roles.
type Role string

const (
	RoleSuperAdmin Role = "super_admin"
	RolePrincipal  Role = "principal"
	RoleTeacher    Role = "teacher"
	RoleStudent    Role = "student"
	RoleParent     Role = "parent"
	RoleAccountant Role = "accountant"
)

// ParseRole validates a role string against the closed set.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleSuperAdmin, RolePrincipal, RoleTeacher, RoleStudent, RoleParent, RoleAccountant:
		return Role(s), true
	}
	return "", false
}

// RequiresTenant reports whether the role must be bound to a school code.
// Only the platform-level super admin operates outside a tenant.
func (r Role) RequiresTenant() bool {
	return r != RoleSuperAdmin
}

// Permission is a capability granted to a role.
type Permission string

const (
	PermManagePlatform Permission = "manage_platform"
	PermManageSchool   Permission = "manage_school"
	PermManageUsers    Permission = "manage_users"
	PermManageFees     Permission = "manage_fees"
	PermTeach          Permission = "teach"
	PermViewOwn        Permission = "view_own"
)

var rolePermissions = map[Role][]Permission{
	RoleSuperAdmin: {PermManagePlatform, PermManageSchool, PermManageUsers, PermManageFees, PermViewOwn},
	RolePrincipal:  {PermManageSchool, PermManageUsers, PermManageFees, PermViewOwn},
	RoleTeacher:    {PermTeach, PermViewOwn},
	RoleAccountant: {PermManageFees, PermViewOwn},
	RoleStudent:    {PermViewOwn},
	RoleParent:     {PermViewOwn},
}

// Can is the single capability check consulted at the facade boundary.
func Can(role Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}

// Permissions returns the permission strings embedded in access tokens.
func (r Role) Permissions() []string {
	perms := rolePermissions[r]
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = string(p)
	}
	return out
}

// ==================== AUTHORIZATION MIDDLEWARE ====================

// RequireRole creates middleware that requires one of the given roles.
func (s *AuthService) RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := UserFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, CodeTokenInvalid, "unauthorized")
				return
			}
			for _, role := range roles {
				if user.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, CodeForbidden, "insufficient permissions")
		})
	}
}

// RequirePermission creates middleware that requires a capability.
func (s *AuthService) RequirePermission(perm Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := UserFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, CodeTokenInvalid, "unauthorized")
				return
			}
			if !Can(user.Role, perm) {
				writeError(w, http.StatusForbidden, CodeForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
