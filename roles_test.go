package campusauth

import "testing"

func TestParseRole(t *testing.T) {
	for _, s := range []string{"super_admin", "principal", "teacher", "student", "parent", "accountant"} {
		role, ok := ParseRole(s)
		if !ok || string(role) != s {
			t.Errorf("ParseRole(%q) = %q, %v", s, role, ok)
		}
	}
	for _, s := range []string{"", "admin", "Principal", "SUPER_ADMIN", "teacher "} {
		if _, ok := ParseRole(s); ok {
			t.Errorf("ParseRole(%q) accepted", s)
		}
	}
}

func TestRequiresTenant(t *testing.T) {
	if RoleSuperAdmin.RequiresTenant() {
		t.Error("super_admin should not require a tenant")
	}
	for _, r := range []Role{RolePrincipal, RoleTeacher, RoleStudent, RoleParent, RoleAccountant} {
		if !r.RequiresTenant() {
			t.Errorf("%s should require a tenant", r)
		}
	}
}

func TestCan(t *testing.T) {
	tests := []struct {
		role Role
		perm Permission
		want bool
	}{
		{RoleSuperAdmin, PermManagePlatform, true},
		{RoleSuperAdmin, PermManageSchool, true},
		{RoleSuperAdmin, PermTeach, false},
		{RolePrincipal, PermManageSchool, true},
		{RolePrincipal, PermManageUsers, true},
		{RolePrincipal, PermManagePlatform, false},
		{RoleTeacher, PermTeach, true},
		{RoleTeacher, PermManageUsers, false},
		{RoleAccountant, PermManageFees, true},
		{RoleAccountant, PermManageSchool, false},
		{RoleStudent, PermViewOwn, true},
		{RoleStudent, PermManageFees, false},
		{RoleParent, PermViewOwn, true},
		{RoleParent, PermTeach, false},
	}
	for _, tt := range tests {
		if got := Can(tt.role, tt.perm); got != tt.want {
			t.Errorf("Can(%s, %s) = %v, want %v", tt.role, tt.perm, got, tt.want)
		}
	}
}

func TestPermissionsEmbedViewOwn(t *testing.T) {
	for _, r := range []Role{RoleSuperAdmin, RolePrincipal, RoleTeacher, RoleStudent, RoleParent, RoleAccountant} {
		perms := r.Permissions()
		if len(perms) == 0 {
			t.Errorf("%s has no permissions", r)
			continue
		}
		found := false
		for _, p := range perms {
			if p == string(PermViewOwn) {
				found = true
			}
		}
		if !found {
			t.Errorf("%s permissions %v missing view_own", r, perms)
		}
	}
}
