package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		role   Role
		action Action
		want   bool
	}{
		{RoleWorkshop, ActionRead, true},
		{RoleWorkshop, ActionSend, true},
		{RoleWorkshop, ActionExport, true},
		{RoleWorkshop, ActionAdmin, false},
		{RoleInsurer, ActionSend, true},
		{RoleInsurer, ActionAdmin, false},
		{RoleAdministrator, ActionAdmin, true},
		{RoleAdministrator, ActionSend, true},
		{Role("viewer"), ActionRead, false},
		{Role(""), ActionRead, false},
	}
	for _, tc := range cases {
		if got := Can(tc.role, tc.action); got != tc.want {
			t.Errorf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.want)
		}
	}
}

func TestNormalizeRejectsUnknownRoles(t *testing.T) {
	if got := Normalize("workshop"); got != RoleWorkshop {
		t.Errorf("Normalize(workshop) = %q", got)
	}
	if got := Normalize("root"); got != "" {
		t.Errorf("Normalize(root) = %q, want empty", got)
	}
}
