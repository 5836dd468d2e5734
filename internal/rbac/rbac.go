package rbac

type Role string
type Action string

const (
	RoleWorkshop      Role = "workshop"
	RoleInsurer       Role = "insurer"
	RoleAdministrator Role = "administrator"
)

const (
	ActionRead   Action = "read"
	ActionSend   Action = "send"
	ActionExport Action = "export"
	ActionAdmin  Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdministrator:
		return true
	case RoleWorkshop, RoleInsurer:
		return action == ActionRead || action == ActionSend || action == ActionExport
	default:
		return false
	}
}

// Normalize returns the role if it is known, empty otherwise. Unknown roles
// are rejected by callers rather than downgraded.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleWorkshop, RoleInsurer, RoleAdministrator:
		return Role(role)
	default:
		return ""
	}
}
