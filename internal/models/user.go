package models

// UserRole represents the available roles for the RBAC system.
type UserRole string

const (
	RoleSuperAdmin  UserRole = "SUPERADMIN"
	RoleAdmin       UserRole = "ADMIN"
	RoleAccreditor  UserRole = "ACCREDITOR"
	RoleCoordinator UserRole = "COORDINATOR"
	RoleOperator    UserRole = "OPERATOR"
	RoleSystem      UserRole = "SYSTEM"
)

// Actor identifies who performs an operation.
type Actor struct {
	ID   string   `json:"id"`
	Role UserRole `json:"role"`
}

// SystemActor is used by the operator CLI and background workers.
func SystemActor(id string) Actor {
	if id == "" {
		id = "system"
	}
	return Actor{ID: id, Role: RoleSystem}
}
