package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
	// RoleMaster accounts are unlimited: never charged, never limited.
	RoleMaster = "master"
)

func IsMaster(role string) bool { return role == RoleMaster }
