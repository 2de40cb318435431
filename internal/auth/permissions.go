package auth

// Permission represents a named capability.
type Permission string

// Permission constants.
const (
	PermStateRead      Permission = "state:read"
	PermAuditRead      Permission = "audit:read"
	PermControlOperate Permission = "control:operate"
	PermAssetsManage   Permission = "assets:manage"
)

// rolePermissions is the single source of truth for the authorisation
// model. Roles are cumulative.
var rolePermissions = map[Role][]Permission{
	RoleViewer: {
		PermStateRead,
		PermAuditRead,
	},
	RoleOperator: {
		PermStateRead,
		PermAuditRead,
		PermControlOperate,
	},
	RoleAdmin: {
		PermStateRead,
		PermAuditRead,
		PermControlOperate,
		PermAssetsManage,
	},
}

// HasPermission reports whether role grants perm.
func HasPermission(role Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}
