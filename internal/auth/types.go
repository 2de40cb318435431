package auth

import "errors"

// Role is the authorisation tier carried in a token.
type Role string

const (
	// RoleViewer may read state, assets and the audit trail.
	RoleViewer Role = "viewer"

	// RoleOperator may additionally issue control commands.
	RoleOperator Role = "operator"

	// RoleAdmin may additionally replace the asset document.
	RoleAdmin Role = "admin"
)

// ValidRoles lists the roles a token may carry.
var ValidRoles = []Role{RoleViewer, RoleOperator, RoleAdmin}

// IsValidRole returns true if r is one of ValidRoles.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// Domain-specific errors.
var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenMissing = errors.New("missing bearer token")
	ErrForbidden    = errors.New("insufficient permissions")
	ErrInvalidRole  = errors.New("invalid role")
)
