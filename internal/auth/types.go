package auth

import "errors"

// Role represents an authorisation tier.
type Role string

const (
	// RoleViewer can read device state, history and inventory.
	RoleViewer Role = "viewer"

	// RoleOperator can also issue device commands.
	RoleOperator Role = "operator"

	// RoleAdmin can also trigger refreshes and mint WebSocket tickets for others.
	RoleAdmin Role = "admin"
)

// ValidRoles lists every role a token may carry.
var ValidRoles = []Role{RoleViewer, RoleOperator, RoleAdmin}

// IsValidRole reports whether r is a known role.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// Errors returned by token handling.
var (
	ErrTokenInvalid = errors.New("auth: token invalid")
	ErrTokenMissing = errors.New("auth: token missing")
	ErrNoSecret     = errors.New("auth: signing secret not configured")
	ErrInvalidRole  = errors.New("auth: invalid role")
	ErrForbidden    = errors.New("auth: forbidden")
)
