package auth

import "github.com/golang-jwt/jwt/v5"

// Roles accepted on the trigger API. Operators can start runs; viewers can
// only read due lists and reports.
const (
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// Claims are the only supported JWT claims shape for this service.
type Claims struct {
	jwt.RegisteredClaims

	Subject string `json:"sub_name"`
	Role    string `json:"role"`
}

// CanRun reports whether the role may trigger campaign runs.
func (c Claims) CanRun() bool {
	return c.Role == RoleOperator
}
