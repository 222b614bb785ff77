package rbac

import "fmt"

type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

// ParseRole rejects anything outside the closed role set.
func ParseRole(raw string) (Role, error) {
	switch Role(raw) {
	case RoleViewer, RoleEditor, RoleAdmin:
		return Role(raw), nil
	default:
		return "", fmt.Errorf("unknown role %q", raw)
	}
}

// Normalize maps unknown role strings to the least-privileged role.
func Normalize(raw string) Role {
	role, err := ParseRole(raw)
	if err != nil {
		return RoleViewer
	}
	return role
}

// In reports whether the role appears in an allow-list.
func (r Role) In(allow []Role) bool {
	for _, candidate := range allow {
		if candidate == r {
			return true
		}
	}
	return false
}
