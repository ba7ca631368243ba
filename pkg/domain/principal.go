package domain

import (
	"strings"

	dErrors "teamclock/pkg/domain-errors"
)

// Role is the closed set of principal roles.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// ParseRole normalizes case and whitespace and rejects anything that is not a
// known role. An empty role defaults to RoleUser.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return RoleUser, nil
	case string(RoleAdmin):
		return RoleAdmin, nil
	case string(RoleUser):
		return RoleUser, nil
	default:
		return "", dErrors.New(dErrors.CodeBadRequest, "unknown role")
	}
}

func (r Role) String() string {
	return string(r)
}

// Principal is the authenticated caller as supplied by the identity provider.
// The registry never persists principals; it only records their ID as a
// member's creator.
type Principal struct {
	ID    UserID
	Email string
	Role  Role
}

func (p *Principal) IsAdmin() bool {
	return p != nil && p.Role == RoleAdmin
}
