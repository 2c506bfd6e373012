package entity

import (
	"fmt"
	"strings"

	"anoa.com/communityforum/pkg/apperror"
)

// Role is a privilege tier. The tiers form a total order: user < moderator < admin.
type Role string

const (
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

// Level returns the position of the role in the hierarchy, or -1 for an unknown role.
func (r Role) Level() int {
	switch r {
	case RoleUser:
		return 0
	case RoleModerator:
		return 1
	case RoleAdmin:
		return 2
	default:
		return -1
	}
}

func (r Role) Valid() bool {
	return r.Level() >= 0
}

func (r Role) String() string {
	return string(r)
}

func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q: %w", s, apperror.ErrValidation)
	}
	return r, nil
}
