package session

import (
	"strings"

	"anoa.com/communityforum/internal/entity"
)

// Requirement is a role policy. The two policies are deliberately distinct:
// AtLeast walks the hierarchy, OneOf matches exactly. Call sites pick one by
// name.
type Requirement interface {
	SatisfiedBy(role entity.Role) bool
	String() string
}

type atLeast struct {
	role entity.Role
}

// AtLeast is satisfied by role and every role ranked above it.
func AtLeast(role entity.Role) Requirement {
	return atLeast{role: role}
}

func (r atLeast) SatisfiedBy(role entity.Role) bool {
	if !role.Valid() || !r.role.Valid() {
		return false
	}
	return role.Level() >= r.role.Level()
}

func (r atLeast) String() string {
	return ">=" + r.role.String()
}

type oneOf struct {
	roles []entity.Role
}

// OneOf is satisfied only by the listed roles. OneOf(RoleModerator) rejects
// an admin.
func OneOf(roles ...entity.Role) Requirement {
	cp := make([]entity.Role, len(roles))
	copy(cp, roles)
	return oneOf{roles: cp}
}

func (r oneOf) SatisfiedBy(role entity.Role) bool {
	for _, want := range r.roles {
		if role == want {
			return true
		}
	}
	return false
}

func (r oneOf) String() string {
	names := make([]string, len(r.roles))
	for i, role := range r.roles {
		names[i] = role.String()
	}
	return "{" + strings.Join(names, ",") + "}"
}

func Authenticated() Requirement {
	return AtLeast(entity.RoleUser)
}
