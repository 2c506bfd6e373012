package moderation

import (
	"fmt"

	"anoa.com/communityforum/internal/entity"
	"anoa.com/communityforum/internal/modules/session"
	"anoa.com/communityforum/pkg/apperror"
)

// Actor is whoever is attempting an action. *session.Session satisfies it.
type Actor interface {
	Require(req session.Requirement) (*entity.Profile, error)
}

// Authority holds the capability gates. Every gate fails closed: it returns
// the acting profile on success, ErrAuthenticationRequired when no session
// is active and ErrPermissionDenied otherwise.
type Authority struct{}

var (
	anyone           = session.Authenticated()
	moderatorOrAbove = session.AtLeast(entity.RoleModerator)
)

// admins only, by exact membership: a moderator never manages accounts.
var adminsOnly = session.OneOf(entity.RoleAdmin)

func (Authority) CanCreateThread(actor Actor) (*entity.Profile, error) {
	return actor.Require(anyone)
}

func (Authority) CanReply(actor Actor, thread *entity.Thread) (*entity.Profile, error) {
	p, err := actor.Require(anyone)
	if err != nil {
		return nil, err
	}
	if thread.IsLocked {
		return nil, fmt.Errorf("thread %s is locked: %w", thread.ID, apperror.ErrPermissionDenied)
	}
	return p, nil
}

func (a Authority) CanEditPost(actor Actor, post *entity.Post) (*entity.Profile, error) {
	return a.authorOrModerator(actor, post)
}

func (a Authority) CanDeletePost(actor Actor, post *entity.Post) (*entity.Profile, error) {
	return a.authorOrModerator(actor, post)
}

func (Authority) authorOrModerator(actor Actor, post *entity.Post) (*entity.Profile, error) {
	p, err := actor.Require(anyone)
	if err != nil {
		return nil, err
	}
	if p.ID == post.AuthorID {
		return p, nil
	}
	return actor.Require(moderatorOrAbove)
}

func (Authority) CanPinThread(actor Actor) (*entity.Profile, error) {
	return actor.Require(moderatorOrAbove)
}

func (Authority) CanLockThread(actor Actor) (*entity.Profile, error) {
	return actor.Require(moderatorOrAbove)
}

func (Authority) CanDeleteThread(actor Actor) (*entity.Profile, error) {
	return actor.Require(moderatorOrAbove)
}

func (Authority) CanResolveReport(actor Actor) (*entity.Profile, error) {
	return actor.Require(moderatorOrAbove)
}

func (Authority) CanReportPost(actor Actor, post *entity.Post) (*entity.Profile, error) {
	p, err := actor.Require(anyone)
	if err != nil {
		return nil, err
	}
	if p.ID == post.AuthorID {
		return nil, fmt.Errorf("cannot report your own post: %w", apperror.ErrPermissionDenied)
	}
	return p, nil
}

func (a Authority) CanChangeRole(actor Actor, target *entity.Profile) (*entity.Profile, error) {
	return a.manageUser(actor, target)
}

func (a Authority) CanBanUser(actor Actor, target *entity.Profile) (*entity.Profile, error) {
	return a.manageUser(actor, target)
}

func (a Authority) CanUnbanUser(actor Actor, target *entity.Profile) (*entity.Profile, error) {
	return a.manageUser(actor, target)
}

func (a Authority) CanDeleteUser(actor Actor, target *entity.Profile) (*entity.Profile, error) {
	return a.manageUser(actor, target)
}

// manageUser requires an admin acting on someone else of strictly lower rank.
func (Authority) manageUser(actor Actor, target *entity.Profile) (*entity.Profile, error) {
	p, err := actor.Require(adminsOnly)
	if err != nil {
		return nil, err
	}
	if p.ID == target.ID {
		return nil, fmt.Errorf("cannot change your own account: %w", apperror.ErrPermissionDenied)
	}
	if target.Role.Level() >= p.Role.Level() {
		return nil, fmt.Errorf("target %s is not ranked below %s: %w", target.Username, p.Role, apperror.ErrPermissionDenied)
	}
	return p, nil
}
