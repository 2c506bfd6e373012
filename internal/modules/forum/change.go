package forum

import (
	"fmt"
	"time"

	"anoa.com/communityforum/internal/backend"
	"anoa.com/communityforum/internal/entity"
	"anoa.com/communityforum/pkg/apperror"
	"github.com/google/uuid"
)

// Change is one mutation of the held view. Optimistic writes and feed events
// both arrive as a Change and go through the same reconciliation.
type Change struct {
	Kind  backend.EventKind
	Table backend.Table
	ID    uuid.UUID

	Thread  *entity.Thread
	Post    *entity.Post
	Profile *entity.Profile
}

func InsertThread(t *entity.Thread) Change {
	return Change{Kind: backend.EventInsert, Table: backend.TableThreads, ID: t.ID, Thread: t}
}

func UpdateThread(t *entity.Thread) Change {
	return Change{Kind: backend.EventUpdate, Table: backend.TableThreads, ID: t.ID, Thread: t}
}

func DeleteThread(id uuid.UUID) Change {
	return Change{Kind: backend.EventDelete, Table: backend.TableThreads, ID: id}
}

func InsertPost(p *entity.Post) Change {
	return Change{Kind: backend.EventInsert, Table: backend.TablePosts, ID: p.ID, Post: p}
}

func UpdatePost(p *entity.Post) Change {
	return Change{Kind: backend.EventUpdate, Table: backend.TablePosts, ID: p.ID, Post: p}
}

func DeletePost(id uuid.UUID) Change {
	return Change{Kind: backend.EventDelete, Table: backend.TablePosts, ID: id}
}

func UpdateProfile(p *entity.Profile) Change {
	return Change{Kind: backend.EventUpdate, Table: backend.TableProfiles, ID: p.ID, Profile: p}
}

func DeleteProfile(id uuid.UUID) Change {
	return Change{Kind: backend.EventDelete, Table: backend.TableProfiles, ID: id}
}

// stamp is the updated_at the change carries; zero for deletes.
func (c Change) stamp() time.Time {
	switch {
	case c.Thread != nil:
		return c.Thread.UpdatedAt
	case c.Post != nil:
		return c.Post.UpdatedAt
	case c.Profile != nil:
		return c.Profile.UpdatedAt
	}
	return time.Time{}
}

func (c Change) validate() error {
	if !c.Kind.Valid() {
		return fmt.Errorf("unknown change kind %q: %w", c.Kind, apperror.ErrValidation)
	}
	if c.Kind == backend.EventDelete {
		return nil
	}
	switch c.Table {
	case backend.TableThreads:
		if c.Thread == nil {
			return fmt.Errorf("thread change without row: %w", apperror.ErrValidation)
		}
	case backend.TablePosts:
		if c.Post == nil {
			return fmt.Errorf("post change without row: %w", apperror.ErrValidation)
		}
		return c.Post.Validate()
	case backend.TableProfiles:
		if c.Profile == nil {
			return fmt.Errorf("profile change without row: %w", apperror.ErrValidation)
		}
		if !c.Profile.Role.Valid() {
			return fmt.Errorf("profile %s has unknown role %q: %w", c.Profile.ID, c.Profile.Role, apperror.ErrValidation)
		}
	default:
		return fmt.Errorf("unsupported table %q: %w", c.Table, apperror.ErrValidation)
	}
	return nil
}

// changeFromEvent decodes a feed event. Rows are validated on the way in.
func changeFromEvent(ev backend.ChangeEvent) (Change, error) {
	if err := ev.Validate(); err != nil {
		return Change{}, err
	}
	c := Change{Kind: ev.Kind, Table: ev.Table, ID: ev.ID}
	if ev.Kind == backend.EventDelete {
		return c, nil
	}
	var err error
	switch ev.Table {
	case backend.TableThreads:
		c.Thread, err = ev.DecodeThread()
		if err == nil {
			c.Thread.Posts = nil
		}
	case backend.TablePosts:
		c.Post, err = ev.DecodePost()
	case backend.TableProfiles:
		c.Profile, err = ev.DecodeProfile()
	default:
		err = fmt.Errorf("unsupported table %q: %w", ev.Table, apperror.ErrValidation)
	}
	return c, err
}
