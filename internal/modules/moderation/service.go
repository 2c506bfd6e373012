// Package moderation gates and performs every forum write. Each action runs
// authorize, validate, optimistic apply, backend write, then applies the
// authoritative row or reverts the optimistic one.
package moderation

import (
	"context"
	"fmt"
	"log"
	"time"

	"anoa.com/communityforum/internal/backend"
	"anoa.com/communityforum/internal/entity"
	"anoa.com/communityforum/internal/modules/forum"
	"anoa.com/communityforum/internal/modules/moderation/dto"
	"anoa.com/communityforum/pkg/apperror"
	"anoa.com/communityforum/pkg/ratelimiter"
	"anoa.com/communityforum/pkg/validator"
	"github.com/google/uuid"
)

type Service interface {
	CreateThread(ctx context.Context, actor Actor, req dto.CreateThreadRequest) (*entity.Thread, error)
	SubmitReply(ctx context.Context, actor Actor, threadID uuid.UUID, req dto.ReplyRequest) (*entity.Post, error)
	PinThread(ctx context.Context, actor Actor, threadID uuid.UUID) (*entity.Thread, error)
	LockThread(ctx context.Context, actor Actor, threadID uuid.UUID) (*entity.Thread, error)
	DeleteThread(ctx context.Context, actor Actor, threadID uuid.UUID) error
	EditPost(ctx context.Context, actor Actor, postID uuid.UUID, req dto.EditPostRequest) (*entity.Post, error)
	DeletePost(ctx context.Context, actor Actor, postID uuid.UUID) error
	ChangeRole(ctx context.Context, actor Actor, userID uuid.UUID, role entity.Role) (*entity.Profile, error)
	BanUser(ctx context.Context, actor Actor, userID uuid.UUID) (*entity.Profile, error)
	UnbanUser(ctx context.Context, actor Actor, userID uuid.UUID) (*entity.Profile, error)
	DeleteUser(ctx context.Context, actor Actor, userID uuid.UUID) error
	ListUsers(ctx context.Context, actor Actor) ([]entity.Profile, error)
}

// Cooldowns configure the optional per-user rate limits on new content.
type Cooldowns struct {
	Global time.Duration
	Thread time.Duration
	Post   time.Duration
}

// Backend is the slice of the backend contract the write path needs.
type Backend interface {
	backend.Store
	GetProfile(ctx context.Context, id uuid.UUID) (*entity.Profile, error)
}

type service struct {
	Authority
	backend   Backend
	store     *forum.Store
	limiter   *ratelimiter.Limiter
	cooldowns Cooldowns
	now       func() time.Time
}

// NewService wires the write path. limiter may be nil to disable cooldowns.
func NewService(b Backend, store *forum.Store, limiter *ratelimiter.Limiter, cooldowns Cooldowns) Service {
	return &service{
		backend:   b,
		store:     store,
		limiter:   limiter,
		cooldowns: cooldowns,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *service) acquire(ctx context.Context, userID uuid.UUID, action string, cooldown time.Duration) (func(), error) {
	if s.limiter == nil {
		return func() {}, nil
	}
	return s.limiter.Acquire(ctx, userID,
		ratelimiter.Rule{Action: "global", Cooldown: s.cooldowns.Global},
		ratelimiter.Rule{Action: action, Cooldown: cooldown},
	)
}

// reconcile folds an authoritative row into the view. The row is already
// committed, so a rejection is logged rather than returned.
func (s *service) reconcile(ctx context.Context, c forum.Change) {
	if err := s.store.Apply(ctx, c); err != nil {
		log.Printf("moderation: dropping %s %s row %s: %v", c.Table, c.Kind, c.ID, err)
	}
}

// thread prefers the held view and falls back to the backend, folding what it
// finds into the view.
func (s *service) thread(ctx context.Context, id uuid.UUID) (*entity.Thread, error) {
	if t, ok := s.store.Thread(id); ok {
		return t, nil
	}
	t, err := s.backend.GetThread(ctx, id)
	if err != nil {
		return nil, err
	}
	t.ResolveAuthorNames()
	s.reconcile(ctx, forum.UpdateThread(t))
	return t, nil
}

func (s *service) post(ctx context.Context, id uuid.UUID) (*entity.Post, error) {
	if p, ok := s.store.Post(id); ok {
		return p, nil
	}
	p, err := s.backend.GetPost(ctx, id)
	if err != nil {
		return nil, err
	}
	p.ResolveAuthorName()
	return p, nil
}

func (s *service) profile(ctx context.Context, id uuid.UUID) (*entity.Profile, error) {
	if p, ok := s.store.Profile(id); ok {
		return p, nil
	}
	return s.backend.GetProfile(ctx, id)
}

// heldThread returns the view's copy of a thread after a write, or fallback
// when the view no longer holds it.
func (s *service) heldThread(id uuid.UUID, fallback *entity.Thread) *entity.Thread {
	if t, ok := s.store.Thread(id); ok {
		return t
	}
	return fallback
}

func (s *service) heldPost(id uuid.UUID, fallback *entity.Post) *entity.Post {
	if p, ok := s.store.Post(id); ok {
		return p
	}
	return fallback
}

func (s *service) hasCategory(id uuid.UUID) bool {
	return entity.Categories(s.store.Categories()).Has(id)
}

func (s *service) CreateThread(ctx context.Context, actor Actor, req dto.CreateThreadRequest) (*entity.Thread, error) {
	author, err := s.CanCreateThread(actor)
	if err != nil {
		return nil, err
	}
	if err := validator.Validate(req); err != nil {
		return nil, err
	}
	categoryID, err := uuid.Parse(req.CategoryID)
	if err != nil || !s.hasCategory(categoryID) {
		return nil, fmt.Errorf("unknown category %q: %w", req.CategoryID, apperror.ErrValidation)
	}
	title, content := validator.StripTags(req.Title), validator.SanitizeContent(req.Content)
	if title == "" || content == "" {
		return nil, fmt.Errorf("title and content must not be empty: %w", apperror.ErrValidation)
	}

	release, err := s.acquire(ctx, author.ID, "thread", s.cooldowns.Thread)
	if err != nil {
		return nil, err
	}
	creationFailed := true
	defer func() {
		if creationFailed {
			release()
		}
	}()

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate thread id: %w", err)
	}
	now := s.now()
	thread := &entity.Thread{
		ID:         id,
		Title:      title,
		Content:    content,
		AuthorID:   author.ID,
		Author:     author,
		CategoryID: categoryID,
		Posts:      []entity.Post{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	snap := s.store.Capture(backend.TableThreads, id)
	applied := forum.InsertThread(thread)
	if err := s.store.Apply(ctx, applied); err != nil {
		return nil, err
	}
	row := thread.Clone()
	if err := s.backend.InsertThread(ctx, row); err != nil {
		s.store.Revert(snap, applied)
		return nil, err
	}
	creationFailed = false
	s.reconcile(ctx, forum.UpdateThread(row))
	return s.heldThread(id, row), nil
}

func (s *service) SubmitReply(ctx context.Context, actor Actor, threadID uuid.UUID, req dto.ReplyRequest) (*entity.Post, error) {
	if _, err := actor.Require(anyone); err != nil {
		return nil, err
	}
	thread, err := s.thread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	author, err := s.CanReply(actor, thread)
	if err != nil {
		return nil, err
	}
	if err := validator.Validate(req); err != nil {
		return nil, err
	}
	content := validator.SanitizeContent(req.Content)
	if content == "" {
		return nil, fmt.Errorf("content must not be empty: %w", apperror.ErrValidation)
	}

	release, err := s.acquire(ctx, author.ID, "post", s.cooldowns.Post)
	if err != nil {
		return nil, err
	}
	creationFailed := true
	defer func() {
		if creationFailed {
			release()
		}
	}()

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate post id: %w", err)
	}
	now := s.now()
	post := &entity.Post{
		ID:        id,
		ThreadID:  threadID,
		AuthorID:  author.ID,
		Author:    author,
		Content:   content,
		Status:    entity.PostActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	snap := s.store.Capture(backend.TablePosts, id)
	applied := forum.InsertPost(post)
	if err := s.store.Apply(ctx, applied); err != nil {
		return nil, err
	}
	row := post.Clone()
	if err := s.backend.InsertPost(ctx, row); err != nil {
		s.store.Revert(snap, applied)
		return nil, err
	}
	creationFailed = false
	s.reconcile(ctx, forum.UpdatePost(row))
	return s.heldPost(id, row), nil
}

func (s *service) PinThread(ctx context.Context, actor Actor, threadID uuid.UUID) (*entity.Thread, error) {
	moderator, err := s.CanPinThread(actor)
	if err != nil {
		return nil, err
	}
	thread, err := s.thread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	stamp := backend.Stamp{On: !thread.IsPinned, At: s.now(), By: moderator.ID}
	optimistic := thread.Clone()
	optimistic.IsPinned, optimistic.PinnedAt, optimistic.PinnedBy = stampFields(stamp)
	return s.updateThread(ctx, optimistic, backend.ThreadPatch{Pin: &stamp})
}

func (s *service) LockThread(ctx context.Context, actor Actor, threadID uuid.UUID) (*entity.Thread, error) {
	moderator, err := s.CanLockThread(actor)
	if err != nil {
		return nil, err
	}
	thread, err := s.thread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	stamp := backend.Stamp{On: !thread.IsLocked, At: s.now(), By: moderator.ID}
	optimistic := thread.Clone()
	optimistic.IsLocked, optimistic.LockedAt, optimistic.LockedBy = stampFields(stamp)
	return s.updateThread(ctx, optimistic, backend.ThreadPatch{Lock: &stamp})
}

func stampFields(st backend.Stamp) (bool, *time.Time, *uuid.UUID) {
	if !st.On {
		return false, nil, nil
	}
	at, by := st.At, st.By
	return true, &at, &by
}

func (s *service) updateThread(ctx context.Context, optimistic *entity.Thread, patch backend.ThreadPatch) (*entity.Thread, error) {
	optimistic.UpdatedAt = s.now()
	snap := s.store.Capture(backend.TableThreads, optimistic.ID)
	applied := forum.UpdateThread(optimistic)
	if err := s.store.Apply(ctx, applied); err != nil {
		return nil, err
	}
	row, err := s.backend.UpdateThread(ctx, optimistic.ID, patch)
	if err != nil {
		s.store.Revert(snap, applied)
		return nil, err
	}
	s.reconcile(ctx, forum.UpdateThread(row))
	return s.heldThread(row.ID, row), nil
}

func (s *service) DeleteThread(ctx context.Context, actor Actor, threadID uuid.UUID) error {
	if _, err := s.CanDeleteThread(actor); err != nil {
		return err
	}
	if _, err := s.thread(ctx, threadID); err != nil {
		return err
	}
	snap := s.store.Capture(backend.TableThreads, threadID)
	applied := forum.DeleteThread(threadID)
	if err := s.store.Apply(ctx, applied); err != nil {
		return err
	}
	if err := s.backend.DeleteThread(ctx, threadID); err != nil {
		s.store.Revert(snap, applied)
		return err
	}
	return nil
}

func (s *service) EditPost(ctx context.Context, actor Actor, postID uuid.UUID, req dto.EditPostRequest) (*entity.Post, error) {
	if _, err := actor.Require(anyone); err != nil {
		return nil, err
	}
	post, err := s.post(ctx, postID)
	if err != nil {
		return nil, err
	}
	if _, err := s.CanEditPost(actor, post); err != nil {
		return nil, err
	}
	if post.Status == entity.PostDeleted {
		return nil, fmt.Errorf("post %s was deleted: %w", postID, apperror.ErrNotFound)
	}
	if err := validator.Validate(req); err != nil {
		return nil, err
	}
	content := validator.SanitizeContent(req.Content)
	if content == "" {
		return nil, fmt.Errorf("content must not be empty: %w", apperror.ErrValidation)
	}

	optimistic := post.Clone()
	optimistic.Content = content
	optimistic.UpdatedAt = s.now()
	snap := s.store.Capture(backend.TablePosts, postID)
	applied := forum.UpdatePost(optimistic)
	if err := s.store.Apply(ctx, applied); err != nil {
		return nil, err
	}
	row, err := s.backend.UpdatePost(ctx, postID, backend.PostPatch{Content: &content})
	if err != nil {
		s.store.Revert(snap, applied)
		return nil, err
	}
	s.reconcile(ctx, forum.UpdatePost(row))
	return s.heldPost(postID, row), nil
}

func (s *service) DeletePost(ctx context.Context, actor Actor, postID uuid.UUID) error {
	if _, err := actor.Require(anyone); err != nil {
		return err
	}
	post, err := s.post(ctx, postID)
	if err != nil {
		return err
	}
	if _, err := s.CanDeletePost(actor, post); err != nil {
		return err
	}
	snap := s.store.Capture(backend.TablePosts, postID)
	applied := forum.DeletePost(postID)
	if err := s.store.Apply(ctx, applied); err != nil {
		return err
	}
	if err := s.backend.DeletePost(ctx, postID); err != nil {
		s.store.Revert(snap, applied)
		return err
	}
	return nil
}

func (s *service) ChangeRole(ctx context.Context, actor Actor, userID uuid.UUID, role entity.Role) (*entity.Profile, error) {
	if _, err := actor.Require(adminsOnly); err != nil {
		return nil, err
	}
	if !role.Valid() {
		return nil, fmt.Errorf("unknown role %q: %w", role, apperror.ErrValidation)
	}
	target, err := s.profile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if _, err := s.CanChangeRole(actor, target); err != nil {
		return nil, err
	}
	optimistic := target.Clone()
	optimistic.Role = role
	return s.updateProfile(ctx, optimistic, backend.ProfilePatch{Role: &role})
}

func (s *service) BanUser(ctx context.Context, actor Actor, userID uuid.UUID) (*entity.Profile, error) {
	return s.setBan(ctx, actor, userID, true)
}

func (s *service) UnbanUser(ctx context.Context, actor Actor, userID uuid.UUID) (*entity.Profile, error) {
	return s.setBan(ctx, actor, userID, false)
}

func (s *service) setBan(ctx context.Context, actor Actor, userID uuid.UUID, ban bool) (*entity.Profile, error) {
	if _, err := actor.Require(adminsOnly); err != nil {
		return nil, err
	}
	target, err := s.profile(ctx, userID)
	if err != nil {
		return nil, err
	}
	gate := s.CanUnbanUser
	if ban {
		gate = s.CanBanUser
	}
	admin, err := gate(actor, target)
	if err != nil {
		return nil, err
	}
	if target.IsBanned == ban {
		return nil, fmt.Errorf("user %s ban state is already %t: %w", target.Username, ban, apperror.ErrConflict)
	}

	stamp := backend.Stamp{On: ban, At: s.now(), By: admin.ID}
	optimistic := target.Clone()
	optimistic.IsBanned, optimistic.BannedAt, optimistic.BannedBy = stampFields(stamp)
	return s.updateProfile(ctx, optimistic, backend.ProfilePatch{Ban: &stamp})
}

func (s *service) updateProfile(ctx context.Context, optimistic *entity.Profile, patch backend.ProfilePatch) (*entity.Profile, error) {
	optimistic.UpdatedAt = s.now()
	snap := s.store.Capture(backend.TableProfiles, optimistic.ID)
	applied := forum.UpdateProfile(optimistic)
	if err := s.store.Apply(ctx, applied); err != nil {
		return nil, err
	}
	row, err := s.backend.UpdateProfile(ctx, optimistic.ID, patch)
	if err != nil {
		s.store.Revert(snap, applied)
		return nil, err
	}
	s.reconcile(ctx, forum.UpdateProfile(row))
	if p, ok := s.store.Profile(row.ID); ok {
		return p, nil
	}
	return row, nil
}

func (s *service) DeleteUser(ctx context.Context, actor Actor, userID uuid.UUID) error {
	if _, err := actor.Require(adminsOnly); err != nil {
		return err
	}
	target, err := s.profile(ctx, userID)
	if err != nil {
		return err
	}
	if _, err := s.CanDeleteUser(actor, target); err != nil {
		return err
	}
	snap := s.store.Capture(backend.TableProfiles, userID)
	applied := forum.DeleteProfile(userID)
	if err := s.store.Apply(ctx, applied); err != nil {
		return err
	}
	if err := s.backend.DeleteProfile(ctx, userID); err != nil {
		s.store.Revert(snap, applied)
		return err
	}
	return nil
}

func (s *service) ListUsers(ctx context.Context, actor Actor) ([]entity.Profile, error) {
	if _, err := actor.Require(adminsOnly); err != nil {
		return nil, err
	}
	return s.store.Profiles(), nil
}
