// Package backend declares the contract the forum core consumes from its
// authoritative data source: session resolution, row reads and writes, and a
// per-table change feed.
//
// Implementations serialize writes and make each row write atomic. They are
// the only place conflicting writes are ordered; callers never lock rows.
package backend

import (
	"context"
	"time"

	"anoa.com/communityforum/internal/entity"
	"github.com/google/uuid"
)

type Backend interface {
	Auth
	Store
	Feed
}

// Session is a raw authenticated session. It names a user but carries no
// role or ban state; those come from GetProfile.
type Session struct {
	Token     string    `json:"token"`
	UserID    uuid.UUID `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type SessionChangeKind string

const (
	SessionSignedIn       SessionChangeKind = "signed_in"
	SessionSignedOut      SessionChangeKind = "signed_out"
	SessionProfileChanged SessionChangeKind = "profile_changed"
)

type SessionChange struct {
	Kind   SessionChangeKind
	UserID uuid.UUID
	Token  string
}

type SignUpInput struct {
	Username string `json:"username" validate:"required,min=3,max=50"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

type Auth interface {
	GetSession(ctx context.Context, token string) (*Session, error)
	// OnSessionChange registers fn and returns a function that unregisters it.
	// fn is never called while the backend holds internal locks.
	OnSessionChange(fn func(SessionChange)) (unsubscribe func())
	GetProfile(ctx context.Context, id uuid.UUID) (*entity.Profile, error)
	SignIn(ctx context.Context, email, password string) (*Session, error)
	SignUp(ctx context.Context, input SignUpInput) (*Session, error)
	SignOut(ctx context.Context, token string) error
}

type ThreadQuery struct {
	CategoryID *uuid.UUID
}

// Stamp describes one moderation axis being switched on or off by an actor.
type Stamp struct {
	On bool
	At time.Time
	By uuid.UUID
}

type ThreadPatch struct {
	Title   *string
	Content *string
	Pin     *Stamp
	Lock    *Stamp
}

type PostPatch struct {
	Content     *string
	Status      *entity.PostStatus
	ReportCount *int
}

type ProfilePatch struct {
	Role *entity.Role
	Ban  *Stamp
}

type ReportQuery struct {
	Status *entity.ReportStatus
	PostID *uuid.UUID
}

type ResolveReportsInput struct {
	PostID     uuid.UUID
	Status     entity.ReportStatus
	ResolvedBy uuid.UUID
	ResolvedAt time.Time
	// ResetPost clears the post's report count in the same write.
	ResetPost bool
	// DeletePost removes the post in the same write. Nothing is resolved
	// when the delete fails.
	DeletePost bool
}

type ResolveReportsResult struct {
	Resolved int
	Post     *entity.Post
}

// Store reads return entities with Author preloaded; thread reads also embed
// posts in insertion order. Not-found conditions wrap apperror.ErrNotFound.
type Store interface {
	ListCategories(ctx context.Context) ([]entity.Category, error)
	ListThreads(ctx context.Context, query ThreadQuery) ([]entity.Thread, error)
	GetThread(ctx context.Context, id uuid.UUID) (*entity.Thread, error)
	GetPost(ctx context.Context, id uuid.UUID) (*entity.Post, error)

	InsertThread(ctx context.Context, thread *entity.Thread) error
	UpdateThread(ctx context.Context, id uuid.UUID, patch ThreadPatch) (*entity.Thread, error)
	// DeleteThread marks the thread's posts deleted, then removes the thread.
	DeleteThread(ctx context.Context, id uuid.UUID) error

	// InsertPost rejects posts on locked threads with apperror.ErrPermissionDenied.
	InsertPost(ctx context.Context, post *entity.Post) error
	UpdatePost(ctx context.Context, id uuid.UUID, patch PostPatch) (*entity.Post, error)
	DeletePost(ctx context.Context, id uuid.UUID) error

	// FileReport stores a pending report and increments the post's report
	// count in one write, returning the updated post.
	FileReport(ctx context.Context, report *entity.Report) (*entity.Post, error)
	// ResolveReports moves every pending report of a post to input.Status.
	// It fails with apperror.ErrConflict when no report is pending.
	ResolveReports(ctx context.Context, input ResolveReportsInput) (*ResolveReportsResult, error)
	ListReports(ctx context.Context, query ReportQuery) ([]entity.Report, error)

	ListProfiles(ctx context.Context) ([]entity.Profile, error)
	UpdateProfile(ctx context.Context, id uuid.UUID, patch ProfilePatch) (*entity.Profile, error)
	DeleteProfile(ctx context.Context, id uuid.UUID) error
}
