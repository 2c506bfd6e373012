package dto

import "github.com/google/uuid"

type PaginationMeta struct {
	CurrentPage int   `json:"current_page"`
	TotalPages  int   `json:"total_pages"`
	TotalItems  int64 `json:"total_items"`
	Limit       int   `json:"limit"`
	HasNext     bool  `json:"has_next"`
	HasPrevious bool  `json:"has_previous"`
}

type AuthorResponse struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`
}

type CategoryResponse struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Description string    `json:"description"`
	Color       string    `json:"color"`
}

type PostResponse struct {
	ID          uuid.UUID      `json:"id"`
	ThreadID    uuid.UUID      `json:"thread_id"`
	Content     string         `json:"content"`
	Author      AuthorResponse `json:"author"`
	Status      string         `json:"status"`
	IsReported  bool           `json:"is_reported"`
	ReportCount int            `json:"report_count"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
}

type ThreadResponse struct {
	ID         uuid.UUID      `json:"id"`
	Title      string         `json:"title"`
	Content    string         `json:"content"`
	CategoryID uuid.UUID      `json:"category_id"`
	Author     AuthorResponse `json:"author"`
	IsPinned   bool           `json:"is_pinned"`
	PinnedBy   *uuid.UUID     `json:"pinned_by,omitempty"`
	IsLocked   bool           `json:"is_locked"`
	LockedBy   *uuid.UUID     `json:"locked_by,omitempty"`
	ReplyCount int            `json:"reply_count"`
	Posts      []PostResponse `json:"posts,omitempty"`
	CreatedAt  string         `json:"created_at"`
	UpdatedAt  string         `json:"updated_at"`
}

type CategoryCount struct {
	Threads int `json:"threads"`
	Posts   int `json:"posts"`
}

type AggregatesResponse struct {
	TotalThreads    int                         `json:"total_threads"`
	TotalPosts      int                         `json:"total_posts"`
	ActiveThreads   int                         `json:"active_threads"`
	ReportedThreads int                         `json:"reported_threads"`
	PerCategory     map[uuid.UUID]CategoryCount `json:"per_category"`
}

type ForumViewResponse struct {
	Categories  []CategoryResponse `json:"categories"`
	Data        []ThreadResponse   `json:"data"`
	Meta        PaginationMeta     `json:"meta"`
	Aggregates  AggregatesResponse `json:"aggregates"`
	IsLoading   bool               `json:"is_loading"`
	Error       string             `json:"error,omitempty"`
	FeedStopped bool               `json:"feed_stopped"`
}

type ForumFilter struct {
	CategoryID string `form:"category_id" binding:"omitempty,uuid"`
	Search     string `form:"search" binding:"max=200"`
	Page       int    `form:"page" binding:"omitempty,min=1"`
	Limit      int    `form:"limit" binding:"omitempty,min=1,max=50"`
}

type ProfileResponse struct {
	ID        uuid.UUID  `json:"id"`
	Username  string     `json:"username"`
	Email     string     `json:"email,omitempty"`
	Role      string     `json:"role"`
	IsBanned  bool       `json:"is_banned"`
	BannedBy  *uuid.UUID `json:"banned_by,omitempty"`
	CreatedAt string     `json:"created_at"`
}

type ReportResponse struct {
	ID         uuid.UUID     `json:"id"`
	PostID     uuid.UUID     `json:"post_id"`
	ReporterID uuid.UUID     `json:"reporter_id"`
	Reason     string        `json:"reason"`
	Status     string        `json:"status"`
	ResolvedBy *uuid.UUID    `json:"resolved_by,omitempty"`
	Post       *PostResponse `json:"post,omitempty"`
	CreatedAt  string        `json:"created_at"`
}

type SessionResponse struct {
	State   string           `json:"state"`
	Token   string           `json:"token,omitempty"`
	Profile *ProfileResponse `json:"profile,omitempty"`
}
