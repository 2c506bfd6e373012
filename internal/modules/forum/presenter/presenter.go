// Package presenter turns held entities into the response shapes the HTTP
// and websocket surfaces share.
package presenter

import (
	"time"

	"anoa.com/communityforum/internal/entity"
	"anoa.com/communityforum/internal/modules/forum"
	commonDto "anoa.com/communityforum/pkg/dto"
	"github.com/google/uuid"
)

const timeLayout = time.RFC3339

func author(id uuid.UUID, name string) commonDto.AuthorResponse {
	if name == "" {
		name = entity.UnknownAuthor
	}
	return commonDto.AuthorResponse{ID: id, Username: name}
}

func Post(p entity.Post) commonDto.PostResponse {
	return commonDto.PostResponse{
		ID:          p.ID,
		ThreadID:    p.ThreadID,
		Content:     p.Content,
		Author:      author(p.AuthorID, p.AuthorName),
		Status:      string(p.Status),
		IsReported:  p.IsReported,
		ReportCount: p.ReportCount,
		CreatedAt:   p.CreatedAt.Format(timeLayout),
		UpdatedAt:   p.UpdatedAt.Format(timeLayout),
	}
}

// Thread renders t. Deleted posts are left out of both the reply count and,
// when withPosts is set, the embedded posts.
func Thread(t entity.Thread, withPosts bool) commonDto.ThreadResponse {
	resp := commonDto.ThreadResponse{
		ID:         t.ID,
		Title:      t.Title,
		Content:    t.Content,
		CategoryID: t.CategoryID,
		Author:     author(t.AuthorID, t.AuthorName),
		IsPinned:   t.IsPinned,
		PinnedBy:   t.PinnedBy,
		IsLocked:   t.IsLocked,
		LockedBy:   t.LockedBy,
		CreatedAt:  t.CreatedAt.Format(timeLayout),
		UpdatedAt:  t.UpdatedAt.Format(timeLayout),
	}
	for _, p := range t.Posts {
		if p.Status == entity.PostDeleted {
			continue
		}
		resp.ReplyCount++
		if withPosts {
			resp.Posts = append(resp.Posts, Post(p))
		}
	}
	return resp
}

func Threads(threads []entity.Thread) []commonDto.ThreadResponse {
	out := make([]commonDto.ThreadResponse, 0, len(threads))
	for _, t := range threads {
		out = append(out, Thread(t, false))
	}
	return out
}

func Categories(categories []entity.Category) []commonDto.CategoryResponse {
	out := make([]commonDto.CategoryResponse, 0, len(categories))
	for _, c := range categories {
		out = append(out, commonDto.CategoryResponse{
			ID:          c.ID,
			Name:        c.Name,
			Slug:        c.Slug,
			Description: c.Description,
			Color:       c.Color,
		})
	}
	return out
}

func Aggregates(a forum.Aggregates) commonDto.AggregatesResponse {
	resp := commonDto.AggregatesResponse{
		TotalThreads:    a.TotalThreads,
		TotalPosts:      a.TotalPosts,
		ActiveThreads:   a.ActiveThreads,
		ReportedThreads: a.ReportedThreads,
		PerCategory:     make(map[uuid.UUID]commonDto.CategoryCount, len(a.PerCategory)),
	}
	for id, count := range a.PerCategory {
		resp.PerCategory[id] = commonDto.CategoryCount{Threads: count.Threads, Posts: count.Posts}
	}
	return resp
}

// Profile renders p. The email is only shown when includeEmail is set, which
// callers reserve for the profile's owner and admins.
func Profile(p entity.Profile, includeEmail bool) commonDto.ProfileResponse {
	resp := commonDto.ProfileResponse{
		ID:        p.ID,
		Username:  p.Username,
		Role:      p.Role.String(),
		IsBanned:  p.IsBanned,
		BannedBy:  p.BannedBy,
		CreatedAt: p.CreatedAt.Format(timeLayout),
	}
	if includeEmail {
		resp.Email = p.Email
	}
	return resp
}

func Profiles(profiles []entity.Profile) []commonDto.ProfileResponse {
	out := make([]commonDto.ProfileResponse, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, Profile(p, true))
	}
	return out
}

func Report(r entity.Report, post *entity.Post) commonDto.ReportResponse {
	resp := commonDto.ReportResponse{
		ID:         r.ID,
		PostID:     r.PostID,
		ReporterID: r.ReporterID,
		Reason:     r.Reason,
		Status:     string(r.Status),
		ResolvedBy: r.ResolvedBy,
		CreatedAt:  r.CreatedAt.Format(timeLayout),
	}
	if post != nil {
		p := Post(*post)
		resp.Post = &p
	}
	return resp
}
