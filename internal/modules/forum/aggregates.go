package forum

import (
	"anoa.com/communityforum/internal/entity"
	"github.com/google/uuid"
)

type CategoryCount struct {
	Threads int `json:"threads"`
	Posts   int `json:"posts"`
}

// Aggregates are derived counters, recomputed from scratch after every
// mutation so re-applying an event never double counts.
//
// Deleted posts are not counted. An active thread is an unlocked one; a
// reported thread has at least one counted post with is_reported set.
type Aggregates struct {
	PerCategory     map[uuid.UUID]CategoryCount `json:"per_category"`
	TotalThreads    int                         `json:"total_threads"`
	TotalPosts      int                         `json:"total_posts"`
	ActiveThreads   int                         `json:"active_threads"`
	ReportedThreads int                         `json:"reported_threads"`
}

func computeAggregates(categories []entity.Category, threads map[uuid.UUID]*entity.Thread) Aggregates {
	a := Aggregates{PerCategory: make(map[uuid.UUID]CategoryCount, len(categories))}
	for _, c := range categories {
		a.PerCategory[c.ID] = CategoryCount{}
	}
	for _, t := range threads {
		count := a.PerCategory[t.CategoryID]
		count.Threads++
		a.TotalThreads++
		if !t.IsLocked {
			a.ActiveThreads++
		}
		reported := false
		for _, p := range t.Posts {
			if p.Status == entity.PostDeleted {
				continue
			}
			count.Posts++
			a.TotalPosts++
			if p.IsReported {
				reported = true
			}
		}
		if reported {
			a.ReportedThreads++
		}
		a.PerCategory[t.CategoryID] = count
	}
	return a
}

func (a Aggregates) clone() Aggregates {
	cp := a
	cp.PerCategory = make(map[uuid.UUID]CategoryCount, len(a.PerCategory))
	for k, v := range a.PerCategory {
		cp.PerCategory[k] = v
	}
	return cp
}
