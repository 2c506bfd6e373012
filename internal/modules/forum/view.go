package forum

import (
	"sort"

	"anoa.com/communityforum/internal/entity"
	"github.com/google/uuid"
)

// Predicate selects threads for a view. Search matching lives outside the
// store; callers hand in whatever predicate their search produced.
type Predicate func(t *entity.Thread) bool

type ViewOptions struct {
	CategoryID *uuid.UUID
	Match      Predicate
}

type View struct {
	Categories  []entity.Category
	Threads     []entity.Thread
	IsLoading   bool
	Err         error
	FeedStopped bool
	FeedErr     error
}

func (s *Store) View(opts ViewOptions) View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := View{
		Categories: make([]entity.Category, len(s.categories)),
		Threads:    make([]entity.Thread, 0, len(s.threads)),
		IsLoading:  s.loading,
		Err:        s.loadErr,
	}
	copy(v.Categories, s.categories)
	v.FeedStopped, v.FeedErr = s.feedStoppedLocked()

	for _, t := range s.threads {
		if opts.CategoryID != nil && t.CategoryID != *opts.CategoryID {
			continue
		}
		cp := t.Clone()
		if opts.Match != nil && !opts.Match(cp) {
			continue
		}
		v.Threads = append(v.Threads, *cp)
	}
	SortThreads(v.Threads)
	return v
}

// SortThreads orders pinned threads first, then newest first, then by id.
func SortThreads(threads []entity.Thread) {
	sort.SliceStable(threads, func(i, j int) bool {
		a, b := &threads[i], &threads[j]
		if a.IsPinned != b.IsPinned {
			return a.IsPinned
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID.String() > b.ID.String()
	})
}
