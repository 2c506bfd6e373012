// Package search turns a free-text query into a forum.Predicate. Threads are
// mirrored into a Meilisearch index by a worker that follows the threads
// change feed; when the index is unavailable the predicate falls back to a
// case-insensitive substring match over title and content.
package search

import (
	"context"
	"html"
	"log"
	"strings"

	"anoa.com/communityforum/internal/backend"
	"anoa.com/communityforum/internal/entity"
	"anoa.com/communityforum/internal/modules/forum"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
)

const maxHits = 1000

// Index is the search engine the service mirrors threads into.
type Index interface {
	Healthy() bool
	Upsert(docs []Document) error
	Delete(id uuid.UUID) error
	Search(query string, limit int) ([]uuid.UUID, error)
}

type Document struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Content    string `json:"content"`
	AuthorName string `json:"author_name"`
	CategoryID string `json:"category_id"`
	CreatedAt  int64  `json:"created_at"`
}

type Service struct {
	index     Index
	sanitizer *bluemonday.Policy
}

// NewService builds the query side. index may be nil, in which case every
// predicate is a substring match.
func NewService(index Index) *Service {
	return &Service{index: index, sanitizer: bluemonday.StrictPolicy()}
}

func (s *Service) clean(content string) string {
	content = strings.ReplaceAll(content, "</p>", " ")
	content = strings.ReplaceAll(content, "<br>", " ")
	content = strings.ReplaceAll(content, "</div>", " ")
	text := html.UnescapeString(s.sanitizer.Sanitize(content))
	return strings.Join(strings.Fields(text), " ")
}

func (s *Service) document(t *entity.Thread) Document {
	name := t.AuthorName
	if name == "" {
		name = entity.UnknownAuthor
		if t.Author != nil && t.Author.Username != "" {
			name = t.Author.Username
		}
	}
	return Document{
		ID:         t.ID.String(),
		Title:      s.clean(t.Title),
		Content:    s.clean(t.Content),
		AuthorName: name,
		CategoryID: t.CategoryID.String(),
		CreatedAt:  t.CreatedAt.Unix(),
	}
}

// Reindex pushes every thread of the view into the index.
func (s *Service) Reindex(store *forum.Store) error {
	if s.index == nil {
		return nil
	}
	threads := store.View(forum.ViewOptions{}).Threads
	docs := make([]Document, 0, len(threads))
	for i := range threads {
		docs = append(docs, s.document(&threads[i]))
	}
	if err := s.index.Upsert(docs); err != nil {
		return err
	}
	log.Printf("search: indexed %d threads", len(docs))
	return nil
}

// StartSyncWorker mirrors thread changes into the index until ctx is done or
// the subscription ends. It is meant to run on its own goroutine.
func (s *Service) StartSyncWorker(ctx context.Context, feed backend.Feed) {
	if s.index == nil {
		return
	}
	sub, err := feed.Subscribe(ctx, backend.TableThreads)
	if err != nil {
		log.Printf("search: subscribe threads feed: %v", err)
		return
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					log.Printf("search: threads feed stopped: %v", err)
				}
				return
			}
			s.sync(ev)
		}
	}
}

func (s *Service) sync(ev backend.ChangeEvent) {
	if ev.Kind == backend.EventDelete {
		if err := s.index.Delete(ev.ID); err != nil {
			log.Printf("search: delete thread %s: %v", ev.ID, err)
		}
		return
	}
	t, err := ev.DecodeThread()
	if err != nil || t == nil {
		log.Printf("search: decode thread event %s: %v", ev.ID, err)
		return
	}
	if err := s.index.Upsert([]Document{s.document(t)}); err != nil {
		log.Printf("search: index thread %s: %v", t.ID, err)
	}
}

// Predicate returns nil for a blank query, meaning no filtering.
func (s *Service) Predicate(ctx context.Context, query string) forum.Predicate {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	if s.index != nil && s.index.Healthy() && ctx.Err() == nil {
		ids, err := s.index.Search(query, maxHits)
		if err == nil {
			return matchIDs(ids)
		}
		log.Printf("search: falling back to substring match: %v", err)
	}
	return s.substring(query)
}

func matchIDs(ids []uuid.UUID) forum.Predicate {
	set := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return func(t *entity.Thread) bool {
		_, ok := set[t.ID]
		return ok
	}
}

func (s *Service) substring(query string) forum.Predicate {
	needle := strings.ToLower(query)
	return func(t *entity.Thread) bool {
		return strings.Contains(strings.ToLower(s.clean(t.Title)), needle) ||
			strings.Contains(strings.ToLower(s.clean(t.Content)), needle)
	}
}
