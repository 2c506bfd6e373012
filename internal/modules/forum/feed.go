package forum

import (
	"context"
	"fmt"
	"log"

	"anoa.com/communityforum/internal/backend"
	"anoa.com/communityforum/internal/entity"
	"github.com/google/uuid"
)

type FeedState int

const (
	FeedIdle FeedState = iota
	FeedLive
	FeedStopped
)

func (s FeedState) String() string {
	switch s {
	case FeedLive:
		return "live"
	case FeedStopped:
		return "stopped"
	default:
		return "idle"
	}
}

type FeedStatus struct {
	State FeedState
	Err   error
}

var feedTables = []backend.Table{backend.TableProfiles, backend.TableThreads, backend.TablePosts}

// Start subscribes to every table the view tracks. Each table is consumed by
// its own goroutine, strictly in delivery order. A subscription that ends on
// its own marks the feed stopped; nothing reconnects it.
func (s *Store) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("start feed on closed store")
	}
	if len(s.subs) > 0 {
		return nil
	}
	for _, table := range feedTables {
		sub, err := s.backend.Subscribe(ctx, table)
		if err != nil {
			for _, opened := range s.subs {
				opened.Close()
			}
			s.subs = nil
			s.feeds[table] = FeedStatus{State: FeedStopped, Err: err}
			return fmt.Errorf("subscribe %s: %w", table, err)
		}
		s.subs = append(s.subs, sub)
		s.feeds[table] = FeedStatus{State: FeedLive}
		s.wg.Add(1)
		go s.consume(table, sub)
	}
	return nil
}

func (s *Store) consume(table backend.Table, sub backend.Subscription) {
	defer s.wg.Done()
	for ev := range sub.Events() {
		s.handle(ev)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	err := sub.Err()
	if err == nil {
		err = backend.ErrFeedDisconnected
	}
	log.Printf("forum: %s feed stopped: %v", table, err)
	s.feeds[table] = FeedStatus{State: FeedStopped, Err: err}
}

func (s *Store) handle(ev backend.ChangeEvent) {
	c, err := changeFromEvent(ev)
	if err != nil {
		log.Printf("forum: dropping %s %s event %s: %v", ev.Table, ev.Kind, ev.ID, err)
		return
	}
	if c.Table == backend.TableThreads && c.Kind != backend.EventDelete && !s.holdsThread(c.ID) {
		c = s.fetchThread(c)
	}
	// Threads and posts arrive on separate subscriptions, so a reply can
	// overtake its thread. The parent is fetched instead of dropping the reply.
	var parent *entity.Thread
	if c.Table == backend.TablePosts && c.Kind != backend.EventDelete && !s.holdsThread(c.Post.ThreadID) {
		parent = s.fetchParent(c.Post.ThreadID)
		if parent == nil {
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if parent != nil {
		s.applyThreadLocked(InsertThread(parent))
	}
	s.applyLocked(c)
}

// fetchParent reads the thread a reply belongs to. It returns nil when the
// thread is gone or the read fails.
func (s *Store) fetchParent(id uuid.UUID) *entity.Thread {
	full, err := s.backend.GetThread(s.ctx, id)
	if err != nil {
		if !isNotFound(err) {
			log.Printf("forum: fetch parent thread %s: %v", id, err)
		}
		return nil
	}
	full.ResolveAuthorNames()
	return full
}

func (s *Store) holdsThread(id uuid.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.threads[id]
	return ok
}

// fetchThread replaces a thread row from the feed with the full entity,
// author and posts included. The row is kept when the fetch fails.
func (s *Store) fetchThread(c Change) Change {
	full, err := s.backend.GetThread(s.ctx, c.ID)
	switch {
	case err == nil:
		full.ResolveAuthorNames()
		if full.UpdatedAt.Before(c.Thread.UpdatedAt) {
			c.Thread.Author, c.Thread.Posts = full.Author, full.Posts
			return c
		}
		c.Thread = full
	case isNotFound(err):
		// Deleted since the event was written; its delete event follows.
	default:
		log.Printf("forum: fetch thread %s: %v", c.ID, err)
	}
	return c
}

// FeedStatus reports the worst state across the tracked tables.
func (s *Store) FeedStatus() FeedStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stopped, err := s.feedStoppedLocked()
	if stopped {
		return FeedStatus{State: FeedStopped, Err: err}
	}
	if len(s.feeds) == 0 {
		return FeedStatus{State: FeedIdle}
	}
	return FeedStatus{State: FeedLive}
}

func (s *Store) feedStoppedLocked() (bool, error) {
	for _, table := range feedTables {
		if st, ok := s.feeds[table]; ok && st.State == FeedStopped {
			return true, st.Err
		}
	}
	return false, nil
}
