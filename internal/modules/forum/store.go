// Package forum holds this instance's read model of the forum: every thread
// with its posts, the profiles that authored them, and the derived counters.
// It is kept current by optimistic local changes and by the backend change
// feed, reconciled by updated_at.
package forum

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"anoa.com/communityforum/internal/backend"
	"anoa.com/communityforum/internal/entity"
	"anoa.com/communityforum/pkg/apperror"
	"github.com/google/uuid"
)

type Store struct {
	backend backend.Backend

	mu         sync.RWMutex
	categories []entity.Category
	threads    map[uuid.UUID]*entity.Thread
	postThread map[uuid.UUID]uuid.UUID
	// deleted holds thread ids seen deleted; a late fetch never re-adds them.
	deleted    map[uuid.UUID]struct{}
	profiles   map[uuid.UUID]*entity.Profile
	aggregates Aggregates
	loading    bool
	loadErr    error
	feeds      map[backend.Table]FeedStatus
	closed     bool

	subs   []backend.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewStore(b backend.Backend) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		backend:    b,
		threads:    make(map[uuid.UUID]*entity.Thread),
		postThread: make(map[uuid.UUID]uuid.UUID),
		deleted:    make(map[uuid.UUID]struct{}),
		profiles:   make(map[uuid.UUID]*entity.Profile),
		feeds:      make(map[backend.Table]FeedStatus),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.aggregates = computeAggregates(nil, s.threads)
	return s
}

// Load replaces the held view with a fresh bulk read. A failure is kept on the
// view and not retried; call Load again to retry.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.loading = true
	s.mu.Unlock()

	categories, threads, profiles, err := s.fetchAll(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.loading = false
	s.loadErr = err
	if err != nil {
		log.Printf("forum: initial load failed: %v", err)
		return err
	}

	s.categories = categories
	s.profiles = make(map[uuid.UUID]*entity.Profile, len(profiles))
	for i := range profiles {
		p := profiles[i].Clone()
		p.PasswordHash = ""
		s.profiles[p.ID] = p
	}
	s.threads = make(map[uuid.UUID]*entity.Thread, len(threads))
	s.postThread = make(map[uuid.UUID]uuid.UUID)
	for i := range threads {
		t := threads[i].Clone()
		if t.Posts == nil {
			t.Posts = []entity.Post{}
		}
		t.ResolveAuthorNames()
		s.threads[t.ID] = t
		for _, p := range t.Posts {
			s.postThread[p.ID] = t.ID
		}
	}
	s.recomputeLocked()
	return nil
}

func (s *Store) fetchAll(ctx context.Context) ([]entity.Category, []entity.Thread, []entity.Profile, error) {
	categories, err := s.backend.ListCategories(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("list categories: %w", err)
	}
	threads, err := s.backend.ListThreads(ctx, backend.ThreadQuery{})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("list threads: %w", err)
	}
	profiles, err := s.backend.ListProfiles(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("list profiles: %w", err)
	}
	return categories, threads, profiles, nil
}

// Apply performs an optimistic local change.
func (s *Store) Apply(ctx context.Context, c Change) error {
	if err := c.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.applyLocked(c)
	return nil
}

func (s *Store) applyLocked(c Change) {
	switch c.Table {
	case backend.TableThreads:
		s.applyThreadLocked(c)
	case backend.TablePosts:
		s.applyPostLocked(c)
	case backend.TableProfiles:
		s.applyProfileLocked(c)
	}
	s.recomputeLocked()
}

func (s *Store) applyThreadLocked(c Change) {
	if c.Kind == backend.EventDelete {
		s.removeThreadLocked(c.ID)
		s.deleted[c.ID] = struct{}{}
		return
	}
	held, ok := s.threads[c.ID]
	if !ok {
		if _, gone := s.deleted[c.ID]; gone {
			return
		}
		t := c.Thread.Clone()
		if t.Posts == nil {
			t.Posts = []entity.Post{}
		}
		s.resolveThreadAuthorsLocked(t)
		s.threads[t.ID] = t
		for _, p := range t.Posts {
			s.postThread[p.ID] = t.ID
		}
		return
	}
	if c.Kind == backend.EventInsert {
		return
	}
	in := c.Thread
	if in.UpdatedAt.Before(held.UpdatedAt) {
		return
	}
	held.Title = in.Title
	held.Content = in.Content
	held.CategoryID = in.CategoryID
	held.IsPinned, held.PinnedAt, held.PinnedBy = in.IsPinned, in.PinnedAt, in.PinnedBy
	held.IsLocked, held.LockedAt, held.LockedBy = in.IsLocked, in.LockedAt, in.LockedBy
	if !in.CreatedAt.IsZero() {
		held.CreatedAt = in.CreatedAt
	}
	held.UpdatedAt = in.UpdatedAt
}

func (s *Store) removeThreadLocked(id uuid.UUID) {
	t, ok := s.threads[id]
	if !ok {
		return
	}
	for _, p := range t.Posts {
		delete(s.postThread, p.ID)
	}
	delete(s.threads, id)
}

func (s *Store) applyPostLocked(c Change) {
	if c.Kind == backend.EventDelete {
		s.removePostLocked(c.ID)
		return
	}
	in := c.Post
	t, ok := s.threads[in.ThreadID]
	if !ok {
		return
	}
	idx := postIndex(t, in.ID)
	if idx < 0 {
		p := in.Clone()
		s.resolvePostAuthorLocked(p)
		t.Posts = append(t.Posts, *p)
		s.postThread[p.ID] = t.ID
		return
	}
	if c.Kind == backend.EventInsert {
		return
	}
	held := &t.Posts[idx]
	if in.UpdatedAt.Before(held.UpdatedAt) {
		return
	}
	held.Content = in.Content
	held.Status = in.Status
	held.SetReportCount(in.ReportCount)
	if !in.CreatedAt.IsZero() {
		held.CreatedAt = in.CreatedAt
	}
	held.UpdatedAt = in.UpdatedAt
}

func (s *Store) removePostLocked(id uuid.UUID) {
	threadID, ok := s.postThread[id]
	if !ok {
		return
	}
	delete(s.postThread, id)
	t, ok := s.threads[threadID]
	if !ok {
		return
	}
	if idx := postIndex(t, id); idx >= 0 {
		t.Posts = append(t.Posts[:idx], t.Posts[idx+1:]...)
	}
}

func (s *Store) applyProfileLocked(c Change) {
	if c.Kind == backend.EventDelete {
		delete(s.profiles, c.ID)
		s.refreshAuthorLocked(c.ID, nil)
		return
	}
	in := c.Profile
	if held, ok := s.profiles[in.ID]; ok && in.UpdatedAt.Before(held.UpdatedAt) {
		return
	}
	p := in.Clone()
	p.PasswordHash = ""
	s.profiles[p.ID] = p
	s.refreshAuthorLocked(p.ID, p)
}

func (s *Store) refreshAuthorLocked(id uuid.UUID, p *entity.Profile) {
	for _, t := range s.threads {
		if t.AuthorID == id {
			t.Author = p.Clone()
			t.AuthorName = authorName(t.Author)
		}
		for i := range t.Posts {
			if t.Posts[i].AuthorID == id {
				t.Posts[i].Author = p.Clone()
				t.Posts[i].ResolveAuthorName()
			}
		}
	}
}

func (s *Store) resolveThreadAuthorsLocked(t *entity.Thread) {
	if t.Author == nil {
		t.Author = s.profiles[t.AuthorID].Clone()
	}
	for i := range t.Posts {
		s.resolvePostAuthorLocked(&t.Posts[i])
	}
	t.AuthorName = authorName(t.Author)
}

func (s *Store) resolvePostAuthorLocked(p *entity.Post) {
	if p.Author == nil {
		p.Author = s.profiles[p.AuthorID].Clone()
	}
	p.ResolveAuthorName()
}

func authorName(p *entity.Profile) string {
	if p == nil || p.Username == "" {
		return entity.UnknownAuthor
	}
	return p.Username
}

func postIndex(t *entity.Thread, id uuid.UUID) int {
	for i := range t.Posts {
		if t.Posts[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) recomputeLocked() {
	s.aggregates = computeAggregates(s.categories, s.threads)
}

// Snapshot is the prior state of one row, taken before an optimistic change.
type Snapshot struct {
	table    backend.Table
	id       uuid.UUID
	thread   *entity.Thread
	post     *entity.Post
	position int
	profile  *entity.Profile
}

// Capture records the held state of a row, including its absence.
func (s *Store) Capture(table backend.Table, id uuid.UUID) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{table: table, id: id, position: -1}
	switch table {
	case backend.TableThreads:
		snap.thread = s.threads[id].Clone()
	case backend.TablePosts:
		if t, ok := s.threads[s.postThread[id]]; ok {
			if idx := postIndex(t, id); idx >= 0 {
				snap.position = idx
				snap.post = t.Posts[idx].Clone()
			}
		}
	case backend.TableProfiles:
		snap.profile = s.profiles[id].Clone()
	}
	return snap
}

// Revert undoes applied, an optimistic change the backend rejected, by
// restoring the captured row. The restore is skipped when a write newer than
// both the snapshot and applied has landed on the row meanwhile.
func (s *Store) Revert(snap Snapshot, applied Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.overtakenLocked(snap, applied) {
		return
	}
	switch snap.table {
	case backend.TableThreads:
		s.removeThreadLocked(snap.id)
		delete(s.deleted, snap.id)
		if snap.thread != nil {
			t := snap.thread.Clone()
			s.threads[t.ID] = t
			for _, p := range t.Posts {
				s.postThread[p.ID] = t.ID
			}
		}
	case backend.TablePosts:
		s.removePostLocked(snap.id)
		if snap.post == nil {
			break
		}
		t, ok := s.threads[snap.post.ThreadID]
		if !ok {
			break
		}
		pos := snap.position
		if pos < 0 || pos > len(t.Posts) {
			pos = len(t.Posts)
		}
		t.Posts = append(t.Posts, entity.Post{})
		copy(t.Posts[pos+1:], t.Posts[pos:])
		t.Posts[pos] = *snap.post.Clone()
		s.postThread[snap.id] = t.ID
	case backend.TableProfiles:
		if snap.profile == nil {
			delete(s.profiles, snap.id)
			s.refreshAuthorLocked(snap.id, nil)
		} else {
			s.profiles[snap.id] = snap.profile.Clone()
			s.refreshAuthorLocked(snap.id, snap.profile)
		}
	}
	s.recomputeLocked()
}

func (s *Store) overtakenLocked(snap Snapshot, applied Change) bool {
	guard := applied.stamp()
	if at := snap.stamp(); at.After(guard) {
		guard = at
	}
	held, ok := s.stampLocked(snap.table, snap.id)
	return ok && held.After(guard)
}

func (s *Store) stampLocked(table backend.Table, id uuid.UUID) (time.Time, bool) {
	switch table {
	case backend.TableThreads:
		if t, ok := s.threads[id]; ok {
			return t.UpdatedAt, true
		}
	case backend.TablePosts:
		if t, ok := s.threads[s.postThread[id]]; ok {
			if idx := postIndex(t, id); idx >= 0 {
				return t.Posts[idx].UpdatedAt, true
			}
		}
	case backend.TableProfiles:
		if p, ok := s.profiles[id]; ok {
			return p.UpdatedAt, true
		}
	}
	return time.Time{}, false
}

func (snap Snapshot) stamp() time.Time {
	switch {
	case snap.thread != nil:
		return snap.thread.UpdatedAt
	case snap.post != nil:
		return snap.post.UpdatedAt
	case snap.profile != nil:
		return snap.profile.UpdatedAt
	}
	return time.Time{}
}

// Reads. Every accessor returns copies.

func (s *Store) Thread(id uuid.UUID) (*entity.Thread, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	return t.Clone(), ok
}

func (s *Store) Post(id uuid.UUID) (*entity.Post, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	threadID, ok := s.postThread[id]
	if !ok {
		return nil, false
	}
	t := s.threads[threadID]
	idx := postIndex(t, id)
	if idx < 0 {
		return nil, false
	}
	return t.Posts[idx].Clone(), true
}

func (s *Store) Profile(id uuid.UUID) (*entity.Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	return p.Clone(), ok
}

func (s *Store) Profiles() []entity.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]entity.Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, *p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Username < out[j].Username
	})
	return out
}

func (s *Store) Categories() []entity.Category {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]entity.Category, len(s.categories))
	copy(out, s.categories)
	return out
}

func (s *Store) Aggregates() Aggregates {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.aggregates.clone()
}

// Close cancels the feed subscriptions. Fetches still in flight finish but
// never mutate the store.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	s.cancel()
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			log.Printf("forum: close subscription: %v", err)
		}
	}
	s.wg.Wait()
}

func isNotFound(err error) bool {
	return errors.Is(err, apperror.ErrNotFound)
}
