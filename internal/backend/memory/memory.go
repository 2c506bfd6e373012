// Package memory is an in-process backend used for development and tests.
// Every write runs under one mutex, so the order in which writes take the lock
// is the order subscribers see their change events.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"anoa.com/communityforum/internal/backend"
	"anoa.com/communityforum/internal/entity"
	"anoa.com/communityforum/pkg/apperror"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const sessionTTL = 24 * time.Hour

type Backend struct {
	mu sync.Mutex

	profiles   map[uuid.UUID]*entity.Profile
	categories []entity.Category
	threads    map[uuid.UUID]*entity.Thread
	posts      map[uuid.UUID]*entity.Post
	postSeq    map[uuid.UUID]int64
	reports    []*entity.Report
	sessions   map[string]backend.Session

	seq      int64
	lastTime time.Time

	listenersMu sync.Mutex
	listeners   map[int]func(backend.SessionChange)
	nextID      int

	hub *hub

	// Fail, when set, is consulted before every write; a non-nil result is
	// returned without touching state.
	Fail func(op string) error
}

var _ backend.Backend = (*Backend)(nil)

func New() *Backend {
	return &Backend{
		profiles:  make(map[uuid.UUID]*entity.Profile),
		threads:   make(map[uuid.UUID]*entity.Thread),
		posts:     make(map[uuid.UUID]*entity.Post),
		postSeq:   make(map[uuid.UUID]int64),
		sessions:  make(map[string]backend.Session),
		listeners: make(map[int]func(backend.SessionChange)),
		hub:       newHub(),
	}
}

// now returns a strictly increasing UTC timestamp so updated_at orders writes.
func (b *Backend) now() time.Time {
	t := time.Now().UTC()
	if !t.After(b.lastTime) {
		t = b.lastTime.Add(time.Microsecond)
	}
	b.lastTime = t
	return t
}

func (b *Backend) fail(op string) error {
	if b.Fail == nil {
		return nil
	}
	return b.Fail(op)
}

func (b *Backend) emit(kind backend.EventKind, table backend.Table, id uuid.UUID, before, after any) {
	ev, err := backend.NewEvent(kind, table, id, before, after)
	if err != nil {
		return
	}
	b.hub.publish(ev)
}

func (b *Backend) notify(change backend.SessionChange) {
	b.listenersMu.Lock()
	fns := make([]func(backend.SessionChange), 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.listenersMu.Unlock()
	for _, fn := range fns {
		fn(change)
	}
}

// Disconnect severs every live subscription on table, as a dropped
// connection would.
func (b *Backend) Disconnect(table backend.Table) {
	b.hub.disconnect(table)
}

// Seeding

// AddProfile stores a profile with the given password and returns a copy.
func (b *Backend) AddProfile(username, email, password string, role entity.Role) (*entity.Profile, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.profiles {
		if strings.EqualFold(p.Email, email) || p.Username == username {
			return nil, fmt.Errorf("profile %s already exists: %w", username, apperror.ErrConflict)
		}
	}
	now := b.now()
	p := &entity.Profile{
		ID:           uuid.New(),
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	b.profiles[p.ID] = p
	b.emit(backend.EventInsert, backend.TableProfiles, p.ID, nil, p)
	return p.Clone(), nil
}

func (b *Backend) AddCategory(name, slug string) entity.Category {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, _ := uuid.NewV7()
	c := entity.Category{ID: id, Name: name, Slug: slug, CreatedAt: b.now()}
	b.categories = append(b.categories, c)
	return c
}

// IssueSession creates a session for an existing profile without a password.
func (b *Backend) IssueSession(userID uuid.UUID) backend.Session {
	b.mu.Lock()
	s := b.newSessionLocked(userID)
	b.mu.Unlock()
	b.notify(backend.SessionChange{Kind: backend.SessionSignedIn, UserID: userID, Token: s.Token})
	return s
}

func (b *Backend) newSessionLocked(userID uuid.UUID) backend.Session {
	s := backend.Session{
		Token:     uuid.NewString(),
		UserID:    userID,
		ExpiresAt: b.now().Add(sessionTTL),
	}
	b.sessions[s.Token] = s
	return s
}

// Auth

func (b *Backend) GetSession(ctx context.Context, token string) (*backend.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[token]
	if !ok || time.Now().After(s.ExpiresAt) {
		return nil, nil
	}
	return &s, nil
}

func (b *Backend) OnSessionChange(fn func(backend.SessionChange)) func() {
	b.listenersMu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	b.listenersMu.Unlock()
	return func() {
		b.listenersMu.Lock()
		delete(b.listeners, id)
		b.listenersMu.Unlock()
	}
}

func (b *Backend) GetProfile(ctx context.Context, id uuid.UUID) (*entity.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.profiles[id]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", id, apperror.ErrNotFound)
	}
	return p.Clone(), nil
}

func (b *Backend) SignIn(ctx context.Context, email, password string) (*backend.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	var found *entity.Profile
	for _, p := range b.profiles {
		if strings.EqualFold(p.Email, email) {
			found = p
			break
		}
	}
	if found == nil || bcrypt.CompareHashAndPassword([]byte(found.PasswordHash), []byte(password)) != nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("invalid email or password: %w", apperror.ErrAuthenticationRequired)
	}
	s := b.newSessionLocked(found.ID)
	b.mu.Unlock()
	b.notify(backend.SessionChange{Kind: backend.SessionSignedIn, UserID: s.UserID, Token: s.Token})
	return &s, nil
}

func (b *Backend) SignUp(ctx context.Context, input backend.SignUpInput) (*backend.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := b.AddProfile(input.Username, input.Email, input.Password, entity.RoleUser)
	if err != nil {
		return nil, err
	}
	s := b.IssueSession(p.ID)
	return &s, nil
}

func (b *Backend) SignOut(ctx context.Context, token string) error {
	b.mu.Lock()
	s, ok := b.sessions[token]
	delete(b.sessions, token)
	b.mu.Unlock()
	if ok {
		b.notify(backend.SessionChange{Kind: backend.SessionSignedOut, UserID: s.UserID, Token: token})
	}
	return nil
}

// Reads

func (b *Backend) withAuthor(id uuid.UUID) *entity.Profile {
	if p, ok := b.profiles[id]; ok {
		cp := p.Clone()
		return cp
	}
	return nil
}

func (b *Backend) postLocked(p *entity.Post) entity.Post {
	cp := *p.Clone()
	cp.Author = b.withAuthor(p.AuthorID)
	return cp
}

func (b *Backend) threadLocked(t *entity.Thread) entity.Thread {
	cp := *t.Clone()
	cp.Author = b.withAuthor(t.AuthorID)
	cp.Posts = []entity.Post{}
	for _, p := range b.posts {
		if p.ThreadID == t.ID {
			cp.Posts = append(cp.Posts, b.postLocked(p))
		}
	}
	sort.SliceStable(cp.Posts, func(i, j int) bool {
		return b.postSeq[cp.Posts[i].ID] < b.postSeq[cp.Posts[j].ID]
	})
	return cp
}

func (b *Backend) ListCategories(ctx context.Context) ([]entity.Category, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]entity.Category, len(b.categories))
	copy(out, b.categories)
	return out, nil
}

func (b *Backend) ListThreads(ctx context.Context, query backend.ThreadQuery) ([]entity.Thread, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]entity.Thread, 0, len(b.threads))
	for _, t := range b.threads {
		if query.CategoryID != nil && t.CategoryID != *query.CategoryID {
			continue
		}
		out = append(out, b.threadLocked(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (b *Backend) GetThread(ctx context.Context, id uuid.UUID) (*entity.Thread, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.threads[id]
	if !ok {
		return nil, fmt.Errorf("thread %s: %w", id, apperror.ErrNotFound)
	}
	cp := b.threadLocked(t)
	return &cp, nil
}

func (b *Backend) GetPost(ctx context.Context, id uuid.UUID) (*entity.Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.posts[id]
	if !ok {
		return nil, fmt.Errorf("post %s: %w", id, apperror.ErrNotFound)
	}
	cp := b.postLocked(p)
	return &cp, nil
}

// Thread writes

func (b *Backend) InsertThread(ctx context.Context, thread *entity.Thread) error {
	if err := b.fail("InsertThread"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if thread.ID == uuid.Nil {
		thread.ID, _ = uuid.NewV7()
	}
	if _, ok := b.threads[thread.ID]; ok {
		return fmt.Errorf("thread %s already exists: %w", thread.ID, apperror.ErrConflict)
	}
	now := b.now()
	thread.CreatedAt, thread.UpdatedAt = now, now
	row := thread.Clone()
	row.Author, row.Posts = nil, nil
	b.threads[row.ID] = row
	thread.Author = b.withAuthor(thread.AuthorID)
	b.emit(backend.EventInsert, backend.TableThreads, row.ID, nil, row)
	return nil
}

func applyStamp(s *backend.Stamp, on *bool, at **time.Time, by **uuid.UUID) {
	*on = s.On
	if !s.On {
		*at, *by = nil, nil
		return
	}
	stampAt, stampBy := s.At, s.By
	*at, *by = &stampAt, &stampBy
}

func (b *Backend) UpdateThread(ctx context.Context, id uuid.UUID, patch backend.ThreadPatch) (*entity.Thread, error) {
	if err := b.fail("UpdateThread"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.threads[id]
	if !ok {
		return nil, fmt.Errorf("thread %s: %w", id, apperror.ErrNotFound)
	}
	before := t.Clone()
	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.Content != nil {
		t.Content = *patch.Content
	}
	if patch.Pin != nil {
		applyStamp(patch.Pin, &t.IsPinned, &t.PinnedAt, &t.PinnedBy)
	}
	if patch.Lock != nil {
		applyStamp(patch.Lock, &t.IsLocked, &t.LockedAt, &t.LockedBy)
	}
	t.UpdatedAt = b.now()
	b.emit(backend.EventUpdate, backend.TableThreads, id, before, t)
	cp := t.Clone()
	cp.Author = b.withAuthor(t.AuthorID)
	return cp, nil
}

func (b *Backend) DeleteThread(ctx context.Context, id uuid.UUID) error {
	if err := b.fail("DeleteThread"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.threads[id]
	if !ok {
		return fmt.Errorf("thread %s: %w", id, apperror.ErrNotFound)
	}
	for _, p := range b.posts {
		if p.ThreadID != id || p.Status == entity.PostDeleted {
			continue
		}
		before := p.Clone()
		p.Status = entity.PostDeleted
		p.UpdatedAt = b.now()
		b.emit(backend.EventUpdate, backend.TablePosts, p.ID, before, p)
	}
	delete(b.threads, id)
	b.emit(backend.EventDelete, backend.TableThreads, id, t, nil)
	return nil
}

// Post writes

func (b *Backend) InsertPost(ctx context.Context, post *entity.Post) error {
	if err := b.fail("InsertPost"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.threads[post.ThreadID]
	if !ok {
		return fmt.Errorf("thread %s: %w", post.ThreadID, apperror.ErrNotFound)
	}
	if t.IsLocked {
		return fmt.Errorf("thread %s is locked: %w", t.ID, apperror.ErrPermissionDenied)
	}
	if post.ID == uuid.Nil {
		post.ID, _ = uuid.NewV7()
	}
	if _, ok := b.posts[post.ID]; ok {
		return fmt.Errorf("post %s already exists: %w", post.ID, apperror.ErrConflict)
	}
	if post.Status == "" {
		post.Status = entity.PostActive
	}
	now := b.now()
	post.CreatedAt, post.UpdatedAt = now, now
	row := post.Clone()
	row.Author = nil
	b.posts[row.ID] = row
	b.seq++
	b.postSeq[row.ID] = b.seq
	post.Author = b.withAuthor(post.AuthorID)
	b.emit(backend.EventInsert, backend.TablePosts, row.ID, nil, row)
	return nil
}

func (b *Backend) UpdatePost(ctx context.Context, id uuid.UUID, patch backend.PostPatch) (*entity.Post, error) {
	if err := b.fail("UpdatePost"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.posts[id]
	if !ok {
		return nil, fmt.Errorf("post %s: %w", id, apperror.ErrNotFound)
	}
	before := p.Clone()
	if patch.Content != nil {
		p.Content = *patch.Content
	}
	if patch.Status != nil {
		p.Status = *patch.Status
	}
	if patch.ReportCount != nil {
		p.SetReportCount(*patch.ReportCount)
	}
	p.UpdatedAt = b.now()
	b.emit(backend.EventUpdate, backend.TablePosts, id, before, p)
	cp := b.postLocked(p)
	return &cp, nil
}

func (b *Backend) DeletePost(ctx context.Context, id uuid.UUID) error {
	if err := b.fail("DeletePost"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.posts[id]
	if !ok {
		return fmt.Errorf("post %s: %w", id, apperror.ErrNotFound)
	}
	delete(b.posts, id)
	delete(b.postSeq, id)
	b.emit(backend.EventDelete, backend.TablePosts, id, p, nil)
	return nil
}

// Reports

func (b *Backend) FileReport(ctx context.Context, report *entity.Report) (*entity.Post, error) {
	if err := b.fail("FileReport"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.posts[report.PostID]
	if !ok {
		return nil, fmt.Errorf("post %s: %w", report.PostID, apperror.ErrNotFound)
	}
	if report.ID == uuid.Nil {
		report.ID, _ = uuid.NewV7()
	}
	report.Status = entity.ReportPending
	report.CreatedAt = b.now()
	row := *report
	b.reports = append(b.reports, &row)
	b.emit(backend.EventInsert, backend.TableReports, row.ID, nil, row)

	before := p.Clone()
	p.SetReportCount(p.ReportCount + 1)
	p.UpdatedAt = b.now()
	b.emit(backend.EventUpdate, backend.TablePosts, p.ID, before, p)
	cp := b.postLocked(p)
	return &cp, nil
}

func (b *Backend) ResolveReports(ctx context.Context, input backend.ResolveReportsInput) (*backend.ResolveReportsResult, error) {
	if err := b.fail("ResolveReports"); err != nil {
		return nil, err
	}
	if input.DeletePost {
		if err := b.fail("DeletePost"); err != nil {
			return nil, err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var pending []*entity.Report
	for _, r := range b.reports {
		if r.PostID == input.PostID && r.Status == entity.ReportPending {
			pending = append(pending, r)
		}
	}
	if len(pending) == 0 {
		return nil, fmt.Errorf("no pending reports for post %s: %w", input.PostID, apperror.ErrConflict)
	}
	p, ok := b.posts[input.PostID]
	if input.DeletePost && !ok {
		return nil, fmt.Errorf("post %s: %w", input.PostID, apperror.ErrNotFound)
	}

	res := &backend.ResolveReportsResult{Resolved: len(pending)}
	by, at := input.ResolvedBy, input.ResolvedAt
	for _, r := range pending {
		r.Status = input.Status
		r.ResolvedBy, r.ResolvedAt = &by, &at
		b.emit(backend.EventUpdate, backend.TableReports, r.ID, nil, r)
	}
	switch {
	case input.DeletePost:
		delete(b.posts, p.ID)
		delete(b.postSeq, p.ID)
		b.emit(backend.EventDelete, backend.TablePosts, p.ID, p, nil)
	case input.ResetPost && ok:
		before := p.Clone()
		p.SetReportCount(0)
		p.UpdatedAt = b.now()
		b.emit(backend.EventUpdate, backend.TablePosts, p.ID, before, p)
		cp := b.postLocked(p)
		res.Post = &cp
	}
	return res, nil
}

func (b *Backend) ListReports(ctx context.Context, query backend.ReportQuery) ([]entity.Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := []entity.Report{}
	for _, r := range b.reports {
		if query.Status != nil && r.Status != *query.Status {
			continue
		}
		if query.PostID != nil && r.PostID != *query.PostID {
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

// Profiles

func (b *Backend) ListProfiles(ctx context.Context) ([]entity.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]entity.Profile, 0, len(b.profiles))
	for _, p := range b.profiles {
		out = append(out, *p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (b *Backend) UpdateProfile(ctx context.Context, id uuid.UUID, patch backend.ProfilePatch) (*entity.Profile, error) {
	if err := b.fail("UpdateProfile"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	p, ok := b.profiles[id]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("profile %s: %w", id, apperror.ErrNotFound)
	}
	before := p.Clone()
	if patch.Role != nil {
		p.Role = *patch.Role
	}
	if patch.Ban != nil {
		applyStamp(patch.Ban, &p.IsBanned, &p.BannedAt, &p.BannedBy)
	}
	p.UpdatedAt = b.now()
	b.emit(backend.EventUpdate, backend.TableProfiles, id, before, p)
	cp := p.Clone()
	b.mu.Unlock()
	b.notify(backend.SessionChange{Kind: backend.SessionProfileChanged, UserID: id})
	return cp, nil
}

func (b *Backend) DeleteProfile(ctx context.Context, id uuid.UUID) error {
	if err := b.fail("DeleteProfile"); err != nil {
		return err
	}
	b.mu.Lock()
	p, ok := b.profiles[id]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("profile %s: %w", id, apperror.ErrNotFound)
	}
	delete(b.profiles, id)
	for token, s := range b.sessions {
		if s.UserID == id {
			delete(b.sessions, token)
		}
	}
	b.emit(backend.EventDelete, backend.TableProfiles, id, p, nil)
	b.mu.Unlock()
	b.notify(backend.SessionChange{Kind: backend.SessionProfileChanged, UserID: id})
	return nil
}
