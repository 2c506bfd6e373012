package moderation

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"anoa.com/communityforum/internal/backend/memory"
	"anoa.com/communityforum/internal/entity"
	"anoa.com/communityforum/internal/modules/forum"
	"anoa.com/communityforum/internal/modules/moderation/dto"
	"anoa.com/communityforum/internal/modules/session"
	"anoa.com/communityforum/pkg/apperror"
	"anoa.com/communityforum/pkg/ratelimiter"
	"github.com/google/uuid"
)

type harness struct {
	mem      *memory.Backend
	store    *forum.Store
	svc      Service
	category entity.Category
	users    map[string]*entity.Profile
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := memory.New()
	h := &harness{mem: mem, users: make(map[string]*entity.Profile)}
	h.category = mem.AddCategory("General", "general")
	for name, role := range map[string]entity.Role{
		"alice": entity.RoleUser,
		"bob":   entity.RoleUser,
		"carol": entity.RoleUser,
		"mod":   entity.RoleModerator,
		"root":  entity.RoleAdmin,
		"root2": entity.RoleAdmin,
	} {
		p, err := mem.AddProfile(name, name+"@example.com", "password123", role)
		if err != nil {
			t.Fatal(err)
		}
		h.users[name] = p
	}
	h.store = forum.NewStore(mem)
	t.Cleanup(h.store.Close)
	if err := h.store.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.svc = NewService(mem, h.store, nil, Cooldowns{})
	return h
}

func (h *harness) as(t *testing.T, name string) *session.Session {
	t.Helper()
	s := session.New(h.mem)
	t.Cleanup(s.Close)
	if err := s.Begin(context.Background(), h.mem.IssueSession(h.users[name].ID).Token); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s
}

func (h *harness) newThread(t *testing.T, author string) *entity.Thread {
	t.Helper()
	th, err := h.svc.CreateThread(context.Background(), h.as(t, author), dto.CreateThreadRequest{
		Title:      "Hello",
		Content:    "World",
		CategoryID: h.category.ID.String(),
	})
	if err != nil {
		t.Fatalf("CreateThread failed: %v", err)
	}
	return th
}

func TestCreateThreadAndReply(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	th := h.newThread(t, "alice")

	if th.AuthorName != "alice" {
		t.Errorf("expected author name alice, got %q", th.AuthorName)
	}
	if _, err := h.mem.GetThread(ctx, th.ID); err != nil {
		t.Fatalf("thread not written to backend: %v", err)
	}

	post, err := h.svc.SubmitReply(ctx, h.as(t, "bob"), th.ID, dto.ReplyRequest{Content: "<b>hi</b><script>x</script>"})
	if err != nil {
		t.Fatalf("SubmitReply failed: %v", err)
	}
	if post.Content != "<b>hi</b>" {
		t.Errorf("expected sanitized content, got %q", post.Content)
	}
	held, _ := h.store.Thread(th.ID)
	if len(held.Posts) != 1 {
		t.Fatalf("expected one post in view, got %d", len(held.Posts))
	}
	if agg := h.store.Aggregates(); agg.TotalPosts != 1 {
		t.Errorf("expected one counted post, got %d", agg.TotalPosts)
	}
}

func TestCreateThreadValidation(t *testing.T) {
	h := newHarness(t)
	actor := h.as(t, "alice")
	ctx := context.Background()

	cases := []dto.CreateThreadRequest{
		{Title: "", Content: "x", CategoryID: h.category.ID.String()},
		{Title: "x", Content: "x", CategoryID: uuid.NewString()},
		{Title: "<i></i>", Content: "x", CategoryID: h.category.ID.String()},
	}
	for _, req := range cases {
		if _, err := h.svc.CreateThread(ctx, actor, req); !errors.Is(err, apperror.ErrValidation) {
			t.Errorf("expected validation error for %+v, got %v", req, err)
		}
	}
	if len(h.store.View(forum.ViewOptions{}).Threads) != 0 {
		t.Fatal("rejected creates must not touch the store")
	}
}

func TestAnonymousIsRejected(t *testing.T) {
	h := newHarness(t)
	anon := session.New(h.mem)
	defer anon.Close()

	_, err := h.svc.CreateThread(context.Background(), anon, dto.CreateThreadRequest{Title: "x", Content: "x", CategoryID: h.category.ID.String()})
	if !errors.Is(err, apperror.ErrAuthenticationRequired) {
		t.Fatalf("expected authentication required, got %v", err)
	}
}

func TestPinThreadStampsModerator(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	older := h.newThread(t, "alice")
	newer := h.newThread(t, "bob")
	mod := h.as(t, "mod")

	pinned, err := h.svc.PinThread(ctx, mod, older.ID)
	if err != nil {
		t.Fatalf("PinThread failed: %v", err)
	}
	if !pinned.IsPinned || pinned.PinnedBy == nil || *pinned.PinnedBy != h.users["mod"].ID || pinned.PinnedAt == nil {
		t.Fatalf("expected pin stamped by moderator, got %+v", pinned)
	}
	v := h.store.View(forum.ViewOptions{})
	if v.Threads[0].ID != older.ID || v.Threads[1].ID != newer.ID {
		t.Fatal("pinned thread should sort ahead of newer unpinned threads")
	}

	unpinned, err := h.svc.PinThread(ctx, mod, older.ID)
	if err != nil {
		t.Fatal(err)
	}
	if unpinned.IsPinned || unpinned.PinnedBy != nil || unpinned.IsLocked {
		t.Fatalf("toggle should flip only the pin axis, got %+v", unpinned)
	}
}

func TestUserCannotPinOrLock(t *testing.T) {
	h := newHarness(t)
	th := h.newThread(t, "alice")
	alice := h.as(t, "alice")

	if _, err := h.svc.PinThread(context.Background(), alice, th.ID); !errors.Is(err, apperror.ErrPermissionDenied) {
		t.Errorf("expected permission denied for pin, got %v", err)
	}
	if _, err := h.svc.LockThread(context.Background(), alice, th.ID); !errors.Is(err, apperror.ErrPermissionDenied) {
		t.Errorf("expected permission denied for lock, got %v", err)
	}
}

func TestReplyToLockedThreadIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	th := h.newThread(t, "alice")
	if _, err := h.svc.LockThread(ctx, h.as(t, "mod"), th.ID); err != nil {
		t.Fatal(err)
	}
	before, _ := h.store.Thread(th.ID)
	beforeAgg := h.store.Aggregates()

	_, err := h.svc.SubmitReply(ctx, h.as(t, "bob"), th.ID, dto.ReplyRequest{Content: "let me in"})
	if !errors.Is(err, apperror.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	after, _ := h.store.Thread(th.ID)
	if len(after.Posts) != len(before.Posts) || h.store.Aggregates().TotalPosts != beforeAgg.TotalPosts {
		t.Fatal("rejected reply changed the store")
	}
	if agg := h.store.Aggregates(); agg.ActiveThreads != 0 {
		t.Errorf("locked thread should not count as active, got %d", agg.ActiveThreads)
	}
}

func TestModeratorCannotChangeRole(t *testing.T) {
	h := newHarness(t)
	target := h.users["alice"]

	_, err := h.svc.ChangeRole(context.Background(), h.as(t, "mod"), target.ID, entity.RoleModerator)
	if !errors.Is(err, apperror.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	held, _ := h.store.Profile(target.ID)
	if held.Role != entity.RoleUser {
		t.Fatalf("store role changed to %s", held.Role)
	}
	stored, _ := h.mem.GetProfile(context.Background(), target.ID)
	if stored.Role != entity.RoleUser {
		t.Fatalf("backend role changed to %s", stored.Role)
	}
}

func TestAdminChangesRoleOfLowerRankOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	root := h.as(t, "root")

	p, err := h.svc.ChangeRole(ctx, root, h.users["alice"].ID, entity.RoleModerator)
	if err != nil {
		t.Fatalf("ChangeRole failed: %v", err)
	}
	if p.Role != entity.RoleModerator {
		t.Fatalf("expected moderator, got %s", p.Role)
	}
	if _, err := h.svc.ChangeRole(ctx, root, h.users["root2"].ID, entity.RoleUser); !errors.Is(err, apperror.ErrPermissionDenied) {
		t.Errorf("admin must not demote a peer admin, got %v", err)
	}
	if _, err := h.svc.ChangeRole(ctx, root, h.users["root"].ID, entity.RoleUser); !errors.Is(err, apperror.ErrPermissionDenied) {
		t.Errorf("admin must not change their own role, got %v", err)
	}
}

func TestBanReachesOpenSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	victim := h.as(t, "bob")
	victim.Start()

	banned, err := h.svc.BanUser(ctx, h.as(t, "root"), h.users["bob"].ID)
	if err != nil {
		t.Fatalf("BanUser failed: %v", err)
	}
	if !banned.IsBanned || banned.BannedBy == nil || *banned.BannedBy != h.users["root"].ID {
		t.Fatalf("expected ban stamped by admin, got %+v", banned)
	}

	deadline := time.Now().Add(2 * time.Second)
	for victim.Authorize(session.Authenticated()) {
		if time.Now().After(deadline) {
			t.Fatal("banned session still authorizes")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := h.svc.BanUser(ctx, h.as(t, "root"), h.users["bob"].ID); !errors.Is(err, apperror.ErrConflict) {
		t.Errorf("expected conflict for double ban, got %v", err)
	}
	unbanned, err := h.svc.UnbanUser(ctx, h.as(t, "root"), h.users["bob"].ID)
	if err != nil || unbanned.IsBanned || unbanned.BannedAt != nil {
		t.Fatalf("unexpected unban result %+v %v", unbanned, err)
	}
}

func TestEditPostAuthorOrModerator(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	th := h.newThread(t, "alice")
	post, err := h.svc.SubmitReply(ctx, h.as(t, "bob"), th.ID, dto.ReplyRequest{Content: "original"})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := h.svc.EditPost(ctx, h.as(t, "carol"), post.ID, dto.EditPostRequest{Content: "hijack"}); !errors.Is(err, apperror.ErrPermissionDenied) {
		t.Errorf("expected non-author to be denied, got %v", err)
	}
	edited, err := h.svc.EditPost(ctx, h.as(t, "bob"), post.ID, dto.EditPostRequest{Content: "edited"})
	if err != nil || edited.Content != "edited" {
		t.Fatalf("author edit failed: %+v %v", edited, err)
	}
	if _, err := h.svc.EditPost(ctx, h.as(t, "mod"), post.ID, dto.EditPostRequest{Content: "moderated"}); err != nil {
		t.Fatalf("moderator edit failed: %v", err)
	}
	held, _ := h.store.Post(post.ID)
	if held.Content != "moderated" {
		t.Errorf("expected view to hold moderated content, got %q", held.Content)
	}
}

func TestDeleteThreadCascadesAndIsAbsorbing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	th := h.newThread(t, "alice")
	post, _ := h.svc.SubmitReply(ctx, h.as(t, "bob"), th.ID, dto.ReplyRequest{Content: "reply"})
	mod := h.as(t, "mod")

	if err := h.svc.DeleteThread(ctx, mod, th.ID); err != nil {
		t.Fatalf("DeleteThread failed: %v", err)
	}
	if _, ok := h.store.Post(post.ID); ok {
		t.Error("post survived thread delete in view")
	}
	stored, err := h.mem.GetPost(ctx, post.ID)
	if err != nil || stored.Status != entity.PostDeleted {
		t.Errorf("expected backend post marked deleted, got %+v %v", stored, err)
	}
	if err := h.svc.DeleteThread(ctx, mod, th.ID); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("expected not found on second delete, got %v", err)
	}
}

func TestBackendFailureRevertsOptimisticChange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	th := h.newThread(t, "alice")
	h.mem.Fail = func(op string) error {
		if op == "UpdateThread" || op == "InsertPost" {
			return apperror.ErrTransientNetwork
		}
		return nil
	}

	if _, err := h.svc.LockThread(ctx, h.as(t, "mod"), th.ID); !errors.Is(err, apperror.ErrTransientNetwork) {
		t.Fatalf("expected transient error, got %v", err)
	}
	held, _ := h.store.Thread(th.ID)
	if held.IsLocked {
		t.Fatal("failed lock was not reverted")
	}

	if _, err := h.svc.SubmitReply(ctx, h.as(t, "bob"), th.ID, dto.ReplyRequest{Content: "lost"}); !errors.Is(err, apperror.ErrTransientNetwork) {
		t.Fatalf("expected transient error, got %v", err)
	}
	held, _ = h.store.Thread(th.ID)
	if len(held.Posts) != 0 || h.store.Aggregates().TotalPosts != 0 {
		t.Fatal("failed reply was not reverted")
	}
}

func TestReconcileLogsRejectedRow(t *testing.T) {
	h := newHarness(t)
	th := h.newThread(t, "alice")

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	broken := &entity.Post{ID: uuid.New(), ThreadID: th.ID, AuthorID: h.users["alice"].ID, Status: entity.PostActive, ReportCount: 2}
	h.svc.(*service).reconcile(context.Background(), forum.UpdatePost(broken))

	if !strings.Contains(buf.String(), broken.ID.String()) {
		t.Fatalf("expected the rejected row to be logged, got %q", buf.String())
	}
	if _, ok := h.store.Post(broken.ID); ok {
		t.Fatal("rejected row reached the view")
	}
}

func TestDeleteUserLeavesUnknownAuthor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	th := h.newThread(t, "alice")

	if err := h.svc.DeleteUser(ctx, h.as(t, "root"), h.users["alice"].ID); err != nil {
		t.Fatalf("DeleteUser failed: %v", err)
	}
	held, _ := h.store.Thread(th.ID)
	if held.AuthorName != entity.UnknownAuthor {
		t.Errorf("expected Unknown author after delete, got %q", held.AuthorName)
	}
	if _, ok := h.store.Profile(h.users["alice"].ID); ok {
		t.Error("deleted profile still held")
	}
}

func TestCooldownOnReplies(t *testing.T) {
	h := newHarness(t)
	h.svc = NewService(h.mem, h.store, ratelimiter.NewLimiter(nil), Cooldowns{Post: time.Hour})
	ctx := context.Background()
	th := h.newThread(t, "alice")
	bob := h.as(t, "bob")

	if _, err := h.svc.SubmitReply(ctx, bob, th.ID, dto.ReplyRequest{Content: "one"}); err != nil {
		t.Fatal(err)
	}
	_, err := h.svc.SubmitReply(ctx, bob, th.ID, dto.ReplyRequest{Content: "two"})
	var rlErr *ratelimiter.RateLimitError
	if !errors.As(err, &rlErr) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
}
