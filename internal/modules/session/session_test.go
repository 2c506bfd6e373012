package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"anoa.com/communityforum/internal/backend"
	"anoa.com/communityforum/internal/backend/memory"
	"anoa.com/communityforum/internal/entity"
	"anoa.com/communityforum/pkg/apperror"
	"github.com/google/uuid"
)

// gatedAuth holds every GetProfile until the test releases it.
type gatedAuth struct {
	*memory.Backend
	gate chan struct{}
}

func (g *gatedAuth) GetProfile(ctx context.Context, id uuid.UUID) (*entity.Profile, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.Backend.GetProfile(ctx, id)
}

func newProfile(t *testing.T, b *memory.Backend, name string, role entity.Role) *entity.Profile {
	t.Helper()
	p, err := b.AddProfile(name, name+"@example.com", "password123", role)
	if err != nil {
		t.Fatalf("AddProfile failed: %v", err)
	}
	return p
}

func activeSession(t *testing.T, b *memory.Backend, userID uuid.UUID) *Session {
	t.Helper()
	s := New(b)
	t.Cleanup(s.Close)
	if err := s.Begin(context.Background(), b.IssueSession(userID).Token); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	snap, err := s.Wait(context.Background())
	if err != nil || snap.State != StateActive {
		t.Fatalf("expected active session, got %s (%v)", snap.State, err)
	}
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPendingFailsClosed(t *testing.T) {
	b := memory.New()
	admin := newProfile(t, b, "root", entity.RoleAdmin)
	auth := &gatedAuth{Backend: b, gate: make(chan struct{})}

	s := New(auth)
	defer s.Close()
	if err := s.Begin(context.Background(), b.IssueSession(admin.ID).Token); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	if s.Resolve().State != StatePending {
		t.Fatalf("expected pending, got %s", s.Resolve().State)
	}
	if s.Authorize(Authenticated()) || s.Authorize(OneOf(entity.RoleAdmin)) {
		t.Fatal("pending session must not authorize")
	}
	if _, err := s.Require(Authenticated()); !errors.Is(err, apperror.ErrAuthenticationRequired) {
		t.Fatalf("expected authentication required, got %v", err)
	}

	close(auth.gate)
	snap, err := s.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if snap.State != StateActive || snap.Profile.ID != admin.ID {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if !s.Authorize(OneOf(entity.RoleAdmin)) {
		t.Fatal("expected hydrated admin to authorize")
	}
}

func TestStaleHydrationIsDiscarded(t *testing.T) {
	b := memory.New()
	admin := newProfile(t, b, "root", entity.RoleAdmin)
	auth := &gatedAuth{Backend: b, gate: make(chan struct{})}

	s := New(auth)
	defer s.Close()
	if err := s.Begin(context.Background(), b.IssueSession(admin.ID).Token); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := s.Logout(context.Background()); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	close(auth.gate)

	time.Sleep(50 * time.Millisecond)
	if s.Resolve().State != StateAnonymous {
		t.Fatalf("hydration after logout must not revive the session, got %s", s.Resolve().State)
	}
	if s.Authorize(Authenticated()) {
		t.Fatal("logged out session must not authorize")
	}
}

func TestUnknownTokenStaysAnonymous(t *testing.T) {
	s := New(memory.New())
	defer s.Close()
	err := s.Begin(context.Background(), "nope")
	if !errors.Is(err, apperror.ErrAuthenticationRequired) {
		t.Fatalf("expected authentication required, got %v", err)
	}
	if s.Resolve().State != StateAnonymous {
		t.Fatal("expected anonymous session")
	}
}

func TestRoleMonotonicity(t *testing.T) {
	b := memory.New()
	roles := []entity.Role{entity.RoleUser, entity.RoleModerator, entity.RoleAdmin}
	for _, role := range roles {
		p := newProfile(t, b, "u-"+role.String(), role)
		s := activeSession(t, b, p.ID)
		for i, higher := range roles {
			for _, lower := range roles[:i+1] {
				if s.Authorize(AtLeast(higher)) && !s.Authorize(AtLeast(lower)) {
					t.Errorf("%s: >=%s holds but >=%s does not", role, higher, lower)
				}
			}
		}
	}
}

func TestPoliciesAreDistinct(t *testing.T) {
	b := memory.New()
	admin := newProfile(t, b, "root", entity.RoleAdmin)
	s := activeSession(t, b, admin.ID)

	if !s.Authorize(AtLeast(entity.RoleModerator)) {
		t.Error("admin is at least a moderator")
	}
	if s.Authorize(OneOf(entity.RoleModerator)) {
		t.Error("admin is not in the exact set {moderator}")
	}
	if !s.Authorize(OneOf(entity.RoleModerator, entity.RoleAdmin)) {
		t.Error("admin is in {moderator,admin}")
	}
}

func TestBannedAuthorizesNothing(t *testing.T) {
	b := memory.New()
	admin := newProfile(t, b, "root", entity.RoleAdmin)
	mod := newProfile(t, b, "mod", entity.RoleModerator)
	s := activeSession(t, b, mod.ID)
	s.Start()

	_, err := b.UpdateProfile(context.Background(), mod.ID, backend.ProfilePatch{
		Ban: &backend.Stamp{On: true, At: time.Now(), By: admin.ID},
	})
	if err != nil {
		t.Fatalf("UpdateProfile failed: %v", err)
	}

	waitFor(t, func() bool {
		snap := s.Resolve()
		return snap.State == StateActive && snap.Profile.IsBanned
	})
	reqs := []Requirement{Authenticated(), AtLeast(entity.RoleModerator), OneOf(entity.RoleModerator), OneOf(entity.RoleUser, entity.RoleModerator, entity.RoleAdmin)}
	for _, req := range reqs {
		if s.Authorize(req) {
			t.Errorf("banned profile authorized %s", req)
		}
	}
	if _, err := s.Require(Authenticated()); !errors.Is(err, apperror.ErrPermissionDenied) {
		t.Errorf("expected permission denied, got %v", err)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	b := memory.New()
	u := newProfile(t, b, "alice", entity.RoleUser)
	s := activeSession(t, b, u.ID)
	token := s.Resolve().Token

	if err := s.Logout(context.Background()); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if s.Authorize(Authenticated()) {
		t.Fatal("expected logout to invalidate authorization")
	}
	raw, err := b.GetSession(context.Background(), token)
	if err != nil || raw != nil {
		t.Fatalf("expected token revoked at backend, got %v %v", raw, err)
	}
}

func TestSignOutElsewhereInvalidatesSession(t *testing.T) {
	b := memory.New()
	u := newProfile(t, b, "alice", entity.RoleUser)
	s := activeSession(t, b, u.ID)
	s.Start()

	if err := b.SignOut(context.Background(), s.Resolve().Token); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return s.Resolve().State == StateAnonymous })
}

func TestSignInBeginsSession(t *testing.T) {
	b := memory.New()
	newProfile(t, b, "alice", entity.RoleUser)
	s := New(b)
	defer s.Close()

	if _, err := s.SignIn(context.Background(), "alice@example.com", "wrong-password"); !errors.Is(err, apperror.ErrAuthenticationRequired) {
		t.Fatalf("expected bad credentials to fail, got %v", err)
	}
	if _, err := s.SignIn(context.Background(), "alice@example.com", "password123"); err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	snap, err := s.Wait(context.Background())
	if err != nil || snap.State != StateActive || snap.Profile.Username != "alice" {
		t.Fatalf("unexpected snapshot %+v (%v)", snap, err)
	}
}

func TestDeletedProfileFallsBackToAnonymous(t *testing.T) {
	b := memory.New()
	u := newProfile(t, b, "alice", entity.RoleUser)
	token := b.IssueSession(u.ID).Token
	// Remove the profile but keep a session that still names it.
	raw, _ := b.GetSession(context.Background(), token)
	if err := b.DeleteProfile(context.Background(), u.ID); err != nil {
		t.Fatal(err)
	}

	s := New(staleSessionAuth{Backend: b, session: raw})
	defer s.Close()
	if err := s.Begin(context.Background(), token); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	snap, _ := s.Wait(context.Background())
	if snap.State != StateAnonymous || !errors.Is(snap.Err, apperror.ErrNotFound) {
		t.Fatalf("expected anonymous with not-found error, got %s %v", snap.State, snap.Err)
	}
}

// staleSessionAuth answers GetSession with a fixed session regardless of token.
type staleSessionAuth struct {
	*memory.Backend
	session *backend.Session
}

func (a staleSessionAuth) GetSession(ctx context.Context, token string) (*backend.Session, error) {
	return a.session, nil
}
